package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/snarg/minutes-engine/internal/api"
	"github.com/snarg/minutes-engine/internal/audio"
	"github.com/snarg/minutes-engine/internal/chunkproc"
	"github.com/snarg/minutes-engine/internal/config"
	"github.com/snarg/minutes-engine/internal/database"
	"github.com/snarg/minutes-engine/internal/diarize"
	"github.com/snarg/minutes-engine/internal/events"
	"github.com/snarg/minutes-engine/internal/inbox"
	"github.com/snarg/minutes-engine/internal/job"
	"github.com/snarg/minutes-engine/internal/metrics"
	"github.com/snarg/minutes-engine/internal/minutes"
	"github.com/snarg/minutes-engine/internal/mqttclient"
	"github.com/snarg/minutes-engine/internal/pipeline"
	"github.com/snarg/minutes-engine/internal/storage"
	"github.com/snarg/minutes-engine/internal/transcribe"
	"github.com/snarg/minutes-engine/internal/transcript"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	startTime := time.Now()

	// CLI flags
	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (env: HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (env: LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL URL, empty keeps jobs in memory (env: DATABASE_URL)")
	flag.StringVar(&overrides.MQTTBrokerURL, "mqtt-url", "", "MQTT broker URL (env: MQTT_BROKER_URL)")
	flag.StringVar(&overrides.DataDir, "data-dir", "", "Artifact directory (env: DATA_DIR)")
	flag.StringVar(&overrides.InboxDir, "inbox-dir", "", "Directory watched for new recordings (env: INBOX_DIR)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("minutes-engine %s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Msg("minutes-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !audio.CheckFFmpeg() {
		log.Warn().Str("ffmpeg", cfg.FFmpegPath).Msg("ffmpeg not found on PATH; jobs will fail to normalize")
	}

	// Job store: PostgreSQL when configured, memory otherwise
	var (
		store       job.Store
		db          *database.DB
		maintenance *database.Maintenance
	)
	if cfg.DatabaseURL != "" {
		dbLog := log.With().Str("component", "database").Logger()
		db, err = database.Connect(ctx, cfg.DatabaseURL, dbLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to apply database migrations")
		}
		jobStore := database.NewJobStore(db)
		store = jobStore
		maintenance = database.NewMaintenance(jobStore, cfg.JobRetention, dbLog)
		maintenance.Start()
		defer maintenance.Stop()
	} else {
		log.Warn().Msg("DATABASE_URL not set; jobs are kept in memory and lost on restart")
		store = job.NewMemoryStore()
	}

	// Artifact storage
	storeLog := log.With().Str("component", "storage").Logger()
	artifacts, services, err := storage.New(cfg.S3, cfg.DataDir, storeLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize artifact storage")
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "minutes-engine")
	}
	services = append(services, storage.NewWorkPruner(workDir, cfg.WorkRetention, storeLog))
	for _, svc := range services {
		svc.Start()
		defer svc.Stop()
	}

	bus := events.NewBus(1024)

	// Providers
	stt, err := transcribe.New(transcribe.Options{
		Provider:           cfg.STTProvider,
		Timeout:            cfg.ProviderTimeout,
		WhisperURL:         cfg.WhisperURL,
		WhisperModel:       cfg.WhisperModel,
		Temperature:        cfg.WhisperTemperature,
		BeamSize:           cfg.WhisperBeamSize,
		VadFilter:          cfg.WhisperVadFilter,
		DeepInfraAPIKey:    cfg.DeepInfraAPIKey,
		DeepInfraModel:     cfg.DeepInfraModel,
		ElevenLabsAPIKey:   cfg.ElevenLabsAPIKey,
		ElevenLabsModel:    cfg.ElevenLabsModel,
		ElevenLabsKeyterms: cfg.ElevenLabsKeyterms,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure transcription provider")
	}
	dia, err := diarize.New(diarize.Options{
		Provider: cfg.DiarizeProvider,
		URL:      cfg.DiarizeURL,
		Timeout:  cfg.ProviderTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure diarization provider")
	}
	var gen minutes.Generator
	switch strings.ToLower(cfg.MinutesProvider) {
	case "ollama":
		gen = minutes.NewOllama(minutes.OllamaConfig{
			BaseURL:     cfg.OllamaURL,
			Model:       cfg.OllamaModel,
			Temperature: cfg.OllamaTemperature,
			Timeout:     cfg.MinutesTimeout,
		})
	case "", "none":
		log.Info().Msg("minutes generation disabled")
	default:
		log.Fatal().Str("provider", cfg.MinutesProvider).Msg("unknown minutes provider")
	}
	log.Info().
		Str("stt", cfg.STTProvider).
		Str("diarize", cfg.DiarizeProvider).
		Str("minutes", cfg.MinutesProvider).
		Str("speaker_matching", cfg.SpeakerMatching).
		Msg("providers configured")

	// Pipeline
	pipeLog := log.With().Str("component", "pipeline").Logger()
	proc := chunkproc.New(stt, dia, chunkproc.Options{
		Timeout:     cfg.ProviderTimeout,
		MaxRetries:  cfg.MaxRetries,
		Backoff:     cfg.RetryBackoff,
		Language:    cfg.Language,
		Prompt:      cfg.Prompt,
		Hotwords:    cfg.Hotwords,
		MinSpeakers: cfg.MinSpeakers,
		MaxSpeakers: cfg.MaxSpeakers,
		Embeddings:  cfg.EmbeddingMatching(),
	}, pipeLog)
	var reconciler transcript.Reconciler
	if cfg.EmbeddingMatching() {
		reconciler = transcript.EmbeddingReconciler{Threshold: cfg.SpeakerMatchThreshold}
	}
	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Normalizer: audio.NewNormalizer(cfg.FFmpegPath, audio.DefaultSampleRate),
		Processor:  proc,
		Minutes:    gen,
		Store:      store,
		Artifacts:  artifacts,
		Bus:        bus,
	}, pipeline.Options{
		ChunkDuration:  cfg.ChunkDuration,
		ChunkOverlap:   cfg.ChunkOverlap,
		ChunkWorkers:   cfg.ChunkWorkers,
		WorkDir:        workDir,
		KeepWorkFiles:  cfg.KeepWorkFiles,
		Reconciler:     reconciler,
		MinutesTimeout: cfg.MinutesTimeout,
	}, pipeLog)

	manager := pipeline.NewManager(pipeline.ManagerOptions{
		Runner:    orch,
		Store:     store,
		Bus:       bus,
		Workers:   cfg.JobWorkers,
		QueueSize: cfg.JobQueueSize,
		UploadDir: cfg.UploadDir,
		InboxDir:  cfg.InboxDir,
		Log:       pipeLog,
	})
	if n, err := manager.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("failed to recover unfinished jobs")
	} else if n > 0 {
		log.Warn().Int("jobs", n).Msg("marked jobs interrupted by previous shutdown")
	}
	manager.Start()

	// Metrics
	var pool *pgxpool.Pool
	if db != nil {
		pool = db.Pool
	}
	prometheus.MustRegister(metrics.NewCollector(pool, manager))

	serverOpts := api.ServerOptions{
		Config:    cfg,
		Jobs:      manager,
		Artifacts: artifacts,
		Bus:       bus,
		Version:   fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, buildTime),
		StartTime: startTime,
		Log:       log.With().Str("component", "http").Logger(),
	}
	if db != nil {
		serverOpts.DB = db
	}

	// MQTT (optional)
	if cfg.MQTTBrokerURL != "" {
		mqttLog := log.With().Str("component", "mqtt").Logger()
		mqtt, err := mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         mqttLog,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqtt.Close()
		mqtt.SetMessageHandler(mqttclient.NewSubmitHandler(manager.Submit, mqttLog))
		fwd := mqttclient.NewForwarder(mqtt, bus, cfg.MQTTTopicPrefix, mqttLog)
		go fwd.Run(ctx)
		serverOpts.MQTT = mqtt
	}

	// Inbox watcher (optional)
	if cfg.InboxDir != "" {
		watcher := inbox.New(inbox.Options{
			Dir:      cfg.InboxDir,
			Submit:   manager.Submit,
			Backfill: cfg.InboxBackfill,
			Log:      log.With().Str("component", "inbox").Logger(),
		})
		if err := watcher.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start inbox watcher")
		}
		defer watcher.Stop()
		serverOpts.Inbox = watcher
	}

	// HTTP Server
	srv := api.NewServer(serverOpts)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	// Running jobs end as interrupted; their chunks stay persisted.
	manager.Stop()

	log.Info().Msg("minutes-engine stopped")
}
