package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/minutes-engine/internal/config"
	"github.com/snarg/minutes-engine/internal/events"
	"github.com/snarg/minutes-engine/internal/inbox"
	"github.com/snarg/minutes-engine/internal/job"
	"github.com/snarg/minutes-engine/internal/metrics"
	"github.com/snarg/minutes-engine/internal/pipeline"
	"github.com/snarg/minutes-engine/internal/storage"
	"github.com/snarg/minutes-engine/internal/transcript"
)

// JobService is the job lifecycle the API exposes. *pipeline.Manager
// implements it.
type JobService interface {
	Submit(ctx context.Context, sourcePath string) (job.Job, error)
	Get(ctx context.Context, id string) (job.Job, error)
	List(ctx context.Context, limit int, statuses ...job.Status) ([]job.Job, error)
	Cancel(ctx context.Context, id string) (job.Job, error)
	Chunks(ctx context.Context, id string) ([]transcript.ChunkResult, error)
	Stats() pipeline.QueueStats
}

// HealthChecker is implemented by *database.DB.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnectionChecker is implemented by *mqttclient.Client.
type ConnectionChecker interface {
	IsConnected() bool
}

// WatcherStatus is implemented by *inbox.Watcher.
type WatcherStatus interface {
	Status() *inbox.Status
}

// ServerOptions holds the dependencies of the HTTP server. DB, MQTT and
// Inbox are optional and must be left nil when not configured.
type ServerOptions struct {
	Config    *config.Config
	Jobs      JobService
	Artifacts storage.ArtifactStore
	Bus       *events.Bus
	DB        HealthChecker
	MQTT      ConnectionChecker
	Inbox     WatcherStatus
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(metrics.InstrumentHandler)
	r.Use(CORSWithOrigins(cfg.CORSOrigins))

	r.Handle("/metrics", promhttp.Handler())

	jobs := NewJobsHandler(opts.Jobs, opts.Artifacts, cfg.UploadDir, cfg.MaxUploadBytes)
	stream := NewEventsHandler(opts.Bus, opts.Jobs)
	health := NewHealthHandler(HealthOptions{
		DB:        opts.DB,
		MQTT:      opts.MQTT,
		Inbox:     opts.Inbox,
		Jobs:      opts.Jobs,
		Version:   opts.Version,
		StartTime: opts.StartTime,
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Health endpoint, no auth
		r.With(Logger(opts.Log)).Get("/health", health.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(cfg.AuthToken))

			r.Group(func(r chi.Router) {
				r.Use(Logger(opts.Log))
				jobs.Routes(r, RateLimiter(cfg.SubmitRate, cfg.SubmitBurst))
			})

			// Long-lived streams skip the access log wrapper so the
			// response controller reaches the underlying connection.
			r.Group(func(r chi.Router) {
				r.Use(hlog.NewHandler(opts.Log))
				stream.Routes(r)
			})
		})
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
