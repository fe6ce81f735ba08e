package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// DatabaseURL is optional; without it jobs live in memory only.
	DatabaseURL string `env:"DATABASE_URL"`
	// JobRetention purges finished jobs from the database; 0 keeps them.
	JobRetention time.Duration `env:"JOB_RETENTION" envDefault:"0s"`

	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"minutes-engine"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"minutes-engine"`

	DataDir       string        `env:"DATA_DIR" envDefault:"./data"`
	UploadDir     string        `env:"UPLOAD_DIR" envDefault:"./uploads"`
	InboxDir      string        `env:"INBOX_DIR"`
	InboxBackfill bool          `env:"INBOX_BACKFILL" envDefault:"true"`
	WorkDir       string        `env:"WORK_DIR"`
	KeepWorkFiles bool          `env:"KEEP_WORK_FILES" envDefault:"false"`
	WorkRetention time.Duration `env:"WORK_RETENTION" envDefault:"24h"`

	S3 S3Config `envPrefix:"S3_"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken      string   `env:"AUTH_TOKEN"`
	CORSOrigins    []string `env:"CORS_ORIGINS" envSeparator:","`
	SubmitRate     float64  `env:"SUBMIT_RATE_LIMIT" envDefault:"1"`
	SubmitBurst    int      `env:"SUBMIT_RATE_BURST" envDefault:"10"`
	MaxUploadBytes int64    `env:"MAX_UPLOAD_BYTES" envDefault:"2147483648"`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`

	// Pipeline
	FFmpegPath            string        `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	ChunkDuration         time.Duration `env:"CHUNK_DURATION" envDefault:"60s"`
	ChunkOverlap          time.Duration `env:"CHUNK_OVERLAP" envDefault:"0s"`
	ChunkWorkers          int           `env:"CHUNK_WORKERS" envDefault:"2"`
	JobWorkers            int           `env:"JOB_WORKERS" envDefault:"1"`
	JobQueueSize          int           `env:"JOB_QUEUE_SIZE" envDefault:"16"`
	MaxRetries            int           `env:"MAX_RETRIES" envDefault:"2"`
	RetryBackoff          time.Duration `env:"RETRY_BACKOFF" envDefault:"2s"`
	ProviderTimeout       time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"5m"`
	SpeakerMatching       string        `env:"SPEAKER_MATCHING" envDefault:"chunk-scoped"`
	SpeakerMatchThreshold float64       `env:"SPEAKER_MATCH_THRESHOLD" envDefault:"0.75"`

	// Speech-to-text
	STTProvider        string  `env:"STT_PROVIDER" envDefault:"whisper"`
	WhisperURL         string  `env:"WHISPER_URL" envDefault:"http://localhost:8000"`
	WhisperModel       string  `env:"WHISPER_MODEL"`
	WhisperTemperature float64 `env:"WHISPER_TEMPERATURE" envDefault:"0"`
	WhisperBeamSize    int     `env:"WHISPER_BEAM_SIZE" envDefault:"0"`
	WhisperVadFilter   bool    `env:"WHISPER_VAD_FILTER" envDefault:"false"`
	DeepInfraAPIKey    string  `env:"DEEPINFRA_API_KEY"`
	DeepInfraModel     string  `env:"DEEPINFRA_STT_MODEL"`
	ElevenLabsAPIKey   string  `env:"ELEVENLABS_API_KEY"`
	ElevenLabsModel    string  `env:"ELEVENLABS_STT_MODEL"`
	ElevenLabsKeyterms string  `env:"ELEVENLABS_KEYTERMS"`
	Language           string  `env:"TRANSCRIBE_LANGUAGE"`
	Prompt             string  `env:"TRANSCRIBE_PROMPT"`
	Hotwords           string  `env:"TRANSCRIBE_HOTWORDS"`

	// Diarization
	DiarizeProvider string `env:"DIARIZE_PROVIDER" envDefault:"pyannote"`
	DiarizeURL      string `env:"DIARIZE_URL" envDefault:"http://localhost:8001"`
	MinSpeakers     int    `env:"MIN_SPEAKERS" envDefault:"0"`
	MaxSpeakers     int    `env:"MAX_SPEAKERS" envDefault:"0"`

	// Minutes
	MinutesProvider   string        `env:"MINUTES_PROVIDER" envDefault:"ollama"`
	OllamaURL         string        `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`
	OllamaModel       string        `env:"OLLAMA_MODEL" envDefault:"llama3.3:70b"`
	OllamaTemperature float64       `env:"OLLAMA_TEMPERATURE" envDefault:"0.2"`
	MinutesTimeout    time.Duration `env:"MINUTES_TIMEOUT" envDefault:"10m"`
}

// S3Config holds optional S3 artifact storage settings. When Bucket is empty
// artifacts are kept on local disk only.
type S3Config struct {
	Bucket        string        `env:"BUCKET"`
	Endpoint      string        `env:"ENDPOINT"`
	Region        string        `env:"REGION" envDefault:"us-east-1"`
	AccessKey     string        `env:"ACCESS_KEY"`
	SecretKey     string        `env:"SECRET_KEY"`
	Prefix        string        `env:"PREFIX"`
	PresignExpiry time.Duration `env:"PRESIGN_EXPIRY" envDefault:"1h"`
	LocalCache    bool          `env:"LOCAL_CACHE" envDefault:"true"`
}

// Enabled reports whether S3 storage is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile       string
	HTTPAddr      string
	LogLevel      string
	DatabaseURL   string
	MQTTBrokerURL string
	DataDir       string
	InboxDir      string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	// Parse environment variables into config struct
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}
	if overrides.DataDir != "" {
		cfg.DataDir = overrides.DataDir
	}
	if overrides.InboxDir != "" {
		cfg.InboxDir = overrides.InboxDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.ChunkDuration <= 0 {
		return fmt.Errorf("CHUNK_DURATION must be positive, got %s", c.ChunkDuration)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkDuration {
		return fmt.Errorf("CHUNK_OVERLAP must be in [0, CHUNK_DURATION), got %s", c.ChunkOverlap)
	}
	if c.ChunkWorkers < 1 {
		return fmt.Errorf("CHUNK_WORKERS must be at least 1, got %d", c.ChunkWorkers)
	}
	if c.JobWorkers < 1 {
		return fmt.Errorf("JOB_WORKERS must be at least 1, got %d", c.JobWorkers)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	switch strings.ToLower(c.SpeakerMatching) {
	case "chunk-scoped", "embedding":
	default:
		return fmt.Errorf("SPEAKER_MATCHING must be chunk-scoped or embedding, got %q", c.SpeakerMatching)
	}
	return nil
}

// EmbeddingMatching reports whether cross-chunk speaker matching is on.
func (c *Config) EmbeddingMatching() bool {
	return strings.EqualFold(c.SpeakerMatching, "embedding")
}
