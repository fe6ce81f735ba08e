// Package storage persists job artifacts (transcripts and minutes) on local
// disk, in S3, or both.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/minutes-engine/internal/config"
)

// ErrNotFound is returned by Open for a key that was never stored.
var ErrNotFound = errors.New("artifact not found")

// Artifact file names within a job's key prefix.
const (
	TranscriptFile   = "transcript.txt"
	MinutesFile      = "minutes.md"
	MinutesJSONFile  = "minutes.json"
	ContentTypeText  = "text/plain; charset=utf-8"
	ContentTypeMD    = "text/markdown; charset=utf-8"
	ContentTypeJSON  = "application/json"
	ContentTypeOctet = "application/octet-stream"
)

// ArtifactStore abstracts artifact storage backends.
type ArtifactStore interface {
	// Save stores data. key format: {job_id}/{file}
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// LocalPath returns the local filesystem path if the file exists on disk.
	// Returns "" if not available locally.
	LocalPath(key string) string

	// URL returns a presigned URL for the artifact.
	// Returns "" for local-only backends.
	URL(ctx context.Context, key string) (string, error)

	// Open returns a reader for the artifact, or ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if an artifact exists in any backend.
	Exists(ctx context.Context, key string) bool

	// Type returns "local", "s3", or "tiered".
	Type() string
}

// Key builds the storage key for one of a job's artifacts.
func Key(jobID, file string) string {
	return path.Join(jobID, file)
}

// ContentTypeFor returns the MIME type for an artifact file name.
func ContentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".txt":
		return ContentTypeText
	case ".md":
		return ContentTypeMD
	case ".json":
		return ContentTypeJSON
	default:
		return ContentTypeOctet
	}
}

// New creates an ArtifactStore based on config. Returns the store and optional
// background services (reconciler) that the caller must Start/Stop.
// Returns an error if S3 is configured but unreachable.
func New(cfg config.S3Config, dataDir string, log zerolog.Logger) (ArtifactStore, []BackgroundService, error) {
	if !cfg.Enabled() {
		return NewLocalStore(dataDir), nil, nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	if !cfg.LocalCache {
		return s3store, nil, nil
	}

	// Tiered mode: local primary + S3 backup
	local := NewLocalStore(dataDir)
	tiered := NewTieredStore(s3store, local, log)
	reconciler := NewUploadReconciler(dataDir, s3store, log)

	return tiered, []BackgroundService{reconciler}, nil
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}
