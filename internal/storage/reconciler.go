package storage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// remoteStore is the part of S3Store the reconciler needs.
type remoteStore interface {
	Exists(ctx context.Context, key string) bool
	Save(ctx context.Context, key string, data []byte, contentType string) error
}

// UploadReconciler scans the local artifact directory for files missing from
// S3 and re-uploads them. Handles failed backup writes and crash recovery.
type UploadReconciler struct {
	dir      string
	remote   remoteStore
	interval time.Duration
	delay    time.Duration
	window   time.Duration
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewUploadReconciler creates a reconciler that checks for missing S3 uploads.
func NewUploadReconciler(dir string, s3 *S3Store, log zerolog.Logger) *UploadReconciler {
	return newUploadReconciler(dir, s3, log)
}

func newUploadReconciler(dir string, remote remoteStore, log zerolog.Logger) *UploadReconciler {
	return &UploadReconciler{
		dir:      dir,
		remote:   remote,
		interval: 5 * time.Minute,
		delay:    2 * time.Minute,
		window:   7 * 24 * time.Hour,
		log:      log.With().Str("component", "upload-reconciler").Logger(),
		stop:     make(chan struct{}),
	}
}

func (r *UploadReconciler) Start() { go r.loop() }
func (r *UploadReconciler) Stop()  { r.stopOnce.Do(func() { close(r.stop) }) }

func (r *UploadReconciler) loop() {
	// Delay first run to let startup uploads settle
	select {
	case <-time.After(r.delay):
	case <-r.stop:
		return
	}

	r.reconcile()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stop:
			return
		}
	}
}

// reconcile uploads every recent artifact that S3 does not have and returns
// how many were uploaded and how many failed.
func (r *UploadReconciler) reconcile() (uploaded, failed int) {
	var checked int
	cutoff := time.Now().Add(-r.window)

	filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().Before(cutoff) {
			return nil
		}
		rel, err := filepath.Rel(r.dir, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)
		checked++

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		exists := r.remote.Exists(ctx, key)
		cancel()
		if exists {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}

		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.remote.Save(ctx, key, data, ContentTypeFor(key)); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("reconcile upload failed")
			failed++
		} else {
			uploaded++
		}
		return nil
	})

	if uploaded > 0 || failed > 0 {
		r.log.Info().
			Int("uploaded", uploaded).
			Int("failed", failed).
			Int("checked", checked).
			Msg("reconcile complete")
	}
	return uploaded, failed
}
