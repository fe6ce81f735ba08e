package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WorkPruner removes per-job scratch directories (normalized audio, chunk
// WAVs) left behind by crashes or KEEP_WORK_FILES.
type WorkPruner struct {
	workDir   string
	retention time.Duration
	interval  time.Duration
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewWorkPruner creates a pruner that removes job directories under workDir
// whose last modification is older than retention.
func NewWorkPruner(workDir string, retention time.Duration, log zerolog.Logger) *WorkPruner {
	return &WorkPruner{
		workDir:   workDir,
		retention: retention,
		interval:  1 * time.Hour,
		log:       log.With().Str("component", "work-pruner").Logger(),
		stop:      make(chan struct{}),
	}
}

func (p *WorkPruner) Start() {
	go p.loop()
}

func (p *WorkPruner) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *WorkPruner) loop() {
	// Run once on startup to clear any backlog from downtime
	p.prune()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.prune()
		case <-p.stop:
			return
		}
	}
}

// prune returns the number of directories removed.
func (p *WorkPruner) prune() int {
	if p.retention <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-p.retention)

	entries, err := os.ReadDir(p.workDir)
	if err != nil {
		return 0
	}

	var prunedCount int
	var prunedBytes int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(p.workDir, e.Name())
		newest, size := dirStats(path)
		if newest.IsZero() || newest.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			p.log.Warn().Err(err).Str("dir", path).Msg("failed to remove work dir")
			continue
		}
		prunedCount++
		prunedBytes += size
	}

	if prunedCount > 0 {
		p.log.Info().
			Int("pruned", prunedCount).
			Str("freed", humanizeBytes(prunedBytes)).
			Msg("work dir prune complete")
	}
	return prunedCount
}

// dirStats returns the newest modification time and total size of the files
// directly inside dir, including dir itself.
func dirStats(dir string) (time.Time, int64) {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, 0
	}
	newest := info.ModTime()
	var size int64
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
		size += fi.Size()
	}
	return newest, size
}

func humanizeBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
