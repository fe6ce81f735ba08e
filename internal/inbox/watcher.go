// Package inbox submits recordings dropped into a watched directory.
package inbox

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/snarg/minutes-engine/internal/audio"
	"github.com/snarg/minutes-engine/internal/job"
)

// SubmitFunc queues a job for a source path.
type SubmitFunc func(ctx context.Context, sourcePath string) (job.Job, error)

// Options configures a Watcher.
type Options struct {
	Dir      string
	Submit   SubmitFunc
	Debounce time.Duration // quiet period before a file counts as complete
	Backfill bool          // submit files already present at Start
	Log      zerolog.Logger
}

// Status is the watcher state reported by the health endpoint.
type Status struct {
	Status         string `json:"status"`
	WatchDir       string `json:"watch_dir"`
	FilesSubmitted int64  `json:"files_submitted"`
	FilesSkipped   int64  `json:"files_skipped"`
}

// Watcher monitors an inbox directory tree and submits every supported
// recording once it has stopped changing.
type Watcher struct {
	dir      string
	submit   SubmitFunc
	debounce time.Duration
	backfill bool
	log      zerolog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Debounce: coalesce the Create+Write bursts of a file being copied in.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	// submitted remembers the mtime each path was submitted with, so a
	// rewrite is submitted again but a repeated event is not.
	submittedMu sync.Mutex
	submitted   map[string]time.Time

	filesSubmitted atomic.Int64
	filesSkipped   atomic.Int64
	status         atomic.Value // string: "starting", "backfilling", "watching", "stopped"
}

func New(opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	w := &Watcher{
		dir:            opts.Dir,
		submit:         opts.Submit,
		debounce:       opts.Debounce,
		backfill:       opts.Backfill,
		log:            opts.Log.With().Str("component", "inbox").Logger(),
		debounceTimers: make(map[string]*time.Timer),
		submitted:      make(map[string]time.Time),
	}
	w.status.Store("starting")
	return w
}

// Start adds the directory tree to fsnotify and begins watching. The inbox
// directory is created if missing.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw
	w.ctx, w.cancel = context.WithCancel(ctx)

	dirCount := 0
	err = filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.log.Warn().Err(err).Str("path", path).Msg("error walking directory")
			return nil
		}
		if d.IsDir() {
			if addErr := fsw.Add(path); addErr != nil {
				w.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
			} else {
				dirCount++
			}
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return err
	}

	w.log.Info().
		Int("directories", dirCount).
		Str("watch_dir", w.dir).
		Dur("debounce", w.debounce).
		Msg("inbox watcher initialized")

	w.wg.Add(1)
	go w.watchLoop()

	if w.backfill {
		w.wg.Add(1)
		go w.backfillExisting()
	} else {
		w.status.Store("watching")
	}
	return nil
}

// Stop closes the watcher and drops pending debounced files.
func (w *Watcher) Stop() {
	w.status.Store("stopped")
	if w.cancel != nil {
		w.cancel()
	}
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.debounceMu.Lock()
	for path, t := range w.debounceTimers {
		t.Stop()
		delete(w.debounceTimers, path)
	}
	w.debounceMu.Unlock()
	w.wg.Wait()

	w.log.Info().
		Int64("files_submitted", w.filesSubmitted.Load()).
		Int64("files_skipped", w.filesSkipped.Load()).
		Msg("inbox watcher stopped")
}

// Status returns the current watcher status for the health endpoint.
func (w *Watcher) Status() *Status {
	s, _ := w.status.Load().(string)
	return &Status{
		Status:         s,
		WatchDir:       w.dir,
		FilesSubmitted: w.filesSubmitted.Load(),
		FilesSkipped:   w.filesSkipped.Load(),
	}
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// New subdirectory: watch it too.
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := w.watcher.Add(event.Name); err != nil {
					w.log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
				} else {
					w.log.Debug().Str("path", event.Name).Msg("watching new directory")
				}
				continue
			}

			if !candidate(event.Name) {
				continue
			}
			w.scheduleSubmit(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleSubmit restarts the file's quiet-period timer.
func (w *Watcher) scheduleSubmit(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if t, ok := w.debounceTimers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.debounceTimers[path] = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		w.submitFile(path)
	})
}

func (w *Watcher) submitFile(path string) {
	if w.ctx.Err() != nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		w.filesSkipped.Add(1)
		return
	}

	w.submittedMu.Lock()
	if prev, ok := w.submitted[path]; ok && prev.Equal(info.ModTime()) {
		w.submittedMu.Unlock()
		w.filesSkipped.Add(1)
		return
	}
	w.submitted[path] = info.ModTime()
	w.submittedMu.Unlock()

	j, err := w.submit(w.ctx, path)
	if err != nil {
		w.submittedMu.Lock()
		delete(w.submitted, path)
		w.submittedMu.Unlock()
		w.filesSkipped.Add(1)
		w.log.Warn().Err(err).Str("path", path).Msg("inbox submission rejected")
		return
	}
	w.filesSubmitted.Add(1)
	w.log.Info().Str("job_id", j.ID).Str("path", path).Msg("inbox file submitted")
}

// backfillExisting submits recordings already in the inbox, oldest first.
func (w *Watcher) backfillExisting() {
	defer w.wg.Done()
	w.status.Store("backfilling")

	type fileEntry struct {
		path  string
		mtime time.Time
	}
	var files []fileEntry
	_ = filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !candidate(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, fileEntry{path: path, mtime: info.ModTime()})
		return nil
	})
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })

	w.log.Info().Int("files", len(files)).Msg("inbox backfill starting")
	for _, f := range files {
		if w.ctx.Err() != nil {
			w.log.Info().Msg("inbox backfill interrupted by shutdown")
			return
		}
		w.submitFile(f.path)
	}
	w.status.CompareAndSwap("backfilling", "watching")
	w.log.Info().Int("files", len(files)).Msg("inbox backfill complete")
}

// candidate reports whether path looks like a finished recording. Hidden
// files cover the partial-download names most copy tools use.
func candidate(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".part") || strings.HasSuffix(base, ".tmp") {
		return false
	}
	return audio.IsSupportedFile(path)
}
