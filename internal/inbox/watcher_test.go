package inbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snarg/minutes-engine/internal/job"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) submit(_ context.Context, path string) (job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	return job.Job{ID: "j" + filepath.Base(path)}, nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func TestCandidate(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/in/standup.m4a", true},
		{"/in/Board Meeting.WAV", true},
		{"/in/notes.txt", false},
		{"/in/.standup.m4a", false},
		{"/in/standup.m4a.part", false},
		{"/in/standup.tmp", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, candidate(tt.path), tt.path)
	}
}

func TestWatcherSubmitsNewFiles(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := New(Options{Dir: dir, Submit: rec.submit, Debounce: 50 * time.Millisecond, Log: zerolog.Nop()})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	path := filepath.Join(dir, "standup.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF...."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool { return len(rec.got()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{path}, rec.got())

	// Nothing else arrives for the ignored file.
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, rec.got(), 1)
	assert.Equal(t, int64(1), w.Status().FilesSubmitted)
	assert.Equal(t, "watching", w.Status().Status)
}

func TestWatcherNewSubdirectory(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := New(Options{Dir: dir, Submit: rec.submit, Debounce: 50 * time.Millisecond, Log: zerolog.Nop()})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	sub := filepath.Join(dir, "2026-10-19")
	require.NoError(t, os.Mkdir(sub, 0o755))
	// Give the loop a moment to add the directory.
	time.Sleep(100 * time.Millisecond)
	path := filepath.Join(sub, "retro.mp3")
	require.NoError(t, os.WriteFile(path, []byte("ID3"), 0o644))

	require.Eventually(t, func() bool { return len(rec.got()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{path}, rec.got())
}

func TestWatcherBackfill(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.wav")
	newer := filepath.Join(dir, "newer.wav")
	require.NoError(t, os.WriteFile(old, []byte("RIFF"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("RIFF"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.wav"), nil, 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	rec := &recorder{}
	w := New(Options{Dir: dir, Submit: rec.submit, Backfill: true, Log: zerolog.Nop()})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool { return w.Status().Status == "watching" }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{old, newer}, rec.got())
	assert.Equal(t, int64(1), w.Status().FilesSkipped)
}

func TestWatcherSkipsUnchangedResubmission(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o644))

	rec := &recorder{}
	w := New(Options{Dir: dir, Submit: rec.submit, Log: zerolog.Nop()})
	w.ctx, w.cancel = context.WithCancel(context.Background())
	defer w.cancel()

	w.submitFile(path)
	w.submitFile(path)
	assert.Len(t, rec.got(), 1)
	assert.Equal(t, int64(1), w.Status().FilesSkipped)
}
