package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir())
	key := Key("job-1", TranscriptFile)

	if s.Exists(ctx, key) {
		t.Fatal("Exists before Save")
	}
	if err := s.Save(ctx, key, []byte("[en][0.00:1.00] chunk0-a: hi\n"), ContentTypeText); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !s.Exists(ctx, key) {
		t.Fatal("Exists after Save = false")
	}
	if p := s.LocalPath(key); p != filepath.Join(s.Dir(), "job-1", "transcript.txt") {
		t.Errorf("LocalPath = %q", p)
	}

	r, err := s.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != "[en][0.00:1.00] chunk0-a: hi\n" {
		t.Errorf("data = %q", data)
	}

	// No temp files left behind
	entries, _ := os.ReadDir(filepath.Join(s.Dir(), "job-1"))
	if len(entries) != 1 {
		t.Errorf("expected 1 file in job dir, got %d", len(entries))
	}
}

func TestLocalStoreOpenMissing(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	_, err := s.Open(context.Background(), Key("nope", MinutesFile))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	for _, key := range []string{"../outside.txt", "/etc/passwd", "", "a/../../b"} {
		if err := s.Save(context.Background(), key, []byte("x"), ""); err == nil {
			t.Errorf("Save(%q) succeeded, want error", key)
		}
		if p := s.LocalPath(key); p != "" {
			t.Errorf("LocalPath(%q) = %q, want empty", key, p)
		}
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := map[string]string{
		"job/transcript.txt": ContentTypeText,
		"job/minutes.md":     ContentTypeMD,
		"job/minutes.JSON":   ContentTypeJSON,
		"job/other.bin":      ContentTypeOctet,
	}
	for name, want := range tests {
		if got := ContentTypeFor(name); got != want {
			t.Errorf("ContentTypeFor(%q) = %q, want %q", name, got, want)
		}
	}
}

type fakeRemote struct {
	mu      sync.Mutex
	objects map[string]string
	failKey string
}

func (f *fakeRemote) Exists(_ context.Context, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *fakeRemote) Save(_ context.Context, key string, data []byte, contentType string) error {
	if key == f.failKey {
		return errors.New("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = contentType
	return nil
}

func TestUploadReconciler(t *testing.T) {
	dir := t.TempDir()
	local := NewLocalStore(dir)
	ctx := context.Background()
	for _, key := range []string{"a/transcript.txt", "a/minutes.md", "b/transcript.txt", "c/minutes.json"} {
		if err := local.Save(ctx, key, []byte("x"), ""); err != nil {
			t.Fatal(err)
		}
	}
	// In-progress write and an artifact outside the window
	os.WriteFile(filepath.Join(dir, "a", tmpPrefix+"123.tmp"), []byte("x"), 0o644)
	old := time.Now().Add(-30 * 24 * time.Hour)
	os.Chtimes(filepath.Join(dir, "c", "minutes.json"), old, old)

	remote := &fakeRemote{
		objects: map[string]string{"b/transcript.txt": ContentTypeText},
		failKey: "a/minutes.md",
	}
	r := newUploadReconciler(dir, remote, zerolog.Nop())

	uploaded, failed := r.reconcile()
	if uploaded != 1 || failed != 1 {
		t.Errorf("uploaded=%d failed=%d, want 1 and 1", uploaded, failed)
	}
	if ct := remote.objects["a/transcript.txt"]; ct != ContentTypeText {
		t.Errorf("a/transcript.txt content type = %q", ct)
	}
	if _, ok := remote.objects["c/minutes.json"]; ok {
		t.Error("artifact outside window was uploaded")
	}
}

func TestWorkPruner(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "stale-job")
	fresh := filepath.Join(dir, "fresh-job")
	for _, d := range []string{stale, fresh} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(d, "chunk_0000.wav"), make([]byte, 2048), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-48 * time.Hour)
	os.Chtimes(filepath.Join(stale, "chunk_0000.wav"), old, old)
	os.Chtimes(stale, old, old)

	p := NewWorkPruner(dir, 24*time.Hour, zerolog.Nop())
	if n := p.prune(); n != 1 {
		t.Errorf("pruned %d dirs, want 1", n)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale job dir still exists")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh job dir was removed")
	}

	// Disabled retention never prunes
	p = NewWorkPruner(dir, 0, zerolog.Nop())
	if n := p.prune(); n != 0 {
		t.Errorf("pruned %d with retention disabled", n)
	}
}

func TestHumanizeBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		if got := humanizeBytes(tt.in); got != tt.want {
			t.Errorf("humanizeBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
