package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snarg/minutes-engine/internal/audio"
	"github.com/snarg/minutes-engine/internal/chunkproc"
	"github.com/snarg/minutes-engine/internal/diarize"
	"github.com/snarg/minutes-engine/internal/events"
	"github.com/snarg/minutes-engine/internal/job"
	"github.com/snarg/minutes-engine/internal/minutes"
	"github.com/snarg/minutes-engine/internal/provider"
	"github.com/snarg/minutes-engine/internal/storage"
	"github.com/snarg/minutes-engine/internal/transcribe"
	"github.com/snarg/minutes-engine/internal/transcript"
)

const testSampleRate = 1000

// fakeNormalizer returns silence of a fixed length, or err.
type fakeNormalizer struct {
	seconds float64
	err     error
}

func (f fakeNormalizer) Normalize(ctx context.Context, _, _ string) (*audio.Waveform, error) {
	if f.err != nil {
		return nil, f.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &audio.Waveform{
		SampleRate: testSampleRate,
		Samples:    make([]int16, int(f.seconds*testSampleRate)),
	}, nil
}

// chunkIndex recovers the chunk index from a materialized chunk path.
func chunkIndex(path string) int {
	var i int
	fmt.Sscanf(filepath.Base(path), "chunk_%04d.wav", &i)
	return i
}

func speechFor(_ context.Context, req transcribe.Request, _ int) (*transcribe.Response, error) {
	return &transcribe.Response{
		Text:     fmt.Sprintf("hello from chunk %d", chunkIndex(req.AudioPath)),
		Language: "en",
		Duration: 5,
	}, nil
}

func oneSpeaker(context.Context, diarize.Request, int) (*diarize.Response, error) {
	return &diarize.Response{Turns: []diarize.Turn{{Start: 0, End: 60, Speaker: "SPEAKER_00"}}}, nil
}

func structuredMinutes(_ context.Context, text string) (*minutes.Minutes, error) {
	return &minutes.Minutes{
		Attendees: []string{"chunk0-speaker_00"},
		Decisions: []string{"ship it"},
		Raw:       text,
	}, nil
}

type harness struct {
	stt       *transcribe.Fake
	dia       *diarize.Fake
	gen       *minutes.Fake
	store     *job.MemoryStore
	artifacts *storage.LocalStore
	bus       *events.Bus
	orch      *Orchestrator

	mu        sync.Mutex
	snapshots []job.Job
}

func newHarness(t *testing.T, seconds float64, workers int) *harness {
	t.Helper()
	h := &harness{
		stt:       &transcribe.Fake{Fn: speechFor},
		dia:       &diarize.Fake{Fn: oneSpeaker},
		gen:       &minutes.Fake{Fn: structuredMinutes},
		store:     job.NewMemoryStore(),
		artifacts: storage.NewLocalStore(t.TempDir()),
		bus:       events.NewBus(256),
	}
	proc := chunkproc.New(h.stt, h.dia, chunkproc.Options{
		MaxRetries: 2,
		Backoff:    time.Millisecond,
		MaxBackoff: 2 * time.Millisecond,
		Timeout:    time.Second,
	}, zerolog.Nop())
	h.orch = NewOrchestrator(Deps{
		Normalizer: fakeNormalizer{seconds: seconds},
		Processor:  proc,
		Minutes:    h.gen,
		Store:      h.store,
		Artifacts:  h.artifacts,
		Bus:        h.bus,
	}, Options{
		ChunkDuration: 60 * time.Second,
		ChunkWorkers:  workers,
		WorkDir:       t.TempDir(),
	}, zerolog.Nop())
	return h
}

func (h *harness) tracker() *job.Tracker {
	return job.NewTracker(job.New("/recordings/meeting.m4a", time.Now()), job.TrackerOptions{
		OnChange: func(j job.Job) {
			h.mu.Lock()
			h.snapshots = append(h.snapshots, j)
			h.mu.Unlock()
		},
	})
}

func (h *harness) artifact(t *testing.T, key string) string {
	t.Helper()
	r, err := h.artifacts.Open(context.Background(), key)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func (h *harness) assertProgressMonotonic(t *testing.T) {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 1; i < len(h.snapshots); i++ {
		assert.GreaterOrEqual(t, h.snapshots[i].Progress, h.snapshots[i-1].Progress, "progress regressed at update %d", i)
	}
}

func TestRun150SecondsWithRetries(t *testing.T) {
	h := newHarness(t, 150, 2)
	h.stt.Fn = func(ctx context.Context, req transcribe.Request, attempt int) (*transcribe.Response, error) {
		if chunkIndex(req.AudioPath) == 1 && attempt <= 2 {
			return nil, provider.ErrUnavailable
		}
		return speechFor(ctx, req, attempt)
	}
	tr := h.tracker()

	err := h.orch.Run(context.Background(), context.Background(), tr, "/recordings/meeting.m4a")
	require.NoError(t, err)

	j := tr.Snapshot()
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, job.StageDone, j.Stage)
	assert.Equal(t, 100.0, j.Progress)
	assert.Equal(t, 3, j.ChunksTotal)
	assert.Equal(t, 3, j.ChunksDone)
	assert.Equal(t, 0, j.ChunksFailed)
	assert.Empty(t, j.Warnings)
	assert.Equal(t, string(transcript.ModeChunkScoped), j.SpeakerMode)
	require.NotNil(t, j.ETASeconds)
	assert.Equal(t, 0.0, *j.ETASeconds)

	chunks, err := h.store.ListChunks(context.Background(), j.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, want := range []struct{ start, dur float64 }{{0, 60}, {60, 60}, {120, 30}} {
		assert.Equal(t, want.start, chunks[i].Start, "chunk %d start", i)
		assert.Equal(t, want.dur, chunks[i].Duration, "chunk %d duration", i)
	}

	text := h.artifact(t, j.TranscriptKey)
	assert.Equal(t,
		"[en][0.00:5.00] chunk0-speaker_00: hello from chunk 0\n"+
			"[en][60.00:65.00] chunk1-speaker_00: hello from chunk 1\n"+
			"[en][120.00:125.00] chunk2-speaker_00: hello from chunk 2\n",
		text)

	assert.Equal(t, storage.Key(j.ID, storage.MinutesFile), j.MinutesKey)
	assert.Contains(t, h.artifact(t, j.MinutesKey), "ship it")
	assert.Contains(t, h.artifact(t, storage.Key(j.ID, storage.MinutesJSONFile)), `"decisions"`)
	assert.Equal(t, 1, h.gen.Calls())
	h.assertProgressMonotonic(t)

	// Every mutation reached the store.
	stored, err := h.store.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, stored.Status)
}

func TestRunShortRecordingIsOneChunk(t *testing.T) {
	h := newHarness(t, 10, 2)
	tr := h.tracker()

	require.NoError(t, h.orch.Run(context.Background(), context.Background(), tr, "short.wav"))

	j := tr.Snapshot()
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, 1, j.ChunksTotal)
	chunks, err := h.store.ListChunks(context.Background(), j.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0.0, chunks[0].Start)
	assert.Equal(t, 10.0, chunks[0].Duration)
}

func TestRunCancelAfterFirstChunk(t *testing.T) {
	h := newHarness(t, 300, 1)
	dispatchCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.stt.Fn = func(ctx context.Context, req transcribe.Request, attempt int) (*transcribe.Response, error) {
		if chunkIndex(req.AudioPath) == 0 {
			cancel()
		}
		return speechFor(ctx, req, attempt)
	}
	tr := h.tracker()

	err := h.orch.Run(context.Background(), dispatchCtx, tr, "long.wav")
	require.Error(t, err)

	j := tr.Snapshot()
	assert.Equal(t, job.StatusError, j.Status)
	require.NotNil(t, j.Error)
	assert.Equal(t, job.KindCancelled, j.Error.Kind)
	assert.Contains(t, j.Error.Message, "1 of 5")
	assert.Equal(t, 5, j.ChunksTotal)
	assert.Equal(t, 1, j.ChunksDone)
	assert.Equal(t, 0, j.ChunksFailed)
	assert.Empty(t, j.TranscriptKey)
	for i := 1; i < 5; i++ {
		assert.Zero(t, h.stt.Calls(filepath.Join(h.orch.opts.WorkDir, j.ID, fmt.Sprintf("chunk_%04d.wav", i))))
	}
	assert.Zero(t, h.gen.Calls())
	h.assertProgressMonotonic(t)
}

func TestRunCancelBeforeStart(t *testing.T) {
	h := newHarness(t, 30, 1)
	dispatchCtx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := h.tracker()

	require.Error(t, h.orch.Run(context.Background(), dispatchCtx, tr, "x.wav"))

	j := tr.Snapshot()
	assert.Equal(t, job.StatusError, j.Status)
	assert.Equal(t, job.KindCancelled, j.Error.Kind)
	assert.Zero(t, j.ChunksTotal)
}

func TestRunPartialChunkFailure(t *testing.T) {
	h := newHarness(t, 150, 2)
	h.stt.Fn = func(ctx context.Context, req transcribe.Request, attempt int) (*transcribe.Response, error) {
		if chunkIndex(req.AudioPath) == 2 {
			return nil, provider.ErrInvalidCredentials
		}
		return speechFor(ctx, req, attempt)
	}
	tr := h.tracker()

	require.NoError(t, h.orch.Run(context.Background(), context.Background(), tr, "x.wav"))

	j := tr.Snapshot()
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, 3, j.ChunksDone)
	assert.Equal(t, 1, j.ChunksFailed)
	require.Len(t, j.Warnings, 1)
	assert.True(t, strings.HasPrefix(j.Warnings[0], "chunk 2 [120.00:150.00] failed: provider_fatal: "), j.Warnings[0])

	text := h.artifact(t, j.TranscriptKey)
	lines := strings.Split(strings.TrimSpace(text), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "hello from chunk 0")
	assert.Contains(t, lines[1], "hello from chunk 1")
	assert.True(t, strings.HasPrefix(lines[2], "[error][120.00:150.00] error: provider_fatal"), lines[2])

	parsed, err := transcript.Parse(bytes.NewReader([]byte(text)))
	require.NoError(t, err)
	assert.Len(t, parsed.Segments, 3)
}

func TestRunAllChunksFailed(t *testing.T) {
	h := newHarness(t, 150, 2)
	h.stt.Fn = func(context.Context, transcribe.Request, int) (*transcribe.Response, error) {
		return nil, provider.ErrInvalidRequest
	}
	tr := h.tracker()

	require.Error(t, h.orch.Run(context.Background(), context.Background(), tr, "x.wav"))

	j := tr.Snapshot()
	assert.Equal(t, job.StatusError, j.Status)
	assert.Equal(t, job.KindProviderFatal, j.Error.Kind)
	assert.Contains(t, j.Error.Message, "all 3 chunks failed")
	assert.Equal(t, 3, j.ChunksFailed)
	assert.Empty(t, j.TranscriptKey)

	// Chunk results stay persisted for diagnostics.
	chunks, err := h.store.ListChunks(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, 3)
}

func TestRunMinutesFailure(t *testing.T) {
	h := newHarness(t, 90, 2)
	h.gen.Fn = func(context.Context, string) (*minutes.Minutes, error) {
		return nil, fmt.Errorf("ollama: %w", provider.ErrUnavailable)
	}
	tr := h.tracker()

	require.Error(t, h.orch.Run(context.Background(), context.Background(), tr, "x.wav"))

	j := tr.Snapshot()
	assert.Equal(t, job.StatusError, j.Status)
	assert.Equal(t, job.KindProviderTransient, j.Error.Kind)
	assert.Equal(t, job.StageMinutes, j.Stage)
	assert.Empty(t, j.MinutesKey)
	// The transcript is kept.
	require.NotEmpty(t, j.TranscriptKey)
	assert.Contains(t, h.artifact(t, j.TranscriptKey), "hello from chunk 1")
}

func TestRunMaterializesChunksOneAtATime(t *testing.T) {
	h := newHarness(t, 150, 1)
	var onDisk []int
	h.stt.Fn = func(ctx context.Context, req transcribe.Request, attempt int) (*transcribe.Response, error) {
		entries, err := os.ReadDir(filepath.Dir(req.AudioPath))
		if err != nil {
			return nil, err
		}
		n := 0
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), "chunk_") {
				n++
			}
		}
		onDisk = append(onDisk, n)
		return speechFor(ctx, req, attempt)
	}
	tr := h.tracker()

	require.NoError(t, h.orch.Run(context.Background(), context.Background(), tr, "x.wav"))

	assert.Equal(t, []int{1, 1, 1}, onDisk)
}

func TestRunMinutesInputNumbersSpeakers(t *testing.T) {
	h := newHarness(t, 90, 1)
	var got string
	h.gen.Fn = func(ctx context.Context, text string) (*minutes.Minutes, error) {
		got = text
		return structuredMinutes(ctx, text)
	}
	tr := h.tracker()

	require.NoError(t, h.orch.Run(context.Background(), context.Background(), tr, "x.wav"))

	assert.Equal(t,
		"[en][0.00:5.00] Speaker 1: hello from chunk 0\n"+
			"[en][60.00:65.00] Speaker 2: hello from chunk 1\n",
		got)
	assert.Contains(t, h.artifact(t, tr.Snapshot().TranscriptKey), "chunk1-speaker_00: hello from chunk 1")
}

func TestRunNoSpeechSkipsMinutes(t *testing.T) {
	h := newHarness(t, 30, 1)
	h.stt.Fn = func(context.Context, transcribe.Request, int) (*transcribe.Response, error) {
		return &transcribe.Response{}, nil
	}
	tr := h.tracker()

	require.NoError(t, h.orch.Run(context.Background(), context.Background(), tr, "x.wav"))

	j := tr.Snapshot()
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, []string{NoSpeechWarning}, j.Warnings)
	assert.Empty(t, j.MinutesKey)
	assert.Zero(t, h.gen.Calls())
}

func TestRunNormalizeFailure(t *testing.T) {
	h := newHarness(t, 0, 1)
	h.orch.norm = fakeNormalizer{err: fmt.Errorf("ffmpeg: %w", audio.ErrUnsupportedFormat)}
	tr := h.tracker()

	require.Error(t, h.orch.Run(context.Background(), context.Background(), tr, "x.doc"))

	j := tr.Snapshot()
	assert.Equal(t, job.StatusError, j.Status)
	assert.Equal(t, job.KindInput, j.Error.Kind)
	assert.Equal(t, job.StageNormalizing, j.Stage)
}

func TestRunEmptyAudio(t *testing.T) {
	h := newHarness(t, 0, 1)
	tr := h.tracker()

	require.Error(t, h.orch.Run(context.Background(), context.Background(), tr, "x.wav"))
	assert.Equal(t, job.KindInput, tr.Snapshot().Error.Kind)
}

func TestRunServiceShutdownInterrupts(t *testing.T) {
	h := newHarness(t, 150, 1)
	ctx, cancel := context.WithCancel(context.Background())
	h.stt.Fn = func(c context.Context, req transcribe.Request, attempt int) (*transcribe.Response, error) {
		cancel()
		<-c.Done()
		return nil, c.Err()
	}
	tr := h.tracker()

	require.Error(t, h.orch.Run(ctx, ctx, tr, "x.wav"))
	assert.Equal(t, job.KindInterrupted, tr.Snapshot().Error.Kind)
}

func TestRunPublishesChunkEvents(t *testing.T) {
	h := newHarness(t, 150, 2)
	ch, unsubscribe := h.bus.SubscribeBuffered(events.Filter{Types: []string{events.TypeChunk}}, 16)
	defer unsubscribe()
	tr := h.tracker()

	require.NoError(t, h.orch.Run(context.Background(), context.Background(), tr, "x.wav"))

	got := 0
	for len(ch) > 0 {
		e := <-ch
		assert.Equal(t, "ok", e.SubType)
		assert.Equal(t, tr.ID(), e.JobID)
		got++
	}
	assert.Equal(t, 3, got)
}
