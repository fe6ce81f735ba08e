package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/minutes-engine/internal/audio"
	"github.com/snarg/minutes-engine/internal/config"
	"github.com/snarg/minutes-engine/internal/events"
	"github.com/snarg/minutes-engine/internal/job"
	"github.com/snarg/minutes-engine/internal/pipeline"
	"github.com/snarg/minutes-engine/internal/storage"
	"github.com/snarg/minutes-engine/internal/transcript"
)

// fakeJobs is an in-memory JobService.
type fakeJobs struct {
	mu        sync.Mutex
	jobs      map[string]job.Job
	chunks    map[string][]transcript.ChunkResult
	submitted []string
	submitErr error
	stats     pipeline.QueueStats
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[string]job.Job), chunks: make(map[string][]transcript.ChunkResult)}
}

func (f *fakeJobs) add(j job.Job) job.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[j.ID] = j
	return j
}

func (f *fakeJobs) Submit(ctx context.Context, sourcePath string) (job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return job.Job{}, f.submitErr
	}
	f.submitted = append(f.submitted, sourcePath)
	j := job.New(sourcePath, time.Now())
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeJobs) Get(ctx context.Context, id string) (job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return job.Job{}, job.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) List(ctx context.Context, limit int, statuses ...job.Status) ([]job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []job.Job
	for _, j := range f.jobs {
		if len(statuses) > 0 && !slices.Contains(statuses, j.Status) {
			continue
		}
		out = append(out, j)
	}
	slices.SortFunc(out, func(a, b job.Job) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeJobs) Cancel(ctx context.Context, id string) (job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return job.Job{}, job.ErrNotFound
	}
	if j.Status.Terminal() {
		return j, fmt.Errorf("%w: job %s is %s", job.ErrTerminal, id, j.Status)
	}
	j.Status = job.StatusError
	j.Error = &job.Error{Kind: job.KindCancelled, Message: "cancelled while queued"}
	f.jobs[id] = j
	return j, nil
}

func (f *fakeJobs) Chunks(ctx context.Context, id string) ([]transcript.ChunkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[id]; !ok {
		return nil, job.ErrNotFound
	}
	return f.chunks[id], nil
}

func (f *fakeJobs) Stats() pipeline.QueueStats { return f.stats }

type testServer struct {
	srv       *Server
	jobs      *fakeJobs
	artifacts *storage.LocalStore
	bus       *events.Bus
	uploadDir string
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := &config.Config{
		UploadDir:      filepath.Join(t.TempDir(), "uploads"),
		MaxUploadBytes: 1 << 20,
	}
	for _, m := range mutate {
		m(cfg)
	}
	ts := &testServer{
		jobs:      newFakeJobs(),
		artifacts: storage.NewLocalStore(t.TempDir()),
		bus:       events.NewBus(64),
		uploadDir: cfg.UploadDir,
	}
	ts.srv = NewServer(ServerOptions{
		Config:    cfg,
		Jobs:      ts.jobs,
		Artifacts: ts.artifacts,
		Bus:       ts.bus,
		Version:   "test",
		StartTime: time.Now(),
		Log:       zerolog.Nop(),
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// ── Submit ───────────────────────────────────────────────────────────

func TestSubmitJSON(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "POST", "/api/v1/jobs", `{"audio_path":"meeting.wav"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	j := decodeBody[job.Job](t, rec)
	if j.Status != job.StatusQueued {
		t.Errorf("status = %q, want queued", j.Status)
	}
	if loc := rec.Header().Get("Location"); loc != "/api/v1/jobs/"+j.ID {
		t.Errorf("Location = %q", loc)
	}
	if len(ts.jobs.submitted) != 1 || ts.jobs.submitted[0] != "meeting.wav" {
		t.Errorf("submitted = %v", ts.jobs.submitted)
	}
}

func TestSubmitInvalidBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"missing_path", `{}`, ErrBadRequest},
		{"blank_path", `{"audio_path":"  "}`, ErrBadRequest},
		{"unknown_field", `{"audio_path":"a.wav","extra":true}`, ErrInvalidBody},
		{"malformed", `{"audio_path":`, ErrInvalidBody},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec := ts.do(t, "POST", "/api/v1/jobs", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if body := decodeBody[ErrorResponse](t, rec); body.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Code, tt.code)
			}
		})
	}
}

func TestSubmitErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"source_missing", fmt.Errorf("%w: nope.wav", audio.ErrSourceMissing), http.StatusBadRequest, ErrBadRequest},
		{"queue_full", pipeline.ErrQueueFull, http.StatusServiceUnavailable, ErrQueueFull},
		{"stopped", pipeline.ErrStopped, http.StatusServiceUnavailable, ErrUnavailable},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError, ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.jobs.submitErr = tt.err
			rec := ts.do(t, "POST", "/api/v1/jobs", `{"audio_path":"a.wav"}`)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			body := decodeBody[ErrorResponse](t, rec)
			if body.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Code, tt.code)
			}
			if tt.status == http.StatusInternalServerError && strings.Contains(body.Error, "disk") {
				t.Errorf("internal error leaked: %q", body.Error)
			}
		})
	}
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("note", "ignored"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(content)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestSubmitUpload(t *testing.T) {
	t.Run("saves_and_submits", func(t *testing.T) {
		ts := newTestServer(t)
		body, ct := multipartBody(t, "file", "Board Meeting.WAV", []byte("RIFF-audio"))
		req := httptest.NewRequest("POST", "/api/v1/jobs", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		ts.srv.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
		}
		if len(ts.jobs.submitted) != 1 {
			t.Fatalf("submitted = %v", ts.jobs.submitted)
		}
		saved := ts.jobs.submitted[0]
		if filepath.Dir(saved) != ts.uploadDir || filepath.Ext(saved) != ".wav" {
			t.Errorf("saved path = %q", saved)
		}
		data, err := os.ReadFile(saved)
		if err != nil || string(data) != "RIFF-audio" {
			t.Errorf("saved content = %q, %v", data, err)
		}
	})

	t.Run("unsupported_extension", func(t *testing.T) {
		ts := newTestServer(t)
		body, ct := multipartBody(t, "file", "notes.txt", []byte("hello"))
		req := httptest.NewRequest("POST", "/api/v1/jobs", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		ts.srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
		if len(ts.jobs.submitted) != 0 {
			t.Errorf("unexpected submit: %v", ts.jobs.submitted)
		}
	})

	t.Run("rejected_submit_removes_upload", func(t *testing.T) {
		ts := newTestServer(t)
		ts.jobs.submitErr = fmt.Errorf("%w: 16 jobs waiting", pipeline.ErrQueueFull)
		body, ct := multipartBody(t, "file", "standup.m4a", []byte("ftyp-audio"))
		req := httptest.NewRequest("POST", "/api/v1/jobs", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		ts.srv.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503 (body %s)", rec.Code, rec.Body.String())
		}
		entries, err := os.ReadDir(ts.uploadDir)
		if err != nil {
			t.Fatalf("read upload dir: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("upload left behind: %s", entries[0].Name())
		}
	})

	t.Run("missing_file_field", func(t *testing.T) {
		ts := newTestServer(t)
		body, ct := multipartBody(t, "attachment", "a.wav", []byte("x"))
		req := httptest.NewRequest("POST", "/api/v1/jobs", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		ts.srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

// ── Query ────────────────────────────────────────────────────────────

func TestGetJob(t *testing.T) {
	ts := newTestServer(t)
	j := ts.jobs.add(job.New("/data/a.wav", time.Now()))

	rec := ts.do(t, "GET", "/api/v1/jobs/"+j.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decodeBody[job.Job](t, rec); got.ID != j.ID || got.SourcePath != "/data/a.wav" {
		t.Errorf("job = %+v", got)
	}

	rec = ts.do(t, "GET", "/api/v1/jobs/does-not-exist", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", rec.Code)
	}
}

func TestListJobs(t *testing.T) {
	ts := newTestServer(t)
	ts.jobs.add(job.New("a.wav", time.Now()))
	done := job.New("b.wav", time.Now())
	done.Status = job.StatusCompleted
	ts.jobs.add(done)

	t.Run("all", func(t *testing.T) {
		rec := ts.do(t, "GET", "/api/v1/jobs", "")
		body := decodeBody[struct {
			Jobs  []job.Job `json:"jobs"`
			Total int       `json:"total"`
		}](t, rec)
		if body.Total != 2 {
			t.Errorf("total = %d, want 2", body.Total)
		}
	})

	t.Run("status_filter", func(t *testing.T) {
		rec := ts.do(t, "GET", "/api/v1/jobs?status=completed", "")
		body := decodeBody[struct {
			Jobs []job.Job `json:"jobs"`
		}](t, rec)
		if len(body.Jobs) != 1 || body.Jobs[0].ID != done.ID {
			t.Errorf("jobs = %+v", body.Jobs)
		}
	})

	t.Run("invalid_limit", func(t *testing.T) {
		rec := ts.do(t, "GET", "/api/v1/jobs?limit=0", "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("unknown_status", func(t *testing.T) {
		rec := ts.do(t, "GET", "/api/v1/jobs?status=done", "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

// A status filter must select before the limit: older matching jobs are
// still found behind a page of newer non-matching ones.
func TestListJobsFilterBeforeLimit(t *testing.T) {
	ts := newTestServer(t)
	base := time.Now().Add(-time.Hour)
	done := job.New("old.wav", base)
	done.Status = job.StatusCompleted
	ts.jobs.add(done)
	for i := 1; i <= 3; i++ {
		ts.jobs.add(job.New(fmt.Sprintf("new%d.wav", i), base.Add(time.Duration(i)*time.Minute)))
	}

	rec := ts.do(t, "GET", "/api/v1/jobs?limit=2&status=completed,error", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody[struct {
		Jobs  []job.Job `json:"jobs"`
		Total int       `json:"total"`
	}](t, rec)
	if body.Total != 1 || len(body.Jobs) != 1 || body.Jobs[0].ID != done.ID {
		t.Errorf("jobs = %+v", body.Jobs)
	}
}

func TestCancelJob(t *testing.T) {
	ts := newTestServer(t)
	queued := ts.jobs.add(job.New("a.wav", time.Now()))
	done := job.New("b.wav", time.Now())
	done.Status = job.StatusCompleted
	ts.jobs.add(done)

	tests := []struct {
		name   string
		id     string
		status int
	}{
		{"queued", queued.ID, http.StatusAccepted},
		{"already_finished", done.ID, http.StatusConflict},
		{"unknown", "nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, "POST", "/api/v1/jobs/"+tt.id+"/cancel", "")
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestListChunks(t *testing.T) {
	ts := newTestServer(t)
	j := ts.jobs.add(job.New("a.wav", time.Now()))
	ts.jobs.chunks[j.ID] = []transcript.ChunkResult{{Index: 0, Start: 0, Duration: 60}}

	rec := ts.do(t, "GET", "/api/v1/jobs/"+j.ID+"/chunks", "")
	body := decodeBody[struct {
		JobID  string                   `json:"job_id"`
		Chunks []transcript.ChunkResult `json:"chunks"`
	}](t, rec)
	if body.JobID != j.ID || len(body.Chunks) != 1 || body.Chunks[0].Duration != 60 {
		t.Errorf("body = %+v", body)
	}
}

func TestQueueStats(t *testing.T) {
	ts := newTestServer(t)
	ts.jobs.stats = pipeline.QueueStats{Queued: 2, Active: 1, Workers: 1}
	rec := ts.do(t, "GET", "/api/v1/queue", "")
	if got := decodeBody[pipeline.QueueStats](t, rec); got != ts.jobs.stats {
		t.Errorf("stats = %+v", got)
	}
}

// ── Artifacts ────────────────────────────────────────────────────────

func TestGetTranscript(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	pending := ts.jobs.add(job.New("a.wav", time.Now()))

	done := job.New("b.wav", time.Now())
	done.Status = job.StatusCompleted
	done.TranscriptKey = storage.Key(done.ID, storage.TranscriptFile)
	ts.jobs.add(done)
	text := "[en][0.00:5.00] speaker_00: hello\n"
	if err := ts.artifacts.Save(ctx, done.TranscriptKey, []byte(text), storage.ContentTypeText); err != nil {
		t.Fatal(err)
	}

	lost := job.New("c.wav", time.Now())
	lost.Status = job.StatusCompleted
	lost.TranscriptKey = storage.Key(lost.ID, storage.TranscriptFile)
	ts.jobs.add(lost)

	t.Run("available", func(t *testing.T) {
		rec := ts.do(t, "GET", "/api/v1/jobs/"+done.ID+"/transcript", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != storage.ContentTypeText {
			t.Errorf("Content-Type = %q", ct)
		}
		if rec.Body.String() != text {
			t.Errorf("body = %q", rec.Body.String())
		}
	})

	t.Run("presign_falls_back_to_local", func(t *testing.T) {
		rec := ts.do(t, "GET", "/api/v1/jobs/"+done.ID+"/transcript?presign=true", "")
		if rec.Code != http.StatusOK || rec.Body.String() != text {
			t.Errorf("status = %d body = %q", rec.Code, rec.Body.String())
		}
	})

	t.Run("not_ready", func(t *testing.T) {
		rec := ts.do(t, "GET", "/api/v1/jobs/"+pending.ID+"/transcript", "")
		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", rec.Code)
		}
	})

	t.Run("artifact_missing", func(t *testing.T) {
		rec := ts.do(t, "GET", "/api/v1/jobs/"+lost.ID+"/transcript", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestGetMinutes(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	j := job.New("a.wav", time.Now())
	j.Status = job.StatusCompleted
	j.MinutesKey = storage.Key(j.ID, storage.MinutesFile)
	ts.jobs.add(j)
	ts.artifacts.Save(ctx, j.MinutesKey, []byte("# Minutes\n"), storage.ContentTypeMD)
	ts.artifacts.Save(ctx, storage.Key(j.ID, storage.MinutesJSONFile), []byte(`{"summary":"ok"}`), storage.ContentTypeJSON)

	tests := []struct {
		name   string
		query  string
		status int
		ct     string
		body   string
	}{
		{"markdown_default", "", http.StatusOK, storage.ContentTypeMD, "# Minutes\n"},
		{"json", "?format=json", http.StatusOK, storage.ContentTypeJSON, `{"summary":"ok"}`},
		{"bad_format", "?format=pdf", http.StatusBadRequest, "application/json", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, "GET", "/api/v1/jobs/"+j.ID+"/minutes"+tt.query, "")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if ct := rec.Header().Get("Content-Type"); ct != tt.ct {
				t.Errorf("Content-Type = %q, want %q", ct, tt.ct)
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}
}

// ── Server wiring ────────────────────────────────────────────────────

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, "GET", "/api/v1/queue", "")
	rec := ts.do(t, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `minutes_engine_http_requests_total{method="GET",path_pattern="/api/v1/queue"`) {
		t.Error("expected request counter labelled with the route pattern")
	}
}
