package diarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/snarg/minutes-engine/internal/provider"
)

const (
	defaultPyannoteURL     = "http://localhost:8388"
	defaultPyannoteTimeout = 300 * time.Second
)

// PyannoteConfig holds configuration for the pyannote HTTP sidecar.
type PyannoteConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Pyannote implements Provider against a pyannote.audio sidecar exposing
// POST /diarize and GET /health.
type Pyannote struct {
	cfg    PyannoteConfig
	client *http.Client
}

// NewPyannote creates a pyannote client with defaults filled in.
func NewPyannote(cfg PyannoteConfig) *Pyannote {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultPyannoteURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultPyannoteTimeout
	}
	return &Pyannote{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider name.
func (p *Pyannote) Name() string { return "pyannote" }

// IsAvailable checks if the sidecar is reachable.
func (p *Pyannote) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Diarize sends the chunk to the sidecar and returns its speaker turns.
func (p *Pyannote) Diarize(ctx context.Context, r Request) (*Response, error) {
	f, err := os.Open(r.AudioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("audio", filepath.Base(r.AudioPath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}
	if r.MinSpeakers > 0 {
		w.WriteField("min_speakers", strconv.Itoa(r.MinSpeakers))
	}
	if r.MaxSpeakers > 0 {
		w.WriteField("max_speakers", strconv.Itoa(r.MaxSpeakers))
	}
	if r.Embeddings {
		w.WriteField("return_embeddings", "true")
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/diarize", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	raw, err := provider.Do(p.client, p.Name(), req)
	if err != nil {
		return nil, err
	}

	var result pyannoteResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, provider.DecodeError(p.Name(), err)
	}
	if result.Error != "" {
		// The sidecar reports pipeline failures in-band with a 200.
		return nil, fmt.Errorf("%w: pyannote: %s", provider.ErrUnavailable, result.Error)
	}
	return result.toResponse(), nil
}

// --- sidecar wire types ---

type pyannoteResponse struct {
	Segments    []pyannoteSegment    `json:"segments"`
	NumSpeakers int                  `json:"num_speakers"`
	Embeddings  map[string][]float32 `json:"embeddings,omitempty"`
	Error       string               `json:"error,omitempty"`
}

type pyannoteSegment struct {
	SpeakerID string  `json:"speaker_id"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

func (r *pyannoteResponse) toResponse() *Response {
	turns := make([]Turn, 0, len(r.Segments))
	for _, s := range r.Segments {
		if s.EndTime < s.StartTime {
			continue
		}
		turns = append(turns, Turn{Start: s.StartTime, End: s.EndTime, Speaker: s.SpeakerID})
	}
	return &Response{Turns: turns, Embeddings: r.Embeddings}
}
