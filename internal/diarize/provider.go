// Package diarize assigns anonymous speaker labels to time spans of a chunk.
package diarize

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Provider is the interface for diarization backends. Labels are only
// meaningful within one call.
type Provider interface {
	Diarize(ctx context.Context, req Request) (*Response, error)
	Name() string
}

// Request holds parameters for one diarization call.
type Request struct {
	AudioPath   string
	MinSpeakers int  // 0 = auto
	MaxSpeakers int  // 0 = auto
	Embeddings  bool // ask for one voice embedding per speaker
}

// Response is the common diarization result.
type Response struct {
	Turns      []Turn
	Embeddings map[string][]float32 // keyed by Turn.Speaker; nil unless requested
}

// Turn is one speaker-attributed time range in chunk-local seconds.
type Turn struct {
	Start   float64
	End     float64
	Speaker string
}

// Speakers returns the distinct labels in first-appearance order.
func (r *Response) Speakers() []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range r.Turns {
		if !seen[t.Speaker] {
			seen[t.Speaker] = true
			out = append(out, t.Speaker)
		}
	}
	return out
}

// Options selects and configures a backend.
type Options struct {
	Provider string // "pyannote" (default)
	URL      string
	Timeout  time.Duration
}

// New builds the configured provider.
func New(opts Options) (Provider, error) {
	switch strings.ToLower(opts.Provider) {
	case "", "pyannote":
		return NewPyannote(PyannoteConfig{BaseURL: opts.URL, Timeout: opts.Timeout}), nil
	default:
		return nil, fmt.Errorf("unknown diarization provider %q", opts.Provider)
	}
}
