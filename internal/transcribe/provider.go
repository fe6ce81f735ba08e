package transcribe

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Provider is the interface for speech-to-text backends.
type Provider interface {
	Transcribe(ctx context.Context, req Request) (*Response, error)
	Name() string  // "whisper", "deepinfra", "elevenlabs"
	Model() string // model identifier for logs and chunk records
}

// Request describes one chunk to transcribe.
type Request struct {
	AudioPath string
	Language  string // ISO-639-1 hint; "" lets the backend detect
	Prompt    string // domain vocabulary / initial prompt
	Hotwords  string // comma-separated boost terms
}

// Response is the common transcription result from any provider.
type Response struct {
	Text     string
	Language string
	Duration float64  // audio duration in seconds
	Words    []Word   // nil if provider doesn't support word timestamps
	Phrases  []Phrase // sentence-level spans, nil if the backend has none
}

// Word is a timestamped word from any STT provider.
type Word struct {
	Word  string
	Start float64 // seconds
	End   float64 // seconds
}

// Phrase is a sentence-level span as segmented by the backend.
type Phrase struct {
	Start    float64
	End      float64
	Text     string
	Language string // "" means same as the response
}

// PhraseList returns the backend's phrases, or a single phrase covering all
// words when the backend returned none.
func (r *Response) PhraseList() []Phrase {
	if len(r.Phrases) > 0 {
		return r.Phrases
	}
	text := strings.TrimSpace(r.Text)
	if text == "" && len(r.Words) == 0 {
		return nil
	}
	p := Phrase{Text: text, Language: r.Language}
	if len(r.Words) > 0 {
		p.Start = r.Words[0].Start
		p.End = r.Words[len(r.Words)-1].End
	} else {
		p.End = r.Duration
	}
	return []Phrase{p}
}

// Options selects and configures a backend.
type Options struct {
	Provider string // "whisper" (default), "deepinfra", "elevenlabs"
	Timeout  time.Duration

	WhisperURL   string
	WhisperModel string
	Temperature  float64
	BeamSize     int
	VadFilter    bool

	DeepInfraAPIKey string
	DeepInfraModel  string

	ElevenLabsAPIKey   string
	ElevenLabsModel    string
	ElevenLabsKeyterms string
}

// New builds the configured provider.
func New(opts Options) (Provider, error) {
	switch strings.ToLower(opts.Provider) {
	case "", "whisper":
		if opts.WhisperURL == "" {
			return nil, fmt.Errorf("whisper provider requires WHISPER_URL")
		}
		return NewWhisperClient(WhisperOptions{
			URL:         opts.WhisperURL,
			Model:       opts.WhisperModel,
			Timeout:     opts.Timeout,
			Temperature: opts.Temperature,
			BeamSize:    opts.BeamSize,
			VadFilter:   opts.VadFilter,
		}), nil
	case "deepinfra":
		if opts.DeepInfraAPIKey == "" {
			return nil, fmt.Errorf("deepinfra provider requires DEEPINFRA_API_KEY")
		}
		return NewDeepInfraClient(opts.DeepInfraAPIKey, opts.DeepInfraModel, opts.Timeout), nil
	case "elevenlabs":
		if opts.ElevenLabsAPIKey == "" {
			return nil, fmt.Errorf("elevenlabs provider requires ELEVENLABS_API_KEY")
		}
		return NewElevenLabsClient(opts.ElevenLabsAPIKey, opts.ElevenLabsModel, opts.ElevenLabsKeyterms, opts.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown STT provider %q (want whisper, deepinfra or elevenlabs)", opts.Provider)
	}
}
