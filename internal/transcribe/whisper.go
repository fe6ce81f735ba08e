package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/snarg/minutes-engine/internal/provider"
)

// WhisperClient calls an OpenAI-compatible /v1/audio/transcriptions endpoint.
type WhisperClient struct {
	opts   WhisperOptions
	client *http.Client
}

// WhisperOptions configures the Whisper client.
// Zero-value fields are omitted from the request, preserving compatibility
// with servers that reject unknown form fields (e.g. speaches).
type WhisperOptions struct {
	URL         string
	Model       string
	Timeout     time.Duration
	Temperature float64
	BeamSize    int // 0 = server default (typically 5)
	VadFilter   bool
}

// whisperResponse is the parsed response from the Whisper API (verbose_json format).
type whisperResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Words    []whisperWord    `json:"words"`
	Segments []whisperSegment `json:"segments"`
}

type whisperWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// NewWhisperClient creates a new Whisper HTTP client.
func NewWhisperClient(opts WhisperOptions) *WhisperClient {
	return &WhisperClient{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
	}
}

// Name returns the provider name.
func (wc *WhisperClient) Name() string { return "whisper" }

// Model returns the configured model identifier.
func (wc *WhisperClient) Model() string { return wc.opts.Model }

// Transcribe sends an audio file to the Whisper API and returns the result.
// Only non-default parameters are sent, so this works with speaches, a custom
// whisper-server, or any OpenAI-compatible endpoint.
func (wc *WhisperClient) Transcribe(ctx context.Context, r Request) (*Response, error) {
	fields := [][2]string{
		{"model", wc.opts.Model},
		{"language", r.Language},
		{"temperature", fmt.Sprintf("%.2f", wc.opts.Temperature)},
		// verbose_json carries word and segment timestamps
		{"response_format", "verbose_json"},
		{"timestamp_granularities[]", "word"},
		{"timestamp_granularities[]", "segment"},
		{"prompt", r.Prompt},
		{"hotwords", r.Hotwords},
	}
	if wc.opts.BeamSize > 0 {
		fields = append(fields, [2]string{"beam_size", strconv.Itoa(wc.opts.BeamSize)})
	}
	if wc.opts.VadFilter {
		fields = append(fields, [2]string{"vad_filter", "true"})
	}

	body, contentType, err := audioForm(r.AudioPath, "file", fields...)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.opts.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	raw, err := provider.Do(wc.client, wc.Name(), req)
	if err != nil {
		return nil, err
	}

	var result whisperResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, provider.DecodeError(wc.Name(), err)
	}

	resp := &Response{
		Text:     result.Text,
		Language: result.Language,
		Duration: result.Duration,
	}
	for _, s := range result.Segments {
		resp.Phrases = append(resp.Phrases, Phrase{Start: s.Start, End: s.End, Text: s.Text})
	}
	if len(result.Words) > 0 {
		resp.Words = make([]Word, len(result.Words))
		for i, w := range result.Words {
			resp.Words[i] = Word{Word: w.Word, Start: w.Start, End: w.End}
		}
	} else {
		resp.Words = wordsFromPhrases(resp.Phrases)
	}
	return resp, nil
}
