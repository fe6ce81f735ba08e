package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/snarg/minutes-engine/internal/provider"
)

const deepInfraBaseURL = "https://api.deepinfra.com/v1/inference/"

// DeepInfraClient calls DeepInfra's native inference API for Whisper models.
// Implements the Provider interface.
type DeepInfraClient struct {
	apiKey  string
	model   string // e.g. "openai/whisper-large-v3-turbo"
	baseURL string
	client  *http.Client
}

// deepInfraResponse is the JSON response from the DeepInfra inference API.
type deepInfraResponse struct {
	Text     string             `json:"text"`
	Language string             `json:"language"`
	Duration float64            `json:"duration"`
	Words    []deepInfraWord    `json:"words"`
	Segments []deepInfraSegment `json:"segments"`
}

// deepInfraWord is a word with timestamps from DeepInfra.
// Note: DeepInfra uses "text" for the word field, not "word" like OpenAI.
type deepInfraWord struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type deepInfraSegment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// NewDeepInfraClient creates a new DeepInfra inference client.
func NewDeepInfraClient(apiKey, model string, timeout time.Duration) *DeepInfraClient {
	if model == "" {
		model = "openai/whisper-large-v3-turbo"
	}
	return &DeepInfraClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: deepInfraBaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the provider name.
func (di *DeepInfraClient) Name() string { return "deepinfra" }

// Model returns the configured model identifier.
func (di *DeepInfraClient) Model() string { return di.model }

// Transcribe sends an audio file to DeepInfra's inference API and returns the result.
// Uses multipart/form-data with field name "audio" (DeepInfra's convention).
func (di *DeepInfraClient) Transcribe(ctx context.Context, r Request) (*Response, error) {
	body, contentType, err := audioForm(r.AudioPath, "audio",
		[2]string{"language", r.Language},
		[2]string{"initial_prompt", r.Prompt},
	)
	if err != nil {
		return nil, err
	}

	// Endpoint: https://api.deepinfra.com/v1/inference/{model}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, di.baseURL+di.model, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+di.apiKey)

	raw, err := provider.Do(di.client, di.Name(), req)
	if err != nil {
		return nil, err
	}

	var result deepInfraResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, provider.DecodeError(di.Name(), err)
	}

	resp := &Response{
		Text:     result.Text,
		Language: result.Language,
		Duration: result.Duration,
	}
	for _, s := range result.Segments {
		resp.Phrases = append(resp.Phrases, Phrase{Start: s.Start, End: s.End, Text: s.Text})
	}

	// Convert DeepInfra word format (uses "text") to our common Word type
	if len(result.Words) > 0 {
		resp.Words = make([]Word, len(result.Words))
		for i, dw := range result.Words {
			resp.Words[i] = Word{Word: dw.Text, Start: dw.Start, End: dw.End}
		}
	} else {
		resp.Words = wordsFromPhrases(resp.Phrases)
	}
	return resp, nil
}
