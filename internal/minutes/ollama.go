package minutes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/snarg/minutes-engine/internal/provider"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "llama3.3:70b"
	defaultTimeout     = 600 * time.Second
)

// OllamaConfig holds configuration for the Ollama generator.
type OllamaConfig struct {
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Ollama implements Generator using Ollama's non-streaming /api/generate.
type Ollama struct {
	cfg    OllamaConfig
	client *http.Client
}

// NewOllama creates an Ollama generator with defaults filled in.
func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaURL
	}
	cfg.BaseURL = strings.TrimSuffix(strings.TrimSuffix(cfg.BaseURL, "/"), "/api/generate")
	if cfg.Model == "" {
		cfg.Model = defaultOllamaModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Ollama{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider name.
func (o *Ollama) Name() string { return "ollama" }

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Summarize asks the model for minutes in JSON form and parses the reply.
func (o *Ollama) Summarize(ctx context.Context, transcript string) (*Minutes, error) {
	body, err := json.Marshal(generateRequest{
		Model:   o.cfg.Model,
		Prompt:  buildPrompt(transcript),
		Stream:  false,
		Format:  "json",
		Options: map[string]any{"temperature": o.cfg.Temperature},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := provider.Do(o.client, o.Name(), req)
	if err != nil {
		return nil, err
	}

	var result generateResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, provider.DecodeError(o.Name(), err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("%w: ollama: %s", provider.ErrUnavailable, result.Error)
	}
	if strings.TrimSpace(result.Response) == "" {
		return nil, fmt.Errorf("%w: ollama returned an empty response", provider.ErrUnavailable)
	}
	return Parse(result.Response), nil
}

func buildPrompt(transcript string) string {
	var b strings.Builder
	b.WriteString("You are an assistant that writes clear, concise minutes of meetings.\n\n")
	b.WriteString("Here is the full conversation transcript. Each line is ")
	b.WriteString("[language][start:end] speaker: text.\n\n")
	b.WriteString(transcript)
	b.WriteString("\n\nReply with a single JSON object with these keys:\n")
	b.WriteString(`  "attendees": list of speaker names or labels,` + "\n")
	b.WriteString(`  "date_time": date and time if mentioned, else "",` + "\n")
	b.WriteString(`  "agenda": list of agenda items,` + "\n")
	b.WriteString(`  "discussion_points": list of key discussion points,` + "\n")
	b.WriteString(`  "decisions": list of decisions taken,` + "\n")
	b.WriteString(`  "action_items": list of {"task", "owner", "due"} (owner and due may be "").` + "\n")
	return b.String()
}
