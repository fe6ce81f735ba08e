// Package minutes turns a merged transcript into a structured minutes
// document through a pluggable LLM backend.
package minutes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Generator summarizes a full transcript.
type Generator interface {
	Summarize(ctx context.Context, transcript string) (*Minutes, error)
	Name() string
}

// Minutes is the structured summary of one meeting.
type Minutes struct {
	DateTime         string       `json:"date_time,omitempty"`
	Attendees        []string     `json:"attendees"`
	Agenda           []string     `json:"agenda"`
	DiscussionPoints []string     `json:"discussion_points"`
	Decisions        []string     `json:"decisions"`
	ActionItems      []ActionItem `json:"action_items"`
	// Raw is the model output verbatim. When the model ignored the JSON
	// format it is the only populated field.
	Raw string `json:"raw,omitempty"`
}

// ActionItem is one follow-up task.
type ActionItem struct {
	Task  string `json:"task"`
	Owner string `json:"owner,omitempty"`
	Due   string `json:"due,omitempty"`
}

// Structured reports whether any section was filled from JSON.
func (m *Minutes) Structured() bool {
	return m.DateTime != "" || len(m.Attendees) > 0 || len(m.Agenda) > 0 ||
		len(m.DiscussionPoints) > 0 || len(m.Decisions) > 0 || len(m.ActionItems) > 0
}

// Parse reads model output. JSON (optionally inside a ``` fence) fills the
// sections; anything else is kept as Raw.
func Parse(raw string) *Minutes {
	m := &Minutes{Raw: strings.TrimSpace(raw)}
	body := stripFence(m.Raw)
	if !strings.HasPrefix(body, "{") {
		return m
	}
	var parsed Minutes
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return m
	}
	parsed.Raw = m.Raw
	return &parsed
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// WriteMarkdown renders the minutes as a markdown document.
func (m *Minutes) WriteMarkdown(w io.Writer) error {
	var b strings.Builder
	b.WriteString("# Meeting Minutes\n")

	if !m.Structured() {
		b.WriteString("\n")
		b.WriteString(m.Raw)
		b.WriteString("\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	if m.DateTime != "" {
		fmt.Fprintf(&b, "\n**Date & Time:** %s\n", m.DateTime)
	}
	section(&b, "Attendees", m.Attendees)
	section(&b, "Agenda", m.Agenda)
	section(&b, "Key Discussion Points", m.DiscussionPoints)
	section(&b, "Decisions Taken", m.Decisions)

	b.WriteString("\n## Action Items\n\n")
	if len(m.ActionItems) == 0 {
		b.WriteString("_None recorded._\n")
	}
	for _, a := range m.ActionItems {
		b.WriteString("- ")
		b.WriteString(a.Task)
		var meta []string
		if a.Owner != "" {
			meta = append(meta, "owner: "+a.Owner)
		}
		if a.Due != "" {
			meta = append(meta, "due: "+a.Due)
		}
		if len(meta) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(meta, ", "))
		}
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// Markdown returns WriteMarkdown's output as a string.
func (m *Minutes) Markdown() string {
	var b strings.Builder
	m.WriteMarkdown(&b)
	return b.String()
}

func section(b *strings.Builder, title string, items []string) {
	fmt.Fprintf(b, "\n## %s\n\n", title)
	if len(items) == 0 {
		b.WriteString("_None recorded._\n")
		return
	}
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}
