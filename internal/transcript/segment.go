package transcript

import (
	"fmt"
	"strings"
)

// Kind distinguishes transcribed speech from placeholder spans.
type Kind string

const (
	KindSpeech Kind = "speech"
	KindError  Kind = "error"
)

// UnknownLanguage is used when neither the phrase nor the provider response
// reports a language.
const UnknownLanguage = "unknown"

// Global labels that do not come from a diarization provider.
const (
	LabelUnknown = "unknown"
	LabelError   = "error"
)

// SpeakerLabel is a diarization label as emitted for one chunk. Providers
// label speakers independently per call, so Local is only meaningful together
// with Chunk. An empty Local means no diarization turn overlapped the words.
type SpeakerLabel struct {
	Chunk int    `json:"chunk"`
	Local string `json:"local,omitempty"`
}

// Unknown reports whether the label is the unknown-speaker sentinel.
func (l SpeakerLabel) Unknown() bool { return l.Local == "" }

// ChunkScoped renders the label in the default global label space, where
// "chunk0-speaker_00" and "chunk1-speaker_00" are different speakers.
func (l SpeakerLabel) ChunkScoped() string {
	if l.Unknown() {
		return LabelUnknown
	}
	return fmt.Sprintf("chunk%d-%s", l.Chunk, sanitizeLabel(l.Local))
}

func (l SpeakerLabel) String() string { return l.ChunkScoped() }

// Segment is one time-stamped, speaker-labeled span of text. Start and End
// are chunk-local until Merge rebases them onto the global timeline.
type Segment struct {
	Start         float64      `json:"start"`
	End           float64      `json:"end"`
	Text          string       `json:"text"`
	Speaker       SpeakerLabel `json:"speaker"`
	GlobalSpeaker string       `json:"global_speaker,omitempty"`
	Language      string       `json:"language"`
	Chunk         int          `json:"chunk"`
	Order         int          `json:"order"`
	Kind          Kind         `json:"kind"`
	Error         string       `json:"error,omitempty"`
}

// IsError reports whether the segment is a placeholder for a failed chunk.
func (s Segment) IsError() bool { return s.Kind == KindError }

// Failure records why a chunk produced no speech.
type Failure struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts"`
}

func (f Failure) String() string {
	if f.Kind == "" {
		return f.Message
	}
	return f.Kind + ": " + f.Message
}

// ChunkResult is everything one chunk contributes to the transcript.
// Segments are in chunk-local time.
type ChunkResult struct {
	Index        int                  `json:"index"`
	Start        float64              `json:"start"`
	Duration     float64              `json:"duration"`
	ReadDuration float64              `json:"read_duration"`
	Segments     []Segment            `json:"segments"`
	Failure      *Failure             `json:"failure,omitempty"`
	Embeddings   map[string][]float32 `json:"embeddings,omitempty"`
}

// Failed reports whether the chunk exhausted its attempts.
func (r ChunkResult) Failed() bool { return r.Failure != nil }

// ErrorSpan builds the single placeholder segment that stands in for a
// failed chunk. It covers the chunk's nominal window in local time.
func ErrorSpan(index int, duration float64, f Failure) Segment {
	return Segment{
		Start:    0,
		End:      duration,
		Speaker:  SpeakerLabel{Chunk: index},
		Language: LabelError,
		Chunk:    index,
		Kind:     KindError,
		Error:    f.String(),
	}
}

// sanitizeLabel keeps provider labels on one line and free of the ": "
// separator used by the transcript file format.
func sanitizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':', '[', ']':
			return '_'
		}
		return r
	}, s)
}
