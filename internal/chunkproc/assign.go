package chunkproc

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/snarg/minutes-engine/internal/diarize"
	"github.com/snarg/minutes-engine/internal/transcribe"
	"github.com/snarg/minutes-engine/internal/transcript"
)

// attributedWord is a transcribed word with its diarization label.
// Speaker is "" when no turn overlapped the word.
type attributedWord struct {
	Word    string
	Start   float64
	End     float64
	Speaker string
}

// speakerFor returns the label whose turns overlap [start, end) the most in
// total. Ties go to the lexically smallest label. Zero-length words use
// point containment. Returns "" when nothing overlaps.
func speakerFor(start, end float64, turns []diarize.Turn) string {
	totals := make(map[string]float64)
	for _, t := range turns {
		var ov float64
		if end <= start {
			if start >= t.Start && start < t.End {
				ov = math.SmallestNonzeroFloat64
			}
		} else {
			ov = min(end, t.End) - max(start, t.Start)
		}
		if ov > 0 {
			totals[t.Speaker] += ov
		}
	}

	best, bestOv := "", 0.0
	for label, ov := range totals {
		if ov > bestOv || (ov == bestOv && label < best) {
			best, bestOv = label, ov
		}
	}
	return best
}

// buildSegments turns one transcription response and the chunk's speaker
// turns into chunk-local segments. Words are bucketed into the backend's
// phrases; within a phrase, consecutive words with the same speaker form one
// segment whose text is sliced from the phrase so punctuation survives.
func buildSegments(chunk int, resp *transcribe.Response, turns []diarize.Turn) []transcript.Segment {
	phrases := resp.PhraseList()
	if len(phrases) == 0 {
		return nil
	}

	byPhrase := make([][]transcribe.Word, len(phrases))
	for _, w := range resp.Words {
		if strings.TrimSpace(w.Word) == "" {
			continue
		}
		i := phraseFor((w.Start+w.End)/2, phrases)
		byPhrase[i] = append(byPhrase[i], w)
	}

	var segs []transcript.Segment
	for i, ph := range phrases {
		lang := firstNonEmpty(ph.Language, resp.Language, transcript.UnknownLanguage)
		words := byPhrase[i]

		if len(words) == 0 {
			text := strings.TrimSpace(ph.Text)
			if text == "" {
				continue
			}
			segs = append(segs, newSegment(chunk, ph.Start, ph.End, text, speakerFor(ph.Start, ph.End, turns), lang))
			continue
		}

		attributed := make([]attributedWord, len(words))
		for j, w := range words {
			attributed[j] = attributedWord{
				Word:    w.Word,
				Start:   w.Start,
				End:     w.End,
				Speaker: speakerFor(w.Start, w.End, turns),
			}
		}
		for _, g := range groupWords(attributed, ph.Text) {
			segs = append(segs, newSegment(chunk, g.Start, g.End, g.Text, g.Speaker, lang))
		}
	}

	for i := range segs {
		segs[i].Order = i
	}
	return segs
}

func newSegment(chunk int, start, end float64, text, speaker, lang string) transcript.Segment {
	if end < start {
		end = start
	}
	return transcript.Segment{
		Start:    start,
		End:      end,
		Text:     text,
		Speaker:  transcript.SpeakerLabel{Chunk: chunk, Local: speaker},
		Language: lang,
		Chunk:    chunk,
		Kind:     transcript.KindSpeech,
	}
}

// phraseFor finds the phrase containing t, or the nearest one.
func phraseFor(t float64, phrases []transcribe.Phrase) int {
	best, bestDist := 0, math.Inf(1)
	for i, p := range phrases {
		if t >= p.Start && t <= p.End {
			return i
		}
		d := math.Min(math.Abs(t-p.Start), math.Abs(t-p.End))
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// group is a run of consecutive words with the same speaker.
type group struct {
	Speaker  string
	Start    float64
	End      float64
	Text     string
	firstIdx int
	lastIdx  int
}

// groupWords groups consecutive words by speaker. When fullText is given,
// group text is sliced from it to preserve punctuation; otherwise word
// tokens are joined with spaces.
func groupWords(words []attributedWord, fullText string) []group {
	if len(words) == 0 {
		return nil
	}

	var groups []group
	g := group{Speaker: words[0].Speaker, Start: words[0].Start, End: words[0].End}
	for i := 1; i < len(words); i++ {
		if words[i].Speaker == g.Speaker {
			g.End = max(g.End, words[i].End)
			g.lastIdx = i
			continue
		}
		groups = append(groups, g)
		g = group{Speaker: words[i].Speaker, Start: words[i].Start, End: words[i].End, firstIdx: i, lastIdx: i}
	}
	groups = append(groups, g)

	text := strings.TrimSpace(fullText)
	if text == "" {
		for i := range groups {
			tokens := make([]string, 0, groups[i].lastIdx-groups[i].firstIdx+1)
			for _, w := range words[groups[i].firstIdx : groups[i].lastIdx+1] {
				tokens = append(tokens, strings.TrimSpace(w.Word))
			}
			groups[i].Text = strings.Join(tokens, " ")
		}
		return groups
	}

	positions := mapWordPositions(words, text)
	for i := range groups {
		start := positions[groups[i].firstIdx]
		if i == 0 {
			start = 0
		}
		end := len(text)
		if i+1 < len(groups) {
			end = positions[groups[i+1].firstIdx]
		}
		start = min(start, len(text))
		end = min(max(end, start), len(text))
		groups[i].Text = strings.TrimSpace(text[start:end])
	}
	return groups
}

// mapWordPositions maps each word token to its byte offset in fullText using
// sequential case-insensitive forward scanning. Each word is matched only
// once, advancing past previous matches to handle repeated words correctly.
// Offsets always index fullText itself.
func mapWordPositions(words []attributedWord, fullText string) []int {
	positions := make([]int, len(words))
	searchFrom := 0

	for i, w := range words {
		token := strings.TrimSpace(w.Word)
		idx, n := -1, 0
		if token != "" {
			idx, n = indexFold(fullText[searchFrom:], token)
		}
		if idx >= 0 {
			positions[i] = searchFrom + idx
			searchFrom += idx + n
		} else {
			// Word not found; use current search position as best guess
			positions[i] = searchFrom
		}
	}
	return positions
}

// indexFold returns the byte offset and byte length in s of the first
// case-insensitive, rune-by-rune match of token, or -1.
func indexFold(s, token string) (int, int) {
	for i := range s {
		if n, ok := prefixFold(s[i:], token); ok {
			return i, n
		}
	}
	return -1, 0
}

// prefixFold reports whether s starts with token under simple case folding
// and how many bytes of s the match covers.
func prefixFold(s, token string) (int, bool) {
	n := 0
	for _, tr := range token {
		if n >= len(s) {
			return 0, false
		}
		sr, size := utf8.DecodeRuneInString(s[n:])
		if !sameRuneFold(sr, tr) {
			return 0, false
		}
		n += size
	}
	return n, true
}

func sameRuneFold(a, b rune) bool {
	if a == b {
		return true
	}
	for r := unicode.SimpleFold(a); r != a; r = unicode.SimpleFold(r) {
		if r == b {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
