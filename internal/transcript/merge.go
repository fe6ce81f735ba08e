package transcript

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// ErrInvariantViolation means Merge was handed inconsistent input or produced
// inconsistent output. It always indicates a defect.
var ErrInvariantViolation = errors.New("transcript invariant violation")

// SpeakerMode names the global label space a transcript was built with.
type SpeakerMode string

const (
	ModeChunkScoped SpeakerMode = "chunk-scoped"
	ModeEmbedding   SpeakerMode = "embedding"
)

// Reconciler maps chunk-local speakers onto speakers shared across chunks.
// Labels missing from the returned map keep their chunk-scoped name.
type Reconciler interface {
	Reconcile(results []ChunkResult) map[SpeakerLabel]string
}

// MergeOptions controls Merge.
type MergeOptions struct {
	// Overlap is the boundary overlap the chunks were read with, in seconds.
	// Zero disables duplicate collapsing.
	Overlap float64
	// Reconciler enables cross-chunk speaker matching. Nil keeps labels
	// chunk-scoped.
	Reconciler Reconciler
}

// Transcript is the merged, globally ordered conversation.
type Transcript struct {
	Segments    []Segment   `json:"segments"`
	SpeakerMode SpeakerMode `json:"speaker_mode"`
}

// Merge rebases every chunk's segments onto the global timeline, drops
// duplicates captured twice in a boundary overlap, sorts, and assigns global
// speaker labels. The result does not depend on the order of results.
func Merge(results []ChunkResult, opts MergeOptions) (*Transcript, error) {
	ordered := slices.Clone(results)
	slices.SortFunc(ordered, func(a, b ChunkResult) int { return cmp.Compare(a.Index, b.Index) })
	for i, r := range ordered {
		if r.Index != i {
			if i > 0 && ordered[i-1].Index == r.Index {
				return nil, fmt.Errorf("%w: chunk %d appears twice", ErrInvariantViolation, r.Index)
			}
			return nil, fmt.Errorf("%w: chunk %d missing", ErrInvariantViolation, i)
		}
	}

	perChunk := make([][]Segment, len(ordered))
	for i, r := range ordered {
		perChunk[i] = rebase(r)
	}

	if opts.Overlap > 0 {
		for k := 1; k < len(perChunk); k++ {
			prev := ordered[k-1]
			heardUntil := prev.Start + max(prev.ReadDuration, prev.Duration)
			perChunk[k] = collapseOverlap(perChunk[k-1], perChunk[k], heardUntil)
		}
	}

	var segs []Segment
	for _, s := range perChunk {
		segs = append(segs, s...)
	}
	slices.SortStableFunc(segs, compareSegments)

	mode := ModeChunkScoped
	var mapping map[SpeakerLabel]string
	if opts.Reconciler != nil {
		mode = ModeEmbedding
		mapping = opts.Reconciler.Reconcile(ordered)
	}
	for i := range segs {
		segs[i].GlobalSpeaker = globalLabel(segs[i], mapping)
	}

	t := &Transcript{Segments: segs, SpeakerMode: mode}
	if err := t.check(); err != nil {
		return nil, err
	}
	return t, nil
}

// rebase shifts a chunk's segments to global time and clamps them to the
// window the chunk actually read. A failed chunk is represented by exactly
// one error span over its nominal window.
func rebase(r ChunkResult) []Segment {
	if r.Failed() {
		span := ErrorSpan(r.Index, r.Duration, *r.Failure)
		for _, s := range r.Segments {
			if s.IsError() {
				span.Error = s.Error
				break
			}
		}
		span.Start += r.Start
		span.End += r.Start
		return []Segment{span}
	}

	lo := r.Start
	hi := r.Start + max(r.ReadDuration, r.Duration)
	out := make([]Segment, 0, len(r.Segments))
	for i, s := range r.Segments {
		if s.IsError() {
			continue
		}
		s.Start = clamp(s.Start+r.Start, lo, hi)
		s.End = clamp(s.End+r.Start, lo, hi)
		if s.End < s.Start {
			s.End = s.Start
		}
		s.Chunk = r.Index
		s.Speaker.Chunk = r.Index
		s.Order = i
		if s.Kind == "" {
			s.Kind = KindSpeech
		}
		if s.Language == "" {
			s.Language = UnknownLanguage
		}
		out = append(out, s)
	}
	return out
}

// boundaryTolerance is how far past the earlier chunk's read window a
// duplicate may run, to absorb timestamp jitter between providers.
const boundaryTolerance = 0.25

// collapseOverlap resolves speech captured by both sides of a boundary.
// heardUntil is the end of the earlier chunk's read window. A later segment
// that overlaps earlier speech and ends within that window is a duplicate
// and is dropped. One that runs past the window carries new speech: it is
// kept, starts where the earlier speech ends, and loses the leading words
// the earlier segment already transcribed.
func collapseOverlap(prev, cur []Segment, heardUntil float64) []Segment {
	kept := make([]Segment, 0, len(cur))
	for _, s := range cur {
		if s.IsError() {
			kept = append(kept, s)
			continue
		}
		o, ok := lastOverlapping(s, prev)
		if !ok {
			kept = append(kept, s)
			continue
		}
		if s.End <= heardUntil+boundaryTolerance {
			continue
		}
		text, rest := dropRepeatedLead(o.Text, s.Text)
		if !rest {
			continue
		}
		s.Text = text
		s.Start = min(max(s.Start, o.End), s.End)
		kept = append(kept, s)
	}
	return kept
}

// lastOverlapping returns the speech segment in others that overlaps s and
// ends latest.
func lastOverlapping(s Segment, others []Segment) (Segment, bool) {
	var (
		best  Segment
		found bool
	)
	for _, o := range others {
		if o.IsError() {
			continue
		}
		if s.Start < o.End && o.Start < s.End && (!found || o.End > best.End) {
			best, found = o, true
		}
	}
	return best, found
}

// dropRepeatedLead removes from text the longest run of leading words that
// repeats the trailing words of prevText. It reports false when every word
// was a repeat.
func dropRepeatedLead(prevText, text string) (string, bool) {
	pw := strings.Fields(prevText)
	cw := strings.Fields(text)
	for k := min(len(pw), len(cw)); k > 0; k-- {
		if slices.EqualFunc(pw[len(pw)-k:], cw[:k], sameWord) {
			if k == len(cw) {
				return "", false
			}
			return strings.Join(cw[k:], " "), true
		}
	}
	return text, true
}

func sameWord(a, b string) bool {
	trim := func(w string) string {
		return strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
	}
	return strings.EqualFold(trim(a), trim(b))
}

func compareSegments(a, b Segment) int {
	if c := cmp.Compare(a.Start, b.Start); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Chunk, b.Chunk); c != 0 {
		return c
	}
	return cmp.Compare(a.Order, b.Order)
}

func globalLabel(s Segment, mapping map[SpeakerLabel]string) string {
	switch {
	case s.IsError():
		return LabelError
	case s.Speaker.Unknown():
		return LabelUnknown
	}
	if name, ok := mapping[s.Speaker]; ok {
		return name
	}
	return s.Speaker.ChunkScoped()
}

func (t *Transcript) check() error {
	for i := 1; i < len(t.Segments); i++ {
		if t.Segments[i].Start < t.Segments[i-1].Start {
			return fmt.Errorf("%w: segment %d starts at %.3f before segment %d at %.3f",
				ErrInvariantViolation, i, t.Segments[i].Start, i-1, t.Segments[i-1].Start)
		}
	}
	for i, s := range t.Segments {
		if s.End < s.Start {
			return fmt.Errorf("%w: segment %d ends before it starts", ErrInvariantViolation, i)
		}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
