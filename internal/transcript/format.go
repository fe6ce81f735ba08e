package transcript

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// WriteTo renders the transcript in the persisted line format:
//
//	[<language>][<start>:<end>] <speaker>: <text>
//
// Times are seconds with two decimals. Failed chunks render as
// "[error][<start>:<end>] error: <detail>".
func (t *Transcript) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var total int64
	for _, s := range t.Segments {
		n, err := bw.WriteString(formatLine(s))
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, bw.Flush()
}

// Text returns the rendered transcript as a string.
func (t *Transcript) Text() string {
	var b strings.Builder
	t.WriteTo(&b)
	return b.String()
}

// ConversationText renders the transcript like Text, with speakers
// renumbered "Speaker 1", "Speaker 2", ... in order of first appearance.
// Unknown and error lines keep their labels. This is the form handed to
// minutes generation, which has no use for chunk-scoped names.
func (t *Transcript) ConversationText() string {
	numbers := make(map[string]int)
	var b strings.Builder
	for _, s := range t.Segments {
		if !s.IsError() && s.GlobalSpeaker != "" && s.GlobalSpeaker != LabelUnknown {
			n, ok := numbers[s.GlobalSpeaker]
			if !ok {
				n = len(numbers) + 1
				numbers[s.GlobalSpeaker] = n
			}
			s.GlobalSpeaker = "Speaker " + strconv.Itoa(n)
		}
		b.WriteString(formatLine(s))
	}
	return b.String()
}

// HasSpeech reports whether any segment carries transcribed text.
func (t *Transcript) HasSpeech() bool {
	for _, s := range t.Segments {
		if !s.IsError() && strings.TrimSpace(s.Text) != "" {
			return true
		}
	}
	return false
}

// Speakers returns the distinct global speaker labels that spoke, sorted.
func (t *Transcript) Speakers() []string {
	var out []string
	for _, s := range t.Segments {
		if s.IsError() || s.GlobalSpeaker == "" || strings.TrimSpace(s.Text) == "" {
			continue
		}
		if !slices.Contains(out, s.GlobalSpeaker) {
			out = append(out, s.GlobalSpeaker)
		}
	}
	slices.Sort(out)
	return out
}

func formatLine(s Segment) string {
	if s.IsError() {
		return fmt.Sprintf("[%s][%.2f:%.2f] %s: %s\n", LabelError, s.Start, s.End, LabelError, oneLine(s.Error))
	}
	lang := s.Language
	if lang == "" {
		lang = UnknownLanguage
	}
	speaker := s.GlobalSpeaker
	if speaker == "" {
		speaker = s.Speaker.ChunkScoped()
	}
	return fmt.Sprintf("[%s][%.2f:%.2f] %s: %s\n", lang, s.Start, s.End, speaker, oneLine(s.Text))
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var lineRe = regexp.MustCompile(`^\[([^\]]*)\]\[(\d+(?:\.\d+)?):(\d+(?:\.\d+)?)\] ([^:]+): ?(.*)$`)

// Parse reads a transcript rendered by WriteTo. Speaker labels come back as
// GlobalSpeaker only; chunk attribution is not part of the file format.
func Parse(r io.Reader) (*Transcript, error) {
	t := &Transcript{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := lineRe.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("line %d: malformed transcript line %q", lineNo, line)
		}
		start, _ := strconv.ParseFloat(m[2], 64)
		end, _ := strconv.ParseFloat(m[3], 64)
		seg := Segment{
			Start:         start,
			End:           end,
			Language:      m[1],
			GlobalSpeaker: m[4],
			Order:         len(t.Segments),
			Kind:          KindSpeech,
		}
		if m[1] == LabelError && m[4] == LabelError {
			seg.Kind = KindError
			seg.Error = m[5]
		} else {
			seg.Text = m[5]
		}
		t.Segments = append(t.Segments, seg)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return t, nil
}
