package transcribe

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
)

// audioForm builds a multipart body with the audio file under fileField.
// Extra fields are written in the order given; empty values are skipped.
func audioForm(audioPath, fileField string, fields ...[2]string) (*bytes.Buffer, string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile(fileField, filepath.Base(audioPath))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("copy audio data: %w", err)
	}
	for _, kv := range fields {
		if kv[1] == "" {
			continue
		}
		if err := w.WriteField(kv[0], kv[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", kv[0], err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// wordsFromPhrases synthesizes word-level entries from phrase timestamps.
// Each phrase's text is split into words and timestamps are interpolated
// evenly across the phrase. This gives approximate word timing for speaker
// assignment when the API doesn't return word-level data.
func wordsFromPhrases(phrases []Phrase) []Word {
	var words []Word
	for _, p := range phrases {
		tokens := strings.Fields(p.Text)
		if len(tokens) == 0 {
			continue
		}
		wordDur := (p.End - p.Start) / float64(len(tokens))
		for i, tok := range tokens {
			words = append(words, Word{
				Word:  tok,
				Start: p.Start + float64(i)*wordDur,
				End:   p.Start + float64(i+1)*wordDur,
			})
		}
	}
	return words
}
