package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrInvalidOverlap is returned when the overlap is negative or not shorter
// than the chunk duration.
var ErrInvalidOverlap = errors.New("invalid chunk overlap")

// Chunk is one fixed-duration window of the normalized waveform.
// Start and Duration describe the nominal window on the global timeline;
// ReadDuration additionally covers the trailing overlap that was read to
// avoid cutting words at the boundary.
type Chunk struct {
	Index        int
	Start        float64
	Duration     float64
	ReadDuration float64
	Path         string
}

// End returns the nominal end of the chunk on the global timeline.
func (c Chunk) End() float64 { return c.Start + c.Duration }

// String returns a human-readable representation for logging.
func (c Chunk) String() string {
	return fmt.Sprintf("chunk %d: %.2f-%.2f", c.Index, c.Start, c.End())
}

// Chunker splits a waveform into windows of Duration, each reading an extra
// Overlap past its nominal end.
type Chunker struct {
	Duration time.Duration
	Overlap  time.Duration
}

// Split cuts w into chunks. Start offsets are index*Duration; the last chunk
// is shorter when the audio does not divide evenly and is never padded.
// Only the windows are computed; samples are read later through a
// ChunkReader.
func (c Chunker) Split(w *Waveform) ([]Chunk, error) {
	if w.Len() == 0 || w.SampleRate <= 0 {
		return nil, ErrEmptyAudio
	}
	if c.Duration <= 0 {
		return nil, fmt.Errorf("chunk duration must be positive, got %v", c.Duration)
	}
	if c.Overlap < 0 || c.Overlap >= c.Duration {
		return nil, fmt.Errorf("%w: overlap %v, duration %v", ErrInvalidOverlap, c.Overlap, c.Duration)
	}

	sr := float64(w.SampleRate)
	per := int(c.Duration.Seconds() * sr)
	extra := int(c.Overlap.Seconds() * sr)
	if per <= 0 {
		return nil, fmt.Errorf("chunk duration %v is shorter than one sample", c.Duration)
	}

	n := w.Len()
	chunks := make([]Chunk, 0, (n+per-1)/per)
	for i, start := 0, 0; start < n; i, start = i+1, start+per {
		end := min(start+per, n)
		readEnd := min(end+extra, n)
		chunks = append(chunks, Chunk{
			Index:        i,
			Start:        float64(start) / sr,
			Duration:     float64(end-start) / sr,
			ReadDuration: float64(readEnd-start) / sr,
		})
	}
	return chunks, nil
}

// WriteChunk materializes a chunk's samples (including overlap) as a WAV
// file in dir and returns a copy of the chunk with Path set.
func WriteChunk(dir string, c Chunk, samples []int16, sampleRate int) (Chunk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return c, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("chunk_%04d.wav", c.Index))
	if err := WriteWAV(path, samples, sampleRate); err != nil {
		return c, fmt.Errorf("write %s: %w", c, err)
	}
	c.Path = path
	return c, nil
}
