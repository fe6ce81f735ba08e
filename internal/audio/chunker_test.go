package audio

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"
)

func silence(seconds float64, sampleRate int) *Waveform {
	return &Waveform{
		SampleRate: sampleRate,
		Samples:    make([]int16, int(seconds*float64(sampleRate))),
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestChunkerSplit(t *testing.T) {
	t.Run("150s_into_60s_windows", func(t *testing.T) {
		chunks, err := Chunker{Duration: 60 * time.Second}.Split(silence(150, 16000))
		if err != nil {
			t.Fatalf("Split: %v", err)
		}
		wantStart := []float64{0, 60, 120}
		wantDur := []float64{60, 60, 30}
		if len(chunks) != 3 {
			t.Fatalf("got %d chunks, want 3", len(chunks))
		}
		for i, c := range chunks {
			if c.Index != i {
				t.Errorf("chunk %d: Index = %d", i, c.Index)
			}
			if !approx(c.Start, wantStart[i]) {
				t.Errorf("chunk %d: Start = %f, want %f", i, c.Start, wantStart[i])
			}
			if !approx(c.Duration, wantDur[i]) {
				t.Errorf("chunk %d: Duration = %f, want %f", i, c.Duration, wantDur[i])
			}
		}
	})

	t.Run("short_recording_single_chunk", func(t *testing.T) {
		chunks, err := Chunker{Duration: 60 * time.Second}.Split(silence(10, 16000))
		if err != nil {
			t.Fatalf("Split: %v", err)
		}
		if len(chunks) != 1 {
			t.Fatalf("got %d chunks, want 1", len(chunks))
		}
		if !approx(chunks[0].Duration, 10) {
			t.Errorf("Duration = %f, want 10", chunks[0].Duration)
		}
		if !approx(chunks[0].ReadDuration, 10) {
			t.Errorf("ReadDuration = %f, want 10", chunks[0].ReadDuration)
		}
	})

	t.Run("exact_multiple_has_no_empty_tail", func(t *testing.T) {
		chunks, err := Chunker{Duration: 30 * time.Second}.Split(silence(120, 8000))
		if err != nil {
			t.Fatalf("Split: %v", err)
		}
		if len(chunks) != 4 {
			t.Fatalf("got %d chunks, want 4", len(chunks))
		}
	})

	t.Run("empty_audio", func(t *testing.T) {
		_, err := Chunker{Duration: time.Minute}.Split(&Waveform{SampleRate: 16000})
		if !errors.Is(err, ErrEmptyAudio) {
			t.Errorf("err = %v, want ErrEmptyAudio", err)
		}
	})

	t.Run("overlap_not_shorter_than_duration", func(t *testing.T) {
		_, err := Chunker{Duration: time.Second, Overlap: time.Second}.Split(silence(5, 8000))
		if !errors.Is(err, ErrInvalidOverlap) {
			t.Errorf("err = %v, want ErrInvalidOverlap", err)
		}
	})
}

// The nominal windows must tile [0, L) exactly for any duration/length pair,
// and overlap may only extend a window by the configured amount.
func TestChunkerCoverage(t *testing.T) {
	const sr = 1000
	for _, dur := range []time.Duration{time.Second, 7 * time.Second, 60 * time.Second} {
		for _, length := range []float64{0.5, 1, 6.999, 7, 59.5, 61, 150, 301.25} {
			for _, overlap := range []time.Duration{0, dur / 4} {
				w := silence(length, sr)
				chunks, err := Chunker{Duration: dur, Overlap: overlap}.Split(w)
				if err != nil {
					t.Fatalf("dur=%v len=%v: %v", dur, length, err)
				}
				cursor := 0.0
				for i, c := range chunks {
					if !approx(c.Start, cursor) {
						t.Fatalf("dur=%v len=%v chunk %d: gap or double coverage, start %f want %f", dur, length, i, c.Start, cursor)
					}
					if c.Duration <= 0 || c.Duration > dur.Seconds()+1e-9 {
						t.Fatalf("dur=%v len=%v chunk %d: bad duration %f", dur, length, i, c.Duration)
					}
					extra := c.ReadDuration - c.Duration
					if extra < -1e-9 || extra > overlap.Seconds()+1e-9 {
						t.Fatalf("dur=%v len=%v chunk %d: read overhang %f exceeds overlap %v", dur, length, i, extra, overlap)
					}
					if c.Start+c.ReadDuration > w.Duration()+1e-9 {
						t.Fatalf("chunk %d reads past end of audio", i)
					}
					cursor += c.Duration
				}
				if !approx(cursor, w.Duration()) {
					t.Fatalf("dur=%v len=%v: union ends at %f, want %f", dur, length, cursor, w.Duration())
				}
			}
		}
	}
}

func TestChunkerOverlapReadsPastBoundary(t *testing.T) {
	chunks, err := Chunker{Duration: 60 * time.Second, Overlap: 2 * time.Second}.Split(silence(150, 100))
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if !approx(chunks[0].ReadDuration, 62) || !approx(chunks[1].ReadDuration, 62) {
		t.Errorf("ReadDuration = %f, %f; want 62, 62", chunks[0].ReadDuration, chunks[1].ReadDuration)
	}
	if !approx(chunks[2].ReadDuration, 30) {
		t.Errorf("last chunk ReadDuration = %f, want 30", chunks[2].ReadDuration)
	}
	if !approx(chunks[1].Start, 60) {
		t.Errorf("overlap must not shift indexing: chunk 1 start = %f", chunks[1].Start)
	}
}

func TestWriteChunk(t *testing.T) {
	dir := t.TempDir()
	w := silence(3, 8000)
	for i := range w.Samples {
		w.Samples[i] = int16(i % 1000)
	}
	chunks, err := Chunker{Duration: 2 * time.Second}.Split(w)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	samples := w.Samples[16000:]
	c, err := WriteChunk(filepath.Join(dir, "chunks"), chunks[1], samples, w.SampleRate)
	if err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if chunks[1].Path != "" {
		t.Error("WriteChunk must not mutate its input")
	}
	if filepath.Base(c.Path) != "chunk_0001.wav" {
		t.Errorf("Path = %s", c.Path)
	}
	got := readAll(t, c.Path)
	if len(got) != len(samples) {
		t.Fatalf("read %d samples, want %d", len(got), len(samples))
	}
	if got[10] != samples[10] {
		t.Errorf("sample 10 = %d, want %d", got[10], samples[10])
	}
}
