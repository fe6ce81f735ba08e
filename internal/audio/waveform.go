package audio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DefaultSampleRate is the canonical rate every provider receives.
const DefaultSampleRate = 16000

var (
	// ErrUnsupportedFormat means the container or codec could not be decoded.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	// ErrCorruptAudio means decoding produced no audio or failed mid-stream.
	ErrCorruptAudio = errors.New("corrupt audio")
	// ErrSourceMissing means the input file does not exist.
	ErrSourceMissing = errors.New("audio source not found")
	// ErrEmptyAudio means the normalized waveform has zero duration.
	ErrEmptyAudio = errors.New("empty audio")
)

// Waveform is a mono 16-bit PCM signal at a fixed sample rate. A waveform
// opened from disk carries only its header; samples are read window by
// window through a ChunkReader.
type Waveform struct {
	SampleRate int
	NumSamples int
	Path       string  // normalized WAV on disk, "" if built in memory
	Samples    []int16 // in-memory signal, nil when backed by Path
}

// Len returns the number of samples in the waveform.
func (w *Waveform) Len() int {
	if w == nil {
		return 0
	}
	if w.Samples != nil {
		return len(w.Samples)
	}
	return w.NumSamples
}

// Duration returns the waveform length in seconds.
func (w *Waveform) Duration() float64 {
	if w == nil || w.SampleRate == 0 {
		return 0
	}
	return float64(w.Len()) / float64(w.SampleRate)
}

// OpenWAV reads the header of a mono 16-bit WAV file. No samples are
// decoded.
func OpenWAV(path string) (*Waveform, error) {
	f, d, err := openPCM(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	n := d.PCMSize / 2
	if n == 0 {
		return nil, fmt.Errorf("%w: zero-length audio", ErrCorruptAudio)
	}
	return &Waveform{
		SampleRate: int(d.SampleRate),
		NumSamples: n,
		Path:       path,
	}, nil
}

// openPCM opens path and positions a decoder at the start of its PCM data.
func openPCM(path string) (*os.File, *wav.Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open %s: %v", ErrCorruptAudio, filepath.Base(path), err)
	}
	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s is not a valid WAV file", ErrCorruptAudio, filepath.Base(path))
	}
	if d.NumChans != 1 || d.BitDepth != 16 {
		f.Close()
		return nil, nil, fmt.Errorf("%w: expected mono 16-bit, got %d channels %d-bit", ErrUnsupportedFormat, d.NumChans, d.BitDepth)
	}
	if err := d.FwdToPCM(); err != nil || d.PCMChunk == nil {
		f.Close()
		if err == nil {
			err = d.Err()
		}
		return nil, nil, fmt.Errorf("%w: no PCM data: %v", ErrCorruptAudio, err)
	}
	return f, d, nil
}

// ErrChunkOrder is returned when a ChunkReader is asked for a window that
// does not start where the previous one ended.
var ErrChunkOrder = errors.New("chunks must be read in order")

// ChunkReader reads chunk windows from a waveform in index order. It holds
// at most one window, including its overlap, in memory.
type ChunkReader struct {
	w   *Waveform
	f   *os.File
	dec *wav.Decoder
	buf *goaudio.IntBuffer

	pending      []int16 // decoded samples starting at pendingStart
	pendingStart int
	eof          bool
}

// readBlock is how many samples are decoded per read from disk.
const readBlock = 8192

// ChunkReader returns a reader over w. The caller must Close it.
func (w *Waveform) ChunkReader() (*ChunkReader, error) {
	r := &ChunkReader{w: w}
	if w.Samples != nil {
		return r, nil
	}
	f, d, err := openPCM(w.Path)
	if err != nil {
		return nil, err
	}
	r.f, r.dec = f, d
	r.buf = &goaudio.IntBuffer{Data: make([]int, readBlock)}
	return r, nil
}

// Read returns the samples of c's read window (nominal window plus
// overlap). Chunks must be passed in index order starting at zero. The
// returned slice is owned by the caller.
func (r *ChunkReader) Read(c Chunk) ([]int16, error) {
	sr := float64(r.w.SampleRate)
	start := int(math.Round(c.Start * sr))
	end := start + int(math.Round(c.Duration*sr))
	readEnd := min(start+int(math.Round(c.ReadDuration*sr)), r.w.Len())

	if r.w.Samples != nil {
		if start < 0 || start > readEnd {
			return nil, fmt.Errorf("%w: %s outside audio", ErrChunkOrder, c)
		}
		return slices.Clone(r.w.Samples[start:readEnd]), nil
	}

	if start != r.pendingStart {
		return nil, fmt.Errorf("%w: %s starts at sample %d, reader is at %d", ErrChunkOrder, c, start, r.pendingStart)
	}
	for len(r.pending) < readEnd-start && !r.eof {
		if err := r.fill(); err != nil {
			return nil, err
		}
	}
	if len(r.pending) < readEnd-start {
		return nil, fmt.Errorf("%w: %s: audio ended at sample %d", ErrCorruptAudio, c, start+len(r.pending))
	}

	out := slices.Clone(r.pending[:readEnd-start])
	advance := min(end-start, len(r.pending))
	r.pending = slices.Clone(r.pending[advance:])
	r.pendingStart = start + advance
	return out, nil
}

func (r *ChunkReader) fill() error {
	n, err := r.dec.PCMBuffer(r.buf)
	if err != nil {
		return fmt.Errorf("%w: decode: %v", ErrCorruptAudio, err)
	}
	if n == 0 {
		r.eof = true
		return nil
	}
	for _, v := range r.buf.Data[:n] {
		r.pending = append(r.pending, int16(v))
	}
	return nil
}

// Close releases the underlying file.
func (r *ChunkReader) Close() error {
	if r.f == nil {
		return nil
	}
	return r.f.Close()
}

// WriteWAV encodes mono 16-bit samples to path.
func WriteWAV(path string, samples []int16, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}

	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("finalize wav: %w", err)
	}
	return f.Close()
}
