package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

var (
	ffmpegOnce  sync.Once
	ffmpegFound bool
)

// CheckFFmpeg reports whether ffmpeg is in PATH. Checked once per process.
func CheckFFmpeg() bool {
	ffmpegOnce.Do(func() {
		_, err := exec.LookPath("ffmpeg")
		ffmpegFound = err == nil
	})
	return ffmpegFound
}

// Normalizer converts arbitrary input audio into the canonical waveform.
type Normalizer struct {
	FFmpegPath string
	SampleRate int
}

// NewNormalizer returns a Normalizer with defaults filled in.
func NewNormalizer(ffmpegPath string, sampleRate int) *Normalizer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Normalizer{FFmpegPath: ffmpegPath, SampleRate: sampleRate}
}

// Normalize runs ffmpeg on inputPath and writes a mono PCM WAV at the
// configured rate into workDir, then decodes it:
//   - drop video streams
//   - downmix to one channel
//   - resample to SampleRate
//
// The intermediate file is removed on any failure so callers never see
// partial output.
func (n *Normalizer) Normalize(ctx context.Context, inputPath, workDir string) (*Waveform, error) {
	if !isFile(inputPath) {
		return nil, fmt.Errorf("%w: %s", ErrSourceMissing, inputPath)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", workDir, err)
	}

	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	outPath := filepath.Join(workDir, base+"_normalized.wav")

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, n.FFmpegPath,
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-y", "-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(n.SampleRate),
		"-c:a", "pcm_s16le",
		"-f", "wav",
		outPath,
	)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(outPath)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, fmt.Errorf("ffmpeg not runnable: %w", err)
		}
		return nil, classifyFFmpegFailure(stderr.String(), err)
	}

	w, err := OpenWAV(outPath)
	if err != nil {
		os.Remove(outPath)
		return nil, err
	}
	if w.SampleRate != n.SampleRate {
		os.Remove(outPath)
		return nil, fmt.Errorf("%w: ffmpeg produced %d Hz, want %d Hz", ErrCorruptAudio, w.SampleRate, n.SampleRate)
	}
	return w, nil
}

// classifyFFmpegFailure separates "cannot decode this at all" from
// "started decoding and broke".
func classifyFFmpegFailure(stderr string, err error) error {
	msg := strings.TrimSpace(stderr)
	if len(msg) > 300 {
		msg = msg[len(msg)-300:]
	}
	lower := strings.ToLower(msg)
	for _, marker := range []string{"error while decoding", "corrupt", "truncat", "i/o error", "end of file"} {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: ffmpeg: %v: %s", ErrCorruptAudio, err, msg)
		}
	}
	return fmt.Errorf("%w: ffmpeg: %v: %s", ErrUnsupportedFormat, err, msg)
}
