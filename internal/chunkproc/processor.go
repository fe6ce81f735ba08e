// Package chunkproc runs transcription and diarization for one chunk and
// turns their outputs into speaker-labeled segments.
package chunkproc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/snarg/minutes-engine/internal/audio"
	"github.com/snarg/minutes-engine/internal/diarize"
	"github.com/snarg/minutes-engine/internal/job"
	"github.com/snarg/minutes-engine/internal/metrics"
	"github.com/snarg/minutes-engine/internal/provider"
	"github.com/snarg/minutes-engine/internal/transcribe"
	"github.com/snarg/minutes-engine/internal/transcript"
)

// Options configures a Processor.
type Options struct {
	Timeout     time.Duration // per provider call
	MaxRetries  int           // retries after the first attempt
	Backoff     time.Duration // first retry delay
	MaxBackoff  time.Duration
	Language    string
	Prompt      string
	Hotwords    string
	MinSpeakers int
	MaxSpeakers int
	Embeddings  bool // request voice embeddings for cross-chunk matching
}

// Processor is safe for concurrent use by multiple chunk workers.
type Processor struct {
	stt  transcribe.Provider
	dia  diarize.Provider
	opts Options
	log  zerolog.Logger
}

// New creates a Processor with defaults filled in.
func New(stt transcribe.Provider, dia diarize.Provider, opts Options, log zerolog.Logger) *Processor {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.MaxBackoff < opts.Backoff {
		opts.MaxBackoff = 30 * opts.Backoff
	}
	return &Processor{stt: stt, dia: dia, opts: opts, log: log}
}

type attemptResult struct {
	segments   []transcript.Segment
	embeddings map[string][]float32
}

// Process runs both providers on c.Path and returns the chunk's contribution
// to the transcript. It never returns an error: after the retry budget is
// spent the result carries a Failure and a single error span instead.
func (p *Processor) Process(ctx context.Context, c audio.Chunk) transcript.ChunkResult {
	start := time.Now()
	log := p.log.With().Int("chunk", c.Index).Logger()

	res := transcript.ChunkResult{
		Index:        c.Index,
		Start:        c.Start,
		Duration:     c.Duration,
		ReadDuration: c.ReadDuration,
	}

	attempts := 0
	var lastErr error
	op := func() (*attemptResult, error) {
		attempts++
		metrics.ChunkAttemptsTotal.Inc()
		out, err := p.attempt(ctx, c)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !provider.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.Backoff
	b.MaxInterval = p.opts.MaxBackoff

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.opts.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", next).Msg("chunk attempt failed, retrying")
		}),
	)
	metrics.ChunkDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		f := transcript.Failure{
			Kind:     string(job.ClassifyError(lastErr)),
			Message:  lastErr.Error(),
			Attempts: attempts,
		}
		res.Failure = &f
		res.Segments = []transcript.Segment{transcript.ErrorSpan(c.Index, c.Duration, f)}
		metrics.ChunksTotal.WithLabelValues("failed").Inc()
		log.Error().Err(lastErr).Int("attempts", attempts).Str("kind", f.Kind).Msg("chunk failed")
		return res
	}

	res.Segments = out.segments
	res.Embeddings = out.embeddings
	metrics.ChunksTotal.WithLabelValues("ok").Inc()
	log.Debug().
		Int("attempts", attempts).
		Int("segments", len(res.Segments)).
		Dur("took", time.Since(start)).
		Msg("chunk processed")
	return res
}

// attempt calls both providers concurrently. They are independent, so the
// first failure cancels the other call.
func (p *Processor) attempt(ctx context.Context, c audio.Chunk) (*attemptResult, error) {
	if c.Path == "" {
		return nil, backoff.Permanent(fmt.Errorf("%s has no materialized audio", c))
	}

	var (
		stt *transcribe.Response
		dia *diarize.Response
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cctx, cancel := context.WithTimeout(gctx, p.opts.Timeout)
		defer cancel()
		r, err := p.stt.Transcribe(cctx, transcribe.Request{
			AudioPath: c.Path,
			Language:  p.opts.Language,
			Prompt:    p.opts.Prompt,
			Hotwords:  p.opts.Hotwords,
		})
		if err != nil {
			return p.providerError(p.stt.Name(), "transcribe", err)
		}
		stt = r
		return nil
	})
	g.Go(func() error {
		cctx, cancel := context.WithTimeout(gctx, p.opts.Timeout)
		defer cancel()
		r, err := p.dia.Diarize(cctx, diarize.Request{
			AudioPath:   c.Path,
			MinSpeakers: p.opts.MinSpeakers,
			MaxSpeakers: p.opts.MaxSpeakers,
			Embeddings:  p.opts.Embeddings,
		})
		if err != nil {
			return p.providerError(p.dia.Name(), "diarize", err)
		}
		dia = r
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if stt == nil || dia == nil {
		return nil, fmt.Errorf("%w: provider returned no result", provider.ErrUnavailable)
	}

	return &attemptResult{
		segments:   buildSegments(c.Index, stt, dia.Turns),
		embeddings: dia.Embeddings,
	}, nil
}

// providerError normalizes a provider failure. A deadline from our own
// per-call timeout becomes ErrTimeout so it is retried like any other
// transient error.
func (p *Processor) providerError(name, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, provider.ErrTimeout) {
		err = fmt.Errorf("%w: %w", provider.ErrTimeout, err)
	}
	if !errors.Is(err, context.Canceled) {
		metrics.ProviderErrorsTotal.WithLabelValues(name, string(provider.Classify(err))).Inc()
	}
	return fmt.Errorf("%s %s: %w", op, name, err)
}
