// Package pipeline runs jobs end to end: normalize, chunk, transcribe and
// diarize chunks in a bounded pool, merge, and generate minutes.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/minutes-engine/internal/audio"
	"github.com/snarg/minutes-engine/internal/events"
	"github.com/snarg/minutes-engine/internal/job"
	"github.com/snarg/minutes-engine/internal/minutes"
	"github.com/snarg/minutes-engine/internal/provider"
	"github.com/snarg/minutes-engine/internal/storage"
	"github.com/snarg/minutes-engine/internal/transcript"
)

// NoSpeechWarning is recorded when minutes are skipped for a silent recording.
const NoSpeechWarning = "No conversation detected; minutes skipped"

// Normalizer converts a source file into the canonical waveform.
type Normalizer interface {
	Normalize(ctx context.Context, inputPath, workDir string) (*audio.Waveform, error)
}

// ChunkProcessor turns one chunk into its transcript contribution.
type ChunkProcessor interface {
	Process(ctx context.Context, c audio.Chunk) transcript.ChunkResult
}

// Options configures an Orchestrator.
type Options struct {
	ChunkDuration  time.Duration
	ChunkOverlap   time.Duration
	ChunkWorkers   int
	WorkDir        string // per-job scratch directories are created here
	KeepWorkFiles  bool
	Reconciler     transcript.Reconciler // nil keeps speakers chunk-scoped
	MinutesTimeout time.Duration
}

// Orchestrator drives single jobs. It holds no per-job state and may run
// several jobs at once.
type Orchestrator struct {
	norm      Normalizer
	proc      ChunkProcessor
	gen       minutes.Generator // nil disables minutes
	store     job.Store
	artifacts storage.ArtifactStore
	bus       *events.Bus // may be nil
	opts      Options
	log       zerolog.Logger
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Normalizer Normalizer
	Processor  ChunkProcessor
	Minutes    minutes.Generator
	Store      job.Store
	Artifacts  storage.ArtifactStore
	Bus        *events.Bus
}

// NewOrchestrator creates an Orchestrator with defaults filled in.
func NewOrchestrator(deps Deps, opts Options, log zerolog.Logger) *Orchestrator {
	if opts.ChunkDuration <= 0 {
		opts.ChunkDuration = 60 * time.Second
	}
	if opts.ChunkWorkers < 1 {
		opts.ChunkWorkers = 1
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), "minutes-engine")
	}
	if opts.MinutesTimeout <= 0 {
		opts.MinutesTimeout = 10 * time.Minute
	}
	return &Orchestrator{
		norm:      deps.Normalizer,
		proc:      deps.Processor,
		gen:       deps.Minutes,
		store:     deps.Store,
		artifacts: deps.Artifacts,
		bus:       deps.Bus,
		opts:      opts,
		log:       log.With().Str("component", "orchestrator").Logger(),
	}
}

// errStopped ends a run whose tracker was made terminal by someone else,
// e.g. a cancel that raced with the job starting.
var errStopped = errors.New("job stopped")

// Run drives one job to a terminal state. ctx is the service context: chunks
// already handed to the pool run on it. dispatchCtx is the job's cancel
// signal: once done, no further chunk is dispatched and the job ends as
// cancelled. The returned error is the cause of a failed job; the tracker
// always carries the outcome.
func (o *Orchestrator) Run(ctx, dispatchCtx context.Context, tr *job.Tracker, sourcePath string) error {
	id := tr.ID()
	log := o.log.With().Str("job_id", id).Logger()
	start := time.Now()

	if err := tr.Start(); err != nil {
		return err
	}
	log.Info().Str("source", sourcePath).Msg("job started")

	workDir := filepath.Join(o.opts.WorkDir, id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return o.fail(ctx, dispatchCtx, tr, &job.Error{Kind: job.KindInternal, Message: fmt.Sprintf("create work dir: %v", err)})
	}
	if !o.opts.KeepWorkFiles {
		defer os.RemoveAll(workDir)
	}

	err := o.run(ctx, dispatchCtx, tr, sourcePath, workDir, log)
	if errors.Is(err, errStopped) {
		log.Info().Msg("job stopped externally")
		return nil
	}
	if err != nil {
		return o.fail(ctx, dispatchCtx, tr, err)
	}

	snap := tr.Snapshot()
	log.Info().
		Int("chunks", snap.ChunksTotal).
		Int("chunks_failed", snap.ChunksFailed).
		Int("warnings", len(snap.Warnings)).
		Dur("took", time.Since(start)).
		Msg("job completed")
	return nil
}

func (o *Orchestrator) run(ctx, dispatchCtx context.Context, tr *job.Tracker, sourcePath, workDir string, log zerolog.Logger) error {
	// Normalize
	if err := o.stage(dispatchCtx, tr, job.StageNormalizing); err != nil {
		return err
	}
	wave, err := o.norm.Normalize(dispatchCtx, sourcePath, workDir)
	if err != nil {
		return fmt.Errorf("normalize: %w", err)
	}
	log.Debug().Float64("duration_s", wave.Duration()).Int("sample_rate", wave.SampleRate).Msg("audio normalized")

	// Chunk
	if err := o.stage(dispatchCtx, tr, job.StageChunking); err != nil {
		return err
	}
	chunker := audio.Chunker{Duration: o.opts.ChunkDuration, Overlap: o.opts.ChunkOverlap}
	chunks, err := chunker.Split(wave)
	if err != nil {
		return fmt.Errorf("chunk: %w", err)
	}
	if err := tr.SetChunkTotal(len(chunks)); err != nil {
		return o.trackerErr(err)
	}
	log.Debug().Int("chunks", len(chunks)).Msg("audio chunked")

	reader, err := wave.ChunkReader()
	if err != nil {
		return fmt.Errorf("read normalized audio: %w", err)
	}
	defer reader.Close()
	materialize := func(c audio.Chunk) (audio.Chunk, error) {
		samples, err := reader.Read(c)
		if err != nil {
			return c, err
		}
		return audio.WriteChunk(workDir, c, samples, wave.SampleRate)
	}

	// Transcribe + diarize
	if err := o.stage(dispatchCtx, tr, job.StageTranscribing); err != nil {
		return err
	}
	results, dispatched, err := o.runChunks(ctx, dispatchCtx, tr, chunks, materialize, log)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		if errors.Is(err, audio.ErrCorruptAudio) {
			return fmt.Errorf("chunk: %w", err)
		}
		return &job.Error{Kind: job.KindInternal, Message: fmt.Sprintf("write chunk: %v", err)}
	}
	if dispatchCtx.Err() != nil {
		return &job.Error{Kind: job.KindCancelled, Message: fmt.Sprintf("cancelled after %d of %d chunks dispatched", dispatched, len(chunks))}
	}
	if err := o.checkChunks(tr, results); err != nil {
		return err
	}

	// Merge
	if err := o.stage(dispatchCtx, tr, job.StageMerging); err != nil {
		return err
	}
	merged, err := transcript.Merge(results, transcript.MergeOptions{
		Overlap:    o.opts.ChunkOverlap.Seconds(),
		Reconciler: o.opts.Reconciler,
	})
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	var buf bytes.Buffer
	if _, err := merged.WriteTo(&buf); err != nil {
		return &job.Error{Kind: job.KindInternal, Message: fmt.Sprintf("render transcript: %v", err)}
	}
	transcriptKey := storage.Key(tr.ID(), storage.TranscriptFile)
	if err := o.artifacts.Save(dispatchCtx, transcriptKey, buf.Bytes(), storage.ContentTypeText); err != nil {
		return o.storageErr(dispatchCtx, "save transcript", err)
	}
	if err := tr.SetOutputs(transcriptKey, "", string(merged.SpeakerMode)); err != nil {
		return o.trackerErr(err)
	}
	log.Debug().
		Int("segments", len(merged.Segments)).
		Int("speakers", len(merged.Speakers())).
		Str("speaker_mode", string(merged.SpeakerMode)).
		Msg("transcript stored")

	// Minutes
	if err := o.stage(dispatchCtx, tr, job.StageMinutes); err != nil {
		return err
	}
	minutesKey, err := o.writeMinutes(dispatchCtx, tr, merged)
	if err != nil {
		return err
	}
	if minutesKey != "" {
		if err := tr.SetOutputs("", minutesKey, ""); err != nil {
			return o.trackerErr(err)
		}
	}

	if err := tr.Complete(); err != nil {
		return o.trackerErr(err)
	}
	return nil
}

// runChunks dispatches chunks in index order to at most ChunkWorkers
// concurrent processors and returns the results of every dispatched chunk,
// indexed by chunk index, plus how many were dispatched. Each chunk is
// materialized on disk only once a pool slot is free, and its file is
// removed once processed unless work files are kept. A materialize error
// stops dispatch.
func (o *Orchestrator) runChunks(ctx, dispatchCtx context.Context, tr *job.Tracker, chunks []audio.Chunk,
	materialize func(audio.Chunk) (audio.Chunk, error), log zerolog.Logger) ([]transcript.ChunkResult, int, error) {
	results := make([]transcript.ChunkResult, len(chunks))
	sem := make(chan struct{}, o.opts.ChunkWorkers)
	var wg sync.WaitGroup

	dispatched := 0
	var dispatchErr error
	for _, c := range chunks {
		if !acquire(dispatchCtx, sem) {
			log.Info().Int("dispatched", dispatched).Int("total", len(chunks)).Msg("dispatch cancelled")
			break
		}
		c, err := materialize(c)
		if err != nil {
			<-sem
			dispatchErr = err
			break
		}
		dispatched++
		wg.Add(1)
		go func(c audio.Chunk) {
			defer wg.Done()
			defer func() { <-sem }()

			res := o.proc.Process(ctx, c)
			if !o.opts.KeepWorkFiles {
				os.Remove(c.Path)
			}
			results[c.Index] = res
			o.chunkDone(tr, res, log)
		}(c)
	}
	wg.Wait()
	return results[:dispatched], dispatched, dispatchErr
}

// acquire takes a pool slot unless ctx is done. Cancellation is re-checked
// after the slot is taken so a cancel that happened while the pool was full
// always wins.
func acquire(ctx context.Context, sem chan struct{}) bool {
	select {
	case sem <- struct{}{}:
		if ctx.Err() != nil {
			<-sem
			return false
		}
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) chunkDone(tr *job.Tracker, res transcript.ChunkResult, log zerolog.Logger) {
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.SaveChunk(saveCtx, tr.ID(), res); err != nil {
		log.Warn().Err(err).Int("chunk", res.Index).Msg("failed to persist chunk result")
	}

	if err := tr.ChunkDone(res.Failed()); err != nil {
		log.Warn().Err(err).Int("chunk", res.Index).Msg("tracker rejected chunk completion")
	}

	if o.bus != nil {
		outcome := "ok"
		payload := map[string]any{
			"index":    res.Index,
			"start":    res.Start,
			"duration": res.Duration,
			"segments": len(res.Segments),
		}
		if res.Failed() {
			outcome = "failed"
			payload["error"] = res.Failure
		}
		o.bus.Publish(events.EventData{Type: events.TypeChunk, SubType: outcome, JobID: tr.ID(), Payload: payload})
	}
}

// checkChunks applies the failure policy: failed chunks become warnings, but
// a job with no successful chunk fails with the last chunk's error kind.
func (o *Orchestrator) checkChunks(tr *job.Tracker, results []transcript.ChunkResult) error {
	var failed []transcript.ChunkResult
	for _, r := range results {
		if r.Failed() {
			failed = append(failed, r)
		}
	}
	if len(results) > 0 && len(failed) == len(results) {
		last := failed[len(failed)-1]
		return &job.Error{
			Kind:    job.ErrorKind(last.Failure.Kind),
			Message: fmt.Sprintf("all %d chunks failed; last: %s", len(results), last.Failure.Message),
		}
	}
	for _, r := range failed {
		msg := fmt.Sprintf("chunk %d [%.2f:%.2f] failed: %s", r.Index, r.Start, r.Start+r.Duration, r.Failure)
		if err := tr.AddWarning(msg); err != nil {
			return o.trackerErr(err)
		}
	}
	return nil
}

// writeMinutes generates and stores the minutes document. It returns "" when
// minutes were skipped.
func (o *Orchestrator) writeMinutes(ctx context.Context, tr *job.Tracker, t *transcript.Transcript) (string, error) {
	if !t.HasSpeech() {
		return "", o.trackerErr(tr.AddWarning(NoSpeechWarning))
	}
	if o.gen == nil {
		return "", o.trackerErr(tr.AddWarning("minutes generation disabled"))
	}

	gctx, cancel := context.WithTimeout(ctx, o.opts.MinutesTimeout)
	defer cancel()
	m, err := o.gen.Summarize(gctx, t.ConversationText())
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		kind := job.KindProviderTransient
		if provider.IsFatal(err) {
			kind = job.KindProviderFatal
		}
		return "", &job.Error{Kind: kind, Message: fmt.Sprintf("minutes %s: %v", o.gen.Name(), err)}
	}
	if !m.Structured() {
		if err := tr.AddWarning("minutes response was not structured; stored raw text"); err != nil {
			return "", o.trackerErr(err)
		}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", &job.Error{Kind: job.KindInternal, Message: fmt.Sprintf("encode minutes: %v", err)}
	}
	jsonKey := storage.Key(tr.ID(), storage.MinutesJSONFile)
	if err := o.artifacts.Save(ctx, jsonKey, data, storage.ContentTypeJSON); err != nil {
		return "", o.storageErr(ctx, "save minutes", err)
	}
	mdKey := storage.Key(tr.ID(), storage.MinutesFile)
	if err := o.artifacts.Save(ctx, mdKey, []byte(m.Markdown()), storage.ContentTypeMD); err != nil {
		return "", o.storageErr(ctx, "save minutes", err)
	}
	return mdKey, nil
}

// stage advances the tracker unless the job was cancelled in between.
func (o *Orchestrator) stage(dispatchCtx context.Context, tr *job.Tracker, s job.Stage) error {
	if err := dispatchCtx.Err(); err != nil {
		return err
	}
	return o.trackerErr(tr.SetStage(s))
}

// trackerErr converts tracker rejections: a terminal tracker means another
// writer ended the job, anything else is a defect.
func (o *Orchestrator) trackerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, job.ErrTerminal):
		return errStopped
	default:
		return &job.Error{Kind: job.KindInternal, Message: err.Error()}
	}
}

func (o *Orchestrator) storageErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &job.Error{Kind: job.KindInternal, Message: fmt.Sprintf("%s: %v", op, err)}
}

// fail records err on the tracker. Service shutdown wins over a job cancel,
// which wins over the error's own kind.
func (o *Orchestrator) fail(ctx, dispatchCtx context.Context, tr *job.Tracker, err error) error {
	kind := job.ClassifyError(err)
	msg := err.Error()
	var je *job.Error
	if errors.As(err, &je) {
		msg = je.Message
	}
	switch {
	case ctx.Err() != nil:
		kind, msg = job.KindInterrupted, "service shutting down"
	case dispatchCtx.Err() != nil && kind != job.KindCancelled:
		kind, msg = job.KindCancelled, "cancelled"
	}

	if ferr := tr.Fail(kind, msg); ferr != nil && !errors.Is(ferr, job.ErrTerminal) {
		o.log.Error().Err(ferr).Str("job_id", tr.ID()).Msg("failed to record job failure")
	}
	o.log.Warn().Str("job_id", tr.ID()).Str("kind", string(kind)).Str("detail", msg).Msg("job failed")
	return err
}
