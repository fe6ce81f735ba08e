package job

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var (
	// ErrTerminal is returned for any write to a completed or failed job.
	ErrTerminal = errors.New("job is terminal")
	// ErrInvalidTransition is returned for out-of-order state changes.
	ErrInvalidTransition = errors.New("invalid job transition")
)

// Share of overall progress per stage, in percent.
var stageWeight = map[Stage]float64{
	StageNormalizing:  5,
	StageChunking:     5,
	StageTranscribing: 75,
	StageMerging:      5,
	StageMinutes:      10,
}

const (
	etaAlpha        = 0.3
	defaultTail     = 15 * time.Second
	progressCeiling = 99
)

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
	// Tail is the estimated time for merging and minutes, added to the ETA.
	Tail time.Duration
	// OnChange receives a snapshot after every successful mutation. It runs
	// with the tracker locked, so snapshots arrive in mutation order; it must
	// not call back into the tracker.
	OnChange func(Job)
}

// Tracker is the single writer for one Job. All methods are safe for
// concurrent use.
type Tracker struct {
	mu   sync.Mutex
	job  Job
	opts TrackerOptions

	lastChunk time.Time
	interval  float64 // smoothed seconds between chunk completions
}

// NewTracker wraps j, which must be queued.
func NewTracker(j Job, opts TrackerOptions) *Tracker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tail <= 0 {
		opts.Tail = defaultTail
	}
	if j.Warnings == nil {
		j.Warnings = []string{}
	}
	return &Tracker{job: j, opts: opts}
}

// Snapshot returns a copy of the current record. It never mutates.
func (t *Tracker) Snapshot() Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.Clone()
}

// ID returns the job ID.
func (t *Tracker) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.ID
}

// Start moves the job from queued to running.
func (t *Tracker) Start() error {
	return t.mutate(func(j *Job, now time.Time) error {
		if j.Status != StatusQueued {
			return fmt.Errorf("%w: start from %s", ErrInvalidTransition, j.Status)
		}
		j.Status = StatusRunning
		j.StartedAt = &now
		return nil
	})
}

// SetStage advances the running job to stage. Stages never move backward.
func (t *Tracker) SetStage(stage Stage) error {
	return t.mutate(func(j *Job, now time.Time) error {
		if j.Status != StatusRunning {
			return fmt.Errorf("%w: stage %q while %s", ErrInvalidTransition, stage, j.Status)
		}
		if stage == StageDone || stage.rank() < 0 {
			return fmt.Errorf("%w: unknown stage %q", ErrInvalidTransition, stage)
		}
		if stage.rank() < j.Stage.rank() {
			return fmt.Errorf("%w: stage %q after %q", ErrInvalidTransition, stage, j.Stage)
		}
		if stage == StageTranscribing && j.Stage != StageTranscribing {
			t.lastChunk = now
		}
		j.Stage = stage
		j.StageDetail = string(stage)
		if stage == StageTranscribing && j.ChunksTotal > 0 {
			j.StageDetail = fmt.Sprintf("transcribing chunk %d/%d", min(j.ChunksDone+1, j.ChunksTotal), j.ChunksTotal)
		}
		t.raiseProgress(j, stageBase(stage))
		t.updateETA(j, now)
		return nil
	})
}

// SetChunkTotal records how many chunks the job was split into.
func (t *Tracker) SetChunkTotal(n int) error {
	return t.mutate(func(j *Job, now time.Time) error {
		if j.Status != StatusRunning || j.Stage.rank() > StageTranscribing.rank() {
			return fmt.Errorf("%w: chunk total while %s/%s", ErrInvalidTransition, j.Status, j.Stage)
		}
		if n <= 0 || j.ChunksDone > 0 {
			return fmt.Errorf("%w: chunk total %d", ErrInvalidTransition, n)
		}
		j.ChunksTotal = n
		return nil
	})
}

// ChunkDone records one finished chunk. failed marks a chunk that produced an
// error span instead of speech.
func (t *Tracker) ChunkDone(failed bool) error {
	return t.mutate(func(j *Job, now time.Time) error {
		if j.Status != StatusRunning || j.Stage != StageTranscribing {
			return fmt.Errorf("%w: chunk done while %s/%s", ErrInvalidTransition, j.Status, j.Stage)
		}
		if j.ChunksDone >= j.ChunksTotal {
			return fmt.Errorf("%w: %d of %d chunks already done", ErrInvalidTransition, j.ChunksDone, j.ChunksTotal)
		}
		j.ChunksDone++
		if failed {
			j.ChunksFailed++
		}

		observed := now.Sub(t.lastChunk).Seconds()
		if observed < 0 {
			observed = 0
		}
		if j.ChunksDone == 1 {
			t.interval = observed
		} else {
			t.interval = etaAlpha*observed + (1-etaAlpha)*t.interval
		}
		t.lastChunk = now

		j.StageDetail = fmt.Sprintf("transcribing chunk %d/%d", min(j.ChunksDone+1, j.ChunksTotal), j.ChunksTotal)
		if j.ChunksDone == j.ChunksTotal {
			j.StageDetail = fmt.Sprintf("transcribed %d/%d chunks", j.ChunksDone, j.ChunksTotal)
		}
		frac := float64(j.ChunksDone) / float64(j.ChunksTotal)
		t.raiseProgress(j, stageBase(StageTranscribing)+stageWeight[StageTranscribing]*frac)
		t.updateETA(j, now)
		return nil
	})
}

// AddWarning appends a human-readable warning.
func (t *Tracker) AddWarning(msg string) error {
	return t.mutate(func(j *Job, now time.Time) error {
		j.Warnings = append(j.Warnings, msg)
		return nil
	})
}

// SetOutputs records artifact keys and the speaker mode used.
func (t *Tracker) SetOutputs(transcriptKey, minutesKey, speakerMode string) error {
	return t.mutate(func(j *Job, now time.Time) error {
		if transcriptKey != "" {
			j.TranscriptKey = transcriptKey
		}
		if minutesKey != "" {
			j.MinutesKey = minutesKey
		}
		if speakerMode != "" {
			j.SpeakerMode = speakerMode
		}
		return nil
	})
}

// Complete marks a running job completed with progress 100.
func (t *Tracker) Complete() error {
	return t.mutate(func(j *Job, now time.Time) error {
		if j.Status != StatusRunning {
			return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, j.Status)
		}
		j.Status = StatusCompleted
		j.Stage = StageDone
		j.StageDetail = string(StageDone)
		j.Progress = 100
		j.FinishedAt = &now
		zero := 0.0
		j.ETASeconds = &zero
		return nil
	})
}

// Fail moves a queued or running job to error.
func (t *Tracker) Fail(kind ErrorKind, msg string) error {
	return t.mutate(func(j *Job, now time.Time) error {
		fail(j, now, kind, msg)
		return nil
	})
}

var errNotQueued = errors.New("job is not queued")

// FailIfQueued fails the job only if no worker has started it, checked
// under the same lock as Start. It reports whether the job was failed; a
// job that already started is left to its worker.
func (t *Tracker) FailIfQueued(kind ErrorKind, msg string) (bool, error) {
	err := t.mutate(func(j *Job, now time.Time) error {
		if j.Status != StatusQueued {
			return errNotQueued
		}
		fail(j, now, kind, msg)
		return nil
	})
	if errors.Is(err, errNotQueued) {
		return false, nil
	}
	return err == nil, err
}

func fail(j *Job, now time.Time, kind ErrorKind, msg string) {
	j.Status = StatusError
	j.Error = &Error{Kind: kind, Message: msg}
	j.FinishedAt = &now
	zero := 0.0
	j.ETASeconds = &zero
}

func (t *Tracker) mutate(fn func(j *Job, now time.Time) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrTerminal, t.job.ID, t.job.Status)
	}
	now := t.opts.Now().UTC()
	if err := fn(&t.job, now); err != nil {
		return err
	}
	if t.opts.OnChange != nil {
		t.opts.OnChange(t.job.Clone())
	}
	return nil
}

// raiseProgress never lowers progress and keeps it below 100 until Complete.
func (t *Tracker) raiseProgress(j *Job, p float64) {
	p = math.Round(min(p, progressCeiling)*10) / 10
	if p > j.Progress {
		j.Progress = p
	}
}

// updateETA estimates the remaining time from the smoothed chunk interval.
// It stays nil until the first chunk finishes.
func (t *Tracker) updateETA(j *Job, now time.Time) {
	if j.ChunksDone == 0 {
		return
	}
	tail := t.opts.Tail.Seconds()
	var eta float64
	switch j.Stage {
	case StageTranscribing:
		eta = t.interval*float64(j.ChunksTotal-j.ChunksDone) + tail
	default:
		eta = tail - now.Sub(t.lastChunk).Seconds()
	}
	eta = math.Round(max(eta, 0)*10) / 10
	j.ETASeconds = &eta
}

func stageBase(s Stage) float64 {
	var base float64
	for _, st := range stageOrder {
		if st == s {
			return base
		}
		base += stageWeight[st]
	}
	return base
}
