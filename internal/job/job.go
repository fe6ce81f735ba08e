// Package job holds the job record, its state machine, and job storage.
package job

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/snarg/minutes-engine/internal/audio"
	"github.com/snarg/minutes-engine/internal/provider"
	"github.com/snarg/minutes-engine/internal/transcript"
)

// Status is the top-level job state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusError }

// Valid reports whether s is one of the four job states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Stage is the informational sub-state of a running job. Stages only move
// forward.
type Stage string

const (
	StageQueued       Stage = "queued"
	StageNormalizing  Stage = "normalizing"
	StageChunking     Stage = "chunking"
	StageTranscribing Stage = "transcribing"
	StageMerging      Stage = "merging"
	StageMinutes      Stage = "generating minutes"
	StageDone         Stage = "done"
)

var stageOrder = []Stage{StageQueued, StageNormalizing, StageChunking, StageTranscribing, StageMerging, StageMinutes, StageDone}

func (s Stage) rank() int { return slices.Index(stageOrder, s) }

// ErrorKind is the stable failure class shown to clients.
type ErrorKind string

const (
	KindInput             ErrorKind = "input_error"
	KindProviderTransient ErrorKind = ErrorKind(provider.KindTransient)
	KindProviderFatal     ErrorKind = ErrorKind(provider.KindFatal)
	KindInternal          ErrorKind = "internal_error"
	KindCancelled         ErrorKind = "cancelled"
	KindInterrupted       ErrorKind = "interrupted"
)

// Error is the failure recorded on a job.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// ClassifyError maps any pipeline error to a kind.
func ClassifyError(err error) ErrorKind {
	var je *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &je):
		return je.Kind
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, audio.ErrUnsupportedFormat),
		errors.Is(err, audio.ErrCorruptAudio),
		errors.Is(err, audio.ErrSourceMissing),
		errors.Is(err, audio.ErrEmptyAudio),
		errors.Is(err, audio.ErrInvalidOverlap):
		return KindInput
	case errors.Is(err, transcript.ErrInvariantViolation):
		return KindInternal
	case provider.IsFatal(err):
		return KindProviderFatal
	case errors.Is(err, provider.ErrUnavailable),
		errors.Is(err, provider.ErrTimeout),
		errors.Is(err, provider.ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded):
		return KindProviderTransient
	default:
		return KindInternal
	}
}

// Job is the externally visible record of one submission.
type Job struct {
	ID           string     `json:"id"`
	Status       Status     `json:"status"`
	Stage        Stage      `json:"stage"`
	StageDetail  string     `json:"stage_detail,omitempty"`
	Progress     float64    `json:"progress"`
	ChunksTotal  int        `json:"chunks_total"`
	ChunksDone   int        `json:"chunks_done"`
	ChunksFailed int        `json:"chunks_failed"`
	ETASeconds   *float64   `json:"eta_seconds"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Error        *Error     `json:"error,omitempty"`
	Warnings     []string   `json:"warnings"`

	SourcePath    string `json:"source_path"`
	TranscriptKey string `json:"transcript_key,omitempty"`
	MinutesKey    string `json:"minutes_key,omitempty"`
	SpeakerMode   string `json:"speaker_mode,omitempty"`
}

// New returns a queued job for sourcePath.
func New(sourcePath string, now time.Time) Job {
	return Job{
		ID:         uuid.NewString(),
		Status:     StatusQueued,
		Stage:      StageQueued,
		CreatedAt:  now.UTC(),
		Warnings:   []string{},
		SourcePath: sourcePath,
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j Job) Clone() Job {
	c := j
	c.Warnings = append([]string{}, j.Warnings...)
	if j.ETASeconds != nil {
		v := *j.ETASeconds
		c.ETASeconds = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		c.StartedAt = &v
	}
	if j.FinishedAt != nil {
		v := *j.FinishedAt
		c.FinishedAt = &v
	}
	if j.Error != nil {
		v := *j.Error
		c.Error = &v
	}
	return c
}
