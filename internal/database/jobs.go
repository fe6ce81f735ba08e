package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/snarg/minutes-engine/internal/job"
	"github.com/snarg/minutes-engine/internal/transcript"
)

// JobStore implements job.Store on PostgreSQL.
type JobStore struct {
	db *DB
}

// NewJobStore returns a job.Store backed by db. Call db.Migrate first.
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

var _ job.Store = (*JobStore)(nil)

const jobColumns = `id, status, stage, stage_detail, progress,
	chunks_total, chunks_done, chunks_failed, eta_seconds,
	created_at, started_at, finished_at, error_kind, error_message,
	warnings, source_path, transcript_key, minutes_key, speaker_mode`

// SaveJob upserts the full job record.
func (s *JobStore) SaveJob(ctx context.Context, j job.Job) error {
	warnings, err := json.Marshal(j.Warnings)
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}
	var errKind, errMsg *string
	if j.Error != nil {
		k := string(j.Error.Kind)
		errKind, errMsg = &k, &j.Error.Message
	}

	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, now())
		ON CONFLICT (id) DO UPDATE SET
			status         = EXCLUDED.status,
			stage          = EXCLUDED.stage,
			stage_detail   = EXCLUDED.stage_detail,
			progress       = EXCLUDED.progress,
			chunks_total   = EXCLUDED.chunks_total,
			chunks_done    = EXCLUDED.chunks_done,
			chunks_failed  = EXCLUDED.chunks_failed,
			eta_seconds    = EXCLUDED.eta_seconds,
			started_at     = EXCLUDED.started_at,
			finished_at    = EXCLUDED.finished_at,
			error_kind     = EXCLUDED.error_kind,
			error_message  = EXCLUDED.error_message,
			warnings       = EXCLUDED.warnings,
			transcript_key = EXCLUDED.transcript_key,
			minutes_key    = EXCLUDED.minutes_key,
			speaker_mode   = EXCLUDED.speaker_mode,
			updated_at     = now()`,
		j.ID, string(j.Status), string(j.Stage), j.StageDetail, j.Progress,
		j.ChunksTotal, j.ChunksDone, j.ChunksFailed, j.ETASeconds,
		j.CreatedAt, j.StartedAt, j.FinishedAt, errKind, errMsg,
		warnings, j.SourcePath, j.TranscriptKey, j.MinutesKey, j.SpeakerMode,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

func (s *JobStore) GetJob(ctx context.Context, id string) (job.Job, error) {
	row := s.db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return job.Job{}, job.ErrNotFound
	}
	return j, err
}

func (s *JobStore) ListJobs(ctx context.Context, limit int, statuses ...job.Status) ([]job.Job, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	var filter any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		filter = names
	}
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE $2::text[] IS NULL OR status = ANY($2)
		ORDER BY created_at DESC, id LIMIT $1`, lim, filter)
}

func (s *JobStore) ListUnfinished(ctx context.Context) ([]job.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('queued', 'running')
		ORDER BY created_at DESC, id`)
}

// SaveChunk upserts one chunk result. The job row must exist.
func (s *JobStore) SaveChunk(ctx context.Context, jobID string, r transcript.ChunkResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode chunk %d: %w", r.Index, err)
	}
	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO chunk_results (job_id, chunk_index, start_s, duration_s, failed, result)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id, chunk_index) DO UPDATE SET
			start_s    = EXCLUDED.start_s,
			duration_s = EXCLUDED.duration_s,
			failed     = EXCLUDED.failed,
			result     = EXCLUDED.result`,
		jobID, r.Index, r.Start, r.Duration, r.Failed(), data,
	)
	if err != nil {
		return fmt.Errorf("save chunk %d of job %s: %w", r.Index, jobID, err)
	}
	return nil
}

func (s *JobStore) ListChunks(ctx context.Context, jobID string) ([]transcript.ChunkResult, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT result FROM chunk_results WHERE job_id = $1 ORDER BY chunk_index`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []transcript.ChunkResult
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r transcript.ChunkResult
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode chunk result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PurgeFinishedJobs deletes terminal jobs that finished before now-retention,
// together with their chunk results. It returns the deleted job IDs.
func (s *JobStore) PurgeFinishedJobs(ctx context.Context, retention time.Duration) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'error') AND finished_at < now() - $1::interval
		RETURNING id`, retention.String())
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *JobStore) queryJobs(ctx context.Context, sql string, args ...any) ([]job.Job, error) {
	rows, err := s.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []job.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (job.Job, error) {
	var (
		j               job.Job
		status, stage   string
		errKind, errMsg *string
		warnings        []byte
	)
	err := row.Scan(
		&j.ID, &status, &stage, &j.StageDetail, &j.Progress,
		&j.ChunksTotal, &j.ChunksDone, &j.ChunksFailed, &j.ETASeconds,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt, &errKind, &errMsg,
		&warnings, &j.SourcePath, &j.TranscriptKey, &j.MinutesKey, &j.SpeakerMode,
	)
	if err != nil {
		return job.Job{}, err
	}
	j.Status = job.Status(status)
	j.Stage = job.Stage(stage)
	if errKind != nil {
		j.Error = &job.Error{Kind: job.ErrorKind(*errKind)}
		if errMsg != nil {
			j.Error.Message = *errMsg
		}
	}
	j.Warnings = []string{}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &j.Warnings); err != nil {
			return job.Job{}, fmt.Errorf("decode warnings of job %s: %w", j.ID, err)
		}
	}
	j.CreatedAt = j.CreatedAt.UTC()
	return j, nil
}
