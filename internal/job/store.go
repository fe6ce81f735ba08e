package job

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/snarg/minutes-engine/internal/transcript"
)

// ErrNotFound is returned when a job ID is unknown.
var ErrNotFound = errors.New("job not found")

// Store persists job records and per-chunk results as they complete.
type Store interface {
	SaveJob(ctx context.Context, j Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	// ListJobs returns the newest jobs first, restricted to statuses when
	// any are given. The limit applies after filtering; limit <= 0 means no
	// limit.
	ListJobs(ctx context.Context, limit int, statuses ...Status) ([]Job, error)
	// ListUnfinished returns jobs persisted in a non-terminal state.
	ListUnfinished(ctx context.Context) ([]Job, error)
	SaveChunk(ctx context.Context, jobID string, r transcript.ChunkResult) error
	ListChunks(ctx context.Context, jobID string) ([]transcript.ChunkResult, error)
}

// MemoryStore is a Store for single-process use without a database.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]Job
	chunks map[string]map[int]transcript.ChunkResult
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]Job),
		chunks: make(map[string]map[int]transcript.ChunkResult),
	}
}

func (m *MemoryStore) SaveJob(_ context.Context, j Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryStore) ListJobs(_ context.Context, limit int, statuses ...Status) ([]Job, error) {
	m.mu.RLock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if len(statuses) > 0 && !slices.Contains(statuses, j.Status) {
			continue
		}
		out = append(out, j.Clone())
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListUnfinished(_ context.Context) ([]Job, error) {
	m.mu.RLock()
	var out []Job
	for _, j := range m.jobs {
		if !j.Status.Terminal() {
			out = append(out, j.Clone())
		}
	}
	m.mu.RUnlock()
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) SaveChunk(_ context.Context, jobID string, r transcript.ChunkResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chunks[jobID] == nil {
		m.chunks[jobID] = make(map[int]transcript.ChunkResult)
	}
	m.chunks[jobID][r.Index] = r
	return nil
}

func (m *MemoryStore) ListChunks(_ context.Context, jobID string) ([]transcript.ChunkResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]transcript.ChunkResult, 0, len(m.chunks[jobID]))
	for _, r := range m.chunks[jobID] {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b transcript.ChunkResult) int { return a.Index - b.Index })
	return out, nil
}

func sortNewestFirst(jobs []Job) {
	slices.SortFunc(jobs, func(a, b Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
