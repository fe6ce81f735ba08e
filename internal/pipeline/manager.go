package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/minutes-engine/internal/audio"
	"github.com/snarg/minutes-engine/internal/events"
	"github.com/snarg/minutes-engine/internal/job"
	"github.com/snarg/minutes-engine/internal/metrics"
	"github.com/snarg/minutes-engine/internal/transcript"
)

var (
	// ErrQueueFull is returned by Submit when the job queue is at capacity.
	ErrQueueFull = errors.New("job queue is full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("job manager stopped")
)

// Runner drives one job. *Orchestrator implements it.
type Runner interface {
	Run(ctx, dispatchCtx context.Context, tr *job.Tracker, sourcePath string) error
}

// QueueStats reports the current state of the job queue.
type QueueStats struct {
	Queued    int   `json:"queued"`
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Workers   int   `json:"workers"`
}

// ManagerOptions configures the job manager.
type ManagerOptions struct {
	Runner    Runner
	Store     job.Store
	Bus       *events.Bus // may be nil
	Workers   int
	QueueSize int
	UploadDir string // relative submissions resolve here first
	InboxDir  string
	ETATail   time.Duration // tracker estimate for merging and minutes
	Now       func() time.Time
	Log       zerolog.Logger
}

// Manager owns the job queue and the workers that drain it.
type Manager struct {
	queue  chan string
	opts   ManagerOptions
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  map[string]*activeJob
	stopped bool

	completed atomic.Int64
	failed    atomic.Int64
}

// activeJob is a queued or running job.
type activeJob struct {
	tracker  *job.Tracker
	dispatch context.Context
	cancel   context.CancelFunc
}

// NewManager creates a job manager. Call Recover and Start before use.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 16
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		queue:  make(chan string, opts.QueueSize),
		opts:   opts,
		log:    opts.Log.With().Str("component", "job-manager").Logger(),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]*activeJob),
	}
}

// Recover marks jobs left queued or running by a previous process as
// interrupted, so their status after a restart is accurate.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	jobs, err := m.opts.Store.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}
	for _, j := range jobs {
		tr := m.newTracker(j)
		if err := tr.Fail(job.KindInterrupted, "service restarted while the job was "+string(j.Status)); err != nil {
			return 0, fmt.Errorf("mark job %s interrupted: %w", j.ID, err)
		}
	}
	if len(jobs) > 0 {
		m.log.Warn().Int("jobs", len(jobs)).Msg("marked unfinished jobs from a previous run as interrupted")
	}
	return len(jobs), nil
}

// Start launches the worker goroutines.
func (m *Manager) Start() {
	for i := range m.opts.Workers {
		m.wg.Add(1)
		go m.worker(i)
	}
	m.log.Info().Int("workers", m.opts.Workers).Int("queue_size", m.opts.QueueSize).Msg("job workers started")
}

// Stop rejects new submissions, interrupts running jobs, and waits for the
// workers to exit. Jobs still queued end as interrupted.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.queue)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.log.Info().
		Int64("completed", m.completed.Load()).
		Int64("failed", m.failed.Load()).
		Msg("job workers stopped")
}

// Submit queues a job for sourcePath. Relative paths resolve against the
// upload and inbox directories.
func (m *Manager) Submit(ctx context.Context, sourcePath string) (job.Job, error) {
	resolved := audio.ResolveFile(m.opts.UploadDir, m.opts.InboxDir, sourcePath)
	if resolved == "" {
		return job.Job{}, fmt.Errorf("%w: %s", audio.ErrSourceMissing, sourcePath)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return job.Job{}, ErrStopped
	}
	// Only Submit sends, under mu, so a free slot stays free until the send.
	if len(m.queue) >= cap(m.queue) {
		return job.Job{}, ErrQueueFull
	}

	j := job.New(resolved, m.opts.Now())
	if err := m.opts.Store.SaveJob(ctx, j); err != nil {
		return job.Job{}, fmt.Errorf("save job: %w", err)
	}
	m.publish(j)

	dispatch, cancel := context.WithCancel(m.ctx)
	m.active[j.ID] = &activeJob{tracker: m.newTracker(j), dispatch: dispatch, cancel: cancel}
	m.queue <- j.ID

	m.log.Info().Str("job_id", j.ID).Str("source", resolved).Msg("job queued")
	return j, nil
}

// Get returns the current record for id. It never mutates the job.
func (m *Manager) Get(ctx context.Context, id string) (job.Job, error) {
	m.mu.Lock()
	a, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		return a.tracker.Snapshot(), nil
	}
	return m.opts.Store.GetJob(ctx, id)
}

// List returns the newest jobs first, optionally only those in statuses.
func (m *Manager) List(ctx context.Context, limit int, statuses ...job.Status) ([]job.Job, error) {
	return m.opts.Store.ListJobs(ctx, limit, statuses...)
}

// Chunks returns the persisted chunk results of job id in index order.
func (m *Manager) Chunks(ctx context.Context, id string) ([]transcript.ChunkResult, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.opts.Store.ListChunks(ctx, id)
}

// Cancel stops dispatching new chunks for id. A queued job ends at once; a
// running job ends after its in-flight chunks finish. Cancelling a finished
// job returns job.ErrTerminal.
func (m *Manager) Cancel(ctx context.Context, id string) (job.Job, error) {
	m.mu.Lock()
	a, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		j, err := m.opts.Store.GetJob(ctx, id)
		if err != nil {
			return job.Job{}, err
		}
		return j, fmt.Errorf("%w: job %s is %s", job.ErrTerminal, id, j.Status)
	}

	a.cancel()
	if _, err := a.tracker.FailIfQueued(job.KindCancelled, "cancelled while queued"); err != nil && !errors.Is(err, job.ErrTerminal) {
		return job.Job{}, err
	}
	m.log.Info().Str("job_id", id).Msg("job cancel requested")
	return a.tracker.Snapshot(), nil
}

// Stats returns current queue statistics.
func (m *Manager) Stats() QueueStats {
	m.mu.Lock()
	active := len(m.active)
	m.mu.Unlock()
	queued := len(m.queue)
	return QueueStats{
		Queued:    queued,
		Active:    max(active-queued, 0),
		Completed: m.completed.Load(),
		Failed:    m.failed.Load(),
		Workers:   m.opts.Workers,
	}
}

// QueuedJobs, ActiveJobs and SubscriberCount feed the metrics collector.
func (m *Manager) QueuedJobs() int { return m.Stats().Queued }
func (m *Manager) ActiveJobs() int { return m.Stats().Active }
func (m *Manager) SubscriberCount() int {
	if m.opts.Bus == nil {
		return 0
	}
	return m.opts.Bus.SubscriberCount()
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	log := m.log.With().Int("worker", id).Logger()

	for jobID := range m.queue {
		m.mu.Lock()
		a := m.active[jobID]
		m.mu.Unlock()
		if a == nil {
			continue
		}
		m.runJob(log, jobID, a)
	}
}

func (m *Manager) runJob(log zerolog.Logger, jobID string, a *activeJob) {
	defer func() {
		a.cancel()
		m.mu.Lock()
		delete(m.active, jobID)
		m.mu.Unlock()
	}()

	snap := a.tracker.Snapshot()
	switch {
	case snap.Status.Terminal():
		// Cancelled while queued.
	case m.ctx.Err() != nil:
		if err := a.tracker.Fail(job.KindInterrupted, "service stopped before the job ran"); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Msg("failed to mark queued job interrupted")
		}
	default:
		start := time.Now()
		if err := m.opts.Runner.Run(m.ctx, a.dispatch, a.tracker, snap.SourcePath); err != nil {
			log.Debug().Err(err).Str("job_id", jobID).Msg("job run returned error")
		}
		metrics.JobDuration.Observe(time.Since(start).Seconds())
	}

	final := a.tracker.Snapshot()
	if !final.Status.Terminal() {
		// A runner must always finish the job; treat anything else as a defect.
		_ = a.tracker.Fail(job.KindInternal, "job ended without a terminal state")
		final = a.tracker.Snapshot()
	}
	metrics.JobsTotal.WithLabelValues(string(final.Status)).Inc()
	if final.Status == job.StatusCompleted {
		m.completed.Add(1)
	} else {
		m.failed.Add(1)
	}
}

// newTracker wires persistence and events into every job mutation.
func (m *Manager) newTracker(j job.Job) *job.Tracker {
	return job.NewTracker(j, job.TrackerOptions{
		Now:      m.opts.Now,
		Tail:     m.opts.ETATail,
		OnChange: m.onChange,
	})
}

// onChange runs under the tracker lock, so saves and events keep mutation
// order.
func (m *Manager) onChange(j job.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.opts.Store.SaveJob(ctx, j); err != nil {
		m.log.Error().Err(err).Str("job_id", j.ID).Msg("failed to persist job")
	}
	m.publish(j)
}

func (m *Manager) publish(j job.Job) {
	if m.opts.Bus == nil {
		return
	}
	m.opts.Bus.Publish(events.EventData{
		Type:    events.TypeJob,
		SubType: string(j.Status),
		JobID:   j.ID,
		Payload: j,
	})
}
