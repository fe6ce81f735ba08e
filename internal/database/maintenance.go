package database

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Maintenance purges finished jobs past their retention on a daily schedule.
// It runs once on Start so a long downtime does not delay the first purge.
type Maintenance struct {
	store     *JobStore
	retention time.Duration
	interval  time.Duration
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewMaintenance returns a purge loop for store. A zero retention keeps jobs
// forever and makes Start a no-op.
func NewMaintenance(store *JobStore, retention time.Duration, log zerolog.Logger) *Maintenance {
	return &Maintenance{
		store:     store,
		retention: retention,
		interval:  24 * time.Hour,
		log:       log.With().Str("task", "maintenance").Logger(),
		stop:      make(chan struct{}),
	}
}

func (m *Maintenance) Start() {
	if m.retention <= 0 {
		return
	}
	go m.loop()
}

func (m *Maintenance) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Maintenance) loop() {
	m.run()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.run()
		}
	}
}

func (m *Maintenance) run() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	ids, err := m.store.PurgeFinishedJobs(ctx, m.retention)
	if err != nil {
		m.log.Warn().Err(err).Msg("job purge failed")
		return
	}
	if len(ids) > 0 {
		m.log.Info().
			Int("deleted", len(ids)).
			Dur("retention", m.retention).
			Dur("elapsed", time.Since(start)).
			Msg("purged finished jobs")
	}
}
