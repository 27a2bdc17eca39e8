// Package scheduler enqueues periodic refresh work for projects whose
// refresh interval has elapsed.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pgsage/pgsage/internal/database"
	"github.com/pgsage/pgsage/internal/jobs"
	"github.com/pgsage/pgsage/internal/models"
)

const defaultTick = time.Minute

type Options struct {
	Tick   time.Duration
	Logger *slog.Logger
}

// Scheduler polls for due projects and enqueues refresh jobs for them. The
// queue's uniqueness guarantee makes repeated enqueues of a still-pending
// project harmless.
type Scheduler struct {
	db     database.DB
	queue  *jobs.Queue
	tick   time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func New(db database.DB, queue *jobs.Queue, opts Options) *Scheduler {
	tick := opts.Tick
	if tick <= 0 {
		tick = defaultTick
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{db: db, queue: queue, tick: tick, logger: logger}
}

func (s *Scheduler) Start(parent context.Context) error {
	if s == nil || s.db == nil || s.queue == nil {
		return fmt.Errorf("scheduler is not configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.started = true

	go s.run(ctx, done)
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.started = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		s.enqueueDue(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// enqueueDue is one scheduling pass. Failures are logged and retried on
// the next tick rather than stopping the loop.
func (s *Scheduler) enqueueDue(ctx context.Context) {
	projects, err := s.db.ListDueProjects(ctx, time.Now().UTC())
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("scheduler: listing due projects failed", "error", err)
		}
		return
	}

	for _, p := range projects {
		if _, err := s.queue.Enqueue(ctx, p.ID, models.RefreshJobTypeSchema); err != nil {
			s.logger.Warn("scheduler: enqueue schema refresh failed", "project_id", p.ID, "error", err)
			continue
		}
		if p.HasRepo() {
			if _, err := s.queue.Enqueue(ctx, p.ID, models.RefreshJobTypeCodeScan); err != nil {
				s.logger.Warn("scheduler: enqueue code scan failed", "project_id", p.ID, "error", err)
			}
		}
		s.logger.Info("scheduler: refresh enqueued", "project_id", p.ID, "project", p.Name)
	}
}
