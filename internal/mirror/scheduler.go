package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Scheduler runs a job on a cron schedule, one run at a time.
type Scheduler struct {
	expr   string
	job    func(context.Context) error
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler validates expr and returns a Scheduler for job.
func NewScheduler(expr string, job func(context.Context) error, logger *slog.Logger) (*Scheduler, error) {
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	return &Scheduler{expr: expr, job: job, logger: logger}, nil
}

// Run blocks until ctx is cancelled, running the job at each tick.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "cron", s.expr)
	for {
		next, err := gronx.NextTickAfter(s.expr, time.Now(), false)
		if err != nil {
			s.logger.Error("next tick failed", "cron", s.expr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			s.trigger(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// trigger runs the job unless a previous run is still in progress. It
// reports whether the job ran.
func (s *Scheduler) trigger(ctx context.Context) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("previous run still in progress, skipping tick", "cron", s.expr)
		return false
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if err := s.job(ctx); err != nil {
		s.logger.Error("scheduled run failed", "cron", s.expr, "error", err)
	}
	return true
}
