// Package scheduler runs the engine's periodic jobs: the exit monitor,
// protective reconciliation, the orphan sweep, history sync, and retention.
//
// Every job carries an in-progress guard; a tick that would overlap the
// previous run of the same job is skipped instead of queued.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one periodic unit of work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a function to the Job interface.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (j JobFunc) Name() string                  { return j.JobName }
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

// Scheduler supervises the periodic jobs.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		logger: logger.With("component", "scheduler"),
	}
}

// Every registers a job at a fixed interval. Must be called before Start.
func (s *Scheduler) Every(interval time.Duration, job Job) error {
	guard := &sync.Mutex{}
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if !guard.TryLock() {
			s.logger.Warn("previous run still in progress, skipping tick", "job", job.Name())
			return
		}
		defer guard.Unlock()

		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}

		started := time.Now()
		if err := job.Run(ctx); err != nil {
			s.logger.Error("job failed", "job", job.Name(), "error", err)
			return
		}
		s.logger.Debug("job finished", "job", job.Name(), "took", time.Since(started))
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name(), err)
	}
	return nil
}

// Start begins ticking. Jobs receive a context cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
}

// Stop cancels running jobs and waits for the tick loop to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}
