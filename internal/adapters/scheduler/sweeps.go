package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// SweepFunc runs one batch sweep
type SweepFunc func(ctx context.Context) error

// AddSweep runs fn every interval. A sweep that is still running when the
// next tick arrives skips that tick.
func (s *Scheduler) AddSweep(name string, every time.Duration, fn SweepFunc) error {
	if every <= 0 {
		return fmt.Errorf("sweep %s: interval must be positive", name)
	}

	job, err := s.cron.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(s.runSweep, name, fn),
		gocron.WithName(name),
		gocron.WithTags("sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create %s sweep: %w", name, err)
	}

	s.mu.Lock()
	s.sweeps[name] = job
	s.mu.Unlock()

	s.logger.Info("Registered sweep", zap.String("sweep", name), zap.Duration("interval", every))
	return nil
}

// RunSweepNow triggers a registered sweep outside its schedule
func (s *Scheduler) RunSweepNow(name string) error {
	s.mu.RLock()
	job, ok := s.sweeps[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown sweep %s", name)
	}
	return job.RunNow()
}

func (s *Scheduler) runSweep(name string, fn SweepFunc) {
	ctx, cancel := s.cfg.Timeouts.SweepContext(context.Background())
	defer cancel()

	started := time.Now()
	if err := fn(ctx); err != nil {
		s.logger.Error("Sweep failed",
			zap.String("sweep", name),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("Sweep finished",
		zap.String("sweep", name),
		zap.Duration("elapsed", time.Since(started)),
	)
}
