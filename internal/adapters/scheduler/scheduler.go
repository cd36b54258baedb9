// Package scheduler runs billing hooks in-process on gocron. One-time jobs
// back ports.Scheduler; periodic jobs drive the renewal, end and retry sweeps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/pkg/resilience"
	"github.com/kevin07696/recurring-billing/pkg/timeutil"
	"go.uber.org/zap"
)

// Config tunes hook dispatch
type Config struct {
	// MaxAttempts bounds how often a hook is tried when it fails transiently.
	MaxAttempts int
	Backoff     resilience.BackoffStrategy
	Timeouts    *resilience.TimeoutConfig

	// Clock is the billing clock hook times are read against. Jobs fire once
	// the remaining delay has passed on the wall clock.
	Clock timeutil.Clock
}

// DefaultConfig returns the dispatch settings used in production
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Backoff:     resilience.HookBackoff(),
		Timeouts:    resilience.DefaultTimeoutConfig(),
		Clock:       timeutil.SystemClock{},
	}
}

type scheduledHook struct {
	at   time.Time
	hook string
	args map[string]string
}

// Scheduler implements ports.Scheduler with gocron one-time jobs.
// Jobs live in memory; anything lost on restart is picked up by the sweeps.
type Scheduler struct {
	cron   gocron.Scheduler
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	handler ports.HookHandler
	pending map[uuid.UUID]scheduledHook
	sweeps  map[string]gocron.Job
}

var _ ports.Scheduler = (*Scheduler)(nil)

// NewScheduler creates a scheduler. Call Bind before Start.
func NewScheduler(cfg Config, logger *zap.Logger) (*Scheduler, error) {
	defaults := DefaultConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.Backoff == nil {
		cfg.Backoff = defaults.Backoff
	}
	if cfg.Timeouts == nil {
		cfg.Timeouts = defaults.Timeouts
	}
	if cfg.Clock == nil {
		cfg.Clock = defaults.Clock
	}

	cron, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Scheduler{
		cron:    cron,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[uuid.UUID]scheduledHook),
		sweeps:  make(map[string]gocron.Job),
	}, nil
}

// Bind sets the handler hooks are dispatched to. The engine needs the
// scheduler to be built, so the handler is attached afterwards.
func (s *Scheduler) Bind(handler ports.HookHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Start starts running jobs
func (s *Scheduler) Start() {
	s.logger.Info("Starting billing scheduler",
		zap.Int("pending_hooks", s.Pending()),
		zap.Int("sweeps", len(s.sweeps)),
	)
	s.cron.Start()
}

// Shutdown stops the scheduler and waits for running jobs
func (s *Scheduler) Shutdown() error {
	s.logger.Info("Stopping billing scheduler")
	return s.cron.Shutdown()
}

// Schedule registers hook to run at at. Times in the past run immediately.
// The returned token cancels the job.
func (s *Scheduler) Schedule(ctx context.Context, at time.Time, hook string, args map[string]string) (string, error) {
	if hook == "" {
		return "", domain.NewDomainError(domain.ErrorCodeValidationFailed, "hook name is required")
	}

	start := gocron.OneTimeJobStartImmediately()
	if delay := at.Sub(s.cfg.Clock.Now()); delay > 0 {
		start = gocron.OneTimeJobStartDateTime(time.Now().Add(delay))
	}

	argsCopy := make(map[string]string, len(args))
	for k, v := range args {
		argsCopy[k] = v
	}

	// The pending entry is keyed by the job ID, which only exists once NewJob returns
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.cron.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(s.run, hook, argsCopy),
		gocron.WithName(hook),
		gocron.WithTags("hook"),
		gocron.WithEventListeners(
			gocron.AfterJobRuns(func(jobID uuid.UUID, _ string) { s.forget(jobID) }),
			gocron.AfterJobRunsWithError(func(jobID uuid.UUID, _ string, _ error) { s.forget(jobID) }),
		),
	)
	if err != nil {
		return "", fmt.Errorf("schedule %s: %w", hook, err)
	}
	s.pending[job.ID()] = scheduledHook{at: at, hook: hook, args: argsCopy}

	s.logger.Debug("Hook scheduled",
		zap.String("hook", hook),
		zap.String("token", job.ID().String()),
		zap.Time("at", at),
	)
	return job.ID().String(), nil
}

// Cancel removes a scheduled hook. Unknown or already fired tokens are ignored.
func (s *Scheduler) Cancel(ctx context.Context, token string) error {
	id, err := uuid.Parse(token)
	if err != nil {
		return domain.WrapError(domain.ErrorCodeValidationFailed, "invalid schedule token", err)
	}

	s.mu.Lock()
	hook, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := s.cron.RemoveJob(id); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		return fmt.Errorf("cancel %s: %w", hook.hook, err)
	}

	s.logger.Debug("Hook cancelled", zap.String("hook", hook.hook), zap.String("token", token))
	return nil
}

// Pending returns the number of hooks waiting to run
func (s *Scheduler) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

func (s *Scheduler) forget(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// run dispatches one hook, retrying transient failures with backoff
func (s *Scheduler) run(hook string, args map[string]string) {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	if handler == nil {
		s.logger.Error("Hook fired with no handler bound", zap.String("hook", hook))
		return
	}

	ctx, cancel := s.cfg.Timeouts.HookContext(context.Background())
	defer cancel()

	err := resilience.Retry(ctx, s.cfg.Backoff, s.cfg.MaxAttempts, domain.IsTransient,
		func(ctx context.Context, attempt int) error {
			err := handler.HandleHook(ctx, hook, args)
			if err != nil && attempt < s.cfg.MaxAttempts-1 && domain.IsTransient(err) {
				s.logger.Warn("Hook failed, retrying",
					zap.String("hook", hook),
					zap.Int("attempt", attempt+1),
					zap.Error(err),
				)
			}
			return err
		})
	if err != nil {
		s.logger.Error("Hook failed",
			zap.String("hook", hook),
			zap.Any("args", args),
			zap.Error(err),
		)
		return
	}

	s.logger.Debug("Hook completed", zap.String("hook", hook))
}
