// Package scheduler drives the time-based half of orchestration. Nothing in
// the engine blocks waiting for a deadline: the sweeper periodically scans the
// store for missions past their deadline and pending tasks whose backoff has
// elapsed, and re-enters the coordinator for each. Every instance may run a
// sweeper concurrently; conditional writes make overlapping sweeps harmless.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"atrium/internal/logging"
)

// Runner is the coordinator surface the sweeper re-enters.
type Runner interface {
	SweepExpired(ctx context.Context, now time.Time) error
	DispatchDue(ctx context.Context, now time.Time) error
}

// Config holds sweeper configuration.
type Config struct {
	Interval     time.Duration // how often to scan (default 1s)
	SweepTimeout time.Duration // budget for one scan (default 30s)
}

// Sweeper manages the periodic scan using robfig/cron.
type Sweeper struct {
	cron     *cron.Cron
	runner   Runner
	config   Config
	logger   logging.Logger
	mu       sync.Mutex
	running  bool
	stopOnce sync.Once
}

// New creates a new Sweeper.
func New(cfg Config, runner Runner, logger logging.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 30 * time.Second
	}
	return &Sweeper{
		cron:   cron.New(),
		runner: runner,
		config: cfg,
		logger: logging.OrNop(logger),
	}
}

// Start schedules the sweep and begins running it.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sweeper already running")
	}

	spec := fmt.Sprintf("@every %s", s.config.Interval)
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("sweeper started (interval %s)", s.config.Interval)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.logger.Info("sweeper stopped")
	})
}

// Sweep runs one scan immediately. Exposed for tests and manual triggering.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	if err := s.runner.SweepExpired(ctx, now); err != nil {
		s.logger.Error("mission deadline sweep failed: %v", err)
	}
	if err := s.runner.DispatchDue(ctx, now); err != nil {
		s.logger.Error("due task dispatch failed: %v", err)
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.SweepTimeout)
	defer cancel()
	s.Sweep(ctx)
}
