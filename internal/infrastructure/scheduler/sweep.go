package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
)

type SweepRunner interface {
	Sweep(ctx context.Context) (domain.SweepReport, error)
}

type SweepObserver interface {
	ObserveSweep(report domain.SweepReport, duration time.Duration, err error)
}

// SweepScheduler runs the polling sweep on a fixed interval. A tick that
// fires while a sweep is still running is skipped.
type SweepScheduler struct {
	runner   SweepRunner
	observer SweepObserver
	timeout  time.Duration
	logger   *slog.Logger

	cron    *cron.Cron
	running atomic.Bool

	mu      sync.Mutex
	baseCtx context.Context
}

// NewSweepScheduler builds a scheduler. observer is optional; timeout bounds a single run.
func NewSweepScheduler(runner SweepRunner, observer SweepObserver, timeout time.Duration, logger *slog.Logger) *SweepScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &SweepScheduler{
		runner:   runner,
		observer: observer,
		timeout:  timeout,
		logger:   logger,
		cron:     cron.New(),
		baseCtx:  context.Background(),
	}
}

// Start schedules the sweep every interval. Runs stop when ctx is done.
func (s *SweepScheduler) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	spec := "@every " + interval.String()
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(s.context()) }); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	s.cron.Start()
	s.logger.Info("sweep_scheduler_started", "interval", interval.String())
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *SweepScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("sweep_scheduler_stopped")
}

func (s *SweepScheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// RunOnce performs one sweep unless another is in progress. It reports
// whether the sweep ran.
func (s *SweepScheduler) RunOnce(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("sweep_skipped", "reason", "previous sweep still running")
		return false
	}
	defer s.running.Store(false)
	if ctx.Err() != nil {
		return false
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	report, err := s.runner.Sweep(runCtx)
	duration := time.Since(started)
	if s.observer != nil {
		s.observer.ObserveSweep(report, duration, err)
	}

	attrs := []any{
		"namespaces", report.Namespaces,
		"discovered", report.Discovered,
		"failed", report.Failed,
		"retried", report.Retried,
		"duration_ms", float64(duration.Microseconds()) / 1000.0,
	}
	if err != nil {
		s.logger.Error("sweep_failed", append(attrs, "error", err)...)
		return true
	}
	s.logger.Info("sweep_completed", attrs...)
	return true
}

func (s *SweepScheduler) Running() bool {
	return s.running.Load()
}
