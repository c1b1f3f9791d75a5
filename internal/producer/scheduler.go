package producer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mailtriage/internal/metrics"
)

// DefaultInterval is the pause between scan cycles.
const DefaultInterval = 5 * time.Second

// Cycle is one unit of periodic work.
type Cycle interface {
	ScanAndDispatch(ctx context.Context) (int, error)
}

// Scheduler runs a Cycle on a fixed interval from a single goroutine, so two
// cycles never overlap. Stopping lets the current cycle finish.
type Scheduler struct {
	cycle    Cycle
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(cycle Cycle, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cycle:    cycle,
		interval: interval,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start launches the loop in the background. It is a no-op if already
// running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go func(stop chan struct{}) {
		defer s.wg.Done()
		s.loop(ctx, stop)
	}(s.stopCh)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop signals the loop and waits for the in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Run executes the loop in the calling goroutine until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.loop(ctx, nil)
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.runCycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	// Stop does not cancel a running cycle; only ctx does.
	if ctx.Err() != nil {
		return
	}
	if _, err := s.cycle.ScanAndDispatch(ctx); err != nil {
		metrics.ScanCyclesTotal.WithLabelValues("error").Inc()
		s.logger.Error("scan cycle failed", "err", err)
		return
	}
	metrics.ScanCyclesTotal.WithLabelValues("ok").Inc()
}
