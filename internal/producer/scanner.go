// Package producer finds messages that still need triage and dispatches one
// queue job per message.
package producer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mailtriage/internal/metrics"
	"mailtriage/internal/queue"
	"mailtriage/internal/tracing"
)

// DefaultBatchSize caps how many messages one scan dispatches.
const DefaultBatchSize = 20

// Finder lists messages ready for processing.
type Finder interface {
	FindEligible(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// ScannerConfig holds the per-job parameters and batch size.
type ScannerConfig struct {
	BatchSize   int
	JobTimeout  time.Duration
	MaxAttempts int
}

// Scanner runs a single scan-and-dispatch pass.
type Scanner struct {
	finder     Finder
	dispatcher queue.Dispatcher
	cfg        ScannerConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewScanner creates a Scanner. Zero config values fall back to defaults.
func NewScanner(finder Finder, dispatcher queue.Dispatcher, cfg ScannerConfig, logger *slog.Logger) *Scanner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = queue.DefaultJobTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = queue.DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		finder:     finder,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With("component", "scanner"),
		now:        time.Now,
	}
}

// ScanAndDispatch enqueues a job for each eligible message, oldest first, up
// to the batch size. It returns how many jobs were dispatched. A failure to
// dispatch one message is logged and the rest of the batch continues.
func (s *Scanner) ScanAndDispatch(ctx context.Context) (int, error) {
	ctx, span := tracing.ScanSpan(ctx, s.cfg.BatchSize)
	defer span.End()

	start := time.Now()
	defer func() { metrics.ScanDurationSeconds.Observe(time.Since(start).Seconds()) }()

	ids, err := s.finder.FindEligible(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		tracing.RecordError(span, err)
		return 0, fmt.Errorf("find eligible messages: %w", err)
	}

	dispatched := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		job, err := s.dispatcher.Enqueue(ctx, id, s.cfg.JobTimeout, s.cfg.MaxAttempts)
		if err != nil {
			s.logger.Error("failed to dispatch message", "message_id", id, "err", err)
			continue
		}
		s.logger.Debug("message dispatched", "message_id", id, "job_id", job.ID)
		dispatched++
	}

	metrics.JobsDispatchedTotal.Add(float64(dispatched))
	if dispatched > 0 {
		s.logger.Info("dispatched messages", "count", dispatched)
	}
	return dispatched, nil
}
