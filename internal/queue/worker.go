package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mailtriage/internal/logging"
	"mailtriage/internal/metrics"
	"mailtriage/internal/tracing"
)

const (
	errorPause       = 5 * time.Second
	maintainInterval = 10 * time.Second
)

// Worker is a single worker that runs jobs from a Source.
type Worker struct {
	id      int
	source  Source
	handler Handler
	logger  *slog.Logger
	wg      *sync.WaitGroup
}

func NewWorker(id int, source Source, handler Handler, logger *slog.Logger, wg *sync.WaitGroup) *Worker {
	return &Worker{
		id:      id,
		source:  source,
		handler: handler,
		logger:  logger.With("worker_id", id),
		wg:      wg,
	}
}

// Start fetches until fetchCtx is cancelled. Jobs run under jobCtx so that
// stopping the pool lets in-flight jobs finish.
func (w *Worker) Start(fetchCtx, jobCtx context.Context) {
	defer w.wg.Done()
	w.logger.Info("worker started")

	for {
		if fetchCtx.Err() != nil {
			w.logger.Info("worker stopped")
			return
		}

		d, err := w.source.Next(fetchCtx)
		if err != nil {
			if fetchCtx.Err() != nil {
				continue
			}
			w.logger.Error("failed to fetch job", "err", err)
			select {
			case <-fetchCtx.Done():
			case <-time.After(errorPause):
			}
			continue
		}
		if d == nil {
			continue
		}

		w.run(jobCtx, d)
	}
}

func (w *Worker) run(ctx context.Context, d Delivery) {
	job := d.Job()
	ctx = logging.WithJobID(ctx, job.ID)
	ctx = logging.WithMessageID(ctx, job.MessageID)
	logger := logging.Enrich(ctx, w.logger).With("attempt", job.Attempt)

	ctx, span := tracing.JobSpan(ctx, job.ID, job.Attempt)
	defer span.End()

	metrics.ActiveWorkersGauge.Inc()
	defer metrics.ActiveWorkersGauge.Dec()

	jobCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	err := w.handle(jobCtx, job)
	cancel()

	// Queue bookkeeping must survive cancellation of the job.
	ackCtx := context.WithoutCancel(ctx)
	if err != nil {
		tracing.RecordError(span, err)
		logger.Warn("job failed", "err", err, "max_attempts", job.MaxAttempts)
		if nackErr := d.Nack(ackCtx, err); nackErr != nil {
			logger.Error("failed to nack job", "err", nackErr)
		}
		return
	}

	logger.Debug("job completed")
	if ackErr := d.Ack(ackCtx); ackErr != nil {
		logger.Error("failed to ack job", "err", ackErr)
	}
}

func (w *Worker) handle(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

// WorkerPool manages a pool of workers.
type WorkerPool struct {
	workerCount int
	source      Source
	handler     Handler
	logger      *slog.Logger
	wg          *sync.WaitGroup
	cancelFetch context.CancelFunc
	cancelJobs  context.CancelFunc
}

// NewWorkerPool creates a new WorkerPool.
func NewWorkerPool(workerCount int, source Source, handler Handler, logger *slog.Logger) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		workerCount: workerCount,
		source:      source,
		handler:     handler,
		logger:      logger.With("component", "worker-pool"),
		wg:          new(sync.WaitGroup),
	}
}

// Start starts all workers in the pool. Cancelling ctx stops fetching and
// cancels in-flight jobs; Stop only stops fetching.
func (p *WorkerPool) Start(ctx context.Context) {
	p.logger.Info("starting worker pool", "worker_count", p.workerCount)

	jobCtx, cancelJobs := context.WithCancel(ctx)
	fetchCtx, cancelFetch := context.WithCancel(jobCtx)
	p.cancelJobs = cancelJobs
	p.cancelFetch = cancelFetch

	for i := 0; i < p.workerCount; i++ {
		worker := NewWorker(i+1, p.source, p.handler, p.logger, p.wg)
		p.wg.Add(1)
		go worker.Start(fetchCtx, jobCtx)
	}

	if m, ok := p.source.(Maintainer); ok {
		p.wg.Add(1)
		go p.maintain(fetchCtx, m)
	}
}

func (p *WorkerPool) maintain(ctx context.Context, m Maintainer) {
	defer p.wg.Done()
	ticker := time.NewTicker(maintainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Maintain(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("queue maintenance failed", "err", err)
			}
		}
	}
}

// Stop stops fetching and waits for in-flight jobs to finish.
func (p *WorkerPool) Stop() {
	_ = p.Shutdown(context.Background())
}

// Shutdown stops fetching and waits for in-flight jobs until ctx is done.
// Jobs still running then are cancelled, nacked, and waited for; the
// returned error is ctx's.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.logger.Info("stopping worker pool")
	if p.cancelFetch != nil {
		p.cancelFetch()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		p.logger.Warn("shutdown deadline reached, cancelling in-flight jobs")
		if p.cancelJobs != nil {
			p.cancelJobs()
		}
		<-done
	}
	if p.cancelJobs != nil {
		p.cancelJobs()
	}
	p.logger.Info("worker pool stopped")
	return err
}
