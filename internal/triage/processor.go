// Package triage runs one processing attempt for a message: claim it,
// classify it, persist the result, and account for failures.
package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mailtriage/internal/claim"
	"mailtriage/internal/classify"
	"mailtriage/internal/logging"
	"mailtriage/internal/metrics"
	"mailtriage/internal/notify"
	"mailtriage/internal/store"
	"mailtriage/internal/tracing"
)

// Outcome is the result of one processing attempt.
type Outcome string

const (
	OutcomeAnalyzed     Outcome = "analyzed"
	OutcomeRetryable    Outcome = "retryable"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeSkipped      Outcome = "skipped"
)

// Result describes what happened to a message.
type Result struct {
	MessageID  string
	Outcome    Outcome
	Priority   classify.Level
	RetryCount int
	MaxRetries int
	// Reason explains a skip.
	Reason string
	// Fault is the classification or persistence failure behind a retryable
	// or dead-lettered outcome.
	Fault error
	// Diagnosis categorizes Fault.
	Diagnosis Diagnosis
}

// Decide maps the post-increment retry count onto an outcome.
func Decide(retryCount, maxRetries int) Outcome {
	if retryCount >= maxRetries {
		return OutcomeDeadLettered
	}
	return OutcomeRetryable
}

// Classifier assigns a level to message text.
type Classifier interface {
	Classify(subject, body string) classify.Level
}

// Processor executes the per-message state machine.
type Processor struct {
	store      store.Store
	claims     *claim.Manager
	classifier Classifier
	alerter    notify.Alerter
	logger     *slog.Logger
	now        func() time.Time
}

// NewProcessor creates a Processor. A nil alerter disables alerts.
func NewProcessor(s store.Store, claims *claim.Manager, classifier Classifier, alerter notify.Alerter, logger *slog.Logger) *Processor {
	if alerter == nil {
		alerter = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:      s,
		claims:     claims,
		classifier: classifier,
		alerter:    alerter,
		logger:     logger.With("component", "triage"),
		now:        time.Now,
	}
}

// Process runs one attempt on the message id. Classification and persistence
// faults are reported through the Result, never as an error; an error means
// the claim or retry bookkeeping itself failed and the attempt should be
// redelivered. The claim is always released before Process returns.
func (p *Processor) Process(ctx context.Context, id string) (Result, error) {
	ctx = logging.WithMessageID(ctx, id)
	ctx, span := tracing.ProcessSpan(ctx, id)
	defer span.End()

	start := time.Now()
	defer func() { metrics.ProcessDurationSeconds.Observe(time.Since(start).Seconds()) }()

	var res Result
	err := p.claims.WithClaim(ctx, id, func(ctx context.Context, _ claim.Claim) error {
		var err error
		res, err = p.run(ctx, id)
		return err
	})

	switch {
	case errors.Is(err, claim.ErrNotClaimed):
		res, err = Result{MessageID: id, Outcome: OutcomeSkipped, Reason: "claim held elsewhere or dead-lettered"}, nil
	case errors.Is(err, store.ErrNotFound):
		res, err = Result{MessageID: id, Outcome: OutcomeSkipped, Reason: "message not found"}, nil
	case err != nil:
		tracing.RecordError(span, err)
		return Result{MessageID: id}, err
	}

	metrics.MessagesProcessedTotal.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

func (p *Processor) run(ctx context.Context, id string) (Result, error) {
	logger := logging.Enrich(ctx, p.logger)

	m, err := p.store.GetMessage(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if m.Analyzed {
		return Result{MessageID: id, Outcome: OutcomeSkipped, Priority: m.Priority, Reason: "already analyzed"}, nil
	}

	level, fault := p.classifyAndSave(ctx, m)
	if fault == nil {
		metrics.MessagesClassifiedTotal.WithLabelValues(string(level)).Inc()
		logger.Info("message analyzed", "priority", level)
		if level == classify.LevelCritical {
			p.alert(ctx, logger, func(ctx context.Context) error {
				return p.alerter.Critical(ctx, m.ID, m.Subject)
			})
		}
		return Result{MessageID: id, Outcome: OutcomeAnalyzed, Priority: level, RetryCount: m.RetryCount, MaxRetries: m.MaxRetries}, nil
	}

	return p.fail(ctx, logger, m, fault)
}

func (p *Processor) classifyAndSave(ctx context.Context, m *store.Message) (level classify.Level, err error) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("classifier panic: %v", r)
			}
		}()
		level = p.classifier.Classify(m.Subject, m.Body)
	}()
	if err != nil {
		return "", err
	}

	if err := p.store.SaveAnalysis(ctx, m.ID, m.TicketID, level, p.now().UTC()); err != nil {
		return "", fmt.Errorf("save analysis: %w", err)
	}
	return level, nil
}

// bookkeepingTimeout bounds retry accounting, which runs even after the job
// context is done.
const bookkeepingTimeout = 5 * time.Second

func (p *Processor) fail(ctx context.Context, logger *slog.Logger, m *store.Message, fault error) (Result, error) {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	st, err := p.store.IncrementRetry(bctx, m.ID, fault.Error(), p.now().UTC())
	if err != nil {
		return Result{}, fmt.Errorf("record retry for %s: %w", m.ID, err)
	}

	res := Result{
		MessageID:  m.ID,
		Outcome:    Decide(st.RetryCount, st.MaxRetries),
		Priority:   classify.LevelPending,
		RetryCount: st.RetryCount,
		MaxRetries: st.MaxRetries,
		Fault:      fault,
		Diagnosis:  Diagnose(fault),
	}
	logger = logger.With("fault_category", res.Diagnosis.Category)

	if res.Outcome == OutcomeRetryable {
		logger.Warn("message processing failed, will retry",
			"retry_count", st.RetryCount, "max_retries", st.MaxRetries, "err", fault)
		return res, nil
	}

	if !st.DeadLettered {
		// The failed save reached the store after all.
		logger.Warn("message analyzed despite fault, not dead-lettering", "err", fault)
		res.Outcome, res.Reason = OutcomeSkipped, "analyzed despite fault"
		return res, nil
	}

	logger.Error("message dead-lettered",
		"retry_count", st.RetryCount, "max_retries", st.MaxRetries, "err", fault, "hint", res.Diagnosis.Hint)
	p.alert(ctx, logger, func(ctx context.Context) error {
		return p.alerter.DeadLettered(ctx, m.ID, m.Subject, st.RetryCount, fault.Error())
	})
	return res, nil
}

func (p *Processor) alert(ctx context.Context, logger *slog.Logger, send func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := send(ctx); err != nil {
		logger.Warn("failed to send alert", "err", err)
	}
}
