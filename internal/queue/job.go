package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultJobTimeout bounds a single job execution.
	DefaultJobTimeout = 300 * time.Second
	// DefaultMaxAttempts is how many times the queue delivers a failing job.
	DefaultMaxAttempts = 3
)

// Job is the queued unit of work: process one message.
type Job struct {
	ID          string        `json:"id"`
	MessageID   string        `json:"message_id"`
	Timeout     time.Duration `json:"timeout"`
	MaxAttempts int           `json:"max_attempts"`
	// Attempt is 1 on first delivery.
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	// NotBefore delays a retried job.
	NotBefore time.Time `json:"not_before,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// NewJob builds the first attempt of a job for messageID.
func NewJob(messageID string, timeout time.Duration, maxAttempts int) Job {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return Job{
		ID:          uuid.NewString(),
		MessageID:   messageID,
		Timeout:     timeout,
		MaxAttempts: maxAttempts,
		Attempt:     1,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// Exhausted reports whether the job has used its last attempt.
func (j Job) Exhausted() bool {
	return j.Attempt >= j.MaxAttempts
}

// Retry returns the next attempt of j after a failure.
func (j Job) Retry(err error, notBefore time.Time) Job {
	next := j
	next.Attempt++
	next.NotBefore = notBefore
	if err != nil {
		next.LastError = err.Error()
	}
	return next
}

func encodeJob(j Job) ([]byte, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return b, nil
}

func decodeJob(b []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if j.ID == "" || j.MessageID == "" {
		return Job{}, fmt.Errorf("decode job: missing id or message_id")
	}
	if j.Timeout <= 0 {
		j.Timeout = DefaultJobTimeout
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = DefaultMaxAttempts
	}
	if j.Attempt <= 0 {
		j.Attempt = 1
	}
	return j, nil
}

// Dispatcher hands jobs to the queue.
type Dispatcher interface {
	Enqueue(ctx context.Context, messageID string, timeout time.Duration, maxAttempts int) (Job, error)
}

// Delivery is a job handed to a worker. Exactly one of Ack or Nack must be
// called.
type Delivery interface {
	Job() Job
	// Ack removes the job from the queue.
	Ack(ctx context.Context) error
	// Nack schedules another attempt, or moves the job to the failed set
	// once its attempts are used up.
	Nack(ctx context.Context, cause error) error
}

// Source yields deliveries. Next returns (nil, nil) when nothing arrived
// within its poll window.
type Source interface {
	Next(ctx context.Context) (Delivery, error)
}

// Maintainer is implemented by sources that need periodic housekeeping, such
// as requeueing jobs abandoned by crashed workers.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// Handler runs a job. A returned error causes a Nack.
type Handler func(ctx context.Context, job Job) error
