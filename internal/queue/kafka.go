package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"mailtriage/internal/metrics"
)

// KafkaQueue publishes jobs to a topic and consumes them through a consumer
// group with manual commits. All workers share one reader; commits are
// ordered per partition, so an offset is committed only after every earlier
// offset of its partition was acked or nacked.
//
// Retries are republished to the same topic with NotBefore set. Next waits
// for NotBefore before handing the job out, which holds that worker and the
// partition's commit point for at most one backoff delay.
type KafkaQueue struct {
	writer  *kgo.Writer
	reader  *kgo.Reader
	timeout time.Duration
	backoff Backoff
	logger  *slog.Logger

	commitMu sync.Mutex
	offsets  *offsetTracker
}

// NewKafkaQueue creates a queue on topic. The reader is only used by
// workers; producers never fetch.
func NewKafkaQueue(brokers []string, topic, groupID string, logger *slog.Logger) (*KafkaQueue, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
	}
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})

	return &KafkaQueue{
		writer:  w,
		reader:  r,
		timeout: 3 * time.Second,
		backoff: DefaultBackoff(),
		logger:  logger.With("component", "kafka-queue", "topic", topic),
		offsets: newOffsetTracker(),
	}, nil
}

// Close closes the writer and the reader.
func (q *KafkaQueue) Close() error {
	return errors.Join(q.writer.Close(), q.reader.Close())
}

// Enqueue publishes a new job keyed by message id.
func (q *KafkaQueue) Enqueue(ctx context.Context, messageID string, timeout time.Duration, maxAttempts int) (Job, error) {
	job := NewJob(messageID, timeout, maxAttempts)
	if err := q.publish(ctx, job); err != nil {
		return Job{}, fmt.Errorf("failed to enqueue job for message %s: %w", messageID, err)
	}
	return job, nil
}

func (q *KafkaQueue) publish(ctx context.Context, job Job) error {
	b, err := encodeJob(job)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	return q.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(job.MessageID),
		Value: b,
		Time:  time.Now(),
	})
}

// Next fetches the next job, waiting out its NotBefore.
func (q *KafkaQueue) Next(ctx context.Context) (Delivery, error) {
	m, err := q.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch job: %w", err)
	}

	q.offsets.track(m)

	job, err := decodeJob(m.Value)
	if err != nil {
		// commit bad messages so we don't get stuck re-reading them
		q.logger.Error("dropping malformed job", "offset", m.Offset, "err", err)
		if err := q.commit(ctx, m); err != nil {
			q.logger.Warn("failed to commit malformed job", "err", err)
		}
		return nil, nil
	}

	if wait := time.Until(job.NotBefore); wait > 0 {
		select {
		case <-ctx.Done():
			// Not handled; the group redelivers it from the last commit.
			return nil, nil
		case <-time.After(wait):
		}
	}

	return &kafkaDelivery{q: q, msg: m, job: job}, nil
}

type kafkaDelivery struct {
	q   *KafkaQueue
	msg kgo.Message
	job Job
}

func (d *kafkaDelivery) Job() Job { return d.job }

func (d *kafkaDelivery) Ack(ctx context.Context) error {
	return d.commit(ctx)
}

func (d *kafkaDelivery) Nack(ctx context.Context, cause error) error {
	if d.job.Exhausted() {
		d.q.logger.Error("job exhausted its attempts",
			"job_id", d.job.ID, "message_id", d.job.MessageID, "attempt", d.job.Attempt, "err", cause)
		metrics.JobsFailedTotal.Inc()
		return d.commit(ctx)
	}

	next := d.job.Retry(cause, time.Now().Add(d.q.backoff.Delay(d.job.Attempt)))
	if err := d.q.publish(ctx, next); err != nil {
		// Leave the offset uncommitted; the group redelivers after a rebalance.
		return fmt.Errorf("failed to republish job %s: %w", d.job.ID, err)
	}
	metrics.JobRedeliveriesTotal.Inc()
	return d.commit(ctx)
}

func (d *kafkaDelivery) commit(ctx context.Context) error {
	if err := d.q.commit(ctx, d.msg); err != nil {
		return fmt.Errorf("failed to commit job %s: %w", d.job.ID, err)
	}
	return nil
}

// commit marks m done and commits the partition's new commit point, if it
// moved. Commits are serialized so the point never moves backwards.
func (q *KafkaQueue) commit(ctx context.Context, m kgo.Message) error {
	q.commitMu.Lock()
	defer q.commitMu.Unlock()

	upTo, ok := q.offsets.complete(m)
	if !ok {
		return nil
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.timeout)
	defer cancel()
	return q.reader.CommitMessages(cctx, upTo)
}
