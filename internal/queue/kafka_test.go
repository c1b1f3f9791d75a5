package queue

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKafkaQueueValidates(t *testing.T) {
	_, err := NewKafkaQueue(nil, "jobs", "g", nil)
	assert.Error(t, err)
	_, err = NewKafkaQueue([]string{"localhost:9092"}, "", "g", nil)
	assert.Error(t, err)
}

// TestKafkaQueueRoundTrip needs a broker in TEST_KAFKA_BROKERS.
func TestKafkaQueueRoundTrip(t *testing.T) {
	brokers := os.Getenv("TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("skipping: TEST_KAFKA_BROKERS not set")
	}

	topic := "triage-test-" + uuid.NewString()[:8]
	q, err := NewKafkaQueue(strings.Split(brokers, ","), topic, "triage-test", testLogger())
	require.NoError(t, err)
	q.writer.AllowAutoTopicCreation = true
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	job, err := q.Enqueue(ctx, "msg-1", time.Minute, 3)
	require.NoError(t, err)

	d, err := q.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, job.ID, d.Job().ID)
	require.NoError(t, d.Ack(ctx))
}
