package producer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtriage/internal/classify"
	"mailtriage/internal/queue"
	"mailtriage/internal/store"
)

func newEnv(t *testing.T) (*store.RedisStore, *queue.RedisQueue) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return store.NewRedisStoreFromClient(rdb, "test"), queue.NewRedisQueue(rdb, "test", "email_priority", nil)
}

func seed(t *testing.T, s store.Store, n int) []string {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		m := &store.Message{Subject: fmt.Sprintf("m%d", i), CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, s.CreateMessage(context.Background(), m))
		ids = append(ids, m.ID)
	}
	return ids
}

func TestScanDispatchesAtMostBatch(t *testing.T) {
	s, q := newEnv(t)
	seed(t, s, 25)

	sc := NewScanner(s, q, ScannerConfig{}, nil)
	n, err := sc.ScanAndDispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	length, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20), length)
}

func TestScanSkipsIneligible(t *testing.T) {
	s, _ := newEnv(t)
	ctx := context.Background()
	ids := seed(t, s, 3)

	require.NoError(t, s.SaveAnalysis(ctx, ids[0], "", classify.LevelLow, time.Now()))
	ok, err := s.TryClaim(ctx, ids[1], "w", time.Now(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	rec := &recordingDispatcher{}
	n, err := NewScanner(s, rec, ScannerConfig{}, nil).ScanAndDispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{ids[2]}, rec.ids)
}

func TestScanZeroEligible(t *testing.T) {
	s, q := newEnv(t)
	n, err := NewScanner(s, q, ScannerConfig{}, nil).ScanAndDispatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScanContinuesPastDispatchErrors(t *testing.T) {
	s, _ := newEnv(t)
	ids := seed(t, s, 5)

	rec := &recordingDispatcher{failFor: map[string]bool{ids[1]: true, ids[3]: true}}
	n, err := NewScanner(s, rec, ScannerConfig{BatchSize: 10, JobTimeout: time.Minute, MaxAttempts: 2}, nil).
		ScanAndDispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{ids[0], ids[2], ids[4]}, rec.ids)
	assert.Equal(t, time.Minute, rec.timeout)
	assert.Equal(t, 2, rec.maxAttempts)
}

func TestScanFinderError(t *testing.T) {
	sc := NewScanner(failingFinder{}, &recordingDispatcher{}, ScannerConfig{}, nil)
	_, err := sc.ScanAndDispatch(context.Background())
	assert.Error(t, err)
}

type recordingDispatcher struct {
	failFor     map[string]bool
	ids         []string
	timeout     time.Duration
	maxAttempts int
}

func (r *recordingDispatcher) Enqueue(_ context.Context, id string, timeout time.Duration, maxAttempts int) (queue.Job, error) {
	if r.failFor[id] {
		return queue.Job{}, errors.New("queue down")
	}
	r.ids = append(r.ids, id)
	r.timeout = timeout
	r.maxAttempts = maxAttempts
	return queue.NewJob(id, timeout, maxAttempts), nil
}

type failingFinder struct{}

func (failingFinder) FindEligible(context.Context, time.Time, int) ([]string, error) {
	return nil, errors.New("store down")
}
