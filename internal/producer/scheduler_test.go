package producer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingCycle struct {
	calls    int32
	inflight int32
	overlap  int32
	delay    time.Duration
	err      error
}

func (c *countingCycle) ScanAndDispatch(ctx context.Context) (int, error) {
	if atomic.AddInt32(&c.inflight, 1) > 1 {
		atomic.StoreInt32(&c.overlap, 1)
	}
	defer atomic.AddInt32(&c.inflight, -1)
	atomic.AddInt32(&c.calls, 1)
	time.Sleep(c.delay)
	return 0, c.err
}

func TestSchedulerRunsPeriodically(t *testing.T) {
	c := &countingCycle{}
	s := NewScheduler(c, 10*time.Millisecond, nil)

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&c.calls) >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()

	calls := atomic.LoadInt32(&c.calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, atomic.LoadInt32(&c.calls), "no cycles after Stop")
}

func TestSchedulerCyclesNeverOverlap(t *testing.T) {
	// Cycles take longer than the interval.
	c := &countingCycle{delay: 15 * time.Millisecond}
	s := NewScheduler(c, time.Millisecond, nil)

	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	assert.Zero(t, atomic.LoadInt32(&c.overlap))
	assert.Greater(t, atomic.LoadInt32(&c.calls), int32(1))
}

func TestSchedulerSurvivesCycleErrors(t *testing.T) {
	c := &countingCycle{err: errors.New("store down")}
	s := NewScheduler(c, 5*time.Millisecond, nil)

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&c.calls) >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestSchedulerStopWaitsForInflightCycle(t *testing.T) {
	c := &countingCycle{delay: 50 * time.Millisecond}
	s := NewScheduler(c, time.Hour, nil)

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&c.inflight) == 1 }, time.Second, time.Millisecond)
	s.Stop()

	assert.Zero(t, atomic.LoadInt32(&c.inflight))
	assert.Equal(t, int32(1), atomic.LoadInt32(&c.calls))
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	c := &countingCycle{}
	s := NewScheduler(c, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&c.calls) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	s := NewScheduler(&countingCycle{}, time.Hour, nil)
	s.Stop()
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
