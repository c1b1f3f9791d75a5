package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewManager(t *testing.T) {
	t.Run("with custom timeout", func(t *testing.T) {
		timeout := 10 * time.Second
		sm := NewManager(timeout, nil)
		if sm.shutdownTimeout != timeout {
			t.Errorf("expected timeout %v, got %v", timeout, sm.shutdownTimeout)
		}
	})

	t.Run("with zero timeout uses default", func(t *testing.T) {
		sm := NewManager(0, nil)
		if sm.shutdownTimeout != 30*time.Second {
			t.Errorf("expected default timeout 30s, got %v", sm.shutdownTimeout)
		}
	})
}

func TestShutdownReverseOrder(t *testing.T) {
	sm := NewManager(time.Second, nil)

	var order []string
	for _, name := range []string{"store", "queue", "workers"} {
		name := name
		sm.Add(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if err := sm.Shutdown(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"workers", "queue", "store"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestShutdownCollectsErrors(t *testing.T) {
	sm := NewManager(time.Second, nil)
	boom := errors.New("boom")

	called := 0
	sm.Add("ok", func(ctx context.Context) error { called++; return nil })
	sm.Add("bad", func(ctx context.Context) error { called++; return boom })

	err := sm.Shutdown()
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if called != 2 {
		t.Errorf("expected every closer to run, ran %d", called)
	}

	// Second call does nothing.
	if err := sm.Shutdown(); err != nil {
		t.Errorf("expected nil on second shutdown, got %v", err)
	}
	if called != 2 {
		t.Errorf("closers ran again")
	}
}

func TestWaitReturnsOnContextCancel(t *testing.T) {
	sm := NewManager(time.Second, nil)
	closed := make(chan struct{})
	sm.Add("c", func(ctx context.Context) error { close(closed); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sm.Wait(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}
	<-closed
}
