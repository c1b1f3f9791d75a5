package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// Manager coordinates the graceful shutdown of application components.
// Closers run in reverse registration order, so components added first
// (stores, clients) outlive the ones that depend on them (workers, servers).
type Manager struct {
	shutdownTimeout time.Duration
	logger          *slog.Logger

	mu      sync.Mutex
	closers []closer
	done    bool
}

// NewManager creates a new Manager.
func NewManager(shutdownTimeout time.Duration, logger *slog.Logger) *Manager {
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
	}
}

// Add registers a named cleanup function.
func (m *Manager) Add(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, closer{name: name, fn: fn})
}

// Wait blocks until SIGINT/SIGTERM arrives or ctx is cancelled, then shuts
// everything down.
func (m *Manager) Wait(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Info("shutdown signal received", "signal", sig)
	case <-ctx.Done():
		m.logger.Info("context cancelled, shutting down")
	}

	return m.Shutdown()
}

// Shutdown runs every closer once under the shutdown timeout. Later calls
// are no-ops.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	closers := m.closers
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := c.fn(ctx); err != nil {
			m.logger.Error("shutdown error", "closer", c.name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	m.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
