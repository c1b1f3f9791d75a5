// Package claim hands out exclusive, time-limited ownership of a message so
// that at most one worker processes it at a time.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mailtriage/internal/metrics"
)

// DefaultLeaseTTL is how long a claim lasts before others may take it over.
const DefaultLeaseTTL = 10 * time.Minute

// ErrNotClaimed is returned by WithClaim when the message is held elsewhere
// or is no longer claimable.
var ErrNotClaimed = errors.New("claim: message not claimable")

// Claim is a held claim on one message.
type Claim struct {
	MessageID string
	Token     string
	ExpiresAt time.Time
}

// Claimer is the slice of the store the manager needs.
type Claimer interface {
	TryClaim(ctx context.Context, id, token string, now time.Time, ttl time.Duration) (bool, error)
	Release(ctx context.Context, id, token string) (bool, error)
}

// Manager acquires and releases claims.
type Manager struct {
	store  Claimer
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewManager creates a Manager. A non-positive ttl uses DefaultLeaseTTL.
func NewManager(s Claimer, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  s,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("component", "claim"),
	}
}

// TryClaim attempts to take the claim on id. It returns false without error
// when another worker holds a live claim or the message is dead-lettered.
func (m *Manager) TryClaim(ctx context.Context, id string) (Claim, bool, error) {
	now := m.now()
	c := Claim{
		MessageID: id,
		Token:     uuid.NewString(),
		ExpiresAt: now.Add(m.ttl),
	}

	ok, err := m.store.TryClaim(ctx, id, c.Token, now, m.ttl)
	if err != nil {
		return Claim{}, false, fmt.Errorf("try claim %s: %w", id, err)
	}
	if !ok {
		metrics.ClaimsTotal.WithLabelValues("contended").Inc()
		return Claim{}, false, nil
	}
	metrics.ClaimsTotal.WithLabelValues("acquired").Inc()
	return c, true, nil
}

// Release gives the claim back. Releasing a claim that was taken over after
// expiry is a no-op.
func (m *Manager) Release(ctx context.Context, c Claim) error {
	ok, err := m.store.Release(ctx, c.MessageID, c.Token)
	if err != nil {
		return fmt.Errorf("release %s: %w", c.MessageID, err)
	}
	if !ok {
		m.logger.Warn("claim already lost at release", "message_id", c.MessageID)
	}
	return nil
}

// WithClaim runs fn while holding the claim on id. The claim is released on
// every exit path, including a panic in fn, which is re-raised afterwards.
// Returns ErrNotClaimed when the claim could not be taken.
func (m *Manager) WithClaim(ctx context.Context, id string, fn func(ctx context.Context, c Claim) error) (err error) {
	c, ok, err := m.TryClaim(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotClaimed
	}

	defer func() {
		// Release even if ctx was cancelled mid-flight.
		relErr := m.Release(context.WithoutCancel(ctx), c)
		if relErr != nil {
			m.logger.Error("failed to release claim", "message_id", id, "err", relErr)
			if err == nil {
				err = relErr
			}
		}
	}()

	return fn(ctx, c)
}
