// Package store holds the message and ticket records that drive triage, and
// the atomic operations the pipeline needs on them.
//
// Two backends implement Store: Redis (hashes plus Lua scripts, the default)
// and MySQL through gorm. Every method that changes more than one field does
// so atomically, so a crash between two writes never leaves a record in a
// mixed state.
package store

import (
	"context"
	"errors"
	"time"

	"mailtriage/internal/classify"
)

// DefaultMaxRetries is the attempt budget of a message that does not set one.
const DefaultMaxRetries = 3

// ErrNotFound is returned when a message or ticket does not exist.
var ErrNotFound = errors.New("store: record not found")

// Message is one inbound support email.
type Message struct {
	ID       string         `json:"id"`
	Subject  string         `json:"subject"`
	Body     string         `json:"body"`
	TicketID string         `json:"ticket_id,omitempty"`
	Priority classify.Level `json:"priority"`

	Analyzed     bool `json:"analyzed"`
	Claimed      bool `json:"claimed"`
	DeadLettered bool `json:"dead_lettered"`
	RetryCount   int  `json:"retry_count"`
	MaxRetries   int  `json:"max_retries"`

	ClaimToken        string     `json:"-"`
	ClaimExpiresAt    *time.Time `json:"claim_expires_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	PriorityUpdatedAt *time.Time `json:"priority_updated_at,omitempty"`
	DeadLetteredAt    *time.Time `json:"dead_lettered_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Ticket mirrors the priority of the messages that reference it.
type Ticket struct {
	ID                string         `json:"id"`
	Priority          classify.Level `json:"priority"`
	Analyzed          bool           `json:"analyzed"`
	PriorityUpdatedAt *time.Time     `json:"priority_updated_at,omitempty"`
}

// Stats is a snapshot of record counts.
type Stats struct {
	Open         int64 `json:"open"`
	Analyzed     int64 `json:"analyzed"`
	DeadLettered int64 `json:"dead_lettered"`
}

// RetryState is the retry accounting of a message after a failed attempt.
type RetryState struct {
	RetryCount   int
	MaxRetries   int
	DeadLettered bool
}

// Store is the shared record store. Implementations must be safe for use by
// many goroutines and many processes at once.
type Store interface {
	// CreateMessage inserts a new message with priority pending. An empty ID
	// is filled in.
	CreateMessage(ctx context.Context, m *Message) error
	// EnsureTicket creates the ticket if it does not exist yet.
	EnsureTicket(ctx context.Context, id string) error

	GetMessage(ctx context.Context, id string) (*Message, error)
	GetTicket(ctx context.Context, id string) (*Ticket, error)

	// TryClaim atomically takes the claim on a message. It succeeds only if
	// the message is not dead-lettered and is either unclaimed or holds a
	// claim that expired at or before now.
	TryClaim(ctx context.Context, id, token string, now time.Time, ttl time.Duration) (bool, error)
	// Release clears the claim if it is still held under token.
	Release(ctx context.Context, id, token string) (bool, error)

	// SaveAnalysis records the priority on the message and, when ticketID is
	// set and the ticket exists, on the ticket, in one atomic step.
	SaveAnalysis(ctx context.Context, id, ticketID string, level classify.Level, at time.Time) error
	// IncrementRetry adds one to the retry count and stores errMsg. When the
	// new count reaches the budget the message is dead-lettered at at in the
	// same atomic step, unless it has been analyzed meanwhile.
	IncrementRetry(ctx context.Context, id, errMsg string, at time.Time) (RetryState, error)

	// FindEligible returns up to limit ids of messages ready for processing.
	FindEligible(ctx context.Context, now time.Time, limit int) ([]string, error)
	Stats(ctx context.Context) (Stats, error)

	Ping(ctx context.Context) error
	Close() error
}

// Eligible reports whether m should be picked up by the scanner at now.
func Eligible(m *Message, now time.Time) bool {
	if m.Priority != classify.LevelPending || m.Analyzed || m.DeadLettered {
		return false
	}
	// A claim without an expiry predates leases and counts as abandoned.
	if m.Claimed && m.ClaimExpiresAt != nil && m.ClaimExpiresAt.After(now) {
		return false
	}
	return m.RetryCount < m.MaxRetries
}
