package triage

import (
	"context"
	"errors"
	"fmt"

	"mailtriage/internal/store"
)

// IngestRequest describes a new inbound message.
type IngestRequest struct {
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	TicketID   string `json:"ticket_id,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// ErrInvalidMessage is returned for requests that cannot become a message.
var ErrInvalidMessage = errors.New("invalid message")

// Ingest stores a new pending message, creating its ticket if needed. The
// producer picks it up on its next scan.
func Ingest(ctx context.Context, s store.Store, req IngestRequest) (*store.Message, error) {
	if req.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max_retries must not be negative", ErrInvalidMessage)
	}
	if len(req.Subject)+len(req.Body) > 1<<20 {
		return nil, fmt.Errorf("%w: message larger than 1MiB", ErrInvalidMessage)
	}

	if req.TicketID != "" {
		if err := s.EnsureTicket(ctx, req.TicketID); err != nil {
			return nil, err
		}
	}

	m := &store.Message{
		Subject:    req.Subject,
		Body:       req.Body,
		TicketID:   req.TicketID,
		MaxRetries: req.MaxRetries,
	}
	if err := s.CreateMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}
