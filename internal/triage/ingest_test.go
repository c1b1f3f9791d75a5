package triage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtriage/internal/classify"
	"mailtriage/internal/store"
)

func TestIngest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	m, err := Ingest(ctx, f.base, IngestRequest{Subject: "Login slow", TicketID: "T-9"})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, classify.LevelPending, m.Priority)
	assert.Equal(t, store.DefaultMaxRetries, m.MaxRetries)

	ticket, err := f.base.GetTicket(ctx, "T-9")
	require.NoError(t, err)
	assert.Equal(t, classify.LevelPending, ticket.Priority)

	custom, err := Ingest(ctx, f.base, IngestRequest{Subject: "x", MaxRetries: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, f.get(t, custom.ID).MaxRetries)

	_, err = Ingest(ctx, f.base, IngestRequest{Subject: "x", MaxRetries: -1})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}
