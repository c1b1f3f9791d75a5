package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtriage/internal/classify"
	"mailtriage/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	t.Cleanup(func() { _ = s.Close() })

	srv := httptest.NewServer(NewServer(s, nil).Router())
	t.Cleanup(srv.Close)
	return srv, s, mr
}

func TestHealth(t *testing.T) {
	srv, _, mr := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	mr.SetError("ERR down")
	defer mr.SetError("")
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCreateAndGetMessage(t *testing.T) {
	srv, s, _ := newTestServer(t)

	body := `{"subject":"Server down","body":"help","ticket_id":"T-1"}`
	resp, err := http.Post(srv.URL+"/messages", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created store.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, classify.LevelPending, created.Priority)

	_, err = s.GetTicket(context.Background(), "T-1")
	require.NoError(t, err)

	resp2, err := http.Get(srv.URL + "/messages/" + created.ID)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var got map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&got))
	assert.Equal(t, "Server down", got["subject"])
	assert.NotContains(t, got, "ClaimToken")
}

func TestCreateMessageRejectsBadInput(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for _, body := range []string{`{`, `{"subject":"x","max_retries":-1}`, `{"subject":"x","priority":"high"}`} {
		resp, err := http.Post(srv.URL+"/messages", "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestGetMessageNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/messages/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStats(t *testing.T) {
	srv, s, _ := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateMessage(ctx, &store.Message{Subject: "x"}))
	}
	done := &store.Message{Subject: "done"}
	require.NoError(t, s.CreateMessage(ctx, done))
	require.NoError(t, s.SaveAnalysis(ctx, done.ID, "", classify.LevelLow, time.Now()))

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var st store.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, store.Stats{Open: 3, Analyzed: 1}, st)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStoreErrorIs500(t *testing.T) {
	h := NewServer(brokenStore{}, nil).Router()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/messages/abc", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

type brokenStore struct{ store.Store }

func (brokenStore) Stats(context.Context) (store.Stats, error) {
	return store.Stats{}, errors.New("down")
}

func (brokenStore) GetMessage(context.Context, string) (*store.Message, error) {
	return nil, errors.New("down")
}
