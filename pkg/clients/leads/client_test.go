package leads

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outflowhq/outflow/pkg/resilient"
)

func newClient(serverURL string) *Client {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	rc := resilient.NewClient(logger)

	return NewClient(serverURL, "test-key", rc)
}

func TestPullReturnsLead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/leads/pull", r.URL.Path)
		_, _ = w.Write([]byte(`{"external_id":"lead-1","person":{"email":"ada@example.com"}}`))
	}))
	defer server.Close()

	lead, err := newClient(server.URL).Pull(context.Background(), "c-1", "b-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "lead-1", lead.ExternalID)
	assert.Equal(t, "ada@example.com", lead.RecipientAddress())
}

func TestPullMapsNotFoundToNoLeads(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "buffer empty", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newClient(server.URL).Pull(context.Background(), "c-1", "b-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoLeads)
}

func TestPullIsSingleAttempt(t *testing.T) {
	// Pulling consumes from the lead buffer; a 500 must not be retried.
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newClient(server.URL).Pull(context.Background(), "c-1", "b-1", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestServedStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/stats/c-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"served_leads":5}`))
	}))
	defer server.Close()

	served, err := newClient(server.URL).ServedStats(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, 5, served)
}

func TestServedStatsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no stats", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newClient(server.URL).ServedStats(context.Background(), "c-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatsNotFound)
}
