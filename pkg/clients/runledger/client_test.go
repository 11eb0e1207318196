package runledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outflowhq/outflow/pkg/models"
	"github.com/outflowhq/outflow/pkg/resilient"
)

func newClient(serverURL string) *Client {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	rc := resilient.NewClient(logger)

	return NewClient(serverURL, "test-key", rc)
}

func TestCreateRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/runs", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "c-1", body["campaign_id"])

		_, _ = w.Write([]byte(`{"id":"run-1","campaign_id":"c-1","status":"running","created_at":"2025-06-15T12:00:00Z"}`))
	}))
	defer server.Close()

	run, err := newClient(server.URL).CreateRun(context.Background(), "c-1", "org-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Equal(t, time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC), run.CreatedAt)
}

func TestUpdateRunStatus(t *testing.T) {
	var gotBody map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/v1/runs/run-1", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	err := newClient(server.URL).UpdateRunStatus(context.Background(), "run-1", models.RunStatusFailed, "stale run reclaimed")
	require.NoError(t, err)
	assert.Equal(t, "failed", gotBody["status"])
	assert.Equal(t, "stale run reclaimed", gotBody["reason"])
}

func TestListRunsParsesCosts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/campaigns/c-1/runs", r.URL.Path)
		_, _ = w.Write([]byte(`{"runs":[
			{"id":"run-1","campaign_id":"c-1","status":"completed","cost_usd":"3.50","created_at":"2025-06-15T10:00:00Z","completed_at":"2025-06-15T10:05:00Z"},
			{"id":"run-2","campaign_id":"c-1","status":"running","created_at":"2025-06-15T11:00:00Z"}
		]}`))
	}))
	defer server.Close()

	runs, err := newClient(server.URL).ListRuns(context.Background(), "c-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, models.Cents(350), runs[0].CostCents)
	require.NotNil(t, runs[0].CompletedAt)
	assert.True(t, runs[0].IsTerminal())
	assert.Nil(t, runs[1].CompletedAt)
}

func TestRunCosts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/runs/costs", r.URL.Path)

		var body map[string][]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.ElementsMatch(t, []string{"run-1", "run-2"}, body["run_ids"])

		_, _ = w.Write([]byte(`{"costs":{"run-1":"6.00","run-2":"0.25"}}`))
	}))
	defer server.Close()

	costs, err := newClient(server.URL).RunCosts(context.Background(), []string{"run-1", "run-2"})
	require.NoError(t, err)
	assert.Equal(t, models.Cents(600), costs["run-1"])
	assert.Equal(t, models.Cents(25), costs["run-2"])
}

func TestRunCostsEmptyInputSkipsCall(t *testing.T) {
	called := false

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	costs, err := newClient(server.URL).RunCosts(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, costs)
	assert.False(t, called)
}

func TestRunCostsMalformedAmount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"costs":{"run-1":"lots"}}`))
	}))
	defer server.Close()

	_, err := newClient(server.URL).RunCosts(context.Background(), []string{"run-1"})
	assert.ErrorIs(t, err, models.ErrInvalidAmount)
}
