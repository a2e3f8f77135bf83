package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/github-fork-cleaner/internal/deletion"
	"github.com/kurihiro0119/github-fork-cleaner/internal/domain"
)

func newServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, "session-token")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestHealthCheck(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	assert.NoError(t, c.HealthCheck(context.Background()))
}

func TestListForks_SendsSessionToken(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer session-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/v1/repositories", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": []domain.Repository{{ID: "R_a", Owner: "octocat", Name: "a", IsFork: true}},
		})
	})

	forks, err := c.ListForks(context.Background())
	require.NoError(t, err)
	require.Len(t, forks, 1)
	assert.Equal(t, "octocat/a", forks[0].FullName())
}

func TestAPIError(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error": map[string]string{"code": "UPSTREAM_ERROR", "message": "slow down", "reason": "rate_limited"},
		})
	})

	_, err := c.ListForks(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, "UPSTREAM_ERROR", apiErr.Code)
	assert.Equal(t, "rate_limited", apiErr.Reason)
}

func TestAPIError_NonJSONBody(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("bad gateway"))
	})

	err := c.HealthCheck(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "bad gateway", apiErr.Message)
}

func TestIntegration_CheckFailed(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data":  map[string]interface{}{"installed": false, "install_url": "https://github.com/apps/x/installations/new"},
			"error": map[string]string{"code": "UPSTREAM_ERROR", "message": "boom"},
		})
	})

	integration, err := c.Integration(context.Background())
	require.NoError(t, err)
	assert.False(t, integration.Installed)
	require.NotNil(t, integration.Err)
	assert.Equal(t, "UPSTREAM_ERROR", integration.Err.Code)
}

func TestBatchLifecycle(t *testing.T) {
	repo := domain.Repository{ID: "R_a", Owner: "octocat", Name: "a", IsFork: true}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/batches", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body struct {
			Repositories []domain.Repository `json:"repositories"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []domain.Repository{repo}, body.Repositories)
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"data": deletion.Snapshot{ID: "b-1", State: deletion.StateRunning, Total: 1},
		})
	})
	mux.HandleFunc("/api/v1/batches/b-1/wait", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{
				"id":        "b-1",
				"state":     "completed",
				"deleted":   []domain.Outcome{{Repository: repo, Status: domain.OutcomeSucceeded}},
				"succeeded": 1,
				"failed":    0,
			},
		})
	})
	mux.HandleFunc("/api/v1/batches/b-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"data": deletion.Snapshot{ID: "b-1", State: deletion.StateCompleted, Total: 1, Visited: 1, Progress: 1},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	c := NewClient(server.URL, "session-token")

	snap, err := c.StartBatch(context.Background(), []domain.Repository{repo})
	require.NoError(t, err)
	assert.Equal(t, "b-1", snap.ID)

	report, err := c.WaitBatch(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, deletion.StateCompleted, report.State)
	assert.Equal(t, 1, report.SucceededCount)
	require.Len(t, report.Deleted, 1)
	assert.True(t, report.Deleted[0].Succeeded())

	snap, err = c.CancelBatch(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, 100, snap.Percent())
}

func TestListBatches_PassesLimit(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": []*domain.DeletionBatch{{ID: "b-1", State: "completed", Total: 2, Succeeded: 2}},
		})
	})

	batches, err := c.ListBatches(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 2, batches[0].Visited())
}

func TestDeleteFork_NoContent(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/v1/repositories/octocat/a", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	assert.NoError(t, c.DeleteFork(context.Background(), "octocat", "a"))
}
