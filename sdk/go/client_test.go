package bountylinesdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettleDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tasks/t-1/settle", r.URL.Path)
		assert.Equal(t, "blk_key", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"code":"settlement_retryable","message":"timeout","details":{"task_id":"t-1","retryable":true}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "acme")
	c.APIKey = "blk_key"
	_, err := c.Settle(context.Background(), "t-1")
	require.Error(t, err)
	assert.Equal(t, "settlement_retryable", ErrorCode(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Retryable())
	assert.Equal(t, "t-1", apiErr.Details["task_id"])
}

func TestMarkCompletedReturnsSettlementHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tasks/t-2/complete", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("X-Settlement-Status", "settled")
		w.Write([]byte(`{"id":"t-2","status":"COMPLETED","settled":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "acme")
	c.BearerToken = "tok"
	task, status, err := c.MarkCompleted(context.Background(), "t-2")
	require.NoError(t, err)
	assert.Equal(t, "settled", status)
	assert.True(t, task.Settled)
}

func TestListTasksEncodesFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/installations/acme/tasks", r.URL.Path)
		assert.Equal(t, "OPEN", r.URL.Query().Get("status"))
		w.Write([]byte(`[{"id":"t-3","status":"OPEN"}]`))
	}))
	defer srv.Close()

	tasks, err := New(srv.URL, "acme").ListTasks(context.Background(), "OPEN", 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t-3", tasks[0].ID)
}
