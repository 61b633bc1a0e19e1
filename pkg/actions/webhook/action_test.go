package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotwave/crmflow/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewAction_RequiresURL(t *testing.T) {
	_, err := NewAction(map[string]any{})
	require.Error(t, err)
	assert.True(t, models.IsConfigurationError(err))
}

func TestNewAction_RejectsRelativeURL(t *testing.T) {
	_, err := NewAction(map[string]any{"url": "/hooks/crm"})
	require.Error(t, err)
	assert.True(t, models.IsConfigurationError(err))
}

func TestNewAction_RejectsBadTimeout(t *testing.T) {
	_, err := NewAction(map[string]any{"url": "http://example.com", "timeout": -1})
	require.Error(t, err)
	assert.True(t, models.IsConfigurationError(err))
}

func TestExecute_PostsExecutionPayload(t *testing.T) {
	var received map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accepted":true}`))
	}))
	defer server.Close()

	action, err := NewAction(map[string]any{
		"url":     server.URL,
		"headers": map[string]any{"X-Api-Key": "secret"},
	})
	require.NoError(t, err)

	result, err := action.Execute(context.Background(), models.ExecutionContext{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		TriggerData: map[string]any{"score": float64(80)},
		NodeOutputs: map[string]any{},
	}, testLogger())
	require.NoError(t, err)

	assert.Equal(t, "exec-1", received["execution_id"])
	assert.Equal(t, map[string]any{"score": float64(80)}, received["trigger_data"])
	assert.Equal(t, http.StatusOK, result["status"])
	assert.Equal(t, map[string]any{"accepted": true}, result["body"])
}

func TestExecute_NonSuccessStatusIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	action, err := NewAction(map[string]any{"url": server.URL})
	require.NoError(t, err)

	_, err = action.Execute(context.Background(), models.ExecutionContext{ExecutionID: "exec-1"}, testLogger())
	require.Error(t, err)
	assert.False(t, models.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "502")
}
