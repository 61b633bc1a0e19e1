package web_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotwave/crmflow/pkg/models"
	"github.com/pilotwave/crmflow/pkg/persistence/memory"
	"github.com/pilotwave/crmflow/pkg/registry"
	"github.com/pilotwave/crmflow/pkg/services"
	"github.com/pilotwave/crmflow/pkg/trigger"
	"github.com/pilotwave/crmflow/pkg/web"
)

func setupTestApp(t *testing.T) (*fiber.App, *services.Workflows) {
	t.Helper()

	store := memory.NewPersistence()
	reg := registry.NewDefaultRegistry(slog.Default())
	evaluator := trigger.NewEvaluator(store, trigger.NewMemoryDedupeCache(), nil, time.Hour, slog.Default())

	executionService := services.NewExecutions(store, evaluator, slog.Default())
	workflowService := services.NewWorkflows(store, reg)

	handlers := web.NewAPIHandlers(executionService, workflowService, validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()

	app.Post("/events", handlers.NotifyEvent)

	w := app.Group("/workflows")
	w.Get("/", handlers.GetWorkflows)
	w.Post("/", handlers.CreateWorkflow)
	w.Get("/:id", handlers.GetWorkflow)
	w.Put("/:id", handlers.UpdateWorkflow)
	w.Delete("/:id", handlers.DeleteWorkflow)
	w.Post("/:id/pause", handlers.SetWorkflowPaused)
	w.Post("/:id/execute", handlers.ExecuteWorkflow)

	e := app.Group("/executions")
	e.Get("/", handlers.GetExecutions)
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/cancel", handlers.CancelExecution)
	e.Get("/:id/steps", handlers.GetExecutionSteps)

	return app, workflowService
}

func workflowPayload() map[string]any {
	return map[string]any{
		"name":         "Lead welcome",
		"trigger_type": "entity_created",
		"trigger_config": map[string]any{
			"entity_type": "lead",
		},
		"nodes": []map[string]any{
			{"id": "t", "kind": "trigger"},
			{"id": "greet", "kind": "action", "action": map[string]any{
				"capability": "log",
				"parameters": map[string]any{"message": "welcome"},
			}},
			{"id": "done", "kind": "end"},
		},
		"edges": []map[string]any{
			{"id": "e1", "source_node_id": "t", "target_node_id": "greet"},
			{"id": "e2", "source_node_id": "greet", "target_node_id": "done"},
		},
	}
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	decoded := map[string]any{}
	if len(raw) > 0 {
		// Non-JSON bodies are fine for status-only assertions.
		_ = json.Unmarshal(raw, &decoded)
	}

	return resp, decoded
}

func TestAPIHandlers_CreateWorkflow(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/workflows", workflowPayload())

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, "Lead welcome", body["name"])
	assert.Equal(t, "sequential", body["execution_mode"])
	assert.Equal(t, true, body["is_active"])
}

func TestAPIHandlers_CreateWorkflow_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(payload map[string]any)
	}{
		{
			name: "missing nodes",
			mutate: func(payload map[string]any) {
				delete(payload, "nodes")
			},
		},
		{
			name: "unknown capability",
			mutate: func(payload map[string]any) {
				nodes := payload["nodes"].([]map[string]any)
				nodes[1]["action"] = map[string]any{"capability": "send_fax"}
			},
		},
		{
			name: "edge to missing node",
			mutate: func(payload map[string]any) {
				payload["edges"] = []map[string]any{
					{"id": "e1", "source_node_id": "t", "target_node_id": "ghost"},
				}
			},
		},
		{
			name: "schedule trigger without schedule",
			mutate: func(payload map[string]any) {
				payload["trigger_type"] = "time_elapsed"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, _ := setupTestApp(t)

			payload := workflowPayload()
			tt.mutate(payload)

			resp, body := doJSON(t, app, http.MethodPost, "/workflows", payload)

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "validation_error", body["type"])
		})
	}
}

func TestAPIHandlers_GetWorkflow_NotFound(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodGet, "/workflows/missing", nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "workflow_not_found", body["type"])
}

func TestAPIHandlers_UpdateAndDeleteWorkflow(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, created := doJSON(t, app, http.MethodPost, "/workflows", workflowPayload())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	id := created["id"].(string)

	payload := workflowPayload()
	payload["name"] = "Lead welcome v2"

	resp, updated := doJSON(t, app, http.MethodPut, "/workflows/"+id, payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Lead welcome v2", updated["name"])
	assert.Equal(t, id, updated["id"])

	resp, _ = doJSON(t, app, http.MethodDelete, "/workflows/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodGet, "/workflows/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_NotifyEvent_SpawnsExecution(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, created := doJSON(t, app, http.MethodPost, "/workflows", workflowPayload())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	workflowID := created["id"].(string)

	resp, body := doJSON(t, app, http.MethodPost, "/events", map[string]any{
		"entity_type":     "lead",
		"entity_id":       "lead-1",
		"event_kind":      "created",
		"entity_snapshot": map[string]any{"email": "ada@example.com"},
	})

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.InDelta(t, 1, body["executions_created"], 0)

	resp, listed := doJSON(t, app, http.MethodGet, "/executions?workflow_id="+workflowID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 1, listed["total_count"], 0)
}

func TestAPIHandlers_NotifyEvent_RedeliveryWithoutIDCreatesOneExecution(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, created := doJSON(t, app, http.MethodPost, "/workflows", workflowPayload())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	workflowID := created["id"].(string)

	payload := map[string]any{
		"entity_type":     "lead",
		"entity_id":       "lead-1",
		"event_kind":      "created",
		"entity_snapshot": map[string]any{"email": "ada@example.com"},
	}

	resp, body := doJSON(t, app, http.MethodPost, "/events", payload)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.InDelta(t, 1, body["executions_created"], 0)

	resp, body = doJSON(t, app, http.MethodPost, "/events", payload)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.InDelta(t, 0, body["executions_created"], 0)

	resp, listed := doJSON(t, app, http.MethodGet, "/executions?workflow_id="+workflowID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 1, listed["total_count"], 0)
}

func TestAPIHandlers_NotifyEvent_Invalid(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/events", map[string]any{
		"entity_id":  "lead-1",
		"event_kind": "created",
	})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", body["type"])
}

func TestAPIHandlers_ExecuteWorkflow(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, created := doJSON(t, app, http.MethodPost, "/workflows", workflowPayload())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	id := created["id"].(string)

	resp, execution := doJSON(t, app, http.MethodPost, "/workflows/"+id+"/execute", map[string]any{
		"trigger_data": map[string]any{"requested_by": "ops"},
	})

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, string(models.ExecutionStatusPending), execution["status"])
	assert.Equal(t, string(models.TriggerManual), execution["trigger_type"])
}

func TestAPIHandlers_ExecuteWorkflow_Paused(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, created := doJSON(t, app, http.MethodPost, "/workflows", workflowPayload())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	id := created["id"].(string)

	resp, paused := doJSON(t, app, http.MethodPost, "/workflows/"+id+"/pause", map[string]any{"paused": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, paused["is_paused"])

	resp, body := doJSON(t, app, http.MethodPost, "/workflows/"+id+"/execute", nil)

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", body["type"])
}

func TestAPIHandlers_CancelExecution(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, created := doJSON(t, app, http.MethodPost, "/workflows", workflowPayload())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	id := created["id"].(string)

	resp, execution := doJSON(t, app, http.MethodPost, "/workflows/"+id+"/execute", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	executionID := execution["id"].(string)

	resp, cancelled := doJSON(t, app, http.MethodPost, "/executions/"+executionID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(models.ExecutionStatusCancelled), cancelled["status"])

	// Cancelling again conflicts with the terminal state.
	resp, body := doJSON(t, app, http.MethodPost, "/executions/"+executionID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", body["type"])
}

func TestAPIHandlers_GetExecutionSteps_NotFound(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodGet, "/executions/missing/steps", nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "execution_not_found", body["type"])
}
