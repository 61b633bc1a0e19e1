package services

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotwave/crmflow/pkg/events"
	"github.com/pilotwave/crmflow/pkg/models"
	"github.com/pilotwave/crmflow/pkg/persistence/memory"
	"github.com/pilotwave/crmflow/pkg/registry"
	"github.com/pilotwave/crmflow/pkg/trigger"
)

func newExecutionFixture(t *testing.T) (*Executions, *Workflows, *memory.Persistence) {
	t.Helper()

	store := memory.NewPersistence()
	evaluator := trigger.NewEvaluator(store, trigger.NewMemoryDedupeCache(), nil, time.Hour, slog.Default())

	executions := NewExecutions(store, evaluator, slog.Default())
	workflows := NewWorkflows(store, registry.NewDefaultRegistry(slog.Default()))

	return executions, workflows, store
}

func TestExecutions_Notify(t *testing.T) {
	executions, workflows, _ := newExecutionFixture(t)

	_, err := workflows.Save(context.Background(), welcomeWorkflow())
	require.NoError(t, err)

	event := events.NewEntityEvent("lead", "lead-1", events.EntityCreated, map[string]any{
		"email": "ada@example.com",
	})

	spawned, err := executions.Notify(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, 1, spawned)

	// The same delivery again is suppressed by the dedupe key.
	spawned, err = executions.Notify(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, 0, spawned)
}

func TestExecutions_Notify_InvalidEvent(t *testing.T) {
	executions, _, _ := newExecutionFixture(t)

	_, err := executions.Notify(context.Background(), events.EntityEvent{EntityID: "lead-1"})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestExecutions_ExecuteNow_PausedConflict(t *testing.T) {
	executions, workflows, _ := newExecutionFixture(t)

	created, err := workflows.Save(context.Background(), welcomeWorkflow())
	require.NoError(t, err)

	_, err = workflows.SetPaused(context.Background(), created.ID, true)
	require.NoError(t, err)

	_, err = executions.ExecuteNow(context.Background(), created.ID, nil)
	require.Error(t, err)
	assert.True(t, IsConflictError(err))
}

func TestExecutions_CancelPending(t *testing.T) {
	executions, workflows, _ := newExecutionFixture(t)

	created, err := workflows.Save(context.Background(), welcomeWorkflow())
	require.NoError(t, err)

	execution, err := executions.ExecuteNow(context.Background(), created.ID, nil)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusPending, execution.Status)

	cancelled, err := executions.Cancel(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, cancelled.Status)

	_, err = executions.Cancel(context.Background(), execution.ID)
	require.Error(t, err)
	assert.True(t, IsConflictError(err))
}

func TestExecutions_CancelRunningIsCooperative(t *testing.T) {
	executions, workflows, store := newExecutionFixture(t)

	created, err := workflows.Save(context.Background(), welcomeWorkflow())
	require.NoError(t, err)

	execution, err := executions.ExecuteNow(context.Background(), created.ID, nil)
	require.NoError(t, err)

	claimed, err := store.ExecutionRepository().ClaimPending(context.Background(), "worker-1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	flagged, err := executions.Cancel(context.Background(), execution.ID)
	require.NoError(t, err)

	// A claimed execution keeps running until the walker checks the flag.
	assert.Equal(t, models.ExecutionStatusClaimed, flagged.Status)
	assert.True(t, flagged.CancelRequested)
}

func TestExecutions_List(t *testing.T) {
	executions, workflows, _ := newExecutionFixture(t)

	created, err := workflows.Save(context.Background(), welcomeWorkflow())
	require.NoError(t, err)

	for range 3 {
		_, err := executions.ExecuteNow(context.Background(), created.ID, nil)
		require.NoError(t, err)
	}

	result, err := executions.List(context.Background(), ListRequest{WorkflowID: created.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalCount)
	assert.Len(t, result.Executions, 3)

	paged, err := executions.List(context.Background(), ListRequest{WorkflowID: created.ID, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, paged.TotalCount)
	assert.Len(t, paged.Executions, 2)
}
