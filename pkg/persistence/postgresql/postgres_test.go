package postgresql_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/pilotwave/crmflow/pkg/models"
	"github.com/pilotwave/crmflow/pkg/persistence"
	"github.com/pilotwave/crmflow/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context) {
	t.Helper()

	ctx := context.Background()

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("crmflow_test"),
			postgres.WithUsername("crmflow"),
			postgres.WithPassword("crmflow"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = p.Close(ctx)
	})

	return p, ctx
}

func testWorkflow() *models.Workflow {
	now := time.Now().UTC()

	return &models.Workflow{
		ID:          "wf-pg-" + now.Format("150405.000000000"),
		Name:        "Postgres test workflow",
		TriggerType: models.TriggerEntityCreated,
		TriggerConfig: models.TriggerConfig{
			EntityType: "lead",
		},
		ExecutionMode:           models.ExecutionModeSequential,
		MaxConcurrentExecutions: 2,
		MaxRetries:              1,
		IsActive:                true,
		Nodes: []*models.Node{
			{ID: "t", Kind: models.NodeKindTrigger},
			{ID: "e", Kind: models.NodeKindEnd},
		},
		Edges: []*models.Edge{
			{ID: "e1", SourceNodeID: "t", TargetNodeID: "e"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestWorkflowRepository_SaveAndGet(t *testing.T) {
	p, ctx := setupTestDB(t)

	workflow := testWorkflow()
	require.NoError(t, p.WorkflowRepository().Save(ctx, workflow))

	stored, err := p.WorkflowRepository().GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.Name, stored.Name)
	assert.Equal(t, workflow.TriggerType, stored.TriggerType)
	assert.Equal(t, "lead", stored.TriggerConfig.EntityType)
	assert.Len(t, stored.Nodes, 2)
	assert.Len(t, stored.Edges, 1)

	runnable, err := p.WorkflowRepository().GetRunnable(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, runnable)
}

func TestExecutionRepository_EnqueueClaimTransition(t *testing.T) {
	p, ctx := setupTestDB(t)

	workflow := testWorkflow()
	require.NoError(t, p.WorkflowRepository().Save(ctx, workflow))

	repo := p.ExecutionRepository()

	execution := models.NewExecution(workflow.ID, models.TriggerEntityCreated, map[string]any{"score": 80})
	execution.DedupeKey = execution.ID + ":lead:1:created"
	require.NoError(t, repo.Enqueue(ctx, execution))

	// Duplicate dedupe key is rejected.
	duplicate := models.NewExecution(workflow.ID, models.TriggerEntityCreated, nil)
	duplicate.DedupeKey = execution.DedupeKey
	err := repo.Enqueue(ctx, duplicate)
	require.Error(t, err)
	assert.True(t, persistence.IsDuplicateExecution(err))

	claimed, err := repo.ClaimPending(ctx, "worker-1", 10, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, claimed)

	var ours *models.Execution

	for _, c := range claimed {
		if c.ID == execution.ID {
			ours = c
		}
	}

	require.NotNil(t, ours)
	assert.Equal(t, models.ExecutionStatusClaimed, ours.Status)
	assert.Equal(t, "worker-1", ours.WorkerID)

	running, err := repo.Transition(ctx, execution.ID, models.ExecutionStatusClaimed, models.ExecutionStatusRunning, persistence.Update{
		Cursor: &models.CursorState{Active: []string{"t"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, running.Status)
	assert.NotNil(t, running.StartedAt)
	assert.Equal(t, []string{"t"}, running.Cursor.Active)

	// CAS conflict for a stale owner.
	_, err = repo.Transition(ctx, execution.ID, models.ExecutionStatusClaimed, models.ExecutionStatusRunning, persistence.Update{})
	require.Error(t, err)
	assert.True(t, persistence.IsTransitionConflict(err))

	completed, err := repo.Transition(ctx, execution.ID, models.ExecutionStatusRunning, models.ExecutionStatusCompleted, persistence.Update{})
	require.NoError(t, err)
	assert.NotNil(t, completed.CompletedAt)
	assert.Empty(t, completed.WorkerID)
}

func TestExecutionRepository_WaitingPromotion(t *testing.T) {
	p, ctx := setupTestDB(t)

	workflow := testWorkflow()
	require.NoError(t, p.WorkflowRepository().Save(ctx, workflow))

	repo := p.ExecutionRepository()

	execution := models.NewExecution(workflow.ID, models.TriggerManual, nil)
	require.NoError(t, repo.Enqueue(ctx, execution))

	claimed, err := repo.ClaimPending(ctx, "worker-1", 50, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, claimed)

	wake := time.Now().UTC().Add(-time.Second)
	_, err = repo.Transition(ctx, execution.ID, models.ExecutionStatusClaimed, models.ExecutionStatusWaiting, persistence.Update{
		Cursor: &models.CursorState{Active: []string{"delay"}, WakeAt: &wake},
	})
	require.NoError(t, err)

	promoted, err := repo.PromoteDue(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, promoted, 1)

	stored, err := repo.GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPending, stored.Status)
	assert.Nil(t, stored.Cursor.WakeAt)
}

func TestStepRepository_AppendFinishList(t *testing.T) {
	p, ctx := setupTestDB(t)

	repo := p.StepRepository()
	execution := models.NewExecution("wf-steps", models.TriggerManual, nil)

	step := models.NewExecutionStep(execution.ID, "node-1", 1)
	require.NoError(t, repo.Append(ctx, step))
	require.NoError(t, repo.Finish(ctx, step.ID, models.StepOutcomeSuccess, "", map[string]any{"sent": true}))

	open := models.NewExecutionStep(execution.ID, "node-2", 1)
	require.NoError(t, repo.Append(ctx, open))
	require.NoError(t, repo.MarkInterrupted(ctx, execution.ID))

	steps, err := repo.ForExecution(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, models.StepOutcomeSuccess, steps[0].Outcome)
	assert.Equal(t, map[string]any{"sent": true}, steps[0].Output)
	assert.Equal(t, models.StepOutcomeInterrupted, steps[1].Outcome)
	assert.NotNil(t, steps[1].FinishedAt)
}
