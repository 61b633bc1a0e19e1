package services

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotwave/crmflow/pkg/models"
	"github.com/pilotwave/crmflow/pkg/persistence"
	"github.com/pilotwave/crmflow/pkg/persistence/memory"
	"github.com/pilotwave/crmflow/pkg/registry"
)

func welcomeWorkflow() *models.Workflow {
	return &models.Workflow{
		Name:          "Lead welcome",
		TriggerType:   models.TriggerEntityCreated,
		TriggerConfig: models.TriggerConfig{EntityType: "lead"},
		IsActive:      true,
		Nodes: []*models.Node{
			{ID: "t", Kind: models.NodeKindTrigger},
			{ID: "greet", Kind: models.NodeKindAction, Action: &models.ActionConfig{
				Capability: "log",
				Parameters: map[string]any{"message": "welcome"},
			}},
			{ID: "done", Kind: models.NodeKindEnd},
		},
		Edges: []*models.Edge{
			{ID: "e1", SourceNodeID: "t", TargetNodeID: "greet"},
			{ID: "e2", SourceNodeID: "greet", TargetNodeID: "done"},
		},
	}
}

func newWorkflowService() *Workflows {
	return NewWorkflows(memory.NewPersistence(), registry.NewDefaultRegistry(slog.Default()))
}

func TestWorkflows_Save_AssignsIDAndDefaults(t *testing.T) {
	service := newWorkflowService()

	created, err := service.Save(context.Background(), welcomeWorkflow())
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, models.ExecutionModeSequential, created.ExecutionMode)
	assert.Equal(t, 1, created.MaxConcurrentExecutions)
}

func TestWorkflows_Save_RejectsInvalidDefinition(t *testing.T) {
	service := newWorkflowService()

	tests := []struct {
		name   string
		mutate func(wf *models.Workflow)
	}{
		{
			name: "unknown capability",
			mutate: func(wf *models.Workflow) {
				wf.Nodes[1].Action.Capability = "send_fax"
			},
		},
		{
			name: "cycle",
			mutate: func(wf *models.Workflow) {
				wf.Edges = append(wf.Edges, &models.Edge{ID: "e3", SourceNodeID: "done", TargetNodeID: "greet"})
			},
		},
		{
			name: "second trigger node",
			mutate: func(wf *models.Workflow) {
				wf.Nodes = append(wf.Nodes, &models.Node{ID: "t2", Kind: models.NodeKindTrigger})
			},
		},
		{
			name: "missing trigger entity type",
			mutate: func(wf *models.Workflow) {
				wf.TriggerConfig.EntityType = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := welcomeWorkflow()
			tt.mutate(wf)

			_, err := service.Save(context.Background(), wf)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestWorkflows_SetPaused(t *testing.T) {
	service := newWorkflowService()

	created, err := service.Save(context.Background(), welcomeWorkflow())
	require.NoError(t, err)

	paused, err := service.SetPaused(context.Background(), created.ID, true)
	require.NoError(t, err)
	assert.True(t, paused.IsPaused)
	assert.False(t, paused.Runnable())

	resumed, err := service.SetPaused(context.Background(), created.ID, false)
	require.NoError(t, err)
	assert.True(t, resumed.Runnable())
}

func TestWorkflows_Delete(t *testing.T) {
	service := newWorkflowService()

	created, err := service.Save(context.Background(), welcomeWorkflow())
	require.NoError(t, err)

	require.NoError(t, service.Delete(context.Background(), created.ID))

	_, err = service.Get(context.Background(), created.ID)
	assert.True(t, persistence.IsWorkflowNotFound(err))
}
