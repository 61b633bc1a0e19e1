package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pilotwave/crmflow/pkg/models"
	"github.com/pilotwave/crmflow/pkg/persistence"
)

// Workflows manages automation definitions. Saving runs full graph
// validation so the scheduler only ever sees well-formed workflows.
type Workflows struct {
	persistence persistence.Persistence
	validator   *models.WorkflowValidator
}

func NewWorkflows(p persistence.Persistence, catalog models.ActionCatalog) *Workflows {
	return &Workflows{
		persistence: p,
		validator:   models.NewWorkflowValidator(catalog),
	}
}

func (s *Workflows) Save(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
		workflow.CreatedAt = time.Now().UTC()
	}

	workflow.UpdatedAt = time.Now().UTC()

	if workflow.ExecutionMode == "" {
		workflow.ExecutionMode = models.ExecutionModeSequential
	}

	if workflow.MaxConcurrentExecutions == 0 {
		workflow.MaxConcurrentExecutions = 1
	}

	if err := s.validator.Validate(workflow); err != nil {
		return nil, NewValidationError("%s", err.Error())
	}

	if err := s.persistence.WorkflowRepository().Save(ctx, workflow); err != nil {
		return nil, err
	}

	return workflow, nil
}

func (s *Workflows) Get(ctx context.Context, id string) (*models.Workflow, error) {
	return s.persistence.WorkflowRepository().GetByID(ctx, id)
}

func (s *Workflows) List(ctx context.Context) ([]*models.Workflow, error) {
	return s.persistence.WorkflowRepository().GetAll(ctx)
}

func (s *Workflows) Delete(ctx context.Context, id string) error {
	return s.persistence.WorkflowRepository().Delete(ctx, id)
}

// SetPaused flips the pause flag without touching the rest of the
// definition. Paused workflows keep their pending backlog.
func (s *Workflows) SetPaused(ctx context.Context, id string, paused bool) (*models.Workflow, error) {
	workflow, err := s.persistence.WorkflowRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	workflow.IsPaused = paused
	workflow.UpdatedAt = time.Now().UTC()

	if err := s.persistence.WorkflowRepository().Save(ctx, workflow); err != nil {
		return nil, err
	}

	return workflow, nil
}
