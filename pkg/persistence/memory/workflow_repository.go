package memory

import (
	"context"
	"sync"

	"github.com/pilotwave/crmflow/pkg/models"
	"github.com/pilotwave/crmflow/pkg/persistence"
)

// WorkflowRepository keeps workflow definitions in a map.
type WorkflowRepository struct {
	mu        sync.RWMutex
	workflows map[string]*models.Workflow
}

func NewWorkflowRepository() *WorkflowRepository {
	return &WorkflowRepository{workflows: make(map[string]*models.Workflow)}
}

func (r *WorkflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *workflow
	r.workflows[workflow.ID] = &copied

	return nil
}

func (r *WorkflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	workflow, ok := r.workflows[id]
	if !ok {
		return nil, persistence.ErrWorkflowNotFound
	}

	copied := *workflow

	return &copied, nil
}

func (r *WorkflowRepository) GetAll(_ context.Context) ([]*models.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*models.Workflow, 0, len(r.workflows))
	for _, workflow := range r.workflows {
		copied := *workflow
		all = append(all, &copied)
	}

	return all, nil
}

func (r *WorkflowRepository) GetRunnable(ctx context.Context) ([]*models.Workflow, error) {
	all, err := r.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	runnable := make([]*models.Workflow, 0, len(all))

	for _, workflow := range all {
		if workflow.Runnable() {
			runnable = append(runnable, workflow)
		}
	}

	return runnable, nil
}

func (r *WorkflowRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workflows[id]; !ok {
		return persistence.ErrWorkflowNotFound
	}

	delete(r.workflows, id)

	return nil
}
