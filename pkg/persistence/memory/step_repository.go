package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pilotwave/crmflow/pkg/models"
	"github.com/pilotwave/crmflow/pkg/persistence"
)

// StepRepository keeps the append-only audit trail in memory.
type StepRepository struct {
	mu    sync.Mutex
	steps map[string]*models.ExecutionStep
}

func NewStepRepository() *StepRepository {
	return &StepRepository{steps: make(map[string]*models.ExecutionStep)}
}

func (r *StepRepository) Append(_ context.Context, step *models.ExecutionStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *step
	r.steps[step.ID] = &copied

	return nil
}

func (r *StepRepository) Finish(_ context.Context, stepID string, outcome models.StepOutcome, errDetail string, output map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	step, ok := r.steps[stepID]
	if !ok {
		return persistence.ErrStepNotFound
	}

	now := time.Now().UTC()
	step.FinishedAt = &now
	step.Outcome = outcome
	step.ErrorDetail = errDetail
	step.Output = output

	return nil
}

func (r *StepRepository) ForExecution(_ context.Context, executionID string) ([]*models.ExecutionStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var steps []*models.ExecutionStep

	for _, step := range r.steps {
		if step.ExecutionID == executionID {
			copied := *step
			steps = append(steps, &copied)
		}
	}

	sort.Slice(steps, func(i, j int) bool {
		if steps[i].StartedAt.Equal(steps[j].StartedAt) {
			return steps[i].ID < steps[j].ID
		}

		return steps[i].StartedAt.Before(steps[j].StartedAt)
	})

	return steps, nil
}

func (r *StepRepository) MarkInterrupted(_ context.Context, executionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()

	for _, step := range r.steps {
		if step.ExecutionID == executionID && step.FinishedAt == nil {
			step.FinishedAt = &now
			step.Outcome = models.StepOutcomeInterrupted
		}
	}

	return nil
}
