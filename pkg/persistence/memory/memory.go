// Package memory provides an in-process persistence backend. It backs unit
// tests and embedded single-process deployments; the postgresql package is
// the durable production backend.
package memory

import (
	"context"

	"github.com/pilotwave/crmflow/pkg/persistence"
)

// Persistence implements persistence.Persistence with mutex-protected maps.
type Persistence struct {
	workflows  *WorkflowRepository
	executions *ExecutionRepository
	steps      *StepRepository
}

func NewPersistence() *Persistence {
	steps := NewStepRepository()

	return &Persistence{
		workflows:  NewWorkflowRepository(),
		executions: NewExecutionRepository(steps),
		steps:      steps,
	}
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return p.workflows
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return p.executions
}

func (p *Persistence) StepRepository() persistence.StepRepository {
	return p.steps
}

func (p *Persistence) HealthCheck(_ context.Context) error { return nil }

func (p *Persistence) Close(_ context.Context) error { return nil }
