// Package services exposes the engine's operations to the HTTP surface
// and to embedding applications.
package services

import (
	"context"
	"log/slog"

	"github.com/pilotwave/crmflow/pkg/events"
	"github.com/pilotwave/crmflow/pkg/models"
	"github.com/pilotwave/crmflow/pkg/persistence"
	"github.com/pilotwave/crmflow/pkg/trigger"
)

type Executions struct {
	persistence persistence.Persistence
	evaluator   *trigger.Evaluator
	logger      *slog.Logger
}

func NewExecutions(p persistence.Persistence, evaluator *trigger.Evaluator, logger *slog.Logger) *Executions {
	return &Executions{
		persistence: p,
		evaluator:   evaluator,
		logger:      logger.With("module", "executions_service"),
	}
}

// Notify feeds one CRM entity event through the trigger evaluator and
// returns how many executions it spawned.
func (s *Executions) Notify(ctx context.Context, event events.EntityEvent) (int, error) {
	if err := event.Validate(); err != nil {
		return 0, NewValidationError("%s", err.Error())
	}

	return s.evaluator.HandleEvent(ctx, event)
}

// ExecuteNow starts a manual run of a workflow.
func (s *Executions) ExecuteNow(ctx context.Context, workflowID string, triggerData map[string]any) (*models.Execution, error) {
	execution, err := s.evaluator.ExecuteNow(ctx, workflowID, triggerData)
	if err != nil {
		if models.IsConfigurationError(err) {
			return nil, NewConflictError("%s", err.Error())
		}

		return nil, err
	}

	return execution, nil
}

func (s *Executions) Get(ctx context.Context, id string) (*models.Execution, error) {
	return s.persistence.ExecutionRepository().GetByID(ctx, id)
}

// ListRequest bounds and filters an execution listing.
type ListRequest struct {
	WorkflowID string
	Status     *models.ExecutionStatus
	Limit      int `validate:"min=0,max=200"`
	Offset     int `validate:"min=0"`
}

type ListResult struct {
	Executions []*models.Execution
	TotalCount int
}

func (s *Executions) List(ctx context.Context, req ListRequest) (*ListResult, error) {
	if req.Limit <= 0 || req.Limit > 200 {
		req.Limit = 50
	}

	items, total, err := s.persistence.ExecutionRepository().List(ctx, persistence.ListFilter{
		WorkflowID: req.WorkflowID,
		Status:     req.Status,
		Limit:      req.Limit,
		Offset:     req.Offset,
	})
	if err != nil {
		return nil, err
	}

	return &ListResult{Executions: items, TotalCount: total}, nil
}

// Cancel requests cooperative cancellation. Pending and waiting
// executions stop immediately; claimed and running ones stop before
// their next node.
func (s *Executions) Cancel(ctx context.Context, id string) (*models.Execution, error) {
	repo := s.persistence.ExecutionRepository()

	execution, err := repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if execution.Status.Terminal() {
		return nil, NewConflictError("execution %s is already %s", id, execution.Status)
	}

	if err := repo.RequestCancel(ctx, id); err != nil {
		return nil, err
	}

	// Idle executions have no worker to notice the flag; finish them
	// here. A CAS conflict means a worker grabbed it in between, and
	// the cooperative path takes over.
	if execution.Status == models.ExecutionStatusPending || execution.Status == models.ExecutionStatusWaiting {
		cancelled, err := repo.Transition(ctx, id, execution.Status, models.ExecutionStatusCancelled, persistence.Update{})
		if err == nil {
			if serr := s.persistence.StepRepository().MarkInterrupted(ctx, id); serr != nil {
				s.logger.Warn("Failed to mark steps interrupted", "execution_id", id, "error", serr)
			}

			return cancelled, nil
		}

		if !persistence.IsTransitionConflict(err) {
			return nil, err
		}
	}

	return repo.GetByID(ctx, id)
}

// Steps returns the audit trail for one execution.
func (s *Executions) Steps(ctx context.Context, id string) ([]*models.ExecutionStep, error) {
	if _, err := s.persistence.ExecutionRepository().GetByID(ctx, id); err != nil {
		return nil, err
	}

	return s.persistence.StepRepository().ForExecution(ctx, id)
}

// HealthCheck reports store reachability for the liveness endpoint.
func (s *Executions) HealthCheck(ctx context.Context) (string, bool) {
	if err := s.persistence.HealthCheck(ctx); err != nil {
		return "persistence layer is unhealthy: " + err.Error(), false
	}

	return "persistence layer is healthy", true
}
