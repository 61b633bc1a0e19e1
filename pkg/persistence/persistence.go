// Package persistence defines the storage contracts for workflows, executions
// and execution steps, plus the claim-and-lease primitives the scheduler
// depends on.
package persistence

import (
	"context"
	"time"

	"github.com/pilotwave/crmflow/pkg/models"
)

// Persistence is the facade over one storage backend.
type Persistence interface {
	WorkflowRepository() WorkflowRepository
	ExecutionRepository() ExecutionRepository
	StepRepository() StepRepository
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores workflow definitions. The engine only reads
// them; writes come through the definition API.
type WorkflowRepository interface {
	Save(ctx context.Context, workflow *models.Workflow) error
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	GetAll(ctx context.Context) ([]*models.Workflow, error)
	// GetRunnable returns active, unpaused workflows.
	GetRunnable(ctx context.Context) ([]*models.Workflow, error)
	Delete(ctx context.Context, id string) error
}

// Update carries the optional fields a Transition writes alongside the
// status change. Nil fields are left untouched.
type Update struct {
	Cursor         *models.CursorState
	WorkerID       *string
	LeaseExpiresAt *time.Time
	ErrorMessage   *string
	FailedNodeID   *string
}

// ListFilter narrows and pages execution listings.
type ListFilter struct {
	WorkflowID string
	Status     *models.ExecutionStatus
	Limit      int
	Offset     int
}

// ExecutionRepository is the durable execution queue. ClaimPending and
// Transition are the two primitives the "no execution runs twice
// concurrently" guarantee rests on: the first must be atomic, the second is
// a compare-and-swap on status.
type ExecutionRepository interface {
	// Enqueue inserts a pending execution. ErrDuplicateExecution is returned
	// when an execution with the same dedupe key already exists.
	Enqueue(ctx context.Context, execution *models.Execution) error

	GetByID(ctx context.Context, id string) (*models.Execution, error)

	// List returns a page of executions plus the unpaged total count.
	List(ctx context.Context, filter ListFilter) ([]*models.Execution, int, error)

	// ClaimPending atomically claims up to limit executions for workerID,
	// oldest first (created_at, then id). Rows whose lease has expired are
	// reclaimable regardless of their recorded status.
	ClaimPending(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*models.Execution, error)

	// Heartbeat extends the lease. ErrLeaseLost is returned when workerID no
	// longer owns the execution.
	Heartbeat(ctx context.Context, id, workerID string, lease time.Duration) error

	// Transition performs a compare-and-swap status update and returns the
	// stored row. ErrTransitionConflict means the stored status did not match
	// from: someone else owns the execution and the caller must abandon it.
	Transition(ctx context.Context, id string, from, to models.ExecutionStatus, update Update) (*models.Execution, error)

	// PromoteDue moves waiting executions whose wake time has elapsed back to
	// pending and returns how many were promoted.
	PromoteDue(ctx context.Context, now time.Time) (int, error)

	// RunningCounts reports claimed+running executions globally and per
	// workflow. Derived by query on purpose: no separate counter to drift.
	RunningCounts(ctx context.Context) (int, map[string]int, error)

	// RequestCancel sets the cooperative cancellation flag. The walker checks
	// it before every node; pending and waiting executions are cancelled on
	// the next scheduler tick.
	RequestCancel(ctx context.Context, id string) error

	// LatestCreatedAt returns the creation time of the newest execution for a
	// workflow, used as the watermark for time_elapsed schedules.
	LatestCreatedAt(ctx context.Context, workflowID string) (time.Time, bool, error)
}

// StepRepository stores the append-only audit trail.
type StepRepository interface {
	Append(ctx context.Context, step *models.ExecutionStep) error
	Finish(ctx context.Context, stepID string, outcome models.StepOutcome, errDetail string, output map[string]any) error
	ForExecution(ctx context.Context, executionID string) ([]*models.ExecutionStep, error)
	// MarkInterrupted closes any step left open by a dead worker so the audit
	// trail shows the interruption.
	MarkInterrupted(ctx context.Context, executionID string) error
}
