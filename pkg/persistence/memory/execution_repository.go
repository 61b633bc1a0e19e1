package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pilotwave/crmflow/pkg/models"
	"github.com/pilotwave/crmflow/pkg/persistence"
)

// ExecutionRepository is the in-memory execution queue. A single mutex makes
// ClaimPending and Transition atomic, mirroring what the postgresql backend
// gets from row locking.
type ExecutionRepository struct {
	mu         sync.Mutex
	executions map[string]*models.Execution
	dedupe     map[string]string // dedupe key -> execution id
	steps      *StepRepository
}

func NewExecutionRepository(steps *StepRepository) *ExecutionRepository {
	return &ExecutionRepository{
		executions: make(map[string]*models.Execution),
		dedupe:     make(map[string]string),
		steps:      steps,
	}
}

func (r *ExecutionRepository) Enqueue(_ context.Context, execution *models.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if execution.DedupeKey != "" {
		if _, exists := r.dedupe[execution.DedupeKey]; exists {
			return persistence.ErrDuplicateExecution
		}

		r.dedupe[execution.DedupeKey] = execution.ID
	}

	r.executions[execution.ID] = copyExecution(execution)

	return nil
}

func (r *ExecutionRepository) GetByID(_ context.Context, id string) (*models.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	execution, ok := r.executions[id]
	if !ok {
		return nil, persistence.ErrExecutionNotFound
	}

	return copyExecution(execution), nil
}

func (r *ExecutionRepository) List(_ context.Context, filter persistence.ListFilter) ([]*models.Execution, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*models.Execution

	for _, execution := range r.executions {
		if filter.WorkflowID != "" && execution.WorkflowID != filter.WorkflowID {
			continue
		}

		if filter.Status != nil && execution.Status != *filter.Status {
			continue
		}

		matched = append(matched, copyExecution(execution))
	}

	sortByAge(matched)

	total := len(matched)

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	return matched, total, nil
}

func (r *ExecutionRepository) ClaimPending(_ context.Context, workerID string, limit int, lease time.Duration) ([]*models.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}

	now := time.Now().UTC()

	var candidates []*models.Execution

	for _, execution := range r.executions {
		if claimable(execution, now) {
			candidates = append(candidates, execution)
		}
	}

	sortByAge(candidates)

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	expiry := now.Add(lease)
	claimed := make([]*models.Execution, 0, len(candidates))

	for _, execution := range candidates {
		execution.Status = models.ExecutionStatusClaimed
		execution.WorkerID = workerID
		execution.ClaimedAt = timePtr(now)
		execution.LeaseExpiresAt = timePtr(expiry)
		execution.UpdatedAt = now

		claimed = append(claimed, copyExecution(execution))
	}

	return claimed, nil
}

// claimable covers fresh pending rows and rows abandoned by a dead worker.
func claimable(execution *models.Execution, now time.Time) bool {
	switch execution.Status {
	case models.ExecutionStatusPending:
		return true
	case models.ExecutionStatusClaimed, models.ExecutionStatusRunning:
		return execution.LeaseExpiresAt != nil && execution.LeaseExpiresAt.Before(now)
	default:
		return false
	}
}

func (r *ExecutionRepository) Heartbeat(_ context.Context, id, workerID string, lease time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	execution, ok := r.executions[id]
	if !ok {
		return persistence.ErrExecutionNotFound
	}

	if execution.WorkerID != workerID || execution.Status.Terminal() {
		return persistence.ErrLeaseLost
	}

	now := time.Now().UTC()
	execution.LeaseExpiresAt = timePtr(now.Add(lease))
	execution.UpdatedAt = now

	return nil
}

func (r *ExecutionRepository) Transition(_ context.Context, id string, from, to models.ExecutionStatus, update persistence.Update) (*models.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	execution, ok := r.executions[id]
	if !ok {
		return nil, persistence.ErrExecutionNotFound
	}

	if execution.Status != from {
		return nil, persistence.ErrTransitionConflict
	}

	now := time.Now().UTC()
	execution.Status = to
	execution.UpdatedAt = now

	switch {
	case to == models.ExecutionStatusRunning && execution.StartedAt == nil:
		execution.StartedAt = timePtr(now)
	case to.Terminal():
		execution.CompletedAt = timePtr(now)
		execution.WorkerID = ""
		execution.LeaseExpiresAt = nil
	case to == models.ExecutionStatusPending || to == models.ExecutionStatusWaiting:
		execution.WorkerID = ""
		execution.LeaseExpiresAt = nil
	}

	applyUpdate(execution, update)

	return copyExecution(execution), nil
}

func (r *ExecutionRepository) PromoteDue(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	promoted := 0

	for _, execution := range r.executions {
		if execution.Status != models.ExecutionStatusWaiting {
			continue
		}

		if execution.Cursor.WakeAt == nil || execution.Cursor.WakeAt.After(now) {
			continue
		}

		execution.Status = models.ExecutionStatusPending
		execution.Cursor.WakeAt = nil
		execution.WorkerID = ""
		execution.LeaseExpiresAt = nil
		execution.UpdatedAt = now
		promoted++
	}

	return promoted, nil
}

func (r *ExecutionRepository) RunningCounts(_ context.Context) (int, map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	perWorkflow := make(map[string]int)
	total := 0

	for _, execution := range r.executions {
		if execution.Status == models.ExecutionStatusClaimed || execution.Status == models.ExecutionStatusRunning {
			total++
			perWorkflow[execution.WorkflowID]++
		}
	}

	return total, perWorkflow, nil
}

func (r *ExecutionRepository) RequestCancel(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	execution, ok := r.executions[id]
	if !ok {
		return persistence.ErrExecutionNotFound
	}

	execution.CancelRequested = true
	execution.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *ExecutionRepository) LatestCreatedAt(_ context.Context, workflowID string) (time.Time, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest time.Time

	found := false

	for _, execution := range r.executions {
		if execution.WorkflowID != workflowID {
			continue
		}

		if !found || execution.CreatedAt.After(latest) {
			latest = execution.CreatedAt
			found = true
		}
	}

	return latest, found, nil
}

func applyUpdate(execution *models.Execution, update persistence.Update) {
	if update.Cursor != nil {
		execution.Cursor = *update.Cursor
	}

	if update.WorkerID != nil {
		execution.WorkerID = *update.WorkerID
	}

	if update.LeaseExpiresAt != nil {
		execution.LeaseExpiresAt = update.LeaseExpiresAt
	}

	if update.ErrorMessage != nil {
		execution.ErrorMessage = *update.ErrorMessage
	}

	if update.FailedNodeID != nil {
		execution.FailedNodeID = *update.FailedNodeID
	}
}

func sortByAge(executions []*models.Execution) {
	sort.Slice(executions, func(i, j int) bool {
		if executions[i].CreatedAt.Equal(executions[j].CreatedAt) {
			return executions[i].ID < executions[j].ID
		}

		return executions[i].CreatedAt.Before(executions[j].CreatedAt)
	})
}

func copyExecution(execution *models.Execution) *models.Execution {
	copied := *execution

	copied.Cursor.Active = append([]string(nil), execution.Cursor.Active...)
	copied.Cursor.Failed = append([]string(nil), execution.Cursor.Failed...)

	if execution.Cursor.Attempts != nil {
		copied.Cursor.Attempts = make(map[string]int, len(execution.Cursor.Attempts))
		for k, v := range execution.Cursor.Attempts {
			copied.Cursor.Attempts[k] = v
		}
	}

	if execution.Cursor.Parked != nil {
		copied.Cursor.Parked = make(map[string]time.Time, len(execution.Cursor.Parked))
		for k, v := range execution.Cursor.Parked {
			copied.Cursor.Parked[k] = v
		}
	}

	return &copied
}

func timePtr(t time.Time) *time.Time { return &t }
