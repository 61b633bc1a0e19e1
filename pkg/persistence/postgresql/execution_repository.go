package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/pilotwave/crmflow/pkg/models"
	"github.com/pilotwave/crmflow/pkg/persistence"
)

// ExecutionRepository is the durable execution queue. ClaimPending relies on
// FOR UPDATE SKIP LOCKED so concurrent schedulers never hand the same row to
// two workers; Transition is a compare-and-swap on the status column.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

const executionColumns = `
	id, workflow_id, trigger_type, trigger_data, previous_data, dedupe_key,
	status, cursor_state, worker_id, cancel_requested, error_message,
	failed_node_id, created_at, claimed_at, started_at, completed_at,
	lease_expires_at, updated_at
`

func (r *ExecutionRepository) Enqueue(ctx context.Context, execution *models.Execution) error {
	triggerDataJSON, err := json.Marshal(execution.TriggerData)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger data: %w", err)
	}

	previousDataJSON, err := json.Marshal(execution.PreviousData)
	if err != nil {
		return fmt.Errorf("failed to marshal previous data: %w", err)
	}

	cursorJSON, err := json.Marshal(execution.Cursor)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor state: %w", err)
	}

	query := `
		INSERT INTO executions (
			id, workflow_id, trigger_type, trigger_data, previous_data,
			dedupe_key, status, cursor_state, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.WorkflowID,
		execution.TriggerType,
		triggerDataJSON,
		previousDataJSON,
		execution.DedupeKey,
		execution.Status,
		cursorJSON,
		execution.CreatedAt,
		execution.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return persistence.ErrDuplicateExecution
		}

		return fmt.Errorf("failed to enqueue execution: %w", err)
	}

	return nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) List(ctx context.Context, filter persistence.ListFilter) ([]*models.Execution, int, error) {
	where := " WHERE 1=1"

	var args []any

	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		where += " AND workflow_id = $" + strconv.Itoa(len(args))
	}

	if filter.Status != nil {
		args = append(args, *filter.Status)
		where += " AND status = $" + strconv.Itoa(len(args))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}

	query := `SELECT ` + executionColumns + ` FROM executions` + where + " ORDER BY created_at, id"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}

	executions, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}

	return executions, total, nil
}

func (r *ExecutionRepository) ClaimPending(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*models.Execution, error) {
	if limit <= 0 {
		return nil, nil
	}

	// Expired-lease claimed/running rows are reclaimable: their worker died.
	query := `
		UPDATE executions SET
			status = 'claimed',
			worker_id = $1,
			claimed_at = NOW(),
			lease_expires_at = NOW() + make_interval(secs => $2),
			updated_at = NOW()
		WHERE id IN (
			SELECT id FROM executions
			WHERE status = 'pending'
			   OR (status IN ('claimed', 'running') AND lease_expires_at < NOW())
			ORDER BY created_at ASC, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + executionColumns

	return r.query(ctx, query, workerID, lease.Seconds(), limit)
}

func (r *ExecutionRepository) Heartbeat(ctx context.Context, id, workerID string, lease time.Duration) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE executions SET
			lease_expires_at = NOW() + make_interval(secs => $3),
			updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status IN ('claimed', 'running')
	`, id, workerID, lease.Seconds())
	if err != nil {
		return fmt.Errorf("failed to heartbeat execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrLeaseLost
	}

	return nil
}

func (r *ExecutionRepository) Transition(ctx context.Context, id string, from, to models.ExecutionStatus, update persistence.Update) (*models.Execution, error) {
	set := `
		status = $3,
		updated_at = NOW(),
		started_at = CASE WHEN $3 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
		completed_at = CASE WHEN $3 IN ('completed', 'failed', 'cancelled') THEN NOW() ELSE completed_at END,
		worker_id = CASE WHEN $3 IN ('completed', 'failed', 'cancelled', 'pending', 'waiting') THEN '' ELSE worker_id END,
		lease_expires_at = CASE WHEN $3 IN ('completed', 'failed', 'cancelled', 'pending', 'waiting') THEN NULL ELSE lease_expires_at END`

	args := []any{id, from, to}

	if update.Cursor != nil {
		cursorJSON, err := json.Marshal(update.Cursor)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal cursor state: %w", err)
		}

		args = append(args, cursorJSON)
		set += ", cursor_state = $" + strconv.Itoa(len(args))
	}

	if update.WorkerID != nil {
		args = append(args, *update.WorkerID)
		set += ", worker_id = $" + strconv.Itoa(len(args))
	}

	if update.LeaseExpiresAt != nil {
		args = append(args, *update.LeaseExpiresAt)
		set += ", lease_expires_at = $" + strconv.Itoa(len(args))
	}

	if update.ErrorMessage != nil {
		args = append(args, *update.ErrorMessage)
		set += ", error_message = $" + strconv.Itoa(len(args))
	}

	if update.FailedNodeID != nil {
		args = append(args, *update.FailedNodeID)
		set += ", failed_node_id = $" + strconv.Itoa(len(args))
	}

	query := `UPDATE executions SET ` + set + ` WHERE id = $1 AND status = $2 RETURNING ` + executionColumns

	row := r.db.QueryRowContext(ctx, query, args...)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTransitionConflict
		}

		return nil, fmt.Errorf("failed to transition execution: %w", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE executions SET
			status = 'pending',
			cursor_state = cursor_state - 'wake_at',
			worker_id = '',
			lease_expires_at = NULL,
			updated_at = NOW()
		WHERE status = 'waiting'
		  AND (cursor_state->>'wake_at')::timestamptz <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to promote due executions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return int(affected), nil
}

func (r *ExecutionRepository) RunningCounts(ctx context.Context) (int, map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT workflow_id, COUNT(*)
		FROM executions
		WHERE status IN ('claimed', 'running')
		GROUP BY workflow_id
	`)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to query running counts: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	total := 0
	perWorkflow := make(map[string]int)

	for rows.Next() {
		var (
			workflowID string
			count      int
		)

		if err := rows.Scan(&workflowID, &count); err != nil {
			return 0, nil, fmt.Errorf("failed to scan running count: %w", err)
		}

		perWorkflow[workflowID] = count
		total += count
	}

	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("error iterating running counts: %w", err)
	}

	return total, perWorkflow, nil
}

func (r *ExecutionRepository) RequestCancel(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE executions SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrExecutionNotFound
	}

	return nil
}

func (r *ExecutionRepository) LatestCreatedAt(ctx context.Context, workflowID string) (time.Time, bool, error) {
	var latest sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM executions WHERE workflow_id = $1
	`, workflowID).Scan(&latest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest execution: %w", err)
	}

	if !latest.Valid {
		return time.Time{}, false, nil
	}

	return latest.Time, true, nil
}

func (r *ExecutionRepository) query(ctx context.Context, query string, args ...any) ([]*models.Execution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var executions []*models.Execution

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func scanExecution(scanner interface{ Scan(dest ...any) error }) (*models.Execution, error) {
	var (
		execution                                   models.Execution
		triggerDataJSON, previousDataJSON, cursorJSON []byte
	)

	err := scanner.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&execution.TriggerType,
		&triggerDataJSON,
		&previousDataJSON,
		&execution.DedupeKey,
		&execution.Status,
		&cursorJSON,
		&execution.WorkerID,
		&execution.CancelRequested,
		&execution.ErrorMessage,
		&execution.FailedNodeID,
		&execution.CreatedAt,
		&execution.ClaimedAt,
		&execution.StartedAt,
		&execution.CompletedAt,
		&execution.LeaseExpiresAt,
		&execution.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if triggerDataJSON != nil {
		if err := json.Unmarshal(triggerDataJSON, &execution.TriggerData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger data: %w", err)
		}
	}

	if previousDataJSON != nil {
		if err := json.Unmarshal(previousDataJSON, &execution.PreviousData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal previous data: %w", err)
		}
	}

	if cursorJSON != nil {
		if err := json.Unmarshal(cursorJSON, &execution.Cursor); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cursor state: %w", err)
		}
	}

	return &execution, nil
}
