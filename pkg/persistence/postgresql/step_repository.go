package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pilotwave/crmflow/pkg/models"
	"github.com/pilotwave/crmflow/pkg/persistence"
)

// StepRepository stores the append-only execution audit trail.
type StepRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStepRepository(db *sql.DB, logger *slog.Logger) *StepRepository {
	return &StepRepository{db: db, logger: logger}
}

func (r *StepRepository) Append(ctx context.Context, step *models.ExecutionStep) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO execution_steps (id, execution_id, node_id, attempt_number, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`, step.ID, step.ExecutionID, step.NodeID, step.AttemptNumber, step.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to append execution step: %w", err)
	}

	return nil
}

func (r *StepRepository) Finish(ctx context.Context, stepID string, outcome models.StepOutcome, errDetail string, output map[string]any) error {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to marshal step output: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE execution_steps SET
			finished_at = NOW(),
			outcome = $2,
			error_detail = $3,
			output = $4
		WHERE id = $1
	`, stepID, outcome, errDetail, outputJSON)
	if err != nil {
		return fmt.Errorf("failed to finish execution step: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrStepNotFound
	}

	return nil
}

func (r *StepRepository) ForExecution(ctx context.Context, executionID string) ([]*models.ExecutionStep, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, execution_id, node_id, attempt_number, started_at,
		       finished_at, outcome, error_detail, output
		FROM execution_steps
		WHERE execution_id = $1
		ORDER BY started_at, id
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution steps: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var steps []*models.ExecutionStep

	for rows.Next() {
		var (
			step       models.ExecutionStep
			outputJSON []byte
		)

		err := rows.Scan(
			&step.ID,
			&step.ExecutionID,
			&step.NodeID,
			&step.AttemptNumber,
			&step.StartedAt,
			&step.FinishedAt,
			&step.Outcome,
			&step.ErrorDetail,
			&outputJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution step: %w", err)
		}

		if outputJSON != nil {
			if err := json.Unmarshal(outputJSON, &step.Output); err != nil {
				return nil, fmt.Errorf("failed to unmarshal step output: %w", err)
			}
		}

		steps = append(steps, &step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution steps: %w", err)
	}

	return steps, nil
}

func (r *StepRepository) MarkInterrupted(ctx context.Context, executionID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE execution_steps SET
			finished_at = NOW(),
			outcome = $2
		WHERE execution_id = $1 AND finished_at IS NULL
	`, executionID, models.StepOutcomeInterrupted)
	if err != nil {
		return fmt.Errorf("failed to mark interrupted steps: %w", err)
	}

	return nil
}
