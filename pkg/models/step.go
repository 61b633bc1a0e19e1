package models

import (
	"time"

	"github.com/google/uuid"
)

// StepOutcome is the recorded result of one node-visit attempt.
type StepOutcome string

const (
	StepOutcomeSuccess StepOutcome = "success"
	StepOutcomeFailure StepOutcome = "failure"
	StepOutcomeSkipped StepOutcome = "skipped"
	// StepOutcomeInterrupted marks a step whose worker died before recording
	// a result; the execution was reclaimed after its lease expired.
	StepOutcomeInterrupted StepOutcome = "interrupted"
)

// ExecutionStep is one append-only audit record per node visit per attempt.
// Steps are the basis for replay, debugging and retry accounting.
type ExecutionStep struct {
	ID            string         `json:"id"`
	ExecutionID   string         `json:"execution_id"`
	NodeID        string         `json:"node_id"`
	AttemptNumber int            `json:"attempt_number"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	Outcome       StepOutcome    `json:"outcome,omitempty"`
	ErrorDetail   string         `json:"error_detail,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
}

// NewExecutionStep opens an audit record for a node attempt.
func NewExecutionStep(executionID, nodeID string, attempt int) *ExecutionStep {
	return &ExecutionStep{
		ID:            uuid.New().String(),
		ExecutionID:   executionID,
		NodeID:        nodeID,
		AttemptNumber: attempt,
		StartedAt:     time.Now().UTC(),
	}
}
