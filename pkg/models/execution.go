package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusClaimed   ExecutionStatus = "claimed"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusWaiting   ExecutionStatus = "waiting"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal executions are
// retained for audit and never deleted by the engine.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// CursorState tracks the walker's position inside the graph. Active holds
// the currently live node ids (a single element in sequential mode, one per
// frontier cursor in parallel mode). Attempts carries per-node retry counts.
// Parked maps a node id to its individual wake time while that cursor sits
// at a delay or retry backoff; WakeAt is the earliest parked wake time and
// is what the store's promotion query looks at.
// FirstFailedNode and FirstFailure pin the earliest permanent branch
// failure so the terminal error report names it even when the execution
// suspends and later rounds fail other branches.
type CursorState struct {
	Active          []string             `json:"active,omitempty"`
	Failed          []string             `json:"failed,omitempty"`
	FirstFailedNode string               `json:"first_failed_node,omitempty"`
	FirstFailure    string               `json:"first_failure,omitempty"`
	Attempts        map[string]int       `json:"attempts,omitempty"`
	Parked          map[string]time.Time `json:"parked,omitempty"`
	WakeAt          *time.Time           `json:"wake_at,omitempty"`
}

// RecordFailure marks a node's branch as permanently failed, keeping
// the first failure's node and message for the terminal report.
func (c *CursorState) RecordFailure(nodeID, message string) {
	c.Failed = append(c.Failed, nodeID)

	if c.FirstFailedNode == "" {
		c.FirstFailedNode = nodeID
		c.FirstFailure = message
	}
}

// Attempt returns the recorded attempt count for a node.
func (c *CursorState) Attempt(nodeID string) int {
	if c.Attempts == nil {
		return 0
	}

	return c.Attempts[nodeID]
}

// RecordAttempt increments and returns the attempt count for a node.
func (c *CursorState) RecordAttempt(nodeID string) int {
	if c.Attempts == nil {
		c.Attempts = make(map[string]int)
	}

	c.Attempts[nodeID]++

	return c.Attempts[nodeID]
}

// Park records a wake time for one cursor and recomputes WakeAt as the
// earliest pending wake.
func (c *CursorState) Park(nodeID string, wake time.Time) {
	if c.Parked == nil {
		c.Parked = make(map[string]time.Time)
	}

	c.Parked[nodeID] = wake

	earliest := wake

	for _, t := range c.Parked {
		if t.Before(earliest) {
			earliest = t
		}
	}

	c.WakeAt = &earliest
}

// Unpark clears the wake times of every cursor due at now and returns
// their node ids. WakeAt is recomputed from whatever remains parked.
func (c *CursorState) Unpark(now time.Time) []string {
	if len(c.Parked) == 0 {
		c.WakeAt = nil

		return nil
	}

	due := make([]string, 0, len(c.Parked))

	for nodeID, wake := range c.Parked {
		if !wake.After(now) {
			due = append(due, nodeID)
			delete(c.Parked, nodeID)
		}
	}

	sort.Strings(due)

	c.WakeAt = nil

	for _, wake := range c.Parked {
		w := wake
		if c.WakeAt == nil || w.Before(*c.WakeAt) {
			c.WakeAt = &w
		}
	}

	return due
}

// IsParked reports whether a cursor is waiting on a wake time.
func (c *CursorState) IsParked(nodeID string) bool {
	_, ok := c.Parked[nodeID]

	return ok
}

// Execution is one runtime instance of a workflow processing one trigger
// firing. TriggerData is an immutable snapshot of the triggering entity;
// downstream nodes read it rather than live entity state so a replay sees
// the same inputs.
type Execution struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	TriggerType TriggerType    `json:"trigger_type"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	// PreviousData is the entity state before the triggering change, used by
	// changed_to predicates. Empty for created/manual triggers.
	PreviousData map[string]any `json:"previous_data,omitempty"`

	// DedupeKey makes trigger delivery idempotent: the store rejects a second
	// execution with the same key.
	DedupeKey string `json:"dedupe_key,omitempty"`

	Status          ExecutionStatus `json:"status"`
	Cursor          CursorState     `json:"cursor"`
	WorkerID        string          `json:"worker_id,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	FailedNodeID    string          `json:"failed_node_id,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewExecution builds a pending execution for a trigger firing.
func NewExecution(workflowID string, triggerType TriggerType, triggerData map[string]any) *Execution {
	now := time.Now().UTC()

	return &Execution{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		TriggerType: triggerType,
		TriggerData: triggerData,
		Status:      ExecutionStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
