// Package models defines the core domain models for the workflow automation engine.
package models

import "time"

// TriggerType identifies which kind of CRM event starts a workflow.
type TriggerType string

const (
	TriggerEntityCreated TriggerType = "entity_created"
	TriggerEntityUpdated TriggerType = "entity_updated"
	TriggerTagApplied    TriggerType = "tag_applied"
	TriggerTimeElapsed   TriggerType = "time_elapsed"
	TriggerFormSubmitted TriggerType = "form_submitted"
	TriggerManual        TriggerType = "manual"
)

// ExecutionMode controls how the graph walker advances cursors within one execution.
type ExecutionMode string

const (
	// ExecutionModeSequential advances a single cursor at a time.
	ExecutionModeSequential ExecutionMode = "sequential"
	// ExecutionModeParallel traverses independent branches concurrently.
	ExecutionModeParallel ExecutionMode = "parallel"
)

// TriggerConfig is the structured filter attached to a workflow's trigger.
// Which fields are meaningful depends on the workflow's TriggerType.
type TriggerConfig struct {
	EntityType string           `json:"entity_type,omitempty"` // entity_created / entity_updated / tag_applied
	Tag        string           `json:"tag,omitempty"`         // tag_applied
	FormID     string           `json:"form_id,omitempty"`     // form_submitted
	Schedule   string           `json:"schedule,omitempty"`    // time_elapsed, cron expression
	Predicates []FieldPredicate `json:"predicates,omitempty"`  // field conditions on the entity snapshot
}

// Workflow is a saved automation definition: trigger, node graph and policy.
// The engine treats workflows as read-only; the definition API owns writes.
type Workflow struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"           validate:"required,min=3"`
	Description   string        `json:"description"`
	TriggerType   TriggerType   `json:"trigger_type"   validate:"required"`
	TriggerConfig TriggerConfig `json:"trigger_config"`
	Nodes         []*Node       `json:"nodes"          validate:"required,min=1"`
	Edges         []*Edge       `json:"edges"`
	ExecutionMode ExecutionMode `json:"execution_mode" validate:"required,oneof=sequential parallel"`

	// MaxConcurrentExecutions caps simultaneously running executions of this
	// workflow; MaxRetries is the per-node retry budget.
	MaxConcurrentExecutions int `json:"max_concurrent_executions" validate:"min=1"`
	MaxRetries              int `json:"max_retries"               validate:"min=0"`

	IsActive  bool      `json:"is_active"`
	IsPaused  bool      `json:"is_paused"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Runnable reports whether new executions may be created for this workflow.
// Deactivating or pausing never aborts executions already in flight.
func (w *Workflow) Runnable() bool {
	return w.IsActive && !w.IsPaused
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n
		}
	}

	return nil
}

// TriggerNode returns the graph's trigger node, or nil when the graph is invalid.
func (w *Workflow) TriggerNode() *Node {
	for _, n := range w.Nodes {
		if n.Kind == NodeKindTrigger {
			return n
		}
	}

	return nil
}

// OutgoingEdges returns the edges leaving a node in declaration order.
// Declaration order is significant: condition and branch nodes take the
// first matching edge.
func (w *Workflow) OutgoingEdges(nodeID string) []*Edge {
	var out []*Edge

	for _, e := range w.Edges {
		if e.SourceNodeID == nodeID {
			out = append(out, e)
		}
	}

	return out
}
