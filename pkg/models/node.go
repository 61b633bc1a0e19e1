package models

import (
	"fmt"
	"time"
)

// NodeKind is the closed set of node types the graph walker understands.
// Unknown kinds are rejected at workflow save time, never at execution time.
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"
	NodeKindCondition NodeKind = "condition"
	NodeKindBranch    NodeKind = "branch"
	NodeKindAction    NodeKind = "action"
	NodeKindDelay     NodeKind = "delay"
	NodeKindEnd       NodeKind = "end"
)

// Node is one unit of work in a workflow graph. The per-kind payload is a
// tagged union: exactly one of Action/Delay is set, matching Kind.
type Node struct {
	ID   string   `json:"id"   validate:"required"`
	Kind NodeKind `json:"kind" validate:"required,oneof=trigger condition branch action delay end"`
	Name string   `json:"name"`

	// Display-only canvas coordinates, ignored by the engine.
	PositionX int `json:"position_x"`
	PositionY int `json:"position_y"`

	Action *ActionConfig `json:"action,omitempty"`
	Delay  *DelayConfig  `json:"delay,omitempty"`
}

// ActionConfig names a registered capability and its parameters.
type ActionConfig struct {
	Capability string         `json:"capability" validate:"required"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// DelayConfig holds the wait offset for a delay node.
type DelayConfig struct {
	Duration string `json:"duration" validate:"required"` // e.g. "30s", "2h", "72h"
}

// Offset parses the configured duration.
func (d *DelayConfig) Offset() (time.Duration, error) {
	dur, err := time.ParseDuration(d.Duration)
	if err != nil {
		return 0, fmt.Errorf("invalid delay duration %q: %w", d.Duration, err)
	}

	if dur <= 0 {
		return 0, fmt.Errorf("delay duration must be positive, got %q", d.Duration)
	}

	return dur, nil
}

// Edge is a directed, optionally conditional link between two nodes.
// When the source is a condition or branch node, Condition selects the
// edge and Default marks the fallback taken when nothing matches.
type Edge struct {
	ID           string          `json:"id"             validate:"required"`
	SourceNodeID string          `json:"source_node_id" validate:"required"`
	TargetNodeID string          `json:"target_node_id" validate:"required"`
	Label        string          `json:"label,omitempty"`
	Condition    *PredicateGroup `json:"condition,omitempty"`
	Default      bool            `json:"default,omitempty"`
}
