package models

// ExecutionContext carries the data visible to a node while it runs.
// TriggerData is the immutable snapshot captured at enqueue time;
// NodeOutputs accumulates the output of every finished action node,
// keyed by node ID.
type ExecutionContext struct {
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	TriggerData map[string]any `json:"trigger_data"`
	NodeOutputs map[string]any `json:"node_outputs"`
}
