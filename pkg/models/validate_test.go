package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCatalog struct {
	schemas map[string]map[string]any
}

func (c *stubCatalog) ActionSchema(capability string) (map[string]any, bool) {
	schema, ok := c.schemas[capability]
	if !ok {
		return nil, false
	}

	return schema, true
}

func testCatalog() *stubCatalog {
	return &stubCatalog{schemas: map[string]map[string]any{
		"send_email": {
			"type":       "object",
			"properties": map[string]any{"template": map[string]any{"type": "string"}},
			"required":   []any{"template"},
		},
		"create_task": nil,
		"log":         nil,
	}}
}

func validWorkflow() *Workflow {
	return &Workflow{
		ID:          "wf-1",
		Name:        "Lead follow-up",
		TriggerType: TriggerEntityCreated,
		TriggerConfig: TriggerConfig{
			EntityType: "lead",
		},
		ExecutionMode:           ExecutionModeSequential,
		MaxConcurrentExecutions: 1,
		Nodes: []*Node{
			{ID: "t", Kind: NodeKindTrigger},
			{ID: "c", Kind: NodeKindCondition},
			{ID: "a", Kind: NodeKindAction, Action: &ActionConfig{
				Capability: "send_email",
				Parameters: map[string]any{"template": "welcome"},
			}},
			{ID: "e", Kind: NodeKindEnd},
		},
		Edges: []*Edge{
			{ID: "e1", SourceNodeID: "t", TargetNodeID: "c"},
			{ID: "e2", SourceNodeID: "c", TargetNodeID: "a", Condition: &PredicateGroup{
				All: []FieldPredicate{{Field: "score", Op: OpGreaterOrEqual, Value: 50}},
			}},
			{ID: "e3", SourceNodeID: "c", TargetNodeID: "e", Default: true},
			{ID: "e4", SourceNodeID: "a", TargetNodeID: "e"},
		},
	}
}

func TestWorkflowValidator_Valid(t *testing.T) {
	v := NewWorkflowValidator(testCatalog())

	require.NoError(t, v.Validate(validWorkflow()))
}

func TestWorkflowValidator_RejectsCycle(t *testing.T) {
	v := NewWorkflowValidator(testCatalog())

	workflow := validWorkflow()
	workflow.Edges = append(workflow.Edges, &Edge{ID: "back", SourceNodeID: "a", TargetNodeID: "c"})

	err := v.Validate(workflow)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.Contains(t, err.Error(), "cycle")
}

func TestWorkflowValidator_RejectsOrphanEdge(t *testing.T) {
	v := NewWorkflowValidator(testCatalog())

	workflow := validWorkflow()
	workflow.Edges = append(workflow.Edges, &Edge{ID: "dangling", SourceNodeID: "a", TargetNodeID: "ghost"})

	err := v.Validate(workflow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing target node")
}

func TestWorkflowValidator_RejectsMultipleTriggers(t *testing.T) {
	v := NewWorkflowValidator(testCatalog())

	workflow := validWorkflow()
	workflow.Nodes = append(workflow.Nodes, &Node{ID: "t2", Kind: NodeKindTrigger})

	err := v.Validate(workflow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one trigger node")
}

func TestWorkflowValidator_RejectsUnknownCapability(t *testing.T) {
	v := NewWorkflowValidator(testCatalog())

	workflow := validWorkflow()
	workflow.Nodes[2].Action.Capability = "teleport"

	err := v.Validate(workflow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown capability")
}

func TestWorkflowValidator_RejectsInvalidActionParameters(t *testing.T) {
	v := NewWorkflowValidator(testCatalog())

	workflow := validWorkflow()
	workflow.Nodes[2].Action.Parameters = map[string]any{}

	err := v.Validate(workflow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid parameters")
}

func TestWorkflowValidator_RejectsUnreachableNode(t *testing.T) {
	v := NewWorkflowValidator(testCatalog())

	workflow := validWorkflow()
	workflow.Nodes = append(workflow.Nodes, &Node{ID: "island", Kind: NodeKindEnd})

	err := v.Validate(workflow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestWorkflowValidator_RejectsMultipleDefaultEdges(t *testing.T) {
	v := NewWorkflowValidator(testCatalog())

	workflow := validWorkflow()
	workflow.Edges[1].Default = true

	err := v.Validate(workflow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than one default edge")
}

func TestWorkflowValidator_RejectsBadSchedule(t *testing.T) {
	v := NewWorkflowValidator(testCatalog())

	workflow := validWorkflow()
	workflow.TriggerType = TriggerTimeElapsed
	workflow.TriggerConfig = TriggerConfig{Schedule: "not-a-cron"}

	err := v.Validate(workflow)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestWorkflowValidator_RejectsDelayWithoutDuration(t *testing.T) {
	v := NewWorkflowValidator(testCatalog())

	workflow := validWorkflow()
	workflow.Nodes[2] = &Node{ID: "a", Kind: NodeKindDelay, Delay: &DelayConfig{Duration: "0s"}}

	err := v.Validate(workflow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "positive")
}

func TestWorkflow_Runnable(t *testing.T) {
	workflow := validWorkflow()

	workflow.IsActive = true
	assert.True(t, workflow.Runnable())

	workflow.IsPaused = true
	assert.False(t, workflow.Runnable())

	workflow.IsPaused = false
	workflow.IsActive = false
	assert.False(t, workflow.Runnable())
}
