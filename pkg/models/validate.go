package models

import (
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/xeipuuv/gojsonschema"
)

// ActionCatalog exposes the registered action capabilities so definitions can
// be checked at save time. Unknown capability names are rejected here, never
// discovered during execution.
type ActionCatalog interface {
	// ActionSchema returns the JSON schema for a capability's parameters and
	// whether the capability is registered at all. A nil schema means the
	// capability accepts any parameters.
	ActionSchema(capability string) (map[string]any, bool)
}

// WorkflowValidator checks a workflow definition: struct constraints, trigger
// configuration, graph shape (single trigger, DAG, no orphan edges) and
// action capability references.
type WorkflowValidator struct {
	validate *validator.Validate
	catalog  ActionCatalog
}

func NewWorkflowValidator(catalog ActionCatalog) *WorkflowValidator {
	return &WorkflowValidator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		catalog:  catalog,
	}
}

// Validate returns a ConfigurationError describing the first problem found.
func (v *WorkflowValidator) Validate(workflow *Workflow) error {
	if err := v.validate.Struct(workflow); err != nil {
		return NewConfigurationError("invalid workflow definition: %v", err)
	}

	if err := v.validateTriggerConfig(workflow); err != nil {
		return err
	}

	nodes, err := indexNodes(workflow)
	if err != nil {
		return err
	}

	if err := v.validateNodePayloads(workflow); err != nil {
		return err
	}

	if err := validateEdges(workflow, nodes); err != nil {
		return err
	}

	trigger := workflow.TriggerNode()

	if err := checkAcyclic(workflow); err != nil {
		return err
	}

	return checkReachable(workflow, trigger.ID)
}

func (v *WorkflowValidator) validateTriggerConfig(workflow *Workflow) error {
	cfg := workflow.TriggerConfig

	switch workflow.TriggerType {
	case TriggerEntityCreated, TriggerEntityUpdated:
		if cfg.EntityType == "" {
			return NewConfigurationError("trigger type %q requires an entity type", workflow.TriggerType)
		}
	case TriggerTagApplied:
		if cfg.Tag == "" {
			return NewConfigurationError("tag_applied trigger requires a tag")
		}
	case TriggerFormSubmitted:
		if cfg.FormID == "" {
			return NewConfigurationError("form_submitted trigger requires a form id")
		}
	case TriggerTimeElapsed:
		if cfg.Schedule == "" {
			return NewConfigurationError("time_elapsed trigger requires a schedule")
		}

		if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
			return NewConfigurationError("invalid schedule %q: %v", cfg.Schedule, err)
		}
	case TriggerManual:
		// No configuration needed.
	default:
		return NewConfigurationError("unknown trigger type %q", workflow.TriggerType)
	}

	return nil
}

func (v *WorkflowValidator) validateNodePayloads(workflow *Workflow) error {
	for _, node := range workflow.Nodes {
		switch node.Kind {
		case NodeKindAction:
			if node.Action == nil {
				return NewConfigurationError("action node %q has no action config", node.ID)
			}

			if err := v.validateActionConfig(node); err != nil {
				return err
			}
		case NodeKindDelay:
			if node.Delay == nil {
				return NewConfigurationError("delay node %q has no delay config", node.ID)
			}

			if _, err := node.Delay.Offset(); err != nil {
				return NewConfigurationError("delay node %q: %v", node.ID, err)
			}
		case NodeKindCondition, NodeKindBranch:
			if len(workflow.OutgoingEdges(node.ID)) == 0 {
				return NewConfigurationError("%s node %q has no outgoing edges", node.Kind, node.ID)
			}
		case NodeKindTrigger, NodeKindEnd:
			// No payload.
		}
	}

	return nil
}

func (v *WorkflowValidator) validateActionConfig(node *Node) error {
	if v.catalog == nil {
		return nil
	}

	schema, registered := v.catalog.ActionSchema(node.Action.Capability)
	if !registered {
		return NewConfigurationError("action node %q references unknown capability %q", node.ID, node.Action.Capability)
	}

	if schema == nil {
		return nil
	}

	params := node.Action.Parameters
	if params == nil {
		params = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(params))
	if err != nil {
		return NewConfigurationError("action node %q: schema validation failed: %v", node.ID, err)
	}

	if !result.Valid() {
		detail := ""
		for _, desc := range result.Errors() {
			detail += desc.String() + "; "
		}

		return NewConfigurationError("action node %q has invalid parameters for %q: %s", node.ID, node.Action.Capability, detail)
	}

	return nil
}

func indexNodes(workflow *Workflow) (map[string]*Node, error) {
	nodes := make(map[string]*Node, len(workflow.Nodes))
	triggers := 0

	for _, node := range workflow.Nodes {
		if _, dup := nodes[node.ID]; dup {
			return nil, NewConfigurationError("duplicate node id %q", node.ID)
		}

		nodes[node.ID] = node

		if node.Kind == NodeKindTrigger {
			triggers++
		}
	}

	if triggers != 1 {
		return nil, NewConfigurationError("workflow must contain exactly one trigger node, found %d", triggers)
	}

	return nodes, nil
}

func validateEdges(workflow *Workflow, nodes map[string]*Node) error {
	seen := make(map[string]bool, len(workflow.Edges))
	defaults := make(map[string]int)

	for _, edge := range workflow.Edges {
		if seen[edge.ID] {
			return NewConfigurationError("duplicate edge id %q", edge.ID)
		}

		seen[edge.ID] = true

		if _, ok := nodes[edge.SourceNodeID]; !ok {
			return NewConfigurationError("edge %q references missing source node %q", edge.ID, edge.SourceNodeID)
		}

		if _, ok := nodes[edge.TargetNodeID]; !ok {
			return NewConfigurationError("edge %q references missing target node %q", edge.ID, edge.TargetNodeID)
		}

		if nodes[edge.TargetNodeID].Kind == NodeKindTrigger {
			return NewConfigurationError("edge %q targets the trigger node", edge.ID)
		}

		if edge.Default {
			defaults[edge.SourceNodeID]++
			if defaults[edge.SourceNodeID] > 1 {
				return NewConfigurationError("node %q has more than one default edge", edge.SourceNodeID)
			}
		}
	}

	return nil
}

// checkAcyclic runs a three-color depth-first search; a back edge means the
// graph has a cycle and would loop forever at runtime.
func checkAcyclic(workflow *Workflow) error {
	const (
		white = iota
		grey
		black
	)

	color := make(map[string]int, len(workflow.Nodes))

	var visit func(id string) error

	visit = func(id string) error {
		color[id] = grey

		for _, edge := range workflow.OutgoingEdges(id) {
			switch color[edge.TargetNodeID] {
			case grey:
				return NewConfigurationError("graph contains a cycle through node %q", edge.TargetNodeID)
			case white:
				if err := visit(edge.TargetNodeID); err != nil {
					return err
				}
			}
		}

		color[id] = black

		return nil
	}

	for _, node := range workflow.Nodes {
		if color[node.ID] == white {
			if err := visit(node.ID); err != nil {
				return err
			}
		}
	}

	return nil
}

func checkReachable(workflow *Workflow, triggerID string) error {
	reached := map[string]bool{triggerID: true}
	frontier := []string{triggerID}

	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]

		for _, edge := range workflow.OutgoingEdges(id) {
			if !reached[edge.TargetNodeID] {
				reached[edge.TargetNodeID] = true
				frontier = append(frontier, edge.TargetNodeID)
			}
		}
	}

	for _, node := range workflow.Nodes {
		if !reached[node.ID] {
			return NewConfigurationError("node %q is not reachable from the trigger node", node.ID)
		}
	}

	return nil
}
