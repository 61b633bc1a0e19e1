// Package web provides HTTP request and response types for the workflow API.
package web

import (
	"github.com/pilotwave/crmflow/pkg/models"
)

// NotifyEventRequest represents a CRM entity change delivered over HTTP.
type NotifyEventRequest struct {
	ID         string         `json:"id,omitempty"`
	EntityType string         `json:"entity_type"       validate:"required"`
	EntityID   string         `json:"entity_id"         validate:"required"`
	EventKind  string         `json:"event_kind"        validate:"required,oneof=created updated deleted tag_applied form_submitted"`
	Snapshot   map[string]any `json:"entity_snapshot"`
	Previous   map[string]any `json:"previous_snapshot,omitempty"`
	Tag        string         `json:"tag,omitempty"`
	FormID     string         `json:"form_id,omitempty"`
}

// SaveWorkflowRequest represents the request body for creating or replacing
// a workflow definition.
type SaveWorkflowRequest struct {
	Name          string               `json:"name"           validate:"required,min=3"`
	Description   string               `json:"description"`
	TriggerType   models.TriggerType   `json:"trigger_type"   validate:"required"`
	TriggerConfig models.TriggerConfig `json:"trigger_config"`
	Nodes         []*models.Node       `json:"nodes"          validate:"required,min=1"`
	Edges         []*models.Edge       `json:"edges"`
	ExecutionMode models.ExecutionMode `json:"execution_mode"`

	MaxConcurrentExecutions int  `json:"max_concurrent_executions"`
	MaxRetries              int  `json:"max_retries"`
	IsActive                *bool `json:"is_active,omitempty"`
}

// toWorkflow builds the workflow model that the request describes.
// Pause state and creation time are not client-settable and are filled
// in by the caller.
func (r SaveWorkflowRequest) toWorkflow(id string) *models.Workflow {
	workflow := &models.Workflow{
		ID:                      id,
		Name:                    r.Name,
		Description:             r.Description,
		TriggerType:             r.TriggerType,
		TriggerConfig:           r.TriggerConfig,
		Nodes:                   r.Nodes,
		Edges:                   r.Edges,
		ExecutionMode:           r.ExecutionMode,
		MaxConcurrentExecutions: r.MaxConcurrentExecutions,
		MaxRetries:              r.MaxRetries,
		IsActive:                true,
	}

	if r.IsActive != nil {
		workflow.IsActive = *r.IsActive
	}

	return workflow
}

// ExecuteWorkflowRequest represents the request body for a manual run.
type ExecuteWorkflowRequest struct {
	TriggerData map[string]any `json:"trigger_data"`
}

// SetPausedRequest toggles a workflow's paused flag.
type SetPausedRequest struct {
	Paused bool `json:"paused"`
}
