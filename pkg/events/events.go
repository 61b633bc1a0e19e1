// Package events defines the event types crossing the engine's boundaries:
// CRM entity notifications coming in and execution lifecycle events going out.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topics used on the event bus.
const (
	EntityEventTopic    = "crmflow.entity-events"
	LifecycleEventTopic = "crmflow.execution-events"
)

const (
	EventMetadataKey     = "key"
	EventTypeMetadataKey = "event_type"
)

const (
	EntityEventType EventType = "entity.event"

	ExecutionEnqueuedEvent  EventType = "execution.enqueued"
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionWaitingEvent   EventType = "execution.waiting"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionCancelledEvent EventType = "execution.cancelled"
)

// EventKind is what happened to the entity in the CRM.
type EventKind string

const (
	EntityCreated EventKind = "created"
	EntityUpdated EventKind = "updated"
	EntityDeleted EventKind = "deleted"
	TagApplied    EventKind = "tag_applied"
	FormSubmitted EventKind = "form_submitted"
)

// EntityEvent is the CRUD layer's notification after a committed change.
// Snapshot is the entity state after the change; Previous (optional) the
// state before it, used by changed_to trigger predicates.
type EntityEvent struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Kind       EventKind      `json:"event_kind"`
	Snapshot   map[string]any `json:"entity_snapshot,omitempty"`
	Previous   map[string]any `json:"previous_snapshot,omitempty"`
	Tag        string         `json:"tag,omitempty"`     // set for tag_applied
	FormID     string         `json:"form_id,omitempty"` // set for form_submitted
	OccurredAt time.Time      `json:"occurred_at"`
}

// NewEntityEvent builds a CRM notification with the timestamp stamped. The
// id stays empty unless the producer has a stable delivery id to set, so
// duplicate deliveries of the same change collapse onto the attribute triple.
func NewEntityEvent(entityType, entityID string, kind EventKind, snapshot map[string]any) EntityEvent {
	return EntityEvent{
		EntityType: entityType,
		EntityID:   entityID,
		Kind:       kind,
		Snapshot:   snapshot,
		OccurredAt: time.Now().UTC(),
	}
}

// Validate checks the fields the evaluator depends on.
func (e EntityEvent) Validate() error {
	if e.EntityType == "" {
		return errors.New("entity event requires an entity type")
	}

	if e.EntityID == "" {
		return errors.New("entity event requires an entity id")
	}

	if e.Kind == "" {
		return errors.New("entity event requires an event kind")
	}

	return nil
}

// DedupeKey identifies one logical firing of one workflow for one entity
// change. Delivering the same event twice must not create two executions,
// but two separate changes to the same entity must. The event id carries
// that distinction when the producer sets one; producers that cannot supply
// stable ids fall back to the attribute triple and accept coarser dedupe.
func (e EntityEvent) DedupeKey(workflowID string) string {
	if e.ID != "" {
		return fmt.Sprintf("%s:%s", workflowID, e.ID)
	}

	return fmt.Sprintf("%s:%s:%s:%s", workflowID, e.EntityType, e.EntityID, e.Kind)
}

func (e EntityEvent) GetType() EventType {
	return EntityEventType
}

// BaseEvent carries the fields shared by all lifecycle events.
type BaseEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	WorkflowID  string    `json:"workflow_id"`
	ExecutionID string    `json:"execution_id"`
	WorkerID    string    `json:"worker_id,omitempty"`
}

func newBaseEvent(eventType EventType, workflowID, executionID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		WorkflowID:  workflowID,
		ExecutionID: executionID,
	}
}

type ExecutionEnqueued struct {
	BaseEvent

	TriggerType string `json:"trigger_type"`
}

func NewExecutionEnqueued(workflowID, executionID, triggerType string) ExecutionEnqueued {
	return ExecutionEnqueued{
		BaseEvent:   newBaseEvent(ExecutionEnqueuedEvent, workflowID, executionID),
		TriggerType: triggerType,
	}
}

func (e ExecutionEnqueued) GetType() EventType { return ExecutionEnqueuedEvent }

type ExecutionStarted struct {
	BaseEvent
}

func NewExecutionStarted(workflowID, executionID string) ExecutionStarted {
	return ExecutionStarted{BaseEvent: newBaseEvent(ExecutionStartedEvent, workflowID, executionID)}
}

func (e ExecutionStarted) GetType() EventType { return ExecutionStartedEvent }

type ExecutionWaiting struct {
	BaseEvent

	NodeID string    `json:"node_id"`
	WakeAt time.Time `json:"wake_at"`
}

func NewExecutionWaiting(workflowID, executionID, nodeID string, wakeAt time.Time) ExecutionWaiting {
	return ExecutionWaiting{
		BaseEvent: newBaseEvent(ExecutionWaitingEvent, workflowID, executionID),
		NodeID:    nodeID,
		WakeAt:    wakeAt,
	}
}

func (e ExecutionWaiting) GetType() EventType { return ExecutionWaitingEvent }

type ExecutionCompleted struct {
	BaseEvent
}

func NewExecutionCompleted(workflowID, executionID string) ExecutionCompleted {
	return ExecutionCompleted{BaseEvent: newBaseEvent(ExecutionCompletedEvent, workflowID, executionID)}
}

func (e ExecutionCompleted) GetType() EventType { return ExecutionCompletedEvent }

type ExecutionFailed struct {
	BaseEvent

	NodeID string `json:"node_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewExecutionFailed(workflowID, executionID, nodeID, errDetail string) ExecutionFailed {
	return ExecutionFailed{
		BaseEvent: newBaseEvent(ExecutionFailedEvent, workflowID, executionID),
		NodeID:    nodeID,
		Error:     errDetail,
	}
}

func (e ExecutionFailed) GetType() EventType { return ExecutionFailedEvent }

type ExecutionCancelled struct {
	BaseEvent
}

func NewExecutionCancelled(workflowID, executionID string) ExecutionCancelled {
	return ExecutionCancelled{BaseEvent: newBaseEvent(ExecutionCancelledEvent, workflowID, executionID)}
}

func (e ExecutionCancelled) GetType() EventType { return ExecutionCancelledEvent }
