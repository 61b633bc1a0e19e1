package trigger

import (
	"log/slog"

	"github.com/pilotwave/crmflow/pkg/events"
	"github.com/pilotwave/crmflow/pkg/models"
)

// Matcher decides whether an entity event fires a workflow's trigger.
type Matcher struct {
	logger *slog.Logger
}

func NewMatcher(logger *slog.Logger) *Matcher {
	return &Matcher{logger: logger.With("module", "trigger_matcher")}
}

// Matches checks trigger type, configured attributes and field
// predicates against the event. Predicate evaluation errors come back
// as configuration errors so callers can count them against the
// workflow definition rather than the event.
func (m *Matcher) Matches(event events.EntityEvent, wf *models.Workflow) (bool, error) {
	if !kindMatches(wf.TriggerType, event.Kind) {
		return false, nil
	}

	cfg := wf.TriggerConfig

	switch wf.TriggerType {
	case models.TriggerEntityCreated, models.TriggerEntityUpdated:
		if cfg.EntityType != "" && cfg.EntityType != event.EntityType {
			return false, nil
		}
	case models.TriggerTagApplied:
		if cfg.EntityType != "" && cfg.EntityType != event.EntityType {
			return false, nil
		}

		if cfg.Tag != "" && cfg.Tag != event.Tag {
			return false, nil
		}
	case models.TriggerFormSubmitted:
		if cfg.FormID != "" && cfg.FormID != event.FormID {
			return false, nil
		}
	case models.TriggerTimeElapsed, models.TriggerManual:
		// Fired by the scheduler and the API respectively, never by
		// entity events.
		return false, nil
	}

	for i := range cfg.Predicates {
		matched, err := cfg.Predicates[i].Evaluate(event.Snapshot, event.Previous)
		if err != nil {
			return false, models.NewConfigurationError("trigger predicate on workflow %s: %v", wf.ID, err)
		}

		if !matched {
			return false, nil
		}
	}

	return true, nil
}

func kindMatches(triggerType models.TriggerType, kind events.EventKind) bool {
	switch triggerType {
	case models.TriggerEntityCreated:
		return kind == events.EntityCreated
	case models.TriggerEntityUpdated:
		return kind == events.EntityUpdated
	case models.TriggerTagApplied:
		return kind == events.TagApplied
	case models.TriggerFormSubmitted:
		return kind == events.FormSubmitted
	default:
		return false
	}
}
