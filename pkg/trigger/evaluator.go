// Package trigger turns CRM entity events and due schedules into
// pending executions.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pilotwave/crmflow/pkg/eventbus"
	"github.com/pilotwave/crmflow/pkg/events"
	"github.com/pilotwave/crmflow/pkg/metrics"
	"github.com/pilotwave/crmflow/pkg/models"
	"github.com/pilotwave/crmflow/pkg/persistence"
)

const DefaultDedupeTTL = 24 * time.Hour

type Evaluator struct {
	workflows  persistence.WorkflowRepository
	executions persistence.ExecutionRepository
	matcher    *Matcher
	dedupe     DedupeCache
	publisher  eventbus.EventPublisher
	metrics    *metrics.Metrics
	dedupeTTL  time.Duration
	logger     *slog.Logger
}

// NewEvaluator wires the evaluator. The publisher may be nil when no
// lifecycle observers exist (tests, embedded use).
func NewEvaluator(p persistence.Persistence, dedupe DedupeCache, publisher eventbus.EventPublisher, dedupeTTL time.Duration, logger *slog.Logger) *Evaluator {
	if dedupeTTL <= 0 {
		dedupeTTL = DefaultDedupeTTL
	}

	return &Evaluator{
		workflows:  p.WorkflowRepository(),
		executions: p.ExecutionRepository(),
		matcher:    NewMatcher(logger),
		dedupe:     dedupe,
		publisher:  publisher,
		metrics:    metrics.New(),
		dedupeTTL:  dedupeTTL,
		logger:     logger.With("module", "trigger_evaluator"),
	}
}

// HandleEvent matches one entity event against every runnable workflow
// and enqueues one execution per match. It returns how many executions
// were created. A store failure is returned so the delivery is retried
// at the bus boundary; an event is never dropped without a counted
// failure.
func (ev *Evaluator) HandleEvent(ctx context.Context, event events.EntityEvent) (int, error) {
	logger := ev.logger.With("entity_type", event.EntityType, "entity_id", event.EntityID, "event_kind", event.Kind)

	if err := event.Validate(); err != nil {
		ev.metrics.EvaluatorFailures.WithLabelValues("invalid_event").Inc()

		return 0, fmt.Errorf("invalid entity event: %w", err)
	}

	workflows, err := ev.workflows.GetRunnable(ctx)
	if err != nil {
		ev.metrics.EvaluatorFailures.WithLabelValues("store_unavailable").Inc()

		return 0, fmt.Errorf("failed to load runnable workflows: %w", err)
	}

	created := 0

	for _, wf := range workflows {
		matched, err := ev.matcher.Matches(event, wf)
		if err != nil {
			// A broken predicate disables that one workflow's match,
			// not the whole event.
			ev.metrics.EvaluatorFailures.WithLabelValues("bad_predicate").Inc()
			logger.Error("Trigger predicate evaluation failed", "workflow_id", wf.ID, "error", err)

			continue
		}

		if !matched {
			continue
		}

		ev.metrics.TriggerMatches.WithLabelValues(string(wf.TriggerType)).Inc()

		enqueued, err := ev.enqueue(ctx, wf, event)
		if err != nil {
			ev.metrics.EvaluatorFailures.WithLabelValues("enqueue_failed").Inc()
			logger.Error("Failed to enqueue execution", "workflow_id", wf.ID, "error", err)

			return created, err
		}

		if enqueued {
			created++
		}
	}

	logger.Debug("Entity event evaluated", "executions_created", created)

	return created, nil
}

func (ev *Evaluator) enqueue(ctx context.Context, wf *models.Workflow, event events.EntityEvent) (bool, error) {
	key := event.DedupeKey(wf.ID)

	if ev.dedupe != nil {
		fresh, err := ev.dedupe.Register(ctx, key, ev.dedupeTTL)
		if err != nil {
			// Cache trouble is not a reason to drop an event; the
			// store's unique index still catches duplicates.
			ev.logger.Warn("Dedupe cache unavailable, relying on store index", "error", err)
		} else if !fresh {
			ev.metrics.DedupeHits.Inc()

			return false, nil
		}
	}

	execution := models.NewExecution(wf.ID, wf.TriggerType, event.Snapshot)
	execution.PreviousData = event.Previous
	execution.DedupeKey = key

	if err := ev.executions.Enqueue(ctx, execution); err != nil {
		if persistence.IsDuplicateExecution(err) {
			ev.metrics.DedupeHits.Inc()

			return false, nil
		}

		return false, err
	}

	ev.metrics.ExecutionsEnqueued.WithLabelValues(string(wf.TriggerType)).Inc()
	ev.publishEnqueued(ctx, wf.ID, execution)

	return true, nil
}

// ExecuteNow enqueues a manual run of one workflow, bypassing trigger
// matching but not the runnable check.
func (ev *Evaluator) ExecuteNow(ctx context.Context, workflowID string, triggerData map[string]any) (*models.Execution, error) {
	wf, err := ev.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if !wf.Runnable() {
		return nil, models.NewConfigurationError("workflow %s is not active", workflowID)
	}

	execution := models.NewExecution(wf.ID, models.TriggerManual, triggerData)

	if err := ev.executions.Enqueue(ctx, execution); err != nil {
		return nil, err
	}

	ev.metrics.ExecutionsEnqueued.WithLabelValues(string(models.TriggerManual)).Inc()
	ev.publishEnqueued(ctx, wf.ID, execution)

	return execution, nil
}

func (ev *Evaluator) publishEnqueued(ctx context.Context, workflowID string, execution *models.Execution) {
	if ev.publisher == nil {
		return
	}

	event := events.NewExecutionEnqueued(workflowID, execution.ID, string(execution.TriggerType))

	if err := ev.publisher.Publish(ctx, execution.ID, event); err != nil {
		ev.logger.Warn("Failed to publish enqueued event", "execution_id", execution.ID, "error", err)
	}
}
