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

// Schedules fires time_elapsed workflows. The watermark for each
// workflow is its latest execution's creation time, so no extra
// engine-owned table is needed and replicas converge on the same next
// fire time. The dedupe key pins one execution per workflow per slot
// even when several engines poll at once.
type Schedules struct {
	workflows  persistence.WorkflowRepository
	executions persistence.ExecutionRepository
	publisher  eventbus.EventPublisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewSchedules(p persistence.Persistence, publisher eventbus.EventPublisher, logger *slog.Logger) *Schedules {
	return &Schedules{
		workflows:  p.WorkflowRepository(),
		executions: p.ExecutionRepository(),
		publisher:  publisher,
		metrics:    metrics.New(),
		logger:     logger.With("module", "trigger_schedules"),
	}
}

// FireDue enqueues executions for every time_elapsed workflow whose
// next cron slot has passed. Returns how many were created.
func (s *Schedules) FireDue(ctx context.Context, now time.Time) (int, error) {
	workflows, err := s.workflows.GetRunnable(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load runnable workflows: %w", err)
	}

	fired := 0

	for _, wf := range workflows {
		if wf.TriggerType != models.TriggerTimeElapsed || wf.TriggerConfig.Schedule == "" {
			continue
		}

		due, slot, err := s.dueSlot(ctx, wf, now)
		if err != nil {
			s.metrics.EvaluatorFailures.WithLabelValues("bad_schedule").Inc()
			s.logger.Error("Failed to compute schedule", "workflow_id", wf.ID, "error", err)

			continue
		}

		if !due {
			continue
		}

		execution := models.NewExecution(wf.ID, models.TriggerTimeElapsed, map[string]any{
			"scheduled_for": slot.Format(time.RFC3339),
		})
		execution.DedupeKey = fmt.Sprintf("%s:schedule:%d", wf.ID, slot.Unix())

		if err := s.executions.Enqueue(ctx, execution); err != nil {
			if persistence.IsDuplicateExecution(err) {
				// Another replica already fired this slot.
				continue
			}

			return fired, err
		}

		s.metrics.TriggerMatches.WithLabelValues(string(models.TriggerTimeElapsed)).Inc()
		s.metrics.ExecutionsEnqueued.WithLabelValues(string(models.TriggerTimeElapsed)).Inc()
		fired++

		if s.publisher != nil {
			event := events.NewExecutionEnqueued(wf.ID, execution.ID, string(models.TriggerTimeElapsed))
			if err := s.publisher.Publish(ctx, execution.ID, event); err != nil {
				s.logger.Warn("Failed to publish enqueued event", "execution_id", execution.ID, "error", err)
			}
		}
	}

	return fired, nil
}

// dueSlot returns whether the workflow's next fire time after its
// watermark has elapsed, and which slot that is.
func (s *Schedules) dueSlot(ctx context.Context, wf *models.Workflow, now time.Time) (bool, time.Time, error) {
	watermark, ok, err := s.executions.LatestCreatedAt(ctx, wf.ID)
	if err != nil {
		return false, time.Time{}, err
	}

	if !ok {
		// Never fired: anchor on when the definition was last touched
		// so enabling an old workflow does not replay missed slots.
		watermark = wf.UpdatedAt
	}

	slot, err := models.NextFire(wf.TriggerConfig.Schedule, watermark)
	if err != nil {
		return false, time.Time{}, err
	}

	return !slot.After(now), slot, nil
}
