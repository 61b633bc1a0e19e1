package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/pilotwave/crmflow/pkg/eventbus"
	"github.com/pilotwave/crmflow/pkg/events"
	"github.com/pilotwave/crmflow/pkg/otelhelper"
	"github.com/pilotwave/crmflow/pkg/scheduler"
	"github.com/pilotwave/crmflow/pkg/trigger"
)

// EngineManager owns one engine replica: it feeds CRM entity events
// from the bus into the trigger evaluator and runs the claim-and-lease
// scheduler that walks executions.
type EngineManager struct {
	id        string
	logger    *slog.Logger
	eventBus  eventbus.EventBus
	evaluator *trigger.Evaluator
	scheduler *scheduler.Scheduler
	tp        *sdktrace.TracerProvider
}

func NewEngineManager(
	id string,
	eventBus eventbus.EventBus,
	evaluator *trigger.Evaluator,
	sched *scheduler.Scheduler,
	tp *sdktrace.TracerProvider,
	logger *slog.Logger,
) *EngineManager {
	return &EngineManager{
		id:        id,
		logger:    logger.With("module", "crmflow-engine", "worker_id", id),
		eventBus:  eventBus,
		evaluator: evaluator,
		scheduler: sched,
		tp:        tp,
	}
}

// Start runs the engine until SIGINT or SIGTERM, then drains in-flight
// executions before returning.
func (m *EngineManager) Start(ctx context.Context) error {
	m.logger.InfoContext(ctx, "Starting engine", "worker_id", m.id)

	err := m.eventBus.Handle(events.EntityEventType, m.handleEntityEvent)
	if err != nil {
		return err
	}

	err = m.eventBus.Subscribe(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	// Start blocks until the scheduler drains, so it runs on its own
	// goroutine while this one waits for a shutdown signal.
	schedulerDone := make(chan error, 1)

	go func() {
		schedulerDone <- m.scheduler.Start(ctx)
	}()

	m.logger.InfoContext(ctx, "Engine started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		m.logger.InfoContext(ctx, "Shutting down engine", "signal", sig.String())
		m.scheduler.Stop()

		return <-schedulerDone
	case err := <-schedulerDone:
		if err != nil {
			m.logger.ErrorContext(ctx, "Scheduler stopped unexpectedly", "error", err)
		}

		return err
	}
}

// handleEntityEvent evaluates triggers for one CRM entity event. A
// returned error nacks the message so the bus redelivers it.
func (m *EngineManager) handleEntityEvent(ctx context.Context, event any) error {
	entityEvent, ok := event.(*events.EntityEvent)
	if !ok {
		m.logger.ErrorContext(ctx, "Invalid event type for entity event")

		return nil
	}

	tracer := m.tp.Tracer("crmflow-engine")

	ctx, span := otelhelper.StartSpan(ctx, tracer, "evaluate_entity_event",
		attribute.String(otelhelper.EventIDKey, entityEvent.ID),
		attribute.String(otelhelper.WorkerIDKey, m.id),
	)
	defer span.End()

	spawned, err := m.evaluator.HandleEvent(ctx, *entityEvent)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to evaluate entity event",
			"event_id", entityEvent.ID, "error", err)

		return err
	}

	m.logger.DebugContext(ctx, "Entity event evaluated",
		"event_id", entityEvent.ID, "executions_created", spawned)

	return nil
}
