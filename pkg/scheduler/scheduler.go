// Package scheduler polls the execution store, claims work under the
// concurrency caps and dispatches it to a bounded worker pool.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pilotwave/crmflow/pkg/eventbus"
	"github.com/pilotwave/crmflow/pkg/events"
	"github.com/pilotwave/crmflow/pkg/metrics"
	"github.com/pilotwave/crmflow/pkg/models"
	"github.com/pilotwave/crmflow/pkg/persistence"
	"github.com/pilotwave/crmflow/pkg/trigger"
	"github.com/pilotwave/crmflow/pkg/workflow"
)

type Config struct {
	WorkerID          string
	PollInterval      time.Duration
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	// MaxConcurrent is the global cap on simultaneously walked
	// executions in this process.
	MaxConcurrent int
	// StoreBackoffBase grows exponentially while the store is
	// unreachable, capped at StoreBackoffCap.
	StoreBackoffBase time.Duration
	StoreBackoffCap  time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}

	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}

	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LeaseDuration / 3
	}

	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}

	if c.StoreBackoffBase <= 0 {
		c.StoreBackoffBase = time.Second
	}

	if c.StoreBackoffCap <= 0 {
		c.StoreBackoffCap = time.Minute
	}
}

type Scheduler struct {
	cfg        Config
	workflows  persistence.WorkflowRepository
	executions persistence.ExecutionRepository
	executor   *workflow.Executor
	schedules  *trigger.Schedules
	publisher  eventbus.EventPublisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	slots  chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg Config, p persistence.Persistence, executor *workflow.Executor, schedules *trigger.Schedules, publisher eventbus.EventPublisher, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()

	return &Scheduler{
		cfg:        cfg,
		workflows:  p.WorkflowRepository(),
		executions: p.ExecutionRepository(),
		executor:   executor,
		schedules:  schedules,
		publisher:  publisher,
		metrics:    metrics.New(),
		logger:     logger.With("module", "scheduler", "worker_id", cfg.WorkerID),
		now:        func() time.Time { return time.Now().UTC() },
		slots:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Start runs the poll loop until the context is cancelled or Stop is
// called. It blocks; callers run it on its own goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.logger.Info("Scheduler starting",
		"poll_interval", s.cfg.PollInterval,
		"lease_duration", s.cfg.LeaseDuration,
		"max_concurrent", s.cfg.MaxConcurrent)

	storeFailures := 0

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.poll(ctx); err != nil {
			storeFailures++
			s.metrics.PollErrors.Inc()

			delay := backoffDelay(s.cfg.StoreBackoffBase, s.cfg.StoreBackoffCap, storeFailures)
			s.logger.Error("Poll failed, backing off", "error", err, "delay", delay, "consecutive_failures", storeFailures)

			select {
			case <-ctx.Done():
				return s.drain()
			case <-time.After(delay):
			}

			continue
		}

		storeFailures = 0

		select {
		case <-ctx.Done():
			return s.drain()
		case <-ticker.C:
		}
	}
}

// Stop cancels the poll loop; Start returns after in-flight workers
// drain.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) drain() error {
	s.logger.Info("Scheduler draining workers")
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")

	return nil
}

func backoffDelay(base, ceiling time.Duration, failures int) time.Duration {
	delay := base

	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}

	return delay
}

// poll runs one scheduling round: wake sleepers, fire due schedules,
// then claim up to the free capacity and dispatch.
func (s *Scheduler) poll(ctx context.Context) error {
	now := s.now()

	promoted, err := s.executions.PromoteDue(ctx, now)
	if err != nil {
		return err
	}

	if promoted > 0 {
		s.metrics.ExecutionsPromoted.Add(float64(promoted))
		s.logger.Debug("Promoted waiting executions", "count", promoted)
	}

	if s.schedules != nil {
		if _, err := s.schedules.FireDue(ctx, now); err != nil {
			return err
		}
	}

	capacity := s.cfg.MaxConcurrent - len(s.slots)
	if capacity <= 0 {
		return nil
	}

	claimed, err := s.executions.ClaimPending(ctx, s.cfg.WorkerID, capacity, s.cfg.LeaseDuration)
	if err != nil {
		return err
	}

	if len(claimed) == 0 {
		return nil
	}

	_, perWorkflow, err := s.executions.RunningCounts(ctx)
	if err != nil {
		return err
	}

	// The batch just claimed is already counted; admission decides
	// whether each claim may actually occupy a slot.
	for _, execution := range claimed {
		if perWorkflow[execution.WorkflowID] > 0 {
			perWorkflow[execution.WorkflowID]--
		}
	}

	for _, execution := range claimed {
		wf, release := s.admit(ctx, execution, perWorkflow)
		if release {
			continue
		}

		perWorkflow[execution.WorkflowID]++

		s.metrics.ExecutionsClaimed.Inc()
		s.dispatch(ctx, wf, execution)
	}

	return nil
}

// admit enforces the per-workflow concurrency cap and drops claims for
// definitions that vanished or were paused since enqueue. release=true
// means the execution was handed back or finished here.
func (s *Scheduler) admit(ctx context.Context, execution *models.Execution, perWorkflow map[string]int) (*models.Workflow, bool) {
	wf, err := s.workflows.GetByID(ctx, execution.WorkflowID)
	if err != nil {
		if persistence.IsWorkflowNotFound(err) {
			msg := "workflow definition no longer exists"

			if _, terr := s.executions.Transition(ctx, execution.ID, models.ExecutionStatusClaimed, models.ExecutionStatusFailed, persistence.Update{
				ErrorMessage: &msg,
			}); terr != nil {
				s.logger.Error("Failed to fail orphaned execution", "execution_id", execution.ID, "error", terr)
			}

			return nil, true
		}

		s.requeue(ctx, execution)

		return nil, true
	}

	if !wf.Runnable() {
		// Paused definitions keep their backlog pending; it runs when
		// they are resumed or is cancelled explicitly.
		s.requeue(ctx, execution)

		return nil, true
	}

	limit := wf.MaxConcurrentExecutions
	if limit > 0 && perWorkflow[wf.ID] >= limit {
		s.logger.Debug("Per-workflow cap reached, requeueing",
			"workflow_id", wf.ID, "running", perWorkflow[wf.ID], "cap", limit)
		s.requeue(ctx, execution)

		return nil, true
	}

	return wf, false
}

func (s *Scheduler) requeue(ctx context.Context, execution *models.Execution) {
	if _, err := s.executions.Transition(ctx, execution.ID, models.ExecutionStatusClaimed, models.ExecutionStatusPending, persistence.Update{}); err != nil {
		s.logger.Error("Failed to requeue execution", "execution_id", execution.ID, "error", err)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, wf *models.Workflow, execution *models.Execution) {
	s.slots <- struct{}{}
	s.wg.Add(1)

	go func() {
		defer func() {
			<-s.slots
			s.wg.Done()
		}()

		s.runOne(ctx, wf, execution)
	}()
}

func (s *Scheduler) runOne(ctx context.Context, wf *models.Workflow, execution *models.Execution) {
	logger := s.logger.With("workflow_id", wf.ID, "execution_id", execution.ID)

	s.metrics.WorkersActive.Inc()
	s.metrics.ExecutionsRunning.Inc()

	defer func() {
		s.metrics.WorkersActive.Dec()
		s.metrics.ExecutionsRunning.Dec()
	}()

	walkCtx, cancelWalk := context.WithCancel(ctx)
	defer cancelWalk()

	stopHeartbeat := s.startHeartbeat(walkCtx, execution.ID, cancelWalk)
	defer stopHeartbeat()

	started := s.now()

	s.publish(ctx, events.NewExecutionStarted(wf.ID, execution.ID))

	result, err := s.executor.Run(walkCtx, wf, execution)
	if err != nil {
		// Lost lease or store failure: leave the row for reclaim.
		logger.Error("Walk abandoned", "error", err)

		return
	}

	elapsed := s.now().Sub(started).Seconds()

	switch result.Status {
	case models.ExecutionStatusWaiting:
		wake := time.Time{}
		if result.Cursor.WakeAt != nil {
			wake = *result.Cursor.WakeAt
		}

		nodeID := ""
		if len(result.Cursor.Active) > 0 {
			nodeID = result.Cursor.Active[0]
		}

		s.publish(ctx, events.NewExecutionWaiting(wf.ID, execution.ID, nodeID, wake))
	case models.ExecutionStatusCompleted:
		s.metrics.ExecutionsFinished.WithLabelValues(string(result.Status)).Inc()
		s.metrics.ExecutionDuration.WithLabelValues(string(result.Status)).Observe(elapsed)
		s.publish(ctx, events.NewExecutionCompleted(wf.ID, execution.ID))
	case models.ExecutionStatusFailed:
		s.metrics.ExecutionsFinished.WithLabelValues(string(result.Status)).Inc()
		s.metrics.ExecutionDuration.WithLabelValues(string(result.Status)).Observe(elapsed)
		s.publish(ctx, events.NewExecutionFailed(wf.ID, execution.ID, result.FailedNodeID, result.ErrorMessage))
	case models.ExecutionStatusCancelled:
		s.metrics.ExecutionsFinished.WithLabelValues(string(result.Status)).Inc()
		s.metrics.ExecutionDuration.WithLabelValues(string(result.Status)).Observe(elapsed)
		s.publish(ctx, events.NewExecutionCancelled(wf.ID, execution.ID))
	}

	logger.Info("Execution dispatched", "status", result.Status, "elapsed_seconds", elapsed)
}

// startHeartbeat extends the lease while the walk runs. Losing the
// lease cancels the walk so two workers never advance the same
// execution.
func (s *Scheduler) startHeartbeat(ctx context.Context, executionID string, onLost context.CancelFunc) func() {
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				err := s.executions.Heartbeat(ctx, executionID, s.cfg.WorkerID, s.cfg.LeaseDuration)
				if err == nil {
					continue
				}

				if persistence.IsLeaseLost(err) {
					s.metrics.ExecutionsReclaimed.Inc()
					s.logger.Warn("Lease lost, cancelling walk", "execution_id", executionID)
					onLost()

					return
				}

				s.logger.Warn("Heartbeat failed", "execution_id", executionID, "error", err)
			}
		}
	}()

	return func() { close(done) }
}

func (s *Scheduler) publish(ctx context.Context, event eventbus.Event) {
	if s.publisher == nil {
		return
	}

	if err := s.publisher.Publish(ctx, s.cfg.WorkerID, event); err != nil {
		s.logger.Warn("Failed to publish lifecycle event", "event_type", event.GetType(), "error", err)
	}
}
