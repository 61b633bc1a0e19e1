package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotwave/crmflow/pkg/models"
	"github.com/pilotwave/crmflow/pkg/persistence/memory"
	"github.com/pilotwave/crmflow/pkg/protocol"
	"github.com/pilotwave/crmflow/pkg/registry"
	"github.com/pilotwave/crmflow/pkg/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// gatedAction blocks until released so tests can observe concurrency.
type gatedAction struct {
	gate    chan struct{}
	active  atomic.Int32
	maxSeen atomic.Int32
	calls   atomic.Int32
	order   []string
	mu      sync.Mutex
}

func newGatedAction() *gatedAction {
	return &gatedAction{gate: make(chan struct{})}
}

func (a *gatedAction) Execute(ctx context.Context, execCtx models.ExecutionContext, _ *slog.Logger) (map[string]any, error) {
	n := a.active.Add(1)
	defer a.active.Add(-1)

	for {
		seen := a.maxSeen.Load()
		if n <= seen || a.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	a.calls.Add(1)

	a.mu.Lock()
	a.order = append(a.order, execCtx.ExecutionID)
	a.mu.Unlock()

	select {
	case <-a.gate:
		return map[string]any{"ok": true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type gatedFactory struct {
	action *gatedAction
}

func (f *gatedFactory) ID() string                                   { return "gated" }
func (f *gatedFactory) Schema() map[string]any                       { return map[string]any{"type": "object"} }
func (f *gatedFactory) Create(_ map[string]any) (protocol.Action, error) { return f.action, nil }

func simpleWorkflow(id string, maxConcurrent int) *models.Workflow {
	return &models.Workflow{
		ID:                      id,
		Name:                    "Scheduler test workflow",
		TriggerType:             models.TriggerManual,
		ExecutionMode:           models.ExecutionModeSequential,
		MaxConcurrentExecutions: maxConcurrent,
		IsActive:                true,
		Nodes: []*models.Node{
			{ID: "t", Kind: models.NodeKindTrigger},
			{ID: "work", Kind: models.NodeKindAction, Action: &models.ActionConfig{Capability: "gated"}},
			{ID: "done", Kind: models.NodeKindEnd},
		},
		Edges: []*models.Edge{
			{ID: "e1", SourceNodeID: "t", TargetNodeID: "work"},
			{ID: "e2", SourceNodeID: "work", TargetNodeID: "done"},
		},
	}
}

func newTestScheduler(t *testing.T, cfg Config, factories ...protocol.ActionFactory) (*Scheduler, *memory.Persistence) {
	t.Helper()

	store := memory.NewPersistence()

	reg := registry.NewDefaultRegistry(testLogger())
	for _, f := range factories {
		reg.RegisterAction(f)
	}

	backoff := workflow.BackoffPolicy{Base: time.Millisecond, Cap: 10 * time.Millisecond}
	executor := workflow.NewExecutor(store, reg, backoff, testLogger())

	cfg.WorkerID = "sched-test"
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}

	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = time.Minute
	}

	return New(cfg, store, executor, nil, nil, testLogger()), store
}

func enqueue(t *testing.T, store *memory.Persistence, workflowID string, n int) []string {
	t.Helper()

	ids := make([]string, 0, n)

	for range n {
		execution := models.NewExecution(workflowID, models.TriggerManual, nil)
		require.NoError(t, store.ExecutionRepository().Enqueue(context.Background(), execution))
		ids = append(ids, execution.ID)

		// Distinct created_at ordering for FIFO assertions.
		time.Sleep(time.Millisecond)
	}

	return ids
}

func waitForStatus(t *testing.T, store *memory.Persistence, id string, want models.ExecutionStatus) {
	t.Helper()

	require.Eventually(t, func() bool {
		execution, err := store.ExecutionRepository().GetByID(context.Background(), id)

		return err == nil && execution.Status == want
	}, 5*time.Second, 5*time.Millisecond, "execution %s never reached %s", id, want)
}

func TestScheduler_GlobalConcurrencyCap(t *testing.T) {
	action := newGatedAction()
	sched, store := newTestScheduler(t, Config{MaxConcurrent: 2}, &gatedFactory{action: action})

	wf := simpleWorkflow("wf-cap", 0)
	require.NoError(t, store.WorkflowRepository().Save(context.Background(), wf))

	ids := enqueue(t, store, wf.ID, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = sched.Start(ctx) }()

	require.Eventually(t, func() bool {
		return action.calls.Load() >= 2
	}, 5*time.Second, 5*time.Millisecond)

	close(action.gate)

	for _, id := range ids {
		waitForStatus(t, store, id, models.ExecutionStatusCompleted)
	}

	assert.LessOrEqual(t, action.maxSeen.Load(), int32(2), "never more than MaxConcurrent in flight")
	sched.Stop()
}

func TestScheduler_PerWorkflowCapDoesNotStarveOthers(t *testing.T) {
	action := newGatedAction()
	sched, store := newTestScheduler(t, Config{MaxConcurrent: 4}, &gatedFactory{action: action})

	ctx := context.Background()

	noisy := simpleWorkflow("wf-noisy", 1)
	quiet := simpleWorkflow("wf-quiet", 1)
	require.NoError(t, store.WorkflowRepository().Save(ctx, noisy))
	require.NoError(t, store.WorkflowRepository().Save(ctx, quiet))

	enqueue(t, store, noisy.ID, 3)
	quietIDs := enqueue(t, store, quiet.ID, 1)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = sched.Start(runCtx) }()

	// The quiet workflow gets a slot even with noisy's backlog ahead
	// of it in FIFO order.
	require.Eventually(t, func() bool {
		execution, err := store.ExecutionRepository().GetByID(ctx, quietIDs[0])

		return err == nil && execution.Status == models.ExecutionStatusRunning
	}, 5*time.Second, 5*time.Millisecond)

	assert.LessOrEqual(t, action.maxSeen.Load(), int32(2), "one slot per workflow")

	close(action.gate)

	waitForStatus(t, store, quietIDs[0], models.ExecutionStatusCompleted)
	sched.Stop()
}

func TestScheduler_FIFOWithinWorkflow(t *testing.T) {
	action := newGatedAction()
	close(action.gate) // run through without blocking

	sched, store := newTestScheduler(t, Config{MaxConcurrent: 1}, &gatedFactory{action: action})

	wf := simpleWorkflow("wf-fifo", 0)
	require.NoError(t, store.WorkflowRepository().Save(context.Background(), wf))

	ids := enqueue(t, store, wf.ID, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = sched.Start(ctx) }()

	for _, id := range ids {
		waitForStatus(t, store, id, models.ExecutionStatusCompleted)
	}

	action.mu.Lock()
	defer action.mu.Unlock()
	assert.Equal(t, ids, action.order, "oldest execution claims first")
	sched.Stop()
}

func TestScheduler_CancelledWaitingExecutionNeverRuns(t *testing.T) {
	action := newGatedAction()
	sched, store := newTestScheduler(t, Config{MaxConcurrent: 2}, &gatedFactory{action: action})

	ctx := context.Background()

	wf := simpleWorkflow("wf-cancel", 0)
	wf.Nodes = []*models.Node{
		{ID: "t", Kind: models.NodeKindTrigger},
		{ID: "wait", Kind: models.NodeKindDelay, Delay: &models.DelayConfig{Duration: "250ms"}},
		{ID: "work", Kind: models.NodeKindAction, Action: &models.ActionConfig{Capability: "gated"}},
		{ID: "done", Kind: models.NodeKindEnd},
	}
	wf.Edges = []*models.Edge{
		{ID: "e1", SourceNodeID: "t", TargetNodeID: "wait"},
		{ID: "e2", SourceNodeID: "wait", TargetNodeID: "work"},
		{ID: "e3", SourceNodeID: "work", TargetNodeID: "done"},
	}
	require.NoError(t, store.WorkflowRepository().Save(ctx, wf))

	ids := enqueue(t, store, wf.ID, 1)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = sched.Start(runCtx) }()

	waitForStatus(t, store, ids[0], models.ExecutionStatusWaiting)
	require.NoError(t, store.ExecutionRepository().RequestCancel(ctx, ids[0]))

	waitForStatus(t, store, ids[0], models.ExecutionStatusCancelled)
	assert.Equal(t, int32(0), action.calls.Load(), "action after the delay never runs")
	sched.Stop()
}

func TestScheduler_PausedWorkflowKeepsBacklogPending(t *testing.T) {
	action := newGatedAction()
	sched, store := newTestScheduler(t, Config{MaxConcurrent: 2}, &gatedFactory{action: action})

	ctx := context.Background()

	wf := simpleWorkflow("wf-paused", 0)
	wf.IsPaused = true
	require.NoError(t, store.WorkflowRepository().Save(ctx, wf))

	ids := enqueue(t, store, wf.ID, 1)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = sched.Start(runCtx) }()

	// Give the scheduler a few polls; the execution must stay pending.
	time.Sleep(50 * time.Millisecond)

	execution, err := store.ExecutionRepository().GetByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPending, execution.Status)
	assert.Equal(t, int32(0), action.calls.Load())
	sched.Stop()
}

func TestScheduler_StopUnblocksStart(t *testing.T) {
	sched, _ := newTestScheduler(t, Config{MaxConcurrent: 1}, &gatedFactory{action: newGatedAction()})

	done := make(chan error, 1)

	go func() { done <- sched.Start(context.Background()) }()

	// Give the poll loop a tick before asking it to drain.
	time.Sleep(20 * time.Millisecond)
	sched.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestBackoffDelay_CapsGrowth(t *testing.T) {
	base := time.Second

	assert.Equal(t, time.Second, backoffDelay(base, time.Minute, 1))
	assert.Equal(t, 2*time.Second, backoffDelay(base, time.Minute, 2))
	assert.Equal(t, 32*time.Second, backoffDelay(base, time.Minute, 6))
	assert.Equal(t, time.Minute, backoffDelay(base, time.Minute, 20))
}
