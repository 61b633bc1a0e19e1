// Package workflow walks an execution's node graph, running actions,
// resolving branches and applying the retry policy.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pilotwave/crmflow/pkg/metrics"
	"github.com/pilotwave/crmflow/pkg/models"
	"github.com/pilotwave/crmflow/pkg/persistence"
	"github.com/pilotwave/crmflow/pkg/registry"
)

type Executor struct {
	executions persistence.ExecutionRepository
	steps      persistence.StepRepository
	registry   *registry.Registry
	backoff    BackoffPolicy
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

func NewExecutor(p persistence.Persistence, reg *registry.Registry, backoff BackoffPolicy, logger *slog.Logger) *Executor {
	return &Executor{
		executions: p.ExecutionRepository(),
		steps:      p.StepRepository(),
		registry:   reg,
		backoff:    backoff,
		metrics:    metrics.New(),
		logger:     logger.With("module", "workflow_executor"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// nodeResult is the outcome of one node visit. Exactly one of next,
// parkAt+next, completed or failed describes what the cursor does;
// err reports a store failure that aborts the whole walk.
type nodeResult struct {
	nodeID    string
	next      []string
	parkAt    *time.Time
	output    map[string]any
	attempted bool
	retried   bool
	completed bool
	failed    bool
	errMsg    string
	err       error
}

// Run advances a claimed execution until it reaches a terminal status
// or parks at a wait point. The returned execution carries the final
// state; a non-nil error means the walk was abandoned (store failure
// or lost lease) and the row is left for reclaim.
func (e *Executor) Run(ctx context.Context, wf *models.Workflow, execution *models.Execution) (*models.Execution, error) {
	logger := e.logger.With("workflow_id", wf.ID, "execution_id", execution.ID)

	cursor := execution.Cursor
	now := e.now()

	resumed := len(cursor.Active) > 0 || len(cursor.Parked) > 0

	if !resumed {
		trigger := wf.TriggerNode()
		if trigger == nil {
			return e.transition(ctx, execution, models.ExecutionStatusFailed, persistence.Update{
				Cursor:       &cursor,
				ErrorMessage: strPtr("workflow has no trigger node"),
			})
		}

		cursor.Active = e.targets(wf, trigger.ID)
	}

	cursor.Active = append(cursor.Active, cursor.Unpark(now)...)

	if len(cursor.Active) == 0 && len(cursor.Parked) > 0 {
		// Claimed before any parked cursor came due; put it back.
		return e.transition(ctx, execution, models.ExecutionStatusWaiting, persistence.Update{Cursor: &cursor})
	}

	running, err := e.executions.Transition(ctx, execution.ID, execution.Status, models.ExecutionStatusRunning, persistence.Update{Cursor: &cursor})
	if err != nil {
		return nil, fmt.Errorf("failed to mark execution running: %w", err)
	}

	execution = running

	execCtx := models.ExecutionContext{
		ExecutionID: execution.ID,
		WorkflowID:  wf.ID,
		TriggerData: execution.TriggerData,
		NodeOutputs: make(map[string]any),
	}

	if resumed {
		if err := e.reloadOutputs(ctx, execution.ID, &execCtx); err != nil {
			return nil, err
		}
	}

	completedBranches := 0

	for len(cursor.Active) > 0 {
		cancelled, err := e.cancelRequested(ctx, execution.ID)
		if err != nil {
			return nil, err
		}

		if cancelled {
			logger.Info("Cancellation requested, stopping before next node")

			if err := e.steps.MarkInterrupted(ctx, execution.ID); err != nil {
				return nil, err
			}

			return e.transition(ctx, execution, models.ExecutionStatusCancelled, persistence.Update{Cursor: &cursor})
		}

		results := e.runRound(ctx, wf, execution, &cursor, execCtx, logger)

		next := make([]string, 0, len(results))

		for _, res := range results {
			if res.err != nil {
				return nil, res.err
			}

			if res.attempted {
				cursor.RecordAttempt(res.nodeID)
			}

			if res.output != nil {
				execCtx.NodeOutputs[res.nodeID] = res.output
			}

			switch {
			case res.failed:
				cursor.RecordFailure(res.nodeID, res.errMsg)
			case res.completed:
				completedBranches++
			case res.parkAt != nil:
				for _, target := range res.next {
					cursor.Park(target, *res.parkAt)
				}
			default:
				next = append(next, res.next...)
			}

			if res.retried {
				e.metrics.NodeRetries.WithLabelValues(wf.ID).Inc()
			}
		}

		cursor.Active = dedupe(next)

		// A sequential walk stops at the first permanent failure;
		// parallel branches keep going until the frontier drains.
		if cursor.FirstFailedNode != "" && wf.ExecutionMode == models.ExecutionModeSequential {
			break
		}
	}

	if cursor.FirstFailedNode != "" && wf.ExecutionMode == models.ExecutionModeSequential {
		logger.Warn("Execution failed", "node_id", cursor.FirstFailedNode, "error", cursor.FirstFailure)

		return e.transition(ctx, execution, models.ExecutionStatusFailed, persistence.Update{
			Cursor:       &cursor,
			ErrorMessage: strPtr(cursor.FirstFailure),
			FailedNodeID: strPtr(cursor.FirstFailedNode),
		})
	}

	if len(cursor.Parked) > 0 {
		logger.Info("Execution waiting", "wake_at", cursor.WakeAt)

		return e.transition(ctx, execution, models.ExecutionStatusWaiting, persistence.Update{Cursor: &cursor})
	}

	if len(cursor.Failed) > 0 {
		survived := completedBranches > 0

		if !survived && resumed {
			// A sibling branch may have finished before an earlier
			// suspension; the audit trail remembers.
			survived, err = e.anyBranchCompleted(ctx, execution.ID)
			if err != nil {
				return nil, err
			}
		}

		if !survived {
			return e.transition(ctx, execution, models.ExecutionStatusFailed, persistence.Update{
				Cursor:       &cursor,
				ErrorMessage: strPtr(cursor.FirstFailure),
				FailedNodeID: strPtr(cursor.FirstFailedNode),
			})
		}

		logger.Warn("Execution completed with failed branches", "failed_nodes", cursor.Failed)
	}

	logger.Info("Execution completed")

	return e.transition(ctx, execution, models.ExecutionStatusCompleted, persistence.Update{Cursor: &cursor})
}

// runRound visits every active cursor once. Parallel executions run
// one goroutine per frontier cursor; node results are applied by the
// caller on a single goroutine, so visits only read shared state.
func (e *Executor) runRound(ctx context.Context, wf *models.Workflow, execution *models.Execution, cursor *models.CursorState, execCtx models.ExecutionContext, logger *slog.Logger) []nodeResult {
	active := cursor.Active

	if wf.ExecutionMode != models.ExecutionModeParallel || len(active) == 1 {
		results := make([]nodeResult, 0, len(active))
		for _, nodeID := range active {
			results = append(results, e.visitNode(ctx, wf, execution, nodeID, cursor, execCtx, logger))
		}

		return results
	}

	results := make([]nodeResult, len(active))

	var wg sync.WaitGroup

	for i, nodeID := range active {
		wg.Add(1)

		go func(i int, nodeID string) {
			defer wg.Done()

			results[i] = e.visitNode(ctx, wf, execution, nodeID, cursor, execCtx, logger)
		}(i, nodeID)
	}

	wg.Wait()

	return results
}

func (e *Executor) visitNode(ctx context.Context, wf *models.Workflow, execution *models.Execution, nodeID string, cursor *models.CursorState, execCtx models.ExecutionContext, logger *slog.Logger) nodeResult {
	node := wf.NodeByID(nodeID)
	if node == nil {
		return e.failNode(ctx, execution, nodeID, 1, fmt.Sprintf("node %s not found in workflow graph", nodeID))
	}

	logger = logger.With("node_id", node.ID, "node_kind", node.Kind)

	switch node.Kind {
	case models.NodeKindEnd:
		return e.visitTerminal(ctx, execution, node)
	case models.NodeKindCondition, models.NodeKindBranch:
		return e.visitBranch(ctx, wf, execution, node, execCtx, logger)
	case models.NodeKindDelay:
		return e.visitDelay(ctx, wf, execution, node, logger)
	case models.NodeKindAction:
		return e.visitAction(ctx, wf, execution, node, cursor, execCtx, logger)
	case models.NodeKindTrigger:
		// Cursors start past the trigger; reaching one mid-graph is a
		// definition bug caught by validation.
		return e.failNode(ctx, execution, nodeID, 1, "trigger node reached mid-graph")
	default:
		return e.failNode(ctx, execution, nodeID, 1, fmt.Sprintf("unknown node kind '%s'", node.Kind))
	}
}

func (e *Executor) visitTerminal(ctx context.Context, execution *models.Execution, node *models.Node) nodeResult {
	step := models.NewExecutionStep(execution.ID, node.ID, 1)
	if err := e.steps.Append(ctx, step); err != nil {
		return nodeResult{nodeID: node.ID, err: err}
	}

	output := map[string]any{"branch_completed": true}

	if err := e.steps.Finish(ctx, step.ID, models.StepOutcomeSuccess, "", output); err != nil {
		return nodeResult{nodeID: node.ID, err: err}
	}

	return nodeResult{nodeID: node.ID, completed: true}
}

func (e *Executor) visitBranch(ctx context.Context, wf *models.Workflow, execution *models.Execution, node *models.Node, execCtx models.ExecutionContext, logger *slog.Logger) nodeResult {
	step := models.NewExecutionStep(execution.ID, node.ID, 1)
	if err := e.steps.Append(ctx, step); err != nil {
		return nodeResult{nodeID: node.ID, err: err}
	}

	edge, err := e.selectEdge(wf, node, execution, execCtx)
	if err != nil {
		// Malformed conditions are definition problems, never retried.
		return e.finishFailed(ctx, execution, node.ID, step.ID, models.NewConfigurationError("condition evaluation on node %s: %v", node.ID, err).Error())
	}

	if edge == nil {
		logger.Info("No matching edge and no default, branch ends here")

		output := map[string]any{"branch_completed": true}

		if err := e.steps.Finish(ctx, step.ID, models.StepOutcomeSuccess, "", output); err != nil {
			return nodeResult{nodeID: node.ID, err: err}
		}

		return nodeResult{nodeID: node.ID, completed: true}
	}

	output := map[string]any{"matched_edge": edge.ID}

	if err := e.steps.Finish(ctx, step.ID, models.StepOutcomeSuccess, "", output); err != nil {
		return nodeResult{nodeID: node.ID, err: err}
	}

	return nodeResult{nodeID: node.ID, next: []string{edge.TargetNodeID}, output: output}
}

// selectEdge evaluates outgoing edges in declaration order and returns
// the first whose condition holds, falling back to the default edge.
// A nil edge with nil error is a dead end.
func (e *Executor) selectEdge(wf *models.Workflow, node *models.Node, execution *models.Execution, execCtx models.ExecutionContext) (*models.Edge, error) {
	data := conditionData(execution, execCtx)

	var fallback *models.Edge

	for _, edge := range wf.OutgoingEdges(node.ID) {
		if edge.Default {
			if fallback == nil {
				fallback = edge
			}

			continue
		}

		if edge.Condition == nil || edge.Condition.Empty() {
			return edge, nil
		}

		matched, err := edge.Condition.Evaluate(data, execution.PreviousData)
		if err != nil {
			return nil, err
		}

		if matched {
			return edge, nil
		}
	}

	return fallback, nil
}

// conditionData merges the trigger snapshot with accumulated node
// outputs so edge conditions can inspect both.
func conditionData(execution *models.Execution, execCtx models.ExecutionContext) map[string]any {
	data := make(map[string]any, len(execution.TriggerData)+1)
	for k, v := range execution.TriggerData {
		data[k] = v
	}

	if len(execCtx.NodeOutputs) > 0 {
		data["node_outputs"] = execCtx.NodeOutputs
	}

	return data
}

func (e *Executor) visitDelay(ctx context.Context, wf *models.Workflow, execution *models.Execution, node *models.Node, logger *slog.Logger) nodeResult {
	step := models.NewExecutionStep(execution.ID, node.ID, 1)
	if err := e.steps.Append(ctx, step); err != nil {
		return nodeResult{nodeID: node.ID, err: err}
	}

	if node.Delay == nil {
		return e.finishFailed(ctx, execution, node.ID, step.ID, models.NewConfigurationError("delay node %s has no delay configuration", node.ID).Error())
	}

	offset, err := node.Delay.Offset()
	if err != nil {
		return e.finishFailed(ctx, execution, node.ID, step.ID, models.NewConfigurationError("delay node %s: %v", node.ID, err).Error())
	}

	wake := e.now().Add(offset)

	output := map[string]any{"wake_at": wake.Format(time.RFC3339)}

	if err := e.steps.Finish(ctx, step.ID, models.StepOutcomeSuccess, "", output); err != nil {
		return nodeResult{nodeID: node.ID, err: err}
	}

	next := e.targets(wf, node.ID)
	if len(next) == 0 {
		return nodeResult{nodeID: node.ID, completed: true}
	}

	logger.Info("Delay node parks execution", "wake_at", wake, "next", next)

	return nodeResult{nodeID: node.ID, next: next, parkAt: &wake}
}

func (e *Executor) visitAction(ctx context.Context, wf *models.Workflow, execution *models.Execution, node *models.Node, cursor *models.CursorState, execCtx models.ExecutionContext, logger *slog.Logger) nodeResult {
	attemptNumber := cursor.Attempt(node.ID) + 1

	step := models.NewExecutionStep(execution.ID, node.ID, attemptNumber)
	if err := e.steps.Append(ctx, step); err != nil {
		return nodeResult{nodeID: node.ID, err: err}
	}

	if node.Action == nil {
		return e.finishFailed(ctx, execution, node.ID, step.ID, models.NewConfigurationError("action node %s has no action configuration", node.ID).Error())
	}

	action, err := e.registry.CreateAction(node.Action.Capability, node.Action.Parameters)
	if err != nil {
		if !models.IsConfigurationError(err) {
			err = models.NewConfigurationError("action node %s: %v", node.ID, err)
		}

		return e.finishFailed(ctx, execution, node.ID, step.ID, err.Error())
	}

	logger.Info("Executing action", "capability", node.Action.Capability, "attempt", attemptNumber)

	output, actionErr := action.Execute(ctx, execCtx, logger)

	if actionErr == nil {
		e.metrics.NodeAttempts.WithLabelValues("success").Inc()

		if err := e.steps.Finish(ctx, step.ID, models.StepOutcomeSuccess, "", output); err != nil {
			return nodeResult{nodeID: node.ID, err: err}
		}

		return nodeResult{nodeID: node.ID, next: e.targets(wf, node.ID), output: output}
	}

	e.metrics.NodeAttempts.WithLabelValues("failure").Inc()

	if err := e.steps.Finish(ctx, step.ID, models.StepOutcomeFailure, actionErr.Error(), nil); err != nil {
		return nodeResult{nodeID: node.ID, err: err}
	}

	if Retryable(actionErr) && attemptNumber <= wf.MaxRetries {
		wake := e.now().Add(e.backoff.Delay(attemptNumber))

		logger.Warn("Action failed, scheduling retry",
			"attempt", attemptNumber, "wake_at", wake, "error", actionErr)

		return nodeResult{
			nodeID:    node.ID,
			next:      []string{node.ID},
			parkAt:    &wake,
			attempted: true,
			retried:   true,
		}
	}

	logger.Error("Action failed permanently", "attempt", attemptNumber, "error", actionErr)

	return nodeResult{nodeID: node.ID, attempted: true, failed: true, errMsg: actionErr.Error()}
}

// failNode records a failed visit for a node that never got a step row
// appended through the normal path.
func (e *Executor) failNode(ctx context.Context, execution *models.Execution, nodeID string, attempt int, msg string) nodeResult {
	step := models.NewExecutionStep(execution.ID, nodeID, attempt)
	if err := e.steps.Append(ctx, step); err != nil {
		return nodeResult{nodeID: nodeID, err: err}
	}

	return e.finishFailed(ctx, execution, nodeID, step.ID, msg)
}

func (e *Executor) finishFailed(ctx context.Context, _ *models.Execution, nodeID, stepID, msg string) nodeResult {
	if err := e.steps.Finish(ctx, stepID, models.StepOutcomeFailure, msg, nil); err != nil {
		return nodeResult{nodeID: nodeID, err: err}
	}

	return nodeResult{nodeID: nodeID, failed: true, errMsg: msg}
}

// targets resolves where the cursor goes after an unconditional node.
// Sequential mode follows the first declared edge only; parallel mode
// fans out across all of them.
func (e *Executor) targets(wf *models.Workflow, nodeID string) []string {
	edges := wf.OutgoingEdges(nodeID)
	if len(edges) == 0 {
		return nil
	}

	if wf.ExecutionMode != models.ExecutionModeParallel {
		return []string{edges[0].TargetNodeID}
	}

	targets := make([]string, 0, len(edges))
	for _, edge := range edges {
		targets = append(targets, edge.TargetNodeID)
	}

	return dedupe(targets)
}

func (e *Executor) cancelRequested(ctx context.Context, executionID string) (bool, error) {
	fresh, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return false, fmt.Errorf("failed to refresh execution %s: %w", executionID, err)
	}

	return fresh.CancelRequested, nil
}

// reloadOutputs rebuilds the in-memory node output map from the audit
// trail after a wait-resume, so conditions downstream of the wait still
// see earlier action results.
func (e *Executor) reloadOutputs(ctx context.Context, executionID string, execCtx *models.ExecutionContext) error {
	steps, err := e.steps.ForExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to load steps for %s: %w", executionID, err)
	}

	for _, step := range steps {
		if step.Outcome == models.StepOutcomeSuccess && step.Output != nil {
			execCtx.NodeOutputs[step.NodeID] = step.Output
		}
	}

	return nil
}

func (e *Executor) anyBranchCompleted(ctx context.Context, executionID string) (bool, error) {
	steps, err := e.steps.ForExecution(ctx, executionID)
	if err != nil {
		return false, err
	}

	for _, step := range steps {
		if step.Outcome != models.StepOutcomeSuccess || step.Output == nil {
			continue
		}

		if done, ok := step.Output["branch_completed"].(bool); ok && done {
			return true, nil
		}
	}

	return false, nil
}

func (e *Executor) transition(ctx context.Context, execution *models.Execution, to models.ExecutionStatus, update persistence.Update) (*models.Execution, error) {
	updated, err := e.executions.Transition(ctx, execution.ID, execution.Status, to, update)
	if err != nil {
		return nil, fmt.Errorf("failed to transition execution %s to %s: %w", execution.ID, to, err)
	}

	return updated, nil
}

func dedupe(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}

	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]

	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		out = append(out, id)
	}

	return out
}

func strPtr(s string) *string {
	return &s
}
