package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/flowstate/internal/actions"
	"github.com/rendis/flowstate/internal/logging"
	"github.com/rendis/flowstate/pkg/schema"
)

// EventSink receives every dispatched lifecycle event for durable journaling.
// Satisfied by the persist package's journal; append failures are logged,
// never surfaced to the run.
type EventSink interface {
	Append(ctx context.Context, rec *schema.EventRecord) error
}

// Config holds engine configuration. The zero value is usable.
type Config struct {
	// Logger receives engine diagnostics; defaults to slog.Default.
	Logger *slog.Logger
	// Journal, when set, durably records every dispatched event.
	Journal EventSink
	// ContextOptions are the defaults applied when ExecuteWorkflow builds a
	// context itself; nil means DefaultContextOptions.
	ContextOptions *ContextOptions
}

// RunResult is the record returned for every run. Action failures never
// surface as errors; callers always get a complete result to inspect.
type RunResult struct {
	WorkflowID string            `json:"workflow_id"`
	Success    bool              `json:"success"`
	Message    string            `json:"message"`
	Results    []*actions.Result `json:"results"`
	Completed  bool              `json:"completed"`
}

// RunInfo is a point-in-time view of a registered run.
type RunInfo struct {
	WorkflowID   string           `json:"workflow_id"`
	Status       schema.RunStatus `json:"status"`
	CurrentIndex int              `json:"current_index"`
	ActionCount  int              `json:"action_count"`
	ContextID    string           `json:"context_id"`
}

// workflowRun is one registry entry. All mutable fields are guarded by mu,
// the per-run lock that is the sole concurrency-control surface for the run.
type workflowRun struct {
	mu sync.Mutex

	workflowID     string
	actions        []actions.Action
	ec             *ExecutionContext
	status         schema.RunStatus
	currentIndex   int
	results        []*actions.Result
	pauseRequested bool
	abortRequested bool
	stats          *StatsCollector
	lastResult     *RunResult
}

// Engine executes action lists sequentially against execution contexts and
// owns the registry of in-flight runs. Multiple runs may execute
// concurrently; a single run's action loop is single-threaded and yields to
// pause/abort only at action boundaries.
type Engine struct {
	logger     *slog.Logger
	journal    EventSink
	dispatcher *Dispatcher
	conditions *conditionEvaluator
	ctxOpts    ContextOptions

	// mu guards the run registry and the running/paused id-sets.
	mu      sync.Mutex
	runs    map[string]*workflowRun
	running map[string]struct{}
	paused  map[string]struct{}
}

// New creates an Engine. There is no process-wide engine state; callers own
// the instance and pass it explicitly.
func New(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conditions, err := newConditionEvaluator()
	if err != nil {
		return nil, err
	}
	ctxOpts := DefaultContextOptions()
	if cfg.ContextOptions != nil {
		ctxOpts = *cfg.ContextOptions
	}

	e := &Engine{
		logger:     logger,
		journal:    cfg.Journal,
		dispatcher: NewDispatcher(logger),
		conditions: conditions,
		ctxOpts:    ctxOpts,
		runs:       make(map[string]*workflowRun),
		running:    make(map[string]struct{}),
		paused:     make(map[string]struct{}),
	}

	// Route every event to the owning run's statistics collector.
	e.dispatcher.SubscribeAll(func(evt *Event) {
		e.mu.Lock()
		run, ok := e.runs[evt.WorkflowID]
		e.mu.Unlock()
		if ok {
			run.stats.Handle(evt)
		}
	})

	return e, nil
}

// Subscribe registers a subscriber for one event type.
func (e *Engine) Subscribe(t schema.EventType, fn Subscriber) {
	e.dispatcher.Subscribe(t, fn)
}

// SubscribeAll registers a subscriber for every event type.
func (e *Engine) SubscribeAll(fn Subscriber) {
	e.dispatcher.SubscribeAll(fn)
}

// ExecuteWorkflow runs the action list sequentially against ec. A nil ec
// builds a fresh context; an empty workflowID generates one. The returned
// RunResult is complete even when the run fails; the error return covers
// registration and lifecycle preconditions only, never action failures.
func (e *Engine) ExecuteWorkflow(ctx context.Context, acts []actions.Action, ec *ExecutionContext, workflowID string) (*RunResult, error) {
	return e.ExecuteWorkflowFrom(ctx, acts, ec, workflowID, 0)
}

// ExecuteWorkflowFrom is ExecuteWorkflow starting at a given action index.
// Used to continue a run restored from a checkpoint whose metadata carries
// the saved index.
func (e *Engine) ExecuteWorkflowFrom(ctx context.Context, acts []actions.Action, ec *ExecutionContext, workflowID string, startIndex int) (*RunResult, error) {
	if workflowID == "" {
		workflowID = uuid.NewString()
	}
	if ec == nil {
		ec = NewContext(e.ctxOpts)
	}
	if startIndex < 0 || startIndex > len(acts) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"start index %d out of range for %d actions", startIndex, len(acts))
	}

	run := &workflowRun{
		workflowID:   workflowID,
		actions:      acts,
		ec:           ec,
		status:       schema.RunStatusPending,
		currentIndex: startIndex,
		stats:        NewStatsCollector(workflowID),
	}

	e.mu.Lock()
	if _, exists := e.runs[workflowID]; exists {
		e.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %s already registered", workflowID)
	}
	e.runs[workflowID] = run
	e.running[workflowID] = struct{}{}
	e.mu.Unlock()

	// Move the context into running. A restored mid-run snapshot is already
	// running and needs no transition.
	switch st := ec.State().Current(); st {
	case schema.StateCreated, schema.StatePaused:
		if err := ec.State().Transition(schema.StateRunning); err != nil {
			e.unregister(workflowID)
			return nil, err
		}
	case schema.StateRunning:
	default:
		e.unregister(workflowID)
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot execute on context in terminal state %s", st)
	}

	run.mu.Lock()
	run.status = schema.RunStatusRunning
	run.mu.Unlock()

	e.emitWorkflow(ctx, schema.EventWorkflowStarted, workflowID, nil)

	return e.runLoop(ctx, run), nil
}

func (e *Engine) unregister(workflowID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, workflowID)
	delete(e.running, workflowID)
	delete(e.paused, workflowID)
}

// runLoop iterates the action list from the run's saved index. Pause and
// abort take effect only here, at action boundaries, never mid-action.
func (e *Engine) runLoop(ctx context.Context, run *workflowRun) *RunResult {
	wfID := run.workflowID
	wctx := logging.WithWorkflowID(ctx, wfID)
	var failed *actions.Result

	for {
		run.mu.Lock()

		if run.abortRequested || ctx.Err() != nil {
			run.status = schema.RunStatusAborted
			run.mu.Unlock()
			e.setRunSet(wfID, nil)
			if err := run.ec.State().Transition(schema.StateAborted); err != nil {
				e.logger.Error("abort transition failed",
					slog.String("workflow_id", wfID), slog.String("error", err.Error()))
			}
			e.emitWorkflow(wctx, schema.EventWorkflowAborted, wfID, nil)
			return e.finish(run, &RunResult{
				WorkflowID: wfID,
				Success:    false,
				Message:    "workflow aborted",
				Results:    run.results,
				Completed:  false,
			})
		}

		if run.pauseRequested {
			// Save the index of the next unexecuted action and stop.
			run.pauseRequested = false
			run.status = schema.RunStatusPaused
			results := run.results
			run.mu.Unlock()
			if err := run.ec.State().Transition(schema.StatePaused); err != nil {
				e.logger.Error("pause transition failed",
					slog.String("workflow_id", wfID), slog.String("error", err.Error()))
			}
			return e.finish(run, &RunResult{
				WorkflowID: wfID,
				Success:    true,
				Message:    "workflow paused",
				Results:    results,
				Completed:  false,
			})
		}

		i := run.currentIndex
		if i >= len(run.actions) {
			run.mu.Unlock()
			break
		}
		action := run.actions[i]
		run.mu.Unlock()

		info := ActionInfo{
			ID:          action.ID(),
			Type:        action.Type(),
			Description: action.Description(),
			Index:       i,
		}

		// Skip condition, evaluated before the action starts.
		if cond, ok := action.(actions.Conditional); ok && cond.Condition() != "" {
			shouldRun, err := e.conditions.ShouldRun(cond.Condition(), e.conditionScopes(run.ec))
			if err != nil {
				failed = actions.Fail("condition for action %s: %s", action.ID(), err.Error())
				e.appendResult(run, failed)
				e.emitAction(wctx, schema.EventActionFailed, wfID, info, failed)
				break
			}
			if !shouldRun {
				e.emitAction(wctx, schema.EventActionSkipped, wfID, info, nil)
				run.mu.Lock()
				run.currentIndex++
				run.mu.Unlock()
				continue
			}
		}

		e.emitAction(wctx, schema.EventActionStarted, wfID, info, nil)
		result := e.executeAction(wctx, action, run.ec)

		if !result.Success {
			e.appendResult(run, result)
			e.emitAction(wctx, schema.EventActionFailed, wfID, info, result)
			failed = result
			break
		}

		e.mergeResultData(wfID, run.ec, result)
		e.appendResult(run, result)
		e.emitAction(wctx, schema.EventActionCompleted, wfID, info, result)

		run.mu.Lock()
		run.currentIndex++
		run.mu.Unlock()
	}

	run.mu.Lock()
	results := run.results
	run.mu.Unlock()

	if failed != nil {
		run.mu.Lock()
		run.status = schema.RunStatusFailed
		run.mu.Unlock()
		e.setRunSet(wfID, nil)
		if err := run.ec.State().Transition(schema.StateFailed); err != nil {
			e.logger.Error("fail transition failed",
				slog.String("workflow_id", wfID), slog.String("error", err.Error()))
		}
		e.emitWorkflow(wctx, schema.EventWorkflowFailed, wfID, map[string]any{"message": failed.Message})
		return e.finish(run, &RunResult{
			WorkflowID: wfID,
			Success:    false,
			Message:    failed.Message,
			Results:    results,
			Completed:  true,
		})
	}

	run.mu.Lock()
	run.status = schema.RunStatusCompleted
	run.mu.Unlock()
	e.setRunSet(wfID, nil)
	if err := run.ec.State().Transition(schema.StateCompleted); err != nil {
		e.logger.Error("complete transition failed",
			slog.String("workflow_id", wfID), slog.String("error", err.Error()))
	}
	e.emitWorkflow(wctx, schema.EventWorkflowCompleted, wfID, nil)
	return e.finish(run, &RunResult{
		WorkflowID: wfID,
		Success:    true,
		Message:    "workflow completed",
		Results:    results,
		Completed:  true,
	})
}

// finish stores the run's latest result for later Status queries.
func (e *Engine) finish(run *workflowRun, res *RunResult) *RunResult {
	run.mu.Lock()
	run.lastResult = res
	run.mu.Unlock()
	return res
}

func (e *Engine) appendResult(run *workflowRun, res *actions.Result) {
	run.mu.Lock()
	run.results = append(run.results, res)
	run.mu.Unlock()
}

// setRunSet moves the workflow id between the running/paused sets.
// membership nil removes it from both.
func (e *Engine) setRunSet(workflowID string, set *map[string]struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, workflowID)
	delete(e.paused, workflowID)
	if set != nil {
		(*set)[workflowID] = struct{}{}
	}
}

// ExecuteAction runs one action defensively: panics and errors raised across
// the boundary are converted into failure results, never propagated.
func (e *Engine) ExecuteAction(ctx context.Context, action actions.Action, ec *ExecutionContext) *actions.Result {
	return e.executeAction(ctx, action, ec)
}

func (e *Engine) executeAction(ctx context.Context, action actions.Action, ec *ExecutionContext) (res *actions.Result) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogWith(ctx, e.logger).Error("action panicked",
				slog.String("action_id", action.ID()), slog.Any("panic", r))
			res = actions.Fail("action %s panicked: %v", action.ID(), r)
		}
	}()

	actx := logging.WithActionID(ctx, action.ID())
	out, err := action.Execute(actx, ec.Variables().All())
	if err != nil {
		return actions.Fail("action %s: %s", action.ID(), err.Error())
	}
	if out == nil {
		return actions.Fail("action %s returned no result", action.ID())
	}
	return out
}

// mergeResultData applies a successful action's result payload into the
// context's default (workflow) scope.
func (e *Engine) mergeResultData(workflowID string, ec *ExecutionContext, res *actions.Result) {
	for name, value := range res.Data {
		if err := ec.Variables().Set(name, value); err != nil {
			e.logger.Warn("skipping unmergeable result key",
				slog.String("workflow_id", workflowID),
				slog.String("name", name),
				slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) conditionScopes(ec *ExecutionContext) map[string]any {
	return map[string]any{
		"vars":     ec.Variables().All(),
		"global":   ec.Variables().All(schema.ScopeGlobal),
		"workflow": ec.Variables().All(schema.ScopeWorkflow),
		"local":    ec.Variables().All(schema.ScopeLocal),
	}
}

// emitWorkflow dispatches a workflow-level event and journals it.
func (e *Engine) emitWorkflow(ctx context.Context, t schema.EventType, workflowID string, data map[string]any) {
	evt, err := NewWorkflowEvent(t, workflowID, data)
	if err != nil {
		e.logger.Error("build workflow event", slog.String("error", err.Error()))
		return
	}
	e.dispatch(ctx, evt)
}

// emitAction dispatches an action-level event and journals it.
func (e *Engine) emitAction(ctx context.Context, t schema.EventType, workflowID string, info ActionInfo, result *actions.Result) {
	evt, err := NewActionEvent(t, workflowID, info, result)
	if err != nil {
		e.logger.Error("build action event", slog.String("error", err.Error()))
		return
	}
	e.dispatch(ctx, evt)
}

func (e *Engine) dispatch(ctx context.Context, evt *Event) {
	e.dispatcher.Dispatch(evt)
	if e.journal != nil {
		if err := e.journal.Append(ctx, evt.Record()); err != nil {
			e.logger.Error("journal append failed",
				slog.String("workflow_id", evt.WorkflowID),
				slog.String("event_type", string(evt.Type)),
				slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) run(workflowID string) (*workflowRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[workflowID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", workflowID)
	}
	return run, nil
}

// Pause requests a cooperative pause. It takes effect at the next action
// boundary; the current action always finishes.
func (e *Engine) Pause(ctx context.Context, workflowID string) error {
	run, err := e.run(workflowID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	if run.status != schema.RunStatusRunning {
		status := run.status
		run.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict,
			"cannot pause workflow in status %s", status)
	}
	run.pauseRequested = true
	run.mu.Unlock()

	e.setRunSet(workflowID, &e.paused)
	e.emitWorkflow(ctx, schema.EventWorkflowPaused, workflowID, nil)
	return nil
}

// Resume restarts a paused run's iteration loop on a new goroutine, starting
// from the saved index. The returned channel delivers the leg's result.
func (e *Engine) Resume(ctx context.Context, workflowID string) (<-chan *RunResult, error) {
	run, err := e.run(workflowID)
	if err != nil {
		return nil, err
	}

	run.mu.Lock()
	if run.status != schema.RunStatusPaused {
		status := run.status
		run.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"cannot resume workflow in status %s", status)
	}
	run.pauseRequested = false
	run.status = schema.RunStatusRunning
	run.mu.Unlock()

	if err := run.ec.State().Transition(schema.StateRunning); err != nil {
		run.mu.Lock()
		run.status = schema.RunStatusPaused
		run.mu.Unlock()
		return nil, err
	}

	e.setRunSet(workflowID, &e.running)
	e.emitWorkflow(ctx, schema.EventWorkflowResumed, workflowID, nil)

	done := make(chan *RunResult, 1)
	go func() {
		done <- e.runLoop(ctx, run)
	}()
	return done, nil
}

// Abort requests termination. For a running workflow it is cooperative,
// taking effect at the next action boundary; a paused workflow is aborted
// immediately since no loop is in flight.
func (e *Engine) Abort(ctx context.Context, workflowID string) error {
	run, err := e.run(workflowID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	switch run.status {
	case schema.RunStatusRunning:
		run.abortRequested = true
		run.mu.Unlock()
		return nil

	case schema.RunStatusPaused:
		run.status = schema.RunStatusAborted
		results := run.results
		run.mu.Unlock()
		if err := run.ec.State().Transition(schema.StateAborted); err != nil {
			e.logger.Error("abort transition failed",
				slog.String("workflow_id", workflowID), slog.String("error", err.Error()))
		}
		e.setRunSet(workflowID, nil)
		e.emitWorkflow(ctx, schema.EventWorkflowAborted, workflowID, nil)
		e.finish(run, &RunResult{
			WorkflowID: workflowID,
			Success:    false,
			Message:    "workflow aborted",
			Results:    results,
			Completed:  false,
		})
		return nil

	default:
		status := run.status
		run.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict,
			"cannot abort workflow in status %s", status)
	}
}

// Status returns the current view of a registered run.
func (e *Engine) Status(workflowID string) (*RunInfo, error) {
	run, err := e.run(workflowID)
	if err != nil {
		return nil, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return &RunInfo{
		WorkflowID:   run.workflowID,
		Status:       run.status,
		CurrentIndex: run.currentIndex,
		ActionCount:  len(run.actions),
		ContextID:    run.ec.ID(),
	}, nil
}

// Result returns the most recent RunResult for the workflow, or false when
// no loop leg has finished yet.
func (e *Engine) Result(workflowID string) (*RunResult, bool) {
	run, err := e.run(workflowID)
	if err != nil {
		return nil, false
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.lastResult == nil {
		return nil, false
	}
	return run.lastResult, true
}

// Statistics returns the aggregated metrics for a registered run.
func (e *Engine) Statistics(workflowID string) (Statistics, error) {
	run, err := e.run(workflowID)
	if err != nil {
		return Statistics{}, err
	}
	return run.stats.Snapshot(), nil
}

// Context returns the execution context of a registered run.
func (e *Engine) Context(workflowID string) (*ExecutionContext, error) {
	run, err := e.run(workflowID)
	if err != nil {
		return nil, err
	}
	return run.ec, nil
}
