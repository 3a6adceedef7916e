// Package engine runs workflows: sequential step execution, output
// chaining, conditional skips, pause/resume between steps, and cooperative
// cancellation.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/expr-lang/expr"
	"github.com/itchyny/gojq"

	"github.com/devflow/devflow/domain"
	"github.com/devflow/devflow/errs"
	"github.com/devflow/devflow/metrics"
	"github.com/devflow/devflow/runner"
)

// Step configuration keys interpreted by the engine itself rather than the
// plugin.
const (
	conditionKey = "condition"
	transformKey = "outputTransform"
)

// WorkflowStore is the persistence surface the engine needs for workflows.
type WorkflowStore interface {
	Get(ctx context.Context, id domain.WorkflowID) (*domain.Workflow, error)
	Update(ctx context.Context, w *domain.Workflow) error
}

// PluginStore loads and persists plugin aggregates.
type PluginStore interface {
	Get(ctx context.Context, id domain.PluginID) (*domain.Plugin, error)
	Update(ctx context.Context, p *domain.Plugin) error
}

// Executor runs one plugin. Satisfied by the runner dispatcher.
type Executor interface {
	Execute(ctx context.Context, p *domain.Plugin, input runner.Input) (*runner.ExecutionResult, error)
}

// run is the in-flight state of one workflow execution.
type run struct {
	cancel   context.CancelFunc
	pauseReq atomic.Bool
	resumeCh chan struct{}
	done     chan struct{}
}

// Engine sequences workflow steps through the runtime dispatcher. One run
// per workflow at a time; the engine is the only writer of a workflow while
// it runs.
type Engine struct {
	workflows WorkflowStore
	plugins   PluginStore
	executor  Executor
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu   sync.Mutex
	runs map[domain.WorkflowID]*run
	wg   sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine.
func New(workflows WorkflowStore, plugins PluginStore, executor Executor, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		workflows: workflows,
		plugins:   plugins,
		executor:  executor,
		logger:    logger,
		runs:      map[domain.WorkflowID]*run{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins executing the workflow asynchronously. It validates the
// transition and persists Running before returning; the step loop continues
// in the background until a terminal status.
func (e *Engine) Start(ctx context.Context, id domain.WorkflowID) error {
	e.mu.Lock()
	if _, active := e.runs[id]; active {
		e.mu.Unlock()
		return errs.Conflict("Engine.AlreadyRunning", "workflow %s is already executing", id)
	}
	e.mu.Unlock()

	wf, err := e.workflows.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := wf.Start(); err != nil {
		return err
	}
	if err := e.workflows.Update(ctx, wf); err != nil {
		return err
	}
	e.metrics.WorkflowStarted()

	// Plugin records are fixed at run start: a re-registration mid-run does
	// not change what a paused or running workflow executes.
	pluginsByID := map[domain.PluginID]*domain.Plugin{}
	for _, step := range wf.Steps() {
		if _, ok := pluginsByID[step.PluginID()]; ok {
			continue
		}
		p, err := e.plugins.Get(ctx, step.PluginID())
		if err != nil {
			if errs.IsKind(err, errs.KindNotFound) {
				continue // surfaces as a step failure when reached
			}
			return err
		}
		pluginsByID[step.PluginID()] = p
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{cancel: cancel, resumeCh: make(chan struct{}, 1), done: make(chan struct{})}
	e.mu.Lock()
	e.runs[id] = r
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(r.done)
		defer e.unregister(id)
		e.runLoop(runCtx, wf, pluginsByID, r)
	}()
	return nil
}

// Run executes the workflow synchronously, returning after it reaches a
// terminal status.
func (e *Engine) Run(ctx context.Context, id domain.WorkflowID) error {
	if err := e.Start(ctx, id); err != nil {
		return err
	}
	return e.Wait(ctx, id)
}

// Wait blocks until the given workflow's run finishes or ctx expires.
func (e *Engine) Wait(ctx context.Context, id domain.WorkflowID) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return nil // already finished
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause requests suspension at the next step boundary.
func (e *Engine) Pause(id domain.WorkflowID) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return errs.NotFound("Engine.NotRunning", "workflow %s is not executing", id)
	}
	r.pauseReq.Store(true)
	return nil
}

// Resume continues a paused run.
func (e *Engine) Resume(id domain.WorkflowID) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return errs.NotFound("Engine.NotRunning", "workflow %s is not executing", id)
	}
	select {
	case r.resumeCh <- struct{}{}:
	default:
	}
	return nil
}

// Cancel stops a run. The current step is aborted and recorded as failed;
// the workflow ends Cancelled.
func (e *Engine) Cancel(id domain.WorkflowID) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return errs.NotFound("Engine.NotRunning", "workflow %s is not executing", id)
	}
	r.cancel()
	return nil
}

// Shutdown cancels every in-flight run and waits for the loops to drain or
// ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, r := range e.runs {
		r.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) unregister(id domain.WorkflowID) {
	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()
}

// runLoop executes the steps in (order, insertion) sequence. Every state
// change is persisted before the loop moves on.
func (e *Engine) runLoop(ctx context.Context, wf *domain.Workflow, pluginsByID map[domain.PluginID]*domain.Plugin, r *run) {
	log := e.logger.With("workflow", wf.ID().String(), "name", wf.Name())
	log.Info("workflow run started", "steps", len(wf.Steps()))

	var prior any
	for _, step := range wf.Steps() {
		if step.Status() != domain.StepPending {
			continue
		}
		if stopped := e.checkpoint(ctx, wf, r, log); stopped {
			return
		}

		output, failMsg, skipped := e.runStep(ctx, wf, step, pluginsByID[step.PluginID()], prior, log)
		if failMsg != "" {
			if ctx.Err() != nil {
				e.finishCancelled(ctx, wf, log)
				return
			}
			e.fail(ctx, wf, failMsg, log)
			return
		}
		if !skipped {
			prior = output
		}
	}

	if err := wf.Complete(); err != nil {
		log.Error("could not complete workflow", "error", err)
		return
	}
	e.persist(ctx, wf, log)
	e.metrics.WorkflowFinished(string(domain.WorkflowCompleted))
	log.Info("workflow run completed")
}

// checkpoint is the between-steps control point for cancellation and
// pause/resume.
func (e *Engine) checkpoint(ctx context.Context, wf *domain.Workflow, r *run, log *slog.Logger) (stopped bool) {
	select {
	case <-ctx.Done():
		e.finishCancelled(ctx, wf, log)
		return true
	default:
	}

	if !r.pauseReq.Load() {
		return false
	}
	if err := wf.Pause(); err != nil {
		log.Warn("pause request ignored", "error", err)
		return false
	}
	e.persist(ctx, wf, log)
	log.Info("workflow paused")

	select {
	case <-r.resumeCh:
		r.pauseReq.Store(false)
		if err := wf.Resume(); err != nil {
			log.Error("could not resume workflow", "error", err)
			return true
		}
		e.persist(ctx, wf, log)
		log.Info("workflow resumed")
		return false
	case <-ctx.Done():
		e.finishCancelled(ctx, wf, log)
		return true
	}
}

// runStep executes one step. It returns the step's chained output, a failure
// message ("" on success or skip), and whether the step was skipped.
func (e *Engine) runStep(ctx context.Context, wf *domain.Workflow, step *domain.WorkflowStep, p *domain.Plugin, prior any, log *slog.Logger) (output any, failMsg string, skipped bool) {
	stepLog := log.With("step", step.Name())
	config := step.Configuration()

	if cond, ok := config[conditionKey].(string); ok && cond != "" {
		pass, err := evalCondition(cond, prior)
		if err != nil {
			return nil, e.failStepPending(ctx, wf, step, "condition error: "+err.Error(), stepLog), false
		}
		if !pass {
			if err := wf.SkipStep(step.ID(), "condition evaluated to false"); err != nil {
				stepLog.Error("could not skip step", "error", err)
				return nil, err.Error(), false
			}
			e.persist(ctx, wf, stepLog)
			e.metrics.StepFinished(string(domain.StepSkipped), 0)
			stepLog.Info("step skipped by condition")
			return nil, "", true
		}
	}

	if err := wf.StartStep(step.ID()); err != nil {
		return nil, err.Error(), false
	}
	e.persist(ctx, wf, stepLog)

	if p == nil {
		return nil, e.failStep(ctx, wf, step, "plugin not found for step "+step.Name(), stepLog), false
	}
	if p.Status() != domain.PluginAvailable {
		return nil, e.failStep(ctx, wf, step, "plugin "+p.Metadata().Name+" is "+string(p.Status())+", not available", stepLog), false
	}

	res, err := e.executor.Execute(ctx, p, runner.Input{
		Configuration: config,
		InputData:     inputFrom(prior),
	})
	if err != nil {
		if errs.CodeOf(err) == runner.CodeCancelled || ctx.Err() != nil {
			return nil, e.failStep(ctx, wf, step, "cancelled", stepLog), false
		}
		return nil, e.failStep(ctx, wf, step, err.Error(), stepLog), false
	}

	e.persistPlugin(ctx, p, stepLog)
	e.metrics.PluginExecuted(p.Metadata().Name, res.Success, res.ExecutionTime)

	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "plugin reported failure"
		}
		return nil, e.failStep(ctx, wf, step, msg, stepLog), false
	}

	data := res.Data
	if program, ok := config[transformKey].(string); ok && program != "" {
		data, err = applyTransform(program, data)
		if err != nil {
			return nil, e.failStep(ctx, wf, step, "output transform error: "+err.Error(), stepLog), false
		}
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, e.failStep(ctx, wf, step, "unencodable step output: "+err.Error(), stepLog), false
	}
	if err := wf.CompleteStep(step.ID(), string(encoded)); err != nil {
		return nil, err.Error(), false
	}
	e.persist(ctx, wf, stepLog)
	e.metrics.StepFinished(string(domain.StepCompleted), res.ExecutionTime)
	stepLog.Info("step completed", "elapsed", res.ExecutionTime)
	return data, "", false
}

// failStep records a failure on a running step and reports the message back
// for workflow-level handling.
func (e *Engine) failStep(ctx context.Context, wf *domain.Workflow, step *domain.WorkflowStep, msg string, log *slog.Logger) string {
	if err := wf.FailStep(step.ID(), msg); err != nil {
		log.Error("could not fail step", "error", err)
	}
	e.persist(ctx, wf, log)
	e.metrics.StepFinished(string(domain.StepFailed), step.ExecutionDuration())
	log.Warn("step failed", "error", msg)
	return msg
}

// failStepPending fails a step that never started (for example a broken
// condition) by running it through the start transition first.
func (e *Engine) failStepPending(ctx context.Context, wf *domain.Workflow, step *domain.WorkflowStep, msg string, log *slog.Logger) string {
	if err := wf.StartStep(step.ID()); err != nil {
		log.Error("could not start step", "error", err)
		return msg
	}
	return e.failStep(ctx, wf, step, msg, log)
}

// fail ends the workflow in Failed.
func (e *Engine) fail(ctx context.Context, wf *domain.Workflow, msg string, log *slog.Logger) {
	if err := wf.Fail(msg); err != nil {
		log.Error("could not fail workflow", "error", err)
		return
	}
	e.persist(ctx, wf, log)
	e.metrics.WorkflowFinished(string(domain.WorkflowFailed))
	log.Warn("workflow run failed", "error", msg)
}

// finishCancelled ends the workflow in Cancelled. Committed step results are
// never rolled back.
func (e *Engine) finishCancelled(ctx context.Context, wf *domain.Workflow, log *slog.Logger) {
	if err := wf.Cancel(); err != nil {
		log.Error("could not cancel workflow", "error", err)
		return
	}
	e.persist(ctx, wf, log)
	e.metrics.WorkflowFinished(string(domain.WorkflowCancelled))
	log.Info("workflow run cancelled")
}

// persist writes the workflow with a fresh context so terminal states still
// land after cancellation.
func (e *Engine) persist(ctx context.Context, wf *domain.Workflow, log *slog.Logger) {
	if err := e.workflows.Update(context.WithoutCancel(ctx), wf); err != nil {
		log.Error("could not persist workflow", "error", err)
	}
}

func (e *Engine) persistPlugin(ctx context.Context, p *domain.Plugin, log *slog.Logger) {
	if err := e.plugins.Update(context.WithoutCancel(ctx), p); err != nil {
		log.Warn("could not persist plugin execution counter", "error", err)
	}
}

// inputFrom shapes the previous step's output into the next step's input
// data.
func inputFrom(prior any) map[string]any {
	switch v := prior.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	default:
		return map[string]any{"value": v}
	}
}

// evalCondition runs an expression against {"input": prior}; it must yield a
// boolean.
func evalCondition(src string, prior any) (bool, error) {
	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, map[string]any{"input": inputFrom(prior)})
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, errs.Validation("Engine.BadCondition", "condition must evaluate to a boolean, got %T", out)
	}
	return b, nil
}

// applyTransform runs a jq program over the step output and returns the
// first result.
func applyTransform(program string, data any) (any, error) {
	q, err := gojq.Parse(program)
	if err != nil {
		return nil, err
	}
	iter := q.RunWithContext(context.Background(), normalizeJSON(data))
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, err
	}
	return v, nil
}

// normalizeJSON round-trips arbitrary values through JSON so gojq sees only
// the types it supports.
func normalizeJSON(data any) any {
	b, err := json.Marshal(data)
	if err != nil {
		return data
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return data
	}
	return out
}
