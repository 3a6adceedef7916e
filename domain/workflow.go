package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/devflow/devflow/errs"
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowDraft     WorkflowStatus = "draft"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// StepStatus is the lifecycle state of a workflow step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

const (
	minWorkflowName    = 3
	maxWorkflowName    = 100
	maxWorkflowDesc    = 1000
	maxWorkflowStepLen = 200
)

// WorkflowStep is a child entity owned by a Workflow. It references its
// plugin by id only; the workflow never owns the plugin.
type WorkflowStep struct {
	id            WorkflowStepID
	name          string
	pluginID      PluginID
	order         int
	configuration map[string]any
	status        StepStatus
	createdAt     time.Time
	startedAt     *time.Time
	completedAt   *time.Time
	errorMessage  string
	output        string
}

func (s *WorkflowStep) ID() WorkflowStepID { return s.id }
func (s *WorkflowStep) Name() string       { return s.name }
func (s *WorkflowStep) PluginID() PluginID { return s.pluginID }
func (s *WorkflowStep) Order() int         { return s.order }
func (s *WorkflowStep) Status() StepStatus { return s.status }
func (s *WorkflowStep) CreatedAt() time.Time {
	return s.createdAt
}
func (s *WorkflowStep) StartedAt() *time.Time   { return copyTime(s.startedAt) }
func (s *WorkflowStep) CompletedAt() *time.Time { return copyTime(s.completedAt) }
func (s *WorkflowStep) ErrorMessage() string    { return s.errorMessage }
func (s *WorkflowStep) Output() string          { return s.output }

// Configuration returns a copy of the step configuration.
func (s *WorkflowStep) Configuration() map[string]any {
	out := make(map[string]any, len(s.configuration))
	for k, v := range s.configuration {
		out[k] = v
	}
	return out
}

// ExecutionDuration is the elapsed wall clock between start and completion,
// or zero when either endpoint is missing.
func (s *WorkflowStep) ExecutionDuration() time.Duration {
	if s.startedAt == nil || s.completedAt == nil {
		return 0
	}
	return s.completedAt.Sub(*s.startedAt)
}

// Workflow is the aggregate root sequencing plugin executions. It exclusively
// owns its steps; structural changes are permitted only in Draft.
type Workflow struct {
	eventRecorder

	id           WorkflowID
	name         string
	description  string
	status       WorkflowStatus
	createdAt    time.Time
	updatedAt    time.Time
	startedAt    *time.Time
	completedAt  *time.Time
	errorMessage string
	steps        []*WorkflowStep

	version int
}

// NewWorkflow creates a draft workflow. The name is trimmed and must be
// 3-100 characters; the description is capped at 1000.
func NewWorkflow(name, description string) (*Workflow, error) {
	name = strings.TrimSpace(name)
	if len(name) < minWorkflowName || len(name) > maxWorkflowName {
		return nil, errs.Validation("Workflow.BadName", "workflow name must be %d-%d characters, got %d", minWorkflowName, maxWorkflowName, len(name))
	}
	if len(description) > maxWorkflowDesc {
		return nil, errs.Validation("Workflow.BadDescription", "workflow description must be at most %d characters, got %d", maxWorkflowDesc, len(description))
	}
	now := time.Now().UTC()
	w := &Workflow{
		id:          NewWorkflowID(),
		name:        name,
		description: description,
		status:      WorkflowDraft,
		createdAt:   now,
		updatedAt:   now,
		version:     1,
	}
	w.record(WorkflowCreated{
		eventBase: newEventBase("workflow.created", w.id.String()),
		Name:      name,
	})
	return w, nil
}

func (w *Workflow) ID() WorkflowID          { return w.id }
func (w *Workflow) Name() string            { return w.name }
func (w *Workflow) Description() string     { return w.description }
func (w *Workflow) Status() WorkflowStatus  { return w.status }
func (w *Workflow) CreatedAt() time.Time    { return w.createdAt }
func (w *Workflow) UpdatedAt() time.Time    { return w.updatedAt }
func (w *Workflow) StartedAt() *time.Time   { return copyTime(w.startedAt) }
func (w *Workflow) CompletedAt() *time.Time { return copyTime(w.completedAt) }
func (w *Workflow) ErrorMessage() string    { return w.errorMessage }
func (w *Workflow) StoreVersion() int       { return w.version }

// Steps returns the steps in execution order: ascending order value, ties
// broken by insertion order.
func (w *Workflow) Steps() []*WorkflowStep {
	out := make([]*WorkflowStep, len(w.steps))
	copy(out, w.steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// Step looks up a step by id.
func (w *Workflow) Step(id WorkflowStepID) (*WorkflowStep, error) {
	for _, s := range w.steps {
		if s.id == id {
			return s, nil
		}
	}
	return nil, errs.NotFound("Workflow.StepNotFound", "step %s not found in workflow %s", id, w.id)
}

// Rename updates name and description. Draft only.
func (w *Workflow) Rename(name, description string) error {
	if w.status != WorkflowDraft {
		return errs.Validation("Workflow.NotDraft", "workflow %s is %s; modifications require draft", w.id, w.status)
	}
	name = strings.TrimSpace(name)
	if len(name) < minWorkflowName || len(name) > maxWorkflowName {
		return errs.Validation("Workflow.BadName", "workflow name must be %d-%d characters, got %d", minWorkflowName, maxWorkflowName, len(name))
	}
	if len(description) > maxWorkflowDesc {
		return errs.Validation("Workflow.BadDescription", "workflow description must be at most %d characters, got %d", maxWorkflowDesc, len(description))
	}
	w.name = name
	w.description = description
	w.touch()
	w.record(WorkflowUpdated{eventBase: newEventBase("workflow.updated", w.id.String())})
	return nil
}

// AddStep appends a step referencing a plugin. Draft only; order must be
// non-negative.
func (w *Workflow) AddStep(name string, pluginID PluginID, order int, configuration map[string]any) (*WorkflowStep, error) {
	if w.status != WorkflowDraft {
		return nil, errs.Validation("Workflow.NotDraft", "workflow %s is %s; steps can only be added to a draft", w.id, w.status)
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxWorkflowStepLen {
		return nil, errs.Validation("Workflow.BadStepName", "step name must be 1-%d characters", maxWorkflowStepLen)
	}
	if pluginID.IsZero() {
		return nil, errs.Validation("Workflow.BadStepPlugin", "step plugin id must be set")
	}
	if order < 0 {
		return nil, errs.Validation("Workflow.BadStepOrder", "step order must be non-negative, got %d", order)
	}
	if configuration == nil {
		configuration = map[string]any{}
	}
	step := &WorkflowStep{
		id:            NewWorkflowStepID(),
		name:          name,
		pluginID:      pluginID,
		order:         order,
		configuration: configuration,
		status:        StepPending,
		createdAt:     time.Now().UTC(),
	}
	w.steps = append(w.steps, step)
	w.touch()
	w.record(WorkflowStepAdded{
		eventBase: newEventBase("workflow.step_added", w.id.String()),
		StepID:    step.id,
		StepName:  name,
	})
	return step, nil
}

// Start moves a draft workflow with at least one step into Running.
func (w *Workflow) Start() error {
	if w.status != WorkflowDraft {
		return errs.Validation("Workflow.NotDraft", "workflow %s is %s; only a draft can start", w.id, w.status)
	}
	if len(w.steps) == 0 {
		return errs.Validation("Workflow.NoSteps", "workflow %s has no steps", w.id)
	}
	now := time.Now().UTC()
	w.status = WorkflowRunning
	w.startedAt = &now
	w.touch()
	w.record(WorkflowStarted{eventBase: newEventBase("workflow.started", w.id.String())})
	return nil
}

// Complete finishes a running workflow.
func (w *Workflow) Complete() error {
	if w.status != WorkflowRunning {
		return errs.Validation("Workflow.NotRunning", "workflow %s is %s; only a running workflow can complete", w.id, w.status)
	}
	now := time.Now().UTC()
	w.status = WorkflowCompleted
	w.completedAt = &now
	w.touch()
	w.record(WorkflowRunCompleted{eventBase: newEventBase("workflow.completed", w.id.String())})
	return nil
}

// Fail stops a running workflow with an error message.
func (w *Workflow) Fail(message string) error {
	if w.status != WorkflowRunning {
		return errs.Validation("Workflow.NotRunning", "workflow %s is %s; only a running workflow can fail", w.id, w.status)
	}
	now := time.Now().UTC()
	w.status = WorkflowFailed
	w.completedAt = &now
	w.errorMessage = message
	w.touch()
	w.record(WorkflowRunFailed{
		eventBase: newEventBase("workflow.failed", w.id.String()),
		Message:   message,
	})
	return nil
}

// Pause suspends a running workflow between steps.
func (w *Workflow) Pause() error {
	if w.status != WorkflowRunning {
		return errs.Validation("Workflow.NotRunning", "workflow %s is %s; only a running workflow can pause", w.id, w.status)
	}
	w.status = WorkflowPaused
	w.touch()
	w.record(WorkflowRunPaused{eventBase: newEventBase("workflow.paused", w.id.String())})
	return nil
}

// Resume continues a paused workflow.
func (w *Workflow) Resume() error {
	if w.status != WorkflowPaused {
		return errs.Validation("Workflow.NotPaused", "workflow %s is %s; only a paused workflow can resume", w.id, w.status)
	}
	w.status = WorkflowRunning
	w.touch()
	w.record(WorkflowResumed{eventBase: newEventBase("workflow.resumed", w.id.String())})
	return nil
}

// Cancel stops any active (non-terminal, non-draft) workflow.
func (w *Workflow) Cancel() error {
	if w.status.IsTerminal() {
		return errs.Validation("Workflow.Terminal", "workflow %s is already %s", w.id, w.status)
	}
	if w.status == WorkflowDraft {
		return errs.Validation("Workflow.NotActive", "workflow %s has not started", w.id)
	}
	now := time.Now().UTC()
	w.status = WorkflowCancelled
	w.completedAt = &now
	w.touch()
	w.record(WorkflowRunCancelled{eventBase: newEventBase("workflow.cancelled", w.id.String())})
	return nil
}

// StartStep transitions a pending step to Running.
func (w *Workflow) StartStep(id WorkflowStepID) error {
	step, err := w.Step(id)
	if err != nil {
		return err
	}
	if step.status != StepPending {
		return errs.Validation("Workflow.StepNotPending", "step %s is %s, not pending", id, step.status)
	}
	now := time.Now().UTC()
	step.status = StepRunning
	step.startedAt = &now
	w.touch()
	return nil
}

// CompleteStep stores the output and finishes a running step.
func (w *Workflow) CompleteStep(id WorkflowStepID, output string) error {
	step, err := w.Step(id)
	if err != nil {
		return err
	}
	if step.status != StepRunning {
		return errs.Validation("Workflow.StepNotRunning", "step %s is %s, not running", id, step.status)
	}
	now := time.Now().UTC()
	step.status = StepCompleted
	step.completedAt = &now
	step.output = output
	w.touch()
	return nil
}

// FailStep records a failure on a running step.
func (w *Workflow) FailStep(id WorkflowStepID, message string) error {
	step, err := w.Step(id)
	if err != nil {
		return err
	}
	if step.status != StepRunning {
		return errs.Validation("Workflow.StepNotRunning", "step %s is %s, not running", id, step.status)
	}
	now := time.Now().UTC()
	step.status = StepFailed
	step.completedAt = &now
	step.errorMessage = message
	w.touch()
	return nil
}

// SkipStep marks a pending step as skipped.
func (w *Workflow) SkipStep(id WorkflowStepID, reason string) error {
	step, err := w.Step(id)
	if err != nil {
		return err
	}
	if step.status != StepPending {
		return errs.Validation("Workflow.StepNotPending", "step %s is %s, not pending", id, step.status)
	}
	now := time.Now().UTC()
	step.status = StepSkipped
	step.completedAt = &now
	step.errorMessage = reason
	w.touch()
	return nil
}

func (w *Workflow) touch() { w.updatedAt = time.Now().UTC() }
