package domain

import "time"

// Event is a domain event raised by an aggregate. Events are collected on the
// aggregate and published exactly once after a successful persistence commit.
type Event interface {
	EventName() string
	AggregateID() string
	OccurredAt() time.Time
}

// eventBase carries the fields every event shares.
type eventBase struct {
	name        string
	aggregateID string
	occurredAt  time.Time
}

func newEventBase(name, aggregateID string) eventBase {
	return eventBase{name: name, aggregateID: aggregateID, occurredAt: time.Now().UTC()}
}

func (e eventBase) EventName() string     { return e.name }
func (e eventBase) AggregateID() string   { return e.aggregateID }
func (e eventBase) OccurredAt() time.Time { return e.occurredAt }

// eventRecorder is the queue helper aggregates embed (composition, not
// inheritance). Events accumulate until the persistence port drains them
// after commit.
type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.events = append(r.events, e)
}

// DomainEvents returns the queued events in the order they were recorded.
func (r *eventRecorder) DomainEvents() []Event {
	return r.events
}

// ClearDomainEvents empties the queue. Called by the persistence port after
// a successful commit.
func (r *eventRecorder) ClearDomainEvents() {
	r.events = nil
}

// Plugin events.

// PluginRegistered is raised when a plugin aggregate is created.
type PluginRegistered struct {
	eventBase
	Name    string
	Version string
}

// PluginValidated is raised after a validation attempt, pass or fail.
type PluginValidated struct {
	eventBase
	OK      bool
	Message string
}

// PluginExecuted is raised when an execution is recorded.
type PluginExecuted struct {
	eventBase
	Count int64
}

// PluginConfigurationUpdated is raised when plugin configuration is replaced.
type PluginConfigurationUpdated struct {
	eventBase
}

// PluginDisabled is raised when a plugin is disabled.
type PluginDisabled struct {
	eventBase
	Reason string
}

// PluginEnabled is raised when a disabled plugin is re-enabled.
type PluginEnabled struct {
	eventBase
}

// PluginDependencyAdded is raised when a dependency is added.
type PluginDependencyAdded struct {
	eventBase
	Dependency Dependency
}

// PluginDependencyRemoved is raised when a dependency is removed.
type PluginDependencyRemoved struct {
	eventBase
	Dependency Dependency
}

// PluginDependenciesReplaced is raised when the dependency set is swapped.
type PluginDependenciesReplaced struct {
	eventBase
	Count int
}

// Workflow events.

// WorkflowCreated is raised when a workflow aggregate is created.
type WorkflowCreated struct {
	eventBase
	Name string
}

// WorkflowStarted is raised when a workflow run begins.
type WorkflowStarted struct {
	eventBase
}

// WorkflowRunCompleted is raised when every step has completed.
type WorkflowRunCompleted struct {
	eventBase
}

// WorkflowRunFailed is raised when a step failure stops the run.
type WorkflowRunFailed struct {
	eventBase
	Message string
}

// WorkflowRunPaused is raised when a running workflow pauses between steps.
type WorkflowRunPaused struct {
	eventBase
}

// WorkflowResumed is raised when a paused workflow resumes.
type WorkflowResumed struct {
	eventBase
}

// WorkflowRunCancelled is raised when an active workflow is cancelled.
type WorkflowRunCancelled struct {
	eventBase
}

// WorkflowUpdated is raised when a draft workflow is renamed or redescribed.
type WorkflowUpdated struct {
	eventBase
}

// WorkflowStepAdded is raised when a step is appended to a draft workflow.
type WorkflowStepAdded struct {
	eventBase
	StepID   WorkflowStepID
	StepName string
}
