package domain

import (
	"github.com/google/uuid"

	"github.com/devflow/devflow/errs"
)

// Typed identifiers keep plugin, workflow, and step references from being
// confused with each other or with arbitrary strings. The wire form is the
// canonical UUID string.

// PluginID identifies a Plugin aggregate.
type PluginID struct{ id uuid.UUID }

// NewPluginID returns a fresh unique plugin identifier.
func NewPluginID() PluginID { return PluginID{id: uuid.New()} }

// ParsePluginID parses the wire form of a plugin identifier.
func ParsePluginID(s string) (PluginID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return PluginID{}, errs.Validation("PluginID.Malformed", "invalid plugin id %q", s)
	}
	return PluginID{id: id}, nil
}

func (p PluginID) String() string { return p.id.String() }

// IsZero reports whether the identifier is the zero value.
func (p PluginID) IsZero() bool { return p.id == uuid.Nil }

// WorkflowID identifies a Workflow aggregate.
type WorkflowID struct{ id uuid.UUID }

// NewWorkflowID returns a fresh unique workflow identifier.
func NewWorkflowID() WorkflowID { return WorkflowID{id: uuid.New()} }

// ParseWorkflowID parses the wire form of a workflow identifier.
func ParseWorkflowID(s string) (WorkflowID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return WorkflowID{}, errs.Validation("WorkflowID.Malformed", "invalid workflow id %q", s)
	}
	return WorkflowID{id: id}, nil
}

func (w WorkflowID) String() string { return w.id.String() }

// IsZero reports whether the identifier is the zero value.
func (w WorkflowID) IsZero() bool { return w.id == uuid.Nil }

// WorkflowStepID identifies a WorkflowStep within its workflow.
type WorkflowStepID struct{ id uuid.UUID }

// NewWorkflowStepID returns a fresh unique step identifier.
func NewWorkflowStepID() WorkflowStepID { return WorkflowStepID{id: uuid.New()} }

// ParseWorkflowStepID parses the wire form of a step identifier.
func ParseWorkflowStepID(s string) (WorkflowStepID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return WorkflowStepID{}, errs.Validation("WorkflowStepID.Malformed", "invalid step id %q", s)
	}
	return WorkflowStepID{id: id}, nil
}

func (s WorkflowStepID) String() string { return s.id.String() }

// IsZero reports whether the identifier is the zero value.
func (s WorkflowStepID) IsZero() bool { return s.id == uuid.Nil }
