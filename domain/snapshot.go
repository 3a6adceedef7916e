package domain

import "time"

// Snapshots carry aggregate state across the persistence boundary without
// exposing mutation. Rehydration bypasses constructor invariants (the stored
// state was validated when written) and never raises events.

// PluginSnapshot is the persisted shape of a Plugin.
type PluginSnapshot struct {
	ID              PluginID
	Metadata        PluginMetadata
	EntryPoint      string
	PluginPath      string
	Capabilities    []string
	Dependencies    []Dependency
	Configuration   map[string]any
	Status          PluginStatus
	RegisteredAt    time.Time
	LastValidatedAt *time.Time
	LastExecutedAt  *time.Time
	ExecutionCount  int64
	ErrorMessage    string
	SourceHash      string
	Version         int
}

// Snapshot exports the plugin state for persistence.
func (p *Plugin) Snapshot() PluginSnapshot {
	return PluginSnapshot{
		ID:              p.id,
		Metadata:        p.metadata,
		EntryPoint:      p.entryPoint,
		PluginPath:      p.pluginPath,
		Capabilities:    p.Capabilities(),
		Dependencies:    p.Dependencies(),
		Configuration:   p.Configuration(),
		Status:          p.status,
		RegisteredAt:    p.registeredAt,
		LastValidatedAt: copyTime(p.lastValidatedAt),
		LastExecutedAt:  copyTime(p.lastExecutedAt),
		ExecutionCount:  p.executionCount,
		ErrorMessage:    p.errorMessage,
		SourceHash:      p.sourceHash,
		Version:         p.version,
	}
}

// RehydratePlugin rebuilds a Plugin aggregate from its persisted snapshot.
func RehydratePlugin(s PluginSnapshot) *Plugin {
	cfg := s.Configuration
	if cfg == nil {
		cfg = map[string]any{}
	}
	return &Plugin{
		id:              s.ID,
		metadata:        s.Metadata,
		entryPoint:      s.EntryPoint,
		pluginPath:      s.PluginPath,
		capabilities:    append([]string(nil), s.Capabilities...),
		dependencies:    append([]Dependency(nil), s.Dependencies...),
		configuration:   cfg,
		status:          s.Status,
		registeredAt:    s.RegisteredAt,
		lastValidatedAt: copyTime(s.LastValidatedAt),
		lastExecutedAt:  copyTime(s.LastExecutedAt),
		executionCount:  s.ExecutionCount,
		errorMessage:    s.ErrorMessage,
		sourceHash:      s.SourceHash,
		version:         s.Version,
	}
}

// SetStoreVersion is called by the persistence port after a successful write.
func (p *Plugin) SetStoreVersion(v int) { p.version = v }

// StepSnapshot is the persisted shape of a WorkflowStep.
type StepSnapshot struct {
	ID            WorkflowStepID
	Name          string
	PluginID      PluginID
	Order         int
	Configuration map[string]any
	Status        StepStatus
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ErrorMessage  string
	Output        string
}

// WorkflowSnapshot is the persisted shape of a Workflow.
type WorkflowSnapshot struct {
	ID           WorkflowID
	Name         string
	Description  string
	Status       WorkflowStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
	Steps        []StepSnapshot
	Version      int
}

// Snapshot exports the workflow state, steps in insertion order.
func (w *Workflow) Snapshot() WorkflowSnapshot {
	steps := make([]StepSnapshot, 0, len(w.steps))
	for _, s := range w.steps {
		steps = append(steps, StepSnapshot{
			ID:            s.id,
			Name:          s.name,
			PluginID:      s.pluginID,
			Order:         s.order,
			Configuration: s.Configuration(),
			Status:        s.status,
			CreatedAt:     s.createdAt,
			StartedAt:     copyTime(s.startedAt),
			CompletedAt:   copyTime(s.completedAt),
			ErrorMessage:  s.errorMessage,
			Output:        s.output,
		})
	}
	return WorkflowSnapshot{
		ID:           w.id,
		Name:         w.name,
		Description:  w.description,
		Status:       w.status,
		CreatedAt:    w.createdAt,
		UpdatedAt:    w.updatedAt,
		StartedAt:    copyTime(w.startedAt),
		CompletedAt:  copyTime(w.completedAt),
		ErrorMessage: w.errorMessage,
		Steps:        steps,
		Version:      w.version,
	}
}

// RehydrateWorkflow rebuilds a Workflow aggregate from its persisted snapshot.
func RehydrateWorkflow(s WorkflowSnapshot) *Workflow {
	steps := make([]*WorkflowStep, 0, len(s.Steps))
	for _, st := range s.Steps {
		cfg := st.Configuration
		if cfg == nil {
			cfg = map[string]any{}
		}
		steps = append(steps, &WorkflowStep{
			id:            st.ID,
			name:          st.Name,
			pluginID:      st.PluginID,
			order:         st.Order,
			configuration: cfg,
			status:        st.Status,
			createdAt:     st.CreatedAt,
			startedAt:     copyTime(st.StartedAt),
			completedAt:   copyTime(st.CompletedAt),
			errorMessage:  st.ErrorMessage,
			output:        st.Output,
		})
	}
	return &Workflow{
		id:           s.ID,
		name:         s.Name,
		description:  s.Description,
		status:       s.Status,
		createdAt:    s.CreatedAt,
		updatedAt:    s.UpdatedAt,
		startedAt:    copyTime(s.StartedAt),
		completedAt:  copyTime(s.CompletedAt),
		errorMessage: s.ErrorMessage,
		steps:        steps,
		version:      s.Version,
	}
}

// SetStoreVersion is called by the persistence port after a successful write.
func (w *Workflow) SetStoreVersion(v int) { w.version = v }
