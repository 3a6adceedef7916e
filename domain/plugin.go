package domain

import (
	"strings"
	"time"

	"github.com/devflow/devflow/errs"
)

// Language identifies the runtime family of a plugin.
type Language string

const (
	// LanguageGo plugins are Go source interpreted in-process.
	LanguageGo Language = "go"
	// LanguageNode plugins run under the node interpreter.
	LanguageNode Language = "js"
	// LanguagePython plugins run under the python3 interpreter.
	LanguagePython Language = "python"
)

// ParseLanguage accepts the wire names plus the single-letter manifest
// aliases M, S, and P.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "go", "golang", "m":
		return LanguageGo, nil
	case "js", "javascript", "node", "s":
		return LanguageNode, nil
	case "python", "py", "p":
		return LanguagePython, nil
	}
	return "", errs.Validation("Language.Unknown", "unknown plugin language %q", s)
}

// RegistryScheme returns the package-registry scheme for the language.
func (l Language) RegistryScheme() string {
	switch l {
	case LanguageGo:
		return SchemeGo
	case LanguageNode:
		return SchemeNode
	case LanguagePython:
		return SchemePython
	}
	return ""
}

// PluginMetadata is the identity block of a plugin.
type PluginMetadata struct {
	Name        string
	Version     Version
	Description string
	Language    Language
}

// NewPluginMetadata validates and constructs plugin metadata.
func NewPluginMetadata(name, version, description, language string) (PluginMetadata, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return PluginMetadata{}, errs.Validation("Plugin.EmptyName", "plugin name must not be empty")
	}
	v, err := ParseVersion(version)
	if err != nil {
		return PluginMetadata{}, err
	}
	lang, err := ParseLanguage(language)
	if err != nil {
		return PluginMetadata{}, err
	}
	return PluginMetadata{Name: name, Version: v, Description: description, Language: lang}, nil
}

// PluginStatus is the lifecycle state of a plugin.
type PluginStatus string

const (
	// PluginRegisteredStatus means discovered but not yet validated.
	PluginRegisteredStatus PluginStatus = "registered"
	// PluginAvailable means validated and executable.
	PluginAvailable PluginStatus = "available"
	// PluginError means validation or registration failed.
	PluginError PluginStatus = "error"
	// PluginDisabledStatus means explicitly taken out of service.
	PluginDisabledStatus PluginStatus = "disabled"
)

// Plugin is the aggregate root for a discovered plugin. All writes go through
// its methods so status-machine and dependency invariants hold.
type Plugin struct {
	eventRecorder

	id              PluginID
	metadata        PluginMetadata
	entryPoint      string
	pluginPath      string
	capabilities    []string
	dependencies    []Dependency
	configuration   map[string]any
	status          PluginStatus
	registeredAt    time.Time
	lastValidatedAt *time.Time
	lastExecutedAt  *time.Time
	executionCount  int64
	errorMessage    string
	sourceHash      string

	// version backs optimistic concurrency in the store.
	version int
}

// NewPlugin registers a plugin aggregate. entryPoint must be a relative path
// inside pluginPath.
func NewPlugin(metadata PluginMetadata, entryPoint, pluginPath string) (*Plugin, error) {
	if metadata.Name == "" {
		return nil, errs.Validation("Plugin.EmptyName", "plugin name must not be empty")
	}
	if entryPoint == "" {
		return nil, errs.Validation("Plugin.EmptyEntryPoint", "entry point must not be empty")
	}
	if strings.HasPrefix(entryPoint, "/") || strings.Contains(entryPoint, "..") {
		return nil, errs.Validation("Plugin.BadEntryPoint", "entry point %q must be a relative path inside the plugin directory", entryPoint)
	}
	p := &Plugin{
		id:            NewPluginID(),
		metadata:      metadata,
		entryPoint:    entryPoint,
		pluginPath:    pluginPath,
		configuration: map[string]any{},
		status:        PluginRegisteredStatus,
		registeredAt:  time.Now().UTC(),
		version:       1,
	}
	p.record(PluginRegistered{
		eventBase: newEventBase("plugin.registered", p.id.String()),
		Name:      metadata.Name,
		Version:   metadata.Version.String(),
	})
	return p, nil
}

// Accessors.

func (p *Plugin) ID() PluginID             { return p.id }
func (p *Plugin) Metadata() PluginMetadata { return p.metadata }
func (p *Plugin) EntryPoint() string       { return p.entryPoint }
func (p *Plugin) PluginPath() string       { return p.pluginPath }
func (p *Plugin) Status() PluginStatus     { return p.status }
func (p *Plugin) RegisteredAt() time.Time  { return p.registeredAt }
func (p *Plugin) ExecutionCount() int64    { return p.executionCount }
func (p *Plugin) ErrorMessage() string     { return p.errorMessage }
func (p *Plugin) SourceHash() string       { return p.sourceHash }
func (p *Plugin) StoreVersion() int        { return p.version }

// LastValidatedAt returns the time of the last successful validation, if any.
func (p *Plugin) LastValidatedAt() *time.Time { return copyTime(p.lastValidatedAt) }

// LastExecutedAt returns the time of the last recorded execution, if any.
func (p *Plugin) LastExecutedAt() *time.Time { return copyTime(p.lastExecutedAt) }

// Capabilities returns the advisory capability set.
func (p *Plugin) Capabilities() []string {
	out := make([]string, len(p.capabilities))
	copy(out, p.capabilities)
	return out
}

// Dependencies returns the ordered dependency set.
func (p *Plugin) Dependencies() []Dependency {
	out := make([]Dependency, len(p.dependencies))
	copy(out, p.dependencies)
	return out
}

// Configuration returns a copy of the configuration defaults.
func (p *Plugin) Configuration() map[string]any {
	out := make(map[string]any, len(p.configuration))
	for k, v := range p.configuration {
		out[k] = v
	}
	return out
}

// SetCapabilities replaces the advisory capability set. Duplicates collapse.
func (p *Plugin) SetCapabilities(caps []string) {
	seen := make(map[string]bool, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	p.capabilities = out
}

// SetSourceHash records the SHA-256 over manifest and entry-point bytes.
func (p *Plugin) SetSourceHash(hash string) { p.sourceHash = hash }

// RecordValidation applies a validation outcome. A pass moves Registered to
// Available; a failure moves Registered or Available to Error.
func (p *Plugin) RecordValidation(ok bool, message string) error {
	if p.status == PluginDisabledStatus {
		return errs.Validation("Plugin.Disabled", "cannot validate a disabled plugin")
	}
	now := time.Now().UTC()
	if ok {
		p.status = PluginAvailable
		p.lastValidatedAt = &now
		p.errorMessage = ""
	} else {
		p.status = PluginError
		p.errorMessage = message
	}
	p.record(PluginValidated{
		eventBase: newEventBase("plugin.validated", p.id.String()),
		OK:        ok,
		Message:   message,
	})
	return nil
}

// MarkError forces the plugin into Error with the given message. Used for
// registration-time conflicts such as duplicate tool slugs.
func (p *Plugin) MarkError(message string) {
	p.status = PluginError
	p.errorMessage = message
	p.record(PluginValidated{
		eventBase: newEventBase("plugin.validated", p.id.String()),
		OK:        false,
		Message:   message,
	})
}

// RecordExecution advances the execution counter. Only Available plugins
// execute.
func (p *Plugin) RecordExecution() error {
	if p.status != PluginAvailable {
		return errs.Validation("Plugin.NotAvailable", "plugin %s is %s, not available", p.metadata.Name, p.status)
	}
	now := time.Now().UTC()
	p.executionCount++
	p.lastExecutedAt = &now
	p.record(PluginExecuted{
		eventBase: newEventBase("plugin.executed", p.id.String()),
		Count:     p.executionCount,
	})
	return nil
}

// UpdateConfiguration replaces the configuration defaults.
func (p *Plugin) UpdateConfiguration(config map[string]any) {
	if config == nil {
		config = map[string]any{}
	}
	p.configuration = config
	p.record(PluginConfigurationUpdated{
		eventBase: newEventBase("plugin.configuration_updated", p.id.String()),
	})
}

// Disable takes the plugin out of service. Disabling an already-disabled
// plugin is a no-op that still succeeds.
func (p *Plugin) Disable(reason string) {
	if p.status == PluginDisabledStatus {
		return
	}
	p.status = PluginDisabledStatus
	p.errorMessage = ""
	p.record(PluginDisabled{
		eventBase: newEventBase("plugin.disabled", p.id.String()),
		Reason:    reason,
	})
}

// Enable returns a disabled plugin to Registered; it must be re-validated
// before executing again.
func (p *Plugin) Enable() error {
	if p.status != PluginDisabledStatus {
		return errs.Validation("Plugin.NotDisabled", "plugin %s is %s, not disabled", p.metadata.Name, p.status)
	}
	p.status = PluginRegisteredStatus
	p.lastValidatedAt = nil
	p.record(PluginEnabled{
		eventBase: newEventBase("plugin.enabled", p.id.String()),
	})
	return nil
}

// AddDependency appends a dependency. Duplicate (name, type) pairs are
// rejected.
func (p *Plugin) AddDependency(dep Dependency) error {
	for _, existing := range p.dependencies {
		if existing.Equal(dep) {
			return errs.Validation("Plugin.DuplicateDependency", "dependency %s (%s) already declared", dep.Name, dep.Type)
		}
	}
	p.dependencies = append(p.dependencies, dep)
	p.record(PluginDependencyAdded{
		eventBase:  newEventBase("plugin.dependency_added", p.id.String()),
		Dependency: dep,
	})
	return nil
}

// RemoveDependency drops the dependency identified by (name, type).
func (p *Plugin) RemoveDependency(name string, depType DependencyType) error {
	for i, existing := range p.dependencies {
		if existing.Name == name && existing.Type == depType {
			removed := existing
			p.dependencies = append(p.dependencies[:i], p.dependencies[i+1:]...)
			p.record(PluginDependencyRemoved{
				eventBase:  newEventBase("plugin.dependency_removed", p.id.String()),
				Dependency: removed,
			})
			return nil
		}
	}
	return errs.NotFound("Plugin.DependencyNotFound", "dependency %s (%s) not declared", name, depType)
}

// ReplaceDependencies swaps the whole dependency set, enforcing uniqueness.
func (p *Plugin) ReplaceDependencies(deps []Dependency) error {
	seen := make(map[Dependency]bool, len(deps))
	for _, d := range deps {
		key := Dependency{Name: d.Name, Type: d.Type}
		if seen[key] {
			return errs.Validation("Plugin.DuplicateDependency", "dependency %s (%s) declared twice", d.Name, d.Type)
		}
		seen[key] = true
	}
	p.dependencies = append([]Dependency(nil), deps...)
	p.record(PluginDependenciesReplaced{
		eventBase: newEventBase("plugin.dependencies_replaced", p.id.String()),
		Count:     len(deps),
	})
	return nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
