package domain

import (
	"testing"

	"github.com/devflow/devflow/errs"
)

func newTestPlugin(t *testing.T) *Plugin {
	t.Helper()
	meta, err := NewPluginMetadata("hello", "1.0.0", "greets", "S")
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewPlugin(meta, "hello.js", "/plugins/hello")
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewPluginMetadata(t *testing.T) {
	tests := []struct {
		name     string
		version  string
		language string
		wantErr  bool
	}{
		{"hello", "1.0.0", "M", false},
		{"hello", "1.0.0", "go", false},
		{"hello", "1.0.0", "python", false},
		{"", "1.0.0", "S", true},
		{"   ", "1.0.0", "S", true},
		{"hello", "1.0", "S", true},
		{"hello", "1.0.0", "cobol", true},
	}
	for _, tt := range tests {
		t.Run(tt.name+"/"+tt.version+"/"+tt.language, func(t *testing.T) {
			_, err := NewPluginMetadata(tt.name, tt.version, "", tt.language)
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewPluginRejectsEscapingEntryPoint(t *testing.T) {
	meta, _ := NewPluginMetadata("x", "1.0.0", "", "S")
	for _, entry := range []string{"/abs/path.js", "../outside.js", ""} {
		if _, err := NewPlugin(meta, entry, "/plugins/x"); err == nil {
			t.Errorf("NewPlugin(entry=%q) expected error", entry)
		}
	}
}

func TestPluginStatusMachine(t *testing.T) {
	p := newTestPlugin(t)
	if p.Status() != PluginRegisteredStatus {
		t.Fatalf("fresh plugin status = %s, want registered", p.Status())
	}

	// Execute is rejected before validation.
	if err := p.RecordExecution(); !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("RecordExecution on registered plugin: err = %v, want validation", err)
	}

	if err := p.RecordValidation(true, ""); err != nil {
		t.Fatal(err)
	}
	if p.Status() != PluginAvailable {
		t.Fatalf("status after validation = %s, want available", p.Status())
	}
	if p.LastValidatedAt() == nil {
		t.Fatal("available plugin must have lastValidatedAt set")
	}
	if p.ErrorMessage() != "" {
		t.Fatal("available plugin must have no error message")
	}

	if err := p.RecordExecution(); err != nil {
		t.Fatal(err)
	}
	if p.ExecutionCount() != 1 {
		t.Fatalf("executionCount = %d, want 1", p.ExecutionCount())
	}
	if p.LastExecutedAt() == nil {
		t.Fatal("lastExecutedAt must be set after execution")
	}

	// Failed validation moves to error.
	if err := p.RecordValidation(false, "toolchain missing"); err != nil {
		t.Fatal(err)
	}
	if p.Status() != PluginError {
		t.Fatalf("status = %s, want error", p.Status())
	}
	if p.ErrorMessage() != "toolchain missing" {
		t.Fatalf("errorMessage = %q", p.ErrorMessage())
	}
	if err := p.RecordExecution(); err == nil {
		t.Fatal("RecordExecution must fail when plugin is in error")
	}
}

func TestPluginDisableEnable(t *testing.T) {
	p := newTestPlugin(t)
	p.ClearDomainEvents()

	p.Disable("maintenance")
	if p.Status() != PluginDisabledStatus {
		t.Fatalf("status = %s, want disabled", p.Status())
	}
	events := p.DomainEvents()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}

	// Disabling again is a successful no-op and raises no new event.
	p.Disable("again")
	if len(p.DomainEvents()) != 1 {
		t.Fatal("double disable must not raise a second event")
	}

	if err := p.RecordValidation(true, ""); err == nil {
		t.Fatal("validate must be rejected while disabled")
	}

	if err := p.Enable(); err != nil {
		t.Fatal(err)
	}
	if p.Status() != PluginRegisteredStatus {
		t.Fatalf("status after enable = %s, want registered (re-validation required)", p.Status())
	}
	if p.LastValidatedAt() != nil {
		t.Fatal("enable must clear lastValidatedAt")
	}
	if err := p.Enable(); err == nil {
		t.Fatal("enable on non-disabled plugin must fail")
	}
}

func TestPluginDuplicateDependency(t *testing.T) {
	p := newTestPlugin(t)
	dep, _ := ParseDependency("pkg-s:left-pad@1.3.0")
	if err := p.AddDependency(dep); err != nil {
		t.Fatal(err)
	}
	// Same (name, type) with a different version is still a duplicate.
	dup := dep
	dup.Version = "^2.0.0"
	if err := p.AddDependency(dup); !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("duplicate dependency: err = %v, want validation", err)
	}
	// Same name, different type is fine.
	ref := Dependency{Name: dep.Name, Type: DependencyPluginRef, Version: "@1.0.0"}
	if err := p.AddDependency(ref); err != nil {
		t.Fatal(err)
	}
	if len(p.Dependencies()) != 2 {
		t.Fatalf("dependencies = %d, want 2", len(p.Dependencies()))
	}
}

func TestPluginReplaceDependencies(t *testing.T) {
	p := newTestPlugin(t)
	a, _ := ParseDependency("pkg-s:a@1.0.0")
	b, _ := ParseDependency("pkg-s:b@1.0.0")
	if err := p.ReplaceDependencies([]Dependency{a, b}); err != nil {
		t.Fatal(err)
	}
	if err := p.ReplaceDependencies([]Dependency{a, a}); err == nil {
		t.Fatal("ReplaceDependencies must reject duplicates")
	}
}

func TestPluginRemoveDependency(t *testing.T) {
	p := newTestPlugin(t)
	dep, _ := ParseDependency("pkg-s:a@1.0.0")
	if err := p.AddDependency(dep); err != nil {
		t.Fatal(err)
	}
	if err := p.RemoveDependency(dep.Name, dep.Type); err != nil {
		t.Fatal(err)
	}
	if err := p.RemoveDependency(dep.Name, dep.Type); !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("removing absent dependency: err = %v, want not_found", err)
	}
}

func TestPluginEventQueue(t *testing.T) {
	p := newTestPlugin(t)
	if len(p.DomainEvents()) != 1 {
		t.Fatalf("fresh plugin events = %d, want 1 (registered)", len(p.DomainEvents()))
	}
	if p.DomainEvents()[0].EventName() != "plugin.registered" {
		t.Fatalf("event name = %q", p.DomainEvents()[0].EventName())
	}
	p.ClearDomainEvents()
	if len(p.DomainEvents()) != 0 {
		t.Fatal("ClearDomainEvents must empty the queue")
	}

	p.UpdateConfiguration(map[string]any{"greeting": "Hi"})
	events := p.DomainEvents()
	if len(events) != 1 || events[0].EventName() != "plugin.configuration_updated" {
		t.Fatalf("unexpected events after configuration update: %+v", events)
	}
	if events[0].AggregateID() != p.ID().String() {
		t.Fatal("event aggregate id mismatch")
	}
}

func TestPluginSnapshotRoundTrip(t *testing.T) {
	p := newTestPlugin(t)
	dep, _ := ParseDependency("pkg-s:left-pad^1.2.0")
	if err := p.AddDependency(dep); err != nil {
		t.Fatal(err)
	}
	p.SetCapabilities([]string{"greet", "greet", "format"})
	p.SetSourceHash("abc123")
	if err := p.RecordValidation(true, ""); err != nil {
		t.Fatal(err)
	}

	got := RehydratePlugin(p.Snapshot())
	if got.ID() != p.ID() || got.Status() != p.Status() || got.SourceHash() != p.SourceHash() {
		t.Fatal("snapshot round trip lost identity fields")
	}
	if len(got.Dependencies()) != 1 || !got.Dependencies()[0].Equal(dep) {
		t.Fatal("snapshot round trip lost dependencies")
	}
	if len(got.Capabilities()) != 2 {
		t.Fatalf("capabilities = %v, want deduplicated pair", got.Capabilities())
	}
	// Domain events are not persisted.
	if len(got.DomainEvents()) != 0 {
		t.Fatal("rehydrated aggregate must carry no events")
	}
}
