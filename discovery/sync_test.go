package discovery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/devflow/devflow/domain"
	"github.com/devflow/devflow/errs"
)

// memRegistry is an in-memory PluginRegistry keyed by name@version.
type memRegistry struct {
	mu      sync.Mutex
	plugins map[string]*domain.Plugin
	updates int
}

func newMemRegistry() *memRegistry {
	return &memRegistry{plugins: map[string]*domain.Plugin{}}
}

func key(name, version string) string { return name + "@" + version }

func (r *memRegistry) GetByName(_ context.Context, name, version string) (*domain.Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[key(name, version)]
	if !ok {
		return nil, errs.NotFound("Plugin.NotFound", "plugin %s@%s not found", name, version)
	}
	return p, nil
}

func (r *memRegistry) Add(_ context.Context, p *domain.Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(p.Metadata().Name, p.Metadata().Version.String())
	if _, exists := r.plugins[k]; exists {
		return errs.Conflict("Plugin.Duplicate", "plugin %s already registered", k)
	}
	r.plugins[k] = p
	return nil
}

func (r *memRegistry) Update(_ context.Context, p *domain.Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	r.plugins[key(p.Metadata().Name, p.Metadata().Version.String())] = p
	return nil
}

// okValidator approves everything unless told otherwise.
type okValidator struct {
	ok     bool
	reason string
	calls  int
}

func (v *okValidator) Validate(context.Context, *domain.Plugin) (bool, string, error) {
	v.calls++
	return v.ok, v.reason, nil
}

func writeSyncPlugin(t *testing.T, root, name, version, entrySource string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := map[string]any{
		"name":        name,
		"version":     version,
		"description": "plugin " + name,
		"language":    "python",
		"entryPoint":  "main.py",
		"configuration": map[string]any{
			"verbose": false,
		},
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte(entrySource), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func newSyncHarness(t *testing.T, root string) (*Syncer, *memRegistry, *okValidator) {
	t.Helper()
	registry := newMemRegistry()
	validator := &okValidator{ok: true}
	syncer := NewSyncer(NewScanner([]string{root}, nil), registry, validator, nil)
	return syncer, registry, validator
}

func TestSyncRegistersNewPlugins(t *testing.T) {
	root := t.TempDir()
	writeSyncPlugin(t, root, "fmt", "1.0.0", "print('{\"success\": true}')")
	writeSyncPlugin(t, root, "lint", "2.1.0", "print('{\"success\": true}')")
	syncer, registry, validator := newSyncHarness(t, root)

	report, err := syncer.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Discovered != 2 || report.Registered != 2 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if validator.calls != 2 {
		t.Fatalf("validator calls = %d", validator.calls)
	}

	p, err := registry.GetByName(context.Background(), "fmt", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status() != domain.PluginAvailable {
		t.Fatalf("status = %s", p.Status())
	}
	if p.SourceHash() == "" {
		t.Fatal("source hash not recorded")
	}
	if v, ok := p.Configuration()["verbose"]; !ok || v != false {
		t.Fatalf("configuration = %v", p.Configuration())
	}
}

func TestSyncLeavesUnchangedPluginsAlone(t *testing.T) {
	root := t.TempDir()
	writeSyncPlugin(t, root, "fmt", "1.0.0", "source v1")
	syncer, _, validator := newSyncHarness(t, root)

	if _, err := syncer.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	report, err := syncer.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Registered != 0 || report.Refreshed != 0 || report.Unchanged != 1 {
		t.Fatalf("report = %+v", report)
	}
	if validator.calls != 1 {
		t.Fatalf("validator re-ran on unchanged plugin: %d calls", validator.calls)
	}
}

func TestSyncRefreshesModifiedPlugins(t *testing.T) {
	root := t.TempDir()
	dir := writeSyncPlugin(t, root, "fmt", "1.0.0", "source v1")
	syncer, registry, _ := newSyncHarness(t, root)

	if _, err := syncer.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	before, _ := registry.GetByName(context.Background(), "fmt", "1.0.0")
	oldHash := before.SourceHash()

	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte("source v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	report, err := syncer.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Refreshed != 1 {
		t.Fatalf("report = %+v", report)
	}
	after, _ := registry.GetByName(context.Background(), "fmt", "1.0.0")
	if after.SourceHash() == oldHash {
		t.Fatal("source hash not refreshed")
	}
}

func TestSyncSkipsDisabledPlugins(t *testing.T) {
	root := t.TempDir()
	dir := writeSyncPlugin(t, root, "fmt", "1.0.0", "source v1")
	syncer, registry, validator := newSyncHarness(t, root)

	if _, err := syncer.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	p, _ := registry.GetByName(context.Background(), "fmt", "1.0.0")
	p.Disable("maintenance")

	// Even a source change must not touch a disabled plugin.
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte("source v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	report, err := syncer.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Unchanged != 1 || report.Refreshed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if validator.calls != 1 {
		t.Fatalf("validator ran on disabled plugin: %d calls", validator.calls)
	}
}

func TestSyncRevalidatesRegisteredPlugins(t *testing.T) {
	root := t.TempDir()
	writeSyncPlugin(t, root, "fmt", "1.0.0", "source v1")
	syncer, registry, validator := newSyncHarness(t, root)

	// First pass fails validation, so the plugin lands in error.
	validator.ok = false
	validator.reason = "python3 missing"
	if _, err := syncer.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	p, _ := registry.GetByName(context.Background(), "fmt", "1.0.0")
	if p.Status() != domain.PluginError {
		t.Fatalf("status = %s", p.Status())
	}

	// An errored plugin with an unchanged source is left alone; only
	// never-validated Registered plugins get a retry on later passes.
	validator.ok = true
	report, err := syncer.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Unchanged != 1 {
		t.Fatalf("report = %+v", report)
	}
}

func TestSyncCountsCorruptPlugins(t *testing.T) {
	root := t.TempDir()
	writeSyncPlugin(t, root, "good", "1.0.0", "ok")
	// Manifest without an entry point on disk.
	dir := filepath.Join(root, "broken")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := []byte(`{"name":"broken","version":"1.0.0","description":"x","language":"python","entryPoint":"main.py"}`)
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), manifest, 0o644); err != nil {
		t.Fatal(err)
	}

	syncer, _, _ := newSyncHarness(t, root)
	report, err := syncer.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// The scanner drops the corrupt directory before the syncer sees it.
	if report.Discovered != 1 || report.Registered != 1 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}
}
