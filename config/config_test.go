package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devflow/devflow/errs"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "devflow.json", `{
		"ConnectionString": "state/devflow.db",
		"Plugins": {
			"PluginDirectories": ["/opt/plugins", "./local"],
			"EnableHotReload": true,
			"ExecutionTimeoutMs": 5000,
			"ScanIntervalSeconds": 10
		},
		"McpServer": {"HttpPort": 9090, "EnableHttp": true},
		"Registries": {"pkg-p": "https://registry.example.com"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ConnectionString != "state/devflow.db" {
		t.Fatalf("ConnectionString = %q", cfg.ConnectionString)
	}
	if len(cfg.Plugins.PluginDirectories) != 2 {
		t.Fatalf("PluginDirectories = %v", cfg.Plugins.PluginDirectories)
	}
	if cfg.ExecutionTimeout() != 5*time.Second {
		t.Fatalf("ExecutionTimeout = %v", cfg.ExecutionTimeout())
	}
	if cfg.ScanInterval() != 10*time.Second {
		t.Fatalf("ScanInterval = %v", cfg.ScanInterval())
	}
	// Untouched fields keep their defaults.
	if cfg.Plugins.MaxMemoryMb != 256 {
		t.Fatalf("MaxMemoryMb = %d", cfg.Plugins.MaxMemoryMb)
	}
	if cfg.McpServer.HttpPort != 9090 {
		t.Fatalf("HttpPort = %d", cfg.McpServer.HttpPort)
	}
	if cfg.Registries["pkg-p"] != "https://registry.example.com" {
		t.Fatalf("Registries = %v", cfg.Registries)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "devflow.yaml", `
ConnectionString: devflow.db
Plugins:
  PluginDirectories: [./plugins]
  ExecutionTimeoutMs: 30000
McpServer:
  HttpPort: 8080
  EnableHttp: true
Nats:
  Url: nats://localhost:4222
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Nats.URL != "nats://localhost:4222" {
		t.Fatalf("Nats.URL = %q", cfg.Nats.URL)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero timeout", `{"Plugins": {"ExecutionTimeoutMs": -1}}`},
		{"zero memory", `{"Plugins": {"MaxMemoryMb": 0}}`},
		{"bad port", `{"McpServer": {"EnableHttp": true, "HttpPort": 70000}}`},
		{"empty plugin dir", `{"Plugins": {"PluginDirectories": [""]}}`},
		{"hot reload without interval", `{"Plugins": {"EnableHotReload": true, "ScanIntervalSeconds": 0}}`},
		{"empty connection string", `{"ConnectionString": ""}`},
		{"not yaml at all", `{{{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "bad.json", tt.content)
			_, err := Load(path)
			if !errs.IsKind(err, errs.KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}
