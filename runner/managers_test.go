package runner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devflow/devflow/domain"
	"github.com/devflow/devflow/errs"
)

func writeEntry(t *testing.T, p *domain.Plugin, body string) {
	t.Helper()
	path := filepath.Join(p.PluginPath(), p.EntryPoint())
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func pluginWithEntry(t *testing.T, language, entry, body string) *domain.Plugin {
	t.Helper()
	md, err := domain.NewPluginMetadata("under-test", "1.0.0", "test", language)
	if err != nil {
		t.Fatal(err)
	}
	p, err := domain.NewPlugin(md, entry, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.RecordValidation(true, ""); err != nil {
		t.Fatal(err)
	}
	writeEntry(t, p, body)
	return p
}

func requireTool(t *testing.T, tool string) {
	t.Helper()
	if _, err := exec.LookPath(tool); err != nil {
		t.Skipf("%s not on PATH", tool)
	}
}

func TestGoManagerExecute(t *testing.T) {
	p := pluginWithEntry(t, "M", "main.go", `package plugin

func Execute(ctx map[string]interface{}) (map[string]interface{}, error) {
	cfg, _ := ctx["configuration"].(map[string]interface{})
	return map[string]interface{}{"echo": cfg["greeting"]}, nil
}
`)
	m := NewGoManager(Limits{}, nil)

	ok, err := m.Validate(context.Background(), p)
	if err != nil || !ok {
		t.Fatalf("validate = %v, %v", ok, err)
	}

	res, err := m.Execute(context.Background(), p, Input{
		Configuration:    map[string]any{"greeting": "hello"},
		WorkingDirectory: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	data, ok := res.Data.(map[string]any)
	if !ok || data["echo"] != "hello" {
		t.Fatalf("data = %+v", res.Data)
	}
}

func TestGoManagerPluginError(t *testing.T) {
	p := pluginWithEntry(t, "M", "main.go", `package plugin

import "errors"

func Execute(ctx map[string]interface{}) (map[string]interface{}, error) {
	return nil, errors.New("deliberate")
}
`)
	m := NewGoManager(Limits{}, nil)
	res, err := m.Execute(context.Background(), p, Input{WorkingDirectory: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !strings.Contains(res.Error, "deliberate") {
		t.Fatalf("result = %+v", res)
	}
}

func TestGoManagerScalarInputData(t *testing.T) {
	p := pluginWithEntry(t, "M", "main.go", `package plugin

func Execute(ctx map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"echo": ctx["inputData"]}, nil
}
`)
	m := NewGoManager(Limits{}, nil)
	res, err := m.Execute(context.Background(), p, Input{
		InputData:        "World",
		WorkingDirectory: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	data, ok := res.Data.(map[string]any)
	if !ok || data["echo"] != "World" {
		t.Fatalf("data = %+v, want the scalar input echoed back", res.Data)
	}
}

func TestGoManagerValidateRejectsBadSource(t *testing.T) {
	p := pluginWithEntry(t, "M", "main.go", "this is not go")
	m := NewGoManager(Limits{}, nil)
	ok, err := m.Validate(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("unparseable source must fail validation")
	}
}

func TestNodeManagerExecute(t *testing.T) {
	requireTool(t, "node")
	p := pluginWithEntry(t, "S", "main.js", `
let chunks = [];
process.stdin.on('data', c => chunks.push(c));
process.stdin.on('end', () => {
  const ctx = JSON.parse(Buffer.concat(chunks).toString());
  console.log("preparing");
  console.log(JSON.stringify({success: true, data: {greeting: ctx.configuration.greeting}}));
});
`)
	m := NewNodeManager(Limits{}, nil)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, err := m.Execute(context.Background(), p, Input{
		Configuration:    map[string]any{"greeting": "hi"},
		WorkingDirectory: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	data, ok := res.Data.(map[string]any)
	if !ok || data["greeting"] != "hi" {
		t.Fatalf("data = %+v", res.Data)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "preparing" {
		t.Fatalf("logs = %v", res.Logs)
	}
}

func TestNodeManagerTimeoutKeepsPartialLogs(t *testing.T) {
	requireTool(t, "node")
	p := pluginWithEntry(t, "S", "main.js", `console.log("spinning up"); setTimeout(() => {}, 60000);`)
	m := NewNodeManager(Limits{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := m.Execute(ctx, p, Input{WorkingDirectory: t.TempDir()})
	if errs.CodeOf(err) != CodeTimeout {
		t.Fatalf("err = %v, want %s", err, CodeTimeout)
	}
	if res == nil || res.Success {
		t.Fatalf("result = %+v, want a failed partial result", res)
	}
	if !strings.Contains(strings.Join(res.Logs, "|"), "spinning up") {
		t.Fatalf("logs = %v, want output captured before the deadline", res.Logs)
	}
	if !strings.Contains(res.Error, "deadline") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestPythonManagerExecute(t *testing.T) {
	requireTool(t, "python3")
	p := pluginWithEntry(t, "P", "main.py", `
import sys, json
ctx = json.load(sys.stdin)
print("step one")
print(json.dumps({"success": True, "data": {"greeting": ctx["configuration"]["greeting"]}}))
`)
	m := NewPythonManager(Limits{}, nil)
	res, err := m.Execute(context.Background(), p, Input{
		Configuration:    map[string]any{"greeting": "hola"},
		WorkingDirectory: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	data, ok := res.Data.(map[string]any)
	if !ok || data["greeting"] != "hola" {
		t.Fatalf("data = %+v", res.Data)
	}
}

func TestPythonManagerScalarInputData(t *testing.T) {
	requireTool(t, "python3")
	p := pluginWithEntry(t, "P", "main.py", `
import sys, json
ctx = json.load(sys.stdin)
print(json.dumps({"success": True, "data": {"echo": ctx["inputData"]}}))
`)
	m := NewPythonManager(Limits{}, nil)
	res, err := m.Execute(context.Background(), p, Input{
		InputData:        "World",
		WorkingDirectory: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	data, ok := res.Data.(map[string]any)
	if !ok || data["echo"] != "World" {
		t.Fatalf("data = %+v, want the scalar input echoed back", res.Data)
	}
}

func TestPythonManagerNonZeroExit(t *testing.T) {
	requireTool(t, "python3")
	p := pluginWithEntry(t, "P", "main.py", `
import sys
print("partial progress")
print("failed hard", file=sys.stderr)
sys.exit(2)
`)
	m := NewPythonManager(Limits{}, nil)
	res, err := m.Execute(context.Background(), p, Input{WorkingDirectory: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatalf("result = %+v", res)
	}
	joined := strings.Join(res.Logs, "|")
	if !strings.Contains(joined, "failed hard") {
		t.Fatalf("logs = %v, want stderr tail", res.Logs)
	}
}

func TestSubprocessValidateMissingEntry(t *testing.T) {
	md, _ := domain.NewPluginMetadata("p", "1.0.0", "d", "S")
	p, err := domain.NewPlugin(md, "gone.js", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m := NewNodeManager(Limits{}, nil)
	ok, err := m.Validate(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("missing entry point must fail validation")
	}
}
