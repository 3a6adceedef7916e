package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/devflow/devflow/domain"
	"github.com/devflow/devflow/errs"
)

// subprocessManager runs plugins by spawning a language interpreter with the
// execution context as JSON on stdin and the envelope expected on stdout.
// NodeManager and PythonManager are configurations of it.
type subprocessManager struct {
	language domain.Language
	tool     string // interpreter binary looked up on PATH
	pathEnv  string // module-path environment variable for resolved packages
	limits   Limits
	logger   *slog.Logger

	mu       sync.Mutex
	probed   bool
	toolPath string
}

// NewNodeManager creates the JavaScript runtime manager.
func NewNodeManager(limits Limits, logger *slog.Logger) Manager {
	return newSubprocessManager(domain.LanguageNode, "node", "NODE_PATH", limits, logger)
}

// NewPythonManager creates the Python runtime manager.
func NewPythonManager(limits Limits, logger *slog.Logger) Manager {
	return newSubprocessManager(domain.LanguagePython, "python3", "PYTHONPATH", limits, logger)
}

func newSubprocessManager(lang domain.Language, tool, pathEnv string, limits Limits, logger *slog.Logger) *subprocessManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &subprocessManager{
		language: lang,
		tool:     tool,
		pathEnv:  pathEnv,
		limits:   limits.withDefaults(),
		logger:   logger,
	}
}

func (m *subprocessManager) Language() domain.Language { return m.language }

// Initialize probes for the interpreter. A missing toolchain is not an
// initialization error: validation reports it and execution fails with it.
func (m *subprocessManager) Initialize(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.probed {
		return nil
	}
	m.probed = true
	path, err := exec.LookPath(m.tool)
	if err != nil {
		m.logger.Warn("runtime toolchain not found", "language", m.language, "tool", m.tool)
		return nil
	}
	m.toolPath = path
	m.logger.Debug("runtime toolchain found", "language", m.language, "path", path)
	return nil
}

func (m *subprocessManager) Dispose() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probed = false
	m.toolPath = ""
	return nil
}

// Validate reports whether the plugin could plausibly execute: the entry
// point is readable and the interpreter is on PATH.
func (m *subprocessManager) Validate(ctx context.Context, p *domain.Plugin) (bool, error) {
	if err := m.Initialize(ctx); err != nil {
		return false, err
	}
	entry := filepath.Join(p.PluginPath(), filepath.FromSlash(p.EntryPoint()))
	if _, err := os.Stat(entry); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errs.Wrap(errs.KindFailure, "Runner.Stat", err)
	}
	if m.lookup() == "" {
		return false, nil
	}
	return true, nil
}

func (m *subprocessManager) lookup() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.toolPath
}

func (m *subprocessManager) Execute(ctx context.Context, p *domain.Plugin, input Input) (*ExecutionResult, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	toolPath := m.lookup()
	if toolPath == "" {
		return nil, errs.Failure("Runner.ToolchainMissing", "%s interpreter not found on PATH", m.tool)
	}

	entry := filepath.Join(p.PluginPath(), filepath.FromSlash(p.EntryPoint()))
	payload, err := json.Marshal(executionContext(p, input))
	if err != nil {
		return nil, errs.Wrap(errs.KindFailure, "Runner.Context", err)
	}

	var env []string
	if input.Dependencies != nil && len(input.Dependencies.LoadPaths) > 0 {
		env = append(env, m.pathEnv+"="+strings.Join(input.Dependencies.LoadPaths, string(os.PathListSeparator)))
	}

	args, ulimitKB := m.memoryCap(entry)
	res, err := runProcess(ctx, procSpec{
		path:     toolPath,
		args:     args,
		dir:      input.WorkingDirectory,
		env:      env,
		stdin:    payload,
		ulimitKB: ulimitKB,
	}, m.limits)
	if err != nil {
		return nil, errs.Wrapf(errs.KindFailure, "Runner.Exec", err, "spawn %s for plugin %s", m.tool, p.Metadata().Name)
	}
	if termErr := classifyTermination(ctx, res, p.Metadata().Name); termErr != nil {
		return partialResult(res, termErr), termErr
	}
	return parseOutput(res.stdout, res.stderr, res.exitCode, res.elapsed, res.truncated)
}

// memoryCap picks the per-runtime enforcement of the memory limit. V8
// reserves large virtual ranges up front, so node gets a heap flag instead of
// an address-space ulimit.
func (m *subprocessManager) memoryCap(entry string) (args []string, ulimitKB int) {
	if m.limits.MaxMemoryMB <= 0 {
		return []string{entry}, 0
	}
	if m.language == domain.LanguageNode {
		return []string{fmt.Sprintf("--max-old-space-size=%d", m.limits.MaxMemoryMB), entry}, 0
	}
	return []string{entry}, m.limits.MaxMemoryMB * 1024
}

// executionContext is the JSON blob handed to the plugin on stdin.
func executionContext(p *domain.Plugin, input Input) map[string]any {
	return map[string]any{
		"plugin": map[string]any{
			"name":    p.Metadata().Name,
			"version": p.Metadata().Version.String(),
		},
		"configuration":       orEmpty(input.Configuration),
		"inputData":           orAny(input.InputData),
		"executionParameters": orEmpty(input.ExecutionParameters),
		"workingDirectory":    input.WorkingDirectory,
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// orAny keeps scalar and array input data intact; only absent input collapses
// to an empty object.
func orAny(v any) any {
	if v == nil {
		return map[string]any{}
	}
	return v
}
