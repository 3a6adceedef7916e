// Package runner validates and executes plugins through per-language runtime
// managers behind a composite dispatcher.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/devflow/devflow/domain"
	"github.com/devflow/devflow/errs"
	"github.com/devflow/devflow/resolver"
)

// Error codes surfaced to callers when an execution is terminated rather
// than completed.
const (
	CodeTimeout     = "Plugin.Timeout"
	CodeMemoryLimit = "Plugin.MemoryLimit"
	CodeCancelled   = "Plugin.Cancelled"
)

// Limits bounds a single plugin execution.
type Limits struct {
	Timeout        time.Duration // wall clock, default 30s
	MaxMemoryMB    int           // best-effort address-space cap, default 256
	MaxOutputBytes int           // stdout/stderr cap each, default 1 MiB
}

// DefaultLimits returns the production defaults.
func DefaultLimits() Limits {
	return Limits{
		Timeout:        30 * time.Second,
		MaxMemoryMB:    256,
		MaxOutputBytes: 1 << 20,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.Timeout <= 0 {
		l.Timeout = d.Timeout
	}
	if l.MaxMemoryMB <= 0 {
		l.MaxMemoryMB = d.MaxMemoryMB
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = d.MaxOutputBytes
	}
	return l
}

// Input carries everything a manager needs for one execution. InputData is
// any JSON value: object, array, string, number, boolean or null.
type Input struct {
	Configuration       map[string]any
	InputData           any
	ExecutionParameters map[string]any
	WorkingDirectory    string
	Deadline            time.Duration // zero means the global default

	// Dependencies is populated by the dispatcher before the manager runs.
	Dependencies *resolver.DependencyContext
}

// ExecutionResult is the structured outcome of one plugin execution. It
// mirrors the envelope a plugin prints on stdout.
type ExecutionResult struct {
	Success         bool
	Message         string
	Data            any
	Error           string
	Logs            []string
	ExecutionTime   time.Duration
	OutputTruncated bool
}

// Manager validates and executes plugins of one language. Initialize and
// Dispose are idempotent.
type Manager interface {
	Language() domain.Language
	Initialize(ctx context.Context) error
	Dispose() error
	Validate(ctx context.Context, p *domain.Plugin) (bool, error)
	Execute(ctx context.Context, p *domain.Plugin, input Input) (*ExecutionResult, error)
}

func errsTimeout(name string, elapsed time.Duration) error {
	return errs.Failure(CodeTimeout, "plugin %s exceeded its deadline after %s", name, elapsed.Round(time.Millisecond))
}

func errsCancelled(name string) error {
	return errs.Failure(CodeCancelled, "plugin %s execution cancelled", name)
}

func errsMemoryLimit(name string) error {
	return errs.Failure(CodeMemoryLimit, "plugin %s exceeded its memory cap", name)
}

// envelope is the plugin return protocol: one JSON object on stdout.
type envelope struct {
	Success         *bool    `json:"success"`
	Message         string   `json:"message"`
	Data            any      `json:"data"`
	Error           string   `json:"error"`
	Logs            []string `json:"logs"`
	ExecutionTimeMs *float64 `json:"executionTimeMs"`
}

// parseOutput interprets captured stdout/stderr per the plugin return
// protocol. Exactly one JSON-object line is the envelope (the last one wins);
// every other stdout line becomes a log line. With no envelope, a zero exit
// is a protocol failure and a non-zero exit synthesises a failed result from
// the stderr tail.
func parseOutput(stdout, stderr []byte, exitCode int, elapsed time.Duration, truncated bool) (*ExecutionResult, error) {
	var env *envelope
	var logs []string

	for _, line := range bytes.Split(stdout, []byte("\n")) {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		if trimmed[0] == '{' {
			var e envelope
			if err := json.Unmarshal(trimmed, &e); err == nil && e.Success != nil {
				if env != nil {
					logs = append(logs, envelopeLine(env))
				}
				env = &e
				continue
			}
		}
		logs = append(logs, string(trimmed))
	}

	if env == nil {
		if exitCode == 0 {
			return nil, errs.Failure("Plugin.BadEnvelope",
				"plugin exited 0 without a result envelope; stdout tail: %s", tail(stdout, 512))
		}
		return &ExecutionResult{
			Success:         false,
			Error:           "plugin exited with code " + strconv.Itoa(exitCode),
			Logs:            append(logs, tailLines(stderr, 20)...),
			ExecutionTime:   elapsed,
			OutputTruncated: truncated,
		}, nil
	}

	res := &ExecutionResult{
		Success:         *env.Success,
		Message:         env.Message,
		Data:            env.Data,
		Error:           env.Error,
		Logs:            append(logs, env.Logs...),
		ExecutionTime:   elapsed,
		OutputTruncated: truncated,
	}
	if env.ExecutionTimeMs != nil {
		res.ExecutionTime = time.Duration(*env.ExecutionTimeMs * float64(time.Millisecond))
	}
	return res, nil
}

func envelopeLine(e *envelope) string {
	b, err := json.Marshal(e)
	if err != nil {
		return "unreadable envelope"
	}
	return string(b)
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}

func tailLines(b []byte, n int) []string {
	var out []string
	for _, line := range bytes.Split(b, []byte("\n")) {
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			out = append(out, string(trimmed))
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}
