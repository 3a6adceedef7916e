package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// killGrace is how long a process gets between SIGTERM and SIGKILL.
const killGrace = 2 * time.Second

// capBuffer keeps at most limit bytes and flags the overflow. Writes never
// fail so the child is not killed by a broken pipe.
type capBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.truncated = true
		b.buf.Write(p[:room])
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *capBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func (b *capBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// procSpec describes one subprocess run.
type procSpec struct {
	path     string
	args     []string
	dir      string
	env      []string // appended to the parent environment
	stdin    []byte
	ulimitKB int // address-space cap applied via a shell wrapper, 0 to skip
}

// procResult is the raw outcome of a subprocess run, before envelope parsing.
type procResult struct {
	stdout    []byte
	stderr    []byte
	exitCode  int
	truncated bool
	elapsed   time.Duration
}

// runProcess executes the spec under ctx. Cancellation sends SIGTERM and
// escalates to SIGKILL after the grace period. The address-space cap is best
// effort via ulimit and silently skipped where unsupported.
func runProcess(ctx context.Context, spec procSpec, limits Limits) (*procResult, error) {
	argv := append([]string{spec.path}, spec.args...)
	if spec.ulimitKB > 0 {
		script := fmt.Sprintf("ulimit -v %d 2>/dev/null; exec \"$@\"", spec.ulimitKB)
		argv = append([]string{"sh", "-c", script, "runner"}, argv...)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = spec.dir
	cmd.Env = append(os.Environ(), spec.env...)
	if spec.stdin != nil {
		cmd.Stdin = bytes.NewReader(spec.stdin)
	}

	stdout := &capBuffer{limit: limits.MaxOutputBytes}
	stderr := &capBuffer{limit: limits.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := &procResult{
		stdout:    stdout.Bytes(),
		stderr:    stderr.Bytes(),
		truncated: stdout.Truncated() || stderr.Truncated(),
		elapsed:   elapsed,
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			res.exitCode = exitErr.ExitCode()
		case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(ctx.Err(), context.Canceled):
			// classified by the caller via ctx.Err()
			res.exitCode = -1
		default:
			return nil, err
		}
	}
	return res, nil
}

// partialResult salvages what a terminated run produced so callers can
// surface the partial logs alongside the termination error.
func partialResult(res *procResult, termErr error) *ExecutionResult {
	return &ExecutionResult{
		Success:         false,
		Error:           termErr.Error(),
		Logs:            append(tailLines(res.stdout, 100), tailLines(res.stderr, 20)...),
		ExecutionTime:   res.elapsed,
		OutputTruncated: res.truncated,
	}
}

// classifyTermination maps a terminated run onto the execution error codes.
// Returns nil when the run completed on its own.
func classifyTermination(ctx context.Context, res *procResult, pluginName string) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return errsTimeout(pluginName, res.elapsed)
	case errors.Is(ctx.Err(), context.Canceled):
		return errsCancelled(pluginName)
	case res.exitCode != 0 && looksLikeOOM(res.stderr):
		return errsMemoryLimit(pluginName)
	}
	return nil
}

// looksLikeOOM sniffs stderr for the runtime-specific out-of-memory
// signatures seen when ulimit -v trips.
func looksLikeOOM(stderr []byte) bool {
	s := strings.ToLower(string(stderr))
	return strings.Contains(s, "out of memory") ||
		strings.Contains(s, "memoryerror") ||
		strings.Contains(s, "cannot allocate memory")
}
