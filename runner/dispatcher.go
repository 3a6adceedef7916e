package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/devflow/devflow/domain"
	"github.com/devflow/devflow/errs"
	"github.com/devflow/devflow/resolver"
)

// defaultMaxConcurrent caps in-flight executions across all languages.
const defaultMaxConcurrent = 100

// Dispatcher routes validation and execution to the manager for the plugin's
// language, resolves dependencies first, and enforces the global concurrency
// cap.
type Dispatcher struct {
	managers map[domain.Language]Manager
	deps     *resolver.Resolver
	sem      *semaphore.Weighted
	limits   Limits
	workRoot string
	logger   *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxConcurrent overrides the global execution cap.
func WithMaxConcurrent(n int64) DispatcherOption {
	return func(d *Dispatcher) { d.sem = semaphore.NewWeighted(n) }
}

// WithWorkRoot sets where per-execution working directories are created.
func WithWorkRoot(dir string) DispatcherOption {
	return func(d *Dispatcher) { d.workRoot = dir }
}

// NewDispatcher creates a dispatcher over the given managers.
func NewDispatcher(managers []Manager, deps *resolver.Resolver, limits Limits, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		managers: make(map[domain.Language]Manager, len(managers)),
		deps:     deps,
		sem:      semaphore.NewWeighted(defaultMaxConcurrent),
		limits:   limits.withDefaults(),
		workRoot: os.TempDir(),
		logger:   logger,
	}
	for _, m := range managers {
		d.managers[m.Language()] = m
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Initialize brings every manager up. Safe to call more than once.
func (d *Dispatcher) Initialize(ctx context.Context) error {
	for _, m := range d.managers {
		if err := m.Initialize(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Dispose tears every manager down, attempting all of them.
func (d *Dispatcher) Dispose() error {
	var errsAll []error
	for _, m := range d.managers {
		if err := m.Dispose(); err != nil {
			errsAll = append(errsAll, err)
		}
	}
	return errors.Join(errsAll...)
}

// Validate reports whether the plugin could plausibly execute, with a
// human-readable reason when it could not.
func (d *Dispatcher) Validate(ctx context.Context, p *domain.Plugin) (bool, string, error) {
	m, ok := d.managers[p.Metadata().Language]
	if !ok {
		return false, "no runtime manager for language " + string(p.Metadata().Language), nil
	}
	ok, err := m.Validate(ctx, p)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, "entry point unreadable or toolchain missing", nil
	}
	if err := d.deps.ValidateDependencies(ctx, p); err != nil {
		if errs.IsKind(err, errs.KindValidation) {
			return false, err.Error(), nil
		}
		return false, "", err
	}
	return true, "", nil
}

// Execute runs the plugin once: resolve dependencies, stage a working
// directory, run under the deadline, and advance the plugin's execution
// counter. The caller persists the mutated aggregate.
func (d *Dispatcher) Execute(ctx context.Context, p *domain.Plugin, input Input) (*ExecutionResult, error) {
	if p.Status() != domain.PluginAvailable {
		return nil, errs.Validation("Runner.NotAvailable",
			"plugin %s is %s, not available", p.Metadata().Name, p.Status())
	}
	m, ok := d.managers[p.Metadata().Language]
	if !ok {
		return nil, errs.Failure("Runner.NoManager", "no runtime manager for language %s", p.Metadata().Language)
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, errsCancelled(p.Metadata().Name)
	}
	defer d.sem.Release(1)

	deadline := input.Deadline
	if deadline <= 0 {
		deadline = d.limits.Timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	dc, err := d.deps.Resolve(execCtx, p)
	if err != nil {
		return nil, err
	}
	input.Dependencies = dc

	if input.WorkingDirectory == "" {
		workdir, err := os.MkdirTemp(d.workRoot, "devflow-exec-*")
		if err != nil {
			return nil, errs.Wrap(errs.KindFailure, "Runner.Workdir", err)
		}
		defer os.RemoveAll(workdir)
		input.WorkingDirectory = workdir
	}

	start := time.Now()
	result, err := m.Execute(execCtx, p, input)
	if err != nil {
		d.logger.Warn("plugin execution terminated",
			"plugin", p.Metadata().Name, "error", err, "elapsed", time.Since(start))
		// A partial result carries whatever logs were captured before the
		// termination.
		return result, err
	}

	if recErr := p.RecordExecution(); recErr != nil {
		d.logger.Warn("could not record execution", "plugin", p.Metadata().Name, "error", recErr)
	}
	d.logger.Info("plugin executed",
		"plugin", p.Metadata().Name, "success", result.Success, "elapsed", result.ExecutionTime)
	return result, nil
}
