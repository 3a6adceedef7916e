package runner

import (
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/devflow/devflow/domain"
	"github.com/devflow/devflow/errs"
)

// executeSymbol is the entry symbol a Go plugin must export.
const executeSymbol = "plugin.Execute"

// GoManager runs Go plugins in-process under a fresh interpreter per
// execution, so no state leaks between runs and the load context is simply
// dropped on completion. Timeouts are cooperative: the interpreter goroutine
// is abandoned when the deadline fires.
type GoManager struct {
	limits Limits
	logger *slog.Logger
}

// NewGoManager creates the in-process Go runtime manager.
func NewGoManager(limits Limits, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &GoManager{limits: limits.withDefaults(), logger: logger}
}

func (m *GoManager) Language() domain.Language { return domain.LanguageGo }

func (m *GoManager) Initialize(_ context.Context) error { return nil }

func (m *GoManager) Dispose() error { return nil }

// Validate checks that the entry point is readable Go source: a syntax parse
// only, no evaluation.
func (m *GoManager) Validate(_ context.Context, p *domain.Plugin) (bool, error) {
	entry := filepath.Join(p.PluginPath(), filepath.FromSlash(p.EntryPoint()))
	src, err := os.ReadFile(entry)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errs.Wrap(errs.KindFailure, "Runner.Read", err)
	}
	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, filepath.Base(entry), src, parser.ImportsOnly); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *GoManager) Execute(ctx context.Context, p *domain.Plugin, input Input) (*ExecutionResult, error) {
	entry := filepath.Join(p.PluginPath(), filepath.FromSlash(p.EntryPoint()))
	src, err := os.ReadFile(entry)
	if err != nil {
		return nil, errs.Wrapf(errs.KindFailure, "Runner.Read", err, "read entry point of plugin %s", p.Metadata().Name)
	}

	fn, err := loadExecute(string(src))
	if err != nil {
		return nil, errs.Wrapf(errs.KindFailure, "Runner.Load", err, "load plugin %s", p.Metadata().Name)
	}

	type outcome struct {
		data map[string]any
		err  error
	}
	ch := make(chan outcome, 1)
	start := time.Now()
	go func() {
		data, err := safeInvoke(fn, executionContext(p, input))
		ch <- outcome{data, err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errsTimeout(p.Metadata().Name, time.Since(start))
		}
		return nil, errsCancelled(p.Metadata().Name)
	case out := <-ch:
		elapsed := time.Since(start)
		if out.err != nil {
			return &ExecutionResult{
				Success:       false,
				Error:         out.err.Error(),
				ExecutionTime: elapsed,
			}, nil
		}
		return resultFromMap(out.data, elapsed), nil
	}
}

// loadExecute evaluates the source in a fresh sandboxed interpreter and binds
// the entry symbol.
func loadExecute(source string) (func(map[string]any) (map[string]any, error), error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}
	if _, err := i.Eval(source); err != nil {
		return nil, fmt.Errorf("evaluate source: %w", err)
	}
	v, err := i.Eval(executeSymbol)
	if err != nil {
		return nil, fmt.Errorf("plugin does not export %s: %w", executeSymbol, err)
	}
	if fn, ok := v.Interface().(func(map[string]any) (map[string]any, error)); ok {
		return fn, nil
	}
	// Interpreted functions may match the signature without being the exact
	// Go type; fall back to a reflection adapter.
	if v.Kind() == reflect.Func {
		return makeExecuteAdapter(v), nil
	}
	return nil, fmt.Errorf("%s is not a function", executeSymbol)
}

func makeExecuteAdapter(v reflect.Value) func(map[string]any) (map[string]any, error) {
	return func(params map[string]any) (map[string]any, error) {
		results := v.Call([]reflect.Value{reflect.ValueOf(params)})
		if len(results) != 2 {
			return nil, fmt.Errorf("%s must return (map, error)", executeSymbol)
		}
		var data map[string]any
		if m, ok := results[0].Interface().(map[string]any); ok {
			data = m
		}
		if errVal := results[1].Interface(); errVal != nil {
			if err, ok := errVal.(error); ok {
				return data, err
			}
			return data, fmt.Errorf("%v", errVal)
		}
		return data, nil
	}
}

func safeInvoke(fn func(map[string]any) (map[string]any, error), params map[string]any) (data map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = fmt.Errorf("panic in %s: %v", executeSymbol, r)
		}
	}()
	return fn(params)
}

// resultFromMap interprets the returned map. A map carrying a boolean
// "success" key is treated as a full envelope; anything else is successful
// data.
func resultFromMap(data map[string]any, elapsed time.Duration) *ExecutionResult {
	if success, ok := data["success"].(bool); ok {
		res := &ExecutionResult{Success: success, Data: data["data"], ExecutionTime: elapsed}
		if msg, ok := data["message"].(string); ok {
			res.Message = msg
		}
		if errMsg, ok := data["error"].(string); ok {
			res.Error = errMsg
		}
		if logs, ok := data["logs"].([]any); ok {
			for _, l := range logs {
				if s, ok := l.(string); ok {
					res.Logs = append(res.Logs, s)
				}
			}
		}
		return res
	}
	return &ExecutionResult{Success: true, Data: data, ExecutionTime: elapsed}
}
