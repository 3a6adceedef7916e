package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/devflow/devflow/domain"
	"github.com/devflow/devflow/errs"
	"github.com/devflow/devflow/runner"
	"github.com/devflow/devflow/store"
)

// executeToolPrefix prefixes the generated per-plugin tools.
const executeToolPrefix = "execute_plugin_"

// toolHandler runs one tool call. The result is rendered as JSON text
// content; toolFailed sets the MCP isError flag without turning the call
// into a JSON-RPC error.
type toolHandler func(ctx context.Context, args map[string]any) (result any, toolFailed bool, err error)

// Tool is one entry of the tool registry.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`

	handler toolHandler
}

func (d *Dispatcher) handleToolsList(ctx context.Context) (any, error) {
	tools, err := d.toolRegistry(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tools": tools}, nil
}

// handleToolsCall resolves the named tool against a fresh registry and runs
// it. Failures inside a plugin come back as an envelope with isError set;
// a tool that cannot be dispatched at all becomes a JSON-RPC error.
func (d *Dispatcher) handleToolsCall(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, errs.Validation("Rpc.BadParams", "tools/call requires a tool name")
	}

	tools, err := d.toolRegistry(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tools {
		if t.Name != p.Name {
			continue
		}
		result, toolFailed, err := t.handler(ctx, p.Arguments)
		if err != nil {
			return nil, err
		}
		return toolResult(result, toolFailed), nil
	}
	return nil, errs.Validation("Rpc.UnknownTool", "unknown tool %q", p.Name)
}

// toolResult renders a handler result as MCP text content.
func toolResult(v any, toolFailed bool) map[string]any {
	text, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		text = []byte(fmt.Sprintf("%v", v))
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(text)}},
		"isError": toolFailed,
	}
}

// toolRegistry builds the current tool set: the fixed management tools plus
// one generated execute tool per available plugin. When two available
// plugins collapse to the same slug the later one is marked errored and
// dropped from the registry.
func (d *Dispatcher) toolRegistry(ctx context.Context) ([]Tool, error) {
	tools := d.fixedTools()

	available, err := d.store.Plugins.List(ctx, store.PluginFilter{Status: domain.PluginAvailable})
	if err != nil {
		return nil, err
	}

	bySlug := map[string]*domain.Plugin{}
	for _, p := range available {
		slug := slugify(p.Metadata().Name)
		if first, taken := bySlug[slug]; taken {
			d.markSlugConflict(ctx, p, first, slug)
			continue
		}
		bySlug[slug] = p
		tools = append(tools, d.executeTool(p, slug))
	}
	return tools, nil
}

func (d *Dispatcher) markSlugConflict(ctx context.Context, p, first *domain.Plugin, slug string) {
	p.MarkError(fmt.Sprintf("tool slug %q already taken by plugin %s@%s",
		slug, first.Metadata().Name, first.Metadata().Version))
	if err := d.store.Plugins.Update(ctx, p); err != nil {
		d.logger.Error("could not persist slug conflict",
			"plugin", p.Metadata().Name, "error", err)
	}
	d.logger.Warn("plugin tool slug conflict",
		"slug", slug, "kept", first.Metadata().Name, "errored", p.Metadata().Name)
}

// executeTool builds the generated tool for one plugin. The configuration
// schema is derived from the plugin's configuration defaults.
func (d *Dispatcher) executeTool(p *domain.Plugin, slug string) Tool {
	configProps := map[string]any{}
	for key, def := range p.Configuration() {
		configProps[key] = map[string]any{
			"type":    schemaType(def),
			"default": def,
		}
	}

	meta := p.Metadata()
	return Tool{
		Name: executeToolPrefix + slug,
		Description: fmt.Sprintf("Execute the %s plugin (v%s, %s). %s",
			meta.Name, meta.Version, meta.Language, meta.Description),
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"configuration": map[string]any{
					"type":        "object",
					"description": "Overrides for the plugin's configuration defaults.",
					"properties":  configProps,
				},
				"inputData": map[string]any{
					"description": "Input payload handed to the plugin. Any JSON value.",
				},
				"executionParameters": map[string]any{
					"type":        "object",
					"description": "Per-execution parameters, not persisted.",
				},
				"deadlineMs": map[string]any{
					"type":        "integer",
					"description": "Execution deadline in milliseconds. Defaults to the server's execution timeout.",
				},
			},
		},
		handler: func(ctx context.Context, args map[string]any) (any, bool, error) {
			return d.runPlugin(ctx, p, args)
		},
	}
}

// runPlugin executes a plugin for a generated tool call. The plugin's
// envelope is returned even when it reports failure.
func (d *Dispatcher) runPlugin(ctx context.Context, p *domain.Plugin, args map[string]any) (any, bool, error) {
	config := p.Configuration()
	for k, v := range argObject(args, "configuration") {
		config[k] = v
	}

	input := runner.Input{
		Configuration:       config,
		InputData:           args["inputData"],
		ExecutionParameters: argObject(args, "executionParameters"),
	}
	if ms, ok := argNumber(args, "deadlineMs"); ok && ms > 0 {
		input.Deadline = time.Duration(ms) * time.Millisecond
	}

	res, err := d.runner.Execute(ctx, p, input)
	if err != nil {
		if res == nil {
			return nil, false, err
		}
		// Terminated mid-run (timeout, cancellation): the partial result
		// carries whatever logs were captured before termination.
		d.metrics.PluginExecuted(p.Metadata().Name, false, res.ExecutionTime)
		return envelopeView(res), true, nil
	}

	// The runner recorded the execution on the aggregate; persist the counter.
	if err := d.store.Plugins.Update(ctx, p); err != nil {
		d.logger.Warn("could not persist execution counter",
			"plugin", p.Metadata().Name, "error", err)
	}
	d.metrics.PluginExecuted(p.Metadata().Name, res.Success, res.ExecutionTime)

	return envelopeView(res), !res.Success, nil
}

// envelopeView renders an execution result in the wire shape of the plugin
// return protocol.
func envelopeView(res *runner.ExecutionResult) map[string]any {
	out := map[string]any{
		"success":         res.Success,
		"executionTimeMs": res.ExecutionTime.Milliseconds(),
	}
	if res.Message != "" {
		out["message"] = res.Message
	}
	if res.Data != nil {
		out["data"] = res.Data
	}
	if res.Error != "" {
		out["error"] = res.Error
	}
	if len(res.Logs) > 0 {
		out["logs"] = res.Logs
	}
	if res.OutputTruncated {
		out["outputTruncated"] = true
	}
	return out
}

// fixedTools returns the management tools that exist regardless of which
// plugins are registered.
func (d *Dispatcher) fixedTools() []Tool {
	return []Tool{
		{
			Name:        "list_plugins",
			Description: "List registered plugins, optionally filtered by status, language or name.",
			InputSchema: objectSchema(map[string]any{
				"status":   stringSchema("Filter by status: registered, available, error or disabled."),
				"language": stringSchema("Filter by language: go, js or python."),
				"name":     stringSchema("Filter by exact plugin name."),
			}),
			handler: d.toolListPlugins,
		},
		{
			Name:        "get_plugin_capabilities",
			Description: "Show a plugin's capabilities, configuration defaults and dependencies.",
			InputSchema: objectSchema(map[string]any{
				"name":    stringSchema("Plugin name."),
				"version": stringSchema("Plugin version. Defaults to the highest registered version."),
			}, "name"),
			handler: d.toolGetPluginCapabilities,
		},
		{
			Name:        "validate_plugin",
			Description: "Re-validate a plugin and record the outcome.",
			InputSchema: objectSchema(map[string]any{
				"name":    stringSchema("Plugin name."),
				"version": stringSchema("Plugin version. Defaults to the highest registered version."),
			}, "name"),
			handler: d.toolValidatePlugin,
		},
		{
			Name:        "discover_plugins",
			Description: "Rescan the plugin directories and register, refresh and validate what they contain.",
			InputSchema: objectSchema(map[string]any{}),
			handler:     d.toolDiscoverPlugins,
		},
		{
			Name:        "create_workflow",
			Description: "Create a draft workflow.",
			InputSchema: objectSchema(map[string]any{
				"name":        stringSchema("Workflow name, unique across workflows."),
				"description": stringSchema("Free-form description."),
			}, "name"),
			handler: d.toolCreateWorkflow,
		},
		{
			Name:        "add_workflow_step",
			Description: "Append a step to a draft workflow. The plugin is referenced by id, or by name and optional version.",
			InputSchema: objectSchema(map[string]any{
				"workflowId":    stringSchema("Workflow id."),
				"name":          stringSchema("Step name."),
				"pluginId":      stringSchema("Plugin id. Takes precedence over pluginName."),
				"pluginName":    stringSchema("Plugin name, resolved to the highest registered version."),
				"pluginVersion": stringSchema("Plugin version, used with pluginName."),
				"order": map[string]any{
					"type":        "integer",
					"description": "Execution order. Steps run by ascending order, ties by insertion.",
				},
				"configuration": map[string]any{
					"type":        "object",
					"description": "Step configuration merged over the plugin's defaults at run time.",
				},
			}, "workflowId", "name"),
			handler: d.toolAddWorkflowStep,
		},
		{
			Name:        "start_workflow",
			Description: "Start executing a draft workflow.",
			InputSchema: workflowIDSchema(),
			handler:     d.toolStartWorkflow,
		},
		{
			Name:        "pause_workflow",
			Description: "Pause a running workflow at the next step boundary.",
			InputSchema: workflowIDSchema(),
			handler:     d.toolPauseWorkflow,
		},
		{
			Name:        "resume_workflow",
			Description: "Resume a paused workflow.",
			InputSchema: workflowIDSchema(),
			handler:     d.toolResumeWorkflow,
		},
		{
			Name:        "cancel_workflow",
			Description: "Cancel an active workflow.",
			InputSchema: workflowIDSchema(),
			handler:     d.toolCancelWorkflow,
		},
		{
			Name:        "get_workflow",
			Description: "Show a workflow with its steps, statuses and outputs.",
			InputSchema: workflowIDSchema(),
			handler:     d.toolGetWorkflow,
		},
		{
			Name:        "list_workflows",
			Description: "List workflows with paging, optionally filtered by status or a name search.",
			InputSchema: objectSchema(map[string]any{
				"page": map[string]any{
					"type":        "integer",
					"description": "1-based page number.",
				},
				"pageSize": map[string]any{
					"type":        "integer",
					"description": "Items per page, at most 100.",
				},
				"status": stringSchema("Filter by status: draft, running, paused, completed, failed or cancelled."),
				"search": stringSchema("Substring match on the workflow name."),
			}),
			handler: d.toolListWorkflows,
		},
	}
}

// Fixed tool handlers.

func (d *Dispatcher) toolListPlugins(ctx context.Context, args map[string]any) (any, bool, error) {
	filter := store.PluginFilter{
		Status:   domain.PluginStatus(argString(args, "status")),
		Language: domain.Language(argString(args, "language")),
		Name:     argString(args, "name"),
	}
	plugins, err := d.store.Plugins.List(ctx, filter)
	if err != nil {
		return nil, false, err
	}
	views := make([]pluginView, 0, len(plugins))
	for _, p := range plugins {
		views = append(views, newPluginView(p))
	}
	return map[string]any{"plugins": views, "total": len(views)}, false, nil
}

func (d *Dispatcher) toolGetPluginCapabilities(ctx context.Context, args map[string]any) (any, bool, error) {
	p, err := d.pluginByName(ctx, argString(args, "name"), argString(args, "version"))
	if err != nil {
		return nil, false, err
	}
	return map[string]any{
		"plugin":        newPluginView(p),
		"capabilities":  p.Capabilities(),
		"configuration": p.Configuration(),
		"dependencies":  dependencyViews(p.Dependencies()),
	}, false, nil
}

func (d *Dispatcher) toolValidatePlugin(ctx context.Context, args map[string]any) (any, bool, error) {
	p, err := d.pluginByName(ctx, argString(args, "name"), argString(args, "version"))
	if err != nil {
		return nil, false, err
	}
	ok, reason, err := d.runner.Validate(ctx, p)
	if err != nil {
		return nil, false, err
	}
	if err := p.RecordValidation(ok, reason); err != nil {
		return nil, false, err
	}
	if err := d.store.Plugins.Update(ctx, p); err != nil {
		return nil, false, err
	}
	result := map[string]any{
		"valid":  ok,
		"status": string(p.Status()),
	}
	if reason != "" {
		result["message"] = reason
	}
	return result, !ok, nil
}

func (d *Dispatcher) toolDiscoverPlugins(ctx context.Context, _ map[string]any) (any, bool, error) {
	report, err := d.syncer.Sync(ctx)
	if err != nil {
		return nil, false, err
	}
	return report, false, nil
}

func (d *Dispatcher) toolCreateWorkflow(ctx context.Context, args map[string]any) (any, bool, error) {
	w, err := domain.NewWorkflow(argString(args, "name"), argString(args, "description"))
	if err != nil {
		return nil, false, err
	}
	taken, err := d.store.Workflows.ExistsWithName(ctx, w.Name(), domain.WorkflowID{})
	if err != nil {
		return nil, false, err
	}
	if taken {
		return nil, false, errs.Conflict("Workflow.NameTaken", "a workflow named %q already exists", w.Name())
	}
	if err := d.store.Workflows.Add(ctx, w); err != nil {
		return nil, false, err
	}
	return workflowView(w), false, nil
}

func (d *Dispatcher) toolAddWorkflowStep(ctx context.Context, args map[string]any) (any, bool, error) {
	w, err := d.workflowByID(ctx, args)
	if err != nil {
		return nil, false, err
	}
	pluginID, err := d.resolveStepPlugin(ctx, args)
	if err != nil {
		return nil, false, err
	}
	order := 0
	if n, ok := argNumber(args, "order"); ok {
		order = int(n)
	}
	step, err := w.AddStep(argString(args, "name"), pluginID, order, argObject(args, "configuration"))
	if err != nil {
		return nil, false, err
	}
	if err := d.store.Workflows.Update(ctx, w); err != nil {
		return nil, false, err
	}
	return stepView(step), false, nil
}

func (d *Dispatcher) toolStartWorkflow(ctx context.Context, args map[string]any) (any, bool, error) {
	return d.controlWorkflow(args, "running", func(id domain.WorkflowID) error {
		return d.engine.Start(ctx, id)
	})
}

func (d *Dispatcher) toolPauseWorkflow(_ context.Context, args map[string]any) (any, bool, error) {
	return d.controlWorkflow(args, "pausing", d.engine.Pause)
}

func (d *Dispatcher) toolResumeWorkflow(_ context.Context, args map[string]any) (any, bool, error) {
	return d.controlWorkflow(args, "running", d.engine.Resume)
}

func (d *Dispatcher) toolCancelWorkflow(_ context.Context, args map[string]any) (any, bool, error) {
	return d.controlWorkflow(args, "cancelling", d.engine.Cancel)
}

func (d *Dispatcher) controlWorkflow(args map[string]any, state string, op func(domain.WorkflowID) error) (any, bool, error) {
	id, err := domain.ParseWorkflowID(argString(args, "workflowId"))
	if err != nil {
		return nil, false, err
	}
	if err := op(id); err != nil {
		return nil, false, err
	}
	return map[string]any{"workflowId": id.String(), "state": state}, false, nil
}

func (d *Dispatcher) toolGetWorkflow(ctx context.Context, args map[string]any) (any, bool, error) {
	w, err := d.workflowByID(ctx, args)
	if err != nil {
		return nil, false, err
	}
	steps := w.Steps()
	stepViews := make([]map[string]any, 0, len(steps))
	for _, s := range steps {
		stepViews = append(stepViews, stepView(s))
	}
	view := workflowView(w)
	view["steps"] = stepViews
	return view, false, nil
}

func (d *Dispatcher) toolListWorkflows(ctx context.Context, args map[string]any) (any, bool, error) {
	page, pageSize := 1, 20
	if n, ok := argNumber(args, "page"); ok {
		page = int(n)
	}
	if n, ok := argNumber(args, "pageSize"); ok {
		pageSize = int(n)
	}
	result, err := d.store.Workflows.List(ctx, page, pageSize,
		domain.WorkflowStatus(argString(args, "status")), argString(args, "search"))
	if err != nil {
		return nil, false, err
	}
	return result, false, nil
}

// Lookup helpers.

// pluginByName resolves name plus optional version; an empty version picks
// the highest registered version.
func (d *Dispatcher) pluginByName(ctx context.Context, name, version string) (*domain.Plugin, error) {
	if name == "" {
		return nil, errs.Validation("Rpc.BadParams", "plugin name is required")
	}
	if version != "" {
		return d.store.Plugins.GetByName(ctx, name, version)
	}
	candidates, err := d.store.Plugins.List(ctx, store.PluginFilter{Name: name})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, errs.NotFound("Plugin.NotFound", "no plugin named %q", name)
	}
	best := candidates[0]
	for _, p := range candidates[1:] {
		if p.Metadata().Version.Compare(best.Metadata().Version) > 0 {
			best = p
		}
	}
	return best, nil
}

func (d *Dispatcher) workflowByID(ctx context.Context, args map[string]any) (*domain.Workflow, error) {
	id, err := domain.ParseWorkflowID(argString(args, "workflowId"))
	if err != nil {
		return nil, err
	}
	return d.store.Workflows.Get(ctx, id)
}

func (d *Dispatcher) resolveStepPlugin(ctx context.Context, args map[string]any) (domain.PluginID, error) {
	if raw := argString(args, "pluginId"); raw != "" {
		id, err := domain.ParsePluginID(raw)
		if err != nil {
			return domain.PluginID{}, err
		}
		if _, err := d.store.Plugins.Get(ctx, id); err != nil {
			return domain.PluginID{}, err
		}
		return id, nil
	}
	name := argString(args, "pluginName")
	if name == "" {
		return domain.PluginID{}, errs.Validation("Rpc.BadParams", "add_workflow_step requires pluginId or pluginName")
	}
	p, err := d.pluginByName(ctx, name, argString(args, "pluginVersion"))
	if err != nil {
		return domain.PluginID{}, err
	}
	return p.ID(), nil
}

// Views.

type pluginView struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	Description     string   `json:"description,omitempty"`
	Language        string   `json:"language"`
	Status          string   `json:"status"`
	Capabilities    []string `json:"capabilities,omitempty"`
	ExecutionCount  int64    `json:"executionCount"`
	ErrorMessage    string   `json:"errorMessage,omitempty"`
	LastValidatedAt string   `json:"lastValidatedAt,omitempty"`
	LastExecutedAt  string   `json:"lastExecutedAt,omitempty"`
}

func newPluginView(p *domain.Plugin) pluginView {
	meta := p.Metadata()
	v := pluginView{
		ID:             p.ID().String(),
		Name:           meta.Name,
		Version:        meta.Version.String(),
		Description:    meta.Description,
		Language:       string(meta.Language),
		Status:         string(p.Status()),
		Capabilities:   p.Capabilities(),
		ExecutionCount: p.ExecutionCount(),
		ErrorMessage:   p.ErrorMessage(),
	}
	if t := p.LastValidatedAt(); t != nil {
		v.LastValidatedAt = t.Format(time.RFC3339)
	}
	if t := p.LastExecutedAt(); t != nil {
		v.LastExecutedAt = t.Format(time.RFC3339)
	}
	return v
}

func dependencyViews(deps []domain.Dependency) []map[string]any {
	out := make([]map[string]any, 0, len(deps))
	for _, dep := range deps {
		out = append(out, map[string]any{
			"name":    dep.Name,
			"version": dep.Version,
			"type":    string(dep.Type),
		})
	}
	return out
}

func workflowView(w *domain.Workflow) map[string]any {
	view := map[string]any{
		"id":          w.ID().String(),
		"name":        w.Name(),
		"description": w.Description(),
		"status":      string(w.Status()),
		"stepCount":   len(w.Steps()),
		"createdAt":   w.CreatedAt().Format(time.RFC3339),
		"updatedAt":   w.UpdatedAt().Format(time.RFC3339),
	}
	if t := w.StartedAt(); t != nil {
		view["startedAt"] = t.Format(time.RFC3339)
	}
	if t := w.CompletedAt(); t != nil {
		view["completedAt"] = t.Format(time.RFC3339)
	}
	if msg := w.ErrorMessage(); msg != "" {
		view["errorMessage"] = msg
	}
	return view
}

func stepView(s *domain.WorkflowStep) map[string]any {
	view := map[string]any{
		"id":       s.ID().String(),
		"name":     s.Name(),
		"pluginId": s.PluginID().String(),
		"order":    s.Order(),
		"status":   string(s.Status()),
	}
	if t := s.StartedAt(); t != nil {
		view["startedAt"] = t.Format(time.RFC3339)
	}
	if t := s.CompletedAt(); t != nil {
		view["completedAt"] = t.Format(time.RFC3339)
	}
	if msg := s.ErrorMessage(); msg != "" {
		view["errorMessage"] = msg
	}
	if out := s.Output(); out != "" {
		view["output"] = json.RawMessage(out)
	}
	return view
}

// Argument helpers. Tool arguments arrive as loosely typed JSON; missing or
// mistyped values fall back to zero values so handlers can validate.

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func argNumber(args map[string]any, key string) (float64, bool) {
	n, ok := args[key].(float64)
	return n, ok
}

func argObject(args map[string]any, key string) map[string]any {
	m, _ := args[key].(map[string]any)
	return m
}

// Schema helpers.

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringSchema(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func workflowIDSchema() map[string]any {
	return objectSchema(map[string]any{
		"workflowId": stringSchema("Workflow id."),
	}, "workflowId")
}

// slugify collapses a plugin name to a tool-name-safe slug: lower case with
// everything outside [a-z0-9] dropped.
func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// schemaType maps a configuration default onto a JSON Schema type name.
func schemaType(v any) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "string"
	}
}
