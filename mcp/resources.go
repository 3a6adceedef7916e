package mcp

import (
	"encoding/json"

	"github.com/devflow/devflow/errs"
)

// resource is one static documentation resource.
type resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MIMEType    string `json:"mimeType"`

	text string
}

func (d *Dispatcher) resources() []resource {
	return []resource{
		{
			URI:         "devflow://docs/overview",
			Name:        "DevFlow Overview",
			Description: "What the server does: plugins, workflows, and how they fit together.",
			MIMEType:    "text/markdown",
			text:        docsOverview,
		},
		{
			URI:         "devflow://docs/plugin-manifest",
			Name:        "Plugin Manifest Reference",
			Description: "The plugin.json manifest format and the stdin/stdout execution protocol.",
			MIMEType:    "text/markdown",
			text:        docsPluginManifest,
		},
		{
			URI:         "devflow://docs/workflows",
			Name:        "Workflow Guide",
			Description: "Workflow lifecycle, step chaining, conditions and output transforms.",
			MIMEType:    "text/markdown",
			text:        docsWorkflows,
		},
	}
}

func (d *Dispatcher) handleResourcesList() any {
	return map[string]any{"resources": d.resources()}
}

func (d *Dispatcher) handleResourcesRead(params json.RawMessage) (any, error) {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.URI == "" {
		return nil, errs.Validation("Rpc.BadParams", "resources/read requires a uri")
	}
	for _, r := range d.resources() {
		if r.URI != p.URI {
			continue
		}
		return map[string]any{
			"contents": []map[string]any{{
				"uri":      r.URI,
				"mimeType": r.MIMEType,
				"text":     r.text,
			}},
		}, nil
	}
	return nil, errs.NotFound("Rpc.ResourceNotFound", "resource %q not found", p.URI)
}

// prompt is one reusable prompt template.
type prompt struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	text string
}

func (d *Dispatcher) prompts() []prompt {
	return []prompt{
		{
			Name:        "author_plugin",
			Description: "Walk through writing a new DevFlow plugin in Go, JavaScript or Python.",
			text: "Write a DevFlow plugin. Start from the devflow://docs/plugin-manifest resource: " +
				"create a plugin.json manifest with name, version, language and entryPoint, then an entry " +
				"point that reads the execution context JSON from stdin and prints a result envelope " +
				"({\"success\": true, \"data\": {...}}) to stdout. Register it with the discover_plugins " +
				"tool and verify it with validate_plugin.",
		},
		{
			Name:        "build_workflow",
			Description: "Compose registered plugins into a workflow and run it.",
			text: "Build a workflow from the registered plugins. Use list_plugins to see what is " +
				"available, create_workflow to make a draft, add_workflow_step once per step with an " +
				"ascending order value, then start_workflow. Watch progress with get_workflow; each " +
				"step's output feeds the next step's inputData.",
		},
	}
}

func (d *Dispatcher) handlePromptsList() any {
	return map[string]any{"prompts": d.prompts()}
}

func (d *Dispatcher) handlePromptsGet(params json.RawMessage) (any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, errs.Validation("Rpc.BadParams", "prompts/get requires a name")
	}
	for _, pr := range d.prompts() {
		if pr.Name != p.Name {
			continue
		}
		return map[string]any{
			"description": pr.Description,
			"messages": []map[string]any{{
				"role": "user",
				"content": map[string]any{
					"type": "text",
					"text": pr.text,
				},
			}},
		}, nil
	}
	return nil, errs.NotFound("Rpc.PromptNotFound", "prompt %q not found", p.Name)
}

// docsOverview is the top-level documentation resource.
const docsOverview = `# DevFlow Overview

DevFlow is a workflow automation server for development tooling. It discovers
plugins on disk, validates them, and exposes each executable plugin as an MCP
tool. Plugins can be composed into workflows that run as sequential state
machines with output chaining.

## Key Concepts

### Plugins
A plugin is a directory with a ` + "`plugin.json`" + ` manifest and an entry point.
Three languages are supported:

- **go** - Go source, interpreted in-process
- **js** - JavaScript, run under ` + "`node`" + `
- **python** - Python, run under ` + "`python3`" + `

A plugin moves through statuses: ` + "`registered`" + ` (discovered), ` + "`available`" + `
(validated, executable), ` + "`error`" + ` (validation failed), ` + "`disabled`" + `.

### Dependencies
Plugins declare dependencies in the manifest: language packages fetched from
a registry and cached by content, references to other plugins, or files
inside the plugin directory.

### Workflows
A workflow is a named sequence of steps, each bound to a plugin. Workflows
are built in ` + "`draft`" + `, then started; the engine runs the steps in order,
feeding each step's output into the next step's input. Running workflows can
be paused at step boundaries, resumed, or cancelled.

### Tools
The fixed tools manage plugins and workflows. In addition, every available
plugin gets a generated ` + "`execute_plugin_<name>`" + ` tool, so newly discovered
plugins become callable without a restart.

## Typical Session

1. ` + "`discover_plugins`" + ` - scan the plugin directories
2. ` + "`list_plugins`" + ` - see what was registered and validated
3. ` + "`execute_plugin_<name>`" + ` - run one plugin directly, or
4. ` + "`create_workflow`" + ` / ` + "`add_workflow_step`" + ` / ` + "`start_workflow`" + ` - compose and run
5. ` + "`get_workflow`" + ` - inspect step statuses and outputs
`

// docsPluginManifest documents the manifest format and execution protocol.
const docsPluginManifest = `# Plugin Manifest Reference

## plugin.json

Every plugin directory contains a ` + "`plugin.json`" + ` manifest:

` + "```json" + `
{
  "name": "code-formatter",
  "version": "1.2.0",
  "description": "Formats source files",
  "language": "python",
  "entryPoint": "main.py",
  "capabilities": ["format", "lint"],
  "configuration": {
    "lineLength": 100,
    "strict": false
  },
  "dependencies": [
    {"name": "pkg-p:black", "version": "^24.0.0", "type": "package"},
    {"name": "plugin:code-parser", "version": "^1.0.0", "type": "plugin"},
    {"name": "file:rules/default.toml", "type": "file"}
  ]
}
` + "```" + `

- ` + "`name`" + `, ` + "`version`" + ` (semantic version) and ` + "`language`" + ` (go, js, python) are required.
- ` + "`entryPoint`" + ` is a relative path inside the plugin directory.
- ` + "`configuration`" + ` holds defaults; callers can override per execution.
- Package dependencies use a scheme matching the language: ` + "`pkg-m:`" + ` for go,
  ` + "`pkg-s:`" + ` for js, ` + "`pkg-p:`" + ` for python.

## Execution Protocol

Node and Python plugins receive one JSON document on stdin:

` + "```json" + `
{
  "plugin": {"name": "code-formatter", "version": "1.2.0"},
  "configuration": {"lineLength": 100},
  "inputData": {"path": "src/main.py"},
  "executionParameters": {},
  "workingDirectory": "/tmp/devflow-exec-123"
}
` + "```" + `

The plugin prints a result envelope to stdout as its last JSON line:

` + "```json" + `
{"success": true, "message": "formatted 3 files", "data": {"changed": 3}}
` + "```" + `

- ` + "`success`" + ` is required. ` + "`message`" + `, ` + "`data`" + `, ` + "`error`" + ` and ` + "`logs`" + ` are optional.
- Anything printed before the envelope is captured as logs.
- Exiting non-zero without an envelope reports the stderr tail as the error.

Go plugins instead export ` + "`Execute(input map[string]any) (map[string]any, error)`" + `
in package ` + "`plugin`" + `; the returned map may carry the same envelope keys.

## Limits

Executions run under a deadline (default 30s), a memory cap (default 256 MiB)
and an output cap. Exceeding them fails the execution with a timeout or
memory-limit error.
`

// docsWorkflows documents the workflow lifecycle.
const docsWorkflows = `# Workflow Guide

## Lifecycle

` + "```" + `
draft -> running -> completed
              \\-> failed
running <-> paused
draft/running/paused -> cancelled
` + "```" + `

Steps are added while the workflow is a draft. Once started, the step list is
frozen and the engine runs the steps by ascending order value (ties keep
insertion order).

## Output Chaining

Each step's output becomes the next step's ` + "`inputData`" + `. An object output
passes through as-is; any other value is wrapped as ` + "`{\"value\": ...}`" + `.

## Step Configuration

A step's configuration is merged over its plugin's defaults at run time. Two
keys are interpreted by the engine itself:

- ` + "`condition`" + ` - a boolean expression over ` + "`input`" + `; when false the step is
  skipped and the previous output flows onward. Example:
  ` + "`input.count > 0 && input.kind == \"full\"`" + `
- ` + "`outputTransform`" + ` - a jq expression applied to the step's output before
  chaining. Example: ` + "`{files: .data.changed}`" + `

## Failure, Pause and Cancel

A failing step fails the workflow; later steps stay pending. Pause takes
effect at the next step boundary; resume continues with the step that was due
next. Cancel interrupts the running step and marks the workflow cancelled.

## A Completed Workflow

` + "```json" + `
{
  "name": "format-and-test",
  "status": "completed",
  "steps": [
    {"name": "format", "order": 1, "status": "completed"},
    {"name": "test", "order": 2, "status": "completed"}
  ]
}
` + "```" + `
`
