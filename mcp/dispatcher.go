package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/devflow/devflow/discovery"
	"github.com/devflow/devflow/domain"
	"github.com/devflow/devflow/errs"
	"github.com/devflow/devflow/metrics"
	"github.com/devflow/devflow/runner"
	"github.com/devflow/devflow/store"
)

// requestTimeout bounds the handling of one JSON-RPC request.
const requestTimeout = 30 * time.Second

// PluginRunner is the execution surface the dispatcher needs. Satisfied by
// the runner dispatcher.
type PluginRunner interface {
	Execute(ctx context.Context, p *domain.Plugin, input runner.Input) (*runner.ExecutionResult, error)
	Validate(ctx context.Context, p *domain.Plugin) (bool, string, error)
}

// WorkflowEngine starts and controls workflow runs.
type WorkflowEngine interface {
	Start(ctx context.Context, id domain.WorkflowID) error
	Pause(id domain.WorkflowID) error
	Resume(id domain.WorkflowID) error
	Cancel(id domain.WorkflowID) error
}

// PluginSyncer reconciles the plugin roots with the repository on demand.
type PluginSyncer interface {
	Sync(ctx context.Context) (discovery.SyncReport, error)
}

// Dispatcher routes JSON-RPC 2.0 requests to MCP method handlers. The tool
// registry is recomputed from the plugin repository on every tools/list so
// newly available plugins appear without a restart.
type Dispatcher struct {
	store   *store.Store
	runner  PluginRunner
	engine  WorkflowEngine
	syncer  PluginSyncer
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRequestTimeout overrides the per-request deadline.
func WithRequestTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// NewDispatcher creates the MCP dispatcher.
func NewDispatcher(st *store.Store, run PluginRunner, eng WorkflowEngine, sync PluginSyncer, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:   st,
		runner:  run,
		engine:  eng,
		syncer:  sync,
		logger:  logger,
		timeout: requestTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle processes one HTTP body: a single request or a batch. The returned
// bytes are the response body; nil means no response is due (all
// notifications).
func (d *Dispatcher) Handle(ctx context.Context, body []byte) []byte {
	reqs, batch, errResp := decodeBody(body)
	if errResp != nil {
		return mustMarshal(errResp)
	}

	var out []*response
	for _, req := range reqs {
		resp := d.handleOne(ctx, req)
		if resp != nil {
			out = append(out, resp)
		}
	}

	if len(out) == 0 {
		return nil
	}
	if batch {
		return mustMarshal(out)
	}
	return mustMarshal(out[0])
}

func (d *Dispatcher) handleOne(ctx context.Context, req request) *response {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return newErrorResponse(req.ID, codeInvalidRequest, "not a JSON-RPC 2.0 request")
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	result, err := d.route(reqCtx, req.Method, req.Params)
	elapsed := time.Since(start)

	if req.isNotification() {
		d.metrics.RPCHandled(req.Method, "notification", elapsed)
		return nil
	}
	if err != nil {
		code := codeFor(err)
		d.metrics.RPCHandled(req.Method, "error", elapsed)
		d.logger.Warn("request failed", "method", req.Method, "code", code, "error", err)
		return newErrorResponse(req.ID, code, err.Error())
	}
	d.metrics.RPCHandled(req.Method, "ok", elapsed)
	return newResponse(req.ID, result)
}

// route dispatches by MCP method name.
func (d *Dispatcher) route(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "initialize":
		return d.handleInitialize(), nil
	case "notifications/initialized", "ping":
		return map[string]any{}, nil
	case "tools/list":
		return d.handleToolsList(ctx)
	case "tools/call":
		return d.handleToolsCall(ctx, params)
	case "resources/list":
		return d.handleResourcesList(), nil
	case "resources/read":
		return d.handleResourcesRead(params)
	case "prompts/list":
		return d.handlePromptsList(), nil
	case "prompts/get":
		return d.handlePromptsGet(params)
	}
	return nil, errs.NotFound("Rpc.MethodNotFound", "method %q not found", method)
}

// codeFor maps error kinds onto JSON-RPC codes: unknown method is -32601,
// validation problems are invalid params, everything else is internal.
func codeFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		if errs.CodeOf(err) == "Rpc.MethodNotFound" {
			return codeMethodNotFound
		}
		return codeInternalError
	case errs.KindValidation:
		return codeInvalidParams
	default:
		return codeInternalError
	}
}

func (d *Dispatcher) handleInitialize() any {
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    ServerName,
			"version": Version,
		},
	}
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Responses are built from marshalable values only.
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"response encoding failed"}}`)
	}
	return b
}
