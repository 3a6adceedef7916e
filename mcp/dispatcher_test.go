package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devflow/devflow/discovery"
	"github.com/devflow/devflow/domain"
	"github.com/devflow/devflow/errs"
	"github.com/devflow/devflow/eventbus"
	"github.com/devflow/devflow/metrics"
	"github.com/devflow/devflow/runner"
	"github.com/devflow/devflow/store"
)

// fakeRunner returns canned execution results (and errors) per plugin name
// and records the inputs it was handed.
type fakeRunner struct {
	mu       sync.Mutex
	results  map[string]*runner.ExecutionResult
	execErrs map[string]error
	valid    bool
	reason   string
	executed []string
	inputs   []runner.Input
}

func (f *fakeRunner) Execute(_ context.Context, p *domain.Plugin, in runner.Input) (*runner.ExecutionResult, error) {
	f.mu.Lock()
	f.executed = append(f.executed, p.Metadata().Name)
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	if err := f.execErrs[p.Metadata().Name]; err != nil {
		return f.results[p.Metadata().Name], err
	}
	_ = p.RecordExecution()
	if res := f.results[p.Metadata().Name]; res != nil {
		return res, nil
	}
	return &runner.ExecutionResult{Success: true, Message: "done", ExecutionTime: 5 * time.Millisecond}, nil
}

func (f *fakeRunner) lastInput(t *testing.T) runner.Input {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inputs) == 0 {
		t.Fatal("no executions recorded")
	}
	return f.inputs[len(f.inputs)-1]
}

func (f *fakeRunner) Validate(context.Context, *domain.Plugin) (bool, string, error) {
	return f.valid, f.reason, nil
}

// fakeEngine records control calls.
type fakeEngine struct {
	mu      sync.Mutex
	started []domain.WorkflowID
	paused  []domain.WorkflowID
}

func (f *fakeEngine) Start(_ context.Context, id domain.WorkflowID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeEngine) Pause(id domain.WorkflowID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, id)
	return nil
}

func (f *fakeEngine) Resume(domain.WorkflowID) error { return nil }
func (f *fakeEngine) Cancel(domain.WorkflowID) error { return nil }

type fakeSyncer struct {
	report discovery.SyncReport
	err    error
}

func (f *fakeSyncer) Sync(context.Context) (discovery.SyncReport, error) {
	return f.report, f.err
}

type testHarness struct {
	dispatcher *Dispatcher
	store      *store.Store
	runner     *fakeRunner
	engine     *fakeEngine
	syncer     *fakeSyncer
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	s, err := store.Open(":memory:", eventbus.NewBus(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	h := &testHarness{
		store:  s,
		runner: &fakeRunner{valid: true, results: map[string]*runner.ExecutionResult{}, execErrs: map[string]error{}},
		engine: &fakeEngine{},
		syncer: &fakeSyncer{report: discovery.SyncReport{Discovered: 2, Registered: 2}},
	}
	h.dispatcher = NewDispatcher(s, h.runner, h.engine, h.syncer, nil)
	return h
}

func (h *testHarness) addAvailablePlugin(t *testing.T, name, version string) *domain.Plugin {
	t.Helper()
	md, err := domain.NewPluginMetadata(name, version, "test plugin", "python")
	if err != nil {
		t.Fatal(err)
	}
	p, err := domain.NewPlugin(md, "main.py", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.RecordValidation(true, ""); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Plugins.Add(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	return p
}

// call sends one request and decodes the single response.
func (h *testHarness) call(t *testing.T, method string, params any) *response {
	t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	out := h.dispatcher.Handle(context.Background(), body)
	if out == nil {
		t.Fatalf("no response for %s", method)
	}
	var resp response
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("bad response for %s: %v", method, err)
	}
	return &resp
}

// callTool invokes tools/call and returns the decoded text content plus the
// isError flag.
func (h *testHarness) callTool(t *testing.T, name string, args map[string]any) (map[string]any, bool) {
	t.Helper()
	resp := h.call(t, "tools/call", map[string]any{"name": name, "arguments": args})
	if resp.Error != nil {
		t.Fatalf("tool %s failed: %d %s", name, resp.Error.Code, resp.Error.Message)
	}
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	raw, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("unexpected content shape: %+v", result.Content)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].Text), &payload); err != nil {
		t.Fatalf("content is not JSON: %v\n%s", err, result.Content[0].Text)
	}
	return payload, result.IsError
}

func TestInitialize(t *testing.T) {
	h := newHarness(t)
	resp := h.call(t, "initialize", nil)
	if resp.Error != nil {
		t.Fatalf("initialize failed: %v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	if result["protocolVersion"] != ProtocolVersion {
		t.Fatalf("protocolVersion = %v", result["protocolVersion"])
	}
	info := result["serverInfo"].(map[string]any)
	if info["name"] != ServerName {
		t.Fatalf("server name = %v", info["name"])
	}
}

func TestUnknownMethod(t *testing.T) {
	h := newHarness(t)
	resp := h.call(t, "tools/destroy", nil)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected %d, got %+v", codeMethodNotFound, resp.Error)
	}
}

func TestMalformedBodyIsParseError(t *testing.T) {
	h := newHarness(t)
	for _, body := range []string{"", "{not json", "[]"} {
		out := h.dispatcher.Handle(context.Background(), []byte(body))
		var resp response
		if err := json.Unmarshal(out, &resp); err != nil {
			t.Fatalf("body %q: %v", body, err)
		}
		if resp.Error == nil || resp.Error.Code != codeParseError {
			t.Fatalf("body %q: expected %d, got %+v", body, codeParseError, resp.Error)
		}
	}
}

func TestBatchKeepsOrderAndDropsNotifications(t *testing.T) {
	h := newHarness(t)
	body := `[
		{"jsonrpc":"2.0","id":"a","method":"initialize"},
		{"jsonrpc":"2.0","method":"notifications/initialized"},
		{"jsonrpc":"2.0","id":"b","method":"no/such/method"},
		{"bogus":true}
	]`
	out := h.dispatcher.Handle(context.Background(), []byte(body))
	var resps []response
	if err := json.Unmarshal(out, &resps); err != nil {
		t.Fatal(err)
	}
	if len(resps) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(resps))
	}
	if string(resps[0].ID) != `"a"` || resps[0].Error != nil {
		t.Fatalf("first response: %+v", resps[0])
	}
	if string(resps[1].ID) != `"b"` || resps[1].Error == nil || resps[1].Error.Code != codeMethodNotFound {
		t.Fatalf("second response: %+v", resps[1])
	}
	if string(resps[2].ID) != "null" || resps[2].Error == nil || resps[2].Error.Code != codeInvalidRequest {
		t.Fatalf("third response: %+v", resps[2])
	}
}

func TestNotificationGetsNoResponse(t *testing.T) {
	h := newHarness(t)
	out := h.dispatcher.Handle(context.Background(),
		[]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if out != nil {
		t.Fatalf("expected no response, got %s", out)
	}
}

func TestToolsListIncludesGeneratedTools(t *testing.T) {
	h := newHarness(t)
	h.addAvailablePlugin(t, "Code Formatter", "1.0.0")

	resp := h.call(t, "tools/list", nil)
	if resp.Error != nil {
		t.Fatal(resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}

	names := map[string]bool{}
	for _, tool := range result.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"list_plugins", "discover_plugins", "create_workflow", "execute_plugin_codeformatter"} {
		if !names[want] {
			t.Fatalf("missing tool %q in %v", want, names)
		}
	}
}

func TestToolsCallUnknownTool(t *testing.T) {
	h := newHarness(t)
	resp := h.call(t, "tools/call", map[string]any{"name": "no_such_tool"})
	if resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("expected %d, got %+v", codeInvalidParams, resp.Error)
	}
}

func TestExecutePluginReturnsEnvelope(t *testing.T) {
	h := newHarness(t)
	h.addAvailablePlugin(t, "formatter", "1.0.0")
	h.runner.results["formatter"] = &runner.ExecutionResult{
		Success:       true,
		Data:          map[string]any{"changed": float64(3)},
		Logs:          []string{"formatting"},
		ExecutionTime: 12 * time.Millisecond,
	}

	payload, isError := h.callTool(t, "execute_plugin_formatter", map[string]any{
		"inputData": map[string]any{"path": "main.py"},
	})
	if isError {
		t.Fatal("successful execution flagged as error")
	}
	if payload["success"] != true {
		t.Fatalf("envelope = %v", payload)
	}
	data := payload["data"].(map[string]any)
	if data["changed"] != float64(3) {
		t.Fatalf("data = %v", data)
	}

	// The execution counter survives the call.
	p, err := h.store.Plugins.GetByName(context.Background(), "formatter", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if p.ExecutionCount() != 1 {
		t.Fatalf("execution count = %d", p.ExecutionCount())
	}
}

func TestExecutePluginScalarInputPassesThrough(t *testing.T) {
	h := newHarness(t)
	h.addAvailablePlugin(t, "greeter", "1.0.0")

	if _, isError := h.callTool(t, "execute_plugin_greeter", map[string]any{
		"inputData": "World",
	}); isError {
		t.Fatal("scalar input flagged as error")
	}
	if got := h.runner.lastInput(t).InputData; got != "World" {
		t.Fatalf("input data = %#v, want the scalar untouched", got)
	}

	if _, isError := h.callTool(t, "execute_plugin_greeter", map[string]any{
		"inputData": []any{"a", "b"},
	}); isError {
		t.Fatal("array input flagged as error")
	}
	arr, ok := h.runner.lastInput(t).InputData.([]any)
	if !ok || len(arr) != 2 || arr[0] != "a" {
		t.Fatalf("input data = %#v, want the array untouched", h.runner.lastInput(t).InputData)
	}
}

func TestTimedOutPluginKeepsPartialLogs(t *testing.T) {
	h := newHarness(t)
	h.addAvailablePlugin(t, "slow", "1.0.0")
	h.runner.results["slow"] = &runner.ExecutionResult{
		Success:       false,
		Error:         "Plugin.Timeout: plugin slow exceeded its deadline after 30s",
		Logs:          []string{"halfway through"},
		ExecutionTime: 30 * time.Second,
	}
	h.runner.execErrs["slow"] = errs.Failure("Plugin.Timeout", "plugin slow exceeded its deadline after 30s")

	payload, isError := h.callTool(t, "execute_plugin_slow", nil)
	if !isError {
		t.Fatal("timed-out execution not flagged")
	}
	logs, ok := payload["logs"].([]any)
	if !ok || len(logs) != 1 || logs[0] != "halfway through" {
		t.Fatalf("envelope = %v, want the partial logs", payload)
	}
	if !strings.Contains(payload["error"].(string), "deadline") {
		t.Fatalf("error = %v", payload["error"])
	}
}

func TestFailedPluginEnvelopeIsNotRPCError(t *testing.T) {
	h := newHarness(t)
	h.addAvailablePlugin(t, "flaky", "1.0.0")
	h.runner.results["flaky"] = &runner.ExecutionResult{
		Success: false,
		Error:   "validation failed on line 3",
	}

	payload, isError := h.callTool(t, "execute_plugin_flaky", nil)
	if !isError {
		t.Fatal("failed execution not flagged")
	}
	if payload["success"] != false || payload["error"] != "validation failed on line 3" {
		t.Fatalf("envelope = %v", payload)
	}
}

func TestDiscoverPluginsReportsSync(t *testing.T) {
	h := newHarness(t)
	payload, isError := h.callTool(t, "discover_plugins", nil)
	if isError {
		t.Fatal("discover flagged as error")
	}
	if payload["discovered"] != float64(2) || payload["registered"] != float64(2) {
		t.Fatalf("report = %v", payload)
	}
}

func TestWorkflowToolRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.addAvailablePlugin(t, "builder", "1.0.0")

	created, _ := h.callTool(t, "create_workflow", map[string]any{
		"name":        "nightly build",
		"description": "build and test",
	})
	workflowID := created["id"].(string)
	if created["status"] != "draft" {
		t.Fatalf("status = %v", created["status"])
	}

	step, _ := h.callTool(t, "add_workflow_step", map[string]any{
		"workflowId": workflowID,
		"name":       "compile",
		"pluginName": "builder",
		"order":      float64(1),
	})
	if step["status"] != "pending" {
		t.Fatalf("step = %v", step)
	}

	started, _ := h.callTool(t, "start_workflow", map[string]any{"workflowId": workflowID})
	if started["state"] != "running" {
		t.Fatalf("start result = %v", started)
	}
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	if len(h.engine.started) != 1 || h.engine.started[0].String() != workflowID {
		t.Fatalf("engine started = %v", h.engine.started)
	}
}

func TestDuplicateWorkflowNameConflicts(t *testing.T) {
	h := newHarness(t)
	if _, isError := h.callTool(t, "create_workflow", map[string]any{"name": "deploy pipeline"}); isError {
		t.Fatal("first create failed")
	}
	resp := h.call(t, "tools/call", map[string]any{
		"name":      "create_workflow",
		"arguments": map[string]any{"name": "deploy pipeline"},
	})
	if resp.Error == nil || resp.Error.Code != codeInternalError {
		t.Fatalf("expected %d, got %+v", codeInternalError, resp.Error)
	}
	if !strings.Contains(resp.Error.Message, "already exists") {
		t.Fatalf("message = %q", resp.Error.Message)
	}
}

func TestSlugConflictMarksLaterPlugin(t *testing.T) {
	h := newHarness(t)
	h.addAvailablePlugin(t, "alpha one", "1.0.0")
	h.addAvailablePlugin(t, "alpha-one", "1.0.0")

	resp := h.call(t, "tools/list", nil)
	if resp.Error != nil {
		t.Fatal(resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, tool := range result.Tools {
		if tool.Name == "execute_plugin_alphaone" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected one alphaone tool, got %d", count)
	}

	// Plugin listing orders by name; "alpha one" sorts first and keeps the
	// slug, "alpha-one" is marked errored.
	errored, err := h.store.Plugins.GetByName(context.Background(), "alpha-one", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if errored.Status() != domain.PluginError {
		t.Fatalf("status = %s", errored.Status())
	}
	kept, err := h.store.Plugins.GetByName(context.Background(), "alpha one", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if kept.Status() != domain.PluginAvailable {
		t.Fatalf("kept status = %s", kept.Status())
	}
}

func TestValidatePluginRecordsFailure(t *testing.T) {
	h := newHarness(t)
	h.addAvailablePlugin(t, "broken", "1.0.0")
	h.runner.valid = false
	h.runner.reason = "entry point missing"

	payload, isError := h.callTool(t, "validate_plugin", map[string]any{"name": "broken"})
	if !isError {
		t.Fatal("failed validation not flagged")
	}
	if payload["valid"] != false || payload["status"] != "error" {
		t.Fatalf("payload = %v", payload)
	}

	p, err := h.store.Plugins.GetByName(context.Background(), "broken", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status() != domain.PluginError || p.ErrorMessage() != "entry point missing" {
		t.Fatalf("persisted = %s %q", p.Status(), p.ErrorMessage())
	}
}

func TestGetPluginCapabilitiesPicksHighestVersion(t *testing.T) {
	h := newHarness(t)
	h.addAvailablePlugin(t, "multi", "1.0.0")
	h.addAvailablePlugin(t, "multi", "1.4.0")
	h.addAvailablePlugin(t, "multi", "1.2.0")

	payload, _ := h.callTool(t, "get_plugin_capabilities", map[string]any{"name": "multi"})
	plugin := payload["plugin"].(map[string]any)
	if plugin["version"] != "1.4.0" {
		t.Fatalf("version = %v", plugin["version"])
	}
}

func TestResourcesRoundTrip(t *testing.T) {
	h := newHarness(t)
	resp := h.call(t, "resources/list", nil)
	if resp.Error != nil {
		t.Fatal(resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	var list struct {
		Resources []resource `json:"resources"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Resources) == 0 {
		t.Fatal("no resources listed")
	}

	read := h.call(t, "resources/read", map[string]any{"uri": list.Resources[0].URI})
	if read.Error != nil {
		t.Fatal(read.Error)
	}
	missing := h.call(t, "resources/read", map[string]any{"uri": "devflow://docs/nope"})
	if missing.Error == nil || missing.Error.Code != codeInternalError {
		t.Fatalf("expected %d, got %+v", codeInternalError, missing.Error)
	}
}

func TestPromptsRoundTrip(t *testing.T) {
	h := newHarness(t)
	resp := h.call(t, "prompts/get", map[string]any{"name": "build_workflow"})
	if resp.Error != nil {
		t.Fatal(resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	var got struct {
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v", got.Messages)
	}
}

func TestPluginExecutionMetricLabeledByName(t *testing.T) {
	h := newHarness(t)
	m := metrics.New()
	h.dispatcher = NewDispatcher(h.store, h.runner, h.engine, h.syncer, nil, WithMetrics(m))
	h.addAvailablePlugin(t, "formatter", "1.0.0")

	if _, isError := h.callTool(t, "execute_plugin_formatter", nil); isError {
		t.Fatal("execution flagged as error")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `plugin="formatter"`) {
		t.Fatalf("metrics output lacks the plugin name label:\n%s", body)
	}
}

func TestErrorKindMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{errs.NotFound("Rpc.MethodNotFound", "nope"), codeMethodNotFound},
		{errs.NotFound("Plugin.NotFound", "nope"), codeInternalError},
		{errs.Validation("Rpc.BadParams", "nope"), codeInvalidParams},
		{errs.Failure("Plugin.Timeout", "nope"), codeInternalError},
		{fmt.Errorf("plain"), codeInternalError},
	}
	for _, tt := range tests {
		if got := codeFor(tt.err); got != tt.code {
			t.Errorf("codeFor(%v) = %d, want %d", tt.err, got, tt.code)
		}
	}
}
