package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/devflow/devflow/mcp"
)

type echoHandler struct {
	last []byte
	out  []byte
}

func (e *echoHandler) Handle(_ context.Context, body []byte) []byte {
	e.last = body
	return e.out
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestServer(handler RPCHandler, pinger Pinger) *httptest.Server {
	s := New(0, handler, pinger, nil)
	return httptest.NewServer(s.Handler())
}

func TestMCPRoundTrip(t *testing.T) {
	h := &echoHandler{out: []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)}
	ts := newTestServer(h, stubPinger{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Protocol-Version"); got != mcp.ProtocolVersion {
		t.Fatalf("X-Protocol-Version = %q", got)
	}
	if got := resp.Header.Get("X-MCP-Server"); !strings.HasPrefix(got, mcp.ServerName+"/") {
		t.Fatalf("X-MCP-Server = %q", got)
	}
	if !strings.Contains(string(h.last), `"method":"ping"`) {
		t.Fatalf("dispatcher got %s", h.last)
	}
}

func TestNotificationsGetNoContent(t *testing.T) {
	ts := newTestServer(&echoHandler{out: nil}, stubPinger{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestMCPRejectsWrongMethodAndContentType(t *testing.T) {
	ts := newTestServer(&echoHandler{}, stubPinger{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/mcp")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/mcp", "text/plain", strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("POST text/plain status = %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(&echoHandler{}, stubPinger{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "ok" {
		t.Fatalf("health = %v", health)
	}
}

func TestHealthDegradedWhenStoreDown(t *testing.T) {
	ts := newTestServer(&echoHandler{}, stubPinger{err: context.DeadlineExceeded})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
