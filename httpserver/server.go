// Package httpserver carries the MCP dispatcher over HTTP: one JSON-RPC
// endpoint plus health and optional metrics endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/devflow/devflow/mcp"
	"github.com/devflow/devflow/metrics"
)

// maxBodyBytes caps a request body. Batches of tool calls stay well under
// this.
const maxBodyBytes = 4 << 20

// RPCHandler is the dispatch surface the server needs.
type RPCHandler interface {
	Handle(ctx context.Context, body []byte) []byte
}

// Pinger reports backing-store reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves POST /mcp, GET /health and, when metrics are attached,
// GET /metrics.
type Server struct {
	http    *http.Server
	logger  *slog.Logger
	handler RPCHandler
	pinger  Pinger
	metrics *metrics.Metrics
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics exposes the Prometheus registry on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates the HTTP server on the given port.
func New(port int, handler RPCHandler, pinger Pinger, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:  logger,
		handler: handler,
		pinger:  pinger,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler returns the route mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	s.identify(w)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || !strings.HasPrefix(mediaType, "application/json") {
			http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "cannot read request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	out := s.handler.Handle(r.Context(), body)
	if out == nil {
		// All notifications.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(out); err != nil {
		s.logger.Warn("response write failed", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.identify(w)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := http.StatusOK
	health := map[string]any{"status": "ok"}
	if err := s.pinger.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		health["status"] = "degraded"
		health["storage"] = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(health)
}

// identify stamps the protocol headers on every response.
func (s *Server) identify(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-MCP-Server", mcp.ServerName+"/"+mcp.Version)
	h.Set("X-Protocol-Version", mcp.ProtocolVersion)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	if host, port, err := net.SplitHostPort(s.http.Addr); err == nil && host == "" {
		return net.JoinHostPort("0.0.0.0", port)
	}
	return s.http.Addr
}
