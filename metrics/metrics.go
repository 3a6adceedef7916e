// Package metrics exposes Prometheus instrumentation for plugin executions,
// workflow runs, and the JSON-RPC surface. A nil *Metrics is a no-op so
// instrumentation can be disabled by configuration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors for one server instance.
type Metrics struct {
	registry *prometheus.Registry

	pluginExecutions  *prometheus.CounterVec
	pluginDuration    prometheus.Histogram
	workflowsStarted  prometheus.Counter
	workflowsFinished *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	rpcRequests       *prometheus.CounterVec
	rpcDuration       prometheus.Histogram
	downloads         *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including the standard Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		pluginExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devflow",
			Name:      "plugin_executions_total",
			Help:      "Plugin executions by plugin name and outcome.",
		}, []string{"plugin", "outcome"}),
		pluginDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "devflow",
			Name:      "plugin_execution_seconds",
			Help:      "Wall-clock duration of plugin executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		workflowsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devflow",
			Name:      "workflows_started_total",
			Help:      "Workflow runs started.",
		}),
		workflowsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devflow",
			Name:      "workflows_finished_total",
			Help:      "Workflow runs finished by terminal status.",
		}, []string{"status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devflow",
			Name:      "workflow_step_seconds",
			Help:      "Duration of workflow steps by terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"status"}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devflow",
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method and result.",
		}, []string{"method", "result"}),
		rpcDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "devflow",
			Name:      "rpc_request_seconds",
			Help:      "Duration of JSON-RPC request handling.",
			Buckets:   prometheus.DefBuckets,
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devflow",
			Name:      "dependency_downloads_total",
			Help:      "Registry package downloads by scheme and outcome.",
		}, []string{"scheme", "outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.pluginExecutions,
		m.pluginDuration,
		m.workflowsStarted,
		m.workflowsFinished,
		m.stepDuration,
		m.rpcRequests,
		m.rpcDuration,
		m.downloads,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PluginExecuted records one plugin execution.
func (m *Metrics) PluginExecuted(plugin string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pluginExecutions.WithLabelValues(plugin, outcome(success)).Inc()
	m.pluginDuration.Observe(elapsed.Seconds())
}

// WorkflowStarted records the beginning of a workflow run.
func (m *Metrics) WorkflowStarted() {
	if m == nil {
		return
	}
	m.workflowsStarted.Inc()
}

// WorkflowFinished records a terminal workflow status.
func (m *Metrics) WorkflowFinished(status string) {
	if m == nil {
		return
	}
	m.workflowsFinished.WithLabelValues(status).Inc()
}

// StepFinished records a finished step with its terminal status.
func (m *Metrics) StepFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// RPCHandled records one JSON-RPC request.
func (m *Metrics) RPCHandled(method, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(method, result).Inc()
	m.rpcDuration.Observe(elapsed.Seconds())
}

// DownloadFinished records a registry download attempt.
func (m *Metrics) DownloadFinished(scheme string, success bool) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(scheme, outcome(success)).Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
