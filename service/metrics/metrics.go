package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// EVM RPC Metrics
	evmRPCCallsTotal   *prometheus.CounterVec
	evmRPCCallDuration *prometheus.HistogramVec

	// LLM Metrics
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec

	// Transfer Metrics
	transferSubmissionsTotal   *prometheus.CounterVec
	transferSubmissionDuration *prometheus.HistogramVec

	// Session Metrics
	sessionSubmissionsTotal *prometheus.CounterVec
	sessionsActive          prometheus.Gauge

	// Workflow Metrics
	workflowDuration *prometheus.HistogramVec
	activityDuration *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// EVM RPC Metrics
		evmRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evm_rpc_calls_total",
				Help: "Total number of EVM JSON-RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		evmRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evm_rpc_call_duration_seconds",
				Help:    "Duration of EVM JSON-RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),

		// LLM Metrics
		llmRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of instruction parse requests sent to the language model, by outcome",
			},
			[]string{"model", "outcome"},
		),
		llmRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of language model requests in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"model"},
		),

		// Transfer Metrics
		transferSubmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_submissions_total",
				Help: "Total number of transfer submissions by asset kind and outcome",
			},
			[]string{"asset", "outcome"},
		),
		transferSubmissionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transfer_submission_duration_seconds",
				Help:    "Duration of transfer submissions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"asset"},
		),

		// Session Metrics
		sessionSubmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_submissions_total",
				Help: "Total number of conversation submissions by terminal outcome",
			},
			[]string{"outcome"},
		),
		sessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessions_active",
				Help: "Number of live conversation sessions",
			},
		),

		// Workflow Metrics
		workflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_duration_seconds",
				Help:    "Duration of remote transfer workflows as observed by the caller, in seconds",
				Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"workflow", "status"},
		),
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "activity_duration_seconds",
				Help:    "Duration of transfer activities on the worker in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity", "status"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 10, 30},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
			[]string{"stream"},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"stream", "event_type"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"stream", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"stream"},
		),
	}
}

// EVM RPC metric helpers

// RecordRPCCall records an EVM JSON-RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.evmRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.evmRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// LLM metric helpers

// RecordLLMRequest records one language model request and how it ended
// (ok, service_error, unparseable_input, invalid_descriptor).
func (m *Metrics) RecordLLMRequest(model, outcome string, duration float64) {
	m.llmRequestsTotal.WithLabelValues(model, outcome).Inc()
	m.llmRequestDuration.WithLabelValues(model).Observe(duration)
}

// Transfer metric helpers

// RecordTransferSubmission records a submission attempt. asset is "native" or "erc20";
// outcome is "success" or the failure kind.
func (m *Metrics) RecordTransferSubmission(asset, outcome string, duration float64) {
	m.transferSubmissionsTotal.WithLabelValues(asset, outcome).Inc()
	m.transferSubmissionDuration.WithLabelValues(asset).Observe(duration)
}

// Session metric helpers

// RecordSessionSubmission records the terminal outcome of a conversation submission.
func (m *Metrics) RecordSessionSubmission(outcome string) {
	m.sessionSubmissionsTotal.WithLabelValues(outcome).Inc()
}

// RecordSessionCountChange adjusts the live session gauge.
func (m *Metrics) RecordSessionCountChange(delta float64) {
	m.sessionsActive.Add(delta)
}

// Workflow metric helpers

// RecordWorkflowDuration records workflow execution duration.
func (m *Metrics) RecordWorkflowDuration(workflow, status string, duration float64) {
	m.workflowDuration.WithLabelValues(workflow, status).Observe(duration)
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity, status string, duration float64) {
	m.activityDuration.WithLabelValues(activity, status).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(stream string, delta float64) {
	m.sseActiveConnections.WithLabelValues(stream).Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(stream, eventType string) {
	m.sseEventsSent.WithLabelValues(stream, eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(stream, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(stream, status).Inc()
	m.natsPublishDuration.WithLabelValues(stream).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
