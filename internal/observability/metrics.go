package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus instrument the runtime feeds. Register
// once at startup; the instruments use the default registry and surface
// at the gateway's /metrics endpoint.
type Metrics struct {
	// RunCounter counts agent-loop runs by terminal outcome.
	// Labels: outcome (complete|error|aborted)
	RunCounter *prometheus.CounterVec

	// RunDuration measures run wall time in seconds.
	// Buckets: 0.1s to 600s
	RunDuration prometheus.Histogram

	// IterationCounter counts loop iterations across all runs.
	IterationCounter prometheus.Counter

	// LLMRequestDuration measures engine call latency in seconds.
	// Labels: engine, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts engine calls.
	// Labels: engine, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: engine, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error|validation_error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// SteeringCounter counts steering messages by kind.
	// Labels: kind (abort|inject|priority|context_update)
	SteeringCounter *prometheus.CounterVec

	// CompactionCounter counts context compactions by strategy.
	// Labels: strategy
	CompactionCounter *prometheus.CounterVec

	// CompactionDropped counts messages dropped by compaction.
	CompactionDropped prometheus.Counter

	// PoolActiveWorkers gauges busy workers in the shared tool pool.
	PoolActiveWorkers prometheus.Gauge

	// PoolQueueDepth gauges tasks waiting for a worker.
	PoolQueueDepth prometheus.Gauge

	// MessageCounter tracks channel messages.
	// Labels: channel (telegram|discord|slack|gateway), direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// ActiveSessions gauges live sessions by channel.
	// Labels: channel
	ActiveSessions *prometheus.GaugeVec

	// SessionDuration measures session lifetime in seconds.
	// Labels: channel
	SessionDuration *prometheus.HistogramVec

	// SecurityEventCounter counts policy denials and redactions.
	// Labels: event_type (policy_denied|secret_redacted|input_threat)
	SecurityEventCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (loop|engine|tool|gateway|channel), error_type
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestDuration measures gateway request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts gateway requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// WSConnections gauges open websocket event streams.
	WSConnections prometheus.Gauge
}

// NewMetrics creates and registers all instruments. Call once per
// process; duplicate registration panics inside promauto.
func NewMetrics() *Metrics {
	return &Metrics{
		RunCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_runs_total",
				Help: "Total agent-loop runs by terminal outcome",
			},
			[]string{"outcome"},
		),

		RunDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conduit_run_duration_seconds",
				Help:    "Wall time of agent-loop runs in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 180, 600},
			},
		),

		IterationCounter: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "conduit_loop_iterations_total",
				Help: "Total loop iterations across all runs",
			},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_llm_request_duration_seconds",
				Help:    "Duration of engine calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"engine", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_llm_requests_total",
				Help: "Total engine calls by engine, model, and status",
			},
			[]string{"engine", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_llm_tokens_total",
				Help: "Total tokens consumed by engine, model, and type",
			},
			[]string{"engine", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_tool_executions_total",
				Help: "Total tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		SteeringCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_steering_messages_total",
				Help: "Total steering messages drained by kind",
			},
			[]string{"kind"},
		),

		CompactionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_compactions_total",
				Help: "Total context compactions by strategy",
			},
			[]string{"strategy"},
		),

		CompactionDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "conduit_compaction_dropped_messages_total",
				Help: "Total messages dropped by compaction",
			},
		),

		PoolActiveWorkers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_pool_active_workers",
				Help: "Busy workers in the shared tool pool",
			},
		),

		PoolQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_pool_queue_depth",
				Help: "Tasks waiting for a pool worker",
			},
		),

		MessageCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_messages_total",
				Help: "Total channel messages by channel and direction",
			},
			[]string{"channel", "direction"},
		),

		ActiveSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conduit_active_sessions",
				Help: "Current live sessions by channel",
			},
			[]string{"channel"},
		),

		SessionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_session_duration_seconds",
				Help:    "Session lifetime in seconds",
				Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800},
			},
			[]string{"channel"},
		),

		SecurityEventCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_security_events_total",
				Help: "Policy denials, secret redactions, and input threats",
			},
			[]string{"event_type"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_errors_total",
				Help: "Total errors by component and type",
			},
			[]string{"component", "error_type"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_http_request_duration_seconds",
				Help:    "Gateway request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_http_requests_total",
				Help: "Total gateway requests",
			},
			[]string{"method", "path", "status_code"},
		),

		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_ws_connections",
				Help: "Open websocket event streams",
			},
		),
	}
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(outcome string, durationSeconds float64) {
	m.RunCounter.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(durationSeconds)
}

// RecordLLMRequest records one engine call.
func (m *Metrics) RecordLLMRequest(engine, model, status string, durationSeconds float64, inputTokens, outputTokens int) {
	m.LLMRequestCounter.WithLabelValues(engine, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(engine, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(engine, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(engine, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordCompaction records one context compaction.
func (m *Metrics) RecordCompaction(strategy string, dropped int) {
	m.CompactionCounter.WithLabelValues(strategy).Inc()
	m.CompactionDropped.Add(float64(dropped))
}

// SetPoolStats updates the worker-pool gauges.
func (m *Metrics) SetPoolStats(active, queued int) {
	m.PoolActiveWorkers.Set(float64(active))
	m.PoolQueueDepth.Set(float64(queued))
}

// MessageReceived counts one channel message.
func (m *Metrics) MessageReceived(channel, direction string) {
	m.MessageCounter.WithLabelValues(channel, direction).Inc()
}

// SessionStarted bumps the live-session gauge.
func (m *Metrics) SessionStarted(channel string) {
	m.ActiveSessions.WithLabelValues(channel).Inc()
}

// SessionEnded drops the gauge and records the lifetime.
func (m *Metrics) SessionEnded(channel string, durationSeconds float64) {
	m.ActiveSessions.WithLabelValues(channel).Dec()
	m.SessionDuration.WithLabelValues(channel).Observe(durationSeconds)
}

// RecordSecurityEvent counts one policy denial, redaction, or threat.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	m.SecurityEventCounter.WithLabelValues(eventType).Inc()
}

// RecordError counts one error.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordHTTPRequest records one gateway request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
