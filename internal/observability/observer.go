package observability

import (
	"context"
	"strings"
	"time"
)

// Observer receives lifecycle events from the agent loop and its
// collaborators. Implementations must be safe for concurrent use and
// must not block: the loop calls these inline between yield points.
type Observer interface {
	OnSessionStart(ctx context.Context, e SessionStartEvent)
	OnSessionEnd(ctx context.Context, e SessionEndEvent)
	OnLLMCall(ctx context.Context, e LLMCallEvent)
	OnToolInvocation(ctx context.Context, e ToolInvocationEvent)
	OnCompaction(ctx context.Context, e CompactionEvent)
	OnChannelMessage(ctx context.Context, e ChannelMessageEvent)
	OnSecurityEvent(ctx context.Context, e SecurityEvent)
	OnError(ctx context.Context, e ErrorEvent)

	// Flush drains buffered events. Called at run end.
	Flush(ctx context.Context) error
}

// SessionStartEvent marks the start of a run.
type SessionStartEvent struct {
	SessionID string
	RunID     string
	Engine    string
	Model     string
}

// SessionEndEvent marks the end of a run.
type SessionEndEvent struct {
	SessionID  string
	RunID      string
	Outcome    string // complete | error | aborted
	Duration   time.Duration
	Iterations int
	ToolCalls  int
	LLMCalls   int
	Usage      UsageTotals
}

// UsageTotals carries cumulative token counts.
type UsageTotals struct {
	InputTokens  int
	OutputTokens int
}

// LLMCallEvent marks one engine call.
type LLMCallEvent struct {
	SessionID string
	Engine    string
	Model     string
	Status    string // success | error
	Duration  time.Duration
	Usage     UsageTotals
}

// ToolInvocationEvent marks one tool execution.
type ToolInvocationEvent struct {
	SessionID string
	Tool      string
	Status    string // success | error | validation_error
	Duration  time.Duration
}

// CompactionEvent marks one context compaction pass.
type CompactionEvent struct {
	SessionID    string
	Strategy     string
	Dropped      int
	TokensBefore int
	TokensAfter  int
}

// ChannelMessageEvent marks a message crossing a channel adapter.
type ChannelMessageEvent struct {
	Channel   string
	Direction string // inbound | outbound
	SessionID string
}

// SecurityEvent marks a policy denial, a redaction, or an input threat.
type SecurityEvent struct {
	SessionID string
	Type      string // policy_denied | secret_redacted | input_threat
	Tool      string
	Detail    string
	Patterns  []string
}

// ErrorEvent marks a component error the loop observed.
type ErrorEvent struct {
	SessionID string
	Component string // loop | engine | tool | gateway | channel | hook | verifier
	Err       error
}

// NopObserver discards everything. The loop's default when no observer
// is wired.
type NopObserver struct{}

func (NopObserver) OnSessionStart(context.Context, SessionStartEvent)     {}
func (NopObserver) OnSessionEnd(context.Context, SessionEndEvent)         {}
func (NopObserver) OnLLMCall(context.Context, LLMCallEvent)               {}
func (NopObserver) OnToolInvocation(context.Context, ToolInvocationEvent) {}
func (NopObserver) OnCompaction(context.Context, CompactionEvent)         {}
func (NopObserver) OnChannelMessage(context.Context, ChannelMessageEvent) {}
func (NopObserver) OnSecurityEvent(context.Context, SecurityEvent)        {}
func (NopObserver) OnError(context.Context, ErrorEvent)                   {}
func (NopObserver) Flush(context.Context) error                           { return nil }

// MultiObserver fans events out to several observers in order.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver builds a fan-out over the given observers. Nils are
// skipped.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	m := &MultiObserver{}
	for _, o := range observers {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
	return m
}

func (m *MultiObserver) OnSessionStart(ctx context.Context, e SessionStartEvent) {
	for _, o := range m.observers {
		o.OnSessionStart(ctx, e)
	}
}

func (m *MultiObserver) OnSessionEnd(ctx context.Context, e SessionEndEvent) {
	for _, o := range m.observers {
		o.OnSessionEnd(ctx, e)
	}
}

func (m *MultiObserver) OnLLMCall(ctx context.Context, e LLMCallEvent) {
	for _, o := range m.observers {
		o.OnLLMCall(ctx, e)
	}
}

func (m *MultiObserver) OnToolInvocation(ctx context.Context, e ToolInvocationEvent) {
	for _, o := range m.observers {
		o.OnToolInvocation(ctx, e)
	}
}

func (m *MultiObserver) OnCompaction(ctx context.Context, e CompactionEvent) {
	for _, o := range m.observers {
		o.OnCompaction(ctx, e)
	}
}

func (m *MultiObserver) OnChannelMessage(ctx context.Context, e ChannelMessageEvent) {
	for _, o := range m.observers {
		o.OnChannelMessage(ctx, e)
	}
}

func (m *MultiObserver) OnSecurityEvent(ctx context.Context, e SecurityEvent) {
	for _, o := range m.observers {
		o.OnSecurityEvent(ctx, e)
	}
}

func (m *MultiObserver) OnError(ctx context.Context, e ErrorEvent) {
	for _, o := range m.observers {
		o.OnError(ctx, e)
	}
}

func (m *MultiObserver) Flush(ctx context.Context) error {
	var first error
	for _, o := range m.observers {
		if err := o.Flush(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogObserver writes every event to the Logger.
type LogObserver struct {
	logger *Logger
}

// NewLogObserver builds an observer over logger.
func NewLogObserver(logger *Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (l *LogObserver) OnSessionStart(ctx context.Context, e SessionStartEvent) {
	l.logger.Info(ctx, "run started",
		"session_id", e.SessionID, "run_id", e.RunID, "engine", e.Engine, "model", e.Model)
}

func (l *LogObserver) OnSessionEnd(ctx context.Context, e SessionEndEvent) {
	l.logger.Info(ctx, "run ended",
		"session_id", e.SessionID, "run_id", e.RunID, "outcome", e.Outcome,
		"duration_ms", e.Duration.Milliseconds(), "iterations", e.Iterations,
		"tool_calls", e.ToolCalls, "llm_calls", e.LLMCalls,
		"input_tokens", e.Usage.InputTokens, "output_tokens", e.Usage.OutputTokens)
}

func (l *LogObserver) OnLLMCall(ctx context.Context, e LLMCallEvent) {
	l.logger.Debug(ctx, "llm call",
		"session_id", e.SessionID, "engine", e.Engine, "model", e.Model,
		"status", e.Status, "duration_ms", e.Duration.Milliseconds())
}

func (l *LogObserver) OnToolInvocation(ctx context.Context, e ToolInvocationEvent) {
	l.logger.Debug(ctx, "tool invocation",
		"session_id", e.SessionID, "tool", e.Tool, "status", e.Status,
		"duration_ms", e.Duration.Milliseconds())
}

func (l *LogObserver) OnCompaction(ctx context.Context, e CompactionEvent) {
	l.logger.Info(ctx, "context compacted",
		"session_id", e.SessionID, "strategy", e.Strategy, "dropped", e.Dropped,
		"tokens_before", e.TokensBefore, "tokens_after", e.TokensAfter)
}

func (l *LogObserver) OnChannelMessage(ctx context.Context, e ChannelMessageEvent) {
	l.logger.Debug(ctx, "channel message",
		"channel", e.Channel, "direction", e.Direction, "session_id", e.SessionID)
}

func (l *LogObserver) OnSecurityEvent(ctx context.Context, e SecurityEvent) {
	l.logger.Warn(ctx, "security event",
		"session_id", e.SessionID, "event_type", e.Type, "tool", e.Tool,
		"detail", e.Detail, "patterns", e.Patterns)
}

func (l *LogObserver) OnError(ctx context.Context, e ErrorEvent) {
	l.logger.Error(ctx, "component error",
		"session_id", e.SessionID, "component", e.Component, "error", e.Err)
}

func (l *LogObserver) Flush(context.Context) error { return nil }

// MetricsObserver feeds Prometheus instruments from observer events.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver builds an observer over metrics.
func NewMetricsObserver(metrics *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: metrics}
}

func (m *MetricsObserver) OnSessionStart(ctx context.Context, e SessionStartEvent) {}

func (m *MetricsObserver) OnSessionEnd(ctx context.Context, e SessionEndEvent) {
	m.metrics.RecordRun(e.Outcome, e.Duration.Seconds())
	m.metrics.IterationCounter.Add(float64(e.Iterations))
}

func (m *MetricsObserver) OnLLMCall(ctx context.Context, e LLMCallEvent) {
	m.metrics.RecordLLMRequest(e.Engine, e.Model, e.Status, e.Duration.Seconds(),
		e.Usage.InputTokens, e.Usage.OutputTokens)
}

func (m *MetricsObserver) OnToolInvocation(ctx context.Context, e ToolInvocationEvent) {
	m.metrics.RecordToolExecution(e.Tool, e.Status, e.Duration.Seconds())
}

func (m *MetricsObserver) OnCompaction(ctx context.Context, e CompactionEvent) {
	m.metrics.RecordCompaction(e.Strategy, e.Dropped)
}

func (m *MetricsObserver) OnChannelMessage(ctx context.Context, e ChannelMessageEvent) {
	m.metrics.MessageReceived(e.Channel, e.Direction)
}

func (m *MetricsObserver) OnSecurityEvent(ctx context.Context, e SecurityEvent) {
	m.metrics.RecordSecurityEvent(e.Type)
}

func (m *MetricsObserver) OnError(ctx context.Context, e ErrorEvent) {
	errType := "internal"
	if e.Err != nil {
		errType = errKind(e.Err)
	}
	m.metrics.RecordError(e.Component, errType)
}

func (m *MetricsObserver) Flush(context.Context) error { return nil }

// errKind maps an error to a coarse label so the error counter never
// gains unbounded cardinality.
func errKind(err error) string {
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline"):
		return "timeout"
	case strings.Contains(s, "cancel") || strings.Contains(s, "abort"):
		return "cancelled"
	case strings.Contains(s, "rate limit") || strings.Contains(s, "429") || strings.Contains(s, "overloaded"):
		return "rate_limited"
	case strings.Contains(s, "auth") || strings.Contains(s, "401") || strings.Contains(s, "403") || strings.Contains(s, "api key"):
		return "auth"
	default:
		return "internal"
	}
}
