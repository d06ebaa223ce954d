// Package engines defines the engine seam the agent loop drives and the
// adapters that implement it against real model providers.
//
// An Engine turns a Job (conversation + tool definitions) into a Handle
// whose Events channel streams EngineEvents until a terminal completed or
// error event, after which the channel closes. The loop owns retry and
// backoff; adapters classify failures as retryable or not and never
// retry internally.
package engines

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/conduit/pkg/models"
)

// ToolDef is the provider-facing description of a tool: what the model
// sees, not how the tool executes.
type ToolDef struct {
	Name        string
	Description string

	// Schema is the JSON-schema parameter object.
	Schema json.RawMessage
}

// Job is one engine run: the full conversation to date plus the tools
// the model may call.
type Job struct {
	SessionID    string
	Messages     []models.Message
	Tools        []ToolDef
	SystemPrompt string
	Model        string

	// MaxTokens caps the response length. Zero lets the adapter pick
	// its default.
	MaxTokens int

	// Thinking requests extended reasoning on engines that support it.
	Thinking bool
}

// Engine produces event streams for jobs. Implementations must be safe
// for concurrent StartRun calls.
type Engine interface {
	// ID is the stable registry key ("anthropic", "openai", "bedrock").
	ID() string

	// Name is the human-readable engine name.
	Name() string

	// StartRun begins streaming a response. The returned Handle's
	// Events channel is closed after exactly one terminal event.
	StartRun(ctx context.Context, job *Job) (Handle, error)
}

// Handle controls one in-flight engine run.
type Handle interface {
	// Events yields the run's event stream. Single consumer.
	Events() <-chan models.EngineEvent

	// Cancel stops the run. Idempotent; the stream still terminates
	// with an event and closes.
	Cancel()

	// Steer forwards a raw line to the engine's input. Only subprocess
	// engines accept this; API-backed engines return
	// ErrSteerUnsupported.
	Steer(raw string) error
}

// ErrSteerUnsupported is returned by Steer on engines without an
// interactive input channel.
var ErrSteerUnsupported = errors.New("engines: engine does not accept raw input")

// Error is a classified engine failure.
type Error struct {
	Engine    string
	Model     string
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Model != "" {
		return fmt.Sprintf("%s (%s): %s", e.Engine, e.Model, msg)
	}
	return fmt.Sprintf("%s: %s", e.Engine, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable reports whether err is worth retrying with backoff.
// Unwraps to *Error when present, otherwise falls back to message
// heuristics.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr.Retryable
	}
	return retryableMessage(err.Error())
}

// retryableMessage classifies transient failures by message shape:
// rate limits, 5xx, timeouts, connection resets.
func retryableMessage(msg string) bool {
	msg = strings.ToLower(msg)

	for _, s := range []string{
		"rate_limit", "rate limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"overloaded",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// streamHandle is the Handle used by the API-backed adapters: a channel
// fed by the adapter's stream goroutine plus the cancel func for the
// stream context.
type streamHandle struct {
	events <-chan models.EngineEvent
	cancel context.CancelFunc
}

// sendEvent delivers ev to the stream channel unless ctx is cancelled
// first. A false return means the consumer abandoned the run; the
// stream goroutine must return so the channel closes instead of
// parking on the send forever.
func sendEvent(ctx context.Context, events chan<- models.EngineEvent, ev models.EngineEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *streamHandle) Events() <-chan models.EngineEvent { return h.events }
func (h *streamHandle) Cancel()                           { h.cancel() }
func (h *streamHandle) Steer(string) error                { return ErrSteerUnsupported }
