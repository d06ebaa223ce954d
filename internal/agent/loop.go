// Package agent drives a session's conversation: it alternates engine
// runs with validated, policy-guarded tool executions and emits the
// session's AgentEvent stream.
//
// A run moves through a small state machine:
//
//	init ──▶ stream ──▶ execute_tools ──▶ (back to stream)
//	            │
//	            └──▶ complete / error / aborted (terminal)
//
// Steering is honoured at three yield points per iteration: the loop
// boundary, between stream chunks, and before each tool call. The loop
// is strictly sequential within a session; concurrency lives in the
// worker pool and in the gateway driving many sessions at once.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/internal/backoff"
	"github.com/haasonsaas/conduit/internal/contextmgr"
	"github.com/haasonsaas/conduit/internal/engines"
	"github.com/haasonsaas/conduit/internal/ids"
	"github.com/haasonsaas/conduit/internal/memory"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/security"
	"github.com/haasonsaas/conduit/internal/steering"
	"github.com/haasonsaas/conduit/internal/workerpool"
	"github.com/haasonsaas/conduit/pkg/models"
)

const (
	// DefaultMaxIterations bounds engine/tool round trips per run.
	DefaultMaxIterations = 50

	// DefaultMaxRetries bounds consecutive engine failures before the
	// run fails.
	DefaultMaxRetries = 3

	// eventBufferSize is the buffer of the AgentEvent channel a run
	// returns.
	eventBufferSize = 10
)

// Config assembles a Loop. Engine is required; everything else has a
// usable default.
type Config struct {
	SessionID string

	// Engine produces the model's event stream.
	Engine engines.Engine

	// Model overrides the engine's default model.
	Model string

	// MaxTokens caps each engine response. Zero uses the adapter
	// default.
	MaxTokens int

	// Thinking requests extended reasoning on engines that support it.
	Thinking bool

	// Registry holds the dispatchable tools. Empty registry means the
	// model gets no tools.
	Registry *Registry

	// Context is the session's conversation. A default manager is
	// created when nil.
	Context *contextmgr.Manager

	// Steering is drained at yield points. A private queue is created
	// when nil.
	Steering *steering.Queue

	// Policy guards tool paths, commands, and output.
	Policy *security.Policy

	// Pool executes heavyweight tools. Nil runs everything inline.
	Pool *workerpool.Pool

	// OwnsPool shuts the pool down when the run finishes. Leave false
	// when the pool is shared across sessions.
	OwnsPool bool

	// Verifier assesses completed runs. Nil skips verification.
	Verifier Verifier

	Hooks Hooks

	// Observer receives lifecycle events. Defaults to NopObserver.
	Observer observability.Observer

	Logger *observability.Logger
	Tracer *observability.Tracer

	// Memory is handed to tools through the ToolContext.
	Memory memory.Backend

	// Engines lets the subagent tool start nested runs.
	Engines *engines.Registry

	// Extensions carries host extras into the ToolContext.
	Extensions map[string]any

	// Cwd is the workspace directory. Defaults to the policy's
	// workspace root.
	Cwd string

	MaxIterations int
	MaxRetries    int
	Backoff       backoff.Policy

	// TreatCompletedAsFinal makes a completed event win over pending
	// tool calls from the same stream. Default false: tool calls are
	// authoritative and the loop iterates again.
	TreatCompletedAsFinal bool
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Context == nil {
		cfg.Context = contextmgr.NewManager(contextmgr.Config{})
	}
	if cfg.Steering == nil {
		cfg.Steering = steering.NewQueue()
	}
	if cfg.Policy == nil {
		cfg.Policy = security.NewPolicy(security.Options{WorkspaceRoot: cfg.Cwd})
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if cfg.Tracer == nil {
		cfg.Tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Default()
	}
	if cfg.Cwd == "" {
		cfg.Cwd = cfg.Policy.WorkspaceRoot()
	}
	return cfg
}

// Loop is the per-session driver. One run at a time; Run returns
// ErrRunActive while a run is in flight.
type Loop struct {
	cfg Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	handle  engines.Handle
}

// NewLoop builds a Loop from cfg.
func NewLoop(cfg Config) (*Loop, error) {
	if cfg.Engine == nil {
		return nil, ErrNoEngine
	}
	return &Loop{cfg: sanitizeConfig(cfg)}, nil
}

// Context returns the session's conversation manager.
func (l *Loop) Context() *contextmgr.Manager { return l.cfg.Context }

// Running reports whether a run is in flight.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Run starts one run from the given user message and returns its event
// stream. The channel is closed after the terminal event (and, on
// complete, an optional trailing verification event).
func (l *Loop) Run(ctx context.Context, initialMessage string) (<-chan models.AgentEvent, error) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil, ErrRunActive
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.running = true
	l.cancel = cancel
	// An abort queued while no run was in flight targeted an earlier
	// run; dropping it here keeps it from killing this one at yield A.
	l.cfg.Steering.DropAborts()
	l.mu.Unlock()

	events := make(chan models.AgentEvent, eventBufferSize)
	em := &emitter{ch: events}

	go func() {
		defer func() {
			em.shut()
			l.mu.Lock()
			l.running = false
			l.cancel = nil
			l.handle = nil
			l.mu.Unlock()
			cancel()
			// Close last so a reader that sees the channel close also
			// sees the loop idle.
			close(events)
		}()
		l.run(runCtx, initialMessage, em)
	}()

	return events, nil
}

// Abort requests the current run stop at the next yield point. With no
// run in flight it is a no-op: there is nothing to stop, and queueing
// the abort would kill the next, unrelated run.
func (l *Loop) Abort(reason string) {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.cfg.Steering.Push(steering.Abort(reason))
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Steer enqueues a steering message for the next yield point.
func (l *Loop) Steer(m *steering.Message) {
	l.cfg.Steering.Push(m)
}

// SteerEngine forwards a raw line to the active engine run's input.
func (l *Loop) SteerEngine(raw string) error {
	l.mu.Lock()
	handle := l.handle
	l.mu.Unlock()
	if handle == nil {
		return ErrNotRunning
	}
	return handle.Steer(raw)
}

func (l *Loop) setHandle(h engines.Handle) {
	l.mu.Lock()
	l.handle = h
	l.mu.Unlock()
}

// emitter serializes event emission: it assigns sequence numbers and
// guarantees nothing is sent after the stream closes, even from
// abandoned worker goroutines still reporting progress.
type emitter struct {
	mu     sync.Mutex
	ch     chan<- models.AgentEvent
	seq    uint64
	closed bool
}

func (em *emitter) emit(ev models.AgentEvent) {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.closed {
		return
	}
	em.seq++
	ev.Seq = em.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	em.ch <- ev
}

func (em *emitter) shut() {
	em.mu.Lock()
	em.closed = true
	em.mu.Unlock()
}

// runState accumulates one run's progress.
type runState struct {
	runID     string
	iteration int

	consecutiveErrors int
	llmCalls          int
	toolCalls         int
	usage             models.Usage

	finalAnswer string
	toolResults []models.ToolResult
	snapshots   []models.StateSnapshot

	// Per-iteration stream results.
	text      string
	pending   []models.ToolCall
	internal  map[string]*models.ToolResult
	completed bool
	answer    string
	streamErr error
}

func (st *runState) beginIteration() {
	st.text = ""
	st.pending = nil
	st.internal = nil
	st.completed = false
	st.answer = ""
	st.streamErr = nil
}

// toolName resolves a call id to its tool name from the pending list.
func (st *runState) toolName(callID string) string {
	for _, c := range st.pending {
		if c.ID == callID {
			return c.Name
		}
	}
	return ""
}

func (st *runState) recordInternal(callID string, res *models.ToolResult) {
	if st.internal == nil {
		st.internal = make(map[string]*models.ToolResult)
	}
	st.internal[callID] = res
}

const (
	outcomeComplete = "complete"
	outcomeError    = "error"
	outcomeAborted  = "aborted"
	outcomeNone     = ""
)

func (l *Loop) run(ctx context.Context, initial string, em *emitter) {
	start := time.Now()
	st := &runState{runID: ids.NewRunID()}

	ctx = observability.WithSessionID(ctx, l.cfg.SessionID)
	ctx = observability.WithRunID(ctx, st.runID)
	ctx, span := l.cfg.Tracer.TraceRun(ctx, l.cfg.SessionID, st.runID)
	defer span.End()

	l.cfg.Observer.OnSessionStart(ctx, observability.SessionStartEvent{
		SessionID: l.cfg.SessionID,
		RunID:     st.runID,
		Engine:    l.cfg.Engine.ID(),
		Model:     l.cfg.Model,
	})

	outcome := l.iterate(ctx, st, em, initial)

	if outcome == outcomeComplete {
		l.verify(ctx, st, em, initial)
		if l.cfg.Hooks.OnAfterComplete != nil {
			info := &RunInfo{
				SessionID:      l.cfg.SessionID,
				RunID:          st.runID,
				InitialMessage: initial,
				FinalAnswer:    st.finalAnswer,
				Messages:       l.cfg.Context.Messages(),
			}
			if err := l.cfg.Hooks.OnAfterComplete(ctx, info); err != nil {
				l.observeError(ctx, "hook", err)
			}
		}
	}

	l.cfg.Observer.OnSessionEnd(ctx, observability.SessionEndEvent{
		SessionID:  l.cfg.SessionID,
		RunID:      st.runID,
		Outcome:    outcome,
		Duration:   time.Since(start),
		Iterations: st.iteration,
		ToolCalls:  st.toolCalls,
		LLMCalls:   st.llmCalls,
		Usage: observability.UsageTotals{
			InputTokens:  st.usage.InputTokens,
			OutputTokens: st.usage.OutputTokens,
		},
	})

	if l.cfg.OwnsPool && l.cfg.Pool != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.cfg.Pool.Shutdown(shutCtx); err != nil {
			l.cfg.Logger.Warn(ctx, "worker pool shutdown incomplete", "error", err)
		}
		cancel()
	}

	if err := l.cfg.Observer.Flush(context.WithoutCancel(ctx)); err != nil {
		l.cfg.Logger.Warn(ctx, "observer flush failed", "error", err)
	}
}

// iterate is the engine⇄tools loop. It emits the terminal event and
// returns the outcome.
func (l *Loop) iterate(ctx context.Context, st *runState, em *emitter, initial string) string {
	cm := l.cfg.Context
	cm.AddMessage(models.Message{
		ID:        ids.NewMessageID(),
		Role:      models.RoleUser,
		Content:   initial,
		CreatedAt: time.Now(),
	})

	if l.cfg.Hooks.OnBeforeFirstRun != nil {
		info := &RunInfo{
			SessionID:      l.cfg.SessionID,
			RunID:          st.runID,
			InitialMessage: initial,
			Messages:       cm.Messages(),
		}
		if err := l.cfg.Hooks.OnBeforeFirstRun(ctx, info); err != nil {
			l.observeError(ctx, "hook", err)
		}
	}

	for st.iteration = 1; st.iteration <= l.cfg.MaxIterations; st.iteration++ {
		// Yield point A: the loop boundary.
		if reason, stop := l.yield(ctx); stop {
			l.emitAborted(em, reason)
			return outcomeAborted
		}

		st.beginIteration()

		if outcome := l.streamOnce(ctx, st, em); outcome != outcomeNone {
			return outcome
		}

		if st.streamErr != nil {
			st.consecutiveErrors++
			l.observeError(ctx, "engine", &LoopError{
				Phase: PhaseStream, Iteration: st.iteration, Cause: st.streamErr,
			})
			if !engines.IsRetryable(st.streamErr) || st.consecutiveErrors >= l.cfg.MaxRetries {
				em.emit(models.AgentEvent{Type: models.AgentEventError, Err: st.streamErr.Error()})
				return outcomeError
			}
			l.cfg.Logger.Warn(ctx, "engine call failed, retrying",
				"attempt", st.consecutiveErrors, "error", st.streamErr)
			if err := l.cfg.Backoff.Sleep(ctx, st.consecutiveErrors); err != nil {
				l.emitAborted(em, l.drainAbortReason())
				return outcomeAborted
			}
			continue
		}
		st.consecutiveErrors = 0

		final := len(st.pending) == 0 ||
			(st.completed && l.cfg.TreatCompletedAsFinal)
		if final {
			answer := st.answer
			if answer == "" {
				answer = st.text
			}
			cm.AddMessage(models.Message{
				ID:        ids.NewMessageID(),
				Role:      models.RoleAssistant,
				Content:   answer,
				CreatedAt: time.Now(),
			})
			st.finalAnswer = answer
			usage := st.usage
			em.emit(models.AgentEvent{
				Type:   models.AgentEventComplete,
				Answer: answer,
				Usage:  &usage,
			})
			return outcomeComplete
		}

		if outcome := l.executeTools(ctx, st, em); outcome != outcomeNone {
			return outcome
		}
	}

	st.iteration = l.cfg.MaxIterations
	msg := fmt.Sprintf("Agent loop exceeded maximum iterations (%d)", l.cfg.MaxIterations)
	l.observeError(ctx, "loop", &LoopError{Phase: PhaseComplete, Iteration: l.cfg.MaxIterations, Message: msg})
	em.emit(models.AgentEvent{Type: models.AgentEventError, Err: msg})
	return outcomeError
}

// streamOnce performs one engine call and folds its event stream into
// st. It returns a terminal outcome only when the run ends here
// (abort); engine failures are left in st.streamErr for the retry
// logic.
func (l *Loop) streamOnce(ctx context.Context, st *runState, em *emitter) string {
	cm := l.cfg.Context
	job := &engines.Job{
		SessionID:    l.cfg.SessionID,
		Messages:     cm.Messages(),
		Tools:        l.cfg.Registry.Defs(),
		SystemPrompt: cm.SystemPrompt(),
		Model:        l.cfg.Model,
		MaxTokens:    l.cfg.MaxTokens,
		Thinking:     l.cfg.Thinking,
	}

	callCtx, span := l.cfg.Tracer.TraceEngineCall(ctx, l.cfg.Engine.ID(), l.cfg.Model)
	defer span.End()
	callStart := time.Now()

	st.llmCalls++
	handle, err := l.cfg.Engine.StartRun(callCtx, job)
	if err != nil {
		l.cfg.Tracer.RecordError(span, err)
		st.streamErr = err
		l.observeLLMCall(ctx, "error", time.Since(callStart), nil)
		return outcomeNone
	}
	l.setHandle(handle)
	defer l.setHandle(nil)

	var callUsage *models.Usage
	events := handle.Events()

stream:
	for {
		select {
		case <-ctx.Done():
			handle.Cancel()
			l.emitAborted(em, l.drainAbortReason())
			return outcomeAborted

		case ev, ok := <-events:
			if !ok {
				if !st.completed && st.streamErr == nil && st.text == "" && len(st.pending) == 0 {
					st.streamErr = &engines.Error{
						Engine:    l.cfg.Engine.ID(),
						Model:     l.cfg.Model,
						Message:   "engine stream ended without a terminal event",
						Retryable: true,
					}
				}
				break stream
			}

			// Yield point B: between stream chunks. Only aborts are
			// honoured mid-stream; context edits wait for the loop
			// boundary.
			if l.cfg.Steering.HasAbort() {
				handle.Cancel()
				l.emitAborted(em, l.drainAbortReason())
				return outcomeAborted
			}

			switch ev.Type {
			case models.EngineEventTextDelta:
				st.text += ev.TextDelta
				em.emit(models.AgentEvent{
					Type:    models.AgentEventText,
					Delta:   ev.TextDelta,
					Partial: st.text,
				})

			case models.EngineEventThinkingDelta:
				em.emit(models.AgentEvent{
					Type:  models.AgentEventThinking,
					Delta: ev.ThinkingDelta,
				})

			case models.EngineEventToolStart:
				// Buffered, not executed: execution happens after the
				// stream so the assistant message is complete first.
				if ev.ToolCall != nil {
					call := *ev.ToolCall
					if call.ID == "" {
						call.ID = ids.NewToolCallID()
					}
					st.pending = append(st.pending, call)
				}

			case models.EngineEventToolProgress:
				em.emit(models.AgentEvent{
					Type:     models.AgentEventToolProgress,
					Tool:     st.toolName(ev.ToolCallID),
					Progress: ev.Progress,
				})

			case models.EngineEventToolEnd:
				// The engine ran this tool itself; forward the result
				// and skip our own execution for that call.
				if ev.Result != nil {
					st.recordInternal(ev.ToolCallID, ev.Result)
					em.emit(models.AgentEvent{
						Type:   models.AgentEventToolEnd,
						Tool:   st.toolName(ev.ToolCallID),
						Result: ev.Result,
					})
				}

			case models.EngineEventError:
				st.streamErr = &engines.Error{
					Engine:    l.cfg.Engine.ID(),
					Model:     l.cfg.Model,
					Message:   ev.Err,
					Retryable: ev.Retryable,
				}
				break stream

			case models.EngineEventCompleted:
				st.completed = true
				st.answer = ev.Answer
				if ev.Usage != nil {
					callUsage = ev.Usage
					st.usage.Add(*ev.Usage)
				}
				break stream
			}
		}
	}

	status := "success"
	if st.streamErr != nil {
		status = "error"
		l.cfg.Tracer.RecordError(span, st.streamErr)
	}
	l.observeLLMCall(ctx, status, time.Since(callStart), callUsage)
	return outcomeNone
}

// executeTools runs the buffered tool calls sequentially, appending the
// assistant message first and one tool message per call after.
func (l *Loop) executeTools(ctx context.Context, st *runState, em *emitter) string {
	cm := l.cfg.Context
	cm.AddMessage(models.Message{
		ID:        ids.NewMessageID(),
		Role:      models.RoleAssistant,
		Content:   st.text,
		ToolCalls: st.pending,
		CreatedAt: time.Now(),
	})

	for i := range st.pending {
		call := st.pending[i]

		// Yield point C: before each tool.
		if reason, stop := l.yield(ctx); stop {
			l.fillUnanswered(st.pending[i:], reason)
			l.emitAborted(em, reason)
			return outcomeAborted
		}

		// Engine-internal result recorded during the stream: keep the
		// context well-formed without re-executing.
		if res, ok := st.internal[call.ID]; ok {
			st.toolResults = append(st.toolResults, *res)
			l.appendToolMessage(ctx, st, call, res)
			continue
		}

		tool, verrs := l.validateCall(call)
		if len(verrs) > 0 {
			em.emit(models.AgentEvent{
				Type:   models.AgentEventToolValidationError,
				Tool:   call.Name,
				Errors: verrs,
			})
			cm.AddMessage(models.Message{
				ID:         ids.NewMessageID(),
				Role:       models.RoleTool,
				Content:    validationNote(call.Name, verrs),
				ToolCallID: call.ID,
				IsError:    true,
				CreatedAt:  time.Now(),
			})
			l.cfg.Observer.OnToolInvocation(ctx, observability.ToolInvocationEvent{
				SessionID: l.cfg.SessionID,
				Tool:      call.Name,
				Status:    "validation_error",
			})
			continue
		}

		em.emit(models.AgentEvent{
			Type:     models.AgentEventToolStart,
			Tool:     call.Name,
			ToolCall: &call,
		})

		snapshotter, _ := tool.(SnapshotProvider)
		tc := l.toolContext(nil)
		if snapshotter != nil {
			if snap, err := snapshotter.StateSnapshot(ctx, call.Args, tc); err == nil && snap != nil {
				st.snapshots = append(st.snapshots, *snap)
			}
		}

		toolCtx, toolSpan := l.cfg.Tracer.TraceToolExecution(ctx, call.Name)
		started := time.Now()
		result := l.runTool(toolCtx, tool, call, em)
		elapsed := time.Since(started)
		if !result.Success {
			l.cfg.Tracer.RecordError(toolSpan, fmt.Errorf("%s", result.Error))
		}
		toolSpan.End()

		// The run is ending; do not emit a tool_end after an abort was
		// requested.
		if ctx.Err() != nil || l.cfg.Steering.HasAbort() {
			reason := l.drainAbortReason()
			l.fillUnanswered(st.pending[i:], reason)
			l.emitAborted(em, reason)
			return outcomeAborted
		}

		if snapshotter != nil {
			if snap, err := snapshotter.StateSnapshot(ctx, call.Args, tc); err == nil && snap != nil {
				result.Snapshot = snap
				st.snapshots = append(st.snapshots, *snap)
			}
		}

		st.toolResults = append(st.toolResults, *result)
		em.emit(models.AgentEvent{
			Type:   models.AgentEventToolEnd,
			Tool:   call.Name,
			Result: result,
		})

		l.appendToolMessage(ctx, st, call, result)
		l.cfg.Observer.OnToolInvocation(ctx, observability.ToolInvocationEvent{
			SessionID: l.cfg.SessionID,
			Tool:      call.Name,
			Status:    toolStatus(result),
			Duration:  elapsed,
		})
	}

	return outcomeNone
}

// runTool executes one validated call, inline or on the pool, and
// always comes back with a usable result.
func (l *Loop) runTool(ctx context.Context, tool Tool, call models.ToolCall, em *emitter) *models.ToolResult {
	progress := func(p string) {
		em.emit(models.AgentEvent{
			Type:     models.AgentEventToolProgress,
			Tool:     call.Name,
			Progress: p,
		})
	}

	var (
		result *models.ToolResult
		err    error
	)
	if tool.Weight() == Heavyweight && l.cfg.Pool != nil {
		result, err = l.cfg.Pool.Execute(ctx, workerpool.Task{
			Tool:       call.Name,
			OnProgress: progress,
			Fn: func(taskCtx context.Context, prog func(string)) (*models.ToolResult, error) {
				tc := l.toolContext(prog)
				return tool.Execute(taskCtx, call.Args, tc)
			},
		})
	} else {
		result, err = l.safeExecute(ctx, tool, call.Args, l.toolContext(progress))
	}

	if err != nil {
		return models.ErrorResult(err.Error())
	}
	if result == nil {
		return models.ErrorResult("tool returned no result")
	}
	if !result.Success && result.Error == "" {
		result.Error = "unknown error"
	}
	return result
}

// safeExecute runs a tool inline, converting panics into error results
// so one misbehaving lightweight tool cannot take down the session.
func (l *Loop) safeExecute(ctx context.Context, tool Tool, args json.RawMessage, tc *ToolContext) (result *models.ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return tool.Execute(ctx, args, tc)
}

// validateCall is the mandatory step-level gate: registry lookup, the
// tool's own validator, the compiled parameter schema, then the
// plain-object fallback when the tool declares neither.
func (l *Loop) validateCall(call models.ToolCall) (Tool, []string) {
	if len(call.Name) > MaxToolNameLength {
		return nil, []string{fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength)}
	}
	if len(call.Args) > MaxToolArgsSize {
		return nil, []string{fmt.Sprintf("arguments exceed maximum size of %d bytes", MaxToolArgsSize)}
	}

	tool, ok := l.cfg.Registry.Get(call.Name)
	if !ok {
		return nil, []string{"Tool not found: " + call.Name}
	}

	validated := false
	if v, isValidator := tool.(ArgValidator); isValidator {
		if errs := v.ValidateArgs(call.Args); len(errs) > 0 {
			return nil, errs
		}
		validated = true
	}

	if sch := l.cfg.Registry.compiledSchema(call.Name); sch != nil {
		var value any = map[string]any{}
		if len(call.Args) > 0 && string(call.Args) != "null" {
			if err := json.Unmarshal(call.Args, &value); err != nil {
				return nil, []string{"Arguments must be an object."}
			}
			if _, isObject := value.(map[string]any); !isObject && value != nil {
				return nil, []string{"Arguments must be an object."}
			}
		}
		if err := sch.Validate(value); err != nil {
			return nil, []string{err.Error()}
		}
		validated = true
	}

	if !validated && !isPlainObject(call.Args) {
		return nil, []string{"Arguments must be an object."}
	}
	return tool, nil
}

// isPlainObject accepts absent/null arguments or a JSON object; arrays
// and scalars are rejected.
func isPlainObject(args json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(args))
	if trimmed == "" || trimmed == "null" {
		return true
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return false
	}
	switch v.(type) {
	case nil, map[string]any:
		return true
	}
	return false
}

// validationNote renders the tool-role message for a rejected call.
func validationNote(tool string, errs []string) string {
	if len(errs) == 1 && strings.HasPrefix(errs[0], "Tool not found") {
		return "[VALIDATION ERROR] " + errs[0]
	}
	return fmt.Sprintf("[VALIDATION ERROR] Invalid arguments for tool %s: %s", tool, strings.Join(errs, "; "))
}

// appendToolMessage sanitises a result and appends its tool-role
// message; redactions are reported to the observer.
func (l *Loop) appendToolMessage(ctx context.Context, st *runState, call models.ToolCall, result *models.ToolResult) {
	text := result.Output
	if !result.Success {
		text = result.Error
	}

	sres := l.cfg.Policy.SanitizeOutput(text)
	if sres.Redacted {
		l.cfg.Observer.OnSecurityEvent(ctx, observability.SecurityEvent{
			SessionID: l.cfg.SessionID,
			Type:      "secret_redacted",
			Tool:      call.Name,
			Patterns:  sres.Patterns,
		})
	}

	l.cfg.Context.AddMessage(models.Message{
		ID:         ids.NewMessageID(),
		Role:       models.RoleTool,
		Content:    sres.Clean,
		ToolCallID: call.ID,
		IsError:    !result.Success,
		CreatedAt:  time.Now(),
	})
	st.toolCalls++
}

// fillUnanswered writes error results for calls that will never run so
// the next engine call still sees one tool message per tool call.
func (l *Loop) fillUnanswered(calls []models.ToolCall, reason string) {
	if reason == "" {
		reason = "run aborted"
	}
	for _, c := range calls {
		l.cfg.Context.AddMessage(models.Message{
			ID:         ids.NewMessageID(),
			Role:       models.RoleTool,
			Content:    "[ABORTED] " + reason,
			ToolCallID: c.ID,
			IsError:    true,
			CreatedAt:  time.Now(),
		})
	}
}

// verify runs the configured verifier and feeds a hint back into the
// context on partial or failed outcomes. Verifier problems are observed
// and otherwise ignored.
func (l *Loop) verify(ctx context.Context, st *runState, em *emitter, initial string) {
	if l.cfg.Verifier == nil || st.finalAnswer == "" {
		return
	}

	vctx, span := l.cfg.Tracer.Start(ctx, "agent.verify")
	vr, err := l.cfg.Verifier.Verify(vctx, VerifyRequest{
		TaskDescription: initial,
		FinalAnswer:     st.finalAnswer,
		Messages:        l.cfg.Context.Messages(),
		ToolResults:     st.toolResults,
		Snapshots:       st.snapshots,
	})
	if err != nil {
		l.cfg.Tracer.RecordError(span, err)
		span.End()
		l.observeError(ctx, "verifier", &LoopError{Phase: PhaseVerify, Iteration: st.iteration, Cause: err})
		return
	}
	span.End()
	if vr == nil {
		return
	}

	em.emit(models.AgentEvent{Type: models.AgentEventVerification, Verification: vr})

	if vr.Outcome == models.VerificationPartial || vr.Outcome == models.VerificationFailure {
		l.cfg.Context.AddMessage(models.Message{
			ID:        ids.NewMessageID(),
			Role:      models.RoleSystem,
			Content:   verificationNote(vr),
			CreatedAt: time.Now(),
		})
	}
}

// yield drains steering and checks cancellation. The returned reason is
// only meaningful when stop is true.
func (l *Loop) yield(ctx context.Context) (reason string, stop bool) {
	if r, abort := l.applySteering(); abort {
		return r, true
	}
	if ctx.Err() != nil {
		return l.drainAbortReason(), true
	}
	return "", false
}

// applySteering drains the queue. An abort wins and discards the rest;
// otherwise injections and context updates are applied in order.
func (l *Loop) applySteering() (string, bool) {
	msgs := l.cfg.Steering.Drain()
	if len(msgs) == 0 {
		return "", false
	}
	if msgs[0].Kind == steering.KindAbort {
		return msgs[0].Content, true
	}
	for _, m := range msgs {
		switch m.Kind {
		case steering.KindInject:
			l.addSteeredMessage(m.Content)
		case steering.KindPriority:
			l.addSteeredMessage("[PRIORITY] " + m.Content)
		case steering.KindContextUpdate:
			l.cfg.Context.SetSystemPrompt(m.Content)
		}
	}
	return "", false
}

func (l *Loop) addSteeredMessage(content string) {
	l.cfg.Context.AddMessage(models.Message{
		ID:        ids.NewMessageID(),
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	})
}

// drainAbortReason empties the queue looking for the abort's reason;
// plain cancellation reports "cancelled".
func (l *Loop) drainAbortReason() string {
	for _, m := range l.cfg.Steering.Drain() {
		if m.Kind == steering.KindAbort {
			return m.Content
		}
	}
	return "cancelled"
}

func (l *Loop) emitAborted(em *emitter, reason string) {
	em.emit(models.AgentEvent{Type: models.AgentEventAborted, Reason: reason})
}

func (l *Loop) observeError(ctx context.Context, component string, err error) {
	l.cfg.Logger.Warn(ctx, "run error observed", "component", component, "error", err)
	l.cfg.Observer.OnError(ctx, observability.ErrorEvent{
		SessionID: l.cfg.SessionID,
		Component: component,
		Err:       err,
	})
}

func (l *Loop) observeLLMCall(ctx context.Context, status string, elapsed time.Duration, usage *models.Usage) {
	e := observability.LLMCallEvent{
		SessionID: l.cfg.SessionID,
		Engine:    l.cfg.Engine.ID(),
		Model:     l.cfg.Model,
		Status:    status,
		Duration:  elapsed,
	}
	if usage != nil {
		e.Usage = observability.UsageTotals{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		}
	}
	l.cfg.Observer.OnLLMCall(ctx, e)
}

func (l *Loop) toolContext(progress func(string)) *ToolContext {
	return &ToolContext{
		SessionID:  l.cfg.SessionID,
		Cwd:        DisplayPath(l.cfg.Cwd),
		Policy:     l.cfg.Policy,
		OnProgress: progress,
		Memory:     l.cfg.Memory,
		Engines:    l.cfg.Engines,
		Extensions: l.cfg.Extensions,
	}
}

func toolStatus(r *models.ToolResult) string {
	if r.Success {
		return "success"
	}
	return "error"
}

// DisplayPath shortens a workspace path for prompts and tool contexts:
// the home-directory prefix becomes "./". Paths outside the home are
// returned unchanged.
func DisplayPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" || path == "" {
		return path
	}
	if path == home {
		return "."
	}
	if strings.HasPrefix(path, home+string(os.PathSeparator)) {
		return "./" + path[len(home)+1:]
	}
	return path
}
