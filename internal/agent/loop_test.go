package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/backoff"
	"github.com/haasonsaas/conduit/internal/engines"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/security"
	"github.com/haasonsaas/conduit/internal/steering"
	"github.com/haasonsaas/conduit/internal/workerpool"
	"github.com/haasonsaas/conduit/pkg/models"
)

// scriptedEngine replays one event script per StartRun call and records
// the jobs it was given.
type scriptedEngine struct {
	mu        sync.Mutex
	scripts   [][]models.EngineEvent
	startErrs []error
	repeat    bool
	jobs      []*engines.Job
	calls     int
}

func (e *scriptedEngine) ID() string   { return "scripted" }
func (e *scriptedEngine) Name() string { return "Scripted Engine" }

func (e *scriptedEngine) StartRun(ctx context.Context, job *engines.Job) (engines.Handle, error) {
	e.mu.Lock()
	idx := e.calls
	e.calls++
	e.jobs = append(e.jobs, job)
	var startErr error
	if idx < len(e.startErrs) {
		startErr = e.startErrs[idx]
	}
	var script []models.EngineEvent
	switch {
	case idx < len(e.scripts):
		script = e.scripts[idx]
	case e.repeat && len(e.scripts) > 0:
		script = e.scripts[len(e.scripts)-1]
	}
	e.mu.Unlock()

	if startErr != nil {
		return nil, startErr
	}

	runCtx, cancel := context.WithCancel(ctx)
	ch := make(chan models.EngineEvent)
	go func() {
		defer close(ch)
		for _, ev := range script {
			select {
			case <-runCtx.Done():
				return
			case ch <- ev:
			}
		}
	}()
	return &scriptedHandle{events: ch, cancel: cancel}, nil
}

func (e *scriptedEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *scriptedEngine) job(i int) *engines.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs[i]
}

type scriptedHandle struct {
	events chan models.EngineEvent
	cancel context.CancelFunc
}

func (h *scriptedHandle) Events() <-chan models.EngineEvent { return h.events }
func (h *scriptedHandle) Cancel()                           { h.cancel() }
func (h *scriptedHandle) Steer(string) error                { return engines.ErrSteerUnsupported }

// hangingEngine emits its prefix events and then blocks until the run
// is cancelled.
type hangingEngine struct {
	prefix []models.EngineEvent
}

func (e *hangingEngine) ID() string   { return "hanging" }
func (e *hangingEngine) Name() string { return "Hanging Engine" }

func (e *hangingEngine) StartRun(ctx context.Context, _ *engines.Job) (engines.Handle, error) {
	runCtx, cancel := context.WithCancel(ctx)
	ch := make(chan models.EngineEvent)
	go func() {
		defer close(ch)
		for _, ev := range e.prefix {
			select {
			case <-runCtx.Done():
				return
			case ch <- ev:
			}
		}
		<-runCtx.Done()
	}()
	return &scriptedHandle{events: ch, cancel: cancel}, nil
}

// stubTool is a scriptable tool without validator or snapshot support.
type stubTool struct {
	name   string
	weight Weight
	schema json.RawMessage
	exec   func(ctx context.Context, args json.RawMessage, tc *ToolContext) (*models.ToolResult, error)
}

func (t *stubTool) Name() string            { return t.name }
func (t *stubTool) Description() string     { return "stub tool " + t.name }
func (t *stubTool) Weight() Weight          { return t.weight }
func (t *stubTool) Schema() json.RawMessage { return t.schema }

func (t *stubTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (*models.ToolResult, error) {
	if t.exec == nil {
		return models.SuccessResult("ok"), nil
	}
	return t.exec(ctx, args, tc)
}

// recordingObserver captures observer callbacks for assertions.
type recordingObserver struct {
	mu          sync.Mutex
	starts      []observability.SessionStartEvent
	ends        []observability.SessionEndEvent
	llmCalls    []observability.LLMCallEvent
	invocations []observability.ToolInvocationEvent
	security    []observability.SecurityEvent
	errs        []observability.ErrorEvent
	flushes     int
}

func (o *recordingObserver) OnSessionStart(_ context.Context, e observability.SessionStartEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts = append(o.starts, e)
}

func (o *recordingObserver) OnSessionEnd(_ context.Context, e observability.SessionEndEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ends = append(o.ends, e)
}

func (o *recordingObserver) OnLLMCall(_ context.Context, e observability.LLMCallEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.llmCalls = append(o.llmCalls, e)
}

func (o *recordingObserver) OnToolInvocation(_ context.Context, e observability.ToolInvocationEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invocations = append(o.invocations, e)
}

func (o *recordingObserver) OnCompaction(context.Context, observability.CompactionEvent) {}

func (o *recordingObserver) OnChannelMessage(context.Context, observability.ChannelMessageEvent) {}

func (o *recordingObserver) OnSecurityEvent(_ context.Context, e observability.SecurityEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.security = append(o.security, e)
}

func (o *recordingObserver) OnError(_ context.Context, e observability.ErrorEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, e)
}

func (o *recordingObserver) Flush(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flushes++
	return nil
}

func (o *recordingObserver) securityEvents() []observability.SecurityEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]observability.SecurityEvent(nil), o.security...)
}

func (o *recordingObserver) errorEvents() []observability.ErrorEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]observability.ErrorEvent(nil), o.errs...)
}

func (o *recordingObserver) sessionEnds() []observability.SessionEndEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]observability.SessionEndEvent(nil), o.ends...)
}

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

func testConfig(engine engines.Engine, tools ...Tool) Config {
	registry := NewRegistry()
	for _, tool := range tools {
		registry.Register(tool)
	}
	return Config{
		SessionID: "sess_test",
		Engine:    engine,
		Model:     "test-model",
		Registry:  registry,
		Logger:    quietLogger(),
		Backoff:   backoff.Policy{Initial: time.Millisecond, Max: 4 * time.Millisecond, Factor: 2, Jitter: 0},
	}
}

func mustLoop(t *testing.T, cfg Config) *Loop {
	t.Helper()
	loop, err := NewLoop(cfg)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	return loop
}

// collect drains the event channel until it closes.
func collect(t *testing.T, ch <-chan models.AgentEvent) []models.AgentEvent {
	t.Helper()
	var out []models.AgentEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream did not close; %d events so far", len(out))
		}
	}
}

// checkStreamInvariants verifies sequence monotonicity and the
// single-terminal-event contract (only a verification may trail it).
func checkStreamInvariants(t *testing.T, events []models.AgentEvent) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	var lastSeq uint64
	terminals := 0
	for i, ev := range events {
		if ev.Seq <= lastSeq {
			t.Errorf("event %d: seq %d not increasing (prev %d)", i, ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
		if ev.Terminal() {
			terminals++
			for _, rest := range events[i+1:] {
				if rest.Type != models.AgentEventVerification {
					t.Errorf("event %q follows terminal %q", rest.Type, ev.Type)
				}
			}
		}
	}
	if terminals != 1 {
		t.Errorf("got %d terminal events, want exactly 1", terminals)
	}
}

func eventTypes(events []models.AgentEvent) []models.AgentEventType {
	out := make([]models.AgentEventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func completedEvent(answer string, usage *models.Usage) models.EngineEvent {
	return models.EngineEvent{Type: models.EngineEventCompleted, Answer: answer, Usage: usage}
}

func textDelta(s string) models.EngineEvent {
	return models.EngineEvent{Type: models.EngineEventTextDelta, TextDelta: s}
}

func toolStart(id, name, args string) models.EngineEvent {
	call := &models.ToolCall{ID: id, Name: name}
	if args != "" {
		call.Args = json.RawMessage(args)
	}
	return models.EngineEvent{Type: models.EngineEventToolStart, ToolCall: call}
}

func TestRunPlainAnswer(t *testing.T) {
	engine := &scriptedEngine{scripts: [][]models.EngineEvent{{
		textDelta("Four"),
		completedEvent("Four", &models.Usage{InputTokens: 12, OutputTokens: 1}),
	}}}
	loop := mustLoop(t, testConfig(engine))

	ch, err := loop.Run(context.Background(), "What is 2+2?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := collect(t, ch)
	checkStreamInvariants(t, events)

	if len(events) != 2 {
		t.Fatalf("got %d events %v, want 2", len(events), eventTypes(events))
	}
	if events[0].Type != models.AgentEventText || events[0].Delta != "Four" || events[0].Partial != "Four" {
		t.Errorf("text event = %+v", events[0])
	}
	if events[1].Type != models.AgentEventComplete || events[1].Answer != "Four" {
		t.Errorf("complete event = %+v", events[1])
	}
	if events[1].Usage == nil || events[1].Usage.Total() != 13 {
		t.Errorf("complete usage = %+v", events[1].Usage)
	}

	msgs := loop.Context().Messages()
	last := msgs[len(msgs)-1]
	if last.Role != models.RoleAssistant || last.Content != "Four" {
		t.Errorf("context tail = %+v, want assistant 'Four'", last)
	}
}

func TestRunSingleToolRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	fileRead := &stubTool{
		name:   "file_read",
		weight: Lightweight,
		exec: func(_ context.Context, args json.RawMessage, _ *ToolContext) (*models.ToolResult, error) {
			var req struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(args, &req); err != nil {
				return models.ErrorResult(err.Error()), nil
			}
			data, err := os.ReadFile(filepath.Join(dir, req.Path))
			if err != nil {
				return models.ErrorResult(err.Error()), nil
			}
			return models.SuccessResult(string(data)), nil
		},
	}

	engine := &scriptedEngine{scripts: [][]models.EngineEvent{
		{
			toolStart("t1", "file_read", `{"path":"./a.txt"}`),
			completedEvent("", nil),
		},
		{
			textDelta("The file says hello."),
			completedEvent("The file says hello.", nil),
		},
	}}
	loop := mustLoop(t, testConfig(engine, fileRead))

	ch, err := loop.Run(context.Background(), "What does a.txt say?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := collect(t, ch)
	checkStreamInvariants(t, events)

	want := []models.AgentEventType{
		models.AgentEventToolStart,
		models.AgentEventToolEnd,
		models.AgentEventText,
		models.AgentEventComplete,
	}
	got := eventTypes(events)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("event order = %v, want %v", got, want)
	}

	if events[0].Tool != "file_read" || events[0].ToolCall == nil || events[0].ToolCall.ID != "t1" {
		t.Errorf("tool_start = %+v", events[0])
	}
	if res := events[1].Result; res == nil || !res.Success || res.Output != "hello\n" {
		t.Errorf("tool_end result = %+v", events[1].Result)
	}
	if events[3].Answer != "The file says hello." {
		t.Errorf("answer = %q", events[3].Answer)
	}

	// Context: user, assistant(tool_calls), tool, assistant.
	msgs := loop.Context().Messages()
	if len(msgs) != 4 {
		t.Fatalf("context has %d messages, want 4", len(msgs))
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].ID != "t1" {
		t.Errorf("assistant message tool calls = %+v", msgs[1].ToolCalls)
	}
	if msgs[2].Role != models.RoleTool || msgs[2].Content != "hello\n" || msgs[2].ToolCallID != "t1" {
		t.Errorf("tool message = %+v", msgs[2])
	}
}

func TestRunValidationRejection(t *testing.T) {
	fileRead := &stubTool{name: "file_read", weight: Lightweight}

	engine := &scriptedEngine{scripts: [][]models.EngineEvent{
		{toolStart("t1", "file_read", `"not-an-object"`)},
		{
			textDelta("Sorry, let me answer directly."),
			completedEvent("Sorry, let me answer directly.", nil),
		},
	}}
	loop := mustLoop(t, testConfig(engine, fileRead))

	ch, err := loop.Run(context.Background(), "read the file")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := collect(t, ch)
	checkStreamInvariants(t, events)

	if events[0].Type != models.AgentEventToolValidationError {
		t.Fatalf("first event = %v, want tool_validation_error", events[0].Type)
	}
	if events[0].Tool != "file_read" {
		t.Errorf("tool = %q", events[0].Tool)
	}
	if len(events[0].Errors) != 1 || events[0].Errors[0] != "Arguments must be an object." {
		t.Errorf("errors = %v", events[0].Errors)
	}
	for _, ev := range events {
		if ev.Type == models.AgentEventToolStart || ev.Type == models.AgentEventToolEnd {
			t.Errorf("unexpected %v after validation rejection", ev.Type)
		}
	}
	if events[len(events)-1].Type != models.AgentEventComplete {
		t.Errorf("run did not recover to complete: %v", eventTypes(events))
	}

	// The rejection is fed back as a tool-role message so the engine can
	// correct itself.
	var found bool
	for _, m := range loop.Context().Messages() {
		if m.Role == models.RoleTool && m.ToolCallID == "t1" {
			found = true
			if !strings.HasPrefix(m.Content, "[VALIDATION ERROR]") || !m.IsError {
				t.Errorf("validation message = %+v", m)
			}
		}
	}
	if !found {
		t.Error("no tool message appended for rejected call")
	}
}

func TestRunUnknownToolRejected(t *testing.T) {
	engine := &scriptedEngine{scripts: [][]models.EngineEvent{
		{toolStart("t1", "nope", `{}`)},
		{completedEvent("done", nil)},
	}}
	loop := mustLoop(t, testConfig(engine))

	ch, _ := loop.Run(context.Background(), "use the missing tool")
	events := collect(t, ch)
	checkStreamInvariants(t, events)

	if events[0].Type != models.AgentEventToolValidationError {
		t.Fatalf("first event = %v", events[0].Type)
	}
	if len(events[0].Errors) != 1 || events[0].Errors[0] != "Tool not found: nope" {
		t.Errorf("errors = %v", events[0].Errors)
	}

	var note string
	for _, m := range loop.Context().Messages() {
		if m.Role == models.RoleTool && m.ToolCallID == "t1" {
			note = m.Content
		}
	}
	if note != "[VALIDATION ERROR] Tool not found: nope" {
		t.Errorf("context note = %q", note)
	}
}

func TestRunSchemaValidation(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"],
		"additionalProperties": false
	}`)
	tool := &stubTool{name: "file_read", weight: Lightweight, schema: schema}

	engine := &scriptedEngine{scripts: [][]models.EngineEvent{
		{toolStart("t1", "file_read", `{"wrong":"field"}`)},
		{completedEvent("recovered", nil)},
	}}
	loop := mustLoop(t, testConfig(engine, tool))

	ch, _ := loop.Run(context.Background(), "go")
	events := collect(t, ch)
	checkStreamInvariants(t, events)

	if events[0].Type != models.AgentEventToolValidationError {
		t.Fatalf("first event = %v, want tool_validation_error", events[0].Type)
	}
	if len(events[0].Errors) == 0 {
		t.Fatal("expected schema validation errors")
	}
}

func TestRunSecretRedaction(t *testing.T) {
	const leaked = "export OPENAI_API_KEY=sk-abc123def456ghi789jkl0"
	envDump := &stubTool{
		name:   "env_dump",
		weight: Lightweight,
		exec: func(context.Context, json.RawMessage, *ToolContext) (*models.ToolResult, error) {
			return models.SuccessResult(leaked), nil
		},
	}

	engine := &scriptedEngine{scripts: [][]models.EngineEvent{
		{toolStart("t1", "env_dump", `{}`)},
		{completedEvent("done", nil)},
	}}
	obs := &recordingObserver{}
	cfg := testConfig(engine, envDump)
	cfg.Observer = obs
	loop := mustLoop(t, cfg)

	ch, _ := loop.Run(context.Background(), "show the environment")
	events := collect(t, ch)
	checkStreamInvariants(t, events)

	// The caller sees the unredacted result; the context does not.
	var toolEnd *models.AgentEvent
	for i := range events {
		if events[i].Type == models.AgentEventToolEnd {
			toolEnd = &events[i]
		}
	}
	if toolEnd == nil || toolEnd.Result.Output != leaked {
		t.Fatalf("tool_end should carry the raw output, got %+v", toolEnd)
	}

	var contextual string
	for _, m := range loop.Context().Messages() {
		if m.Role == models.RoleTool && m.ToolCallID == "t1" {
			contextual = m.Content
		}
	}
	if strings.Contains(contextual, "sk-abc123") {
		t.Errorf("secret leaked into context: %q", contextual)
	}
	if !strings.Contains(contextual, "[REDACTED]") {
		t.Errorf("context message not redacted: %q", contextual)
	}

	sec := obs.securityEvents()
	if len(sec) != 1 {
		t.Fatalf("got %d security events, want 1", len(sec))
	}
	if sec[0].Type != "secret_redacted" || sec[0].Tool != "env_dump" {
		t.Errorf("security event = %+v", sec[0])
	}
	if len(sec[0].Patterns) != 1 || sec[0].Patterns[0] != "openai_api_key" {
		t.Errorf("patterns = %v", sec[0].Patterns)
	}
}

func TestRunSteeredAbort(t *testing.T) {
	engine := &hangingEngine{prefix: []models.EngineEvent{textDelta("Let me think")}}
	loop := mustLoop(t, testConfig(engine))

	ch, err := loop.Run(context.Background(), "long task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	first := <-ch
	if first.Type != models.AgentEventText {
		t.Fatalf("first event = %v, want text", first.Type)
	}

	loop.Abort("user cancel")

	events := collect(t, ch)
	if len(events) != 1 {
		t.Fatalf("got %d events after abort %v, want 1", len(events), eventTypes(events))
	}
	if events[0].Type != models.AgentEventAborted || events[0].Reason != "user cancel" {
		t.Errorf("aborted event = %+v", events[0])
	}
	if loop.Running() {
		t.Error("loop still running after abort")
	}
}

// An abort with no run in flight must not kill the next run: a client
// sending abort just after a run completes is an ordinary race, and the
// following run is unrelated to it.
func TestAbortWithoutRunIsDropped(t *testing.T) {
	engine := &scriptedEngine{
		scripts: [][]models.EngineEvent{
			{completedEvent("first", nil)},
			{completedEvent("second", nil)},
		},
	}
	loop := mustLoop(t, testConfig(engine))

	loop.Abort("stale before any run")

	ch, err := loop.Run(context.Background(), "first task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := collect(t, ch)
	checkStreamInvariants(t, events)
	if last := events[len(events)-1]; last.Type != models.AgentEventComplete {
		t.Fatalf("terminal event = %v, want complete", last.Type)
	}

	// Raced abort between runs: the first run is done, so this targets
	// nothing and must not poison the second run.
	loop.Abort("stale between runs")

	ch, err = loop.Run(context.Background(), "second task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	events = collect(t, ch)
	checkStreamInvariants(t, events)
	if last := events[len(events)-1]; last.Type != models.AgentEventComplete || last.Answer != "second" {
		t.Fatalf("terminal event = %+v, want complete %q", last, "second")
	}
	if got := engine.callCount(); got != 2 {
		t.Errorf("engine calls = %d, want 2 (stale aborts must not suppress runs)", got)
	}
}

func TestRunMaxIterationsGuard(t *testing.T) {
	echo := &stubTool{name: "echo", weight: Lightweight}
	engine := &scriptedEngine{
		scripts: [][]models.EngineEvent{{toolStart("t1", "echo", `{}`)}},
		repeat:  true,
	}
	obs := &recordingObserver{}
	cfg := testConfig(engine, echo)
	cfg.Observer = obs
	loop := mustLoop(t, cfg)

	ch, _ := loop.Run(context.Background(), "never finish")
	events := collect(t, ch)
	checkStreamInvariants(t, events)

	last := events[len(events)-1]
	if last.Type != models.AgentEventError {
		t.Fatalf("last event = %v, want error", last.Type)
	}
	if last.Err != "Agent loop exceeded maximum iterations (50)" {
		t.Errorf("error = %q", last.Err)
	}
	if got := engine.callCount(); got != DefaultMaxIterations {
		t.Errorf("engine calls = %d, want %d", got, DefaultMaxIterations)
	}

	ends := obs.sessionEnds()
	if len(ends) != 1 || ends[0].Outcome != "error" {
		t.Errorf("session end = %+v", ends)
	}
	if ends[0].Iterations != DefaultMaxIterations {
		t.Errorf("iterations = %d", ends[0].Iterations)
	}
}

func TestRunToolPairingUnderLoad(t *testing.T) {
	echo := &stubTool{name: "echo", weight: Lightweight}
	var scripts [][]models.EngineEvent
	for i := 0; i < 5; i++ {
		scripts = append(scripts, []models.EngineEvent{
			toolStart(fmt.Sprintf("a%d", i), "echo", `{}`),
			toolStart(fmt.Sprintf("b%d", i), "echo", `{}`),
		})
	}
	scripts = append(scripts, []models.EngineEvent{completedEvent("done", nil)})
	engine := &scriptedEngine{scripts: scripts}
	loop := mustLoop(t, testConfig(engine, echo))

	ch, _ := loop.Run(context.Background(), "repeat tools")
	events := collect(t, ch)
	checkStreamInvariants(t, events)

	starts, ends := 0, 0
	for _, ev := range events {
		switch ev.Type {
		case models.AgentEventToolStart:
			starts++
		case models.AgentEventToolEnd:
			ends++
		}
	}
	if starts != 10 || ends != 10 {
		t.Errorf("starts=%d ends=%d, want 10/10", starts, ends)
	}

	// Every tool message answers a call in the nearest preceding
	// assistant message.
	msgs := loop.Context().Messages()
	var currentCalls map[string]bool
	for _, m := range msgs {
		switch m.Role {
		case models.RoleAssistant:
			currentCalls = make(map[string]bool, len(m.ToolCalls))
			for _, c := range m.ToolCalls {
				currentCalls[c.ID] = true
			}
		case models.RoleTool:
			if !currentCalls[m.ToolCallID] {
				t.Errorf("tool message %q not matched to preceding assistant", m.ToolCallID)
			}
		}
	}
}

func TestRunRetryableStartErrorRecovers(t *testing.T) {
	engine := &scriptedEngine{
		startErrs: []error{
			&engines.Error{Engine: "scripted", Message: "overloaded", Retryable: true},
		},
		scripts: [][]models.EngineEvent{
			nil, // consumed by the failed first call
			{completedEvent("fine now", nil)},
		},
	}
	loop := mustLoop(t, testConfig(engine))

	ch, _ := loop.Run(context.Background(), "hello")
	events := collect(t, ch)
	checkStreamInvariants(t, events)

	if events[len(events)-1].Type != models.AgentEventComplete {
		t.Fatalf("events = %v, want complete after retry", eventTypes(events))
	}
	if got := engine.callCount(); got != 2 {
		t.Errorf("engine calls = %d, want 2", got)
	}
}

func TestRunNonRetryableStartErrorFails(t *testing.T) {
	engine := &scriptedEngine{
		startErrs: []error{
			&engines.Error{Engine: "scripted", Message: "invalid_api_key", Retryable: false},
		},
	}
	loop := mustLoop(t, testConfig(engine))

	ch, _ := loop.Run(context.Background(), "hello")
	events := collect(t, ch)
	checkStreamInvariants(t, events)

	if len(events) != 1 || events[0].Type != models.AgentEventError {
		t.Fatalf("events = %v, want single error", eventTypes(events))
	}
	if got := engine.callCount(); got != 1 {
		t.Errorf("engine calls = %d, want 1 (no retry)", got)
	}
}

func TestRunStreamErrorExhaustsRetries(t *testing.T) {
	failing := []models.EngineEvent{{
		Type: models.EngineEventError, Err: "rate limited", Retryable: true,
	}}
	engine := &scriptedEngine{
		scripts: [][]models.EngineEvent{failing},
		repeat:  true,
	}
	loop := mustLoop(t, testConfig(engine))

	ch, _ := loop.Run(context.Background(), "hello")
	events := collect(t, ch)
	checkStreamInvariants(t, events)

	if events[len(events)-1].Type != models.AgentEventError {
		t.Fatalf("events = %v, want error", eventTypes(events))
	}
	if got := engine.callCount(); got != DefaultMaxRetries {
		t.Errorf("engine calls = %d, want %d", got, DefaultMaxRetries)
	}
}

func TestRunAppliesSteeringBeforeEngineCall(t *testing.T) {
	engine := &scriptedEngine{scripts: [][]models.EngineEvent{
		{completedEvent("done", nil)},
	}}
	queue := steering.NewQueue()
	queue.Push(steering.ContextUpdate("You are terse."))
	queue.Push(steering.Inject("remember the deadline"))
	queue.Push(steering.Priority("drop everything"))

	cfg := testConfig(engine)
	cfg.Steering = queue
	loop := mustLoop(t, cfg)

	ch, _ := loop.Run(context.Background(), "hello")
	events := collect(t, ch)
	checkStreamInvariants(t, events)

	job := engine.job(0)
	if job.SystemPrompt != "You are terse." {
		t.Errorf("system prompt = %q", job.SystemPrompt)
	}
	var contents []string
	for _, m := range job.Messages {
		contents = append(contents, m.Content)
	}
	wantOrder := []string{"hello", "remember the deadline", "[PRIORITY] drop everything"}
	if fmt.Sprint(contents) != fmt.Sprint(wantOrder) {
		t.Errorf("messages = %v, want %v", contents, wantOrder)
	}
}

func TestRunVerificationFeedback(t *testing.T) {
	engine := &scriptedEngine{scripts: [][]models.EngineEvent{
		{textDelta("done I think"), completedEvent("done I think", nil)},
	}}
	cfg := testConfig(engine)
	cfg.Verifier = VerifierFunc(func(_ context.Context, req VerifyRequest) (*models.VerificationResult, error) {
		if req.FinalAnswer != "done I think" {
			t.Errorf("verifier answer = %q", req.FinalAnswer)
		}
		return &models.VerificationResult{
			Outcome:     models.VerificationPartial,
			Confidence:  0.4,
			Reasoning:   "no tests were run",
			Suggestions: []string{"run the test suite"},
		}, nil
	})
	loop := mustLoop(t, cfg)

	ch, _ := loop.Run(context.Background(), "fix the bug")
	events := collect(t, ch)
	checkStreamInvariants(t, events)

	last := events[len(events)-1]
	if last.Type != models.AgentEventVerification {
		t.Fatalf("last event = %v, want verification", last.Type)
	}
	if last.Verification.Outcome != models.VerificationPartial {
		t.Errorf("outcome = %v", last.Verification.Outcome)
	}

	msgs := loop.Context().Messages()
	note := msgs[len(msgs)-1]
	if note.Role != models.RoleSystem {
		t.Fatalf("verification note role = %v", note.Role)
	}
	if !strings.Contains(note.Content, "[VERIFICATION PARTIAL] no tests were run") ||
		!strings.Contains(note.Content, "- run the test suite") {
		t.Errorf("note = %q", note.Content)
	}
}

func TestRunVerifierErrorIsSwallowed(t *testing.T) {
	engine := &scriptedEngine{scripts: [][]models.EngineEvent{
		{completedEvent("answer", nil)},
	}}
	obs := &recordingObserver{}
	cfg := testConfig(engine)
	cfg.Observer = obs
	cfg.Verifier = VerifierFunc(func(context.Context, VerifyRequest) (*models.VerificationResult, error) {
		return nil, errors.New("judge offline")
	})
	loop := mustLoop(t, cfg)

	ch, _ := loop.Run(context.Background(), "task")
	events := collect(t, ch)
	checkStreamInvariants(t, events)

	if events[len(events)-1].Type != models.AgentEventComplete {
		t.Errorf("terminal = %v, want complete despite verifier failure", events[len(events)-1].Type)
	}
	errs := obs.errorEvents()
	if len(errs) != 1 || errs[0].Component != "verifier" {
		t.Errorf("observer errors = %+v", errs)
	}
}

func TestRunHooksFireAndErrorsAreSwallowed(t *testing.T) {
	engine := &scriptedEngine{scripts: [][]models.EngineEvent{
		{completedEvent("hi", nil)},
	}}
	obs := &recordingObserver{}
	var before, after int
	cfg := testConfig(engine)
	cfg.Observer = obs
	cfg.Hooks = Hooks{
		OnBeforeFirstRun: func(_ context.Context, info *RunInfo) error {
			before++
			if info.InitialMessage != "hello" {
				t.Errorf("hook initial = %q", info.InitialMessage)
			}
			return errors.New("recall backend down")
		},
		OnAfterComplete: func(_ context.Context, info *RunInfo) error {
			after++
			if info.FinalAnswer != "hi" {
				t.Errorf("hook answer = %q", info.FinalAnswer)
			}
			return nil
		},
	}
	loop := mustLoop(t, cfg)

	ch, _ := loop.Run(context.Background(), "hello")
	events := collect(t, ch)
	checkStreamInvariants(t, events)

	if events[len(events)-1].Type != models.AgentEventComplete {
		t.Fatalf("terminal = %v, want complete", events[len(events)-1].Type)
	}
	if before != 1 || after != 1 {
		t.Errorf("hooks fired before=%d after=%d, want 1/1", before, after)
	}
	errs := obs.errorEvents()
	if len(errs) != 1 || errs[0].Component != "hook" {
		t.Errorf("observer errors = %+v", errs)
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	engine := &hangingEngine{}
	loop := mustLoop(t, testConfig(engine))

	ch, err := loop.Run(context.Background(), "first")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := loop.Run(context.Background(), "second"); !errors.Is(err, ErrRunActive) {
		t.Errorf("second Run err = %v, want ErrRunActive", err)
	}

	loop.Abort("test over")
	collect(t, ch)

	// The loop accepts a new run once the previous one finished.
	engine2 := &scriptedEngine{scripts: [][]models.EngineEvent{{completedEvent("ok", nil)}}}
	cfg := testConfig(engine2)
	cfg.Context = loop.Context()
	loop2 := mustLoop(t, cfg)
	ch2, err := loop2.Run(context.Background(), "third")
	if err != nil {
		t.Fatalf("Run after abort: %v", err)
	}
	collect(t, ch2)
}

func TestRunHeavyweightToolUsesPool(t *testing.T) {
	pool := workerpool.New(workerpool.Config{MaxWorkers: 2, TaskTimeout: 5 * time.Second})

	heavy := &stubTool{
		name:   "crunch",
		weight: Heavyweight,
		exec: func(_ context.Context, _ json.RawMessage, tc *ToolContext) (*models.ToolResult, error) {
			tc.Progress("halfway")
			return models.SuccessResult("crunched"), nil
		},
	}
	engine := &scriptedEngine{scripts: [][]models.EngineEvent{
		{toolStart("t1", "crunch", `{}`)},
		{completedEvent("done", nil)},
	}}
	cfg := testConfig(engine, heavy)
	cfg.Pool = pool
	cfg.OwnsPool = true
	loop := mustLoop(t, cfg)

	ch, _ := loop.Run(context.Background(), "crunch it")
	events := collect(t, ch)
	checkStreamInvariants(t, events)

	var sawProgress, sawEnd bool
	for _, ev := range events {
		switch ev.Type {
		case models.AgentEventToolProgress:
			sawProgress = true
			if ev.Progress != "halfway" || ev.Tool != "crunch" {
				t.Errorf("progress event = %+v", ev)
			}
		case models.AgentEventToolEnd:
			sawEnd = true
			if ev.Result.Output != "crunched" {
				t.Errorf("result = %+v", ev.Result)
			}
		}
	}
	if !sawProgress || !sawEnd {
		t.Errorf("progress=%v end=%v, want both", sawProgress, sawEnd)
	}

	if stats := pool.Stats(); stats.Completed != 1 {
		t.Errorf("pool completed = %d, want 1", stats.Completed)
	}
}

func TestRunToolPanicBecomesErrorResult(t *testing.T) {
	bomb := &stubTool{
		name:   "bomb",
		weight: Lightweight,
		exec: func(context.Context, json.RawMessage, *ToolContext) (*models.ToolResult, error) {
			panic("kaboom")
		},
	}
	engine := &scriptedEngine{scripts: [][]models.EngineEvent{
		{toolStart("t1", "bomb", `{}`)},
		{completedEvent("survived", nil)},
	}}
	loop := mustLoop(t, testConfig(engine, bomb))

	ch, _ := loop.Run(context.Background(), "boom")
	events := collect(t, ch)
	checkStreamInvariants(t, events)

	var toolEnd *models.AgentEvent
	for i := range events {
		if events[i].Type == models.AgentEventToolEnd {
			toolEnd = &events[i]
		}
	}
	if toolEnd == nil {
		t.Fatal("no tool_end after panic")
	}
	if toolEnd.Result.Success {
		t.Error("panicking tool reported success")
	}
	if !strings.Contains(toolEnd.Result.Error, "kaboom") {
		t.Errorf("error = %q", toolEnd.Result.Error)
	}
	if events[len(events)-1].Type != models.AgentEventComplete {
		t.Errorf("run did not survive tool panic: %v", eventTypes(events))
	}
}

func TestRunEmptyResultErrorGetsReason(t *testing.T) {
	empty := &stubTool{
		name:   "empty",
		weight: Lightweight,
		exec: func(context.Context, json.RawMessage, *ToolContext) (*models.ToolResult, error) {
			return &models.ToolResult{Success: false}, nil
		},
	}
	engine := &scriptedEngine{scripts: [][]models.EngineEvent{
		{toolStart("t1", "empty", `{}`)},
		{completedEvent("done", nil)},
	}}
	loop := mustLoop(t, testConfig(engine, empty))

	ch, _ := loop.Run(context.Background(), "go")
	events := collect(t, ch)

	for _, ev := range events {
		if ev.Type == models.AgentEventToolEnd && !ev.Result.Success && ev.Result.Error == "" {
			t.Error("failed result carries no error message")
		}
	}
}

func TestRunTreatCompletedAsFinal(t *testing.T) {
	echo := &stubTool{name: "echo", weight: Lightweight}
	engine := &scriptedEngine{scripts: [][]models.EngineEvent{{
		toolStart("t1", "echo", `{}`),
		completedEvent("early answer", nil),
	}}}
	cfg := testConfig(engine, echo)
	cfg.TreatCompletedAsFinal = true
	loop := mustLoop(t, cfg)

	ch, _ := loop.Run(context.Background(), "go")
	events := collect(t, ch)
	checkStreamInvariants(t, events)

	if len(events) != 1 || events[0].Type != models.AgentEventComplete {
		t.Fatalf("events = %v, want lone complete", eventTypes(events))
	}
	if events[0].Answer != "early answer" {
		t.Errorf("answer = %q", events[0].Answer)
	}
	if got := engine.callCount(); got != 1 {
		t.Errorf("engine calls = %d, want 1", got)
	}
}

func TestDisplayPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	cases := []struct{ in, want string }{
		{filepath.Join(home, "projects", "foo"), "./projects/foo"},
		{home, "."},
		{"/srv/data", "/srv/data"},
		{"", ""},
	}
	for _, c := range cases {
		if got := DisplayPath(c.in); got != c.want {
			t.Errorf("DisplayPath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSanitizedCwdInToolContext(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	ws := filepath.Join(home, "work", "proj")

	var seen string
	whereami := &stubTool{
		name:   "whereami",
		weight: Lightweight,
		exec: func(_ context.Context, _ json.RawMessage, tc *ToolContext) (*models.ToolResult, error) {
			seen = tc.Cwd
			return models.SuccessResult("ok"), nil
		},
	}
	engine := &scriptedEngine{scripts: [][]models.EngineEvent{
		{toolStart("t1", "whereami", `{}`)},
		{completedEvent("done", nil)},
	}}
	cfg := testConfig(engine, whereami)
	cfg.Cwd = ws
	cfg.Policy = security.NewPolicy(security.Options{Autonomy: models.AutonomyFull, WorkspaceRoot: ws})
	loop := mustLoop(t, cfg)

	ch, _ := loop.Run(context.Background(), "where are we")
	collect(t, ch)

	if seen != "./work/proj" {
		t.Errorf("tool saw cwd %q, want ./work/proj", seen)
	}
}
