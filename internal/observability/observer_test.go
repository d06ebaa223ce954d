package observability

import (
	"context"
	"errors"
	"testing"
	"time"
)

// recordingObserver counts calls per event type.
type recordingObserver struct {
	NopObserver
	starts      int
	ends        int
	security    int
	compactions int
	flushed     int
	flushErr    error
}

func (r *recordingObserver) OnSessionStart(context.Context, SessionStartEvent) { r.starts++ }
func (r *recordingObserver) OnSessionEnd(context.Context, SessionEndEvent)     { r.ends++ }
func (r *recordingObserver) OnSecurityEvent(context.Context, SecurityEvent)    { r.security++ }
func (r *recordingObserver) OnCompaction(context.Context, CompactionEvent)     { r.compactions++ }
func (r *recordingObserver) Flush(context.Context) error {
	r.flushed++
	return r.flushErr
}

func TestMultiObserverFansOut(t *testing.T) {
	a := &recordingObserver{}
	b := &recordingObserver{}
	multi := NewMultiObserver(a, nil, b)

	ctx := context.Background()
	multi.OnSessionStart(ctx, SessionStartEvent{SessionID: "s1"})
	multi.OnSessionEnd(ctx, SessionEndEvent{SessionID: "s1", Outcome: "complete"})
	multi.OnSecurityEvent(ctx, SecurityEvent{Type: "secret_redacted"})
	multi.OnCompaction(ctx, CompactionEvent{SessionID: "s1", Strategy: "sliding_window"})

	for name, o := range map[string]*recordingObserver{"a": a, "b": b} {
		if o.starts != 1 || o.ends != 1 || o.security != 1 || o.compactions != 1 {
			t.Errorf("observer %s missed events: starts=%d ends=%d security=%d compactions=%d",
				name, o.starts, o.ends, o.security, o.compactions)
		}
	}
}

func TestMultiObserverFlushReturnsFirstError(t *testing.T) {
	wantErr := errors.New("sink unavailable")
	a := &recordingObserver{flushErr: wantErr}
	b := &recordingObserver{}
	multi := NewMultiObserver(a, b)

	if err := multi.Flush(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("Flush() = %v, want %v", err, wantErr)
	}
	if b.flushed != 1 {
		t.Error("later observer not flushed after earlier error")
	}
}

func TestLogObserverDoesNotPanic(t *testing.T) {
	logger, _ := captureLogger(t, "json")
	o := NewLogObserver(logger)
	ctx := context.Background()

	o.OnSessionStart(ctx, SessionStartEvent{SessionID: "s1", RunID: "r1", Engine: "anthropic", Model: "m"})
	o.OnSessionEnd(ctx, SessionEndEvent{SessionID: "s1", Outcome: "complete", Duration: time.Second})
	o.OnLLMCall(ctx, LLMCallEvent{SessionID: "s1", Engine: "anthropic", Status: "success"})
	o.OnToolInvocation(ctx, ToolInvocationEvent{SessionID: "s1", Tool: "file_read", Status: "success"})
	o.OnChannelMessage(ctx, ChannelMessageEvent{Channel: "telegram", Direction: "inbound"})
	o.OnSecurityEvent(ctx, SecurityEvent{Type: "policy_denied", Tool: "shell_exec"})
	o.OnError(ctx, ErrorEvent{Component: "engine", Err: errors.New("boom")})
	if err := o.Flush(ctx); err != nil {
		t.Errorf("Flush() = %v", err)
	}
}

func TestErrKind(t *testing.T) {
	cases := []struct {
		err  string
		want string
	}{
		{"context deadline exceeded", "timeout"},
		{"operation was cancelled", "cancelled"},
		{"429 Too Many Requests", "rate_limited"},
		{"invalid api key", "auth"},
		{"something else broke", "internal"},
	}
	for _, tc := range cases {
		if got := errKind(errors.New(tc.err)); got != tc.want {
			t.Errorf("errKind(%q) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
