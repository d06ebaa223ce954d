package scheduler

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/internal/observability"
)

type dispatchCall struct {
	entry   Entry
	message string
}

// recordingDispatcher captures every dispatch and can be told to fail.
type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
	fired chan struct{}
}

func (r *recordingDispatcher) Dispatch(_ context.Context, entry Entry, message string) error {
	r.mu.Lock()
	r.calls = append(r.calls, dispatchCall{entry: entry, message: message})
	err := r.err
	r.mu.Unlock()
	if r.fired != nil {
		select {
		case r.fired <- struct{}{}:
		default:
		}
	}
	return err
}

func (r *recordingDispatcher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recordingDispatcher) last() dispatchCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func (r *recordingDispatcher) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// newTestScheduler pins the clock at testStart and returns an advance
// function. Tests drive it with RunOnce, so the clock is only touched
// from the test goroutine.
func newTestScheduler(t *testing.T, d Dispatcher, entries []EntryConfig) (*Scheduler, func(time.Duration)) {
	t.Helper()
	current := testStart
	s, err := New(d, entries,
		WithLogger(quietLogger()),
		WithNow(func() time.Time { return current }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, func(d time.Duration) { current = current.Add(d) }
}

func everyEntry(id string, interval time.Duration) EntryConfig {
	return EntryConfig{
		ID:       id,
		Enabled:  true,
		Schedule: ScheduleConfig{Every: interval},
		Message:  "wake up",
	}
}

func TestNewRequiresDispatcher(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Fatal("expected an error without a dispatcher")
	}
}

func TestNewSkipsDisabledAndInvalidEntries(t *testing.T) {
	rec := &recordingDispatcher{}
	s, _ := newTestScheduler(t, rec, []EntryConfig{
		{ID: "no-message", Enabled: true, Schedule: ScheduleConfig{Every: time.Hour}},
		{ID: "disabled", Schedule: ScheduleConfig{Every: time.Hour}, Message: "hi"},
		{ID: "bad-schedule", Enabled: true, Schedule: ScheduleConfig{Cron: "nope"}, Message: "hi"},
		{ID: "stale", Enabled: true, Schedule: ScheduleConfig{At: "2020-01-01T00:00:00Z"}, Message: "hi"},
		everyEntry("good", time.Hour),
	})

	entries := s.Entries()
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].ID != "good" {
		t.Fatalf("entry id = %q, want %q", entries[0].ID, "good")
	}
	if want := testStart.Add(time.Hour); !entries[0].NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", entries[0].NextRun, want)
	}
}

func TestNewSkipsDuplicateIDs(t *testing.T) {
	rec := &recordingDispatcher{}
	s, _ := newTestScheduler(t, rec, []EntryConfig{
		everyEntry("dup", time.Hour),
		everyEntry("dup", time.Minute),
	})
	if got := len(s.Entries()); got != 1 {
		t.Fatalf("len(entries) = %d, want 1", got)
	}
}

func TestRunOnceFiresDueEntries(t *testing.T) {
	rec := &recordingDispatcher{}
	s, advance := newTestScheduler(t, rec, []EntryConfig{everyEntry("tick", 5*time.Minute)})

	if fired := s.RunOnce(context.Background()); fired != 0 {
		t.Fatalf("fired = %d before the interval elapsed, want 0", fired)
	}

	advance(5 * time.Minute)
	if fired := s.RunOnce(context.Background()); fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	call := rec.last()
	if call.entry.ID != "tick" || call.message != "wake up" {
		t.Fatalf("dispatched %q/%q", call.entry.ID, call.message)
	}

	// Rescheduled from the fire time, not the original anchor.
	fireTime := testStart.Add(5 * time.Minute)
	e := s.Entries()[0]
	if !e.LastRun.Equal(fireTime) {
		t.Fatalf("LastRun = %v, want %v", e.LastRun, fireTime)
	}
	if want := fireTime.Add(5 * time.Minute); !e.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", e.NextRun, want)
	}

	// Same instant again: nothing due.
	if fired := s.RunOnce(context.Background()); fired != 0 {
		t.Fatalf("refired at the same instant")
	}
}

func TestAtEntryFiresOnceThenDisables(t *testing.T) {
	rec := &recordingDispatcher{}
	s, advance := newTestScheduler(t, rec, []EntryConfig{{
		ID:       "once",
		Enabled:  true,
		Schedule: ScheduleConfig{At: testStart.Add(time.Minute).Format(time.RFC3339)},
		Message:  "now or never",
	}})

	if fired := s.RunOnce(context.Background()); fired != 0 {
		t.Fatal("fired before the timestamp")
	}
	advance(time.Minute)
	if fired := s.RunOnce(context.Background()); fired != 1 {
		t.Fatal("expected the entry to fire")
	}

	e := s.Entries()[0]
	if e.Enabled {
		t.Fatal("one-shot entry still enabled after firing")
	}
	if !e.NextRun.IsZero() {
		t.Fatalf("NextRun = %v, want zero", e.NextRun)
	}
	advance(time.Hour)
	if fired := s.RunOnce(context.Background()); fired != 0 {
		t.Fatal("exhausted entry fired again")
	}
}

func TestCronEntryFiresOnTheHour(t *testing.T) {
	rec := &recordingDispatcher{}
	s, advance := newTestScheduler(t, rec, []EntryConfig{{
		ID:       "hourly",
		Enabled:  true,
		Schedule: ScheduleConfig{Cron: "0 * * * *"},
		Message:  "top of the hour",
	}})

	// testStart is 12:00 exactly; strictly-after puts the first fire at 13:00.
	if want := testStart.Add(time.Hour); !s.Entries()[0].NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", s.Entries()[0].NextRun, want)
	}

	advance(30 * time.Minute)
	if fired := s.RunOnce(context.Background()); fired != 0 {
		t.Fatal("fired at half past")
	}
	advance(30 * time.Minute)
	if fired := s.RunOnce(context.Background()); fired != 1 {
		t.Fatal("expected the 13:00 fire")
	}
	if want := testStart.Add(2 * time.Hour); !s.Entries()[0].NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", s.Entries()[0].NextRun, want)
	}
}

func TestMessageTemplateRendering(t *testing.T) {
	rec := &recordingDispatcher{}
	s, advance := newTestScheduler(t, rec, []EntryConfig{{
		ID:       "recap",
		Enabled:  true,
		Schedule: ScheduleConfig{Every: time.Hour},
		Message:  "Recap for {{.team}} on {{.date}} at {{.time}}",
		Data:     map[string]any{"team": "ops"},
	}})

	advance(time.Hour)
	s.RunOnce(context.Background())

	want := "Recap for ops on 2025-06-01 at 13:00"
	if got := rec.last().message; got != want {
		t.Fatalf("message = %q, want %q", got, want)
	}
}

func TestBadTemplateRejected(t *testing.T) {
	rec := &recordingDispatcher{}
	s, _ := newTestScheduler(t, rec, []EntryConfig{{
		ID:       "broken",
		Enabled:  true,
		Schedule: ScheduleConfig{Every: time.Hour},
		Message:  "{{.unclosed",
	}})
	if got := len(s.Entries()); got != 0 {
		t.Fatalf("len(entries) = %d, want 0", got)
	}
}

func TestRetryBacksOffThenResumesSchedule(t *testing.T) {
	rec := &recordingDispatcher{}
	rec.fail(errors.New("session unavailable"))

	s, advance := newTestScheduler(t, rec, []EntryConfig{{
		ID:       "flaky",
		Enabled:  true,
		Schedule: ScheduleConfig{Every: time.Hour},
		Message:  "poke",
		Retry:    RetryConfig{MaxRetries: 2, Backoff: time.Minute},
	}})

	advance(time.Hour)
	s.RunOnce(context.Background())
	e := s.Entries()[0]
	if e.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", e.RetryCount)
	}
	if e.LastError == "" {
		t.Fatal("LastError not recorded")
	}
	firstFailure := testStart.Add(time.Hour)
	if want := firstFailure.Add(time.Minute); !e.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want backoff at %v", e.NextRun, want)
	}

	advance(time.Minute)
	s.RunOnce(context.Background())
	if got := s.Entries()[0].RetryCount; got != 2 {
		t.Fatalf("RetryCount = %d, want 2", got)
	}

	// Budget exhausted: back on the regular cadence.
	advance(time.Minute)
	s.RunOnce(context.Background())
	e = s.Entries()[0]
	if e.RetryCount != 0 {
		t.Fatalf("RetryCount = %d after exhausting retries, want 0", e.RetryCount)
	}
	if want := firstFailure.Add(2 * time.Minute).Add(time.Hour); !e.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", e.NextRun, want)
	}
	if !e.Enabled {
		t.Fatal("entry disabled by transient failures")
	}

	// A clean fire clears the error.
	rec.fail(nil)
	advance(time.Hour)
	s.RunOnce(context.Background())
	if e := s.Entries()[0]; e.LastError != "" || e.RetryCount != 0 {
		t.Fatalf("after recovery: LastError=%q RetryCount=%d", e.LastError, e.RetryCount)
	}
	if rec.count() != 4 {
		t.Fatalf("dispatch count = %d, want 4", rec.count())
	}
}

func TestRunEntryFiresImmediately(t *testing.T) {
	rec := &recordingDispatcher{}
	s, _ := newTestScheduler(t, rec, []EntryConfig{everyEntry("manual", time.Hour)})

	if err := s.RunEntry(context.Background(), "manual"); err != nil {
		t.Fatalf("RunEntry: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("dispatch count = %d, want 1", rec.count())
	}
	e := s.Entries()[0]
	if !e.LastRun.Equal(testStart) {
		t.Fatalf("LastRun = %v, want %v", e.LastRun, testStart)
	}
	if want := testStart.Add(time.Hour); !e.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", e.NextRun, want)
	}

	if err := s.RunEntry(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unknown entry")
	}
	if err := s.RunEntry(context.Background(), "  "); err == nil {
		t.Fatal("expected error for blank id")
	}
}

func TestRunEntrySurfacesDispatchError(t *testing.T) {
	rec := &recordingDispatcher{}
	rec.fail(errors.New("engine offline"))
	s, _ := newTestScheduler(t, rec, []EntryConfig{everyEntry("manual", time.Hour)})

	err := s.RunEntry(context.Background(), "manual")
	if err == nil || !strings.Contains(err.Error(), "engine offline") {
		t.Fatalf("RunEntry error = %v, want dispatch failure", err)
	}
}

func TestRegisterAndUnregister(t *testing.T) {
	rec := &recordingDispatcher{}
	s, _ := newTestScheduler(t, rec, nil)

	e, err := s.Register(everyEntry("dynamic", time.Hour))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if want := testStart.Add(time.Hour); !e.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", e.NextRun, want)
	}
	if len(s.Entries()) != 1 {
		t.Fatal("entry not registered")
	}

	if _, err := s.Register(everyEntry("dynamic", time.Minute)); err == nil {
		t.Fatal("expected error for duplicate id")
	}
	disabled := everyEntry("later", time.Hour)
	disabled.Enabled = false
	if _, err := s.Register(disabled); err == nil {
		t.Fatal("expected error for disabled entry")
	}

	if !s.Unregister("dynamic") {
		t.Fatal("Unregister returned false for a known entry")
	}
	if s.Unregister("dynamic") {
		t.Fatal("Unregister returned true for a removed entry")
	}
	if len(s.Entries()) != 0 {
		t.Fatal("entry still present after Unregister")
	}
}

func TestStartTicksUntilCancelled(t *testing.T) {
	rec := &recordingDispatcher{fired: make(chan struct{}, 1)}
	s, err := New(rec, []EntryConfig{everyEntry("fast", 20*time.Millisecond)},
		WithLogger(quietLogger()),
		WithTickInterval(5*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	select {
	case <-rec.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("entry never fired")
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNilSchedulerIsSafe(t *testing.T) {
	var s *Scheduler
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start on nil: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on nil: %v", err)
	}
	if fired := s.RunOnce(context.Background()); fired != 0 {
		t.Fatalf("RunOnce on nil = %d", fired)
	}
	if entries := s.Entries(); entries != nil {
		t.Fatalf("Entries on nil = %v", entries)
	}
}
