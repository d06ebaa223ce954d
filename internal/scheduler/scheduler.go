// Package scheduler fires timed wakeups into sessions. Each entry
// carries a schedule (one-shot, interval, or cron) and a message; when
// an entry comes due the message is dispatched to its target session,
// starting a run if the session is idle or riding the steering queue
// if one is already active.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/haasonsaas/conduit/internal/observability"
)

var defaultRetryBackoff = time.Minute

// EntryConfig declares one scheduled wakeup.
type EntryConfig struct {
	ID       string         `yaml:"id"`
	Enabled  bool           `yaml:"enabled"`
	Schedule ScheduleConfig `yaml:"schedule"`

	// SessionID pins the entry to an existing session. Empty means the
	// dispatcher creates a dedicated session on first fire.
	SessionID string `yaml:"session_id"`
	// Message is the text delivered on fire. It is rendered as a Go
	// template with .now, .date, .time, and any Data keys in scope.
	Message string `yaml:"message"`
	// Priority queues the message ahead of other pending steering when
	// the session is mid-run.
	Priority bool           `yaml:"priority"`
	Data     map[string]any `yaml:"data"`
	Retry    RetryConfig    `yaml:"retry"`
}

// RetryConfig controls redelivery after a failed fire.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
}

// Entry is a point-in-time snapshot of a scheduled wakeup.
type Entry struct {
	ID        string
	SessionID string
	Priority  bool
	Schedule  Schedule
	Enabled   bool

	NextRun    time.Time
	LastRun    time.Time
	LastError  string
	RetryCount int
}

// Dispatcher delivers a fired entry's rendered message to its session.
type Dispatcher interface {
	Dispatch(ctx context.Context, entry Entry, message string) error
}

// DispatcherFunc adapts a function to a Dispatcher.
type DispatcherFunc func(ctx context.Context, entry Entry, message string) error

// Dispatch calls the function.
func (f DispatcherFunc) Dispatch(ctx context.Context, entry Entry, message string) error {
	return f(ctx, entry, message)
}

type entry struct {
	id        string
	sessionID string
	priority  bool
	schedule  Schedule
	retry     RetryConfig
	tmpl      *template.Template
	data      map[string]any

	enabled    bool
	nextRun    time.Time
	lastRun    time.Time
	lastError  string
	retryCount int
}

// Scheduler ticks over its entries and fires the due ones.
type Scheduler struct {
	dispatcher   Dispatcher
	logger       *observability.Logger
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	entries []*entry
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *observability.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the scheduler tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// New creates a scheduler over the given entries. Disabled entries are
// skipped; invalid ones are logged and skipped so one bad entry cannot
// keep the rest from running.
func New(dispatcher Dispatcher, entries []EntryConfig, opts ...Option) (*Scheduler, error) {
	if dispatcher == nil {
		return nil, errors.New("scheduler: dispatcher is required")
	}
	s := &Scheduler{
		dispatcher:   dispatcher,
		logger:       observability.NewLogger(observability.LogConfig{}),
		now:          time.Now,
		tickInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	now := s.now()
	seen := make(map[string]struct{}, len(entries))
	for _, cfg := range entries {
		if !cfg.Enabled {
			continue
		}
		e, err := buildEntry(cfg, now)
		if err != nil {
			s.logger.Warn(context.Background(), "schedule entry skipped",
				"id", cfg.ID, "error", err)
			continue
		}
		if _, dup := seen[e.id]; dup {
			s.logger.Warn(context.Background(), "schedule entry skipped",
				"id", cfg.ID, "error", "duplicate id")
			continue
		}
		seen[e.id] = struct{}{}
		s.entries = append(s.entries, e)
	}
	return s, nil
}

// Start begins ticking until the context is cancelled. Calling Start
// on an already started or nil scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the tick loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce fires all due entries immediately and reports how many fired.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	if s == nil {
		return 0
	}
	return s.runDue(ctx)
}

// Register adds an entry at runtime. Unlike New it rejects the entry
// outright on any problem, so callers can surface the error.
func (s *Scheduler) Register(cfg EntryConfig) (Entry, error) {
	if !cfg.Enabled {
		return Entry{}, errors.New("entry is disabled")
	}
	e, err := buildEntry(cfg, s.now())
	if err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findLocked(e.id) != nil {
		return Entry{}, fmt.Errorf("entry %q already registered", e.id)
	}
	s.entries = append(s.entries, e)
	return e.snapshotLocked(), nil
}

// Unregister removes an entry by id.
func (s *Scheduler) Unregister(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Entries returns snapshots of all entries in registration order.
func (s *Scheduler) Entries() []Entry {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.snapshotLocked())
	}
	return out
}

// RunEntry fires a specific entry now, regardless of its schedule, and
// advances its next fire time as if it had come due.
func (s *Scheduler) RunEntry(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("entry id required")
	}

	now := s.now()
	s.mu.Lock()
	e := s.findLocked(id)
	if e == nil {
		s.mu.Unlock()
		return fmt.Errorf("entry %q not found", id)
	}
	e.lastRun = now
	snap := e.snapshotLocked()
	s.mu.Unlock()

	return s.fire(ctx, e, snap, now)
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()

	type firing struct {
		e    *entry
		snap Entry
	}
	s.mu.Lock()
	var due []firing
	for _, e := range s.entries {
		if !e.enabled || e.nextRun.IsZero() || now.Before(e.nextRun) {
			continue
		}
		e.lastRun = now
		due = append(due, firing{e: e, snap: e.snapshotLocked()})
	}
	s.mu.Unlock()

	for _, f := range due {
		if err := s.fire(ctx, f.e, f.snap, now); err != nil {
			s.logger.Warn(ctx, "schedule entry failed",
				"id", f.snap.ID, "error", err)
		}
	}
	return len(due)
}

// fire renders and dispatches one entry, then reschedules it: failed
// fires back off and retry while budget remains, exhausted one-shot
// schedules disable the entry.
func (s *Scheduler) fire(ctx context.Context, e *entry, snap Entry, now time.Time) error {
	message, err := e.render(now)
	if err == nil {
		err = s.dispatcher.Dispatch(ctx, snap, message)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		e.lastError = err.Error()
		if e.retry.MaxRetries > 0 && e.retryCount < e.retry.MaxRetries {
			e.retryCount++
			backoff := e.retry.Backoff
			if backoff <= 0 {
				backoff = defaultRetryBackoff
			}
			e.nextRun = now.Add(backoff)
			return err
		}
	} else {
		e.lastError = ""
	}
	e.retryCount = 0

	next, ok, nextErr := e.schedule.Next(now)
	switch {
	case nextErr != nil:
		e.lastError = nextErr.Error()
		e.nextRun = time.Time{}
		e.enabled = false
	case ok:
		e.nextRun = next
	default:
		e.nextRun = time.Time{}
		e.enabled = false
	}
	return err
}

func (s *Scheduler) findLocked(id string) *entry {
	for _, e := range s.entries {
		if e.id == id {
			return e
		}
	}
	return nil
}

func buildEntry(cfg EntryConfig, now time.Time) (*entry, error) {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		return nil, errors.New("entry id required")
	}
	if strings.TrimSpace(cfg.Message) == "" {
		return nil, errors.New("entry message required")
	}
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	tmpl, err := template.New(id).Option("missingkey=zero").Parse(cfg.Message)
	if err != nil {
		return nil, fmt.Errorf("parse message template: %w", err)
	}
	next, ok, err := schedule.Next(now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("schedule has no upcoming fire time")
	}
	return &entry{
		id:        id,
		sessionID: strings.TrimSpace(cfg.SessionID),
		priority:  cfg.Priority,
		schedule:  schedule,
		retry:     cfg.Retry,
		tmpl:      tmpl,
		data:      cfg.Data,
		enabled:   true,
		nextRun:   next,
	}, nil
}

// render executes the entry's message template with the fire time in
// scope.
func (e *entry) render(now time.Time) (string, error) {
	data := make(map[string]any, len(e.data)+3)
	for k, v := range e.data {
		data[k] = v
	}
	data["now"] = now
	data["date"] = now.Format("2006-01-02")
	data["time"] = now.Format("15:04")

	var buf bytes.Buffer
	if err := e.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render message template: %w", err)
	}
	return buf.String(), nil
}

func (e *entry) snapshotLocked() Entry {
	return Entry{
		ID:         e.id,
		SessionID:  e.sessionID,
		Priority:   e.priority,
		Schedule:   e.schedule,
		Enabled:    e.enabled,
		NextRun:    e.nextRun,
		LastRun:    e.lastRun,
		LastError:  e.lastError,
		RetryCount: e.retryCount,
	}
}
