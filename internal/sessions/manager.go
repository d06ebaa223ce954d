// Package sessions tracks live sessions and the agent loop each one
// owns. The manager is the single authority on session lifecycle:
// creation, lookup, activity tracking, idle eviction, and teardown.
// Conversation history lives with the loop's context manager, not here.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/ids"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/pkg/models"
)

// DefaultIdleAfter is how long a session may sit without activity
// before List and Get report it idle.
const DefaultIdleAfter = 5 * time.Minute

// ErrNotFound is returned when a session id has no live entry.
var ErrNotFound = errors.New("session not found")

// LoopFactory builds the agent loop for a newly created session. The
// session's ID, config, and timestamps are populated before the call.
type LoopFactory func(s *models.Session) (*agent.Loop, error)

// Config configures a Manager.
type Config struct {
	// Factory builds one loop per session. Required.
	Factory LoopFactory

	// Logger defaults to a stdout JSON logger.
	Logger *observability.Logger

	// IdleAfter is the inactivity window after which a session reports
	// idle. Zero means DefaultIdleAfter. Reporting only: idle sessions
	// stay live until EvictIdle or End removes them.
	IdleAfter time.Duration
}

// Manager owns the live session table. Safe for concurrent use.
//
// It also implements observability.Observer so it can be fanned into
// each loop's observer chain: counter and activity updates ride the
// same events the metrics and log observers consume.
type Manager struct {
	factory   LoopFactory
	logger    *observability.Logger
	idleAfter time.Duration

	mu      sync.RWMutex
	entries map[string]*entry

	now func() time.Time
}

type entry struct {
	session *models.Session
	loop    *agent.Loop
}

// NewManager builds a Manager from cfg.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Factory == nil {
		return nil, errors.New("sessions: loop factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = DefaultIdleAfter
	}
	return &Manager{
		factory:   cfg.Factory,
		logger:    cfg.Logger,
		idleAfter: cfg.IdleAfter,
		entries:   make(map[string]*entry),
		now:       time.Now,
	}, nil
}

// Create registers a new session and builds its loop. The returned
// session is a snapshot; later reads go through Get.
func (m *Manager) Create(cfg models.SessionConfig) (*models.Session, error) {
	now := m.now()
	s := &models.Session{
		ID:           ids.NewSessionID(),
		Config:       cfg,
		Status:       models.SessionActive,
		CreatedAt:    now,
		LastActiveAt: now,
	}

	loop, err := m.factory(s)
	if err != nil {
		return nil, fmt.Errorf("build loop for session: %w", err)
	}

	m.mu.Lock()
	m.entries[s.ID] = &entry{session: s, loop: loop}
	m.mu.Unlock()

	m.logger.Info(context.Background(), "session created",
		"session_id", s.ID,
		"engine", cfg.EngineID,
		"channel_id", cfg.ChannelID,
		"user_id", cfg.UserID)

	snap := *s
	return &snap, nil
}

// Ensure returns the session with the given id, creating it when
// absent. The boolean reports whether a new session was created.
// Gateway websocket upgrades use this: the client presents its own
// session handle and the first connection materializes it.
func (m *Manager) Ensure(id string, cfg models.SessionConfig) (*models.Session, bool, error) {
	if id == "" {
		return nil, false, errors.New("sessions: empty session id")
	}

	m.mu.RLock()
	if e, ok := m.entries[id]; ok {
		snap := m.snapshotLocked(e)
		m.mu.RUnlock()
		return snap, false, nil
	}
	m.mu.RUnlock()

	now := m.now()
	s := &models.Session{
		ID:           id,
		Config:       cfg,
		Status:       models.SessionActive,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	loop, err := m.factory(s)
	if err != nil {
		return nil, false, fmt.Errorf("build loop for session: %w", err)
	}

	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		// Lost the race to another connection; theirs wins.
		snap := m.snapshotLocked(e)
		m.mu.Unlock()
		return snap, false, nil
	}
	m.entries[id] = &entry{session: s, loop: loop}
	m.mu.Unlock()

	m.logger.Info(context.Background(), "session created",
		"session_id", id,
		"engine", cfg.EngineID,
		"channel_id", cfg.ChannelID,
		"user_id", cfg.UserID)

	snap := *s
	return &snap, true, nil
}

// Get returns a snapshot of the session, with status derived from the
// loop state and recent activity.
func (m *Manager) Get(id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.snapshotLocked(e), nil
}

// List returns snapshots of every live session, oldest first.
func (m *Manager) List() []*models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Session, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, m.snapshotLocked(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Loop returns the session's agent loop for running and steering.
func (m *Manager) Loop(id string) (*agent.Loop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.loop, nil
}

// Touch records activity on the session, resetting its idle window.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.session.LastActiveAt = m.now()
	return nil
}

// End aborts any in-flight run and removes the session. The loop's
// event stream closes only after the loop is idle again, so a gateway
// reader draining it never races the teardown.
func (m *Manager) End(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	e.loop.Abort("session ended")
	m.logger.Info(context.Background(), "session ended", "session_id", id)
	return nil
}

// EvictIdle removes every session whose last activity is older than
// maxIdle and returns how many were removed. Sessions with a run in
// flight are never evicted, whatever their timestamps say.
func (m *Manager) EvictIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := m.now().Add(-maxIdle)

	m.mu.Lock()
	var evicted []*entry
	for id, e := range m.entries {
		if e.loop.Running() || !e.session.LastActiveAt.Before(cutoff) {
			continue
		}
		evicted = append(evicted, e)
		delete(m.entries, id)
	}
	m.mu.Unlock()

	for _, e := range evicted {
		e.loop.Abort("session evicted: idle")
		m.logger.Info(context.Background(), "session evicted",
			"session_id", e.session.ID,
			"idle_for", m.now().Sub(e.session.LastActiveAt).String())
	}
	return len(evicted)
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// snapshotLocked copies the session and derives its reported status.
// Callers hold at least the read lock.
func (m *Manager) snapshotLocked(e *entry) *models.Session {
	snap := *e.session
	switch {
	case e.loop.Running():
		snap.Status = models.SessionActive
	case m.now().Sub(snap.LastActiveAt) >= m.idleAfter:
		snap.Status = models.SessionIdle
	default:
		snap.Status = models.SessionActive
	}
	return &snap
}

// touchCounters applies fn to the session's counters and bumps
// LastActiveAt. Unknown ids are ignored: sub-agent sessions report
// through the same observer chain but have no entry here.
func (m *Manager) touchCounters(id string, fn func(*models.SessionCounters)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return
	}
	fn(&e.session.Counters)
	e.session.LastActiveAt = m.now()
}

// OnSessionStart implements observability.Observer.
func (m *Manager) OnSessionStart(_ context.Context, e observability.SessionStartEvent) {
	m.touchCounters(e.SessionID, func(*models.SessionCounters) {})
}

// OnSessionEnd implements observability.Observer. Iterations come from
// the run summary; tool and LLM totals were already counted live.
func (m *Manager) OnSessionEnd(_ context.Context, e observability.SessionEndEvent) {
	m.touchCounters(e.SessionID, func(c *models.SessionCounters) {
		c.Iterations += e.Iterations
	})
}

// OnLLMCall implements observability.Observer.
func (m *Manager) OnLLMCall(_ context.Context, e observability.LLMCallEvent) {
	m.touchCounters(e.SessionID, func(c *models.SessionCounters) {
		c.LLMCalls++
		c.InputTokens += e.Usage.InputTokens
		c.OutputTokens += e.Usage.OutputTokens
	})
}

// OnToolInvocation implements observability.Observer.
func (m *Manager) OnToolInvocation(_ context.Context, e observability.ToolInvocationEvent) {
	m.touchCounters(e.SessionID, func(c *models.SessionCounters) {
		c.ToolInvocations++
	})
}

// OnCompaction implements observability.Observer.
func (m *Manager) OnCompaction(context.Context, observability.CompactionEvent) {}

// OnChannelMessage implements observability.Observer.
func (m *Manager) OnChannelMessage(_ context.Context, e observability.ChannelMessageEvent) {
	m.touchCounters(e.SessionID, func(*models.SessionCounters) {})
}

// OnSecurityEvent implements observability.Observer.
func (m *Manager) OnSecurityEvent(context.Context, observability.SecurityEvent) {}

// OnError implements observability.Observer.
func (m *Manager) OnError(_ context.Context, e observability.ErrorEvent) {
	m.touchCounters(e.SessionID, func(c *models.SessionCounters) {
		c.Errors++
	})
}

// Flush implements observability.Observer.
func (m *Manager) Flush(context.Context) error { return nil }
