package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/sessions"
	"github.com/haasonsaas/conduit/internal/steering"
	"github.com/haasonsaas/conduit/pkg/models"
)

// SessionDispatcher routes fired entries into the session manager: a
// fresh run when the target session is idle, a steering message when
// one is already active. Entries without a pinned session get a
// dedicated session created on first fire and reused until evicted.
type SessionDispatcher struct {
	sessions *sessions.Manager
	logger   *observability.Logger

	mu      sync.Mutex
	created map[string]string // entry ID -> lazily created session ID
}

// NewSessionDispatcher wires a dispatcher to the session manager.
func NewSessionDispatcher(mgr *sessions.Manager, logger *observability.Logger) *SessionDispatcher {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &SessionDispatcher{
		sessions: mgr,
		logger:   logger,
		created:  make(map[string]string),
	}
}

// Dispatch delivers the message to the entry's session.
func (d *SessionDispatcher) Dispatch(ctx context.Context, entry Entry, message string) error {
	sessionID, err := d.resolveSession(entry)
	if err != nil {
		return err
	}
	loop, err := d.sessions.Loop(sessionID)
	if err != nil {
		return err
	}
	_ = d.sessions.Touch(sessionID)

	events, err := loop.Run(ctx, message)
	if errors.Is(err, agent.ErrRunActive) {
		if entry.Priority {
			loop.Steer(steering.Priority(message))
		} else {
			loop.Steer(steering.Inject(message))
		}
		return nil
	}
	if err != nil {
		return err
	}
	go d.drain(sessionID, entry.ID, events)
	return nil
}

// resolveSession finds the entry's target session. Pinned sessions are
// created under their configured id; unpinned entries reuse a cached
// per-entry session, recreating it if a prior one was ended or evicted.
func (d *SessionDispatcher) resolveSession(entry Entry) (string, error) {
	cfg := models.SessionConfig{ChannelID: "cron:" + entry.ID}
	if entry.SessionID != "" {
		sess, _, err := d.sessions.Ensure(entry.SessionID, cfg)
		if err != nil {
			return "", err
		}
		return sess.ID, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.created[entry.ID]; ok {
		if _, err := d.sessions.Get(id); err == nil {
			return id, nil
		}
		delete(d.created, entry.ID)
	}
	sess, err := d.sessions.Create(cfg)
	if err != nil {
		return "", err
	}
	d.created[entry.ID] = sess.ID
	return sess.ID, nil
}

// drain consumes a scheduled run's event stream so the loop never
// stalls on a slow consumer, and logs the terminal outcome.
func (d *SessionDispatcher) drain(sessionID, entryID string, events <-chan models.AgentEvent) {
	ctx := observability.WithSessionID(context.Background(), sessionID)
	for ev := range events {
		if ev.Terminal() {
			d.logger.Info(ctx, "scheduled run finished",
				"entry", entryID, "outcome", string(ev.Type))
		}
	}
	if err := d.sessions.Touch(sessionID); err != nil && !errors.Is(err, sessions.ErrNotFound) {
		d.logger.Warn(ctx, "touch after run failed", "error", err)
	}
}
