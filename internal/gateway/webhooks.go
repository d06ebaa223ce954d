// webhooks.go dispatches inbound webhook calls into sessions. Each
// configured webhook owns one lazily created session; the posted
// message starts a run when the session is idle and rides the steering
// queue when one is already in flight.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/sessions"
	"github.com/haasonsaas/conduit/internal/steering"
	"github.com/haasonsaas/conduit/pkg/models"
)

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(r.PathValue("name"))
	cfg, ok := s.cfg.Webhooks[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown webhook")
		return
	}

	var body struct {
		Message string `json:"message"`
		UserID  string `json:"userId"`
	}
	if err := decodeBody(r, &body); err != nil || strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	sessionID, err := s.webhookSession(name, cfg, body.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.dispatch(sessionID, body.Message); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info(r.Context(), "webhook dispatched",
		"webhook", name, "session_id", sessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"webhook":  name,
		"accepted": true,
	})
}

// webhookSession resolves the webhook's session, recreating it if a
// prior one was ended or evicted.
func (s *Server) webhookSession(name string, cfg models.SessionConfig, userID string) (string, error) {
	s.webhookMu.Lock()
	defer s.webhookMu.Unlock()

	if id, ok := s.webhookSessions[name]; ok {
		if _, err := s.sessions.Get(id); err == nil {
			return id, nil
		}
		delete(s.webhookSessions, name)
	}

	cfg.ChannelID = "webhook:" + name
	if userID != "" {
		cfg.UserID = userID
	}
	sess, err := s.sessions.Create(cfg)
	if err != nil {
		return "", err
	}
	s.webhookSessions[name] = sess.ID
	return sess.ID, nil
}

// dispatch hands a message to the session's loop: a fresh run when
// idle, a steering inject when one is active.
func (s *Server) dispatch(sessionID, message string) error {
	loop, err := s.sessions.Loop(sessionID)
	if err != nil {
		return err
	}
	_ = s.sessions.Touch(sessionID)

	events, err := loop.Run(context.Background(), message)
	if errors.Is(err, agent.ErrRunActive) {
		loop.Steer(steering.Inject(message))
		return nil
	}
	if err != nil {
		return err
	}
	go s.drainRun(sessionID, events)
	return nil
}

// drainRun consumes a headless run's event stream so the loop never
// stalls on a slow consumer, and logs the terminal outcome.
func (s *Server) drainRun(sessionID string, events <-chan models.AgentEvent) {
	ctx := observability.WithSessionID(context.Background(), sessionID)
	for ev := range events {
		if ev.Terminal() {
			s.logger.Info(ctx, "background run finished",
				"outcome", string(ev.Type))
		}
	}
	if err := s.sessions.Touch(sessionID); err != nil && !errors.Is(err, sessions.ErrNotFound) {
		s.logger.Warn(ctx, "touch after run failed", "error", err)
	}
}
