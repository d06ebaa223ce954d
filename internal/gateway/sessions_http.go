// sessions_http.go contains the REST surface over the session manager.
package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/conduit/internal/sessions"
	"github.com/haasonsaas/conduit/internal/steering"
	"github.com/haasonsaas/conduit/pkg/models"
)

// sessionPayload is the wire shape of a session.
type sessionPayload struct {
	SessionID    string    `json:"sessionId"`
	ChannelID    string    `json:"channelId,omitempty"`
	UserID       string    `json:"userId,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

func sessionToPayload(s *models.Session) sessionPayload {
	return sessionPayload{
		SessionID:    s.ID,
		ChannelID:    s.Config.ChannelID,
		UserID:       s.Config.UserID,
		Status:       string(s.Status),
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.sessions.List()
	payload := make([]sessionPayload, 0, len(list))
	for _, sess := range list {
		payload = append(payload, sessionToPayload(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": payload})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChannelID    string `json:"channelId"`
		UserID       string `json:"userId"`
		SystemPrompt string `json:"systemPrompt"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	sess, err := s.sessions.Create(models.SessionConfig{
		ChannelID:    body.ChannelID,
		UserID:       body.UserID,
		SystemPrompt: body.SystemPrompt,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sessionToPayload(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sessionToPayload(sess))
}

func (s *Server) handleSteerSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil || strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	loop, err := s.sessions.Loop(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	loop.Steer(steering.Inject(body.Message))
	_ = s.sessions.Touch(id)

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": id,
		"steered":   true,
		"message":   body.Message,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.End(id); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": id,
		"ended":     true,
	})
}
