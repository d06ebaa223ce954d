// ws.go is the WebSocket control plane. One socket serves one session:
// the client sends {"type":"run","message":...} frames and receives the
// run's agent events as JSON, plus steer/abort controls. Event pushes
// apply backpressure to the loop rather than dropping frames.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/steering"
	"github.com/haasonsaas/conduit/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	wsPingInterval    = 15 * time.Second
	wsSendBuffer      = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// wsInbound is the client-to-server frame shape.
type wsInbound struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.pairing != nil && !s.pairing.ValidateToken(r.URL.Query().Get("token")) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	_, created, err := s.sessions.Ensure(id, models.SessionConfig{ChannelID: "ws"})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if created {
		s.logger.Info(r.Context(), "session created for websocket", "session_id", id)
	}
	loop, err := s.sessions.Loop(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &wsClient{
		server:    s,
		conn:      conn,
		sessionID: id,
		loop:      loop,
		send:      make(chan []byte, wsSendBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}
	if s.metrics != nil {
		s.metrics.WSConnections.Inc()
	}
	client.run()
}

type wsClient struct {
	server    *Server
	conn      *websocket.Conn
	sessionID string
	loop      *agent.Loop
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *wsClient) run() {
	defer c.close()
	go c.writeLoop()
	c.sendJSON(map[string]any{"type": "connected", "sessionId": c.sessionID})
	c.readLoop()
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		if c.server.metrics != nil {
			c.server.metrics.WSConnections.Dec()
		}
	})
}

func (c *wsClient) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	ctx := observability.WithSessionID(c.ctx, c.sessionID)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame wsInbound
		if err := json.Unmarshal(data, &frame); err != nil {
			c.reject("malformed frame")
			continue
		}
		if err := validateWSFrame(data, frame.Type); err != nil {
			c.reject("invalid frame: " + err.Error())
			continue
		}

		switch frame.Type {
		case "run":
			c.handleRun(ctx, frame)
		case "steer":
			c.handleSteer(frame)
		case "abort":
			reason := strings.TrimSpace(frame.Reason)
			if reason == "" {
				reason = "client abort"
			}
			c.loop.Abort(reason)
		default:
			c.reject("unknown frame type")
		}
	}
}

func (c *wsClient) handleRun(ctx context.Context, frame wsInbound) {
	message := strings.TrimSpace(frame.Message)
	if message == "" {
		c.reject("message is required")
		return
	}

	events, err := c.loop.Run(c.ctx, message)
	if errors.Is(err, agent.ErrRunActive) {
		c.reject("a run is already active")
		return
	}
	if err != nil {
		c.reject(err.Error())
		return
	}
	_ = c.server.sessions.Touch(c.sessionID)
	c.server.logger.Debug(ctx, "websocket run started")
	go c.pumpEvents(events)
}

func (c *wsClient) handleSteer(frame wsInbound) {
	message := strings.TrimSpace(frame.Message)
	if message == "" {
		c.reject("message is required")
		return
	}
	c.loop.Steer(steering.Inject(message))
	_ = c.server.sessions.Touch(c.sessionID)
	c.sendJSON(map[string]any{"type": "steered"})
}

// pumpEvents forwards one run's events to the socket. Once the socket
// context ends, sendJSON stops blocking and the remaining events drain
// so the loop is never stalled by a dead connection.
func (c *wsClient) pumpEvents(events <-chan models.AgentEvent) {
	for ev := range events {
		c.sendJSON(ev)
	}
	_ = c.server.sessions.Touch(c.sessionID)
}

func (c *wsClient) reject(msg string) {
	c.sendJSON(map[string]any{"type": "rejected", "error": msg})
}

// sendJSON queues a frame for the write loop, blocking while the
// buffer is full. A blocked push holds the event pump, which holds the
// loop: the backpressure contract.
func (c *wsClient) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
