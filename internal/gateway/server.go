// Package gateway is the HTTP and WebSocket façade over the session
// manager. REST routes cover health, pairing, session lifecycle, and
// webhook dispatch; the WebSocket control plane streams agent events
// for runs started over the socket. All responses are JSON.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/internal/pairing"
	"github.com/haasonsaas/conduit/internal/sessions"
	"github.com/haasonsaas/conduit/pkg/models"
)

const (
	defaultSessionMaxIdle = 30 * time.Minute
	defaultEvictEvery     = time.Minute
)

// Config configures the gateway server.
type Config struct {
	// Host/Port form the listen address. Port 0 picks a free port.
	Host string
	Port int

	// Sessions is the lifecycle authority. Required.
	Sessions *sessions.Manager

	// Pairing guards the protected routes. Nil disables auth and the
	// /pair endpoint.
	Pairing *pairing.Manager

	Logger  *observability.Logger
	Metrics *observability.Metrics

	// AgentCard is served verbatim at /.well-known/agent.json. Nil
	// means 404.
	AgentCard json.RawMessage

	// Webhooks maps webhook names to the session config their lazily
	// created sessions use. Empty means /webhooks/* answers 404.
	Webhooks map[string]models.SessionConfig

	// SessionMaxIdle is the eviction threshold for the background
	// sweep. Zero means defaultSessionMaxIdle; negative disables the
	// sweep.
	SessionMaxIdle time.Duration

	// EvictEvery is the sweep interval. Zero means defaultEvictEvery.
	EvictEvery time.Duration
}

// Server serves the gateway. Construct with NewServer, then either
// Start/Stop a real listener or mount Handler on a test server.
type Server struct {
	cfg      Config
	sessions *sessions.Manager
	pairing  *pairing.Manager
	logger   *observability.Logger
	metrics  *observability.Metrics

	webhookMu       sync.Mutex
	webhookSessions map[string]string

	httpServer *http.Server
	listener   net.Listener
	stop       context.CancelFunc

	startTime time.Time
	now       func() time.Time
}

// NewServer builds a Server from cfg.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("gateway: sessions manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if cfg.SessionMaxIdle == 0 {
		cfg.SessionMaxIdle = defaultSessionMaxIdle
	}
	if cfg.EvictEvery <= 0 {
		cfg.EvictEvery = defaultEvictEvery
	}
	return &Server{
		cfg:             cfg,
		sessions:        cfg.Sessions,
		pairing:         cfg.Pairing,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		webhookSessions: make(map[string]string),
		startTime:       time.Now(),
		now:             time.Now,
	}, nil
}

// Handler returns the full handler chain: recovery, CORS, request
// logging, then the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /.well-known/agent.json", s.handleAgentCard)
	mux.HandleFunc("POST /pair", s.handlePair)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /sessions", s.protected(s.handleListSessions))
	mux.HandleFunc("POST /sessions", s.protected(s.handleCreateSession))
	mux.HandleFunc("GET /sessions/{id}", s.protected(s.handleGetSession))
	mux.HandleFunc("POST /sessions/{id}/steer", s.protected(s.handleSteerSession))
	mux.HandleFunc("DELETE /sessions/{id}", s.protected(s.handleEndSession))
	mux.HandleFunc("POST /webhooks/{name}", s.protected(s.handleWebhook))

	mux.HandleFunc("GET /ws/{id}", s.handleWS)

	return s.recoverRequests(corsHeaders(s.logRequests(mux)))
}

// Start listens and serves until Stop. The eviction sweep runs on the
// server's lifetime, not the caller's ctx.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	s.httpServer = server
	s.listener = listener
	s.stop = cancel

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "gateway server error", "error", err)
		}
	}()
	if s.cfg.SessionMaxIdle > 0 {
		go s.sweepIdle(sweepCtx)
	}

	s.logger.Info(ctx, "gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, draining in-flight requests until ctx
// expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.stop != nil {
		s.stop()
	}
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	s.httpServer = nil
	s.listener = nil
	return nil
}

func (s *Server) sweepIdle(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.EvictEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sessions.EvictIdle(s.cfg.SessionMaxIdle); n > 0 {
				s.logger.Info(ctx, "idle sessions evicted", "count", n)
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"sessions":  s.sessions.Len(),
	}
	if s.pairing != nil {
		stats := s.pairing.Stats()
		payload["pairing"] = map[string]any{
			"activeCodes":   stats.ActiveCodes,
			"pairedClients": stats.PairedClients,
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	if len(s.cfg.AgentCard) == 0 {
		writeError(w, http.StatusNotFound, "agent card not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.cfg.AgentCard)
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	if s.pairing == nil {
		writeError(w, http.StatusBadRequest, "pairing is not enabled")
		return
	}
	var body struct {
		Code  string `json:"code"`
		Label string `json:"label"`
	}
	if err := decodeBody(r, &body); err != nil || strings.TrimSpace(body.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	token, err := s.pairing.ExchangeCode(body.Code, body.Label)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired code")
		return
	}
	s.logger.Info(r.Context(), "client paired", "label", body.Label)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":  token,
		"paired": true,
	})
}

// decodeBody decodes a JSON request body. An empty body decodes to the
// zero value: every field in the gateway's request shapes is optional
// unless the handler checks it.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
