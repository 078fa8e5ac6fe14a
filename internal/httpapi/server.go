// Package httpapi implements TaskMesh's inbound HTTP/JSON and
// WebSocket surface (spec section 6). Grounded on Kocoro-lab/Shannon's
// internal/httpapi package: a plain net/http.ServeMux per handler group
// registered onto one mux, writeJSON/sanitizeErr response helpers, and
// a CheckOrigin-permissive gorilla/websocket upgrader for the event
// stream.
package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh-ai/taskmesh/internal/agentsvc"
	"github.com/taskmesh-ai/taskmesh/internal/budget"
	"github.com/taskmesh-ai/taskmesh/internal/eventbus"
	"github.com/taskmesh-ai/taskmesh/internal/lifecycle"
	"github.com/taskmesh-ai/taskmesh/internal/mission"
	"github.com/taskmesh-ai/taskmesh/internal/store"
	"github.com/taskmesh-ai/taskmesh/internal/validation"
)

// Server wires every TaskMesh component into one HTTP surface.
type Server struct {
	store      *store.Store
	lifecycle  *lifecycle.Queue
	missions   *mission.Orchestrator
	ledger     *budget.Ledger
	validation *validation.Pipeline
	bus        *eventbus.Bus
	agents     *agentsvc.Client
	logger     *zap.Logger

	apiKey      string
	corsOrigins []string
	wsSecret    []byte

	budgetResetAt time.Time
	now           func() time.Time
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithAgentClient wires the outbound agent-runtime client so /health and
// /execute/health can report its health. /execute itself reaches the
// agent runtime through lifecycle.Queue.Dispatch, not through this client.
func WithAgentClient(c *agentsvc.Client) Option { return func(s *Server) { s.agents = c } }

// WithLogger attaches a zap logger for request-failure logging.
func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

// WithCORSOrigins sets the allowlist used for the Access-Control-Allow-Origin header.
func WithCORSOrigins(origins []string) Option { return func(s *Server) { s.corsOrigins = origins } }

// WithWebSocketSecret sets the HMAC secret used to sign short-lived
// WebSocket subscription tokens.
func WithWebSocketSecret(secret []byte) Option { return func(s *Server) { s.wsSecret = secret } }

// WithClock injects a deterministic now() function for tests.
func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// NewServer constructs a Server. apiKey gates every endpoint except
// /health and /ws (which checks its own ws_token); an empty apiKey means
// the deployment has not configured auth and every other request is
// rejected, per spec section 6.
func NewServer(st *store.Store, lc *lifecycle.Queue, missions *mission.Orchestrator, ledger *budget.Ledger, val *validation.Pipeline, bus *eventbus.Bus, apiKey string, opts ...Option) *Server {
	s := &Server{
		store:      st,
		lifecycle:  lc,
		missions:   missions,
		ledger:     ledger,
		validation: val,
		bus:        bus,
		apiKey:     apiKey,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the full mux with CORS middleware on every route and
// API-key auth on every route except /health and /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)

	s.registerTaskRoutes(mux)
	s.registerAgentRoutes(mux)
	s.registerQueueRoutes(mux)
	s.registerExecuteRoutes(mux)
	s.registerBudgetRoutes(mux)
	s.registerCostMetricsRoutes(mux)
	s.registerValidationRoutes(mux)
	s.registerMissionRoutes(mux)
	s.registerWebSocketRoutes(mux)

	return s.withMiddleware(mux)
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.applyCORS(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.URL.Path == "/health" || r.URL.Path == "/ws" {
			// /ws authenticates via its own short-lived ws_token JWT
			// instead of the X-API-Key/Bearer header, since browser
			// WebSocket clients cannot set arbitrary request headers.
			next.ServeHTTP(w, r)
			return
		}
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" {
		return false
	}
	got := r.Header.Get("X-API-Key")
	if got == "" {
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			got = auth[7:]
		}
	}
	return got == s.apiKey
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.corsOrigins) == 0 {
		return
	}
	for _, allowed := range s.corsOrigins {
		if allowed == "*" || allowed == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.agents != nil {
		if err := s.agents.Health(r.Context()); err != nil {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}
