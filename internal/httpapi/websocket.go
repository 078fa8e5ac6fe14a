package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/taskmesh-ai/taskmesh/internal/apierr"
	"github.com/taskmesh-ai/taskmesh/internal/eventbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsTokenTTL = 2 * time.Minute

// wsClaims is embedded in the short-lived ws_token a client exchanges
// its API key for, so the room/type filter travels with the token
// instead of being accepted unauthenticated from the query string.
type wsClaims struct {
	jwt.RegisteredClaims
	Entity string `json:"entity,omitempty"`
	Types  string `json:"types,omitempty"`
}

func (s *Server) registerWebSocketRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /ws/token", s.handleIssueWSToken)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

type wsTokenRequest struct {
	Entity string `json:"entity"` // e.g. "task:<id>", "mission:<id>"; empty = all entities
	Types  string `json:"types"`  // comma-separated event types; empty = all types
}

// handleIssueWSToken mints a signed, short-lived token an already
// API-key-authenticated client exchanges for a WebSocket subscription,
// so the raw API key never has to travel in a URL query string.
func (s *Server) handleIssueWSToken(w http.ResponseWriter, r *http.Request) {
	if len(s.wsSecret) == 0 {
		writeError(w, http.StatusServiceUnavailable, "websocket subscriptions are not configured")
		return
	}
	var req wsTokenRequest
	_ = decodeJSON(r, &req)

	now := s.now()
	claims := wsClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(wsTokenTTL)),
		},
		Entity: req.Entity,
		Types:  req.Types,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.wsSecret)
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":     signed,
		"expiresIn": int(wsTokenTTL.Seconds()),
	})
}

func (s *Server) parseWSClaims(tokenString string) (*wsClaims, error) {
	claims := &wsClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apierr.New(apierr.KindUnauthorized, "unexpected signing method")
		}
		return s.wsSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, apierr.New(apierr.KindUnauthorized, "invalid or expired ws_token")
	}
	return claims, nil
}

// handleWebSocket upgrades the connection and streams Event Bus frames
// matching the token's entity/type filter, replaying anything since
// Last-Event-ID first so a reconnecting client doesn't miss events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if len(s.wsSecret) == 0 {
		writeError(w, http.StatusServiceUnavailable, "websocket subscriptions are not configured")
		return
	}
	claims, err := s.parseWSClaims(r.URL.Query().Get("ws_token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired ws_token")
		return
	}

	var typeFilter []string
	if claims.Types != "" {
		for _, t := range strings.Split(claims.Types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				typeFilter = append(typeFilter, t)
			}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if lastEventID := r.URL.Query().Get("last_event_id"); lastEventID != "" && claims.Entity != "" {
		events, err := s.bus.ReplaySince(r.Context(), claims.Entity, lastEventID)
		if err == nil {
			for _, ev := range events {
				if !matchesTypeFilter(ev, typeFilter) {
					continue
				}
				if err := conn.WriteJSON(wsFrame(ev)); err != nil {
					return
				}
			}
		}
	}

	sub := s.bus.Subscribe(typeFilter, claims.Entity)
	defer sub.Close()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(wsFrame(ev)); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func matchesTypeFilter(ev eventbus.Event, types []string) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == ev.Type {
			return true
		}
	}
	return false
}

// wsFrame is the `{type, payload, timestamp}` wire shape clients see,
// distinct from eventbus.Event's internal field names.
func wsFrame(ev eventbus.Event) map[string]interface{} {
	return map[string]interface{}{
		"type":      ev.Type,
		"payload":   ev.Payload,
		"timestamp": ev.TimestampUTC,
	}
}
