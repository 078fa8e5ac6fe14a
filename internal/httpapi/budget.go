package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/taskmesh-ai/taskmesh/internal/apierr"
	"github.com/taskmesh-ai/taskmesh/internal/budget"
)

// resetCooldown bounds how often an operator can force /budget/reset:
// at most one accepted reset per 5-minute window, independent of the
// Budget Ledger's daily rollover.
const resetCooldown = 5 * time.Minute

func (s *Server) registerBudgetRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /budget/status", s.handleBudgetStatus)
	mux.HandleFunc("GET /budget/config", s.handleGetBudgetConfig)
	mux.HandleFunc("PATCH /budget/config", s.handleSetBudgetConfig)
	mux.HandleFunc("POST /budget/reset", s.handleBudgetReset)
	mux.HandleFunc("GET /budget/history", s.handleBudgetHistory)
	mux.HandleFunc("GET /budget/cloud-blocked", s.handleCloudBlocked)
}

func (s *Server) handleBudgetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.GetStatus())
}

func (s *Server) handleGetBudgetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.GetConfig())
}

func (s *Server) handleSetBudgetConfig(w http.ResponseWriter, r *http.Request) {
	var cfg budget.Config
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if cfg.DailyLimitCents < 0 {
		writeError(w, http.StatusBadRequest, "dailyLimitCents must not be negative")
		return
	}
	s.ledger.SetConfig(cfg)
	writeJSON(w, http.StatusOK, s.ledger.GetConfig())
}

// handleBudgetReset force-clears today's spend counter. Rate-limited to
// once per resetCooldown window since it is destructive to the Budget
// Ledger's backpressure protections.
func (s *Server) handleBudgetReset(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	if !s.budgetResetAt.IsZero() && now.Sub(s.budgetResetAt) < resetCooldown {
		s.writeAPIErr(w, apierr.New(apierr.KindRateLimited, "budget reset is rate-limited"))
		return
	}
	s.budgetResetAt = now
	s.ledger.ResetDaily()
	writeJSON(w, http.StatusOK, s.ledger.GetStatus())
}

func (s *Server) handleBudgetHistory(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			days = parsed
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": s.ledger.GetHistory(days)})
}

func (s *Server) handleCloudBlocked(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cloudBlocked": s.ledger.IsCloudBlocked()})
}
