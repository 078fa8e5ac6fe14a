package httpapi

import (
	"net/http"

	"github.com/taskmesh-ai/taskmesh/internal/apierr"
	"github.com/taskmesh-ai/taskmesh/internal/eventbus"
	"github.com/taskmesh-ai/taskmesh/internal/models"
)

func (s *Server) registerAgentRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("GET /agents/types", s.handleListAgentTypes)
	mux.HandleFunc("GET /agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PATCH /agents/{id}", s.handlePatchAgent)
	mux.HandleFunc("DELETE /agents/{id}", s.handleDeleteAgent)
	mux.HandleFunc("GET /agents/{id}/stats", s.handleAgentStats)
	mux.HandleFunc("POST /agents/{id}/pause", s.handleAgentTransition(models.AgentPaused))
	mux.HandleFunc("POST /agents/{id}/resume", s.handleAgentTransition(models.AgentIdle))
	mux.HandleFunc("POST /agents/{id}/offline", s.handleAgentTransition(models.AgentOffline))
	mux.HandleFunc("POST /agents/{id}/online", s.handleAgentTransition(models.AgentIdle))
	mux.HandleFunc("POST /agents/{id}/abort", s.handleAgentAbort)
	mux.HandleFunc("POST /agents/reset-all", s.handleResetAllAgents)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

// handleListAgentTypes reports the distinct agent types currently
// registered, with a count of all agents per type (any status) — used by
// mission decomposition prompts to know what roles are available.
func (s *Server) handleListAgentTypes(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	counts := map[string]int{}
	for _, a := range agents {
		counts[a.Type]++
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"types": counts})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	if agent == nil {
		s.writeAPIErr(w, apierr.NotFound("agent", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type patchAgentRequest struct {
	PreferredTier  *string `json:"preferredTier"`
	ConcurrencyCap *int    `json:"concurrencyCap"`
	AutoRetry      *bool   `json:"autoRetry"`
	ContextBudget  *int    `json:"contextBudget"`
}

func (s *Server) handlePatchAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	if agent == nil {
		s.writeAPIErr(w, apierr.NotFound("agent", id))
		return
	}

	var req patchAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.PreferredTier != nil {
		agent.PreferredTier = *req.PreferredTier
	}
	if req.ConcurrencyCap != nil {
		agent.ConcurrencyCap = *req.ConcurrencyCap
	}
	if req.AutoRetry != nil {
		agent.AutoRetry = *req.AutoRetry
	}
	if req.ContextBudget != nil {
		agent.ContextBudget = *req.ContextBudget
	}

	if err := s.store.UpdateAgent(r.Context(), agent); err != nil {
		s.writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	if agent == nil {
		s.writeAPIErr(w, apierr.NotFound("agent", id))
		return
	}
	if agent.Status == models.AgentBusy {
		s.writeAPIErr(w, apierr.New(apierr.KindInvalidTransition, "cannot delete a busy agent"))
		return
	}
	if err := s.store.DeleteAgent(r.Context(), id); err != nil {
		s.writeAPIErr(w, err)
		return
	}
	s.publishAgentEvent(eventbus.TypeAgentDeleted, id, "")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	if agent == nil {
		s.writeAPIErr(w, apierr.NotFound("agent", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agentId":        agent.ID,
		"status":         agent.Status,
		"tasksCompleted": agent.TasksCompleted,
		"inflight":       agent.Inflight,
		"concurrencyCap": agent.ConcurrencyCap,
	})
}

// handleAgentTransition returns a handler that moves an agent directly
// to targetStatus. Busy agents cannot be force-transitioned this way;
// use /agents/{id}/abort to reclaim a busy agent first.
func (s *Server) handleAgentTransition(targetStatus string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		agent, err := s.store.GetAgent(r.Context(), id)
		if err != nil {
			s.writeAPIErr(w, err)
			return
		}
		if agent == nil {
			s.writeAPIErr(w, apierr.NotFound("agent", id))
			return
		}
		if agent.Status == models.AgentBusy {
			s.writeAPIErr(w, apierr.New(apierr.KindInvalidTransition, "agent is busy; abort its current task first"))
			return
		}
		agent.Status = targetStatus
		agent.UpdatedAt = s.now()
		if err := s.store.UpdateAgent(r.Context(), agent); err != nil {
			s.writeAPIErr(w, err)
			return
		}
		s.publishAgentEvent(eventbus.TypeAgentStatusChanged, id, targetStatus)
		writeJSON(w, http.StatusOK, agent)
	}
}

func (s *Server) handleAgentAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	if agent == nil {
		s.writeAPIErr(w, apierr.NotFound("agent", id))
		return
	}
	if agent.CurrentTaskID != nil {
		if err := s.lifecycle.AbortTask(r.Context(), *agent.CurrentTaskID, "agent aborted by operator"); err != nil {
			s.writeAPIErr(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

// handleResetAllAgents force-idles every agent not currently busy —
// an operator recovery action for agents stuck in paused/offline after
// a deploy or crash, grounded on the teacher's recovery sweep idiom.
func (s *Server) handleResetAllAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	reset := 0
	for i := range agents {
		a := &agents[i]
		if a.Status == models.AgentBusy {
			continue
		}
		if a.Status == models.AgentIdle {
			continue
		}
		a.Status = models.AgentIdle
		a.UpdatedAt = s.now()
		if err := s.store.UpdateAgent(r.Context(), a); err != nil {
			s.writeAPIErr(w, err)
			return
		}
		s.publishAgentEvent(eventbus.TypeAgentStatusChanged, a.ID, models.AgentIdle)
		reset++
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": reset})
}

func (s *Server) publishAgentEvent(eventType, agentID, status string) {
	if s.bus == nil {
		return
	}
	payload := map[string]interface{}{"agent_id": agentID}
	if status != "" {
		payload["status"] = status
	}
	s.bus.Publish(eventbus.Event{
		Type: eventType, EntityKey: "agent:" + agentID, Payload: payload, TimestampUTC: s.now().UTC(),
	})
}
