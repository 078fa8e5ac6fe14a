package httpapi

import (
	"net/http"

	"github.com/taskmesh-ai/taskmesh/internal/apierr"
)

func (s *Server) registerExecuteRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("POST /execute/abort", s.handleExecuteAbort)
	mux.HandleFunc("GET /execute/health", s.handleExecuteHealth)
}

type executeRequest struct {
	TaskID string `json:"taskId"`
}

// handleExecute runs the start -> dispatch -> complete/fail cycle
// synchronously for one task, per spec section 6's
// /execute contract. Assignment must already have happened (via
// /queue/assign or the Mission Orchestrator's frontier advance); this
// endpoint only drives the already-assigned task through the agent
// runtime call.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return
	}
	if err := s.lifecycle.Dispatch(r.Context(), req.TaskID); err != nil {
		s.writeAPIErr(w, err)
		return
	}
	task, err := s.store.GetTask(r.Context(), req.TaskID)
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type executeAbortRequest struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

func (s *Server) handleExecuteAbort(w http.ResponseWriter, r *http.Request) {
	var req executeAbortRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return
	}
	if err := s.lifecycle.AbortTask(r.Context(), req.TaskID, req.Reason); err != nil {
		s.writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

func (s *Server) handleExecuteHealth(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		s.writeAPIErr(w, apierr.New(apierr.KindUpstream, "no agent runtime client configured"))
		return
	}
	if err := s.agents.Health(r.Context()); err != nil {
		s.writeAPIErr(w, apierr.New(apierr.KindUpstream, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
