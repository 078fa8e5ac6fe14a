package httpapi

import "net/http"

func (s *Server) registerQueueRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /queue/assign", s.handleQueueAssign)
}

type queueAssignRequest struct {
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId"`
}

func (s *Server) handleQueueAssign(w http.ResponseWriter, r *http.Request) {
	var req queueAssignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	task, err := s.lifecycle.Assign(r.Context(), req.TaskID, req.AgentID)
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
