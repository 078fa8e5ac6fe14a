package httpapi

import "net/http"

func (s *Server) registerValidationRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /validation/status", s.handleValidationStatus)
	mux.HandleFunc("GET /validation/results", s.handleValidationResults)
	mux.HandleFunc("GET /validation/retry-results", s.handleValidationRetryResults)
	mux.HandleFunc("POST /validation/retry", s.handleValidationRetry)
	mux.HandleFunc("POST /validation/clear", s.handleValidationClear)
}

func (s *Server) handleValidationStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("taskId")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": s.validation.GetStatus(taskID)})
}

func (s *Server) handleValidationResults(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("taskId")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return
	}
	result, ok := s.validation.GetResult(taskID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"result": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": result})
}

// handleValidationRetryResults reports the same result snapshot as
// /validation/results; retries replace a task's result in place once
// the background retry queue drains, so there is nothing separate to
// report once a retry has completed.
func (s *Server) handleValidationRetryResults(w http.ResponseWriter, r *http.Request) {
	s.handleValidationResults(w, r)
}

type validationRetryRequest struct {
	TaskID        string `json:"taskId"`
	Command       string `json:"command"`
	MaxIterations int    `json:"maxIterations"`
}

func (s *Server) handleValidationRetry(w http.ResponseWriter, r *http.Request) {
	var req validationRetryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TaskID == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, "taskId and command are required")
		return
	}
	s.validation.Submit(req.TaskID, req.Command, req.MaxIterations)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleValidationClear(w http.ResponseWriter, r *http.Request) {
	s.validation.ClearResults()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
