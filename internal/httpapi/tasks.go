package httpapi

import (
	"net/http"
	"strings"

	"github.com/taskmesh-ai/taskmesh/internal/apierr"
	"github.com/taskmesh-ai/taskmesh/internal/lifecycle"
	"github.com/taskmesh-ai/taskmesh/internal/models"
)

func (s *Server) registerTaskRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PATCH /tasks/{id}", s.handlePatchTask)
	mux.HandleFunc("DELETE /tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /tasks/{id}/retry", s.handleRetryTask)
	mux.HandleFunc("POST /tasks/{id}/abort", s.handleAbortTask)
	mux.HandleFunc("POST /tasks/{id}/complete", s.handleCompleteTask)
	mux.HandleFunc("POST /tasks/{id}/human", s.handleHumanTask)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	statusParam := r.URL.Query().Get("status")
	var tasks []models.Task
	var err error
	if statusParam != "" {
		statuses := strings.Split(statusParam, ",")
		tasks, err = s.store.ListTasksByStatus(r.Context(), statuses)
	} else {
		tasks, err = s.store.ListAllTasks(r.Context())
	}
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

type createTaskRequest struct {
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	TaskType          string   `json:"taskType"`
	Priority          int      `json:"priority"`
	RequiredAgent     string   `json:"requiredAgent"`
	LockedFiles       []string `json:"lockedFiles"`
	MaxIterations     int      `json:"maxIterations"`
	ValidationCommand string   `json:"validationCommand"`
	Override          string   `json:"modelOverride"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Title == "" || req.Description == "" {
		writeError(w, http.StatusBadRequest, "title and description are required")
		return
	}

	params := lifecycle.CreateTaskParams{
		Task: models.Task{
			Title:             req.Title,
			Description:       req.Description,
			TaskType:          req.TaskType,
			Priority:          req.Priority,
			RequiredAgent:     req.RequiredAgent,
			LockedFiles:       req.LockedFiles,
			MaxIterations:     req.MaxIterations,
			ValidationCommand: req.ValidationCommand,
		},
		Override: req.Override,
	}
	task, err := s.lifecycle.CreateTask(r.Context(), params)
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	if task == nil {
		s.writeAPIErr(w, apierr.NotFound("task", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type patchTaskRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Priority    *int    `json:"priority"`
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	if task == nil {
		s.writeAPIErr(w, apierr.NotFound("task", id))
		return
	}

	var req patchTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.Priority != nil {
		task.Priority = *req.Priority
	}

	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		s.writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	if task == nil {
		s.writeAPIErr(w, apierr.NotFound("task", id))
		return
	}
	if task.Status == models.TaskInProgress || task.Status == models.TaskAssigned {
		s.writeAPIErr(w, apierr.New(apierr.KindInvalidTransition, "cannot delete an active task"))
		return
	}
	if err := s.store.DeleteTask(r.Context(), id); err != nil {
		s.writeAPIErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.ReturnToPool(r.Context(), r.PathValue("id")); err != nil {
		s.writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

type abortTaskRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAbortTask(w http.ResponseWriter, r *http.Request) {
	var req abortTaskRequest
	_ = decodeJSON(r, &req)
	if err := s.lifecycle.AbortTask(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		s.writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

type completeTaskRequest struct {
	Result       map[string]interface{} `json:"result"`
	ModelUsed    string                  `json:"modelUsed"`
	InputTokens  int                     `json:"inputTokens"`
	OutputTokens int                     `json:"outputTokens"`
	DurationMs   int64                   `json:"durationMs"`
}

// handleCompleteTask is the manual-completion callback path (e.g. used
// by an agent runtime that reports completion out of band from the
// synchronous Dispatch call).
func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req completeTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	outcome := lifecycle.CompletionOutcome{
		Result:       req.Result,
		ModelUsed:    req.ModelUsed,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		DurationMs:   req.DurationMs,
	}
	err := s.lifecycle.HandleTaskCompletion(r.Context(), r.PathValue("id"), outcome)
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

type humanTaskRequest struct {
	Action string `json:"action"` // "escalate" | "resume" | "reject"
	Reason string `json:"reason"`
}

func (s *Server) handleHumanTask(w http.ResponseWriter, r *http.Request) {
	var req humanTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	var err error
	switch req.Action {
	case "escalate":
		err = s.lifecycle.Escalate(r.Context(), r.PathValue("id"), req.Reason)
	case "resume":
		err = s.lifecycle.ProvideInput(r.Context(), r.PathValue("id"), true, req.Reason)
	case "reject":
		err = s.lifecycle.ProvideInput(r.Context(), r.PathValue("id"), false, req.Reason)
	default:
		writeError(w, http.StatusBadRequest, "action must be escalate, resume, or reject")
		return
	}
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
