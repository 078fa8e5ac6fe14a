package httpapi

import (
	"net/http"

	"github.com/taskmesh-ai/taskmesh/internal/apierr"
	"github.com/taskmesh-ai/taskmesh/internal/mission"
	"github.com/taskmesh-ai/taskmesh/internal/models"
)

func (s *Server) registerMissionRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /missions", s.handleCreateMission)
	mux.HandleFunc("GET /missions", s.handleListMissions)
	mux.HandleFunc("GET /missions/{id}", s.handleGetMission)
	mux.HandleFunc("GET /missions/{id}/files", s.handleMissionFiles)
}

type createMissionRequest struct {
	Prompt            string `json:"prompt"`
	Language          string `json:"language"`
	AutoApprove       bool   `json:"autoApprove"`
	WaitForCompletion bool   `json:"waitForCompletion"`
	ForceComplexity   int    `json:"forceComplexity"`
}

func (s *Server) handleCreateMission(w http.ResponseWriter, r *http.Request) {
	var req createMissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	m, err := s.missions.Create(r.Context(), mission.CreateParams{
		Prompt:            req.Prompt,
		Language:          req.Language,
		AutoApprove:       req.AutoApprove,
		WaitForCompletion: req.WaitForCompletion,
		ForceComplexity:   req.ForceComplexity,
	})
	if err != nil && m == nil {
		s.writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	missions, err := s.store.ListMissions(r.Context())
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"missions": missions})
}

func (s *Server) handleGetMission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := s.store.GetMission(r.Context(), id)
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	if m == nil {
		s.writeAPIErr(w, apierr.NotFound("mission", id))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleMissionFiles reports the locked files and results each of a
// mission's subtasks touched, keyed by task ID, for clients that want
// to show what a mission actually changed without replaying every
// execution log.
func (s *Server) handleMissionFiles(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := s.store.GetMission(r.Context(), id)
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	if m == nil {
		s.writeAPIErr(w, apierr.NotFound("mission", id))
		return
	}
	subtasks, err := s.store.ListTasksByParent(r.Context(), id)
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}

	type taskFiles struct {
		TaskID      string                 `json:"taskId"`
		Title       string                 `json:"title"`
		Status      string                 `json:"status"`
		LockedFiles []string               `json:"lockedFiles"`
		Result      map[string]interface{} `json:"result,omitempty"`
	}
	files := make([]taskFiles, 0, len(subtasks))
	for _, t := range subtasks {
		if len(t.LockedFiles) == 0 && t.Status != models.TaskCompleted {
			continue
		}
		files = append(files, taskFiles{
			TaskID:      t.ID,
			Title:       t.Title,
			Status:      t.Status,
			LockedFiles: t.LockedFiles,
			Result:      t.Result,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"missionId": id, "files": files})
}
