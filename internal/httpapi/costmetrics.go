package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/taskmesh-ai/taskmesh/internal/models"
	"github.com/taskmesh-ai/taskmesh/internal/pricing"
)

func (s *Server) registerCostMetricsRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /cost-metrics/summary", s.handleCostSummary)
	mux.HandleFunc("GET /cost-metrics/by-agent", s.handleCostByAgent)
	mux.HandleFunc("GET /cost-metrics/by-task-type", s.handleCostByTaskType)
	mux.HandleFunc("GET /cost-metrics/timeline", s.handleCostTimeline)
}

func (s *Server) handleCostSummary(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.ListExecutionLogsSince(r.Context(), time.Time{})
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pricing.Aggregate(logs))
}

func (s *Server) handleCostByAgent(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.ListExecutionLogsSince(r.Context(), time.Time{})
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	byAgent := make(map[string][]models.ExecutionLog)
	for _, l := range logs {
		byAgent[l.AgentID] = append(byAgent[l.AgentID], l)
	}
	result := make(map[string]pricing.Summary, len(byAgent))
	for agentID, agentLogs := range byAgent {
		result[agentID] = pricing.Aggregate(agentLogs)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"byAgent": result})
}

func (s *Server) handleCostByTaskType(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.ListExecutionLogsSince(r.Context(), time.Time{})
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	taskIDs := make([]string, 0, len(logs))
	seen := make(map[string]bool)
	for _, l := range logs {
		if !seen[l.TaskID] {
			seen[l.TaskID] = true
			taskIDs = append(taskIDs, l.TaskID)
		}
	}
	types, err := s.store.TaskTypeByID(r.Context(), taskIDs)
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	byType := make(map[string][]models.ExecutionLog)
	for _, l := range logs {
		taskType := types[l.TaskID]
		if taskType == "" {
			taskType = "unknown"
		}
		byType[taskType] = append(byType[taskType], l)
	}
	result := make(map[string]pricing.Summary, len(byType))
	for taskType, typeLogs := range byType {
		result[taskType] = pricing.Aggregate(typeLogs)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"byTaskType": result})
}

// handleCostTimeline buckets execution logs into one pricing.Summary
// per hour over the trailing window, for cost-over-time charts.
func (s *Server) handleCostTimeline(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			hours = parsed
		}
	}
	since := s.now().Add(-time.Duration(hours) * time.Hour)
	logs, err := s.store.ListExecutionLogsSince(r.Context(), since)
	if err != nil {
		s.writeAPIErr(w, err)
		return
	}
	byHour := make(map[string][]models.ExecutionLog)
	for _, l := range logs {
		bucket := l.Timestamp.UTC().Truncate(time.Hour).Format(time.RFC3339)
		byHour[bucket] = append(byHour[bucket], l)
	}
	result := make(map[string]pricing.Summary, len(byHour))
	for bucket, bucketLogs := range byHour {
		result[bucket] = pricing.Aggregate(bucketLogs)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"timeline": result})
}
