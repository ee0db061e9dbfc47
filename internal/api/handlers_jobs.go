package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/studypilot/internal/models"
)

// handleEnqueueJob handles POST /api/jobs - Enqueue a background job
func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserRef string          `json:"userRef"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if req.Type == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Job type is required", nil)
		return
	}

	job, err := s.queue.Enqueue(r.Context(), req.UserRef, req.Type, req.Payload)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	// 202: the job runs later, the caller polls GET /api/jobs/{id}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

// handleGetJob handles GET /api/jobs/{id} - Poll a single job
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	if id == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Job ID required", nil)
		return
	}

	job, err := s.jobs.GetByID(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// handleListJobs handles GET /api/jobs?status=failed - Inspect jobs by status.
// Without a status filter it returns the per-status counts instead of rows.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := 50 // Default
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}

	statusStr := query.Get("status")
	if statusStr == "" {
		counts, err := s.jobs.CountByStatus(r.Context())
		if err != nil {
			respondDomainError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"counts": counts})
		return
	}

	status := models.JobStatus(statusStr)
	switch status {
	case models.JobQueued, models.JobProcessing, models.JobDone, models.JobFailed:
	default:
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Unknown job status", map[string]interface{}{
			"status": statusStr,
		})
		return
	}

	jobs, err := s.jobs.ListByStatus(r.Context(), status, limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}
