package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// handleScheduleAction handles POST /api/actions - Schedule a one-shot action
func (s *Server) handleScheduleAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserRef   string          `json:"userRef"`
		ExecuteAt time.Time       `json:"executeAt"`
		Title     string          `json:"title"`
		Message   string          `json:"message"`
		Meta      json.RawMessage `json:"meta,omitempty"`
	}

	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if req.UserRef == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "userRef is required", nil)
		return
	}
	if req.Title == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Title is required", nil)
		return
	}
	if req.ExecuteAt.IsZero() {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "executeAt is required", nil)
		return
	}

	id, err := s.actions.Schedule(r.Context(), req.UserRef, req.ExecuteAt, req.Title, req.Message, req.Meta)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"actionId":  id,
		"executeAt": req.ExecuteAt,
	})
}

// handleGetAction handles GET /api/actions/{id} - Fetch one scheduled action
func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	if id == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Action ID required", nil)
		return
	}

	action, err := s.actions.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, action)
}

// handleListActions handles GET /api/actions?user= - List a user's actions
func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	userRef := query.Get("user")
	if userRef == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "user query parameter required", nil)
		return
	}

	limit := 50 // Default
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}

	actions, err := s.actions.ListByUser(r.Context(), userRef, limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"actions": actions,
		"count":   len(actions),
	})
}
