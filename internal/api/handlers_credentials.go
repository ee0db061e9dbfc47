package api

import (
	"net/http"
	"strings"

	"github.com/studypilot/internal/models"
)

// handleListCredentials handles GET /api/credentials - List pool credentials
func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	snapshot := s.pool.Snapshot()

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"credentials": snapshot,
		"count":       len(snapshot),
	})
}

// handleAddCredential handles POST /api/credentials - Add a credential to the pool
func (s *Server) handleAddCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Credential string `json:"credential"`
		Label      string `json:"label"`
	}

	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	secret := strings.TrimSpace(req.Credential)
	if secret == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Credential is required", nil)
		return
	}

	if err := s.pool.Add(secret, req.Label); err != nil {
		respondDomainError(w, err)
		return
	}

	s.logger.WithFields(map[string]interface{}{
		"credential": models.MaskCredential(secret),
		"label":      req.Label,
	}).Info("credential added via API")

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"id":    models.MaskCredential(secret),
		"label": req.Label,
	})
}

// handleReviveCredential handles POST /api/credentials/revive - Bring a dead
// credential back as idle
func (s *Server) handleReviveCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Credential string `json:"credential"`
	}

	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if req.Credential == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Credential is required", nil)
		return
	}

	if err := s.pool.Revive(req.Credential); err != nil {
		respondDomainError(w, err)
		return
	}

	s.logger.WithField("credential", models.MaskCredential(req.Credential)).Info("credential revived via API")

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":     models.MaskCredential(req.Credential),
		"status": models.CredentialIdle,
	})
}

// handleRemoveCredential handles DELETE /api/credentials - Remove a credential
// from the pool. Removal is idempotent, so unknown secrets still return 200.
func (s *Server) handleRemoveCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Credential string `json:"credential"`
	}

	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if req.Credential == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Credential is required", nil)
		return
	}

	s.pool.Remove(req.Credential)

	s.logger.WithField("credential", models.MaskCredential(req.Credential)).Info("credential removed via API")

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":      models.MaskCredential(req.Credential),
		"removed": true,
	})
}
