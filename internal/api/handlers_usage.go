package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// handleUsageByLabel handles GET /api/usage/{label}?date=YYYY-MM-DD - Usage
// for one credential label on one day. The live side comes from Redis, the
// rollup side from ClickHouse; whichever store is missing reports null.
func (s *Server) handleUsageByLabel(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	label := vars["label"]

	if label == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Credential label required", nil)
		return
	}

	day := time.Now().UTC().Truncate(24 * time.Hour)
	if dateStr := r.URL.Query().Get("date"); dateStr != "" {
		parsed, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Date must be YYYY-MM-DD", nil)
			return
		}
		day = parsed.UTC()
	}

	if s.counters == nil && s.usage == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "No usage store is configured", nil)
		return
	}

	response := map[string]interface{}{
		"label": label,
		"date":  day.Format("2006-01-02"),
		"live":  nil,
		"total": nil,
	}

	if s.counters != nil {
		counters, err := s.counters.GetDay(r.Context(), day)
		if err != nil {
			s.logger.WithError(err).Warn("live usage counters unavailable")
		} else if live, ok := counters[label]; ok {
			response["live"] = live
		}
	}

	if s.usage != nil {
		totals, err := s.usage.LabelTotals(r.Context(), day, day.Add(24*time.Hour))
		if err != nil {
			s.logger.WithError(err).Warn("usage rollup unavailable")
		} else if total, ok := totals[label]; ok {
			response["total"] = total
		}
	}

	respondJSON(w, http.StatusOK, response)
}

// handleUsageSummary handles GET /api/usage?days=N - Fleet-wide daily rollup
func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Usage event store is not configured", nil)
		return
	}

	days := 7 // Default
	if daysStr := r.URL.Query().Get("days"); daysStr != "" {
		if d, err := strconv.Atoi(daysStr); err == nil && d > 0 && d <= 90 {
			days = d
		}
	}

	since := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -(days - 1))

	totals, err := s.usage.DailyTotals(r.Context(), since)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"days":   days,
		"since":  since.Format("2006-01-02"),
		"totals": totals,
	})
}
