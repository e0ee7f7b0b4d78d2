package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/speakwise/analysis-service/backend/internal/api/middleware"
	"github.com/speakwise/analysis-service/backend/internal/application/services"
	"github.com/speakwise/analysis-service/backend/internal/domain/entities"
)

const (
	defaultPage      = 1
	defaultPageLimit = 10

	// maxAnalysisBodyBytes bounds a completion request; transcripts dominate its size
	maxAnalysisBodyBytes = 4 << 20

	dateOnlyLayout = "2006-01-02"
)

// AnalysisHandler handles analysis-related HTTP requests
type AnalysisHandler struct {
	service *services.AnalysisService
}

// NewAnalysisHandler creates a new analysis handler
func NewAnalysisHandler(service *services.AnalysisService) *AnalysisHandler {
	return &AnalysisHandler{
		service: service,
	}
}

// CompleteAnalysisRequest is the body of POST /api/speeches/{speechId}/analysis
type CompleteAnalysisRequest struct {
	Transcript string                   `json:"transcript,omitempty"`
	Metrics    entities.AnalysisMetrics `json:"metrics,omitempty"`
	Summary    string                   `json:"summary,omitempty"`
	Feedback   string                   `json:"feedback"`
}

// CompleteAnalysisResponse reports the stored analysis and whether it already existed
type CompleteAnalysisResponse struct {
	AnalysisID  string             `json:"analysis_id"`
	IsDuplicate bool               `json:"is_duplicate"`
	Analysis    *entities.Analysis `json:"analysis"`
}

// CompleteAnalysis handles POST /api/speeches/{speechId}/analysis.
// 201 when the analysis is stored by this call, 200 when it already existed.
func (h *AnalysisHandler) CompleteAnalysis(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		respondWithError(w, http.StatusUnauthorized, "caller identity is required")
		return
	}

	var req CompleteAnalysisRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAnalysisBodyBytes)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.service.SaveAnalysis(r.Context(), services.SaveAnalysisInput{
		UserID:     userID,
		SpeechID:   r.PathValue("speechId"),
		Transcript: req.Transcript,
		Metrics:    req.Metrics,
		Summary:    req.Summary,
		Feedback:   req.Feedback,
	})
	if err != nil {
		respondWithStorageFault(r.Context(), w, "complete_analysis", err)
		return
	}
	if !result.OK() {
		respondWithOutcome(w, result.Outcome)
		return
	}

	status := http.StatusCreated
	if result.IsDuplicate {
		status = http.StatusOK
	}

	respondWithJSON(w, status, CompleteAnalysisResponse{
		AnalysisID:  result.Analysis.ID,
		IsDuplicate: result.IsDuplicate,
		Analysis:    result.Analysis,
	})
}

// GetAnalysis handles GET /api/analyses/{id}
func (h *AnalysisHandler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		respondWithError(w, http.StatusUnauthorized, "caller identity is required")
		return
	}

	result, err := h.service.GetAnalysisByID(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		respondWithStorageFault(r.Context(), w, "get_analysis", err)
		return
	}
	if !result.OK() {
		respondWithOutcome(w, result.Outcome)
		return
	}

	respondWithJSON(w, http.StatusOK, result.Analysis)
}

// ListAnalyses handles GET /api/analyses?page=&limit=
func (h *AnalysisHandler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		respondWithError(w, http.StatusUnauthorized, "caller identity is required")
		return
	}

	query := r.URL.Query()
	page, err := intParam(query, "page", defaultPage)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(query, "limit", defaultPageLimit)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.GetAnalysesPage(r.Context(), userID, page, limit)
	if err != nil {
		respondWithStorageFault(r.Context(), w, "list_analyses", err)
		return
	}
	if !result.OK() {
		respondWithOutcome(w, result.Outcome)
		return
	}

	respondWithJSON(w, http.StatusOK, result.Page)
}

// GetRecentAnalyses handles GET /api/analyses/recent?limit=
func (h *AnalysisHandler) GetRecentAnalyses(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		respondWithError(w, http.StatusUnauthorized, "caller identity is required")
		return
	}

	limit, err := intParam(r.URL.Query(), "limit", services.DefaultRecentLimit)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.GetRecent(r.Context(), userID, limit)
	if err != nil {
		respondWithStorageFault(r.Context(), w, "recent_analyses", err)
		return
	}
	if !result.OK() {
		respondWithOutcome(w, result.Outcome)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"items": result.Items,
		"count": len(result.Items),
	})
}

// SearchAnalyses handles GET /api/analyses/search
func (h *AnalysisHandler) SearchAnalyses(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		respondWithError(w, http.StatusUnauthorized, "caller identity is required")
		return
	}

	in, err := parseSearchInput(r.URL.Query())
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	in.UserID = userID

	result, err := h.service.SearchAnalyses(r.Context(), in)
	if err != nil {
		respondWithStorageFault(r.Context(), w, "search_analyses", err)
		return
	}
	if !result.OK() {
		respondWithOutcome(w, result.Outcome)
		return
	}

	respondWithJSON(w, http.StatusOK, result.Page)
}

func parseSearchInput(query url.Values) (services.SearchAnalysesInput, error) {
	var (
		in  services.SearchAnalysesInput
		err error
	)

	in.TextQuery = query.Get("q")
	if in.Page, err = intParam(query, "page", defaultPage); err != nil {
		return in, err
	}
	if in.Limit, err = intParam(query, "limit", defaultPageLimit); err != nil {
		return in, err
	}
	if in.MinClarity, err = floatParam(query, "min_clarity"); err != nil {
		return in, err
	}
	if in.MaxClarity, err = floatParam(query, "max_clarity"); err != nil {
		return in, err
	}
	if in.MinStructure, err = floatParam(query, "min_structure"); err != nil {
		return in, err
	}
	if in.MaxStructure, err = floatParam(query, "max_structure"); err != nil {
		return in, err
	}
	if in.StartDate, err = dateParam(query, "start_date", false); err != nil {
		return in, err
	}
	if in.EndDate, err = dateParam(query, "end_date", true); err != nil {
		return in, err
	}

	return in, nil
}

func intParam(query url.Values, name string, defaultValue int) (int, error) {
	raw := query.Get(name)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return value, nil
}

func floatParam(query url.Values, name string) (*float64, error) {
	raw := query.Get(name)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("%s must be a finite number", name)
	}
	return &value, nil
}

// dateParam accepts RFC3339 or a bare YYYY-MM-DD. A bare end date covers the whole day.
func dateParam(query url.Values, name string, endOfDay bool) (*time.Time, error) {
	raw := query.Get(name)
	if raw == "" {
		return nil, nil
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}

	t, err := time.Parse(dateOnlyLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC3339 or YYYY-MM-DD", name)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
