package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/speakwise/analysis-service/backend/internal/application/services"
	"github.com/speakwise/analysis-service/backend/internal/infrastructure/observability"
)

func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

// respondWithOutcome writes the status for a failed service decision
func respondWithOutcome(w http.ResponseWriter, outcome services.Outcome) {
	switch outcome.Kind {
	case services.OutcomeValidationFailed:
		respondWithError(w, http.StatusBadRequest, outcome.Reason)
	case services.OutcomeForbidden:
		respondWithError(w, http.StatusForbidden, outcome.Reason)
	case services.OutcomeNotFound:
		respondWithError(w, http.StatusNotFound, outcome.Reason)
	default:
		respondWithError(w, http.StatusInternalServerError, "internal server error")
	}
}

// respondWithStorageFault logs the fault and hides its detail from the caller
func respondWithStorageFault(ctx context.Context, w http.ResponseWriter, operation string, err error) {
	observability.LoggerFromContext(ctx).Error().
		Err(err).
		Str("operation", operation).
		Msg("analysis request failed")
	respondWithError(w, http.StatusInternalServerError, "internal server error")
}
