package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/speakwise/analysis-service/backend/internal/infrastructure/observability"
)

// Pinger is a dependency the health check can probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports whether the service can reach its dependencies
type HealthHandler struct {
	checks map[string]Pinger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{checks: make(map[string]Pinger)}
}

// Register adds a named dependency to the health check
func (h *HealthHandler) Register(name string, p Pinger) {
	h.checks[name] = p
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(h.checks))
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			observability.LoggerFromContext(ctx).Warn().Err(err).Str("component", name).Msg("health check failed")
			components[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "up"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}

	respondWithJSON(w, status, map[string]interface{}{
		"status":     overall,
		"components": components,
	})
}
