package routes

import (
	"net/http"

	"github.com/speakwise/analysis-service/backend/internal/api/handlers"
	"github.com/speakwise/analysis-service/backend/internal/api/middleware"
	"github.com/speakwise/analysis-service/backend/internal/infrastructure/observability"
)

// Router holds all route handlers
type Router struct {
	mux *http.ServeMux

	analysisHandler *handlers.AnalysisHandler
	healthHandler   *handlers.HealthHandler

	allowedOrigins []string
	metrics        *observability.Metrics
}

// NewRouter creates a new router
func NewRouter(
	analysisHandler *handlers.AnalysisHandler,
	healthHandler *handlers.HealthHandler,
	allowedOrigins []string,
	metrics *observability.Metrics,
) *Router {
	return &Router{
		mux:             http.NewServeMux(),
		analysisHandler: analysisHandler,
		healthHandler:   healthHandler,
		allowedOrigins:  allowedOrigins,
		metrics:         metrics,
	}
}

func (r *Router) handle(pattern string, h http.HandlerFunc) {
	r.mux.Handle(pattern, middleware.CaptureRoute(h))
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {
	r.handle("GET /health", r.healthHandler.Health)

	// Analysis endpoints
	r.handle("POST /api/speeches/{speechId}/analysis", r.analysisHandler.CompleteAnalysis)
	r.handle("GET /api/analyses", r.analysisHandler.ListAnalyses)
	r.handle("GET /api/analyses/recent", r.analysisHandler.GetRecentAnalyses)
	r.handle("GET /api/analyses/search", r.analysisHandler.SearchAnalyses)
	r.handle("GET /api/analyses/{id}", r.analysisHandler.GetAnalysis)

	// Apply middleware in reverse order (last middleware wraps first)
	var handler http.Handler = r.mux
	handler = middleware.Identity(handler)
	handler = middleware.CacheControl(handler)
	handler = middleware.Compression(handler)
	handler = middleware.CORS(r.allowedOrigins)(handler)
	handler = middleware.ObservabilityMiddleware(r.metrics)(handler)
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.Recovery(handler)

	return handler
}
