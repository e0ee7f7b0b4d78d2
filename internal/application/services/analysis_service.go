package services

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/speakwise/analysis-service/backend/internal/domain/entities"
	"github.com/speakwise/analysis-service/backend/internal/domain/providers"
	"github.com/speakwise/analysis-service/backend/internal/domain/repositories"
	"github.com/speakwise/analysis-service/backend/internal/infrastructure/observability"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultRecentLimit is used when GetRecent is called without a positive limit
	DefaultRecentLimit = 5
)

// SaveAnalysisInput carries a completed analysis for one speech
type SaveAnalysisInput struct {
	UserID     string
	SpeechID   string
	Transcript string
	Metrics    entities.AnalysisMetrics
	Summary    string
	Feedback   string
}

// SearchAnalysesInput carries the optional search filters and a 1-based page
type SearchAnalysesInput struct {
	UserID       string
	TextQuery    string
	MinClarity   *float64
	MaxClarity   *float64
	MinStructure *float64
	MaxStructure *float64
	StartDate    *time.Time
	EndDate      *time.Time
	Page         int
	Limit        int
}

// AnalysisService applies validation and ownership rules on top of the analysis repository.
// Decisions are reported as outcomes; the error return is reserved for storage faults.
type AnalysisService struct {
	repo     repositories.AnalysisRepository
	eventBus providers.EventBus
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewAnalysisService creates a new analysis service
func NewAnalysisService(repo repositories.AnalysisRepository) *AnalysisService {
	return &AnalysisService{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetEventBus enables analysis.completed notifications
func (s *AnalysisService) SetEventBus(eventBus providers.EventBus) {
	s.eventBus = eventBus
}

// SetMetrics enables save counters
func (s *AnalysisService) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

// SaveAnalysis persists the analysis for (UserID, SpeechID) exactly once.
// Repeated or concurrent calls for the same pair return the first stored row with IsDuplicate set.
func (s *AnalysisService) SaveAnalysis(ctx context.Context, in SaveAnalysisInput) (SaveResult, error) {
	ctx, span := observability.StartSpan(ctx, "AnalysisService.SaveAnalysis")
	defer span.End()

	userID := strings.TrimSpace(in.UserID)
	speechID := strings.TrimSpace(in.SpeechID)
	feedback := strings.TrimSpace(in.Feedback)

	switch {
	case userID == "":
		return SaveResult{Outcome: validationFailed("user_id is required")}, nil
	case speechID == "":
		return SaveResult{Outcome: validationFailed("speech_id is required")}, nil
	case feedback == "":
		return SaveResult{Outcome: validationFailed("feedback is required")}, nil
	}

	now := s.now()
	candidate := &entities.Analysis{
		ID:         uuid.New().String(),
		UserID:     userID,
		SpeechID:   speechID,
		Transcript: strings.TrimSpace(in.Transcript),
		Metrics:    in.Metrics,
		Summary:    strings.TrimSpace(in.Summary),
		Feedback:   feedback,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	stored, isNew, err := s.repo.Create(ctx, candidate)
	if err != nil {
		observability.RecordError(span, err)
		return SaveResult{}, err
	}

	observability.SetSpanAttributes(span,
		attribute.String("analysis.id", stored.ID),
		attribute.Bool("analysis.is_new", isNew),
	)
	observability.RecordAnalysisSaved(ctx, s.metrics, isNew)

	if isNew {
		s.publishCompleted(ctx, stored)
	}

	return SaveResult{Outcome: ok(), Analysis: stored, IsDuplicate: !isNew}, nil
}

// GetAnalysisByID returns the caller's analysis. An analysis owned by someone else
// is Forbidden, never NotFound.
func (s *AnalysisService) GetAnalysisByID(ctx context.Context, userID, id string) (LookupResult, error) {
	ctx, span := observability.StartSpan(ctx, "AnalysisService.GetAnalysisByID")
	defer span.End()

	if strings.TrimSpace(id) == "" {
		return LookupResult{Outcome: validationFailed("analysis id is required")}, nil
	}

	analysis, err := s.repo.GetByID(ctx, id)
	if err != nil {
		observability.RecordError(span, err)
		return LookupResult{}, err
	}
	if analysis == nil {
		return LookupResult{Outcome: notFound("analysis not found")}, nil
	}
	if !analysis.OwnedBy(userID) {
		observability.LoggerFromContext(ctx).Warn().
			Str("analysis_id", id).
			Str("user_id", userID).
			Msg("access to another user's analysis denied")
		return LookupResult{Outcome: forbidden("analysis belongs to another user")}, nil
	}

	return LookupResult{Outcome: ok(), Analysis: analysis}, nil
}

// GetAnalysesPage returns one page of the caller's history, newest first
func (s *AnalysisService) GetAnalysesPage(ctx context.Context, userID string, page, limit int) (PageResult, error) {
	ctx, span := observability.StartSpan(ctx, "AnalysisService.GetAnalysesPage")
	defer span.End()

	if outcome := validatePaging(page, limit); !outcome.OK() {
		return PageResult{Outcome: outcome}, nil
	}
	limit = repositories.ClampLimit(limit, repositories.MaxListLimit)

	items, total, err := s.repo.ListByUser(ctx, userID, limit, (page-1)*limit)
	if err != nil {
		observability.RecordError(span, err)
		return PageResult{}, err
	}

	return PageResult{Outcome: ok(), Page: entities.NewAnalysisPage(items, total, page, limit)}, nil
}

// GetRecent returns the caller's newest analyses for the dashboard
func (s *AnalysisService) GetRecent(ctx context.Context, userID string, limit int) (RecentResult, error) {
	ctx, span := observability.StartSpan(ctx, "AnalysisService.GetRecent")
	defer span.End()

	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	limit = repositories.ClampLimit(limit, repositories.MaxRecentLimit)

	items, err := s.repo.GetRecentByUser(ctx, userID, limit)
	if err != nil {
		observability.RecordError(span, err)
		return RecentResult{}, err
	}
	if items == nil {
		items = []*entities.Analysis{}
	}

	return RecentResult{Outcome: ok(), Items: items}, nil
}

// SearchAnalyses validates the filter ranges, then returns one page of matches
func (s *AnalysisService) SearchAnalyses(ctx context.Context, in SearchAnalysesInput) (PageResult, error) {
	ctx, span := observability.StartSpan(ctx, "AnalysisService.SearchAnalyses")
	defer span.End()

	if outcome := validatePaging(in.Page, in.Limit); !outcome.OK() {
		return PageResult{Outcome: outcome}, nil
	}
	if outcome := validateSearchRanges(in); !outcome.OK() {
		return PageResult{Outcome: outcome}, nil
	}
	limit := repositories.ClampLimit(in.Limit, repositories.MaxListLimit)

	filter := repositories.AnalysisSearchFilter{
		UserID:       in.UserID,
		TextQuery:    strings.TrimSpace(in.TextQuery),
		MinClarity:   in.MinClarity,
		MaxClarity:   in.MaxClarity,
		MinStructure: in.MinStructure,
		MaxStructure: in.MaxStructure,
		StartDate:    in.StartDate,
		EndDate:      in.EndDate,
		Limit:        limit,
		Offset:       (in.Page - 1) * limit,
	}

	items, total, err := s.repo.Search(ctx, filter)
	if err != nil {
		observability.RecordError(span, err)
		return PageResult{}, err
	}
	observability.SetSpanAttributes(span, attribute.Int("search.total", total))

	return PageResult{Outcome: ok(), Page: entities.NewAnalysisPage(items, total, in.Page, limit)}, nil
}

func (s *AnalysisService) publishCompleted(ctx context.Context, analysis *entities.Analysis) {
	if s.eventBus == nil {
		return
	}

	event := &entities.AnalysisEvent{
		ID:         uuid.New().String(),
		Type:       entities.AnalysisEventCompleted,
		AnalysisID: analysis.ID,
		UserID:     analysis.UserID,
		SpeechID:   analysis.SpeechID,
		OccurredAt: s.now(),
	}

	if err := s.eventBus.Publish(ctx, providers.EventChannelAnalysisCompleted, event); err != nil {
		observability.LoggerFromContext(ctx).Warn().
			Err(err).
			Str("analysis_id", analysis.ID).
			Msg("failed to publish analysis.completed")
	}
}

func validatePaging(page, limit int) Outcome {
	if page < 1 {
		return validationFailed("page must be >= 1")
	}
	if limit < 1 {
		return validationFailed("limit must be >= 1")
	}
	return ok()
}

func validateSearchRanges(in SearchAnalysesInput) Outcome {
	for _, bound := range []struct {
		name  string
		value *float64
	}{
		{"min_clarity", in.MinClarity},
		{"max_clarity", in.MaxClarity},
		{"min_structure", in.MinStructure},
		{"max_structure", in.MaxStructure},
	} {
		if bound.value != nil && (math.IsNaN(*bound.value) || math.IsInf(*bound.value, 0)) {
			return validationFailed(bound.name + " must be a finite number")
		}
	}
	if in.MinClarity != nil && in.MaxClarity != nil && *in.MinClarity > *in.MaxClarity {
		return validationFailed("min_clarity must not exceed max_clarity")
	}
	if in.MinStructure != nil && in.MaxStructure != nil && *in.MinStructure > *in.MaxStructure {
		return validationFailed("min_structure must not exceed max_structure")
	}
	if in.StartDate != nil && in.EndDate != nil && in.StartDate.After(*in.EndDate) {
		return validationFailed("start_date must not be after end_date")
	}
	return ok()
}
