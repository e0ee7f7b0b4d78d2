package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/speakwise/analysis-service/backend/internal/domain/entities"
	"github.com/speakwise/analysis-service/backend/internal/domain/providers"
	"github.com/speakwise/analysis-service/backend/internal/domain/repositories"
	"github.com/speakwise/analysis-service/backend/internal/infrastructure/observability"
)

// CachedAnalysisAdapter wraps an AnalysisRepository with read-through caching of
// single-analysis lookups. Analyses are immutable once stored, so only positive
// hits are cached and nothing needs invalidating. Lists and searches pass through.
type CachedAnalysisAdapter struct {
	adapter repositories.AnalysisRepository
	cache   providers.CacheProvider
	ttl     int
	metrics *observability.Metrics
}

// NewCachedAnalysisAdapter creates a new cached analysis adapter
func NewCachedAnalysisAdapter(adapter repositories.AnalysisRepository, cache providers.CacheProvider, ttl time.Duration, metrics *observability.Metrics) repositories.AnalysisRepository {
	return &CachedAnalysisAdapter{
		adapter: adapter,
		cache:   cache,
		ttl:     ttlSeconds(ttl),
		metrics: metrics,
	}
}

// Cache key generators
func analysisCacheKey(id string) string {
	return fmt.Sprintf("analysis:%s", id)
}

// analysisPairCacheKey length-prefixes the user id; both parts may contain ':'
func analysisPairCacheKey(userID, speechID string) string {
	return fmt.Sprintf("analysis:pair:%d:%s:%s", len(userID), userID, speechID)
}

// getPair reads the pair cache, discarding an entry stored for any other pair
func (a *CachedAnalysisAdapter) getPair(ctx context.Context, userID, speechID string) *entities.Analysis {
	cached := a.get(ctx, analysisPairCacheKey(userID, speechID))
	if cached == nil {
		return nil
	}
	if cached.UserID != userID || cached.SpeechID != speechID {
		observability.LoggerFromContext(ctx).Warn().
			Str("user_id", userID).
			Str("speech_id", speechID).
			Str("analysis_id", cached.ID).
			Msg("pair cache entry belongs to another pair, ignoring")
		return nil
	}
	return cached
}

// GetByUserSpeech retrieves the analysis for a pair with caching
func (a *CachedAnalysisAdapter) GetByUserSpeech(ctx context.Context, userID, speechID string) (*entities.Analysis, error) {
	if cached := a.getPair(ctx, userID, speechID); cached != nil {
		return cached, nil
	}

	analysis, err := a.adapter.GetByUserSpeech(ctx, userID, speechID)
	if err != nil || analysis == nil {
		return analysis, err
	}

	a.store(ctx, analysis)
	return analysis, nil
}

// GetByID retrieves an analysis by ID with caching
func (a *CachedAnalysisAdapter) GetByID(ctx context.Context, id string) (*entities.Analysis, error) {
	if cached := a.get(ctx, analysisCacheKey(id)); cached != nil {
		return cached, nil
	}

	analysis, err := a.adapter.GetByID(ctx, id)
	if err != nil || analysis == nil {
		return analysis, err
	}

	a.store(ctx, analysis)
	return analysis, nil
}

// Create answers repeats from the pair cache and otherwise delegates.
// Whatever the underlying adapter returns, new row or race winner, becomes cached.
func (a *CachedAnalysisAdapter) Create(ctx context.Context, analysis *entities.Analysis) (*entities.Analysis, bool, error) {
	if analysis != nil {
		if cached := a.getPair(ctx, analysis.UserID, analysis.SpeechID); cached != nil {
			return cached, false, nil
		}
	}

	stored, isNew, err := a.adapter.Create(ctx, analysis)
	if err != nil {
		return nil, false, err
	}

	a.store(ctx, stored)
	return stored, isNew, nil
}

// ListByUser passes through; page contents change as analyses are added
func (a *CachedAnalysisAdapter) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*entities.Analysis, int, error) {
	return a.adapter.ListByUser(ctx, userID, limit, offset)
}

// GetRecentByUser passes through
func (a *CachedAnalysisAdapter) GetRecentByUser(ctx context.Context, userID string, limit int) ([]*entities.Analysis, error) {
	return a.adapter.GetRecentByUser(ctx, userID, limit)
}

// Search passes through
func (a *CachedAnalysisAdapter) Search(ctx context.Context, filter repositories.AnalysisSearchFilter) ([]*entities.Analysis, int, error) {
	return a.adapter.Search(ctx, filter)
}

func (a *CachedAnalysisAdapter) get(ctx context.Context, key string) *entities.Analysis {
	cached, err := a.cache.Get(ctx, key)
	if err != nil {
		observability.RecordCacheMiss(ctx, a.metrics, "analysis")
		return nil
	}

	var analysis entities.Analysis
	if err := json.Unmarshal(cached, &analysis); err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Str("key", key).Msg("failed to unmarshal cached analysis")
		observability.RecordCacheMiss(ctx, a.metrics, "analysis")
		return nil
	}

	observability.RecordCacheHit(ctx, a.metrics, "analysis")
	return &analysis
}

func (a *CachedAnalysisAdapter) store(ctx context.Context, analysis *entities.Analysis) {
	data, err := json.Marshal(analysis)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Str("analysis_id", analysis.ID).Msg("failed to marshal analysis for cache")
		return
	}

	for _, key := range []string{analysisCacheKey(analysis.ID), analysisPairCacheKey(analysis.UserID, analysis.SpeechID)} {
		if err := a.cache.Set(ctx, key, data, a.ttl); err != nil {
			observability.LoggerFromContext(ctx).Warn().Err(err).Str("key", key).Msg("failed to cache analysis")
		}
	}
}
