package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/speakwise/analysis-service/backend/internal/domain/entities"
	"github.com/speakwise/analysis-service/backend/internal/domain/providers"
	"github.com/speakwise/analysis-service/backend/internal/domain/repositories"
	"github.com/speakwise/analysis-service/backend/internal/infrastructure/clients/postgres"
	"github.com/speakwise/analysis-service/backend/internal/infrastructure/observability"
	apperrors "github.com/speakwise/analysis-service/backend/pkg/errors"
)

const (
	analysesTable = "analyses"

	// userSpeechConstraint is the compound unique index created by migration 000001
	userSpeechConstraint = "uq_analyses_user_speech"

	pqUniqueViolation = pq.ErrorCode("23505")
)

var analysisColumns = []interface{}{
	"id", "user_id", "speech_id", "transcript", "metrics",
	"summary", "feedback", "created_at", "updated_at",
}

// AnalysisAdapter implements AnalysisRepository on Postgres.
// The unique index on (user_id, speech_id) is the only synchronisation it relies on.
type AnalysisAdapter struct {
	client     *postgres.Client
	db         *goqu.Database
	metrics    *observability.Metrics
	countCache providers.CacheProvider
	countTTL   time.Duration
}

// AnalysisAdapterOption configures optional collaborators of the adapter
type AnalysisAdapterOption func(*AnalysisAdapter)

// WithCountCache caches list/search total counts for ttl. Cached counts are only
// refreshed by expiry, so they may lag behind newly created analyses.
func WithCountCache(cache providers.CacheProvider, ttl time.Duration) AnalysisAdapterOption {
	return func(a *AnalysisAdapter) {
		a.countCache = cache
		a.countTTL = ttl
	}
}

// WithQueryMetrics records query durations
func WithQueryMetrics(metrics *observability.Metrics) AnalysisAdapterOption {
	return func(a *AnalysisAdapter) {
		a.metrics = metrics
	}
}

// NewAnalysisAdapter creates a new analysis adapter
func NewAnalysisAdapter(client *postgres.Client, opts ...AnalysisAdapterOption) repositories.AnalysisRepository {
	a := &AnalysisAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *AnalysisAdapter) selectAnalyses() *goqu.SelectDataset {
	return a.db.From(analysesTable).Prepared(true).Select(analysisColumns...)
}

// GetByUserSpeech retrieves the analysis for a (user, speech) pair
func (a *AnalysisAdapter) GetByUserSpeech(ctx context.Context, userID, speechID string) (*entities.Analysis, error) {
	query, args, err := a.selectAnalyses().
		Where(goqu.Ex{"user_id": userID, "speech_id": speechID}).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build analysis lookup query", err)
	}

	return a.queryOne(ctx, "get_by_user_speech", query, args...)
}

// GetByID retrieves an analysis by ID
func (a *AnalysisAdapter) GetByID(ctx context.Context, id string) (*entities.Analysis, error) {
	// ids are UUIDs; anything else cannot exist and would only make Postgres reject the cast
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	query, args, err := a.selectAnalyses().
		Where(goqu.C("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build analysis query", err)
	}

	return a.queryOne(ctx, "get_by_id", query, args...)
}

// Create inserts an analysis unless one already exists for its (user, speech) pair.
//
// The pre-check answers the common repeat case without writing. Between the check and
// the insert another request may win; the unique index then rejects our insert and the
// winner is read back instead.
func (a *AnalysisAdapter) Create(ctx context.Context, analysis *entities.Analysis) (*entities.Analysis, bool, error) {
	if analysis == nil {
		return nil, false, apperrors.NewInternalError("analysis is nil", fmt.Errorf("analysis is nil"))
	}

	existing, err := a.GetByUserSpeech(ctx, analysis.UserID, analysis.SpeechID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	record := goqu.Record{
		"id":         analysis.ID,
		"user_id":    analysis.UserID,
		"speech_id":  analysis.SpeechID,
		"transcript": sql.NullString{String: analysis.Transcript, Valid: analysis.Transcript != ""},
		"metrics":    analysis.Metrics,
		"summary":    sql.NullString{String: analysis.Summary, Valid: analysis.Summary != ""},
		"feedback":   analysis.Feedback,
		"created_at": analysis.CreatedAt,
		"updated_at": analysis.UpdatedAt,
	}

	query, args, err := a.db.Insert(analysesTable).
		Prepared(true).
		Rows(record).
		Returning(analysisColumns...).
		ToSQL()
	if err != nil {
		return nil, false, apperrors.NewInternalError("failed to build analysis insert query", err)
	}

	start := time.Now()
	created, err := scanAnalysis(a.client.DB().QueryRowContext(ctx, query, args...))
	observability.RecordDBMetric(ctx, a.metrics, "analysis.insert", time.Since(start))
	if err == nil {
		return created, true, nil
	}

	if !isUserSpeechConflict(err) {
		return nil, false, apperrors.NewInternalError("failed to create analysis", err)
	}

	winner, lookupErr := a.GetByUserSpeech(ctx, analysis.UserID, analysis.SpeechID)
	if lookupErr != nil {
		return nil, false, lookupErr
	}
	if winner == nil {
		return nil, false, apperrors.NewInternalError(
			"unique violation reported but no analysis exists for the pair", err)
	}

	observability.RecordAnalysisRaceRecovered(ctx, a.metrics)
	observability.LoggerFromContext(ctx).Info().
		Str("user_id", analysis.UserID).
		Str("speech_id", analysis.SpeechID).
		Str("analysis_id", winner.ID).
		Msg("concurrent analysis insert lost the race; returning existing row")

	return winner, false, nil
}

// ListByUser retrieves a page of a user's analyses and the user's total count
func (a *AnalysisAdapter) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*entities.Analysis, int, error) {
	where := newAnalysisPredicates(userID).expression()

	items, err := a.queryPage(ctx, "list_by_user", where, repositories.ClampLimit(limit, repositories.MaxListLimit), offset)
	if err != nil {
		return nil, 0, err
	}

	total, err := a.count(ctx, "analyses:count:user:"+userID, where)
	if err != nil {
		return nil, 0, err
	}

	return items, total, nil
}

// GetRecentByUser retrieves the newest analyses of a user
func (a *AnalysisAdapter) GetRecentByUser(ctx context.Context, userID string, limit int) ([]*entities.Analysis, error) {
	where := newAnalysisPredicates(userID).expression()
	return a.queryPage(ctx, "recent_by_user", where, repositories.ClampLimit(limit, repositories.MaxRecentLimit), 0)
}

// Search retrieves a page of analyses matching every set filter and the total match count
func (a *AnalysisAdapter) Search(ctx context.Context, filter repositories.AnalysisSearchFilter) ([]*entities.Analysis, int, error) {
	where := searchPredicates(filter).expression()

	items, err := a.queryPage(ctx, "search", where, repositories.ClampLimit(filter.Limit, repositories.MaxListLimit), filter.Offset)
	if err != nil {
		return nil, 0, err
	}

	total, err := a.count(ctx, searchCountCacheKey(filter), where)
	if err != nil {
		return nil, 0, err
	}

	return items, total, nil
}

func (a *AnalysisAdapter) queryPage(ctx context.Context, operation string, where exp.Expression, limit, offset int) ([]*entities.Analysis, error) {
	if offset < 0 {
		offset = 0
	}

	query, args, err := a.selectAnalyses().
		Where(where).
		Order(goqu.C("created_at").Desc(), goqu.C("id").Desc()).
		Limit(uint(limit)).
		Offset(uint(offset)).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build analysis page query", err)
	}

	start := time.Now()
	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to query analyses", err)
	}
	defer rows.Close()

	analyses := make([]*entities.Analysis, 0, limit)
	for rows.Next() {
		analysis, err := scanAnalysis(rows)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to scan analysis", err)
		}
		analyses = append(analyses, analysis)
	}

	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("error iterating analyses", err)
	}
	observability.RecordDBMetric(ctx, a.metrics, "analysis."+operation, time.Since(start))

	return analyses, nil
}

// count runs the COUNT(*) companion of a page query. It is a separate statement,
// so under concurrent inserts the total and the page may disagree.
func (a *AnalysisAdapter) count(ctx context.Context, cacheKey string, where exp.Expression) (int, error) {
	useCache := a.countCache != nil && a.countTTL > 0
	if useCache {
		if cached, err := a.countCache.Get(ctx, cacheKey); err == nil {
			if total, err := strconv.Atoi(string(cached)); err == nil {
				observability.RecordCacheHit(ctx, a.metrics, "analysis_count")
				return total, nil
			}
		}
		observability.RecordCacheMiss(ctx, a.metrics, "analysis_count")
	}

	query, args, err := a.db.From(analysesTable).
		Prepared(true).
		Select(goqu.COUNT("*")).
		Where(where).
		ToSQL()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to build analysis count query", err)
	}

	start := time.Now()
	var total int
	if err := a.client.DB().QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, apperrors.NewInternalError("failed to count analyses", err)
	}
	observability.RecordDBMetric(ctx, a.metrics, "analysis.count", time.Since(start))

	if useCache {
		if err := a.countCache.Set(ctx, cacheKey, []byte(strconv.Itoa(total)), ttlSeconds(a.countTTL)); err != nil {
			observability.LoggerFromContext(ctx).Warn().Err(err).Msg("failed to cache analysis count")
		}
	}

	return total, nil
}

func (a *AnalysisAdapter) queryOne(ctx context.Context, operation, query string, args ...interface{}) (*entities.Analysis, error) {
	start := time.Now()
	analysis, err := scanAnalysis(a.client.DB().QueryRowContext(ctx, query, args...))
	observability.RecordDBMetric(ctx, a.metrics, "analysis."+operation, time.Since(start))

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get analysis", err)
	}
	return analysis, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAnalysis(row rowScanner) (*entities.Analysis, error) {
	analysis := &entities.Analysis{}
	var transcript, summary sql.NullString

	err := row.Scan(
		&analysis.ID,
		&analysis.UserID,
		&analysis.SpeechID,
		&transcript,
		&analysis.Metrics,
		&summary,
		&analysis.Feedback,
		&analysis.CreatedAt,
		&analysis.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	analysis.Transcript = transcript.String
	analysis.Summary = summary.String
	return analysis, nil
}

// isUserSpeechConflict recognises the unique violation raised when a concurrent
// writer already inserted the same (user_id, speech_id). Violations of any other
// unique constraint are genuine faults.
func isUserSpeechConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != pqUniqueViolation {
		return false
	}
	return pqErr.Constraint == "" || pqErr.Constraint == userSpeechConstraint
}

func searchCountCacheKey(filter repositories.AnalysisSearchFilter) string {
	filter.TextQuery = strings.TrimSpace(filter.TextQuery)
	filter.Limit = 0
	filter.Offset = 0
	data, _ := json.Marshal(filter)
	sum := sha256.Sum256(data)
	return "analyses:count:search:" + hex.EncodeToString(sum[:])
}

func ttlSeconds(ttl time.Duration) int {
	seconds := int(ttl / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}
