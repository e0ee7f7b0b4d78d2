package database_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/speakwise/analysis-service/backend/internal/adapters/database"
	"github.com/speakwise/analysis-service/backend/internal/domain/entities"
	"github.com/speakwise/analysis-service/backend/internal/domain/providers"
	"github.com/speakwise/analysis-service/backend/internal/domain/repositories"
	"github.com/speakwise/analysis-service/backend/internal/infrastructure/clients/postgres"
	apperrors "github.com/speakwise/analysis-service/backend/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	lookupQuery = `SELECT .* FROM "analyses" WHERE .*"speech_id" = .*"user_id" = .* LIMIT`
	insertQuery = `INSERT INTO "analyses" .* RETURNING "id", "user_id", "speech_id"`
	pageQuery   = `SELECT .* FROM "analyses" WHERE .* ORDER BY "created_at" DESC, "id" DESC LIMIT`
	countQuery  = `SELECT COUNT\(\*\) FROM "analyses" WHERE`
)

var analysisColumnNames = []string{
	"id", "user_id", "speech_id", "transcript", "metrics",
	"summary", "feedback", "created_at", "updated_at",
}

func setupMockAdapter(t *testing.T, opts ...database.AnalysisAdapterOption) (repositories.AnalysisRepository, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	return database.NewAnalysisAdapter(postgres.NewClientFromDB(mockDB), opts...), mock
}

func newTestAnalysis(userID, speechID string) *entities.Analysis {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return &entities.Analysis{
		ID:       "0b8f8c4e-4c5e-4f0a-9d0e-0c1f3a1b2c3d",
		UserID:   userID,
		SpeechID: speechID,
		Metrics: entities.AnalysisMetrics{
			entities.MetricClarityScore:   8.5,
			entities.MetricStructureScore: 7.0,
		},
		Summary:   "Clear opening",
		Feedback:  "Slow down in the second half",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func analysisRows(analyses ...*entities.Analysis) *sqlmock.Rows {
	rows := sqlmock.NewRows(analysisColumnNames)
	for _, a := range analyses {
		metrics, _ := a.Metrics.Value()
		var transcript interface{}
		if a.Transcript != "" {
			transcript = a.Transcript
		}
		rows.AddRow(a.ID, a.UserID, a.SpeechID, transcript, metrics, a.Summary, a.Feedback, a.CreatedAt, a.UpdatedAt)
	}
	return rows
}

func TestAnalysisAdapter_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts when no analysis exists for the pair", func(t *testing.T) {
		adapter, mock := setupMockAdapter(t)
		analysis := newTestAnalysis("user-1", "speech-1")

		mock.ExpectQuery(lookupQuery).WillReturnRows(sqlmock.NewRows(analysisColumnNames))
		mock.ExpectQuery(insertQuery).WillReturnRows(analysisRows(analysis))

		stored, isNew, err := adapter.Create(ctx, analysis)

		require.NoError(t, err)
		assert.True(t, isNew)
		assert.Equal(t, analysis.ID, stored.ID)
		assert.Equal(t, "Slow down in the second half", stored.Feedback)
		score, ok := stored.Metrics.ClarityScore()
		assert.True(t, ok)
		assert.Equal(t, 8.5, score)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns existing analysis without inserting", func(t *testing.T) {
		adapter, mock := setupMockAdapter(t)
		existing := newTestAnalysis("user-1", "speech-1")
		retry := newTestAnalysis("user-1", "speech-1")
		retry.ID = "5d1e7d36-0f5c-4bd5-a3a4-5b0e3e0f9a11"
		retry.Feedback = "different feedback"

		mock.ExpectQuery(lookupQuery).WillReturnRows(analysisRows(existing))

		stored, isNew, err := adapter.Create(ctx, retry)

		require.NoError(t, err)
		assert.False(t, isNew)
		assert.Equal(t, existing.ID, stored.ID)
		assert.Equal(t, existing.Feedback, stored.Feedback)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("recovers the winner after losing an insert race", func(t *testing.T) {
		adapter, mock := setupMockAdapter(t)
		winner := newTestAnalysis("user-1", "speech-1")
		loser := newTestAnalysis("user-1", "speech-1")
		loser.ID = "9c3a8a57-1f0e-4a43-8a39-0d6f6a9d7e21"

		mock.ExpectQuery(lookupQuery).WillReturnRows(sqlmock.NewRows(analysisColumnNames))
		mock.ExpectQuery(insertQuery).WillReturnError(&pq.Error{
			Code:       "23505",
			Constraint: "uq_analyses_user_speech",
		})
		mock.ExpectQuery(lookupQuery).WillReturnRows(analysisRows(winner))

		stored, isNew, err := adapter.Create(ctx, loser)

		require.NoError(t, err)
		assert.False(t, isNew)
		assert.Equal(t, winner.ID, stored.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique violation without a visible winner is internal", func(t *testing.T) {
		adapter, mock := setupMockAdapter(t)

		mock.ExpectQuery(lookupQuery).WillReturnRows(sqlmock.NewRows(analysisColumnNames))
		mock.ExpectQuery(insertQuery).WillReturnError(&pq.Error{
			Code:       "23505",
			Constraint: "uq_analyses_user_speech",
		})
		mock.ExpectQuery(lookupQuery).WillReturnRows(sqlmock.NewRows(analysisColumnNames))

		stored, isNew, err := adapter.Create(ctx, newTestAnalysis("user-1", "speech-1"))

		require.Error(t, err)
		assert.Nil(t, stored)
		assert.False(t, isNew)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInternal))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("violation of another unique constraint is not treated as a duplicate", func(t *testing.T) {
		adapter, mock := setupMockAdapter(t)

		mock.ExpectQuery(lookupQuery).WillReturnRows(sqlmock.NewRows(analysisColumnNames))
		mock.ExpectQuery(insertQuery).WillReturnError(&pq.Error{
			Code:       "23505",
			Constraint: "analyses_pkey",
		})

		_, _, err := adapter.Create(ctx, newTestAnalysis("user-1", "speech-1"))

		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInternal))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("storage failure is propagated", func(t *testing.T) {
		adapter, mock := setupMockAdapter(t)
		dbErr := errors.New("connection reset")

		mock.ExpectQuery(lookupQuery).WillReturnRows(sqlmock.NewRows(analysisColumnNames))
		mock.ExpectQuery(insertQuery).WillReturnError(dbErr)

		_, _, err := adapter.Create(ctx, newTestAnalysis("user-1", "speech-1"))

		require.Error(t, err)
		assert.ErrorIs(t, err, dbErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lookup failure stops before inserting", func(t *testing.T) {
		adapter, mock := setupMockAdapter(t)

		mock.ExpectQuery(lookupQuery).WillReturnError(errors.New("timeout"))

		_, _, err := adapter.Create(ctx, newTestAnalysis("user-1", "speech-1"))

		require.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAnalysisAdapter_GetByID(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the analysis", func(t *testing.T) {
		adapter, mock := setupMockAdapter(t)
		analysis := newTestAnalysis("user-1", "speech-1")

		mock.ExpectQuery(`SELECT .* FROM "analyses" WHERE \("id" = \$1\)`).
			WithArgs(analysis.ID).
			WillReturnRows(analysisRows(analysis))

		got, err := adapter.GetByID(ctx, analysis.ID)

		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "user-1", got.UserID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing analysis is nil without error", func(t *testing.T) {
		adapter, mock := setupMockAdapter(t)

		mock.ExpectQuery(`SELECT .* FROM "analyses"`).WillReturnRows(sqlmock.NewRows(analysisColumnNames))

		got, err := adapter.GetByID(ctx, "5d1e7d36-0f5c-4bd5-a3a4-5b0e3e0f9a11")

		require.NoError(t, err)
		assert.Nil(t, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("malformed id never reaches the database", func(t *testing.T) {
		adapter, mock := setupMockAdapter(t)

		got, err := adapter.GetByID(ctx, "not-a-uuid")

		require.NoError(t, err)
		assert.Nil(t, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAnalysisAdapter_ListByUser(t *testing.T) {
	ctx := context.Background()

	t.Run("returns page and total", func(t *testing.T) {
		adapter, mock := setupMockAdapter(t)
		first := newTestAnalysis("user-1", "speech-2")
		second := newTestAnalysis("user-1", "speech-1")
		second.ID = "5d1e7d36-0f5c-4bd5-a3a4-5b0e3e0f9a11"

		mock.ExpectQuery(pageQuery).WillReturnRows(analysisRows(first, second))
		mock.ExpectQuery(countQuery).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))

		items, total, err := adapter.ListByUser(ctx, "user-1", 2, 0)

		require.NoError(t, err)
		assert.Equal(t, 12, total)
		require.Len(t, items, 2)
		assert.Equal(t, first.ID, items[0].ID)
		assert.Equal(t, second.ID, items[1].ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("limit above the cap is clamped", func(t *testing.T) {
		adapter, mock := setupMockAdapter(t)

		mock.ExpectQuery(pageQuery).
			WithArgs("user-1", int64(repositories.MaxListLimit), int64(40)).
			WillReturnRows(sqlmock.NewRows(analysisColumnNames))
		mock.ExpectQuery(countQuery).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		items, total, err := adapter.ListByUser(ctx, "user-1", 500, 40)

		require.NoError(t, err)
		assert.Empty(t, items)
		assert.Zero(t, total)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("count failure is propagated", func(t *testing.T) {
		adapter, mock := setupMockAdapter(t)

		mock.ExpectQuery(pageQuery).WillReturnRows(sqlmock.NewRows(analysisColumnNames))
		mock.ExpectQuery(countQuery).WillReturnError(errors.New("boom"))

		_, _, err := adapter.ListByUser(ctx, "user-1", 10, 0)

		require.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAnalysisAdapter_GetRecentByUser(t *testing.T) {
	adapter, mock := setupMockAdapter(t)

	mock.ExpectQuery(pageQuery).
		WithArgs("user-1", int64(repositories.MaxRecentLimit)).
		WillReturnRows(analysisRows(newTestAnalysis("user-1", "speech-1")))

	items, err := adapter.GetRecentByUser(context.Background(), "user-1", 50)

	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalysisAdapter_Search(t *testing.T) {
	adapter, mock := setupMockAdapter(t)
	minClarity := 7.0

	mock.ExpectQuery(`SELECT .* FROM "analyses" WHERE .*ILIKE.*jsonb_typeof\(metrics->'clarity_score'\) = 'number' THEN \(metrics->>'clarity_score'\)::numeric END\) >= .* ORDER BY "created_at" DESC, "id" DESC`).
		WillReturnRows(analysisRows(newTestAnalysis("user-1", "speech-1")))
	mock.ExpectQuery(countQuery).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	items, total, err := adapter.Search(context.Background(), repositories.AnalysisSearchFilter{
		UserID:     "user-1",
		TextQuery:  "opening",
		MinClarity: &minClarity,
		Limit:      10,
	})

	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 1, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// memoryCache is an in-process CacheProvider for adapter tests
type memoryCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{data: make(map[string][]byte)}
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return nil, providers.ErrCacheMiss
	}
	return v, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	c.sets++
	return nil
}

func TestAnalysisAdapter_CountCache(t *testing.T) {
	ctx := context.Background()
	cache := newMemoryCache()
	adapter, mock := setupMockAdapter(t, database.WithCountCache(cache, 15*time.Second))

	mock.ExpectQuery(pageQuery).WillReturnRows(sqlmock.NewRows(analysisColumnNames))
	mock.ExpectQuery(countQuery).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	// second call reads the total from cache, so only the page query runs
	mock.ExpectQuery(pageQuery).WillReturnRows(sqlmock.NewRows(analysisColumnNames))

	_, total, err := adapter.ListByUser(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, total)

	_, total, err = adapter.ListByUser(ctx, "user-1", 10, 10)
	require.NoError(t, err)
	assert.Equal(t, 7, total)

	assert.Equal(t, []byte("7"), cache.data["analyses:count:user:user-1"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnalysisAdapter_SearchCountCacheIgnoresPaging(t *testing.T) {
	ctx := context.Background()
	cache := newMemoryCache()
	adapter, mock := setupMockAdapter(t, database.WithCountCache(cache, 15*time.Second))

	mock.ExpectQuery(pageQuery).WillReturnRows(sqlmock.NewRows(analysisColumnNames))
	mock.ExpectQuery(countQuery).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(pageQuery).WillReturnRows(sqlmock.NewRows(analysisColumnNames))
	// different text query, different key
	mock.ExpectQuery(pageQuery).WillReturnRows(sqlmock.NewRows(analysisColumnNames))
	mock.ExpectQuery(countQuery).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	filter := repositories.AnalysisSearchFilter{UserID: "user-1", TextQuery: "pace", Limit: 10}
	_, _, err := adapter.Search(ctx, filter)
	require.NoError(t, err)

	filter.Offset = 10
	_, total, err := adapter.Search(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	filter.TextQuery = "tone"
	_, total, err = adapter.Search(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	assert.NoError(t, mock.ExpectationsWereMet())
}
