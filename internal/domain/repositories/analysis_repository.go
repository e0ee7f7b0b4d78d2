package repositories

import (
	"context"
	"time"

	"github.com/speakwise/analysis-service/backend/internal/domain/entities"
)

const (
	// MaxListLimit caps list and search page sizes
	MaxListLimit = 100

	// MaxRecentLimit caps the dashboard "recent analyses" widget
	MaxRecentLimit = 10
)

// AnalysisRepository is the only component allowed to read or write analyses.
//
// Lookups return (nil, nil) when no row exists. Every other failure is a storage
// fault and is returned unchanged.
type AnalysisRepository interface {
	// GetByUserSpeech returns the analysis for the pair, if any
	GetByUserSpeech(ctx context.Context, userID, speechID string) (*entities.Analysis, error)

	// Create persists analysis unless a row already exists for its (UserID, SpeechID).
	// It returns the stored row and whether this call created it. A lost insert race
	// is reported as (winner, false, nil).
	Create(ctx context.Context, analysis *entities.Analysis) (*entities.Analysis, bool, error)

	// ListByUser returns a page ordered by created_at descending plus the total count
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*entities.Analysis, int, error)

	// GetRecentByUser returns the newest analyses, at most MaxRecentLimit
	GetRecentByUser(ctx context.Context, userID string, limit int) ([]*entities.Analysis, error)

	// GetByID returns the analysis with the given id, if any
	GetByID(ctx context.Context, id string) (*entities.Analysis, error)

	// Search applies every set filter, ANDed, and returns a page plus the total match count
	Search(ctx context.Context, filter AnalysisSearchFilter) ([]*entities.Analysis, int, error)
}

// AnalysisSearchFilter holds the optional search predicates. Nil or blank means unconstrained.
type AnalysisSearchFilter struct {
	UserID       string     `json:"user_id"`
	TextQuery    string     `json:"text_query,omitempty"`
	MinClarity   *float64   `json:"min_clarity,omitempty"`
	MaxClarity   *float64   `json:"max_clarity,omitempty"`
	MinStructure *float64   `json:"min_structure,omitempty"`
	MaxStructure *float64   `json:"max_structure,omitempty"`
	StartDate    *time.Time `json:"start_date,omitempty"`
	EndDate      *time.Time `json:"end_date,omitempty"`
	Limit        int        `json:"limit"`
	Offset       int        `json:"offset"`
}

// ClampLimit bounds limit to [1, max]. Non-positive values become max.
func ClampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}
