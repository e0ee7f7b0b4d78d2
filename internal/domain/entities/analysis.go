package entities

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Well-known metric keys produced by the speech scorer. Other keys are stored as-is.
const (
	MetricWordCount       = "word_count"
	MetricClarityScore    = "clarity_score"
	MetricStructureScore  = "structure_score"
	MetricFillerWordCount = "filler_word_count"
)

// Analysis is the persisted AI analysis of one speech for one user.
// At most one exists per (UserID, SpeechID) and it never changes after creation.
type Analysis struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	SpeechID   string          `json:"speech_id" db:"speech_id"`
	Transcript string          `json:"transcript,omitempty" db:"transcript"`
	Metrics    AnalysisMetrics `json:"metrics,omitempty" db:"metrics"`
	Summary    string          `json:"summary,omitempty" db:"summary"`
	Feedback   string          `json:"feedback" db:"feedback"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// OwnedBy reports whether userID owns the analysis
func (a *Analysis) OwnedBy(userID string) bool {
	return a != nil && a.UserID == userID
}

// AnalysisMetrics is the scorer output stored as JSONB.
type AnalysisMetrics map[string]interface{}

// Value implements driver.Valuer. JSON is sent as text so Postgres can cast it to JSONB.
func (m AnalysisMetrics) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analysis metrics: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (m *AnalysisMetrics) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported metrics column type %T", src)
	}

	if len(data) == 0 || string(data) == "null" {
		*m = nil
		return nil
	}

	out := AnalysisMetrics{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("failed to unmarshal analysis metrics: %w", err)
	}
	*m = out
	return nil
}

// Number returns the metric under key as a float64.
// Numeric strings are accepted because some scorers emit them.
func (m AnalysisMetrics) Number(key string) (float64, bool) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// ClarityScore returns the clarity score, if present
func (m AnalysisMetrics) ClarityScore() (float64, bool) {
	return m.Number(MetricClarityScore)
}

// StructureScore returns the structure score, if present
func (m AnalysisMetrics) StructureScore() (float64, bool) {
	return m.Number(MetricStructureScore)
}

// AnalysisPage is one page of a user's analysis history.
// PageSize is the number of items actually returned, not the requested limit.
type AnalysisPage struct {
	Items       []*Analysis `json:"items"`
	Total       int         `json:"total"`
	Page        int         `json:"page"`
	PageSize    int         `json:"page_size"`
	TotalPages  int         `json:"total_pages"`
	HasNext     bool        `json:"has_next"`
	HasPrevious bool        `json:"has_previous"`
}

// NewAnalysisPage builds the pagination envelope for a 1-based page.
func NewAnalysisPage(items []*Analysis, total, page, limit int) *AnalysisPage {
	if items == nil {
		items = []*Analysis{}
	}

	totalPages := 0
	if limit > 0 && total > 0 {
		totalPages = (total + limit - 1) / limit
	}

	return &AnalysisPage{
		Items:       items,
		Total:       total,
		Page:        page,
		PageSize:    len(items),
		TotalPages:  totalPages,
		HasNext:     page < totalPages,
		HasPrevious: page > 1,
	}
}
