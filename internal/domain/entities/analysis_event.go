package entities

import "time"

// AnalysisEventType identifies what happened to an analysis
type AnalysisEventType string

const (
	// AnalysisEventCompleted is emitted once, when the analysis row is first persisted
	AnalysisEventCompleted AnalysisEventType = "analysis.completed"
)

// AnalysisEvent notifies downstream consumers (notifications, exports) about an analysis.
// It carries identifiers only; consumers fetch content through the API.
type AnalysisEvent struct {
	ID         string            `json:"id"`
	Type       AnalysisEventType `json:"type"`
	AnalysisID string            `json:"analysis_id"`
	UserID     string            `json:"user_id"`
	SpeechID   string            `json:"speech_id"`
	OccurredAt time.Time         `json:"occurred_at"`
}
