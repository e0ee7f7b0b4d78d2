package providers

import (
	"context"

	"github.com/speakwise/analysis-service/backend/internal/domain/entities"
)

// EventChannelAnalysisCompleted carries one message per newly persisted analysis
const EventChannelAnalysisCompleted = "analysis:completed"

// EventBus publishes analysis events to out-of-process consumers
type EventBus interface {
	// Publish publishes an event to all subscribers of channel
	Publish(ctx context.Context, channel string, event *entities.AnalysisEvent) error

	// Close releases the bus
	Close() error
}
