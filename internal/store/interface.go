package store

import (
	"context"

	"github.com/genfree/realtime/internal/domain"
)

// AnalyticsSample is one stream_analytics row.
type AnalyticsSample struct {
	ConcurrentViewers int
	NewViewers        int
	ChatMessages      int
	Reactions         int
	Shares            int
	Quality           string
	BufferingRate     float64
}

// Recorder is the write side of the persistence store. Every failure is
// wrapped with domain.ErrPersistenceUnavailable.
type Recorder interface {
	RecordMessage(ctx context.Context, msg *domain.ChatMessage) error
	RecordJoin(ctx context.Context, channelKey string, id domain.Identity) error
	RecordLeave(ctx context.Context, channelKey string, id domain.Identity) error
	RecordReaction(ctx context.Context, channelKey string, id domain.Identity, messageID, reaction string) error
	RecordQuality(ctx context.Context, streamID string, concurrent int, quality string, bufferingRate float64) error
	RecordAnalytics(ctx context.Context, streamID string, sample AnalyticsSample) error
}

// MessageReader serves chat history.
type MessageReader interface {
	RecentMessages(ctx context.Context, channelKey string, limit int) ([]domain.ChatMessage, error)
}

// Store is both sides.
type Store interface {
	Recorder
	MessageReader
}
