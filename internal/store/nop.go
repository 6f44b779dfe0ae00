package store

import (
	"context"

	"github.com/genfree/realtime/internal/domain"
)

// NopStore is used when no database is configured.
type NopStore struct{}

func (NopStore) RecordMessage(context.Context, *domain.ChatMessage) error {
	return nil
}

func (NopStore) RecordJoin(context.Context, string, domain.Identity) error {
	return nil
}

func (NopStore) RecordLeave(context.Context, string, domain.Identity) error {
	return nil
}

func (NopStore) RecordReaction(context.Context, string, domain.Identity, string, string) error {
	return nil
}

func (NopStore) RecordQuality(context.Context, string, int, string, float64) error {
	return nil
}

func (NopStore) RecordAnalytics(context.Context, string, AnalyticsSample) error {
	return nil
}

func (NopStore) RecentMessages(context.Context, string, int) ([]domain.ChatMessage, error) {
	return nil, nil
}
