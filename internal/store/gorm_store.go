package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/genfree/realtime/internal/domain"
	"github.com/genfree/realtime/pkg/log"
)

// GormStore implements Store on GORM. Each Record call touches only the
// rows of one event; nothing spans calls.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrPersistenceUnavailable, err)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// byIdentity narrows a query to the rows written for id.
func byIdentity(id domain.Identity) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if id.IsAuth {
			return db.Where("user_id = ?", id.UserID)
		}
		return db.Where("user_id IS NULL AND session_id = ?", id.SessionID)
	}
}

func streamID(channelKey string) (string, bool) {
	kind, id, err := domain.ParseChannelKey(channelKey)
	if err != nil || kind != domain.KindStream {
		return "", false
	}
	return id, true
}

func (s *GormStore) activity(channelKey string, id domain.Identity, kind string, meta map[string]string) *ChannelActivityModel {
	row := &ChannelActivityModel{
		ChannelKey:   channelKey,
		SessionID:    id.SessionID,
		ActivityType: kind,
		Timestamp:    s.now(),
	}
	if id.IsAuth {
		row.UserID = optional(id.UserID)
	}
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			row.Metadata = string(b)
		}
	}
	return row
}

// RecordMessage stores msg under its pre-assigned id.
func (s *GormStore) RecordMessage(ctx context.Context, msg *domain.ChatMessage) error {
	l := log.Ctx(ctx)

	id := domain.Identity{UserID: msg.UserID, SessionID: msg.SessionID, IsAuth: msg.UserID != ""}
	model := &ChatMessageModel{
		ID:          msg.ID,
		ChannelKey:  msg.Channel,
		UserID:      optional(msg.UserID),
		SessionID:   msg.SessionID,
		MessageType: msg.MessageType,
		SenderName:  truncate(msg.SenderName, 50),
		Content:     msg.Content,
		CreatedAt:   msg.CreatedAt,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		if err := tx.Create(s.activity(msg.Channel, id, ActivityMessage, map[string]string{"message_id": msg.ID})).Error; err != nil {
			return err
		}
		if sid, ok := streamID(msg.Channel); ok {
			return tx.Model(&StreamViewerModel{}).
				Scopes(byIdentity(id)).
				Where("stream_id = ? AND left_at IS NULL", sid).
				UpdateColumn("messages_sent", gorm.Expr("messages_sent + ?", 1)).Error
		}
		return nil
	})
	if err != nil {
		l.Error().Err(err).Str(log.FieldChannelKey, msg.Channel).Msg("failed to record chat message")
		return unavailable("record message", err)
	}
	return nil
}

// RecordJoin writes a join activity and, for streams, opens a viewer row
// unless one is already open for this identity.
func (s *GormStore) RecordJoin(ctx context.Context, channelKey string, id domain.Identity) error {
	l := log.Ctx(ctx)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(s.activity(channelKey, id, ActivityJoin, nil)).Error; err != nil {
			return err
		}
		sid, ok := streamID(channelKey)
		if !ok {
			return nil
		}

		var open int64
		if err := tx.Model(&StreamViewerModel{}).
			Scopes(byIdentity(id)).
			Where("stream_id = ? AND left_at IS NULL", sid).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return nil
		}
		viewer := &StreamViewerModel{StreamID: sid, SessionID: id.SessionID, JoinedAt: s.now()}
		if id.IsAuth {
			viewer.UserID = optional(id.UserID)
		}
		return tx.Create(viewer).Error
	})
	if err != nil {
		l.Error().Err(err).Str(log.FieldChannelKey, channelKey).Msg("failed to record join")
		return unavailable("record join", err)
	}
	return nil
}

// RecordLeave writes a leave activity and stamps left_at on open viewer rows.
func (s *GormStore) RecordLeave(ctx context.Context, channelKey string, id domain.Identity) error {
	l := log.Ctx(ctx)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(s.activity(channelKey, id, ActivityLeave, nil)).Error; err != nil {
			return err
		}
		sid, ok := streamID(channelKey)
		if !ok {
			return nil
		}
		return tx.Model(&StreamViewerModel{}).
			Scopes(byIdentity(id)).
			Where("stream_id = ? AND left_at IS NULL", sid).
			Update("left_at", s.now()).Error
	})
	if err != nil {
		l.Error().Err(err).Str(log.FieldChannelKey, channelKey).Msg("failed to record leave")
		return unavailable("record leave", err)
	}
	return nil
}

// RecordReaction counts likes on the message row and logs the reaction.
// A reaction to an unknown message is recorded as activity only.
func (s *GormStore) RecordReaction(ctx context.Context, channelKey string, id domain.Identity, messageID, reaction string) error {
	l := log.Ctx(ctx)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if reaction == ReactionLike {
			if err := tx.Model(&ChatMessageModel{}).
				Where("id = ? AND channel_key = ?", messageID, channelKey).
				UpdateColumn("likes", gorm.Expr("likes + ?", 1)).Error; err != nil {
				return err
			}
		}
		meta := map[string]string{"message_id": messageID, "reaction": reaction}
		if err := tx.Create(s.activity(channelKey, id, ActivityReaction, meta)).Error; err != nil {
			return err
		}
		if sid, ok := streamID(channelKey); ok {
			return tx.Model(&StreamViewerModel{}).
				Scopes(byIdentity(id)).
				Where("stream_id = ? AND left_at IS NULL", sid).
				UpdateColumn("reactions_given", gorm.Expr("reactions_given + ?", 1)).Error
		}
		return nil
	})
	if err != nil {
		l.Error().Err(err).Str(log.FieldChannelKey, channelKey).Msg("failed to record reaction")
		return unavailable("record reaction", err)
	}
	return nil
}

// RecordQuality stores a viewer's quality report.
func (s *GormStore) RecordQuality(ctx context.Context, streamID string, concurrent int, quality string, bufferingRate float64) error {
	return s.RecordAnalytics(ctx, streamID, AnalyticsSample{
		ConcurrentViewers: concurrent,
		Quality:           quality,
		BufferingRate:     bufferingRate,
	})
}

// RecordAnalytics inserts one stream_analytics row.
func (s *GormStore) RecordAnalytics(ctx context.Context, streamID string, sample AnalyticsSample) error {
	l := log.Ctx(ctx)

	quality := sample.Quality
	if quality == "" {
		quality = domain.DefaultStreamQuality
	}
	row := &StreamAnalyticsModel{
		StreamID:          streamID,
		Timestamp:         s.now(),
		ConcurrentViewers: sample.ConcurrentViewers,
		NewViewers:        sample.NewViewers,
		ChatMessages:      sample.ChatMessages,
		Reactions:         sample.Reactions,
		Shares:            sample.Shares,
		StreamQuality:     quality,
		BufferingRate:     sample.BufferingRate,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		l.Error().Err(err).Str("stream_id", streamID).Msg("failed to record stream analytics")
		return unavailable("record analytics", err)
	}
	return nil
}

// RecentMessages returns up to limit of the newest messages of channelKey,
// oldest first.
func (s *GormStore) RecentMessages(ctx context.Context, channelKey string, limit int) ([]domain.ChatMessage, error) {
	l := log.Ctx(ctx)

	if limit < 1 || limit > 200 {
		limit = 50
	}

	var models []ChatMessageModel
	if err := s.db.WithContext(ctx).
		Where("channel_key = ?", channelKey).
		Order("id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		l.Error().Err(err).Str(log.FieldChannelKey, channelKey).Msg("failed to list chat messages")
		return nil, unavailable("recent messages", err)
	}

	out := make([]domain.ChatMessage, len(models))
	for i, m := range models {
		out[len(models)-1-i] = m.ToDomain()
	}
	return out, nil
}

// ToDomain converts the row to its broadcast form.
func (m ChatMessageModel) ToDomain() domain.ChatMessage {
	msg := domain.ChatMessage{
		ID:          m.ID,
		Channel:     m.ChannelKey,
		SessionID:   m.SessionID,
		MessageType: m.MessageType,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt,
		SenderName:  m.SenderName,
	}
	if m.UserID != nil {
		msg.UserID = *m.UserID
	}
	if msg.SenderName == "" {
		msg.SenderName = domain.AnonymousName
	}
	return msg
}
