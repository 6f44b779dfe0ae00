package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/genfree/realtime/internal/domain"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// every pooled connection would get its own in-memory database
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}
	return db
}

var (
	alice = domain.Identity{UserID: "u-alice", Username: "alice", IsAuth: true}
	guest = domain.Identity{SessionID: "sess-1"}
)

func TestRecordMessage(t *testing.T) {
	db := setupTestDB(t)
	s := NewGormStore(db)
	ctx := context.Background()

	msg := &domain.ChatMessage{
		ID:          "01HZY0000000000000000000AA",
		Channel:     "chat:sunday",
		SessionID:   guest.SessionID,
		SenderName:  "Visitor",
		MessageType: domain.MessageKindText,
		Content:     "hello",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.RecordMessage(ctx, msg))

	var row ChatMessageModel
	require.NoError(t, db.First(&row, "id = ?", msg.ID).Error)
	assert.Nil(t, row.UserID)
	assert.Equal(t, "Visitor", row.SenderName)
	assert.Equal(t, "hello", row.Content)

	var activity ChannelActivityModel
	require.NoError(t, db.First(&activity, "activity_type = ?", ActivityMessage).Error)
	assert.Equal(t, "chat:sunday", activity.ChannelKey)
	assert.Contains(t, activity.Metadata, msg.ID)
}

func TestRecordMessage_DuplicateIDFails(t *testing.T) {
	s := NewGormStore(setupTestDB(t))
	ctx := context.Background()
	msg := &domain.ChatMessage{ID: "01HZY0000000000000000000AB", Channel: "chat:x", Content: "a", MessageType: "text"}

	require.NoError(t, s.RecordMessage(ctx, msg))
	err := s.RecordMessage(ctx, msg)

	assert.ErrorIs(t, err, domain.ErrPersistenceUnavailable)
}

func TestRecordJoinLeave_StreamViewerRows(t *testing.T) {
	db := setupTestDB(t)
	s := NewGormStore(db)
	ctx := context.Background()

	require.NoError(t, s.RecordJoin(ctx, "stream:7", alice))
	// a reconnect while the row is still open must not open a second one
	require.NoError(t, s.RecordJoin(ctx, "stream:7", alice))

	var viewers []StreamViewerModel
	require.NoError(t, db.Find(&viewers).Error)
	require.Len(t, viewers, 1)
	assert.Equal(t, "7", viewers[0].StreamID)
	assert.Nil(t, viewers[0].LeftAt)

	require.NoError(t, s.RecordLeave(ctx, "stream:7", alice))
	require.NoError(t, db.Find(&viewers).Error)
	require.Len(t, viewers, 1)
	assert.NotNil(t, viewers[0].LeftAt)

	require.NoError(t, s.RecordJoin(ctx, "stream:7", alice))
	require.NoError(t, db.Find(&viewers).Error)
	assert.Len(t, viewers, 2)

	var activities int64
	db.Model(&ChannelActivityModel{}).Count(&activities)
	assert.Equal(t, int64(4), activities)
}

func TestRecordJoin_ChatHasNoViewerRow(t *testing.T) {
	db := setupTestDB(t)
	s := NewGormStore(db)

	require.NoError(t, s.RecordJoin(context.Background(), "chat:sunday", guest))

	var viewers int64
	db.Model(&StreamViewerModel{}).Count(&viewers)
	assert.Zero(t, viewers)
}

func TestRecordLeave_OnlyStampsOwnRow(t *testing.T) {
	db := setupTestDB(t)
	s := NewGormStore(db)
	ctx := context.Background()

	require.NoError(t, s.RecordJoin(ctx, "stream:7", alice))
	require.NoError(t, s.RecordJoin(ctx, "stream:7", guest))
	require.NoError(t, s.RecordLeave(ctx, "stream:7", guest))

	var open int64
	db.Model(&StreamViewerModel{}).Where("left_at IS NULL").Count(&open)
	assert.Equal(t, int64(1), open)

	var still StreamViewerModel
	require.NoError(t, db.First(&still, "left_at IS NULL").Error)
	require.NotNil(t, still.UserID)
	assert.Equal(t, alice.UserID, *still.UserID)
}

func TestRecordReaction(t *testing.T) {
	db := setupTestDB(t)
	s := NewGormStore(db)
	ctx := context.Background()

	msg := &domain.ChatMessage{ID: "01HZY0000000000000000000AC", Channel: "stream:7", UserID: alice.UserID, Content: "hi", MessageType: "text"}
	require.NoError(t, s.RecordJoin(ctx, "stream:7", guest))
	require.NoError(t, s.RecordMessage(ctx, msg))

	require.NoError(t, s.RecordReaction(ctx, "stream:7", guest, msg.ID, ReactionLike))
	require.NoError(t, s.RecordReaction(ctx, "stream:7", guest, msg.ID, "amen"))
	require.NoError(t, s.RecordReaction(ctx, "stream:7", guest, "missing", ReactionLike))

	var row ChatMessageModel
	require.NoError(t, db.First(&row, "id = ?", msg.ID).Error)
	assert.Equal(t, 1, row.Likes)

	var viewer StreamViewerModel
	require.NoError(t, db.First(&viewer, "session_id = ?", guest.SessionID).Error)
	assert.Equal(t, 3, viewer.ReactionsGiven)
}

func TestRecordQualityAndAnalytics(t *testing.T) {
	db := setupTestDB(t)
	s := NewGormStore(db)
	ctx := context.Background()

	require.NoError(t, s.RecordQuality(ctx, "7", 12, "", 1.5))
	require.NoError(t, s.RecordAnalytics(ctx, "7", AnalyticsSample{ConcurrentViewers: 12, Shares: 1, Quality: "720p"}))

	var rows []StreamAnalyticsModel
	require.NoError(t, db.Order("id").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.DefaultStreamQuality, rows[0].StreamQuality)
	assert.Equal(t, 1.5, rows[0].BufferingRate)
	assert.Equal(t, 12, rows[0].ConcurrentViewers)
	assert.Equal(t, "720p", rows[1].StreamQuality)
	assert.Equal(t, 1, rows[1].Shares)
}

func TestRecentMessages(t *testing.T) {
	s := NewGormStore(setupTestDB(t))
	ctx := context.Background()

	ids := []string{"01HZY0000000000000000000A1", "01HZY0000000000000000000A2", "01HZY0000000000000000000A3"}
	for i, id := range ids {
		require.NoError(t, s.RecordMessage(ctx, &domain.ChatMessage{
			ID: id, Channel: "chat:x", Content: string(rune('a' + i)), MessageType: "text", SessionID: "s",
		}))
	}
	require.NoError(t, s.RecordMessage(ctx, &domain.ChatMessage{ID: "01HZY0000000000000000000B1", Channel: "chat:y", Content: "other", MessageType: "text"}))

	got, err := s.RecentMessages(ctx, "chat:x", 2)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[1], got[0].ID)
	assert.Equal(t, ids[2], got[1].ID)
	assert.Equal(t, domain.AnonymousName, got[0].SenderName)
}

func TestStore_ClosedDatabase(t *testing.T) {
	db := setupTestDB(t)
	s := NewGormStore(db)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	err = s.RecordJoin(context.Background(), "chat:x", guest)

	assert.ErrorIs(t, err, domain.ErrPersistenceUnavailable)
}
