package store

import "time"

// Activity types recorded in channel_activities.
const (
	ActivityJoin     = "join"
	ActivityLeave    = "leave"
	ActivityMessage  = "message"
	ActivityReaction = "reaction"
)

// ReactionLike is the only reaction that is counted on the message row.
const ReactionLike = "like"

type ChatMessageModel struct {
	ID          string  `gorm:"primaryKey;size:26"`
	ChannelKey  string  `gorm:"size:160;not null;index"`
	UserID      *string `gorm:"size:64"`
	SenderName  string  `gorm:"size:50"`
	SessionID   string  `gorm:"size:100"`
	MessageType string  `gorm:"size:20;not null;default:text"`
	Content     string  `gorm:"type:text;not null"`
	Likes       int     `gorm:"not null;default:0"`
	CreatedAt   time.Time
}

func (ChatMessageModel) TableName() string { return "chat_messages" }

type ChannelActivityModel struct {
	ID           uint    `gorm:"primaryKey;autoIncrement"`
	ChannelKey   string  `gorm:"size:160;not null;index"`
	UserID       *string `gorm:"size:64"`
	SessionID    string  `gorm:"size:100"`
	ActivityType string  `gorm:"size:20;not null"`
	Metadata     string  `gorm:"type:text"`
	Timestamp    time.Time
}

func (ChannelActivityModel) TableName() string { return "channel_activities" }

type StreamViewerModel struct {
	ID             uint    `gorm:"primaryKey;autoIncrement"`
	StreamID       string  `gorm:"size:128;not null;index"`
	UserID         *string `gorm:"size:64"`
	SessionID      string  `gorm:"size:100"`
	JoinedAt       time.Time
	LeftAt         *time.Time
	MessagesSent   int `gorm:"not null;default:0"`
	ReactionsGiven int `gorm:"not null;default:0"`
}

func (StreamViewerModel) TableName() string { return "stream_viewers" }

type StreamAnalyticsModel struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	StreamID          string `gorm:"size:128;not null;index"`
	Timestamp         time.Time
	ConcurrentViewers int
	NewViewers        int
	ChatMessages      int
	Reactions         int
	Shares            int
	StreamQuality     string `gorm:"size:10;not null;default:1080p"`
	BufferingRate     float64
}

func (StreamAnalyticsModel) TableName() string { return "stream_analytics" }

// Models lists every table the store owns, for AutoMigrate.
func Models() []interface{} {
	return []interface{}{
		&ChatMessageModel{},
		&ChannelActivityModel{},
		&StreamViewerModel{},
		&StreamAnalyticsModel{},
	}
}
