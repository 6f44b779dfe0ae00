package domain

import "time"

// WebSocket message types from client.
const (
	MsgTypeChatMessage   = "chat_message"
	MsgTypeTyping        = "typing"
	MsgTypeReaction      = "reaction"
	MsgTypePing          = "ping"
	MsgTypeHeartbeat     = "heartbeat"
	MsgTypeQualityReport = "quality_report"
	MsgTypeAnalytics     = "analytics"

	// Sent by clients on open. Identity comes from the upgrade request,
	// so these frames carry nothing to act on.
	MsgTypeAuthenticate   = "authenticate"
	MsgTypeAuthentication = "authentication"
)

// WebSocket message types to client.
const (
	MsgTypeConnectionEstablished = "connection_established"
	MsgTypeParticipantCount      = "participant_count"
	MsgTypeAnnouncement          = "announcement"
	MsgTypeStreamStatus          = "stream_status"
	MsgTypeSystemMessage         = "system_message"
	MsgTypePong                  = "pong"
	MsgTypeError                 = "error"
)

// Chat message kinds.
const (
	MessageKindText   = "text"
	MessageKindEmoji  = "emoji"
	MessageKindPrayer = "prayer"
)

// Analytics events a viewer may report.
const (
	AnalyticsViewerJoined = "viewer_joined"
	AnalyticsChatMessage  = "chat_message"
	AnalyticsReaction     = "reaction"
	AnalyticsShare        = "share"
)

// DefaultStreamQuality is assumed when a quality report omits it.
const DefaultStreamQuality = "1080p"

// Stream statuses set by lifecycle events.
const (
	StreamStatusLive  = "live"
	StreamStatusEnded = "ended"
)

// DefaultAnnouncementPriority applies when an announcement names none.
const DefaultAnnouncementPriority = "normal"

// BaseMessage is the base structure for all WebSocket messages.
type BaseMessage struct {
	Type string `json:"type"`
}

// Client -> Server messages

type ChatMessageIn struct {
	Content     string `json:"content"`
	MessageType string `json:"message_type" validate:"omitempty,oneof=text emoji prayer"`
}

type TypingIn struct {
	Typing bool `json:"typing"`
}

type ReactionIn struct {
	MessageID string `json:"message_id" validate:"required,max=64"`
	Reaction  string `json:"reaction" validate:"required,max=10"`
}

type QualityReportIn struct {
	Quality       string  `json:"quality" validate:"omitempty,max=10"`
	BufferingRate float64 `json:"buffering_rate" validate:"gte=0,lte=100"`
}

type AnalyticsIn struct {
	Event string         `json:"event" validate:"required,max=32"`
	Data  map[string]any `json:"data,omitempty"`
}

// Server -> Client messages

// PresenceCount is the participant breakdown of one channel.
type PresenceCount struct {
	Authenticated int `json:"authenticated"`
	Anonymous     int `json:"anonymous"`
	Total         int `json:"total"`
}

type ConnectionEstablishedMessage struct {
	Type         string        `json:"type"`
	Channel      string        `json:"channel"`
	MembershipID string        `json:"membership_id"`
	Session      string        `json:"session,omitempty"`
	Count        PresenceCount `json:"count"`
	StreamStatus string        `json:"stream_status,omitempty"`
}

type ParticipantCountMessage struct {
	Type    string        `json:"type"`
	Channel string        `json:"channel"`
	Count   PresenceCount `json:"count"`
}

func NewParticipantCountMessage(channel string, count PresenceCount) *ParticipantCountMessage {
	return &ParticipantCountMessage{Type: MsgTypeParticipantCount, Channel: channel, Count: count}
}

// ChatMessage is the broadcast form of a chat line.
type ChatMessage struct {
	ID          string    `json:"id"`
	Channel     string    `json:"channel"`
	UserID      string    `json:"user_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	SenderName  string    `json:"sender_name"`
	MessageType string    `json:"message_type"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

type ChatMessageOut struct {
	Type    string       `json:"type"`
	Message *ChatMessage `json:"message"`
}

type TypingOut struct {
	Type   string `json:"type"`
	User   string `json:"user"`
	Typing bool   `json:"typing"`
}

type ReactionOut struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Reaction  string `json:"reaction"`
	User      string `json:"user"`
}

type AnnouncementMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Priority  string `json:"priority"`
	Timestamp int64  `json:"timestamp"`
}

type StreamStatusMessage struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		Type:    MsgTypeError,
		Code:    code,
		Message: message,
	}
}
