package kafka

import (
	"context"
	"errors"
	"fmt"
)

// Stream lifecycle event types published by the streaming backend.
const (
	EventStreamStarted = "stream_started"
	EventStreamEnded   = "stream_ended"
	EventStreamStatus  = "stream_status"
	EventAnnouncement  = "announcement"
)

// StreamEvent is a message on the lifecycle topic.
type StreamEvent struct {
	Type      string `json:"type"`
	StreamID  string `json:"stream_id"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Priority  string `json:"priority,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

var errInvalidEvent = errors.New("invalid stream event")

// Validate checks the fields required by Type.
func (e *StreamEvent) Validate() error {
	if e.StreamID == "" {
		return fmt.Errorf("%w: missing stream_id", errInvalidEvent)
	}
	switch e.Type {
	case EventStreamStarted, EventStreamEnded:
		return nil
	case EventStreamStatus:
		if e.Status == "" {
			return fmt.Errorf("%w: missing status", errInvalidEvent)
		}
		return nil
	case EventAnnouncement:
		if e.Message == "" {
			return fmt.Errorf("%w: missing message", errInvalidEvent)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", errInvalidEvent, e.Type)
	}
}

// StreamEventHandler handles lifecycle events.
type StreamEventHandler interface {
	HandleStreamEvent(ctx context.Context, event *StreamEvent) error
}

// StreamEventConsumer consumes lifecycle events.
type StreamEventConsumer interface {
	Start(ctx context.Context) error
	Close() error
}

// Activity event types.
const (
	ActivityJoin    = "join"
	ActivityLeave   = "leave"
	ActivityMessage = "message"
)

// ActivityEvent is published for every presence change and chat message.
type ActivityEvent struct {
	Type         string `json:"type"`
	ChannelKey   string `json:"channel_key"`
	MembershipID string `json:"membership_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	MessageID    string `json:"message_id,omitempty"`
	Count        int    `json:"count"`
	Cause        string `json:"cause,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// ActivityProducer publishes activity events.
type ActivityProducer interface {
	ProduceActivity(ctx context.Context, event *ActivityEvent) error
	Close() error
}

// NopProducer drops every event.
type NopProducer struct{}

func (NopProducer) ProduceActivity(context.Context, *ActivityEvent) error { return nil }
func (NopProducer) Close() error                                          { return nil }
