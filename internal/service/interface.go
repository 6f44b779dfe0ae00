package service

import (
	"context"

	"github.com/genfree/realtime/internal/domain"
	"github.com/genfree/realtime/internal/hub"
	"github.com/genfree/realtime/internal/identity"
	"github.com/genfree/realtime/internal/kafka"
	"github.com/genfree/realtime/pkg/pubsub"
)

// PresenceService defines the presence and broadcast operations exposed to
// the transport handlers.
type PresenceService interface {
	// Authenticate resolves the identity a connection will join as.
	Authenticate(ctx context.Context, channelKey string, creds identity.Credentials) (domain.Identity, error)

	// Join registers a connection on a channel and greets it.
	Join(ctx context.Context, channelKey string, id domain.Identity, conn hub.Conn) (*hub.Membership, error)

	// Leave ends a membership. Safe to call more than once.
	Leave(m *hub.Membership)

	// HandleFrame processes one inbound websocket frame.
	HandleFrame(ctx context.Context, m *hub.Membership, raw []byte)

	// SendError delivers an error frame to a single membership.
	SendError(m *hub.Membership, code, message string)

	// Presence returns the live participant breakdown of a channel.
	Presence(channelKey string) domain.PresenceCount

	// PeakPresence returns the highest concurrent count the channel has
	// reached while active.
	PeakPresence(channelKey string) int

	// ListActiveChannels returns every channel with members.
	ListActiveChannels() []hub.ChannelStats

	// RecentMessages returns the latest stored chat messages of a channel.
	RecentMessages(ctx context.Context, channelKey string, limit int) ([]domain.ChatMessage, error)

	// Announce sends an announcement to a channel on every instance.
	Announce(ctx context.Context, channelKey, message, priority, author string) error

	// SetStreamStatus sends a stream_status update to a stream on every instance.
	SetStreamStatus(ctx context.Context, streamID, status, message string) error

	// DeliverRelayed delivers an event received from the relay to local members.
	DeliverRelayed(ctx context.Context, event *pubsub.Event) error

	// HandleStreamEvent handles a lifecycle event from Kafka.
	HandleStreamEvent(ctx context.Context, event *kafka.StreamEvent) error

	// Stop leaves every membership.
	Stop()
}
