package pubsub

import "strings"

// Relay channel naming. Every hub channel key maps to one relay channel.
const (
	RelayPrefix  = "realtime:channel:"
	RelayPattern = RelayPrefix + "*"
)

// Relayed event types.
const (
	EventAnnouncement = "announcement"
	EventStreamStatus = "stream_status"
)

// RelayChannel returns the relay channel for a hub channel key.
func RelayChannel(channelKey string) string {
	return RelayPrefix + channelKey
}

// ChannelKeyFromRelay is the inverse of RelayChannel. ok is false when name
// is not a relay channel.
func ChannelKeyFromRelay(name string) (key string, ok bool) {
	if !strings.HasPrefix(name, RelayPrefix) {
		return "", false
	}
	key = strings.TrimPrefix(name, RelayPrefix)
	return key, key != ""
}

// AnnouncementPayload is relayed for EventAnnouncement.
type AnnouncementPayload struct {
	Message  string `json:"message"`
	Priority string `json:"priority"`
	Author   string `json:"author,omitempty"`
}

// StreamStatusPayload is relayed for EventStreamStatus.
type StreamStatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
