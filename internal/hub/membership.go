package hub

import (
	"sync/atomic"
	"time"

	"github.com/genfree/realtime/internal/domain"
)

// State is the lifecycle position of a Membership.
type State int32

const (
	StateConnecting State = iota
	StateJoined
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateJoined:
		return "JOINED"
	case StateLeft:
		return "LEFT"
	default:
		return "UNKNOWN"
	}
}

// Membership is one participant's presence on one channel. A membership
// never returns from StateLeft; rejoining creates a new one.
type Membership struct {
	ID         string
	ChannelKey string
	Identity   domain.Identity
	JoinedAt   time.Time

	// Replaced is set when this membership took over a JOINED membership
	// of the same identity on the same channel.
	Replaced bool

	conn         Conn
	ch           *channel
	state        atomic.Int32
	lastActivity atomic.Int64
}

// State returns the current lifecycle state.
func (m *Membership) State() State {
	return State(m.state.Load())
}

// Touch records inbound activity.
func (m *Membership) Touch(t time.Time) {
	m.lastActivity.Store(t.UnixNano())
}

// LastActivity returns the time of the last Touch, or JoinedAt.
func (m *Membership) LastActivity() time.Time {
	return time.Unix(0, m.lastActivity.Load())
}

// ConnID returns the id of the connection behind this membership.
func (m *Membership) ConnID() string {
	return m.conn.ID()
}
