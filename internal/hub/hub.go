package hub

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/genfree/realtime/internal/domain"
	"github.com/genfree/realtime/pkg/log"
)

// ErrStopped is returned by Join after Stop.
var ErrStopped = errors.New("hub stopped")

// Conn is the outbound side of one connection. Enqueue must not block: it
// returns false when the queue is full or already closed. Close is idempotent.
type Conn interface {
	ID() string
	Enqueue(data []byte) bool
	Close()
}

// DepartCause says why a membership left.
type DepartCause string

const (
	CauseLeave    DepartCause = "leave"
	CauseReplaced DepartCause = "replaced"
	CauseDelivery DepartCause = "delivery_failure"
	CauseShutdown DepartCause = "shutdown"
)

// DepartHandler is called once per JOINED -> LEFT transition, after every
// hub lock has been released.
type DepartHandler func(m *Membership, cause DepartCause)

// ChannelStats is a snapshot of one active channel.
type ChannelStats struct {
	Key       string               `json:"key"`
	Count     domain.PresenceCount `json:"count"`
	Peak      int                  `json:"peak"`
	CreatedAt time.Time            `json:"created_at"`
}

type channel struct {
	key       string
	createdAt time.Time
	mu        sync.Mutex
	members   map[string]*Membership // identity key -> membership
	peak      int                    // highest member count since the channel was created
	dropped   bool
}

func (c *channel) countLocked() domain.PresenceCount {
	var pc domain.PresenceCount
	for _, m := range c.members {
		if m.Identity.IsAuth {
			pc.Authenticated++
		} else {
			pc.Anonymous++
		}
	}
	pc.Total = len(c.members)
	return pc
}

type departure struct {
	m     *Membership
	cause DepartCause
}

// Hub is the channel registry. Lock order is Hub.mu before channel.mu.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*channel
	stopped  bool

	onDepart DepartHandler
	now      func() time.Time
}

// NewHub creates an empty registry.
func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]*channel),
		now:      time.Now,
	}
}

// SetDepartHandler installs the handler invoked when memberships leave.
// It must be called before the hub is shared.
func (h *Hub) SetDepartHandler(fn DepartHandler) {
	h.onDepart = fn
}

// Join registers identity on channelKey through conn. A JOINED membership
// of the same identity on the same channel is replaced: it moves to LEFT,
// its connection is closed and the new membership has Replaced set. Every
// member, including the new one, receives the updated participant count.
func (h *Hub) Join(channelKey string, identity domain.Identity, conn Conn) (*Membership, error) {
	if channelKey == "" {
		return nil, domain.ErrInvalidChannel
	}

	now := h.now()
	m := &Membership{
		ID:         uuid.NewString(),
		ChannelKey: channelKey,
		Identity:   identity,
		JoinedAt:   now,
		conn:       conn,
	}
	m.lastActivity.Store(now.UnixNano())
	m.state.Store(int32(StateConnecting))

	var departed []departure
	for {
		ch, err := h.acquire(channelKey, now)
		if err != nil {
			return nil, err
		}

		ch.mu.Lock()
		if ch.dropped {
			// lost a race with the last Leave; the registry has moved on
			ch.mu.Unlock()
			continue
		}

		if old, ok := ch.members[identity.Key()]; ok {
			old.state.Store(int32(StateLeft))
			old.conn.Close()
			departed = append(departed, departure{old, CauseReplaced})
			m.Replaced = true
		}
		m.ch = ch
		m.state.Store(int32(StateJoined))
		ch.members[identity.Key()] = m
		ch.peak = max(ch.peak, len(ch.members))

		departed = append(departed, h.announceCountLocked(ch)...)
		empty := len(ch.members) == 0
		ch.mu.Unlock()
		if empty {
			h.dropIfEmpty(ch)
		}
		break
	}

	l := log.L()
	l.Debug().
		Str(log.FieldChannelKey, channelKey).
		Str(log.FieldMembershipID, m.ID).
		Str(log.FieldClientID, conn.ID()).
		Msg("membership joined")

	h.finish(departed)
	return m, nil
}

// Leave deregisters m and broadcasts the new count to the remaining
// members. Leaving a membership that already left is a no-op.
func (h *Hub) Leave(m *Membership) {
	if m == nil || m.ch == nil {
		return
	}
	ch := m.ch

	ch.mu.Lock()
	if m.State() != StateJoined {
		ch.mu.Unlock()
		return
	}
	h.removeLocked(ch, m)
	departed := []departure{{m, CauseLeave}}
	departed = append(departed, h.announceCountLocked(ch)...)
	empty := len(ch.members) == 0
	ch.mu.Unlock()

	if empty {
		h.dropIfEmpty(ch)
	}
	h.finish(departed)
}

// Broadcast enqueues event for every member of channelKey. Enqueueing
// happens under the channel lock, so every member observes broadcasts in
// call order. A member whose queue rejects the event is removed; the
// remaining members then receive the updated count. Broadcasting to an
// unknown or empty channel does nothing.
func (h *Hub) Broadcast(channelKey string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h.BroadcastRaw(channelKey, data)
	return nil
}

// BroadcastRaw is Broadcast for an already encoded frame.
func (h *Hub) BroadcastRaw(channelKey string, data []byte) {
	h.mu.RLock()
	ch, ok := h.channels[channelKey]
	h.mu.RUnlock()
	if !ok {
		return
	}

	ch.mu.Lock()
	if ch.dropped {
		ch.mu.Unlock()
		return
	}
	departed := h.deliverLocked(ch, data)
	if len(departed) > 0 {
		departed = append(departed, h.announceCountLocked(ch)...)
	}
	empty := len(ch.members) == 0
	ch.mu.Unlock()

	if empty {
		h.dropIfEmpty(ch)
	}
	h.finish(departed)
}

// Send enqueues data for a single membership. A rejected enqueue is a
// delivery failure and the membership is left.
func (h *Hub) Send(m *Membership, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if m.State() != StateJoined {
		return domain.ErrDeliveryFailure
	}
	if m.conn.Enqueue(data) {
		return nil
	}

	ch := m.ch
	ch.mu.Lock()
	if m.State() != StateJoined {
		ch.mu.Unlock()
		return domain.ErrDeliveryFailure
	}
	h.removeLocked(ch, m)
	departed := []departure{{m, CauseDelivery}}
	departed = append(departed, h.announceCountLocked(ch)...)
	empty := len(ch.members) == 0
	ch.mu.Unlock()

	if empty {
		h.dropIfEmpty(ch)
	}
	h.finish(departed)
	return domain.ErrDeliveryFailure
}

// MembershipCount returns the number of JOINED memberships on channelKey.
func (h *Hub) MembershipCount(channelKey string) int {
	return h.Presence(channelKey).Total
}

// Presence returns the participant breakdown of channelKey.
func (h *Hub) Presence(channelKey string) domain.PresenceCount {
	h.mu.RLock()
	ch, ok := h.channels[channelKey]
	h.mu.RUnlock()
	if !ok {
		return domain.PresenceCount{}
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.countLocked()
}

// Peak returns the highest concurrent membership count channelKey has
// reached since it became active. An inactive channel reports zero.
func (h *Hub) Peak(channelKey string) int {
	h.mu.RLock()
	ch, ok := h.channels[channelKey]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.peak
}

// ListActiveChannels returns every channel with at least one member,
// sorted by key.
func (h *Hub) ListActiveChannels() []ChannelStats {
	h.mu.RLock()
	chans := lo.Values(h.channels)
	h.mu.RUnlock()

	stats := lo.FilterMap(chans, func(ch *channel, _ int) (ChannelStats, bool) {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		if ch.dropped || len(ch.members) == 0 {
			return ChannelStats{}, false
		}
		return ChannelStats{Key: ch.key, Count: ch.countLocked(), Peak: ch.peak, CreatedAt: ch.createdAt}, true
	})
	sort.Slice(stats, func(i, j int) bool { return stats[i].Key < stats[j].Key })
	return stats
}

// Stop leaves every membership and rejects further joins.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	chans := h.channels
	h.channels = make(map[string]*channel)

	var departed []departure
	for _, ch := range chans {
		ch.mu.Lock()
		for _, m := range ch.members {
			m.state.Store(int32(StateLeft))
			m.conn.Close()
			departed = append(departed, departure{m, CauseShutdown})
		}
		ch.members = make(map[string]*Membership)
		ch.dropped = true
		ch.mu.Unlock()
	}
	h.mu.Unlock()

	l := log.L()
	l.Info().Int("channels", len(chans)).Int("memberships", len(departed)).Msg("hub stopped")
	h.finish(departed)
}

func (h *Hub) acquire(key string, now time.Time) (*channel, error) {
	h.mu.RLock()
	ch, ok := h.channels[key]
	stopped := h.stopped
	h.mu.RUnlock()
	if stopped {
		return nil, ErrStopped
	}
	if ok {
		return ch, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil, ErrStopped
	}
	if ch, ok := h.channels[key]; ok {
		return ch, nil
	}
	ch = &channel{
		key:       key,
		createdAt: now,
		members:   make(map[string]*Membership),
	}
	h.channels[key] = ch
	return ch, nil
}

// dropIfEmpty removes ch from the registry when it has no members left.
func (h *Hub) dropIfEmpty(ch *channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if len(ch.members) == 0 && !ch.dropped {
		ch.dropped = true
		if h.channels[ch.key] == ch {
			delete(h.channels, ch.key)
		}
	}
}

func (h *Hub) removeLocked(ch *channel, m *Membership) {
	m.state.Store(int32(StateLeft))
	if ch.members[m.Identity.Key()] == m {
		delete(ch.members, m.Identity.Key())
	}
	m.conn.Close()
}

// deliverLocked enqueues data to every member and removes the ones that
// reject it.
func (h *Hub) deliverLocked(ch *channel, data []byte) []departure {
	var failed []departure
	for _, m := range ch.members {
		if !m.conn.Enqueue(data) {
			failed = append(failed, departure{m, CauseDelivery})
		}
	}
	for _, d := range failed {
		h.removeLocked(ch, d.m)
	}
	return failed
}

// announceCountLocked broadcasts the participant count until a round
// completes without further delivery failures.
func (h *Hub) announceCountLocked(ch *channel) []departure {
	var departed []departure
	for len(ch.members) > 0 {
		data, err := json.Marshal(domain.NewParticipantCountMessage(ch.key, ch.countLocked()))
		if err != nil {
			return departed
		}
		failed := h.deliverLocked(ch, data)
		if len(failed) == 0 {
			break
		}
		departed = append(departed, failed...)
	}
	return departed
}

func (h *Hub) finish(departed []departure) {
	if len(departed) == 0 {
		return
	}
	l := log.L()
	for _, d := range departed {
		evt := l.Debug()
		if d.cause == CauseDelivery {
			evt = l.Warn().Err(domain.ErrDeliveryFailure)
		}
		evt.Str(log.FieldChannelKey, d.m.ChannelKey).
			Str(log.FieldMembershipID, d.m.ID).
			Str("cause", string(d.cause)).
			Msg("membership left")

		if h.onDepart != nil {
			h.onDepart(d.m, d.cause)
		}
	}
}
