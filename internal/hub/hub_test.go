package hub

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genfree/realtime/internal/domain"
)

type fakeConn struct {
	id     string
	limit  int
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Enqueue(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || (f.limit > 0 && len(f.frames) >= f.limit) {
		return false
	}
	f.frames = append(f.frames, data)
	return true
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type frame struct {
	Type    string               `json:"type"`
	Count   domain.PresenceCount `json:"count"`
	Message string               `json:"message"`
}

func (f *fakeConn) decoded(t *testing.T) []frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]frame, 0, len(f.frames))
	for _, raw := range f.frames {
		var fr frame
		require.NoError(t, json.Unmarshal(raw, &fr))
		out = append(out, fr)
	}
	return out
}

func (f *fakeConn) ofType(t *testing.T, typ string) []frame {
	var out []frame
	for _, fr := range f.decoded(t) {
		if fr.Type == typ {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeConn) lastCount(t *testing.T) int {
	counts := f.ofType(t, domain.MsgTypeParticipantCount)
	require.NotEmpty(t, counts)
	return counts[len(counts)-1].Count.Total
}

func user(id string) domain.Identity {
	return domain.Identity{UserID: id, Username: id, IsAuth: true}
}

func anon(session string) domain.Identity {
	return domain.Identity{SessionID: session}
}

func announcement(msg string) *domain.AnnouncementMessage {
	return &domain.AnnouncementMessage{Type: domain.MsgTypeAnnouncement, Message: msg, Priority: "normal"}
}

func TestJoin_EmptyChannelKey(t *testing.T) {
	h := NewHub()

	m, err := h.Join("", user("a"), newFakeConn("c1"))

	assert.ErrorIs(t, err, domain.ErrInvalidChannel)
	assert.Nil(t, m)
	assert.Empty(t, h.ListActiveChannels())
}

func TestChat42Scenario(t *testing.T) {
	h := NewHub()
	connA, connB := newFakeConn("a"), newFakeConn("b")

	mA, err := h.Join("chat:42", user("userA"), connA)
	require.NoError(t, err)
	assert.Equal(t, 1, h.MembershipCount("chat:42"))
	assert.Equal(t, 1, connA.lastCount(t))

	_, err = h.Join("chat:42", user("userB"), connB)
	require.NoError(t, err)
	assert.Equal(t, 2, h.MembershipCount("chat:42"))
	assert.Equal(t, 2, connA.lastCount(t))
	assert.Equal(t, 2, connB.lastCount(t))

	require.NoError(t, h.Broadcast("chat:42", announcement("hello")))
	for _, c := range []*fakeConn{connA, connB} {
		got := c.ofType(t, domain.MsgTypeAnnouncement)
		require.Len(t, got, 1)
		assert.Equal(t, "hello", got[0].Message)
	}

	h.Leave(mA)
	assert.Equal(t, 1, h.MembershipCount("chat:42"))
	assert.Equal(t, 1, connB.lastCount(t))
	assert.Equal(t, StateLeft, mA.State())
	assert.True(t, connA.isClosed())
}

func TestJoin_DuplicateIdentityReplaces(t *testing.T) {
	h := NewHub()
	var departed []DepartCause
	h.SetDepartHandler(func(_ *Membership, cause DepartCause) { departed = append(departed, cause) })

	first, second := newFakeConn("1"), newFakeConn("2")
	m1, err := h.Join("chat:42", user("userA"), first)
	require.NoError(t, err)
	m2, err := h.Join("chat:42", user("userA"), second)
	require.NoError(t, err)

	assert.Equal(t, 1, h.MembershipCount("chat:42"))
	assert.Equal(t, StateLeft, m1.State())
	assert.Equal(t, StateJoined, m2.State())
	assert.False(t, m1.Replaced)
	assert.True(t, m2.Replaced)
	assert.Equal(t, 1, h.Peak("chat:42"))
	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())
	assert.Equal(t, 1, second.lastCount(t))
	assert.Equal(t, []DepartCause{CauseReplaced}, departed)

	// the replaced membership must not take the new one down with it
	h.Leave(m1)
	assert.Equal(t, 1, h.MembershipCount("chat:42"))
}

func TestJoin_AnonymousAndUserAreDistinct(t *testing.T) {
	h := NewHub()

	_, err := h.Join("stream:7", user("x"), newFakeConn("1"))
	require.NoError(t, err)
	_, err = h.Join("stream:7", anon("x"), newFakeConn("2"))
	require.NoError(t, err)

	assert.Equal(t, domain.PresenceCount{Authenticated: 1, Anonymous: 1, Total: 2}, h.Presence("stream:7"))
}

func TestPeak_KeepsHighestConcurrency(t *testing.T) {
	h := NewHub()

	var members []*Membership
	for _, id := range []string{"a", "b", "c"} {
		m, err := h.Join("stream:7", user(id), newFakeConn(id))
		require.NoError(t, err)
		members = append(members, m)
	}
	h.Leave(members[0])
	h.Leave(members[1])

	assert.Equal(t, 3, h.Peak("stream:7"))
	assert.Equal(t, 1, h.MembershipCount("stream:7"))

	stats := h.ListActiveChannels()
	require.Len(t, stats, 1)
	assert.Equal(t, 3, stats[0].Peak)
	assert.Equal(t, 1, stats[0].Count.Total)

	// an emptied channel starts over
	h.Leave(members[2])
	assert.Equal(t, 0, h.Peak("stream:7"))
	_, err := h.Join("stream:7", user("d"), newFakeConn("d"))
	require.NoError(t, err)
	assert.Equal(t, 1, h.Peak("stream:7"))
}

func TestLeave_Idempotent(t *testing.T) {
	h := NewHub()
	calls := 0
	h.SetDepartHandler(func(*Membership, DepartCause) { calls++ })

	m, err := h.Join("chat:42", user("a"), newFakeConn("1"))
	require.NoError(t, err)

	h.Leave(m)
	h.Leave(m)
	h.Leave(nil)

	assert.Equal(t, 0, h.MembershipCount("chat:42"))
	assert.Equal(t, 1, calls)
	assert.Empty(t, h.ListActiveChannels())
}

func TestBroadcast_EmptyChannelIsNoop(t *testing.T) {
	h := NewHub()

	assert.NoError(t, h.Broadcast("chat:nobody", announcement("anyone?")))
	assert.Empty(t, h.ListActiveChannels())
	assert.Equal(t, 0, h.MembershipCount("chat:nobody"))

	m, err := h.Join("chat:gone", user("a"), newFakeConn("1"))
	require.NoError(t, err)
	h.Leave(m)
	assert.NoError(t, h.Broadcast("chat:gone", announcement("late")))
	assert.Empty(t, h.ListActiveChannels())
}

func TestBroadcast_FIFOPerMember(t *testing.T) {
	h := NewHub()
	conns := []*fakeConn{newFakeConn("1"), newFakeConn("2"), newFakeConn("3")}
	for i, c := range conns {
		_, err := h.Join("chat:fifo", user(fmt.Sprint(i)), c)
		require.NoError(t, err)
	}

	const senders, perSender = 4, 50
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_ = h.Broadcast("chat:fifo", announcement(fmt.Sprintf("%d-%d", s, i)))
			}
		}(s)
	}
	wg.Wait()

	sequence := func(c *fakeConn) []string {
		var out []string
		for _, fr := range c.ofType(t, domain.MsgTypeAnnouncement) {
			out = append(out, fr.Message)
		}
		return out
	}

	reference := sequence(conns[0])
	require.Len(t, reference, senders*perSender)
	for _, c := range conns[1:] {
		assert.Equal(t, reference, sequence(c))
	}

	// each sender's own events stay in send order
	next := make(map[int]int)
	for _, msg := range reference {
		var s, i int
		_, err := fmt.Sscanf(msg, "%d-%d", &s, &i)
		require.NoError(t, err)
		assert.Equal(t, next[s], i)
		next[s]++
	}
}

func TestBroadcast_DeliveryFailureLeavesOnlyThatMember(t *testing.T) {
	h := NewHub()
	var mu sync.Mutex
	causes := map[string]DepartCause{}
	h.SetDepartHandler(func(m *Membership, cause DepartCause) {
		mu.Lock()
		causes[m.ConnID()] = cause
		mu.Unlock()
	})

	healthy := newFakeConn("healthy")
	slow := newFakeConn("slow")
	slow.limit = 2 // room for its own join count and the healthy one's

	_, err := h.Join("chat:42", user("slow"), slow)
	require.NoError(t, err)
	_, err = h.Join("chat:42", user("healthy"), healthy)
	require.NoError(t, err)
	require.Equal(t, 2, h.MembershipCount("chat:42"))

	require.NoError(t, h.Broadcast("chat:42", announcement("one")))

	assert.Equal(t, 1, h.MembershipCount("chat:42"))
	assert.True(t, slow.isClosed())
	assert.Len(t, healthy.ofType(t, domain.MsgTypeAnnouncement), 1)
	assert.Equal(t, 1, healthy.lastCount(t))
	assert.Equal(t, CauseDelivery, causes["slow"])
}

func TestSend_FailureIsImplicitLeave(t *testing.T) {
	h := NewHub()
	c := newFakeConn("1")
	m, err := h.Join("chat:42", user("a"), c)
	require.NoError(t, err)

	c.Close()

	assert.ErrorIs(t, h.Send(m, announcement("x")), domain.ErrDeliveryFailure)
	assert.Equal(t, StateLeft, m.State())
	assert.Equal(t, 0, h.MembershipCount("chat:42"))
}

func TestMembershipCount_MatchesJoinedUnderConcurrency(t *testing.T) {
	h := NewHub()

	const workers = 16
	var wg sync.WaitGroup
	live := make([]*Membership, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(w)))
			var current *Membership
			for i := 0; i < 200; i++ {
				if current == nil || r.Intn(2) == 0 {
					m, err := h.Join("chat:busy", user(fmt.Sprint(w)), newFakeConn(fmt.Sprintf("%d-%d", w, i)))
					if err == nil {
						current = m
					}
				} else {
					h.Leave(current)
					current = nil
				}
				assert.GreaterOrEqual(t, h.MembershipCount("chat:busy"), 0)
				assert.LessOrEqual(t, h.MembershipCount("chat:busy"), workers)
			}
			live[w] = current
		}(w)
	}
	wg.Wait()

	joined := 0
	for _, m := range live {
		if m != nil && m.State() == StateJoined {
			joined++
		}
	}
	assert.Equal(t, joined, h.MembershipCount("chat:busy"))
}

func TestListActiveChannels(t *testing.T) {
	h := NewHub()
	_, _ = h.Join("stream:7", anon("s1"), newFakeConn("1"))
	_, _ = h.Join("chat:b", user("u1"), newFakeConn("2"))
	_, _ = h.Join("chat:b", user("u2"), newFakeConn("3"))

	stats := h.ListActiveChannels()

	require.Len(t, stats, 2)
	assert.Equal(t, "chat:b", stats[0].Key)
	assert.Equal(t, 2, stats[0].Count.Total)
	assert.Equal(t, "stream:7", stats[1].Key)
	assert.Equal(t, 1, stats[1].Count.Anonymous)
}

func TestStop(t *testing.T) {
	h := NewHub()
	var causes []DepartCause
	h.SetDepartHandler(func(_ *Membership, cause DepartCause) { causes = append(causes, cause) })

	c := newFakeConn("1")
	m, err := h.Join("chat:42", user("a"), c)
	require.NoError(t, err)

	h.Stop()
	h.Stop()

	assert.Equal(t, StateLeft, m.State())
	assert.True(t, c.isClosed())
	assert.Equal(t, []DepartCause{CauseShutdown}, causes)
	assert.Empty(t, h.ListActiveChannels())

	_, err = h.Join("chat:42", user("b"), newFakeConn("2"))
	assert.ErrorIs(t, err, ErrStopped)

	h.Leave(m)
	assert.Equal(t, []DepartCause{CauseShutdown}, causes)
}
