package cluster

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-search/internal/transport"
)

// fakeSender records outbound datagrams for inspection.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
}

type sentMsg struct {
	dest string
	tag  string
	body any
}

func (f *fakeSender) Send(dest, tag string, body any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{dest: dest, tag: tag, body: body})
	return nil
}

func (f *fakeSender) byTag(tag string) []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMsg
	for _, m := range f.sent {
		if m.tag == tag {
			out = append(out, m)
		}
	}
	return out
}

func newTestMembership(t *testing.T, hb, timeout time.Duration, dynamic bool) (*Membership, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	self := Identity{NodeID: "node-01", RPCAddr: "127.0.0.1:5101", HeartbeatAddr: "127.0.0.1:5001"}
	peers := []Identity{
		{NodeID: "node-02", RPCAddr: "127.0.0.1:5102", HeartbeatAddr: "127.0.0.1:5002"},
		{NodeID: "node-03", RPCAddr: "127.0.0.1:5103", HeartbeatAddr: "127.0.0.1:5003"},
	}
	m := NewMembership(self, peers, MembershipConfig{
		Heartbeat:         hb,
		Timeout:           timeout,
		AllowDynamicPeers: dynamic,
	}, sender,
		func() (transport.PeerStats, uint64) { return transport.PeerStats{DocCount: 1}, 9 },
		func() (uint64, string) { return 4, "node-03" },
		zerolog.Nop())
	return m, sender
}

func ping(sender string, ts int64) transport.Ping {
	return transport.Ping{SenderID: sender, MonotonicTS: ts, Stats: transport.PeerStats{DocCount: 3}}
}

func TestObserveBringsPeerOnline(t *testing.T) {
	m, _ := newTestMembership(t, 100*time.Millisecond, 300*time.Millisecond, false)
	m.ObservePing(ping("node-02", 1))

	rec, ok := m.Peer("node-02")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, rec.Status)
	assert.Equal(t, 3, rec.DocCount)
}

func TestObserveIsIdempotentAndMonotonic(t *testing.T) {
	m, _ := newTestMembership(t, 100*time.Millisecond, 300*time.Millisecond, false)

	m.ObservePing(ping("node-02", 10))
	rec, _ := m.Peer("node-02")
	first := rec.LastHeartbeat

	// A duplicate and a reordered heartbeat must not move the clock back.
	m.ObservePing(ping("node-02", 10))
	m.ObservePing(ping("node-02", 5))
	rec, _ = m.Peer("node-02")
	assert.Equal(t, first, rec.LastHeartbeat)

	// A strictly newer one is accepted and still never moves it back (the
	// published record only refreshes when the peer's status changes).
	time.Sleep(5 * time.Millisecond)
	m.ObservePing(ping("node-02", 11))
	rec, _ = m.Peer("node-02")
	assert.True(t, rec.LastHeartbeat.After(first) || rec.LastHeartbeat.Equal(first))
}

func TestObserveDiscardsOwnID(t *testing.T) {
	m, _ := newTestMembership(t, 100*time.Millisecond, 300*time.Millisecond, false)
	gen := m.Current().Generation
	m.ObservePing(ping("node-01", 1))
	assert.Equal(t, gen, m.Current().Generation)
}

func TestUnknownPeerPolicy(t *testing.T) {
	m, _ := newTestMembership(t, 100*time.Millisecond, 300*time.Millisecond, false)
	m.ObservePing(ping("node-99", 1))
	_, ok := m.Peer("node-99")
	assert.False(t, ok, "unknown peer admitted without allow_dynamic_peers")

	dyn, _ := newTestMembership(t, 100*time.Millisecond, 300*time.Millisecond, true)
	dyn.ObservePing(transport.Ping{SenderID: "node-99", MonotonicTS: 1, RPCAddr: "127.0.0.1:5199", HeartbeatAddr: "127.0.0.1:5099"})
	rec, ok := dyn.Peer("node-99")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, rec.Status)
	assert.Equal(t, "127.0.0.1:5199", rec.RPCAddr)
}

func TestScannerTransitionsToOffline(t *testing.T) {
	m, _ := newTestMembership(t, 100*time.Millisecond, 300*time.Millisecond, false)
	m.ObservePing(ping("node-02", 1))

	// Not yet timed out.
	m.scan(time.Now().Add(200 * time.Millisecond))
	rec, _ := m.Peer("node-02")
	assert.Equal(t, StatusOnline, rec.Status)

	// Past T_timeout.
	m.scan(time.Now().Add(400 * time.Millisecond))
	rec, _ = m.Peer("node-02")
	assert.Equal(t, StatusOffline, rec.Status)

	// A fresh heartbeat brings it straight back.
	m.ObservePing(ping("node-02", 2))
	rec, _ = m.Peer("node-02")
	assert.Equal(t, StatusOnline, rec.Status)
}

func TestSnapshotGenerationsIncrease(t *testing.T) {
	m, _ := newTestMembership(t, 100*time.Millisecond, 300*time.Millisecond, false)
	sub := m.Subscribe()

	first := <-sub
	m.ObservePing(ping("node-02", 1))
	second := <-sub
	m.ObservePing(ping("node-03", 1))
	third := <-sub

	assert.Less(t, first.Generation, second.Generation)
	assert.Less(t, second.Generation, third.Generation)
	assert.True(t, third.IsOnline("node-02"))
	assert.True(t, third.IsOnline("node-03"))
}

func TestPeersOnlineSorted(t *testing.T) {
	m, _ := newTestMembership(t, 100*time.Millisecond, 300*time.Millisecond, false)
	m.ObservePing(ping("node-03", 1))
	m.ObservePing(ping("node-02", 1))

	online := m.PeersOnline()
	require.Len(t, online, 3) // self plus two peers
	assert.Equal(t, "node-01", online[0].NodeID)
	assert.Equal(t, "node-02", online[1].NodeID)
	assert.Equal(t, "node-03", online[2].NodeID)
}

func TestEmitHeartbeatsTargetsAllPeers(t *testing.T) {
	m, sender := newTestMembership(t, 100*time.Millisecond, 300*time.Millisecond, false)
	m.emitHeartbeats()

	pings := sender.byTag(transport.TagPing)
	require.Len(t, pings, 2)
	dests := map[string]bool{pings[0].dest: true, pings[1].dest: true}
	assert.True(t, dests["127.0.0.1:5002"])
	assert.True(t, dests["127.0.0.1:5003"])

	body := pings[0].body.(transport.Ping)
	assert.Equal(t, "node-01", body.SenderID)
	assert.Equal(t, uint64(4), body.Term)
	assert.Equal(t, "node-03", body.LeaderID)
	assert.Equal(t, uint64(9), body.DocDigest)
}
