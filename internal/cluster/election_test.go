package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-search/internal/transport"
)

func newTestElection(t *testing.T, selfID string, peerIDs ...string) (*Election, *Membership, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	self := Identity{NodeID: selfID, RPCAddr: "127.0.0.1:9100", HeartbeatAddr: "127.0.0.1:9000"}
	var peers []Identity
	for i, id := range peerIDs {
		peers = append(peers, Identity{
			NodeID:        id,
			RPCAddr:       "127.0.0.1:910" + string(rune('1'+i)),
			HeartbeatAddr: "127.0.0.1:900" + string(rune('1'+i)),
		})
	}
	m := NewMembership(self, peers, MembershipConfig{Heartbeat: 50 * time.Millisecond, Timeout: 150 * time.Millisecond}, sender,
		func() (transport.PeerStats, uint64) { return transport.PeerStats{}, 0 },
		func() (uint64, string) { return 0, "" },
		zerolog.Nop())

	e := NewElection(self, ElectionConfig{
		Timeout:     150 * time.Millisecond,
		Election:    60 * time.Millisecond,
		Coordinator: 120 * time.Millisecond,
		Bootstrap:   40 * time.Millisecond,
	}, m, sender, zerolog.Nop())
	return e, m, sender
}

func waitForRole(t *testing.T, e *Election, role Role, within time.Duration) ElectionState {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if s := e.State(); s.Role == role {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("role %s not reached within %s (state: %+v)", role, within, e.State())
	return ElectionState{}
}

func TestBootState(t *testing.T) {
	e, _, _ := newTestElection(t, "node-02", "node-01", "node-03")
	s := e.State()
	assert.Equal(t, RoleFollower, s.Role)
	assert.Equal(t, uint64(0), s.Term)
	assert.Empty(t, s.LeaderID)
}

func TestHighestNodeWinsUncontested(t *testing.T) {
	// node-03 is the highest id; with no higher peer to ask it must claim
	// leadership as soon as the bootstrap timer starts its first round.
	e, _, sender := newTestElection(t, "node-03", "node-01", "node-02")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	s := waitForRole(t, e, RoleCoordinator, time.Second)
	assert.Equal(t, "node-03", s.LeaderID)
	assert.Equal(t, uint64(1), s.Term)

	// Leadership must be announced to both peers.
	require.Eventually(t, func() bool {
		return len(sender.byTag(transport.TagCoordinator)) >= 2
	}, time.Second, 10*time.Millisecond)

	// The enter notification fires exactly once.
	select {
	case change := <-e.Changes():
		assert.Equal(t, RoleCoordinator, change.Role)
	case <-time.After(time.Second):
		t.Fatal("no role change notification")
	}
}

func TestLowerNodeYieldsOnElectionOK(t *testing.T) {
	e, _, sender := newTestElection(t, "node-01", "node-02", "node-03")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	// Bootstrap expires, node-01 sends ELECTION upward.
	require.Eventually(t, func() bool {
		return len(sender.byTag(transport.TagElection)) >= 2
	}, time.Second, 5*time.Millisecond)

	// A higher node answers OK; node-01 must yield and wait.
	e.HandleElectionOK(transport.ElectionOK{SenderID: "node-03", Term: 1})
	require.Eventually(t, func() bool {
		return e.State().Role == RoleFollower
	}, time.Second, 5*time.Millisecond)

	// The higher node announces; node-01 adopts it.
	e.HandleCoordinator(transport.CoordinatorMsg{SenderID: "node-03", Term: 1})
	require.Eventually(t, func() bool {
		s := e.State()
		return s.LeaderID == "node-03" && s.Term == 1
	}, time.Second, 5*time.Millisecond)
}

func TestElectionFromLowerTriggersOKAndOwnRound(t *testing.T) {
	e, _, sender := newTestElection(t, "node-02", "node-01", "node-03")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	e.HandleElection(transport.ElectionMsg{SenderID: "node-01", Term: 1})

	// node-02 must answer OK to the lower challenger.
	require.Eventually(t, func() bool {
		oks := sender.byTag(transport.TagElectionOK)
		return len(oks) >= 1
	}, time.Second, 5*time.Millisecond)
	ok := sender.byTag(transport.TagElectionOK)[0].body.(transport.ElectionOK)
	assert.Equal(t, "node-02", ok.SenderID)

	// And run its own round against node-03.
	require.Eventually(t, func() bool {
		return len(sender.byTag(transport.TagElection)) >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinatorTieBreakDemotesLower(t *testing.T) {
	e, _, _ := newTestElection(t, "node-02", "node-01", "node-03")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	// node-02 wins a round first (peers silent).
	waitForRole(t, e, RoleCoordinator, time.Second)
	<-e.Changes() // drain the enter notification

	// A COORDINATOR for the same term from a higher id wins the tie.
	s := e.State()
	e.HandleCoordinator(transport.CoordinatorMsg{SenderID: "node-03", Term: s.Term})

	require.Eventually(t, func() bool {
		st := e.State()
		return st.Role == RoleFollower && st.LeaderID == "node-03"
	}, time.Second, 5*time.Millisecond)

	select {
	case change := <-e.Changes():
		assert.Equal(t, RoleFollower, change.Role)
	case <-time.After(time.Second):
		t.Fatal("no demotion notification")
	}
}

func TestStaleCoordinatorIgnored(t *testing.T) {
	e, _, _ := newTestElection(t, "node-03", "node-01", "node-02")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	s := waitForRole(t, e, RoleCoordinator, time.Second)
	e.HandleCoordinator(transport.CoordinatorMsg{SenderID: "node-01", Term: s.Term - 1})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, RoleCoordinator, e.State().Role)
}

func TestLeaderLossTriggersNewRound(t *testing.T) {
	e, m, sender := newTestElection(t, "node-03", "node-01", "node-02")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	// Adopt node-02 as leader from its heartbeat advertising a higher term.
	m.ObservePing(ping("node-02", 1))
	e.ObserveHeartbeat("node-02", 5, "node-02")
	require.Eventually(t, func() bool {
		return e.State().LeaderID == "node-02"
	}, time.Second, 5*time.Millisecond)

	// The leader's record ages out; membership reports it OFFLINE, which
	// must start a new round and, with everyone silent, win it.
	m.scan(time.Now().Add(time.Second))
	s := waitForRole(t, e, RoleCoordinator, 2*time.Second)
	assert.Greater(t, s.Term, uint64(5))
	assert.NotEmpty(t, sender.byTag(transport.TagCoordinator))
}

func TestSingleCoordinatorPerTermUnderStableMembership(t *testing.T) {
	// Two state machines wired back-to-back through their handlers: at
	// most one may end the round as COORDINATOR for a given term.
	eLow, mLow, senderLow := newTestElection(t, "node-01", "node-02")
	eHigh, mHigh, senderHigh := newTestElection(t, "node-02", "node-01")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eLow.Start(ctx)
	eHigh.Start(ctx)
	mLow.ObservePing(ping("node-02", 1))
	mHigh.ObservePing(ping("node-01", 1))

	// Pump messages between the two for a while.
	pump := func(from *fakeSender, to *Election, seen map[int]bool) {
		from.mu.Lock()
		msgs := make([]sentMsg, len(from.sent))
		copy(msgs, from.sent)
		from.mu.Unlock()
		for i, msg := range msgs {
			if seen[i] {
				continue
			}
			seen[i] = true
			switch body := msg.body.(type) {
			case transport.ElectionMsg:
				to.HandleElection(body)
			case transport.ElectionOK:
				to.HandleElectionOK(body)
			case transport.CoordinatorMsg:
				to.HandleCoordinator(body)
			}
		}
	}
	seenLow, seenHigh := map[int]bool{}, map[int]bool{}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pump(senderLow, eHigh, seenLow)
		pump(senderHigh, eLow, seenHigh)
		sLow, sHigh := eLow.State(), eHigh.State()
		// A transient double-claim is legal mid-round; what must hold once
		// the messages settle is a single coordinator with the lower node
		// following it.
		if sHigh.Role == RoleCoordinator && sLow.Role == RoleFollower &&
			sLow.LeaderID == "node-02" && sLow.Term == sHigh.Term {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("did not converge: low=%+v high=%+v", eLow.State(), eHigh.State())
}
