package coordinator

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-search/internal/cluster"
	"distributed-search/internal/vector"
)

func newTestLocation(t *testing.T) *LocationIndex {
	t.Helper()
	return NewLocationIndex(2, t.TempDir(), zerolog.Nop())
}

func TestRegisterIdempotent(t *testing.T) {
	l := newTestLocation(t)
	p := Placement{DocID: "d1", Fingerprint: fpOf("alpha"), Primary: "node-a", Replicas: []string{"node-b"}, CreatedAt: time.Now()}
	l.Register(p)
	l.Register(p)

	got, ok := l.Lookup("d1")
	require.True(t, ok)
	assert.Equal(t, "node-a", got.Primary)
	assert.Equal(t, []string{"node-b"}, got.Replicas)
	assert.Len(t, l.All(), 1)
}

func TestLocateRanksByAffinity(t *testing.T) {
	l := newTestLocation(t)
	m := testMembership("node-a", "node-b", "node-c")

	// node-b holds python docs, node-c holds cooking docs.
	l.Register(Placement{DocID: "d1", Fingerprint: fpOf("python code interpreter"), Primary: "node-b"})
	l.Register(Placement{DocID: "d2", Fingerprint: fpOf("python scripting language"), Primary: "node-b"})
	l.Register(Placement{DocID: "d3", Fingerprint: fpOf("bread baking recipes"), Primary: "node-c"})

	got := l.Locate(fpOf("python programming"), 2, m.Current(), nil, false)
	require.NotEmpty(t, got)
	assert.Equal(t, "node-b", got[0])
}

func TestLocateFiltersOfflineAndExcluded(t *testing.T) {
	l := newTestLocation(t)
	m := testMembership("node-a", "node-b")
	l.Register(Placement{DocID: "d1", Fingerprint: fpOf("shared topic"), Primary: "node-a", Replicas: []string{"node-b"}})

	got := l.Locate(fpOf("shared topic"), 5, m.Current(), []string{"node-a"}, false)
	assert.NotContains(t, got, "node-a")
}

func TestLocateTieBreaks(t *testing.T) {
	l := newTestLocation(t)
	m := testMembership("node-a", "node-b", "node-c")

	// No aggregates at all: every node scores zero, load scores are equal,
	// so lexicographic node_id decides.
	got := l.Locate(fpOf("anything"), 3, m.Current(), nil, false)
	assert.Equal(t, []string{"node-a", "node-b", "node-c"}, got)
}

func TestLocateZoneSpread(t *testing.T) {
	l := newTestLocation(t)
	m := testMembership("node-a")
	snap := m.Current()

	// Hand-build a snapshot with zones: a1/a2 share a zone, b1 is alone.
	snap.Peers = nil
	for _, p := range []struct{ id, zone string }{
		{"node-a1", "rack-a"}, {"node-a2", "rack-a"}, {"node-b1", "rack-b"},
	} {
		rec := snapPeer(p.id, p.zone)
		snap.Peers = append(snap.Peers, rec)
	}

	got := l.Locate(fpOf("anything"), 2, snap, nil, true)
	require.Len(t, got, 2)
	assert.Equal(t, "node-a1", got[0])
	assert.Equal(t, "node-b1", got[1], "same-zone follower must sink below the other zone")
}

func TestRemoveNodeRePrimaries(t *testing.T) {
	l := newTestLocation(t)
	m := testMembership("node-a", "node-b", "node-c")
	l.Register(Placement{DocID: "d1", Fingerprint: fpOf("x"), Primary: "node-c", Replicas: []string{"node-a", "node-b"}})

	l.RemoveNode("node-c", m.Current())

	got, ok := l.Lookup("d1")
	require.True(t, ok)
	assert.Equal(t, "node-a", got.Primary, "lowest-id online replica takes over")
	assert.Equal(t, []string{"node-b"}, got.Replicas)
	assert.False(t, got.Degraded)
}

func TestRemoveNodeFlagsDegraded(t *testing.T) {
	l := newTestLocation(t)
	m := testMembership("node-a", "node-b")
	l.Register(Placement{DocID: "d1", Fingerprint: fpOf("x"), Primary: "node-b"})

	l.RemoveNode("node-b", m.Current())

	got, ok := l.Lookup("d1")
	require.True(t, ok)
	assert.True(t, got.Degraded)
	assert.Equal(t, 1, l.Stats(m.Current()).Degraded)
}

func TestPlacementStates(t *testing.T) {
	m := testMembership("node-a", "node-b", "node-c")
	snap := m.Current()

	healthy := Placement{DocID: "d", Primary: "node-a", Replicas: []string{"node-b"}, Target: 2}
	assert.Equal(t, PlacementHealthy, healthy.State(snap))

	under := Placement{DocID: "d", Primary: "node-a", Target: 2}
	assert.Equal(t, PlacementUnderReplicated, under.State(snap))

	degraded := Placement{DocID: "d", Primary: "node-x", Target: 2}
	assert.Equal(t, PlacementDegraded, degraded.State(snap))
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewLocationIndex(2, dir, zerolog.Nop())
	l.Register(Placement{DocID: "d1", Fingerprint: fpOf("persisted"), Primary: "node-a", Replicas: []string{"node-b"}, CreatedAt: time.Now().UTC()})
	l.Register(Placement{DocID: "d2", Fingerprint: fpOf("also persisted"), Primary: "node-b", CreatedAt: time.Now().UTC()})
	require.NoError(t, l.Save())

	restored := NewLocationIndex(2, dir, zerolog.Nop())
	require.NoError(t, restored.Load())
	assert.Len(t, restored.All(), 2)

	got, ok := restored.Lookup("d1")
	require.True(t, ok)
	assert.Equal(t, "node-a", got.Primary)
	assert.Equal(t, []string{"node-b"}, got.Replicas)

	// The restored aggregates still drive locate.
	m := testMembership("node-x", "node-a", "node-b")
	candidates := restored.Locate(fpOf("persisted"), 1, m.Current(), nil, false)
	require.Len(t, candidates, 1)
	assert.Equal(t, "node-a", candidates[0])
}

func TestLoadWithoutSnapshotIsClean(t *testing.T) {
	l := newTestLocation(t)
	require.NoError(t, l.Load())
	assert.Empty(t, l.All())
}

func TestReconcileDigest(t *testing.T) {
	l := newTestLocation(t)
	fp := fpOf("recovered doc")

	l.ReconcileDigest("node-b", map[string]uint64{"d9": fp.Hash64()}, func(string) (vector.Fingerprint, bool) {
		return fp, true
	})
	got, ok := l.Lookup("d9")
	require.True(t, ok)
	assert.Equal(t, "node-b", got.Primary)

	// A second node advertising the same doc becomes a replica.
	l.ReconcileDigest("node-c", map[string]uint64{"d9": fp.Hash64()}, func(string) (vector.Fingerprint, bool) {
		return fp, true
	})
	got, _ = l.Lookup("d9")
	assert.Equal(t, []string{"node-c"}, got.Replicas)
}

func TestUnderReplicatedListing(t *testing.T) {
	l := newTestLocation(t)
	m := testMembership("node-a", "node-b")
	l.Register(Placement{DocID: "full", Primary: "node-a", Replicas: []string{"node-b"}, Target: 2})
	l.Register(Placement{DocID: "thin", Primary: "node-a", Target: 2})

	under := l.UnderReplicated(m.Current())
	require.Len(t, under, 1)
	assert.Equal(t, "thin", under[0].DocID)
}

// snapPeer builds an ONLINE record for hand-assembled snapshots.
func snapPeer(id, zone string) cluster.PeerRecord {
	return cluster.PeerRecord{
		Identity:      cluster.Identity{NodeID: id, Zone: zone, RPCAddr: "addr:" + id},
		Status:        cluster.StatusOnline,
		LastHeartbeat: time.Now(),
	}
}
