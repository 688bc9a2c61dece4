package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-search/internal/fault"
	"distributed-search/internal/index"
	"distributed-search/internal/vector"
)

func newTestReplicator(t *testing.T, k int, peerIDs ...string) (*Replicator, *fakeProvider, *fakeCaller, *LocationIndex) {
	t.Helper()
	provider := newFakeProvider()
	caller := newFakeCaller()
	m := testMembership("node-a", peerIDs...)
	location := NewLocationIndex(k, t.TempDir(), zerolog.Nop())
	leaders := &fakeLeaderView{leaderID: "node-a", isSelf: true}

	r := NewReplicator(
		m.Self(),
		ReplicatorConfig{K: k, Quorum: (k + 2) / 2, ReplTimeout: 500 * time.Millisecond},
		provider, vector.NewHashingVectorizer(64), m, leaders, caller, location, zerolog.Nop())
	return r, provider, caller, location
}

// ackReplica wires addr to accept replicate_doc and store the copy.
func ackReplica(caller *fakeCaller, addr, nodeID string, store *fakeProvider) {
	caller.on(addr, func(rpcType string, body any) (any, error) {
		switch rpcType {
		case "replicate_doc":
			req := body.(ReplicateDocRequest)
			if store != nil {
				if err := store.Index(context.Background(), req.Doc); err != nil {
					return nil, err
				}
			}
			return ReplicateDocResponse{NodeID: nodeID}, nil
		case "rollback_doc":
			req := body.(RollbackDocRequest)
			if store != nil {
				_ = store.Remove(context.Background(), req.DocID)
			}
			return RollbackDocResponse{}, nil
		default:
			return nil, nil
		}
	})
}

func TestWriteCommitsOnQuorum(t *testing.T) {
	r, provider, caller, location := newTestReplicator(t, 2, "node-b", "node-c")
	replicaStore := newFakeProvider()
	ackReplica(caller, "addr:node-b", "node-b", replicaStore)
	ackReplica(caller, "addr:node-c", "node-c", replicaStore)

	docID, err := r.Write(context.Background(), "", "hello python", nil)
	require.NoError(t, err)
	require.NotEmpty(t, docID)

	// Quorum = 2: the local copy plus at least one replica exist at commit.
	assert.True(t, provider.has(docID))
	assert.True(t, replicaStore.has(docID))

	// The committed placement reached the (local) leader.
	p, ok := location.Lookup(docID)
	require.True(t, ok)
	assert.Equal(t, "node-a", p.Primary)
	assert.NotEmpty(t, p.Replicas)
}

func TestWriteQuorumFailureRollsBack(t *testing.T) {
	// No peer handlers registered: every replicate_doc fails.
	r, provider, caller, _ := newTestReplicator(t, 2, "node-b")

	_, err := r.Write(context.Background(), "doc-x", "will not survive", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrWriteQuorumFailed), "got %v", err)

	// The local copy is gone after rollback.
	assert.False(t, provider.has("doc-x"))
	// The replicate_doc fan-out was attempted before the write gave up.
	assert.NotEmpty(t, caller.callsOf("replicate_doc"))
}

func TestWriteIdempotentReplay(t *testing.T) {
	r, _, caller, _ := newTestReplicator(t, 2, "node-b")
	ackReplica(caller, "addr:node-b", "node-b", nil)

	docID, err := r.Write(context.Background(), "fixed-id", "same content", nil)
	require.NoError(t, err)

	again, err := r.Write(context.Background(), "fixed-id", "same content", nil)
	require.NoError(t, err)
	assert.Equal(t, docID, again)
}

func TestWriteConflictOnDifferentContent(t *testing.T) {
	r, _, caller, _ := newTestReplicator(t, 2, "node-b")
	ackReplica(caller, "addr:node-b", "node-b", nil)

	_, err := r.Write(context.Background(), "dx", "first version", nil)
	require.NoError(t, err)

	_, err = r.Write(context.Background(), "dx", "second version", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrConflict))
}

func TestFollowerReplicateAndConflict(t *testing.T) {
	r, provider, _, _ := newTestReplicator(t, 2, "node-b")
	ctx := context.Background()

	doc := index.Document{DocID: "d1", Content: "replica copy", Fingerprint: fpOf("replica copy"), CreatedAt: time.Now()}
	resp, err := r.HandleReplicate(ctx, ReplicateDocRequest{Doc: doc, PrimaryID: "node-b"})
	require.NoError(t, err)
	assert.Equal(t, "node-a", resp.NodeID)
	assert.True(t, provider.has("d1"))

	// Idempotent replay of the identical doc.
	_, err = r.HandleReplicate(ctx, ReplicateDocRequest{Doc: doc, PrimaryID: "node-b"})
	require.NoError(t, err)

	// Same id, different fingerprint: CONFLICT, nothing overwritten.
	other := index.Document{DocID: "d1", Content: "divergent", Fingerprint: fpOf("divergent"), CreatedAt: time.Now()}
	_, err = r.HandleReplicate(ctx, ReplicateDocRequest{Doc: other, PrimaryID: "node-c"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrConflict))
	got, err := provider.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "replica copy", got.Content)
}

func TestFollowerRollbackIdempotent(t *testing.T) {
	r, provider, _, _ := newTestReplicator(t, 2, "node-b")
	ctx := context.Background()

	doc := index.Document{DocID: "d1", Content: "temp", Fingerprint: fpOf("temp")}
	_, err := r.HandleReplicate(ctx, ReplicateDocRequest{Doc: doc, PrimaryID: "node-b"})
	require.NoError(t, err)

	_, err = r.HandleRollback(ctx, RollbackDocRequest{DocID: "d1"})
	require.NoError(t, err)
	assert.False(t, provider.has("d1"))

	// Rolling back a missing doc is still ok.
	_, err = r.HandleRollback(ctx, RollbackDocRequest{DocID: "d1"})
	require.NoError(t, err)
}

func TestConcurrentTicketConflict(t *testing.T) {
	r, _, _, _ := newTestReplicator(t, 2, "node-b")

	tk, err := r.openTicket("dup")
	require.NoError(t, err)
	require.NotNil(t, tk)

	_, err = r.openTicket("dup")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrConflict))

	r.closeTicket("dup")
	_, err = r.openTicket("dup")
	require.NoError(t, err)
}

func TestHandleDigestAndFetch(t *testing.T) {
	r, provider, _, _ := newTestReplicator(t, 2, "node-b")
	ctx := context.Background()

	doc := index.Document{DocID: "d1", Content: "fetch me", Fingerprint: fpOf("fetch me")}
	require.NoError(t, provider.Index(ctx, doc))

	dig, err := r.HandleDigest(ctx, DigestRequest{})
	require.NoError(t, err)
	assert.Contains(t, dig.Digest, "d1")

	fetched, err := r.HandleFetchDoc(ctx, FetchDocRequest{DocID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, "fetch me", fetched.Doc.Content)

	_, err = r.HandleFetchDoc(ctx, FetchDocRequest{DocID: "nope"})
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}
