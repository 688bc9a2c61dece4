package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"distributed-search/internal/cluster"
	"distributed-search/internal/fault"
	"distributed-search/internal/index"
	"distributed-search/internal/transport"
	"distributed-search/internal/vector"
)

// fakeProvider is an in-memory index.Provider.
type fakeProvider struct {
	mu   sync.Mutex
	docs map[string]index.Document

	indexErr error // injected failure for the next Index call
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{docs: make(map[string]index.Document)}
}

func (f *fakeProvider) Index(_ context.Context, doc index.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexErr != nil {
		err := f.indexErr
		f.indexErr = nil
		return err
	}
	if _, ok := f.docs[doc.DocID]; ok {
		return fmt.Errorf("%w: %s", index.ErrDuplicate, doc.DocID)
	}
	f.docs[doc.DocID] = doc
	return nil
}

func (f *fakeProvider) Remove(_ context.Context, docID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[docID]; !ok {
		return fmt.Errorf("%w: %s", fault.ErrNotFound, docID)
	}
	delete(f.docs, docID)
	return nil
}

func (f *fakeProvider) Search(_ context.Context, query string, k int) ([]index.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []index.Result
	terms := vector.Tokenize(query)
	for id, doc := range f.docs {
		score := 0.0
		for _, t := range terms {
			for _, dt := range vector.Tokenize(doc.Content) {
				if t == dt {
					score++
				}
			}
		}
		if score > 0 {
			out = append(out, index.Result{DocID: id, Score: score, Snippet: doc.Content})
		}
	}
	return out, nil
}

func (f *fakeProvider) Get(_ context.Context, docID string) (index.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[docID]
	if !ok {
		return index.Document{}, fmt.Errorf("%w: %s", fault.ErrNotFound, docID)
	}
	return doc, nil
}

func (f *fakeProvider) FingerprintOf(_ context.Context, docID string) (vector.Fingerprint, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[docID]
	if !ok {
		return vector.Fingerprint{}, false, nil
	}
	return doc.Fingerprint, true, nil
}

func (f *fakeProvider) Stats(_ context.Context) (index.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return index.Stats{DocCount: len(f.docs)}, nil
}

func (f *fakeProvider) DigestMap(_ context.Context) (map[string]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]uint64, len(f.docs))
	for id, doc := range f.docs {
		out[id] = doc.Fingerprint.Hash64()
	}
	return out, nil
}

func (f *fakeProvider) CombinedDigest(ctx context.Context) (uint64, error) {
	m, _ := f.DigestMap(ctx)
	var combined uint64
	for id, h := range m {
		hash := fnv.New64a()
		hash.Write([]byte(id))
		combined ^= hash.Sum64() ^ h
	}
	return combined, nil
}

func (f *fakeProvider) Close() error { return nil }

func (f *fakeProvider) has(docID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.docs[docID]
	return ok
}

// fakeCaller routes RPCs to per-address handlers without a network.
type fakeCaller struct {
	mu       sync.Mutex
	handlers map[string]func(rpcType string, body any) (any, error)
	calls    []fakeCall
}

type fakeCall struct {
	addr    string
	rpcType string
	body    any
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{handlers: make(map[string]func(string, any) (any, error))}
}

func (f *fakeCaller) on(addr string, handler func(rpcType string, body any) (any, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[addr] = handler
}

func (f *fakeCaller) Call(_ context.Context, addr, rpcType string, body, out any) error {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{addr: addr, rpcType: rpcType, body: body})
	handler := f.handlers[addr]
	f.mu.Unlock()

	if handler == nil {
		return fmt.Errorf("%w: %s unreachable", fault.ErrTransientPeer, addr)
	}
	result, err := handler(rpcType, body)
	if err != nil {
		return err
	}
	if out != nil && result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, out)
	}
	return nil
}

func (f *fakeCaller) callsOf(rpcType string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if c.rpcType == rpcType {
			out = append(out, c)
		}
	}
	return out
}

// fakeLeaderView is a fixed leader answer.
type fakeLeaderView struct {
	mu       sync.Mutex
	leaderID string
	isSelf   bool
}

func (f *fakeLeaderView) Leader() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaderID, f.isSelf
}

// nopSender satisfies cluster.HeartbeatSender for test memberships.
type nopSender struct{}

func (nopSender) Send(string, string, any) error { return nil }

// testMembership builds a membership of self plus peers, all ONLINE.
func testMembership(selfID string, peerIDs ...string) *cluster.Membership {
	self := cluster.Identity{NodeID: selfID, RPCAddr: "addr:" + selfID, HeartbeatAddr: "hb:" + selfID}
	var peers []cluster.Identity
	for _, id := range peerIDs {
		peers = append(peers, cluster.Identity{NodeID: id, RPCAddr: "addr:" + id, HeartbeatAddr: "hb:" + id})
	}
	m := cluster.NewMembership(self, peers, cluster.MembershipConfig{
		Heartbeat: time.Second,
		Timeout:   3 * time.Second,
	}, nopSender{},
		func() (transport.PeerStats, uint64) { return transport.PeerStats{}, 0 },
		func() (uint64, string) { return 0, "" },
		zerolog.Nop())
	for i, id := range peerIDs {
		m.ObservePing(transport.Ping{SenderID: id, MonotonicTS: int64(i + 1)})
	}
	return m
}

func fpOf(text string) vector.Fingerprint {
	return vector.FromTokens(vector.Tokenize(text))
}
