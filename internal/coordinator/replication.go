package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"distributed-search/internal/cluster"
	"distributed-search/internal/fault"
	"distributed-search/internal/index"
	"distributed-search/internal/transport"
	"distributed-search/internal/vector"
)

// PeerCaller issues RPCs to peers; satisfied by *transport.RPCClient.
type PeerCaller interface {
	Call(ctx context.Context, addr, rpcType string, body, out any) error
}

// LeaderView tells the replicator who coordinates right now. Satisfied by
// the node wiring around Election.
type LeaderView interface {
	// Leader returns the believed leader and whether it is this node.
	Leader() (leaderID string, isSelf bool)
}

// ReplicatorConfig carries the write-path knobs.
type ReplicatorConfig struct {
	K           int           // total holders per document
	Quorum      int           // ⌈(K+1)/2⌉
	ReplTimeout time.Duration // T_repl per-replica deadline
}

// ticket tracks one in-flight write. There is at most one per doc_id on a
// given primary; a second concurrent write to the same id is a CONFLICT.
type ticket struct {
	docID  string
	quorum int
	acks   map[string]bool
	nacks  map[string]bool
}

// Replicator executes the write path. Every node runs one: it acts as
// primary for writes accepted locally and as follower for replicate_doc
// and rollback_doc RPCs from peers.
type Replicator struct {
	self       cluster.Identity
	cfg        ReplicatorConfig
	provider   index.Provider
	vectorizer vector.Vectorizer
	membership *cluster.Membership
	leaders    LeaderView
	peers      PeerCaller
	location   *LocationIndex // consulted directly when this node leads
	log        zerolog.Logger

	mu      sync.Mutex
	tickets map[string]*ticket
}

// NewReplicator wires the write path.
func NewReplicator(self cluster.Identity, cfg ReplicatorConfig, provider index.Provider, vectorizer vector.Vectorizer, membership *cluster.Membership, leaders LeaderView, peers PeerCaller, location *LocationIndex, log zerolog.Logger) *Replicator {
	return &Replicator{
		self:       self,
		cfg:        cfg,
		provider:   provider,
		vectorizer: vectorizer,
		membership: membership,
		leaders:    leaders,
		peers:      peers,
		location:   location,
		log:        log,
		tickets:    make(map[string]*ticket),
	}
}

// ─── Primary write path ───────────────────────────────────────────────────────

// Write accepts a document as primary: index locally, replicate to K−1
// followers, commit on quorum, roll back otherwise. Returns the doc id.
func (r *Replicator) Write(ctx context.Context, docID, content string, metadata map[string]string) (string, error) {
	if docID == "" {
		docID = uuid.NewString()
	}
	fp := r.vectorizer.Fingerprint(content)

	// Same id, different content is a conflict; same id, same content is an
	// idempotent replay.
	if existing, ok, err := r.provider.FingerprintOf(ctx, docID); err != nil {
		return "", fmt.Errorf("fingerprint lookup: %w", err)
	} else if ok {
		if existing == fp {
			return docID, nil
		}
		return "", fmt.Errorf("%w: doc %s exists with different content", fault.ErrConflict, docID)
	}

	tk, err := r.openTicket(docID)
	if err != nil {
		return "", err
	}
	defer r.closeTicket(docID)

	doc := index.Document{
		DocID:       docID,
		Content:     content,
		Metadata:    metadata,
		Fingerprint: fp,
		SizeBytes:   len(content),
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.provider.Index(ctx, doc); err != nil {
		if errors.Is(err, index.ErrDuplicate) {
			return "", fmt.Errorf("%w: doc %s", fault.ErrConflict, docID)
		}
		return "", fmt.Errorf("local index: %w", err)
	}
	tk.acks[r.self.NodeID] = true // local durable commit is the first ack

	replicas, err := r.chooseReplicas(ctx, fp)
	if err != nil {
		r.log.Warn().Err(err).Msg("replica planning failed, falling back to online peers")
	}

	acked, err := r.replicateToQuorum(ctx, tk, doc, replicas)
	if err != nil {
		r.rollback(doc.DocID, acked)
		return "", err
	}

	r.reportPlacement(ctx, doc, acked)
	return docID, nil
}

func (r *Replicator) openTicket(docID string) (*ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, inflight := r.tickets[docID]; inflight {
		return nil, fmt.Errorf("%w: write already in flight for doc %s", fault.ErrConflict, docID)
	}
	tk := &ticket{docID: docID, quorum: r.cfg.Quorum, acks: make(map[string]bool), nacks: make(map[string]bool)}
	r.tickets[docID] = tk
	return tk, nil
}

func (r *Replicator) closeTicket(docID string) {
	r.mu.Lock()
	delete(r.tickets, docID)
	r.mu.Unlock()
}

// chooseReplicas asks the leader for K−1 affinity-ranked targets. When the
// leader is unreachable the fallback is the ONLINE peer set in id order —
// writes stay available (AP) at the cost of placement quality.
func (r *Replicator) chooseReplicas(ctx context.Context, fp vector.Fingerprint) ([]string, error) {
	want := r.cfg.K - 1
	if want <= 0 {
		return nil, nil
	}

	leaderID, isSelf := r.leaders.Leader()
	if isSelf {
		return r.location.Locate(fp, want, r.membership.Current(), []string{r.self.NodeID}, true), nil
	}

	if leaderID != "" {
		if rec, ok := r.membership.Peer(leaderID); ok && rec.Status == cluster.StatusOnline {
			req := LocateQueryRequest{Fingerprint: fp, Max: want, Exclude: []string{r.self.NodeID}, ForWrite: true}
			var resp LocateQueryResponse
			callCtx, cancel := context.WithTimeout(ctx, r.cfg.ReplTimeout)
			err := r.peers.Call(callCtx, rec.RPCAddr, transport.RPCLocateQuery, req, &resp)
			cancel()
			if err == nil {
				return resp.Candidates, nil
			}
			r.log.Warn().Str("leader", leaderID).Err(err).Msg("leader locate_query failed")
		}
	}

	// Leaderless fallback: lowest ids first, deterministic across retries.
	var out []string
	for _, rec := range r.membership.PeersOnline() {
		if rec.NodeID == r.self.NodeID {
			continue
		}
		out = append(out, rec.NodeID)
		if len(out) == want {
			break
		}
	}
	return out, fmt.Errorf("%w: leader unreachable for replica planning", fault.ErrTransientPeer)
}

// replicateToQuorum fans replicate_doc out to the chosen replicas and
// collects replies until quorum, deadline, or exhaustion. It returns the
// peer ids that acked (self excluded).
func (r *Replicator) replicateToQuorum(ctx context.Context, tk *ticket, doc index.Document, replicas []string) ([]string, error) {
	needed := tk.quorum - 1 // self already acked
	if needed <= 0 && len(replicas) == 0 {
		return nil, nil
	}

	// The fan-out lives on its own timeout rather than the caller's
	// context: once replicas are in flight, a disconnecting client must not
	// abort a write that may still commit, and stragglers keep counting
	// after the quorum is reached.
	results := make(chan replReply, len(replicas))
	callCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ReplTimeout)

	sent := 0
	for _, nodeID := range replicas {
		rec, ok := r.membership.Peer(nodeID)
		if !ok || rec.RPCAddr == "" {
			continue
		}
		sent++
		go func(id, addr string) {
			req := ReplicateDocRequest{Doc: doc, PrimaryID: r.self.NodeID}
			var resp ReplicateDocResponse
			err := r.peers.Call(callCtx, addr, transport.RPCReplicateDoc, req, &resp)
			results <- replReply{nodeID: id, err: err}
		}(nodeID, rec.RPCAddr)
	}

	var acked []string
	remaining := sent
	for remaining > 0 {
		select {
		case rep := <-results:
			remaining--
			if rep.err == nil {
				tk.acks[rep.nodeID] = true
				acked = append(acked, rep.nodeID)
			} else {
				tk.nacks[rep.nodeID] = true
				r.log.Warn().Str("replica", rep.nodeID).Err(rep.err).Msg("replicate_doc failed")
			}
			if len(tk.acks) >= tk.quorum {
				// Committed. Stragglers keep draining in the background and
				// feed late placement updates.
				go func(left int) {
					r.drainStragglers(doc, results, left)
					cancel()
				}(remaining)
				return acked, nil
			}
		case <-callCtx.Done():
			cancel()
			return acked, fmt.Errorf("%w: %d/%d acks within %s",
				fault.ErrWriteQuorumFailed, len(tk.acks), tk.quorum, r.cfg.ReplTimeout)
		}
	}
	cancel()

	if len(tk.acks) >= tk.quorum {
		return acked, nil
	}
	return acked, fmt.Errorf("%w: %d/%d acks", fault.ErrWriteQuorumFailed, len(tk.acks), tk.quorum)
}

// drainStragglers consumes replies that arrive after commit. Late acks
// widen the placement; late nacks leave it under-replicated for the
// background fill to repair.
func (r *Replicator) drainStragglers(doc index.Document, results <-chan replReply, remaining int) {
	for i := 0; i < remaining; i++ {
		rep := <-results
		if rep.err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ReplTimeout)
		r.reportLateAck(ctx, doc, rep.nodeID)
		cancel()
	}
}

func (r *Replicator) reportLateAck(ctx context.Context, doc index.Document, nodeID string) {
	leaderID, isSelf := r.leaders.Leader()
	if isSelf {
		r.location.AddReplica(doc.DocID, nodeID)
		return
	}
	rec, ok := r.membership.Peer(leaderID)
	if !ok {
		return
	}
	req := PlacementUpdateRequest{
		DocID:       doc.DocID,
		Fingerprint: doc.Fingerprint,
		Primary:     r.self.NodeID,
		Replicas:    []string{nodeID},
		Append:      true,
		CreatedAt:   doc.CreatedAt,
	}
	if err := r.peers.Call(ctx, rec.RPCAddr, transport.RPCPlacementUpdate, req, nil); err != nil {
		r.log.Debug().Err(err).Msg("late placement update failed")
	}
}

// rollback undoes a failed write: every acked peer plus the local copy.
// Best-effort; a missed rollback is corrected by the next anti-entropy
// pass.
func (r *Replicator) rollback(docID string, acked []string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ReplTimeout)
	defer cancel()
	for _, nodeID := range acked {
		rec, ok := r.membership.Peer(nodeID)
		if !ok {
			continue
		}
		if err := r.peers.Call(ctx, rec.RPCAddr, transport.RPCRollbackDoc, RollbackDocRequest{DocID: docID}, nil); err != nil {
			r.log.Warn().Str("replica", nodeID).Err(err).Msg("rollback_doc failed; anti-entropy will correct")
		}
	}
	if err := r.provider.Remove(ctx, docID); err != nil && !errors.Is(err, fault.ErrNotFound) {
		r.log.Error().Str("doc", docID).Err(err).Msg("local rollback failed")
	}
}

// reportPlacement tells the leader where the committed document lives.
func (r *Replicator) reportPlacement(ctx context.Context, doc index.Document, acked []string) {
	leaderID, isSelf := r.leaders.Leader()
	p := Placement{
		DocID:       doc.DocID,
		Fingerprint: doc.Fingerprint,
		Primary:     r.self.NodeID,
		Replicas:    acked,
		Target:      r.cfg.K,
		CreatedAt:   doc.CreatedAt,
	}
	if isSelf {
		r.location.Register(p)
		return
	}
	rec, ok := r.membership.Peer(leaderID)
	if !ok {
		r.log.Warn().Str("doc", doc.DocID).Msg("no leader for placement update; heartbeat digest will repopulate")
		return
	}
	req := PlacementUpdateRequest{
		DocID:       doc.DocID,
		Fingerprint: doc.Fingerprint,
		Primary:     r.self.NodeID,
		Replicas:    acked,
		CreatedAt:   doc.CreatedAt,
	}
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ReplTimeout)
	defer cancel()
	if err := r.peers.Call(callCtx, rec.RPCAddr, transport.RPCPlacementUpdate, req, nil); err != nil {
		r.log.Warn().Str("doc", doc.DocID).Err(err).Msg("placement update failed; heartbeat digest will repopulate")
	}
}

// ─── Follower side ────────────────────────────────────────────────────────────

// HandleReplicate stores a replica pushed by a primary.
func (r *Replicator) HandleReplicate(ctx context.Context, req ReplicateDocRequest) (ReplicateDocResponse, error) {
	existing, ok, err := r.provider.FingerprintOf(ctx, req.Doc.DocID)
	if err != nil {
		return ReplicateDocResponse{}, fmt.Errorf("fingerprint lookup: %w", err)
	}
	if ok {
		if existing == req.Doc.Fingerprint {
			return ReplicateDocResponse{NodeID: r.self.NodeID}, nil // idempotent replay
		}
		return ReplicateDocResponse{}, fmt.Errorf("%w: doc %s already held with different fingerprint", fault.ErrConflict, req.Doc.DocID)
	}
	if err := r.provider.Index(ctx, req.Doc); err != nil {
		if errors.Is(err, index.ErrDuplicate) {
			return ReplicateDocResponse{}, fmt.Errorf("%w: doc %s", fault.ErrConflict, req.Doc.DocID)
		}
		return ReplicateDocResponse{}, fmt.Errorf("replica index: %w", err)
	}
	return ReplicateDocResponse{NodeID: r.self.NodeID}, nil
}

// HandleRollback removes a replica. Ok even if the doc is absent.
func (r *Replicator) HandleRollback(ctx context.Context, req RollbackDocRequest) (RollbackDocResponse, error) {
	if err := r.provider.Remove(ctx, req.DocID); err != nil && !errors.Is(err, fault.ErrNotFound) {
		return RollbackDocResponse{}, err
	}
	return RollbackDocResponse{}, nil
}

// HandleFetchDoc serves a stored document to a re-replication fill.
func (r *Replicator) HandleFetchDoc(ctx context.Context, req FetchDocRequest) (FetchDocResponse, error) {
	doc, err := r.provider.Get(ctx, req.DocID)
	if err != nil {
		return FetchDocResponse{}, err
	}
	return FetchDocResponse{Doc: doc}, nil
}

// HandleDigest serves the local digest map.
func (r *Replicator) HandleDigest(ctx context.Context, _ DigestRequest) (DigestResponse, error) {
	m, err := r.provider.DigestMap(ctx)
	if err != nil {
		return DigestResponse{}, err
	}
	return DigestResponse{Digest: m}, nil
}

// replReply is one replica's answer during fan-out.
type replReply struct {
	nodeID string
	err    error
}

// AbortTickets forgets every in-flight ticket, so later writes to the same
// ids are no longer refused as in flight. Writes already running are not
// interrupted: each ends with its own commit or quorum outcome, and none of
// them returns LEADER_CHANGED. Called on role demotion and on shutdown.
func (r *Replicator) AbortTickets() {
	r.mu.Lock()
	n := len(r.tickets)
	r.tickets = make(map[string]*ticket)
	r.mu.Unlock()
	if n > 0 {
		r.log.Warn().Int("tickets", n).Msg("dropped in-flight tickets on role change")
	}
}
