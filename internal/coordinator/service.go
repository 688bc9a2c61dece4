package coordinator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"distributed-search/internal/cluster"
	"distributed-search/internal/fault"
	"distributed-search/internal/index"
	"distributed-search/internal/transport"
	"distributed-search/internal/vector"
)

// refillWorkers bounds the background re-replication pool.
const refillWorkers = 4

// LeaderConfig carries the coordinator-duty knobs.
type LeaderConfig struct {
	K            int
	ReplTimeout  time.Duration
	SnapshotEvery time.Duration // T_snap
}

// LeaderService bundles the duties that run only while this node is
// COORDINATOR: the location index lifecycle, the re-replication pool, and
// the digest anti-entropy pass. Start on role enter, Stop on demotion.
type LeaderService struct {
	self       cluster.Identity
	cfg        LeaderConfig
	location   *LocationIndex
	membership *cluster.Membership
	provider   index.Provider
	peers      PeerCaller
	log        zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	jobs    chan string
	running bool
}

// NewLeaderService wires the coordinator duties around a location index.
func NewLeaderService(self cluster.Identity, cfg LeaderConfig, location *LocationIndex, membership *cluster.Membership, provider index.Provider, peers PeerCaller, log zerolog.Logger) *LeaderService {
	return &LeaderService{
		self:       self,
		cfg:        cfg,
		location:   location,
		membership: membership,
		provider:   provider,
		peers:      peers,
		log:        log,
	}
}

// Start assumes coordinator duties: restore the snapshot, then run the
// snapshot loop, the membership watcher and the refill pool.
func (s *LeaderService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if err := s.location.Load(); err != nil {
		return fmt.Errorf("restore location snapshot: %w", err)
	}
	// Local holdings seed the table so locate has something to rank before
	// the first peer digest arrives.
	s.seedFromLocal()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.jobs = make(chan string, 256)
	s.running = true

	s.wg.Add(2 + refillWorkers)
	go s.snapshotLoop(ctx)
	go s.watchLoop(ctx)
	for i := 0; i < refillWorkers; i++ {
		go s.refillWorker(ctx)
	}
	s.log.Info().Msg("coordinator duties started")
	return nil
}

// Stop leaves the coordinator role: cancel the loops, give them a short
// grace, and snapshot on the way out.
func (s *LeaderService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		s.log.Warn().Msg("coordinator tasks did not stop within grace period")
	}
	if err := s.location.Save(); err != nil {
		s.log.Error().Err(err).Msg("location snapshot on role exit failed")
	}
	s.log.Info().Msg("coordinator duties stopped")
}

// Running reports whether coordinator duties are active.
func (s *LeaderService) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// seedFromLocal registers placements for documents this node holds that
// the snapshot does not cover.
func (s *LeaderService) seedFromLocal() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReplTimeout)
	defer cancel()
	digest, err := s.provider.DigestMap(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("local digest for seeding failed")
		return
	}
	s.location.ReconcileDigest(s.self.NodeID, digest, func(docID string) (vector.Fingerprint, bool) {
		fp, ok, err := s.provider.FingerprintOf(ctx, docID)
		return fp, ok && err == nil
	})
}

// ─── Background loops ─────────────────────────────────────────────────────────

func (s *LeaderService) snapshotLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SnapshotEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.location.Save(); err != nil {
				s.log.Error().Err(err).Msg("periodic location snapshot failed")
			}
			s.digestPass(ctx)
			s.scheduleRefills(s.membership.Current())
		}
	}
}

// watchLoop reacts to membership changes: offline nodes leave the
// placements, shrunken replica sets get refilled.
func (s *LeaderService) watchLoop(ctx context.Context) {
	defer s.wg.Done()
	snapshots := s.membership.Subscribe()
	prevOnline := make(map[string]bool)
	for _, p := range s.membership.Current().Online() {
		prevOnline[p.NodeID] = true
	}
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-snapshots:
			online := make(map[string]bool)
			for _, p := range snap.Online() {
				online[p.NodeID] = true
			}
			for id := range prevOnline {
				if !online[id] {
					s.log.Warn().Str("peer", id).Msg("removing offline node from placements")
					s.location.RemoveNode(id, snap)
				}
			}
			prevOnline = online
			s.scheduleRefills(snap)
		}
	}
}

func (s *LeaderService) scheduleRefills(snap cluster.Snapshot) {
	for _, p := range s.location.UnderReplicated(snap) {
		select {
		case s.jobs <- p.DocID:
		default:
			// Pool saturated; the next snapshot or tick retries.
			return
		}
	}
}

// refillWorker restores replica counts: pick a target by affinity, source
// the content from a live holder, push, record.
func (s *LeaderService) refillWorker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case docID := <-s.jobs:
			if err := s.refill(ctx, docID); err != nil {
				s.log.Warn().Str("doc", docID).Err(err).Msg("re-replication failed")
			}
		}
	}
}

func (s *LeaderService) refill(ctx context.Context, docID string) error {
	p, ok := s.location.Lookup(docID)
	if !ok {
		return nil
	}
	snap := s.membership.Current()
	if p.State(snap) != PlacementUnderReplicated {
		return nil
	}

	targets := s.location.Locate(p.Fingerprint, 1, snap, p.Holders(), true)
	if len(targets) == 0 {
		return nil // nowhere to put it; wait for capacity
	}
	target := targets[0]

	doc, err := s.sourceDoc(ctx, p, snap)
	if err != nil {
		return fmt.Errorf("source content: %w", err)
	}

	rec, ok := snap.Lookup(target)
	if !ok || rec.RPCAddr == "" {
		return fmt.Errorf("target %s has no rpc address", target)
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ReplTimeout)
	defer cancel()
	req := ReplicateDocRequest{Doc: doc, PrimaryID: p.Primary}
	var resp ReplicateDocResponse
	err = s.peers.Call(callCtx, rec.RPCAddr, transport.RPCReplicateDoc, req, &resp)
	if err != nil && !errors.Is(err, fault.ErrConflict) {
		return fmt.Errorf("replicate to %s: %w", target, err)
	}
	s.location.AddReplica(docID, target)
	s.log.Info().Str("doc", docID).Str("target", target).Msg("replica refilled")
	return nil
}

// sourceDoc fetches the document from any currently holding node,
// preferring the local copy.
func (s *LeaderService) sourceDoc(ctx context.Context, p Placement, snap cluster.Snapshot) (index.Document, error) {
	if p.HasHolder(s.self.NodeID) {
		return s.provider.Get(ctx, p.DocID)
	}
	for _, holder := range p.Holders() {
		rec, ok := snap.Lookup(holder)
		if !ok || rec.Status != cluster.StatusOnline || rec.RPCAddr == "" {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.ReplTimeout)
		var resp FetchDocResponse
		err := s.peers.Call(callCtx, rec.RPCAddr, transport.RPCFetchDoc, FetchDocRequest{DocID: p.DocID}, &resp)
		cancel()
		if err == nil {
			return resp.Doc, nil
		}
	}
	return index.Document{}, fmt.Errorf("%w: no live holder for %s", fault.ErrDegraded, p.DocID)
}

// digestPass compares each ONLINE peer's advertised doc digest with what
// the placements predict and pulls the full digest on mismatch. Peers are
// checked in parallel and joined before the pass returns; a failing peer
// is skipped, never fatal.
func (s *LeaderService) digestPass(ctx context.Context) {
	snap := s.membership.Current()
	var g errgroup.Group
	for _, rec := range snap.Online() {
		if rec.NodeID == s.self.NodeID || rec.DocDigest == 0 {
			continue
		}
		if s.expectedDigest(rec.NodeID) == rec.DocDigest {
			continue
		}
		rec := rec
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, s.cfg.ReplTimeout)
			var resp DigestResponse
			err := s.peers.Call(callCtx, rec.RPCAddr, transport.RPCDigestRequest, DigestRequest{}, &resp)
			cancel()
			if err != nil {
				s.log.Debug().Str("peer", rec.NodeID).Err(err).Msg("digest_request failed")
				return nil
			}
			s.location.ReconcileDigest(rec.NodeID, resp.Digest, func(docID string) (vector.Fingerprint, bool) {
				// The digest carries hashes, not vectors; fetch the doc to
				// learn its fingerprint.
				fetchCtx, cancelFetch := context.WithTimeout(ctx, s.cfg.ReplTimeout)
				defer cancelFetch()
				var fresp FetchDocResponse
				if err := s.peers.Call(fetchCtx, rec.RPCAddr, transport.RPCFetchDoc, FetchDocRequest{DocID: docID}, &fresp); err != nil {
					return vector.Fingerprint{}, false
				}
				return fresp.Doc.Fingerprint, true
			})
			return nil
		})
	}
	_ = g.Wait()
}

// expectedDigest folds what the placements say nodeID holds, mirroring the
// provider's CombinedDigest.
func (s *LeaderService) expectedDigest(nodeID string) uint64 {
	var combined uint64
	for _, docID := range s.location.DocsHeldBy(nodeID) {
		p, ok := s.location.Lookup(docID)
		if !ok {
			continue
		}
		f := fnv.New64a()
		f.Write([]byte(docID))
		combined ^= f.Sum64() ^ p.Fingerprint.Hash64()
	}
	return combined
}

// ─── Leader RPC handlers ──────────────────────────────────────────────────────

// HandleLocateQuery serves candidate ranking to originators and primaries.
func (s *LeaderService) HandleLocateQuery(_ context.Context, req LocateQueryRequest) (LocateQueryResponse, error) {
	if !s.Running() {
		return LocateQueryResponse{}, fmt.Errorf("%w: not coordinating", fault.ErrLeaderChanged)
	}
	max := req.Max
	candidates := s.location.Locate(req.Fingerprint, max, s.membership.Current(), req.Exclude, req.ForWrite)
	return LocateQueryResponse{Candidates: candidates}, nil
}

// HandlePlacementUpdate records where a committed document lives. A
// duplicate doc_id with a different fingerprint is resolved Last-Write-Wins
// on (created_at, primary) and logged as an anomaly.
func (s *LeaderService) HandlePlacementUpdate(_ context.Context, req PlacementUpdateRequest) (PlacementUpdateResponse, error) {
	if !s.Running() {
		return PlacementUpdateResponse{}, fmt.Errorf("%w: not coordinating", fault.ErrLeaderChanged)
	}
	if req.Append {
		for _, r := range req.Replicas {
			s.location.AddReplica(req.DocID, r)
		}
		return PlacementUpdateResponse{}, nil
	}

	if existing, ok := s.location.Lookup(req.DocID); ok && existing.Fingerprint != req.Fingerprint {
		s.log.Error().
			Str("doc", req.DocID).
			Str("existing_primary", existing.Primary).
			Str("incoming_primary", req.Primary).
			Msg("duplicate doc_id with divergent content; resolving last-write-wins")
		if !lwwWins(req.CreatedAt, req.Primary, existing.CreatedAt, existing.Primary) {
			return PlacementUpdateResponse{}, nil // existing entry wins
		}
	}
	s.location.Register(Placement{
		DocID:       req.DocID,
		Fingerprint: req.Fingerprint,
		Primary:     req.Primary,
		Replicas:    req.Replicas,
		Target:      s.cfg.K,
		CreatedAt:   req.CreatedAt,
	})
	return PlacementUpdateResponse{}, nil
}

// lwwWins decides whether the incoming (created_at, primary) beats the
// existing one.
func lwwWins(inAt time.Time, inPrimary string, exAt time.Time, exPrimary string) bool {
	if !inAt.Equal(exAt) {
		return inAt.After(exAt)
	}
	return inPrimary > exPrimary
}
