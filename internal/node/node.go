// Package node assembles one search node from its components and owns
// their lifecycle. Bootstrap wires everything explicitly — there are no
// process-wide singletons — and shutdown walks the components in reverse.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"distributed-search/internal/api"
	"distributed-search/internal/cluster"
	"distributed-search/internal/config"
	"distributed-search/internal/coordinator"
	"distributed-search/internal/fault"
	"distributed-search/internal/freshness"
	"distributed-search/internal/index"
	"distributed-search/internal/logging"
	"distributed-search/internal/metrics"
	"distributed-search/internal/transport"
	"distributed-search/internal/vector"
)

// loadScoreScale normalizes the inflight request count into [0,1] for the
// load score carried on heartbeats.
const loadScoreScale = 128

// Node is one running cluster participant.
type Node struct {
	cfg  *config.Config
	self cluster.Identity
	log  zerolog.Logger

	metrics    *metrics.Metrics
	provider   index.Provider
	vectorizer vector.Vectorizer
	tracker    *freshness.Tracker

	datagram  *transport.Datagram
	rpcServer *transport.RPCServer
	rpcClient *transport.RPCClient

	membership *cluster.Membership
	election   *cluster.Election

	location   *coordinator.LocationIndex
	leaderSvc  *coordinator.LeaderService
	replicator *coordinator.Replicator
	router     *coordinator.Router

	httpServer *http.Server

	inflight atomic.Int64
	ready    atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a node from validated configuration. Nothing starts until
// Start is called.
func New(cfg *config.Config, base zerolog.Logger) (*Node, error) {
	n := &Node{
		cfg: cfg,
		self: cluster.Identity{
			NodeID:        cfg.NodeID,
			RPCAddr:       cfg.BindRPC,
			HeartbeatAddr: cfg.BindHeartbeat,
			Zone:          cfg.Zone,
		},
		log: base,
	}

	n.metrics = metrics.New()
	n.tracker = freshness.NewTracker(cfg.ClusterSize())
	n.vectorizer = vector.NewHashingVectorizer(4096)

	provider, err := index.OpenSQLite(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open local index: %w", err)
	}
	n.provider = provider

	n.location = coordinator.NewLocationIndex(cfg.ReplicationFactor, cfg.SnapshotDir,
		logging.Component(base, "location"))

	n.rpcClient = transport.NewRPCClient(logging.Component(base, "rpc"), n.leaderHint)
	peerCaller := &instrumentedCaller{inner: n.rpcClient, m: n.metrics}

	peerIdentities := make([]cluster.Identity, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peerIdentities = append(peerIdentities, cluster.Identity{
			NodeID:        p.NodeID,
			RPCAddr:       p.RPCAddr,
			HeartbeatAddr: p.HeartbeatAddr,
			Zone:          p.Zone,
		})
	}

	datagram, err := transport.ListenDatagram(cfg.BindHeartbeat, n.handleDatagram,
		logging.Component(base, "datagram"))
	if err != nil {
		provider.Close()
		return nil, err
	}
	n.datagram = datagram

	n.membership = cluster.NewMembership(n.self, peerIdentities, cluster.MembershipConfig{
		Heartbeat:         cfg.Timers.Heartbeat,
		Timeout:           cfg.Timers.Timeout,
		AllowDynamicPeers: cfg.AllowDynamicPeers,
	}, datagram, n.heartbeatStats, n.termInfo, logging.Component(base, "membership"))

	n.election = cluster.NewElection(n.self, cluster.ElectionConfig{
		Timeout:     cfg.Timers.Timeout,
		Election:    cfg.Timers.Election,
		Coordinator: cfg.Timers.Coordinator,
		Bootstrap:   cfg.Timers.Bootstrap,
	}, n.membership, datagram, logging.Component(base, "election"))

	n.leaderSvc = coordinator.NewLeaderService(n.self, coordinator.LeaderConfig{
		K:             cfg.ReplicationFactor,
		ReplTimeout:   cfg.Timers.Replication,
		SnapshotEvery: cfg.Timers.Snapshot,
	}, n.location, n.membership, n.provider, peerCaller, logging.Component(base, "leader"))

	n.replicator = coordinator.NewReplicator(n.self, coordinator.ReplicatorConfig{
		K:           cfg.ReplicationFactor,
		Quorum:      cfg.QuorumTarget(),
		ReplTimeout: cfg.Timers.Replication,
	}, n.provider, n.vectorizer, n.membership, n, peerCaller, n.location,
		logging.Component(base, "replication"))

	n.router = coordinator.NewRouter(n.self, coordinator.RouterConfig{
		QueryTimeout:  cfg.Timers.Query,
		MaxCandidates: cfg.MaxCandidates,
		MaxResults:    10,
	}, n.provider, n.vectorizer, n.membership, n, peerCaller, n.location, n.tracker,
		logging.Component(base, "router"))

	rpcServer, err := transport.ListenRPC(cfg.BindRPC, n.dispatchRPC, n.termLeader,
		logging.Component(base, "rpc-server"))
	if err != nil {
		datagram.Close()
		provider.Close()
		return nil, err
	}
	n.rpcServer = rpcServer

	return n, nil
}

// Start launches the control plane, the coordinator watcher and the HTTP
// façade.
func (n *Node) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.membership.Start(ctx)
	n.election.Start(ctx)
	n.ready.Store(true)

	n.wg.Add(2)
	go n.watchRoleChanges(ctx)
	go n.watchSnapshots(ctx)

	verifier := newVerifier(n.cfg.AuthVerifierAddr)
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	httpLog := logging.Component(n.log, "http")
	engine.Use(api.Logger(httpLog), api.Recovery(httpLog))
	api.NewHandler(n, verifier, n.metrics).Register(engine)

	ln, err := net.Listen("tcp", n.cfg.BindHTTP)
	if err != nil {
		cancel()
		return fmt.Errorf("listen http %s: %w", n.cfg.BindHTTP, err)
	}
	n.httpServer = &http.Server{Handler: engine}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			n.log.Error().Err(err).Msg("http server exited")
		}
	}()

	n.log.Info().
		Str("http", n.cfg.BindHTTP).
		Str("rpc", n.cfg.BindRPC).
		Str("heartbeat", n.cfg.BindHeartbeat).
		Int("peers", len(n.cfg.Peers)).
		Msg("node started")
	return nil
}

// Shutdown stops the node: HTTP first so no new work arrives, then the
// control plane, then the leader duties (with a final snapshot), then the
// transports and storage.
func (n *Node) Shutdown(ctx context.Context) {
	n.log.Info().Msg("shutting down")
	if n.httpServer != nil {
		shCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = n.httpServer.Shutdown(shCtx)
		cancel()
	}
	n.cancel()
	n.membership.Wait()
	n.election.Wait()
	n.leaderSvc.Stop()
	n.replicator.AbortTickets()
	n.rpcServer.Close()
	n.datagram.Close()
	n.wg.Wait()
	if err := n.provider.Close(); err != nil {
		n.log.Error().Err(err).Msg("closing local index")
	}
	n.log.Info().Msg("shutdown complete")
}

// ─── Wiring callbacks ─────────────────────────────────────────────────────────

// Leader implements coordinator.LeaderView.
func (n *Node) Leader() (string, bool) {
	s := n.election.State()
	return s.LeaderID, s.Role == cluster.RoleCoordinator
}

func (n *Node) termInfo() (uint64, string) {
	return n.election.TermInfo()
}

// termLeader adapts to the RPC server's reply echo.
func (n *Node) termLeader() (string, uint64) {
	s := n.election.State()
	return s.LeaderID, s.Term
}

// leaderHint feeds leader ids echoed on RPC replies back into the election
// state.
func (n *Node) leaderHint(leaderID string, term uint64) {
	if n.ready.Load() {
		n.election.ObserveHeartbeat("", term, leaderID)
	}
}

// heartbeatStats assembles the summary stats carried on heartbeats. The
// heartbeat emitter calls it every round, so it never blocks on the network;
// it only touches the local index.
func (n *Node) heartbeatStats() (transport.PeerStats, uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stats, err := n.provider.Stats(ctx)
	if err != nil {
		n.log.Warn().Err(err).Msg("stats for heartbeat failed")
	}
	digest, err := n.provider.CombinedDigest(ctx)
	if err != nil {
		n.log.Warn().Err(err).Msg("digest for heartbeat failed")
	}
	load := float64(n.inflight.Load()) / loadScoreScale
	if load > 1 {
		load = 1
	}
	n.metrics.HeartbeatsSent.Inc()
	return transport.PeerStats{
		DocCount:  stats.DocCount,
		TermCount: stats.TermCount,
		LoadScore: load,
	}, digest
}

// ─── Datagram dispatch ────────────────────────────────────────────────────────

func (n *Node) handleDatagram(from *net.UDPAddr, env transport.Envelope) {
	if !n.ready.Load() {
		return
	}
	switch env.Tag {
	case transport.TagPing:
		var ping transport.Ping
		if err := json.Unmarshal(env.Body, &ping); err != nil {
			n.log.Debug().Err(err).Msg("malformed PING")
			return
		}
		n.metrics.HeartbeatsReceived.Inc()
		n.membership.ObservePing(ping)
		n.election.ObserveHeartbeat(ping.SenderID, ping.Term, ping.LeaderID)
		if ping.SenderID != n.self.NodeID && ping.HeartbeatAddr != "" {
			term, leader := n.election.TermInfo()
			pong := transport.Pong{
				SenderID:    n.self.NodeID,
				Term:        term,
				LeaderID:    leader,
				MonotonicTS: time.Now().UnixNano(),
			}
			_ = n.datagram.Send(ping.HeartbeatAddr, transport.TagPong, pong)
		}

	case transport.TagPong:
		var pong transport.Pong
		if err := json.Unmarshal(env.Body, &pong); err != nil {
			return
		}
		n.membership.ObservePong(pong)
		n.election.ObserveHeartbeat(pong.SenderID, pong.Term, pong.LeaderID)

	case transport.TagElection:
		var msg transport.ElectionMsg
		if err := json.Unmarshal(env.Body, &msg); err != nil {
			return
		}
		n.election.HandleElection(msg)

	case transport.TagElectionOK:
		var msg transport.ElectionOK
		if err := json.Unmarshal(env.Body, &msg); err != nil {
			return
		}
		n.election.HandleElectionOK(msg)

	case transport.TagCoordinator:
		var msg transport.CoordinatorMsg
		if err := json.Unmarshal(env.Body, &msg); err != nil {
			return
		}
		n.election.HandleCoordinator(msg)

	default:
		n.log.Debug().Str("tag", env.Tag).Str("from", from.String()).Msg("unknown datagram tag")
	}
}

// ─── RPC dispatch ─────────────────────────────────────────────────────────────

func (n *Node) dispatchRPC(ctx context.Context, rpcType string, body json.RawMessage) (any, error) {
	switch rpcType {
	case transport.RPCSearchLocal:
		var req coordinator.SearchLocalRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("%w: bad search_local body: %v", fault.ErrInternal, err)
		}
		results, err := n.provider.Search(ctx, req.Query, req.K)
		if err != nil {
			return nil, err
		}
		return coordinator.SearchLocalResponse{Results: results}, nil

	case transport.RPCReplicateDoc:
		var req coordinator.ReplicateDocRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("%w: bad replicate_doc body: %v", fault.ErrInternal, err)
		}
		return n.replicator.HandleReplicate(ctx, req)

	case transport.RPCRollbackDoc:
		var req coordinator.RollbackDocRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("%w: bad rollback_doc body: %v", fault.ErrInternal, err)
		}
		return n.replicator.HandleRollback(ctx, req)

	case transport.RPCLocateQuery:
		var req coordinator.LocateQueryRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("%w: bad locate_query body: %v", fault.ErrInternal, err)
		}
		return n.leaderSvc.HandleLocateQuery(ctx, req)

	case transport.RPCPlacementUpdate:
		var req coordinator.PlacementUpdateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("%w: bad placement_update body: %v", fault.ErrInternal, err)
		}
		return n.leaderSvc.HandlePlacementUpdate(ctx, req)

	case transport.RPCDigestRequest:
		var req coordinator.DigestRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("%w: bad digest_request body: %v", fault.ErrInternal, err)
		}
		return n.replicator.HandleDigest(ctx, req)

	case transport.RPCFetchDoc:
		var req coordinator.FetchDocRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("%w: bad fetch_doc body: %v", fault.ErrInternal, err)
		}
		return n.replicator.HandleFetchDoc(ctx, req)

	default:
		return nil, fmt.Errorf("%w: unknown rpc type %q", fault.ErrInternal, rpcType)
	}
}

// ─── Background watchers ──────────────────────────────────────────────────────

// watchRoleChanges starts and stops coordinator duties as the election
// promotes and demotes this node.
func (n *Node) watchRoleChanges(ctx context.Context) {
	defer n.wg.Done()
	changes := n.election.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-changes:
			switch change.Role {
			case cluster.RoleCoordinator:
				n.metrics.RoleGauge.Set(2)
				if err := n.leaderSvc.Start(); err != nil {
					n.log.Error().Err(err).Msg("starting coordinator duties failed")
				}
			default:
				n.metrics.RoleGauge.Set(0)
				n.leaderSvc.Stop()
				// After Stop, locate_query and placement_update answer
				// LEADER_CHANGED. Write tickets are only forgotten; running
				// writes are not interrupted.
				n.replicator.AbortTickets()
			}
			n.metrics.TermGauge.Set(float64(change.Term))
		}
	}
}

// watchSnapshots feeds membership generations into the freshness tracker
// and the gauges.
func (n *Node) watchSnapshots(ctx context.Context) {
	defer n.wg.Done()
	snapshots := n.membership.Subscribe()
	prevStatus := make(map[string]cluster.Status)
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-snapshots:
			n.tracker.Observe(snap)
			n.metrics.PeersOnline.Set(float64(len(snap.Online())))
			for _, p := range snap.Peers {
				if p.NodeID == n.self.NodeID {
					continue
				}
				if prev, seen := prevStatus[p.NodeID]; !seen || prev != p.Status {
					n.metrics.PeerTransitions.WithLabelValues(p.Status.String()).Inc()
				}
				prevStatus[p.NodeID] = p.Status
			}
			if n.leaderSvc.Running() {
				st := n.location.Stats(snap)
				n.metrics.Placements.Set(float64(st.Placements))
				n.metrics.DegradedPlacements.Set(float64(st.Degraded))
			}
		}
	}
}

// ─── api.Core ─────────────────────────────────────────────────────────────────

// Write implements api.Core.
func (n *Node) Write(ctx context.Context, docID, content string, metadata map[string]string) (string, error) {
	n.inflight.Add(1)
	defer n.inflight.Add(-1)
	return n.replicator.Write(ctx, docID, content, metadata)
}

// Search implements api.Core.
func (n *Node) Search(ctx context.Context, query string, maxResults int) (coordinator.SearchResponse, error) {
	n.inflight.Add(1)
	defer n.inflight.Add(-1)
	return n.router.Search(ctx, query, maxResults)
}

// Status implements api.Core.
func (n *Node) Status() api.StatusReport {
	state := n.election.State()
	snap := n.membership.Current()

	report := api.StatusReport{
		NodeID:   n.self.NodeID,
		Role:     state.Role.String(),
		Term:     state.Term,
		LeaderID: state.LeaderID,
	}
	now := time.Now()
	for _, p := range snap.Peers {
		ps := api.PeerStatus{
			NodeID:    p.NodeID,
			Status:    p.Status.String(),
			DocCount:  p.DocCount,
			TermCount: p.TermCount,
			LoadScore: p.LoadScore,
		}
		if !p.LastHeartbeat.IsZero() {
			ps.LastHeartbeat = now.Sub(p.LastHeartbeat).Round(time.Millisecond).String()
		}
		report.Peers = append(report.Peers, ps)
	}
	if n.leaderSvc.Running() {
		st := n.location.Stats(snap)
		report.Placements = &st
	}
	return report
}

// ─── Credential verifier ──────────────────────────────────────────────────────

// httpVerifier delegates the opaque credential check to an external
// endpoint. A 2xx means accepted.
type httpVerifier struct {
	addr   string
	client *http.Client
}

func newVerifier(addr string) api.Verifier {
	if addr == "" {
		return nil
	}
	return &httpVerifier{addr: addr, client: &http.Client{Timeout: 2 * time.Second}}
}

func (v *httpVerifier) Verify(ctx context.Context, credential string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.addr, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", credential)
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("verifier unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("credential rejected (http %d)", resp.StatusCode)
	}
	return nil
}
