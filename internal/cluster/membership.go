package cluster

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"distributed-search/internal/transport"
)

// HeartbeatSender is the datagram surface Membership needs. Satisfied by
// *transport.Datagram; tests substitute an in-memory fake.
type HeartbeatSender interface {
	Send(dest, tag string, body any) error
}

// StatsFunc supplies this node's summary stats and doc digest for outgoing
// heartbeats. It must not block on I/O.
type StatsFunc func() (stats transport.PeerStats, docDigest uint64)

// TermFunc supplies the current term and believed leader for outgoing
// heartbeats.
type TermFunc func() (term uint64, leaderID string)

// MembershipConfig carries the knobs Membership needs.
type MembershipConfig struct {
	Heartbeat         time.Duration // T_hb
	Timeout           time.Duration // T_timeout
	AllowDynamicPeers bool
}

// Membership owns the peer table. It is the single writer; everyone else
// reads immutable snapshots.
type Membership struct {
	self   Identity
	cfg    MembershipConfig
	sender HeartbeatSender
	stats  StatsFunc
	term   TermFunc
	log    zerolog.Logger

	mu    sync.Mutex
	peers map[string]*PeerRecord
	gen   uint64
	subs  []*subscriber
	last  Snapshot

	wg sync.WaitGroup
}

// NewMembership seeds the table with self (ONLINE) and the configured
// peers (STARTING until their first heartbeat).
func NewMembership(self Identity, peers []Identity, cfg MembershipConfig, sender HeartbeatSender, stats StatsFunc, term TermFunc, log zerolog.Logger) *Membership {
	m := &Membership{
		self:   self,
		cfg:    cfg,
		sender: sender,
		stats:  stats,
		term:   term,
		log:    log,
		peers:  make(map[string]*PeerRecord),
	}
	m.peers[self.NodeID] = &PeerRecord{Identity: self, Status: StatusOnline, LastHeartbeat: time.Now()}
	for _, p := range peers {
		m.peers[p.NodeID] = &PeerRecord{Identity: p, Status: StatusStarting}
	}
	m.mu.Lock()
	m.last = m.snapshotLocked()
	m.mu.Unlock()
	return m
}

// Start launches the emitter and scanner tasks. They stop when ctx ends.
func (m *Membership) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.emitLoop(ctx)
	go m.scanLoop(ctx)
}

// Wait blocks until the background tasks have exited.
func (m *Membership) Wait() {
	m.wg.Wait()
}

// ─── Heartbeat emit ───────────────────────────────────────────────────────────

func (m *Membership) emitLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Heartbeat)
	defer ticker.Stop()
	m.emitHeartbeats() // first beat immediately, not after T_hb
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.emitHeartbeats()
		}
	}
}

func (m *Membership) emitHeartbeats() {
	stats, digest := m.stats()
	term, leader := m.term()
	ping := transport.Ping{
		SenderID:      m.self.NodeID,
		Term:          term,
		LeaderID:      leader,
		Stats:         stats,
		MonotonicTS:   time.Now().UnixNano(),
		DocDigest:     digest,
		RPCAddr:       m.self.RPCAddr,
		HeartbeatAddr: m.self.HeartbeatAddr,
		Zone:          m.self.Zone,
	}

	m.mu.Lock()
	self := m.peers[m.self.NodeID]
	self.DocCount = stats.DocCount
	self.TermCount = stats.TermCount
	self.LoadScore = stats.LoadScore
	self.DocDigest = digest
	self.LastHeartbeat = time.Now()
	dests := make([]string, 0, len(m.peers))
	for id, p := range m.peers {
		if id != m.self.NodeID && p.HeartbeatAddr != "" {
			dests = append(dests, p.HeartbeatAddr)
		}
	}
	m.mu.Unlock()

	for _, dest := range dests {
		if err := m.sender.Send(dest, transport.TagPing, ping); err != nil {
			m.log.Debug().Str("dest", dest).Err(err).Msg("heartbeat send failed")
		}
	}
}

// ─── Heartbeat receive ────────────────────────────────────────────────────────

// ObservePing records a received heartbeat. Duplicates are idempotent;
// reordered heartbeats never move LastHeartbeat backwards.
func (m *Membership) ObservePing(ping transport.Ping) {
	m.observe(ping.SenderID, ping.MonotonicTS, func(rec *PeerRecord) {
		rec.DocCount = ping.Stats.DocCount
		rec.TermCount = ping.Stats.TermCount
		rec.LoadScore = ping.Stats.LoadScore
		rec.DocDigest = ping.DocDigest
		if ping.RPCAddr != "" {
			rec.RPCAddr = ping.RPCAddr
		}
		if ping.HeartbeatAddr != "" {
			rec.HeartbeatAddr = ping.HeartbeatAddr
		}
		if ping.Zone != "" {
			rec.Zone = ping.Zone
		}
	})
}

// ObservePong records liveness from a PONG.
func (m *Membership) ObservePong(pong transport.Pong) {
	m.observe(pong.SenderID, pong.MonotonicTS, nil)
}

func (m *Membership) observe(senderID string, senderTS int64, update func(*PeerRecord)) {
	if senderID == m.self.NodeID {
		// Spoof or loopback: our own id arriving from the network.
		m.log.Warn().Msg("discarding heartbeat carrying own node id")
		return
	}

	m.mu.Lock()
	rec, known := m.peers[senderID]
	if !known {
		if !m.cfg.AllowDynamicPeers {
			m.mu.Unlock()
			m.log.Warn().Str("peer", senderID).Msg("discarding heartbeat from unknown peer")
			return
		}
		rec = &PeerRecord{Identity: Identity{NodeID: senderID}, Status: StatusStarting}
		m.peers[senderID] = rec
		m.log.Info().Str("peer", senderID).Msg("admitting dynamic peer")
	}

	if senderTS != 0 && senderTS <= rec.senderTS {
		// Duplicate or reordered: keep the fresher observation.
		m.mu.Unlock()
		return
	}
	rec.senderTS = senderTS
	rec.LastHeartbeat = time.Now()
	if update != nil {
		update(rec)
	}

	var snap *Snapshot
	if rec.Status != StatusOnline {
		prev := rec.Status
		rec.Status = StatusOnline
		s := m.snapshotLocked()
		snap = &s
		m.log.Info().Str("peer", senderID).Stringer("from", prev).Msg("peer ONLINE")
	}
	m.mu.Unlock()

	if snap != nil {
		m.publish(*snap)
	}
}

// ─── Scanner ──────────────────────────────────────────────────────────────────

func (m *Membership) scanLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Heartbeat / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scan(time.Now())
		}
	}
}

// scan ages peers. Exported to the package for tests via scan(now).
func (m *Membership) scan(now time.Time) {
	m.mu.Lock()
	var changed bool
	for id, rec := range m.peers {
		if id == m.self.NodeID {
			continue
		}
		age := now.Sub(rec.LastHeartbeat)
		switch rec.Status {
		case StatusOnline:
			if age >= m.cfg.Timeout {
				rec.Status = StatusOffline
				changed = true
				m.log.Warn().Str("peer", id).Dur("silent_for", age).Msg("peer OFFLINE")
			} else if age >= 2*m.cfg.Heartbeat {
				// Observability-only middle state; no snapshot.
				rec.Status = StatusSuspected
			}
		case StatusSuspected:
			if age >= m.cfg.Timeout {
				rec.Status = StatusOffline
				changed = true
				m.log.Warn().Str("peer", id).Dur("silent_for", age).Msg("peer OFFLINE")
			}
		}
	}
	var snap *Snapshot
	if changed {
		s := m.snapshotLocked()
		snap = &s
	}
	m.mu.Unlock()

	if snap != nil {
		m.publish(*snap)
	}
}

// ─── Snapshots & subscribers ──────────────────────────────────────────────────

func (m *Membership) snapshotLocked() Snapshot {
	m.gen++
	peers := make([]PeerRecord, 0, len(m.peers))
	for _, rec := range m.peers {
		r := *rec
		if r.Status == StatusSuspected {
			// SUSPECTED has no external effect beyond observability.
			r.Status = StatusOnline
		}
		peers = append(peers, r)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].NodeID < peers[j].NodeID })
	snap := Snapshot{Generation: m.gen, TakenAt: time.Now(), Peers: peers}
	m.last = snap
	return snap
}

func (m *Membership) publish(snap Snapshot) {
	m.mu.Lock()
	subs := make([]*subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()
	for _, s := range subs {
		s.push(snap)
	}
}

// Subscribe registers a consumer. The current snapshot is delivered first,
// then every later one in strict generation order. The publisher never
// blocks on a slow subscriber.
func (m *Membership) Subscribe() <-chan Snapshot {
	s := newSubscriber()
	m.mu.Lock()
	m.subs = append(m.subs, s)
	current := m.last
	m.mu.Unlock()
	s.push(current)
	return s.out
}

// Current returns the latest snapshot without subscribing.
func (m *Membership) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// PeersOnline returns ONLINE records sorted by node id, self included.
func (m *Membership) PeersOnline() []PeerRecord {
	return m.Current().Online()
}

// Self returns this node's identity.
func (m *Membership) Self() Identity {
	return m.self
}

// Peer returns the live record for nodeID from the latest snapshot.
func (m *Membership) Peer(nodeID string) (PeerRecord, bool) {
	return m.Current().Lookup(nodeID)
}

// subscriber decouples publish from delivery with an unbounded in-order
// queue drained by one goroutine per subscriber.
type subscriber struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []Snapshot
	out   chan Snapshot
}

func newSubscriber() *subscriber {
	s := &subscriber{out: make(chan Snapshot)}
	s.cond = sync.NewCond(&s.mu)
	go s.drain()
	return s
}

func (s *subscriber) push(snap Snapshot) {
	s.mu.Lock()
	s.queue = append(s.queue, snap)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscriber) drain() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			s.cond.Wait()
		}
		snap := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.out <- snap
	}
}
