package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"distributed-search/internal/transport"
)

// Role is the election role of this node.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleCoordinator
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "FOLLOWER"
	case RoleCandidate:
		return "CANDIDATE"
	case RoleCoordinator:
		return "COORDINATOR"
	default:
		return "UNKNOWN"
	}
}

// RoleChange notifies the node that coordinator duties must start or stop.
type RoleChange struct {
	Role Role
	Term uint64
}

// ElectionState is the externally visible election state.
type ElectionState struct {
	Role     Role   `json:"role"`
	Term     uint64 `json:"term"`
	LeaderID string `json:"leader_id"`
}

// ElectionConfig carries the election timers.
type ElectionConfig struct {
	Timeout     time.Duration // T_timeout: leader silence before a new round
	Election    time.Duration // T_elect: wait for ELECTION_OK
	Coordinator time.Duration // T_coord: wait for COORDINATOR after yielding
	Bootstrap   time.Duration // boot grace before the first round
}

// event funnels every input into the single state-machine task.
type event struct {
	kind     eventKind
	senderID string
	term     uint64
	leaderID string
}

type eventKind int

const (
	evHeartbeat eventKind = iota
	evElection
	evElectionOK
	evCoordinator
	evLeaderLost
)

// Election is a Bully state machine. All state is confined to the run
// task; the rest of the node reads it through State() which copies under a
// narrow mutex updated by the task.
type Election struct {
	self       Identity
	cfg        ElectionConfig
	membership *Membership
	sender     HeartbeatSender
	log        zerolog.Logger

	events  chan event
	changes chan RoleChange

	// Published copy of the confined state.
	mu    sync.Mutex
	state ElectionState

	// Task-confined fields below; only the run goroutine touches them.
	role     Role
	term     uint64
	leaderID string

	bootstrap *time.Timer // no leader seen since boot
	watchdog  *time.Timer // leader heartbeat aged out
	deadline  *time.Timer // CANDIDATE: waiting for ELECTION_OK
	coordWait *time.Timer // yielded: waiting for COORDINATOR
	resend    *time.Ticker

	wg sync.WaitGroup
}

// NewElection wires the state machine. Boot state is FOLLOWER, term 0, no
// leader.
func NewElection(self Identity, cfg ElectionConfig, membership *Membership, sender HeartbeatSender, log zerolog.Logger) *Election {
	e := &Election{
		self:       self,
		cfg:        cfg,
		membership: membership,
		sender:     sender,
		log:        log,
		events:     make(chan event, 128),
		changes:    make(chan RoleChange, 8),
		role:       RoleFollower,
	}
	e.state = ElectionState{Role: RoleFollower}
	return e
}

// Changes delivers coordinator enter/exit notifications.
func (e *Election) Changes() <-chan RoleChange {
	return e.changes
}

// State returns a copy of the current election state.
func (e *Election) State() ElectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// TermInfo satisfies TermFunc for Membership's outgoing heartbeats.
func (e *Election) TermInfo() (uint64, string) {
	s := e.State()
	return s.Term, s.LeaderID
}

// ─── External inputs (called from transport handlers) ─────────────────────────

// ObserveHeartbeat feeds leader liveness from an incoming PING.
func (e *Election) ObserveHeartbeat(senderID string, term uint64, leaderID string) {
	e.post(event{kind: evHeartbeat, senderID: senderID, term: term, leaderID: leaderID})
}

// HandleElection processes an ELECTION datagram.
func (e *Election) HandleElection(msg transport.ElectionMsg) {
	e.post(event{kind: evElection, senderID: msg.SenderID, term: msg.Term})
}

// HandleElectionOK processes an ELECTION_OK datagram.
func (e *Election) HandleElectionOK(msg transport.ElectionOK) {
	e.post(event{kind: evElectionOK, senderID: msg.SenderID, term: msg.Term})
}

// HandleCoordinator processes a COORDINATOR datagram.
func (e *Election) HandleCoordinator(msg transport.CoordinatorMsg) {
	e.post(event{kind: evCoordinator, senderID: msg.SenderID, term: msg.Term})
}

func (e *Election) post(ev event) {
	select {
	case e.events <- ev:
	default:
		// The queue is sized far beyond any legitimate burst; shedding here
		// only delays convergence, never breaks safety.
		e.log.Warn().Int("kind", int(ev.kind)).Msg("election event queue full, dropping")
	}
}

// ─── State machine task ───────────────────────────────────────────────────────

// Start launches the state-machine task and the membership watcher.
func (e *Election) Start(ctx context.Context) {
	snapshots := e.membership.Subscribe()
	e.wg.Add(2)
	go e.watchMembership(ctx, snapshots)
	go e.run(ctx)
}

// Wait blocks until the tasks have exited.
func (e *Election) Wait() {
	e.wg.Wait()
}

// watchMembership turns "the leader went OFFLINE" into an event.
func (e *Election) watchMembership(ctx context.Context, snapshots <-chan Snapshot) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-snapshots:
			s := e.State()
			if s.LeaderID != "" && s.LeaderID != e.self.NodeID && !snap.IsOnline(s.LeaderID) {
				e.post(event{kind: evLeaderLost, senderID: s.LeaderID})
			}
		}
	}
}

func (e *Election) run(ctx context.Context) {
	defer e.wg.Done()

	e.bootstrap = time.NewTimer(e.cfg.Bootstrap)
	e.watchdog = time.NewTimer(e.cfg.Timeout)
	stopTimer(e.watchdog) // armed once a leader is known
	e.deadline = time.NewTimer(time.Hour)
	stopTimer(e.deadline)
	e.coordWait = time.NewTimer(time.Hour)
	stopTimer(e.coordWait)
	e.resend = time.NewTicker(time.Hour)
	e.resend.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.role == RoleCoordinator {
				e.notify(RoleChange{Role: RoleFollower, Term: e.term})
			}
			return

		case ev := <-e.events:
			e.handle(ev)

		case <-e.bootstrap.C:
			if e.leaderID == "" && e.role == RoleFollower {
				e.log.Info().Msg("no leader after bootstrap grace, starting election")
				e.startElection()
			}

		case <-e.watchdog.C:
			if e.role == RoleFollower && e.leaderID != "" && e.leaderID != e.self.NodeID {
				e.log.Warn().Str("leader", e.leaderID).Msg("leader heartbeat aged out, starting election")
				e.startElection()
			}

		case <-e.deadline.C:
			if e.role == RoleCandidate {
				// No higher node objected within T_elect.
				e.becomeCoordinator()
			}

		case <-e.coordWait.C:
			if e.role == RoleFollower && e.leaderID == "" {
				e.log.Warn().Msg("yielded but no COORDINATOR arrived, retrying election")
				e.startElection()
			}

		case <-e.resend.C:
			if e.role == RoleCandidate {
				e.sendElectionToHigher()
			}
		}
	}
}

func (e *Election) handle(ev event) {
	switch ev.kind {
	case evHeartbeat:
		if ev.senderID == e.leaderID && e.leaderID != "" {
			resetTimer(e.watchdog, e.cfg.Timeout)
		}
		// Adopt a leader advertised at a higher term, or fill in an unknown
		// one: RPC replies and heartbeats both refresh the leader cache.
		if ev.leaderID != "" && (ev.term > e.term || (e.leaderID == "" && ev.term >= e.term && e.role != RoleCandidate)) {
			e.adoptLeader(ev.leaderID, maxTerm(ev.term, e.term))
		}

	case evElection:
		if ev.senderID >= e.self.NodeID {
			// Bully sends ELECTION only upward; anything else is noise.
			e.log.Debug().Str("from", ev.senderID).Msg("ignoring ELECTION from non-lower id")
			return
		}
		e.sendTo(ev.senderID, transport.TagElectionOK, transport.ElectionOK{SenderID: e.self.NodeID, Term: maxTerm(ev.term, e.term)})
		if e.role == RoleCoordinator && ev.term <= e.term {
			// Reaffirm instead of re-running the round.
			e.broadcastCoordinator()
			return
		}
		if ev.term > e.term {
			e.term = ev.term
		}
		if e.role != RoleCandidate {
			e.startElection()
		}

	case evElectionOK:
		if e.role != RoleCandidate {
			return
		}
		if ev.senderID <= e.self.NodeID {
			return
		}
		// A higher node took over the round: yield and wait for its
		// COORDINATOR announcement.
		e.role = RoleFollower
		stopTimer(e.deadline)
		e.resend.Stop()
		resetTimer(e.coordWait, e.cfg.Coordinator)
		e.publishState()
		e.log.Info().Str("higher", ev.senderID).Msg("yielding election to higher node")

	case evCoordinator:
		e.onCoordinator(ev.senderID, ev.term)

	case evLeaderLost:
		if ev.senderID == e.leaderID && e.role == RoleFollower {
			e.log.Warn().Str("leader", ev.senderID).Msg("leader OFFLINE in membership, starting election")
			e.startElection()
		}
	}
}

func (e *Election) onCoordinator(senderID string, term uint64) {
	switch {
	case term < e.term:
		return // stale round
	case term == e.term && e.role == RoleCoordinator:
		if senderID > e.self.NodeID {
			// Two coordinators for one term: higher id wins, we demote.
			e.log.Warn().Str("winner", senderID).Uint64("term", term).Msg("losing coordinator tie-break, demoting")
			e.adoptLeader(senderID, term)
		} else if senderID < e.self.NodeID {
			e.broadcastCoordinator()
		}
	default:
		e.adoptLeader(senderID, term)
	}
}

// ─── Transitions ──────────────────────────────────────────────────────────────

func (e *Election) startElection() {
	wasCoordinator := e.role == RoleCoordinator
	e.role = RoleCandidate
	e.term++
	e.leaderID = ""
	stopTimer(e.watchdog)
	stopTimer(e.coordWait)
	stopTimer(e.bootstrap)
	e.publishState()
	if wasCoordinator {
		e.notify(RoleChange{Role: RoleFollower, Term: e.term})
	}

	higher := e.sendElectionToHigher()
	if higher == 0 {
		// Highest configured id: claim immediately.
		e.becomeCoordinator()
		return
	}
	resetTimer(e.deadline, e.cfg.Election)
	e.resend.Reset(maxDuration(e.cfg.Election/3, 10*time.Millisecond))
	e.log.Info().Uint64("term", e.term).Int("higher_peers", higher).Msg("election started")
}

// sendElectionToHigher returns how many higher-id peers were addressed.
func (e *Election) sendElectionToHigher() int {
	msg := transport.ElectionMsg{SenderID: e.self.NodeID, Term: e.term}
	n := 0
	for _, p := range e.membership.Current().Peers {
		if p.NodeID <= e.self.NodeID {
			continue
		}
		n++
		e.sendTo(p.NodeID, transport.TagElection, msg)
	}
	return n
}

func (e *Election) becomeCoordinator() {
	e.role = RoleCoordinator
	e.leaderID = e.self.NodeID
	stopTimer(e.deadline)
	stopTimer(e.coordWait)
	stopTimer(e.watchdog)
	e.resend.Stop()
	e.publishState()
	e.broadcastCoordinator()
	e.log.Info().Uint64("term", e.term).Msg("assumed COORDINATOR role")
	e.notify(RoleChange{Role: RoleCoordinator, Term: e.term})
}

func (e *Election) adoptLeader(leaderID string, term uint64) {
	wasCoordinator := e.role == RoleCoordinator
	e.role = RoleFollower
	e.leaderID = leaderID
	e.term = term
	stopTimer(e.deadline)
	stopTimer(e.coordWait)
	stopTimer(e.bootstrap)
	e.resend.Stop()
	resetTimer(e.watchdog, e.cfg.Timeout)
	e.publishState()
	e.log.Info().Str("leader", leaderID).Uint64("term", term).Msg("following leader")
	if wasCoordinator {
		e.notify(RoleChange{Role: RoleFollower, Term: term})
	}
}

func (e *Election) broadcastCoordinator() {
	msg := transport.CoordinatorMsg{SenderID: e.self.NodeID, Term: e.term}
	for _, p := range e.membership.Current().Peers {
		if p.NodeID == e.self.NodeID {
			continue
		}
		e.sendTo(p.NodeID, transport.TagCoordinator, msg)
	}
}

func (e *Election) sendTo(nodeID, tag string, body any) {
	rec, ok := e.membership.Peer(nodeID)
	if !ok || rec.HeartbeatAddr == "" {
		e.log.Debug().Str("peer", nodeID).Msg("no address for election message")
		return
	}
	if err := e.sender.Send(rec.HeartbeatAddr, tag, body); err != nil {
		e.log.Debug().Str("peer", nodeID).Err(err).Msg("election send failed")
	}
}

func (e *Election) publishState() {
	e.mu.Lock()
	e.state = ElectionState{Role: e.role, Term: e.term, LeaderID: e.leaderID}
	e.mu.Unlock()
}

func (e *Election) notify(change RoleChange) {
	select {
	case e.changes <- change:
	default:
		e.log.Error().Msg("role change queue full; consumer wedged")
	}
}

// ─── Timer helpers ────────────────────────────────────────────────────────────

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}

func maxTerm(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
