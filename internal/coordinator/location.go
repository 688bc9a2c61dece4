package coordinator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"distributed-search/internal/cluster"
	"distributed-search/internal/vector"
)

// PlacementState classifies the health of one placement.
type PlacementState int

const (
	PlacementHealthy PlacementState = iota
	PlacementUnderReplicated
	PlacementDegraded
)

func (s PlacementState) String() string {
	switch s {
	case PlacementHealthy:
		return "HEALTHY"
	case PlacementUnderReplicated:
		return "UNDER_REPLICATED"
	case PlacementDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

// Placement maps one document to its holders. The primary is never listed
// among the replicas.
type Placement struct {
	DocID       string             `json:"doc_id"`
	Fingerprint vector.Fingerprint `json:"fingerprint"`
	Primary     string             `json:"primary"`
	Replicas    []string           `json:"replicas"`
	Target      int                `json:"replication_target"`
	Degraded    bool               `json:"degraded,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Holders returns primary plus replicas.
func (p Placement) Holders() []string {
	out := make([]string, 0, len(p.Replicas)+1)
	out = append(out, p.Primary)
	out = append(out, p.Replicas...)
	return out
}

// HasHolder reports whether nodeID holds this doc.
func (p Placement) HasHolder(nodeID string) bool {
	if p.Primary == nodeID {
		return true
	}
	for _, r := range p.Replicas {
		if r == nodeID {
			return true
		}
	}
	return false
}

// State classifies the placement against the ONLINE set.
func (p Placement) State(snap cluster.Snapshot) PlacementState {
	live := 0
	for _, h := range p.Holders() {
		if snap.IsOnline(h) {
			live++
		}
	}
	switch {
	case live == 0, p.Degraded:
		return PlacementDegraded
	case live < p.Target:
		return PlacementUnderReplicated
	default:
		return PlacementHealthy
	}
}

// LocationStats summarize the table for /status.
type LocationStats struct {
	Placements int `json:"placements"`
	Degraded   int `json:"degraded"`
}

// nodeAggregate accumulates fingerprints of the documents a node holds so
// that locate_query can rank by cosine against the mean without rescanning.
type nodeAggregate struct {
	sum   [vector.Dim]float64
	count int
}

func (a *nodeAggregate) add(fp vector.Fingerprint) {
	for i, v := range fp {
		a.sum[i] += float64(v)
	}
	a.count++
}

func (a *nodeAggregate) remove(fp vector.Fingerprint) {
	for i, v := range fp {
		a.sum[i] -= float64(v)
	}
	a.count--
}

func (a *nodeAggregate) mean() vector.Fingerprint {
	var out vector.Fingerprint
	if a.count == 0 {
		return out
	}
	for i := range out {
		out[i] = float32(a.sum[i] / float64(a.count))
	}
	return out
}

// LocationIndex is the leader's map of where documents live. Single
// writer: only the coordinator role mutates it. State is in memory with a
// periodic atomic snapshot to disk; on election the next leader rebuilds
// from its snapshot plus peer digests.
type LocationIndex struct {
	mu         sync.RWMutex
	placements map[string]*Placement
	aggregates map[string]*nodeAggregate
	generation uint64

	target      int // K
	snapshotDir string
	log         zerolog.Logger
}

// NewLocationIndex creates an empty table for a cluster with replication
// factor target.
func NewLocationIndex(target int, snapshotDir string, log zerolog.Logger) *LocationIndex {
	return &LocationIndex{
		placements:  make(map[string]*Placement),
		aggregates:  make(map[string]*nodeAggregate),
		target:      target,
		snapshotDir: snapshotDir,
		log:         log,
	}
}

// Register creates or replaces a placement. Idempotent on identical input.
func (l *LocationIndex) Register(p Placement) {
	if p.Target == 0 {
		p.Target = l.target
	}
	sort.Strings(p.Replicas)

	l.mu.Lock()
	defer l.mu.Unlock()

	if old, ok := l.placements[p.DocID]; ok {
		if samePlacement(*old, p) {
			return
		}
		for _, h := range old.Holders() {
			l.agg(h).remove(old.Fingerprint)
		}
	}
	cp := p
	l.placements[p.DocID] = &cp
	for _, h := range cp.Holders() {
		l.agg(h).add(cp.Fingerprint)
	}
}

// AddReplica records a late ack: nodeID now also holds docID.
func (l *LocationIndex) AddReplica(docID, nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.placements[docID]
	if !ok || p.HasHolder(nodeID) {
		return
	}
	p.Replicas = append(p.Replicas, nodeID)
	sort.Strings(p.Replicas)
	l.agg(nodeID).add(p.Fingerprint)
}

// RemoveNode strips nodeID from every placement. Documents whose primary
// was removed are re-primaried onto the lowest-id ONLINE replica, or
// flagged degraded when none is ONLINE.
func (l *LocationIndex) RemoveNode(nodeID string, snap cluster.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.aggregates, nodeID)

	for _, p := range l.placements {
		if !p.HasHolder(nodeID) {
			continue
		}
		if p.Primary == nodeID {
			next := ""
			for _, r := range p.Replicas { // sorted: lowest id first
				if r != nodeID && snap.IsOnline(r) {
					next = r
					break
				}
			}
			if next == "" {
				p.Degraded = true
				p.Primary = ""
				p.Replicas = removeString(p.Replicas, nodeID)
				l.log.Warn().Str("doc", p.DocID).Msg("placement DEGRADED: primary offline with no live replica")
				continue
			}
			p.Primary = next
			p.Replicas = removeString(p.Replicas, next)
		}
		p.Replicas = removeString(p.Replicas, nodeID)
	}
}

// Lookup returns the placement for docID.
func (l *LocationIndex) Lookup(docID string) (Placement, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.placements[docID]
	if !ok {
		return Placement{}, false
	}
	return *p, true
}

// candidate is one scored node during locate ranking.
type candidate struct {
	nodeID string
	zone   string
	score  float64
	load   float64
}

// Locate ranks ONLINE nodes by cosine similarity between fp and each
// node's aggregate fingerprint. Ties break on lower load_score, then
// lexicographic node_id. forWrite applies the failure-domain spread hint:
// once a zone contributed a candidate, its remaining nodes sink.
func (l *LocationIndex) Locate(fp vector.Fingerprint, max int, snap cluster.Snapshot, exclude []string, forWrite bool) []string {
	if max <= 0 {
		return nil
	}
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	l.mu.RLock()
	var cands []candidate
	for _, rec := range snap.Online() {
		if excluded[rec.NodeID] {
			continue
		}
		score := 0.0
		if agg, ok := l.aggregates[rec.NodeID]; ok && agg.count > 0 {
			score = vector.Cosine(fp, agg.mean())
		}
		cands = append(cands, candidate{nodeID: rec.NodeID, zone: rec.Zone, score: score, load: rec.LoadScore})
	}
	l.mu.RUnlock()

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		if cands[i].load != cands[j].load {
			return cands[i].load < cands[j].load
		}
		return cands[i].nodeID < cands[j].nodeID
	})

	if forWrite {
		cands = spreadZones(cands)
	}

	out := make([]string, 0, max)
	for _, c := range cands {
		out = append(out, c.nodeID)
		if len(out) == max {
			break
		}
	}
	return out
}

// spreadZones stably reorders so that the first candidate of each zone
// keeps its rank and same-zone followers sink below other zones.
func spreadZones(cands []candidate) []candidate {
	seen := make(map[string]bool)
	var first, rest []candidate
	for _, c := range cands {
		if c.zone == "" || !seen[c.zone] {
			seen[c.zone] = true
			first = append(first, c)
		} else {
			rest = append(rest, c)
		}
	}
	return append(first, rest...)
}

// Stats implements the /status surface.
func (l *LocationIndex) Stats(snap cluster.Snapshot) LocationStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := LocationStats{Placements: len(l.placements)}
	for _, p := range l.placements {
		if p.State(snap) == PlacementDegraded {
			st.Degraded++
		}
	}
	return st
}

// UnderReplicated lists placements whose live holder count is below the
// target but which still have at least one live holder to source from.
func (l *LocationIndex) UnderReplicated(snap cluster.Snapshot) []Placement {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Placement
	for _, p := range l.placements {
		if p.State(snap) == PlacementUnderReplicated {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	return out
}

// All returns a copy of every placement, for /status and tests.
func (l *LocationIndex) All() []Placement {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Placement, 0, len(l.placements))
	for _, p := range l.placements {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	return out
}

// ReconcileDigest lazily repopulates placements from a peer's digest. A
// doc we have never heard of gets a placement with the peer as primary; a
// doc we know of gains the peer as replica if it was missing.
func (l *LocationIndex) ReconcileDigest(nodeID string, digest map[string]uint64, fetchFP func(docID string) (vector.Fingerprint, bool)) {
	for docID := range digest {
		l.mu.RLock()
		p, known := l.placements[docID]
		holds := known && p.HasHolder(nodeID)
		l.mu.RUnlock()

		switch {
		case !known:
			fp, ok := fetchFP(docID)
			if !ok {
				continue
			}
			l.Register(Placement{DocID: docID, Fingerprint: fp, Primary: nodeID, CreatedAt: time.Now().UTC()})
			l.log.Info().Str("doc", docID).Str("holder", nodeID).Msg("placement repopulated from peer digest")
		case !holds:
			l.AddReplica(docID, nodeID)
		}
	}
}

// DocsHeldBy lists the docs this table believes nodeID holds, used when
// comparing against the digest on its heartbeats.
func (l *LocationIndex) DocsHeldBy(nodeID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for _, p := range l.placements {
		if p.HasHolder(nodeID) {
			out = append(out, p.DocID)
		}
	}
	sort.Strings(out)
	return out
}

// ─── Snapshot persistence ─────────────────────────────────────────────────────

// snapshotFile is the on-disk format, versioned and written atomically.
type snapshotFile struct {
	Version    int         `json:"version"`
	Generation uint64      `json:"generation"`
	TakenAt    time.Time   `json:"taken_at"`
	Placements []Placement `json:"placements"`
}

const snapshotVersion = 1

// Save writes the table to snapshot_dir atomically (write temp, rename).
func (l *LocationIndex) Save() error {
	l.mu.Lock()
	l.generation++
	snap := snapshotFile{
		Version:    snapshotVersion,
		Generation: l.generation,
		TakenAt:    time.Now().UTC(),
		Placements: make([]Placement, 0, len(l.placements)),
	}
	for _, p := range l.placements {
		snap.Placements = append(snap.Placements, *p)
	}
	l.mu.Unlock()

	sort.Slice(snap.Placements, func(i, j int) bool { return snap.Placements[i].DocID < snap.Placements[j].DocID })

	if err := os.MkdirAll(l.snapshotDir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	path := filepath.Join(l.snapshotDir, "placements.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	// Rename last: a crash mid-write leaves the previous snapshot intact.
	return os.Rename(tmp, path)
}

// Load restores the table from the latest snapshot. A missing file is not
// an error; the table starts empty and refills from peer digests.
func (l *LocationIndex) Load() error {
	path := filepath.Join(l.snapshotDir, "placements.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("snapshot version %d not supported", snap.Version)
	}

	l.mu.Lock()
	l.generation = snap.Generation
	l.placements = make(map[string]*Placement, len(snap.Placements))
	l.aggregates = make(map[string]*nodeAggregate)
	l.mu.Unlock()
	for _, p := range snap.Placements {
		l.Register(p)
	}
	return nil
}

func (l *LocationIndex) agg(nodeID string) *nodeAggregate {
	a, ok := l.aggregates[nodeID]
	if !ok {
		a = &nodeAggregate{}
		l.aggregates[nodeID] = a
	}
	return a
}

func samePlacement(a, b Placement) bool {
	if a.DocID != b.DocID || a.Primary != b.Primary || a.Target != b.Target || len(a.Replicas) != len(b.Replicas) {
		return false
	}
	for i := range a.Replicas {
		if a.Replicas[i] != b.Replicas[i] {
			return false
		}
	}
	return a.Fingerprint == b.Fingerprint
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
