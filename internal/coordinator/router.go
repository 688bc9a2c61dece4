package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"distributed-search/internal/cluster"
	"distributed-search/internal/freshness"
	"distributed-search/internal/index"
	"distributed-search/internal/transport"
	"distributed-search/internal/vector"
)

// SearchResult is one ranked hit in a distributed response.
type SearchResult struct {
	DocID        string  `json:"doc_id"`
	Score        float64 `json:"score"`
	HolderNodeID string  `json:"holder_node_id"`
	Snippet      string  `json:"snippet"`
}

// SearchResponse is the full answer to one query.
type SearchResponse struct {
	Results          []SearchResult `json:"results"`
	Freshness        freshness.Tag  `json:"freshness"`
	AvailabilityMode freshness.Mode `json:"availability_mode"`
	UnavailableNodes []string       `json:"unavailable_nodes,omitempty"`
	StalenessWarning string         `json:"staleness_warning,omitempty"`
}

// RouterConfig carries the query knobs.
type RouterConfig struct {
	QueryTimeout  time.Duration // T_query
	MaxCandidates int
	MaxResults    int // default when the client sends none
}

// Router answers searches. Any node can originate; the leader supplies the
// candidate ranking, and the originator fans out and merges.
type Router struct {
	self       cluster.Identity
	cfg        RouterConfig
	provider   index.Provider
	vectorizer vector.Vectorizer
	membership *cluster.Membership
	leaders    LeaderView
	peers      PeerCaller
	location   *LocationIndex
	tracker    *freshness.Tracker
	log        zerolog.Logger
}

// NewRouter wires the query path.
func NewRouter(self cluster.Identity, cfg RouterConfig, provider index.Provider, vectorizer vector.Vectorizer, membership *cluster.Membership, leaders LeaderView, peers PeerCaller, location *LocationIndex, tracker *freshness.Tracker, log zerolog.Logger) *Router {
	return &Router{
		self:       self,
		cfg:        cfg,
		provider:   provider,
		vectorizer: vectorizer,
		membership: membership,
		leaders:    leaders,
		peers:      peers,
		location:   location,
		tracker:    tracker,
		log:        log,
	}
}

// Search runs the full distributed query: locate, fan out, merge, label.
func (r *Router) Search(ctx context.Context, query string, maxResults int) (SearchResponse, error) {
	if maxResults <= 0 {
		maxResults = r.cfg.MaxResults
	}
	fp := r.vectorizer.Fingerprint(query)
	snap := r.membership.Current()

	candidates, apMode := r.candidates(ctx, fp, snap)

	hits, unavailable := r.fanOut(ctx, query, maxResults, candidates, snap)

	merged := mergeResults(hits, snap)
	if len(merged) > maxResults {
		merged = merged[:maxResults]
	}

	leaderID, isLeader := r.leaders.Leader()
	in := freshness.Input{
		LeaderKnown: leaderID != "",
		Snapshot:    snap,
		ClusterSize: clusterSizeOf(snap),
		Unavailable: unavailable,
	}
	if isLeader {
		in.AllHoldersOnline = r.holdersOnline(merged, snap)
	} else {
		in.AllHoldersOnline = len(unavailable) == 0
	}
	tag, warning := r.tracker.Assess(in)

	mode := freshness.ModeCPLike
	if apMode {
		mode = freshness.ModeAP
	}
	return SearchResponse{
		Results:          merged,
		Freshness:        tag,
		AvailabilityMode: mode,
		UnavailableNodes: unavailable,
		StalenessWarning: warning,
	}, nil
}

// candidates resolves the holder candidates for the query fingerprint.
// Falls back to every ONLINE peer (AP mode) when the leader cannot answer.
func (r *Router) candidates(ctx context.Context, fp vector.Fingerprint, snap cluster.Snapshot) ([]string, bool) {
	leaderID, isSelf := r.leaders.Leader()
	if isSelf {
		return r.location.Locate(fp, r.cfg.MaxCandidates, snap, nil, false), false
	}
	if leaderID != "" {
		if rec, ok := snap.Lookup(leaderID); ok && rec.Status == cluster.StatusOnline {
			req := LocateQueryRequest{Fingerprint: fp, Max: r.cfg.MaxCandidates}
			var resp LocateQueryResponse
			callCtx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout/2)
			err := r.peers.Call(callCtx, rec.RPCAddr, transport.RPCLocateQuery, req, &resp)
			cancel()
			if err == nil {
				return resp.Candidates, false
			}
			r.log.Warn().Str("leader", leaderID).Err(err).Msg("leader locate_query failed, falling back to all online peers")
		}
	}
	return snap.OnlineIDs(), true
}

// holderHit is the raw result of one candidate.
type holderHit struct {
	nodeID  string
	results []index.Result
}

// fanOut queries the candidates in parallel inside T_query. Local
// execution always runs, whether or not self made the candidate list. A
// failing or timed-out candidate is recorded as unavailable, never fatal,
// so the group itself never returns an error.
func (r *Router) fanOut(ctx context.Context, query string, k int, candidates []string, snap cluster.Snapshot) ([]holderHit, []string) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	defer cancel()

	var (
		mu          sync.Mutex
		hits        []holderHit
		unavailable []string
	)
	g, gctx := errgroup.WithContext(callCtx)

	g.Go(func() error {
		results, err := r.provider.Search(gctx, query, k)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			r.log.Error().Err(err).Msg("local search failed")
			return nil
		}
		hits = append(hits, holderHit{nodeID: r.self.NodeID, results: results})
		return nil
	})

	for _, nodeID := range candidates {
		if nodeID == r.self.NodeID {
			continue
		}
		rec, ok := snap.Lookup(nodeID)
		if !ok || rec.RPCAddr == "" {
			continue
		}
		id, addr := nodeID, rec.RPCAddr
		g.Go(func() error {
			req := SearchLocalRequest{Query: query, K: k}
			var resp SearchLocalResponse
			err := r.peers.Call(gctx, addr, transport.RPCSearchLocal, req, &resp)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// A failing candidate is dropped, not fatal.
				unavailable = append(unavailable, id)
				return nil
			}
			hits = append(hits, holderHit{nodeID: id, results: resp.Results})
			return nil
		})
	}

	_ = g.Wait()
	sort.Strings(unavailable)
	return hits, unavailable
}

// mergeResults flattens per-holder hits into one ranked list. The same
// doc_id from several holders collapses to one entry keeping the max
// score, attributed to the holder with the lowest load_score.
func mergeResults(hits []holderHit, snap cluster.Snapshot) []SearchResult {
	type best struct {
		score   float64
		holder  string
		load    float64
		snippet string
	}
	merged := make(map[string]*best)
	for _, h := range hits {
		load := 0.0
		if rec, ok := snap.Lookup(h.nodeID); ok {
			load = rec.LoadScore
		}
		for _, res := range h.results {
			b, seen := merged[res.DocID]
			if !seen {
				merged[res.DocID] = &best{score: res.Score, holder: h.nodeID, load: load, snippet: res.Snippet}
				continue
			}
			if res.Score > b.score {
				b.score = res.Score
				if b.snippet == "" {
					b.snippet = res.Snippet
				}
			}
			if load < b.load || (load == b.load && h.nodeID < b.holder) {
				b.holder = h.nodeID
				b.load = load
			}
		}
	}

	out := make([]SearchResult, 0, len(merged))
	for docID, b := range merged {
		out = append(out, SearchResult{DocID: docID, Score: b.score, HolderNodeID: b.holder, Snippet: b.snippet})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocID < out[j].DocID
	})
	return out
}

// holdersOnline checks, against the leader's placements, that every holder
// of every contributing doc is ONLINE.
func (r *Router) holdersOnline(results []SearchResult, snap cluster.Snapshot) bool {
	for _, res := range results {
		p, ok := r.location.Lookup(res.DocID)
		if !ok {
			return false
		}
		for _, h := range p.Holders() {
			if h == r.self.NodeID {
				continue
			}
			if !snap.IsOnline(h) {
				return false
			}
		}
	}
	return true
}

func clusterSizeOf(snap cluster.Snapshot) int {
	return len(snap.Peers)
}
