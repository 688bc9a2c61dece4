// Package coordinator contains the leader-side services (location index,
// query routing, replica planning) and the replication write path every
// node runs as primary or follower.
package coordinator

import (
	"time"

	"distributed-search/internal/index"
	"distributed-search/internal/vector"
)

// RPC bodies for the reliable transport. Field additions are
// forward-compatible; receivers ignore unknown fields.

// SearchLocalRequest asks a peer for its local top-k.
type SearchLocalRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

// SearchLocalResponse carries the peer's hits.
type SearchLocalResponse struct {
	Results []index.Result `json:"results"`
}

// ReplicateDocRequest pushes a document copy to a follower.
type ReplicateDocRequest struct {
	Doc       index.Document `json:"doc"`
	PrimaryID string         `json:"primary_id"`
}

// ReplicateDocResponse acknowledges a stored replica.
type ReplicateDocResponse struct {
	NodeID string `json:"node_id"`
}

// RollbackDocRequest undoes a replica after a failed quorum.
type RollbackDocRequest struct {
	DocID string `json:"doc_id"`
}

// RollbackDocResponse is always ok; rollback is idempotent.
type RollbackDocResponse struct{}

// LocateQueryRequest asks the leader for candidate holders ranked by
// affinity. ForWrite selects replica targets (exclusion + zone spread)
// instead of query candidates.
type LocateQueryRequest struct {
	Fingerprint vector.Fingerprint `json:"fingerprint"`
	Max         int                `json:"max"`
	Exclude     []string           `json:"exclude,omitempty"`
	ForWrite    bool               `json:"for_write,omitempty"`
}

// LocateQueryResponse lists candidate node ids, best first.
type LocateQueryResponse struct {
	Candidates []string `json:"candidates"`
}

// PlacementUpdateRequest tells the leader where a committed document
// lives. Append adds the listed replicas to an existing placement (late
// acks) instead of replacing the set.
type PlacementUpdateRequest struct {
	DocID       string             `json:"doc_id"`
	Fingerprint vector.Fingerprint `json:"fingerprint"`
	Primary     string             `json:"primary"`
	Replicas    []string           `json:"replicas"`
	Append      bool               `json:"append,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// PlacementUpdateResponse acknowledges the update.
type PlacementUpdateResponse struct{}

// DigestRequest asks a peer for its doc_id → fingerprint-hash map.
type DigestRequest struct{}

// DigestResponse is the anti-entropy payload.
type DigestResponse struct {
	Digest map[string]uint64 `json:"digest"`
}

// FetchDocRequest pulls a full document from a holder, used to source
// re-replication fills.
type FetchDocRequest struct {
	DocID string `json:"doc_id"`
}

// FetchDocResponse carries the document.
type FetchDocResponse struct {
	Doc index.Document `json:"doc"`
}
