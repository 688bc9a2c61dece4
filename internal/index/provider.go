// Package index is the local search provider: the per-node corpus with an
// inverted index over it.
//
// The rest of the node consumes the Provider interface; the wired
// implementation stores documents and postings in SQLite so that an
// insertion is durable before ok is returned. Search never touches the
// network.
package index

import (
	"context"
	"errors"
	"time"

	"distributed-search/internal/vector"
)

// ErrDuplicate is returned by Index when the doc_id is already present.
var ErrDuplicate = errors.New("duplicate document")

// Document is one stored document with its fingerprint.
type Document struct {
	DocID       string             `json:"doc_id"`
	Content     string             `json:"content"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
	Fingerprint vector.Fingerprint `json:"fingerprint"`
	SizeBytes   int                `json:"size_bytes"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Result is one local search hit.
type Result struct {
	DocID   string  `json:"doc_id"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

// Stats summarize the local corpus; they ride on heartbeats.
type Stats struct {
	DocCount  int `json:"doc_count"`
	TermCount int `json:"term_count"`
}

// Provider is the local search contract. Implementations must make
// insertion durable before returning from Index, and Search must reflect
// every prior completed Index call.
type Provider interface {
	// Index stores a document. Returns ErrDuplicate if doc_id exists.
	Index(ctx context.Context, doc Document) error

	// Remove deletes a document. Returns fault.ErrNotFound if absent.
	Remove(ctx context.Context, docID string) error

	// Search returns up to k results ordered by score descending, ties
	// broken by doc_id ascending.
	Search(ctx context.Context, query string, k int) ([]Result, error)

	// Get fetches a stored document (content and metadata included).
	Get(ctx context.Context, docID string) (Document, error)

	// FingerprintOf returns the stored fingerprint for doc_id, if present.
	FingerprintOf(ctx context.Context, docID string) (vector.Fingerprint, bool, error)

	// Stats reports corpus counters.
	Stats(ctx context.Context) (Stats, error)

	// DigestMap returns doc_id → fingerprint hash for anti-entropy.
	DigestMap(ctx context.Context) (map[string]uint64, error)

	// CombinedDigest folds the digest map into one value for heartbeats.
	CombinedDigest(ctx context.Context) (uint64, error)

	Close() error
}
