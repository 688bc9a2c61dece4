// Package fault defines the error kinds the node exposes across package and
// process boundaries.
//
// Every kind is a sentinel error with a stable string token. Call sites wrap
// them with fmt.Errorf("...: %w", fault.ErrConflict) so that callers can
// branch with errors.Is while logs keep the full chain.
package fault

import "errors"

// Sentinel kinds. The token (the error text) is part of the HTTP and wire
// contract and must not change.
var (
	// ErrTransientPeer: an RPC to a peer failed or timed out. Retryable.
	ErrTransientPeer = errors.New("TRANSIENT_PEER")

	// ErrLeaderChanged: the callee was asked for coordinator work but does
	// not hold the coordinator role (never held it, or has demoted).
	ErrLeaderChanged = errors.New("LEADER_CHANGED")

	// ErrWriteQuorumFailed: the primary could not assemble a write quorum.
	// The local copy and any acked replicas have been rolled back best-effort.
	ErrWriteQuorumFailed = errors.New("WRITE_QUORUM_FAILED")

	// ErrConflict: a doc_id already exists with a different fingerprint.
	ErrConflict = errors.New("CONFLICT")

	// ErrNotFound: the referenced document is absent.
	ErrNotFound = errors.New("NOT_FOUND")

	// ErrDegraded: a placement has no live holder.
	ErrDegraded = errors.New("DEGRADED")

	// ErrConfigInvalid: boot-time validation failed; the node refuses to start.
	ErrConfigInvalid = errors.New("CONFIG_INVALID")

	// ErrPeerBusy: the per-peer outbound queue is full.
	ErrPeerBusy = errors.New("PEER_BUSY")

	// ErrInternal: an invariant was violated. The node falls back to a safe
	// state (role FOLLOWER, tickets dropped) and logs a structured incident.
	ErrInternal = errors.New("INTERNAL")
)

// kinds in a fixed order for Token lookup.
var kinds = []error{
	ErrTransientPeer,
	ErrLeaderChanged,
	ErrWriteQuorumFailed,
	ErrConflict,
	ErrNotFound,
	ErrDegraded,
	ErrConfigInvalid,
	ErrPeerBusy,
	ErrInternal,
}

// Token returns the stable kind token for err, or "INTERNAL" if err carries
// no known kind. A nil err returns "".
func Token(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return ErrInternal.Error()
}

// FromToken maps a wire token back to its sentinel so that errors crossing
// the RPC boundary keep their kind. Unknown tokens map to ErrInternal.
func FromToken(token string) error {
	for _, k := range kinds {
		if k.Error() == token {
			return k
		}
	}
	return ErrInternal
}
