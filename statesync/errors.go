package statesync

import (
	"errors"
	"fmt"
)

var (
	// ErrSyncInProgress is returned when a sync request arrives while
	// another one is still being served.
	ErrSyncInProgress = errors.New("a sync request is already in progress")

	// ErrNoProgress is returned to a sync caller when no peer yielded any
	// progress within the stall threshold. Local storage is unchanged
	// relative to before the failed attempt.
	ErrNoProgress = errors.New("sync request failed: no progress from any peer")

	// ErrNoAck is returned by the client when the coordinator did not
	// acknowledge a commit in time. The commit may still land; callers must
	// treat this as ambiguous rather than as failure.
	ErrNoAck = errors.New("no commit ack from synchronizer within deadline")

	// ErrNoEligiblePeers is returned when every known peer is below the
	// score floor or no peer is known at all.
	ErrNoEligiblePeers = errors.New("no eligible peers for chunk request")

	// errShutdown aborts pending callbacks when the coordinator stops.
	errShutdown = errors.New("state sync is shutting down")
)

// VerificationError reports cryptographic rejection of a ledger info or
// chunk proof: bad or insufficient signatures, an epoch mismatch, or an
// accumulator root that does not match the certified one. The offending data
// is discarded; the coordinator itself continues.
type VerificationError struct {
	Err error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed: %v", e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed, out-of-order or overlapping chunk
// response. The response is discarded and the range re-requested.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("chunk protocol violation: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// StorageError reports an executor or storage failure while applying a
// chunk. The chunk is retried against a different peer; it is never silently
// skipped.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure: %v", e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// CommitError reports application-level rejection of a commit notification
// by the downstream consumer.
type CommitError struct {
	Msg string
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit rejected by consumer: %s", e.Msg)
}
