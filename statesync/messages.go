package statesync

import (
	"errors"
	"fmt"

	"github.com/meridian-chain/meridian/types"
)

const (
	// maxChunkLimit caps the number of transactions a single chunk request
	// may ask for, regardless of the requester's configuration.
	maxChunkLimit = 1000
)

// Message is a wire message of the chunk protocol.
type Message interface {
	ValidateBasic() error
}

// TargetSelector tells a chunk server which ledger info to anchor the
// response to.
type TargetSelector interface {
	targetSelector()
}

// TargetVersion asks for a response anchored at a specific certified
// version.
type TargetVersion struct {
	Version uint64
}

// TargetHighest asks for a response anchored at the highest ledger info the
// server has.
type TargetHighest struct{}

// TargetWaypoint asks for the ledger info at exactly the waypoint version;
// the requester will verify it by waypoint hash rather than by signatures.
type TargetWaypoint struct {
	Version uint64
}

func (TargetVersion) targetSelector()  {}
func (TargetHighest) targetSelector()  {}
func (TargetWaypoint) targetSelector() {}

// ChunkRequest asks a peer for the transactions following KnownVersion.
// KnownEpoch lets the server detect that the requester is behind an epoch
// boundary and anchor the response at the epoch-ending ledger info instead
// of the target, so the requester can pick up the new validator set first.
type ChunkRequest struct {
	KnownVersion uint64
	KnownEpoch   uint64
	Target       TargetSelector
	Limit        uint64
}

// ValidateBasic performs stateless validity checks.
func (m *ChunkRequest) ValidateBasic() error {
	if m.Limit == 0 {
		return errors.New("chunk limit cannot be 0")
	}
	if m.Limit > maxChunkLimit {
		return fmt.Errorf("chunk limit %d exceeds maximum %d", m.Limit, maxChunkLimit)
	}
	switch t := m.Target.(type) {
	case TargetVersion:
		if t.Version <= m.KnownVersion {
			return fmt.Errorf("target version %d not beyond known version %d", t.Version, m.KnownVersion)
		}
	case TargetHighest:
	case TargetWaypoint:
		if t.Version <= m.KnownVersion {
			return fmt.Errorf("waypoint version %d not beyond known version %d", t.Version, m.KnownVersion)
		}
	default:
		return fmt.Errorf("unknown target selector %T", m.Target)
	}
	return nil
}

func (m *ChunkRequest) String() string {
	return fmt.Sprintf("ChunkRequest{known=%d epoch=%d limit=%d target=%T}",
		m.KnownVersion, m.KnownEpoch, m.Limit, m.Target)
}

// ChunkResponse carries a contiguous run of transactions plus the ledger
// info the proof is anchored to. The receiver verifies LedgerInfo against
// the epoch state it already trusts (or its waypoint); nothing carried in
// the response itself is trusted.
type ChunkResponse struct {
	Txns       types.TransactionListWithProof
	LedgerInfo *types.LedgerInfoWithSignatures
}

// ValidateBasic performs stateless validity checks.
func (m *ChunkResponse) ValidateBasic() error {
	if m.Txns.IsEmpty() {
		return errors.New("chunk response carries no transactions")
	}
	if m.LedgerInfo == nil {
		return errors.New("chunk response carries no ledger info")
	}
	if err := m.LedgerInfo.ValidateBasic(); err != nil {
		return err
	}
	if last := m.Txns.LastVersion(); last > m.LedgerInfo.Version() {
		return fmt.Errorf("transactions end at version %d beyond ledger info version %d",
			last, m.LedgerInfo.Version())
	}
	return nil
}

func (m *ChunkResponse) String() string {
	return fmt.Sprintf("ChunkResponse{first=%d count=%d li=%v}",
		m.Txns.FirstVersion, len(m.Txns.Transactions), m.LedgerInfo)
}
