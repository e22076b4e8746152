package statesync

import (
	"fmt"

	"github.com/meridian-chain/meridian/types"
)

// SyncState is the coordinator's per-update snapshot of local ledger state:
//
//   - committedLedgerInfo is the highest certified ledger info, i.e. the
//     highest version storage holds a proof for. It is what we serve to
//     peers that are behind.
//   - syncedTrees is the highest locally applied accumulator state, which
//     may run ahead of the committed ledger info while a chunk's
//     certification point has not been reached.
//   - trustedEpochState is the validator set that must sign the next
//     accepted ledger info. It is the committed ledger info's next-epoch
//     state when that ledger info ends an epoch, otherwise the epoch state
//     passed in at construction.
//
// A SyncState is immutable; every applied chunk or commit replaces the whole
// snapshot, so concurrent readers only ever see consistent values.
type SyncState struct {
	committedLedgerInfo *types.LedgerInfoWithSignatures
	syncedTrees         types.TreeState
	trustedEpochState   *types.EpochState
}

// NewSyncState builds a snapshot, deriving the trusted epoch state from the
// committed ledger info when it ends an epoch.
func NewSyncState(
	committed *types.LedgerInfoWithSignatures,
	syncedTrees types.TreeState,
	currentEpochState *types.EpochState,
) SyncState {
	trusted := currentEpochState
	if committed.LedgerInfo.EndsEpoch() {
		trusted = committed.LedgerInfo.NextEpochState
	}
	return SyncState{
		committedLedgerInfo: committed,
		syncedTrees:         syncedTrees,
		trustedEpochState:   trusted,
	}
}

// CommittedLedgerInfo returns the highest certified ledger info.
func (s SyncState) CommittedLedgerInfo() *types.LedgerInfoWithSignatures {
	return s.committedLedgerInfo
}

// CommittedVersion returns the highest certified version.
func (s SyncState) CommittedVersion() uint64 {
	return s.committedLedgerInfo.Version()
}

// CommittedEpoch returns the epoch of the highest certified ledger info.
func (s SyncState) CommittedEpoch() uint64 {
	return s.committedLedgerInfo.Epoch()
}

// SyncedVersion returns the highest locally applied version, certified or
// not.
func (s SyncState) SyncedVersion() uint64 {
	return s.syncedTrees.Version
}

// SyncedTrees returns the locally applied accumulator state.
func (s SyncState) SyncedTrees() types.TreeState {
	return s.syncedTrees
}

// TrustedEpoch returns the epoch whose validator set must sign the next
// accepted ledger info.
func (s SyncState) TrustedEpoch() uint64 {
	return s.trustedEpochState.Epoch
}

// VerifyLedgerInfo checks a ledger info against the trusted epoch state.
func (s SyncState) VerifyLedgerInfo(liws *types.LedgerInfoWithSignatures) error {
	return s.trustedEpochState.Verify(liws)
}

func (s SyncState) String() string {
	return fmt.Sprintf("SyncState{committed=%d synced=%d trustedEpoch=%d}",
		s.CommittedVersion(), s.SyncedVersion(), s.TrustedEpoch())
}
