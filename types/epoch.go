package types

import (
	"errors"
	"fmt"
)

// EpochState names the validator set authoritative for one epoch. The
// synchronizer accepts a ledger info only if it verifies under the epoch
// state it currently trusts.
type EpochState struct {
	Epoch      uint64
	Validators *ValidatorSet
}

// Verify checks that the ledger info belongs to this epoch and carries a
// quorum of valid signatures from this epoch's validator set.
func (es *EpochState) Verify(liws *LedgerInfoWithSignatures) error {
	if liws == nil {
		return errors.New("ledger info cannot be nil")
	}
	if liws.Epoch() != es.Epoch {
		return ErrEpochMismatch{Expected: es.Epoch, Got: liws.Epoch()}
	}
	return es.Validators.VerifyLedgerInfo(liws)
}

// ValidateBasic performs stateless validity checks.
func (es *EpochState) ValidateBasic() error {
	if es == nil {
		return errors.New("epoch state cannot be nil")
	}
	return es.Validators.ValidateBasic()
}

func (es *EpochState) String() string {
	return fmt.Sprintf("EpochState{epoch=%d validators=%d}", es.Epoch, es.Validators.Size())
}

// ErrEpochMismatch is returned when a ledger info is presented for
// verification under the wrong epoch's validator set.
type ErrEpochMismatch struct {
	Expected uint64
	Got      uint64
}

func (e ErrEpochMismatch) Error() string {
	return fmt.Sprintf("epoch mismatch: trusted epoch %d, ledger info epoch %d", e.Expected, e.Got)
}
