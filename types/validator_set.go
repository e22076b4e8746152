package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/meridian-chain/meridian/crypto"
)

// Validator is a single voting member of an epoch's validator set.
type Validator struct {
	Address     crypto.Address
	PubKey      crypto.PubKey
	VotingPower int64
}

func (v *Validator) String() string {
	return fmt.Sprintf("Validator{%v power=%d}", v.Address, v.VotingPower)
}

// ValidatorSet holds the validators of one epoch, sorted by address. The
// voting power total is computed once at construction; sets are never
// mutated after that.
type ValidatorSet struct {
	Validators []*Validator

	totalVotingPower int64
}

// NewValidatorSet creates a set from the given validators, sorting them by
// address. It panics on duplicate addresses since that indicates a corrupt
// epoch state rather than a recoverable condition.
func NewValidatorSet(vals []*Validator) *ValidatorSet {
	sorted := make([]*Validator, len(vals))
	copy(sorted, vals)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Address, sorted[j].Address) < 0
	})
	total := int64(0)
	for i, val := range sorted {
		if i > 0 && sorted[i-1].Address.Equal(val.Address) {
			panic(fmt.Sprintf("duplicate validator address %v", val.Address))
		}
		total += val.VotingPower
	}
	return &ValidatorSet{Validators: sorted, totalVotingPower: total}
}

// Size returns the number of validators.
func (vals *ValidatorSet) Size() int {
	return len(vals.Validators)
}

// TotalVotingPower returns the sum of all validators' voting power.
func (vals *ValidatorSet) TotalVotingPower() int64 {
	if vals.totalVotingPower == 0 {
		for _, val := range vals.Validators {
			vals.totalVotingPower += val.VotingPower
		}
	}
	return vals.totalVotingPower
}

// GetByAddress returns the validator with the given address, or nil.
func (vals *ValidatorSet) GetByAddress(addr crypto.Address) *Validator {
	for _, val := range vals.Validators {
		if val.Address.Equal(addr) {
			return val
		}
	}
	return nil
}

// ValidateBasic performs stateless validity checks.
func (vals *ValidatorSet) ValidateBasic() error {
	if vals == nil || len(vals.Validators) == 0 {
		return errors.New("validator set is empty")
	}
	for i, val := range vals.Validators {
		if len(val.PubKey) != crypto.PubKeySize {
			return fmt.Errorf("validator %d: invalid pubkey length %d", i, len(val.PubKey))
		}
		if !val.Address.Equal(val.PubKey.Address()) {
			return fmt.Errorf("validator %d: address does not match pubkey", i)
		}
		if val.VotingPower <= 0 {
			return fmt.Errorf("validator %d: non-positive voting power %d", i, val.VotingPower)
		}
	}
	return nil
}

// VerifyLedgerInfo checks that the attached signatures are valid signatures
// by members of this set over the ledger info's sign bytes, and that the
// tallied voting power exceeds two thirds of the set's total.
func (vals *ValidatorSet) VerifyLedgerInfo(liws *LedgerInfoWithSignatures) error {
	signBytes := liws.LedgerInfo.SignBytes()
	talliedVotingPower := int64(0)
	seen := make(map[string]bool, len(liws.Signatures))

	for _, cs := range liws.Signatures {
		if seen[string(cs.ValidatorAddress)] {
			continue
		}
		seen[string(cs.ValidatorAddress)] = true

		val := vals.GetByAddress(cs.ValidatorAddress)
		if val == nil {
			// Signatures from unknown parties carry no weight but do not
			// invalidate the quorum either.
			continue
		}
		if !val.PubKey.VerifySignature(signBytes, cs.Signature) {
			return fmt.Errorf("invalid signature from validator %v", cs.ValidatorAddress)
		}
		talliedVotingPower += val.VotingPower
	}

	if needed := vals.TotalVotingPower()*2/3 + 1; talliedVotingPower < needed {
		return ErrNotEnoughVotingPower{Have: talliedVotingPower, Need: needed}
	}
	return nil
}

// ErrNotEnoughVotingPower is returned when the tallied signatures do not
// reach a two-thirds majority of the validator set.
type ErrNotEnoughVotingPower struct {
	Have int64
	Need int64
}

func (e ErrNotEnoughVotingPower) Error() string {
	return fmt.Sprintf("insufficient voting power: have %d, need at least %d", e.Have, e.Need)
}
