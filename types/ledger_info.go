package types

import (
	"errors"
	"fmt"

	"github.com/meridian-chain/meridian/crypto"
)

// LedgerInfo is a statement about the ledger at a given version: the root of
// the transaction accumulator after all transactions up to and including
// Version have been applied. A ledger info that ends an epoch additionally
// embeds the validator set of the next epoch.
type LedgerInfo struct {
	Epoch           uint64
	Version         uint64
	AccumulatorRoot []byte
	TimestampUsec   uint64

	// NextEpochState is non-nil iff this ledger info ends Epoch; it carries
	// the validator set authoritative for Epoch+1.
	NextEpochState *EpochState
}

// EndsEpoch reports whether this ledger info is an epoch boundary.
func (li LedgerInfo) EndsEpoch() bool {
	return li.NextEpochState != nil
}

// Hash returns the digest over the ledger info's sign bytes. Waypoints pin
// this value.
func (li LedgerInfo) Hash() []byte {
	return crypto.Checksum(li.SignBytes())
}

// CommitSig is a single validator signature over a ledger info.
type CommitSig struct {
	ValidatorAddress crypto.Address
	Signature        []byte
}

// LedgerInfoWithSignatures bundles a ledger info with the quorum signatures
// collected for it. It is the unit of trust exchanged during catch-up: a
// receiver accepts it only after verifying the signatures against the
// validator set it already trusts.
type LedgerInfoWithSignatures struct {
	LedgerInfo LedgerInfo
	Signatures []CommitSig
}

// Version returns the certified ledger version.
func (liws *LedgerInfoWithSignatures) Version() uint64 {
	return liws.LedgerInfo.Version
}

// Epoch returns the epoch the ledger info belongs to.
func (liws *LedgerInfoWithSignatures) Epoch() uint64 {
	return liws.LedgerInfo.Epoch
}

// AddSignature appends a validator signature. Duplicate addresses are
// ignored; verification tallies each validator at most once regardless.
func (liws *LedgerInfoWithSignatures) AddSignature(addr crypto.Address, sig []byte) {
	for _, cs := range liws.Signatures {
		if cs.ValidatorAddress.Equal(addr) {
			return
		}
	}
	liws.Signatures = append(liws.Signatures, CommitSig{ValidatorAddress: addr, Signature: sig})
}

// ValidateBasic performs stateless validity checks.
func (liws *LedgerInfoWithSignatures) ValidateBasic() error {
	if liws == nil {
		return errors.New("ledger info cannot be nil")
	}
	if len(liws.LedgerInfo.AccumulatorRoot) != crypto.ChecksumSize {
		return fmt.Errorf("invalid accumulator root length %d", len(liws.LedgerInfo.AccumulatorRoot))
	}
	for i, cs := range liws.Signatures {
		if len(cs.ValidatorAddress) != crypto.AddressSize {
			return fmt.Errorf("signature %d: invalid validator address", i)
		}
		if len(cs.Signature) != crypto.SignatureSize {
			return fmt.Errorf("signature %d: invalid signature length %d", i, len(cs.Signature))
		}
	}
	if liws.LedgerInfo.EndsEpoch() {
		if err := liws.LedgerInfo.NextEpochState.ValidateBasic(); err != nil {
			return fmt.Errorf("next epoch state: %w", err)
		}
	}
	return nil
}

func (liws *LedgerInfoWithSignatures) String() string {
	return fmt.Sprintf("LedgerInfo{epoch=%d version=%d root=%X sigs=%d endsEpoch=%v}",
		liws.Epoch(), liws.Version(), liws.LedgerInfo.AccumulatorRoot,
		len(liws.Signatures), liws.LedgerInfo.EndsEpoch())
}
