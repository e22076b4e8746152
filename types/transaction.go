package types

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/meridian-chain/meridian/crypto"
)

// Transaction is an opaque, already-executed ledger transaction. The
// synchronizer never interprets payloads; it only moves them, proves them and
// hands them to the executor.
type Transaction struct {
	Payload []byte
}

// Hash returns the transaction's accumulator leaf hash.
func (tx Transaction) Hash() []byte {
	return crypto.Checksum(tx.Payload)
}

// ContractEvent is an event emitted by transaction execution. The only kind
// the synchronizer cares about is the reconfiguration event signaling an
// epoch change.
type ContractEvent struct {
	Key  []byte
	Data []byte
}

// ReconfigEventKey marks events that signal a validator-set rotation.
var ReconfigEventKey = []byte("reconfig")

// IsReconfig reports whether the event signals an epoch change.
func (ev ContractEvent) IsReconfig() bool {
	return bytes.Equal(ev.Key, ReconfigEventKey)
}

// TreeState is the locally materialized accumulator state: the highest
// applied version and the accumulator root after applying it. It may run
// ahead of the highest certified ledger info while a chunk's certification
// point has not been reached yet.
type TreeState struct {
	Version         uint64
	AccumulatorRoot []byte
}

// EmptyAccumulatorRoot is the accumulator root of a ledger with only the
// genesis transaction applied at version 0.
func EmptyAccumulatorRoot() []byte {
	return crypto.Checksum(nil)
}

// ExtendAccumulatorRoot folds one transaction into an accumulator root.
func ExtendAccumulatorRoot(root []byte, tx Transaction) []byte {
	return crypto.Checksum(append(append([]byte{}, root...), tx.Hash()...))
}

// AccumulatorRootAfter folds a list of transactions into root.
func AccumulatorRootAfter(root []byte, txs []Transaction) []byte {
	for _, tx := range txs {
		root = ExtendAccumulatorRoot(root, tx)
	}
	return root
}

// TransactionListWithProof is a contiguous range of transactions starting at
// FirstVersion, as carried in a chunk response. The proof obligation is
// two-fold: the range must extend the receiver's accumulator gaplessly, and
// once the range reaches the version certified by the accompanying ledger
// info, folding the receiver's trusted root over the transactions must
// reproduce the certified accumulator root.
type TransactionListWithProof struct {
	FirstVersion uint64
	Transactions []Transaction
}

// IsEmpty reports whether the list carries no transactions.
func (tl TransactionListWithProof) IsEmpty() bool {
	return len(tl.Transactions) == 0
}

// LastVersion returns the version of the final transaction in the list.
// Call only on non-empty lists.
func (tl TransactionListWithProof) LastVersion() uint64 {
	return tl.FirstVersion + uint64(len(tl.Transactions)) - 1
}

// Verify checks the list against the receiver's local state and the verified
// ledger info the response was anchored to. expectedFirst is the version the
// receiver needs next (synced version + 1) and syncedRoot the accumulator
// root at the synced version.
func (tl TransactionListWithProof) Verify(
	liws *LedgerInfoWithSignatures,
	expectedFirst uint64,
	syncedRoot []byte,
) error {
	if tl.IsEmpty() {
		return errors.New("empty transaction list")
	}
	if tl.FirstVersion != expectedFirst {
		return fmt.Errorf("transaction list starts at version %d, expected %d",
			tl.FirstVersion, expectedFirst)
	}
	if last := tl.LastVersion(); last > liws.Version() {
		return fmt.Errorf("transaction list ends at version %d beyond certified version %d",
			last, liws.Version())
	}
	if tl.LastVersion() == liws.Version() {
		root := AccumulatorRootAfter(syncedRoot, tl.Transactions)
		if !bytes.Equal(root, liws.LedgerInfo.AccumulatorRoot) {
			return fmt.Errorf("accumulator root mismatch at version %d: computed %X, certified %X",
				liws.Version(), root, liws.LedgerInfo.AccumulatorRoot)
		}
	}
	return nil
}
