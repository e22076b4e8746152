package types

import (
	amino "github.com/tendermint/go-amino"
)

var cdc = amino.NewCodec()

// SignBytes returns the canonical amino encoding of the ledger info, which is
// the payload validators sign.
func (li LedgerInfo) SignBytes() []byte {
	return cdc.MustMarshalBinaryBare(li)
}
