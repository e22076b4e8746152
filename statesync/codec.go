package statesync

import (
	"fmt"

	amino "github.com/tendermint/go-amino"
)

var cdc = amino.NewCodec()

func init() {
	RegisterMessages(cdc)
}

// RegisterMessages registers the chunk protocol messages and target
// selectors with the given codec.
func RegisterMessages(cdc *amino.Codec) {
	cdc.RegisterInterface((*Message)(nil), nil)
	cdc.RegisterConcrete(&ChunkRequest{}, "statesync/ChunkRequest", nil)
	cdc.RegisterConcrete(&ChunkResponse{}, "statesync/ChunkResponse", nil)

	cdc.RegisterInterface((*TargetSelector)(nil), nil)
	cdc.RegisterConcrete(TargetVersion{}, "statesync/TargetVersion", nil)
	cdc.RegisterConcrete(TargetHighest{}, "statesync/TargetHighest", nil)
	cdc.RegisterConcrete(TargetWaypoint{}, "statesync/TargetWaypoint", nil)
}

// EncodeMsg encodes a chunk protocol message for the wire.
func EncodeMsg(msg Message) []byte {
	return cdc.MustMarshalBinaryBare(msg)
}

// DecodeMsg decodes and validates a chunk protocol message.
func DecodeMsg(bz []byte) (Message, error) {
	var msg Message
	if err := cdc.UnmarshalBinaryBare(bz, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := msg.ValidateBasic(); err != nil {
		return nil, err
	}
	return msg, nil
}
