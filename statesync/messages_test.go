package statesync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkRequestValidateBasic(t *testing.T) {
	testCases := []struct {
		name    string
		req     ChunkRequest
		wantErr bool
	}{
		{"valid highest", ChunkRequest{KnownVersion: 10, Target: TargetHighest{}, Limit: 50}, false},
		{"valid version", ChunkRequest{KnownVersion: 10, Target: TargetVersion{Version: 20}, Limit: 50}, false},
		{"valid waypoint", ChunkRequest{KnownVersion: 0, Target: TargetWaypoint{Version: 5}, Limit: 1}, false},
		{"zero limit", ChunkRequest{Target: TargetHighest{}, Limit: 0}, true},
		{"limit above maximum", ChunkRequest{Target: TargetHighest{}, Limit: maxChunkLimit + 1}, true},
		{"target not beyond known", ChunkRequest{KnownVersion: 20, Target: TargetVersion{Version: 20}, Limit: 50}, true},
		{"waypoint not beyond known", ChunkRequest{KnownVersion: 20, Target: TargetWaypoint{Version: 5}, Limit: 50}, true},
		{"missing target", ChunkRequest{KnownVersion: 10, Limit: 50}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.ValidateBasic()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestChunkResponseValidateBasic(t *testing.T) {
	chain := newTestChain(t, 4, 20)
	li := chain.ledgerInfoAt(20)

	valid := chain.chunk(1, 10, li)
	require.NoError(t, valid.ValidateBasic())

	empty := &ChunkResponse{LedgerInfo: li}
	require.Error(t, empty.ValidateBasic())

	noLI := chain.chunk(1, 10, li)
	noLI.LedgerInfo = nil
	require.Error(t, noLI.ValidateBasic())

	beyond := chain.chunk(11, 10, chain.ledgerInfoAt(15))
	require.Error(t, beyond.ValidateBasic())
}

func TestMessageRoundTrip(t *testing.T) {
	chain := newTestChain(t, 4, 10)

	req := &ChunkRequest{KnownVersion: 3, KnownEpoch: 1, Target: TargetVersion{Version: 9}, Limit: 50}
	decoded, err := DecodeMsg(EncodeMsg(req))
	require.NoError(t, err)
	assert.Equal(t, req, decoded)

	resp := chain.chunk(1, 5, chain.ledgerInfoAt(10))
	decoded, err = DecodeMsg(EncodeMsg(resp))
	require.NoError(t, err)
	assert.Equal(t, resp, decoded)
}

func TestDecodeMsgRejectsInvalid(t *testing.T) {
	_, err := DecodeMsg([]byte("garbage"))
	require.Error(t, err)

	// Well-encoded but semantically invalid messages are rejected too.
	_, err = DecodeMsg(EncodeMsg(&ChunkRequest{Target: TargetHighest{}, Limit: 0}))
	require.Error(t, err)
}
