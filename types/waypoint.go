package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/meridian-chain/meridian/crypto"
)

// Waypoint is an externally distributed trust anchor: the version and ledger
// info hash a freshly configured node accepts without any epoch state. Its
// string form is "version:hex(hash)" so it can be pasted into config files.
type Waypoint struct {
	Version uint64
	Hash    []byte
}

// WaypointFromLedgerInfo derives the waypoint pinning the given ledger info.
func WaypointFromLedgerInfo(li LedgerInfo) Waypoint {
	return Waypoint{Version: li.Version, Hash: li.Hash()}
}

// WaypointFromString parses the "version:hex" form.
func WaypointFromString(s string) (Waypoint, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return Waypoint{}, fmt.Errorf("malformed waypoint %q", s)
	}
	version, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Waypoint{}, fmt.Errorf("malformed waypoint version %q: %w", parts[0], err)
	}
	hash, err := hex.DecodeString(parts[1])
	if err != nil {
		return Waypoint{}, fmt.Errorf("malformed waypoint hash %q: %w", parts[1], err)
	}
	if len(hash) != crypto.ChecksumSize {
		return Waypoint{}, fmt.Errorf("waypoint hash has length %d, want %d", len(hash), crypto.ChecksumSize)
	}
	return Waypoint{Version: version, Hash: hash}, nil
}

func (w Waypoint) String() string {
	return fmt.Sprintf("%d:%s", w.Version, hex.EncodeToString(w.Hash))
}

// IsZero reports whether the waypoint is unset.
func (w Waypoint) IsZero() bool {
	return w.Version == 0 && len(w.Hash) == 0
}

// Verify checks a ledger info against the waypoint. The signatures are
// deliberately ignored: a waypoint-anchored ledger info is trusted by hash,
// which is what makes bootstrap possible before any epoch state is known.
func (w Waypoint) Verify(li LedgerInfo) error {
	if li.Version != w.Version {
		return fmt.Errorf("waypoint version mismatch: waypoint %d, ledger info %d", w.Version, li.Version)
	}
	if !bytes.Equal(li.Hash(), w.Hash) {
		return fmt.Errorf("waypoint hash mismatch at version %d", w.Version)
	}
	return nil
}
