package config

import (
	"fmt"
	"time"
)

// Node roles. A validator node syncs only from its validator peers, a full
// node from whatever upstream peers the network layer admits.
const (
	RoleValidator = "validator"
	RoleFullNode  = "full"
)

// StateSyncConfig defines the configuration for the ledger catch-up
// synchronizer.
type StateSyncConfig struct {
	// Role the node plays; affects which peers are eligible chunk sources.
	Role string `mapstructure:"role"`

	// Waypoint is the trust anchor in "version:hex" form. Empty disables
	// waypoint bootstrap (the node trusts its local storage state).
	Waypoint string `mapstructure:"waypoint"`

	// ChunkLimit is the maximum number of transactions requested per chunk.
	ChunkLimit uint64 `mapstructure:"chunk_limit"`

	// RequestTimeout is how long to wait for a chunk response before
	// penalizing the recipients and retrying against other peers.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// SyncRequestTimeout is the stall threshold: an active sync request that
	// makes no progress for this long fails with a no-progress error.
	SyncRequestTimeout time.Duration `mapstructure:"sync_request_timeout"`

	// TickInterval is how often the coordinator checks for request timeouts
	// and stalled sync requests.
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// MulticastFanout is the number of top-scored peers the same chunk
	// request is sent to. Values above 1 trade bandwidth for tail latency.
	MulticastFanout int `mapstructure:"multicast_fanout"`

	// MinPeerScore is the responsiveness score below which a peer is
	// excluded from selection.
	MinPeerScore float64 `mapstructure:"min_peer_score"`

	// CommitAckTimeout bounds how long a commit caller waits for the
	// coordinator's acknowledgement.
	CommitAckTimeout time.Duration `mapstructure:"commit_ack_timeout"`

	// ConsumerTimeout bounds the downstream commit-consumer notification.
	ConsumerTimeout time.Duration `mapstructure:"consumer_timeout"`
}

// DefaultStateSyncConfig returns a default configuration for the
// synchronizer.
func DefaultStateSyncConfig() *StateSyncConfig {
	return &StateSyncConfig{
		Role:               RoleFullNode,
		ChunkLimit:         250,
		RequestTimeout:     2 * time.Second,
		SyncRequestTimeout: 30 * time.Second,
		TickInterval:       500 * time.Millisecond,
		MulticastFanout:    1,
		MinPeerScore:       5,
		CommitAckTimeout:   5 * time.Second,
		ConsumerTimeout:    time.Second,
	}
}

// TestStateSyncConfig returns a configuration for testing the synchronizer.
func TestStateSyncConfig() *StateSyncConfig {
	cfg := DefaultStateSyncConfig()
	cfg.ChunkLimit = 50
	cfg.RequestTimeout = 50 * time.Millisecond
	cfg.SyncRequestTimeout = 500 * time.Millisecond
	cfg.TickInterval = 10 * time.Millisecond
	cfg.CommitAckTimeout = time.Second
	cfg.ConsumerTimeout = 100 * time.Millisecond
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *StateSyncConfig) ValidateBasic() error {
	switch cfg.Role {
	case RoleValidator, RoleFullNode:
	default:
		return fmt.Errorf("unknown role %q", cfg.Role)
	}
	if cfg.ChunkLimit == 0 {
		return fmt.Errorf("chunk_limit must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if cfg.SyncRequestTimeout < cfg.RequestTimeout {
		return fmt.Errorf("sync_request_timeout cannot be below request_timeout")
	}
	if cfg.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	if cfg.MulticastFanout < 1 {
		return fmt.Errorf("multicast_fanout must be at least 1")
	}
	if cfg.MinPeerScore < 0 {
		return fmt.Errorf("min_peer_score cannot be negative")
	}
	if cfg.CommitAckTimeout <= 0 {
		return fmt.Errorf("commit_ack_timeout must be positive")
	}
	return nil
}
