package statesync

import (
	"context"

	"github.com/meridian-chain/meridian/types"
)

// PeerID identifies a peer on the network layer. The transport tags every
// inbound event with the logical identity of its origin.
type PeerID string

// MessageSender is the outbound half of the network boundary. Sends are
// expected to be non-blocking or bounded; the transport owns framing,
// connection lifecycle and delivery.
type MessageSender interface {
	Send(peer PeerID, msg Message) error
}

// Event is an inbound network event: a decoded message from a peer or a
// peer lifecycle notification. The transport delivers these on the event
// channel passed to Bootstrap.
type Event interface {
	eventPeer() PeerID
}

// EventMessage delivers a decoded chunk protocol message from a peer.
type EventMessage struct {
	Peer    PeerID
	Message Message
}

// EventPeerUp announces a newly connected (or re-admitted) upstream peer.
type EventPeerUp struct {
	Peer PeerID
}

// EventPeerDown announces a disconnected peer.
type EventPeerDown struct {
	Peer PeerID
}

func (e EventMessage) eventPeer() PeerID  { return e.Peer }
func (e EventPeerUp) eventPeer() PeerID   { return e.Peer }
func (e EventPeerDown) eventPeer() PeerID { return e.Peer }

// CommitResponse is the downstream consumer's verdict on a batch of
// committed transactions. An empty Msg means success; anything else is an
// application-level rejection surfaced to the committer.
type CommitResponse struct {
	Msg string
}

// CommitConsumer receives newly committed transactions, e.g. so a mempool
// can evict them. The coordinator calls ProcessCommit synchronously from its
// message loop with a bounded context; implementations must honor the
// deadline.
type CommitConsumer interface {
	ProcessCommit(ctx context.Context, txns []types.Transaction) CommitResponse
}

// CommitConsumerFunc adapts a function to the CommitConsumer interface.
type CommitConsumerFunc func(ctx context.Context, txns []types.Transaction) CommitResponse

// ProcessCommit implements CommitConsumer.
func (f CommitConsumerFunc) ProcessCommit(ctx context.Context, txns []types.Transaction) CommitResponse {
	return f(ctx, txns)
}
