package statesync

import (
	"context"
	"fmt"
	"time"

	"github.com/creachadair/taskgroup"

	"github.com/meridian-chain/meridian/config"
	"github.com/meridian-chain/meridian/libs/log"
	"github.com/meridian-chain/meridian/libs/service"
	"github.com/meridian-chain/meridian/types"
)

// msgQueue is the coordinator's unbounded inbound queue. Producers never
// block on a busy coordinator; the pump goroutine buffers in memory and
// feeds the out channel the coordinator selects on. After close, buffered
// messages with reply callbacks are failed so no caller hangs.
type msgQueue struct {
	in   chan coordinatorMsg
	out  chan coordinatorMsg
	done chan struct{}
}

func newMsgQueue() *msgQueue {
	return &msgQueue{
		in:   make(chan coordinatorMsg),
		out:  make(chan coordinatorMsg),
		done: make(chan struct{}),
	}
}

func (q *msgQueue) run() {
	var buf []coordinatorMsg
	for {
		var out chan<- coordinatorMsg
		var next coordinatorMsg
		if len(buf) > 0 {
			out = q.out
			next = buf[0]
		}
		select {
		case <-q.done:
			for _, msg := range buf {
				failMsg(msg)
			}
			close(q.out)
			return
		case msg := <-q.in:
			buf = append(buf, msg)
		case out <- next:
			buf = buf[1:]
		}
	}
}

func (q *msgQueue) push(msg coordinatorMsg) error {
	select {
	case q.in <- msg:
		return nil
	case <-q.done:
		return errShutdown
	}
}

func (q *msgQueue) close() {
	close(q.done)
}

// failMsg answers a queued-but-undelivered message's callback, if it has
// one, so its producer is not left waiting on a stopped synchronizer.
func failMsg(msg coordinatorMsg) {
	switch msg := msg.(type) {
	case msgSyncRequest:
		msg.callback <- errShutdown
	case msgCommit:
		msg.callback <- errShutdown
	case msgWaitInitialize:
		msg.callback <- errShutdown
	case msgGetState:
		close(msg.callback)
	}
}

// StateSync is the catch-up synchronizer service. It owns the coordinator
// goroutine and the network event pump, and hands out Clients that talk to
// the coordinator over the message queue.
type StateSync struct {
	service.BaseService
	logger log.Logger

	cfg    *config.StateSyncConfig
	coord  *coordinator
	queue  *msgQueue
	events <-chan Event
	tasks  *taskgroup.Group
}

// Bootstrap builds the synchronizer from a bootstrapped executor. It reads
// the initial ledger state eagerly: a node that cannot determine its own
// state must not come up at all.
func Bootstrap(
	logger log.Logger,
	cfg *config.StateSyncConfig,
	executor ExecutorProxy,
	sender MessageSender,
	events <-chan Event,
	consumer CommitConsumer,
	metrics *Metrics,
) (*StateSync, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid state sync config: %w", err)
	}
	if metrics == nil {
		metrics = NopMetrics()
	}

	var waypoint types.Waypoint
	if cfg.Waypoint != "" {
		wp, err := types.WaypointFromString(cfg.Waypoint)
		if err != nil {
			return nil, fmt.Errorf("invalid waypoint %q: %w", cfg.Waypoint, err)
		}
		waypoint = wp
	}

	initialState, err := executor.GetLocalStorageState()
	if err != nil {
		return nil, fmt.Errorf("failed to read local storage state: %w", err)
	}
	logger.Info("bootstrapping state sync", "state", initialState, "waypoint", waypoint)

	ss := &StateSync{
		logger: logger,
		cfg:    cfg,
		queue:  newMsgQueue(),
		events: events,
	}
	ss.coord = newCoordinator(logger, cfg, executor, sender, consumer, waypoint, initialState, metrics)
	ss.BaseService = *service.NewBaseService(logger, "StateSync", ss)
	return ss, nil
}

// OnStart implements service.Implementation. It spins up the queue pump,
// the network event pump, and the coordinator loop.
func (ss *StateSync) OnStart(ctx context.Context) error {
	ss.tasks = taskgroup.New(nil)
	ss.tasks.Go(func() error {
		ss.queue.run()
		return nil
	})
	ss.tasks.Go(func() error {
		ss.pumpEvents(ctx)
		return nil
	})
	ss.tasks.Go(func() error {
		ss.coord.run(ctx, ss.queue.out)
		return nil
	})
	return nil
}

// OnStop implements service.Implementation.
func (ss *StateSync) OnStop() {
	ss.queue.close()
	ss.tasks.Wait()
}

// pumpEvents translates inbound network events into coordinator messages.
func (ss *StateSync) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ss.queue.done:
			return
		case ev, ok := <-ss.events:
			if !ok {
				return
			}
			ss.handleEvent(ev)
		}
	}
}

func (ss *StateSync) handleEvent(ev Event) {
	var msg coordinatorMsg
	switch ev := ev.(type) {
	case EventPeerUp:
		msg = msgPeerUp{peer: ev.Peer}
	case EventPeerDown:
		msg = msgPeerDown{peer: ev.Peer}
	case EventMessage:
		switch m := ev.Message.(type) {
		case *ChunkRequest:
			msg = msgChunkRequest{peer: ev.Peer, request: m}
		case *ChunkResponse:
			msg = msgChunkResponse{peer: ev.Peer, response: m}
		default:
			ss.logger.Error("unknown network message", "peer", ev.Peer,
				"type", fmt.Sprintf("%T", ev.Message))
			return
		}
	default:
		ss.logger.Error("unknown network event", "type", fmt.Sprintf("%T", ev))
		return
	}
	if err := ss.queue.push(msg); err != nil {
		ss.logger.Debug("dropping event on shutdown", "err", err)
	}
}

// Client returns a handle for talking to the synchronizer. Clients are
// cheap and safe for concurrent use.
func (ss *StateSync) Client() *Client {
	return &Client{queue: ss.queue, ackTimeout: ss.cfg.CommitAckTimeout}
}

// Client is the caller-facing facade over the coordinator's message queue.
// Every method is a one-shot request/reply over a buffered channel, so a
// caller abandoning a call (context cancellation) never blocks the
// coordinator.
type Client struct {
	queue      *msgQueue
	ackTimeout time.Duration
}

// SyncTo drives the ledger to the target's version, blocking until the
// target is both applied and certified in local storage, or until the sync
// fails or the context terminates. On any error local storage is unchanged
// relative to the progress already made.
func (c *Client) SyncTo(ctx context.Context, target *types.LedgerInfoWithSignatures) error {
	cb := make(chan error, 1)
	if err := c.queue.push(msgSyncRequest{target: target, callback: cb}); err != nil {
		return err
	}
	select {
	case err := <-cb:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Commit reports locally committed transactions and reconfiguration events
// to the synchronizer and waits for its acknowledgment. ErrNoAck after the
// ack timeout is ambiguous: the commit may still be processed.
func (c *Client) Commit(ctx context.Context, txns []types.Transaction, events []types.ContractEvent) error {
	cb := make(chan error, 1)
	if err := c.queue.push(msgCommit{txns: txns, events: events, callback: cb}); err != nil {
		return err
	}
	select {
	case err := <-cb:
		return err
	case <-time.After(c.ackTimeout):
		return ErrNoAck
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetState returns the coordinator's current snapshot of local ledger
// state.
func (c *Client) GetState(ctx context.Context) (SyncState, error) {
	cb := make(chan SyncState, 1)
	if err := c.queue.push(msgGetState{callback: cb}); err != nil {
		return SyncState{}, err
	}
	select {
	case state, ok := <-cb:
		if !ok {
			return SyncState{}, errShutdown
		}
		return state, nil
	case <-ctx.Done():
		return SyncState{}, ctx.Err()
	}
}

// WaitUntilInitialized blocks until the node has synced past its waypoint
// at least once since startup. With no waypoint configured it returns
// immediately.
func (c *Client) WaitUntilInitialized(ctx context.Context) error {
	cb := make(chan error, 1)
	if err := c.queue.push(msgWaitInitialize{callback: cb}); err != nil {
		return err
	}
	select {
	case err := <-cb:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
