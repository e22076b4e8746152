package statesync

import (
	"context"
	"fmt"
	"time"

	"github.com/meridian-chain/meridian/config"
	"github.com/meridian-chain/meridian/libs/log"
	"github.com/meridian-chain/meridian/types"
)

// coordinatorMsg is the tagged union read off the coordinator's inbound
// queue. Producers (client facade, network pump) never block; the
// coordinator consumes one message at a time, which is the only reason none
// of its state needs locking.
type coordinatorMsg interface {
	coordinatorMsg()
}

type msgSyncRequest struct {
	target   *types.LedgerInfoWithSignatures
	callback chan<- error
}

type msgCommit struct {
	txns     []types.Transaction
	events   []types.ContractEvent
	callback chan<- error
}

type msgChunkResponse struct {
	peer     PeerID
	response *ChunkResponse
}

type msgChunkRequest struct {
	peer    PeerID
	request *ChunkRequest
}

type msgPeerUp struct{ peer PeerID }

type msgPeerDown struct{ peer PeerID }

type msgWaitInitialize struct {
	callback chan<- error
}

type msgGetState struct {
	callback chan<- SyncState
}

func (msgSyncRequest) coordinatorMsg()    {}
func (msgCommit) coordinatorMsg()         {}
func (msgChunkResponse) coordinatorMsg()  {}
func (msgChunkRequest) coordinatorMsg()   {}
func (msgPeerUp) coordinatorMsg()         {}
func (msgPeerDown) coordinatorMsg()       {}
func (msgWaitInitialize) coordinatorMsg() {}
func (msgGetState) coordinatorMsg()       {}

// syncRequest is an external caller waiting for the ledger to reach a
// specific target. At most one is in flight.
type syncRequest struct {
	target       *types.LedgerInfoWithSignatures
	callback     chan<- error
	lastProgress time.Time
}

// coordinator is the catch-up state machine. It alternates between an idle
// state, where it passively tails the network head, and actively syncing
// toward a caller's target. All fields are owned by the message loop.
type coordinator struct {
	logger   log.Logger
	cfg      *config.StateSyncConfig
	executor ExecutorProxy
	sender   MessageSender
	requests *requestManager
	consumer CommitConsumer
	metrics  *Metrics
	waypoint types.Waypoint

	state         SyncState
	pending       *syncRequest
	initialized   bool
	waitCallbacks []chan<- error
}

func newCoordinator(
	logger log.Logger,
	cfg *config.StateSyncConfig,
	executor ExecutorProxy,
	sender MessageSender,
	consumer CommitConsumer,
	waypoint types.Waypoint,
	initialState SyncState,
	metrics *Metrics,
) *coordinator {
	c := &coordinator{
		logger:   logger,
		cfg:      cfg,
		executor: executor,
		sender:   sender,
		requests: newRequestManager(logger, cfg, sender, metrics),
		consumer: consumer,
		metrics:  metrics,
		waypoint: waypoint,
		state:    initialState,
	}
	c.initialized = waypoint.IsZero() || initialState.SyncedVersion() >= waypoint.Version
	c.recordStateMetrics()
	return c
}

// run consumes the inbound queue until the context terminates or the queue
// closes. The ticker drives request-timeout and stall detection, which are
// periodic rather than event-triggered.
func (c *coordinator) run(ctx context.Context, msgs <-chan coordinatorMsg) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case msg, ok := <-msgs:
			if !ok {
				c.shutdown()
				return
			}
			c.handleMsg(ctx, msg)
		case <-ticker.C:
			c.checkProgress(time.Now())
		}
	}
}

func (c *coordinator) handleMsg(ctx context.Context, msg coordinatorMsg) {
	switch msg := msg.(type) {
	case msgSyncRequest:
		c.handleSyncRequest(msg)
	case msgCommit:
		c.handleCommit(ctx, msg)
	case msgChunkResponse:
		c.handleChunkResponse(ctx, msg.peer, msg.response)
	case msgChunkRequest:
		c.handleChunkRequest(msg.peer, msg.request)
	case msgPeerUp:
		c.requests.addPeer(msg.peer)
		// A new source may unblock a stalled pipeline.
		if (c.pending != nil || !c.initialized) && !c.requests.hasOutstanding() {
			c.requestNextChunk(time.Now())
		}
	case msgPeerDown:
		c.requests.removePeer(msg.peer)
	case msgWaitInitialize:
		if c.initialized {
			msg.callback <- nil
		} else {
			c.waitCallbacks = append(c.waitCallbacks, msg.callback)
		}
	case msgGetState:
		msg.callback <- c.state
	default:
		c.logger.Error("unexpected coordinator message", "type", fmt.Sprintf("%T", msg))
	}
}

// handleSyncRequest processes an external request to sync to a target ledger
// info. On any error path local storage is untouched.
func (c *coordinator) handleSyncRequest(msg msgSyncRequest) {
	target := msg.target
	if err := target.ValidateBasic(); err != nil {
		msg.callback <- &VerificationError{Err: err}
		return
	}
	if c.pending != nil {
		msg.callback <- ErrSyncInProgress
		return
	}

	// Targets in the trusted epoch are verified up front. A target in a
	// later epoch cannot be verified yet; it is accepted provisionally and
	// verified implicitly once the epoch-ending ledger infos on the way
	// there have rotated the trusted validator set.
	if target.Epoch() <= c.state.TrustedEpoch() {
		if err := c.state.VerifyLedgerInfo(target); err != nil {
			c.logger.Error("rejecting unverifiable sync target", "target", target, "err", err)
			msg.callback <- &VerificationError{Err: err}
			return
		}
	}

	if target.Version() <= c.state.SyncedVersion() {
		// Already there. Certify the target locally if storage has the data
		// but no covering ledger info yet.
		if target.Version() > c.state.CommittedVersion() && target.Epoch() <= c.state.TrustedEpoch() {
			if err := c.executor.CommitLedgerInfo(target); err != nil {
				msg.callback <- &StorageError{Err: err}
				return
			}
			if err := c.refreshState(); err != nil {
				msg.callback <- &StorageError{Err: err}
				return
			}
		}
		msg.callback <- nil
		return
	}

	c.logger.Info("starting sync", "current_version", c.state.SyncedVersion(),
		"target_version", target.Version(), "target_epoch", target.Epoch())
	c.pending = &syncRequest{
		target:       target,
		callback:     msg.callback,
		lastProgress: time.Now(),
	}
	c.metrics.Syncing.Set(1)
	c.requestNextChunk(time.Now())
}

// handleChunkResponse validates, verifies and applies a chunk. Stale or
// duplicate ranges are dropped without penalty; anything cryptographically
// or structurally wrong penalizes the sender and triggers a re-request.
func (c *coordinator) handleChunkResponse(ctx context.Context, peer PeerID, resp *ChunkResponse) {
	if err := resp.ValidateBasic(); err != nil {
		c.logger.Error("malformed chunk response", "peer", peer, "err", &ProtocolError{Err: err})
		c.rejectChunk(peer)
		return
	}

	known := c.state.SyncedVersion()
	first := resp.Txns.FirstVersion
	if first <= known {
		// Already subsumed, e.g. a redundant multicast response. Idempotent
		// and not the peer's fault.
		c.logger.Debug("ignoring stale chunk response", "peer", peer,
			"first_version", first, "synced_version", known)
		return
	}
	if first != known+1 {
		// A gap means the response answers a question we are no longer
		// asking. Drop it and re-request from the authoritative version.
		c.logger.Debug("ignoring out-of-order chunk response", "peer", peer,
			"first_version", first, "synced_version", known)
		c.rerequest(time.Now())
		return
	}

	txns, target := c.chooseVerificationTarget(resp)

	var err error
	if !c.initialized && target.Version() == c.waypoint.Version {
		err = c.waypoint.Verify(target.LedgerInfo)
	} else {
		err = c.state.VerifyLedgerInfo(target)
	}
	if err == nil {
		err = txns.Verify(target, known+1, c.state.SyncedTrees().AccumulatorRoot)
	}
	if err != nil {
		c.logger.Error("rejecting unverifiable chunk", "peer", peer, "err", &VerificationError{Err: err})
		c.rejectChunk(peer)
		return
	}

	if err := c.executor.ExecuteAndCommitChunk(txns, target); err != nil {
		c.logger.Error("failed to apply chunk", "peer", peer,
			"first_version", txns.FirstVersion, "err", &StorageError{Err: err})
		c.rejectChunk(peer)
		return
	}

	c.requests.processValidResponse(peer, txns.LastVersion())
	c.metrics.AppliedChunks.Add(1)

	prevTrustedEpoch := c.state.TrustedEpoch()
	if err := c.refreshState(); err != nil {
		c.logger.Error("failed to refresh state from storage", "err", err)
		return
	}
	if c.state.TrustedEpoch() > prevTrustedEpoch {
		c.logger.Info("epoch change applied", "epoch", c.state.TrustedEpoch(),
			"version", c.state.SyncedVersion())
	}
	c.logger.Debug("applied chunk", "peer", peer, "first_version", txns.FirstVersion,
		"count", len(txns.Transactions), "synced_version", c.state.SyncedVersion())

	if resp := c.notifyConsumer(ctx, txns.Transactions); resp.Msg != "" {
		c.logger.Error("commit consumer rejected synced transactions", "msg", resp.Msg)
	}

	if c.pending != nil {
		c.pending.lastProgress = time.Now()
	}
	c.checkInitialized()
	c.checkPendingFulfilled()

	// Keep pulling: toward the pending target, toward the waypoint, or
	// toward the network head the response revealed.
	if c.pending != nil || !c.initialized || resp.LedgerInfo.Version() > c.state.SyncedVersion() {
		c.requestNextChunk(time.Now())
	}
}

// chooseVerificationTarget picks the ledger info a chunk is verified and
// committed against. When the chunk covers the pending sync target, the
// transactions are truncated at the target version and anchored to the
// caller's own (already trusted) ledger info, so that fulfillment always
// leaves the target certified in storage no matter what the response was
// anchored to.
func (c *coordinator) chooseVerificationTarget(resp *ChunkResponse) (types.TransactionListWithProof, *types.LedgerInfoWithSignatures) {
	txns, target := resp.Txns, resp.LedgerInfo
	if c.pending == nil {
		return txns, target
	}
	pt := c.pending.target
	if target.Version() > pt.Version() && txns.LastVersion() >= pt.Version() {
		keep := pt.Version() - txns.FirstVersion + 1
		txns = types.TransactionListWithProof{
			FirstVersion: txns.FirstVersion,
			Transactions: txns.Transactions[:keep],
		}
		target = pt
	}
	return txns, target
}

// handleCommit processes a consensus-driven local commit: apply, refresh,
// notify downstream, and possibly close out an in-flight sync request that
// this commit overtook.
func (c *coordinator) handleCommit(ctx context.Context, msg msgCommit) {
	if err := c.executor.CommitTransactions(msg.txns); err != nil {
		msg.callback <- &StorageError{Err: err}
		return
	}
	if err := c.refreshState(); err != nil {
		msg.callback <- &StorageError{Err: err}
		return
	}
	for _, ev := range msg.events {
		if ev.IsReconfig() {
			c.executor.PublishReconfig()
			break
		}
	}

	resp := c.notifyConsumer(ctx, msg.txns)
	if resp.Msg != "" {
		msg.callback <- &CommitError{Msg: resp.Msg}
	} else {
		msg.callback <- nil
	}

	c.checkInitialized()
	c.checkPendingFulfilled()
}

// handleChunkRequest serves a peer that is behind from local storage.
func (c *coordinator) handleChunkRequest(peer PeerID, req *ChunkRequest) {
	if err := req.ValidateBasic(); err != nil {
		c.logger.Debug("ignoring malformed chunk request", "peer", peer, "err", err)
		return
	}
	resp, err := c.executor.GetChunk(req)
	if err != nil {
		c.logger.Debug("cannot serve chunk request", "peer", peer,
			"known_version", req.KnownVersion, "err", err)
		return
	}
	if err := c.sender.Send(peer, resp); err != nil {
		c.logger.Error("failed to send chunk response", "peer", peer, "err", err)
	}
}

// checkProgress runs on every tick: request-timeout retries, stall
// detection for the active sync request, and restarting a pipeline that has
// nothing outstanding.
func (c *coordinator) checkProgress(now time.Time) {
	if c.requests.checkTimeout(now) {
		c.rerequest(now)
	}

	if c.pending != nil && now.Sub(c.pending.lastProgress) > c.cfg.SyncRequestTimeout {
		c.logger.Error("sync request stalled, giving up",
			"target_version", c.pending.target.Version(),
			"synced_version", c.state.SyncedVersion())
		c.metrics.FailedSyncRequests.Add(1)
		c.failPending(ErrNoProgress)
		return
	}

	if (c.pending != nil || !c.initialized) && !c.requests.hasOutstanding() {
		c.requestNextChunk(now)
	}
}

// requestNextChunk issues the next chunk request from the authoritative
// synced version. The target selector reflects what the node is after:
// waypoint bootstrap, a specific sync target, or just tailing the head.
func (c *coordinator) requestNextChunk(now time.Time) {
	req := &ChunkRequest{
		KnownVersion: c.state.SyncedVersion(),
		KnownEpoch:   c.state.TrustedEpoch(),
		Limit:        c.cfg.ChunkLimit,
	}
	switch {
	case !c.initialized:
		req.Target = TargetWaypoint{Version: c.waypoint.Version}
	case c.pending != nil:
		req.Target = TargetVersion{Version: c.pending.target.Version()}
	default:
		req.Target = TargetHighest{}
	}

	if err := c.requests.sendChunkRequest(req, now); err != nil {
		// No eligible peers right now; the next tick or peer-up retries.
		c.logger.Debug("unable to send chunk request", "err", err)
	}
}

func (c *coordinator) rerequest(now time.Time) {
	if c.pending != nil || !c.initialized {
		c.requestNextChunk(now)
	}
}

func (c *coordinator) rejectChunk(peer PeerID) {
	c.metrics.RejectedChunks.Add(1)
	c.requests.processInvalidResponse(peer)
	c.rerequest(time.Now())
}

// refreshState replaces the whole state snapshot from storage. It is the
// only way coordinator state advances.
func (c *coordinator) refreshState() error {
	state, err := c.executor.GetLocalStorageState()
	if err != nil {
		return err
	}
	c.state = state
	c.recordStateMetrics()
	return nil
}

func (c *coordinator) recordStateMetrics() {
	c.metrics.SyncedVersion.Set(float64(c.state.SyncedVersion()))
	c.metrics.CommittedVersion.Set(float64(c.state.CommittedVersion()))
	c.metrics.TrustedEpoch.Set(float64(c.state.TrustedEpoch()))
}

// checkInitialized marks the node initialized once the waypoint version has
// been reached, answering any parked wait-for-initialization callbacks.
func (c *coordinator) checkInitialized() {
	if c.initialized {
		return
	}
	if c.state.SyncedVersion() >= c.waypoint.Version {
		c.initialized = true
		c.logger.Info("waypoint reached, node initialized",
			"waypoint_version", c.waypoint.Version,
			"synced_version", c.state.SyncedVersion())
		for _, cb := range c.waitCallbacks {
			cb <- nil
		}
		c.waitCallbacks = nil
	}
}

// checkPendingFulfilled completes the active sync request once the target
// version is both applied and certified. A local commit may overtake the
// target without certifying it; in that case the caller's own target ledger
// info is committed to close the gap.
func (c *coordinator) checkPendingFulfilled() {
	if c.pending == nil {
		return
	}
	target := c.pending.target
	if c.state.SyncedVersion() < target.Version() {
		return
	}
	if c.state.CommittedVersion() < target.Version() {
		if err := c.executor.CommitLedgerInfo(target); err != nil {
			c.logger.Error("failed to certify sync target", "err", err)
			return
		}
		if err := c.refreshState(); err != nil {
			c.logger.Error("failed to refresh state from storage", "err", err)
			return
		}
	}

	c.logger.Info("sync target reached", "target_version", target.Version(),
		"committed_version", c.state.CommittedVersion())
	c.pending.callback <- nil
	c.pending = nil
	c.metrics.Syncing.Set(0)
}

func (c *coordinator) failPending(err error) {
	if c.pending == nil {
		return
	}
	c.pending.callback <- err
	c.pending = nil
	c.metrics.Syncing.Set(0)
}

func (c *coordinator) notifyConsumer(ctx context.Context, txns []types.Transaction) CommitResponse {
	if c.consumer == nil || len(txns) == 0 {
		return CommitResponse{}
	}
	cctx, cancel := context.WithTimeout(ctx, c.cfg.ConsumerTimeout)
	defer cancel()
	return c.consumer.ProcessCommit(cctx, txns)
}

// shutdown aborts every parked callback so no caller hangs on a stopped
// coordinator.
func (c *coordinator) shutdown() {
	c.failPending(errShutdown)
	for _, cb := range c.waitCallbacks {
		cb <- errShutdown
	}
	c.waitCallbacks = nil
}
