package statesync

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/meridian-chain/meridian/store"
	"github.com/meridian-chain/meridian/types"
)

// ExecutorProxy is the coordinator's seam to durable storage and transaction
// execution. The coordinator only ever talks to storage through this
// interface; tests swap in a fake, production wires NewExecutorProxy over a
// LedgerStore. Implementations must return in bounded time; a slow call
// stalls the whole coordinator.
type ExecutorProxy interface {
	// GetLocalStorageState re-reads the current ledger state from storage.
	GetLocalStorageState() (SyncState, error)

	// ExecuteAndCommitChunk applies a verified chunk. The target ledger info
	// has already been signature-verified by the caller; the proxy enforces
	// contiguity and, once the certified version is reached, the accumulator
	// root, and commits the ledger info.
	ExecuteAndCommitChunk(txns types.TransactionListWithProof, target *types.LedgerInfoWithSignatures) error

	// CommitTransactions applies locally committed transactions (driven by
	// consensus rather than catch-up).
	CommitTransactions(txns []types.Transaction) error

	// CommitLedgerInfo certifies already-applied transactions with a
	// verified ledger info at or below the synced version.
	CommitLedgerInfo(liws *types.LedgerInfoWithSignatures) error

	// GetChunk serves a peer's chunk request from local storage.
	GetChunk(req *ChunkRequest) (*ChunkResponse, error)

	// PublishReconfig delivers the current epoch state to reconfiguration
	// subscribers.
	PublishReconfig()
}

// ReconfigSubscription is called synchronously with the new epoch state
// whenever an applied chunk or commit crosses an epoch boundary.
type ReconfigSubscription func(*types.EpochState)

type executorProxy struct {
	store         *store.LedgerStore
	subscriptions []ReconfigSubscription
}

// NewExecutorProxy builds the production executor proxy over a bootstrapped
// ledger store.
func NewExecutorProxy(ls *store.LedgerStore, subs ...ReconfigSubscription) (ExecutorProxy, error) {
	if !ls.IsBootstrapped() {
		return nil, errors.New("ledger store is not bootstrapped")
	}
	return &executorProxy{store: ls, subscriptions: subs}, nil
}

func (ep *executorProxy) GetLocalStorageState() (SyncState, error) {
	latest := ep.store.LatestLedgerInfo()
	if latest == nil {
		return SyncState{}, errors.New("no ledger info in storage")
	}
	epochState := ep.store.CurrentEpochState()
	if epochState == nil {
		return SyncState{}, errors.New("no epoch state in storage")
	}
	return NewSyncState(latest, ep.store.SyncedState(), epochState), nil
}

func (ep *executorProxy) ExecuteAndCommitChunk(
	txns types.TransactionListWithProof,
	target *types.LedgerInfoWithSignatures,
) error {
	synced := ep.store.SyncedState()
	newRoot := types.AccumulatorRootAfter(synced.AccumulatorRoot, txns.Transactions)

	reachesTarget := txns.LastVersion() == target.Version()
	if reachesTarget && !bytes.Equal(newRoot, target.LedgerInfo.AccumulatorRoot) {
		return fmt.Errorf("executed accumulator root %X does not match certified root %X at version %d",
			newRoot, target.LedgerInfo.AccumulatorRoot, target.Version())
	}

	if err := ep.store.SaveTransactions(txns.FirstVersion, txns.Transactions, newRoot); err != nil {
		return err
	}
	if !reachesTarget {
		return nil
	}

	if err := ep.store.SaveLedgerInfo(target); err != nil {
		return err
	}
	if target.LedgerInfo.EndsEpoch() {
		ep.publish(target.LedgerInfo.NextEpochState)
	}
	return nil
}

func (ep *executorProxy) CommitTransactions(txns []types.Transaction) error {
	if len(txns) == 0 {
		return nil
	}
	synced := ep.store.SyncedState()
	newRoot := types.AccumulatorRootAfter(synced.AccumulatorRoot, txns)
	return ep.store.SaveTransactions(synced.Version+1, txns, newRoot)
}

func (ep *executorProxy) CommitLedgerInfo(liws *types.LedgerInfoWithSignatures) error {
	synced := ep.store.SyncedState()
	if !bytes.Equal(synced.AccumulatorRoot, liws.LedgerInfo.AccumulatorRoot) && liws.Version() == synced.Version {
		return fmt.Errorf("local accumulator root %X does not match certified root %X at version %d",
			synced.AccumulatorRoot, liws.LedgerInfo.AccumulatorRoot, liws.Version())
	}
	if err := ep.store.SaveLedgerInfo(liws); err != nil {
		return err
	}
	if liws.LedgerInfo.EndsEpoch() {
		ep.publish(liws.LedgerInfo.NextEpochState)
	}
	return nil
}

func (ep *executorProxy) GetChunk(req *ChunkRequest) (*ChunkResponse, error) {
	synced := ep.store.SyncedState()
	if req.KnownVersion >= synced.Version {
		return nil, fmt.Errorf("nothing to serve: peer at version %d, local synced version %d",
			req.KnownVersion, synced.Version)
	}

	liws, err := ep.responseLedgerInfo(req)
	if err != nil {
		return nil, err
	}
	if liws.Version() <= req.KnownVersion {
		return nil, fmt.Errorf("no certified data beyond peer version %d", req.KnownVersion)
	}

	limit := req.Limit
	if span := liws.Version() - req.KnownVersion; limit > span {
		limit = span
	}
	txs, err := ep.store.Transactions(req.KnownVersion+1, limit)
	if err != nil {
		return nil, err
	}
	return &ChunkResponse{
		Txns: types.TransactionListWithProof{
			FirstVersion: req.KnownVersion + 1,
			Transactions: txs,
		},
		LedgerInfo: liws,
	}, nil
}

// responseLedgerInfo picks the ledger info to anchor a served chunk to. A
// requester behind an epoch boundary gets the ledger info that ended its
// epoch, so it can pick up the next validator set before anything signed by
// it.
func (ep *executorProxy) responseLedgerInfo(req *ChunkRequest) (*types.LedgerInfoWithSignatures, error) {
	if ec, err := ep.store.EpochEndingLedgerInfo(req.KnownEpoch); err == nil && ec.Version() > req.KnownVersion {
		return ec, nil
	}

	switch t := req.Target.(type) {
	case TargetWaypoint:
		liws, err := ep.store.LedgerInfoAt(t.Version)
		if err != nil {
			return nil, fmt.Errorf("no ledger info at waypoint version %d: %w", t.Version, err)
		}
		return liws, nil
	case TargetVersion:
		if liws, err := ep.store.LedgerInfoAt(t.Version); err == nil {
			return liws, nil
		}
		return ep.store.LatestLedgerInfo(), nil
	case TargetHighest:
		return ep.store.LatestLedgerInfo(), nil
	default:
		return nil, fmt.Errorf("unknown target selector %T", req.Target)
	}
}

func (ep *executorProxy) PublishReconfig() {
	if es := ep.store.CurrentEpochState(); es != nil {
		ep.publish(es)
	}
}

func (ep *executorProxy) publish(es *types.EpochState) {
	for _, sub := range ep.subscriptions {
		sub(es)
	}
}
