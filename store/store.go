package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/orderedcode"
	amino "github.com/tendermint/go-amino"
	dbm "github.com/tendermint/tm-db"

	"github.com/meridian-chain/meridian/types"
)

// Key prefixes. Versions are encoded with orderedcode so that iteration over
// the keyspace yields transactions in version order.
const (
	prefixTransaction = "tx"
	prefixLedgerInfo  = "li"
	prefixEpochChange = "ec"
	keySyncedState    = "meta/synced_state"
	keyLatestVersion  = "meta/latest_li"
	keyEpochState     = "meta/epoch_state"
)

var cdc = amino.NewCodec()

// ErrNotFound is returned when a requested transaction or ledger info is not
// in the store.
var ErrNotFound = errors.New("not found in ledger store")

// LedgerStore is the durable ledger state behind the executor proxy: applied
// transactions, certified ledger infos, the synced tree state, and the
// current epoch's validator set.
//
// The store can be assumed to contain all contiguous transactions from
// genesis up to the synced version; SaveTransactions rejects gaps.
type LedgerStore struct {
	db dbm.DB

	mtx        sync.RWMutex
	synced     types.TreeState
	latest     *types.LedgerInfoWithSignatures
	epochState *types.EpochState
}

// NewLedgerStore opens a ledger store over db, loading the persisted state
// if any.
func NewLedgerStore(db dbm.DB) (*LedgerStore, error) {
	ls := &LedgerStore{db: db}

	bz, err := db.Get([]byte(keySyncedState))
	if err != nil {
		return nil, fmt.Errorf("failed to load synced state: %w", err)
	}
	if bz == nil {
		// Fresh database; Bootstrap must be called before use.
		return ls, nil
	}
	if err := cdc.UnmarshalBinaryBare(bz, &ls.synced); err != nil {
		return nil, fmt.Errorf("corrupt synced state: %w", err)
	}

	bz, err = db.Get([]byte(keyLatestVersion))
	if err != nil {
		return nil, fmt.Errorf("failed to load latest ledger info pointer: %w", err)
	}
	if bz != nil {
		var version uint64
		if err := cdc.UnmarshalBinaryBare(bz, &version); err != nil {
			return nil, fmt.Errorf("corrupt latest ledger info pointer: %w", err)
		}
		li, err := ls.LedgerInfoAt(version)
		if err != nil {
			return nil, fmt.Errorf("failed to load latest ledger info: %w", err)
		}
		ls.latest = li
	}

	bz, err = db.Get([]byte(keyEpochState))
	if err != nil {
		return nil, fmt.Errorf("failed to load epoch state: %w", err)
	}
	if bz != nil {
		es := new(types.EpochState)
		if err := cdc.UnmarshalBinaryBare(bz, es); err != nil {
			return nil, fmt.Errorf("corrupt epoch state: %w", err)
		}
		ls.epochState = es
	}

	return ls, nil
}

// IsBootstrapped reports whether the store holds any ledger state.
func (ls *LedgerStore) IsBootstrapped() bool {
	ls.mtx.RLock()
	defer ls.mtx.RUnlock()
	return ls.latest != nil
}

// Bootstrap seeds an empty store from a genesis ledger info. The genesis
// ledger info must end an epoch so that the store learns its first validator
// set.
func (ls *LedgerStore) Bootstrap(genesis *types.LedgerInfoWithSignatures) error {
	if err := genesis.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid genesis ledger info: %w", err)
	}
	if !genesis.LedgerInfo.EndsEpoch() {
		return errors.New("genesis ledger info must carry the initial validator set")
	}

	ls.mtx.Lock()
	defer ls.mtx.Unlock()
	if ls.latest != nil {
		return errors.New("ledger store is already bootstrapped")
	}

	synced := types.TreeState{
		Version:         genesis.Version(),
		AccumulatorRoot: genesis.LedgerInfo.AccumulatorRoot,
	}
	batch := ls.db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(keySyncedState), cdc.MustMarshalBinaryBare(synced)); err != nil {
		return err
	}
	if err := ls.stageLedgerInfo(batch, genesis); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("failed to write genesis state: %w", err)
	}

	ls.synced = synced
	ls.latest = genesis
	ls.epochState = genesis.LedgerInfo.NextEpochState
	return nil
}

// SyncedState returns the highest applied version and its accumulator root.
func (ls *LedgerStore) SyncedState() types.TreeState {
	ls.mtx.RLock()
	defer ls.mtx.RUnlock()
	return ls.synced
}

// LatestLedgerInfo returns the highest certified ledger info, or nil for an
// unbootstrapped store.
func (ls *LedgerStore) LatestLedgerInfo() *types.LedgerInfoWithSignatures {
	ls.mtx.RLock()
	defer ls.mtx.RUnlock()
	return ls.latest
}

// CurrentEpochState returns the validator set of the current epoch, i.e. the
// NextEpochState of the most recent epoch-ending ledger info.
func (ls *LedgerStore) CurrentEpochState() *types.EpochState {
	ls.mtx.RLock()
	defer ls.mtx.RUnlock()
	return ls.epochState
}

// SaveTransactions appends a contiguous run of transactions starting at
// first and advances the synced state to newRoot. Gaps are rejected.
func (ls *LedgerStore) SaveTransactions(first uint64, txs []types.Transaction, newRoot []byte) error {
	if len(txs) == 0 {
		return errors.New("no transactions to save")
	}

	ls.mtx.Lock()
	defer ls.mtx.Unlock()

	if first != ls.synced.Version+1 {
		return fmt.Errorf("non-contiguous transactions: store at version %d, batch starts at %d",
			ls.synced.Version, first)
	}

	synced := types.TreeState{
		Version:         first + uint64(len(txs)) - 1,
		AccumulatorRoot: newRoot,
	}
	batch := ls.db.NewBatch()
	defer batch.Close()
	for i, tx := range txs {
		key, err := transactionKey(first + uint64(i))
		if err != nil {
			return err
		}
		if err := batch.Set(key, cdc.MustMarshalBinaryBare(tx)); err != nil {
			return err
		}
	}
	if err := batch.Set([]byte(keySyncedState), cdc.MustMarshalBinaryBare(synced)); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("failed to write transactions: %w", err)
	}

	ls.synced = synced
	return nil
}

// Transactions reads up to limit transactions starting at first. It returns
// fewer than limit if the synced version is reached first, and ErrNotFound
// if first is beyond the synced version.
func (ls *LedgerStore) Transactions(first, limit uint64) ([]types.Transaction, error) {
	ls.mtx.RLock()
	synced := ls.synced.Version
	ls.mtx.RUnlock()

	if limit == 0 {
		return nil, errors.New("limit must be positive")
	}
	if first > synced {
		return nil, ErrNotFound
	}
	if max := synced - first + 1; limit > max {
		limit = max
	}

	start, err := transactionKey(first)
	if err != nil {
		return nil, err
	}
	end, err := transactionKey(first + limit)
	if err != nil {
		return nil, err
	}
	itr, err := ls.db.Iterator(start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	defer itr.Close()

	txs := make([]types.Transaction, 0, limit)
	for ; itr.Valid(); itr.Next() {
		var tx types.Transaction
		if err := cdc.UnmarshalBinaryBare(itr.Value(), &tx); err != nil {
			return nil, fmt.Errorf("corrupt transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := itr.Error(); err != nil {
		return nil, err
	}
	if uint64(len(txs)) != limit {
		return nil, fmt.Errorf("transaction range %d..%d has gaps", first, first+limit-1)
	}
	return txs, nil
}

// SaveLedgerInfo stores a certified ledger info. The certified version must
// already be applied (covered by the synced state). If the ledger info ends
// an epoch, the stored epoch state advances with it.
func (ls *LedgerStore) SaveLedgerInfo(liws *types.LedgerInfoWithSignatures) error {
	if err := liws.ValidateBasic(); err != nil {
		return err
	}

	ls.mtx.Lock()
	defer ls.mtx.Unlock()

	if liws.Version() > ls.synced.Version {
		return fmt.Errorf("ledger info at version %d exceeds synced version %d",
			liws.Version(), ls.synced.Version)
	}

	batch := ls.db.NewBatch()
	defer batch.Close()
	if err := ls.stageLedgerInfo(batch, liws); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("failed to write ledger info: %w", err)
	}

	if ls.latest == nil || liws.Version() > ls.latest.Version() {
		ls.latest = liws
	}
	if liws.LedgerInfo.EndsEpoch() {
		ls.epochState = liws.LedgerInfo.NextEpochState
	}
	return nil
}

// LedgerInfoAt returns the stored ledger info certifying exactly the given
// version, or ErrNotFound.
func (ls *LedgerStore) LedgerInfoAt(version uint64) (*types.LedgerInfoWithSignatures, error) {
	key, err := ledgerInfoKey(version)
	if err != nil {
		return nil, err
	}
	bz, err := ls.db.Get(key)
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, ErrNotFound
	}
	liws := new(types.LedgerInfoWithSignatures)
	if err := cdc.UnmarshalBinaryBare(bz, liws); err != nil {
		return nil, fmt.Errorf("corrupt ledger info: %w", err)
	}
	return liws, nil
}

func (ls *LedgerStore) stageLedgerInfo(batch dbm.Batch, liws *types.LedgerInfoWithSignatures) error {
	key, err := ledgerInfoKey(liws.Version())
	if err != nil {
		return err
	}
	if err := batch.Set(key, cdc.MustMarshalBinaryBare(liws)); err != nil {
		return err
	}
	if ls.latest == nil || liws.Version() > ls.latest.Version() {
		if err := batch.Set([]byte(keyLatestVersion), cdc.MustMarshalBinaryBare(liws.Version())); err != nil {
			return err
		}
	}
	if liws.LedgerInfo.EndsEpoch() {
		if err := batch.Set([]byte(keyEpochState), cdc.MustMarshalBinaryBare(liws.LedgerInfo.NextEpochState)); err != nil {
			return err
		}
		ecKey, err := epochChangeKey(liws.Epoch())
		if err != nil {
			return err
		}
		if err := batch.Set(ecKey, cdc.MustMarshalBinaryBare(liws.Version())); err != nil {
			return err
		}
	}
	return nil
}

// EpochEndingLedgerInfo returns the ledger info that ended the given epoch,
// or ErrNotFound if the epoch has not ended locally.
func (ls *LedgerStore) EpochEndingLedgerInfo(epoch uint64) (*types.LedgerInfoWithSignatures, error) {
	key, err := epochChangeKey(epoch)
	if err != nil {
		return nil, err
	}
	bz, err := ls.db.Get(key)
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, ErrNotFound
	}
	var version uint64
	if err := cdc.UnmarshalBinaryBare(bz, &version); err != nil {
		return nil, fmt.Errorf("corrupt epoch change pointer: %w", err)
	}
	return ls.LedgerInfoAt(version)
}

func transactionKey(version uint64) ([]byte, error) {
	key, err := orderedcode.Append(nil, prefixTransaction, int64(version))
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction key: %w", err)
	}
	return key, nil
}

func ledgerInfoKey(version uint64) ([]byte, error) {
	key, err := orderedcode.Append(nil, prefixLedgerInfo, int64(version))
	if err != nil {
		return nil, fmt.Errorf("failed to encode ledger info key: %w", err)
	}
	return key, nil
}

func epochChangeKey(epoch uint64) ([]byte, error) {
	key, err := orderedcode.Append(nil, prefixEpochChange, int64(epoch))
	if err != nil {
		return nil, fmt.Errorf("failed to encode epoch change key: %w", err)
	}
	return key, nil
}
