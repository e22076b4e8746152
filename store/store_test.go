package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/meridian-chain/meridian/crypto"
	"github.com/meridian-chain/meridian/types"
)

type fixture struct {
	privs []crypto.PrivKey
	vals  *types.ValidatorSet
	txns  []types.Transaction
	roots [][]byte
}

func newFixture(nTxns int) *fixture {
	privs := make([]crypto.PrivKey, 4)
	vals := make([]*types.Validator, 4)
	for i := range privs {
		privs[i] = crypto.GenPrivKey()
		vals[i] = &types.Validator{
			Address:     privs[i].PubKey().Address(),
			PubKey:      privs[i].PubKey(),
			VotingPower: 1,
		}
	}
	f := &fixture{
		privs: privs,
		vals:  types.NewValidatorSet(vals),
		roots: [][]byte{types.EmptyAccumulatorRoot()},
	}
	for i := 0; i < nTxns; i++ {
		tx := types.Transaction{Payload: []byte(fmt.Sprintf("tx-%d", i+1))}
		f.txns = append(f.txns, tx)
		f.roots = append(f.roots, types.ExtendAccumulatorRoot(f.roots[i], tx))
	}
	return f
}

func (f *fixture) genesis() *types.LedgerInfoWithSignatures {
	return &types.LedgerInfoWithSignatures{LedgerInfo: types.LedgerInfo{
		Epoch:           0,
		Version:         0,
		AccumulatorRoot: f.roots[0],
		NextEpochState:  &types.EpochState{Epoch: 1, Validators: f.vals},
	}}
}

func (f *fixture) ledgerInfoAt(version uint64, next *types.EpochState) *types.LedgerInfoWithSignatures {
	li := types.LedgerInfo{
		Epoch:           1,
		Version:         version,
		AccumulatorRoot: f.roots[version],
		NextEpochState:  next,
	}
	liws := &types.LedgerInfoWithSignatures{LedgerInfo: li}
	for _, priv := range f.privs {
		liws.AddSignature(priv.PubKey().Address(), priv.Sign(li.SignBytes()))
	}
	return liws
}

func newBootstrappedStore(t *testing.T, f *fixture) *LedgerStore {
	t.Helper()
	ls, err := NewLedgerStore(dbm.NewMemDB())
	require.NoError(t, err)
	require.NoError(t, ls.Bootstrap(f.genesis()))
	return ls
}

func TestBootstrap(t *testing.T) {
	f := newFixture(0)
	ls, err := NewLedgerStore(dbm.NewMemDB())
	require.NoError(t, err)
	require.False(t, ls.IsBootstrapped())

	// Genesis must carry the initial validator set.
	noEpoch := f.genesis()
	noEpoch.LedgerInfo.NextEpochState = nil
	require.Error(t, ls.Bootstrap(noEpoch))

	require.NoError(t, ls.Bootstrap(f.genesis()))
	require.True(t, ls.IsBootstrapped())
	assert.Equal(t, uint64(0), ls.SyncedState().Version)
	assert.Equal(t, uint64(1), ls.CurrentEpochState().Epoch)

	// Bootstrapping twice is an error.
	require.Error(t, ls.Bootstrap(f.genesis()))
}

func TestSaveAndLoadTransactions(t *testing.T) {
	f := newFixture(100)
	ls := newBootstrappedStore(t, f)

	require.NoError(t, ls.SaveTransactions(1, f.txns[:60], f.roots[60]))
	assert.Equal(t, uint64(60), ls.SyncedState().Version)

	// Gaps are rejected, contiguous appends are not.
	require.Error(t, ls.SaveTransactions(62, f.txns[61:], f.roots[100]))
	require.NoError(t, ls.SaveTransactions(61, f.txns[60:], f.roots[100]))
	assert.Equal(t, f.roots[100], ls.SyncedState().AccumulatorRoot)

	txs, err := ls.Transactions(41, 20)
	require.NoError(t, err)
	require.Len(t, txs, 20)
	assert.Equal(t, f.txns[40:60], txs)

	// Reads past the head are cut short.
	txs, err = ls.Transactions(91, 50)
	require.NoError(t, err)
	assert.Len(t, txs, 10)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	f := newFixture(50)
	db := dbm.NewMemDB()
	ls, err := NewLedgerStore(db)
	require.NoError(t, err)
	require.NoError(t, ls.Bootstrap(f.genesis()))
	require.NoError(t, ls.SaveTransactions(1, f.txns, f.roots[50]))
	require.NoError(t, ls.SaveLedgerInfo(f.ledgerInfoAt(50, nil)))

	// A fresh store over the same backend picks everything back up.
	reopened, err := NewLedgerStore(db)
	require.NoError(t, err)
	require.True(t, reopened.IsBootstrapped())
	assert.Equal(t, uint64(50), reopened.SyncedState().Version)
	assert.Equal(t, uint64(50), reopened.LatestLedgerInfo().Version())
	assert.Equal(t, uint64(1), reopened.CurrentEpochState().Epoch)
}

func TestSaveLedgerInfo(t *testing.T) {
	f := newFixture(100)
	ls := newBootstrappedStore(t, f)
	require.NoError(t, ls.SaveTransactions(1, f.txns[:80], f.roots[80]))

	// Certifying beyond the synced version is rejected.
	require.Error(t, ls.SaveLedgerInfo(f.ledgerInfoAt(100, nil)))

	require.NoError(t, ls.SaveLedgerInfo(f.ledgerInfoAt(80, nil)))
	assert.Equal(t, uint64(80), ls.LatestLedgerInfo().Version())

	// An older ledger info may still be stored, without regressing the
	// latest pointer.
	require.NoError(t, ls.SaveLedgerInfo(f.ledgerInfoAt(40, nil)))
	assert.Equal(t, uint64(80), ls.LatestLedgerInfo().Version())

	liws, err := ls.LedgerInfoAt(40)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), liws.Version())

	_, err = ls.LedgerInfoAt(41)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEpochEndingLedgerInfo(t *testing.T) {
	f := newFixture(100)
	ls := newBootstrappedStore(t, f)
	require.NoError(t, ls.SaveTransactions(1, f.txns, f.roots[100]))

	next := &types.EpochState{Epoch: 2, Validators: f.vals}
	boundary := f.ledgerInfoAt(60, next)
	require.NoError(t, ls.SaveLedgerInfo(boundary))

	// The epoch change is indexed by the epoch it ends.
	got, err := ls.EpochEndingLedgerInfo(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), got.Version())
	assert.Equal(t, uint64(2), ls.CurrentEpochState().Epoch)

	_, err = ls.EpochEndingLedgerInfo(2)
	require.ErrorIs(t, err, ErrNotFound)
}
