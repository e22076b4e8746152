package statesync

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/meridian-chain/meridian/config"
	"github.com/meridian-chain/meridian/crypto"
	"github.com/meridian-chain/meridian/libs/log"
	"github.com/meridian-chain/meridian/store"
	"github.com/meridian-chain/meridian/types"
)

// testChain is a deterministic ledger fixture: a transaction history with
// precomputed accumulator roots, plus the signing keys needed to certify
// any prefix of it. The genesis ledger info hands the initial validator set
// to epoch 1.
type testChain struct {
	t *testing.T

	txns  []types.Transaction // txns[i] is version i+1
	roots [][]byte            // roots[v] is the accumulator root at version v

	epoch   uint64
	privs   []crypto.PrivKey
	vals    *types.ValidatorSet
	genesis *types.LedgerInfoWithSignatures
}

func newTestChain(t *testing.T, nVals, nTxns int) *testChain {
	t.Helper()
	privs, vals := makeValidators(nVals)
	tc := &testChain{
		t:     t,
		roots: [][]byte{types.EmptyAccumulatorRoot()},
		epoch: 1,
		privs: privs,
		vals:  vals,
	}
	tc.genesis = &types.LedgerInfoWithSignatures{
		LedgerInfo: types.LedgerInfo{
			Epoch:           0,
			Version:         0,
			AccumulatorRoot: tc.roots[0],
			NextEpochState:  &types.EpochState{Epoch: 1, Validators: vals},
		},
	}
	tc.extend(nTxns)
	return tc
}

func makeValidators(n int) ([]crypto.PrivKey, *types.ValidatorSet) {
	privs := make([]crypto.PrivKey, n)
	vals := make([]*types.Validator, n)
	for i := range privs {
		privs[i] = crypto.GenPrivKey()
		vals[i] = &types.Validator{
			Address:     privs[i].PubKey().Address(),
			PubKey:      privs[i].PubKey(),
			VotingPower: 1,
		}
	}
	return privs, types.NewValidatorSet(vals)
}

// extend appends n transactions to the chain.
func (tc *testChain) extend(n int) {
	for i := 0; i < n; i++ {
		tx := types.Transaction{Payload: []byte(fmt.Sprintf("tx-%d", len(tc.txns)+1))}
		tc.txns = append(tc.txns, tx)
		tc.roots = append(tc.roots, types.ExtendAccumulatorRoot(tc.roots[len(tc.roots)-1], tx))
	}
}

func (tc *testChain) rootAt(version uint64) []byte {
	return tc.roots[version]
}

// transactions returns a copy of count transactions starting at first.
func (tc *testChain) transactions(first, count uint64) []types.Transaction {
	return append([]types.Transaction(nil), tc.txns[first-1:first-1+count]...)
}

// ledgerInfoAt certifies the given version under the current epoch's
// validator set.
func (tc *testChain) ledgerInfoAt(version uint64) *types.LedgerInfoWithSignatures {
	return tc.sign(types.LedgerInfo{
		Epoch:           tc.epoch,
		Version:         version,
		AccumulatorRoot: tc.rootAt(version),
		TimestampUsec:   version * 1000,
	})
}

func (tc *testChain) sign(li types.LedgerInfo) *types.LedgerInfoWithSignatures {
	return signLedgerInfo(li, tc.privs)
}

func signLedgerInfo(li types.LedgerInfo, privs []crypto.PrivKey) *types.LedgerInfoWithSignatures {
	liws := &types.LedgerInfoWithSignatures{LedgerInfo: li}
	for _, priv := range privs {
		liws.AddSignature(priv.PubKey().Address(), priv.Sign(li.SignBytes()))
	}
	return liws
}

// rotateEpoch certifies version with an epoch-ending ledger info that hands
// off to a fresh validator set, which becomes the chain's current set.
func (tc *testChain) rotateEpoch(version uint64, nVals int) *types.LedgerInfoWithSignatures {
	nextPrivs, nextVals := makeValidators(nVals)
	liws := tc.sign(types.LedgerInfo{
		Epoch:           tc.epoch,
		Version:         version,
		AccumulatorRoot: tc.rootAt(version),
		TimestampUsec:   version * 1000,
		NextEpochState:  &types.EpochState{Epoch: tc.epoch + 1, Validators: nextVals},
	})
	tc.epoch++
	tc.privs, tc.vals = nextPrivs, nextVals
	return liws
}

// chunk builds a response with count transactions starting at first,
// anchored to li.
func (tc *testChain) chunk(first, count uint64, li *types.LedgerInfoWithSignatures) *ChunkResponse {
	return &ChunkResponse{
		Txns: types.TransactionListWithProof{
			FirstVersion: first,
			Transactions: tc.transactions(first, count),
		},
		LedgerInfo: li,
	}
}

// fakeSender records outbound messages.
type fakeSender struct {
	mtx  sync.Mutex
	sent []sentMsg
}

type sentMsg struct {
	peer PeerID
	msg  Message
}

func (fs *fakeSender) Send(peer PeerID, msg Message) error {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	fs.sent = append(fs.sent, sentMsg{peer: peer, msg: msg})
	return nil
}

// requests returns every recorded chunk request in send order.
func (fs *fakeSender) requests() []sentMsg {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	var out []sentMsg
	for _, sm := range fs.sent {
		if _, ok := sm.msg.(*ChunkRequest); ok {
			out = append(out, sm)
		}
	}
	return out
}

// lastRequest returns the most recently sent chunk request and its
// recipient.
func (fs *fakeSender) lastRequest() (PeerID, *ChunkRequest) {
	reqs := fs.requests()
	if len(reqs) == 0 {
		return "", nil
	}
	last := reqs[len(reqs)-1]
	return last.peer, last.msg.(*ChunkRequest)
}

// drain returns all recorded messages and clears the record.
func (fs *fakeSender) drain() []sentMsg {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	out := fs.sent
	fs.sent = nil
	return out
}

// testEnv wires a coordinator over a real memory-backed ledger store, so
// tests exercise the whole apply path down to storage.
type testEnv struct {
	t      *testing.T
	chain  *testChain
	cfg    *config.StateSyncConfig
	store  *store.LedgerStore
	exec   ExecutorProxy
	sender *fakeSender
	coord  *coordinator
}

func newTestEnv(t *testing.T, chain *testChain) *testEnv {
	return newTestEnvWithWaypoint(t, chain, types.Waypoint{})
}

func newTestEnvWithWaypoint(t *testing.T, chain *testChain, wp types.Waypoint) *testEnv {
	return buildTestEnv(t, chain, wp, nil)
}

func newTestEnvWithSubscriber(t *testing.T, chain *testChain, sub ReconfigSubscription) *testEnv {
	return buildTestEnv(t, chain, types.Waypoint{}, []ReconfigSubscription{sub})
}

func buildTestEnv(t *testing.T, chain *testChain, wp types.Waypoint, subs []ReconfigSubscription) *testEnv {
	t.Helper()
	ls, err := store.NewLedgerStore(dbm.NewMemDB())
	require.NoError(t, err)
	require.NoError(t, ls.Bootstrap(chain.genesis))

	exec, err := NewExecutorProxy(ls, subs...)
	require.NoError(t, err)
	state, err := exec.GetLocalStorageState()
	require.NoError(t, err)

	cfg := config.TestStateSyncConfig()
	sender := &fakeSender{}
	coord := newCoordinator(log.NewTestingLogger(t), cfg, exec, sender, nil, wp, state, NopMetrics())
	return &testEnv{
		t:      t,
		chain:  chain,
		cfg:    cfg,
		store:  ls,
		exec:   exec,
		sender: sender,
		coord:  coord,
	}
}

// addPeers admits n peers through the regular peer-up path and returns
// their ids.
func (e *testEnv) addPeers(n int) []PeerID {
	peers := make([]PeerID, n)
	for i := range peers {
		peers[i] = PeerID(fmt.Sprintf("peer-%d", i))
		e.coord.handleMsg(context.Background(), msgPeerUp{peer: peers[i]})
	}
	return peers
}

// syncTo submits a sync request and returns its reply channel.
func (e *testEnv) syncTo(target *types.LedgerInfoWithSignatures) chan error {
	cb := make(chan error, 1)
	e.coord.handleMsg(context.Background(), msgSyncRequest{target: target, callback: cb})
	return cb
}

// deliver hands a chunk response to the coordinator as if peer had sent it.
func (e *testEnv) deliver(peer PeerID, resp *ChunkResponse) {
	e.coord.handleMsg(context.Background(), msgChunkResponse{peer: peer, response: resp})
}

// commit hands a local commit to the coordinator and returns its reply
// channel.
func (e *testEnv) commit(txns []types.Transaction, events []types.ContractEvent) chan error {
	cb := make(chan error, 1)
	e.coord.handleMsg(context.Background(), msgCommit{txns: txns, events: events, callback: cb})
	return cb
}

// applyChain fast-forwards local storage to upTo, certified at upTo.
func (e *testEnv) applyChain(upTo uint64) {
	e.t.Helper()
	require.NoError(e.t, e.store.SaveTransactions(1, e.chain.transactions(1, upTo), e.chain.rootAt(upTo)))
	require.NoError(e.t, e.store.SaveLedgerInfo(e.chain.ledgerInfoAt(upTo)))
	require.NoError(e.t, e.coord.refreshState())
}

// score returns the request manager's current score for a peer.
func (e *testEnv) score(peer PeerID) float64 {
	p, ok := e.coord.requests.peers[peer]
	require.True(e.t, ok, "unknown peer %v", peer)
	return p.score
}
