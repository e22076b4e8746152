package statesync

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/meridian-chain/meridian/config"
	"github.com/meridian-chain/meridian/libs/log"
	"github.com/meridian-chain/meridian/store"
	"github.com/meridian-chain/meridian/types"
)

// startTestService boots a full StateSync service over a memory-backed
// store and returns it with its outbound sender and inbound event feed.
func startTestService(
	ctx context.Context,
	t *testing.T,
	chain *testChain,
	cfg *config.StateSyncConfig,
) (*StateSync, *store.LedgerStore, *fakeSender, chan Event) {
	t.Helper()
	ls, err := store.NewLedgerStore(dbm.NewMemDB())
	require.NoError(t, err)
	require.NoError(t, ls.Bootstrap(chain.genesis))
	exec, err := NewExecutorProxy(ls)
	require.NoError(t, err)

	sender := &fakeSender{}
	events := make(chan Event, 16)
	ss, err := Bootstrap(log.NewTestingLogger(t), cfg, exec, sender, events, nil, nil)
	require.NoError(t, err)
	require.NoError(t, ss.Start(ctx))
	return ss, ls, sender, events
}

func TestServiceLifecycle(t *testing.T) {
	defer leaktest.CheckTimeout(t, 2*time.Second)()

	ctx, cancel := context.WithCancel(context.Background())
	chain := newTestChain(t, 4, 10)
	ss, _, _, _ := startTestService(ctx, t, chain, config.TestStateSyncConfig())

	client := ss.Client()
	state, err := client.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), state.SyncedVersion())

	// No waypoint configured: initialized from the start.
	require.NoError(t, client.WaitUntilInitialized(ctx))

	cancel()
	ss.Wait()
}

func TestServiceSyncTo(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chain := newTestChain(t, 4, 100)
	ss, _, sender, events := startTestService(ctx, t, chain, config.TestStateSyncConfig())

	events <- EventPeerUp{Peer: "peer"}
	target := chain.ledgerInfoAt(100)

	errCh := make(chan error, 1)
	go func() { errCh <- ss.Client().SyncTo(ctx, target) }()

	// Play the serving side: answer each request with the next chunk.
	for _, known := range []uint64{0, 50} {
		known := known
		require.Eventually(t, func() bool {
			_, req := sender.lastRequest()
			return req != nil && req.KnownVersion == known
		}, 2*time.Second, 5*time.Millisecond)
		events <- EventMessage{Peer: "peer", Message: chain.chunk(known+1, 50, target)}
	}

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not complete")
	}

	state, err := ss.Client().GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), state.CommittedVersion())
}

func TestServiceServesChunkRequests(t *testing.T) {
	defer leaktest.CheckTimeout(t, 2*time.Second)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chain := newTestChain(t, 4, 100)
	ss, ls, sender, events := startTestService(ctx, t, chain, config.TestStateSyncConfig())
	defer func() {
		cancel()
		ss.Wait()
	}()

	// Fast-forward local storage so there is something to serve.
	require.NoError(t, ls.SaveTransactions(1, chain.transactions(1, 100), chain.rootAt(100)))
	require.NoError(t, ls.SaveLedgerInfo(chain.ledgerInfoAt(100)))

	events <- EventPeerUp{Peer: "laggard"}
	events <- EventMessage{Peer: "laggard", Message: &ChunkRequest{
		KnownVersion: 40, KnownEpoch: 1, Target: TargetHighest{}, Limit: 50,
	}}

	require.Eventually(t, func() bool {
		for _, sm := range sender.drain() {
			if resp, ok := sm.msg.(*ChunkResponse); ok {
				assert.Equal(t, PeerID("laggard"), sm.peer)
				assert.Equal(t, uint64(41), resp.Txns.FirstVersion)
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClientCommitAckTimeout(t *testing.T) {
	defer leaktest.CheckTimeout(t, 2*time.Second)()

	// A queue with no coordinator behind it: the commit is accepted but
	// never acknowledged.
	q := newMsgQueue()
	go q.run()
	defer q.close()

	client := &Client{queue: q, ackTimeout: 20 * time.Millisecond}
	err := client.Commit(context.Background(), nil, nil)
	require.ErrorIs(t, err, ErrNoAck)
}

func TestServiceShutdownAbortsWaiters(t *testing.T) {
	defer leaktest.CheckTimeout(t, 2*time.Second)()

	ctx, cancel := context.WithCancel(context.Background())
	chain := newTestChain(t, 4, 100)

	// A waypoint ahead of local state, so initialization parks.
	cfg := config.TestStateSyncConfig()
	cfg.Waypoint = types.WaypointFromLedgerInfo(chain.ledgerInfoAt(100).LedgerInfo).String()

	ls, err := store.NewLedgerStore(dbm.NewMemDB())
	require.NoError(t, err)
	require.NoError(t, ls.Bootstrap(chain.genesis))
	exec, err := NewExecutorProxy(ls)
	require.NoError(t, err)

	events := make(chan Event)
	ss, err := Bootstrap(log.NewTestingLogger(t), cfg, exec, &fakeSender{}, events, nil, nil)
	require.NoError(t, err)
	require.NoError(t, ss.Start(ctx))

	errCh := make(chan error, 1)
	go func() { errCh <- ss.Client().WaitUntilInitialized(context.Background()) }()

	// Give the wait a chance to park, then tear the service down.
	require.Eventually(t, func() bool {
		state, err := ss.Client().GetState(context.Background())
		return err == nil && state.SyncedVersion() == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	ss.Wait()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not released on shutdown")
	}
}
