package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/chainwatch/indexer/kv"
)

func newTestEngine(t *testing.T) (*Engine, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	staging, err := NewStaging(t.TempDir())
	require.NoError(t, err)
	return NewEngine(store, staging, testLogger(), Flags{}, 2), store
}

// P1: strictly ascending, no gaps.
func TestDispatcherProcessesInAscendingOrder(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.AdvanceLatest(1, 99)
	var mu sync.Mutex
	var seen []BlockNumber
	engine.RegisterSync(SyncOp{ChainID: 1, Name: "record", Handler: func(ctx context.Context, chainID ChainID, block *gethtypes.Block, receipts map[gethcommon.Hash]*gethtypes.Receipt, entities map[string][]kv.Entity, store kv.Store) error {
		mu.Lock()
		seen = append(seen, BlockNumber(block.NumberU64()))
		mu.Unlock()
		return nil
	}})

	for n := BlockNumber(100); n <= 102; n++ {
		engine.Queue().Push(resolvedEntryAt(t, n))
	}

	d := &Dispatcher{engine: engine, chainID: 1, provider: &fakeProvider{}, timeout: time.Minute, stop: make(chan struct{})}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, d.attemptNextBlock(ctx))
	}
	require.Equal(t, BlockNumber(102), engine.LatestBlock(1))
	require.Equal(t, 0, engine.Queue().Len(1))
	require.Equal(t, []BlockNumber{100, 101, 102}, seen)
}

func resolvedEntryAt(t *testing.T, n BlockNumber) *QueueEntry {
	return &QueueEntry{ChainID: 1, Number: n, Parts: Resolved(&AsyncBlockParts{Block: testBlock(t, int64(n))})}
}

// P2: a gap is fetched and spliced in ahead of the block that exposed it.
func TestDispatcherFillsGapAheadOfLateBlock(t *testing.T) {
	engine, _ := newTestEngine(t)
	require.NoError(t, engine.AcquireChainLock(context.Background(), 1, 99))

	provider := &fakeProvider{blocks: map[uint64]*gethtypes.Block{
		100: testBlock(t, 100),
		101: testBlock(t, 101),
	}}

	engine.Queue().Push(&QueueEntry{ChainID: 1, Number: 102, Parts: Resolved(&AsyncBlockParts{Block: testBlock(t, 102)})})

	d := &Dispatcher{engine: engine, chainID: 1, provider: provider, timeout: time.Minute, stop: make(chan struct{})}
	ctx := context.Background()

	require.NoError(t, d.attemptNextBlock(ctx))
	require.Equal(t, 3, engine.Queue().Len(1))

	for n := BlockNumber(100); n <= 102; n++ {
		require.Equal(t, n, engine.Queue().Peek(1).Number)
		require.NoError(t, d.attemptNextBlock(ctx))
	}
	require.Equal(t, BlockNumber(102), engine.LatestBlock(1))
}

// P3: a handler that exceeds the timeout causes a restack, not a skip.
func TestDispatcherRestacksOnTimeout(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.AdvanceLatest(1, 199)
	release := make(chan struct{})
	engine.RegisterSync(SyncOp{ChainID: 1, Name: "slow", Handler: func(ctx context.Context, chainID ChainID, block *gethtypes.Block, receipts map[gethcommon.Hash]*gethtypes.Receipt, entities map[string][]kv.Entity, store kv.Store) error {
		<-release
		return nil
	}})

	provider := &fakeProvider{blocks: map[uint64]*gethtypes.Block{200: testBlock(t, 200)}}
	engine.Queue().Push(&QueueEntry{ChainID: 1, Number: 200, Parts: Resolved(&AsyncBlockParts{Block: testBlock(t, 200)})})

	d := &Dispatcher{engine: engine, chainID: 1, provider: provider, timeout: 20 * time.Millisecond, stop: make(chan struct{})}

	err := d.attemptNextBlock(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, BlockNumber(199), engine.LatestBlock(1))
	require.Equal(t, 1, engine.Queue().Len(1))
	require.Equal(t, BlockNumber(200), engine.Queue().Peek(1).Number)

	close(release)
}

// Skip guard: a block already processed past must be dropped silently.
func TestDispatcherSkipsAlreadyProcessedBlock(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.AdvanceLatest(1, 50)

	called := false
	engine.RegisterSync(SyncOp{ChainID: 1, Name: "noop", Handler: func(ctx context.Context, chainID ChainID, block *gethtypes.Block, receipts map[gethcommon.Hash]*gethtypes.Receipt, entities map[string][]kv.Entity, store kv.Store) error {
		called = true
		return nil
	}})

	engine.Queue().Push(&QueueEntry{ChainID: 1, Number: 40, Parts: Resolved(&AsyncBlockParts{Block: testBlock(t, 40)})})

	d := &Dispatcher{engine: engine, chainID: 1, provider: &fakeProvider{}, timeout: time.Minute, stop: make(chan struct{})}
	require.NoError(t, d.attemptNextBlock(context.Background()))
	require.False(t, called)
	require.Equal(t, BlockNumber(50), engine.LatestBlock(1))
}

// A failing handler restacks the block for retry rather than dropping it.
func TestDispatcherRestacksOnHandlerError(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.AdvanceLatest(1, 9)
	attempts := 0
	engine.RegisterSync(SyncOp{ChainID: 1, Name: "flaky", Handler: func(ctx context.Context, chainID ChainID, block *gethtypes.Block, receipts map[gethcommon.Hash]*gethtypes.Receipt, entities map[string][]kv.Entity, store kv.Store) error {
		attempts++
		if attempts == 1 {
			return errors.New("flaky handler failure")
		}
		return nil
	}})

	provider := &fakeProvider{blocks: map[uint64]*gethtypes.Block{10: testBlock(t, 10)}}
	engine.Queue().Push(&QueueEntry{ChainID: 1, Number: 10, Parts: Resolved(&AsyncBlockParts{Block: testBlock(t, 10)})})

	d := &Dispatcher{engine: engine, chainID: 1, provider: provider, timeout: time.Minute, stop: make(chan struct{})}
	ctx := context.Background()

	err := d.attemptNextBlock(ctx)
	require.Error(t, err)
	require.Equal(t, 1, engine.Queue().Len(1))

	require.NoError(t, d.attemptNextBlock(ctx))
	require.Equal(t, BlockNumber(10), engine.LatestBlock(1))
	require.Equal(t, 2, attempts)
}
