package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	gethcommon "github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a hand-rolled rpcprovider.Provider for dispatcher and
// fetch-layer tests: no network, deterministic failure injection.
type fakeProvider struct {
	chainID uint64

	blockCalls  int
	failBlocksN int // first N BlockByNumber calls fail
	blockErr    error
	blocks      map[uint64]*gethtypes.Block

	receiptCalls int
	failReceiptN int
	receipts     map[gethcommon.Hash]*gethtypes.Receipt
}

func (p *fakeProvider) ChainID(ctx context.Context) (uint64, error) { return p.chainID, nil }

func (p *fakeProvider) SubscribeNewHead(ctx context.Context, ch chan<- *gethtypes.Header) (ethereum.Subscription, error) {
	return nil, errors.New("not implemented in fakeProvider")
}

func (p *fakeProvider) BlockByNumber(ctx context.Context, number uint64) (*gethtypes.Block, error) {
	p.blockCalls++
	if p.blockCalls <= p.failBlocksN {
		if p.blockErr != nil {
			return nil, p.blockErr
		}
		return nil, errors.New("transient fetch error")
	}
	b, ok := p.blocks[number]
	if !ok {
		return nil, errors.New("no such block")
	}
	return b, nil
}

func (p *fakeProvider) TransactionByHash(ctx context.Context, hash gethcommon.Hash) (*gethtypes.Transaction, bool, error) {
	return nil, false, errors.New("not implemented in fakeProvider")
}

func (p *fakeProvider) TransactionReceipt(ctx context.Context, hash gethcommon.Hash) (*gethtypes.Receipt, error) {
	p.receiptCalls++
	if p.receiptCalls <= p.failReceiptN {
		return nil, errors.New("transient receipt error")
	}
	if r, ok := p.receipts[hash]; ok {
		return r, nil
	}
	return &gethtypes.Receipt{}, nil
}

func TestCreateBlockRangesPartitionsEvenly(t *testing.T) {
	ranges := createBlockRanges(100, 109, 5)
	require.Len(t, ranges, 5)
	require.Equal(t, blockRange{100, 101}, ranges[0])
	require.Equal(t, blockRange{108, 109}, ranges[4])
}

func TestCreateBlockRangesSingleBlock(t *testing.T) {
	ranges := createBlockRanges(50, 50, 10)
	require.Equal(t, []blockRange{{50, 50}}, ranges)
}

func TestCreateBlockRangesEmptyWhenInverted(t *testing.T) {
	require.Nil(t, createBlockRanges(10, 5, 4))
}

func TestClampTimeoutFloorsAtMinimum(t *testing.T) {
	require.Equal(t, timeoutFloor, clampTimeout(time.Millisecond))
	require.Equal(t, 45*time.Second, clampTimeout(45*time.Second))
}

func TestFetchOneBlockRetriesThroughTransientFailures(t *testing.T) {
	staging, err := NewStaging(t.TempDir())
	require.NoError(t, err)

	provider := &fakeProvider{
		failBlocksN: 2,
		blocks:      map[uint64]*gethtypes.Block{7: testBlock(t, 7)},
	}

	got, err := fetchOneBlock(context.Background(), provider, staging, 1, 7, false, testLogger(), true)
	require.NoError(t, err)
	require.Equal(t, uint64(7), got.Block.NumberU64())
	require.Equal(t, 3, provider.blockCalls)
}

func TestFetchOneBlockPrefersStagedCopy(t *testing.T) {
	staging, err := NewStaging(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, staging.WriteBlockAndReceipts(1, 9, &AsyncBlockParts{Block: testBlock(t, 9)}))

	provider := &fakeProvider{}
	got, err := fetchOneBlock(context.Background(), provider, staging, 1, 9, false, testLogger(), true)
	require.NoError(t, err)
	require.Equal(t, uint64(9), got.Block.NumberU64())
	require.Equal(t, 0, provider.blockCalls)
}
