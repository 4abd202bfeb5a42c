package ingest

import (
	"context"
	"fmt"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/cenkalti/backoff/v4"
	log "github.com/erigontech/erigon-lib/log/v3"
	"golang.org/x/sync/errgroup"

	"github.com/chainwatch/indexer/rpcprovider"
)

// logEvery controls how often a retrying fetch emits a log line:
// every 10 attempts, unless the caller asked for silence.
const logEvery = 10

// unboundedBackoff builds a retry policy with no elapsed-time ceiling:
// transient RPC faults are expected to eventually clear and there is
// no useful partial result to fall back to.
func unboundedBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

// getTransactionReceipt retrieves a receipt by hash, retrying forever
// until one with a non-empty TransactionHash is obtained. A receipt
// missing its hash is treated as IntegrityError and retried exactly
// like a TransportError (§7).
func getTransactionReceipt(ctx context.Context, provider rpcprovider.Provider, hash gethcommon.Hash, logger log.Logger, silent bool) (*gethtypes.Receipt, error) {
	attempt := 0
	var receipt *gethtypes.Receipt

	op := func() error {
		attempt++
		r, err := provider.TransactionReceipt(ctx, hash)
		if err != nil {
			logRetry(logger, silent, attempt, "fetch receipt", "hash", hash, "err", err)
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if r == nil || r.TxHash == (gethcommon.Hash{}) {
			err := fmt.Errorf("%w: empty transactionHash for %s", ErrIntegrity, hash)
			logRetry(logger, silent, attempt, "fetch receipt", "hash", hash, "err", err)
			return err
		}
		receipt = r
		return nil
	}

	if err := backoff.Retry(op, unboundedBackoff(ctx)); err != nil {
		return nil, err
	}
	return receipt, nil
}

func logRetry(logger log.Logger, silent bool, attempt int, what string, kv ...any) {
	if silent || attempt%logEvery != 0 {
		return
	}
	args := append([]any{"attempt", attempt}, kv...)
	logger.Warn("["+what+"] retrying", args...)
}

// blockRange is a half-open-on-neither-end [from, to] span of block
// numbers, inclusive both sides.
type blockRange struct {
	From, To BlockNumber
}

// createBlockRanges partitions [from, to] into up to n contiguous
// sub-ranges of roughly equal size, for concurrent fetching.
func createBlockRanges(from, to BlockNumber, n int) []blockRange {
	if to < from {
		return nil
	}
	if n <= 0 {
		n = 1
	}
	total := int64(to-from) + 1
	size := (total + int64(n) - 1) / int64(n)
	if size < 1 {
		size = 1
	}

	var ranges []blockRange
	for start := from; ; start += BlockNumber(size) {
		end := start + BlockNumber(size) - 1
		if end > to {
			end = to
		}
		ranges = append(ranges, blockRange{From: start, To: end})
		if end >= to {
			break
		}
	}
	return ranges
}

// fetchOneBlock fetches a single block, and its receipts when
// collectReceipts is set, first consulting the staging cache so an
// already-staged block with embedded transactions never hits the
// network when receipts aren't required.
func fetchOneBlock(ctx context.Context, provider rpcprovider.Provider, staging *Staging, chainID ChainID, number BlockNumber, collectReceipts bool, logger log.Logger, silent bool) (*AsyncBlockParts, error) {
	if cached, err := staging.ReadBlockAndReceipts(chainID, number); err == nil && !cached.Empty() {
		if !collectReceipts || len(cached.Receipts) > 0 {
			return cached, nil
		}
	}

	attempt := 0
	var result *AsyncBlockParts
	op := func() error {
		attempt++
		block, err := provider.BlockByNumber(ctx, uint64(number))
		if err != nil {
			logRetry(logger, silent, attempt, "fetch block", "chain", chainID, "number", number, "err", err)
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}

		receipts := map[gethcommon.Hash]*gethtypes.Receipt{}
		if collectReceipts {
			for _, tx := range block.Transactions() {
				r, err := getTransactionReceipt(ctx, provider, tx.Hash(), logger, silent)
				if err != nil {
					return err
				}
				receipts[tx.Hash()] = r
			}
		}
		result = &AsyncBlockParts{Block: block, Receipts: receipts}
		return nil
	}

	if err := backoff.Retry(op, unboundedBackoff(ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// txsFromRange fetches every block (and, if collectReceipts, every
// receipt) in [from, to], bounded to concurrency-many in flight blocks
// at once. Each sub-range created by createBlockRanges runs
// sequentially internally; the sub-ranges themselves run concurrently.
func txsFromRange(ctx context.Context, provider rpcprovider.Provider, staging *Staging, chainID ChainID, from, to BlockNumber, collectReceipts bool, concurrency int, logger log.Logger, silent bool) (map[BlockNumber]*AsyncBlockParts, error) {
	ranges := createBlockRanges(from, to, 10)
	resultSet := make(map[BlockNumber]*AsyncBlockParts, int(to-from)+1)
	var mu chan struct{} = make(chan struct{}, 1)
	mu <- struct{}{}

	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}

	for _, r := range ranges {
		r := r
		g.Go(func() error {
			for n := r.From; n <= r.To; n++ {
				res, err := fetchOneBlock(gctx, provider, staging, chainID, n, collectReceipts, logger, silent)
				if err != nil {
					return err
				}
				<-mu
				resultSet[n] = res
				mu <- struct{}{}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resultSet, nil
}

// timeoutFloor is the minimum allowed per-block processing deadline
// regardless of caller configuration (§4.5).
const timeoutFloor = 10 * time.Second

// DefaultBlockTimeout is the per-block processing deadline used when
// the engine is not configured with an explicit override.
const DefaultBlockTimeout = 30 * time.Second

// clampTimeout floors a configured per-block timeout at timeoutFloor.
func clampTimeout(d time.Duration) time.Duration {
	if d < timeoutFloor {
		return timeoutFloor
	}
	return d
}
