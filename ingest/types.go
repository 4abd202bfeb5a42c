// Package ingest implements the live block-listener pipeline: the
// per-chain listener, the ordered block queue and its single-consumer
// dispatcher, the staging cache that decouples fetch from processing,
// the migrations index, and the process-wide engine state that ties
// them together.
package ingest

import (
	"sync/atomic"

	gethcommon "github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/chainwatch/indexer/kv"
)

// ChainID identifies an EVM chain by its numeric chain id.
type ChainID uint64

// BlockNumber is a block height on a given chain.
type BlockNumber uint64

// AsyncBlockParts is the staged, eventually-available content of a
// single block: the block itself and its transaction receipts keyed by
// hash. Cancelled is set by the per-block timeout arm, which also
// restacks the block; once set, the processing arm stops before handing
// the block to any further handler, and its result is discarded.
type AsyncBlockParts struct {
	Block     *gethtypes.Block
	Receipts  map[gethcommon.Hash]*gethtypes.Receipt
	Cancelled atomic.Bool
}

// Empty reports whether staging produced no usable content, the
// sentinel the dispatcher treats as "restack, try again."
func (p *AsyncBlockParts) Empty() bool {
	return p == nil || p.Block == nil
}

// QueueEntry is a single block awaiting dispatch on a chain's queue.
// Parts is a future over a loader for the staged data rather than the
// data itself, so enqueue is cheap and staging I/O overlaps dispatch;
// Entities holds the pre-warmed entity snapshots any migrations
// scheduled at this block will need.
type QueueEntry struct {
	ChainID  ChainID
	Number   BlockNumber
	Parts    *Deferred[*AsyncBlockParts]
	Entities map[string]map[int]*Deferred[[]kv.Entity]
}
