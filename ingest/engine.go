package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	gethcommon "github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	log "github.com/erigontech/erigon-lib/log/v3"

	"github.com/chainwatch/indexer/kv"
)

// Flags are the process-wide switches that shape engine behaviour:
// ReadOnly/NewDb/WarmDb mirror kv.Flags (storeFlags converts them); the
// store adapter takes its own kv.Flags when it is built. Cleanup and
// Silent are ingest-only.
type Flags struct {
	ReadOnly bool
	NewDb    bool
	WarmDb   bool
	Cleanup  bool
	Silent   bool
}

func (f Flags) storeFlags() kv.Flags {
	return kv.Flags{ReadOnly: f.ReadOnly, NewDb: f.NewDb, WarmDb: f.WarmDb}
}

// SyncHandler processes one block's worth of events for a single
// registered sync op.
type SyncHandler func(ctx context.Context, chainID ChainID, block *gethtypes.Block, receipts map[gethcommon.Hash]*gethtypes.Receipt, entities map[string][]kv.Entity, store kv.Store) error

// SyncOp is a registered subscription describing which handler runs
// for which chain's blocks.
type SyncOp struct {
	ChainID ChainID
	Name    string
	Handler SyncHandler
}

// MetaEntity is the per-chain bookkeeping document round-tripped
// through the __meta__ collection: which block this process has
// last durably advanced past, and whether some process currently
// holds the ingestion lock for this chain.
type MetaEntity struct {
	ChainID     ChainID
	Locked      bool
	LatestBlock BlockNumber
}

func metaLockKey(chainID ChainID) string {
	return fmt.Sprintf("lock-%d", chainID)
}

func (m MetaEntity) toEntity() kv.Entity {
	return kv.Entity{
		kv.FieldID:    metaLockKey(m.ChainID),
		"chainId":     uint64(m.ChainID),
		"locked":      m.Locked,
		"latestBlock": uint64(m.LatestBlock),
	}
}

func metaFromEntity(e kv.Entity) MetaEntity {
	m := MetaEntity{}
	if v, ok := e["chainId"]; ok {
		switch n := v.(type) {
		case uint64:
			m.ChainID = ChainID(n)
		case int64:
			m.ChainID = ChainID(n)
		case int:
			m.ChainID = ChainID(n)
		}
	}
	if v, ok := e["locked"].(bool); ok {
		m.Locked = v
	}
	if v, ok := e["latestBlock"]; ok {
		switch n := v.(type) {
		case uint64:
			m.LatestBlock = BlockNumber(n)
		case int64:
			m.LatestBlock = BlockNumber(n)
		case int:
			m.LatestBlock = BlockNumber(n)
		}
	}
	return m
}

// Engine holds all process-wide ingestion state: one instance
// coordinates every chain's listener, dispatcher and queue, and is the
// sole owner of the store adapter and staging cache.
type Engine struct {
	mu sync.RWMutex

	db      kv.Store
	staging *Staging
	logger  log.Logger

	Flags       Flags
	concurrency int

	queue *BlockQueue

	latestBlocks map[ChainID]BlockNumber
	startBlocks  map[ChainID]BlockNumber
	latestEntity map[ChainID]*MetaEntity

	syncs      []SyncOp
	migrations *MigrationsIndex

	currentProcess *Deferred[struct{}]
}

// NewEngine wires a store adapter, staging cache and flags into a
// fresh, unstarted engine.
func NewEngine(db kv.Store, staging *Staging, logger log.Logger, flags Flags, concurrency int) *Engine {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Engine{
		db:             db,
		staging:        staging,
		logger:         logger,
		Flags:          flags,
		concurrency:    concurrency,
		queue:          NewBlockQueue(),
		latestBlocks:   make(map[ChainID]BlockNumber),
		startBlocks:    make(map[ChainID]BlockNumber),
		latestEntity:   make(map[ChainID]*MetaEntity),
		currentProcess: Resolved(struct{}{}),
	}
}

// RegisterSync adds a handler that will run for every subsequent block
// observed on its chain.
func (e *Engine) RegisterSync(op SyncOp) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncs = append(e.syncs, op)
}

// SetMigrations installs the flattened migrations index the
// dispatcher pre-warms entities from and applies after each block.
func (e *Engine) SetMigrations(idx *MigrationsIndex) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.migrations = idx
}

func (e *Engine) migrationsIndex() *MigrationsIndex {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.migrations
}

func (e *Engine) syncsFor(chainID ChainID) []SyncOp {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []SyncOp
	for _, s := range e.syncs {
		if s.ChainID == chainID {
			out = append(out, s)
		}
	}
	return out
}

// AcquireChainLock claims the distributed per-chain ingestion lock via
// a read-then-conditional-write against __meta__: if another process
// already holds the lock, ErrChainLockHeld is returned and the caller
// must not start a listener for this chain.
func (e *Engine) AcquireChainLock(ctx context.Context, chainID ChainID, startBlock BlockNumber) error {
	lockKey := kv.JoinKey(kv.MetaCollection, metaLockKey(chainID))

	existing, err := e.db.Get(ctx, lockKey)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("ingest: read chain lock: %w", err)
	}
	if err == nil {
		meta := metaFromEntity(existing)
		if meta.Locked {
			return fmt.Errorf("%w: chain %d", ErrChainLockHeld, chainID)
		}
	}

	meta := MetaEntity{ChainID: chainID, Locked: true, LatestBlock: startBlock}
	if err := e.db.Put(ctx, lockKey, meta.toEntity()); err != nil {
		return fmt.Errorf("ingest: write chain lock: %w", err)
	}

	e.mu.Lock()
	e.latestEntity[chainID] = &meta
	e.startBlocks[chainID] = startBlock
	e.latestBlocks[chainID] = startBlock
	e.mu.Unlock()
	return nil
}

// ReleaseChainLock clears the lock and persists the final advanced
// block, per the listener-detach contract in §4.7/§9.
func (e *Engine) ReleaseChainLock(ctx context.Context, chainID ChainID) error {
	e.mu.Lock()
	latest := e.latestBlocks[chainID]
	e.mu.Unlock()

	meta := MetaEntity{ChainID: chainID, Locked: false, LatestBlock: latest}
	if err := e.db.Put(ctx, kv.JoinKey(kv.MetaCollection, metaLockKey(chainID)), meta.toEntity()); err != nil {
		return fmt.Errorf("ingest: release chain lock: %w", err)
	}

	e.mu.Lock()
	e.latestEntity[chainID] = &meta
	e.mu.Unlock()
	return nil
}

// AdvanceLatest records that chainID has durably processed through
// number. The cursor is held in memory and written to __meta__ by
// ReleaseChainLock; AcquireChainLock starts from its startBlock argument
// and does not read a stored cursor.
func (e *Engine) AdvanceLatest(chainID ChainID, number BlockNumber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latestBlocks[chainID] = number
	if meta, ok := e.latestEntity[chainID]; ok {
		meta.LatestBlock = number
	}
}

// LatestBlock reports the highest block durably processed for a chain.
func (e *Engine) LatestBlock(chainID ChainID) BlockNumber {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latestBlocks[chainID]
}

// Queue exposes the engine's shared block queue to the listener and
// dispatcher.
func (e *Engine) Queue() *BlockQueue { return e.queue }

// Staging exposes the engine's shared staging cache.
func (e *Engine) Staging() *Staging { return e.staging }

// Store exposes the engine's store adapter.
func (e *Engine) Store() kv.Store { return e.db }

// Logger exposes the engine's logger.
func (e *Engine) Logger() log.Logger { return e.logger }

// Concurrency reports the configured fetch fan-out width.
func (e *Engine) Concurrency() int { return e.concurrency }

// AwaitCurrentProcess blocks until whatever block attempt is currently
// in flight finishes, per the listener-detach contract in §4.7: a
// detach must never race a handler still running.
func (e *Engine) AwaitCurrentProcess() {
	e.mu.RLock()
	cur := e.currentProcess
	e.mu.RUnlock()
	cur.Wait()
}

// beginProcess installs a fresh unresolved currentProcess future and
// returns it, so the dispatcher can resolve it exactly once this
// attempt finishes (success, restack or error all count as finished).
func (e *Engine) beginProcess() *Deferred[struct{}] {
	d := NewDeferred[struct{}]()
	e.mu.Lock()
	e.currentProcess = d
	e.mu.Unlock()
	return d
}
