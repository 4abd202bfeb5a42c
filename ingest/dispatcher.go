package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chainwatch/indexer/kv"
	"github.com/chainwatch/indexer/rpcprovider"
)

// idlePoll is how long the dispatcher sleeps between empty-queue
// checks rather than busy-spinning.
const idlePoll = time.Second

// Dispatcher runs a single chain's queue: pop the head, await its
// staged parts, hand them to every registered sync op in order, and
// advance the chain's latest-processed cursor on success. Exactly one
// Dispatcher runs per chain, guaranteeing strict per-chain ordering.
type Dispatcher struct {
	engine   *Engine
	chainID  ChainID
	provider rpcprovider.Provider
	timeout  time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// NewDispatcher builds a dispatcher for chainID. A non-positive
// timeout falls back to DefaultBlockTimeout, itself floored at
// timeoutFloor.
func NewDispatcher(engine *Engine, chainID ChainID, provider rpcprovider.Provider, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultBlockTimeout
	}
	return &Dispatcher{
		engine:   engine,
		chainID:  chainID,
		provider: provider,
		timeout:  clampTimeout(timeout),
		stop:     make(chan struct{}),
	}
}

// Stop signals the dispatcher's Run loop to exit after its current
// attempt finishes.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Run is the dispatcher's outer loop: a for{} with a select against a
// shutdown channel, an idle sleep-and-recheck when the queue is empty,
// and a recover() wrapper around each attempt so a panicking handler
// degrades to a restack instead of killing the process.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if d.engine.Queue().Len(d.chainID) == 0 {
			time.Sleep(idlePoll)
			continue
		}

		if err := d.attemptNextBlockSafe(ctx); err != nil {
			d.engine.Logger().Error("dispatcher: attempt failed", "chain", d.chainID, "err", err)
		}
	}
}

func (d *Dispatcher) attemptNextBlockSafe(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: recovered panic: %v", ErrHandler, r)
		}
	}()
	return d.attemptNextBlock(ctx)
}

// attemptNextBlock implements §4.5: gap-fill when the popped entry is
// ahead of the expected next block, a skip guard when it's already
// behind, and otherwise the timeout race between the processing arm
// and the per-block deadline.
func (d *Dispatcher) attemptNextBlock(ctx context.Context) error {
	entry := d.engine.Queue().Pop(d.chainID)
	if entry == nil {
		return nil
	}

	expected := d.engine.LatestBlock(d.chainID) + 1

	if entry.Number > expected {
		gap := d.fillGap(ctx, expected, entry.Number-1)
		d.engine.Queue().PushFrontRun(d.chainID, append(gap, entry))
		return nil
	}

	if entry.Number < expected {
		// Already processed past this height; drop it (skip guard).
		return nil
	}

	return d.raceBlock(ctx, entry)
}

// raceBlock runs the processing arm against a per-block timeout. The
// timeout never preempts the handler: it only flags the staged parts
// as cancelled and restacks a fresh attempt. If the processing arm
// wins, it itself checks the cancellation flag before treating a late
// result as success.
func (d *Dispatcher) raceBlock(ctx context.Context, entry *QueueEntry) error {
	proc := d.engine.beginProcess()
	defer proc.Resolve(struct{}{}, nil)

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	resultCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- fmt.Errorf("%w: recovered panic: %v", ErrHandler, r)
			}
		}()
		resultCh <- d.processBlock(ctx, entry)
	}()

	select {
	case err := <-resultCh:
		if err != nil {
			d.engine.Logger().Warn("dispatcher: handler failed, restacking", "chain", d.chainID, "number", entry.Number, "err", err)
			d.restackFresh(entry)
			return err
		}
		d.engine.AdvanceLatest(d.chainID, entry.Number)
		if d.engine.Flags.Cleanup {
			if err := d.engine.Staging().Evict(d.chainID, entry.Number); err != nil {
				d.engine.Logger().Warn("dispatcher: failed to evict staged block", "chain", d.chainID, "number", entry.Number, "err", err)
			}
		}
		return nil

	case <-timer.C:
		go func() {
			if parts, err := entry.Parts.Wait(); err == nil && !parts.Empty() {
				parts.Cancelled.Store(true)
			}
		}()
		d.engine.Logger().Warn("dispatcher: block timed out, restacking", "chain", d.chainID, "number", entry.Number, "timeout", d.timeout)
		d.restackFresh(entry)
		return fmt.Errorf("%w: chain %d block %d", ErrTimeout, d.chainID, entry.Number)
	}
}

// restackFresh re-enqueues number at the head of the queue with
// freshly issued staging futures, per I5: a restacked block is never
// skipped and never reuses a cancelled future.
func (d *Dispatcher) restackFresh(entry *QueueEntry) {
	fresh := &QueueEntry{ChainID: entry.ChainID, Number: entry.Number, Parts: NewDeferred[*AsyncBlockParts]()}
	if migs := d.engine.migrationsIndex(); migs != nil {
		migs.PreWarm(context.Background(), d.engine.Store(), fresh)
	}
	d.engine.Queue().Restack(fresh)
	go func() {
		parts, err := fetchOneBlock(context.Background(), d.provider, d.engine.Staging(), d.chainID, fresh.Number, true, d.engine.Logger(), d.engine.Flags.Silent)
		fresh.Parts.Resolve(parts, err)
	}()
}

// processBlock awaits the staged reader and invokes every registered
// sync op in order against the pre-warmed entity snapshot.
func (d *Dispatcher) processBlock(ctx context.Context, entry *QueueEntry) error {
	parts, err := entry.Parts.Wait()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if parts.Empty() {
		return fmt.Errorf("%w: empty staged parts for chain %d block %d", ErrHandler, d.chainID, entry.Number)
	}
	if parts.Cancelled.Load() {
		return fmt.Errorf("%w: superseded by timeout", ErrTimeout)
	}

	entities := d.resolveEntities(entry)

	for _, op := range d.engine.syncsFor(d.chainID) {
		if err := op.Handler(ctx, d.chainID, parts.Block, parts.Receipts, entities, d.engine.Store()); err != nil {
			return fmt.Errorf("%w: sync %q: %v", ErrHandler, op.Name, err)
		}
		if parts.Cancelled.Load() {
			return fmt.Errorf("%w: superseded by timeout mid-handler", ErrTimeout)
		}
	}

	if migs := d.engine.migrationsIndex(); migs != nil {
		if err := migs.Apply(ctx, d.engine.Store(), entry.ChainID, entry.Number, entities); err != nil {
			return fmt.Errorf("%w: %v", ErrHandler, err)
		}
	}
	return nil
}

func (d *Dispatcher) resolveEntities(entry *QueueEntry) map[string][]kv.Entity {
	out := make(map[string][]kv.Entity, len(entry.Entities))
	for ref, byIdx := range entry.Entities {
		for _, dfd := range byIdx {
			ents, err := dfd.Wait()
			if err != nil {
				d.engine.Logger().Warn("dispatcher: pre-warmed entity fetch failed", "chain", d.chainID, "ref", ref, "err", err)
				continue
			}
			out[ref] = append(out[ref], ents...)
		}
	}
	return out
}

// fillGap synthesises a fresh, unresolved queue entry for every height
// in [from, to] and kicks off its staging fetch in the background,
// exactly as the listener does for a newly observed head. Each
// gap-filled block is spliced in ahead of the block whose processing
// exposed the gap, and from there gets the same staging write and
// per-block timeout race as any other entry.
func (d *Dispatcher) fillGap(ctx context.Context, from, to BlockNumber) []*QueueEntry {
	if to < from {
		return nil
	}
	entries := make([]*QueueEntry, 0, int(to-from)+1)
	for n := from; n <= to; n++ {
		entry := &QueueEntry{ChainID: d.chainID, Number: n, Parts: NewDeferred[*AsyncBlockParts]()}
		if migs := d.engine.migrationsIndex(); migs != nil {
			migs.PreWarm(ctx, d.engine.Store(), entry)
		}
		entries = append(entries, entry)
		go d.stageGapBlock(ctx, entry)
	}
	return entries
}

// stageGapBlock mirrors Listener.stageBlock for a block discovered via
// gap-fill rather than a live subscription: fetch, stage, resolve.
func (d *Dispatcher) stageGapBlock(ctx context.Context, entry *QueueEntry) {
	parts, err := fetchOneBlock(ctx, d.provider, d.engine.Staging(), d.chainID, entry.Number, true, d.engine.Logger(), d.engine.Flags.Silent)
	if err != nil {
		entry.Parts.Resolve(nil, err)
		return
	}
	if err := d.engine.Staging().WriteBlockAndReceipts(d.chainID, entry.Number, parts); err != nil {
		d.engine.Logger().Warn("dispatcher: failed to stage gap-filled block", "chain", d.chainID, "number", entry.Number, "err", err)
	}
	entry.Parts.Resolve(parts, nil)
}
