package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/chainwatch/indexer/rpcprovider"
)

// RejectFunc is the caller-supplied channel by which a listener
// reports a FatalProviderError, per §4.4/§7: it is the sole way a
// caller learns the ingestor has stopped for a chain.
type RejectFunc func(chainID ChainID, err error)

// Listener watches a single chain's new-head feed, enqueues every
// observed block number, and kicks off an asynchronous staging fetch
// for it so the dispatcher never blocks on network I/O when it's time
// to process.
type Listener struct {
	chainID  ChainID
	provider rpcprovider.Provider
	engine   *Engine
	reject   RejectFunc

	detachOnce sync.Once
	detach     chan struct{}
}

// NewListener builds a listener for chainID, not yet subscribed.
func NewListener(chainID ChainID, provider rpcprovider.Provider, engine *Engine, reject RejectFunc) *Listener {
	return &Listener{
		chainID:  chainID,
		provider: provider,
		engine:   engine,
		reject:   reject,
		detach:   make(chan struct{}),
	}
}

// Start subscribes to new heads and begins recording block numbers
// onto the engine's queue until the context is cancelled, the
// subscription errors fatally, or Detach is called.
func (l *Listener) Start(ctx context.Context) error {
	heads := make(chan *gethtypes.Header, 16)
	sub, err := l.provider.SubscribeNewHead(ctx, heads)
	if err != nil {
		return fmt.Errorf("%w: subscribe new head: %v", ErrTransport, err)
	}
	go l.run(ctx, sub, heads)
	return nil
}

func (l *Listener) run(ctx context.Context, sub ethereum.Subscription, heads chan *gethtypes.Header) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-l.detach:
			return
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				l.handleProviderError(err)
			}
			return
		case h := <-heads:
			l.recordListenerBlock(ctx, BlockNumber(h.Number.Uint64()))
		}
	}
}

// recordListenerBlock enqueues a newly observed block number, pre-warms
// any entity snapshots scheduled migrations will need at this height,
// and starts staging its content in the background; the dispatcher
// awaits entry.Parts only once it's actually this block's turn.
func (l *Listener) recordListenerBlock(ctx context.Context, number BlockNumber) {
	entry := &QueueEntry{
		ChainID: l.chainID,
		Number:  number,
		Parts:   NewDeferred[*AsyncBlockParts](),
	}
	if migs := l.engine.migrationsIndex(); migs != nil {
		migs.PreWarm(ctx, l.engine.Store(), entry)
	}
	l.engine.Queue().Push(entry)
	go l.stageBlock(ctx, entry)
}

// stageBlock fetches a queued block's parts and resolves its future.
// fetchOneBlock retries every fetch error until ctx ends, so the error
// path here is reached only once ctx is done; that error is still
// passed through handleProviderError.
func (l *Listener) stageBlock(ctx context.Context, entry *QueueEntry) {
	parts, err := fetchOneBlock(ctx, l.provider, l.engine.Staging(), l.chainID, entry.Number, true, l.engine.Logger(), l.engine.Flags.Silent)
	if err != nil {
		entry.Parts.Resolve(nil, err)
		l.handleProviderError(err)
		return
	}
	if err := l.engine.Staging().WriteBlockAndReceipts(l.chainID, entry.Number, parts); err != nil {
		l.engine.Logger().Warn("listener: failed to stage block", "chain", l.chainID, "number", entry.Number, "err", err)
	}
	entry.Parts.Resolve(parts, nil)
}

// handleProviderError implements createErrorHandler from §4.4: TIMEOUT
// is swallowed, NETWORK_ERROR/SERVER_ERROR/UNSUPPORTED_OPERATION are
// fatal and trigger reject plus detach, everything else is logged.
func (l *Listener) handleProviderError(err error) {
	kind := rpcprovider.Classify(err)
	switch kind {
	case rpcprovider.Timeout:
		return
	case rpcprovider.NetworkError, rpcprovider.ServerError, rpcprovider.UnsupportedOperation:
		wrapped := fmt.Errorf("%w: %s: %v", ErrFatalProvider, kind, err)
		if l.reject != nil {
			l.reject(l.chainID, wrapped)
		}
		l.detachAsync()
	default:
		l.engine.Logger().Warn("listener: ignoring provider error", "chain", l.chainID, "kind", kind.String(), "err", err)
	}
}

func (l *Listener) detachAsync() {
	l.detachOnce.Do(func() { close(l.detach) })
}

// Detach stops the listener, awaits the engine's in-flight block
// processing so no block is ever processed twice or lost mid-flight,
// and releases the chain's ingestion lock.
func (l *Listener) Detach(ctx context.Context) error {
	l.detachAsync()
	l.engine.AwaitCurrentProcess()
	return l.engine.ReleaseChainLock(ctx, l.chainID)
}
