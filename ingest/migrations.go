package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chainwatch/indexer/kv"
)

// Migration is a block-scheduled entity transform: at (ChainID,
// BlockNumber) the dispatcher pre-warms a snapshot of the named entity
// collection and, once the block's own handlers have run, Apply gets
// the chance to rewrite it. Each migration is keyed to a block height
// rather than a linear version sequence, so it runs exactly once at
// the height it names instead of once per deploy.
type Migration struct {
	Name        string
	ChainID     ChainID
	BlockNumber BlockNumber
	Entity      string
	Apply       func(ctx context.Context, store kv.Store, entities []kv.Entity) error
}

func migrationKey(chainID ChainID, number BlockNumber) string {
	return fmt.Sprintf("%d-%d", chainID, number)
}

// MigrationsIndex flattens a migration list into a map keyed by
// "<chainId>-<blockNumber>" at construction time: a duplicate
// migration name is rejected immediately rather than discovered
// mid-run.
type MigrationsIndex struct {
	mu      sync.RWMutex
	byKey   map[string][]Migration
	applied map[string]bool
}

// NewMigrationsIndex validates and flattens migrations. It returns an
// error on a duplicate or empty Name.
func NewMigrationsIndex(migrations []Migration) (*MigrationsIndex, error) {
	idx := &MigrationsIndex{
		byKey:   make(map[string][]Migration),
		applied: make(map[string]bool),
	}
	seen := make(map[string]bool, len(migrations))
	for _, m := range migrations {
		if m.Name == "" {
			return nil, fmt.Errorf("ingest: migration at chain %d block %d has no name", m.ChainID, m.BlockNumber)
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("ingest: migration name %q is duplicated", m.Name)
		}
		seen[m.Name] = true
		key := migrationKey(m.ChainID, m.BlockNumber)
		idx.byKey[key] = append(idx.byKey[key], m)
	}
	return idx, nil
}

// For returns the migrations scheduled at exactly (chainID, number).
func (idx *MigrationsIndex) For(chainID ChainID, number BlockNumber) []Migration {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.byKey[migrationKey(chainID, number)]
}

// PreWarm attaches an unresolved future per migration scheduled at
// entry's height to entry.Entities, and kicks off the backing
// store.Get(ref) for each in the background, so the handler never
// blocks on a migration's lookup that could have started earlier.
func (idx *MigrationsIndex) PreWarm(ctx context.Context, store kv.Store, entry *QueueEntry) {
	migs := idx.For(entry.ChainID, entry.Number)
	if len(migs) == 0 {
		return
	}
	if entry.Entities == nil {
		entry.Entities = make(map[string]map[int]*Deferred[[]kv.Entity])
	}
	for i, m := range migs {
		if entry.Entities[m.Entity] == nil {
			entry.Entities[m.Entity] = make(map[int]*Deferred[[]kv.Entity])
		}
		dfd := NewDeferred[[]kv.Entity]()
		entry.Entities[m.Entity][i] = dfd
		go preWarmOne(ctx, store, m.Entity, dfd)
	}
}

func preWarmOne(ctx context.Context, store kv.Store, ref string, dfd *Deferred[[]kv.Entity]) {
	e, err := store.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			dfd.Resolve(nil, nil)
			return
		}
		dfd.Resolve(nil, err)
		return
	}
	dfd.Resolve(kv.AllOf(e), nil)
}

// All returns every registered migration, for tooling that needs to
// walk the full set (the migrate CLI command applies every migration
// whose block height is at or below a chain's recorded latest block).
func (idx *MigrationsIndex) All() []Migration {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []Migration
	for _, migs := range idx.byKey {
		out = append(out, migs...)
	}
	return out
}

// Applied reports whether a named migration has already run.
func (idx *MigrationsIndex) Applied(name string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.applied[name]
}

// Apply runs every migration scheduled at (chainID, number) against
// its pre-warmed snapshot, marking each applied exactly once. Calling
// Apply twice for the same migration is a no-op rather than an error,
// so a restacked block can safely re-run it.
func (idx *MigrationsIndex) Apply(ctx context.Context, store kv.Store, chainID ChainID, number BlockNumber, entities map[string][]kv.Entity) error {
	migs := idx.For(chainID, number)
	for _, m := range migs {
		idx.mu.RLock()
		done := idx.applied[m.Name]
		idx.mu.RUnlock()
		if done {
			continue
		}

		if err := m.Apply(ctx, store, entities[m.Entity]); err != nil {
			return fmt.Errorf("ingest: migration %q: %w", m.Name, err)
		}

		idx.mu.Lock()
		idx.applied[m.Name] = true
		idx.mu.Unlock()
	}
	return nil
}
