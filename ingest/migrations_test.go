package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chainwatch/indexer/kv"
)

// fakeStore is a minimal in-memory kv.Store for tests that don't need
// real durability, mode semantics or batching guarantees.
type fakeStore struct {
	docs map[string]kv.Entity
}

func newFakeStore() *fakeStore { return &fakeStore{docs: map[string]kv.Entity{}} }

func (f *fakeStore) Get(_ context.Context, key string) (kv.Entity, error) {
	if e, ok := f.docs[key]; ok {
		return e, nil
	}
	return nil, kv.ErrNotFound
}

func (f *fakeStore) Put(_ context.Context, key string, value kv.Entity) error {
	f.docs[key] = value
	return nil
}

func (f *fakeStore) Del(_ context.Context, key string) error {
	delete(f.docs, key)
	return nil
}

func (f *fakeStore) Batch(_ context.Context, ops []kv.Op) error {
	for _, op := range ops {
		if op.Kind == kv.OpDel {
			delete(f.docs, op.Key)
			continue
		}
		f.docs[op.Key] = op.Value
	}
	return nil
}

func (f *fakeStore) Update(ctx context.Context, values map[string]kv.Entity) error {
	for k, v := range values {
		f.docs[k] = v
	}
	return nil
}

func TestMigrationsIndexRejectsDuplicateNames(t *testing.T) {
	_, err := NewMigrationsIndex([]Migration{
		{Name: "backfill-owner", ChainID: 1, BlockNumber: 10, Entity: "tokens"},
		{Name: "backfill-owner", ChainID: 1, BlockNumber: 20, Entity: "tokens"},
	})
	require.Error(t, err)
}

func TestMigrationsIndexRejectsEmptyName(t *testing.T) {
	_, err := NewMigrationsIndex([]Migration{{ChainID: 1, BlockNumber: 10, Entity: "tokens"}})
	require.Error(t, err)
}

func TestMigrationsIndexForFlattensByChainAndBlock(t *testing.T) {
	idx, err := NewMigrationsIndex([]Migration{
		{Name: "m1", ChainID: 1, BlockNumber: 10, Entity: "tokens"},
		{Name: "m2", ChainID: 2, BlockNumber: 10, Entity: "accounts"},
	})
	require.NoError(t, err)

	require.Len(t, idx.For(1, 10), 1)
	require.Equal(t, "m1", idx.For(1, 10)[0].Name)
	require.Len(t, idx.For(2, 10), 1)
	require.Empty(t, idx.For(1, 11))
}

func TestMigrationsIndexPreWarmAttachesFutures(t *testing.T) {
	store := newFakeStore()
	store.docs["tokens"] = kv.Entity{"_all": []kv.Entity{{kv.FieldID: "1"}, {kv.FieldID: "2"}}}

	idx, err := NewMigrationsIndex([]Migration{
		{Name: "backfill-owner", ChainID: 1, BlockNumber: 10, Entity: "tokens"},
	})
	require.NoError(t, err)

	entry := &QueueEntry{ChainID: 1, Number: 10}
	idx.PreWarm(context.Background(), store, entry)

	require.NotNil(t, entry.Entities["tokens"])
	ents, err := entry.Entities["tokens"][0].Wait()
	require.NoError(t, err)
	require.Len(t, ents, 2)
}

func TestMigrationsIndexApplyRunsExactlyOnce(t *testing.T) {
	store := newFakeStore()
	calls := 0

	idx, err := NewMigrationsIndex([]Migration{
		{
			Name: "seed-owner", ChainID: 1, BlockNumber: 10, Entity: "tokens",
			Apply: func(ctx context.Context, s kv.Store, entities []kv.Entity) error {
				calls++
				return nil
			},
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, idx.Apply(ctx, store, 1, 10, nil))
	require.NoError(t, idx.Apply(ctx, store, 1, 10, nil))
	require.Equal(t, 1, calls)
}

func TestMigrationsIndexApplyRetriesAfterFailure(t *testing.T) {
	store := newFakeStore()
	calls := 0

	idx, err := NewMigrationsIndex([]Migration{
		{
			Name: "seed-owner", ChainID: 1, BlockNumber: 10, Entity: "tokens",
			Apply: func(ctx context.Context, s kv.Store, entities []kv.Entity) error {
				calls++
				if calls == 1 {
					return errors.New("transient store error")
				}
				return nil
			},
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.Error(t, idx.Apply(ctx, store, 1, 10, nil))
	require.False(t, idx.Applied("seed-owner"))

	require.NoError(t, idx.Apply(ctx, store, 1, 10, nil))
	require.True(t, idx.Applied("seed-owner"))
	require.Equal(t, 2, calls)
}
