package kv

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	log "github.com/erigontech/erigon-lib/log/v3"
)

// Flags gate the durability and read-path behaviour of a MongoStore,
// mirroring the engine-wide flags the ingestion core is configured with.
type Flags struct {
	// ReadOnly disables all durable writes; the hot cache still updates.
	ReadOnly bool
	// NewDb disables read-through for single-record Gets on non-meta
	// collections: a hot-cache miss is reported as ErrNotFound (used for
	// a from-scratch sync where nothing durable can exist yet).
	// Collection-wide Gets still query Mongo.
	NewDb bool
	// WarmDb serves single-record Gets on non-meta collections from the
	// hot cache only, trusting the cache was pre-populated.
	// Collection-wide Gets still query Mongo.
	WarmDb bool
}

// MongoStore is the canonical Store implementation: a hot cache in
// front of a MongoDB database, with per-collection mutable/immutable
// mode registration.
type MongoStore struct {
	db     *mongo.Database
	cache  *HotCache
	flags  Flags
	logger log.Logger

	collections map[string]Mode
}

// NewMongoStore builds a store over an already-connected database. The
// collections map registers the versioning mode for every non-meta ref
// the caller intends to use. A durable Put or batched put, and a
// collection-wide Get, of an unregistered ref fail with
// ErrUnknownCollection (ErrNotFound for a collection-wide Get when the
// hot cache holds entries for it) rather than defaulting to mutable.
// Single-record Get, Del and batched deletes do not consult the registry.
func NewMongoStore(db *mongo.Database, collections map[string]Mode, flags Flags, logger log.Logger) *MongoStore {
	regs := make(map[string]Mode, len(collections))
	for k, v := range collections {
		regs[k] = v
	}
	return &MongoStore{
		db:          db,
		cache:       NewHotCache(),
		flags:       flags,
		logger:      logger,
		collections: regs,
	}
}

func (s *MongoStore) modeOf(ref string) (Mode, bool) {
	if ref == MetaCollection {
		return Mutable, true
	}
	m, ok := s.collections[ref]
	return m, ok
}

func (s *MongoStore) coll(ref string) *mongo.Collection {
	return s.db.Collection(ref)
}

// Get resolves a key through the cache, then Mongo: cache hit; single-
// record query ordered by _block_ts desc; collection-wide materialised
// view (immutable) or full scan (mutable); cache-only fallback;
// NotFound.
func (s *MongoStore) Get(ctx context.Context, key string) (Entity, error) {
	ref, id, hasID := SplitKey(key)

	if hasID {
		if v, ok := s.cache.Get(ref, id); ok {
			return v, nil
		}

		readThrough := ref == MetaCollection || (!s.flags.NewDb && !s.flags.WarmDb)
		if !readThrough {
			return nil, errors.Wrapf(ErrNotFound, "kv: %s (cache miss, read-through disabled)", key)
		}

		doc, err := s.getNewest(ctx, ref, id)
		if err != nil {
			return nil, err
		}
		s.cache.Put(ref, id, doc)
		return doc, nil
	}

	mode, known := s.modeOf(ref)
	if !known {
		if s.cache.Has(ref) {
			return nil, errors.Wrapf(ErrNotFound, "kv: collection scan of %q unsupported without a registered mode", ref)
		}
		return nil, errors.Wrapf(ErrUnknownCollection, "ref=%s", ref)
	}

	if mode == Immutable {
		docs, err := s.materializedView(ctx, ref)
		if err != nil {
			return nil, err
		}
		return bundle(docs), nil
	}

	docs, err := s.fullScan(ctx, ref)
	if err != nil {
		if s.cache.Has(ref) {
			return bundle(s.cache.Values(ref)), nil
		}
		return nil, err
	}
	return bundle(docs), nil
}

// bundle packs a collection scan's results into a single pseudo-entity
// under a synthetic "_all" key, since Store.Get returns one Entity;
// callers that asked for a bare ref unwrap it via AllOf.
func bundle(docs []Entity) Entity {
	return Entity{"_all": docs}
}

// AllOf unwraps the result of a bare-ref Get into its constituent records.
func AllOf(e Entity) []Entity {
	v, _ := e["_all"].([]Entity)
	return v
}

func (s *MongoStore) getNewest(ctx context.Context, ref, id string) (Entity, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: FieldBlockTS, Value: -1}})
	var doc Entity
	err := s.coll(ref).FindOne(ctx, bson.M{FieldID: id}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(ErrNotFound, "kv: %s.%s", ref, id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "kv: get %s.%s", ref, id)
	}
	delete(doc, FieldMongoID)
	return doc, nil
}

func (s *MongoStore) fullScan(ctx context.Context, ref string) ([]Entity, error) {
	cur, err := s.coll(ref).Find(ctx, bson.M{})
	if err != nil {
		return nil, errors.Wrapf(err, "kv: scan %s", ref)
	}
	defer cur.Close(ctx)

	var out []Entity
	for cur.Next(ctx) {
		var doc Entity
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrapf(err, "kv: decode %s", ref)
		}
		delete(doc, FieldMongoID)
		out = append(out, doc)
	}
	return out, cur.Err()
}

// materializedViewPageSize bounds driver-side memory while paging the
// latest-per-id aggregate.
const materializedViewPageSize = 5000

// materializedView computes the latest-version-per-id view of an
// immutable collection: group by id, take the document with the
// highest _block_ts, paged in fixed batches to bound memory.
func (s *MongoStore) materializedView(ctx context.Context, ref string) ([]Entity, error) {
	var out []Entity
	skip := 0
	for {
		pipeline := mongo.Pipeline{
			{{Key: "$sort", Value: bson.D{{Key: FieldBlockTS, Value: -1}}}},
			{{Key: "$group", Value: bson.D{
				{Key: "_id", Value: "$" + FieldID},
				{Key: "doc", Value: bson.D{{Key: "$first", Value: "$$ROOT"}}},
			}}},
			{{Key: "$replaceRoot", Value: bson.D{{Key: "newRoot", Value: "$doc"}}}},
			{{Key: "$sort", Value: bson.D{{Key: FieldID, Value: 1}}}},
			{{Key: "$skip", Value: skip}},
			{{Key: "$limit", Value: materializedViewPageSize}},
		}
		cur, err := s.coll(ref).Aggregate(ctx, pipeline)
		if err != nil {
			return nil, errors.Wrapf(err, "kv: materialized view %s", ref)
		}

		page := 0
		for cur.Next(ctx) {
			var doc Entity
			if err := cur.Decode(&doc); err != nil {
				cur.Close(ctx)
				return nil, errors.Wrapf(err, "kv: decode materialized view %s", ref)
			}
			delete(doc, FieldMongoID)
			out = append(out, doc)
			page++
		}
		cerr := cur.Err()
		cur.Close(ctx)
		if cerr != nil {
			return nil, cerr
		}
		if page < materializedViewPageSize {
			break
		}
		skip += materializedViewPageSize
	}
	return out, nil
}

// Put updates the hot cache unconditionally, then durably upserts
// unless readOnly is set. Mutable collections (and __meta__) upsert by
// id; immutable collections upsert by the full (id, _block_ts,
// _block_num, _chain_id) key, inserting a new version when it differs.
func (s *MongoStore) Put(ctx context.Context, key string, value Entity) error {
	ref, id, hasID := SplitKey(key)
	if !hasID {
		return fmt.Errorf("kv: put requires an id: %q", key)
	}
	if value.ID() == "" {
		value = value.Clone()
		value[FieldID] = id
	}

	s.cache.Put(ref, id, value)
	if s.flags.ReadOnly {
		return nil
	}

	mode, known := s.modeOf(ref)
	if !known {
		return errors.Wrapf(ErrUnknownCollection, "ref=%s", ref)
	}

	doc := stripReservedID(value)
	filter := putFilter(ref, mode, id, value)
	_, err := s.coll(ref).ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.Wrapf(err, "kv: put %s", key)
	}
	return nil
}

func stripReservedID(v Entity) Entity {
	if _, ok := v[FieldMongoID]; !ok {
		return v
	}
	out := v.Clone()
	delete(out, FieldMongoID)
	return out
}

func putFilter(ref string, mode Mode, id string, value Entity) bson.M {
	if ref == MetaCollection || mode == Mutable {
		return bson.M{FieldID: id}
	}
	return bson.M{
		FieldID:       id,
		FieldBlockTS:  value[FieldBlockTS],
		FieldBlockNum: value[FieldBlockNum],
		FieldChainID:  value[FieldChainID],
	}
}

// Del removes the hot-cache entry and, unless readOnly, deletes the
// newest document for that id. It never deletes history wholesale: the
// lookup-then-delete-by-_id sequence awaits the find rather than
// racing a filter-based delete against a concurrent insert.
func (s *MongoStore) Del(ctx context.Context, key string) error {
	ref, id, hasID := SplitKey(key)
	if !hasID {
		return fmt.Errorf("kv: del requires an id: %q", key)
	}
	s.cache.Del(ref, id)
	if s.flags.ReadOnly {
		return nil
	}

	opts := options.FindOne().SetSort(bson.D{{Key: FieldBlockTS, Value: -1}})
	var found bson.M
	err := s.coll(ref).FindOne(ctx, bson.M{FieldID: id}, opts).Decode(&found)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "kv: del lookup %s.%s", ref, id)
	}

	_, err = s.coll(ref).DeleteOne(ctx, bson.M{FieldMongoID: found[FieldMongoID]})
	if err != nil {
		return errors.Wrapf(err, "kv: del %s.%s", ref, id)
	}
	return nil
}

// Batch groups ops by collection and issues one unordered bulk write
// per collection. The hot cache is updated synchronously while the
// per-collection operation slices are assembled, so a later op in the
// same batch sees an earlier op's cache effect immediately, even though
// the durable write for both is still in flight.
func (s *MongoStore) Batch(ctx context.Context, ops []Op) error {
	byColl := make(map[string][]mongo.WriteModel)

	for _, op := range ops {
		ref, id, hasID := SplitKey(op.Key)
		if !hasID {
			return fmt.Errorf("kv: batch op requires an id: %q", op.Key)
		}

		switch op.Kind {
		case OpPut:
			v := op.Value
			if v.ID() == "" {
				v = v.Clone()
				v[FieldID] = id
			}
			s.cache.Put(ref, id, v)
			if s.flags.ReadOnly {
				continue
			}
			mode, known := s.modeOf(ref)
			if !known {
				return errors.Wrapf(ErrUnknownCollection, "ref=%s", ref)
			}
			model := mongo.NewReplaceOneModel().
				SetFilter(putFilter(ref, mode, id, v)).
				SetReplacement(stripReservedID(v)).
				SetUpsert(true)
			byColl[ref] = append(byColl[ref], model)

		case OpDel:
			s.cache.Del(ref, id)
			if s.flags.ReadOnly {
				continue
			}
			model := mongo.NewDeleteManyModel().SetFilter(bson.M{FieldID: id})
			byColl[ref] = append(byColl[ref], model)

		default:
			return fmt.Errorf("kv: unknown op kind %d", op.Kind)
		}
	}

	bwOpts := options.BulkWrite().SetOrdered(false)
	for ref, models := range byColl {
		if len(models) == 0 {
			continue
		}
		if _, err := s.coll(ref).BulkWrite(ctx, models, bwOpts); err != nil {
			return errors.Wrapf(err, "kv: batch write %s", ref)
		}
		s.logger.Debug("batch write committed", "collection", ref, "ops", len(models))
	}
	return nil
}

// Update is sugar over Batch for a set of puts.
func (s *MongoStore) Update(ctx context.Context, values map[string]Entity) error {
	ops := make([]Op, 0, len(values))
	for k, v := range values {
		ops = append(ops, Op{Kind: OpPut, Key: k, Value: v})
	}
	return s.Batch(ctx, ops)
}

// Ping verifies connectivity to the backing database.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}
