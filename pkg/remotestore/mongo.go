package remotestore

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoStore implements Store on MongoDB. Document IDs are stored in _id and
// fields are addressed by their bson tag names. Subscribe needs change
// streams, available on replica sets and sharded clusters.
type MongoStore struct {
	db *mongo.Database
}

// NewMongoStore returns a store over db. Panics when db is nil.
func NewMongoStore(db *mongo.Database) *MongoStore {
	if db == nil {
		panic("remotestore: mongo database is required")
	}
	return &MongoStore{db: db}
}

func (s *MongoStore) Get(ctx context.Context, collection, id string, out any) error {
	err := s.db.Collection(collection).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Join(ErrReadFailed, err)
	}
	return nil
}

func (s *MongoStore) Set(ctx context.Context, collection, id string, doc any) error {
	if collection == "" || id == "" {
		return ErrInvalidID
	}
	_, err := s.db.Collection(collection).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return errors.Join(ErrWriteFailed, err)
	}
	return nil
}

// Merge applies $set for fields and lets the server stamp FieldUpdatedAt
// with $currentDate.
func (s *MongoStore) Merge(ctx context.Context, collection, id string, fields map[string]any) error {
	if collection == "" || id == "" {
		return ErrInvalidID
	}
	set := maps.Clone(fields)
	delete(set, FieldUpdatedAt)

	update := bson.D{{Key: "$currentDate", Value: bson.D{{Key: FieldUpdatedAt, Value: true}}}}
	if len(set) > 0 {
		update = append(update, bson.E{Key: "$set", Value: bson.M(set)})
	}

	_, err := s.db.Collection(collection).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		update,
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return errors.Join(ErrWriteFailed, err)
	}
	return nil
}

// Subscribe opens a change stream filtered to the query, then delivers the
// initial result set. Each matching change event re-runs the query and
// delivers the full materialized list.
func (s *MongoStore) Subscribe(ctx context.Context, q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (Subscription, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if onSnapshot == nil {
		return nil, errors.Join(ErrSubscribe, errors.New("snapshot callback is required"))
	}

	coll := s.db.Collection(q.Collection)
	filter := toFilter(q.Filters)

	subCtx, cancel := context.WithCancel(ctx)
	// Update events only carry fullDocument with UpdateLookup, which the
	// pipeline's $match needs.
	stream, err := coll.Watch(subCtx, watchPipeline(q.Filters), options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, errors.Join(ErrSubscribe, err)
	}

	sub := &mongoSubscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer stream.Close(context.WithoutCancel(subCtx))

		deliver := func() error {
			snap, err := s.find(subCtx, coll, q, filter)
			if err != nil {
				return err
			}
			onSnapshot(snap)
			return nil
		}

		if err := deliver(); err != nil {
			sub.fail(subCtx, onError, err)
			return
		}
		for stream.Next(subCtx) {
			if err := deliver(); err != nil {
				sub.fail(subCtx, onError, err)
				return
			}
		}
		if err := stream.Err(); err != nil {
			sub.fail(subCtx, onError, err)
		}
	}()
	return sub, nil
}

func (s *MongoStore) find(ctx context.Context, coll *mongo.Collection, q Query, filter bson.D) (Snapshot, error) {
	cur, err := coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return Snapshot{}, errors.Join(ErrReadFailed, err)
	}
	defer cur.Close(context.WithoutCancel(ctx))

	var docs []Document
	for cur.Next(ctx) {
		raw := make(bson.Raw, len(cur.Current))
		copy(raw, cur.Current)

		id, _ := raw.Lookup("_id").StringValueOK()
		docs = append(docs, NewDocument(id, func(out any) error {
			if err := bson.Unmarshal(raw, out); err != nil {
				return errors.Join(ErrDecodeFailed, err)
			}
			return nil
		}))
	}
	if err := cur.Err(); err != nil {
		return Snapshot{}, errors.Join(ErrReadFailed, err)
	}
	return Snapshot{Query: q, Documents: docs, ReadAt: time.Now()}, nil
}

var mongoOps = map[Op]string{
	OpLt:  "$lt",
	OpLte: "$lte",
	OpGt:  "$gt",
	OpGte: "$gte",
}

// watchPipeline matches change events whose document satisfies filters.
// Deletes carry no document and always pass.
func watchPipeline(filters []Filter) mongo.Pipeline {
	if len(filters) == 0 {
		return mongo.Pipeline{}
	}
	changed := append(
		bson.D{{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}}},
		toPrefixedFilter("fullDocument.", filters)...,
	)
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "$or", Value: bson.A{
			changed,
			bson.D{{Key: "operationType", Value: "delete"}},
		}}}}},
	}
}

func toFilter(filters []Filter) bson.D {
	return toPrefixedFilter("", filters)
}

func toPrefixedFilter(prefix string, filters []Filter) bson.D {
	out := bson.D{}
	ranges := map[string]bson.D{}
	var order []string
	for _, f := range filters {
		field := prefix + f.Field
		if f.Op == OpEq {
			out = append(out, bson.E{Key: field, Value: f.Value})
			continue
		}
		if _, ok := ranges[field]; !ok {
			order = append(order, field)
		}
		ranges[field] = append(ranges[field], bson.E{Key: mongoOps[f.Op], Value: f.Value})
	}
	for _, field := range order {
		out = append(out, bson.E{Key: field, Value: ranges[field]})
	}
	return out
}

type mongoSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (m *mongoSubscription) fail(ctx context.Context, onError ErrorFunc, err error) {
	if ctx.Err() != nil || onError == nil {
		return
	}
	onError(errors.Join(ErrSubscribe, err))
}

func (m *mongoSubscription) Close() error {
	m.once.Do(m.cancel)
	return nil
}
