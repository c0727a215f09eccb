package db

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoStore implements Store on a mongo database. Live queries use change
// streams, which need a replica set or sharded cluster.
type MongoStore struct {
	db     *mongo.Database
	logger *zap.Logger
}

// NewMongoStore wraps an open database handle.
func NewMongoStore(db *mongo.Database, logger *zap.Logger) *MongoStore {
	return &MongoStore{db: db, logger: logger}
}

func OpenConnection(uri string, database string) (*mongo.Database, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, err
	}

	err = client.Ping(ctx, nil)
	if err != nil {
		return nil, err
	}

	return client.Database(database), nil
}

// Database exposes the underlying handle for shutdown.
func (s *MongoStore) Database() *mongo.Database {
	return s.db
}

// EnsureIndex creates a compound index on collection if it does not exist.
func (s *MongoStore) EnsureIndex(ctx context.Context, collection string, keys ...SortField) error {
	doc := bson.D{}
	for _, k := range keys {
		order := 1
		if k.Desc {
			order = -1
		}
		doc = append(doc, bson.E{Key: k.Field, Value: order})
	}
	name, err := s.db.Collection(collection).Indexes().CreateOne(ctx, mongo.IndexModel{Keys: doc})
	if err != nil {
		return fmt.Errorf("create index on %s: %w", collection, Classify(err))
	}
	s.logger.Debug("index ensured", zap.String("collection", collection), zap.String("index", name))
	return nil
}

// Create inserts doc unless the id is taken. The insert and the existence
// check are a single upsert so concurrent callers cannot both create.
func (s *MongoStore) Create(ctx context.Context, collection, id string, doc interface{}, serverTime ...string) (bool, error) {
	root, err := literalRoot(id, doc, serverTime)
	if err != nil {
		return false, err
	}

	// $$ROOT holds only _id when the upsert is inserting.
	isNew := bson.M{"$eq": bson.A{bson.M{"$size": bson.M{"$objectToArray": "$$ROOT"}}, 1}}
	pipeline := mongo.Pipeline{
		{{Key: "$replaceRoot", Value: bson.M{
			"newRoot": bson.M{"$cond": bson.A{isNew, root, "$$ROOT"}},
		}}},
	}

	res, err := s.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, pipeline, options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// lost the upsert race; the other writer created it
			return false, nil
		}
		return false, Classify(err)
	}
	return res.UpsertedCount == 1, nil
}

func (s *MongoStore) Set(ctx context.Context, collection, id string, doc interface{}, serverTime ...string) error {
	root, err := literalRoot(id, doc, serverTime)
	if err != nil {
		return err
	}
	pipeline := mongo.Pipeline{{{Key: "$replaceRoot", Value: bson.M{"newRoot": root}}}}
	_, err = s.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, pipeline, options.Update().SetUpsert(true))
	return Classify(err)
}

func (s *MongoStore) Update(ctx context.Context, collection, id string, u *Update) error {
	if u.IsEmpty() {
		return nil
	}
	res, err := s.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, u.BSON())
	if err != nil {
		return Classify(err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return nil
}

func (s *MongoStore) UpdateMany(ctx context.Context, collection string, f Filter, u *Update) (int64, error) {
	if u.IsEmpty() {
		return 0, nil
	}
	res, err := s.db.Collection(collection).UpdateMany(ctx, f.BSON(), u.BSON())
	if err != nil {
		return 0, Classify(err)
	}
	return res.MatchedCount, nil
}

func (s *MongoStore) Get(ctx context.Context, collection, id string, out interface{}) error {
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return Classify(err)
}

func (s *MongoStore) Find(ctx context.Context, collection string, q Query, out interface{}) error {
	findOptions := options.Find()
	if len(q.Sort) > 0 {
		sort := bson.D{}
		for _, sf := range q.Sort {
			order := 1
			if sf.Desc {
				order = -1
			}
			sort = append(sort, bson.E{Key: sf.Field, Value: order})
		}
		findOptions.SetSort(sort)
	}
	if q.Limit > 0 {
		findOptions.SetLimit(q.Limit)
	}

	cursor, err := s.db.Collection(collection).Find(ctx, q.Filter.BSON(), findOptions)
	if err != nil {
		return Classify(err)
	}
	defer cursor.Close(ctx)

	if err := cursor.All(ctx, out); err != nil {
		return Classify(err)
	}
	// cursor.All leaves a nil slice for no results; callers get an empty one
	v := reflect.ValueOf(out).Elem()
	if v.Kind() == reflect.Slice && v.IsNil() {
		v.Set(reflect.MakeSlice(v.Type(), 0, 0))
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	return Classify(err)
}

func (s *MongoStore) DeleteMany(ctx context.Context, collection string, f Filter) (int64, error) {
	res, err := s.db.Collection(collection).DeleteMany(ctx, f.BSON())
	if err != nil {
		return 0, Classify(err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Watch(ctx context.Context, collection string, f Filter) (ChangeStream, error) {
	match := bson.M{"$or": bson.A{
		bson.M{"operationType": bson.M{"$in": bson.A{"delete", "drop", "invalidate"}}},
		f.Prefixed("fullDocument").BSON(),
	}}
	pipeline := mongo.Pipeline{{{Key: "$match", Value: match}}}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	cs, err := s.db.Collection(collection).Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, Classify(err)
	}
	return &mongoChangeStream{cs: cs}, nil
}

type mongoChangeStream struct {
	cs *mongo.ChangeStream
}

func (m *mongoChangeStream) Next(ctx context.Context) error {
	if !m.cs.Next(ctx) {
		if err := m.cs.Err(); err != nil {
			return Classify(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: change stream closed", ErrTransient)
	}
	// coalesce whatever is already batched into this notification
	for m.cs.RemainingBatchLength() > 0 && m.cs.TryNext(ctx) {
	}
	return nil
}

func (m *mongoChangeStream) Close(ctx context.Context) error {
	return m.cs.Close(ctx)
}

// literalRoot builds a replacement document whose values are wrapped in
// $literal so user text starting with "$" is never read as a field path.
func literalRoot(id string, doc interface{}, serverTime []string) (bson.M, error) {
	fields, err := toDocument(doc)
	if err != nil {
		return nil, err
	}
	root := bson.M{"_id": id}
	for k, v := range fields {
		if k == "_id" {
			continue
		}
		root[k] = bson.M{"$literal": v}
	}
	for _, f := range serverTime {
		root[f] = "$$NOW"
	}
	return root, nil
}

func toDocument(doc interface{}) (bson.M, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return m, nil
}
