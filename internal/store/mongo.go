package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo implements Store over a MongoDB database. Atomicity relies on the
// server's update operators ($inc, $unset, $addToSet) and on sessions for
// RunTransaction; subscriptions are change streams.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongo(client *mongo.Client, db *mongo.Database) *Mongo {
	return &Mongo{client: client, db: db}
}

// EnsureIndexes configures the indexes the messaging queries depend on.
// Called on startup once Mongo has connected.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	messageIdx := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "chatId", Value: 1},
				{Key: "timestamp", Value: -1},
			},
			Options: options.Index().SetName("idx_chat_timestamp"),
		},
	}
	if _, err := m.db.Collection("messages").Indexes().CreateMany(ctx, messageIdx); err != nil {
		return err
	}

	chatIdx := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "participantIds", Value: 1},
				{Key: "lastActivity", Value: -1},
			},
			Options: options.Index().SetName("idx_participants_activity"),
		},
	}
	if _, err := m.db.Collection("chats").Indexes().CreateMany(ctx, chatIdx); err != nil {
		return err
	}

	typingIdx := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "chatId", Value: 1}},
			Options: options.Index().SetName("idx_typing_chat"),
		},
	}
	_, err := m.db.Collection("typing").Indexes().CreateMany(ctx, typingIdx)
	return err
}

func (m *Mongo) Get(ctx context.Context, collection, id string, dest interface{}) error {
	err := m.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(dest)
	return mapMongoErr(err)
}

func (m *Mongo) Add(ctx context.Context, collection string, doc interface{}) (string, error) {
	data, err := toMap(doc)
	if err != nil {
		return "", err
	}
	id := primitive.NewObjectID().Hex()
	data["_id"] = id
	if _, err := m.db.Collection(collection).InsertOne(ctx, data); err != nil {
		return "", mapMongoErr(err)
	}
	return id, nil
}

func (m *Mongo) Set(ctx context.Context, collection, id string, doc interface{}) error {
	data, err := toMap(doc)
	if err != nil {
		return err
	}
	data["_id"] = id
	opts := options.Replace().SetUpsert(true)
	_, err = m.db.Collection(collection).ReplaceOne(ctx, bson.M{"_id": id}, data, opts)
	return mapMongoErr(err)
}

func (m *Mongo) Update(ctx context.Context, collection, id string, fields Fields) error {
	update := buildMongoUpdate(fields)
	res, err := m.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		return ErrNoDocument
	}
	return nil
}

func (m *Mongo) DeleteDoc(ctx context.Context, collection, id string) error {
	_, err := m.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	return mapMongoErr(err)
}

func (m *Mongo) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	session, err := m.client.StartSession()
	if err != nil {
		return mapMongoErr(err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(&mongoTx{store: m, ctx: sc})
	})
	return mapMongoErr(err)
}

type mongoTx struct {
	store *Mongo
	ctx   mongo.SessionContext
}

func (t *mongoTx) Get(collection, id string, dest interface{}) error {
	return t.store.Get(t.ctx, collection, id, dest)
}

func (t *mongoTx) Set(collection, id string, doc interface{}) error {
	return t.store.Set(t.ctx, collection, id, doc)
}

func (t *mongoTx) Update(collection, id string, fields Fields) error {
	return t.store.Update(t.ctx, collection, id, fields)
}

func (m *Mongo) Query(ctx context.Context, collection string, q Query, dest interface{}) error {
	opts := options.Find()
	if q.OrderBy != "" {
		dir := 1
		if q.Desc {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: q.OrderBy, Value: dir}})
	}
	if q.Limit > 0 {
		opts.SetLimit(q.Limit)
	}
	cur, err := m.db.Collection(collection).Find(ctx, mongoFilter(q), opts)
	if err != nil {
		return mapMongoErr(err)
	}
	defer cur.Close(ctx)
	return mapMongoErr(cur.All(ctx, dest))
}

// Subscribe delivers an initial snapshot from a Find, then follows the
// collection's change stream, re-evaluating the query locally against each
// full document so that updates moving a document in or out of the result
// set surface as Added/Removed.
func (m *Mongo) Subscribe(collection string, q Query, onSnapshot func(Snapshot), onError func(error)) (Unsubscribe, error) {
	ctx, cancel := context.WithCancel(context.Background())

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := m.db.Collection(collection).Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		cancel()
		return nil, mapMongoErr(err)
	}

	sub := &mongoSubscription{
		query:      q,
		current:    make(map[string]bson.M),
		onSnapshot: onSnapshot,
		onError:    onError,
	}

	// Initial result set.
	var initial []bson.M
	if err := m.Query(ctx, collection, q, &initial); err != nil {
		_ = stream.Close(ctx)
		cancel()
		return nil, err
	}
	var changes []Change
	for _, doc := range initial {
		id, _ := doc["_id"].(string)
		sub.current[id] = doc
		changes = append(changes, Change{Kind: ChangeAdded, ID: id, Data: doc})
	}
	sub.emit(changes)

	go sub.run(ctx, stream)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
		})
	}, nil
}

type mongoSubscription struct {
	query      Query
	current    map[string]bson.M
	onSnapshot func(Snapshot)
	onError    func(error)
}

func (s *mongoSubscription) run(ctx context.Context, stream *mongo.ChangeStream) {
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		var event struct {
			OperationType string `bson:"operationType"`
			DocumentKey   struct {
				ID string `bson:"_id"`
			} `bson:"documentKey"`
			FullDocument bson.M `bson:"fullDocument"`
		}
		if err := stream.Decode(&event); err != nil {
			s.onError(mapMongoErr(err))
			continue
		}

		id := event.DocumentKey.ID
		_, wasMember := s.current[id]
		isMember := event.FullDocument != nil &&
			event.OperationType != "delete" &&
			matches(event.FullDocument, s.query)

		var change Change
		switch {
		case isMember && !wasMember:
			s.current[id] = event.FullDocument
			change = Change{Kind: ChangeAdded, ID: id, Data: event.FullDocument}
		case isMember && wasMember:
			s.current[id] = event.FullDocument
			change = Change{Kind: ChangeModified, ID: id, Data: event.FullDocument}
		case !isMember && wasMember:
			delete(s.current, id)
			change = Change{Kind: ChangeRemoved, ID: id}
		default:
			continue
		}
		s.emit([]Change{change})
	}

	if err := stream.Err(); err != nil && ctx.Err() == nil {
		s.onError(mapMongoErr(err))
	}
}

func (s *mongoSubscription) emit(changes []Change) {
	docs := make([]Change, 0, len(s.current))
	for id, data := range s.current {
		docs = append(docs, Change{Kind: ChangeAdded, ID: id, Data: data})
	}
	docs = sortAndLimit(docs, s.query)
	s.onSnapshot(Snapshot{Docs: docs, Changes: changes})
}

func (m *Mongo) BatchGet(ctx context.Context, collection string, ids []string, dest interface{}) error {
	if len(ids) > BatchLimit {
		return ErrBatchTooLarge
	}
	cur, err := m.db.Collection(collection).Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return mapMongoErr(err)
	}
	defer cur.Close(ctx)
	return mapMongoErr(cur.All(ctx, dest))
}

// mongoFilter translates a Query's filters into a Mongo filter document.
// Every filter is written in operator form so that several filters on the
// same path compose into one sub-document. $ne admits documents lacking
// the field, and equality against an array field is membership, so the
// server-side semantics line up with matches().
func mongoFilter(q Query) bson.M {
	filter := bson.M{}
	for _, f := range q.Filters {
		var op string
		switch f.Op {
		case OpEq, OpArrayContains:
			op = "$eq"
		case OpNotEq:
			op = "$ne"
		case OpLess:
			op = "$lt"
		default:
			continue
		}
		ops, ok := filter[f.Path].(bson.M)
		if !ok {
			ops = bson.M{}
			filter[f.Path] = ops
		}
		ops[op] = f.Value
	}
	return filter
}

// buildMongoUpdate translates a Fields map with sentinels into the
// equivalent $set / $inc / $addToSet / $unset document.
func buildMongoUpdate(fields Fields) bson.M {
	set := bson.M{}
	inc := bson.M{}
	unset := bson.M{}
	addToSet := bson.M{}

	for path, value := range fields {
		switch v := value.(type) {
		case increment:
			inc[path] = v.Delta
		case arrayUnion:
			addToSet[path] = v.Value
		case deleteField:
			unset[path] = ""
		default:
			set[path] = value
		}
	}

	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(inc) > 0 {
		update["$inc"] = inc
	}
	if len(addToSet) > 0 {
		update["$addToSet"] = addToSet
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update
}

func mapMongoErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNoDocument
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == 13 {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
