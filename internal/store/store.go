// Package store is a narrow adapter over a transactional document store.
// It exposes the handful of primitives the messaging core relies on: point
// reads, merge upserts, partial updates with atomic increment / field
// deletion, a transaction primitive, filtered queries, real-time query
// subscriptions and bounded multi-key lookups. The store is the source of
// truth; nothing in this package caches.
package store

import (
	"context"
	"errors"
	"reflect"

	"go.mongodb.org/mongo-driver/bson"
)

// BatchLimit is the maximum number of ids a single BatchGet may request.
const BatchLimit = 10

var (
	// ErrNoDocument is returned by point reads of a missing document.
	ErrNoDocument = errors.New("store: no such document")
	// ErrUnavailable wraps transport or server failures; callers may retry.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrPermissionDenied marks authorization-class failures from the
	// store's access layer.
	ErrPermissionDenied = errors.New("store: permission denied")
	// ErrBatchTooLarge is returned when BatchGet is given more than
	// BatchLimit ids.
	ErrBatchTooLarge = errors.New("store: batch exceeds lookup limit")
)

// Fields is a partial update. Keys are dotted paths ("unreadCount.u42");
// values may be plain values or the Increment / ArrayUnion / Delete
// sentinels.
type Fields map[string]interface{}

// increment is the atomic numeric increment sentinel.
type increment struct{ Delta int64 }

// Increment returns a sentinel that atomically adds delta to a numeric
// field, creating it as delta when absent.
func Increment(delta int64) interface{} { return increment{Delta: delta} }

// arrayUnion is the add-to-set sentinel.
type arrayUnion struct{ Value interface{} }

// ArrayUnion returns a sentinel that appends value to an array field unless
// it is already present.
func ArrayUnion(value interface{}) interface{} { return arrayUnion{Value: value} }

// deleteField is the field-deletion sentinel.
type deleteField struct{}

// Delete removes the field entirely. Consumers rely on key absence, so a
// removed field must not linger as null.
var Delete interface{} = deleteField{}

// Op is a query filter operator.
type Op string

const (
	OpEq            Op = "=="
	OpNotEq         Op = "!="
	OpLess          Op = "<"
	OpArrayContains Op = "array-contains"
)

// Filter constrains a query on one field path.
type Filter struct {
	Path  string
	Op    Op
	Value interface{}
}

// Query selects documents of a collection. Zero value matches everything.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int64
}

func (q Query) Where(path string, op Op, value interface{}) Query {
	q.Filters = append(q.Filters, Filter{Path: path, Op: op, Value: value})
	return q
}

// ChangeKind classifies a document change within a subscription.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeModified
	ChangeRemoved
)

// Change is one incremental document change. Data is nil for removals.
type Change struct {
	Kind ChangeKind
	ID   string
	Data bson.M
}

// Decode unmarshals the changed document into dest.
func (c Change) Decode(dest interface{}) error {
	raw, err := bson.Marshal(c.Data)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, dest)
}

// Snapshot is delivered on every subscription event: the full current
// result set plus the changes that produced it. The first snapshot lists
// all matching documents as ChangeAdded.
type Snapshot struct {
	Docs    []Change // Kind is always ChangeAdded here; carries ID + Data
	Changes []Change
}

// Unsubscribe tears down a subscription and its resources. Idempotent.
type Unsubscribe func()

// Tx is the handle passed to a transaction function. Reads observe
// committed state; writes are applied atomically iff the function returns
// nil.
type Tx interface {
	Get(collection, id string, dest interface{}) error
	Set(collection, id string, doc interface{}) error
	Update(collection, id string, fields Fields) error
}

// Store is the document store contract the messaging core is written
// against.
type Store interface {
	// Get decodes the document into dest, or returns ErrNoDocument.
	Get(ctx context.Context, collection, id string, dest interface{}) error
	// Add inserts doc under a store-assigned id and returns it.
	Add(ctx context.Context, collection string, doc interface{}) (string, error)
	// Set upserts the full document under id.
	Set(ctx context.Context, collection, id string, doc interface{}) error
	// Update applies a partial update to an existing document, honoring
	// the Increment / ArrayUnion / Delete sentinels. ErrNoDocument when
	// the document does not exist.
	Update(ctx context.Context, collection, id string, fields Fields) error
	// DeleteDoc removes the document. Deleting a missing document is not
	// an error.
	DeleteDoc(ctx context.Context, collection, id string) error
	// RunTransaction runs fn with read-your-writes isolation against
	// concurrent RunTransaction calls.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
	// Query decodes all matching documents into dest (a *[]T).
	Query(ctx context.Context, collection string, q Query, dest interface{}) error
	// Subscribe delivers an initial snapshot and then a snapshot per
	// change batch. Errors go to onError only; a broken subscription
	// stays broken until the caller re-establishes it.
	Subscribe(collection string, q Query, onSnapshot func(Snapshot), onError func(error)) (Unsubscribe, error)
	// BatchGet fetches up to BatchLimit documents by id. Missing ids are
	// simply absent from the result, not errors.
	BatchGet(ctx context.Context, collection string, ids []string, dest interface{}) error
}

// decodeSlice decodes a set of documents into dest, which must be a
// pointer to a slice.
func decodeSlice(items []bson.M, dest interface{}) error {
	v := reflect.ValueOf(dest)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Slice {
		return errors.New("store: dest must be a pointer to a slice")
	}
	sliceVal := v.Elem()
	out := reflect.MakeSlice(sliceVal.Type(), 0, len(items))
	elemType := sliceVal.Type().Elem()
	for _, item := range items {
		elem := reflect.New(elemType)
		if err := decodeInto(item, elem.Interface()); err != nil {
			return err
		}
		out = reflect.Append(out, elem.Elem())
	}
	sliceVal.Set(out)
	return nil
}

// decodeInto round-trips an arbitrary document through bson so that struct
// tags drive the field names both ways.
func decodeInto(data interface{}, dest interface{}) error {
	raw, err := bson.Marshal(data)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, dest)
}

// toMap normalizes a document (struct or map) to bson.M, dropping fields
// the struct tags mark omitempty. This is the single place where optional
// fields are stripped before persistence.
func toMap(doc interface{}) (bson.M, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
