package store

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

// Memory is an in-process Store used for local development and tests. It
// implements the full contract, including transactions (serialized under
// one lock) and query subscriptions with incremental change events.
type Memory struct {
	mu          sync.Mutex
	collections map[string]map[string]bson.M
	subs        map[int]*memorySub
	nextSub     int

	// Intercept, when non-nil, runs before every operation and aborts it
	// by returning a non-nil error. Tests use it to inject faults.
	Intercept func(op, collection, id string) error
}

func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]bson.M),
		subs:        make(map[int]*memorySub),
	}
}

func (m *Memory) intercept(op, collection, id string) error {
	if m.Intercept != nil {
		return m.Intercept(op, collection, id)
	}
	return nil
}

func (m *Memory) col(name string) map[string]bson.M {
	c, ok := m.collections[name]
	if !ok {
		c = make(map[string]bson.M)
		m.collections[name] = c
	}
	return c
}

func (m *Memory) Get(ctx context.Context, collection, id string, dest interface{}) error {
	if err := m.intercept("get", collection, id); err != nil {
		return err
	}
	m.mu.Lock()
	doc, ok := m.col(collection)[id]
	if ok {
		doc = cloneDoc(doc)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNoDocument
	}
	return decodeInto(doc, dest)
}

func (m *Memory) Add(ctx context.Context, collection string, doc interface{}) (string, error) {
	if err := m.intercept("add", collection, ""); err != nil {
		return "", err
	}
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	if err := m.Set(ctx, collection, id, doc); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Memory) Set(ctx context.Context, collection, id string, doc interface{}) error {
	if err := m.intercept("set", collection, id); err != nil {
		return err
	}
	data, err := toMap(doc)
	if err != nil {
		return err
	}
	data["_id"] = id

	m.mu.Lock()
	m.col(collection)[id] = data
	m.notifyLocked(collection, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, fields Fields) error {
	if err := m.intercept("update", collection, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.col(collection)[id]
	if !ok {
		return ErrNoDocument
	}
	doc = cloneDoc(doc)
	applyFields(doc, fields)
	m.col(collection)[id] = doc
	m.notifyLocked(collection, id)
	return nil
}

func (m *Memory) DeleteDoc(ctx context.Context, collection, id string) error {
	if err := m.intercept("delete", collection, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.col(collection)[id]; !ok {
		return nil
	}
	delete(m.col(collection), id)
	m.notifyLocked(collection, id)
	return nil
}

// RunTransaction serializes transactions under the store lock. Writes are
// buffered and applied on commit; reads observe the buffer first so the
// function sees its own writes.
func (m *Memory) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := m.intercept("tx", "", ""); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{store: m, writes: make(map[string]map[string]*bson.M)}
	if err := fn(tx); err != nil {
		return err
	}

	for collection, docs := range tx.writes {
		for id, doc := range docs {
			if doc == nil {
				delete(m.col(collection), id)
			} else {
				m.col(collection)[id] = *doc
			}
			m.notifyLocked(collection, id)
		}
	}
	return nil
}

// memoryTx buffers writes per collection/id; a nil entry is a delete.
type memoryTx struct {
	store  *Memory
	writes map[string]map[string]*bson.M
}

func (t *memoryTx) pending(collection, id string) (*bson.M, bool) {
	docs, ok := t.writes[collection]
	if !ok {
		return nil, false
	}
	doc, ok := docs[id]
	return doc, ok
}

func (t *memoryTx) stage(collection, id string, doc *bson.M) {
	if _, ok := t.writes[collection]; !ok {
		t.writes[collection] = make(map[string]*bson.M)
	}
	t.writes[collection][id] = doc
}

func (t *memoryTx) Get(collection, id string, dest interface{}) error {
	if doc, ok := t.pending(collection, id); ok {
		if doc == nil {
			return ErrNoDocument
		}
		return decodeInto(*doc, dest)
	}
	doc, ok := t.store.col(collection)[id]
	if !ok {
		return ErrNoDocument
	}
	return decodeInto(doc, dest)
}

func (t *memoryTx) Set(collection, id string, doc interface{}) error {
	data, err := toMap(doc)
	if err != nil {
		return err
	}
	data["_id"] = id
	t.stage(collection, id, &data)
	return nil
}

func (t *memoryTx) Update(collection, id string, fields Fields) error {
	var current bson.M
	if doc, ok := t.pending(collection, id); ok {
		if doc == nil {
			return ErrNoDocument
		}
		current = cloneDoc(*doc)
	} else if doc, ok := t.store.col(collection)[id]; ok {
		current = cloneDoc(doc)
	} else {
		return ErrNoDocument
	}
	applyFields(current, fields)
	t.stage(collection, id, &current)
	return nil
}

func (m *Memory) Query(ctx context.Context, collection string, q Query, dest interface{}) error {
	if err := m.intercept("query", collection, ""); err != nil {
		return err
	}
	m.mu.Lock()
	docs := m.resultSetLocked(collection, q)
	m.mu.Unlock()

	items := make([]bson.M, 0, len(docs))
	for _, d := range docs {
		items = append(items, d.Data)
	}
	return decodeSlice(items, dest)
}

func (m *Memory) Subscribe(collection string, q Query, onSnapshot func(Snapshot), onError func(error)) (Unsubscribe, error) {
	if err := m.intercept("subscribe", collection, ""); err != nil {
		return nil, err
	}

	sub := &memorySub{
		collection: collection,
		query:      q,
		onSnapshot: onSnapshot,
		onError:    onError,
		members:    make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go sub.pump()

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = sub

	docs := m.resultSetLocked(collection, q)
	changes := make([]Change, 0, len(docs))
	for _, d := range docs {
		sub.members[d.ID] = struct{}{}
		changes = append(changes, d)
	}
	sub.enqueue(Snapshot{Docs: docs, Changes: changes})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()

			// Holding deliverMu here means no callback is running and none
			// will start after the flag is set. When the pump is mid-callback
			// (including an unsubscribe issued from inside the callback) the
			// lock is unavailable; the flag alone then stops every later
			// delivery.
			if sub.deliverMu.TryLock() {
				sub.markClosed()
				sub.deliverMu.Unlock()
			} else {
				sub.markClosed()
			}
			close(sub.done)
		})
	}, nil
}

func (m *Memory) BatchGet(ctx context.Context, collection string, ids []string, dest interface{}) error {
	if err := m.intercept("batchget", collection, strings.Join(ids, ",")); err != nil {
		return err
	}
	if len(ids) > BatchLimit {
		return ErrBatchTooLarge
	}
	m.mu.Lock()
	items := make([]bson.M, 0, len(ids))
	for _, id := range ids {
		if doc, ok := m.col(collection)[id]; ok {
			items = append(items, cloneDoc(doc))
		}
	}
	m.mu.Unlock()
	return decodeSlice(items, dest)
}

// resultSetLocked evaluates a query against committed state. Caller holds
// the lock; returned docs are clones.
func (m *Memory) resultSetLocked(collection string, q Query) []Change {
	var docs []Change
	for id, doc := range m.col(collection) {
		if matches(doc, q) {
			docs = append(docs, Change{Kind: ChangeAdded, ID: id, Data: cloneDoc(doc)})
		}
	}
	return sortAndLimit(docs, q)
}

// notifyLocked re-evaluates every subscription on the collection after a
// single-document mutation and queues the resulting snapshot.
func (m *Memory) notifyLocked(collection, id string) {
	for _, sub := range m.subs {
		if sub.collection != collection {
			continue
		}
		doc, exists := m.col(collection)[id]
		_, wasMember := sub.members[id]
		isMember := exists && matches(doc, sub.query)

		var change Change
		switch {
		case isMember && !wasMember:
			sub.members[id] = struct{}{}
			change = Change{Kind: ChangeAdded, ID: id, Data: cloneDoc(doc)}
		case isMember && wasMember:
			change = Change{Kind: ChangeModified, ID: id, Data: cloneDoc(doc)}
		case !isMember && wasMember:
			delete(sub.members, id)
			change = Change{Kind: ChangeRemoved, ID: id}
		default:
			continue
		}
		sub.enqueue(Snapshot{
			Docs:    m.resultSetLocked(collection, sub.query),
			Changes: []Change{change},
		})
	}
}

// memorySub delivers snapshots on its own goroutine so store mutations
// never block on subscriber callbacks (and callbacks may call back into
// the store).
type memorySub struct {
	collection string
	query      Query
	onSnapshot func(Snapshot)
	onError    func(error)
	members    map[string]struct{}

	queueMu sync.Mutex
	queue   []Snapshot
	closed  bool
	wake    chan struct{}
	done    chan struct{}

	// deliverMu is held for the span of each onSnapshot call so teardown can
	// fence out the next delivery.
	deliverMu sync.Mutex
}

func (s *memorySub) enqueue(snap Snapshot) {
	s.queueMu.Lock()
	if s.closed {
		s.queueMu.Unlock()
		return
	}
	s.queue = append(s.queue, snap)
	s.queueMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// markClosed drops whatever is still queued; nothing enqueued or pending at
// unsubscribe time may reach the callback.
func (s *memorySub) markClosed() {
	s.queueMu.Lock()
	s.closed = true
	s.queue = nil
	s.queueMu.Unlock()
}

func (s *memorySub) pump() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.queueMu.Lock()
			if s.closed || len(s.queue) == 0 {
				closed := s.closed
				s.queueMu.Unlock()
				if closed {
					return
				}
				break
			}
			snap := s.queue[0]
			s.queue = s.queue[1:]
			s.queueMu.Unlock()

			s.deliverMu.Lock()
			s.queueMu.Lock()
			closed := s.closed
			s.queueMu.Unlock()
			if closed {
				s.deliverMu.Unlock()
				return
			}
			s.onSnapshot(snap)
			s.deliverMu.Unlock()
		}
	}
}

func cloneDoc(doc bson.M) bson.M {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return bson.M{}
	}
	var out bson.M
	if err := bson.Unmarshal(raw, &out); err != nil {
		return bson.M{}
	}
	return out
}

// applyFields mutates doc in place, honoring dotted paths and the update
// sentinels.
func applyFields(doc bson.M, fields Fields) {
	for path, value := range fields {
		switch v := value.(type) {
		case increment:
			cur, _ := lookupPath(doc, path)
			base := int64(0)
			if f, ok := asFloat(cur); ok {
				base = int64(f)
			}
			setPath(doc, path, base+v.Delta)
		case arrayUnion:
			cur, _ := lookupPath(doc, path)
			if arrayContains(cur, v.Value) {
				continue
			}
			items, _ := cur.(bson.A)
			setPath(doc, path, append(items, v.Value))
		case deleteField:
			deletePath(doc, path)
		default:
			setPath(doc, path, value)
		}
	}
}

func setPath(doc bson.M, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(bson.M)
		if !ok {
			next = bson.M{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func deletePath(doc bson.M, path string) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(bson.M)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}
