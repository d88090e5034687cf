package remotestore

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with realtime feeds. Documents are kept
// as JSON-shaped maps, so fields are addressed by their json tag names.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]map[string]any
	subs map[*memorySubscription]struct{}
	now  func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock sets the clock used for server-assigned timestamps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore returns an empty in-process store with live feeds.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		docs: make(map[string]map[string]map[string]any),
		subs: make(map[*memorySubscription]struct{}),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	doc, ok := s.docs[collection][id]
	var data []byte
	var err error
	if ok {
		data, err = json.Marshal(doc)
	}
	s.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}
	if err != nil {
		return errors.Join(ErrDecodeFailed, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Join(ErrDecodeFailed, err)
	}
	return nil
}

func (s *MemoryStore) Set(ctx context.Context, collection, id string, doc any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if collection == "" || id == "" {
		return ErrInvalidID
	}
	fields, err := toMap(doc)
	if err != nil {
		return errors.Join(ErrEncodeFailed, err)
	}

	s.mu.Lock()
	s.collection(collection)[id] = fields
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

func (s *MemoryStore) Merge(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if collection == "" || id == "" {
		return ErrInvalidID
	}

	normalized := make(map[string]any, len(fields))
	for path, v := range fields {
		nv, err := toJSONValue(v)
		if err != nil {
			return errors.Join(ErrEncodeFailed, err)
		}
		normalized[path] = nv
	}
	stamp, _ := toJSONValue(s.now().UTC())

	s.mu.Lock()
	docs := s.collection(collection)
	doc, ok := docs[id]
	if !ok {
		doc = make(map[string]any)
		docs[id] = doc
	}
	for path, v := range normalized {
		setPath(doc, path, v)
	}
	doc[FieldUpdatedAt] = stamp
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (Subscription, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if onSnapshot == nil {
		return nil, errors.Join(ErrSubscribe, errors.New("snapshot callback is required"))
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(ErrSubscribe, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		store:   s,
		query:   q,
		onSnap:  onSnapshot,
		notify:  make(chan struct{}, 1),
		cancel:  cancel,
		stopped: make(chan struct{}),
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	sub.notify <- struct{}{}
	go sub.run(subCtx)
	return sub, nil
}

// Subscribers returns the number of live feeds.
func (s *MemoryStore) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *MemoryStore) collection(name string) map[string]map[string]any {
	docs, ok := s.docs[name]
	if !ok {
		docs = make(map[string]map[string]any)
		s.docs[name] = docs
	}
	return docs
}

func (s *MemoryStore) notify(collection string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subs {
		if sub.query.Collection == collection {
			sub.signal()
		}
	}
}

func (s *MemoryStore) snapshot(q Query) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.docs[q.Collection]))
	for id, doc := range s.docs[q.Collection] {
		if matches(doc, q.Filters) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	docs := make([]Document, 0, len(ids))
	for _, id := range ids {
		data, err := json.Marshal(s.docs[q.Collection][id])
		docs = append(docs, NewDocument(id, func(out any) error {
			if err != nil {
				return errors.Join(ErrDecodeFailed, err)
			}
			if err := json.Unmarshal(data, out); err != nil {
				return errors.Join(ErrDecodeFailed, err)
			}
			return nil
		}))
	}
	return Snapshot{Query: q, Documents: docs, ReadAt: s.now()}
}

func (s *MemoryStore) remove(sub *memorySubscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

type memorySubscription struct {
	store   *MemoryStore
	query   Query
	onSnap  SnapshotFunc
	notify  chan struct{}
	cancel  context.CancelFunc
	stopped chan struct{}
	once    sync.Once
}

func (m *memorySubscription) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *memorySubscription) run(ctx context.Context) {
	defer close(m.stopped)
	defer m.store.remove(m)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.notify:
			if ctx.Err() != nil {
				return
			}
			m.onSnap(m.store.snapshot(m.query))
		}
	}
}

func (m *memorySubscription) Close() error {
	m.once.Do(func() {
		m.cancel()
		m.store.remove(m)
	})
	return nil
}

func toMap(doc any) (map[string]any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func setPath(doc map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func getPath(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, p := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func matches(doc map[string]any, filters []Filter) bool {
	for _, f := range filters {
		got, ok := getPath(doc, f.Field)
		if !ok {
			return false
		}
		want, err := toJSONValue(f.Value)
		if err != nil {
			return false
		}
		c, comparable := compare(got, want)
		switch f.Op {
		case OpEq:
			if !reflect.DeepEqual(got, want) {
				return false
			}
		case OpLt:
			if !comparable || c >= 0 {
				return false
			}
		case OpLte:
			if !comparable || c > 0 {
				return false
			}
		case OpGt:
			if !comparable || c <= 0 {
				return false
			}
		case OpGte:
			if !comparable || c < 0 {
				return false
			}
		}
	}
	return true
}

func compare(a, b any) (int, bool) {
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	}
	return 0, false
}
