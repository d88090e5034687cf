package cache

import (
	"container/list"
	"sync"
	"time"
)

type memoryItem[T any] struct {
	key   string
	entry Entry[T]
}

// memoryTier is the bounded in-process tier. When full it evicts the oldest
// expired entry if one exists, otherwise the least recently used one.
type memoryTier[T any] struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front is most recently used
}

func newMemoryTier[T any](capacity int) *memoryTier[T] {
	if capacity <= 0 {
		panic("cache: memory tier capacity must be positive")
	}
	return &memoryTier[T]{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// get returns the entry and marks it recently used.
func (m *memoryTier[T]) get(key string) (Entry[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return Entry[T]{}, false
	}
	m.order.MoveToFront(elem)
	return elem.Value.(*memoryItem[T]).entry, true
}

// peek returns the entry without touching recency.
func (m *memoryTier[T]) peek(key string) (Entry[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return Entry[T]{}, false
	}
	return elem.Value.(*memoryItem[T]).entry, true
}

// put stores e under key and returns the keys evicted to make room.
func (m *memoryTier[T]) put(key string, e Entry[T], now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		elem.Value.(*memoryItem[T]).entry = e
		m.order.MoveToFront(elem)
		return nil
	}

	m.items[key] = m.order.PushFront(&memoryItem[T]{key: key, entry: e})

	var evicted []string
	for m.order.Len() > m.capacity {
		victim := m.victim(now)
		item := victim.Value.(*memoryItem[T])
		m.order.Remove(victim)
		delete(m.items, item.key)
		evicted = append(evicted, item.key)
	}
	return evicted
}

func (m *memoryTier[T]) victim(now time.Time) *list.Element {
	for elem := m.order.Back(); elem != nil; elem = elem.Prev() {
		if !elem.Value.(*memoryItem[T]).entry.Fresh(now) {
			return elem
		}
	}
	return m.order.Back()
}

func (m *memoryTier[T]) remove(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return false
	}
	m.order.Remove(elem)
	delete(m.items, key)
	return true
}

// removeIf deletes key only while its entry still satisfies pred, so a
// concurrent refresh that replaced the entry is not lost.
func (m *memoryTier[T]) removeIf(key string, pred func(Entry[T]) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok || !pred(elem.Value.(*memoryItem[T]).entry) {
		return false
	}
	m.order.Remove(elem)
	delete(m.items, key)
	return true
}

func (m *memoryTier[T]) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	return keys
}

// counts returns the number of entries and how many of them are expired.
func (m *memoryTier[T]) counts(now time.Time) (total, expired int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, elem := range m.items {
		if !elem.Value.(*memoryItem[T]).entry.Fresh(now) {
			expired++
		}
	}
	return len(m.items), expired
}

func (m *memoryTier[T]) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*list.Element)
	m.order.Init()
}
