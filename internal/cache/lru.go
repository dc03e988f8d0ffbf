package cache

import (
	"container/list"
	"sync"
)

// lruTier is the bounded in-process fast tier. Fixed capacity,
// least-recently-used eviction, no TTL logic of its own. Freshness is
// judged by the store against entry metadata.
type lruTier struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruItem struct {
	key   string
	entry Entry
}

func newLRUTier(capacity int) *lruTier {
	if capacity <= 0 {
		capacity = 1024
	}
	return &lruTier{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

func (l *lruTier) get(key string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.items[key]
	if !ok {
		return Entry{}, false
	}
	l.ll.MoveToFront(el)
	return el.Value.(*lruItem).entry, true
}

func (l *lruTier) put(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.items[e.Key]; ok {
		el.Value.(*lruItem).entry = e
		l.ll.MoveToFront(el)
		return
	}
	l.items[e.Key] = l.ll.PushFront(&lruItem{key: e.Key, entry: e})
	if l.ll.Len() > l.capacity {
		oldest := l.ll.Back()
		if oldest != nil {
			l.ll.Remove(oldest)
			delete(l.items, oldest.Value.(*lruItem).key)
		}
	}
}

func (l *lruTier) delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.items[key]; ok {
		l.ll.Remove(el)
		delete(l.items, key)
	}
}

func (l *lruTier) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ll.Len()
}
