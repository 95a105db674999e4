package cache

import (
	"container/list"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// LocalTier is an in-process LRU with per-entry expiry.
type LocalTier struct {
	capacity int
	entries  map[string]*list.Element
	lru      *list.List
	mu       sync.Mutex
	now      func() time.Time
}

type localEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewLocalTier creates a local tier holding at most capacity entries.
func NewLocalTier(capacity int) *LocalTier {
	if capacity <= 0 {
		capacity = 1
	}
	return &LocalTier{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		now:      time.Now,
	}
}

// Name returns "local".
func (t *LocalTier) Name() string { return "local" }

// Get returns the value for key if present and unexpired.
func (t *LocalTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.entries[key]
	if !ok {
		return nil, false, nil
	}
	e := elem.Value.(*localEntry)
	if !e.expiresAt.IsZero() && !t.now().Before(e.expiresAt) {
		t.remove(elem)
		return nil, false, nil
	}
	t.lru.MoveToFront(elem)
	return e.value, true, nil
}

// Set stores value for key, evicting the least recently used entry when full.
func (t *LocalTier) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = t.now().Add(ttl)
	}

	if elem, ok := t.entries[key]; ok {
		t.lru.MoveToFront(elem)
		e := elem.Value.(*localEntry)
		e.value = value
		e.expiresAt = expiresAt
		return nil
	}

	elem := t.lru.PushFront(&localEntry{key: key, value: value, expiresAt: expiresAt})
	t.entries[key] = elem

	for t.lru.Len() > t.capacity {
		t.remove(t.lru.Back())
	}
	return nil
}

// Delete removes key.
func (t *LocalTier) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.entries[key]; ok {
		t.remove(elem)
	}
	return nil
}

// ScanPrefix returns the keys starting with prefix, sorted.
func (t *LocalTier) ScanPrefix(_ context.Context, prefix string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var keys []string
	for k := range t.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored entries, including expired ones not yet
// reclaimed.
func (t *LocalTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Len()
}

// Close is a no-op.
func (t *LocalTier) Close() error { return nil }

// remove unlinks elem. Caller holds mu.
func (t *LocalTier) remove(elem *list.Element) {
	if elem == nil {
		return
	}
	t.lru.Remove(elem)
	delete(t.entries, elem.Value.(*localEntry).key)
}
