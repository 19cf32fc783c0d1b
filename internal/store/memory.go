package store

import (
	"container/list"
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/opensource-finance/warden/internal/domain"
)

// MemoryStore is a thread-safe, size-bounded store with TTL support.
// Used as the Community tier store. Every operation holds one mutex, so
// each call is atomic with respect to every key.
type MemoryStore struct {
	mu        sync.Mutex
	namespace string
	maxSize   int
	items     map[string]*list.Element
	order     *list.List
	closed    bool
}

type entry struct {
	key       string
	value     []byte
	window    []int64 // unix nanos, ascending
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

var errClosed = errors.New("memory store closed")

// NewMemoryStore creates a memory store holding at most maxSize keys.
// The least recently used key is evicted first.
func NewMemoryStore(namespace string, maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryStore{
		namespace: namespace,
		maxSize:   maxSize,
		items:     make(map[string]*list.Element),
		order:     list.New(),
	}
}

// Get retrieves a value.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, unavailable(errClosed)
	}

	e := s.lookup(namespaced(s.namespace, key), time.Now())
	if e == nil || e.value == nil {
		return nil, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores a value with TTL. A zero TTL means no expiry.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable(errClosed)
	}

	now := time.Now()
	e := s.upsert(namespaced(s.namespace, key), now)
	e.value = append([]byte(nil), value...)
	e.window = nil
	e.expiresAt = expiry(now, ttl)
	return nil
}

// Delete removes a value.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable(errClosed)
	}

	if elem, ok := s.items[namespaced(s.namespace, key)]; ok {
		s.removeElement(elem)
	}
	return nil
}

// Increment atomically increments a counter. The TTL is set when the counter
// is created and left alone afterwards.
func (s *MemoryStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.IncrementBy(ctx, key, 1, ttl)
}

// IncrementBy atomically adds delta to a counter.
func (s *MemoryStore) IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, unavailable(errClosed)
	}

	now := time.Now()
	fullKey := namespaced(s.namespace, key)
	e := s.lookup(fullKey, now)
	if e == nil {
		e = s.upsert(fullKey, now)
		e.expiresAt = expiry(now, ttl)
	}

	var current int64
	if len(e.value) > 0 {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, errors.New("value is not an integer")
		}
		current = n
	}
	current += delta
	e.value = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

// Take returns a value and removes it under the same lock.
func (s *MemoryStore) Take(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, unavailable(errClosed)
	}

	fullKey := namespaced(s.namespace, key)
	e := s.lookup(fullKey, time.Now())
	if e == nil {
		return nil, nil
	}
	s.removeElement(s.items[fullKey])
	if e.value == nil {
		return nil, nil
	}
	return e.value, nil
}

// SlidingWindow trims entries at or before now-window, then records now if
// fewer than limit entries remain.
func (s *MemoryStore) SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (*domain.WindowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, unavailable(errClosed)
	}

	wall := time.Now()
	e := s.upsert(namespaced(s.namespace, key), wall)
	e.value = nil

	cutoff := now.Add(-window).UnixNano()
	first := sort.Search(len(e.window), func(i int) bool { return e.window[i] > cutoff })
	e.window = e.window[first:]

	count := int64(len(e.window))
	if count >= limit {
		res := &domain.WindowResult{Allowed: false, Count: count, Oldest: now}
		if count > 0 {
			res.Oldest = time.Unix(0, e.window[0])
		}
		return res, nil
	}

	ts := now.UnixNano()
	at := sort.Search(len(e.window), func(i int) bool { return e.window[i] > ts })
	e.window = append(e.window, 0)
	copy(e.window[at+1:], e.window[at:])
	e.window[at] = ts
	// Expiry follows the store's own clock; now only positions the entry.
	e.expiresAt = wall.Add(window + windowTTLBuffer)

	return &domain.WindowResult{
		Allowed: true,
		Count:   count + 1,
		Oldest:  time.Unix(0, e.window[0]),
	}, nil
}

// Ping checks store health.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable(errClosed)
	}
	return nil
}

// Close releases all entries. Later calls fail with ErrStoreUnavailable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*list.Element)
	s.order = list.New()
	s.closed = true
	return nil
}

// Stats returns store statistics.
func (s *MemoryStore) Stats() (size int, capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len(), s.maxSize
}

// lookup returns the live entry for key, dropping it if expired.
func (s *MemoryStore) lookup(fullKey string, now time.Time) *entry {
	elem, ok := s.items[fullKey]
	if !ok {
		return nil
	}
	e := elem.Value.(*entry)
	if e.expired(now) {
		s.removeElement(elem)
		return nil
	}
	s.order.MoveToFront(elem)
	return e
}

// upsert returns the live entry for key, creating an empty one if needed.
func (s *MemoryStore) upsert(fullKey string, now time.Time) *entry {
	if e := s.lookup(fullKey, now); e != nil {
		return e
	}
	e := &entry{key: fullKey}
	s.items[fullKey] = s.order.PushFront(e)

	// Evict if over capacity
	for s.order.Len() > s.maxSize {
		s.removeOldest()
	}
	return e
}

func (s *MemoryStore) removeElement(elem *list.Element) {
	s.order.Remove(elem)
	delete(s.items, elem.Value.(*entry).key)
}

func (s *MemoryStore) removeOldest() {
	if elem := s.order.Back(); elem != nil {
		s.removeElement(elem)
	}
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
