// Package flight layers a TTL+LRU memo over per-key single-flight so an
// idempotent computation runs at most once concurrently and at most once per
// TTL window.
package flight

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

// Memo deduplicates in-flight calls per key and caches completed results.
type Memo struct {
	group singleflight.Group

	mu      sync.Mutex
	max     int
	ttl     time.Duration
	entries map[string]*list.Element
	ordered *list.List
	now     func() time.Time
}

// NewMemo builds a memo with max entries and per-entry ttl. ttl <= 0 means
// entries never expire; max <= 0 defaults to 1024.
func NewMemo(max int, ttl time.Duration) *Memo {
	if max <= 0 {
		max = 1024
	}
	return &Memo{
		max:     max,
		ttl:     ttl,
		entries: make(map[string]*list.Element, max),
		ordered: list.New(),
		now:     time.Now,
	}
}

// Get returns the cached value for key if present and fresh.
func (m *Memo) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if m.ttl > 0 && !m.now().Before(e.expiresAt) {
		m.removeLocked(el)
		return nil, false
	}
	m.ordered.MoveToFront(el)
	return e.value, true
}

// Put stores value under key, evicting the LRU tail past capacity.
func (m *Memo) Put(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = m.now().Add(m.ttl)
		m.ordered.MoveToFront(el)
		return
	}
	el := m.ordered.PushFront(&entry{key: key, value: value, expiresAt: m.now().Add(m.ttl)})
	m.entries[key] = el
	for m.ordered.Len() > m.max {
		m.removeLocked(m.ordered.Back())
	}
}

// Forget drops key from the memo.
func (m *Memo) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[key]; ok {
		m.removeLocked(el)
	}
}

func (m *Memo) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	delete(m.entries, e.key)
	m.ordered.Remove(el)
}

// Do returns the memoized value for key, or runs fn once for all concurrent
// callers and caches a successful result. Errors are not cached, so the next
// caller becomes a fresh leader; a cancelled leader does not poison the memo.
func (m *Memo) Do(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	if v, ok := m.Get(key); ok {
		return v, nil
	}
	ch := m.group.DoChan(key, func() (any, error) {
		v, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		m.Put(key, v)
		return v, nil
	})
	select {
	case <-ctx.Done():
		// Follower cancellation: detach without affecting the leader.
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}
