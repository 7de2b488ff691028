// Package blocksem implements a semaphore whose waiters are keyed by block
// height. Permits are granted lowest-block-first so catch-up fetches are not
// starved by a stream of head-of-chain reads.
package blocksem

import (
	"container/heap"
	"context"
	"sync"
)

type waiter struct {
	block uint64
	seq   uint64
	ready chan struct{}
	index int
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].block != h[j].block {
		return h[i].block < h[j].block
	}
	return h[i].seq < h[j].seq
}
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return w
}

// Semaphore grants up to capacity concurrent holders, preferring waiters with
// lower block numbers.
type Semaphore struct {
	mu      sync.Mutex
	cap     int
	held    int
	seq     uint64
	waiters waiterHeap
}

func New(capacity int) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &Semaphore{cap: capacity}
}

// Acquire blocks until a permit is available for block, or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context, block uint64) error {
	s.mu.Lock()
	if s.held < s.cap && s.waiters.Len() == 0 {
		s.held++
		s.mu.Unlock()
		return nil
	}
	w := &waiter{block: block, seq: s.seq, ready: make(chan struct{})}
	s.seq++
	heap.Push(&s.waiters, w)
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-w.ready:
			// Granted concurrently with cancellation; give the permit back.
			s.releaseLocked()
		default:
			heap.Remove(&s.waiters, w.index)
		}
		s.mu.Unlock()
		return ctx.Err()
	case <-w.ready:
		return nil
	}
}

// Release frees one permit and wakes the lowest-block waiter.
func (s *Semaphore) Release() {
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

func (s *Semaphore) releaseLocked() {
	if s.waiters.Len() > 0 {
		w := heap.Pop(&s.waiters).(*waiter)
		close(w.ready)
		return
	}
	if s.held > 0 {
		s.held--
	}
}
