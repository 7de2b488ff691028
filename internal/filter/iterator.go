package filter

import (
	"context"
	"errors"
)

// Iterator walks a Filter's buffer forward in block order. Non-reusable
// filters prune yielded items behind the iterator; reusable filters retain
// the buffer so any number of iterators can attach.
type Iterator[T any] struct {
	f         *Filter[T]
	abs       int // next absolute index
	fromBlock uint64
	toBlock   uint64
	value     T
	err       error
	done      bool
}

// Objects attaches a consumer cursoring from fromBlock to infinity.
func (f *Filter[T]) Objects(fromBlock uint64) *Iterator[T] {
	return f.ObjectsBounded(fromBlock, MaxSentinel)
}

// ObjectsBounded attaches a consumer that ends after toBlock; Next returns
// false (with nil Err) once every object through toBlock was yielded and the
// cursor passed it.
func (f *Filter[T]) ObjectsBounded(fromBlock, toBlock uint64) *Iterator[T] {
	it := &Iterator[T]{f: f, fromBlock: fromBlock, toBlock: toBlock}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pruned && fromBlock <= f.prunedThru {
		it.err = ErrPruned
		it.done = true
		return it
	}
	start := f.searchStartLocked(fromBlock)
	// Skip items below fromBlock; checkpoints only narrow to a 50-item window.
	for start < f.bufOffset+len(f.buf) && f.blockOf(f.buf[start-f.bufOffset]) < fromBlock {
		start++
	}
	it.abs = start
	return it
}

// Next advances to the next object, blocking until one is committed or the
// stream ends. It returns false on end-of-stream, sticky filter error, or
// context cancellation; check Err.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	f := it.f
	for {
		f.mu.Lock()
		if it.abs < f.bufOffset {
			f.mu.Unlock()
			it.err = ErrPruned
			it.done = true
			return false
		}
		if it.abs < f.bufOffset+len(f.buf) {
			item := f.buf[it.abs-f.bufOffset]
			if f.blockOf(item) > it.toBlock {
				f.mu.Unlock()
				it.done = true
				return false
			}
			it.abs++
			if !f.cfg.Reusable {
				f.pruneLocked(it.abs)
			}
			// Items committed after attach can still sit below the lower
			// bound; the attach-time skip only covers the buffered prefix.
			if f.blockOf(item) < it.fromBlock {
				f.mu.Unlock()
				continue
			}
			it.value = item
			f.mu.Unlock()
			return true
		}
		err := f.err
		caughtPast := f.next != MaxSentinel && f.next > it.toBlock
		ch := f.advanced
		f.mu.Unlock()
		if err != nil {
			it.err = err
			it.done = true
			return false
		}
		if caughtPast {
			it.done = true
			return false
		}
		select {
		case <-ctx.Done():
			it.err = ctx.Err()
			it.done = true
			return false
		case <-ch:
		}
	}
}

// Value returns the object yielded by the last successful Next.
func (it *Iterator[T]) Value() T { return it.value }

// Err reports why Next returned false, nil on clean end-of-stream.
func (it *Iterator[T]) Err() error {
	if errors.Is(it.err, context.Canceled) {
		return nil
	}
	return it.err
}

// pruneLocked drops items below abs and records the watermark so a later
// consumer resuming underneath gets a hard error instead of silent gaps.
func (f *Filter[T]) pruneLocked(abs int) {
	n := abs - f.bufOffset
	if n <= 0 {
		return
	}
	last := f.buf[n-1]
	f.prunedThru = f.blockOf(last)
	f.pruned = true
	f.buf = append([]T(nil), f.buf[n:]...)
	f.bufOffset = abs
}
