// Package executor provides named bounded worker pools. DB work is split by
// workload so cache-range metadata reads never queue behind bulk log writes.
package executor

import (
	"context"
	"sync"
)

// Pool is a bounded FIFO worker pool.
type Pool struct {
	name string
	jobs chan func()
	wg   sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPool starts size workers draining a shared queue.
func NewPool(name string, size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{name: name, jobs: make(chan func(), size*16), closed: make(chan struct{})}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go func() {
			defer p.wg.Done()
			for {
				select {
				case fn := <-p.jobs:
					fn()
				case <-p.closed:
					// Drain what made it into the queue, then exit.
					for {
						select {
						case fn := <-p.jobs:
							fn()
						default:
							return
						}
					}
				}
			}
		}()
	}
	return p
}

func (p *Pool) Name() string { return p.name }

// Submit enqueues fn without waiting for completion. A closed pool refuses
// new work.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	select {
	case <-p.closed:
		return context.Canceled
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return context.Canceled
	case p.jobs <- fn:
		return nil
	}
}

// Do runs fn on the pool and waits for its result.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	if err := p.Submit(ctx, func() { done <- fn() }); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Close stops intake and waits for queued work to drain. The jobs channel is
// never closed, so a Submit racing Close is refused rather than panicking.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	p.wg.Wait()
}

// Pools bundles the per-workload executors.
type Pools struct {
	Read          *Pool
	Write         *Pool
	MetadataRead  *Pool
	MetadataWrite *Pool
	TopicHash     *Pool
	Token         *Pool
	Trace         *Pool
	Timestamp     *Pool
}

// Sizes configures pool widths per workload.
type Sizes struct {
	Read, Write                 int
	MetadataRead, MetadataWrite int
	TopicHash                   int
	Token, Trace, Timestamp     int
}

// EmbeddedSizes keeps writers narrow so the file DB's single writer lock is
// not thrashed.
func EmbeddedSizes() Sizes {
	return Sizes{Read: 4, Write: 1, MetadataRead: 2, MetadataWrite: 1, TopicHash: 4, Token: 10, Trace: 10, Timestamp: 4}
}

// NetworkedSizes widens everything for a server-grade backend.
func NetworkedSizes() Sizes {
	return Sizes{Read: 16, Write: 8, MetadataRead: 4, MetadataWrite: 2, TopicHash: 8, Token: 20, Trace: 20, Timestamp: 8}
}

// NewPools allocates all named pools.
func NewPools(s Sizes) *Pools {
	return &Pools{
		Read:          NewPool("read", s.Read),
		Write:         NewPool("write", s.Write),
		MetadataRead:  NewPool("metadata-read", s.MetadataRead),
		MetadataWrite: NewPool("metadata-write", s.MetadataWrite),
		TopicHash:     NewPool("topic-hash", s.TopicHash),
		Token:         NewPool("token", s.Token),
		Trace:         NewPool("trace", s.Trace),
		Timestamp:     NewPool("timestamp", s.Timestamp),
	}
}

// Close drains every pool. Write pools close last so reads against a closing
// process do not observe half-committed chunks.
func (ps *Pools) Close() {
	ps.Read.Close()
	ps.MetadataRead.Close()
	ps.TopicHash.Close()
	ps.Token.Close()
	ps.Trace.Close()
	ps.Timestamp.Close()
	ps.Write.Close()
	ps.MetadataWrite.Close()
}
