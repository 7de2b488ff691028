package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoRunsOnPool(t *testing.T) {
	p := NewPool("test", 2)
	defer p.Close()
	var n atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Do(context.Background(), func() error { n.Add(1); return nil }); err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}
	wg.Wait()
	if n.Load() != 20 {
		t.Fatalf("ran %d, want 20", n.Load())
	}
}

func TestDoPropagatesError(t *testing.T) {
	p := NewPool("test", 1)
	defer p.Close()
	boom := errors.New("boom")
	if err := p.Do(context.Background(), func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestConcurrencyBounded(t *testing.T) {
	p := NewPool("test", 2)
	defer p.Close()
	var cur, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Do(context.Background(), func() error {
				c := cur.Add(1)
				for {
					old := peak.Load()
					if c <= old || peak.CompareAndSwap(old, c) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				cur.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency %d exceeds pool size 2", peak.Load())
	}
}

func TestDoAfterCancel(t *testing.T) {
	p := NewPool("test", 1)
	defer p.Close()
	// Saturate the single worker.
	block := make(chan struct{})
	done := make(chan struct{})
	go func() {
		p.Do(context.Background(), func() error { <-block; return nil })
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Do(ctx, func() error { return nil })
	close(block)
	<-done
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want nil or context.Canceled", err)
	}
}

func TestSubmitRacingCloseRefused(t *testing.T) {
	// Hammer Submit while Close runs; a late Submit must be refused, never
	// crash the pool.
	for i := 0; i < 50; i++ {
		p := NewPool("test", 2)
		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					p.Submit(context.Background(), func() {})
				}
			}
		}()
		p.Close()
		close(stop)
		wg.Wait()
		if err := p.Submit(context.Background(), func() {}); !errors.Is(err, context.Canceled) {
			t.Fatalf("post-close Submit err = %v, want context.Canceled", err)
		}
	}
}

func TestPoolsCloseIdempotentShape(t *testing.T) {
	ps := NewPools(EmbeddedSizes())
	var n atomic.Int64
	if err := ps.Read.Do(context.Background(), func() error { n.Add(1); return nil }); err != nil {
		t.Fatal(err)
	}
	if err := ps.Write.Do(context.Background(), func() error { n.Add(1); return nil }); err != nil {
		t.Fatal(err)
	}
	ps.Close()
	if n.Load() != 2 {
		t.Fatalf("ran %d, want 2", n.Load())
	}
}
