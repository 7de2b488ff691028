package blocksem

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	s := New(2)
	ctx := context.Background()
	if err := s.Acquire(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Acquire(ctx, 2); err != nil {
		t.Fatal(err)
	}
	s.Release()
	s.Release()
	if err := s.Acquire(ctx, 3); err != nil {
		t.Fatal(err)
	}
	s.Release()
}

func TestLowestBlockWakesFirst(t *testing.T) {
	s := New(1)
	ctx := context.Background()
	if err := s.Acquire(ctx, 100); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []uint64
	var wg sync.WaitGroup
	ready := make(chan struct{}, 3)
	for _, block := range []uint64{30, 10, 20} {
		block := block
		wg.Add(1)
		go func() {
			defer wg.Done()
			ready <- struct{}{}
			if err := s.Acquire(ctx, block); err != nil {
				t.Errorf("acquire %d: %v", block, err)
				return
			}
			mu.Lock()
			order = append(order, block)
			mu.Unlock()
			s.Release()
		}()
	}
	for i := 0; i < 3; i++ {
		<-ready
	}
	// Let all three park in the waiter queue before the permit frees up.
	time.Sleep(50 * time.Millisecond)
	s.Release()
	wg.Wait()
	want := []uint64{10, 20, 30}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("wake order = %v, want %v", order, want)
		}
	}
}

func TestAcquireCancelled(t *testing.T) {
	s := New(1)
	if err := s.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx, 2); err == nil {
		t.Fatal("expected context error while semaphore held")
	}
	// The held permit must still release cleanly for the next waiter.
	s.Release()
	if err := s.Acquire(context.Background(), 3); err != nil {
		t.Fatal(err)
	}
	s.Release()
}
