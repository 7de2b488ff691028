package flight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoSingleFlight(t *testing.T) {
	m := NewMemo(10, time.Minute)
	var calls atomic.Int64
	release := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]any, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := m.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
				calls.Add(1)
				<-release
				return 42, nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
			results[i] = v
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	if got := calls.Load(); got != 1 {
		t.Fatalf("fn ran %d times, want 1", got)
	}
	for i, v := range results {
		if v != 42 {
			t.Fatalf("result[%d] = %v, want 42", i, v)
		}
	}
}

func TestDoErrorNotCached(t *testing.T) {
	m := NewMemo(10, time.Minute)
	boom := errors.New("boom")
	calls := 0
	fail := func(ctx context.Context) (any, error) { calls++; return nil, boom }
	if _, err := m.Do(context.Background(), "k", fail); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, err := m.Do(context.Background(), "k", fail); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (errors must not cache)", calls)
	}
}

func TestCancelledFollowerDetaches(t *testing.T) {
	m := NewMemo(10, time.Minute)
	started := make(chan struct{})
	release := make(chan struct{})
	go m.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return "v", nil
	})
	<-started
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Do(ctx, "k", func(ctx context.Context) (any, error) { return "v", nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("follower err = %v, want context.Canceled", err)
	}
	// The leader finishes and the value lands despite the cancelled follower.
	close(release)
	deadline := time.After(time.Second)
	for {
		if v, ok := m.Get("k"); ok {
			if v != "v" {
				t.Fatalf("cached = %v, want v", v)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("leader result never cached")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTTLExpiry(t *testing.T) {
	m := NewMemo(10, 10*time.Millisecond)
	m.Put("k", 1)
	if _, ok := m.Get("k"); !ok {
		t.Fatal("fresh entry missing")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := m.Get("k"); ok {
		t.Fatal("expired entry still served")
	}
}

func TestLRUEviction(t *testing.T) {
	m := NewMemo(2, time.Minute)
	m.Put("a", 1)
	m.Put("b", 2)
	m.Get("a") // refresh a
	m.Put("c", 3)
	if _, ok := m.Get("b"); ok {
		t.Fatal("b should have been evicted")
	}
	if _, ok := m.Get("a"); !ok {
		t.Fatal("a should have survived")
	}
	if _, ok := m.Get("c"); !ok {
		t.Fatal("c should be present")
	}
}

func TestForget(t *testing.T) {
	m := NewMemo(10, time.Minute)
	m.Put("k", 1)
	m.Forget("k")
	if _, ok := m.Get("k"); ok {
		t.Fatal("forgotten entry still served")
	}
}
