package filter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainprice/chainprice/internal/eth"
	"github.com/chainprice/chainprice/internal/eth/ethtest"
	"github.com/chainprice/chainprice/internal/store"
)

// memCache is a DiskCache over bare block numbers for engine tests.
type memCache struct {
	mu   sync.Mutex
	rows []uint64
	from uint64
	thru uint64
	set  bool
}

func (c *memCache) IsCachedThru(ctx context.Context, fromBlock uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set || c.from > fromBlock {
		return 0, nil
	}
	return c.thru, nil
}

func (c *memCache) Select(ctx context.Context, from, to uint64) ([]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []uint64
	for _, r := range c.rows {
		if r >= from && r <= to {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *memCache) CheckAndSelect(ctx context.Context, from, to uint64) ([]uint64, error) {
	thru, err := c.IsCachedThru(ctx, from)
	if err != nil {
		return nil, err
	}
	if thru < to {
		return nil, ErrNotPopulated
	}
	return c.Select(ctx, from, to)
}

func (c *memCache) Insert(ctx context.Context, chunk []uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, chunk...)
	return nil
}

func (c *memCache) SetMetadata(ctx context.Context, from, thru uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set {
		c.from, c.thru, c.set = from, thru, true
		return nil
	}
	if from < c.from {
		c.from = from
	}
	if thru > c.thru {
		c.thru = thru
	}
	return nil
}

func ident(b uint64) uint64 { return b }

func headFn(head uint64) func(context.Context) (uint64, error) {
	return func(context.Context) (uint64, error) { return head, nil }
}

// blocksFetch yields one item per block, delaying early chunks so completion
// order inverts commit order.
func blocksFetch(head uint64) Fetcher[uint64] {
	return func(ctx context.Context, from, to uint64) ([]uint64, error) {
		time.Sleep(time.Duration(head-from) * time.Millisecond / 4)
		var out []uint64
		for b := from; b <= to; b++ {
			out = append(out, b)
		}
		return out, nil
	}
}

func TestOrderedCommit(t *testing.T) {
	f := New[uint64](Config{Name: "t", FromBlock: 1, ChunkSize: 10, ChunksPerBatch: 4, Reusable: true, Sleep: time.Hour},
		&memCache{}, headFn(100), blocksFetch(100), ident, nil)
	f.Start(context.Background())
	defer f.Close()
	got, err := f.ObjectsThru(context.Background(), 100, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 100 {
		t.Fatalf("got %d items, want 100", len(got))
	}
	for i, b := range got {
		if b != uint64(i+1) {
			t.Fatalf("item %d = %d; delivery out of order", i, b)
		}
	}
	if f.DoneThru() != 100 {
		t.Fatalf("DoneThru = %d, want 100", f.DoneThru())
	}
}

func TestObjectsThruWindow(t *testing.T) {
	f := New[uint64](Config{Name: "t", FromBlock: 1, ChunkSize: 25, Reusable: true, Sleep: time.Hour},
		&memCache{}, headFn(200), blocksFetch(200), ident, nil)
	f.Start(context.Background())
	defer f.Close()
	got, err := f.ObjectsThru(context.Background(), 150, 120)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 31 {
		t.Fatalf("window returned %d items, want 31", len(got))
	}
	if got[0] != 120 || got[30] != 150 {
		t.Fatalf("window = [%d,%d], want [120,150]", got[0], got[30])
	}
}

func TestStickyError(t *testing.T) {
	boom := errors.New("provider exploded")
	fetch := func(ctx context.Context, from, to uint64) ([]uint64, error) { return nil, boom }
	f := New[uint64](Config{Name: "t", FromBlock: 1, ChunkSize: 10, Sleep: time.Hour},
		&memCache{}, headFn(50), fetch, ident, nil)
	f.Start(context.Background())
	defer f.Close()
	if err := f.WaitThru(context.Background(), 50); !errors.Is(err, boom) {
		t.Fatalf("WaitThru err = %v, want the provider error", err)
	}
	if err := f.Err(); !errors.Is(err, boom) {
		t.Fatalf("Err = %v, want sticky", err)
	}
	// Later waiters fail fast instead of hanging.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.WaitThru(ctx, 10); !errors.Is(err, boom) {
		t.Fatalf("second WaitThru err = %v", err)
	}
}

func TestIteratorBounded(t *testing.T) {
	f := New[uint64](Config{Name: "t", FromBlock: 1, ChunkSize: 10, Reusable: true, Sleep: time.Hour},
		&memCache{}, headFn(30), blocksFetch(30), ident, nil)
	f.Start(context.Background())
	defer f.Close()
	it := f.ObjectsBounded(5, 12)
	var got []uint64
	for it.Next(context.Background()) {
		got = append(got, it.Value())
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	if len(got) != 8 || got[0] != 5 || got[7] != 12 {
		t.Fatalf("bounded iteration = %v", got)
	}
}

func TestIteratorBoundedAttachBeforeCommit(t *testing.T) {
	// Gate the fetcher so the consumer attaches before anything is committed;
	// the lower bound must still hold for items arriving after attach.
	release := make(chan struct{})
	fetch := func(ctx context.Context, from, to uint64) ([]uint64, error) {
		<-release
		var out []uint64
		for b := from; b <= to; b++ {
			out = append(out, b)
		}
		return out, nil
	}
	f := New[uint64](Config{Name: "t", FromBlock: 1, ChunkSize: 10, Reusable: true, Sleep: time.Hour},
		&memCache{}, headFn(30), fetch, ident, nil)
	f.Start(context.Background())
	defer f.Close()
	it := f.ObjectsBounded(5, 12)
	close(release)
	var got []uint64
	for it.Next(context.Background()) {
		got = append(got, it.Value())
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	if len(got) != 8 || got[0] != 5 || got[7] != 12 {
		t.Fatalf("bounded iteration over late commits = %v, want [5..12]", got)
	}
}

func TestNonReusablePrunes(t *testing.T) {
	f := New[uint64](Config{Name: "t", FromBlock: 1, ChunkSize: 10, Sleep: time.Hour},
		&memCache{}, headFn(40), blocksFetch(40), ident, nil)
	f.Start(context.Background())
	defer f.Close()
	it := f.ObjectsBounded(1, 40)
	for it.Next(context.Background()) {
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	// The consumed range is gone; a second consumer from block 1 must fail
	// loudly rather than observe a gap.
	it2 := f.ObjectsBounded(1, 40)
	if it2.Next(context.Background()) {
		t.Fatal("iterator over pruned range yielded an item")
	}
	if !errors.Is(it2.Err(), ErrPruned) {
		t.Fatalf("err = %v, want ErrPruned", it2.Err())
	}
	if _, err := f.ObjectsThru(context.Background(), 40, 1); !errors.Is(err, ErrPruned) {
		t.Fatalf("ObjectsThru err = %v, want ErrPruned", err)
	}
}

func TestCheckpointSeek(t *testing.T) {
	f := New[uint64](Config{Name: "t", FromBlock: 1, ChunkSize: 100, Reusable: true, Sleep: time.Hour},
		&memCache{}, headFn(500), blocksFetch(500), ident, nil)
	f.Start(context.Background())
	defer f.Close()
	got, err := f.ObjectsThru(context.Background(), 450, 449)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != 449 || got[1] != 450 {
		t.Fatalf("checkpoint seek = %v, want [449 450]", got)
	}
}

func TestCacheLoadSkipsFetch(t *testing.T) {
	dc := &memCache{}
	// Pre-populate as a previous run would have.
	dc.Insert(context.Background(), []uint64{1, 2, 3, 4, 5})
	dc.SetMetadata(context.Background(), 1, 5)
	fetches := 0
	fetch := func(ctx context.Context, from, to uint64) ([]uint64, error) {
		fetches++
		var out []uint64
		for b := from; b <= to; b++ {
			out = append(out, b)
		}
		return out, nil
	}
	f := New[uint64](Config{Name: "t", FromBlock: 1, ChunkSize: 10, Reusable: true, Sleep: time.Hour},
		dc, headFn(5), fetch, ident, nil)
	f.Start(context.Background())
	defer f.Close()
	got, err := f.ObjectsThru(context.Background(), 5, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d items, want 5", len(got))
	}
	if fetches != 0 {
		t.Fatalf("cached range refetched %d times", fetches)
	}
}

func TestLogFilterEndToEnd(t *testing.T) {
	st, err := store.OpenMemory(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	mock := ethtest.New()
	mock.Head = 30
	topic := common.BytesToHash([]byte{0xaa})
	addr := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	for b := uint64(5); b <= 25; b += 5 {
		mock.Logs = append(mock.Logs, eth.Log{
			Address:     addr,
			Topics:      []common.Hash{topic},
			Data:        []byte{byte(b)},
			BlockNumber: b,
			TxHash:      common.BytesToHash([]byte{byte(b)}),
		})
	}
	cfg := Config{Name: "e2e", FromBlock: 1, ChunkSize: 10, Reusable: true, Sleep: time.Hour}
	f := NewLogFilter(st, mock, cfg, []common.Address{addr}, [][]common.Hash{{topic}}, nil)
	f.Start(context.Background())
	logs, err := f.ObjectsThru(context.Background(), 30, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 5 {
		t.Fatalf("got %d logs, want 5", len(logs))
	}
	// Give the chained writes a moment to land before closing.
	deadline := time.Now().Add(2 * time.Second)
	dc := NewLogCache(st, []common.Address{addr}, [][]common.Hash{{topic}})
	for {
		thru, err := dc.IsCachedThru(context.Background(), 1)
		if err != nil {
			t.Fatal(err)
		}
		if thru >= 30 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("disk metadata never reached the committed cursor")
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.Close()

	// A fresh filter serves the same range from disk without touching RPC.
	mock2 := ethtest.New()
	mock2.Head = 30
	f2 := NewLogFilter(st, mock2, cfg, []common.Address{addr}, [][]common.Hash{{topic}}, nil)
	f2.Start(context.Background())
	defer f2.Close()
	logs2, err := f2.ObjectsThru(context.Background(), 30, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs2) != 5 {
		t.Fatalf("restart served %d logs, want 5", len(logs2))
	}
	if n := mock2.Count("eth_getLogs"); n != 0 {
		t.Fatalf("restart hit eth_getLogs %d times, want 0", n)
	}
}
