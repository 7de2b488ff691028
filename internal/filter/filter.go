// Package filter materializes an on-chain event stream into the local store
// incrementally, guaranteeing ordered delivery to any number of concurrent
// consumers and resumability across restarts via DiskCache metadata.
package filter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/chainprice/chainprice/internal/blocksem"
	"github.com/chainprice/chainprice/internal/eth"
	"github.com/chainprice/chainprice/internal/logging"
)

// MaxSentinel is the cursor value after a sticky failure; every waiter
// observes it and fails fast with the cause.
const MaxSentinel = math.MaxUint64

// ErrPruned is returned when a consumer tries to resume below the pruned
// watermark of a non-reusable filter.
var ErrPruned = errors.New("filter buffer pruned below requested block")

const (
	defaultSleep          = 60 * time.Second
	headPollInterval      = time.Second
	defaultChunksPerBatch = 8
	checkpointEvery       = 50
)

// Config tunes one Filter instance.
type Config struct {
	Name           string
	FromBlock      uint64
	ChunkSize      uint64
	ChunksPerBatch int
	Sleep          time.Duration
	Reusable       bool
	Verbose        bool
}

// Fetcher pulls one chunk of T from the RPC provider.
type Fetcher[T any] func(ctx context.Context, from, to uint64) ([]T, error)

type checkpoint struct {
	block  uint64
	absIdx int
}

// Filter is the generic stream engine; T is eth.Log or eth.Trace.
type Filter[T any] struct {
	cfg     Config
	dc      DiskCache[T]
	head    func(ctx context.Context) (uint64, error)
	fetch   Fetcher[T]
	blockOf func(T) uint64
	sem     *blocksem.Semaphore

	mu          sync.Mutex
	buf         []T
	bufOffset   int // absolute index of buf[0]
	checkpoints []checkpoint
	next        uint64 // first block not yet committed
	prunedThru  uint64
	pruned      bool
	err         error
	advanced    chan struct{}

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	writeTail chan error
}

// New assembles a Filter over a DiskCache and a fetch function.
func New[T any](cfg Config, dc DiskCache[T], head func(ctx context.Context) (uint64, error), fetch Fetcher[T], blockOf func(T) uint64, sem *blocksem.Semaphore) *Filter[T] {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 10_000
	}
	if cfg.ChunksPerBatch <= 0 {
		cfg.ChunksPerBatch = defaultChunksPerBatch
	}
	if cfg.Sleep <= 0 {
		cfg.Sleep = defaultSleep
	}
	tail := make(chan error, 1)
	tail <- nil
	return &Filter[T]{
		cfg:       cfg,
		dc:        dc,
		head:      head,
		fetch:     fetch,
		blockOf:   blockOf,
		sem:       sem,
		next:      cfg.FromBlock,
		advanced:  make(chan struct{}),
		done:      make(chan struct{}),
		writeTail: tail,
	}
}

// Start launches the background fetch loop. Idempotent.
func (f *Filter[T]) Start(ctx context.Context) {
	f.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f.cancel = cancel
		go func() {
			defer close(f.done)
			f.run(runCtx)
		}()
	})
}

// Close cancels the background task. In-flight RPC calls are abandoned;
// queued DB writes drain on the store's executors.
func (f *Filter[T]) Close() {
	if f.cancel != nil {
		f.cancel()
		<-f.done
	}
}

// DoneThru returns the highest block committed to the buffer.
func (f *Filter[T]) DoneThru() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next == 0 {
		return 0
	}
	return f.next - 1
}

// Err returns the sticky background error, if any.
func (f *Filter[T]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Filter[T]) fail(err error) {
	f.mu.Lock()
	if f.err == nil {
		f.err = err
		f.next = MaxSentinel
		close(f.advanced)
		f.advanced = make(chan struct{})
	}
	f.mu.Unlock()
}

func (f *Filter[T]) commit(chunk []T, end uint64) {
	f.mu.Lock()
	for _, item := range chunk {
		abs := f.bufOffset + len(f.buf)
		if f.cfg.Reusable && abs%checkpointEvery == 0 {
			f.checkpoints = append(f.checkpoints, checkpoint{block: f.blockOf(item), absIdx: abs})
		}
		f.buf = append(f.buf, item)
	}
	f.next = end + 1
	close(f.advanced)
	f.advanced = make(chan struct{})
	f.mu.Unlock()
}

func (f *Filter[T]) run(ctx context.Context) {
	if err := f.loadCache(ctx); err != nil {
		f.fail(err)
		return
	}
	for {
		if err := f.catchUp(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			f.fail(err)
			return
		}
		t := time.NewTimer(f.cfg.Sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// loadCache bulk-loads rows <= cachedThru into the buffer, establishing the
// cursor so a restarted process never refetches committed ranges.
func (f *Filter[T]) loadCache(ctx context.Context) error {
	thru, err := f.dc.IsCachedThru(ctx, f.cfg.FromBlock)
	if err != nil {
		return err
	}
	if thru == 0 || thru < f.cfg.FromBlock {
		return nil
	}
	rows, err := f.dc.Select(ctx, f.cfg.FromBlock, thru)
	if err != nil {
		return err
	}
	f.commit(rows, thru)
	if f.cfg.Verbose {
		logging.Logger().Info("filter cache loaded", "filter", f.cfg.Name, "rows", len(rows), "thru", thru)
	}
	return nil
}

type chunkResult[T any] struct {
	items []T
	err   error
}

// catchUp fetches (cursor, head] in chunkSize ranges with bounded concurrency
// and commits strictly in order; the cursor never skips forward.
func (f *Filter[T]) catchUp(ctx context.Context) error {
	head, err := f.head(ctx)
	if err != nil {
		logging.WarnOnce("filter-head-"+f.cfg.Name, "head fetch failed", "filter", f.cfg.Name, "err", err.Error())
		return nil
	}
	f.mu.Lock()
	next := f.next
	f.mu.Unlock()
	if head < next {
		return nil
	}
	type span struct{ start, end uint64 }
	var spans []span
	for s := next; s <= head; s += f.cfg.ChunkSize {
		e := s + f.cfg.ChunkSize - 1
		if e > head {
			e = head
		}
		spans = append(spans, span{s, e})
	}
	results := make([]chan chunkResult[T], len(spans))
	for i := range results {
		results[i] = make(chan chunkResult[T], 1)
	}
	gate := make(chan struct{}, f.cfg.ChunksPerBatch)
	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()
	for i, sp := range spans {
		i, sp := i, sp
		go func() {
			select {
			case gate <- struct{}{}:
			case <-fetchCtx.Done():
				results[i] <- chunkResult[T]{err: fetchCtx.Err()}
				return
			}
			defer func() { <-gate }()
			items, err := f.fetchChunk(fetchCtx, sp.start, sp.end)
			results[i] <- chunkResult[T]{items: items, err: err}
		}()
	}
	for i, sp := range spans {
		var res chunkResult[T]
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res = <-results[i]:
		}
		if res.err != nil {
			return fmt.Errorf("chunk [%d,%d]: %w", sp.start, sp.end, res.err)
		}
		f.commit(res.items, sp.end)
		f.chainWrite(ctx, res.items, sp.start, sp.end)
		if f.cfg.Verbose {
			logging.Logger().Debug("chunk committed", "filter", f.cfg.Name, "from", sp.start, "thru", sp.end, "items", len(res.items))
		}
	}
	return nil
}

// fetchChunk runs one ranged fetch under the block-biased semaphore, retrying
// the known provider sync errors with a widening backoff.
func (f *Filter[T]) fetchChunk(ctx context.Context, start, end uint64) ([]T, error) {
	if f.sem != nil {
		if err := f.sem.Acquire(ctx, end); err != nil {
			return nil, err
		}
		defer f.sem.Release()
	}
	backoff := time.Second
	for {
		items, err := f.fetch(ctx, start, end)
		if err == nil {
			return items, nil
		}
		switch {
		case eth.IsMissingState(err):
			logging.WarnOnce("filter-state-"+f.cfg.Name, "provider missing historical state, retrying", "filter", f.cfg.Name, "err", err.Error())
		case eth.IsBlockNotFound(err):
			logging.Logger().Warn("filter block not found, retrying", "filter", f.cfg.Name, "from", start, "thru", end)
		default:
			return nil, err
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// chainWrite links this chunk's DB insert behind the previous one so disk
// metadata advances in block order even across pool threads. A failed link
// propagates to every successor.
func (f *Filter[T]) chainWrite(ctx context.Context, chunk []T, from, thru uint64) {
	prev := f.writeTail
	tail := make(chan error, 1)
	f.writeTail = tail
	go func() {
		if err := <-prev; err != nil {
			tail <- err
			return
		}
		if err := f.dc.Insert(ctx, chunk); err != nil {
			f.fail(fmt.Errorf("chunk insert [%d,%d]: %w", from, thru, err))
			tail <- err
			return
		}
		if err := f.dc.SetMetadata(ctx, from, thru); err != nil {
			f.fail(fmt.Errorf("metadata advance [%d,%d]: %w", from, thru, err))
			tail <- err
			return
		}
		tail <- nil
	}()
}

// WaitThru blocks until the cursor covers block, or the filter failed.
func (f *Filter[T]) WaitThru(ctx context.Context, block uint64) error {
	for {
		f.mu.Lock()
		err := f.err
		covered := f.next != 0 && f.next > block && f.next != MaxSentinel
		ch := f.advanced
		f.mu.Unlock()
		if err != nil {
			return err
		}
		if covered {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// ObjectsThru returns all buffered objects with from <= block <= to, in
// canonical order, waiting for the cursor to cover to first.
func (f *Filter[T]) ObjectsThru(ctx context.Context, to, from uint64) ([]T, error) {
	if err := f.WaitThru(ctx, to); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pruned && from <= f.prunedThru {
		return nil, fmt.Errorf("%w: pruned thru %d, requested from %d", ErrPruned, f.prunedThru, from)
	}
	start := f.searchStartLocked(from)
	var out []T
	for i := start; i < f.bufOffset+len(f.buf); i++ {
		item := f.buf[i-f.bufOffset]
		b := f.blockOf(item)
		if b > to {
			break
		}
		if b >= from {
			out = append(out, item)
		}
	}
	return out, nil
}

// searchStartLocked finds the first absolute index whose block may be >= from.
// Reusable filters jump via checkpoints recorded every 50 items.
func (f *Filter[T]) searchStartLocked(from uint64) int {
	start := f.bufOffset
	if len(f.checkpoints) > 0 {
		lo, hi := 0, len(f.checkpoints)
		for lo < hi {
			mid := (lo + hi) / 2
			if f.checkpoints[mid].block < from {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if lo > 0 {
			start = f.checkpoints[lo-1].absIdx
		}
	}
	if start < f.bufOffset {
		start = f.bufOffset
	}
	return start
}
