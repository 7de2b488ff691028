package eth

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter is a minimal interface to rate-limit RPC calls.
type Limiter interface {
	Wait(ctx context.Context) error
}

type nopLimiter struct{}

func (nopLimiter) Wait(ctx context.Context) error { return ctx.Err() }

// NewLimiter returns a Limiter enforcing req/s. If qps <= 0, returns unlimited.
func NewLimiter(qps int) Limiter {
	if qps <= 0 {
		return nopLimiter{}
	}
	return rate.NewLimiter(rate.Limit(qps), 1)
}

// RLClient wraps a Client with a request limiter plus a weighted semaphore
// gating eth_getLogs concurrency (GETLOGS_DOP).
type RLClient struct {
	inner      Client
	lim        Limiter
	getlogsSem *semaphore.Weighted
}

// NewRLClient builds the wrapper. dop <= 0 means unbounded getLogs.
func NewRLClient(inner Client, lim Limiter, dop int) *RLClient {
	var sem *semaphore.Weighted
	if dop > 0 {
		sem = semaphore.NewWeighted(int64(dop))
	}
	if lim == nil {
		lim = nopLimiter{}
	}
	return &RLClient{inner: inner, lim: lim, getlogsSem: sem}
}

func (c *RLClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.lim.Wait(ctx); err != nil {
		return 0, err
	}
	return c.inner.BlockNumber(ctx)
}

func (c *RLClient) HeaderByNumber(ctx context.Context, number uint64) (Header, error) {
	if err := c.lim.Wait(ctx); err != nil {
		return Header{}, err
	}
	return c.inner.HeaderByNumber(ctx, number)
}

func (c *RLClient) CallContract(ctx context.Context, to common.Address, data []byte, block uint64) ([]byte, error) {
	if err := c.lim.Wait(ctx); err != nil {
		return nil, err
	}
	return c.inner.CallContract(ctx, to, data, block)
}

func (c *RLClient) CodeAt(ctx context.Context, addr common.Address, block uint64) ([]byte, error) {
	if err := c.lim.Wait(ctx); err != nil {
		return nil, err
	}
	return c.inner.CodeAt(ctx, addr, block)
}

func (c *RLClient) StorageAt(ctx context.Context, addr common.Address, slot common.Hash, block uint64) ([]byte, error) {
	if err := c.lim.Wait(ctx); err != nil {
		return nil, err
	}
	return c.inner.StorageAt(ctx, addr, slot, block)
}

func (c *RLClient) FilterLogs(ctx context.Context, q FilterQuery) ([]Log, error) {
	if c.getlogsSem != nil {
		if err := c.getlogsSem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer c.getlogsSem.Release(1)
	}
	if err := c.lim.Wait(ctx); err != nil {
		return nil, err
	}
	return c.inner.FilterLogs(ctx, q)
}

func (c *RLClient) TraceFilter(ctx context.Context, q TraceQuery) ([]Trace, error) {
	if err := c.lim.Wait(ctx); err != nil {
		return nil, err
	}
	return c.inner.TraceFilter(ctx, q)
}
