// Package ypriceapi is the client for the hosted price fallback service.
// An unconfigured client is a no-op that always answers "no price".
package ypriceapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/chainprice/chainprice/internal/logging"
)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client queries GET {base}/get_price/{chain}/{token}?block={block} with the
// signer/signature auth headers. Transient failures (429, 5xx, network) retry
// with doubling backoff; a 404 is the definitive "no price" answer.
type Client struct {
	base       string
	chainID    uint64
	signer     string
	signature  string
	hc         httpDoer
	sem        *semaphore.Weighted
	maxRetries int
	backoff    time.Duration
}

// Config carries the subset of process config the client needs.
type Config struct {
	URL       string
	ChainID   uint64
	Signer    string
	Signature string
	Timeout   time.Duration
	Parallel  int
}

// New returns nil when no URL is configured; a nil *Client is a valid no-op
// oracle.
func New(cfg Config) *Client {
	if cfg.URL == "" {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 8
	}
	return &Client{
		base:       strings.TrimRight(cfg.URL, "/"),
		chainID:    cfg.ChainID,
		signer:     cfg.Signer,
		signature:  cfg.Signature,
		hc:         &http.Client{Timeout: cfg.Timeout},
		sem:        semaphore.NewWeighted(int64(cfg.Parallel)),
		maxRetries: 2,
		backoff:    250 * time.Millisecond,
	}
}

type priceResponse struct {
	Price string `json:"price"`
}

// Price implements the router's remote-oracle hook.
func (c *Client) Price(ctx context.Context, token common.Address, block uint64) (decimal.Decimal, bool, error) {
	if c == nil {
		return decimal.Zero, false, nil
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return decimal.Zero, false, err
	}
	defer c.sem.Release(1)
	url := fmt.Sprintf("%s/get_price/%d/%s?block=%d", c.base, c.chainID, token.Hex(), block)
	var lastErr error
	delay := c.backoff
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return decimal.Zero, false, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		p, ok, retriable, err := c.once(ctx, url)
		if err == nil {
			return p, ok, nil
		}
		if !retriable {
			return decimal.Zero, false, err
		}
		lastErr = err
		logging.Logger().Debug("remote price retry", "token", token.Hex(), "attempt", attempt, "err", err.Error())
	}
	return decimal.Zero, false, lastErr
}

func (c *Client) once(ctx context.Context, url string) (decimal.Decimal, bool, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, false, false, err
	}
	if c.signer != "" {
		req.Header.Set("X-Signer", c.signer)
		req.Header.Set("X-Signature", c.signature)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return decimal.Zero, false, true, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return decimal.Zero, false, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return decimal.Zero, false, true, fmt.Errorf("remote price: http %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return decimal.Zero, false, false, fmt.Errorf("remote price: http %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return decimal.Zero, false, true, err
	}
	var pr priceResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return decimal.Zero, false, false, fmt.Errorf("remote price: decode: %w", err)
	}
	if pr.Price == "" || pr.Price == "0" {
		return decimal.Zero, false, false, nil
	}
	p, err := decimal.NewFromString(pr.Price)
	if err != nil {
		return decimal.Zero, false, false, fmt.Errorf("remote price: parse %q: %w", pr.Price, err)
	}
	return p, true, false, nil
}
