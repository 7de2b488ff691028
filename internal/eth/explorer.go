package eth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/chainprice/chainprice/internal/logging"
)

const defaultExplorerURL = "https://api.etherscan.io/api"

// Explorer queries an etherscan-compatible HTTP API for answers that are
// expensive to derive over JSON-RPC, like contract deploy blocks. A nil
// *Explorer is a valid no-op.
type Explorer struct {
	base string
	key  string
	hc   *http.Client
	lim  *rate.Limiter
}

// NewExplorer builds a client for base (the etherscan mainnet API when
// empty). Without an API key the free tier allows one request per 5 seconds.
func NewExplorer(base, key string) *Explorer {
	if base == "" {
		base = defaultExplorerURL
	}
	lim := rate.NewLimiter(rate.Limit(5), 5)
	if key == "" {
		logging.WarnOnce("explorer-no-key",
			"no explorer API key configured; explorer lookups throttled to 1 per 5s")
		lim = rate.NewLimiter(rate.Every(5*time.Second), 1)
	}
	return &Explorer{
		base: base,
		key:  key,
		hc:   &http.Client{Timeout: 10 * time.Second},
		lim:  lim,
	}
}

type explorerTxList struct {
	Status string `json:"status"`
	Result []struct {
		BlockNumber string `json:"blockNumber"`
	} `json:"result"`
}

// ContractCreationBlock returns the block of the address's earliest
// transaction. ok=false when the explorer has no answer; callers fall back
// to eth_getCode bisection.
func (e *Explorer) ContractCreationBlock(ctx context.Context, addr common.Address) (uint64, bool, error) {
	if e == nil {
		return 0, false, nil
	}
	if err := e.lim.Wait(ctx); err != nil {
		return 0, false, err
	}
	url := fmt.Sprintf("%s?module=account&action=txlist&address=%s&startblock=0&page=1&offset=1&sort=asc&apikey=%s",
		e.base, addr.Hex(), e.key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false, err
	}
	resp, err := e.hc.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return 0, false, fmt.Errorf("explorer: http %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, false, err
	}
	var out explorerTxList
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, false, fmt.Errorf("explorer: decode: %w", err)
	}
	if out.Status != "1" || len(out.Result) == 0 {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(out.Result[0].BlockNumber, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("explorer: block number %q: %w", out.Result[0].BlockNumber, err)
	}
	return n, true, nil
}
