package eth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// httpClient is a minimal JSON-RPC client for Ethereum endpoints. It
// intentionally leaves rate limiting to wrappers (RLClient).
type httpClient struct {
	endpoint    string
	providerLbl string
	hc          httpDoer
	maxRetries  int
	backoffBase time.Duration
}

// NewHTTPClient constructs a JSON-RPC client using the given http.Client (or a
// default one if nil).
func NewHTTPClient(endpoint string, client *http.Client) (Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("empty endpoint")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &httpClient{
		endpoint:    endpoint,
		providerLbl: deriveProviderLabel(endpoint),
		hc:          client,
		maxRetries:  2,
		backoffBase: 100 * time.Millisecond,
	}, nil
}

func deriveProviderLabel(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil {
		u.User = nil
		if u.Host != "" {
			return u.Host
		}
	}
	return endpoint
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc %d: %s", e.Code, e.Message) }

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      int64           `json:"id"`
}

func (p *httpClient) call(ctx context.Context, method string, params any, out any) error {
	reqBody, _ := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	var lastErr error
	attempts := p.maxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(reqBody))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := p.hc.Do(req)
		retriable := true
		if err != nil {
			lastErr = err
		} else {
			func() {
				defer func() { _ = resp.Body.Close() }()
				if resp.StatusCode/100 != 2 {
					b, _ := io.ReadAll(resp.Body)
					lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, string(b))
					retriable = resp.StatusCode == 429 || resp.StatusCode >= 500
					return
				}
				var rr rpcResponse
				if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
					lastErr = err
					return
				}
				if rr.Error != nil {
					// JSON-RPC errors arrive over HTTP 200; non-retriable here.
					lastErr = rr.Error
					retriable = false
					return
				}
				if out != nil {
					lastErr = json.Unmarshal(rr.Result, out)
					return
				}
				lastErr = nil
			}()
			if lastErr == nil {
				return nil
			}
			if !retriable {
				return lastErr
			}
		}
		if attempt < attempts-1 {
			t := time.NewTimer(p.backoffBase * (1 << attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return lastErr
}

func hexBlock(n uint64) string { return "0x" + strconv.FormatUint(n, 16) }

func parseHexUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}

func (p *httpClient) BlockNumber(ctx context.Context) (uint64, error) {
	var out string
	if err := p.call(ctx, "eth_blockNumber", []any{}, &out); err != nil {
		return 0, err
	}
	return parseHexUint(out)
}

type jsonHeader struct {
	Number    string `json:"number"`
	Hash      string `json:"hash"`
	Timestamp string `json:"timestamp"`
}

func (p *httpClient) HeaderByNumber(ctx context.Context, number uint64) (Header, error) {
	var out *jsonHeader
	if err := p.call(ctx, "eth_getBlockByNumber", []any{hexBlock(number), false}, &out); err != nil {
		return Header{}, err
	}
	if out == nil {
		return Header{}, fmt.Errorf("block %d: %w", number, ErrNodeBehind)
	}
	n, err := parseHexUint(out.Number)
	if err != nil {
		return Header{}, err
	}
	ts, err := parseHexUint(out.Timestamp)
	if err != nil {
		return Header{}, err
	}
	return Header{Number: n, Hash: common.HexToHash(out.Hash), Timestamp: ts}, nil
}

func (p *httpClient) CallContract(ctx context.Context, to common.Address, data []byte, block uint64) ([]byte, error) {
	arg := map[string]string{"to": to.Hex(), "data": hexutil.Encode(data)}
	var out string
	if err := p.call(ctx, "eth_call", []any{arg, hexBlock(block)}, &out); err != nil {
		return nil, err
	}
	return hexutil.Decode(out)
}

func (p *httpClient) CodeAt(ctx context.Context, addr common.Address, block uint64) ([]byte, error) {
	var out string
	if err := p.call(ctx, "eth_getCode", []any{addr.Hex(), hexBlock(block)}, &out); err != nil {
		return nil, err
	}
	return hexutil.Decode(out)
}

func (p *httpClient) StorageAt(ctx context.Context, addr common.Address, slot common.Hash, block uint64) ([]byte, error) {
	var out string
	if err := p.call(ctx, "eth_getStorageAt", []any{addr.Hex(), slot.Hex(), hexBlock(block)}, &out); err != nil {
		return nil, err
	}
	return hexutil.Decode(out)
}

type jsonLog struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    string   `json:"logIndex"`
}

func (p *httpClient) FilterLogs(ctx context.Context, q FilterQuery) ([]Log, error) {
	arg := map[string]any{
		"fromBlock": hexBlock(q.FromBlock),
		"toBlock":   hexBlock(q.ToBlock),
	}
	if len(q.Addresses) > 0 {
		addrs := make([]string, len(q.Addresses))
		for i, a := range q.Addresses {
			addrs[i] = a.Hex()
		}
		arg["address"] = addrs
	}
	if len(q.Topics) > 0 {
		topics := make([]any, len(q.Topics))
		for i, tier := range q.Topics {
			if len(tier) == 0 {
				topics[i] = nil
				continue
			}
			hs := make([]string, len(tier))
			for j, h := range tier {
				hs[j] = h.Hex()
			}
			topics[i] = hs
		}
		arg["topics"] = topics
	}
	var out []jsonLog
	if err := p.call(ctx, "eth_getLogs", []any{arg}, &out); err != nil {
		return nil, err
	}
	logs := make([]Log, 0, len(out))
	for _, jl := range out {
		bn, err := parseHexUint(jl.BlockNumber)
		if err != nil {
			return nil, err
		}
		idx, err := parseHexUint(jl.LogIndex)
		if err != nil {
			return nil, err
		}
		data, err := hexutil.Decode(jl.Data)
		if err != nil {
			return nil, err
		}
		topics := make([]common.Hash, len(jl.Topics))
		for i, t := range jl.Topics {
			topics[i] = common.HexToHash(t)
		}
		logs = append(logs, Log{
			Address:     common.HexToAddress(jl.Address),
			Topics:      topics,
			Data:        data,
			BlockNumber: bn,
			TxHash:      common.HexToHash(jl.TxHash),
			Index:       uint32(idx),
		})
	}
	return logs, nil
}

type jsonTrace struct {
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
	Action      struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"action"`
}

func (p *httpClient) TraceFilter(ctx context.Context, q TraceQuery) ([]Trace, error) {
	arg := map[string]any{
		"fromBlock": hexBlock(q.FromBlock),
		"toBlock":   hexBlock(q.ToBlock),
	}
	if len(q.FromAddresses) > 0 {
		arg["fromAddress"] = hexAddrs(q.FromAddresses)
	}
	if len(q.ToAddresses) > 0 {
		arg["toAddress"] = hexAddrs(q.ToAddresses)
	}
	var out []json.RawMessage
	if err := p.call(ctx, "trace_filter", []any{arg}, &out); err != nil {
		if e, ok := err.(*rpcError); ok && e.Code == -32601 {
			return nil, ErrUnsupported
		}
		return nil, err
	}
	traces := make([]Trace, 0, len(out))
	for _, raw := range out {
		var jt jsonTrace
		if err := json.Unmarshal(raw, &jt); err != nil {
			return nil, err
		}
		traces = append(traces, Trace{
			BlockNumber: jt.BlockNumber,
			TxHash:      common.HexToHash(jt.TxHash),
			From:        common.HexToAddress(jt.Action.From),
			To:          common.HexToAddress(jt.Action.To),
			Raw:         raw,
		})
	}
	return traces, nil
}

func hexAddrs(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}
