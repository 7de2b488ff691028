// Package ethtest provides a scriptable counting Client for tests across
// packages. Calls are counted per method so tests can assert single-flight
// and caching behavior.
package ethtest

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainprice/chainprice/internal/eth"
)

// CallKey identifies one scripted eth_call result.
type CallKey struct {
	To       common.Address
	Selector string // 4-byte hex, no 0x
	Block    uint64
}

// Mock implements eth.Client from scripted state.
type Mock struct {
	mu sync.Mutex

	Head    uint64
	Headers map[uint64]eth.Header
	Calls   map[CallKey][]byte
	CallErr map[CallKey]error
	Code    map[common.Address]uint64 // address -> deploy block
	Logs    []eth.Log
	Traces  []eth.Trace

	Counts map[string]int
}

func New() *Mock {
	return &Mock{
		Headers: make(map[uint64]eth.Header),
		Calls:   make(map[CallKey][]byte),
		CallErr: make(map[CallKey]error),
		Code:    make(map[common.Address]uint64),
		Counts:  make(map[string]int),
	}
}

func (m *Mock) count(method string) {
	m.Counts[method]++
}

// Count returns how many times method was invoked.
func (m *Mock) Count(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counts[method]
}

// Script registers an eth_call return for (to, sig, block). Block 0 matches
// any block.
func (m *Mock) Script(to common.Address, sig string, block uint64, ret []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[CallKey{to, hex.EncodeToString(eth.Selector(sig)), block}] = ret
}

// ScriptErr registers an eth_call error.
func (m *Mock) ScriptErr(to common.Address, sig string, block uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallErr[CallKey{to, hex.EncodeToString(eth.Selector(sig)), block}] = err
}

func (m *Mock) BlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("eth_blockNumber")
	return m.Head, nil
}

func (m *Mock) HeaderByNumber(ctx context.Context, number uint64) (eth.Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("eth_getBlockByNumber")
	if h, ok := m.Headers[number]; ok {
		return h, nil
	}
	if number > m.Head {
		return eth.Header{}, fmt.Errorf("block %d: %w", number, eth.ErrNodeBehind)
	}
	// Synthetic 12s cadence keeps timestamp searches deterministic.
	return eth.Header{Number: number, Timestamp: 1_600_000_000 + number*12}, nil
}

func (m *Mock) CallContract(ctx context.Context, to common.Address, data []byte, block uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("eth_call")
	if len(data) < 4 {
		return nil, fmt.Errorf("short calldata")
	}
	sel := hex.EncodeToString(data[:4])
	for _, b := range []uint64{block, 0} {
		k := CallKey{to, sel, b}
		if err, ok := m.CallErr[k]; ok {
			return nil, err
		}
		if ret, ok := m.Calls[k]; ok {
			return ret, nil
		}
	}
	return nil, fmt.Errorf("execution reverted")
}

func (m *Mock) CodeAt(ctx context.Context, addr common.Address, block uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("eth_getCode")
	deploy, ok := m.Code[addr]
	if !ok || block < deploy {
		return nil, nil
	}
	return []byte{0x60, 0x60}, nil
}

func (m *Mock) StorageAt(ctx context.Context, addr common.Address, slot common.Hash, block uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("eth_getStorageAt")
	return make([]byte, 32), nil
}

func (m *Mock) FilterLogs(ctx context.Context, q eth.FilterQuery) ([]eth.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("eth_getLogs")
	var out []eth.Log
	for _, l := range m.Logs {
		if l.BlockNumber < q.FromBlock || l.BlockNumber > q.ToBlock {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddr(q.Addresses, l.Address) {
			continue
		}
		if !topicsMatch(q.Topics, l.Topics) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		if out[i].TxHash != out[j].TxHash {
			return out[i].TxHash.Hex() < out[j].TxHash.Hex()
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (m *Mock) TraceFilter(ctx context.Context, q eth.TraceQuery) ([]eth.Trace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("trace_filter")
	var out []eth.Trace
	for _, t := range m.Traces {
		if t.BlockNumber < q.FromBlock || t.BlockNumber > q.ToBlock {
			continue
		}
		if len(q.ToAddresses) > 0 && !containsAddr(q.ToAddresses, t.To) {
			continue
		}
		if len(q.FromAddresses) > 0 && !containsAddr(q.FromAddresses, t.From) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func containsAddr(set []common.Address, a common.Address) bool {
	for _, s := range set {
		if s == a {
			return true
		}
	}
	return false
}

func topicsMatch(filter [][]common.Hash, topics []common.Hash) bool {
	for i, tier := range filter {
		if len(tier) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		ok := false
		for _, h := range tier {
			if h == topics[i] {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
