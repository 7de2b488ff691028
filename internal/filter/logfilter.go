package filter

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainprice/chainprice/internal/blocksem"
	"github.com/chainprice/chainprice/internal/eth"
	"github.com/chainprice/chainprice/internal/store"
)

// LogFilter streams eth_getLogs results for an address/topic key.
type LogFilter = Filter[eth.Log]

// NewLogFilter wires a Filter over the log DiskCache and eth_getLogs.
func NewLogFilter(st *store.Store, client eth.Client, cfg Config, addresses []common.Address, topics [][]common.Hash, sem *blocksem.Semaphore) *LogFilter {
	dc := NewLogCache(st, addresses, topics)
	fetch := func(ctx context.Context, from, to uint64) ([]eth.Log, error) {
		return client.FilterLogs(ctx, eth.FilterQuery{
			FromBlock: from,
			ToBlock:   to,
			Addresses: addresses,
			Topics:    topics,
		})
	}
	return New[eth.Log](cfg, dc, client.BlockNumber, fetch, func(l eth.Log) uint64 { return l.BlockNumber }, sem)
}

// TraceFilter streams trace_filter results for to/from address sets.
type TraceFilter = Filter[eth.Trace]

// NewTraceFilter wires a Filter over the trace DiskCache and trace_filter.
func NewTraceFilter(st *store.Store, client eth.Client, cfg Config, toSet, fromSet []common.Address, sem *blocksem.Semaphore) *TraceFilter {
	dc := NewTraceCache(st, toSet, fromSet)
	fetch := func(ctx context.Context, from, to uint64) ([]eth.Trace, error) {
		return client.TraceFilter(ctx, eth.TraceQuery{
			FromBlock:     from,
			ToBlock:       to,
			FromAddresses: fromSet,
			ToAddresses:   toSet,
		})
	}
	return New[eth.Trace](cfg, dc, client.BlockNumber, fetch, func(t eth.Trace) uint64 { return t.BlockNumber }, sem)
}
