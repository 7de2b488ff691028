package eth

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
)

// Client defines the RPC surface the oracle needs. Concrete adapters
// (Alchemy/Infura/QuickNode/self-hosted) satisfy this interface; wrappers add
// rate limiting and retries.
type Client interface {
	// BlockNumber returns the current head block number.
	BlockNumber(ctx context.Context) (uint64, error)

	// HeaderByNumber returns hash and timestamp for a block.
	HeaderByNumber(ctx context.Context, number uint64) (Header, error)

	// CallContract executes eth_call against a contract at a block.
	CallContract(ctx context.Context, to common.Address, data []byte, block uint64) ([]byte, error)

	// CodeAt returns the deployed bytecode at a block.
	CodeAt(ctx context.Context, addr common.Address, block uint64) ([]byte, error)

	// StorageAt reads one storage slot at a block.
	StorageAt(ctx context.Context, addr common.Address, slot common.Hash, block uint64) ([]byte, error)

	// FilterLogs fetches logs matching q. Implementations should not page
	// internally; the filter engine owns chunking.
	FilterLogs(ctx context.Context, q FilterQuery) ([]Log, error)

	// TraceFilter returns internal traces for a block range, where supported.
	TraceFilter(ctx context.Context, q TraceQuery) ([]Trace, error)
}

// FilterQuery mirrors eth_getLogs parameters.
type FilterQuery struct {
	FromBlock uint64
	ToBlock   uint64
	Addresses []common.Address
	Topics    [][]common.Hash
}

// TraceQuery mirrors trace_filter parameters.
type TraceQuery struct {
	FromBlock     uint64
	ToBlock       uint64
	FromAddresses []common.Address
	ToAddresses   []common.Address
}

// Header carries the two block fields the store persists.
type Header struct {
	Number    uint64
	Hash      common.Hash
	Timestamp uint64
}

// Log is a decoded eth_getLogs entry.
type Log struct {
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
	BlockNumber uint64
	TxHash      common.Hash
	Index       uint32
}

// Trace is a decoded trace_filter entry. Raw keeps the original JSON so the
// store can round-trip fields the oracle does not model.
type Trace struct {
	BlockNumber uint64
	TxHash      common.Hash
	From        common.Address
	To          common.Address
	Raw         json.RawMessage
}
