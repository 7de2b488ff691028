package filter

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainprice/chainprice/internal/eth"
	"github.com/chainprice/chainprice/internal/store"
)

// ErrNotPopulated signals that the requested range is not fully covered by
// cache metadata; the caller widens the filter instead.
var ErrNotPopulated = errors.New("cache not populated for range")

// DiskCache is the persistence view a Filter owns: stored rows plus the
// per-key [cachedFrom, cachedThru] metadata.
type DiskCache[T any] interface {
	// IsCachedThru returns the max block covered for every configured key
	// with cachedFrom <= fromBlock, or 0.
	IsCachedThru(ctx context.Context, fromBlock uint64) (uint64, error)
	// Select returns stored rows in [from, to] in canonical order.
	Select(ctx context.Context, from, to uint64) ([]T, error)
	// CheckAndSelect is Select guarded by IsCachedThru.
	CheckAndSelect(ctx context.Context, from, to uint64) ([]T, error)
	// Insert bulk-writes one fetched chunk.
	Insert(ctx context.Context, chunk []T) error
	// SetMetadata union-merges [from, thru] into every configured key.
	SetMetadata(ctx context.Context, from, thru uint64) error
}

func normTopic(h common.Hash) string {
	return strings.ToLower(strings.TrimPrefix(h.Hex(), "0x"))
}

func topicsJSON(topics [][]common.Hash) []byte {
	if len(topics) == 0 {
		return []byte("null")
	}
	tiers := make([][]string, len(topics))
	for i, tier := range topics {
		tiers[i] = make([]string, len(tier))
		for j, h := range tier {
			tiers[i][j] = normTopic(h)
		}
	}
	b, _ := json.Marshal(tiers)
	return b
}

func topic0JSON(topics [][]common.Hash) []byte {
	if len(topics) >= 1 && len(topics[0]) == 1 {
		b, _ := json.Marshal([]string{normTopic(topics[0][0])})
		return b
	}
	return nil
}

// LogCache keys log_cache_info rows by (address, topics). Address-less
// filters use the "None" sentinel.
type LogCache struct {
	st        *store.Store
	addresses []common.Address
	topics    [][]common.Hash
}

func NewLogCache(st *store.Store, addresses []common.Address, topics [][]common.Hash) *LogCache {
	return &LogCache{st: st, addresses: addresses, topics: topics}
}

func (c *LogCache) addressKeys() []string {
	if len(c.addresses) == 0 {
		return []string{store.NoAddressSentinel}
	}
	keys := make([]string, len(c.addresses))
	for i, a := range c.addresses {
		keys[i] = a.Hex()
	}
	return keys
}

// candidateTopicKeys lists the metadata rows that can satisfy this filter on
// read: the exact topics row, the [topic0] row when only topic0 is fixed, and
// the catch-all null row.
func (c *LogCache) candidateTopicKeys() [][]byte {
	keys := [][]byte{topicsJSON(c.topics)}
	if t0 := topic0JSON(c.topics); t0 != nil && string(t0) != string(keys[0]) {
		keys = append(keys, t0)
	}
	if string(keys[0]) != "null" {
		keys = append(keys, []byte("null"))
	}
	return keys
}

func (c *LogCache) IsCachedThru(ctx context.Context, fromBlock uint64) (uint64, error) {
	result := uint64(0)
	for _, addr := range c.addressKeys() {
		best := uint64(0)
		for _, tk := range c.candidateTopicKeys() {
			cf, ct, ok, err := c.st.GetLogCacheInfo(ctx, addr, tk)
			if err != nil {
				return 0, err
			}
			if ok && cf <= fromBlock && ct > best {
				best = ct
			}
		}
		if best == 0 {
			return 0, nil
		}
		if result == 0 || best < result {
			result = best
		}
	}
	return result, nil
}

func (c *LogCache) Select(ctx context.Context, from, to uint64) ([]eth.Log, error) {
	return c.st.SelectLogs(ctx, c.addresses, c.topics, from, to)
}

func (c *LogCache) CheckAndSelect(ctx context.Context, from, to uint64) ([]eth.Log, error) {
	thru, err := c.IsCachedThru(ctx, from)
	if err != nil {
		return nil, err
	}
	if thru < to {
		return nil, ErrNotPopulated
	}
	return c.Select(ctx, from, to)
}

func (c *LogCache) Insert(ctx context.Context, chunk []eth.Log) error {
	return c.st.InsertLogs(ctx, chunk)
}

func (c *LogCache) SetMetadata(ctx context.Context, from, thru uint64) error {
	tk := topicsJSON(c.topics)
	for _, addr := range c.addressKeys() {
		if err := c.st.MergeLogCacheInfo(ctx, addr, tk, from, thru); err != nil {
			return err
		}
	}
	return nil
}

// TraceCache keys trace_cache_info rows by the sorted to/from address sets,
// with asymmetric fallback: a row covering "any from" (or "any to") satisfies
// a more specific query.
type TraceCache struct {
	st      *store.Store
	toSet   []common.Address
	fromSet []common.Address
}

func NewTraceCache(st *store.Store, toSet, fromSet []common.Address) *TraceCache {
	return &TraceCache{st: st, toSet: toSet, fromSet: fromSet}
}

func addrSetJSON(set []common.Address) []byte {
	if len(set) == 0 {
		return []byte("null")
	}
	hexes := make([]string, len(set))
	for i, a := range set {
		hexes[i] = a.Hex()
	}
	sort.Strings(hexes)
	b, _ := json.Marshal(hexes)
	return b
}

func (c *TraceCache) keyPairs() [][2][]byte {
	toKey, fromKey := addrSetJSON(c.toSet), addrSetJSON(c.fromSet)
	pairs := [][2][]byte{{toKey, fromKey}}
	if string(fromKey) != "null" {
		pairs = append(pairs, [2][]byte{toKey, []byte("null")})
	}
	if string(toKey) != "null" {
		pairs = append(pairs, [2][]byte{[]byte("null"), fromKey})
	}
	return pairs
}

func (c *TraceCache) IsCachedThru(ctx context.Context, fromBlock uint64) (uint64, error) {
	best := uint64(0)
	for _, pair := range c.keyPairs() {
		cf, ct, ok, err := c.st.GetTraceCacheInfo(ctx, pair[0], pair[1])
		if err != nil {
			return 0, err
		}
		if ok && cf <= fromBlock && ct > best {
			best = ct
		}
	}
	return best, nil
}

func (c *TraceCache) Select(ctx context.Context, from, to uint64) ([]eth.Trace, error) {
	return c.st.SelectTraces(ctx, c.toSet, c.fromSet, from, to)
}

func (c *TraceCache) CheckAndSelect(ctx context.Context, from, to uint64) ([]eth.Trace, error) {
	thru, err := c.IsCachedThru(ctx, from)
	if err != nil {
		return nil, err
	}
	if thru < to {
		return nil, ErrNotPopulated
	}
	return c.Select(ctx, from, to)
}

func (c *TraceCache) Insert(ctx context.Context, chunk []eth.Trace) error {
	return c.st.InsertTraces(ctx, chunk)
}

func (c *TraceCache) SetMetadata(ctx context.Context, from, thru uint64) error {
	return c.st.MergeTraceCacheInfo(ctx, addrSetJSON(c.toSet), addrSetJSON(c.fromSet), from, thru)
}
