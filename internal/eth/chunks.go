package eth

import "strings"

// Provider-specific eth_getLogs range limits. Hosted gateways cap ranges hard;
// chains with fast blocks tolerate much wider spans.
var providerChunks = map[string]uint64{
	"moralis":  2_000,
	"pokt":     2_000,
	"tenderly": 2_000,
	"ankr":     2_000,
}

var chainChunks = map[uint64]uint64{
	10:    800_000, // Optimism
	56:    5_000,
	137:   5_000,
	42161: 200_000,
}

const defaultChunkSize = 10_000

// DefaultChunkSize picks the eth_getLogs chunk width for an endpoint/chain
// pair. override (GETLOGS_BATCH_SIZE) wins when > 0.
func DefaultChunkSize(endpoint string, chainID uint64, override int) uint64 {
	if override > 0 {
		return uint64(override)
	}
	for marker, size := range providerChunks {
		if strings.Contains(endpoint, marker) {
			return size
		}
	}
	if size, ok := chainChunks[chainID]; ok {
		return size
	}
	return defaultChunkSize
}
