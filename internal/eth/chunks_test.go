package eth

import (
	"errors"
	"testing"
)

func TestDefaultChunkSize(t *testing.T) {
	cases := []struct {
		endpoint string
		chainID  uint64
		override int
		want     uint64
	}{
		{"https://site-a.gateway.pokt.network/v1/abc", 1, 0, 2_000},
		{"https://deep-index.moralis.io/api", 1, 0, 2_000},
		{"https://rpc.ankr.com/eth", 1, 0, 2_000},
		{"https://mainnet.gateway.tenderly.co", 1, 0, 2_000},
		{"http://localhost:8545", 10, 0, 800_000},
		{"http://localhost:8545", 42161, 0, 200_000},
		{"http://localhost:8545", 56, 0, 5_000},
		{"http://localhost:8545", 1, 0, 10_000},
		{"https://rpc.ankr.com/eth", 1, 123, 123}, // override beats provider
	}
	for _, c := range cases {
		if got := DefaultChunkSize(c.endpoint, c.chainID, c.override); got != c.want {
			t.Errorf("DefaultChunkSize(%q, %d, %d) = %d, want %d",
				c.endpoint, c.chainID, c.override, got, c.want)
		}
	}
}

func TestErrorClassifiers(t *testing.T) {
	if !IsRevert(errors.New("rpc 3: execution reverted")) {
		t.Error("execution reverted not classified as revert")
	}
	if !IsRevert(errors.New("rpc 3: UniswapV2: INSUFFICIENT_LIQUIDITY")) {
		t.Error("pair error not classified as revert")
	}
	if IsRevert(errors.New("connection refused")) {
		t.Error("transport error misclassified as revert")
	}
	if !IsMissingState(errors.New("missing trie node deadbeef")) {
		t.Error("pruned state not classified")
	}
	if !IsBlockNotFound(errors.New("One of the blocks specified in filter ...")) {
		t.Error("filter block error not classified")
	}
	if IsMissingState(nil) || IsRevert(nil) || IsBlockNotFound(nil) {
		t.Error("nil error classified")
	}
}
