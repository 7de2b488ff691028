package blocks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainprice/chainprice/internal/eth"
	"github.com/chainprice/chainprice/internal/eth/ethtest"
	"github.com/chainprice/chainprice/internal/store"
)

func newService(t *testing.T, head uint64) (*Service, *ethtest.Mock) {
	t.Helper()
	st, err := store.OpenMemory(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	mock := ethtest.New()
	mock.Head = head
	return NewService(st, mock, time.Minute), mock
}

func TestTimestampMemoized(t *testing.T) {
	s, mock := newService(t, 1000)
	ctx := context.Background()
	ts, err := s.Timestamp(ctx, 500)
	if err != nil {
		t.Fatal(err)
	}
	// Mock cadence: 1_600_000_000 + n*12.
	if ts.Unix() != 1_600_000_000+500*12 {
		t.Fatalf("ts = %d", ts.Unix())
	}
	before := mock.Count("eth_getBlockByNumber")
	if _, err := s.Timestamp(ctx, 500); err != nil {
		t.Fatal(err)
	}
	if mock.Count("eth_getBlockByNumber") != before {
		t.Fatal("memoized timestamp refetched the header")
	}
}

func TestClosestBlockAfterTimestamp(t *testing.T) {
	s, mock := newService(t, 1_000_000)
	ctx := context.Background()
	target := time.Unix(1_600_000_000+123_456*12, 0).UTC()
	got, err := s.ClosestBlockAfterTimestamp(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	if got != 123_456 {
		t.Fatalf("block = %d, want 123456", got)
	}
	// Binary search over 1M blocks stays logarithmic.
	if n := mock.Count("eth_getBlockByNumber"); n > 40 {
		t.Fatalf("search used %d header fetches", n)
	}
	// Second call is served from the store.
	before := mock.Count("eth_getBlockByNumber")
	if _, err := s.ClosestBlockAfterTimestamp(ctx, target); err != nil {
		t.Fatal(err)
	}
	if mock.Count("eth_getBlockByNumber") != before {
		t.Fatal("persisted result re-searched")
	}
}

func TestClosestBlockTimestampBetweenBlocks(t *testing.T) {
	s, _ := newService(t, 10_000)
	// A timestamp 1s past block 100 lands on block 101.
	target := time.Unix(1_600_000_000+100*12+1, 0).UTC()
	got, err := s.ClosestBlockAfterTimestamp(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}
	if got != 101 {
		t.Fatalf("block = %d, want 101", got)
	}
}

func TestContractCreationBlock(t *testing.T) {
	s, mock := newService(t, 1_000_000)
	addr := common.HexToAddress("0x00000000000000000000000000000000000000c7")
	mock.Code[addr] = 777_777
	got, err := s.ContractCreationBlock(context.Background(), addr, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != 777_777 {
		t.Fatalf("creation block = %d, want 777777", got)
	}
	if n := mock.Count("eth_getCode"); n > 40 {
		t.Fatalf("bisection used %d eth_getCode calls", n)
	}
	// Persisted: the next lookup skips RPC entirely.
	before := mock.Count("eth_getCode")
	if _, err := s.ContractCreationBlock(context.Background(), addr, false); err != nil {
		t.Fatal(err)
	}
	if mock.Count("eth_getCode") != before {
		t.Fatal("deploy block re-bisected after persist")
	}
}

func TestContractCreationBlockViaExplorer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"1","result":[{"blockNumber":"4242"}]}`))
	}))
	defer srv.Close()
	s, mock := newService(t, 1_000_000)
	s.AttachExplorer(eth.NewExplorer(srv.URL, "key"))
	addr := common.HexToAddress("0x00000000000000000000000000000000000000c8")
	got, err := s.ContractCreationBlock(context.Background(), addr, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != 4242 {
		t.Fatalf("creation block = %d, want the explorer's 4242", got)
	}
	if n := mock.Count("eth_getCode"); n != 0 {
		t.Fatalf("explorer answer still bisected: %d eth_getCode calls", n)
	}
}

func TestContractCreationBlockExplorerMissFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"0","result":[]}`))
	}))
	defer srv.Close()
	s, mock := newService(t, 1_000_000)
	s.AttachExplorer(eth.NewExplorer(srv.URL, "key"))
	addr := common.HexToAddress("0x00000000000000000000000000000000000000c9")
	mock.Code[addr] = 555_555
	got, err := s.ContractCreationBlock(context.Background(), addr, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != 555_555 {
		t.Fatalf("creation block = %d, want bisected 555555", got)
	}
}

func TestContractCreationBlockNoCode(t *testing.T) {
	s, _ := newService(t, 100)
	if _, err := s.ContractCreationBlock(context.Background(), common.HexToAddress("0xdead"), false); err == nil {
		t.Fatal("EOA accepted as contract")
	}
}
