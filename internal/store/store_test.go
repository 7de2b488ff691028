package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/chainprice/chainprice/internal/config"
	"github.com/chainprice/chainprice/internal/eth"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := OpenMemory(context.Background(), 1)
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestInternNormalization(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	a, err := st.HashID(ctx, "0xAbCdEf0000000000000000000000000000000001")
	if err != nil {
		t.Fatal(err)
	}
	b, err := st.HashID(ctx, "0xabcdef0000000000000000000000000000000001")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("case variants interned to different ids: %d vs %d", a, b)
	}
	c, err := st.HashID(ctx, "abcdef0000000000000000000000000000000001")
	if err != nil {
		t.Fatal(err)
	}
	if a != c {
		t.Fatalf("prefix variants interned to different ids: %d vs %d", a, c)
	}
}

func mkLog(block uint64, tx byte, index uint32, topic0 byte) eth.Log {
	return eth.Log{
		Address:     common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Topics:      []common.Hash{common.BytesToHash([]byte{topic0})},
		Data:        []byte{0x01, 0x02},
		BlockNumber: block,
		TxHash:      common.BytesToHash([]byte{tx}),
		Index:       index,
	}
}

func TestInsertSelectLogs(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	logs := []eth.Log{
		mkLog(20, 2, 0, 1),
		mkLog(10, 1, 1, 1),
		mkLog(10, 1, 0, 2),
	}
	if err := st.InsertLogs(ctx, logs); err != nil {
		t.Fatal(err)
	}
	// Re-insert is a no-op under insert-or-ignore.
	if err := st.InsertLogs(ctx, logs); err != nil {
		t.Fatal(err)
	}
	got, err := st.SelectLogs(ctx, nil, nil, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d logs, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].BlockNumber < got[i-1].BlockNumber {
			t.Fatal("logs not ordered by block")
		}
	}
	if got[0].BlockNumber != 10 || got[2].BlockNumber != 20 {
		t.Fatalf("order wrong: %d..%d", got[0].BlockNumber, got[2].BlockNumber)
	}
	// Round trip preserves payload.
	if got[2].Data[0] != 0x01 || len(got[2].Topics) != 1 {
		t.Fatal("payload mangled in round trip")
	}

	// Topic filter.
	only2, err := st.SelectLogs(ctx, nil, [][]common.Hash{{common.BytesToHash([]byte{2})}}, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(only2) != 1 || only2[0].Index != 0 {
		t.Fatalf("topic filter returned %d logs", len(only2))
	}
	// Address filter that matches nothing.
	none, err := st.SelectLogs(ctx, []common.Address{common.HexToAddress("0xbb")}, nil, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("unexpected logs for unknown address: %d", len(none))
	}
	// Block range bound.
	low, err := st.SelectLogs(ctx, nil, nil, 0, 15)
	if err != nil {
		t.Fatal(err)
	}
	if len(low) != 2 {
		t.Fatalf("range filter returned %d logs, want 2", len(low))
	}
}

func TestInsertLogsRequiresTopic0(t *testing.T) {
	st := openTest(t)
	l := mkLog(1, 1, 0, 1)
	l.Topics = nil
	if err := st.InsertLogs(context.Background(), []eth.Log{l}); err == nil {
		t.Fatal("anonymous log accepted")
	}
}

func TestMergeLogCacheInfoMonotonic(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	key := []byte(`[["0xaa"]]`)
	if err := st.MergeLogCacheInfo(ctx, "aa", key, 100, 200); err != nil {
		t.Fatal(err)
	}
	// Merging a narrower range must not shrink the cached span.
	if err := st.MergeLogCacheInfo(ctx, "aa", key, 150, 160); err != nil {
		t.Fatal(err)
	}
	cf, ct, ok, err := st.GetLogCacheInfo(ctx, "aa", key)
	if err != nil || !ok {
		t.Fatalf("cache info missing: %v", err)
	}
	if cf != 100 || ct != 200 {
		t.Fatalf("range = [%d,%d], want [100,200]", cf, ct)
	}
	// Extending both ends grows the union.
	if err := st.MergeLogCacheInfo(ctx, "aa", key, 50, 300); err != nil {
		t.Fatal(err)
	}
	cf, ct, _, _ = st.GetLogCacheInfo(ctx, "aa", key)
	if cf != 50 || ct != 300 {
		t.Fatalf("range = [%d,%d], want [50,300]", cf, ct)
	}
	// Distinct topic keys are independent.
	_, _, ok, err = st.GetLogCacheInfo(ctx, "aa", []byte(`null`))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("unrelated key returned a range")
	}
}

func TestBulkLiteral(t *testing.T) {
	st := openTest(t)
	cases := []struct {
		in   any
		want string
	}{
		{nil, "null"},
		{[]byte{0xde, 0xad}, "X'dead'"},
		{"o'brien", "'o''brien'"},
		{int64(-5), "-5"},
		{uint64(7), "7"},
		{decimal.RequireFromString("1.5"), "1.5"},
		{time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC), "'2021-03-04T05:06:07Z'"},
	}
	for _, c := range cases {
		got, err := st.literal(c.in)
		if err != nil {
			t.Errorf("literal(%v): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("literal(%v) = %s, want %s", c.in, got, c.want)
		}
	}
	if _, err := st.literal(struct{}{}); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("unknown type: err = %v, want ErrNotImplemented", err)
	}
}

func TestPricesRoundTrip(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	token := "0x00000000000000000000000000000000000000cc"
	p := decimal.RequireFromString("123.456789")
	if err := st.PutPrice(ctx, token, 1000, p); err != nil {
		t.Fatal(err)
	}
	got, ok, err := st.GetPrice(ctx, token, 1000)
	if err != nil || !ok {
		t.Fatalf("price missing: %v", err)
	}
	if !got.Equal(p) {
		t.Fatalf("price = %s, want %s", got, p)
	}
	// First write wins under insert-or-ignore.
	if err := st.PutPrice(ctx, token, 1000, decimal.NewFromInt(999)); err != nil {
		t.Fatal(err)
	}
	got, _, _ = st.GetPrice(ctx, token, 1000)
	if !got.Equal(p) {
		t.Fatalf("price overwritten to %s", got)
	}
	if _, ok, _ := st.GetPrice(ctx, token, 1001); ok {
		t.Fatal("price for wrong block")
	}
}

func TestTokenMeta(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	addr := "0x00000000000000000000000000000000000000dd"
	if err := st.SetTokenMeta(ctx, addr, "TKN", "Token", 18); err != nil {
		t.Fatal(err)
	}
	tok, ok, err := st.GetToken(ctx, addr)
	if err != nil || !ok {
		t.Fatalf("token missing: %v", err)
	}
	if tok.Decimals.Int32 != 18 || tok.Symbol.String != "TKN" {
		t.Fatalf("meta = %+v", tok)
	}
	// Bogus decimals (spam tokens return maxint) are rejected.
	if err := st.SetTokenMeta(ctx, addr, "X", "X", maxSaneDecimals); err == nil {
		t.Fatal("insane decimals accepted")
	}
	if err := st.SetBucket(ctx, addr, "uni-v2-lp"); err != nil {
		t.Fatal(err)
	}
	tok, _, _ = st.GetToken(ctx, addr)
	if tok.Bucket.String != "uni-v2-lp" {
		t.Fatalf("bucket = %q", tok.Bucket.String)
	}
	// Deploy block writes once.
	if err := st.SetDeployBlock(ctx, addr, 500); err != nil {
		t.Fatal(err)
	}
	if err := st.SetDeployBlock(ctx, addr, 999); err != nil {
		t.Fatal(err)
	}
	tok, _, _ = st.GetToken(ctx, addr)
	if tok.DeployBlock.Int64 != 500 {
		t.Fatalf("deploy block = %d, want 500 (first write wins)", tok.DeployBlock.Int64)
	}
}

func TestBlocksRoundTrip(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	ts := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := st.SetBlock(ctx, 14000000, "0xabc", ts); err != nil {
		t.Fatal(err)
	}
	got, ok, err := st.BlockTimestamp(ctx, 14000000)
	if err != nil || !ok {
		t.Fatalf("block missing: %v", err)
	}
	if !got.Equal(ts) {
		t.Fatalf("ts = %s, want %s", got, ts)
	}
	if err := st.SetBlockAtTimestamp(ctx, ts, 14000000); err != nil {
		t.Fatal(err)
	}
	b, ok, err := st.BlockAtTimestamp(ctx, ts)
	if err != nil || !ok {
		t.Fatalf("block-at-timestamp missing: %v", err)
	}
	if b != 14000000 {
		t.Fatalf("block = %d", b)
	}
}

func TestAdmin(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	token := "0x00000000000000000000000000000000000000ee"
	if err := st.PutPrice(ctx, token, 1, decimal.NewFromInt(2)); err != nil {
		t.Fatal(err)
	}
	counts, err := st.Info(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, tc := range counts {
		if tc.Table == "prices" && tc.Rows == 1 {
			found = true
		}
	}
	if !found {
		t.Fatal("db info missed the price row")
	}
	n, err := st.ClearToken(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("clear token deleted nothing")
	}
	if _, ok, _ := st.GetPrice(ctx, token, 1); ok {
		t.Fatal("price survived clear")
	}
	if err := st.PutPrice(ctx, token, 7, decimal.NewFromInt(2)); err != nil {
		t.Fatal(err)
	}
	if _, err := st.ClearBlock(ctx, 7); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := st.GetPrice(ctx, token, 7); ok {
		t.Fatal("price survived block clear")
	}
	if err := st.Nuke(ctx); err != nil {
		t.Fatal(err)
	}
	counts, _ = st.Info(ctx)
	for _, tc := range counts {
		if tc.Table == "prices" && tc.Rows != 0 {
			t.Fatal("nuke left price rows")
		}
	}
}

func TestRebindDialect(t *testing.T) {
	st := openTest(t)
	if got := st.rebind("a = ? AND b = ?"); got != "a = ? AND b = ?" {
		t.Fatalf("embedded rebind altered query: %s", got)
	}
}

func TestTraceCacheInfo(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	toKey, fromKey := []byte(`["0xaa"]`), []byte(`null`)
	if err := st.MergeTraceCacheInfo(ctx, toKey, fromKey, 10, 20); err != nil {
		t.Fatal(err)
	}
	if err := st.MergeTraceCacheInfo(ctx, toKey, fromKey, 15, 40); err != nil {
		t.Fatal(err)
	}
	cf, ct, ok, err := st.GetTraceCacheInfo(ctx, toKey, fromKey)
	if err != nil || !ok {
		t.Fatalf("trace cache info missing: %v", err)
	}
	if cf != 10 || ct != 40 {
		t.Fatalf("range = [%d,%d], want [10,40]", cf, ct)
	}
}

func TestSchemaDriftDetected(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chainprice.db")
	cfg := config.Config{ChainID: 1, DBProvider: config.ProviderEmbedded, SQLitePath: path}
	st, err := Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	// Drift the file as a stale build would have left it.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`ALTER TABLE prices RENAME COLUMN price TO price_usd`); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	_, err = Open(ctx, cfg)
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("reopen err = %v, want ErrSchemaMismatch", err)
	}
	// The message must name the table, the column and the remediation.
	for _, frag := range []string{"prices", "price", "delete the DB file"} {
		if !strings.Contains(err.Error(), frag) {
			t.Fatalf("error %q does not mention %q", err, frag)
		}
	}
}
