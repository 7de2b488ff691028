package price

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/chainprice/chainprice/internal/eth/ethtest"
)

// stubRecurser prices tokens from a fixed table.
type stubRecurser map[common.Address]decimal.Decimal

func (r stubRecurser) Recurse(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	p, ok := r[token]
	return p, ok, nil
}

func TestWeiBalanceAdd(t *testing.T) {
	a := WeiBalance{Token: USDC, Balance: decimal.RequireFromString("1.5")}
	b := WeiBalance{Token: USDC, Balance: decimal.RequireFromString("2.25")}
	sum := a.Add(b)
	if sum.Token != USDC {
		t.Fatalf("token = %s", sum.Token.Hex())
	}
	if !sum.Balance.Equal(decimal.RequireFromString("3.75")) {
		t.Fatalf("sum = %s, want 3.75", sum.Balance)
	}
	// The receiver's balance must contribute; a drop here halves every pool TVL.
	if !a.Add(WeiBalance{Token: USDC}).Balance.Equal(a.Balance) {
		t.Fatal("Add lost the receiver's balance")
	}
}

// scriptPool wires a full v2 pool: reserves, both sides, LP supply.
func scriptPool(m *ethtest.Mock, pool, token0, token1 common.Address, r0, r1, supply []byte) {
	reserves := append(append(append([]byte{}, r0...), r1...), ret(1_600_000_000)...)
	m.Script(pool, "getReserves()", 0, reserves)
	m.Script(pool, "token0()", 0, retAddr(token0))
	m.Script(pool, "token1()", 0, retAddr(token1))
	m.Script(pool, "totalSupply()", 0, supply)
}

func TestLPPriceTVLOverSupply(t *testing.T) {
	mock := ethtest.New()
	mock.Head = 1000
	pool := common.HexToAddress("0x0000000000000000000000000000000000000021")
	// 1000 USDC + 2000 DAI backing 1500 LP shares.
	scriptPool(mock, pool, USDC, DAI, retBig(1000, 6), retBig(2000, 18), retBig(1500, 18))
	mock.Script(USDC, "decimals()", 0, ret(6))
	mock.Script(DAI, "decimals()", 0, ret(18))
	st := openStore(t)
	s := NewUniswapV2(mock, NewERC20(mock, st), stubRecurser{USDC: one, DAI: one})
	p, ok, err := s.Price(context.Background(), pool, 500, Opts{})
	if err != nil || !ok {
		t.Fatalf("lp price: %v", err)
	}
	if !p.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("lp = %s, want (1000+2000)/1500 = 2", p)
	}
}

func TestLPPriceExtrapolatesSingleSide(t *testing.T) {
	mock := ethtest.New()
	mock.Head = 1000
	pool := common.HexToAddress("0x0000000000000000000000000000000000000022")
	odd := common.HexToAddress("0x0000000000000000000000000000000000000023")
	scriptPool(mock, pool, USDC, odd, retBig(750, 6), retBig(999, 18), retBig(1000, 18))
	mock.Script(USDC, "decimals()", 0, ret(6))
	mock.Script(odd, "decimals()", 0, ret(18))
	st := openStore(t)
	// Only USDC is priceable; the pool value doubles the known side.
	s := NewUniswapV2(mock, NewERC20(mock, st), stubRecurser{USDC: one})
	p, ok, err := s.Price(context.Background(), pool, 500, Opts{})
	if err != nil || !ok {
		t.Fatalf("lp price: %v", err)
	}
	if !p.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("lp = %s, want 2*750/1000 = 1.5", p)
	}
}

func TestLPPriceZeroSupply(t *testing.T) {
	mock := ethtest.New()
	mock.Head = 1000
	pool := common.HexToAddress("0x0000000000000000000000000000000000000024")
	scriptPool(mock, pool, USDC, DAI, retBig(10, 6), retBig(10, 18), ret(0))
	mock.Script(USDC, "decimals()", 0, ret(6))
	mock.Script(DAI, "decimals()", 0, ret(18))
	st := openStore(t)
	s := NewUniswapV2(mock, NewERC20(mock, st), stubRecurser{USDC: one, DAI: one})
	_, ok, err := s.Price(context.Background(), pool, 500, Opts{})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("empty pool produced a price")
	}
}

func TestMatchesNonPool(t *testing.T) {
	mock := ethtest.New()
	mock.Head = 1000
	st := openStore(t)
	s := NewUniswapV2(mock, NewERC20(mock, st), stubRecurser{})
	ok, err := s.Matches(context.Background(), common.HexToAddress("0x0000000000000000000000000000000000000025"))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("token without getReserves matched as a pool")
	}
}

func TestTokenPricePrefersStablePool(t *testing.T) {
	mock := ethtest.New()
	mock.Head = 1000
	token := common.HexToAddress("0x0000000000000000000000000000000000000031")
	deep := common.HexToAddress("0x0000000000000000000000000000000000000032") // volatile, very deep
	stablePool := common.HexToAddress("0x0000000000000000000000000000000000000033")
	deepPool := common.HexToAddress("0x0000000000000000000000000000000000000034")
	// Stable pool quotes 2 USDC per token; the deeper volatile pool quotes 300.
	scriptPool(mock, stablePool, token, USDC, retBig(100, 18), retBig(200, 6), retBig(1, 18))
	scriptPool(mock, deepPool, token, deep, retBig(100, 18), retBig(10, 18), retBig(1, 18))
	mock.Script(token, "decimals()", 0, ret(18))
	mock.Script(deep, "decimals()", 0, ret(18))
	mock.Script(USDC, "decimals()", 0, ret(6))
	st := openStore(t)
	s := NewUniswapV2(mock, NewERC20(mock, st), stubRecurser{USDC: one, deep: decimal.NewFromInt(3000)})
	s.pools[token] = []common.Address{deepPool, stablePool}

	p, ok, err := s.TokenPrice(context.Background(), token, 500, Opts{})
	if err != nil || !ok {
		t.Fatalf("token price: %v", err)
	}
	if !p.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("price = %s, want the stable pool's 2", p)
	}

	// Excluding the stable pool falls back to the volatile one.
	p, ok, err = s.TokenPrice(context.Background(), token, 500, Opts{}.WithoutPool(stablePool))
	if err != nil || !ok {
		t.Fatalf("token price sans stable pool: %v", err)
	}
	if !p.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("price = %s, want 0.1 * 3000 = 300", p)
	}
}

func TestTokenPriceNoPools(t *testing.T) {
	mock := ethtest.New()
	mock.Head = 1000
	st := openStore(t)
	s := NewUniswapV2(mock, NewERC20(mock, st), stubRecurser{})
	_, ok, err := s.TokenPrice(context.Background(), common.HexToAddress("0x0000000000000000000000000000000000000035"), 500, Opts{})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("undiscovered token produced a quote")
	}
}
