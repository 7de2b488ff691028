package price

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/chainprice/chainprice/internal/eth"
)

// curveAddressProvider is the immutable entry point; the live registry is
// resolved through it once per process.
var curveAddressProvider = common.HexToAddress("0x0000000022D53366457F9d5E68Ec105046FC4383")

// Curve prices LP tokens as sum(balance_i * price(coin_i)) / totalSupply,
// with the pool's own price_oracle as a shortcut for two-coin crypto pools.
type Curve struct {
	client eth.Client
	erc20  *ERC20
	rec    Recurser
	match  *matchMemo

	mu       sync.Mutex
	registry common.Address
}

func NewCurve(client eth.Client, erc20 *ERC20, rec Recurser) *Curve {
	return &Curve{client: client, erc20: erc20, rec: rec, match: newMatchMemo("curve")}
}

func (s *Curve) Name() string   { return "curve" }
func (s *Curve) Bucket() Bucket { return BucketCurveLP }

func (s *Curve) registryAddr(ctx context.Context, block uint64) (common.Address, bool, error) {
	s.mu.Lock()
	cached := s.registry
	s.mu.Unlock()
	if cached != (common.Address{}) {
		return cached, true, nil
	}
	ret, ok, err := probeCall(ctx, s.client, curveAddressProvider, eth.Call("get_registry()"), block)
	if err != nil || !ok {
		return common.Address{}, false, err
	}
	reg, err := eth.DecodeAddress(ret, 0)
	if err != nil {
		return common.Address{}, false, err
	}
	if reg == (common.Address{}) {
		return common.Address{}, false, nil
	}
	s.mu.Lock()
	s.registry = reg
	s.mu.Unlock()
	return reg, true, nil
}

func (s *Curve) poolForLP(ctx context.Context, token common.Address, block uint64) (common.Address, bool, error) {
	reg, ok, err := s.registryAddr(ctx, block)
	if err != nil || !ok {
		return common.Address{}, false, err
	}
	ret, ok, err := probeCall(ctx, s.client, reg, eth.Call("get_pool_from_lp_token(address)", token), block)
	if err != nil || !ok {
		return common.Address{}, false, err
	}
	pool, err := eth.DecodeAddress(ret, 0)
	if err != nil {
		return common.Address{}, false, err
	}
	return pool, pool != (common.Address{}), nil
}

func (s *Curve) Matches(ctx context.Context, token common.Address) (bool, error) {
	return s.match.do(ctx, token, func(ctx context.Context) (bool, error) {
		head, err := s.client.BlockNumber(ctx)
		if err != nil {
			return false, err
		}
		_, ok, err := s.poolForLP(ctx, token, head)
		return ok, err
	})
}

func (s *Curve) Price(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	pool, ok, err := s.poolForLP(ctx, token, block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	coins, balances, err := s.poolState(ctx, pool, block)
	if err != nil {
		return decimal.Zero, false, err
	}
	if len(coins) == 0 {
		return decimal.Zero, false, nil
	}
	supply, ok, err := s.erc20.TotalSupply(ctx, token, block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	if supply.IsZero() {
		return decimal.Zero, false, nil
	}
	supplyDec := toDecimal(supply, 18)
	// Two-coin crypto pools publish a manipulation-resistant internal oracle;
	// value the pool off coin 0 and the oracle's coin1/coin0 rate.
	if len(coins) == 2 {
		if p, ok, err := s.cryptoPoolPrice(ctx, pool, coins, balances, supplyDec, block, opts); err != nil {
			return decimal.Zero, false, err
		} else if ok {
			return p, true, nil
		}
	}
	inner := opts.WithoutPool(pool)
	var total decimal.Decimal
	for i, coin := range coins {
		if coin == EEESentinel {
			coin = WrappedGasCoin
		}
		dec, ok, err := s.erc20.Decimals(ctx, coin, block)
		if err != nil {
			return decimal.Zero, false, err
		}
		if !ok {
			dec = 18
		}
		p, ok, err := s.rec.Recurse(ctx, coin, block, inner)
		if err != nil {
			return decimal.Zero, false, err
		}
		if !ok {
			return decimal.Zero, false, nil
		}
		total = total.Add(balances[i].scaled(dec).Mul(p))
	}
	return total.Div(supplyDec), true, nil
}

type rawBalance struct{ v decimal.Decimal }

func (b rawBalance) scaled(dec int64) decimal.Decimal { return b.v.Shift(-int32(dec)) }

// poolState returns the pool's non-zero coins and their raw balances from the
// registry's fixed 8-slot arrays.
func (s *Curve) poolState(ctx context.Context, pool common.Address, block uint64) ([]common.Address, []rawBalance, error) {
	reg, ok, err := s.registryAddr(ctx, block)
	if err != nil || !ok {
		return nil, nil, err
	}
	coinsRet, ok, err := probeCall(ctx, s.client, reg, eth.Call("get_coins(address)", pool), block)
	if err != nil || !ok {
		return nil, nil, err
	}
	balRet, ok, err := probeCall(ctx, s.client, reg, eth.Call("get_balances(address)", pool), block)
	if err != nil || !ok {
		return nil, nil, err
	}
	var (
		coins    []common.Address
		balances []rawBalance
	)
	for i := 0; i < 8; i++ {
		coin, err := eth.DecodeAddress(coinsRet, i)
		if err != nil {
			break
		}
		if coin == (common.Address{}) {
			break
		}
		bal, err := eth.DecodeUint256(balRet, i)
		if err != nil {
			return nil, nil, err
		}
		coins = append(coins, coin)
		balances = append(balances, rawBalance{decimal.NewFromBigInt(bal.ToBig(), 0)})
	}
	return coins, balances, nil
}

func (s *Curve) cryptoPoolPrice(ctx context.Context, pool common.Address, coins []common.Address, balances []rawBalance, supply decimal.Decimal, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	ret, ok, err := probeCall(ctx, s.client, pool, eth.Call("price_oracle()"), block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	rate, err := eth.DecodeUint256(ret, 0)
	if err != nil {
		return decimal.Zero, false, err
	}
	base := coins[0]
	if base == EEESentinel {
		base = WrappedGasCoin
	}
	basePrice, ok, err := s.rec.Recurse(ctx, base, block, opts.WithoutPool(pool))
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	dec0, ok, err := s.erc20.Decimals(ctx, base, block)
	if err != nil {
		return decimal.Zero, false, err
	}
	if !ok {
		dec0 = 18
	}
	coin1 := coins[1]
	if coin1 == EEESentinel {
		coin1 = WrappedGasCoin
	}
	dec1, ok, err := s.erc20.Decimals(ctx, coin1, block)
	if err != nil {
		return decimal.Zero, false, err
	}
	if !ok {
		dec1 = 18
	}
	// TVL in coin0 terms: bal0 + bal1 * rate(1e18), then into USD.
	tvl0 := balances[0].scaled(dec0).Add(balances[1].scaled(dec1).Mul(toDecimal(rate, 18)))
	return tvl0.Mul(basePrice).Div(supply), true, nil
}
