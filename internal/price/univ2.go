package price

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/chainprice/chainprice/internal/eth"
	"github.com/chainprice/chainprice/internal/filter"
	"github.com/chainprice/chainprice/internal/logging"
)

// PairCreatedTopic is keccak("PairCreated(address,address,address,uint256)").
var PairCreatedTopic = common.BytesToHash(crypto.Keccak256([]byte("PairCreated(address,address,address,uint256)")))

// knownV2Factories seeds the factory set; factories observed at runtime are
// added and logged as a user-addressable anomaly.
var knownV2Factories = []common.Address{
	common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f"), // Uniswap V2
	common.HexToAddress("0xC0AEe478e3658e2610c5F7A4A2E1777cE9e4f2Ac"), // SushiSwap
}

// WeiBalance pairs a raw balance with its token for pool TVL sums.
type WeiBalance struct {
	Token   common.Address
	Balance decimal.Decimal // already scaled by the token's decimals
}

// Add sums two balances of the same token.
func (b WeiBalance) Add(o WeiBalance) WeiBalance {
	return WeiBalance{Token: b.Token, Balance: b.Balance.Add(o.Balance)}
}

type v2Pool struct {
	addr     common.Address
	token0   common.Address
	token1   common.Address
	reserve0 *uint256.Int
	reserve1 *uint256.Int
	supply   *uint256.Int
}

// UniswapV2 prices LP tokens by TVL/supply and plain tokens by quoting
// through the deepest priceable pool across all known factories.
type UniswapV2 struct {
	client eth.Client
	erc20  *ERC20
	rec    Recurser
	match  *matchMemo

	mu        sync.Mutex
	factories map[common.Address]struct{}
	pools     map[common.Address][]common.Address // token -> pools containing it
	pairs     *filter.LogFilter
}

func NewUniswapV2(client eth.Client, erc20 *ERC20, rec Recurser) *UniswapV2 {
	s := &UniswapV2{
		client:    client,
		erc20:     erc20,
		rec:       rec,
		match:     newMatchMemo("univ2"),
		factories: make(map[common.Address]struct{}),
		pools:     make(map[common.Address][]common.Address),
	}
	for _, f := range knownV2Factories {
		s.factories[f] = struct{}{}
	}
	return s
}

// AttachPairFilter consumes PairCreated events so pool discovery is served
// from the disk cache instead of per-query factory scans.
func (s *UniswapV2) AttachPairFilter(ctx context.Context, f *filter.LogFilter) {
	s.mu.Lock()
	s.pairs = f
	s.mu.Unlock()
	go func() {
		it := f.Objects(0)
		for it.Next(ctx) {
			l := it.Value()
			if len(l.Topics) < 3 || len(l.Data) < 32 {
				continue
			}
			token0 := common.BytesToAddress(l.Topics[1][12:])
			token1 := common.BytesToAddress(l.Topics[2][12:])
			pool := common.BytesToAddress(l.Data[12:32])
			s.mu.Lock()
			if _, known := s.factories[l.Address]; !known {
				s.factories[l.Address] = struct{}{}
				logging.Logger().Warn("unknown uniswap-v2 factory observed; add it to the known set",
					"factory", l.Address.Hex())
			}
			s.pools[token0] = append(s.pools[token0], pool)
			s.pools[token1] = append(s.pools[token1], pool)
			s.mu.Unlock()
		}
		if err := it.Err(); err != nil {
			logging.Logger().Warn("pair filter consumer stopped", "err", err.Error())
		}
	}()
}

func (s *UniswapV2) Name() string   { return "uniswap-v2" }
func (s *UniswapV2) Bucket() Bucket { return BucketUniV2LP }

// Matches: a pool is valid iff getReserves, token0, token1 and totalSupply
// all succeed.
func (s *UniswapV2) Matches(ctx context.Context, token common.Address) (bool, error) {
	return s.match.do(ctx, token, func(ctx context.Context) (bool, error) {
		p, ok, err := s.loadPool(ctx, token, 0)
		return ok && p != nil, err
	})
}

func (s *UniswapV2) loadPool(ctx context.Context, addr common.Address, block uint64) (*v2Pool, bool, error) {
	if block == 0 {
		head, err := s.client.BlockNumber(ctx)
		if err != nil {
			return nil, false, err
		}
		block = head
	}
	ret, ok, err := probeCall(ctx, s.client, addr, eth.Call("getReserves()"), block)
	if err != nil || !ok {
		return nil, false, err
	}
	r0, err := eth.DecodeUint256(ret, 0)
	if err != nil {
		return nil, false, err
	}
	r1, err := eth.DecodeUint256(ret, 1)
	if err != nil {
		return nil, false, err
	}
	p := &v2Pool{addr: addr, reserve0: r0, reserve1: r1}
	for i, sig := range []string{"token0()", "token1()"} {
		ret, ok, err := probeCall(ctx, s.client, addr, eth.Call(sig), block)
		if err != nil || !ok {
			return nil, false, err
		}
		t, err := eth.DecodeAddress(ret, 0)
		if err != nil {
			return nil, false, err
		}
		if i == 0 {
			p.token0 = t
		} else {
			p.token1 = t
		}
	}
	supply, ok, err := s.erc20.TotalSupply(ctx, addr, block)
	if err != nil || !ok {
		return nil, false, err
	}
	p.supply = supply
	return p, true, nil
}

// Price prices token as an LP share: TVL / totalSupply. If only one side is
// priceable the pool value extrapolates to 2x the known side.
func (s *UniswapV2) Price(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	pool, ok, err := s.loadPool(ctx, token, block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	if pool.supply.IsZero() {
		return decimal.Zero, false, nil
	}
	tvl, ok, err := s.poolTVL(ctx, pool, block, opts)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	supply := toDecimal(pool.supply, 18)
	if supply.IsZero() {
		return decimal.Zero, false, nil
	}
	return tvl.Div(supply), true, nil
}

func (s *UniswapV2) poolTVL(ctx context.Context, pool *v2Pool, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	sides := []struct {
		token   common.Address
		reserve *uint256.Int
	}{{pool.token0, pool.reserve0}, {pool.token1, pool.reserve1}}
	var (
		total  decimal.Decimal
		priced int
	)
	inner := opts.WithoutPool(pool.addr)
	for _, side := range sides {
		dec, ok, err := s.erc20.Decimals(ctx, side.token, block)
		if err != nil {
			return decimal.Zero, false, err
		}
		if !ok {
			continue
		}
		p, ok, err := s.rec.Recurse(ctx, side.token, block, inner)
		if err != nil {
			return decimal.Zero, false, err
		}
		if !ok {
			continue
		}
		total = total.Add(toDecimal(side.reserve, dec).Mul(p))
		priced++
	}
	switch priced {
	case 0:
		return decimal.Zero, false, nil
	case 1:
		// Extrapolate: value_both = 2 x value_known.
		return total.Mul(decimal.NewFromInt(2)), true, nil
	default:
		return total, true, nil
	}
}

// TokenPrice derives a plain token's price by quoting 1*scale through the
// deepest pool whose other side is priceable, preferring stable pools.
func (s *UniswapV2) TokenPrice(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	pool, paired, ok, err := s.deepestPool(ctx, token, block, opts)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	decIn, ok, err := s.erc20.Decimals(ctx, token, block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	decOut, ok, err := s.erc20.Decimals(ctx, paired, block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	pairedPrice, ok, err := s.rec.Recurse(ctx, paired, block, opts.WithoutPool(pool.addr))
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	// Spot quote from reserves: out = in * reserveOut / reserveIn.
	rIn, rOut := pool.reserve0, pool.reserve1
	if token == pool.token1 {
		rIn, rOut = pool.reserve1, pool.reserve0
	}
	if rIn.IsZero() {
		return decimal.Zero, false, nil
	}
	quote := toDecimal(rOut, decOut).Div(toDecimal(rIn, decIn))
	return quote.Mul(pairedPrice), true, nil
}

// deepestPool iterates the discovered pools for token and picks the one with
// the largest priceable reserve depth, preferring stable-paired pools.
func (s *UniswapV2) deepestPool(ctx context.Context, token common.Address, block uint64, opts Opts) (*v2Pool, common.Address, bool, error) {
	s.mu.Lock()
	candidates := append([]common.Address(nil), s.pools[token]...)
	s.mu.Unlock()
	var (
		best       *v2Pool
		bestPaired common.Address
		bestDepth  decimal.Decimal
		bestStable bool
	)
	for _, addr := range candidates {
		if _, skip := opts.IgnorePools[addr]; skip {
			continue
		}
		pool, ok, err := s.loadPool(ctx, addr, block)
		if err != nil {
			return nil, common.Address{}, false, err
		}
		if !ok {
			continue
		}
		paired, reserve := pool.token1, pool.reserve1
		if token == pool.token1 {
			paired, reserve = pool.token0, pool.reserve0
		}
		dec, ok, err := s.erc20.Decimals(ctx, paired, block)
		if err != nil {
			return nil, common.Address{}, false, err
		}
		if !ok {
			continue
		}
		depth := toDecimal(reserve, dec)
		stable := IsStable(paired)
		better := best == nil ||
			(stable && !bestStable) ||
			(stable == bestStable && depth.GreaterThan(bestDepth))
		if better {
			best, bestPaired, bestDepth, bestStable = pool, paired, depth, stable
		}
	}
	if best == nil {
		return nil, common.Address{}, false, nil
	}
	return best, bestPaired, true, nil
}
