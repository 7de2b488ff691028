package price

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/chainprice/chainprice/internal/eth"
)

// component is one underlying holding of a basket-style token.
type component struct {
	token common.Address
	raw   decimal.Decimal // unscaled balance
}

// basketKind parameterizes the shared "sum of priced holdings over supply"
// strategy: gelato, popsicle, index baskets, stargate, mstable feeders.
type basketKind struct {
	name      string
	bucket    Bucket
	matchSig  string
	holdings  func(ctx context.Context, s *BasketStrategy, token common.Address, block uint64) ([]component, bool, error)
	rateBased bool // holdings returns a single 1e18 rate component instead of balances
}

// BasketStrategy prices one basket kind as sum(price_i * balance_i) / supply.
type BasketStrategy struct {
	kind   basketKind
	client eth.Client
	erc20  *ERC20
	rec    Recurser
	match  *matchMemo
}

func (s *BasketStrategy) Name() string   { return s.kind.name }
func (s *BasketStrategy) Bucket() Bucket { return s.kind.bucket }

func (s *BasketStrategy) Matches(ctx context.Context, token common.Address) (bool, error) {
	return s.match.do(ctx, token, func(ctx context.Context) (bool, error) {
		head, err := s.client.BlockNumber(ctx)
		if err != nil {
			return false, err
		}
		_, ok, err := probeCall(ctx, s.client, token, eth.Call(s.kind.matchSig), head)
		return ok, err
	})
}

func (s *BasketStrategy) Price(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	comps, ok, err := s.kind.holdings(ctx, s, token, block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	inner := opts.WithoutPool(token)
	if s.kind.rateBased {
		// Single component whose raw value is a 1e18 rate over the component.
		c := comps[0]
		p, ok, err := s.rec.Recurse(ctx, c.token, block, inner)
		if err != nil || !ok {
			return decimal.Zero, false, err
		}
		return c.raw.Shift(-18).Mul(p), true, nil
	}
	supply, ok, err := s.erc20.TotalSupply(ctx, token, block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	if supply.IsZero() {
		return decimal.Zero, false, nil
	}
	var total decimal.Decimal
	for _, c := range comps {
		dec, ok, err := s.erc20.Decimals(ctx, c.token, block)
		if err != nil {
			return decimal.Zero, false, err
		}
		if !ok {
			continue
		}
		p, ok, err := s.rec.Recurse(ctx, c.token, block, inner)
		if err != nil {
			return decimal.Zero, false, err
		}
		if !ok {
			return decimal.Zero, false, nil
		}
		total = total.Add(c.raw.Shift(-int32(dec)).Mul(p))
	}
	if total.IsZero() {
		return decimal.Zero, false, nil
	}
	return total.Div(toDecimal(supply, 18)), true, nil
}

// NewBasketStrategies builds the basket-family adapters in probe order.
func NewBasketStrategies(client eth.Client, erc20 *ERC20, rec Recurser) []Strategy {
	kinds := []basketKind{
		{name: "gelato", bucket: BucketGelatoLP, matchSig: "getUnderlyingBalances()", holdings: gelatoHoldings},
		{name: "popsicle", bucket: BucketPopsicleLP, matchSig: "usersAmounts()", holdings: popsicleHoldings},
		{name: "mstable-feeder", bucket: BucketMStableFeeder, matchSig: "getPrice()", holdings: mstableRate, rateBased: true},
		{name: "stargate", bucket: BucketStargateLP, matchSig: "totalLiquidity()", holdings: stargateHoldings},
		{name: "basket-index", bucket: BucketBasketIndex, matchSig: "getComponents()", holdings: indexHoldings},
	}
	out := make([]Strategy, len(kinds))
	for i, k := range kinds {
		out[i] = &BasketStrategy{kind: k, client: client, erc20: erc20, rec: rec, match: newMatchMemo(k.name)}
	}
	return out
}

// pairHoldings reads token0/token1 plus a two-amount getter.
func pairHoldings(ctx context.Context, s *BasketStrategy, token common.Address, block uint64, amountSig string) ([]component, bool, error) {
	ret, ok, err := probeCall(ctx, s.client, token, eth.Call(amountSig), block)
	if err != nil || !ok {
		return nil, false, err
	}
	a0, err := eth.DecodeUint256(ret, 0)
	if err != nil {
		return nil, false, err
	}
	a1, err := eth.DecodeUint256(ret, 1)
	if err != nil {
		return nil, false, err
	}
	comps := []component{
		{raw: decimal.NewFromBigInt(a0.ToBig(), 0)},
		{raw: decimal.NewFromBigInt(a1.ToBig(), 0)},
	}
	for i, sig := range []string{"token0()", "token1()"} {
		ret, ok, err := probeCall(ctx, s.client, token, eth.Call(sig), block)
		if err != nil || !ok {
			return nil, false, err
		}
		comps[i].token, err = eth.DecodeAddress(ret, 0)
		if err != nil {
			return nil, false, err
		}
	}
	return comps, true, nil
}

func gelatoHoldings(ctx context.Context, s *BasketStrategy, token common.Address, block uint64) ([]component, bool, error) {
	return pairHoldings(ctx, s, token, block, "getUnderlyingBalances()")
}

func popsicleHoldings(ctx context.Context, s *BasketStrategy, token common.Address, block uint64) ([]component, bool, error) {
	return pairHoldings(ctx, s, token, block, "usersAmounts()")
}

// mstableRate: feeder pools quote getPrice() as a 1e18 rate over the mAsset.
func mstableRate(ctx context.Context, s *BasketStrategy, token common.Address, block uint64) ([]component, bool, error) {
	ret, ok, err := probeCall(ctx, s.client, token, eth.Call("getPrice()"), block)
	if err != nil || !ok {
		return nil, false, err
	}
	rate, err := eth.DecodeUint256(ret, 0)
	if err != nil {
		return nil, false, err
	}
	ret, ok, err = probeCall(ctx, s.client, token, eth.Call("mAsset()"), block)
	if err != nil || !ok {
		return nil, false, err
	}
	mAsset, err := eth.DecodeAddress(ret, 0)
	if err != nil {
		return nil, false, err
	}
	return []component{{token: mAsset, raw: decimal.NewFromBigInt(rate.ToBig(), 0)}}, true, nil
}

// stargateHoldings: pool value is totalLiquidity of the deposit token.
func stargateHoldings(ctx context.Context, s *BasketStrategy, token common.Address, block uint64) ([]component, bool, error) {
	ret, ok, err := probeCall(ctx, s.client, token, eth.Call("totalLiquidity()"), block)
	if err != nil || !ok {
		return nil, false, err
	}
	liq, err := eth.DecodeUint256(ret, 0)
	if err != nil {
		return nil, false, err
	}
	ret, ok, err = probeCall(ctx, s.client, token, eth.Call("token()"), block)
	if err != nil || !ok {
		return nil, false, err
	}
	underlying, err := eth.DecodeAddress(ret, 0)
	if err != nil {
		return nil, false, err
	}
	return []component{{token: underlying, raw: decimal.NewFromBigInt(liq.ToBig(), 0)}}, true, nil
}

// indexHoldings: getComponents() baskets hold their components directly.
func indexHoldings(ctx context.Context, s *BasketStrategy, token common.Address, block uint64) ([]component, bool, error) {
	ret, ok, err := probeCall(ctx, s.client, token, eth.Call("getComponents()"), block)
	if err != nil || !ok {
		return nil, false, err
	}
	tokens, err := decodeAddressSlice(ret, 0)
	if err != nil {
		return nil, false, err
	}
	comps := make([]component, 0, len(tokens))
	for _, t := range tokens {
		bal, ok, err := s.erc20.BalanceOf(ctx, t, token, block)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		comps = append(comps, component{token: t, raw: decimal.NewFromBigInt(bal.ToBig(), 0)})
	}
	return comps, len(comps) > 0, nil
}

var (
	vbSolvencyLow  = decimal.RequireFromString("0.9995")
	vbSolvencyHigh = decimal.RequireFromString("1.01")
)

// VBToken prices vBTC-style wrappers one-to-one with the underlying, but only
// while the vault's solvency ratio stays inside the accepted window.
type VBToken struct {
	client eth.Client
	rec    Recurser
	match  *matchMemo
}

func NewVBToken(client eth.Client, rec Recurser) *VBToken {
	return &VBToken{client: client, rec: rec, match: newMatchMemo("vb-token")}
}

func (s *VBToken) Name() string   { return "vb-token" }
func (s *VBToken) Bucket() Bucket { return BucketVBToken }

func (s *VBToken) Matches(ctx context.Context, token common.Address) (bool, error) {
	return s.match.do(ctx, token, func(ctx context.Context) (bool, error) {
		head, err := s.client.BlockNumber(ctx)
		if err != nil {
			return false, err
		}
		_, ok, err := probeCall(ctx, s.client, token, eth.Call("solvency()"), head)
		return ok, err
	})
}

func (s *VBToken) Price(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	ret, ok, err := probeCall(ctx, s.client, token, eth.Call("solvency()"), block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	raw, err := eth.DecodeUint256(ret, 0)
	if err != nil {
		return decimal.Zero, false, err
	}
	solvency := toDecimal(raw, 18)
	if solvency.LessThan(vbSolvencyLow) || solvency.GreaterThan(vbSolvencyHigh) {
		return decimal.Zero, false, nil
	}
	ret, ok, err = probeCall(ctx, s.client, token, eth.Call("underlying()"), block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	underlying, err := eth.DecodeAddress(ret, 0)
	if err != nil {
		return decimal.Zero, false, err
	}
	return s.rec.Recurse(ctx, underlying, block, opts)
}

var (
	rkp3rAddr = common.HexToAddress("0xEdB67Ee1B171c4eC66E6c10EC43EDBbA20FaE8e9")
	kp3rAddr  = common.HexToAddress("0x1cEB5cB57C4D4E2b2433641b95Dd497A1a97caDC")
)

// RKP3R pegs redeemable KP3R to KP3R.
type RKP3R struct {
	rec Recurser
}

func NewRKP3R(rec Recurser) *RKP3R { return &RKP3R{rec: rec} }

func (s *RKP3R) Name() string   { return "rkp3r" }
func (s *RKP3R) Bucket() Bucket { return BucketRKP3R }

func (s *RKP3R) Matches(ctx context.Context, token common.Address) (bool, error) {
	return token == rkp3rAddr, nil
}

func (s *RKP3R) Price(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	return s.rec.Recurse(ctx, kp3rAddr, block, opts)
}
