package price

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/chainprice/chainprice/internal/eth"
)

var pendleOracle = common.HexToAddress("0x66a1096C6366b2529274dF4f5D8247827fe4CEA8")

// pendleTwap is the oracle window, seconds.
const pendleTwap = uint64(900)

// Pendle prices market LP tokens through the PT/LP oracle's 15-minute TWAP,
// in terms of the market's accounting asset.
type Pendle struct {
	client eth.Client
	rec    Recurser
	match  *matchMemo
}

func NewPendle(client eth.Client, rec Recurser) *Pendle {
	return &Pendle{client: client, rec: rec, match: newMatchMemo("pendle")}
}

func (s *Pendle) Name() string   { return "pendle" }
func (s *Pendle) Bucket() Bucket { return BucketPendleLP }

// Matches: pendle markets expose readTokens() -> (SY, PT, YT).
func (s *Pendle) Matches(ctx context.Context, token common.Address) (bool, error) {
	return s.match.do(ctx, token, func(ctx context.Context) (bool, error) {
		head, err := s.client.BlockNumber(ctx)
		if err != nil {
			return false, err
		}
		ret, ok, err := probeCall(ctx, s.client, token, eth.Call("readTokens()"), head)
		if err != nil || !ok {
			return false, err
		}
		return len(ret) >= 96, nil
	})
}

func (s *Pendle) Price(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	for _, sig := range []string{"getLpToSyRate(address,uint32)", "getLpToAssetRate(address,uint32)"} {
		ret, ok, err := probeCall(ctx, s.client, pendleOracle, eth.Call(sig, token, pendleTwap), block)
		if err != nil {
			return decimal.Zero, false, err
		}
		if !ok {
			continue
		}
		rate, err := eth.DecodeUint256(ret, 0)
		if err != nil {
			return decimal.Zero, false, err
		}
		if rate.IsZero() {
			continue
		}
		asset, ok, err := s.asset(ctx, token, block)
		if err != nil || !ok {
			return decimal.Zero, false, err
		}
		p, ok, err := s.rec.Recurse(ctx, asset, block, opts)
		if err != nil || !ok {
			return decimal.Zero, false, err
		}
		return toDecimal(rate, 18).Mul(p), true, nil
	}
	return decimal.Zero, false, nil
}

// asset resolves the market's accounting asset: readTokens().SY then the SY's
// assetInfo() address slot.
func (s *Pendle) asset(ctx context.Context, market common.Address, block uint64) (common.Address, bool, error) {
	ret, ok, err := probeCall(ctx, s.client, market, eth.Call("readTokens()"), block)
	if err != nil || !ok {
		return common.Address{}, false, err
	}
	sy, err := eth.DecodeAddress(ret, 0)
	if err != nil {
		return common.Address{}, false, err
	}
	ret, ok, err = probeCall(ctx, s.client, sy, eth.Call("assetInfo()"), block)
	if err != nil || !ok {
		return common.Address{}, false, err
	}
	asset, err := eth.DecodeAddress(ret, 1)
	if err != nil {
		return common.Address{}, false, err
	}
	if asset == (common.Address{}) {
		return common.Address{}, false, nil
	}
	return asset, true, nil
}
