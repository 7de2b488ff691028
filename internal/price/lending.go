package price

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/chainprice/chainprice/internal/eth"
)

// Compound prices cTokens (and forks) as exchangeRateStored * underlying.
// The stored rate carries 18 + underlyingDecimals - cTokenDecimals decimals.
type Compound struct {
	client eth.Client
	erc20  *ERC20
	rec    Recurser
	match  *matchMemo
}

func NewCompound(client eth.Client, erc20 *ERC20, rec Recurser) *Compound {
	return &Compound{client: client, erc20: erc20, rec: rec, match: newMatchMemo("compound")}
}

func (s *Compound) Name() string   { return "compound" }
func (s *Compound) Bucket() Bucket { return BucketCToken }

func (s *Compound) Matches(ctx context.Context, token common.Address) (bool, error) {
	return s.match.do(ctx, token, func(ctx context.Context) (bool, error) {
		head, err := s.client.BlockNumber(ctx)
		if err != nil {
			return false, err
		}
		ret, ok, err := probeCall(ctx, s.client, token, eth.Call("isCToken()"), head)
		if err != nil || !ok {
			return false, err
		}
		b, err := eth.DecodeBool(ret, 0)
		if err != nil {
			return false, nil
		}
		return b, nil
	})
}

func (s *Compound) Price(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	ret, ok, err := probeCall(ctx, s.client, token, eth.Call("exchangeRateStored()"), block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	rate, err := eth.DecodeUint256(ret, 0)
	if err != nil {
		return decimal.Zero, false, err
	}
	underlying := WrappedGasCoin // cETH has no underlying()
	if ret, ok, err := probeCall(ctx, s.client, token, eth.Call("underlying()"), block); err != nil {
		return decimal.Zero, false, err
	} else if ok {
		underlying, err = eth.DecodeAddress(ret, 0)
		if err != nil {
			return decimal.Zero, false, err
		}
	}
	uDec, ok, err := s.erc20.Decimals(ctx, underlying, block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	cDec, ok, err := s.erc20.Decimals(ctx, token, block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	uPrice, ok, err := s.rec.Recurse(ctx, underlying, block, opts)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	rateDec := toDecimal(rate, 18+uDec-cDec)
	return rateDec.Mul(uPrice), true, nil
}

// Aave prices aTokens one-to-one with their underlying; v1 exposes
// underlyingAssetAddress, v2/v3 UNDERLYING_ASSET_ADDRESS.
type Aave struct {
	client eth.Client
	rec    Recurser
	match  *matchMemo
}

func NewAave(client eth.Client, rec Recurser) *Aave {
	return &Aave{client: client, rec: rec, match: newMatchMemo("aave")}
}

func (s *Aave) Name() string   { return "aave" }
func (s *Aave) Bucket() Bucket { return BucketATokenV2 }

func (s *Aave) Matches(ctx context.Context, token common.Address) (bool, error) {
	return s.match.do(ctx, token, func(ctx context.Context) (bool, error) {
		head, err := s.client.BlockNumber(ctx)
		if err != nil {
			return false, err
		}
		_, ok, err := s.underlying(ctx, token, head)
		return ok, err
	})
}

func (s *Aave) Price(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	underlying, ok, err := s.underlying(ctx, token, block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	return s.rec.Recurse(ctx, underlying, block, opts)
}

func (s *Aave) underlying(ctx context.Context, token common.Address, block uint64) (common.Address, bool, error) {
	for _, sig := range []string{"UNDERLYING_ASSET_ADDRESS()", "underlyingAssetAddress()"} {
		ret, ok, err := probeCall(ctx, s.client, token, eth.Call(sig), block)
		if err != nil {
			return common.Address{}, false, err
		}
		if !ok {
			continue
		}
		addr, err := eth.DecodeAddress(ret, 0)
		if err != nil {
			return common.Address{}, false, err
		}
		if addr != (common.Address{}) {
			return addr, true, nil
		}
	}
	return common.Address{}, false, nil
}
