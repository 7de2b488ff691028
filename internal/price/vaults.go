package price

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/chainprice/chainprice/internal/eth"
)

// shareRateSigs is the probe order for share-price style vaults. The rate is
// interpreted in the underlying token's decimals.
var shareRateSigs = []string{
	"pricePerShare()",
	"getPricePerShare()",
	"getPricePerFullShare()",
	"getSharesToUnderlying()",
	"exchangeRate()",
}

// underlyingSigs is the probe order for the vault's deposit token.
var underlyingSigs = []string{
	"token()",
	"underlying()",
	"native()",
	"want()",
	"base()",
}

// Vault prices yearn-style wrappers: share rate times the underlying's price.
type Vault struct {
	client eth.Client
	erc20  *ERC20
	rec    Recurser
	match  *matchMemo
}

func NewVault(client eth.Client, erc20 *ERC20, rec Recurser) *Vault {
	return &Vault{client: client, erc20: erc20, rec: rec, match: newMatchMemo("vault")}
}

func (s *Vault) Name() string   { return "yearn-like" }
func (s *Vault) Bucket() Bucket { return BucketYearnLike }

// Matches requires both a share-rate method and an underlying pointer.
func (s *Vault) Matches(ctx context.Context, token common.Address) (bool, error) {
	return s.match.do(ctx, token, func(ctx context.Context) (bool, error) {
		head, err := s.client.BlockNumber(ctx)
		if err != nil {
			return false, err
		}
		if _, ok, err := s.shareRate(ctx, token, head); err != nil || !ok {
			return false, err
		}
		_, ok, err := s.underlying(ctx, token, head)
		return ok, err
	})
}

func (s *Vault) Price(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	rate, ok, err := s.shareRate(ctx, token, block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	underlying, ok, err := s.underlying(ctx, token, block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	uDec, ok, err := s.erc20.Decimals(ctx, underlying, block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	uPrice, ok, err := s.rec.Recurse(ctx, underlying, block, opts)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	return toDecimal(rate, uDec).Mul(uPrice), true, nil
}

func (s *Vault) shareRate(ctx context.Context, token common.Address, block uint64) (*uint256.Int, bool, error) {
	for _, sig := range shareRateSigs {
		ret, ok, err := probeCall(ctx, s.client, token, eth.Call(sig), block)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		v, err := eth.DecodeUint256(ret, 0)
		if err != nil {
			return nil, false, err
		}
		if v.IsZero() {
			continue
		}
		return v, true, nil
	}
	return nil, false, nil
}

func (s *Vault) underlying(ctx context.Context, token common.Address, block uint64) (common.Address, bool, error) {
	for _, sig := range underlyingSigs {
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
		if addr != (common.Address{}) && addr != token {
			return addr, true, nil
		}
	}
	return common.Address{}, false, nil
}
