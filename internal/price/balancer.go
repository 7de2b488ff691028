package price

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/chainprice/chainprice/internal/eth"
)

var balancerV2Vault = common.HexToAddress("0xBA12222222228d8Ba445958a75a0704d566BF2C8")

// Balancer prices v1 and v2 pool shares as TVL/supply. v1 pools enumerate
// their own tokens; v2 shares carry a poolId resolved through the vault.
type Balancer struct {
	client eth.Client
	erc20  *ERC20
	rec    Recurser
	match  *matchMemo
}

func NewBalancer(client eth.Client, erc20 *ERC20, rec Recurser) *Balancer {
	return &Balancer{client: client, erc20: erc20, rec: rec, match: newMatchMemo("balancer")}
}

func (s *Balancer) Name() string   { return "balancer" }
func (s *Balancer) Bucket() Bucket { return BucketBalancerLP }

func (s *Balancer) Matches(ctx context.Context, token common.Address) (bool, error) {
	return s.match.do(ctx, token, func(ctx context.Context) (bool, error) {
		head, err := s.client.BlockNumber(ctx)
		if err != nil {
			return false, err
		}
		if _, ok, err := probeCall(ctx, s.client, token, eth.Call("getPoolId()"), head); err != nil {
			return false, err
		} else if ok {
			return true, nil
		}
		_, ok, err := probeCall(ctx, s.client, token, eth.Call("getCurrentTokens()"), head)
		return ok, err
	})
}

func (s *Balancer) Price(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	tokens, balances, ok, err := s.v2PoolTokens(ctx, token, block)
	if err != nil {
		return decimal.Zero, false, err
	}
	if !ok {
		tokens, balances, ok, err = s.v1PoolTokens(ctx, token, block)
		if err != nil || !ok {
			return decimal.Zero, false, err
		}
	}
	supply, ok, err := s.erc20.TotalSupply(ctx, token, block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	if supply.IsZero() {
		return decimal.Zero, false, nil
	}
	inner := opts.WithoutPool(token)
	var total decimal.Decimal
	for i, t := range tokens {
		if t == token {
			// v2 composable pools hold pre-minted shares of themselves.
			continue
		}
		dec, ok, err := s.erc20.Decimals(ctx, t, block)
		if err != nil {
			return decimal.Zero, false, err
		}
		if !ok {
			continue
		}
		p, ok, err := s.rec.Recurse(ctx, t, block, inner)
		if err != nil {
			return decimal.Zero, false, err
		}
		if !ok {
			return decimal.Zero, false, nil
		}
		total = total.Add(balances[i].Shift(-int32(dec)).Mul(p))
	}
	if total.IsZero() {
		return decimal.Zero, false, nil
	}
	return total.Div(toDecimal(supply, 18)), true, nil
}

func (s *Balancer) v2PoolTokens(ctx context.Context, token common.Address, block uint64) ([]common.Address, []decimal.Decimal, bool, error) {
	ret, ok, err := probeCall(ctx, s.client, token, eth.Call("getPoolId()"), block)
	if err != nil || !ok {
		return nil, nil, false, err
	}
	poolID, err := eth.Word(ret, 0)
	if err != nil {
		// Malformed short return: not a v2 share.
		return nil, nil, false, nil
	}
	ret, ok, err = probeCall(ctx, s.client, balancerV2Vault,
		eth.Call("getPoolTokens(bytes32)", poolID), block)
	if err != nil || !ok {
		return nil, nil, false, err
	}
	// (address[] tokens, uint256[] balances, uint256 lastChangeBlock)
	tokens, err := decodeAddressSlice(ret, 0)
	if err != nil {
		return nil, nil, false, err
	}
	balances, err := decodeUintSlice(ret, 1)
	if err != nil {
		return nil, nil, false, err
	}
	if len(tokens) != len(balances) {
		return nil, nil, false, nil
	}
	return tokens, balances, true, nil
}

func (s *Balancer) v1PoolTokens(ctx context.Context, token common.Address, block uint64) ([]common.Address, []decimal.Decimal, bool, error) {
	ret, ok, err := probeCall(ctx, s.client, token, eth.Call("getCurrentTokens()"), block)
	if err != nil || !ok {
		return nil, nil, false, err
	}
	tokens, err := decodeAddressSlice(ret, 0)
	if err != nil {
		return nil, nil, false, err
	}
	balances := make([]decimal.Decimal, len(tokens))
	for i, t := range tokens {
		bret, ok, err := probeCall(ctx, s.client, token, eth.Call("getBalance(address)", t), block)
		if err != nil || !ok {
			return nil, nil, false, err
		}
		b, err := eth.DecodeUint256(bret, 0)
		if err != nil {
			return nil, nil, false, err
		}
		balances[i] = decimal.NewFromBigInt(b.ToBig(), 0)
	}
	return tokens, balances, true, nil
}

// decodeAddressSlice reads a dynamic address[] whose head word sits at slot.
func decodeAddressSlice(ret []byte, slot int) ([]common.Address, error) {
	words, err := decodeUintSlice(ret, slot)
	if err != nil {
		return nil, err
	}
	out := make([]common.Address, len(words))
	for i, w := range words {
		b := w.BigInt().Bytes()
		if len(b) > 20 {
			b = b[len(b)-20:]
		}
		copy(out[i][20-len(b):], b)
	}
	return out, nil
}

// decodeUintSlice reads a dynamic uint256[] whose head word sits at slot.
func decodeUintSlice(ret []byte, slot int) ([]decimal.Decimal, error) {
	off, err := eth.DecodeUint256(ret, slot)
	if err != nil {
		return nil, err
	}
	base := int(off.Uint64())
	if base+32 > len(ret) {
		return nil, eth.ErrShortReturn
	}
	ln, err := eth.DecodeUint256(ret[base:], 0)
	if err != nil {
		return nil, err
	}
	n := int(ln.Uint64())
	if base+32+n*32 > len(ret) {
		return nil, eth.ErrShortReturn
	}
	out := make([]decimal.Decimal, n)
	for i := 0; i < n; i++ {
		v, err := eth.DecodeUint256(ret[base+32:], i)
		if err != nil {
			return nil, err
		}
		out[i] = decimal.NewFromBigInt(v.ToBig(), 0)
	}
	return out, nil
}
