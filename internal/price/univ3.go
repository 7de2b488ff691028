package price

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/chainprice/chainprice/internal/eth"
)

var (
	univ3Quoter = common.HexToAddress("0xb27308f9F90D607463bb33eA1BeBb41C27CE5AB6")
	univ3Fees   = []uint64{500, 3_000, 10_000}
	univ3FeeDef = uint64(3_000)
)

// UniswapV3 derives token prices from the quoter along a short candidate-path
// list, undoing the compounded fee; the best (max) quote wins.
type UniswapV3 struct {
	client eth.Client
	erc20  *ERC20
	match  *matchMemo
}

func NewUniswapV3(client eth.Client, erc20 *ERC20) *UniswapV3 {
	return &UniswapV3{client: client, erc20: erc20, match: newMatchMemo("univ3")}
}

func (s *UniswapV3) Name() string   { return "uniswap-v3" }
func (s *UniswapV3) Bucket() Bucket { return BucketUniV3LP }

// Matches detects v3 pool shares via slot0 + liquidity probes.
func (s *UniswapV3) Matches(ctx context.Context, token common.Address) (bool, error) {
	return s.match.do(ctx, token, func(ctx context.Context) (bool, error) {
		head, err := s.client.BlockNumber(ctx)
		if err != nil {
			return false, err
		}
		_, ok, err := probeCall(ctx, s.client, token, eth.Call("slot0()"), head)
		if err != nil || !ok {
			return false, err
		}
		_, ok, err = probeCall(ctx, s.client, token, eth.Call("liquidity()"), head)
		return ok, err
	})
}

// Price for v3 positions is not served here (positions are NFTs); pool share
// tokens from forks fall through to the quoter path.
func (s *UniswapV3) Price(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	return s.Quote(ctx, token, block, opts)
}

// Quote asks the quoter for 1*scale of token along [token, fee, USDC] and
// [token, fee, WETH, feeDefault, USDC] for each fee tier.
func (s *UniswapV3) Quote(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	dec, ok, err := s.erc20.Decimals(ctx, token, block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	amountIn := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(dec)))
	best := decimal.Zero
	found := false
	for _, fee := range univ3Fees {
		paths := [][]byte{
			encodePath([]common.Address{token, USDC}, []uint64{fee}),
			encodePath([]common.Address{token, WETH, USDC}, []uint64{fee, univ3FeeDef}),
		}
		feeFactors := []decimal.Decimal{feeFactor(fee), feeFactor(fee).Mul(feeFactor(univ3FeeDef))}
		for i, path := range paths {
			out, ok, err := s.quoteExactInput(ctx, path, amountIn, block)
			if err != nil {
				return decimal.Zero, false, err
			}
			if !ok || out.IsZero() {
				continue
			}
			// USDC out, undo the compounded fee.
			q := toDecimal(out, 6).Div(feeFactors[i])
			if !found || q.GreaterThan(best) {
				best, found = q, true
			}
		}
	}
	return best, found, nil
}

func feeFactor(fee uint64) decimal.Decimal {
	return decimal.NewFromInt(1_000_000 - int64(fee)).Div(decimal.NewFromInt(1_000_000))
}

// encodePath packs the packed-bytes path the quoter expects:
// token (20) || fee (3) || token (20) ...
func encodePath(tokens []common.Address, fees []uint64) []byte {
	out := make([]byte, 0, len(tokens)*20+len(fees)*3)
	for i, t := range tokens {
		out = append(out, t.Bytes()...)
		if i < len(fees) {
			f := fees[i]
			out = append(out, byte(f>>16), byte(f>>8), byte(f))
		}
	}
	return out
}

func (s *UniswapV3) quoteExactInput(ctx context.Context, path []byte, amountIn *uint256.Int, block uint64) (*uint256.Int, bool, error) {
	// quoteExactInput(bytes,uint256): dynamic bytes head at 0x40.
	data := eth.Call("quoteExactInput(bytes,uint256)")
	head := make([]byte, 64)
	head[31] = 0x40
	amt := amountIn.Bytes32()
	copy(head[32:], amt[:])
	data = append(data, head...)
	ln := uint256.NewInt(uint64(len(path))).Bytes32()
	data = append(data, ln[:]...)
	padded := make([]byte, (len(path)+31)/32*32)
	copy(padded, path)
	data = append(data, padded...)
	ret, ok, err := probeCall(ctx, s.client, univ3Quoter, data, block)
	if err != nil || !ok {
		return nil, false, err
	}
	out, err := eth.DecodeUint256(ret, 0)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}
