package price

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/chainprice/chainprice/internal/eth"
	"github.com/chainprice/chainprice/internal/flight"
)

// Bucket tags a token's pricing strategy; persisted forever once probed.
type Bucket string

const (
	BucketStable        Bucket = "stable"
	BucketWrappedNative Bucket = "wrapped-native"
	BucketChainlink     Bucket = "chainlink-feed"
	BucketUniV2LP       Bucket = "uni-v2-lp"
	BucketUniV3LP       Bucket = "uni-v3-lp"
	BucketCurveLP       Bucket = "curve-lp"
	BucketBalancerLP    Bucket = "balancer-lp"
	BucketYearnLike     Bucket = "yearn-like"
	BucketATokenV1      Bucket = "atoken-v1"
	BucketATokenV2      Bucket = "atoken-v2"
	BucketCToken        Bucket = "ctoken"
	BucketIBToken       Bucket = "ib-token"
	BucketPendleLP      Bucket = "pendle-lp"
	BucketGelatoLP      Bucket = "gelato-lp"
	BucketPopsicleLP    Bucket = "popsicle-lp"
	BucketMStableFeeder Bucket = "mstable-feeder"
	BucketSaddleLP      Bucket = "saddle-lp"
	BucketEllipsisLP    Bucket = "ellipsis-lp"
	BucketBeltLP        Bucket = "belt-lp"
	BucketStargateLP    Bucket = "stargate-lp"
	BucketBasketIndex   Bucket = "basket-index"
	BucketSolidex       Bucket = "solidex"
	BucketRKP3R         Bucket = "rkp3r"
	BucketVBToken       Bucket = "vb-token"
	BucketOneToOne      Bucket = "one-to-one-map"
	BucketGeneric       Bucket = "generic"
)

// PriceError is the router's terminal outcome when every strategy exhausts.
type PriceError struct {
	Token  common.Address
	Block  uint64
	Symbol string
}

func (e *PriceError) Error() string {
	return fmt.Sprintf("no price for %s (%s) at block %d", e.Token.Hex(), e.Symbol, e.Block)
}

// ErrNotAKind is the structured "token is not a <kind>" outcome: Matches was
// true but the price computation is impossible, so the router falls through.
var ErrNotAKind = errors.New("token is not of the matched kind")

// Opts threads per-call behavior through strategies and recursive unwraps.
type Opts struct {
	SkipCache   bool
	FailToNone  bool
	IgnorePools map[common.Address]struct{}

	depth int
	stack []common.Address
}

const maxUnwrapDepth = 10

func (o Opts) child(token common.Address) (Opts, error) {
	for _, seen := range o.stack {
		if seen == token {
			return o, fmt.Errorf("recursive price unwrap for %s", token.Hex())
		}
	}
	if o.depth+1 > maxUnwrapDepth {
		return o, fmt.Errorf("price unwrap depth budget exceeded at %s", token.Hex())
	}
	child := o
	child.depth++
	child.stack = append(append([]common.Address(nil), o.stack...), token)
	return child, nil
}

// WithoutPool copies opts, excluding pool from future pool selection so a
// recursion into a paired token cannot reuse it.
func (o Opts) WithoutPool(pool common.Address) Opts {
	out := o
	out.IgnorePools = make(map[common.Address]struct{}, len(o.IgnorePools)+1)
	for k := range o.IgnorePools {
		out.IgnorePools[k] = struct{}{}
	}
	out.IgnorePools[pool] = struct{}{}
	return out
}

// Recurser lets strategies price underlying tokens through the router.
type Recurser interface {
	Recurse(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error)
}

// Strategy is one pricing adapter. Price returning ok=false means "no price
// from this strategy"; errors are reserved for non-revert failures.
type Strategy interface {
	Name() string
	Bucket() Bucket
	Matches(ctx context.Context, token common.Address) (bool, error)
	Price(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error)
}

const matchTTL = 5 * time.Minute

// matchMemo caches positive and negative Matches results for 5 minutes.
type matchMemo struct {
	memo *flight.Memo
	name string
}

func newMatchMemo(name string) *matchMemo {
	return &matchMemo{memo: flight.NewMemo(4096, matchTTL), name: name}
}

func (m *matchMemo) do(ctx context.Context, token common.Address, probe func(context.Context) (bool, error)) (bool, error) {
	v, err := m.memo.Do(ctx, m.name+":"+token.Hex(), func(ctx context.Context) (any, error) {
		ok, err := probe(ctx)
		if err != nil {
			return nil, err
		}
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// probeCall runs an eth_call and folds reverts into a false probe.
func probeCall(ctx context.Context, client eth.Client, to common.Address, data []byte, block uint64) ([]byte, bool, error) {
	ret, err := client.CallContract(ctx, to, data, block)
	if err != nil {
		if eth.IsRevert(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(ret) == 0 {
		return nil, false, nil
	}
	return ret, true, nil
}

// toDecimal scales a raw uint256 down by dec decimals.
func toDecimal(v *uint256.Int, dec int64) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), -int32(dec))
}
