package price

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/chainprice/chainprice/internal/eth"
	"github.com/chainprice/chainprice/internal/flight"
	"github.com/chainprice/chainprice/internal/logging"
	"github.com/chainprice/chainprice/internal/store"
)

// RemoteOracle is the optional ypriceAPI fallback; implementations return
// ok=false when unconfigured or the remote has no answer.
type RemoteOracle interface {
	Price(ctx context.Context, token common.Address, block uint64) (decimal.Decimal, bool, error)
}

var one = decimal.NewFromInt(1)

var sanityThreshold = decimal.NewFromInt(1000)

// Router resolves (token, block) -> USD price through bucket dispatch and a
// fixed fallback chain, memoized in memory and in the price table.
type Router struct {
	st        *store.Store
	client    eth.Client
	erc20     *ERC20
	bucketer  *Bucketer
	memo      *flight.Memo
	skipCache bool
	remote    RemoteOracle

	byBucket  map[Bucket]Strategy
	fallbacks []Strategy // chainlink, curve, balancer order
	bandSynth []Strategy
	univ2     *UniswapV2
	univ3     *UniswapV3
}

// RouterConfig wires the router's collaborators.
type RouterConfig struct {
	Store     *store.Store
	Client    eth.Client
	ERC20     *ERC20
	Bucketer  *Bucketer
	Ordered   []Strategy // same precedence list as the bucketer
	Fallbacks []Strategy // chainlink -> curve -> balancer
	BandSynth []Strategy // band -> synthetix
	UniV2     *UniswapV2
	UniV3     *UniswapV3
	Remote    RemoteOracle
	CacheTTL  time.Duration
	SkipCache bool
}

func NewRouter(cfg RouterConfig) *Router {
	byBucket := make(map[Bucket]Strategy, len(cfg.Ordered))
	for _, s := range cfg.Ordered {
		if _, dup := byBucket[s.Bucket()]; !dup {
			byBucket[s.Bucket()] = s
		}
	}
	return &Router{
		st:        cfg.Store,
		client:    cfg.Client,
		erc20:     cfg.ERC20,
		bucketer:  cfg.Bucketer,
		memo:      flight.NewMemo(1_000, cfg.CacheTTL),
		skipCache: cfg.SkipCache,
		remote:    cfg.Remote,
		byBucket:  byBucket,
		fallbacks: cfg.Fallbacks,
		bandSynth: cfg.BandSynth,
		univ2:     cfg.UniV2,
		univ3:     cfg.UniV3,
	}
}

// errNoPrice threads the "every strategy exhausted" outcome through the memo
// without caching it; the caller shapes it into FailToNone or *PriceError.
var errNoPrice = errors.New("no price resolved")

// GetPrice resolves one token at one block. ok=false with nil error is the
// "no price" outcome under FailToNone; otherwise a *PriceError surfaces.
// Concurrent calls for the same (token, block) share one resolve.
func (r *Router) GetPrice(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	token = common.HexToAddress(Checksum(token.Hex()))
	if token == EEESentinel {
		return r.GetPrice(ctx, WrappedGasCoin, block, opts)
	}
	if IsStable(token) {
		return one, true, nil
	}
	key := fmt.Sprintf("%s:%d", token.Hex(), block)
	if opts.SkipCache || r.skipCache {
		p, err := r.resolveAndStore(ctx, token, block, opts)
		return r.shapeOutcome(ctx, token, block, opts, p, err)
	}
	v, err := r.memo.Do(ctx, key, func(ctx context.Context) (any, error) {
		if p, ok, err := r.st.GetPrice(ctx, token.Hex(), block); err != nil {
			return nil, err
		} else if ok {
			return p, nil
		}
		return r.resolveAndStore(ctx, token, block, opts)
	})
	if err != nil {
		return r.shapeOutcome(ctx, token, block, opts, decimal.Zero, err)
	}
	return v.(decimal.Decimal), true, nil
}

// resolveAndStore runs the strategy walk and persists a hit. A miss is
// errNoPrice, which the memo never caches.
func (r *Router) resolveAndStore(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, error) {
	p, ok, err := r.resolve(ctx, token, block, opts)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, errNoPrice
	}
	r.sanityCheck(ctx, token, block, p)
	if err := r.st.PutPrice(ctx, token.Hex(), block, p); err != nil {
		return decimal.Zero, err
	}
	return p, nil
}

func (r *Router) shapeOutcome(ctx context.Context, token common.Address, block uint64, opts Opts, p decimal.Decimal, err error) (decimal.Decimal, bool, error) {
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, errNoPrice) {
		return decimal.Zero, false, err
	}
	if opts.FailToNone {
		return decimal.Zero, false, nil
	}
	symbol, _ := r.erc20.Symbol(ctx, token, block)
	return decimal.Zero, false, &PriceError{Token: token, Block: block, Symbol: symbol}
}

// Recurse is the strategies' way back into the router for underlying tokens;
// it enforces the depth budget and the direct self-recursion guard.
func (r *Router) Recurse(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	child, err := opts.child(token)
	if err != nil {
		logging.Logger().Debug("recursion guard tripped", "token", token.Hex(), "err", err.Error())
		return decimal.Zero, false, nil
	}
	child.FailToNone = true
	return r.GetPrice(ctx, token, block, child)
}

func (r *Router) resolve(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	// One-to-one pegs apply before strategy dispatch.
	if underlying, ok := oneToOne[token]; ok {
		return r.Recurse(ctx, underlying, block, opts)
	}
	if token == WstETH {
		return r.wstethPrice(ctx, block, opts)
	}
	if token == WrappedGasCoin {
		// The gas coin itself resolves through chainlink/AMM fallbacks below.
		return r.tryFallbacks(ctx, token, block, opts, nil)
	}
	bucket, err := r.bucketer.Bucket(ctx, token)
	if err != nil {
		return decimal.Zero, false, err
	}
	var primary Strategy
	if s, ok := r.byBucket[bucket]; ok {
		primary = s
		p, ok, err := r.runStrategy(ctx, s, token, block, opts)
		if err != nil {
			return decimal.Zero, false, err
		}
		if ok {
			return p, true, nil
		}
	}
	return r.tryFallbacks(ctx, token, block, opts, primary)
}

// tryFallbacks walks the fixed order: chainlink -> curve -> balancer ->
// bucket strategy (already tried) -> generic AMM -> deepest uniswap-family
// router -> band/synthetix -> optional remote oracle.
func (r *Router) tryFallbacks(ctx context.Context, token common.Address, block uint64, opts Opts, tried Strategy) (decimal.Decimal, bool, error) {
	for _, s := range r.fallbacks {
		if s == tried {
			continue
		}
		if matched, err := s.Matches(ctx, token); err != nil {
			return decimal.Zero, false, err
		} else if !matched {
			continue
		}
		p, ok, err := r.runStrategy(ctx, s, token, block, opts)
		if err != nil {
			return decimal.Zero, false, err
		}
		if ok {
			return p, true, nil
		}
	}
	if r.univ3 != nil && r.univ3 != tried {
		if p, ok, err := r.univ3.Quote(ctx, token, block, opts); err != nil {
			return decimal.Zero, false, err
		} else if ok {
			return p, true, nil
		}
	}
	if r.univ2 != nil {
		if p, ok, err := r.univ2.TokenPrice(ctx, token, block, opts); err != nil {
			return decimal.Zero, false, err
		} else if ok {
			return p, true, nil
		}
	}
	for _, s := range r.bandSynth {
		if matched, err := s.Matches(ctx, token); err != nil {
			return decimal.Zero, false, err
		} else if !matched {
			continue
		}
		p, ok, err := r.runStrategy(ctx, s, token, block, opts)
		if err != nil {
			return decimal.Zero, false, err
		}
		if ok {
			return p, true, nil
		}
	}
	if r.remote != nil {
		p, ok, err := r.remote.Price(ctx, token, block)
		if err != nil {
			logging.Logger().Warn("remote oracle failed", "token", token.Hex(), "err", err.Error())
		} else if ok {
			return p, true, nil
		}
	}
	return decimal.Zero, false, nil
}

// runStrategy folds the structured "not a <kind>" outcome into a skip.
func (r *Router) runStrategy(ctx context.Context, s Strategy, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	p, ok, err := s.Price(ctx, token, block, opts)
	if err != nil {
		if eth.IsRevert(err) || errors.Is(err, ErrNotAKind) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, err
	}
	return p, ok, nil
}

// wstethPrice applies the share-rate peg: wstETH = stEthPerToken * stETH.
func (r *Router) wstethPrice(ctx context.Context, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	ret, ok, err := probeCall(ctx, r.client, WstETH, eth.Call("stEthPerToken()"), block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	rate, err := eth.DecodeUint256(ret, 0)
	if err != nil {
		return decimal.Zero, false, err
	}
	underlying, ok, err := r.Recurse(ctx, StETH, block, opts)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	return toDecimal(rate, 18).Mul(underlying), true, nil
}

// sanityCheck warns once per token for prices >= $1000 off the allowlist,
// unless the bucket is an LP share that legitimately compounds value.
func (r *Router) sanityCheck(ctx context.Context, token common.Address, block uint64, p decimal.Decimal) {
	if p.LessThan(sanityThreshold) {
		return
	}
	if _, ok := acceptableHigh[token]; ok {
		return
	}
	bucket, err := r.bucketer.Bucket(ctx, token)
	if err == nil && (bucket == BucketUniV2LP || bucket == BucketUniV3LP || bucket == BucketYearnLike) {
		return
	}
	logging.WarnOnce("sanity-"+token.Hex(),
		"suspiciously high price", "token", token.Hex(), "block", block, "price", p.String())
}

// GetPrices fans out over tokens with bounded concurrency. Each element is
// (price, ok) positionally matching tokens.
func (r *Router) GetPrices(ctx context.Context, tokens []common.Address, block uint64, opts Opts) ([]decimal.Decimal, []bool, error) {
	prices := make([]decimal.Decimal, len(tokens))
	oks := make([]bool, len(tokens))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, t := range tokens {
		i, t := i, t
		g.Go(func() error {
			o := opts
			o.FailToNone = true
			p, ok, err := r.GetPrice(ctx, t, block, o)
			if err != nil {
				return err
			}
			prices[i], oks[i] = p, ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return prices, oks, nil
}
