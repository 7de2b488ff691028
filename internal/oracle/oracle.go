// Package oracle assembles the full pricing stack: RPC client, store,
// block service, log filters and the strategy router.
package oracle

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/chainprice/chainprice/internal/blocks"
	"github.com/chainprice/chainprice/internal/blocksem"
	"github.com/chainprice/chainprice/internal/config"
	"github.com/chainprice/chainprice/internal/eth"
	"github.com/chainprice/chainprice/internal/filter"
	"github.com/chainprice/chainprice/internal/price"
	"github.com/chainprice/chainprice/internal/store"
	"github.com/chainprice/chainprice/internal/ypriceapi"
)

// Mainnet deployment blocks for the discovery filters.
const (
	univ2FactoryDeploy     = 10_000_835
	chainlinkRegistryLive  = 12_864_088
	feedFilterName         = "chainlink-feeds"
	pairFilterName         = "univ2-pairs"
	discoveryChunksInBatch = 8
)

// Oracle owns the wired components and their shutdown order.
type Oracle struct {
	cfg    config.Config
	client eth.Client
	st     *store.Store
	blocks *blocks.Service
	router *price.Router

	feedFilter *filter.LogFilter
	pairFilter *filter.LogFilter
}

// New wires an Oracle from process config. The caller owns Close.
func New(ctx context.Context, cfg config.Config) (*Oracle, error) {
	base, err := eth.NewHTTPClient(cfg.RPCURL, nil)
	if err != nil {
		return nil, fmt.Errorf("rpc client: %w", err)
	}
	client := eth.NewRLClient(base, eth.NewLimiter(0), cfg.GetLogsDOP)
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	price.SetChecksumCacheSize(cfg.ChecksumCacheMaxsize)
	o := &Oracle{cfg: cfg, client: client, st: st}
	o.blocks = blocks.NewService(st, client, cfg.ContractCacheTTL)
	o.blocks.AttachExplorer(eth.NewExplorer("", cfg.ExplorerAPIKey))

	erc20 := price.NewERC20(client, st)
	chainlink := price.NewChainlink(client)

	// The router recurses through strategies that are built before it; wire
	// through a late-bound indirection.
	var router *price.Router
	rec := recurserFunc(func(ctx context.Context, token common.Address, block uint64, opts price.Opts) (decimal.Decimal, bool, error) {
		return router.Recurse(ctx, token, block, opts)
	})

	univ2 := price.NewUniswapV2(client, erc20, rec)
	univ3 := price.NewUniswapV3(client, erc20)
	curve := price.NewCurve(client, erc20, rec)
	balancer := price.NewBalancer(client, erc20, rec)
	compound := price.NewCompound(client, erc20, rec)
	aave := price.NewAave(client, rec)
	vault := price.NewVault(client, erc20, rec)
	pendle := price.NewPendle(client, rec)
	vb := price.NewVBToken(client, rec)
	rkp3r := price.NewRKP3R(rec)

	// Probe order: cheap address-map checks first, then protocol-specific
	// signatures, the AMM shapes last so vault wrappers win over pools.
	ordered := []price.Strategy{chainlink, rkp3r, vb, aave, compound, pendle, curve, balancer, vault}
	ordered = append(ordered, price.NewBasketStrategies(client, erc20, rec)...)
	ordered = append(ordered, univ2, univ3)

	bucketer := price.NewBucketer(st, ordered)
	remote := ypriceapi.New(ypriceapi.Config{
		URL:       remoteURL(cfg),
		ChainID:   cfg.ChainID,
		Signer:    cfg.YPriceAPISigner,
		Signature: cfg.YPriceAPISig,
		Timeout:   cfg.YPriceAPITimeout,
		Parallel:  cfg.YPriceAPIParallel,
	})
	rc := price.RouterConfig{
		Store:     st,
		Client:    client,
		ERC20:     erc20,
		Bucketer:  bucketer,
		Ordered:   ordered,
		Fallbacks: []price.Strategy{chainlink, curve, balancer},
		BandSynth: []price.Strategy{price.NewBand(client, erc20), price.NewSynthetix(client)},
		UniV2:     univ2,
		UniV3:     univ3,
		CacheTTL:  cfg.CacheTTL,
		SkipCache: cfg.SkipCache,
	}
	if remote != nil {
		rc.Remote = remote
	}
	router = price.NewRouter(rc)
	o.router = router

	o.startFilters(ctx, chainlink, univ2)
	return o, nil
}

type recurserFunc func(ctx context.Context, token common.Address, block uint64, opts price.Opts) (decimal.Decimal, bool, error)

func (f recurserFunc) Recurse(ctx context.Context, token common.Address, block uint64, opts price.Opts) (decimal.Decimal, bool, error) {
	return f(ctx, token, block, opts)
}

// startFilters launches the discovery log filters behind one shared
// per-provider block semaphore.
func (o *Oracle) startFilters(ctx context.Context, chainlink *price.Chainlink, univ2 *price.UniswapV2) {
	sem := blocksem.New(o.cfg.GetLogsDOP)
	chunk := eth.DefaultChunkSize(o.cfg.RPCURL, o.cfg.ChainID, o.cfg.GetLogsBatchSize)

	o.feedFilter = filter.NewLogFilter(o.st, o.client, filter.Config{
		Name:           feedFilterName,
		FromBlock:      chainlinkRegistryLive,
		ChunkSize:      chunk,
		ChunksPerBatch: discoveryChunksInBatch,
		Reusable:       true,
	}, []common.Address{price.ChainlinkRegistry}, [][]common.Hash{{price.FeedConfirmedTopic}}, sem)
	o.feedFilter.Start(ctx)
	chainlink.AttachFeedFilter(ctx, o.feedFilter)

	o.pairFilter = filter.NewLogFilter(o.st, o.client, filter.Config{
		Name:           pairFilterName,
		FromBlock:      univ2FactoryDeploy,
		ChunkSize:      chunk,
		ChunksPerBatch: discoveryChunksInBatch,
		Reusable:       true,
	}, nil, [][]common.Hash{{price.PairCreatedTopic}}, sem)
	o.pairFilter.Start(ctx)
	univ2.AttachPairFilter(ctx, o.pairFilter)
}

// Head returns the chain head block number.
func (o *Oracle) Head(ctx context.Context) (uint64, error) {
	return o.client.BlockNumber(ctx)
}

// Router exposes the price router for callers.
func (o *Oracle) Router() *price.Router { return o.router }

// Blocks exposes the block/timestamp service.
func (o *Oracle) Blocks() *blocks.Service { return o.blocks }

// Store exposes the backing store for admin operations.
func (o *Oracle) Store() *store.Store { return o.st }

// Close tears down filters first, then the store (and its executor pools).
func (o *Oracle) Close() error {
	if o.feedFilter != nil {
		o.feedFilter.Close()
	}
	if o.pairFilter != nil {
		o.pairFilter.Close()
	}
	return o.st.Close()
}

func remoteURL(cfg config.Config) string {
	if cfg.SkipYPriceAPI {
		return ""
	}
	return cfg.YPriceAPIURL
}
