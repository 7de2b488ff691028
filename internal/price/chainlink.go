package price

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/chainprice/chainprice/internal/eth"
	"github.com/chainprice/chainprice/internal/filter"
	"github.com/chainprice/chainprice/internal/logging"
)

// FeedConfirmedTopic is keccak("FeedConfirmed(address,address,address,address,uint16,address)").
var FeedConfirmedTopic = common.BytesToHash(crypto.Keccak256([]byte("FeedConfirmed(address,address,address,address,uint16,address)")))

// ChainlinkRegistry emits FeedConfirmed whenever an (asset, denomination)
// aggregator goes live.
var ChainlinkRegistry = common.HexToAddress("0x47Fb2585D2C56Fe188D0E6ec628a38b74fCeeeDf")

// denomUSD is the registry's USD denomination sentinel.
var denomUSD = common.HexToAddress("0x0000000000000000000000000000000000000348")

// seedFeeds covers assets listed before the registry existed.
var seedFeeds = map[common.Address]common.Address{
	WETH: common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"), // ETH/USD
	WBTC: common.HexToAddress("0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c"), // BTC/USD
}

const feedStaleness = 24 * time.Hour

// Chainlink answers from USD aggregator feeds, discovered through the feed
// registry's FeedConfirmed log stream plus a seed map.
type Chainlink struct {
	client eth.Client

	mu    sync.RWMutex
	feeds map[common.Address]common.Address // asset -> aggregator
}

func NewChainlink(client eth.Client) *Chainlink {
	s := &Chainlink{client: client, feeds: make(map[common.Address]common.Address, len(seedFeeds))}
	for asset, feed := range seedFeeds {
		s.feeds[asset] = feed
	}
	return s
}

// AttachFeedFilter consumes FeedConfirmed events. A zero latestAggregator
// retires the feed.
func (s *Chainlink) AttachFeedFilter(ctx context.Context, f *filter.LogFilter) {
	go func() {
		it := f.Objects(0)
		for it.Next(ctx) {
			l := it.Value()
			if len(l.Topics) < 4 {
				continue
			}
			asset := common.BytesToAddress(l.Topics[1][12:])
			denom := common.BytesToAddress(l.Topics[2][12:])
			feed := common.BytesToAddress(l.Topics[3][12:])
			if denom != denomUSD {
				continue
			}
			s.mu.Lock()
			if feed == (common.Address{}) {
				delete(s.feeds, asset)
			} else {
				s.feeds[asset] = feed
			}
			s.mu.Unlock()
		}
		if err := it.Err(); err != nil {
			logging.Logger().Warn("feed filter consumer stopped", "err", err.Error())
		}
	}()
}

func (s *Chainlink) Name() string   { return "chainlink" }
func (s *Chainlink) Bucket() Bucket { return BucketChainlink }

func (s *Chainlink) feed(token common.Address) (common.Address, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	feed, ok := s.feeds[token]
	return feed, ok
}

func (s *Chainlink) Matches(ctx context.Context, token common.Address) (bool, error) {
	_, ok := s.feed(token)
	return ok, nil
}

// Price reads latestAnswer/10^decimals at block, rejecting answers staler
// than 24 hours relative to the block's own timestamp.
func (s *Chainlink) Price(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	feed, ok := s.feed(token)
	if !ok {
		return decimal.Zero, false, nil
	}
	ret, ok, err := probeCall(ctx, s.client, feed, eth.Call("latestAnswer()"), block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	answer, err := eth.DecodeUint256(ret, 0)
	if err != nil {
		return decimal.Zero, false, err
	}
	if answer.IsZero() {
		return decimal.Zero, false, nil
	}
	ret, ok, err = probeCall(ctx, s.client, feed, eth.Call("decimals()"), block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	dec, err := eth.DecodeUint256(ret, 0)
	if err != nil {
		return decimal.Zero, false, err
	}
	stale, err := s.isStale(ctx, feed, block)
	if err != nil {
		return decimal.Zero, false, err
	}
	if stale {
		logging.WarnOnce("chainlink-stale-"+feed.Hex(),
			"stale chainlink feed", "feed", feed.Hex(), "token", token.Hex(), "block", block)
		return decimal.Zero, false, nil
	}
	return toDecimal(answer, int64(dec.Uint64())), true, nil
}

func (s *Chainlink) isStale(ctx context.Context, feed common.Address, block uint64) (bool, error) {
	ret, ok, err := probeCall(ctx, s.client, feed, eth.Call("latestTimestamp()"), block)
	if err != nil {
		return false, err
	}
	if !ok {
		// Very old aggregators lack latestTimestamp; accept the answer.
		return false, nil
	}
	updated, err := eth.DecodeUint256(ret, 0)
	if err != nil {
		return false, err
	}
	header, err := s.client.HeaderByNumber(ctx, block)
	if err != nil {
		return false, err
	}
	return header.Timestamp > updated.Uint64()+uint64(feedStaleness/time.Second), nil
}
