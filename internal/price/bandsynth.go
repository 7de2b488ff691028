package price

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/chainprice/chainprice/internal/eth"
)

var bandReference = common.HexToAddress("0xDA7a001b254CD22e46d3eAB04d937489c93174C3")

// Band quotes getReferenceData(symbol, "USDC") from the band std reference,
// scaled 1e18.
type Band struct {
	client eth.Client
	erc20  *ERC20
	match  *matchMemo
}

func NewBand(client eth.Client, erc20 *ERC20) *Band {
	return &Band{client: client, erc20: erc20, match: newMatchMemo("band")}
}

func (s *Band) Name() string   { return "band" }
func (s *Band) Bucket() Bucket { return BucketGeneric }

// Matches is a cheap head-block dry run of the reference call.
func (s *Band) Matches(ctx context.Context, token common.Address) (bool, error) {
	return s.match.do(ctx, token, func(ctx context.Context) (bool, error) {
		head, err := s.client.BlockNumber(ctx)
		if err != nil {
			return false, err
		}
		_, ok, err := s.rate(ctx, token, head)
		return ok, err
	})
}

func (s *Band) Price(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	rate, ok, err := s.rate(ctx, token, block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	return rate, true, nil
}

func (s *Band) rate(ctx context.Context, token common.Address, block uint64) (decimal.Decimal, bool, error) {
	symbol, err := s.erc20.Symbol(ctx, token, block)
	if err != nil || symbol == "" {
		return decimal.Zero, false, err
	}
	data := eth.Call("getReferenceData(string,string)")
	data = append(data, encodeTwoStrings(symbol, "USDC")...)
	ret, ok, err := probeCall(ctx, s.client, bandReference, data, block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	rate, err := eth.DecodeUint256(ret, 0)
	if err != nil {
		return decimal.Zero, false, err
	}
	if rate.IsZero() {
		return decimal.Zero, false, nil
	}
	return toDecimal(rate, 18), true, nil
}

// encodeTwoStrings ABI-encodes two dynamic string arguments.
func encodeTwoStrings(a, b string) []byte {
	enc := func(s string) []byte {
		out := make([]byte, 32+(len(s)+31)/32*32)
		ln := len(s)
		for i := 0; i < 8; i++ {
			out[31-i] = byte(ln >> (8 * i))
		}
		copy(out[32:], s)
		return out
	}
	ea, eb := enc(a), enc(b)
	head := make([]byte, 64)
	head[31] = 0x40
	offB := 64 + len(ea)
	for i := 0; i < 8; i++ {
		head[63-i] = byte(offB >> (8 * i))
	}
	return append(append(head, ea...), eb...)
}

var (
	synthetixResolver = common.HexToAddress("0x4E3b31eB0E5CB73641EE1E65E7dCEFe520bA3ef2")
	exchangeRatesKey  = bytes32FromString("ExchangeRates")
)

// Synthetix prices synths via currencyKey() against the ExchangeRates
// contract resolved through the read proxy.
type Synthetix struct {
	client eth.Client
	match  *matchMemo
}

func NewSynthetix(client eth.Client) *Synthetix {
	return &Synthetix{client: client, match: newMatchMemo("synthetix")}
}

func (s *Synthetix) Name() string   { return "synthetix" }
func (s *Synthetix) Bucket() Bucket { return BucketGeneric }

func (s *Synthetix) Matches(ctx context.Context, token common.Address) (bool, error) {
	return s.match.do(ctx, token, func(ctx context.Context) (bool, error) {
		head, err := s.client.BlockNumber(ctx)
		if err != nil {
			return false, err
		}
		_, ok, err := s.currencyKey(ctx, token, head)
		return ok, err
	})
}

func (s *Synthetix) Price(ctx context.Context, token common.Address, block uint64, opts Opts) (decimal.Decimal, bool, error) {
	key, ok, err := s.currencyKey(ctx, token, block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	ret, ok, err := probeCall(ctx, s.client, synthetixResolver,
		eth.Call("getAddress(bytes32)", exchangeRatesKey), block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	rates, err := eth.DecodeAddress(ret, 0)
	if err != nil {
		return decimal.Zero, false, err
	}
	if rates == (common.Address{}) {
		return decimal.Zero, false, nil
	}
	ret, ok, err = probeCall(ctx, s.client, rates,
		eth.Call("rateForCurrency(bytes32)", key), block)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	rate, err := eth.DecodeUint256(ret, 0)
	if err != nil {
		return decimal.Zero, false, err
	}
	if rate.IsZero() {
		return decimal.Zero, false, nil
	}
	return toDecimal(rate, 18), true, nil
}

func (s *Synthetix) currencyKey(ctx context.Context, token common.Address, block uint64) ([32]byte, bool, error) {
	ret, ok, err := probeCall(ctx, s.client, token, eth.Call("currencyKey()"), block)
	if err != nil || !ok {
		return [32]byte{}, false, err
	}
	key, err := eth.Word(ret, 0)
	if err != nil {
		// Malformed short return: not a synth.
		return [32]byte{}, false, nil
	}
	if key == ([32]byte{}) {
		return [32]byte{}, false, nil
	}
	return key, true, nil
}

func bytes32FromString(s string) [32]byte {
	var out [32]byte
	copy(out[:], s)
	return out
}
