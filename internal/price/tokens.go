package price

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainprice/chainprice/internal/flight"
)

// Well-known mainnet addresses. One chain per process; per-chain tables feed
// these at construction for other networks.

// EEESentinel denotes the native asset in ERC-20-only APIs; it is never
// materialized as a token row.
var EEESentinel = common.HexToAddress("0xEeeeEEEEeeeEeeeEEeEeeEEEEeEeEeEeEEeEeEEe")

var (
	WETH = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	WBTC = common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")
	USDC = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	USDT = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	DAI  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")

	StETH    = common.HexToAddress("0xae7ab96520DE3A18E5e111B5EaAb095312D7fE84")
	WstETH   = common.HexToAddress("0x7f39C581F595B53c5cb19bD0b3f8dA6c935E2Ca0")
	RenBTC   = common.HexToAddress("0xEB4C2781e4ebA804CE9a9803C67d0893436bB27D")
	ThreeCrv = common.HexToAddress("0x6c3F90f043a72FA612cbac8115EE7e52BDe6E490")
	Cvx3Crv  = common.HexToAddress("0x30D9410ED1D5DA1F6C8391af5338C93ab8d4035C")
)

// WrappedGasCoin substitutes for the EEE sentinel before strategy dispatch.
var WrappedGasCoin = WETH

// stableSet short-circuits to exactly 1 USD.
var stableSet = map[common.Address]struct{}{
	USDC: {},
	USDT: {},
	DAI:  {},
	common.HexToAddress("0x4Fabb145d64652a948d72533023f6E7A623C7C53"): {}, // BUSD
	common.HexToAddress("0x0000000000085d4780B73119b644AE5ecd22b376"): {}, // TUSD
	common.HexToAddress("0x8E870D67F660D95d5be530380D0eC0bd388289E1"): {}, // USDP
	common.HexToAddress("0x853d955aCEf822Db058eb8505911ED77F175b99e"): {}, // FRAX
	common.HexToAddress("0x5f98805A4E8be255a32880FDeC7F6728C6568bA0"): {}, // LUSD
	common.HexToAddress("0x056Fd409E1d7A124BD7017459dFEa2F387b6d5Cd"): {}, // GUSD
	common.HexToAddress("0x57Ab1ec28D129707052df4dF418D58a2D46d5f51"): {}, // sUSD
}

// acceptableHigh lists tokens allowed to price >= $1000 without a warning.
var acceptableHigh = map[common.Address]struct{}{
	WETH:   {},
	WBTC:   {},
	WstETH: {},
	StETH:  {},
	RenBTC: {},
	common.HexToAddress("0xcB3df3108635932D912632ef7132d03EcFC39080"): {}, // WING
	common.HexToAddress("0x9f8F72aA9304c8B593d555F12eF6589cC3A579A2"): {}, // MKR
	common.HexToAddress("0xc00e94Cb662C3520282E6f5717214004A7f26888"): {}, // COMP
	common.HexToAddress("0x0bc529c00C6401aEF6D220BE8C6Ea1667F6Ad93e"): {}, // YFI
}

// oneToOne maps composite wrappers directly onto their underlying token.
var oneToOne = map[common.Address]common.Address{
	RenBTC:  WBTC,
	Cvx3Crv: ThreeCrv,
	common.HexToAddress("0x9D409a0A012CFbA9B15F6D4B36Ac57A46966Ab9a"): common.HexToAddress("0x62B9c7356A2Dc64a1969e19C23e4f579F9810Aa7"), // yvBOOST -> cvxCRV shortcut
}

// IsStable reports membership in the configured stablecoin set.
func IsStable(token common.Address) bool {
	_, ok := stableSet[token]
	return ok
}

// checksumMemo keeps the hot checksum path off repeat work; one shared
// implementation used everywhere instead of per-caller patches.
var checksumMemo = flight.NewMemo(100_000, 0)

// SetChecksumCacheSize resizes the shared checksum memo. Call once at
// startup, before the first Checksum.
func SetChecksumCacheSize(n int) {
	if n > 0 {
		checksumMemo = flight.NewMemo(n, 0)
	}
}

// Checksum normalizes an address string to its EIP-55 form.
func Checksum(addr string) string {
	if v, ok := checksumMemo.Get(addr); ok {
		return v.(string)
	}
	out := common.HexToAddress(strings.TrimSpace(addr)).Hex()
	checksumMemo.Put(addr, out)
	return out
}
