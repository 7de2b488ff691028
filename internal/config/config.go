package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	minCacheTTL   = time.Second
	maxCacheTTL   = 24 * time.Hour
	minGetlogsDOP = 1
	maxGetlogsDOP = 256
)

// Provider names the storage backend.
type Provider string

const (
	ProviderEmbedded  Provider = "embedded"
	ProviderNetworked Provider = "networked"
)

// Config holds 12-factor environment configuration used across binaries.
type Config struct {
	ChainID uint64
	RPCURL  string

	CacheTTL             time.Duration
	ContractCacheTTL     time.Duration // 0 disables eviction
	GetLogsBatchSize     int           // 0 = provider-dependent auto
	GetLogsDOP           int
	ChecksumCacheMaxsize int
	SkipCache            bool

	DBProvider Provider
	SQLitePath string
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBDatabase string

	ExplorerAPIKey string

	SkipYPriceAPI     bool
	YPriceAPIURL      string
	YPriceAPITimeout  time.Duration
	YPriceAPIParallel int
	YPriceAPISigner   string
	YPriceAPISig      string
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

func parseUint64Env(key string, def uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.ParseUint(v, 10, 64); err == nil {
		return i
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

func parseSecEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	// Plain integers are seconds; duration strings also accepted.
	if i, err := strconv.Atoi(v); err == nil {
		return time.Duration(i) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func defaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".chainprice", "chainprice.sqlite")
}

// Load reads environment variables and returns a Config with defaults applied.
func Load() Config {
	prov := Provider(strings.ToLower(env("DB_PROVIDER", string(ProviderEmbedded))))
	if prov != ProviderEmbedded && prov != ProviderNetworked {
		prov = ProviderEmbedded
	}
	return Config{
		ChainID:              parseUint64Env("CHAIN_ID", 1),
		RPCURL:               env("RPC_URL", ""),
		CacheTTL:             clampDuration(parseSecEnv("CACHE_TTL", time.Hour), minCacheTTL, maxCacheTTL),
		ContractCacheTTL:     parseSecEnv("CONTRACT_CACHE_TTL", 0),
		GetLogsBatchSize:     parseIntEnv("GETLOGS_BATCH_SIZE", 0),
		GetLogsDOP:           clampInt(parseIntEnv("GETLOGS_DOP", 32), minGetlogsDOP, maxGetlogsDOP),
		ChecksumCacheMaxsize: parseIntEnv("CHECKSUM_CACHE_MAXSIZE", 100_000),
		SkipCache:            parseBoolEnv("SKIP_CACHE", false),
		DBProvider:           prov,
		SQLitePath:           env("SQLITE_PATH", defaultSQLitePath()),
		DBHost:               env("DB_HOST", "localhost"),
		DBPort:               parseIntEnv("DB_PORT", 5432),
		DBUser:               env("DB_USER", ""),
		DBPassword:           env("DB_PASSWORD", ""),
		DBDatabase:           env("DB_DATABASE", "chainprice"),
		ExplorerAPIKey:       env("EXPLORER_API_KEY", ""),
		SkipYPriceAPI:        parseBoolEnv("SKIP_YPRICEAPI", false),
		YPriceAPIURL:         env("YPRICEAPI_URL", ""),
		YPriceAPITimeout:     parseSecEnv("YPRICEAPI_TIMEOUT", 10*time.Second),
		YPriceAPIParallel:    parseIntEnv("YPRICEAPI_SEMAPHORE", 8),
		YPriceAPISigner:      env("YPRICEAPI_SIGNER", ""),
		YPriceAPISig:         env("YPRICEAPI_SIGNATURE", ""),
	}
}

// Validate rejects inconsistent configuration before anything opens.
func (c Config) Validate() error {
	if (c.YPriceAPISigner == "") != (c.YPriceAPISig == "") {
		return errors.New("YPRICEAPI_SIGNER and YPRICEAPI_SIGNATURE must be set together")
	}
	if c.DBProvider == ProviderNetworked && c.DBUser == "" {
		return errors.New("DB_USER required for networked DB provider")
	}
	return nil
}

// PostgresDSN assembles the networked backend connection string.
func (c Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBDatabase)
}

// RedactDSN hides credentials in DSN-like URLs to avoid logging secrets.
func RedactDSN(s string) string {
	if s == "" {
		return s
	}
	if u, err := url.Parse(s); err == nil && u.User != nil {
		if name := u.User.Username(); name != "" {
			u.User = url.UserPassword(name, "***")
		} else {
			u.User = url.User("***")
		}
		return u.String()
	}
	if strings.Contains(s, "password=") {
		parts := strings.Fields(s)
		for i, p := range parts {
			if strings.HasPrefix(p, "password=") {
				parts[i] = "password=***"
			}
		}
		return strings.Join(parts, " ")
	}
	return s
}
