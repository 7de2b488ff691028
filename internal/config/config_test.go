package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.ChainID != 1 {
		t.Errorf("ChainID = %d, want 1", cfg.ChainID)
	}
	if cfg.CacheTTL != time.Hour {
		t.Errorf("CacheTTL = %s, want 1h", cfg.CacheTTL)
	}
	if cfg.GetLogsDOP != 32 {
		t.Errorf("GetLogsDOP = %d, want 32", cfg.GetLogsDOP)
	}
	if cfg.DBProvider != ProviderEmbedded {
		t.Errorf("DBProvider = %s, want embedded", cfg.DBProvider)
	}
	if cfg.DBPort != 5432 {
		t.Errorf("DBPort = %d, want 5432", cfg.DBPort)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CHAIN_ID", "10")
	t.Setenv("CACHE_TTL", "120")
	t.Setenv("GETLOGS_DOP", "9999") // clamps to max
	t.Setenv("DB_PROVIDER", "NETWORKED")
	t.Setenv("SKIP_CACHE", "true")
	cfg := Load()
	if cfg.ChainID != 10 {
		t.Errorf("ChainID = %d, want 10", cfg.ChainID)
	}
	if cfg.CacheTTL != 2*time.Minute {
		t.Errorf("CacheTTL = %s, want 2m (plain ints are seconds)", cfg.CacheTTL)
	}
	if cfg.GetLogsDOP != 256 {
		t.Errorf("GetLogsDOP = %d, want clamp to 256", cfg.GetLogsDOP)
	}
	if cfg.DBProvider != ProviderNetworked {
		t.Errorf("DBProvider = %s, want networked", cfg.DBProvider)
	}
	if !cfg.SkipCache {
		t.Error("SkipCache not set")
	}
}

func TestLoadBadValuesFallBack(t *testing.T) {
	t.Setenv("CACHE_TTL", "not-a-number")
	t.Setenv("GETLOGS_DOP", "0") // clamps to min
	t.Setenv("DB_PROVIDER", "oracle")
	cfg := Load()
	if cfg.CacheTTL != time.Hour {
		t.Errorf("CacheTTL = %s, want default 1h", cfg.CacheTTL)
	}
	if cfg.GetLogsDOP != 1 {
		t.Errorf("GetLogsDOP = %d, want clamp to 1", cfg.GetLogsDOP)
	}
	if cfg.DBProvider != ProviderEmbedded {
		t.Errorf("unknown provider should fall back to embedded, got %s", cfg.DBProvider)
	}
}

func TestValidate(t *testing.T) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg.YPriceAPISigner = "0xabc"
	if err := cfg.Validate(); err == nil {
		t.Fatal("signer without signature must fail")
	}
	cfg.YPriceAPISig = "sig"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("signer+signature should validate: %v", err)
	}
	cfg.DBProvider = ProviderNetworked
	cfg.DBUser = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("networked without DB_USER must fail")
	}
}

func TestRedactDSN(t *testing.T) {
	got := RedactDSN("postgres://user:hunter2@db:5432/prices")
	if strings.Contains(got, "hunter2") {
		t.Fatalf("password leaked: %s", got)
	}
	got = RedactDSN("host=db port=5432 user=u password=hunter2 dbname=prices sslmode=disable")
	if strings.Contains(got, "hunter2") {
		t.Fatalf("password leaked: %s", got)
	}
	if RedactDSN("") != "" {
		t.Fatal("empty DSN changed")
	}
}
