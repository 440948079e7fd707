// Package config loads engine configuration from a YAML file, an optional
// .env file, and environment-variable overrides, in that order of
// precedence (env wins).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Betting BettingConfig `yaml:"betting"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// StorageConfig selects the Ledger backend. An empty DatabaseURL means
// the in-memory ledger; RedisURL enables the read-through cache layer.
type StorageConfig struct {
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
}

// BettingConfig holds the admission and settlement policy knobs.
type BettingConfig struct {
	MinBet              float64 `yaml:"min_bet"`
	MaxBet              float64 `yaml:"max_bet"`
	MaxSinglePayout     float64 `yaml:"max_single_payout"`
	MaxDailyPayout      float64 `yaml:"max_daily_payout"`
	MaxPlatformExposure float64 `yaml:"max_platform_exposure"`
	MaxActiveBets       int     `yaml:"max_active_bets"`

	MinMultiplier float64 `yaml:"min_multiplier"`
	MaxMultiplier float64 `yaml:"max_multiplier"`
	HouseEdge     float64 `yaml:"house_edge"`
	// EdgeTiers optionally override the house edge by price-distance
	// band; the first tier whose max_distance exceeds the wager's
	// distance wins.
	EdgeTiers []EdgeTierConfig `yaml:"edge_tiers"`
	FeeRate   float64          `yaml:"fee_rate"` // platform fee on winnings

	MinPriceDistancePct  float64 `yaml:"min_price_distance_pct"`
	MaxPriceDistancePct  float64 `yaml:"max_price_distance_pct"`
	SlippageTolerancePct float64 `yaml:"slippage_tolerance_pct"`

	MinTargetLeadSeconds int `yaml:"min_target_lead_seconds"`
	MaxTargetLeadSeconds int `yaml:"max_target_lead_seconds"`

	MinBetIntervalMillis int `yaml:"min_bet_interval_millis"`

	JitterMinMillis      int `yaml:"jitter_min_millis"`
	JitterMaxMillis      int `yaml:"jitter_max_millis"`
	ExpiryGraceSeconds   int `yaml:"expiry_grace_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// EdgeTierConfig is one house-edge band.
type EdgeTierConfig struct {
	MaxDistance float64 `yaml:"max_distance"`
	Edge        float64 `yaml:"edge"`
}

// SourceConfig describes one upstream price feed.
type SourceConfig struct {
	Name               string  `yaml:"name"`
	URL                string  `yaml:"url"`
	PriceField         string  `yaml:"price_field"`
	Reliability        float64 `yaml:"reliability"`
	MaxStalenessMillis int     `yaml:"max_staleness_millis"`
}

// MaxStaleness returns the source's staleness cutoff.
func (s SourceConfig) MaxStaleness() time.Duration {
	return time.Duration(s.MaxStalenessMillis) * time.Millisecond
}

// OracleConfig holds the price sources and aggregation thresholds.
type OracleConfig struct {
	Sources []SourceConfig `yaml:"sources"`

	FetchTimeoutMillis    int     `yaml:"fetch_timeout_millis"`
	CacheTTLMillis        int     `yaml:"cache_ttl_millis"`
	MinSources            int     `yaml:"min_sources"`
	MaxSpreadPct          float64 `yaml:"max_spread_pct"`
	SoftJumpPct           float64 `yaml:"soft_jump_pct"`
	HardJumpPct           float64 `yaml:"hard_jump_pct"`
	MaxSourceDeviationPct float64 `yaml:"max_source_deviation_pct"`
	RetryDelayMillis      int     `yaml:"retry_delay_millis"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	WindowSeconds      int     `yaml:"window_seconds"`
	ElevatedVolatility float64 `yaml:"elevated_volatility"`
	HighVolatility     float64 `yaml:"high_volatility"`
	ExtremeVolatility  float64 `yaml:"extreme_volatility"`
	CooldownSeconds    int     `yaml:"cooldown_seconds"`
}

// Load reads the YAML config at path (if it exists), loads .env, and
// applies environment overrides and defaults. A missing file is not an
// error: defaults plus env are enough to run.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config.Load: parse YAML %q: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	return &cfg, nil
}

// Duration accessors keep time math out of call sites.

func (c *Config) OracleFetchTimeout() time.Duration {
	return time.Duration(c.Oracle.FetchTimeoutMillis) * time.Millisecond
}

func (c *Config) OracleCacheTTL() time.Duration {
	return time.Duration(c.Oracle.CacheTTLMillis) * time.Millisecond
}

func (c *Config) OracleRetryDelay() time.Duration {
	return time.Duration(c.Oracle.RetryDelayMillis) * time.Millisecond
}

func (c *Config) MinBetInterval() time.Duration {
	return time.Duration(c.Betting.MinBetIntervalMillis) * time.Millisecond
}

func (c *Config) MinTargetLead() time.Duration {
	return time.Duration(c.Betting.MinTargetLeadSeconds) * time.Second
}

func (c *Config) MaxTargetLead() time.Duration {
	return time.Duration(c.Betting.MaxTargetLeadSeconds) * time.Second
}

func (c *Config) ExpiryGrace() time.Duration {
	return time.Duration(c.Betting.ExpiryGraceSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Betting.SweepIntervalSeconds) * time.Second
}

func (c *Config) BreakerWindow() time.Duration {
	return time.Duration(c.Breaker.WindowSeconds) * time.Second
}

func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.Breaker.CooldownSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("HOUSE_EDGE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Betting.HouseEdge = f
		}
	}
	if v := os.Getenv("FEE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Betting.FeeRate = f
		}
	}
	if v := os.Getenv("MAX_PLATFORM_EXPOSURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Betting.MaxPlatformExposure = f
		}
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}

	b := &cfg.Betting
	if b.MinBet == 0 {
		b.MinBet = 1
	}
	if b.MaxBet == 0 {
		b.MaxBet = 1000
	}
	if b.MaxSinglePayout == 0 {
		b.MaxSinglePayout = 10000
	}
	if b.MaxDailyPayout == 0 {
		b.MaxDailyPayout = 50000
	}
	if b.MaxPlatformExposure == 0 {
		b.MaxPlatformExposure = 500000
	}
	if b.MaxActiveBets == 0 {
		b.MaxActiveBets = 10
	}
	if b.MinMultiplier == 0 {
		b.MinMultiplier = 1.01
	}
	if b.MaxMultiplier == 0 {
		b.MaxMultiplier = 50
	}
	if b.HouseEdge == 0 {
		b.HouseEdge = 0.20
	}
	if b.FeeRate == 0 {
		b.FeeRate = 0.05
	}
	if b.MinPriceDistancePct == 0 {
		b.MinPriceDistancePct = 0.001 // 0.1%
	}
	if b.MaxPriceDistancePct == 0 {
		b.MaxPriceDistancePct = 0.10 // 10%
	}
	if b.SlippageTolerancePct == 0 {
		b.SlippageTolerancePct = 0.01
	}
	if b.MinTargetLeadSeconds == 0 {
		b.MinTargetLeadSeconds = 5
	}
	if b.MaxTargetLeadSeconds == 0 {
		b.MaxTargetLeadSeconds = 3600
	}
	if b.MinBetIntervalMillis == 0 {
		b.MinBetIntervalMillis = 500
	}
	if b.JitterMinMillis == 0 {
		b.JitterMinMillis = 100
	}
	if b.JitterMaxMillis == 0 {
		b.JitterMaxMillis = 500
	}
	if b.ExpiryGraceSeconds == 0 {
		b.ExpiryGraceSeconds = 300
	}
	if b.SweepIntervalSeconds == 0 {
		b.SweepIntervalSeconds = 60
	}

	o := &cfg.Oracle
	for i := range o.Sources {
		if o.Sources[i].PriceField == "" {
			o.Sources[i].PriceField = "price"
		}
		if o.Sources[i].Reliability == 0 {
			o.Sources[i].Reliability = 0.5
		}
		if o.Sources[i].MaxStalenessMillis == 0 {
			o.Sources[i].MaxStalenessMillis = 5000
		}
	}
	if o.FetchTimeoutMillis == 0 {
		o.FetchTimeoutMillis = 2000
	}
	if o.CacheTTLMillis == 0 {
		o.CacheTTLMillis = 1000
	}
	if o.MinSources == 0 {
		o.MinSources = 2
	}
	if o.MaxSpreadPct == 0 {
		o.MaxSpreadPct = 0.01 // 1%
	}
	if o.SoftJumpPct == 0 {
		o.SoftJumpPct = 0.05
	}
	if o.HardJumpPct == 0 {
		o.HardJumpPct = 0.10
	}
	if o.MaxSourceDeviationPct == 0 {
		o.MaxSourceDeviationPct = 0.02
	}
	if o.RetryDelayMillis == 0 {
		o.RetryDelayMillis = 250
	}

	br := &cfg.Breaker
	if br.WindowSeconds == 0 {
		br.WindowSeconds = 300
	}
	if br.ElevatedVolatility == 0 {
		br.ElevatedVolatility = 0.02
	}
	if br.HighVolatility == 0 {
		br.HighVolatility = 0.05
	}
	if br.ExtremeVolatility == 0 {
		br.ExtremeVolatility = 0.10
	}
	if br.CooldownSeconds == 0 {
		br.CooldownSeconds = 300
	}
}
