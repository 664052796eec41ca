// Package config defines all configuration for the marketplace simulator.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MAAS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	RunID   string        `mapstructure:"run_id"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Router  RouterConfig  `mapstructure:"router"`
	Market  MarketConfig  `mapstructure:"market"`
	Export  ExportConfig  `mapstructure:"export"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RetryConfig governs resubmission of transient RPC failures. Contract
// reverts are never retried.
type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
}

// ContractsConfig is the deployment manifest's contract address map.
type ContractsConfig struct {
	Registry string `mapstructure:"registry"`
	Request  string `mapstructure:"request"`
	Auction  string `mapstructure:"auction"`
	Facade   string `mapstructure:"facade"`
}

// LedgerConfig is the deployment manifest for the blockchain interface.
//
//   - GasPolicy: how gasPrice is derived per submission. "fixed" uses
//     GasPriceWei as-is, "multiplier" scales the node's suggested price by
//     GasMultiplier, "capped" uses the suggestion clamped to GasPriceCapWei.
//   - GasLimit: absolute ceiling; estimates above it fail the tx immediately.
//   - MaxBatchSize: maximum in-flight submitted-but-unconfirmed transactions;
//     submissions over the cap block until a slot frees (backpressure).
//   - ConfirmationBlocks: blocks after inclusion before a tx is confirmed.
//   - MatchPerSegment: emit one recordMatch tx per bundle segment instead of
//     one per bundle (legacy on-chain accounting).
//   - UseFacade: route every call through the owner-gated facade proxy.
//   - DryRun: short-circuit submissions to instant confirmation, no RPC.
type LedgerConfig struct {
	DryRun             bool            `mapstructure:"dry_run"`
	RPCURL             string          `mapstructure:"rpc_url"`
	ChainID            int64           `mapstructure:"chain_id"`
	SigningKey         string          `mapstructure:"signing_key"`
	GasPolicy          string          `mapstructure:"gas_policy"`
	GasPriceWei        int64           `mapstructure:"gas_price_wei"`
	GasMultiplier      float64         `mapstructure:"gas_multiplier"`
	GasPriceCapWei     int64           `mapstructure:"gas_price_cap_wei"`
	GasLimit           uint64          `mapstructure:"gas_limit"`
	MaxBatchSize       int             `mapstructure:"max_batch_size"`
	ConfirmationBlocks uint64          `mapstructure:"confirmation_blocks"`
	PollInterval       time.Duration   `mapstructure:"poll_interval"`
	RPCTimeout         time.Duration   `mapstructure:"rpc_timeout"`
	ConfirmTimeout     time.Duration   `mapstructure:"confirm_timeout"`
	MatchPerSegment    bool            `mapstructure:"match_per_segment"`
	UseFacade          bool            `mapstructure:"use_facade"`
	Retry              RetryConfig     `mapstructure:"retry"`
	Contracts          ContractsConfig `mapstructure:"contracts"`
}

// RouterConfig sets the bundle router's search defaults. Per-call options
// override these.
//
//   - MaxTransfers: maximum path length in segments.
//   - TimeTolerance: maximum wait in ticks between consecutive segments.
//   - NearnessEpsilon: two points within this distance are the same node.
//   - TimeWindow: ignore segments departing after StartTime + TimeWindow.
//   - PerSegmentDiscount / MaxDiscountRate: multi-leg discount schedule.
//   - WaitPenaltyWeight: journey-duration weight in the utility score.
type RouterConfig struct {
	MaxTransfers       int     `mapstructure:"max_transfers"`
	TimeTolerance      int64   `mapstructure:"time_tolerance"`
	NearnessEpsilon    float64 `mapstructure:"nearness_epsilon"`
	TimeWindow         int64   `mapstructure:"time_window"`
	MaxResults         int     `mapstructure:"max_results"`
	PerSegmentDiscount float64 `mapstructure:"per_segment_discount"`
	MaxDiscountRate    float64 `mapstructure:"max_discount_rate"`
	WaitPenaltyWeight  float64 `mapstructure:"wait_penalty_weight"`
}

// MarketConfig tunes marketplace store lifecycles.
//
//   - ExpiryGrace: segments expire when departTime < now − grace.
//   - DefaultRequestTTL: expiry horizon for requests created without one.
type MarketConfig struct {
	ExpiryGrace       int64 `mapstructure:"expiry_grace"`
	DefaultRequestTTL int64 `mapstructure:"default_request_ttl"`
}

// ExportConfig selects the analytical store engine. Driver "sqlite" uses
// Path (file path or ":memory:"); driver "postgres" uses DSN.
type ExportConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: MAAS_SIGNING_KEY, MAAS_RPC_URL, MAAS_EXPORT_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MAAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("MAAS_SIGNING_KEY"); key != "" {
		cfg.Ledger.SigningKey = key
	}
	if url := os.Getenv("MAAS_RPC_URL"); url != "" {
		cfg.Ledger.RPCURL = url
	}
	if dsn := os.Getenv("MAAS_EXPORT_DSN"); dsn != "" {
		cfg.Export.DSN = dsn
	}
	if os.Getenv("MAAS_DRY_RUN") == "true" || os.Getenv("MAAS_DRY_RUN") == "1" {
		cfg.Ledger.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ledger.gas_policy", "multiplier")
	v.SetDefault("ledger.gas_multiplier", 1.1)
	v.SetDefault("ledger.gas_limit", 500_000)
	v.SetDefault("ledger.max_batch_size", 16)
	v.SetDefault("ledger.confirmation_blocks", 1)
	v.SetDefault("ledger.poll_interval", 2*time.Second)
	v.SetDefault("ledger.rpc_timeout", 30*time.Second)
	v.SetDefault("ledger.confirm_timeout", 5*time.Minute)
	v.SetDefault("ledger.retry.max_attempts", 3)
	v.SetDefault("ledger.retry.initial_delay", 500*time.Millisecond)
	v.SetDefault("ledger.retry.backoff_factor", 2.0)

	v.SetDefault("router.max_transfers", 3)
	v.SetDefault("router.time_tolerance", 5)
	v.SetDefault("router.nearness_epsilon", 0.5)
	v.SetDefault("router.time_window", 120)
	v.SetDefault("router.max_results", 10)
	v.SetDefault("router.per_segment_discount", 0.05)
	v.SetDefault("router.max_discount_rate", 0.15)
	v.SetDefault("router.wait_penalty_weight", 0.5)

	v.SetDefault("market.expiry_grace", 0)
	v.SetDefault("market.default_request_ttl", 100)

	v.SetDefault("export.driver", "sqlite")
	v.SetDefault("export.path", "data/runs.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.Ledger.DryRun {
		if c.Ledger.RPCURL == "" {
			return fmt.Errorf("ledger.rpc_url is required (set MAAS_RPC_URL)")
		}
		if c.Ledger.ChainID == 0 {
			return fmt.Errorf("ledger.chain_id is required")
		}
		if c.Ledger.SigningKey == "" {
			return fmt.Errorf("ledger.signing_key is required (set MAAS_SIGNING_KEY)")
		}
		if c.Ledger.Contracts.Registry == "" || c.Ledger.Contracts.Request == "" ||
			c.Ledger.Contracts.Auction == "" {
			return fmt.Errorf("ledger.contracts must name registry, request, and auction addresses")
		}
		if c.Ledger.UseFacade && c.Ledger.Contracts.Facade == "" {
			return fmt.Errorf("ledger.contracts.facade is required when ledger.use_facade is set")
		}
	}
	switch c.Ledger.GasPolicy {
	case "fixed":
		if c.Ledger.GasPriceWei <= 0 {
			return fmt.Errorf("ledger.gas_price_wei must be > 0 for the fixed gas policy")
		}
	case "multiplier":
		if c.Ledger.GasMultiplier <= 0 {
			return fmt.Errorf("ledger.gas_multiplier must be > 0 for the multiplier gas policy")
		}
	case "capped":
		if c.Ledger.GasPriceCapWei <= 0 {
			return fmt.Errorf("ledger.gas_price_cap_wei must be > 0 for the capped gas policy")
		}
	default:
		return fmt.Errorf("ledger.gas_policy must be one of: fixed, multiplier, capped")
	}
	if c.Ledger.MaxBatchSize <= 0 {
		return fmt.Errorf("ledger.max_batch_size must be > 0")
	}
	if c.Ledger.Retry.MaxAttempts < 1 {
		return fmt.Errorf("ledger.retry.max_attempts must be >= 1")
	}
	if c.Router.MaxTransfers < 1 {
		return fmt.Errorf("router.max_transfers must be >= 1")
	}
	if c.Router.NearnessEpsilon <= 0 {
		return fmt.Errorf("router.nearness_epsilon must be > 0")
	}
	if c.Router.MaxResults < 1 {
		return fmt.Errorf("router.max_results must be >= 1")
	}
	if c.Market.DefaultRequestTTL <= 0 {
		return fmt.Errorf("market.default_request_ttl must be > 0")
	}
	switch c.Export.Driver {
	case "sqlite":
		if c.Export.Path == "" {
			return fmt.Errorf("export.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Export.DSN == "" {
			return fmt.Errorf("export.dsn is required for the postgres driver (set MAAS_EXPORT_DSN)")
		}
	default:
		return fmt.Errorf("export.driver must be one of: sqlite, postgres")
	}
	return nil
}
