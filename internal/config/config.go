package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the meridian engine.
type Config struct {
	Storage Storage       `yaml:"storage"`
	Server  Server        `yaml:"server"`
	Alpaca  Alpaca        `yaml:"alpaca"`
	Logging Logging       `yaml:"logging"`
	Trading TradingConfig `yaml:"trading"`
	Sandbox SandboxConfig `yaml:"sandbox"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Alpaca holds credentials and endpoints for the live broker adapter.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig defines execution and reconciliation parameters.
type TradingConfig struct {
	// PaperMode selects the sandbox backend instead of the live adapter.
	PaperMode bool `yaml:"paper_mode"`
	// MaxOrderQty bounds a single order's quantity; zero means unlimited.
	MaxOrderQty int64 `yaml:"max_order_qty"`
	// TickIntervalMS is the sync engine poll cadence.
	TickIntervalMS int `yaml:"tick_interval_ms"`
	// CancelTimeoutMS is how long a cancel waits for broker confirmation
	// before the order is marked CANCELLED optimistically.
	CancelTimeoutMS int `yaml:"cancel_timeout_ms"`
	// RetryAttempts / RetryBaseDelayMS bound retries of live adapter calls.
	RetryAttempts    int `yaml:"retry_attempts"`
	RetryBaseDelayMS int `yaml:"retry_base_delay_ms"`
	// StatusPollPerMin rate-limits live order status polling.
	StatusPollPerMin int `yaml:"status_poll_per_min"`
	// DedupWindowSec is the signal duplicate-detection window.
	DedupWindowSec int `yaml:"dedup_window_sec"`
}

// SandboxConfig controls the fill simulator.
type SandboxConfig struct {
	// FillMode is "immediate" or "stochastic".
	FillMode string `yaml:"fill_mode"`
	// PartialFillProbability in [0,1] applies in stochastic mode.
	PartialFillProbability float64 `yaml:"partial_fill_probability"`
	// PartialFillRatio in (0,1) is the filled fraction of a partial fill.
	PartialFillRatio float64 `yaml:"partial_fill_ratio"`
	// MarginPolicy is "infinite" or "fixed".
	MarginPolicy string `yaml:"margin_policy"`
	// MarginAmount is the available margin under the fixed policy.
	MarginAmount float64 `yaml:"margin_amount"`
	// Seed makes fill sequences reproducible for identical inputs.
	Seed int64 `yaml:"seed"`
	// MarketOpen controls the market-closed rejection; defaults to open.
	MarketOpen *bool `yaml:"market_open"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with workable defaults for paper trading.
func Default() *Config {
	open := true
	return &Config{
		Storage: Storage{DataDir: "data", SQLitePath: "data/meridian.db"},
		Server:  Server{Host: "127.0.0.1", Port: 8787},
		Logging: Logging{Level: "info", Format: "json"},
		Trading: TradingConfig{
			PaperMode:        true,
			TickIntervalMS:   1000,
			CancelTimeoutMS:  5000,
			RetryAttempts:    3,
			RetryBaseDelayMS: 250,
			StatusPollPerMin: 120,
			DedupWindowSec:   60,
		},
		Sandbox: SandboxConfig{
			FillMode:         "immediate",
			PartialFillRatio: 0.5,
			MarginPolicy:     "infinite",
			Seed:             1,
			MarketOpen:       &open,
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Sandbox.FillMode {
	case "immediate", "stochastic":
	default:
		return fmt.Errorf("sandbox.fill_mode: unknown mode %q", c.Sandbox.FillMode)
	}
	switch c.Sandbox.MarginPolicy {
	case "infinite", "fixed":
	default:
		return fmt.Errorf("sandbox.margin_policy: unknown policy %q", c.Sandbox.MarginPolicy)
	}
	if p := c.Sandbox.PartialFillProbability; p < 0 || p > 1 {
		return fmt.Errorf("sandbox.partial_fill_probability: %v outside [0,1]", p)
	}
	if r := c.Sandbox.PartialFillRatio; r <= 0 || r >= 1 {
		return fmt.Errorf("sandbox.partial_fill_ratio: %v outside (0,1)", r)
	}
	if c.Sandbox.MarginPolicy == "fixed" && c.Sandbox.MarginAmount <= 0 {
		return fmt.Errorf("sandbox.margin_amount: must be positive under the fixed policy")
	}
	if !c.Trading.PaperMode && c.Alpaca.APIKey == "" {
		return fmt.Errorf("alpaca.api_key: required when paper_mode is off")
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PAPER_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Trading.PaperMode = b
		}
	}
	if v := os.Getenv("SANDBOX_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Sandbox.Seed = n
		}
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	// Standard Alpaca env vars take highest priority; these are the
	// canonical names the SDK itself reads.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
