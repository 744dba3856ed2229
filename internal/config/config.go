// Package config defines all configuration for the relay.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// every field overridable via RELAY_* environment variables; the file is
// optional, so a pure-env deployment works.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Sizing   SizingConfig   `mapstructure:"sizing"`
	Flatten  FlattenConfig  `mapstructure:"flatten"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Debug    DebugConfig    `mapstructure:"debug"`
}

// ExchangeConfig holds the exchange API endpoint and credentials.
// AuthMode "hmac" signs every request; "keyonly" sends just the api key,
// for read-only deployments against permissive gateways.
type ExchangeConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	APISecret       string        `mapstructure:"api_secret"`
	AuthMode        string        `mapstructure:"auth_mode"`
	HeaderAPIKey    string        `mapstructure:"header_api_key"`
	HeaderSignature string        `mapstructure:"header_signature"`
	HeaderTimestamp string        `mapstructure:"header_timestamp"`
	Timeout         time.Duration `mapstructure:"timeout"`
	ProductsTTL     time.Duration `mapstructure:"products_ttl"`
}

// WebhookConfig controls the inbound HTTP listener.
// StrictSequence (default on) drops messages missing sig_id or a seq of
// 0, 1, or 2 with an informational ack instead of an error.
type WebhookConfig struct {
	ListenPort     int    `mapstructure:"listen_port"`
	Token          string `mapstructure:"token"`
	StrictSequence bool   `mapstructure:"strict_sequence"`
}

// SizingConfig tunes budget-to-lots conversion.
//
//   - DefaultLeverage: applied when the signal omits leverage.
//   - FxINRPerUSD: fallback INR/USD rate for INR-denominated budgets.
//   - MarginBufferPct: fraction of notional held back for fees/slippage.
//   - MaxLotsPerOrder: hard clamp on any single order size.
type SizingConfig struct {
	DefaultLeverage int     `mapstructure:"default_leverage"`
	FxINRPerUSD     float64 `mapstructure:"fx_inr_per_usd"`
	MarginBufferPct float64 `mapstructure:"margin_buffer_pct"`
	MaxLotsPerOrder int     `mapstructure:"max_lots_per_order"`
}

// FlattenConfig tunes the cancel/close primitives.
//
//   - PollInterval/Timeout: wait-until-flat polling bounds.
//   - ForceCancelOrders/ForceClosePosition: defaults applied to a CANCAL
//     message that doesn't say which legs of the flatten it wants.
type FlattenConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	Timeout            time.Duration `mapstructure:"timeout"`
	ForceCancelOrders  bool          `mapstructure:"force_cancel_orders"`
	ForceClosePosition bool          `mapstructure:"force_close_position"`
}

// ChainConfig tunes the signal-chain state machine.
//
//   - Window: max age of a chain before new legs are rejected.
//   - TTL: idle time before a chain record is evicted.
//   - AutoCancelOnEnter: synthesize the missing CANCAL leg from a buffered ENTER.
//   - FastEnter: on a non-flat book, try a short wait then one longer retry
//     instead of a single long block.
//   - SeenTTL/SeenCap/SeenTrim: idempotency window and its size bounds.
//   - MemoTTL: lifetime of the last-entry memo used by TP heuristics.
type ChainConfig struct {
	Window            time.Duration `mapstructure:"window"`
	TTL               time.Duration `mapstructure:"ttl"`
	AutoCancelOnEnter bool          `mapstructure:"auto_cancel_on_enter"`
	FastEnter         bool          `mapstructure:"fast_enter"`
	FastEnterWait     time.Duration `mapstructure:"fast_enter_wait"`
	FastEnterRetry    time.Duration `mapstructure:"fast_enter_retry"`
	SeenTTL           time.Duration `mapstructure:"seen_ttl"`
	SeenCap           int           `mapstructure:"seen_cap"`
	SeenTrim          int           `mapstructure:"seen_trim"`
	MemoTTL           time.Duration `mapstructure:"memo_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DebugConfig controls the operator surface: /debug/state, /metrics, /ws.
// The health and /debug/seen, /debug/chain endpoints are always served.
type DebugConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides. A missing file
// is not an error; defaults plus RELAY_* env vars are enough to run.
// Sensitive fields use env vars: RELAY_API_KEY, RELAY_API_SECRET, RELAY_WEBHOOK_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("RELAY_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("RELAY_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if token := os.Getenv("RELAY_WEBHOOK_TOKEN"); token != "" {
		cfg.Webhook.Token = token
	}
	if os.Getenv("RELAY_DRY_RUN") == "true" || os.Getenv("RELAY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults registers a default for every key so env-only deployments
// unmarshal completely and operators only set what they change.
func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", false)

	v.SetDefault("exchange.base_url", "https://api.india.delta.exchange")
	v.SetDefault("exchange.api_key", "")
	v.SetDefault("exchange.api_secret", "")
	v.SetDefault("exchange.auth_mode", "hmac")
	v.SetDefault("exchange.header_api_key", "api-key")
	v.SetDefault("exchange.header_signature", "signature")
	v.SetDefault("exchange.header_timestamp", "timestamp")
	v.SetDefault("exchange.timeout", "10s")
	v.SetDefault("exchange.products_ttl", "5m")

	v.SetDefault("webhook.listen_port", 8787)
	v.SetDefault("webhook.token", "")
	v.SetDefault("webhook.strict_sequence", true)

	v.SetDefault("sizing.default_leverage", 10)
	v.SetDefault("sizing.fx_inr_per_usd", 84.0)
	v.SetDefault("sizing.margin_buffer_pct", 0.03)
	v.SetDefault("sizing.max_lots_per_order", 1000)

	v.SetDefault("flatten.poll_interval", "400ms")
	v.SetDefault("flatten.timeout", "12s")
	v.SetDefault("flatten.force_cancel_orders", true)
	v.SetDefault("flatten.force_close_position", true)

	v.SetDefault("chain.window", "120s")
	v.SetDefault("chain.ttl", "2m")
	v.SetDefault("chain.auto_cancel_on_enter", true)
	v.SetDefault("chain.fast_enter", true)
	v.SetDefault("chain.fast_enter_wait", "2s")
	v.SetDefault("chain.fast_enter_retry", "8s")
	v.SetDefault("chain.seen_ttl", "60s")
	v.SetDefault("chain.seen_cap", 300)
	v.SetDefault("chain.seen_trim", 200)
	v.SetDefault("chain.memo_ttl", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("debug.enabled", true)
	v.SetDefault("debug.allowed_origins", []string{})
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	switch c.Exchange.AuthMode {
	case "hmac", "keyonly":
	default:
		return fmt.Errorf("exchange.auth_mode must be \"hmac\" or \"keyonly\"")
	}
	if !c.DryRun {
		if c.Exchange.APIKey == "" {
			return fmt.Errorf("exchange.api_key is required (set RELAY_API_KEY)")
		}
		if c.Exchange.AuthMode == "hmac" && c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange.api_secret is required (set RELAY_API_SECRET)")
		}
	}
	if c.Webhook.ListenPort <= 0 || c.Webhook.ListenPort > 65535 {
		return fmt.Errorf("webhook.listen_port must be in (0, 65535]")
	}
	if c.Sizing.DefaultLeverage < 1 {
		return fmt.Errorf("sizing.default_leverage must be >= 1")
	}
	if c.Sizing.FxINRPerUSD <= 0 {
		return fmt.Errorf("sizing.fx_inr_per_usd must be > 0")
	}
	if c.Sizing.MarginBufferPct < 0 || c.Sizing.MarginBufferPct >= 1 {
		return fmt.Errorf("sizing.margin_buffer_pct must be in [0, 1)")
	}
	if c.Sizing.MaxLotsPerOrder < 1 {
		return fmt.Errorf("sizing.max_lots_per_order must be >= 1")
	}
	if c.Flatten.PollInterval <= 0 || c.Flatten.Timeout <= 0 {
		return fmt.Errorf("flatten.poll_interval and flatten.timeout must be > 0")
	}
	if c.Chain.Window <= 0 {
		return fmt.Errorf("chain.window must be > 0")
	}
	if c.Chain.TTL < c.Chain.Window {
		return fmt.Errorf("chain.ttl must be >= chain.window")
	}
	if c.Chain.SeenCap < c.Chain.SeenTrim || c.Chain.SeenTrim < 1 {
		return fmt.Errorf("chain.seen_cap must be >= chain.seen_trim >= 1")
	}
	return nil
}
