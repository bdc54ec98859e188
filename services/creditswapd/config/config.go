package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.parse(value.Value)
}

// UnmarshalText satisfies encoding.TextUnmarshaler for TOML documents.
func (d *Duration) UnmarshalText(text []byte) error {
	return d.parse(string(text))
}

func (d *Duration) parse(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for creditswapd.
type Config struct {
	ListenAddress string           `yaml:"listen" toml:"listen"`
	DatabasePath  string           `yaml:"database" toml:"database"`
	StatePath     string           `yaml:"state" toml:"state"`
	Engine        EngineConfig     `yaml:"engine" toml:"engine"`
	Assets        []Asset          `yaml:"assets" toml:"assets"`
	Pairs         []Pair           `yaml:"pairs" toml:"pairs"`
	Oracle        OracleConfig     `yaml:"oracle" toml:"oracle"`
	Sources       []Source         `yaml:"sources" toml:"sources"`
	Admin         AdminConfig      `yaml:"admin" toml:"admin"`
	RateLimit     RateLimitConfig  `yaml:"rate_limit" toml:"rate_limit"`
	Quota         QuotaConfig      `yaml:"quota" toml:"quota"`
	Redemption    RedemptionConfig `yaml:"redemption" toml:"redemption"`
	Webhook       WebhookConfig    `yaml:"webhook" toml:"webhook"`
	Log           LogConfig        `yaml:"log" toml:"log"`
}

// EngineConfig seeds the swap engine.
type EngineConfig struct {
	Address             string `yaml:"address" toml:"address"`
	Owner               string `yaml:"owner" toml:"owner"`
	SupplyAllocation    uint64 `yaml:"supply_allocation" toml:"supply_allocation"`
	RepayAllocation     uint64 `yaml:"repay_allocation" toml:"repay_allocation"`
	LiquidityAllocation uint64 `yaml:"liquidity_allocation" toml:"liquidity_allocation"`
	Paused              bool   `yaml:"paused" toml:"paused"`
	// Lending configures the in-process facility the engine borrows from.
	Lending LendingConfig `yaml:"lending" toml:"lending"`
}

// LendingConfig describes the in-process lending facility.
type LendingConfig struct {
	Address          string  `yaml:"address" toml:"address"`
	Treasury         string  `yaml:"treasury" toml:"treasury"`
	ReserveFactorBps uint64  `yaml:"reserve_factor_bps" toml:"reserve_factor_bps"`
	BaseRate         float64 `yaml:"base_rate" toml:"base_rate"`
	Slope1           float64 `yaml:"slope1" toml:"slope1"`
	Slope2           float64 `yaml:"slope2" toml:"slope2"`
	Kink             float64 `yaml:"kink" toml:"kink"`
}

// Asset lists a token the engine accounts for, with its lending markets.
type Asset struct {
	Symbol  string `yaml:"symbol" toml:"symbol"`
	Address string `yaml:"address" toml:"address"`
	// Markets are the lending market ids, primary first.
	Markets []string `yaml:"markets" toml:"markets"`
	// CreditLine is the engine's uncollateralised borrow limit per market.
	CreditLine string `yaml:"credit_line" toml:"credit_line"`
	// Supply is minted to the lending treasury and supplied to the primary
	// market at startup.
	Supply string `yaml:"supply" toml:"supply"`
	// Balances seeds account balances (hex address to base units) at startup.
	Balances map[string]string `yaml:"balances" toml:"balances"`
}

// Pair identifies an ordered swap pair by asset symbol.
type Pair struct {
	In  string `yaml:"in" toml:"in"`
	Out string `yaml:"out" toml:"out"`
}

// OracleConfig tunes the aggregation loop.
type OracleConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"`
	MaxAge   Duration `yaml:"max_age" toml:"max_age"`
	MinFeeds int      `yaml:"min_feeds" toml:"min_feeds"`
}

// Source describes an upstream oracle feed.
type Source struct {
	Name     string            `yaml:"name" toml:"name"`
	Type     string            `yaml:"type" toml:"type"`
	Endpoint string            `yaml:"endpoint" toml:"endpoint"`
	APIKey   string            `yaml:"api_key" toml:"api_key"`
	Assets   map[string]string `yaml:"assets" toml:"assets"`
	// Rates holds fixed "BASE/QUOTE" rates for the static source.
	Rates map[string]string `yaml:"rates" toml:"rates"`
}

// AdminConfig controls JWT authentication of admin endpoints.
type AdminConfig struct {
	JWTSecret string   `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string   `yaml:"issuer" toml:"issuer"`
	Audience  string   `yaml:"audience" toml:"audience"`
	ClockSkew Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig throttles public endpoints per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// QuotaConfig bounds swap activity per caller address.
type QuotaConfig struct {
	MaxRequestsPerEpoch uint32   `yaml:"max_requests" toml:"max_requests"`
	MaxVolumePerEpoch   string   `yaml:"max_volume" toml:"max_volume"`
	Epoch               Duration `yaml:"epoch" toml:"epoch"`
}

// RedemptionConfig enables the redemption desk.
type RedemptionConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Address  string `yaml:"address" toml:"address"`
	Treasury string `yaml:"treasury" toml:"treasury"`
	Tiers    []Tier `yaml:"tiers" toml:"tiers"`
}

// Tier is one surcharge band. An empty UpTo marks the open top tier.
type Tier struct {
	UpTo string `yaml:"up_to" toml:"up_to"`
	Bps  uint64 `yaml:"bps" toml:"bps"`
}

// WebhookConfig forwards committed engine events to an HTTP endpoint. An
// empty endpoint disables delivery.
type WebhookConfig struct {
	Endpoint    string   `yaml:"endpoint" toml:"endpoint"`
	Secret      string   `yaml:"secret" toml:"secret"`
	Kinds       []string `yaml:"kinds" toml:"kinds"`
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
}

// LogConfig enables file rotation for the daemon log.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/creditswapd.sqlite"
	}
	if cfg.StatePath == "" {
		cfg.StatePath = "/var/data/creditswapd-state"
	}
	if cfg.Engine.SupplyAllocation+cfg.Engine.RepayAllocation+cfg.Engine.LiquidityAllocation == 0 {
		cfg.Engine.SupplyAllocation = 40
		cfg.Engine.RepayAllocation = 30
		cfg.Engine.LiquidityAllocation = 30
	}
	if cfg.Engine.Lending.Kink == 0 {
		cfg.Engine.Lending.Kink = 0.8
	}
	if cfg.Oracle.Interval.Duration == 0 {
		cfg.Oracle.Interval.Duration = 30 * time.Second
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = 2 * time.Minute
	}
	if cfg.Oracle.MinFeeds <= 0 {
		cfg.Oracle.MinFeeds = 1
	}
	if cfg.Admin.ClockSkew.Duration == 0 {
		cfg.Admin.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Quota.Epoch.Duration == 0 {
		cfg.Quota.Epoch.Duration = time.Hour
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func validate(cfg Config) error {
	if !common.IsHexAddress(cfg.Engine.Owner) {
		return fmt.Errorf("engine.owner must be a hex address")
	}
	if !common.IsHexAddress(cfg.Engine.Address) {
		return fmt.Errorf("engine.address must be a hex address")
	}
	if !common.IsHexAddress(cfg.Engine.Lending.Address) || !common.IsHexAddress(cfg.Engine.Lending.Treasury) {
		return fmt.Errorf("engine.lending address and treasury must be hex addresses")
	}
	e := cfg.Engine
	if e.SupplyAllocation+e.RepayAllocation+e.LiquidityAllocation != 100 || e.RepayAllocation >= 100 {
		return fmt.Errorf("engine allocations must sum to 100 with repay below 100")
	}
	if len(cfg.Assets) == 0 {
		return fmt.Errorf("at least one asset must be configured")
	}
	symbols := make(map[string]struct{}, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		symbol := NormalizeSymbol(asset.Symbol)
		if symbol == "" {
			return fmt.Errorf("asset symbol required")
		}
		if _, dup := symbols[symbol]; dup {
			return fmt.Errorf("duplicate asset %s", symbol)
		}
		if !common.IsHexAddress(asset.Address) {
			return fmt.Errorf("asset %s: address must be hex", symbol)
		}
		if len(asset.Markets) == 0 {
			return fmt.Errorf("asset %s: at least one market required", symbol)
		}
		for account := range asset.Balances {
			if !common.IsHexAddress(account) {
				return fmt.Errorf("asset %s: balance account %q must be hex", symbol, account)
			}
		}
		symbols[symbol] = struct{}{}
	}
	for _, pair := range cfg.Pairs {
		in, out := NormalizeSymbol(pair.In), NormalizeSymbol(pair.Out)
		if _, ok := symbols[in]; !ok {
			return fmt.Errorf("pair %s/%s references unknown asset %s", pair.In, pair.Out, pair.In)
		}
		if _, ok := symbols[out]; !ok {
			return fmt.Errorf("pair %s/%s references unknown asset %s", pair.In, pair.Out, pair.Out)
		}
		if in == out {
			return fmt.Errorf("pair %s/%s must use distinct assets", pair.In, pair.Out)
		}
	}
	if len(cfg.Pairs) > 0 && len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one oracle source must be configured")
	}
	if strings.TrimSpace(cfg.Admin.JWTSecret) == "" {
		return fmt.Errorf("admin.jwt_secret must be configured")
	}
	if cfg.Redemption.Enabled {
		if !common.IsHexAddress(cfg.Redemption.Address) || !common.IsHexAddress(cfg.Redemption.Treasury) {
			return fmt.Errorf("redemption address and treasury must be hex addresses")
		}
	}
	if strings.TrimSpace(cfg.Webhook.Endpoint) != "" && strings.TrimSpace(cfg.Webhook.Secret) == "" {
		return fmt.Errorf("webhook.secret must be configured with webhook.endpoint")
	}
	return nil
}

// NormalizeSymbol canonicalises an asset symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// AssetBySymbol returns the configured asset with the symbol.
func (c Config) AssetBySymbol(symbol string) (Asset, bool) {
	want := NormalizeSymbol(symbol)
	for _, asset := range c.Assets {
		if NormalizeSymbol(asset.Symbol) == want {
			return asset, true
		}
	}
	return Asset{}, false
}
