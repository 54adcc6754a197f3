package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"dashfeed/internal/coordinator"
	"dashfeed/internal/ratelimit"
)

// Source kinds select the payload transform applied to a configured source.
const (
	KindRaw               = "raw"
	KindAlphaVantageQuote = "alphavantage_quote"
	KindEtherscanEthPrice = "etherscan_ethprice"
	KindEtherscanBalance  = "etherscan_balance"
	KindRentcastValue     = "rentcast_value"
)

// Cache backends for the durable tier.
const (
	BackendFile   = "file"
	BackendValkey = "valkey"
	BackendNone   = "none"
)

var kinds = []string{"", KindRaw, KindAlphaVantageQuote, KindEtherscanEthPrice, KindEtherscanBalance, KindRentcastValue}

// PropertyConfig holds configuration for a property to be valued.
type PropertyConfig struct {
	Address       string  `mapstructure:"address"`
	PropertyType  string  `mapstructure:"property_type"`
	Bedrooms      int     `mapstructure:"bedrooms"`
	Bathrooms     float64 `mapstructure:"bathrooms"`
	SquareFootage int     `mapstructure:"square_footage"`
}

// UpstreamConfig declares an additional API, or overrides a built-in one by name.
type UpstreamConfig struct {
	Name          string        `mapstructure:"name"`
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	APIKeyParam   string        `mapstructure:"api_key_param"`
	APIKeyHeader  string        `mapstructure:"api_key_header"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	ThrottleDelay time.Duration `mapstructure:"throttle_delay"`
}

// SourceConfig declares one named entry of the dashboard.
type SourceConfig struct {
	Name     string            `mapstructure:"name"`
	Upstream string            `mapstructure:"upstream"`
	Kind     string            `mapstructure:"kind"`
	Method   string            `mapstructure:"method"`
	Path     string            `mapstructure:"path"`
	Query    map[string]string `mapstructure:"query"`
	Body     string            `mapstructure:"body"`
	FanOut   string            `mapstructure:"fan_out"`
	Group    string            `mapstructure:"group"`
	TTL      time.Duration     `mapstructure:"ttl"`
	// Tier is the warm-up priority, 1 first. Zero means 3.
	Tier    int    `mapstructure:"tier"`
	Symbol  string `mapstructure:"symbol"`
	Address string `mapstructure:"address"`
}

// ValkeyConfig addresses the valkey durable backend.
type ValkeyConfig struct {
	Address  string `mapstructure:"address"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CacheConfig configures the two cache tiers.
type CacheConfig struct {
	Backend        string        `mapstructure:"backend"`
	Dir            string        `mapstructure:"dir"`
	Namespace      string        `mapstructure:"namespace"`
	DefaultTTL     time.Duration `mapstructure:"default_ttl"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Valkey         ValkeyConfig  `mapstructure:"valkey"`
}

// HTTPConfig configures the outbound client.
type HTTPConfig struct {
	RetryCount int `mapstructure:"retry_count"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config holds all configuration for the dashboard service.
type Config struct {
	// API Keys for the built-in upstreams
	EtherscanAPIKey    string `mapstructure:"etherscan_api_key"`
	AlphavantageAPIKey string `mapstructure:"alphavantage_api_key"`
	RentcastAPIKey     string `mapstructure:"rentcast_api_key"`

	// Base URLs for API endpoints (configurable for testing)
	EtherscanBaseURL    string `mapstructure:"etherscan_base_url"`
	AlphavantageBaseURL string `mapstructure:"alphavantage_base_url"`
	RentcastBaseURL     string `mapstructure:"rentcast_base_url"`

	// Built-in items to fetch
	EthereumWallets []string         `mapstructure:"ethereum_wallets"`
	StockSymbols    []string         `mapstructure:"stock_symbols"`
	Properties      []PropertyConfig `mapstructure:"properties"`

	Upstreams []UpstreamConfig `mapstructure:"upstreams"`
	Sources   []SourceConfig   `mapstructure:"sources"`

	Cache      CacheConfig `mapstructure:"cache"`
	HTTP       HTTPConfig  `mapstructure:"http"`
	Log        LogConfig   `mapstructure:"log"`
	ListenAddr string      `mapstructure:"listen_addr"`
}

// New returns a viper instance with defaults, environment bindings and config
// file search paths applied. Nested keys map to environment variables with
// underscores, e.g. cache.backend reads CACHE_BACKEND.
//
// DASHFEED_CONFIG names an explicit config file; otherwise config.yaml is looked
// up in the working directory and $HOME/.dashfeed.
func New() *viper.Viper {
	v := viper.New()

	// Set up environment variable support
	v.SetEnvPrefix("") // No prefix, use full names
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults for base URLs
	v.SetDefault("etherscan_base_url", "https://api.etherscan.io/v2/api")
	v.SetDefault("alphavantage_base_url", "https://www.alphavantage.co/query")
	v.SetDefault("rentcast_base_url", "https://api.rentcast.io/v1")

	v.SetDefault("cache.backend", BackendFile)
	v.SetDefault("cache.dir", ".dashfeed-cache")
	v.SetDefault("cache.namespace", "dashfeed:")
	v.SetDefault("cache.default_ttl", 5*time.Minute)
	v.SetDefault("cache.request_timeout", 15*time.Second)
	v.SetDefault("cache.valkey.address", "")
	v.SetDefault("cache.valkey.username", "")
	v.SetDefault("cache.valkey.password", "")
	v.SetDefault("cache.valkey.db", 0)
	v.SetDefault("http.retry_count", 3)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("listen_addr", "")

	if path := os.Getenv("DASHFEED_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.dashfeed")
	}

	// Bind environment variables for API keys
	v.BindEnv("etherscan_api_key", "ETHERSCAN_API_KEY")
	v.BindEnv("alphavantage_api_key", "ALPHAVANTAGE_API_KEY")
	v.BindEnv("rentcast_api_key", "RENTCAST_API_KEY")

	// Bind environment variables for base URLs
	v.BindEnv("etherscan_base_url", "ETHERSCAN_BASE_URL")
	v.BindEnv("alphavantage_base_url", "ALPHAVANTAGE_BASE_URL")
	v.BindEnv("rentcast_base_url", "RENTCAST_BASE_URL")

	return v
}

// Load reads configuration from environment variables and optional config file.
// Environment variables take precedence over config file values.
//
// Expected environment variables:
//   - ETHERSCAN_API_KEY (required when wallets or etherscan sources are configured)
//   - ALPHAVANTAGE_API_KEY (required when stocks or alphavantage sources are configured)
//   - RENTCAST_API_KEY (required when properties or rentcast sources are configured)
//   - ETHERSCAN_BASE_URL (optional, defaults to production)
//   - ALPHAVANTAGE_BASE_URL (optional, defaults to production)
//   - RENTCAST_BASE_URL (optional, defaults to production)
func Load() (*Config, error) {
	return Read(New())
}

// Read loads the config file known to v, if any, and decodes and validates the result.
func Read(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	// Unmarshal config into struct (handles both simple and complex fields)
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Watch reloads the config file whenever it changes and hands every valid result
// to onChange. Invalid reloads go to onError and leave the previous config in place.
// It reports false when no config file is in use.
func Watch(v *viper.Viper, onChange func(*Config), onError func(error)) bool {
	if v.ConfigFileUsed() == "" {
		return false
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return true
}

// UsesUpstream reports whether any built-in item or source needs the named upstream.
func (c *Config) UsesUpstream(name string) bool {
	switch name {
	case ratelimit.APIEtherscan:
		if len(c.EthereumWallets) > 0 {
			return true
		}
	case ratelimit.APIAlphaVantage:
		if len(c.StockSymbols) > 0 {
			return true
		}
	case ratelimit.APIRentcast:
		if len(c.Properties) > 0 {
			return true
		}
	}
	for _, src := range c.Sources {
		if src.EffectiveUpstream() == name {
			return true
		}
	}
	return false
}

// EffectiveUpstream is the upstream the source is fetched from. Adapter kinds
// always use their built-in upstream.
func (s SourceConfig) EffectiveUpstream() string {
	switch s.Kind {
	case KindAlphaVantageQuote:
		return ratelimit.APIAlphaVantage
	case KindEtherscanEthPrice, KindEtherscanBalance:
		return ratelimit.APIEtherscan
	case KindRentcastValue:
		return ratelimit.APIRentcast
	}
	return s.Upstream
}

// IsRaw reports whether the source is a plain request without an adapter.
func (s SourceConfig) IsRaw() bool {
	return s.Kind == "" || s.Kind == KindRaw
}

func (c *Config) upstreamOverride(name string) (UpstreamConfig, bool) {
	for _, up := range c.Upstreams {
		if up.Name == name {
			return up, true
		}
	}
	return UpstreamConfig{}, false
}

// Validate collects every configuration problem into a single error.
func (c *Config) Validate() error {
	// Validate required fields
	var missing []string
	builtinKeys := []struct {
		upstream string
		key      string
		env      string
	}{
		{ratelimit.APIEtherscan, c.EtherscanAPIKey, "ETHERSCAN_API_KEY"},
		{ratelimit.APIAlphaVantage, c.AlphavantageAPIKey, "ALPHAVANTAGE_API_KEY"},
		{ratelimit.APIRentcast, c.RentcastAPIKey, "RENTCAST_API_KEY"},
	}
	for _, b := range builtinKeys {
		if b.key != "" || !c.UsesUpstream(b.upstream) {
			continue
		}
		if override, ok := c.upstreamOverride(b.upstream); ok && override.APIKey != "" {
			continue
		}
		missing = append(missing, b.env)
	}
	var problems []string
	if len(missing) > 0 {
		problems = append(problems, fmt.Sprintf("missing required configuration: %s", strings.Join(missing, ", ")))
	}
	switch c.Cache.Backend {
	case BackendFile, BackendNone:
	case BackendValkey:
		if c.Cache.Valkey.Address == "" {
			problems = append(problems, "cache.valkey.address is required for the valkey backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown cache backend %q", c.Cache.Backend))
	}
	if c.HTTP.RetryCount < 0 {
		problems = append(problems, "http.retry_count must not be negative")
	}

	upstreams := map[string]bool{
		ratelimit.APIEtherscan:    true,
		ratelimit.APIAlphaVantage: true,
		ratelimit.APIRentcast:     true,
	}
	declared := make(map[string]bool, len(c.Upstreams))
	for i, up := range c.Upstreams {
		switch {
		case up.Name == "":
			problems = append(problems, fmt.Sprintf("upstreams[%d]: name is required", i))
			continue
		case declared[up.Name]:
			problems = append(problems, fmt.Sprintf("upstreams[%d]: duplicate upstream %q", i, up.Name))
		case !upstreams[up.Name] && up.BaseURL == "":
			problems = append(problems, fmt.Sprintf("upstream %q: base_url is required", up.Name))
		}
		declared[up.Name] = true
		upstreams[up.Name] = true
	}

	problems = append(problems, repeated("ethereum_wallets", c.EthereumWallets)...)
	problems = append(problems, repeated("stock_symbols", c.StockSymbols)...)
	addresses := make([]string, len(c.Properties))
	for i, p := range c.Properties {
		addresses[i] = p.Address
	}
	problems = append(problems, repeated("properties", addresses)...)

	names := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		label := fmt.Sprintf("sources[%d]", i)
		if src.Name == "" {
			problems = append(problems, label+": name is required")
		} else {
			label = fmt.Sprintf("source %q", src.Name)
			if names[src.Name] {
				problems = append(problems, label+": duplicate source name")
			}
			names[src.Name] = true
		}

		if src.Upstream != "" && !upstreams[src.Upstream] {
			problems = append(problems, fmt.Sprintf("%s: unknown upstream %q", label, src.Upstream))
		}
		if src.IsRaw() && src.Upstream == "" && !strings.Contains(src.Path, "://") {
			problems = append(problems, label+": path must be an absolute URL when no upstream is set")
		}
		if _, err := coordinator.ParseFanOut(src.FanOut); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", label, err))
		}
		if !slices.Contains(kinds, src.Kind) {
			problems = append(problems, fmt.Sprintf("%s: unknown kind %q", label, src.Kind))
		}
		if src.Tier < 0 || src.Tier > 3 {
			problems = append(problems, fmt.Sprintf("%s: tier must be between 1 and 3", label))
		}
		switch src.Kind {
		case KindAlphaVantageQuote:
			if src.Symbol == "" {
				problems = append(problems, label+": symbol is required")
			}
		case KindEtherscanBalance, KindRentcastValue:
			if src.Address == "" {
				problems = append(problems, label+": address is required")
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// repeated reports entries of a built-in list that appear more than once.
func repeated(key string, items []string) []string {
	seen := make(map[string]bool, len(items))
	var problems []string
	for _, item := range items {
		if seen[item] {
			problems = append(problems, fmt.Sprintf("%s: %q listed more than once", key, item))
		}
		seen[item] = true
	}
	return problems
}
