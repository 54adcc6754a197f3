// Package sources turns configuration into the upstreams, rate limits and named
// dashboard sources the rest of the service runs on.
package sources

import (
	"fmt"
	"math"
	"strings"
	"time"

	"dashfeed/internal/alphavantage"
	"dashfeed/internal/config"
	"dashfeed/internal/coordinator"
	"dashfeed/internal/etherscan"
	"dashfeed/internal/fetcher"
	"dashfeed/internal/ratelimit"
	"dashfeed/internal/rentcast"
)

// Tier numbers for warm-up priority.
const (
	TierCritical = 1
	TierStandard = 2
	TierDeferred = 3
)

// EthPriceSource is the name of the built-in ETH/USD source added with wallets.
const EthPriceSource = "etherscan:ethusd"

// Limit is the token-bucket budget of one upstream.
type Limit struct {
	PerSecond float64
	Burst     int
}

// Catalog is everything derived from one configuration.
type Catalog struct {
	Upstreams []fetcher.Upstream
	Limits    map[string]Limit
	// GroupDelays spaces network calls inside each sequential group.
	GroupDelays map[string]time.Duration
	Sources     []coordinator.Source
	// Tiers lists source names by warm-up priority, tier 1 first.
	Tiers [][]string
}

// Build derives the catalog from cfg. The built-in upstreams are always present;
// an upstreams entry with the same name overrides their non-empty fields.
func Build(cfg *config.Config) (*Catalog, error) {
	c := &Catalog{
		Limits:      make(map[string]Limit),
		GroupDelays: make(map[string]time.Duration),
		Tiers:       make([][]string, TierDeferred),
	}
	c.addUpstreams(cfg)

	defaultTTL := cfg.Cache.DefaultTTL

	// Built-in items, as listed in the configuration.
	if len(cfg.EthereumWallets) > 0 {
		c.add(coordinator.Source{
			Name:      EthPriceSource,
			Request:   etherscan.PriceRequest(),
			FanOut:    coordinator.FanOutParallel,
			TTL:       defaultTTL,
			Transform: etherscan.EthPrice,
		}, TierCritical)
	}
	for _, wallet := range cfg.EthereumWallets {
		c.add(coordinator.Source{
			Name:      etherscan.SourceName(wallet),
			Request:   etherscan.BalanceRequest(wallet),
			FanOut:    coordinator.FanOutSequential,
			TTL:       defaultTTL,
			Transform: etherscan.Balance,
		}, TierStandard)
	}
	for _, symbol := range cfg.StockSymbols {
		c.add(coordinator.Source{
			Name:      alphavantage.SourceName(symbol),
			Request:   alphavantage.QuoteRequest(symbol),
			FanOut:    coordinator.FanOutSequential,
			TTL:       defaultTTL,
			Transform: alphavantage.Price,
		}, TierStandard)
	}
	for _, prop := range cfg.Properties {
		c.add(coordinator.Source{
			Name:      rentcast.SourceName(prop.Address),
			Request:   rentcast.ValueRequest(propertyParams(prop)),
			FanOut:    coordinator.FanOutBestEffort,
			TTL:       defaultTTL,
			Transform: rentcast.Value,
		}, TierDeferred)
	}

	for _, sc := range cfg.Sources {
		src, err := fromConfig(sc, defaultTTL)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", sc.Name, err)
		}
		c.add(src, sc.Tier)
	}

	if err := c.checkNames(); err != nil {
		return nil, err
	}
	return c, nil
}

// checkNames rejects names produced twice, whether by repeated built-in items or
// by a configured source reusing a built-in name.
func (c *Catalog) checkNames() error {
	seen := make(map[string]bool, len(c.Sources))
	var dups []string
	for _, src := range c.Sources {
		if seen[src.Name] {
			dups = append(dups, src.Name)
			continue
		}
		seen[src.Name] = true
	}
	if len(dups) > 0 {
		return fmt.Errorf("duplicate source names: %s", strings.Join(dups, ", "))
	}
	return nil
}

// Names returns the source names in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.Sources))
	for i, src := range c.Sources {
		names[i] = src.Name
	}
	return names
}

// ApplyLimits registers every upstream budget with registry.
func (c *Catalog) ApplyLimits(registry *ratelimit.Registry) {
	for name, limit := range c.Limits {
		registry.Set(name, limit.PerSecond, limit.Burst)
	}
}

func (c *Catalog) add(src coordinator.Source, tier int) {
	if tier < TierCritical || tier > TierDeferred {
		tier = TierDeferred
	}
	c.Sources = append(c.Sources, src)
	c.Tiers[tier-1] = append(c.Tiers[tier-1], src.Name)
}

func (c *Catalog) addUpstreams(cfg *config.Config) {
	builtins := []fetcher.Upstream{
		etherscan.Upstream(cfg.EtherscanAPIKey, cfg.EtherscanBaseURL),
		alphavantage.Upstream(cfg.AlphavantageAPIKey, cfg.AlphavantageBaseURL),
		rentcast.Upstream(cfg.RentcastAPIKey, cfg.RentcastBaseURL),
	}
	overrides := make(map[string]config.UpstreamConfig, len(cfg.Upstreams))
	for _, uc := range cfg.Upstreams {
		overrides[uc.Name] = uc
	}

	for _, up := range builtins {
		rate := ratelimit.DefaultRates[up.Name]
		limit := Limit{PerSecond: rate, Burst: ratelimit.DefaultBursts[up.Name]}
		delay := intervalFor(rate)

		if uc, ok := overrides[up.Name]; ok {
			up = mergeUpstream(up, uc)
			if uc.RatePerSecond > 0 {
				limit = Limit{PerSecond: uc.RatePerSecond, Burst: uc.Burst}
				delay = intervalFor(uc.RatePerSecond)
			}
			if uc.ThrottleDelay > 0 {
				delay = uc.ThrottleDelay
			}
			delete(overrides, up.Name)
		}
		c.Upstreams = append(c.Upstreams, up)
		c.Limits[up.Name] = limit
		c.GroupDelays[up.Name] = delay
	}

	// Custom upstreams keep their configured order.
	for _, uc := range cfg.Upstreams {
		if _, ok := overrides[uc.Name]; !ok {
			continue
		}
		c.Upstreams = append(c.Upstreams, mergeUpstream(fetcher.Upstream{Name: uc.Name}, uc))
		delay := uc.ThrottleDelay
		if uc.RatePerSecond > 0 {
			c.Limits[uc.Name] = Limit{PerSecond: uc.RatePerSecond, Burst: uc.Burst}
			if delay <= 0 {
				delay = intervalFor(uc.RatePerSecond)
			}
		}
		c.GroupDelays[uc.Name] = delay
	}
}

// mergeUpstream overlays the non-empty fields of uc onto up.
func mergeUpstream(up fetcher.Upstream, uc config.UpstreamConfig) fetcher.Upstream {
	if uc.BaseURL != "" {
		up.BaseURL = uc.BaseURL
	}
	if uc.APIKey != "" {
		up.APIKey = uc.APIKey
	}
	if uc.APIKeyParam != "" {
		up.APIKeyParam = uc.APIKeyParam
	}
	if uc.APIKeyHeader != "" {
		up.APIKeyHeader = uc.APIKeyHeader
	}
	return up
}

func intervalFor(perSecond float64) time.Duration {
	if perSecond <= 0 {
		return 0
	}
	return time.Duration(math.Round(float64(time.Second) / perSecond))
}

func propertyParams(p config.PropertyConfig) rentcast.PropertyParams {
	return rentcast.PropertyParams{
		Address:       p.Address,
		PropertyType:  p.PropertyType,
		Bedrooms:      p.Bedrooms,
		Bathrooms:     p.Bathrooms,
		SquareFootage: p.SquareFootage,
	}
}

func fromConfig(sc config.SourceConfig, defaultTTL time.Duration) (coordinator.Source, error) {
	fanOut, err := coordinator.ParseFanOut(sc.FanOut)
	if err != nil {
		return coordinator.Source{}, err
	}

	src := coordinator.Source{
		Name:   sc.Name,
		FanOut: fanOut,
		TTL:    sc.TTL,
		Group:  sc.Group,
	}
	if src.TTL == 0 {
		src.TTL = defaultTTL
	}

	switch sc.Kind {
	case config.KindAlphaVantageQuote:
		src.Request = alphavantage.QuoteRequest(sc.Symbol)
		src.Transform = alphavantage.Price
	case config.KindEtherscanEthPrice:
		src.Request = etherscan.PriceRequest()
		src.Transform = etherscan.EthPrice
	case config.KindEtherscanBalance:
		src.Request = etherscan.BalanceRequest(sc.Address)
		src.Transform = etherscan.Balance
	case config.KindRentcastValue:
		src.Request = rentcast.ValueRequest(rentcast.PropertyParams{Address: sc.Address})
		src.Transform = rentcast.Value
	case "", config.KindRaw:
		src.Request = fetcher.Request{
			Upstream: sc.Upstream,
			Target:   sc.Path,
			Options: fetcher.Options{
				Method: sc.Method,
				Query:  sc.Query,
			},
		}
		if sc.Body != "" {
			src.Request.Options.Body = []byte(sc.Body)
		}
	default:
		return coordinator.Source{}, fmt.Errorf("unknown kind %q", sc.Kind)
	}
	return src, nil
}
