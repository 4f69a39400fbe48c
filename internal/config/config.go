// Package config provides configuration management for the market data service.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by Validate when a field is unset.
const (
	defaultAPIEndpoint         = "https://api.upstox.com/v2"
	defaultTimeout             = "10s"
	defaultMarketDataPerMinute = 250
	defaultPortfolioPerMinute  = 60
	defaultTokenPath           = "data/upstox_token.json"
	defaultIndexPath           = "data/instrument_index.json"
	defaultTimezone            = "Asia/Kolkata"
	defaultExpiryCutoff        = "15:00"
	defaultMaxDistancePct      = 12.0
	defaultPort                = 8080
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Auth        AuthConfig        `yaml:"auth"`
	Index       IndexConfig       `yaml:"index"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Analytics   AnalyticsConfig   `yaml:"analytics"`
	Server      ServerConfig      `yaml:"server"`
	Catalog     CatalogConfig     `yaml:"catalog"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // live | mock
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines market data API settings.
type BrokerConfig struct {
	APIKey         string               `yaml:"api_key"`
	APISecret      string               `yaml:"api_secret"`
	RedirectURI    string               `yaml:"redirect_uri"`
	APIEndpoint    string               `yaml:"api_endpoint"`
	Timeout        string               `yaml:"timeout"` // per attempt, e.g. "10s"
	RateLimit      RateLimitConfig      `yaml:"rate_limit_per_minute"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RateLimitConfig caps requests per minute per endpoint family. 0 uses the
// default; a negative value disables limiting.
type RateLimitConfig struct {
	MarketData int `yaml:"market_data"`
	Portfolio  int `yaml:"portfolio"`
}

// CircuitBreakerConfig configures the optional breaker around the client.
type CircuitBreakerConfig struct {
	Enabled      bool    `yaml:"enabled"`
	MaxRequests  uint32  `yaml:"max_requests"`
	Interval     string  `yaml:"interval"`
	Timeout      string  `yaml:"timeout"`
	MinRequests  uint32  `yaml:"min_requests"`
	FailureRatio float64 `yaml:"failure_ratio"`
}

// AuthConfig defines where the access token is persisted.
type AuthConfig struct {
	TokenPath string `yaml:"token_path"`
}

// IndexConfig locates the instrument index snapshot.
type IndexConfig struct {
	Path string `yaml:"path"`
}

// ScheduleConfig defines the exchange clock.
type ScheduleConfig struct {
	Timezone     string `yaml:"timezone"`      // e.g., "Asia/Kolkata"
	ExpiryCutoff string `yaml:"expiry_cutoff"` // "HH:MM"
}

// AnalyticsConfig defines request defaults for chain analytics.
type AnalyticsConfig struct {
	MaxDistancePct    float64 `yaml:"max_distance_pct"`
	OptionsExpiryType string  `yaml:"options_expiry_type"`
	FuturesExpiryType string  `yaml:"futures_expiry_type"`
}

// ServerConfig defines the HTTP API.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"` // optional X-Auth-Token guard
}

// CatalogConfig drives the offline index builder.
type CatalogConfig struct {
	Symbols          map[string]string `yaml:"symbols"` // canonical symbol -> provider symbol
	IndexUnderlyings []string          `yaml:"index_underlyings"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate fills defaults and checks that all configuration values are valid.
func (c *Config) Validate() error {
	c.normalize()

	// Environment validation
	if c.Environment.Mode != "live" && c.Environment.Mode != "mock" {
		return fmt.Errorf("environment.mode must be 'live' or 'mock'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}

	// Broker validation
	if c.IsLive() {
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required in live mode")
		}
		if c.Broker.APISecret == "" {
			return fmt.Errorf("broker.api_secret is required in live mode")
		}
		if c.Broker.RedirectURI == "" {
			return fmt.Errorf("broker.redirect_uri is required in live mode")
		}
	}
	if c.Broker.RedirectURI != "" {
		if u, err := url.Parse(c.Broker.RedirectURI); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("broker.redirect_uri must be an absolute URL")
		}
	}
	if u, err := url.Parse(c.Broker.APIEndpoint); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("broker.api_endpoint must be an absolute URL")
	}
	if d, err := time.ParseDuration(c.Broker.Timeout); err != nil || d <= 0 {
		return fmt.Errorf("broker.timeout must be a positive duration")
	}
	if cb := c.Broker.CircuitBreaker; cb.Enabled {
		for name, v := range map[string]string{"interval": cb.Interval, "timeout": cb.Timeout} {
			if d, err := time.ParseDuration(v); err != nil || d <= 0 {
				return fmt.Errorf("broker.circuit_breaker.%s must be a positive duration", name)
			}
		}
		if cb.FailureRatio <= 0 || cb.FailureRatio > 1 {
			return fmt.Errorf("broker.circuit_breaker.failure_ratio must be in (0,1]")
		}
		if cb.MaxRequests == 0 || cb.MinRequests == 0 {
			return fmt.Errorf("broker.circuit_breaker.max_requests and min_requests must be > 0")
		}
	}

	// Schedule validation
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil && c.Schedule.Timezone != defaultTimezone {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	if _, err := parseClock(c.Schedule.ExpiryCutoff); err != nil {
		return fmt.Errorf("schedule.expiry_cutoff invalid: %w", err)
	}

	// Analytics validation
	if c.Analytics.MaxDistancePct <= 0 || c.Analytics.MaxDistancePct > 100 {
		return fmt.Errorf("analytics.max_distance_pct must be in (0,100]")
	}
	for name, v := range map[string]string{
		"options_expiry_type": c.Analytics.OptionsExpiryType,
		"futures_expiry_type": c.Analytics.FuturesExpiryType,
	} {
		if v != "weekly" && v != "monthly" {
			return fmt.Errorf("analytics.%s must be 'weekly' or 'monthly'", name)
		}
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	// Catalog validation
	for canon, provider := range c.Catalog.Symbols {
		if canon == "" || provider == "" {
			return fmt.Errorf("catalog.symbols entries need both a symbol and a provider symbol")
		}
	}

	return nil
}

// normalize sets default values for unset fields
func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.APIEndpoint == "" {
		c.Broker.APIEndpoint = defaultAPIEndpoint
	}
	c.Broker.APIEndpoint = strings.TrimRight(c.Broker.APIEndpoint, "/")
	if c.Broker.Timeout == "" {
		c.Broker.Timeout = defaultTimeout
	}
	if c.Broker.RateLimit.MarketData == 0 {
		c.Broker.RateLimit.MarketData = defaultMarketDataPerMinute
	}
	if c.Broker.RateLimit.Portfolio == 0 {
		c.Broker.RateLimit.Portfolio = defaultPortfolioPerMinute
	}
	if c.Auth.TokenPath == "" {
		c.Auth.TokenPath = defaultTokenPath
	}
	if c.Index.Path == "" {
		c.Index.Path = defaultIndexPath
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Schedule.ExpiryCutoff == "" {
		c.Schedule.ExpiryCutoff = defaultExpiryCutoff
	}
	if c.Analytics.MaxDistancePct == 0 {
		c.Analytics.MaxDistancePct = defaultMaxDistancePct
	}
	if c.Analytics.OptionsExpiryType == "" {
		c.Analytics.OptionsExpiryType = "weekly"
	}
	if c.Analytics.FuturesExpiryType == "" {
		c.Analytics.FuturesExpiryType = "monthly"
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
}

// IsLive returns true if the service talks to the real provider.
func (c *Config) IsLive() bool {
	return c.Environment.Mode == "live"
}

// IsMock returns true if the service uses the offline data provider.
func (c *Config) IsMock() bool {
	return c.Environment.Mode == "mock"
}

// GetTimeout returns the per-attempt request timeout.
func (c *Config) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Broker.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second // default
	}
	return d
}

// Location returns the exchange time zone, falling back to a fixed IST
// offset on hosts without zoneinfo.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

// GetExpiryCutoff returns the cutoff as an offset from local midnight.
func (c *Config) GetExpiryCutoff() time.Duration {
	d, err := parseClock(c.Schedule.ExpiryCutoff)
	if err != nil {
		return 15 * time.Hour
	}
	return d
}

// GetInterval parses a circuit breaker duration field, returning fallback
// when unset or invalid.
func GetInterval(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseClock(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", v)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
