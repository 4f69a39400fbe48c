package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// The example config must stay loadable.
	configPath := filepath.Join("..", "..", "config.yaml.example")
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected config to load successfully from example file, got error: %v", err)
	}
	if !cfg.IsMock() {
		t.Errorf("Expected example config in mock mode, got %q", cfg.Environment.Mode)
	}
	if cfg.Catalog.Symbols["^NSEI"] != "NIFTY" {
		t.Errorf("Expected catalog symbol map to be loaded, got %v", cfg.Catalog.Symbols)
	}
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent config file, got nil")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_ExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("FNO_TEST_KEY", "key-from-env")
	t.Setenv("FNO_TEST_SECRET", "secret-from-env")
	path := writeConfig(t, `
environment:
  mode: live
broker:
  api_key: "${FNO_TEST_KEY}"
  api_secret: "${FNO_TEST_SECRET}"
  redirect_uri: "http://localhost:8080/auth/callback"
  api_endpoint: "https://api.upstox.com/v2/"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.APIKey != "key-from-env" || cfg.Broker.APISecret != "secret-from-env" {
		t.Errorf("environment variables not expanded: %+v", cfg.Broker)
	}
	if cfg.Broker.APIEndpoint != "https://api.upstox.com/v2" {
		t.Errorf("Expected trailing slash trimmed, got %q", cfg.Broker.APIEndpoint)
	}
	if cfg.Environment.LogLevel != "info" {
		t.Errorf("Expected default log level info, got %q", cfg.Environment.LogLevel)
	}
	if cfg.GetTimeout() != 10*time.Second {
		t.Errorf("Expected default timeout 10s, got %v", cfg.GetTimeout())
	}
	if cfg.GetExpiryCutoff() != 15*time.Hour {
		t.Errorf("Expected default cutoff 15:00, got %v", cfg.GetExpiryCutoff())
	}
	if cfg.Broker.RateLimit.MarketData != 250 || cfg.Broker.RateLimit.Portfolio != 60 {
		t.Errorf("Expected default rate limits, got %+v", cfg.Broker.RateLimit)
	}
	if cfg.Analytics.MaxDistancePct != 12 || cfg.Analytics.OptionsExpiryType != "weekly" || cfg.Analytics.FuturesExpiryType != "monthly" {
		t.Errorf("Expected analytics defaults, got %+v", cfg.Analytics)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
}

func TestLoad_UnknownField(t *testing.T) {
	path := writeConfig(t, `
environment:
  mode: mock
  verbose: true
`)
	if _, err := Load(path); err == nil {
		t.Error("Expected error for unknown field, got nil")
	}
}

func baseConfig() Config {
	return Config{
		Environment: EnvironmentConfig{Mode: "live", LogLevel: "info"},
		Broker: BrokerConfig{
			APIKey:      "test-key",
			APISecret:   "test-secret",
			RedirectURI: "http://localhost:8080/auth/callback",
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid live", func(c *Config) {}, ""},
		{"valid mock without credentials", func(c *Config) {
			c.Environment.Mode = "mock"
			c.Broker = BrokerConfig{}
		}, ""},
		{"bad mode", func(c *Config) { c.Environment.Mode = "paper" }, "environment.mode must be 'live' or 'mock'"},
		{"bad log level", func(c *Config) { c.Environment.LogLevel = "trace" }, "environment.log_level"},
		{"missing key", func(c *Config) { c.Broker.APIKey = "" }, "broker.api_key is required in live mode"},
		{"missing secret", func(c *Config) { c.Broker.APISecret = "" }, "broker.api_secret is required in live mode"},
		{"missing redirect", func(c *Config) { c.Broker.RedirectURI = "" }, "broker.redirect_uri is required in live mode"},
		{"relative redirect", func(c *Config) { c.Broker.RedirectURI = "/callback" }, "broker.redirect_uri must be an absolute URL"},
		{"bad endpoint", func(c *Config) { c.Broker.APIEndpoint = "api.upstox.com" }, "broker.api_endpoint must be an absolute URL"},
		{"bad timeout", func(c *Config) { c.Broker.Timeout = "-1s" }, "broker.timeout must be a positive duration"},
		{"breaker ratio", func(c *Config) {
			c.Broker.CircuitBreaker = CircuitBreakerConfig{Enabled: true, Interval: "1m", Timeout: "30s", MaxRequests: 1, MinRequests: 1, FailureRatio: 1.5}
		}, "broker.circuit_breaker.failure_ratio must be in (0,1]"},
		{"breaker interval", func(c *Config) {
			c.Broker.CircuitBreaker = CircuitBreakerConfig{Enabled: true, Interval: "soon", Timeout: "30s", MaxRequests: 1, MinRequests: 1, FailureRatio: 0.5}
		}, "broker.circuit_breaker.interval must be a positive duration"},
		{"disabled breaker ignores fields", func(c *Config) {
			c.Broker.CircuitBreaker = CircuitBreakerConfig{Interval: "soon"}
		}, ""},
		{"bad cutoff", func(c *Config) { c.Schedule.ExpiryCutoff = "3pm" }, "schedule.expiry_cutoff invalid"},
		{"bad timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }, "schedule.timezone invalid"},
		{"distance too large", func(c *Config) { c.Analytics.MaxDistancePct = 150 }, "analytics.max_distance_pct must be in (0,100]"},
		{"bad expiry type", func(c *Config) { c.Analytics.FuturesExpiryType = "quarterly" }, "analytics.futures_expiry_type must be 'weekly' or 'monthly'"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port must be between 1 and 65535"},
		{"empty catalog symbol", func(c *Config) { c.Catalog.Symbols = map[string]string{"TCS.NS": ""} }, "catalog.symbols"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected valid config, got error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error message to contain '%s', got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestLocation_Fallback(t *testing.T) {
	cfg := baseConfig()
	cfg.Schedule.Timezone = "Mars/Olympus"
	loc := cfg.Location()
	_, offset := time.Date(2026, 10, 19, 12, 0, 0, 0, loc).Zone()
	if offset != 5*3600+1800 {
		t.Errorf("Expected IST fallback offset, got %d", offset)
	}
}

func TestGetInterval(t *testing.T) {
	if got := GetInterval("45s", time.Minute); got != 45*time.Second {
		t.Errorf("GetInterval(45s) = %v", got)
	}
	if got := GetInterval("", time.Minute); got != time.Minute {
		t.Errorf("GetInterval(\"\") = %v, want fallback", got)
	}
}
