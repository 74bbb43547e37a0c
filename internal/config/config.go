package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the aigate configuration.
type Config struct {
	HTTP     HTTPConfig            `yaml:"http"`
	Database DatabaseConfig        `yaml:"database"`
	Provider ProviderConfig        `yaml:"provider"`
	Gateway  GatewayConfig         `yaml:"gateway"`
	Tiers    map[string]TierConfig `yaml:"tiers"`
	Auth     AuthConfig            `yaml:"auth"`
	Logging  LoggingConfig         `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig holds coordination-store connection settings.
type DatabaseConfig struct {
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// ProviderConfig holds AI provider settings.
type ProviderConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	ModelFree  string `yaml:"model_free"` // cheaper model for non-pro tiers (default: model)
	TimeoutSec int    `yaml:"timeout_sec"`
}

// GatewayConfig holds gateway pipeline settings.
type GatewayConfig struct {
	// Disabled is the static kill switch. The runtime kill switch in the
	// coordination store is checked in addition to this flag.
	Disabled bool `yaml:"disabled"`
	// FailClosed rejects calls when the coordination store is unreachable.
	// The default (false) favors availability: calls proceed unmetered.
	FailClosed  bool          `yaml:"fail_closed"`
	LeaseTTLSec int           `yaml:"lease_ttl_sec"`
	Breaker     BreakerConfig `yaml:"breaker"`
	GuildBudget BudgetConfig  `yaml:"guild_budget"`
	Cache       CacheConfig   `yaml:"cache"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
	CooldownSec      int `yaml:"cooldown_sec"`
}

// BudgetConfig holds usage window limits. Zero means unlimited.
type BudgetConfig struct {
	DailyTokenLimit  int64 `yaml:"daily_token_limit"`
	WeeklyTokenLimit int64 `yaml:"weekly_token_limit"`
	DailyCallLimit   int64 `yaml:"daily_call_limit"`
	WeeklyCallLimit  int64 `yaml:"weekly_call_limit"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled      bool `yaml:"enabled"`
	TTLSec       int  `yaml:"ttl_sec"`
	MaxPromptLen int  `yaml:"max_prompt_len"`
}

// TierConfig holds per-tier limits.
type TierConfig struct {
	MaxTokensTalk         int   `yaml:"max_tokens_talk"`
	MaxTokensScene        int   `yaml:"max_tokens_scene"`
	DailyTokenLimit       int64 `yaml:"daily_token_limit"`
	WeeklyTokenLimit      int64 `yaml:"weekly_token_limit"`
	DailyCallLimit        int64 `yaml:"daily_call_limit"`
	WeeklyCallLimit       int64 `yaml:"weekly_call_limit"`
	MaxConcurrentGlobal   int   `yaml:"max_concurrent_global"`
	MaxConcurrentPerGuild int   `yaml:"max_concurrent_per_guild"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Provider.TimeoutSec <= 0 {
		c.Provider.TimeoutSec = 20
	}
	if c.Provider.ModelFree == "" {
		c.Provider.ModelFree = c.Provider.Model
	}
	// Lease TTL must exceed the provider timeout with headroom so slots
	// held by a crashed process expire after the call would have ended.
	if c.Gateway.LeaseTTLSec <= 0 {
		c.Gateway.LeaseTTLSec = 70
	}
	if c.Gateway.Breaker.FailureThreshold <= 0 {
		c.Gateway.Breaker.FailureThreshold = 5
	}
	if c.Gateway.Breaker.SuccessThreshold <= 0 {
		c.Gateway.Breaker.SuccessThreshold = 2
	}
	if c.Gateway.Breaker.CooldownSec <= 0 {
		c.Gateway.Breaker.CooldownSec = 30
	}
	if c.Gateway.Cache.TTLSec <= 0 {
		c.Gateway.Cache.TTLSec = 600
	}
	if c.Gateway.Cache.MaxPromptLen <= 0 {
		c.Gateway.Cache.MaxPromptLen = 120
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if len(c.Database.Addrs) == 0 {
		return fmt.Errorf("database.addrs is required")
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("provider.model is required")
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one tier is required")
	}
	for name, t := range c.Tiers {
		if t.MaxTokensTalk <= 0 || t.MaxTokensScene <= 0 {
			return fmt.Errorf("tiers.%s: max_tokens_talk and max_tokens_scene must be positive", name)
		}
		if t.MaxConcurrentGlobal <= 0 || t.MaxConcurrentPerGuild <= 0 {
			return fmt.Errorf("tiers.%s: concurrency limits must be positive", name)
		}
	}
	if c.Gateway.LeaseTTLSec <= c.Provider.TimeoutSec {
		return fmt.Errorf(
			"gateway.lease_ttl_sec (%d) must exceed provider.timeout_sec (%d)",
			c.Gateway.LeaseTTLSec, c.Provider.TimeoutSec,
		)
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
