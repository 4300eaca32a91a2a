package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Cache     CacheConfig      `mapstructure:"cache"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Store     StoreConfig      `mapstructure:"store"`
	Dispatch  DispatchConfig   `mapstructure:"dispatch"`
	Router    RouterConfig     `mapstructure:"router"`
	Breaker   BreakerConfig    `mapstructure:"breaker"`
	Providers []ProviderConfig `mapstructure:"providers"`
	Rules     []RoutingRule    `mapstructure:"rules"`
}

type ServerConfig struct {
	Port         string   `mapstructure:"port"`
	Env          string   `mapstructure:"env"`
	APIKeys      []string `mapstructure:"api_keys"`
	RPS          float64  `mapstructure:"requests_per_second"`
	Burst        int      `mapstructure:"burst"`
	CheckUpdates bool     `mapstructure:"check_updates"`
}

type CacheConfig struct {
	Backend    string        `mapstructure:"backend"` // "memory" or "redis"
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

type DispatchConfig struct {
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	BatchConcurrency int           `mapstructure:"batch_concurrency"`
}

// RouterConfig carries the thresholds for local-preference gating and the
// per-complexity latency ceilings used in scoring.
type RouterConfig struct {
	CPUThresholdPercent    float64                  `mapstructure:"cpu_threshold_percent"`
	MemoryThresholdPercent float64                  `mapstructure:"memory_threshold_percent"`
	MaxLatency             map[string]time.Duration `mapstructure:"max_latency"`
	RecentWindow           int                      `mapstructure:"recent_window"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	MaxOpenTimeout   time.Duration `mapstructure:"max_open_timeout"`
}

// ProviderConfig is the static declaration of one provider. Mutation
// requires an explicit reload; nothing here changes at runtime.
type ProviderConfig struct {
	Name     string  `mapstructure:"name"`
	Type     string  `mapstructure:"type"`
	Enabled  bool    `mapstructure:"enabled"`
	Priority int     `mapstructure:"priority"`
	Weight   float64 `mapstructure:"weight"`
	APIKey   string  `mapstructure:"api_key"`
	BaseURL  string  `mapstructure:"base_url"`

	RequestsPerMinute int     `mapstructure:"requests_per_minute"`
	TokensPerMinute   int     `mapstructure:"tokens_per_minute"`
	BurstAllowance    int     `mapstructure:"burst_allowance"`
	DailyBudget       float64 `mapstructure:"daily_budget"`

	SupportsVision bool    `mapstructure:"supports_vision"`
	SupportsLocal  bool    `mapstructure:"supports_local"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	CostPerToken   float64 `mapstructure:"cost_per_token"`

	// Adapter-specific settings (e.g. canned text for the static provider).
	Options map[string]string `mapstructure:"options"`
}

// RoutingRule is an operator override applied before default scoring.
type RoutingRule struct {
	Name           string `mapstructure:"name"`
	Complexity     string `mapstructure:"complexity"`
	PromptContains string `mapstructure:"prompt_contains"`
	Target         string `mapstructure:"target"`
	Priority       int    `mapstructure:"priority"`
	Enabled        bool   `mapstructure:"enabled"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig() (*Config, error) {
	// Load .env file if present
	_ = godotenv.Load()

	v := viper.New()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	// Environment Variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// Resolve API Keys
	for i, p := range cfg.Providers {
		if strings.HasPrefix(p.APIKey, "ENV:") {
			envVar := strings.TrimPrefix(p.APIKey, "ENV:")
			val := os.Getenv(envVar)
			if val == "" {
				val = v.GetString(envVar)
			}
			cfg.Providers[i].APIKey = val
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Reload re-reads the configuration from disk. There is no hot reload:
// callers swap the running components explicitly after a successful load.
func Reload() (*Config, error) {
	return LoadConfig()
}

// Validate enforces the invariants the orchestration core relies on, most
// importantly that provider names are unique keys.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		seen[p.Name] = true
		if p.DailyBudget < 0 {
			return fmt.Errorf("provider %s: daily_budget must not be negative", p.Name)
		}
	}
	for _, r := range c.Rules {
		if r.Target != "" && !seen[r.Target] {
			return fmt.Errorf("rule %s targets unknown provider %s", r.Name, r.Target)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.requests_per_second", 10.0)
	v.SetDefault("server.burst", 20)
	v.SetDefault("server.check_updates", false)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.max_entries", 1024)

	v.SetDefault("store.enabled", false)
	v.SetDefault("store.dsn", "file:orchestrator.db?cache=shared&mode=rwc&_journal_mode=WAL&_busy_timeout=5000")

	v.SetDefault("dispatch.call_timeout", "30s")
	v.SetDefault("dispatch.batch_concurrency", 8)

	v.SetDefault("router.cpu_threshold_percent", 70.0)
	v.SetDefault("router.memory_threshold_percent", 80.0)
	v.SetDefault("router.recent_window", 10)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.open_timeout", "60s")
	v.SetDefault("breaker.max_open_timeout", "10m")
}
