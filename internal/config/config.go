// Package config loads the immutable process configuration from file and
// environment. The Config value is built once at startup and passed
// explicitly; nothing in the pipeline reads viper after Load returns.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bananahana720/phx-property-collector/internal/errs"
)

// Config holds the full application configuration.
type Config struct {
	Assessor  AssessorConfig  `yaml:"assessor" mapstructure:"assessor"`
	MLS       MLSConfig       `yaml:"mls" mapstructure:"mls"`
	Proxy     ProxyConfig     `yaml:"proxy" mapstructure:"proxy"`
	Captcha   CaptchaConfig   `yaml:"captcha" mapstructure:"captcha"`
	LLM       LLMConfig       `yaml:"llm" mapstructure:"llm"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Resources ResourcesConfig `yaml:"resources" mapstructure:"resources"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// AssessorConfig configures the county assessor API client.
type AssessorConfig struct {
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	APIKey       string `yaml:"api_key" mapstructure:"api_key"`
	APIKeyHeader string `yaml:"api_key_header" mapstructure:"api_key_header"`
	RateLimitRPM int    `yaml:"rate_limit_rpm" mapstructure:"rate_limit_rpm"`
	TimeoutSecs  int    `yaml:"timeout_s" mapstructure:"timeout_s"`
	MaxRetries   int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// MLSConfig configures the MLS website scraper.
type MLSConfig struct {
	BaseURL      string            `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs  int               `yaml:"timeout_s" mapstructure:"timeout_s"`
	MaxRetries   int               `yaml:"max_retries" mapstructure:"max_retries"`
	RateLimitRPM int               `yaml:"rate_limit_rpm" mapstructure:"rate_limit_rpm"`
	Burst        int               `yaml:"burst" mapstructure:"burst"`
	SessionPath  string            `yaml:"session_path" mapstructure:"session_path"`
	Selectors    map[string]string `yaml:"selectors" mapstructure:"selectors"`
}

// ProxyConfig configures the rotating residential proxy pool.
type ProxyConfig struct {
	Entries         []ProxyEntryConfig `yaml:"entries" mapstructure:"entries"`
	MaxFailures     int                `yaml:"max_failures" mapstructure:"max_failures"`
	CooldownMinutes int                `yaml:"cooldown_minutes" mapstructure:"cooldown_minutes"`
}

// ProxyEntryConfig describes one upstream proxy.
type ProxyEntryConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	Kind     string `yaml:"kind" mapstructure:"kind"` // "http" or "socks5"
}

// CaptchaConfig configures the external CAPTCHA solver.
type CaptchaConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Service     string `yaml:"service" mapstructure:"service"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs int    `yaml:"timeout_s" mapstructure:"timeout_s"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// LLMConfig configures the local model server client.
type LLMConfig struct {
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	Model         string `yaml:"model" mapstructure:"model"`
	TimeoutSecs   int    `yaml:"timeout_s" mapstructure:"timeout_s"`
	MaxRetries    int    `yaml:"max_retries" mapstructure:"max_retries"`
	MaxInputBytes int    `yaml:"max_input_bytes" mapstructure:"max_input_bytes"`
}

// CacheConfig configures the extraction artifact cache.
type CacheConfig struct {
	Backend    string `yaml:"backend" mapstructure:"backend"` // "memory" or "disk"
	Path       string `yaml:"path" mapstructure:"path"`
	TTLHours   int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	MaxEntries int    `yaml:"max_entries" mapstructure:"max_entries"`
}

// ResourcesConfig configures the admission controller.
type ResourcesConfig struct {
	MaxMemoryMB           int     `yaml:"max_memory_mb" mapstructure:"max_memory_mb"`
	MaxCPUPercent         float64 `yaml:"max_cpu_percent" mapstructure:"max_cpu_percent"`
	MaxConcurrentRequests int     `yaml:"max_concurrent_requests" mapstructure:"max_concurrent_requests"`
}

// BatchConfig configures adaptive batch sizing.
type BatchConfig struct {
	InitialSize int `yaml:"initial_size" mapstructure:"initial_size"`
	MinSize     int `yaml:"min_size" mapstructure:"min_size"`
	MaxSize     int `yaml:"max_size" mapstructure:"max_size"`
}

// StoreConfig configures the document store.
type StoreConfig struct {
	Driver       string `yaml:"driver" mapstructure:"driver"` // "mongo" or "memory"
	URI          string `yaml:"uri" mapstructure:"uri"`
	DatabaseName string `yaml:"database_name" mapstructure:"database_name"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Timeout returns the assessor request deadline.
func (c AssessorConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSecs) * time.Second }

// Timeout returns the browser navigation deadline.
func (c MLSConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSecs) * time.Second }

// Timeout returns the solve deadline for one CAPTCHA challenge.
func (c CaptchaConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSecs) * time.Second }

// Timeout returns the per-call LLM deadline.
func (c LLMConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSecs) * time.Second }

// TTL returns the cache entry lifetime.
func (c CacheConfig) TTL() time.Duration { return time.Duration(c.TTLHours) * time.Hour }

// Cooldown returns how long a tripped proxy stays out of rotation.
func (c ProxyConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PHX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("assessor.base_url", "https://mcassessor.maricopa.gov")
	v.SetDefault("assessor.api_key_header", "AUTHORIZATION")
	v.SetDefault("assessor.rate_limit_rpm", 60)
	v.SetDefault("assessor.timeout_s", 30)
	v.SetDefault("assessor.max_retries", 3)
	v.SetDefault("mls.base_url", "https://www.phoenixmlssearch.com")
	v.SetDefault("mls.timeout_s", 30)
	v.SetDefault("mls.max_retries", 3)
	v.SetDefault("mls.rate_limit_rpm", 30)
	v.SetDefault("mls.burst", 5)
	v.SetDefault("mls.session_path", ".phxcollect/session.json")
	v.SetDefault("proxy.max_failures", 3)
	v.SetDefault("proxy.cooldown_minutes", 5)
	v.SetDefault("captcha.enabled", false)
	v.SetDefault("captcha.service", "https://2captcha.com")
	v.SetDefault("captcha.timeout_s", 180)
	v.SetDefault("captcha.max_retries", 2)
	v.SetDefault("llm.base_url", "http://localhost:11434")
	v.SetDefault("llm.model", "llama3.2:latest")
	v.SetDefault("llm.timeout_s", 30)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.max_input_bytes", 48_000)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.path", ".phxcollect/cache.db")
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("cache.max_entries", 10_000)
	v.SetDefault("resources.max_memory_mb", 2048)
	v.SetDefault("resources.max_cpu_percent", 80.0)
	v.SetDefault("resources.max_concurrent_requests", 5)
	v.SetDefault("batch.initial_size", 10)
	v.SetDefault("batch.min_size", 1)
	v.SetDefault("batch.max_size", 50)
	v.SetDefault("store.driver", "mongo")
	v.SetDefault("store.uri", "mongodb://localhost:27017")
	v.SetDefault("store.database_name", "phoenix_properties")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks invariants that would otherwise fail deep inside the
// pipeline. All violations are reported as configuration-kind errors.
func (c *Config) Validate() error {
	switch {
	case c.Assessor.RateLimitRPM <= 0:
		return errs.New(errs.KindConfiguration, "assessor.rate_limit_rpm must be positive")
	case c.MLS.RateLimitRPM <= 0:
		return errs.New(errs.KindConfiguration, "mls.rate_limit_rpm must be positive")
	case c.MLS.Burst <= 0:
		return errs.New(errs.KindConfiguration, "mls.burst must be positive")
	case c.Cache.Backend != "memory" && c.Cache.Backend != "disk":
		return errs.New(errs.KindConfiguration, "cache.backend must be memory or disk").
			With("backend", c.Cache.Backend)
	case c.Cache.Backend == "disk" && c.Cache.Path == "":
		return errs.New(errs.KindConfiguration, "cache.path is required for the disk backend")
	case c.Resources.MaxConcurrentRequests <= 0:
		return errs.New(errs.KindConfiguration, "resources.max_concurrent_requests must be positive")
	case c.Batch.MinSize <= 0 || c.Batch.MaxSize < c.Batch.MinSize:
		return errs.New(errs.KindConfiguration, "batch sizes must satisfy 0 < min_size <= max_size")
	case c.Batch.InitialSize < c.Batch.MinSize || c.Batch.InitialSize > c.Batch.MaxSize:
		return errs.New(errs.KindConfiguration, "batch.initial_size must lie within [min_size, max_size]")
	case c.Store.Driver != "mongo" && c.Store.Driver != "memory":
		return errs.New(errs.KindConfiguration, "store.driver must be mongo or memory").
			With("driver", c.Store.Driver)
	case c.Store.Driver == "mongo" && c.Store.URI == "":
		return errs.New(errs.KindConfiguration, "store.uri is required for the mongo driver")
	case c.Captcha.Enabled && c.Captcha.APIKey == "":
		return errs.New(errs.KindConfiguration, "captcha.api_key is required when captcha.enabled")
	}
	for i, p := range c.Proxy.Entries {
		if p.Host == "" || p.Port <= 0 {
			return errs.New(errs.KindConfiguration, "proxy entry missing host or port").
				With("index", i)
		}
		if p.Kind != "" && p.Kind != "http" && p.Kind != "socks5" {
			return errs.New(errs.KindConfiguration, "proxy kind must be http or socks5").
				With("index", i).With("kind", p.Kind)
		}
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
