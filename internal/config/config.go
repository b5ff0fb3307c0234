package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"collectible-alerts/internal/alerting"
	"collectible-alerts/internal/breaker"
	"collectible-alerts/internal/logging"
	"collectible-alerts/internal/poller"
)

const envPrefix = "MOMENTWATCH"

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Breakers  BreakersConfig  `mapstructure:"breakers"`
	Poller    poller.Config   `mapstructure:"poller"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Retention RetentionConfig `mapstructure:"retention"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// CacheConfig selects the cache backend and per key-class TTLs.
type CacheConfig struct {
	RedisURL       string        `mapstructure:"redis_url"`
	KeyPrefix      string        `mapstructure:"key_prefix"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	DefaultTTL     time.Duration `mapstructure:"default_ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	ComputeTimeout time.Duration `mapstructure:"compute_timeout"`
	PriceTTL       time.Duration `mapstructure:"price_ttl"`
	FallbackTTL    time.Duration `mapstructure:"fallback_ttl"`
	PortfolioTTL   time.Duration `mapstructure:"portfolio_ttl"`
	MetadataTTL    time.Duration `mapstructure:"metadata_ttl"`
}

// BreakersConfig holds the shared breaker profile and per-upstream overrides.
type BreakersConfig struct {
	Default   breaker.Config            `mapstructure:"default"`
	Overrides map[string]breaker.Config `mapstructure:"overrides"`
}

// LedgerConfig covers on-chain holdings lookups.
type LedgerConfig struct {
	RPCURL            string        `mapstructure:"rpc_url"`
	CollectionAddress string        `mapstructure:"collection_address"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	MaxTokens         int           `mapstructure:"max_tokens"`
}

// IndexerConfig captures the third-party price indexer.
type IndexerConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec"`
	Burst           int           `mapstructure:"burst"`
	UserAgent       string        `mapstructure:"user_agent"`
	Concurrency     int           `mapstructure:"concurrency"`
}

// AlertingConfig defines engine defaults and sink routing.
type AlertingConfig struct {
	alerting.Config `mapstructure:",squash"`

	Telegram  TelegramConfig     `mapstructure:"telegram"`
	Webhook   WebhookConfig      `mapstructure:"webhook"`
	WebSocket alerting.HubConfig `mapstructure:"websocket"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// WebhookConfig describes the generic JSON webhook sink.
type WebhookConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// RetentionConfig schedules pruning of stored history.
type RetentionConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Schedule        string        `mapstructure:"schedule"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "momentwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
	v.SetDefault("logging.compress", true)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.key_prefix", "momentwatch:")
	v.SetDefault("cache.connect_timeout", "1s")
	v.SetDefault("cache.default_ttl", "900s")
	v.SetDefault("cache.sweep_interval", "5m")
	v.SetDefault("cache.compute_timeout", "30s")
	v.SetDefault("cache.price_ttl", "60s")
	v.SetDefault("cache.fallback_ttl", "24h")
	v.SetDefault("cache.portfolio_ttl", "600s")
	v.SetDefault("cache.metadata_ttl", "1800s")

	bd := breaker.DefaultConfig("default")
	v.SetDefault("breakers.default.failure_threshold", bd.FailureThreshold)
	v.SetDefault("breakers.default.timeout", bd.Timeout.String())
	v.SetDefault("breakers.default.minimum_requests", bd.MinimumRequests)

	pd := poller.DefaultConfig()
	v.SetDefault("poller.min_interval", pd.MinInterval.String())
	v.SetDefault("poller.initial_interval", pd.InitialInterval.String())
	v.SetDefault("poller.max_interval", pd.MaxInterval.String())
	v.SetDefault("poller.steady_cap", pd.SteadyCap.String())
	v.SetDefault("poller.backoff_cap", pd.BackoffCap.String())
	v.SetDefault("poller.max_consecutive_errors", pd.MaxConsecutiveErrors)
	v.SetDefault("poller.volatility_threshold", pd.VolatilityThreshold)
	v.SetDefault("poller.slow_latency", pd.SlowLatency.String())
	v.SetDefault("poller.history_size", pd.HistorySize)
	v.SetDefault("poller.peak_hours", pd.PeakHours)

	v.SetDefault("ledger.rpc_url", "")
	v.SetDefault("ledger.collection_address", "")
	v.SetDefault("ledger.request_timeout", "10s")
	v.SetDefault("ledger.max_tokens", 500)

	v.SetDefault("indexer.base_url", "")
	v.SetDefault("indexer.api_key", "")
	v.SetDefault("indexer.request_timeout", "10s")
	v.SetDefault("indexer.rate_limit_per_sec", 5.0)
	v.SetDefault("indexer.burst", 5)
	v.SetDefault("indexer.user_agent", "momentwatch/1.0")
	v.SetDefault("indexer.concurrency", 8)

	ad := alerting.DefaultConfig()
	v.SetDefault("alerting.default_max_triggers", ad.DefaultMaxTriggers)
	v.SetDefault("alerting.default_threshold", ad.DefaultThreshold)
	v.SetDefault("alerting.max_notifications", ad.MaxNotifications)
	v.SetDefault("alerting.notification_ttl", ad.NotificationTTL.String())
	v.SetDefault("alerting.sink_timeout", ad.SinkTimeout.String())
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.webhook.enabled", false)
	v.SetDefault("alerting.webhook.url", "")
	v.SetDefault("alerting.webhook.timeout", "10s")

	hd := alerting.DefaultHubConfig()
	v.SetDefault("alerting.websocket.write_timeout", hd.WriteTimeout.String())
	v.SetDefault("alerting.websocket.ping_interval", hd.PingInterval.String())
	v.SetDefault("alerting.websocket.read_timeout", hd.ReadTimeout.String())
	v.SetDefault("alerting.websocket.send_buffer", hd.SendBuffer)
	v.SetDefault("alerting.websocket.allowed_origins", []string{})

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.schedule", "@every 1h")
	v.SetDefault("retention.max_age", "720h")
	v.SetDefault("retention.advisory_lock_key", int64(0x6d6f6d77))

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	var errs []error
	if c.Export.MaxDataPoints <= 0 {
		errs = append(errs, fmt.Errorf("export.max_data_points must be greater than zero"))
	}
	if c.Cache.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("cache.connect_timeout must be greater than zero"))
	}
	if c.Cache.DefaultTTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.default_ttl must be greater than zero"))
	}

	bd := c.Breakers.Default
	bd.Name = "default"
	if err := bd.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("breakers.default: %w", err))
	}
	if err := c.Poller.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("poller: %w", err))
	}
	if err := c.Alerting.Config.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("alerting: %w", err))
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			errs = append(errs, fmt.Errorf("alerting.telegram.bot_token 必须配置"))
		}
		if c.Alerting.Telegram.ChatID == "" {
			errs = append(errs, fmt.Errorf("alerting.telegram.chat_id 必须配置"))
		}
	}
	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
		errs = append(errs, fmt.Errorf("alerting.webhook.url 必须配置"))
	}

	if c.Retention.Enabled {
		if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("retention.schedule: %w", err))
		}
		if c.Retention.MaxAge <= 0 {
			errs = append(errs, fmt.Errorf("retention.max_age must be greater than zero"))
		}
	}
	return errors.Join(errs...)
}

// BreakerDefaults returns the shared breaker profile ready for breaker.NewManager.
func (c *Config) BreakerDefaults() breaker.Config {
	bd := c.Breakers.Default
	bd.Name = "default"
	return bd
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
