// Package config handles configuration loading and validation for the pool.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pool
type Config struct {
	Pool      PoolConfig      `mapstructure:"pool"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Timers    TimersConfig    `mapstructure:"timers"`
	DDOS      DDOSConfig      `mapstructure:"ddos"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Stats     StatsConfig     `mapstructure:"stats"`
	API       APIConfig       `mapstructure:"api"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	NewRelic  NewRelicConfig  `mapstructure:"newrelic"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Log       LogConfig       `mapstructure:"log"`
}

// PoolConfig defines pool identity and miner listener settings
type PoolConfig struct {
	Name           string        `mapstructure:"name"`
	Bind           string        `mapstructure:"bind"`
	Fee            float64       `mapstructure:"fee"` // percent
	FeeAddress     string        `mapstructure:"fee_address"`
	MinShare       uint32        `mapstructure:"min_share"` // encoded difficulty bits
	VerifyWorkers  int           `mapstructure:"verify_workers"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	DataDir        string        `mapstructure:"data_dir"`
}

// WalletConfig defines the daemon connection
type WalletConfig struct {
	Address      string        `mapstructure:"address"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
}

// TimersConfig defines the periodic task cadences
type TimersConfig struct {
	Block       time.Duration `mapstructure:"block"`
	Orphan      time.Duration `mapstructure:"orphan"`
	Maintenance time.Duration `mapstructure:"maintenance"`
	Poll        time.Duration `mapstructure:"poll"`
	Persistence time.Duration `mapstructure:"persistence"`
}

// DDOSConfig defines abuse filter thresholds
type DDOSConfig struct {
	Enabled bool `mapstructure:"enabled"`
	RScore  int  `mapstructure:"rscore"`
	CScore  int  `mapstructure:"cscore"`
	Window  int  `mapstructure:"window"` // seconds
}

// StorageConfig selects the ledger backend
type StorageConfig struct {
	Type     string `mapstructure:"type"` // bolt, redis, memory
	BoltPath string `mapstructure:"bolt_path"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StatsConfig defines the SQL statistics store
type StatsConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Path                string        `mapstructure:"path"`
	ConnectionFrequency time.Duration `mapstructure:"connection_frequency"`
}

// APIConfig defines API server settings
type APIConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Bind          string        `mapstructure:"bind"`
	StatsCache    time.Duration `mapstructure:"stats_cache"`
	AdminSecret   string        `mapstructure:"admin_secret"`
	AdminPassword string        `mapstructure:"admin_password"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
}

// NotifyConfig defines Discord webhook notifications
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	WebhookID    string `mapstructure:"discord_webhook_id"`
	WebhookToken string `mapstructure:"discord_webhook_token"`
	PoolURL      string `mapstructure:"pool_url"`
}

// NewRelicConfig defines APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// ProfilingConfig defines the pprof debug listener
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/nxs-pool")
	}

	v.SetEnvPrefix("NXS_POOL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.name", "Nexus Prime Pool")
	v.SetDefault("pool.bind", "0.0.0.0:9549")
	v.SetDefault("pool.fee", 1.0)
	v.SetDefault("pool.min_share", 40000000)
	v.SetDefault("pool.verify_workers", 20)
	v.SetDefault("pool.session_timeout", "10m")
	v.SetDefault("pool.data_dir", ".")

	v.SetDefault("wallet.address", "127.0.0.1:9325")
	v.SetDefault("wallet.dial_timeout", "5s")
	v.SetDefault("wallet.reconnect_max", "1m")

	// The block and orphan cadences match the daemon's expectations.
	v.SetDefault("timers.block", "50ms")
	v.SetDefault("timers.orphan", "20s")
	v.SetDefault("timers.maintenance", "60s")
	v.SetDefault("timers.poll", "1s")
	v.SetDefault("timers.persistence", "10s")

	v.SetDefault("ddos.enabled", true)
	v.SetDefault("ddos.rscore", 20)
	v.SetDefault("ddos.cscore", 2)
	v.SetDefault("ddos.window", 30)

	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.bolt_path", "ledger.db")

	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("stats.enabled", true)
	v.SetDefault("stats.path", "pool.db")
	v.SetDefault("stats.connection_frequency", "10s")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.stats_cache", "5s")
	v.SetDefault("api.token_ttl", "12h")

	v.SetDefault("newrelic.app_name", "nxs-pool")

	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Pool.Bind == "" {
		return fmt.Errorf("pool.bind is required")
	}

	if c.Pool.Fee < 0 || c.Pool.Fee > 100 {
		return fmt.Errorf("pool.fee must be between 0 and 100")
	}

	if c.Pool.VerifyWorkers <= 0 {
		return fmt.Errorf("pool.verify_workers must be positive")
	}

	if c.Wallet.Address == "" {
		return fmt.Errorf("wallet.address is required")
	}

	if c.Timers.Block <= 0 || c.Timers.Orphan <= 0 || c.Timers.Maintenance <= 0 || c.Timers.Poll <= 0 {
		return fmt.Errorf("timers must be positive durations")
	}

	if c.DDOS.Window <= 0 {
		return fmt.Errorf("ddos.window must be positive")
	}

	switch c.Storage.Type {
	case "bolt":
		if c.Storage.BoltPath == "" {
			return fmt.Errorf("storage.bolt_path is required for bolt storage")
		}
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required for redis storage")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.type must be one of bolt, redis, memory")
	}

	if c.Stats.Enabled && c.Stats.Path == "" {
		return fmt.Errorf("stats.path is required when stats are enabled")
	}

	if c.API.AdminPassword != "" && c.API.AdminSecret == "" {
		return fmt.Errorf("api.admin_secret is required when admin password is set")
	}

	if c.Profiling.Enabled && c.Profiling.Bind == "" {
		return fmt.Errorf("profiling.bind is required when profiling is enabled")
	}

	if c.Notify.Enabled && (c.Notify.WebhookID == "" || c.Notify.WebhookToken == "") {
		return fmt.Errorf("notify webhook id and token are required when notifications are enabled")
	}

	return nil
}

// FeeFraction returns the pool fee as a fraction of the reward
func (c *Config) FeeFraction() float64 {
	return c.Pool.Fee / 100
}
