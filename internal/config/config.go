package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Policy        PolicyConfig        `mapstructure:"policy"`
	Tracking      TrackingConfig      `mapstructure:"tracking"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress    string   `mapstructure:"bind_address"`
	HTTPPort       int      `mapstructure:"http_port"`
	MetricsPort    int      `mapstructure:"metrics_port"`
	BasePath       string   `mapstructure:"base_path"`
	ReadTimeout    string   `mapstructure:"read_timeout"`
	WriteTimeout   string   `mapstructure:"write_timeout"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type   string       `mapstructure:"type"` // "redis", "sqlite" or "memory"
	Redis  RedisConfig  `mapstructure:"redis"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// SQLiteConfig defines the embedded database location and pools
type SQLiteConfig struct {
	Path            string `mapstructure:"path"`
	ReadConnections int    `mapstructure:"read_connections"`
	MaxTxRetries    int    `mapstructure:"max_tx_retries"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	MaxTxRetries int    `mapstructure:"max_tx_retries"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// AuthConfig defines bearer token verification
type AuthConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	JWTSecret          string `mapstructure:"jwt_secret"`
	Issuer             string `mapstructure:"issuer"`
	ElevatedPermission string `mapstructure:"elevated_permission"`
	TokenTTL           string `mapstructure:"token_ttl"`
}

// PolicyConfig defines the authorization policy source
type PolicyConfig struct {
	OPAPolicyDir string `mapstructure:"opa_policy_dir"` // empty uses the embedded policy
}

// TrackingConfig holds deployment defaults for time tracking. Values stored
// through the settings API take precedence.
type TrackingConfig struct {
	TimeZone         string `mapstructure:"time_zone"`
	RoundingMinutes  int    `mapstructure:"rounding_minutes"`
	MaxBreakMinutes  int    `mapstructure:"max_break_minutes"`
	EnforceMaxBreak  bool   `mapstructure:"enforce_max_break"`
	MaxReportDays    int    `mapstructure:"max_report_days"`
	SummaryCacheSize int    `mapstructure:"summary_cache_size"`
	ProfileCacheSize int    `mapstructure:"profile_cache_size"`
	HistoryPageLimit int    `mapstructure:"history_page_limit"`
}

// NotificationsConfig defines the event publisher
type NotificationsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// RateLimitConfig defines per-user request limits
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("KTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.base_path", "/api/time-tracking")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.allowed_origins", []string{})

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.max_tx_retries", 16)
	v.SetDefault("storage.sqlite.path", "/var/lib/ktime/ktime.db")
	v.SetDefault("storage.sqlite.read_connections", 4)
	v.SetDefault("storage.sqlite.max_tx_retries", 16)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Auth defaults
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.elevated_permission", "time_tracking:manage")
	v.SetDefault("auth.token_ttl", "12h")

	// Policy defaults
	v.SetDefault("policy.opa_policy_dir", "")

	// Tracking defaults
	v.SetDefault("tracking.time_zone", "UTC")
	v.SetDefault("tracking.rounding_minutes", 0)
	v.SetDefault("tracking.max_break_minutes", 0)
	v.SetDefault("tracking.enforce_max_break", false)
	v.SetDefault("tracking.max_report_days", 92)
	v.SetDefault("tracking.summary_cache_size", 4096)
	v.SetDefault("tracking.profile_cache_size", 1024)
	v.SetDefault("tracking.history_page_limit", 100)

	// Notification defaults
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.channel_prefix", "notification")

	// Rate limit defaults
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 10)
	v.SetDefault("rate_limit.burst", 20)
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// UnknownKeys lists keys in the config file that no setting reads.
func UnknownKeys(configPath string) ([]string, error) {
	file := viper.New()
	file.SetConfigFile(configPath)
	if err := file.ReadInConfig(); err != nil {
		return nil, err
	}

	known := viper.New()
	setDefaults(known)
	valid := make(map[string]bool)
	for _, key := range known.AllKeys() {
		valid[key] = true
	}

	unknown := []string{}
	for _, key := range file.AllKeys() {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}
	for name, d := range map[string]string{
		"server.read_timeout":  cfg.Server.ReadTimeout,
		"server.write_timeout": cfg.Server.WriteTimeout,
	} {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	switch cfg.Storage.Type {
	case "redis", "sqlite", "memory":
	case "":
		cfg.Storage.Type = "redis"
	default:
		return fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}

	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging format: %s", cfg.Logging.Format)
	}

	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	if cfg.Auth.ElevatedPermission == "" {
		return fmt.Errorf("auth.elevated_permission must not be empty")
	}
	if _, err := time.ParseDuration(cfg.Auth.TokenTTL); err != nil {
		return fmt.Errorf("invalid auth.token_ttl: %w", err)
	}

	if _, err := time.LoadLocation(cfg.Tracking.TimeZone); err != nil {
		return fmt.Errorf("invalid tracking.time_zone %q: %w", cfg.Tracking.TimeZone, err)
	}
	if cfg.Tracking.RoundingMinutes < 0 || cfg.Tracking.RoundingMinutes > 24*60 {
		return fmt.Errorf("tracking.rounding_minutes must be between 0 and 1440")
	}
	if cfg.Tracking.MaxBreakMinutes < 0 {
		return fmt.Errorf("tracking.max_break_minutes must not be negative")
	}
	if cfg.Tracking.MaxReportDays <= 0 {
		return fmt.Errorf("tracking.max_report_days must be positive")
	}
	if cfg.Tracking.SummaryCacheSize <= 0 {
		return fmt.Errorf("tracking.summary_cache_size must be positive")
	}
	if cfg.Tracking.ProfileCacheSize <= 0 {
		return fmt.Errorf("tracking.profile_cache_size must be positive")
	}
	if cfg.Tracking.HistoryPageLimit <= 0 {
		return fmt.Errorf("tracking.history_page_limit must be positive")
	}

	if cfg.Notifications.Enabled && cfg.Storage.Type != "redis" {
		return fmt.Errorf("notifications require the redis storage backend")
	}
	if cfg.Notifications.ChannelPrefix == "" {
		cfg.Notifications.ChannelPrefix = "notification"
	}

	if cfg.RateLimit.Enabled && (cfg.RateLimit.RequestsPerSecond <= 0 || cfg.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit requires positive requests_per_second and burst")
	}

	return nil
}
