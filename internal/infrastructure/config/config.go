package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Log         LogConfig
	HTTP        HTTPConfig
	Webhook     WebhookConfig
	Breaker     BreakerConfig
	RatePool    RatePoolConfig
	Idempotency IdempotencyConfig
	Queue       QueueConfig
	Platform    PlatformConfig
	Metrics     MetricsConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	// AllowMemoryFallback lets the relay start with the in-memory
	// idempotency store when Redis is unreachable.
	AllowMemoryFallback bool
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
	// SlowQueryThreshold marks database queries slower than this as
	// slow in the logs.
	SlowQueryThreshold time.Duration
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	TrustedProxies []string
}

// WebhookConfig holds webhook ingress settings
type WebhookConfig struct {
	// Secret is the shared HMAC secret for delivery verification.
	Secret string
	// Freshness bounds how old a delivery timestamp may be.
	Freshness time.Duration
}

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	FailureThreshold         int
	ResetTimeout             time.Duration
	HalfOpenSuccessThreshold int
	IdlePruneAfter           time.Duration
}

// RatePoolConfig holds per-tenant rate limiting settings
type RatePoolConfig struct {
	MaxCallsPerWindow    int
	Window               time.Duration
	SoftThrottleFraction float64
	HardStopFraction     float64
	SoftPause            time.Duration
	SchedulerTick        time.Duration
	DrainPerSecond       int
	DefaultRetryAfter    time.Duration
	RequestTimeout       time.Duration
	CallLimitHeader      string
}

// IdempotencyConfig holds idempotency store settings
type IdempotencyConfig struct {
	// Retention is how long claims and outcomes are kept.
	Retention time.Duration
}

// QueueConfig holds retry queue and worker pool settings
type QueueConfig struct {
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	WorkerPoolSize   int
	PollInterval     time.Duration
	JobTimeout       time.Duration
	LeaseTimeout     time.Duration
	CleanupEnabled   bool
	CleanupRetention time.Duration
	CleanupInterval  time.Duration
	// PriorityOverrides force topics to a priority class, e.g.
	// "refunds/create" = 100.
	PriorityOverrides map[string]int
}

// PlatformConfig holds outbound platform API settings
type PlatformConfig struct {
	APIVersion string
	// Tenants maps shop domains to their API access tokens, e.g.
	// "acme.myshop.example" = "shpat_...". Usually supplied via
	// config.toml; single tokens can be injected per environment.
	Tenants map[string]string
}

// MetricsConfig holds metrics collection settings
type MetricsConfig struct {
	CollectInterval time.Duration
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with RELAY_ prefix (e.g., RELAY_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	// Set config file settings
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	// Enable environment variable override
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Build config struct
	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Host:                v.GetString("redis.host"),
			Port:                v.GetInt("redis.port"),
			Password:            v.GetString("redis.password"),
			DB:                  v.GetInt("redis.db"),
			AllowMemoryFallback: v.GetBool("redis.allow_memory_fallback"),
		},
		Log: LogConfig{
			Level:              v.GetString("log.level"),
			Format:             v.GetString("log.format"),
			Output:             v.GetString("log.output"),
			SlowQueryThreshold: v.GetDuration("log.slow_query_threshold"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:    v.GetDuration("http.read_timeout"),
			WriteTimeout:   v.GetDuration("http.write_timeout"),
			IdleTimeout:    v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes: v.GetInt("http.max_header_bytes"),
			TrustedProxies: v.GetStringSlice("http.trusted_proxies"),
		},
		Webhook: WebhookConfig{
			Secret:    v.GetString("webhook.secret"),
			Freshness: v.GetDuration("webhook.freshness"),
		},
		Breaker: BreakerConfig{
			FailureThreshold:         v.GetInt("breaker.failure_threshold"),
			ResetTimeout:             v.GetDuration("breaker.reset_timeout"),
			HalfOpenSuccessThreshold: v.GetInt("breaker.half_open_success_threshold"),
			IdlePruneAfter:           v.GetDuration("breaker.idle_prune_after"),
		},
		RatePool: RatePoolConfig{
			MaxCallsPerWindow:    v.GetInt("ratepool.max_calls_per_window"),
			Window:               v.GetDuration("ratepool.window"),
			SoftThrottleFraction: v.GetFloat64("ratepool.soft_throttle_fraction"),
			HardStopFraction:     v.GetFloat64("ratepool.hard_stop_fraction"),
			SoftPause:            v.GetDuration("ratepool.soft_pause"),
			SchedulerTick:        v.GetDuration("ratepool.scheduler_tick"),
			DrainPerSecond:       v.GetInt("ratepool.drain_per_second"),
			DefaultRetryAfter:    v.GetDuration("ratepool.default_retry_after"),
			RequestTimeout:       v.GetDuration("ratepool.request_timeout"),
			CallLimitHeader:      v.GetString("ratepool.call_limit_header"),
		},
		Idempotency: IdempotencyConfig{
			Retention: v.GetDuration("idempotency.retention"),
		},
		Queue: QueueConfig{
			MaxAttempts:      v.GetInt("queue.max_attempts"),
			RetryBaseDelay:   v.GetDuration("queue.retry_base_delay"),
			WorkerPoolSize:   v.GetInt("queue.worker_pool_size"),
			PollInterval:     v.GetDuration("queue.poll_interval"),
			JobTimeout:       v.GetDuration("queue.job_timeout"),
			LeaseTimeout:     v.GetDuration("queue.lease_timeout"),
			CleanupEnabled:   v.GetBool("queue.cleanup_enabled"),
			CleanupRetention: v.GetDuration("queue.cleanup_retention"),
			CleanupInterval:  v.GetDuration("queue.cleanup_interval"),
		},
		Platform: PlatformConfig{
			APIVersion: v.GetString("platform.api_version"),
			Tenants:    v.GetStringMapString("platform.tenants"),
		},
		Metrics: MetricsConfig{
			CollectInterval: v.GetDuration("metrics.collect_interval"),
		},
	}

	// Topic priority overrides come in as a string map
	overrides := v.GetStringMap("queue.priority_overrides")
	if len(overrides) > 0 {
		cfg.Queue.PriorityOverrides = make(map[string]int, len(overrides))
		for topic := range overrides {
			cfg.Queue.PriorityOverrides[topic] = v.GetInt("queue.priority_overrides." + topic)
		}
	}

	// Apply defaults for missing values
	applyDefaults(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "markethub-relay"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "relay"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Log.SlowQueryThreshold == 0 {
		cfg.Log.SlowQueryThreshold = 200 * time.Millisecond
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20
	}
	if cfg.Webhook.Freshness == 0 {
		cfg.Webhook.Freshness = 5 * time.Minute
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.ResetTimeout == 0 {
		cfg.Breaker.ResetTimeout = 30 * time.Second
	}
	if cfg.Breaker.HalfOpenSuccessThreshold == 0 {
		cfg.Breaker.HalfOpenSuccessThreshold = 3
	}
	if cfg.Breaker.IdlePruneAfter == 0 {
		cfg.Breaker.IdlePruneAfter = time.Hour
	}
	if cfg.RatePool.MaxCallsPerWindow == 0 {
		cfg.RatePool.MaxCallsPerWindow = 40
	}
	if cfg.RatePool.Window == 0 {
		cfg.RatePool.Window = 20 * time.Second
	}
	if cfg.RatePool.SoftThrottleFraction == 0 {
		cfg.RatePool.SoftThrottleFraction = 0.8
	}
	if cfg.RatePool.HardStopFraction == 0 {
		cfg.RatePool.HardStopFraction = 0.95
	}
	if cfg.RatePool.SoftPause == 0 {
		cfg.RatePool.SoftPause = time.Second
	}
	if cfg.RatePool.SchedulerTick == 0 {
		cfg.RatePool.SchedulerTick = 100 * time.Millisecond
	}
	if cfg.RatePool.DrainPerSecond == 0 {
		cfg.RatePool.DrainPerSecond = 2
	}
	if cfg.RatePool.DefaultRetryAfter == 0 {
		cfg.RatePool.DefaultRetryAfter = 5 * time.Second
	}
	if cfg.RatePool.RequestTimeout == 0 {
		cfg.RatePool.RequestTimeout = 10 * time.Second
	}
	if cfg.RatePool.CallLimitHeader == "" {
		cfg.RatePool.CallLimitHeader = "X-Api-Call-Limit"
	}
	if cfg.Idempotency.Retention == 0 {
		cfg.Idempotency.Retention = 24 * time.Hour
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.RetryBaseDelay == 0 {
		cfg.Queue.RetryBaseDelay = 5 * time.Second
	}
	if cfg.Queue.WorkerPoolSize == 0 {
		cfg.Queue.WorkerPoolSize = 4
	}
	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = time.Second
	}
	if cfg.Queue.JobTimeout == 0 {
		cfg.Queue.JobTimeout = 30 * time.Second
	}
	if cfg.Queue.LeaseTimeout == 0 {
		cfg.Queue.LeaseTimeout = 5 * time.Minute
	}
	if cfg.Queue.CleanupRetention == 0 {
		cfg.Queue.CleanupRetention = 168 * time.Hour
	}
	if cfg.Queue.CleanupInterval == 0 {
		cfg.Queue.CleanupInterval = time.Hour
	}
	if cfg.Platform.APIVersion == "" {
		cfg.Platform.APIVersion = "2024-01"
	}
	if cfg.Metrics.CollectInterval == 0 {
		cfg.Metrics.CollectInterval = 10 * time.Second
	}
}

// validate checks configuration consistency
func (c *Config) validate() error {
	// Validate connection pool settings
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	// Throttle fractions must order correctly
	if c.RatePool.SoftThrottleFraction <= 0 || c.RatePool.SoftThrottleFraction >= 1 {
		return fmt.Errorf("ratepool.soft_throttle_fraction must be between 0 and 1, got %f", c.RatePool.SoftThrottleFraction)
	}
	if c.RatePool.HardStopFraction <= c.RatePool.SoftThrottleFraction || c.RatePool.HardStopFraction > 1 {
		return fmt.Errorf("ratepool.hard_stop_fraction must be between soft_throttle_fraction and 1, got %f", c.RatePool.HardStopFraction)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	if c.Queue.WorkerPoolSize <= 0 {
		return fmt.Errorf("queue.worker_pool_size must be positive")
	}

	// Production-specific validations
	if c.App.Env == "production" {
		if c.Webhook.Secret == "" {
			return fmt.Errorf("webhook.secret is required in production")
		}
		if len(c.Webhook.Secret) < 32 {
			return fmt.Errorf("webhook.secret must be at least 32 characters in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Redis.AllowMemoryFallback {
			return fmt.Errorf("redis.allow_memory_fallback must be false in production (deduplication would not survive restarts)")
		}
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr returns the host:port address for Redis
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
