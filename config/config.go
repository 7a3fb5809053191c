package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/songzhibin97/dataplane-engine/storage"
)

type (
	// Config holds every setting of a data plane runtime
	Config struct {
		RuntimeID string `mapstructure:"runtime_id"`
		LogLevel  string `mapstructure:"log_level"`

		Scheduler SchedulerConfig `mapstructure:"scheduler"`
		Lease     LeaseConfig     `mapstructure:"lease"`
		Retry     RetryConfig     `mapstructure:"retry"`
		Store     StoreConfig     `mapstructure:"store"`
		Auth      AuthConfig      `mapstructure:"auth"`
		Events    EventsConfig    `mapstructure:"events"`
		Metrics   MetricsConfig   `mapstructure:"metrics"`

		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	}

	// SchedulerConfig controls the polling loop
	SchedulerConfig struct {
		Interval  time.Duration `mapstructure:"interval"`
		BatchSize int           `mapstructure:"batch_size"`
		Workers   int           `mapstructure:"workers"`
	}

	// LeaseConfig controls store leases and flow ownership. Duration is the
	// store lease. FlowLease is how long a STARTED flow may go without a
	// heartbeat before another runtime adopts it; owners heartbeat every
	// FlowLease/FlowLeaseFactor.
	LeaseConfig struct {
		Duration        time.Duration `mapstructure:"duration"`
		FlowLease       time.Duration `mapstructure:"flow_lease"`
		FlowLeaseFactor int           `mapstructure:"flow_lease_factor"`
		Attempts        int           `mapstructure:"attempts"`
		RetryDelay      time.Duration `mapstructure:"retry_delay"`
	}

	// RetryConfig is the backoff applied between repeated entries of a state
	RetryConfig struct {
		MaxRetries  int           `mapstructure:"max_retries"`
		InitBackoff time.Duration `mapstructure:"init_backoff"`
		MaxBackoff  time.Duration `mapstructure:"max_backoff"`
		BackoffType string        `mapstructure:"backoff_type"`
	}

	// StoreConfig selects and configures the flow store
	StoreConfig struct {
		Kind     string         `mapstructure:"kind"`
		Redis    RedisConfig    `mapstructure:"redis"`
		Postgres PostgresConfig `mapstructure:"postgres"`
	}

	RedisConfig struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Prefix   string `mapstructure:"prefix"`
		PoolSize int    `mapstructure:"pool_size"`
	}

	PostgresConfig struct {
		DSN string `mapstructure:"dsn"`
	}

	// AuthConfig configures credentials minted for PULL flows
	AuthConfig struct {
		Endpoint string        `mapstructure:"endpoint"`
		Issuer   string        `mapstructure:"issuer"`
		Secret   string        `mapstructure:"secret"`
		TokenTTL time.Duration `mapstructure:"token_ttl"`
	}

	EventsConfig struct {
		BufferSize  int           `mapstructure:"buffer_size"`
		SyncTimeout time.Duration `mapstructure:"sync_timeout"`
	}

	MetricsConfig struct {
		Addr string `mapstructure:"addr"`
	}
)

// Store kinds
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Backoff types
const (
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

const (
	DefaultLogLevel        = "info"
	DefaultInterval        = time.Second
	DefaultBatchSize       = 20
	DefaultWorkers         = 8
	DefaultFlowLease       = 30 * time.Second
	DefaultFlowLeaseFactor = 5
	DefaultLeaseAttempts   = 5
	DefaultLeaseRetryDelay = 100 * time.Millisecond
	DefaultInitBackoff     = time.Second
	DefaultMaxBackoff      = time.Minute
	DefaultBackoffType     = BackoffExponential
	DefaultRedisAddr       = "localhost:6379"
	DefaultRedisPrefix     = "dataflow"
	DefaultIssuer          = "dataplane"
	DefaultTokenTTL        = time.Hour
	DefaultBufferSize      = 100
	DefaultSyncTimeout     = 5 * time.Second
	DefaultMetricsAddr     = ":9090"
	DefaultShutdownTimeout = 10 * time.Second
)

var (
	ErrMissingRuntimeID    = errors.New("runtime id is required")
	ErrInvalidInterval     = errors.New("scheduler interval must be positive")
	ErrInvalidBatchSize    = errors.New("scheduler batch size must be positive")
	ErrInvalidWorkers      = errors.New("scheduler workers must be positive")
	ErrInvalidLease        = errors.New("lease duration must be positive")
	ErrInvalidFlowLease    = errors.New("flow lease must be positive")
	ErrInvalidLeaseFactor  = errors.New("flow lease factor must be at least 1")
	ErrInvalidAttempts     = errors.New("lease attempts must be at least 1")
	ErrInvalidMaxRetries   = errors.New("retry max retries cannot be negative")
	ErrInvalidInitBackoff  = errors.New("retry initial backoff must be positive")
	ErrMaxBackoffTooSmall  = errors.New("retry max backoff must be >= retry initial backoff")
	ErrInvalidBackoffType  = errors.New("invalid retry backoff type")
	ErrInvalidStoreKind    = errors.New("invalid store kind")
	ErrMissingRedisAddr    = errors.New("redis address is required")
	ErrMissingPostgresDSN  = errors.New("postgres dsn is required")
	ErrMissingAuthSecret   = errors.New("auth secret is required")
	ErrInvalidSyncTimeout  = errors.New("events sync timeout must be positive")
	ErrInvalidShutdownTime = errors.New("shutdown timeout must be positive")
)

// NewDefaultConfig creates a configuration with a fresh runtime id and an
// in-memory store
func NewDefaultConfig() *Config {
	return &Config{
		RuntimeID: uuid.NewString(),
		LogLevel:  DefaultLogLevel,
		Scheduler: SchedulerConfig{
			Interval:  DefaultInterval,
			BatchSize: DefaultBatchSize,
			Workers:   DefaultWorkers,
		},
		Lease: LeaseConfig{
			Duration:        storage.DefaultLeaseDuration,
			FlowLease:       DefaultFlowLease,
			FlowLeaseFactor: DefaultFlowLeaseFactor,
			Attempts:        DefaultLeaseAttempts,
			RetryDelay:      DefaultLeaseRetryDelay,
		},
		Retry: RetryConfig{
			InitBackoff: DefaultInitBackoff,
			MaxBackoff:  DefaultMaxBackoff,
			BackoffType: DefaultBackoffType,
		},
		Store: StoreConfig{
			Kind: StoreMemory,
			Redis: RedisConfig{
				Addr:   DefaultRedisAddr,
				Prefix: DefaultRedisPrefix,
			},
		},
		Auth: AuthConfig{
			Issuer:   DefaultIssuer,
			TokenTTL: DefaultTokenTTL,
		},
		Events: EventsConfig{
			BufferSize:  DefaultBufferSize,
			SyncTimeout: DefaultSyncTimeout,
		},
		Metrics: MetricsConfig{
			Addr: DefaultMetricsAddr,
		},
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// SetDefaults registers every key of the default config on v so environment
// variables and flags can override keys that no config file mentions.
func SetDefaults(v *viper.Viper) {
	d := NewDefaultConfig()
	for key, value := range map[string]interface{}{
		"runtime_id":              "",
		"log_level":               d.LogLevel,
		"scheduler.interval":      d.Scheduler.Interval,
		"scheduler.batch_size":    d.Scheduler.BatchSize,
		"scheduler.workers":       d.Scheduler.Workers,
		"lease.duration":          d.Lease.Duration,
		"lease.flow_lease":        d.Lease.FlowLease,
		"lease.flow_lease_factor": d.Lease.FlowLeaseFactor,
		"lease.attempts":          d.Lease.Attempts,
		"lease.retry_delay":       d.Lease.RetryDelay,
		"retry.max_retries":       d.Retry.MaxRetries,
		"retry.init_backoff":      d.Retry.InitBackoff,
		"retry.max_backoff":       d.Retry.MaxBackoff,
		"retry.backoff_type":      d.Retry.BackoffType,
		"store.kind":              d.Store.Kind,
		"store.redis.addr":        d.Store.Redis.Addr,
		"store.redis.password":    d.Store.Redis.Password,
		"store.redis.db":          d.Store.Redis.DB,
		"store.redis.prefix":      d.Store.Redis.Prefix,
		"store.redis.pool_size":   d.Store.Redis.PoolSize,
		"store.postgres.dsn":      d.Store.Postgres.DSN,
		"auth.endpoint":           d.Auth.Endpoint,
		"auth.issuer":             d.Auth.Issuer,
		"auth.secret":             d.Auth.Secret,
		"auth.token_ttl":          d.Auth.TokenTTL,
		"events.buffer_size":      d.Events.BufferSize,
		"events.sync_timeout":     d.Events.SyncTimeout,
		"metrics.addr":            d.Metrics.Addr,
		"shutdown_timeout":        d.ShutdownTimeout,
	} {
		v.SetDefault(key, value)
	}
}

// NewViper returns a viper instance reading DATAPLANE_* environment
// variables, e.g. DATAPLANE_STORE_KIND for store.kind.
func NewViper(envPrefix string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load builds a Config from v on top of the defaults. An empty runtime id
// keeps the generated one.
func Load(v *viper.Viper) (*Config, error) {
	cfg := NewDefaultConfig()
	generated := cfg.RuntimeID
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.RuntimeID == "" {
		cfg.RuntimeID = generated
	}
	cfg.Store.Kind = strings.ToLower(strings.TrimSpace(cfg.Store.Kind))
	cfg.Retry.BackoffType = strings.ToLower(strings.TrimSpace(cfg.Retry.BackoffType))
	return cfg, nil
}

// WithRuntimeDefaults returns a copy of the config with zero-valued
// scheduler, lease and retry fields filled in from defaults
func (c *Config) WithRuntimeDefaults() *Config {
	res := *c
	if res.Scheduler.Interval <= 0 {
		res.Scheduler.Interval = DefaultInterval
	}
	if res.Scheduler.BatchSize <= 0 {
		res.Scheduler.BatchSize = DefaultBatchSize
	}
	if res.Scheduler.Workers <= 0 {
		res.Scheduler.Workers = DefaultWorkers
	}
	if res.Lease.Duration <= 0 {
		res.Lease.Duration = storage.DefaultLeaseDuration
	}
	if res.Lease.FlowLease <= 0 {
		res.Lease.FlowLease = DefaultFlowLease
	}
	if res.Lease.FlowLeaseFactor < 1 {
		res.Lease.FlowLeaseFactor = DefaultFlowLeaseFactor
	}
	if res.Lease.Attempts < 1 {
		res.Lease.Attempts = DefaultLeaseAttempts
	}
	if res.Lease.RetryDelay < 0 {
		res.Lease.RetryDelay = DefaultLeaseRetryDelay
	}
	if res.Retry.MaxRetries < 0 {
		res.Retry.MaxRetries = 0
	}
	if res.Retry.InitBackoff <= 0 {
		res.Retry.InitBackoff = DefaultInitBackoff
	}
	if res.Retry.MaxBackoff < res.Retry.InitBackoff {
		res.Retry.MaxBackoff = max(DefaultMaxBackoff, res.Retry.InitBackoff)
	}
	if res.Retry.BackoffType == "" {
		res.Retry.BackoffType = DefaultBackoffType
	}
	return &res
}

// HeartbeatInterval is the age after which an owned STARTED flow is re-saved.
func (c *Config) HeartbeatInterval() time.Duration {
	if c.Lease.FlowLeaseFactor <= 1 {
		return c.Lease.FlowLease
	}
	return c.Lease.FlowLease / time.Duration(c.Lease.FlowLeaseFactor)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RuntimeID) == "" {
		return ErrMissingRuntimeID
	}

	if c.Scheduler.Interval <= 0 {
		return ErrInvalidInterval
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, c.Scheduler.BatchSize)
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, c.Scheduler.Workers)
	}

	if c.Lease.Duration <= 0 {
		return ErrInvalidLease
	}
	if c.Lease.FlowLease <= 0 {
		return ErrInvalidFlowLease
	}
	if c.Lease.FlowLeaseFactor < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidLeaseFactor, c.Lease.FlowLeaseFactor)
	}
	if c.Lease.Attempts < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidAttempts, c.Lease.Attempts)
	}

	if c.Retry.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}
	if c.Retry.InitBackoff <= 0 {
		return ErrInvalidInitBackoff
	}
	if c.Retry.MaxBackoff < c.Retry.InitBackoff {
		return ErrMaxBackoffTooSmall
	}
	if c.Retry.BackoffType != BackoffFixed &&
		c.Retry.BackoffType != BackoffLinear &&
		c.Retry.BackoffType != BackoffExponential {
		return fmt.Errorf("%w: %s", ErrInvalidBackoffType, c.Retry.BackoffType)
	}

	switch c.Store.Kind {
	case StoreMemory:
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return ErrMissingRedisAddr
		}
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return ErrMissingPostgresDSN
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStoreKind, c.Store.Kind)
	}

	if c.Auth.Secret == "" {
		return ErrMissingAuthSecret
	}
	if c.Events.SyncTimeout <= 0 {
		return ErrInvalidSyncTimeout
	}
	if c.ShutdownTimeout <= 0 {
		return ErrInvalidShutdownTime
	}
	return nil
}
