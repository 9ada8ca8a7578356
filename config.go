package ledger

import (
	"time"

	"go.uber.org/zap"
)

type (
	// Config configures a Ledger and the components it creates
	Config struct {
		Logger       *zap.Logger
		Metrics      Metrics
		Snapshot     SnapshotConfig
		Subscription SubscriptionConfig
		Dispatch     DispatchMode
		MaxRetries   int
		CacheSize    int
	}

	// SnapshotConfig controls when snapshots are taken and how the
	// background SnapshotWorker saves them
	SnapshotConfig struct {
		Enabled     bool
		Threshold   int
		WorkerCount int
		QueueSize   int
		SaveTimeout time.Duration
	}

	// SubscriptionConfig holds defaults for subscriptions created by a
	// Ledger
	SubscriptionConfig struct {
		BatchSize    int
		PollInterval time.Duration
		MaxBackoff   time.Duration
		MaxFailures  int
	}

	// RedisConfig locates a Redis server and the key prefix to use on it
	RedisConfig struct {
		Addr     string
		Password string
		Prefix   string
		DB       int
	}

	// BoltConfig locates a bbolt database file
	BoltConfig struct {
		Path    string
		Timeout time.Duration
	}

	// PostgresConfig locates a Postgres database
	PostgresConfig struct {
		DSN      string
		MaxConns int32
	}

	// NATSConfig locates a NATS server and the JetStream stream used for
	// outbound messages
	NATSConfig struct {
		URL           string
		Stream        string
		SubjectPrefix string
	}

	// DispatchMode selects whether committed messages reach handlers inside
	// Commit or through subscriptions
	DispatchMode uint8
)

const (
	// DispatchAsync leaves handler invocation to subscriptions polling the
	// log
	DispatchAsync DispatchMode = iota

	// DispatchSync invokes the Ledger's Dispatcher inside Commit, after
	// every append is durable
	DispatchSync
)

const (
	DefaultRedisEndpoint       = "localhost:6379"
	DefaultRedisPrefix         = "ledger"
	DefaultRedisDB             = 0
	DefaultRedisConnectTimeout = 5 * time.Second
	DefaultBoltPath            = "ledger.db"
	DefaultBoltTimeout         = time.Second
	DefaultPostgresDSN         = "postgres://localhost:5432/ledger"
	DefaultPostgresMaxConns    = 10
	DefaultNATSURL             = "nats://localhost:4222"
	DefaultNATSStream          = "LEDGER"
	DefaultNATSSubjectPrefix   = "ledger"
	DefaultSnapshotThreshold   = 64
	DefaultSnapshotWorkers     = 4
	DefaultSnapshotQueueSize   = 1024
	DefaultSnapshotSaveTimeout = 30 * time.Second
	DefaultBatchSize           = 100
	DefaultPollInterval        = time.Second
	DefaultMaxBackoff          = 30 * time.Second
	DefaultMaxRetries          = 16
	DefaultExecutorCacheSize   = 128
)

// DefaultConfig returns a Config with every field at its default
func DefaultConfig() Config {
	return Config{
		Logger:       zap.NewNop(),
		Metrics:      NopMetrics(),
		Snapshot:     DefaultSnapshotConfig(),
		Subscription: DefaultSubscriptionConfig(),
		Dispatch:     DispatchAsync,
		MaxRetries:   DefaultMaxRetries,
		CacheSize:    DefaultExecutorCacheSize,
	}
}

func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		Enabled:     true,
		Threshold:   DefaultSnapshotThreshold,
		WorkerCount: DefaultSnapshotWorkers,
		QueueSize:   DefaultSnapshotQueueSize,
		SaveTimeout: DefaultSnapshotSaveTimeout,
	}
}

func DefaultSubscriptionConfig() SubscriptionConfig {
	return SubscriptionConfig{
		BatchSize:    DefaultBatchSize,
		PollInterval: DefaultPollInterval,
		MaxBackoff:   DefaultMaxBackoff,
	}
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:   DefaultRedisEndpoint,
		Prefix: DefaultRedisPrefix,
		DB:     DefaultRedisDB,
	}
}

func DefaultBoltConfig() BoltConfig {
	return BoltConfig{
		Path:    DefaultBoltPath,
		Timeout: DefaultBoltTimeout,
	}
}

func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		DSN:      DefaultPostgresDSN,
		MaxConns: DefaultPostgresMaxConns,
	}
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           DefaultNATSURL,
		Stream:        DefaultNATSStream,
		SubjectPrefix: DefaultNATSSubjectPrefix,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	if c.Metrics == nil {
		c.Metrics = def.Metrics
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.CacheSize <= 0 {
		c.CacheSize = def.CacheSize
	}
	if c.Snapshot.Threshold <= 0 {
		c.Snapshot.Threshold = def.Snapshot.Threshold
	}
	if c.Subscription.BatchSize <= 0 {
		c.Subscription.BatchSize = def.Subscription.BatchSize
	}
	if c.Subscription.PollInterval <= 0 {
		c.Subscription.PollInterval = def.Subscription.PollInterval
	}
	if c.Subscription.MaxBackoff <= 0 {
		c.Subscription.MaxBackoff = def.Subscription.MaxBackoff
	}
	return c
}
