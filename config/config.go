package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/thedusen/booksphere-outbox/internal/repository/postgres"
	"github.com/thedusen/booksphere-outbox/internal/router"
	"github.com/thedusen/booksphere-outbox/pkg/circuitbreaker"
	"github.com/thedusen/booksphere-outbox/pkg/lease"
	"github.com/thedusen/booksphere-outbox/pkg/logger"
	"github.com/thedusen/booksphere-outbox/pkg/messaging/kafka"
	"github.com/thedusen/booksphere-outbox/pkg/messaging/redis"
	"github.com/thedusen/booksphere-outbox/pkg/validator"
	"github.com/thedusen/booksphere-outbox/pkg/worker"
)

// EnvPrefix prefixes every viper key read from the environment, e.g.
// OUTBOX_OUTBOX_BATCH_SIZE.
const EnvPrefix = "OUTBOX"

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Retention RetentionConfig `mapstructure:"retention"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type LogConfig struct {
	Level   string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console bool   `mapstructure:"console"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"required,oneof=postgres sqlite3"`
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ApplySchema     bool          `mapstructure:"apply_schema"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url" validate:"required"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type SinkConfig struct {
	Driver        string        `mapstructure:"driver" validate:"required,oneof=redis kafka"`
	ChannelPrefix string        `mapstructure:"channel_prefix" validate:"required"`
	RatePerSecond float64       `mapstructure:"rate_per_second" validate:"min=0"`
	RateBurst     int           `mapstructure:"rate_burst" validate:"min=0"`
	Kafka         KafkaConfig   `mapstructure:"kafka"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
}

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRequests         uint32        `mapstructure:"max_requests"`
}

type OutboxConfig struct {
	ProcessorName    string        `mapstructure:"processor_name" validate:"required"`
	MaxAttempts      int           `mapstructure:"max_attempts" validate:"min=1"`
	BatchSize        int           `mapstructure:"batch_size" validate:"min=1,max=1000"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	DeliveryTimeout  time.Duration `mapstructure:"delivery_timeout"`
	Concurrency      int           `mapstructure:"concurrency" validate:"min=0"`
	DiscoveryLimit   int           `mapstructure:"discovery_limit" validate:"min=1"`
	MaxBatchesPerRun int           `mapstructure:"max_batches_per_run" validate:"min=1"`
}

type LeaseConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Prefix  string        `mapstructure:"prefix"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Period   time.Duration `mapstructure:"period"`
	Interval time.Duration `mapstructure:"interval"`
}

type AdminConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second" validate:"min=0"`
	RateBurst      int           `mapstructure:"rate_burst" validate:"min=0"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=0"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes" validate:"min=0"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// envOverlay carries deployment secrets and endpoints that operators set
// under their conventional names rather than the OUTBOX_ prefix.
type envOverlay struct {
	DatabaseDriver string   `envconfig:"DB_DRIVER"`
	DatabaseDSN    string   `envconfig:"DB_DSN"`
	RedisURL       string   `envconfig:"REDIS_URL"`
	KafkaBrokers   []string `envconfig:"KAFKA_BROKERS"`
	LogLevel       string   `envconfig:"LOG_LEVEL"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)

	v.SetDefault("database.driver", postgres.DriverPostgres)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.apply_schema", false)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("sink.driver", "redis")
	v.SetDefault("sink.channel_prefix", "booksphere:realtime")
	v.SetDefault("sink.rate_per_second", 0)
	v.SetDefault("sink.rate_burst", 100)
	v.SetDefault("sink.kafka.brokers", []string{})
	v.SetDefault("sink.kafka.topic", "booksphere.outbox")
	v.SetDefault("sink.kafka.batch_timeout", 10*time.Millisecond)
	v.SetDefault("sink.kafka.write_timeout", 5*time.Second)
	v.SetDefault("sink.breaker.enabled", true)
	v.SetDefault("sink.breaker.consecutive_failures", 5)
	v.SetDefault("sink.breaker.timeout", 30*time.Second)
	v.SetDefault("sink.breaker.max_requests", 1)

	v.SetDefault("outbox.processor_name", worker.DefaultProcessorName)
	v.SetDefault("outbox.max_attempts", worker.DefaultMaxAttempts)
	v.SetDefault("outbox.batch_size", worker.DefaultBatchSize)
	v.SetDefault("outbox.poll_interval", worker.DefaultPollInterval)
	v.SetDefault("outbox.backoff_base", worker.DefaultBackoffBase)
	v.SetDefault("outbox.backoff_max", worker.DefaultBackoffMax)
	v.SetDefault("outbox.delivery_timeout", worker.DefaultDeliveryTimeout)
	v.SetDefault("outbox.concurrency", 16)
	v.SetDefault("outbox.discovery_limit", worker.DefaultDiscoveryLimit)
	v.SetDefault("outbox.max_batches_per_run", worker.DefaultMaxBatchesPerRun)

	v.SetDefault("lease.enabled", true)
	v.SetDefault("lease.prefix", "booksphere:outbox")
	v.SetDefault("lease.ttl", lease.DefaultTTL)

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.period", 7*24*time.Hour)
	v.SetDefault("retention.interval", time.Hour)

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.addr", ":8081")
	v.SetDefault("admin.read_timeout", 10*time.Second)
	v.SetDefault("admin.write_timeout", 10*time.Second)
	v.SetDefault("admin.rate_per_second", 20)
	v.SetDefault("admin.rate_burst", 40)
	v.SetDefault("admin.request_timeout", 5*time.Second)
	v.SetDefault("admin.max_body_bytes", 64<<10)

	v.SetDefault("metrics.namespace", "booksphere")
}

// LoadConfig reads CONFIG_FILE when set, otherwise config.yml from the usual
// search paths. A missing file falls back to defaults and the environment.
func LoadConfig() (*Config, error) {
	return Load(os.Getenv("CONFIG_FILE"))
}

func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.AddConfigPath(".")           // current directory
		v.AddConfigPath("./config")    // config subdirectory
		v.AddConfigPath("/app")        // container root directory
		v.AddConfigPath("/app/config") // container config directory
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var env envOverlay
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	cfg.applyOverlay(env)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyOverlay(env envOverlay) {
	if env.DatabaseDriver != "" {
		c.Database.Driver = env.DatabaseDriver
	}
	if env.DatabaseDSN != "" {
		c.Database.DSN = env.DatabaseDSN
	}
	if env.RedisURL != "" {
		c.Redis.URL = env.RedisURL
	}
	if len(env.KafkaBrokers) > 0 {
		c.Sink.Kafka.Brokers = env.KafkaBrokers
	}
	if env.LogLevel != "" {
		c.Log.Level = env.LogLevel
	}
}

func (c *Config) Validate() error {
	if err := validator.New().Validate(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Sink.Driver == "kafka" && (len(c.Sink.Kafka.Brokers) == 0 || c.Sink.Kafka.Topic == "") {
		return errors.New("invalid config: sink.kafka.brokers and sink.kafka.topic are required for the kafka sink")
	}
	if err := c.ToProcessorConfig().Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) ToLoggerConfig() *logger.Config {
	return &logger.Config{
		Level:   logger.ParseLevel(c.Log.Level),
		Console: c.Log.Console,
	}
}

func (c *Config) ToDatabaseConfig() postgres.Config {
	return postgres.Config{
		Driver:          c.Database.Driver,
		DSN:             c.Database.DSN,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
	}
}

func (c *Config) ToProcessorConfig() worker.OutboxProcessorConfig {
	return worker.OutboxProcessorConfig{
		ProcessorName:    c.Outbox.ProcessorName,
		MaxAttempts:      c.Outbox.MaxAttempts,
		BatchSize:        c.Outbox.BatchSize,
		PollInterval:     c.Outbox.PollInterval,
		BackoffBase:      c.Outbox.BackoffBase,
		BackoffMax:       c.Outbox.BackoffMax,
		DeliveryTimeout:  c.Outbox.DeliveryTimeout,
		Concurrency:      c.Outbox.Concurrency,
		DiscoveryLimit:   c.Outbox.DiscoveryLimit,
		MaxBatchesPerRun: c.Outbox.MaxBatchesPerRun,
	}
}

func (c *Config) ToBrokerConfig() redis.Config {
	return redis.Config{
		URL:          c.Redis.URL,
		MaxRetries:   c.Redis.MaxRetries,
		RetryBackoff: c.Redis.RetryBackoff,
		PoolSize:     c.Redis.PoolSize,
		MinIdleConns: c.Redis.MinIdleConns,
	}
}

func (c *Config) ToKafkaConfig() kafka.Config {
	return kafka.Config{
		Brokers:      c.Sink.Kafka.Brokers,
		Topic:        c.Sink.Kafka.Topic,
		BatchTimeout: c.Sink.Kafka.BatchTimeout,
		WriteTimeout: c.Sink.Kafka.WriteTimeout,
	}
}

func (c *Config) ToLeaseConfig() lease.Config {
	return lease.Config{
		Prefix: c.Lease.Prefix,
		TTL:    c.Lease.TTL,
	}
}

func (c *Config) ToBreakerSettings() circuitbreaker.Settings {
	return circuitbreaker.Settings{
		Name:                c.Sink.Driver,
		ConsecutiveFailures: c.Sink.Breaker.ConsecutiveFailures,
		Timeout:             c.Sink.Breaker.Timeout,
		MaxRequests:         c.Sink.Breaker.MaxRequests,
	}
}

func (c *Config) ToRouterConfig() router.RouterConfig {
	return router.RouterConfig{
		RateLimit:      rate.Limit(c.Admin.RatePerSecond),
		RateBurst:      c.Admin.RateBurst,
		RequestTimeout: c.Admin.RequestTimeout,
		MaxBodyBytes:   c.Admin.MaxBodyBytes,
	}
}
