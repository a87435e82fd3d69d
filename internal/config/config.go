package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ExecutorConfig holds invoker and job defaults.
type ExecutorConfig struct {
	Workers          int           `yaml:"workers"`
	InvokerWorkers   int           `yaml:"invoker_workers"`
	DispatchPoolSize int           `yaml:"dispatch_pool_size"`
	Chunksize        int           `yaml:"chunksize"`
	RemoteInvoker    bool          `yaml:"remote_invoker"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	ThrottleJitter   time.Duration `yaml:"throttle_jitter"`
	RuntimeName      string        `yaml:"runtime_name"`
	RuntimeMemory    int           `yaml:"runtime_memory"`
}

// MonitorConfig selects and tunes the job monitor.
type MonitorConfig struct {
	Type      string        `yaml:"type"` // storage, broker
	WaitDur   time.Duration `yaml:"wait_dur"`
	Grace     time.Duration `yaml:"grace"`
	// Retention keeps finished job records queryable before they are pruned.
	Retention time.Duration `yaml:"retention"`
}

// WaitConfig tunes the wait engine.
type WaitConfig struct {
	WaitDur         time.Duration `yaml:"wait_dur"`
	MaxDirectQueryN int           `yaml:"max_direct_query_n"`
	ReturnEarlyN    int           `yaml:"return_early_n"`
	PoolSize        int           `yaml:"pool_size"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// S3Config holds object storage settings.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// StorageConfig selects the status store.
type StorageConfig struct {
	Type       string         `yaml:"type"` // memory, redis, s3, postgres
	JobsPrefix string         `yaml:"jobs_prefix"`
	TTL        time.Duration  `yaml:"ttl"` // record expiry for redis; zero keeps records
	Redis      RedisConfig    `yaml:"redis"`
	S3         S3Config       `yaml:"s3"`
	Postgres   PostgresConfig `yaml:"postgres"`
}

// BrokerConfig selects the pub/sub broker used by the broker monitor.
type BrokerConfig struct {
	Type  string      `yaml:"type"` // none, channel, redis
	Redis RedisConfig `yaml:"redis"`
}

// BackendConfig selects the compute backend. Regions lists one endpoint per
// regional instance; the invoker picks one at random per dispatch.
type BackendConfig struct {
	Type        string        `yaml:"type"` // local, http, grpc
	Regions     []string      `yaml:"regions"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// LoggingConfig controls the operational logger.
type LoggingConfig struct {
	Format string `yaml:"format"` // text, json
	Level  string `yaml:"level"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig controls Prometheus exposition.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Addr      string `yaml:"addr"`
}

// ObservabilityConfig groups logging, tracing and metrics.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Executor      ExecutorConfig      `yaml:"executor"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Wait          WaitConfig          `yaml:"wait"`
	Storage       StorageConfig       `yaml:"storage"`
	Broker        BrokerConfig        `yaml:"broker"`
	Backend       BackendConfig       `yaml:"backend"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Executor: ExecutorConfig{
			Workers:          100,
			InvokerWorkers:   2,
			DispatchPoolSize: 250,
			Chunksize:        1,
			ExecutionTimeout: 10 * time.Minute,
			ThrottleJitter:   5 * time.Second,
			RuntimeName:      "default",
			RuntimeMemory:    256,
		},
		Monitor: MonitorConfig{
			Type:    "storage",
			WaitDur: time.Second,
			Grace:     10 * time.Second,
			Retention: time.Minute,
		},
		Wait: WaitConfig{
			WaitDur:         time.Second,
			MaxDirectQueryN: 250,
			ReturnEarlyN:    10,
			PoolSize:        64,
		},
		Storage: StorageConfig{
			Type:       "memory",
			JobsPrefix: "meteor.jobs",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Broker: BrokerConfig{
			Type: "none",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Backend: BackendConfig{
			Type:        "local",
			Concurrency: 1000,
			Timeout:     30 * time.Second,
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Format: "text",
				Level:  "info",
			},
			Tracing: TracingConfig{
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "meteor",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Namespace: "meteor",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Load returns the defaults, the file at path when non-empty, and the
// environment overrides, validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		fileCfg, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("METEOR_BACKEND"); v != "" {
		cfg.Backend.Type = v
	}
	if v := os.Getenv("METEOR_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Executor.Workers = n
		}
	}
	if v := os.Getenv("METEOR_CHUNKSIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Executor.Chunksize = n
		}
	}
	if v := os.Getenv("METEOR_REMOTE_INVOKER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Executor.RemoteInvoker = b
		}
	}
	if v := os.Getenv("METEOR_MONITOR"); v != "" {
		cfg.Monitor.Type = v
	}
	if v := os.Getenv("METEOR_STORAGE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("METEOR_BROKER"); v != "" {
		cfg.Broker.Type = v
	}
	if v := os.Getenv("METEOR_REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
		cfg.Broker.Redis.Addr = v
	}
	if v := os.Getenv("METEOR_REDIS_PASSWORD"); v != "" {
		cfg.Storage.Redis.Password = v
		cfg.Broker.Redis.Password = v
	}
	if v := os.Getenv("METEOR_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("METEOR_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("METEOR_PG_DSN"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("METEOR_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("METEOR_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("METEOR_OTLP_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Enabled = true
		cfg.Observability.Tracing.Endpoint = v
	}
}

// Validate rejects configurations the invoker cannot run with.
func (c *Config) Validate() error {
	if c.Executor.Workers <= 0 {
		return fmt.Errorf("executor.workers must be > 0, got %d", c.Executor.Workers)
	}
	if c.Executor.Chunksize < 0 {
		return fmt.Errorf("executor.chunksize must be >= 0, got %d", c.Executor.Chunksize)
	}
	switch c.Monitor.Type {
	case "storage":
	case "broker":
		if c.Broker.Type == "" || c.Broker.Type == "none" {
			return fmt.Errorf("monitor.type broker requires broker.type to be set")
		}
	default:
		return fmt.Errorf("unknown monitor.type %q (valid: storage, broker)", c.Monitor.Type)
	}
	switch c.Storage.Type {
	case "memory", "redis", "postgres":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("unknown storage.type %q (valid: memory, redis, s3, postgres)", c.Storage.Type)
	}
	switch c.Broker.Type {
	case "", "none", "channel", "redis":
	default:
		return fmt.Errorf("unknown broker.type %q (valid: none, channel, redis)", c.Broker.Type)
	}
	if c.Backend.Type == "" {
		return fmt.Errorf("backend.type is required")
	}
	return nil
}
