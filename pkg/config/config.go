// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Storage, Scheduler, Snapshot, Kafka, Redis, Postgres, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	MaxPayloadBytes int64         `yaml:"maxPayloadBytes"`
	MaxWait         time.Duration `yaml:"maxWait"`
	MasterKey       string        `yaml:"masterKey"`
	CORSOrigins     []string      `yaml:"corsOrigins"`
	RateLimit       RateLimit     `yaml:"rateLimit"`
}

// RateLimit allows Requests per Window to each client. Zero Requests
// disables limiting.
type RateLimit struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// StorageConfig controls where environments live and how large each one may
// grow before a write transaction is rejected.
type StorageConfig struct {
	DataDir         string        `yaml:"dataDir"`
	IndexSizeBudget int64         `yaml:"indexSizeBudget"`
	QueueSizeBudget int64         `yaml:"queueSizeBudget"`
	SyncWrites      bool          `yaml:"syncWrites"`
	GCInterval      time.Duration `yaml:"gcInterval"`
}

// SchedulerConfig controls the update processor loop.
type SchedulerConfig struct {
	ApplyWorkers     int           `yaml:"applyWorkers"`
	IdlePollInterval time.Duration `yaml:"idlePollInterval"`
	Retention        time.Duration `yaml:"retention"`
	PruneInterval    time.Duration `yaml:"pruneInterval"`
	CheckpointEvery  int           `yaml:"checkpointEvery"`
}

// SnapshotConfig controls snapshot creation, scheduling and import on start.
type SnapshotConfig struct {
	Dir            string        `yaml:"dir"`
	Interval       time.Duration `yaml:"interval"`
	GracePeriod    time.Duration `yaml:"gracePeriod"`
	ImportPath     string        `yaml:"importPath"`
	IgnoreMissing  bool          `yaml:"ignoreMissing"`
	IgnoreIfExists bool          `yaml:"ignoreIfExists"`
}

// PostgresConfig holds PostgreSQL connection parameters for the update audit
// trail.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	DocumentIngest string `yaml:"documentIngest"`
	IndexComplete  string `yaml:"indexComplete"`
}

// RedisConfig holds Redis connection parameters, the update notification
// channel and the prefix of cached search results to invalidate on commit.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"poolSize"`
	Channel     string        `yaml:"channel"`
	CachePrefix string        `yaml:"cachePrefix"`
	CacheTTL    time.Duration `yaml:"cacheTTL"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading any file or
// environment variable.
func Default() *Config {
	return defaultConfig()
}

// Validate rejects configurations the scheduler cannot run with.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.dataDir is required")
	}
	if c.Storage.IndexSizeBudget <= 0 || c.Storage.QueueSizeBudget <= 0 {
		return fmt.Errorf("storage size budgets must be positive")
	}
	if c.Scheduler.ApplyWorkers < 0 {
		return fmt.Errorf("scheduler.applyWorkers must not be negative")
	}
	if c.Server.RateLimit.Requests > 0 && c.Server.RateLimit.Window <= 0 {
		return fmt.Errorf("server.rateLimit.window must be positive when rate limiting is enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	return nil
}

// defaultConfig returns a Config with defaults for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            7700,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  30 * time.Second,
			MaxPayloadBytes: 100 << 20,
			MaxWait:         time.Minute,
			RateLimit: RateLimit{
				Window: time.Minute,
			},
		},
		Storage: StorageConfig{
			DataDir:         "data.ms",
			IndexSizeBudget: 100 << 20,
			QueueSizeBudget: 100 << 20,
			SyncWrites:      true,
			GCInterval:      5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			ApplyWorkers:     4,
			IdlePollInterval: time.Second,
			PruneInterval:    time.Hour,
			CheckpointEvery:  1000,
		},
		Snapshot: SnapshotConfig{
			Dir:         "snapshots",
			GracePeriod: 30 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "searchcore",
			User:            "searchcore",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "searchcore-group",
			Topics: KafkaTopics{
				DocumentIngest: "document-ingest",
				IndexComplete:  "index.complete",
			},
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    10,
			Channel:     "searchcore:updates",
			CachePrefix: "search:",
			CacheTTL:    5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads SC_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SC_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SC_MASTER_KEY"); v != "" {
		cfg.Server.MasterKey = v
	}
	if v := os.Getenv("SC_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SC_INDEX_SIZE_BUDGET"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Storage.IndexSizeBudget = n
		}
	}
	if v := os.Getenv("SC_QUEUE_SIZE_BUDGET"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Storage.QueueSizeBudget = n
		}
	}
	if v := os.Getenv("SC_SNAPSHOT_DIR"); v != "" {
		cfg.Snapshot.Dir = v
	}
	if v := os.Getenv("SC_SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Snapshot.Interval = d
		}
	}
	if v := os.Getenv("SC_IMPORT_SNAPSHOT"); v != "" {
		cfg.Snapshot.ImportPath = v
	}
	if v := os.Getenv("SC_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("SC_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SC_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SC_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SC_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SC_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SC_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
