// Package config loads and validates logexport configuration from YAML files
// with environment-variable overrides. Extraction settings live under named
// environments (development, staging, production, ...) and one of them is
// selected per run; the supporting services (Redis, PostgreSQL, Kafka,
// metrics) are configured once at the top level.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/logexport/pkg/errors"
	"gopkg.in/yaml.v3"
)

const DefaultEnvironment = "development"

// Config is the top-level application configuration.
type Config struct {
	Environments map[string]EnvironmentConfig `yaml:"environments"`
	Retry        RetryConfig                  `yaml:"retry"`
	Logging      LoggingConfig                `yaml:"logging"`
	Metrics      MetricsConfig                `yaml:"metrics"`
	Redis        RedisConfig                  `yaml:"redis"`
	Postgres     PostgresConfig               `yaml:"postgres"`
	Kafka        KafkaConfig                  `yaml:"kafka"`
}

// EnvironmentConfig holds everything one export run needs to know about its
// source index and its output.
type EnvironmentConfig struct {
	URLs            []string      `yaml:"urls"`
	// URL is a single-node shorthand, appended to URLs.
	URL             string        `yaml:"url"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Index           string        `yaml:"index"`
	BatchSize       int           `yaml:"batchSize"`
	MaxLogsPerChunk int           `yaml:"maxLogsPerChunk"`
	OutputDir       string        `yaml:"outputDir"`
	OutputBase      string        `yaml:"outputBase"`
	Compression     string        `yaml:"compression"`
	KeepAlive       time.Duration `yaml:"keepAlive"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	TimeField       string        `yaml:"timeField"`
	LevelField      string        `yaml:"levelField"`
	Tiebreaker      string        `yaml:"tiebreaker"`
	Fields          []string      `yaml:"fields"`
	Levels          []string      `yaml:"levels"`
}

// RetryConfig bounds the per-page retry loop.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server exposed while a run
// is active.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// RedisConfig configures the optional export lease.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	LeaseTTL time.Duration `yaml:"leaseTTL"`
}

// PostgresConfig configures the optional run audit table.
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

// KafkaConfig configures the optional run event stream.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides to the service blocks. Missing values keep their defaults.
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
	return cfg, nil
}

// Environment returns the named environment with defaults filled in and
// LX_* overrides applied.
func (c *Config) Environment(label string) (EnvironmentConfig, error) {
	if label == "" {
		label = DefaultEnvironment
	}
	env, ok := c.Environments[label]
	if !ok {
		return EnvironmentConfig{}, apperrors.Newf(apperrors.ErrInvalidConfig,
			"unknown environment %q (known: %s)", label, strings.Join(c.EnvironmentNames(), ", "))
	}
	env = withDefaults(env)
	applyEnvironmentOverrides(&env)
	return env, nil
}

// EnvironmentNames lists configured environment labels in sorted order.
func (c *Config) EnvironmentNames() []string {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the settings an extraction run cannot start without.
func (e EnvironmentConfig) Validate() error {
	switch {
	case len(e.URLs) == 0:
		return apperrors.New(apperrors.ErrInvalidConfig, "at least one engine url is required")
	case e.Index == "":
		return apperrors.New(apperrors.ErrInvalidConfig, "index is required")
	case e.BatchSize <= 0:
		return apperrors.Newf(apperrors.ErrInvalidConfig, "batchSize must be positive, got %d", e.BatchSize)
	case e.MaxLogsPerChunk <= 0:
		return apperrors.Newf(apperrors.ErrInvalidConfig, "maxLogsPerChunk must be positive, got %d", e.MaxLogsPerChunk)
	case e.KeepAlive <= 0:
		return apperrors.New(apperrors.ErrInvalidConfig, "keepAlive must be positive")
	case len(e.Fields) == 0:
		return apperrors.New(apperrors.ErrInvalidConfig, "at least one output field is required")
	case e.OutputBase == "" || strings.ContainsAny(e.OutputBase, `/\`):
		return apperrors.Newf(apperrors.ErrInvalidConfig, "outputBase %q must be a plain file name", e.OutputBase)
	}
	switch e.Compression {
	case "", "none", "gzip", "zstd", "lz4":
	default:
		return apperrors.Newf(apperrors.ErrInvalidConfig, "unsupported compression %q", e.Compression)
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Environments: map[string]EnvironmentConfig{
			DefaultEnvironment: defaultEnvironment(),
		},
		Retry: RetryConfig{
			MaxAttempts:  5,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     15 * time.Second,
			Multiplier:   2.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9102,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 2,
			LeaseTTL: 30 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "logexport",
			User:            "logexport",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    2,
			MaxIdleConns:    1,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "logexport.events",
		},
	}
}

func defaultEnvironment() EnvironmentConfig {
	return EnvironmentConfig{
		URLs:            []string{"http://localhost:9200"},
		Index:           "logs-multiples",
		BatchSize:       1000,
		MaxLogsPerChunk: 10000,
		OutputDir:       "extracted_logs",
		OutputBase:      "logs",
		Compression:     "none",
		KeepAlive:       time.Minute,
		RequestTimeout:  30 * time.Second,
		TimeField:       "timestamp",
		LevelField:      "level",
		Tiebreaker:      "_shard_doc",
		Fields:          []string{"timestamp", "level", "msg"},
		Levels:          []string{"DEBUG", "INFO", "WARN", "ERROR"},
	}
}

func withDefaults(e EnvironmentConfig) EnvironmentConfig {
	d := defaultEnvironment()
	if e.URL != "" {
		e.URLs = append(e.URLs, e.URL)
		e.URL = ""
	}
	if len(e.URLs) == 0 {
		e.URLs = d.URLs
	}
	if e.Index == "" {
		e.Index = d.Index
	}
	if e.BatchSize == 0 {
		e.BatchSize = d.BatchSize
	}
	if e.MaxLogsPerChunk == 0 {
		e.MaxLogsPerChunk = d.MaxLogsPerChunk
	}
	if e.OutputDir == "" {
		e.OutputDir = d.OutputDir
	}
	if e.OutputBase == "" {
		e.OutputBase = d.OutputBase
	}
	if e.Compression == "" {
		e.Compression = d.Compression
	}
	if e.KeepAlive == 0 {
		e.KeepAlive = d.KeepAlive
	}
	if e.RequestTimeout == 0 {
		e.RequestTimeout = d.RequestTimeout
	}
	if e.TimeField == "" {
		e.TimeField = d.TimeField
	}
	if e.LevelField == "" {
		e.LevelField = d.LevelField
	}
	if e.Tiebreaker == "" {
		e.Tiebreaker = d.Tiebreaker
	}
	if len(e.Fields) == 0 {
		e.Fields = d.Fields
	}
	if len(e.Levels) == 0 {
		e.Levels = d.Levels
	}
	return e
}

// applyEnvOverrides reads LX_* environment variables and overrides the
// corresponding service fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LX_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LX_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("LX_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("LX_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
			cfg.Metrics.Enabled = true
		}
	}
	if v := os.Getenv("LX_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("LX_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LX_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
		cfg.Postgres.Enabled = true
	}
	if v := os.Getenv("LX_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("LX_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("LX_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("LX_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("LX_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("LX_KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
}

func applyEnvironmentOverrides(env *EnvironmentConfig) {
	if v := os.Getenv("LX_ES_URLS"); v != "" {
		env.URLs = strings.Split(v, ",")
	}
	if v := os.Getenv("LX_ES_USERNAME"); v != "" {
		env.Username = v
	}
	if v := os.Getenv("LX_ES_PASSWORD"); v != "" {
		env.Password = v
	}
	if v := os.Getenv("LX_INDEX"); v != "" {
		env.Index = v
	}
	if v := os.Getenv("LX_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			env.BatchSize = n
		}
	}
	if v := os.Getenv("LX_MAX_LOGS_PER_CHUNK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			env.MaxLogsPerChunk = n
		}
	}
	if v := os.Getenv("LX_OUTPUT_DIR"); v != "" {
		env.OutputDir = v
	}
}
