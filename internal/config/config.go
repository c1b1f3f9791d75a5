package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverRedis = "redis"
	DriverMySQL = "mysql"
	DriverKafka = "kafka"
)

// NtfyConfig holds the ntfy configuration.
type NtfyConfig struct {
	ServerURL string `yaml:"server_url"`
	Topic     string `yaml:"topic"`
}

// KafkaConfig holds the Kafka queue configuration.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// TracingConfig holds the OTLP exporter configuration.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Config holds the application configuration.
type Config struct {
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	KeyPrefix string `yaml:"key_prefix"`

	StoreDriver string `yaml:"store_driver"`
	MySQLDSN    string `yaml:"mysql_dsn"`

	QueueDriver string      `yaml:"queue_driver"`
	QueueName   string      `yaml:"queue_name"`
	Kafka       KafkaConfig `yaml:"kafka"`

	ScanInterval   time.Duration `yaml:"scan_interval"`
	BatchSize      int           `yaml:"batch_size"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
	JobMaxAttempts int           `yaml:"job_max_attempts"`
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
	Workers        int           `yaml:"workers"`

	HTTPPort        int           `yaml:"http_port"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Ntfy    NtfyConfig    `yaml:"ntfy"`
	Tracing TracingConfig `yaml:"tracing"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		RedisAddr:       "localhost:6379",
		KeyPrefix:       "triage",
		StoreDriver:     DriverRedis,
		QueueDriver:     DriverRedis,
		QueueName:       "email_priority",
		Kafka:           KafkaConfig{Topic: "email_priority", GroupID: "triage-workers"},
		ScanInterval:    5 * time.Second,
		BatchSize:       20,
		JobTimeout:      300 * time.Second,
		JobMaxAttempts:  3,
		LeaseTTL:        10 * time.Minute,
		Workers:         4,
		HTTPPort:        8080,
		LogLevel:        "info",
		LogFormat:       "text",
		ShutdownTimeout: 30 * time.Second,
		Tracing:         TracingConfig{Endpoint: "localhost:4318"},
	}
}

// Load loads the configuration from a YAML file and environment variables.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	}

	if err := applyEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(c *Config) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("REDIS_ADDR", &c.RedisAddr)
	integer("REDIS_DB", &c.RedisDB)
	str("KEY_PREFIX", &c.KeyPrefix)
	str("STORE_DRIVER", &c.StoreDriver)
	str("MYSQL_DSN", &c.MySQLDSN)
	str("QUEUE_DRIVER", &c.QueueDriver)
	str("QUEUE_NAME", &c.QueueName)
	if v, ok := os.LookupEnv("KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = splitList(v)
	}
	str("KAFKA_TOPIC", &c.Kafka.Topic)
	str("KAFKA_GROUP_ID", &c.Kafka.GroupID)
	duration("SCAN_INTERVAL", &c.ScanInterval)
	integer("BATCH_SIZE", &c.BatchSize)
	duration("JOB_TIMEOUT", &c.JobTimeout)
	integer("JOB_MAX_ATTEMPTS", &c.JobMaxAttempts)
	duration("LEASE_TTL", &c.LeaseTTL)
	integer("WORKERS", &c.Workers)
	integer("HTTP_PORT", &c.HTTPPort)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	str("NTFY_SERVER_URL", &c.Ntfy.ServerURL)
	str("NTFY_TOPIC", &c.Ntfy.Topic)
	if v, ok := os.LookupEnv("TRACING_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TRACING_ENABLED: %w", err))
		} else {
			c.Tracing.Enabled = b
		}
	}
	str("TRACING_ENDPOINT", &c.Tracing.Endpoint)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case DriverRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis_addr is required for the redis store"))
		}
	case DriverMySQL:
		if c.MySQLDSN == "" {
			errs = append(errs, errors.New("mysql_dsn is required for the mysql store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store_driver %q", c.StoreDriver))
	}

	switch c.QueueDriver {
	case DriverRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis_addr is required for the redis queue"))
		}
	case DriverKafka:
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka.brokers and kafka.topic are required for the kafka queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue_driver %q", c.QueueDriver))
	}

	if c.QueueName == "" {
		errs = append(errs, errors.New("queue_name is required"))
	}
	positive := map[string]int64{
		"scan_interval":    int64(c.ScanInterval),
		"batch_size":       int64(c.BatchSize),
		"job_timeout":      int64(c.JobTimeout),
		"job_max_attempts": int64(c.JobMaxAttempts),
		"lease_ttl":        int64(c.LeaseTTL),
		"workers":          int64(c.Workers),
		"http_port":        int64(c.HTTPPort),
	}
	for _, name := range []string{"scan_interval", "batch_size", "job_timeout", "job_max_attempts", "lease_ttl", "workers", "http_port"} {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.LeaseTTL > 0 && c.JobTimeout > 0 && c.LeaseTTL < c.JobTimeout {
		errs = append(errs, errors.New("lease_ttl must not be shorter than job_timeout"))
	}

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
