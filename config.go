package courier

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends understood by the courierd binary.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreBadger = "badger"
)

// PartitionConfig overrides admission limits for a single partition.
type PartitionConfig struct {
	// Name is the partition key the override applies to.
	Name string `yaml:"name"`

	// MaxInFlight caps concurrently running jobs of this partition across
	// every process sharing the store. Zero falls back to
	// Config.PartitionMaxInFlight.
	MaxInFlight int64 `yaml:"max_in_flight"`

	// RateLimit is the sustained number of admissions per second for this
	// partition in the local process. Zero disables rate limiting.
	RateLimit float64 `yaml:"rate_limit"`

	// RateBurst is the token-bucket burst. Defaults to 1 when RateLimit is set.
	RateBurst int `yaml:"rate_burst"`

	// Endpoint overrides the downstream URL for this partition.
	Endpoint string `yaml:"endpoint"`
}

// Config holds configuration for a courier process.
type Config struct {
	// Addr is the HTTP listen address of the ingress API.
	Addr string `yaml:"addr"`

	// StoreBackend selects the shared store: memory, redis or badger.
	StoreBackend string `yaml:"store_backend"`

	// RedisAddr is the redis endpoint used when StoreBackend is redis.
	RedisAddr string `yaml:"redis_addr"`

	// BadgerDir is the data directory used when StoreBackend is badger.
	BadgerDir string `yaml:"badger_dir"`

	// StoreTimeout bounds every shared-store round-trip.
	StoreTimeout time.Duration `yaml:"store_timeout"`

	// StoreAttempts is how many times an idempotent store operation is tried
	// while the store reports itself unavailable.
	StoreAttempts int `yaml:"store_attempts"`

	// QueueCapacity bounds the in-process WorkQueue.
	QueueCapacity int `yaml:"queue_capacity"`

	// Workers is the fixed size of the worker pool.
	Workers int `yaml:"workers"`

	// DequeueTimeout is how long an idle worker blocks on an empty queue
	// before re-checking for shutdown.
	DequeueTimeout time.Duration `yaml:"dequeue_timeout"`

	// AdmissionRetryInterval is how long a worker pauses after a job was
	// denied admission and requeued.
	AdmissionRetryInterval time.Duration `yaml:"admission_retry_interval"`

	// PartitionMaxInFlight is the default per-partition concurrency cap.
	PartitionMaxInFlight int64 `yaml:"partition_max_in_flight"`

	// Partitions holds per-partition overrides.
	Partitions []PartitionConfig `yaml:"partitions"`

	// CallTimeout bounds a single outbound call attempt.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// MaxAttempts is the total number of outbound attempts per job.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffInitial and BackoffMax shape the exponential retry delay.
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`

	// Retention is how long a job record is kept in the shared store.
	Retention time.Duration `yaml:"retention"`

	// MaxPayloadBytes caps the size of a submitted payload.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`

	// Codec selects the record encoding in the shared store: json or msgpack.
	Codec string `yaml:"codec"`

	// Endpoint is the default downstream URL jobs are delivered to.
	Endpoint string `yaml:"endpoint"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is text or json.
	LogFormat string `yaml:"log_format"`

	// AuditLog enables audit events for every job lifecycle change,
	// written to the process log.
	AuditLog bool `yaml:"audit_log"`
}

// DefaultConfig returns a Config with sensible defaults. The numeric policy
// values are starting points and are all overridable.
func DefaultConfig() Config {
	return Config{
		Addr:                   ":8080",
		StoreBackend:           StoreMemory,
		RedisAddr:              "localhost:6379",
		BadgerDir:              "data/courier",
		StoreTimeout:           2 * time.Second,
		StoreAttempts:          3,
		QueueCapacity:          1024,
		Workers:                8,
		DequeueTimeout:         time.Second,
		AdmissionRetryInterval: 25 * time.Millisecond,
		PartitionMaxInFlight:   4,
		CallTimeout:            10 * time.Second,
		MaxAttempts:            3,
		BackoffInitial:         500 * time.Millisecond,
		BackoffMax:             30 * time.Second,
		Retention:              24 * time.Hour,
		MaxPayloadBytes:        1 << 20,
		Codec:                  "json",
		ShutdownTimeout:        30 * time.Second,
		LogLevel:               "info",
		LogFormat:              "text",
	}
}

// Partition returns the effective settings for the named partition.
func (c Config) Partition(name string) PartitionConfig {
	for _, p := range c.Partitions {
		if p.Name == name {
			if p.MaxInFlight <= 0 {
				p.MaxInFlight = c.PartitionMaxInFlight
			}
			return p
		}
	}
	return PartitionConfig{Name: name, MaxInFlight: c.PartitionMaxInFlight}
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	switch c.StoreBackend {
	case StoreMemory, StoreRedis, StoreBadger:
	default:
		check(false, "unknown store backend %q", c.StoreBackend)
	}
	switch c.Codec {
	case "json", "msgpack":
	default:
		check(false, "unknown codec %q", c.Codec)
	}
	check(c.QueueCapacity > 0, "queue_capacity must be positive, got %d", c.QueueCapacity)
	check(c.Workers > 0, "workers must be positive, got %d", c.Workers)
	check(c.PartitionMaxInFlight > 0, "partition_max_in_flight must be positive, got %d", c.PartitionMaxInFlight)
	check(c.MaxAttempts > 0, "max_attempts must be positive, got %d", c.MaxAttempts)
	check(c.CallTimeout > 0, "call_timeout must be positive")
	check(c.DequeueTimeout > 0, "dequeue_timeout must be positive")
	check(c.Retention > 0, "retention must be positive")
	check(c.StoreAttempts > 0, "store_attempts must be positive, got %d", c.StoreAttempts)
	check(c.BackoffInitial > 0, "backoff_initial must be positive")
	check(c.BackoffMax >= c.BackoffInitial, "backoff_max (%v) must not be below backoff_initial (%v)", c.BackoffMax, c.BackoffInitial)

	seen := make(map[string]bool, len(c.Partitions))
	for _, p := range c.Partitions {
		check(p.Name != "", "partition override without a name")
		check(!seen[p.Name], "duplicate partition override %q", p.Name)
		check(p.MaxInFlight >= 0, "partition %q: max_in_flight must not be negative", p.Name)
		check(p.RateLimit >= 0, "partition %q: rate_limit must not be negative", p.Name)
		seen[p.Name] = true
	}

	return errors.Join(errs...)
}

// CheckEndpoints reports a configuration under which no job could be
// delivered: no default endpoint and no partition override naming one.
func (c Config) CheckEndpoints() error {
	if c.Endpoint != "" {
		return nil
	}
	for _, p := range c.Partitions {
		if p.Endpoint != "" {
			return nil
		}
	}
	return fmt.Errorf("%w: no endpoint configured; set endpoint or a partition endpoint", ErrInvalidConfig)
}

// LoadConfig builds a Config from defaults, then the YAML file at path (if
// path is non-empty), then COURIER_* environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("courier: read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("courier: parse config %s: %w", path, err)
		}
	}

	envErr := applyEnv(&cfg)
	if err := errors.Join(envErr, cfg.Validate()); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides c from COURIER_* variables. Values that do not parse
// leave the field unchanged and are reported together.
func applyEnv(c *Config) error {
	var e envReader
	c.Addr = e.getStr("COURIER_ADDR", c.Addr)
	c.StoreBackend = e.getStr("COURIER_STORE_BACKEND", c.StoreBackend)
	c.RedisAddr = e.getStr("COURIER_REDIS_ADDR", c.RedisAddr)
	c.BadgerDir = e.getStr("COURIER_BADGER_DIR", c.BadgerDir)
	c.StoreTimeout = e.getDuration("COURIER_STORE_TIMEOUT", c.StoreTimeout)
	c.StoreAttempts = e.getInt("COURIER_STORE_ATTEMPTS", c.StoreAttempts)
	c.QueueCapacity = e.getInt("COURIER_QUEUE_CAPACITY", c.QueueCapacity)
	c.Workers = e.getInt("COURIER_WORKERS", c.Workers)
	c.DequeueTimeout = e.getDuration("COURIER_DEQUEUE_TIMEOUT", c.DequeueTimeout)
	c.AdmissionRetryInterval = e.getDuration("COURIER_ADMISSION_RETRY_INTERVAL", c.AdmissionRetryInterval)
	c.PartitionMaxInFlight = e.getInt64("COURIER_PARTITION_MAX_IN_FLIGHT", c.PartitionMaxInFlight)
	c.CallTimeout = e.getDuration("COURIER_CALL_TIMEOUT", c.CallTimeout)
	c.MaxAttempts = e.getInt("COURIER_MAX_ATTEMPTS", c.MaxAttempts)
	c.BackoffInitial = e.getDuration("COURIER_BACKOFF_INITIAL", c.BackoffInitial)
	c.BackoffMax = e.getDuration("COURIER_BACKOFF_MAX", c.BackoffMax)
	c.Retention = e.getDuration("COURIER_RETENTION", c.Retention)
	c.MaxPayloadBytes = e.getInt64("COURIER_MAX_PAYLOAD_BYTES", c.MaxPayloadBytes)
	c.Codec = e.getStr("COURIER_CODEC", c.Codec)
	c.Endpoint = e.getStr("COURIER_ENDPOINT", c.Endpoint)
	c.ShutdownTimeout = e.getDuration("COURIER_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.LogLevel = strings.ToLower(e.getStr("COURIER_LOG_LEVEL", c.LogLevel))
	c.LogFormat = strings.ToLower(e.getStr("COURIER_LOG_FORMAT", c.LogFormat))
	c.AuditLog = e.getBool("COURIER_AUDIT_LOG", c.AuditLog)
	return errors.Join(e.errs...)
}

// envReader reads typed environment variables and collects parse errors.
type envReader struct {
	errs []error
}

func (e *envReader) getStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (e *envReader) getInt(key string, fallback int) int {
	return parseEnv(e, key, fallback, strconv.Atoi)
}

func (e *envReader) getInt64(key string, fallback int64) int64 {
	return parseEnv(e, key, fallback, func(v string) (int64, error) {
		return strconv.ParseInt(v, 10, 64)
	})
}

func (e *envReader) getBool(key string, fallback bool) bool {
	return parseEnv(e, key, fallback, strconv.ParseBool)
}

func (e *envReader) getDuration(key string, fallback time.Duration) time.Duration {
	return parseEnv(e, key, fallback, time.ParseDuration)
}

func parseEnv[T any](e *envReader, key string, fallback T, parse func(string) (T, error)) T {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := parse(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, v, err))
		return fallback
	}
	return parsed
}
