// Package config holds the loom configuration: defaults, YAML file
// loading, and environment variable overrides with the LOOM prefix.
// Precedence is defaults, then file, then environment.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete daemon configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server" env:"SERVER"`
	Log         LogConfig         `yaml:"log" env:"LOG"`
	Database    DatabaseConfig    `yaml:"database" env:"DATABASE"`
	Redis       RedisConfig       `yaml:"redis" env:"REDIS"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint" env:"CHECKPOINT"`
	Jobs        JobsConfig        `yaml:"jobs" env:"JOBS"`
	Permissions PermissionsConfig `yaml:"permissions" env:"PERMISSIONS"`
	Stream      StreamConfig      `yaml:"stream" env:"STREAM"`
	Agents      AgentsConfig      `yaml:"agents" env:"AGENTS"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// DatabaseConfig configures the SQL backend.
type DatabaseConfig struct {
	// Driver is sqlite, postgres, or mysql.
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Name     string `yaml:"name" env:"NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`

	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// DSN returns the driver connection string.
func (d DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	PoolSize int    `yaml:"pool_size" env:"POOL_SIZE"`
}

// CheckpointConfig configures the checkpoint store.
type CheckpointConfig struct {
	// Backend is memory, sql, or redis.
	Backend string `yaml:"backend" env:"BACKEND"`
	// Namespace is the checkpoint namespace turns commit under.
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// KeyPrefix scopes Redis keys.
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// JobsConfig configures the job manager.
type JobsConfig struct {
	// Backend is memory or sql.
	Backend         string        `yaml:"backend" env:"BACKEND"`
	MaxConcurrent   int           `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	MaxQueued       int           `yaml:"max_queued" env:"MAX_QUEUED"`
	RatePerSecond   float64       `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	RateBurst       int           `yaml:"rate_burst" env:"RATE_BURST"`
	Retention       time.Duration `yaml:"retention" env:"RETENTION"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
}

// PermissionsConfig configures the permission gate.
type PermissionsConfig struct {
	// TTL is how long a request stays answerable; zero disables expiry.
	TTL           time.Duration `yaml:"ttl" env:"TTL"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// StreamConfig configures the event gateway and its transports.
type StreamConfig struct {
	BufferSize        int           `yaml:"buffer_size" env:"BUFFER_SIZE"`
	SubscriberBuffer  int           `yaml:"subscriber_buffer" env:"SUBSCRIBER_BUFFER"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
}

// AgentsConfig configures the built-in agent graph and its tools.
type AgentsConfig struct {
	MaxSteps        int           `yaml:"max_steps" env:"MAX_STEPS"`
	ToolTimeout     time.Duration `yaml:"tool_timeout" env:"TOOL_TIMEOUT"`
	MaxPairHandoffs int           `yaml:"max_pair_handoffs" env:"MAX_PAIR_HANDOFFS"`
	// CorpusPath is a YAML file of local knowledge documents; empty
	// means the corpus starts empty.
	CorpusPath string `yaml:"corpus_path" env:"CORPUS_PATH"`
	// SearchEndpoint is the external web search API.
	SearchEndpoint string `yaml:"search_endpoint" env:"SEARCH_ENDPOINT"`
	SearchAPIKey   string `yaml:"search_api_key" env:"SEARCH_API_KEY"`
}

// TelemetryConfig configures tracing and metrics.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	// ServiceName labels exported spans.
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
	// MetricsNamespace prefixes Prometheus metric names.
	MetricsNamespace string `yaml:"metrics_namespace" env:"METRICS_NAMESPACE"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses manage their own deadlines
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Name:            "loom.db",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Checkpoint: CheckpointConfig{
			Backend:   "memory",
			Namespace: "conversation",
			KeyPrefix: "loom:",
		},
		Jobs: JobsConfig{
			Backend:         "memory",
			MaxConcurrent:   4,
			MaxQueued:       64,
			Retention:       24 * time.Hour,
			CleanupInterval: time.Minute,
		},
		Permissions: PermissionsConfig{
			TTL:           10 * time.Minute,
			SweepInterval: 15 * time.Second,
		},
		Stream: StreamConfig{
			BufferSize:        256,
			SubscriberBuffer:  64,
			HeartbeatInterval: 15 * time.Second,
		},
		Agents: AgentsConfig{
			MaxSteps:        32,
			ToolTimeout:     30 * time.Second,
			MaxPairHandoffs: 2,
			SearchEndpoint:  "https://search.example.com/v1/search",
		},
		Telemetry: TelemetryConfig{
			Enabled:          false,
			Endpoint:         "localhost:4317",
			ServiceName:      "loomd",
			SampleRatio:      1.0,
			MetricsNamespace: "loom",
		},
	}
}

// Validate reports configuration mistakes as one error.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "invalid server port")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log level must be debug, info, warn, or error")
	}
	switch c.Checkpoint.Backend {
	case "memory", "sql", "redis":
	default:
		errs = append(errs, "checkpoint backend must be memory, sql, or redis")
	}
	switch c.Jobs.Backend {
	case "memory", "sql":
	default:
		errs = append(errs, "jobs backend must be memory or sql")
	}
	if c.Checkpoint.Backend == "sql" || c.Jobs.Backend == "sql" {
		switch c.Database.Driver {
		case "sqlite", "postgres", "mysql":
		default:
			errs = append(errs, "database driver must be sqlite, postgres, or mysql")
		}
	}
	if c.Jobs.MaxConcurrent <= 0 {
		errs = append(errs, "jobs.max_concurrent must be positive")
	}
	if c.Agents.MaxSteps <= 0 {
		errs = append(errs, "agents.max_steps must be positive")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, "telemetry.sample_ratio must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
