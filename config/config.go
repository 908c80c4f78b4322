// Package config provides configuration management for callrelay.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for callrelay.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Delivery tunes the reconciler and pending buffer.
	Delivery DeliveryConfig `mapstructure:"delivery"`

	// Consumer selects the consumer event bus.
	Consumer ConsumerConfig `mapstructure:"consumer"`

	// Alert configures the alert renderer bridge.
	Alert AlertConfig `mapstructure:"alert"`

	// KeepAlive configures the keep-alive session.
	KeepAlive KeepAliveConfig `mapstructure:"keepalive"`

	// Storage is the credential persistence configuration.
	Storage StorageConfig `mapstructure:"storage"`

	// Redis is shared by the redis consumer bus and the presence resource.
	Redis RedisConfig `mapstructure:"redis"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment" validate:"env"`
	Debug       bool   `mapstructure:"debug"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host" validate:"omitempty,hostname_rfc1123|ip"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	HTTP      HTTPConfig      `mapstructure:"http"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"gte=0"`

	// WriteTimeout bounds response writes for API routes. The consumer
	// websocket manages its own deadlines once upgraded.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`

	// RequestTimeout bounds the context of every API request.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gte=0"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes" validate:"min=0"`

	// MaxBodyBytes limits ingestion request bodies.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" validate:"min=0"`
}

// RateLimitConfig bounds signal ingestion per client address.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gt=0"`
	Burst             int     `mapstructure:"burst" validate:"min=1"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// DeliveryConfig tunes signal delivery.
type DeliveryConfig struct {
	// RetryMaxAttempts is the retry budget of a buffered signal.
	RetryMaxAttempts int `mapstructure:"retry_max_attempts" validate:"min=1,max=10"`

	// RetryInitialDelay is the delay before the first retry.
	RetryInitialDelay time.Duration `mapstructure:"retry_initial_delay" validate:"gt=0"`

	// RetryMultiplier grows the delay between retries.
	RetryMultiplier float64 `mapstructure:"retry_multiplier" validate:"gte=1"`

	// RetryMaxDelay caps the delay between retries.
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay" validate:"gtefield=RetryInitialDelay"`

	// DedupWindow is how long a repeated missed call or message is suppressed.
	DedupWindow time.Duration `mapstructure:"dedup_window" validate:"gt=0"`

	// RecentCapacity bounds the recent-signal cache used for dedup.
	RecentCapacity int `mapstructure:"recent_capacity" validate:"min=1"`

	// RequireKeepAlive treats the consumer as not ready unless the keep-alive
	// session is held.
	RequireKeepAlive bool `mapstructure:"require_keepalive"`

	// ResumeDelay is how long a resumed host waits before flushing buffered signals.
	ResumeDelay time.Duration `mapstructure:"resume_delay" validate:"gte=0"`
}

// ConsumerConfig selects the consumer event bus.
type ConsumerConfig struct {
	// Bus is the bus implementation (local, redis).
	Bus string `mapstructure:"bus" validate:"oneof=local redis"`

	// BufferSize is the per-consumer event buffer; a full buffer refuses new events.
	BufferSize int `mapstructure:"buffer_size" validate:"min=1"`

	// ChannelPrefix prefixes the redis pub/sub channel.
	ChannelPrefix string `mapstructure:"channel_prefix"`

	// PingInterval is the websocket keep-alive ping period.
	PingInterval time.Duration `mapstructure:"ping_interval" validate:"gt=0"`

	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
}

// AlertConfig configures alert presentation.
type AlertConfig struct {
	// Renderer is the renderer implementation (log, webhook).
	Renderer string `mapstructure:"renderer" validate:"oneof=log webhook"`

	// Capacity bounds the number of tracked alerts.
	Capacity int `mapstructure:"capacity" validate:"min=1"`

	Webhook WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig configures the webhook renderer.
type WebhookConfig struct {
	URL        string        `mapstructure:"url" validate:"omitempty,url"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gte=0"`
	RetryCount int           `mapstructure:"retry_count" validate:"min=0,max=5"`
}

// KeepAliveConfig configures the keep-alive session.
type KeepAliveConfig struct {
	// Ceiling is the session lifetime, at most 12h.
	Ceiling time.Duration `mapstructure:"ceiling" validate:"gt=0,lte=12h"`

	// HeartbeatInterval is how often the delivery path is probed while held.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`

	// Presence advertises reachability in redis while held.
	Presence bool `mapstructure:"presence"`

	// PresenceKey is the redis key used for presence.
	PresenceKey string `mapstructure:"presence_key"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Type is the storage backend (memory, badger).
	Type string `mapstructure:"type" validate:"oneof=memory badger"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size" validate:"min=0"`

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int `mapstructure:"num_versions_to_keep" validate:"min=0"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path" validate:"startswith=/"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter" validate:"omitempty,oneof=otlpgrpc"`
	Endpoint string `mapstructure:"endpoint"`
	// Insecure disables TLS to the collector.
	Insecure bool              `mapstructure:"insecure"`
	Timeout  time.Duration     `mapstructure:"timeout" validate:"gte=0"`
	Headers  map[string]string `mapstructure:"headers"`
	// Sampler is always_on, always_off or parentbased_traceidratio.
	Sampler    string  `mapstructure:"sampler" validate:"omitempty,oneof=always_on always_off parentbased_traceidratio"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Bus: %s, Storage: %s}",
		c.App.Name, c.Server.Port, c.App.Environment, c.Consumer.Bus, c.Storage.Type)
}
