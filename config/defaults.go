package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "callrelay",
			Version:     "dev",
			Environment: "development",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				ReadTimeout:     15 * time.Second,
				WriteTimeout:    15 * time.Second,
				IdleTimeout:     120 * time.Second,
				RequestTimeout:  10 * time.Second,
				ShutdownTimeout: 15 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
				MaxBodyBytes:    64 << 10,
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 20,
				Burst:             40,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Delivery: DeliveryConfig{
			RetryMaxAttempts:  2,
			RetryInitialDelay: 1500 * time.Millisecond,
			RetryMultiplier:   1.34,
			RetryMaxDelay:     2 * time.Second,
			DedupWindow:       5 * time.Second,
			RecentCapacity:    4096,
			RequireKeepAlive:  false,
			ResumeDelay:       1500 * time.Millisecond,
		},
		Consumer: ConsumerConfig{
			Bus:           "local",
			BufferSize:    16,
			ChannelPrefix: "callrelay:consumer:",
			PingInterval:  30 * time.Second,
			WriteTimeout:  5 * time.Second,
		},
		Alert: AlertConfig{
			Renderer: "log",
			Capacity: 1024,
			Webhook: WebhookConfig{
				Timeout:    5 * time.Second,
				RetryCount: 1,
			},
		},
		KeepAlive: KeepAliveConfig{
			Ceiling:           6 * time.Hour,
			HeartbeatInterval: 30 * time.Second,
			Presence:          false,
			PresenceKey:       "callrelay:presence",
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:              "./data/badger",
				SyncWrites:        true,
				ValueLogFileSize:  64 << 20, // 64MB
				NumVersionsToKeep: 1,
			},
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlpgrpc",
			Endpoint:   "localhost:4317",
			Insecure:   true,
			Timeout:    5 * time.Second,
			Sampler:    "parentbased_traceidratio",
			SampleRate: 0.1,
		},
	}
}
