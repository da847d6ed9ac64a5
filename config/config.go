// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/absmach/courier/ratelimit"
)

// Config holds all configuration for the courier node.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Delivery  DeliveryConfig   `yaml:"delivery"`
	Presence  PresenceConfig   `yaml:"presence"`
	Typing    TypingConfig     `yaml:"typing"`
	Log       LogConfig        `yaml:"log"`
	Store     StoreConfig      `yaml:"store"`
	Bus       BusConfig        `yaml:"bus"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
}

// ServerConfig holds the listener configuration.
type ServerConfig struct {
	NodeID string `yaml:"node_id"`

	WSAddr string `yaml:"ws_addr"`
	WSPath string `yaml:"ws_path"`

	APIAddr    string `yaml:"api_addr"`
	APIEnabled bool   `yaml:"api_enabled"`
	APIToken   string `yaml:"api_token"` // empty disables bearer auth

	HealthAddr    string `yaml:"health_addr"`
	HealthEnabled bool   `yaml:"health_enabled"`

	// MaxPayload bounds one inbound client frame in bytes.
	MaxPayload int64 `yaml:"max_payload"`
	// QueueSize bounds the per-connection outbound queue in frames.
	QueueSize    int           `yaml:"queue_size"`
	PingInterval time.Duration `yaml:"ping_interval"`
	// WriteTimeout bounds one outbound frame or ping write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// PongTimeout is how long a connection may stay silent before the
	// read side gives up on it; it must outlast the ping interval.
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// OpenTelemetry export.
	MetricsAddr         string  `yaml:"metrics_addr"` // OTLP gRPC endpoint
	MetricsEnabled      bool    `yaml:"metrics_enabled"`
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// DeliveryConfig holds delivery pipeline settings.
type DeliveryConfig struct {
	// Maximum message content size in bytes
	MaxContentBytes int `yaml:"max_content_bytes"`

	// Catch-up page size
	FetchLimit int `yaml:"fetch_limit"`

	// Bus publish retry settings
	PublishAttempts   int           `yaml:"publish_attempts"`
	PublishBackoff    time.Duration `yaml:"publish_backoff"`
	PublishMaxBackoff time.Duration `yaml:"publish_max_backoff"`

	// Bus circuit breaker settings
	BreakerThreshold uint32        `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// PresenceConfig holds presence state machine settings.
type PresenceConfig struct {
	// Idle time before a user turns away
	AwayAfter time.Duration `yaml:"away_after"`

	// Window after the last disconnect before offline; 0 means immediate
	OfflineGrace time.Duration `yaml:"offline_grace"`

	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// TypingConfig holds typing indicator settings.
type TypingConfig struct {
	// Indicator lifetime without a refresh
	TTL time.Duration `yaml:"ttl"`

	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Type string `yaml:"type"` // memory, badger, postgres

	// BadgerDB settings
	BadgerDir         string `yaml:"badger_dir"`
	CompressThreshold int    `yaml:"compress_threshold"`
	SyncWrites        bool   `yaml:"sync_writes"`

	// Postgres settings
	PostgresDSN    string        `yaml:"postgres_dsn"`
	MaxOpenConns   int           `yaml:"max_open_conns"`
	MaxIdleConns   int           `yaml:"max_idle_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// BusConfig holds fan-out bus configuration.
type BusConfig struct {
	Type string `yaml:"type"` // local, redis, mqtt

	Redis RedisBusConfig `yaml:"redis"`
	MQTT  MQTTBusConfig  `yaml:"mqtt"`
}

// RedisBusConfig holds Redis pub/sub settings.
type RedisBusConfig struct {
	URL      string `yaml:"url"` // redis://host:port/db
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MQTTBusConfig holds MQTT bridge settings.
type MQTTBusConfig struct {
	Broker   string `yaml:"broker"`    // tcp://host:port
	ClientID string `yaml:"client_id"` // prefix; a unique suffix is appended per node
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"` // 0, 1, or 2
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			NodeID:          "courier-1",
			WSAddr:          ":8084",
			WSPath:          "/ws",
			APIAddr:         ":8085",
			APIEnabled:      true,
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MaxPayload:      64 * 1024,
			QueueSize:       256,
			PingInterval:    30 * time.Second,
			WriteTimeout:    10 * time.Second,
			PongTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,

			MetricsAddr:    "localhost:4317",
			MetricsEnabled: false,

			OtelServiceName:     "courier",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Delivery: DeliveryConfig{
			MaxContentBytes:   16 * 1024,
			FetchLimit:        200,
			PublishAttempts:   3,
			PublishBackoff:    50 * time.Millisecond,
			PublishMaxBackoff: time.Second,
			BreakerThreshold:  5,
			BreakerReset:      10 * time.Second,
		},
		Presence: PresenceConfig{
			AwayAfter:     5 * time.Minute,
			OfflineGrace:  30 * time.Second,
			SweepInterval: 30 * time.Second,
		},
		Typing: TypingConfig{
			TTL:           5 * time.Second,
			SweepInterval: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Type:              "badger",
			BadgerDir:         "/tmp/courier/data",
			CompressThreshold: 1024,
			SyncWrites:        true,
			MaxOpenConns:      16,
			MaxIdleConns:      8,
			ConnectTimeout:    5 * time.Second,
		},
		Bus: BusConfig{
			Type: "local",
			Redis: RedisBusConfig{
				URL: "redis://localhost:6379/0",
			},
			MQTT: MQTTBusConfig{
				Broker:   "tcp://localhost:1883",
				ClientID: "courier",
				QoS:      1,
			},
		},
		RateLimit: ratelimit.DefaultConfig(),
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.WSAddr == "" {
		return fmt.Errorf("server.ws_addr cannot be empty")
	}
	if c.Server.WSPath == "" {
		return fmt.Errorf("server.ws_path cannot be empty")
	}
	if c.Server.APIEnabled && c.Server.APIAddr == "" {
		return fmt.Errorf("server.api_addr required when the ops API is enabled")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.MaxPayload < 1024 {
		return fmt.Errorf("server.max_payload must be at least 1KB")
	}
	if c.Server.QueueSize < 16 {
		return fmt.Errorf("server.queue_size must be at least 16")
	}
	if c.Server.PingInterval < time.Second {
		return fmt.Errorf("server.ping_interval must be at least 1 second")
	}
	if c.Server.WriteTimeout < time.Second {
		return fmt.Errorf("server.write_timeout must be at least 1 second")
	}
	if c.Server.PongTimeout <= c.Server.PingInterval {
		return fmt.Errorf("server.pong_timeout must exceed server.ping_interval")
	}

	if c.Delivery.MaxContentBytes < 1 {
		return fmt.Errorf("delivery.max_content_bytes must be positive")
	}
	if c.Delivery.FetchLimit < 1 {
		return fmt.Errorf("delivery.fetch_limit must be at least 1")
	}
	if c.Delivery.PublishAttempts < 1 {
		return fmt.Errorf("delivery.publish_attempts must be at least 1")
	}

	if c.Presence.AwayAfter < time.Second {
		return fmt.Errorf("presence.away_after must be at least 1 second")
	}
	if c.Presence.OfflineGrace < 0 {
		return fmt.Errorf("presence.offline_grace cannot be negative")
	}
	if c.Presence.SweepInterval < time.Second {
		return fmt.Errorf("presence.sweep_interval must be at least 1 second")
	}

	if c.Typing.TTL < time.Second {
		return fmt.Errorf("typing.ttl must be at least 1 second")
	}
	if c.Typing.SweepInterval < 100*time.Millisecond {
		return fmt.Errorf("typing.sweep_interval must be at least 100ms")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStore := map[string]bool{"memory": true, "badger": true, "postgres": true}
	if !validStore[c.Store.Type] {
		return fmt.Errorf("store.type must be one of: memory, badger, postgres")
	}
	if c.Store.Type == "badger" && c.Store.BadgerDir == "" {
		return fmt.Errorf("store.badger_dir required when type is badger")
	}
	if c.Store.Type == "postgres" && c.Store.PostgresDSN == "" {
		return fmt.Errorf("store.postgres_dsn required when type is postgres")
	}

	validBus := map[string]bool{"local": true, "redis": true, "mqtt": true}
	if !validBus[c.Bus.Type] {
		return fmt.Errorf("bus.type must be one of: local, redis, mqtt")
	}
	if c.Bus.Type == "redis" && c.Bus.Redis.URL == "" {
		return fmt.Errorf("bus.redis.url required when type is redis")
	}
	if c.Bus.Type == "mqtt" {
		if c.Bus.MQTT.Broker == "" {
			return fmt.Errorf("bus.mqtt.broker required when type is mqtt")
		}
		if c.Bus.MQTT.QoS < 0 || c.Bus.MQTT.QoS > 2 {
			return fmt.Errorf("bus.mqtt.qos must be 0, 1, or 2")
		}
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
