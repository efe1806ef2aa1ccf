// Package config loads chatstream configuration from defaults, an optional
// file, CHATSTREAM_* environment variables and command-line flags.
package config

import "time"

// Bus type constants for the room server.
const (
	// BusMemory fans out within one server process.
	BusMemory = "memory"
	// BusRedis fans out across server instances over Redis pub/sub.
	BusRedis = "redis"
)

// DefaultEnvPrefix prefixes every environment variable.
const DefaultEnvPrefix = "CHATSTREAM"

// Config is the root configuration structure.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service" yaml:"service"`
	Endpoints     EndpointsConfig     `mapstructure:"endpoints" yaml:"endpoints"`
	Stream        StreamConfig        `mapstructure:"stream" yaml:"stream"`
	Outbound      OutboundConfig      `mapstructure:"outbound" yaml:"outbound"`
	Identity      IdentityConfig      `mapstructure:"identity" yaml:"identity"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
	Server        ServerConfig        `mapstructure:"server" yaml:"server"`
}

// ServiceConfig identifies the process in logs and version output.
type ServiceConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
}

// EndpointsConfig locates the chat server.
type EndpointsConfig struct {
	BaseURL      string `mapstructure:"base_url" yaml:"base_url" flag:"base-url" flag_usage:"chat server base URL"`
	RoomsPath    string `mapstructure:"rooms_path" yaml:"rooms_path"`
	MessagesPath string `mapstructure:"messages_path" yaml:"messages_path"`
}

// StreamConfig configures inbound push streams.
type StreamConfig struct {
	// BufferCapacity bounds the per-room message buffer.
	BufferCapacity  int  `mapstructure:"buffer_capacity" yaml:"buffer_capacity" flag:"buffer-capacity" flag_usage:"messages kept per room"`
	EventQueue      int  `mapstructure:"event_queue" yaml:"event_queue"`
	WithCredentials bool `mapstructure:"with_credentials" yaml:"with_credentials"`
}

// OutboundConfig configures message submission.
type OutboundConfig struct {
	MinLength     int           `mapstructure:"min_length" yaml:"min_length"`
	MaxLength     int           `mapstructure:"max_length" yaml:"max_length"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int           `mapstructure:"burst" yaml:"burst"`
}

// IdentityConfig presets the session identity.
type IdentityConfig struct {
	Name string `mapstructure:"name" yaml:"name" flag:"name" flag_usage:"display name"`
	Room string `mapstructure:"room" yaml:"room" flag:"room" flag_usage:"room to join"`
}

// ObservabilityConfig configures logging, metrics and tracing.
type ObservabilityConfig struct {
	LogLevel  string `mapstructure:"log_level" yaml:"log_level" flag:"log-level" flag_usage:"log level (debug, info, warn, error)"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format" flag:"log-format" flag_usage:"log format (text, json)"`
	// MetricsAddr serves /metrics when set.
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr" flag:"metrics-addr" flag_usage:"address for the Prometheus endpoint"`
	// TracingEndpoint enables OTLP trace export when set.
	TracingEndpoint   string  `mapstructure:"tracing_endpoint" yaml:"tracing_endpoint" flag:"tracing-endpoint" flag_usage:"OTLP gRPC collector endpoint"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate" yaml:"tracing_sample_rate" flag:"tracing-sample-rate" flag_usage:"fraction of traces to sample"`
}

// ServerConfig configures the reference room server.
type ServerConfig struct {
	Port              int           `mapstructure:"port" yaml:"port" flag:"port" flag_usage:"room server port"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	ClientBuffer      int           `mapstructure:"client_buffer" yaml:"client_buffer"`
	MaxConnections    int           `mapstructure:"max_connections" yaml:"max_connections"`
	PostRatePerSecond float64       `mapstructure:"post_rate_per_second" yaml:"post_rate_per_second"`
	PostBurst         int           `mapstructure:"post_burst" yaml:"post_burst"`
	Bus               string        `mapstructure:"bus" yaml:"bus" flag:"bus" flag_usage:"fan-out bus (memory, redis)"`
	Redis             RedisConfig   `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig configures the Redis bus and presence counters.
type RedisConfig struct {
	URL              string        `mapstructure:"url" yaml:"url" flag:"redis-url" flag_usage:"Redis URL for the redis bus"`
	Prefix           string        `mapstructure:"prefix" yaml:"prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{Name: "chatstream"},
		Endpoints: EndpointsConfig{
			BaseURL:      "http://localhost:3001",
			RoomsPath:    "/rooms",
			MessagesPath: "/messages",
		},
		Stream: StreamConfig{
			BufferCapacity:  100,
			EventQueue:      64,
			WithCredentials: true,
		},
		Outbound: OutboundConfig{
			MinLength: 1,
			MaxLength: 100,
			Timeout:   10 * time.Second,
			Burst:     1,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "text",
			TracingSampleRate: 1,
		},
		Server: ServerConfig{
			Port:              3001,
			MaxBodyBytes:      2048,
			HeartbeatInterval: 20 * time.Second,
			ClientBuffer:      64,
			MaxConnections:    10000,
			PostBurst:         5,
			Bus:               BusMemory,
			Redis: RedisConfig{
				Prefix:           "chatstream",
				OperationTimeout: 3 * time.Second,
			},
		},
	}
}
