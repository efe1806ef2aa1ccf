package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"

	"github.com/nimburion/chatstream/pkg/identity"
	"github.com/nimburion/chatstream/pkg/observability/logger"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (defaults to CHATSTREAM)
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// Load loads configuration with precedence: ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()
	if err := l.read(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (l *ViperLoader) read(v *viper.Viper) error {
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	v.SetEnvPrefix(l.prefix())
	l.bindEnvVars(v)
	return nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))

	// Endpoints
	v.BindEnv("endpoints.base_url", l.prefixedEnv("BASE_URL"), l.prefixedEnv("ENDPOINTS_BASE_URL"))
	v.BindEnv("endpoints.rooms_path", l.prefixedEnv("ENDPOINTS_ROOMS_PATH"))
	v.BindEnv("endpoints.messages_path", l.prefixedEnv("ENDPOINTS_MESSAGES_PATH"))

	// Stream
	v.BindEnv("stream.buffer_capacity", l.prefixedEnv("STREAM_BUFFER_CAPACITY"))
	v.BindEnv("stream.event_queue", l.prefixedEnv("STREAM_EVENT_QUEUE"))
	v.BindEnv("stream.with_credentials", l.prefixedEnv("STREAM_WITH_CREDENTIALS"))

	// Outbound
	v.BindEnv("outbound.min_length", l.prefixedEnv("OUTBOUND_MIN_LENGTH"))
	v.BindEnv("outbound.max_length", l.prefixedEnv("OUTBOUND_MAX_LENGTH"))
	v.BindEnv("outbound.timeout", l.prefixedEnv("OUTBOUND_TIMEOUT"))
	v.BindEnv("outbound.rate_per_second", l.prefixedEnv("OUTBOUND_RATE_PER_SECOND"))
	v.BindEnv("outbound.burst", l.prefixedEnv("OUTBOUND_BURST"))

	// Identity
	v.BindEnv("identity.name", l.prefixedEnv("IDENTITY_NAME"))
	v.BindEnv("identity.room", l.prefixedEnv("IDENTITY_ROOM"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("observability.metrics_addr", l.prefixedEnv("METRICS_ADDR"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))

	// Server
	v.BindEnv("server.port", l.prefixedEnv("SERVER_PORT"), l.prefixedEnv("PORT"))
	v.BindEnv("server.max_body_bytes", l.prefixedEnv("SERVER_MAX_BODY_BYTES"))
	v.BindEnv("server.heartbeat_interval", l.prefixedEnv("SERVER_HEARTBEAT_INTERVAL"))
	v.BindEnv("server.client_buffer", l.prefixedEnv("SERVER_CLIENT_BUFFER"))
	v.BindEnv("server.max_connections", l.prefixedEnv("SERVER_MAX_CONNECTIONS"))
	v.BindEnv("server.post_rate_per_second", l.prefixedEnv("SERVER_POST_RATE_PER_SECOND"))
	v.BindEnv("server.post_burst", l.prefixedEnv("SERVER_POST_BURST"))
	v.BindEnv("server.bus", l.prefixedEnv("SERVER_BUS"))
	v.BindEnv("server.redis.url", l.prefixedEnv("REDIS_URL"))
	v.BindEnv("server.redis.prefix", l.prefixedEnv("REDIS_PREFIX"))
	v.BindEnv("server.redis.operation_timeout", l.prefixedEnv("REDIS_OPERATION_TIMEOUT"))
}

func (l *ViperLoader) prefix() string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return strings.ToUpper(prefix)
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	return fmt.Sprintf("%s_%s", l.prefix(), suffix)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)

	v.SetDefault("endpoints.base_url", cfg.Endpoints.BaseURL)
	v.SetDefault("endpoints.rooms_path", cfg.Endpoints.RoomsPath)
	v.SetDefault("endpoints.messages_path", cfg.Endpoints.MessagesPath)

	v.SetDefault("stream.buffer_capacity", cfg.Stream.BufferCapacity)
	v.SetDefault("stream.event_queue", cfg.Stream.EventQueue)
	v.SetDefault("stream.with_credentials", cfg.Stream.WithCredentials)

	v.SetDefault("outbound.min_length", cfg.Outbound.MinLength)
	v.SetDefault("outbound.max_length", cfg.Outbound.MaxLength)
	v.SetDefault("outbound.timeout", cfg.Outbound.Timeout)
	v.SetDefault("outbound.rate_per_second", cfg.Outbound.RatePerSecond)
	v.SetDefault("outbound.burst", cfg.Outbound.Burst)

	v.SetDefault("identity.name", cfg.Identity.Name)
	v.SetDefault("identity.room", cfg.Identity.Room)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.metrics_addr", cfg.Observability.MetricsAddr)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)

	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.max_body_bytes", cfg.Server.MaxBodyBytes)
	v.SetDefault("server.heartbeat_interval", cfg.Server.HeartbeatInterval)
	v.SetDefault("server.client_buffer", cfg.Server.ClientBuffer)
	v.SetDefault("server.max_connections", cfg.Server.MaxConnections)
	v.SetDefault("server.post_rate_per_second", cfg.Server.PostRatePerSecond)
	v.SetDefault("server.post_burst", cfg.Server.PostBurst)
	v.SetDefault("server.bus", cfg.Server.Bus)
	v.SetDefault("server.redis.url", cfg.Server.Redis.URL)
	v.SetDefault("server.redis.prefix", cfg.Server.Redis.Prefix)
	v.SetDefault("server.redis.operation_timeout", cfg.Server.Redis.OperationTimeout)
}

// Validate validates the configuration and returns every problem found.
// Identity name and room are normalized in place.
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	if strings.TrimSpace(cfg.Service.Name) == "" {
		errs = append(errs, errors.New("service.name is required"))
	}

	if u, err := url.Parse(cfg.Endpoints.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("endpoints.base_url must be an absolute URL, got %q", cfg.Endpoints.BaseURL))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("endpoints.base_url scheme must be http or https, got %q", u.Scheme))
	}
	for key, path := range map[string]string{
		"endpoints.rooms_path":    cfg.Endpoints.RoomsPath,
		"endpoints.messages_path": cfg.Endpoints.MessagesPath,
	} {
		if !strings.HasPrefix(path, "/") {
			errs = append(errs, fmt.Errorf("%s must start with /, got %q", key, path))
		}
	}

	if cfg.Stream.BufferCapacity <= 0 {
		errs = append(errs, fmt.Errorf("stream.buffer_capacity must be positive, got %d", cfg.Stream.BufferCapacity))
	}
	if cfg.Stream.EventQueue <= 0 {
		errs = append(errs, fmt.Errorf("stream.event_queue must be positive, got %d", cfg.Stream.EventQueue))
	}

	if cfg.Outbound.MinLength < 1 {
		errs = append(errs, fmt.Errorf("outbound.min_length must be at least 1, got %d", cfg.Outbound.MinLength))
	}
	if cfg.Outbound.MaxLength < cfg.Outbound.MinLength {
		errs = append(errs, fmt.Errorf("outbound.max_length (%d) must not be below outbound.min_length (%d)", cfg.Outbound.MaxLength, cfg.Outbound.MinLength))
	}
	if cfg.Outbound.Timeout < 0 {
		errs = append(errs, errors.New("outbound.timeout must not be negative"))
	}
	if cfg.Outbound.RatePerSecond < 0 {
		errs = append(errs, errors.New("outbound.rate_per_second must not be negative"))
	}

	cfg.Identity.Name = identity.NormalizeName(cfg.Identity.Name)
	cfg.Identity.Room = identity.NormalizeRoom(cfg.Identity.Room)

	if _, err := logger.ParseLogLevel(cfg.Observability.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("observability.log_level: %w", err))
	}
	if _, err := logger.ParseLogFormat(cfg.Observability.LogFormat); err != nil {
		errs = append(errs, fmt.Errorf("observability.log_format: %w", err))
	}
	if r := cfg.Observability.TracingSampleRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing_sample_rate must be between 0 and 1, got %v", r))
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port))
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_body_bytes must be positive, got %d", cfg.Server.MaxBodyBytes))
	}
	if cfg.Server.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("server.heartbeat_interval must be positive"))
	}
	if cfg.Server.PostRatePerSecond < 0 {
		errs = append(errs, errors.New("server.post_rate_per_second must not be negative"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Server.Bus)) {
	case BusMemory:
	case BusRedis:
		if strings.TrimSpace(cfg.Server.Redis.URL) == "" {
			errs = append(errs, errors.New("server.redis.url is required when server.bus is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid server.bus: %s (must be one of: %v)", cfg.Server.Bus, []string{BusMemory, BusRedis}))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
