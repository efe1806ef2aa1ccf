package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nimburion/chatstream/pkg/config"
	"github.com/nimburion/chatstream/pkg/health"
	"github.com/nimburion/chatstream/pkg/observability/logger"
	"github.com/nimburion/chatstream/pkg/observability/metrics"
	"github.com/nimburion/chatstream/pkg/observability/tracing"
	"github.com/nimburion/chatstream/pkg/realtime/sse"
	"github.com/nimburion/chatstream/pkg/roomserver"
	"github.com/nimburion/chatstream/pkg/version"
)

func newServeCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reference room server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runServe(ctx, cfg, log)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	backend, err := serverBackend(ctx, cfg.Server, log)
	if err != nil {
		return err
	}
	defer backend.close()
	defer startTracing(ctx, cfg, log)()

	if cfg.Observability.MetricsAddr != "" {
		stopMetrics := startMetricsServer(cfg.Observability.MetricsAddr, log)
		defer stopMetrics()
	}

	srv := roomserver.New(roomserver.Config{
		Port:              cfg.Server.Port,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		ClientBuffer:      cfg.Server.ClientBuffer,
		MaxConnections:    cfg.Server.MaxConnections,
		PostRatePerSecond: cfg.Server.PostRatePerSecond,
		PostBurst:         cfg.Server.PostBurst,
	}, backend.bus, backend.counter, log)
	for _, check := range backend.checks {
		srv.RegisterHealthCheck(check)
	}
	return srv.Start(ctx)
}

type backend struct {
	bus     sse.Bus
	counter roomserver.Counter
	checks  []health.Checker
	close   func()
}

// serverBackend builds the fan-out bus and presence counter for the configured bus type.
func serverBackend(ctx context.Context, cfg config.ServerConfig, log logger.Logger) (*backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Bus)) {
	case config.BusRedis:
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		bus, err := sse.NewRedisBus(client, sse.RedisBusConfig{
			Prefix:           cfg.Redis.Prefix + ":bus",
			OperationTimeout: cfg.Redis.OperationTimeout,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := bus.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		log.Info("using redis bus", "addr", opts.Addr)
		return &backend{
			bus:     bus,
			counter: roomserver.NewRedisCounter(client, cfg.Redis.Prefix, cfg.Redis.OperationTimeout),
			checks:  []health.Checker{health.NewAdapterChecker("redis", health.CheckableFunc(bus.Ping), 3*time.Second)},
			close: func() {
				_ = bus.Close()
				_ = client.Close()
			},
		}, nil
	default:
		bus := sse.NewInMemoryBus()
		return &backend{
			bus:     bus,
			counter: roomserver.NewMemoryCounter(),
			close:   func() { _ = bus.Close() },
		}, nil
	}
}

// startMetricsServer serves /metrics on addr until the returned func is called.
func startMetricsServer(addr string, log logger.Logger) func() {
	registry := metrics.NewRegistry()
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Info("starting metrics server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// startTracing installs the OTLP tracer provider when an endpoint is
// configured. The returned func flushes pending spans.
func startTracing(ctx context.Context, cfg *config.Config, log logger.Logger) func() {
	endpoint := cfg.Observability.TracingEndpoint
	if endpoint == "" {
		return func() {}
	}
	tp, err := tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: version.Current(cfg.Service.Name).Version,
		Endpoint:       endpoint,
		SampleRate:     cfg.Observability.TracingSampleRate,
		Enabled:        true,
	})
	if err != nil {
		log.Warn("tracing disabled", "error", err)
		return func() {}
	}
	log.Debug("tracing enabled", "endpoint", endpoint)
	return func() {
		if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}
}
