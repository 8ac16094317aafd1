package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Lybley/lifeos-sub001/internal/adapter/auth"
	"github.com/Lybley/lifeos-sub001/internal/adapter/httpserver"
	"github.com/Lybley/lifeos-sub001/internal/adapter/kafka"
	"github.com/Lybley/lifeos-sub001/internal/adapter/metrics"
	"github.com/Lybley/lifeos-sub001/internal/adapter/redis"
	"github.com/Lybley/lifeos-sub001/internal/adapter/sse"
	"github.com/Lybley/lifeos-sub001/internal/adapter/websocket"
	"github.com/Lybley/lifeos-sub001/internal/app"
	"github.com/Lybley/lifeos-sub001/internal/broker"
	"github.com/Lybley/lifeos-sub001/internal/dispatch"
	"github.com/Lybley/lifeos-sub001/internal/platform/config"
	"github.com/Lybley/lifeos-sub001/internal/platform/logging"
	"github.com/Lybley/lifeos-sub001/internal/platform/version"
	"github.com/Lybley/lifeos-sub001/internal/ratelimit"
	"github.com/Lybley/lifeos-sub001/internal/registry"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const (
	instanceHeartbeat = 15 * time.Second
	shutdownTimeout   = 10 * time.Second
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, cfg *config.Config, m *metrics.RedisMetrics) *goredis.Client {
	client, err := redis.NewClient(ctx, cfg.RedisURL, redis.NewMetricsHook(m), redis.NewCircuitBreakerHook(m))
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func runGracefulShutdown(srv *httpserver.Server, cancel context.CancelFunc, reg *registry.Registry, workers *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		// Closing the registry first sends every client a going-away frame
		// and unblocks the hijacked WebSocket handlers.
		reg.Stop()

		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		cancel()
		workers.Wait()
		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()
	logging.Init(cfg.LogLevel, cfg.LogFormat, cfg.InstanceID)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "build", version.Get().String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promRegistry := metrics.NewRegistry(cfg.InstanceID, version.Version)
	redisMetrics := metrics.NewRedisMetrics(promRegistry)
	busMetrics := metrics.NewBusMetrics(promRegistry)
	connMetrics := metrics.NewConnectionMetrics(promRegistry)
	deliveryMetrics := metrics.NewDeliveryMetrics(promRegistry)
	httpMetrics := metrics.NewHTTPMetrics(promRegistry)

	redisClient := setupRedis(ctx, cfg, redisMetrics)
	defer func() { _ = redisClient.Close() }()

	bus := redis.NewBus(redisClient, busMetrics)
	channelBroker := broker.New(bus, busMetrics)

	limiter, err := ratelimit.New(cfg.MaxEventsPerSecond, cfg.BurstSize, cfg.RefillInterval, clock)
	if err != nil {
		slog.Error("Invalid rate limit settings", "error", err)
		os.Exit(1)
	}
	connRegistry := registry.New(channelBroker, limiter, clock, connMetrics, deliveryMetrics)
	channelBroker.OnMessage(connRegistry.HandleMessage)
	if err := channelBroker.Start(ctx); err != nil {
		slog.Error("Failed to subscribe broadcast channel", "error", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(bus, clock, cfg.InstanceID, busMetrics)
	instances := redis.NewInstanceRegistry(redisClient, clock, cfg.InstanceID, version.Version, instanceHeartbeat)

	var workers sync.WaitGroup
	spawn := func(fn func()) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			fn()
		}()
	}
	spawn(func() { bus.Run(ctx, channelBroker.Deliver, channelBroker.Reconcile) })
	spawn(func() {
		app.NewSweeper(connRegistry, clock, cfg.RefillInterval, cfg.SweepInterval, cfg.StaleAfter).Run(ctx)
	})
	spawn(func() { instances.Run(ctx) })
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		consumer := kafka.NewConsumer(brokers, cfg.KafkaTopic, cfg.KafkaGroupID, dispatcher, clock)
		spawn(func() {
			if err := consumer.Run(ctx); err != nil {
				slog.Error("Kafka consumer stopped", "error", err)
			}
		})
		slog.Info("Kafka ingestion enabled", "topic", cfg.KafkaTopic, "group", cfg.KafkaGroupID)
	}

	authenticator, err := auth.NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, clock)
	if err != nil {
		slog.Error("Failed to create authenticator", "error", err)
		os.Exit(1)
	}

	srv := httpserver.NewServer(httpserver.Deps{
		WebSocket:  websocket.NewHandler(connRegistry, authenticator, websocket.NewCheckOrigin(cfg.AppURL, cfg.IsDevelopment()), clock, cfg.HeartbeatInterval),
		SSE:        sse.NewHandler(connRegistry, authenticator, clock, cfg.HeartbeatInterval),
		Stats:      connRegistry,
		Instances:  instances,
		Dispatcher: dispatcher,
		Limits: httpserver.NewConnectionLimits(
			cfg.MaxConnections, cfg.MaxConnectionsPerIP, cfg.ConnectRatePerSecond, cfg.ConnectBurst, clock,
		),
		Metrics:        promRegistry,
		HTTPMetrics:    httpMetrics,
		ConnectMetrics: connMetrics,
		HealthChecks: []httpserver.HealthCheck{
			{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
			{Name: "registry", Check: func(context.Context) error {
				_, err := connRegistry.Stats()
				return err
			}},
		},
		Clock: clock,
	}, httpserver.Options{
		Port:           cfg.Port,
		InternalAPIKey: cfg.InternalAPIKey,
	})

	done := runGracefulShutdown(srv, cancel, connRegistry, &workers)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
