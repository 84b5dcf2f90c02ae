package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flowforge/gateway/pkg/agent"
	"github.com/flowforge/gateway/pkg/apiserver"
	"github.com/flowforge/gateway/pkg/auth"
	"github.com/flowforge/gateway/pkg/config"
	"github.com/flowforge/gateway/pkg/controller"
	"github.com/flowforge/gateway/pkg/eventbus"
	"github.com/flowforge/gateway/pkg/gateway"
	"github.com/flowforge/gateway/pkg/logging"
	"github.com/flowforge/gateway/pkg/outbox"
	"github.com/flowforge/gateway/pkg/relay"
	"github.com/flowforge/gateway/pkg/store"
	"github.com/flowforge/gateway/pkg/store/memory"
	"github.com/flowforge/gateway/pkg/store/postgres"
	redisclient "github.com/flowforge/gateway/pkg/store/redis"
	"github.com/flowforge/gateway/pkg/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, outboxRepo := openStore(cfg, logger)
	defer st.Close()

	bus := eventbus.NewBus(eventbus.Config{SubscriberBufferSize: cfg.Stream.SubscriberBufferSize}, logger)
	defer bus.Close()

	var publisher eventbus.Publisher = bus
	if cfg.Bridge.Enabled {
		redis, err := redisclient.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redis.Close()

		instanceID := cfg.Server.InstanceID
		if instanceID == "" {
			instanceID = uuid.NewString()
		}
		bridge := eventbus.NewRedisBridge(bus, redis.Client(), cfg.Bridge.ChannelPrefix, instanceID, logger)
		publisher = bridge
		go func() {
			if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Redis bridge stopped", zap.Error(err))
			}
		}()
	}

	var generator upstream.Generator = upstream.EchoGenerator{}
	if cfg.Upstream.BaseURL != "" {
		generator = upstream.NewHTTPGenerator(cfg.Upstream)
		logger.Info("Using upstream generator", zap.String("base_url", cfg.Upstream.BaseURL))
	} else {
		logger.Warn("No upstream configured, replies echo the prompt")
	}

	ctrl := controller.NewWorkflowController(st, publisher, agent.NewGeneratorRunner(generator, publisher, logger), logger)
	if err := ctrl.Start(ctx); err != nil {
		logger.Fatal("Failed to start workflow controller", zap.Error(err))
	}

	rel := relay.New(st, publisher, generator, relay.Config{
		Timeout:         cfg.Upstream.Timeout,
		FallbackMessage: cfg.Upstream.FallbackMessage,
	}, logger)

	gw := gateway.New(bus, gateway.Config{
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		CloseGrace:        cfg.Stream.CloseGrace,
	}, logger)

	if len(cfg.Kafka.Brokers) > 0 && outboxRepo != nil {
		writer := outbox.NewKafkaWriter(cfg.Kafka, cfg.Kafka.AuditTopic)
		defer writer.Close()
		dlqWriter := outbox.NewKafkaWriter(cfg.Kafka, cfg.Kafka.DLQTopic)
		defer dlqWriter.Close()

		outboxRelay := outbox.NewRelay(outboxRepo, writer, dlqWriter, logger, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize)
		go func() {
			if err := outboxRelay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Outbox relay stopped", zap.Error(err))
			}
		}()
	}

	tokens := auth.NewUserTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	server := apiserver.NewServer(apiserver.Dependencies{
		Store:      st,
		Controller: ctrl,
		Relay:      rel,
		Gateway:    gw,
		Tokens:     tokens,
	}, logger)

	// No write timeout: stream responses stay open for as long as the viewer
	// does.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           server.Router(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	go func() {
		logger.Info("Starting API server", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("Starting metrics server", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownWait)
	defer shutdownCancel()

	// Streams first so Shutdown below is not held up by open connections.
	gw.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := rel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Relay exchanges stopped before completion", zap.Error(err))
	}
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Workflow loops did not stop in time", zap.Error(err))
	}
	_ = metricsServer.Shutdown(shutdownCtx)
}

func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, outbox.Repository) {
	switch cfg.Store.Driver {
	case "postgres":
		db, err := postgres.NewStore(&cfg.Database, cfg.Outbox.NotifyChannel)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		if cfg.Store.AutoMigrate {
			if err := db.AutoMigrate(); err != nil {
				logger.Fatal("Failed to migrate database", zap.Error(err))
			}
		}
		// The standalone outbox-relay binary serves postgres deployments.
		return db, nil
	case "memory", "":
		logger.Warn("Using in-memory store, state is lost on restart")
		mem := memory.NewStore()
		return mem, mem
	default:
		logger.Fatal("Unknown store driver", zap.String("driver", cfg.Store.Driver))
		return nil, nil
	}
}
