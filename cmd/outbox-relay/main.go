package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/flowforge/gateway/pkg/config"
	"github.com/flowforge/gateway/pkg/logging"
	"github.com/flowforge/gateway/pkg/outbox"
	"github.com/flowforge/gateway/pkg/store/postgres"
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

	db, err := postgres.NewStore(&cfg.Database, cfg.Outbox.NotifyChannel)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	writer := outbox.NewKafkaWriter(cfg.Kafka, cfg.Kafka.AuditTopic)
	defer writer.Close()

	dlqWriter := outbox.NewKafkaWriter(cfg.Kafka, cfg.Kafka.DLQTopic)
	defer dlqWriter.Close()

	repo := postgres.NewOutboxRepository(db.DB())
	relay := outbox.NewRelay(repo, writer, dlqWriter, logger, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize)

	// Without notifications the relay still works on its poll interval.
	notifier, err := outbox.NewPGNotifier(cfg.Database.DSN(), cfg.Outbox.NotifyChannel, logger)
	if err != nil {
		logger.Warn("postgres notifications unavailable, polling only", zap.Error(err))
	} else {
		defer notifier.Close()
		relay.WithWakeups(notifier.Wakeups())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal("outbox relay stopped with error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("outbox relay shutting down")
}
