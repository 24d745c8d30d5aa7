package main

import (
	"context"
	"os"

	"github.com/navid-fn/coinmap/configs"
	"github.com/navid-fn/coinmap/internal/consumer"
	"github.com/navid-fn/coinmap/internal/interrupt"
	"github.com/navid-fn/coinmap/internal/logger"
	"github.com/navid-fn/coinmap/internal/storage"
)

func main() {
	cfg := configs.AppLoad()
	log := logger.New(cfg.Log.Level, cfg.Log.Format).WithField("command", "consumer")

	store, err := storage.NewClickHouseStorage(cfg.DBDSN)
	if err != nil {
		log.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	defer store.Close()

	kafkaConsumer, err := consumer.New(cfg.Kafka, store, log)
	if err != nil {
		log.WithError(err).Error("Failed to start consumer")
		os.Exit(1)
	}

	token, stop := interrupt.Watch(log)
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-token.Done()
		log.Info("Initiating graceful shutdown...")
		cancel()
	}()

	if err := kafkaConsumer.Start(ctx); err != nil {
		log.WithError(err).Error("Consumer error")
	}
	log.Info("Application stopped successfully")
}
