package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/skillbridge254/eventsync/internal/config"
	"github.com/skillbridge254/eventsync/internal/consumer"
	"github.com/skillbridge254/eventsync/internal/processor"
	"github.com/skillbridge254/eventsync/internal/session"
	"github.com/skillbridge254/eventsync/internal/storage"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/processor.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load config")
	}

	log.Info().
		Strs("kafka_brokers", cfg.Kafka.Brokers).
		Str("clickhouse_addr", cfg.ClickHouse.Addr).
		Str("redis_addr", cfg.Redis.Addr).
		Int("batch_size", cfg.Batch.Size).
		Dur("flush_interval", cfg.Batch.FlushInterval).
		Msg("Configuration loaded")

	// Initialize ClickHouse
	ch, err := storage.NewClickHouse(cfg.ClickHouse)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to ClickHouse")
	}
	defer ch.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := ch.Migrate(migrateCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate ClickHouse schema")
	}
	migrateCancel()
	log.Info().Msg("Connected to ClickHouse")

	// Initialize session aggregator
	var sessions processor.SessionTracker
	var sessionAgg *session.Aggregator
	if cfg.Redis.Addr != "" {
		sessionAgg = session.NewAggregator(ch, cfg.Redis)
		defer sessionAgg.Close()
		sessions = sessionAgg
		log.Info().Msg("Session aggregator initialized")
	}

	eventProcessor := processor.NewEventProcessor(ch, sessions, cfg.Batch)

	kafkaConsumer, err := consumer.NewKafkaConsumer(cfg.Kafka, eventProcessor)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer")
	}

	// Start consuming
	ctx, cancel := context.WithCancel(context.Background())
	go kafkaConsumer.Start(ctx)

	log.Info().Msg("Event processor started")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	cancel()
	kafkaConsumer.Close()
	eventProcessor.Stop()

	// Flush remaining sessions
	if sessionAgg != nil {
		if err := sessionAgg.FlushAllSessions(context.Background()); err != nil {
			log.Error().Err(err).Msg("Failed to flush sessions")
		}
	}

	log.Info().Msg("Shutdown complete")
}
