package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/skillbridge254/eventsync/internal/config"
	"github.com/skillbridge254/eventsync/internal/enricher"
	"github.com/skillbridge254/eventsync/internal/event"
	"github.com/skillbridge254/eventsync/internal/handler"
	"github.com/skillbridge254/eventsync/internal/producer"
	"github.com/skillbridge254/eventsync/internal/server"
	"github.com/skillbridge254/eventsync/internal/validation"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/ingestor.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	log.Info().Msg("Starting SkillBridge event ingestor...")

	grpcServer := server.NewGRPCServer()
	go func() {
		if err := grpcServer.ListenAndServe(cfg.Server.GRPCPort); err != nil {
			log.Fatal().Err(err).Msg("Failed to serve gRPC")
		}
	}()

	// Initialize dependencies
	kafkaProducer, err := producer.NewKafkaProducer(cfg.Kafka)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka producer")
	}
	defer kafkaProducer.Close()
	log.Info().Msg("Kafka producer initialized")

	validator, err := validation.NewValidator(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create validator")
	}
	defer validator.Close()
	log.Info().Msg("Validator initialized")

	eventEnricher := enricher.NewEnricher(cfg.GeoIP.DatabasePath)
	defer eventEnricher.Close()
	log.Info().Msg("Enricher initialized")

	httpHandler := handler.NewHTTPHandler(kafkaProducer, validator, eventEnricher)
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(handler.CORSMiddleware)

	r.Get("/health", handler.HealthCheck)
	r.Post(event.BatchPath, httpHandler.HandleBatch)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: r,
	}

	go func() {
		log.Info().Int("port", cfg.Server.HTTPPort).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to serve HTTP")
		}
	}()

	grpcServer.SetServing(true)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down servers...")
	grpcServer.SetServing(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
	grpcServer.Stop()
	log.Info().Msg("Servers stopped")
}
