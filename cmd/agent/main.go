package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/skillbridge254/eventsync/internal/agent"
	"github.com/skillbridge254/eventsync/internal/config"
	"github.com/skillbridge254/eventsync/internal/queue"
	"github.com/skillbridge254/eventsync/internal/retry"
	"github.com/skillbridge254/eventsync/internal/syncer"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/agent.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if cfg.Sync.Endpoint == "" {
		log.Fatal().Msg("sync.endpoint is required")
	}

	log.Info().Msg("Starting SkillBridge event sync agent...")

	store, err := queue.NewSQLiteStore(cfg.Queue)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open event queue")
	}
	defer store.Close()
	log.Info().Str("path", cfg.Queue.Path).Int("max_size", cfg.Queue.MaxSize).Msg("Event queue opened")

	transport := syncer.NewHTTPTransport(cfg.Sync, &http.Client{})
	policy := retry.NewPolicy(cfg.Retry)
	coordinator := syncer.NewCoordinator(store, transport, policy, cfg.Sync)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go coordinator.Run(ctx, cfg.Sync.Interval)
	go agent.Cleanup(ctx, store, cfg.Agent.CleanupInterval, cfg.Agent.SyncedRetention)

	if cfg.Agent.StartOnline {
		coordinator.SetOnline(true)
	}

	h := agent.NewHandler(store, coordinator)
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Mount("/", h.Routes())

	httpServer := &http.Server{
		Addr:    cfg.Agent.HTTPAddr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", cfg.Agent.HTTPAddr).Msg("Starting agent HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to serve HTTP")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down agent...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	cancel()
	log.Info().Msg("Agent stopped")
}
