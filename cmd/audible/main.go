package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/audible-ai/audible/internal/backend"
	"github.com/audible-ai/audible/internal/backend/cloud"
	"github.com/audible-ai/audible/internal/backend/local"
	"github.com/audible-ai/audible/internal/backend/offline"
	"github.com/audible-ai/audible/internal/breaker"
	"github.com/audible-ai/audible/internal/domain"
	"github.com/audible-ai/audible/internal/health"
	"github.com/audible-ai/audible/internal/orchestrator"
	"github.com/audible-ai/audible/internal/pkg/config"
	"github.com/audible-ai/audible/internal/server"
	"github.com/audible-ai/audible/internal/storage/sqlite"
	"github.com/audible-ai/audible/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("audible", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	configPath := os.Getenv("AUDIBLE_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	transports := buildTransports(cfg, logger)

	var history *sqlite.Store
	if cfg.Storage.Type == "sqlite" {
		history, err = sqlite.New(cfg.Storage.Path)
		if err != nil {
			log.Fatalf("Failed to open dispatch history: %v", err)
		}
		defer history.Close()
	}

	orchCfg := orchestrator.Config{
		Transports: transports,
		Breaker: breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			BaseCooldown:     cfg.Breaker.BaseCooldown(),
			MaxCooldown:      cfg.Breaker.MaxCooldown(),
		},
		Health: health.Config{
			ProbeInterval: cfg.Health.ProbeInterval(),
			ProbeTimeout:  cfg.Health.ProbeTimeout(),
			RecoveryStep:  cfg.Health.RecoveryStep,
			PenaltyStep:   cfg.Health.PenaltyStep,
		},
		AttemptTimeout: cfg.Query.AttemptTimeout(),
		CacheSize:      cfg.Cache.Size,
		Logger:         logger,
	}
	if history != nil {
		orchCfg.History = history
	}

	orch, err := orchestrator.New(orchCfg)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.Start(ctx)

	var historyReader server.HistoryReader
	if history != nil {
		historyReader = history
	}
	srv := server.New(cfg.Server.Port, orch, historyReader, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("orchestrator started",
		slog.Int("port", cfg.Server.Port),
		slog.Int("backends", len(transports)))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	if err := orch.Close(); err != nil {
		logger.Error("orchestrator shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("shutdown complete")
}

// buildTransports constructs a transport per configured backend. With no
// backends configured, a default local/cloud/offline trio is used.
func buildTransports(cfg *config.Config, logger *slog.Logger) []backend.Transport {
	entries := cfg.Backends
	if len(entries) == 0 {
		entries = defaultBackends()
		logger.Info("no backends configured, using defaults")
	}

	transports := make([]backend.Transport, 0, len(entries))
	for _, b := range entries {
		identity := b.Identity()
		switch identity.Capability {
		case domain.ConnectionStreaming:
			transports = append(transports,
				local.New(identity, b.BaseURL, b.StreamURL, local.WithLogger(logger)))
		case domain.ConnectionRequestResponse:
			transports = append(transports,
				cloud.New(identity, b.BaseURL, b.APIKey))
		case domain.ConnectionNone:
			transports = append(transports, offline.New(identity))
		}
	}
	return transports
}

func defaultBackends() []config.BackendConfig {
	return []config.BackendConfig{
		{
			Name:      string(domain.BackendLocal),
			Transport: string(domain.ConnectionStreaming),
			Priority:  0,
			BaseURL:   "http://localhost:8765",
			StreamURL: "ws://localhost:8765/stream",
		},
		{
			Name:      string(domain.BackendCloud),
			Transport: string(domain.ConnectionRequestResponse),
			Priority:  1,
			BaseURL:   "https://api.audible-ai.example/v1",
			APIKey:    os.Getenv("AUDIBLE_CLOUD_API_KEY"),
		},
		{
			Name:      string(domain.BackendOffline),
			Transport: string(domain.ConnectionNone),
			Priority:  2,
		},
	}
}
