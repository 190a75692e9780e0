package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/streamchat/internal/backend/ollama"
	"github.com/tjfontaine/streamchat/internal/config"
	"github.com/tjfontaine/streamchat/internal/engine"
	"github.com/tjfontaine/streamchat/internal/events/direct"
	"github.com/tjfontaine/streamchat/internal/resilience"
	"github.com/tjfontaine/streamchat/internal/server"
	"github.com/tjfontaine/streamchat/internal/session"
	"github.com/tjfontaine/streamchat/internal/storage/sqlite"
	"github.com/tjfontaine/streamchat/internal/telemetry"
)

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Structured JSON logs, with recent records kept in a ring buffer
	// for the observability endpoint.
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Logging.Level),
	})
	logBuffer := resilience.NewLogBuffer(jsonHandler, cfg.Logging.BufferSize)
	logger := slog.New(logBuffer)
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	tracerShutdown, err := telemetry.Init("streamchat", cfg.Telemetry.Enabled, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	store, err := sqlite.New(cfg.Storage.Path, logger)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	exec := resilience.NewExecutor(
		resilience.RetryOptions{
			MaxRetries: cfg.Resilience.MaxRetries,
			BaseDelay:  cfg.Resilience.BaseDelay,
			MaxDelay:   cfg.Resilience.MaxDelay,
		},
		resilience.BreakerOptions{
			Threshold: cfg.Resilience.BreakerThreshold,
			Cooldown:  cfg.Resilience.BreakerCooldown,
		},
		resilience.WithLogger(logger),
	)

	publisher, err := direct.NewPublisher(store)
	if err != nil {
		log.Fatalf("Failed to create event publisher: %v", err)
	}
	defer publisher.Close()

	eng := engine.New(engine.Config{
		Registry: session.RegistryConfig{
			MaxSessions:     cfg.Sessions.MaxSessions,
			DefaultTimeout:  cfg.Sessions.DefaultTimeout,
			MirrorQueueSize: cfg.Sessions.MirrorQueueSize,
		},
		SweepInterval: cfg.Sessions.SweepInterval,
	}, store, exec, publisher, logger)
	eng.Start()

	source := ollama.NewClient(ollama.WithBaseURL(cfg.Backend.BaseURL))

	srv := server.New(cfg.Server.Port, logger, server.Options{
		ReadTimeout:    cfg.Server.ReadTimeout,
		RequestTimeout: cfg.Server.RequestTimeout,
	})
	handler := server.NewHandler(server.HandlerOptions{
		Engine:       eng,
		Store:        store,
		Source:       source,
		Logs:         logBuffer,
		DefaultModel: cfg.Backend.DefaultModel,
		Logger:       logger,
	})
	handler.Mount(srv.Router)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("streamchat started",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Path),
		slog.String("backend", cfg.Backend.BaseURL))

	// Wait for shutdown signal
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}

	// Terminates every still-active session with SERVER_SHUTDOWN and
	// flushes the durable mirror.
	drained := eng.Shutdown(shutdownCtx)
	logger.Info("streamchat shutdown complete", slog.Int("sessions_drained", drained))
}
