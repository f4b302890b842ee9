package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/triage-ai/phishguard/internal/api"
	"github.com/triage-ai/phishguard/internal/auth"
	"github.com/triage-ai/phishguard/internal/config"
	"github.com/triage-ai/phishguard/internal/engine"
	"github.com/triage-ai/phishguard/internal/engine/detectors"
	"github.com/triage-ai/phishguard/internal/metrics"
	"github.com/triage-ai/phishguard/internal/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv(config.EnvPrefix + "CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "phishguard: %v\n", err)
		os.Exit(1)
	}

	logger := mustBuildLogger(cfg.Log.Level)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting phishguard server",
		zap.String("addr", cfg.Server.Addr),
		zap.String("inference_endpoint", cfg.Inference.Endpoint),
		zap.Bool("remote_tier", cfg.RemoteEnabled()),
		zap.Bool("auth", cfg.AuthEnabled()),
		zap.Float64("escalation_threshold", cfg.Email.EscalationThreshold),
	)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Local tier: one gRPC connection to the inference sidecar shared by all three detectors
	inference, err := detectors.NewInferenceClient(cfg.Inference.Endpoint, logger)
	if err != nil {
		logger.Fatal("failed to create inference client", zap.Error(err))
	}
	defer func() { _ = inference.Close() }()

	thr := cfg.Inference.ReasonThreshold
	emailDets := engine.EmailDetectors{
		LocalText: detectors.NewTextDetector(inference, cfg.Inference.TextModel, thr),
		LocalURL:  detectors.NewURLDetector(inference, cfg.Inference.URLModel, thr),
	}
	audioDet := detectors.NewAudioDetector(inference, cfg.Inference.AudioModel, thr)

	// Remote tier: LLM judges, only when an endpoint is configured
	if cfg.RemoteEnabled() {
		llm, err := detectors.NewLLMClient(cfg.LLMClient(), logger)
		if err != nil {
			logger.Fatal("failed to create llm client", zap.Error(err))
		}
		rthr := cfg.LLM.ReasonThreshold
		emailDets.RemoteText = detectors.NewRemoteTextDetector(llm, rthr)
		emailDets.RemoteURL = detectors.NewRemoteURLDetector(llm, rthr)
		emailDets.RemoteMetadata = detectors.NewRemoteMetadataDetector(llm, rthr)
		logger.Info("remote tier enabled", zap.String("model", cfg.LLM.Model))
	} else {
		logger.Info("no llm.base_url set, emails will not be escalated")
	}

	emailPipeline, err := engine.NewEmailPipeline(emailDets, cfg.EmailPipeline(), logger, m)
	if err != nil {
		logger.Fatal("failed to build email pipeline", zap.Error(err))
	}
	callPipeline, err := engine.NewCallPipeline(audioDet, cfg.CallPipeline(), logger, m)
	if err != nil {
		logger.Fatal("failed to build call pipeline", zap.Error(err))
	}

	// Storage: ClickHouse, or LogWriter fallback
	var writer storage.EventWriter
	if dsn := cfg.Storage.ClickHouseDSN; dsn != "" {
		chWriter, err := storage.NewClickHouseWriter(dsn, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no storage.clickhouse_dsn set, using log writer")
	}
	defer writer.Close()

	// Auth: Postgres-backed keys take precedence over the static list
	var authenticator auth.Authenticator
	switch {
	case cfg.Auth.PostgresDSN != "":
		db, err := sql.Open("pgx", cfg.Auth.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.Auth.CacheTTL,
			Logger:   logger,
		})
		logger.Info("postgres api-key auth enabled")
	case len(cfg.Auth.APIKeys) > 0:
		authenticator = auth.NewStaticAuthenticator(cfg.Auth.APIKeys)
		logger.Info("static api-key auth enabled", zap.Int("keys", len(cfg.Auth.APIKeys)))
	default:
		logger.Warn("no auth configured, analyze endpoints are open")
	}

	deps := &api.Dependencies{
		Email:          emailPipeline,
		Call:           callPipeline,
		Writer:         writer,
		Auth:           authenticator,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:         logger,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("phishguard server stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
