// Conveyor - real-time warehouse event processing.
// Copyright (c) 2025 warehouse-ops
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/warehouse-ops/conveyor/internal/alert"
	"github.com/warehouse-ops/conveyor/internal/api"
	"github.com/warehouse-ops/conveyor/internal/cache"
	"github.com/warehouse-ops/conveyor/internal/consumer"
	"github.com/warehouse-ops/conveyor/internal/detector"
	"github.com/warehouse-ops/conveyor/internal/domain"
	"github.com/warehouse-ops/conveyor/internal/enricher"
	"github.com/warehouse-ops/conveyor/internal/metrics"
	"github.com/warehouse-ops/conveyor/internal/pipeline"
	"github.com/warehouse-ops/conveyor/internal/processor"
	"github.com/warehouse-ops/conveyor/internal/sink"
	"github.com/warehouse-ops/conveyor/internal/stats"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := loadConfig()

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting conveyor",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"broker", cfg.Broker.Type,
		"cache", cfg.Cache.Type,
		"sinks", cfg.Sinks.Driver,
		"alerts", cfg.Alerts.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	met := metrics.New()

	// Initialize Cache
	baseCache, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	cacheImpl := cache.NewInstrumented(baseCache, func(operation, status string) {
		met.CacheOperations.WithLabelValues(operation, status).Inc()
	})
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Rolling statistics shared by the enricher and the detector
	statsStore := stats.New(32, cfg.Detector.RingSize)

	// Event processing stages
	cal := processor.NewCalendar(cfg.Calendar)
	proc := processor.New()
	enr := enricher.New(cacheImpl, enricher.StaticReference{}, cal, statsStore, cfg.Cache, cfg.Detector)

	det, err := detector.New(cfg.Detector, statsStore, logger)
	if err != nil {
		slog.Error("failed to initialize detector", "error", err)
		os.Exit(1)
	}
	slog.Info("detector initialized", "rules", len(cfg.Detector.Rules))

	// Initialize sinks
	store, err := sink.OpenStore(cfg.Sinks)
	if err != nil {
		slog.Error("failed to open sink store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	dead, err := sink.NewDeadLetter(cfg.Sinks.DeadLetterPath)
	if err != nil {
		slog.Error("failed to open dead letter", "error", err)
		os.Exit(1)
	}

	sinks := []domain.Sink{
		sink.NewTimeseriesSink(store),
		sink.NewColumnarSink(store),
		sink.NewDocumentSink(store),
	}
	mgr := sink.NewManager(cfg.Sinks, sinks, dead, logger)
	mgr.SetWriteHook(func(name, status string) {
		met.SinkWrites.WithLabelValues(name, status).Inc()
	})
	defer mgr.Close()
	slog.Info("sinks initialized", "driver", cfg.Sinks.Driver, "count", len(sinks))

	// Initialize Alerter
	baseAlerter, err := alert.New(cfg.Alerts)
	if err != nil {
		slog.Error("failed to initialize alerter", "error", err)
		os.Exit(1)
	}
	alerter := alert.NewFiltered(baseAlerter, cfg.Alerts.MinSeverity)
	defer alerter.Close()
	slog.Info("alerter initialized", "type", cfg.Alerts.Type, "min_severity", cfg.Alerts.MinSeverity)

	// Initialize Pipeline
	pipe := pipeline.New(pipeline.Options{
		Processor: proc,
		Enricher:  enr,
		Detector:  det,
		Sinks:     mgr,
		Dead:      dead,
		Alerts:    alerter,
		Metrics:   met,
		Config:    cfg.Pipeline,
		Windows:   cfg.Windows,
		Logger:    logger,
	})

	// Initialize Message Source
	source, err := consumer.New(cfg.Broker, logger)
	if err != nil {
		slog.Error("failed to initialize message source", "error", err)
		os.Exit(1)
	}
	slog.Info("message source initialized", "type", cfg.Broker.Type, "topics", cfg.Broker.Topics)

	// Run the pipeline
	pipeDone := make(chan error, 1)
	go func() {
		pipeDone <- pipe.Run(ctx, source)
	}()

	// Initialize Server
	srv := api.NewServer(cfg.Server, cacheImpl, mgr, alerter, source, pipe, statsStore, met, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("conveyor is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Drain the pipeline first so in-flight windows flush before sinks close
	select {
	case err := <-pipeDone:
		if err != nil {
			slog.Error("pipeline stopped with error", "error", err)
		}
	case <-time.After(cfg.Pipeline.ShutdownGrace):
		slog.Warn("pipeline drain exceeded grace period", "grace", cfg.Pipeline.ShutdownGrace)
	}

	if err := source.Close(); err != nil {
		slog.Error("failed to close message source", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("conveyor shutdown complete")
}

// loadConfig builds the configuration from the profile plus environment
// overrides. CONVEYOR_PROFILE=kafka selects the production profile.
func loadConfig() *domain.Config {
	cfg := domain.DefaultConfig()
	if os.Getenv("CONVEYOR_PROFILE") == "kafka" {
		cfg = domain.KafkaConfig()
	}

	if v := os.Getenv("CONVEYOR_BROKERS"); v != "" {
		cfg.Broker.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("CONVEYOR_TOPICS"); v != "" {
		cfg.Broker.Topics = strings.Split(v, ",")
	}
	if v := os.Getenv("CONVEYOR_GROUP"); v != "" {
		cfg.Broker.ConsumerGroup = v
	}
	if v := os.Getenv("CONVEYOR_REDIS_ADDR"); v != "" {
		cfg.Cache.Type = "redis"
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("CONVEYOR_POSTGRES_DSN"); v != "" {
		cfg.Sinks.Driver = "postgres"
		cfg.Sinks.PostgresDSN = v
	}
	if v := os.Getenv("CONVEYOR_SQLITE_PATH"); v != "" {
		cfg.Sinks.SQLitePath = v
	}
	if v := os.Getenv("CONVEYOR_NATS_URL"); v != "" {
		cfg.Alerts.Type = "nats"
		cfg.Alerts.NATSUrl = v
	}
	if v := os.Getenv("CONVEYOR_RULES_PATH"); v != "" {
		cfg.Detector.RulesPath = v
	}
	if v := os.Getenv("CONVEYOR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if os.Getenv("CONVEYOR_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	return cfg
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ==============================================")
	fmt.Println("                 CONVEYOR")
	fmt.Println("     Warehouse Event Processing Pipeline")
	fmt.Println("  ==============================================")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Broker:   %s\n", cfg.Broker.Type)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET /health   - Component health")
	fmt.Println("    GET /ready    - Readiness and commit lag")
	fmt.Println("    GET /stats    - Live pipeline counters")
	fmt.Println("    GET /metrics  - Prometheus metrics")
	fmt.Println()
}
