package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/catalog"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/config"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/connpool"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/executors"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/health"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/httpapi"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/pipeline"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/reasoning"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/session"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/streaming"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/tracing"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/usage"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/workerpool"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Configuration with hot-reload on features.yaml changes.
	cfgMgr, err := config.NewManager(logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if err := cfgMgr.Watch(); err != nil {
		logger.Warn("Config hot-reload disabled", zap.Error(err))
	}
	defer cfgMgr.Close()
	cfg := cfgMgr.Get()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Observability.Tracing.Enabled,
		ServiceName:  cfg.Observability.Tracing.ServiceName,
		OTLPEndpoint: cfg.Observability.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed", zap.Error(err))
	}

	// Platform database: catalog, connection registry, usage records.
	platformDB, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	platformDB.SetMaxOpenConns(cfg.Database.MaxConnections)
	platformDB.SetMaxIdleConns(cfg.Database.IdleConnections)
	defer platformDB.Close()

	// Conversation sessions in Redis.
	sessions, err := session.NewManager(cfg.Redis.Addr, cfg.Redis.Password, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer sessions.Close()

	// Streaming event fan-out with idle session sweeping.
	streams := streaming.NewManager(logger,
		streaming.WithIdleTTL(cfg.Pipeline.SessionIdleTTL()))
	streams.StartJanitor(time.Minute)
	defer streams.Close()

	// Admin surface: health, readiness, metrics.
	hm := health.NewManager()
	hm.Register(health.NewDatabaseChecker(platformDB))
	hm.Register(health.NewRedisChecker(sessions))
	adminMux := http.NewServeMux()
	health.NewHandler(hm).RegisterRoutes(adminMux)
	adminMux.Handle("/metrics", promhttp.Handler())
	adminServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.AdminPort),
		Handler:           adminMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", cfg.Server.AdminPort))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()

	// Reasoning service client shared by all pipeline stages.
	completer := reasoning.NewClient(cfg.Reasoning, logger)

	// Per-source connection handling.
	pool := connpool.New(platformDB, logger)
	defer pool.Close()
	docs, err := connpool.OpenDocumentStore(cfg.Documents.StorePath, logger)
	if err != nil {
		logger.Fatal("Failed to open document store", zap.Error(err))
	}
	defer docs.Close()

	registry := executors.NewRegistry(
		executors.NewRelationalCoordinator(pool, completer, logger),
		executors.NewAPICoordinator(pool.APIResolver(), logger),
		executors.NewDocumentCoordinator(docs, logger),
	)

	orch, err := pipeline.NewOrchestrator(pipeline.Deps{
		Catalog:   catalog.NewSQLReader(platformDB, logger),
		Filter:    pipeline.NewFilterStage(completer, logger),
		Rank:      pipeline.NewRankStage(completer, logger),
		Synthesis: pipeline.NewSynthesisStage(completer, logger),
		Registry:  registry,
		Streams:   streams,
		Recorder:  usage.NewPostgresRecorder(platformDB, logger),
		Tunables:  cfgMgr.Pipeline,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Failed to build orchestrator", zap.Error(err))
	}

	workers := workerpool.New(cfg.Pipeline.WorkerCount, cfg.Pipeline.QueueDepth, logger)

	api := httpapi.NewServer(cfg.Server.Port, orch, workers, streams, sessions,
		cfgMgr.Pipeline, cfg.Auth, logger)
	go func() {
		if err := api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP API server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal, then drain in order: stop intake,
	// finish queued pipelines, close the streams.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API shutdown incomplete", zap.Error(err))
	}
	workers.Shutdown()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin shutdown incomplete", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}
