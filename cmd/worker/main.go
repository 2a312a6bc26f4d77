// Package main provides the worker application entry point. The worker
// drains every configured domain's commands queue and process-replies
// queue, applying the retry/circuit-breaker/troubleshooting-queue policy
// described in the design.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/freesidenomad/commandbus/internal/adapter/audit/kafka"
	"github.com/freesidenomad/commandbus/internal/adapter/observability"
	"github.com/freesidenomad/commandbus/internal/adapter/queue/pgmq"
	"github.com/freesidenomad/commandbus/internal/adapter/repo/postgres"
	"github.com/freesidenomad/commandbus/internal/config"
	"github.com/freesidenomad/commandbus/internal/migrations"
	"github.com/freesidenomad/commandbus/internal/usecase"
	"github.com/freesidenomad/commandbus/internal/usecase/handlers"
	"github.com/freesidenomad/commandbus/internal/usecase/process"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := postgres.NewPoolWithOptions(ctx, cfg.PostgresDSN, postgres.PoolOptions{MinConns: cfg.PoolMin, MaxConns: cfg.PoolMax})
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	sqlDB, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		slog.Error("migration db handle failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer sqlDB.Close()
	if err := migrations.RequireVersion(sqlDB, cfg.MigrationsRequiredVersion); err != nil {
		slog.Error("schema version check failed", slog.Any("error", err))
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	var publisher *kafka.Producer
	if cfg.KafkaAuditEnabled {
		publisher, err = kafka.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			slog.Error("kafka producer init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer publisher.Close()
	}

	store := postgres.NewStore(pool)
	queue := pgmq.NewAdapter(pool)
	batches := postgres.NewBatchRepo(pool)
	batches.AuditPublisher = publisher
	cleanup := postgres.NewCleanupService(pool, 90)
	go cleanup.RunPeriodic(ctx, 24*time.Hour)

	registry := usecase.NewRegistry()
	handlers.RegisterReportingHandlers(registry, "reporting")

	breakers := usecase.NewHandlerBreakers(metrics)

	reportEngine := process.NewEngine(store, queue, metrics, &process.StatementReportProcess{})
	reportEngine.AuditPublisher = publisher

	retry := cfg.RetryPolicy()

	for _, domainName := range cfg.Domains {
		domainName := domainName
		if err := queue.EnsureQueue(ctx, pgmq.CommandsQueueName(domainName)); err != nil {
			slog.Error("ensure commands queue failed", slog.String("domain", domainName), slog.Any("error", err))
			os.Exit(1)
		}
		if err := queue.EnsureQueue(ctx, pgmq.ProcessRepliesQueueName(domainName)); err != nil {
			slog.Error("ensure process replies queue failed", slog.String("domain", domainName), slog.Any("error", err))
			os.Exit(1)
		}

		health := usecase.NewHealth(fmt.Sprintf("worker-%s", domainName), redisClient)

		worker := usecase.NewWorker(domainName, store, queue, batches, registry, breakers, health, metrics,
			retry, cfg.Concurrency, cfg.BatchSize, cfg.VisibilityTimeoutSec, cfg.PollInterval, cfg.StatementTimeout())
		worker.AuditPublisher = publisher

		watchdog := usecase.NewWatchdog(health, 30*cfg.PollInterval, func(recoverCtx context.Context) {
			worker.Stop(recoverCtx)
		})

		router := usecase.NewReplyRouter(domainName, store, queue, reportEngine, metrics,
			cfg.Concurrency, cfg.VisibilityTimeoutSec, cfg.PollInterval)
		router.Health = health

		go func() {
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("worker stopped with error", slog.String("domain", domainName), slog.Any("error", err))
			}
		}()
		go watchdog.Run(ctx)
		go func() {
			if err := router.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("reply router stopped with error", slog.String("domain", domainName), slog.Any("error", err))
			}
		}()

		slog.Info("domain worker started", slog.String("domain", domainName))

		defer func(w *usecase.Worker, r *usecase.ReplyRouter) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			w.Stop(shutdownCtx)
			r.Stop(shutdownCtx)
		}(worker, router)
	}

	slog.Info("worker fleet started, waiting for shutdown signal")
	<-ctx.Done()
	slog.Info("signal received, shutting down")
}
