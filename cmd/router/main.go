// Package main provides the reply-router application entry point: a
// process dedicated to draining every configured domain's process-replies
// queue and driving the Process Manager engine, scalable independently of
// the command workers.
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
			slog.Error("router metrics server error", slog.Any("error", err))
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

	engine := process.NewEngine(store, queue, metrics, &process.StatementReportProcess{})
	engine.AuditPublisher = publisher

	for _, domainName := range cfg.Domains {
		domainName := domainName
		if err := queue.EnsureQueue(ctx, pgmq.ProcessRepliesQueueName(domainName)); err != nil {
			slog.Error("ensure process replies queue failed", slog.String("domain", domainName), slog.Any("error", err))
			os.Exit(1)
		}

		health := usecase.NewHealth(fmt.Sprintf("router-%s", domainName), redisClient)
		router := usecase.NewReplyRouter(domainName, store, queue, engine, metrics,
			cfg.Concurrency, cfg.VisibilityTimeoutSec, cfg.PollInterval)
		router.Health = health

		watchdog := usecase.NewWatchdog(health, 30*cfg.PollInterval, func(recoverCtx context.Context) {
			router.Stop(recoverCtx)
		})

		go func() {
			if err := router.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("reply router stopped with error", slog.String("domain", domainName), slog.Any("error", err))
			}
		}()
		go watchdog.Run(ctx)

		slog.Info("domain reply router started", slog.String("domain", domainName))

		defer func(r *usecase.ReplyRouter) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			r.Stop(shutdownCtx)
		}(router)
	}

	slog.Info("router fleet started, waiting for shutdown signal")
	<-ctx.Done()
	slog.Info("signal received, shutting down")
}
