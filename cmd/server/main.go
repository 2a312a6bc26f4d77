// Package main provides the admin HTTP server entry point: the JSON
// operator API over send/send_batch, the troubleshooting queue, process
// start, and the fleet health snapshot. This is also the process that
// applies pending schema migrations at startup.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/freesidenomad/commandbus/internal/adapter/audit/kafka"
	"github.com/freesidenomad/commandbus/internal/adapter/httpserver"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	sqlDB, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		slog.Error("migration db handle failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer sqlDB.Close()
	if err := migrations.Apply(sqlDB); err != nil {
		slog.Error("schema migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := postgres.NewPoolWithOptions(ctx, cfg.PostgresDSN, postgres.PoolOptions{MinConns: cfg.PoolMin, MaxConns: cfg.PoolMax})
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	bus := usecase.NewBus(store, queue, batches, metrics, cfg.MaxAttempts)
	bus.AuditPublisher = publisher

	tsq := usecase.NewTroubleshootingQueue(store, queue, batches, metrics)
	tsq.AuditPublisher = publisher

	engine := process.NewEngine(store, queue, metrics, &process.StatementReportProcess{})
	engine.AuditPublisher = publisher

	health := make(map[string]*usecase.Health, len(cfg.Domains))
	for _, domainName := range cfg.Domains {
		health["worker-"+domainName] = usecase.NewHealth("worker-"+domainName, redisClient)
		health["router-"+domainName] = usecase.NewHealth("router-"+domainName, redisClient)
	}

	srv := httpserver.NewServer(bus, tsq, engine, health)
	handler := httpserver.BuildRouter(cfg, srv)

	httpSrv := &http.Server{
		Addr:              cfg.AdminHTTPAddr,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin http server starting", slog.String("addr", cfg.AdminHTTPAddr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin http server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}
