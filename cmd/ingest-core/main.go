package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/traksense/ingest-core/internal/adapter"
	"github.com/traksense/ingest-core/internal/config"
	"github.com/traksense/ingest-core/internal/httpapi"
	"github.com/traksense/ingest-core/internal/model"
	"github.com/traksense/ingest-core/internal/mqtt"
	"github.com/traksense/ingest-core/internal/observability"
	"github.com/traksense/ingest-core/internal/pipeline"
	"github.com/traksense/ingest-core/internal/registry"
	"github.com/traksense/ingest-core/internal/store"
)

const (
	exitClean  = 0
	exitFault  = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("config rejected", "error", err)
		return exitConfig
	}

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		return exitFault
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.WriterPoolSize + 2)
		sqlDB.SetMaxIdleConns(cfg.WriterPoolSize)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	repo, err := store.New(db, cfg.StatementTimeout)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		return exitFault
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
	}
	resolver := registry.New(repo.DB(), rdb, cfg.TenantCacheTTL)

	mq, err := mqtt.Connect(mqtt.Options{
		BrokerURL:       cfg.MQTTBrokerURL,
		ClientIDPrefix:  cfg.MQTTClientIDPrefix,
		Filters:         cfg.TopicFilters,
		QoS:             cfg.QoS,
		ChannelCapacity: cfg.QueueCapacity,
		OnDrop: func(topic string) {
			observability.ErrorsTotal.WithLabelValues(string(model.ErrQueueDrop)).Inc()
			slog.Debug("message dropped at full queue", "topic", topic)
		},
	})
	if err != nil {
		slog.Error("mqtt connect failed", "broker", cfg.MQTTBrokerURL, "error", err)
		return exitFault
	}

	tracker := observability.NewReadyTracker(cfg.QueueCapacity, 30*time.Second)
	pipe := pipeline.New(pipeline.Options{
		Source:         mq.Messages(),
		Resolver:       resolver,
		Registry:       adapter.Default(),
		Repo:           repo,
		DecodeWorkers:  cfg.DecodeWorkers,
		WriterPoolSize: cfg.WriterPoolSize,
		QueueCapacity:  cfg.QueueCapacity,
		BatchMaxPoints: cfg.BatchMaxPoints,
		BatchMaxAge:    cfg.BatchMaxAge,
		SkewPast:       cfg.SkewPast,
		SkewFuture:     cfg.SkewFuture,
		Tracker:        tracker,
	})

	srv := httpapi.New(httpapi.Probes{
		BrokerUp: mq.Connected,
		StoreUp: func() bool {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return repo.Healthy(ctx) == nil
		},
		Ready: tracker.Ready,
	})
	httpSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("metrics listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	pipeDone := make(chan error, 1)
	go func() { pipeDone <- pipe.Run(runCtx) }()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-pipeDone:
		// broker channel closed or systemic failure without a signal
		slog.Error("pipeline stopped unexpectedly", "error", runErr)
		if runErr == nil {
			runErr = context.Canceled
		}
	case <-stop:
		slog.Info("shutdown requested")
		mq.Close()
		select {
		case runErr = <-pipeDone:
		case <-time.After(cfg.ShutdownGrace):
			slog.Warn("shutdown deadline hit, abandoning in-flight items", "grace", cfg.ShutdownGrace)
			cancelRun()
			runErr = <-pipeDone
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	if runErr != nil {
		return exitFault
	}
	slog.Info("clean shutdown")
	return exitClean
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
