package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/web3messenger/realtime/internal/archive"
	"github.com/web3messenger/realtime/internal/config"
	"github.com/web3messenger/realtime/internal/logger"
	"github.com/web3messenger/realtime/internal/messaging"
	"github.com/web3messenger/realtime/internal/metrics"
)

func main() {
	cfg, err := config.Load[config.Archiver]()
	if err != nil {
		zap.Must(zap.NewProduction()).Fatal("config_load_failed", zap.Error(err))
	}

	log, err := logger.New(cfg.LogEnv, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	log.Info("archiver_starting")

	// PostgreSQL setup.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := archive.Open(ctx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		log.Fatal("postgres_connect_failed", zap.Error(err))
	}
	defer db.Close()

	if cfg.MigrateOnRun {
		if err := archive.Migrate(db); err != nil {
			log.Fatal("migrate_failed", zap.Error(err))
		}
	}

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "messenger-archiver"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal("nats_connect_failed", zap.Error(err))
	}

	consumer := archive.NewConsumer(archive.NewStore(db), archive.DefaultWriteTimeout)
	if err := natsClient.Subscribe(messaging.SubjectAll, cfg.NATSQueue, consumer.Handle); err != nil {
		log.Fatal("nats_subscribe_failed", zap.String("subject", messaging.SubjectAll), zap.Error(err))
	}

	// Metrics endpoint.
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics_server_failed", zap.Error(err))
		}
	}()

	log.Info("archiver_running",
		zap.String("nats_url", cfg.NATSURL),
		zap.String("queue", cfg.NATSQueue),
		zap.String("metrics_addr", cfg.MetricsAddr))

	// Graceful shutdown.
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	log.Info("archiver_shutting_down")

	natsClient.Close()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}
