package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/web3messenger/realtime/internal/api"
	"github.com/web3messenger/realtime/internal/config"
	"github.com/web3messenger/realtime/internal/logger"
	"github.com/web3messenger/realtime/internal/messaging"
	"github.com/web3messenger/realtime/internal/ratelimit"
	"github.com/web3messenger/realtime/internal/realtime"
	"github.com/web3messenger/realtime/internal/sink"
	"github.com/web3messenger/realtime/internal/ws"
)

func main() {
	cfg, err := config.Load[config.Server]()
	if err != nil {
		// The configured logger does not exist yet.
		zap.Must(zap.NewProduction()).Fatal("config_load_failed", zap.Error(err))
	}

	log, err := logger.New(cfg.LogEnv, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	// --- Redis ---
	var (
		rdb         *redis.Client
		statusStore *sink.StatusStore
		sinks       sink.Multi
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatal("redis_connect_failed", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		cancel()
		statusStore = sink.NewStatusStore(rdb)
		sinks = append(sinks, statusStore)
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "messenger-wsserver"
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatal("nats_connect_failed", zap.String("url", cfg.NATSURL), zap.Error(err))
		}
		sinks = append(sinks, sink.NewBus(natsClient))
	}

	var coordinatorSink sink.Sink = sink.Nop{}
	var async *sink.Async
	if len(sinks) > 0 {
		async = sink.NewAsync(sinks, cfg.SinkQueueSize, cfg.SinkTimeout)
		coordinatorSink = async
	}

	// --- Transport and coordinator ---
	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		SendQueueSize:  cfg.SendQueueSize,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
	}

	// The dispatcher is created first because NewServer needs its callback,
	// and the coordinator needs the server as its emitter.
	dispatcher := ws.NewMessageDispatcher(nil)
	server := ws.NewServer(serverConfig, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	coordinator := realtime.New(realtime.Config{
		TypingTTL:     cfg.TypingTTL,
		SweepInterval: cfg.TypingSweepInterval,
		InboxSize:     cfg.InboxSize,
	}, server, realtime.WithSink(coordinatorSink))

	dispatcher.SetHandler(coordinator)
	server.SetOnConnect(coordinator.Connect)
	server.SetOnDisconnect(coordinator.Disconnect)

	if rdb != nil && cfg.RateLimitEnabled {
		limiter := ratelimit.NewLimiter(rdb)
		dispatcher.SetLimiter(limiter)
		server.SetLimiter(limiter)
	}

	var lastSeen api.LastSeen
	if statusStore != nil {
		lastSeen = statusStore
	}
	api.NewHandler(coordinator, lastSeen).Mount(server.Router(), cfg.CORSOrigins)

	log.Info("messenger_server_starting",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Int("worker_pool", cfg.WorkerPoolSize),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Duration("typing_ttl", cfg.TypingTTL),
		zap.Bool("redis", rdb != nil),
		zap.Bool("nats", natsClient != nil),
		zap.Bool("rate_limit", rdb != nil && cfg.RateLimitEnabled))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loopDone := make(chan error, 1)
	go func() { loopDone <- coordinator.Run(ctx) }()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown_signal_received")
	case err := <-serveErr:
		if err != nil {
			log.Error("server_failed", zap.Error(err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server_shutdown_failed", zap.Error(err))
	}
	if err := <-loopDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("coordinator_stopped_with_error", zap.Error(err))
	}
	if async != nil {
		async.Close()
	}
	if natsClient != nil {
		natsClient.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}

	log.Info("messenger_server_stopped")
}
