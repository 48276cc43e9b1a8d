package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arjunkumar811/Excalidraw/internal/auth"
	"github.com/arjunkumar811/Excalidraw/internal/config"
	"github.com/arjunkumar811/Excalidraw/internal/eventlog"
	"github.com/arjunkumar811/Excalidraw/internal/fanout"
	"github.com/arjunkumar811/Excalidraw/internal/history"
	"github.com/arjunkumar811/Excalidraw/internal/messaging"
	"github.com/arjunkumar811/Excalidraw/internal/metrics"
	"github.com/arjunkumar811/Excalidraw/internal/presence"
	"github.com/arjunkumar811/Excalidraw/internal/ratelimit"
	"github.com/arjunkumar811/Excalidraw/internal/registry"
	"github.com/arjunkumar811/Excalidraw/internal/relay"
	"github.com/arjunkumar811/Excalidraw/internal/scene"
	"github.com/arjunkumar811/Excalidraw/internal/ws"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("wsserver: fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.JWTSecret == "" {
		logger.Warn("wsserver: JWT_SECRET is empty, only guest credentials will verify")
	}

	// --- Event log ---
	store, err := eventlog.Open(ctx, cfg.StoreConfig(logger))
	if err != nil {
		return err
	}
	defer store.Close()

	writer := eventlog.NewWriter(store, eventlog.WriterConfig{
		QueueSize: cfg.PersistQueueSize,
		Timeout:   cfg.PersistTimeout,
		Logger:    logger,
	})

	reg := registry.New()

	// --- NATS ---
	var bus fanout.Bus
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "board-relay-" + cfg.ServerName
		natsConfig.Logger = logger
		natsClient, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer natsClient.Close()
		bus = natsClient
	}
	hub := fanout.New(reg, fanout.Options{Bus: bus, Origin: cfg.ServerName, Logger: logger})

	// --- Redis ---
	var (
		counter presence.Counter
		limiter relay.Limiter
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return fmt.Errorf("connect to Redis: %w", err)
		}
		defer rdb.Close()

		rc := presence.NewRedisCounter(rdb, cfg.ServerName)
		stale, err := rc.Reset(ctx)
		if err != nil {
			return fmt.Errorf("reset presence: %w", err)
		}
		if stale > 0 {
			logger.Info("wsserver: dropped stale presence entries", "count", stale)
		}
		counter = rc

		if cfg.RateLimit {
			limiter = ratelimit.NewLimiter(rdb, logger)
		}
	}

	sc := scene.New(cfg.SceneMaxElements)
	mgr := presence.NewManager(presence.Config{
		Registry: reg,
		Hub:      hub,
		Counter:  counter,
		Scene:    sc,
		Logger:   logger,
	})
	rl := relay.New(relay.Config{
		Registry:      reg,
		Hub:           hub,
		Presence:      mgr,
		Scene:         sc,
		Recorder:      writer,
		Limiter:       limiter,
		EchoToSender:  cfg.EchoToSender,
		PersistGuests: cfg.PersistGuests,
		Logger:        logger,
	})

	verifier := auth.NewVerifier([]byte(cfg.JWTSecret), auth.Options{
		GuestPrefix:   cfg.GuestPrefix,
		RequireExpiry: cfg.AuthRequireExpiry,
	})

	server, err := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxFrameBytes:  cfg.MaxFrameBytes,
		SendQueueSize:  cfg.SendQueueSize,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
		Logger: logger,
	}, verifier, func(ctx context.Context, c *ws.Connection, data []byte) {
		rl.Handle(ctx, c, data)
	})
	if err != nil {
		return err
	}

	server.SetOnConnect(func(c *ws.Connection) error {
		if !reg.Add(c, c.Identity()) {
			return fmt.Errorf("connection %s already registered", c.ID())
		}
		return nil
	})
	server.SetOnDisconnect(func(connID string) {
		dctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		rl.Disconnect(dctx, connID)
	})

	api := server.Router().NewRoute().Subrouter()
	api.Use(history.AccessLog(logger))
	api.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	api.HandleFunc("/stats", statsHandler(reg, sc, writer)).Methods(http.MethodGet)
	history.NewHandler(history.NewLoader(store, cfg.HistoryLimit, logger), logger).Register(api)

	logger.Info("wsserver: starting",
		"listen_addr", cfg.ListenAddr,
		"server_name", cfg.ServerName,
		"worker_pool", cfg.WorkerPoolSize,
		"max_connections", cfg.MaxConnections,
		"store", cfg.StoreDriver,
		"nats", cfg.NATSURL != "",
		"redis", cfg.RedisAddr != "",
		"rate_limit", limiter != nil,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		logger.Info("wsserver: shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("wsserver: shutdown", "error", err)
	}
	if err := writer.Close(shutdownCtx); err != nil {
		logger.Warn("wsserver: pending events not persisted", "pending", writer.Pending(), "error", err)
	}
	return serveErr
}

type stats struct {
	registry.Stats
	SceneElements int `json:"sceneElements"`
	PendingWrites int `json:"pendingWrites"`
}

func statsHandler(reg *registry.Registry, sc *scene.Cache, writer *eventlog.Writer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats{
			Stats:         reg.Stats(),
			SceneElements: sc.Total(),
			PendingWrites: writer.Pending(),
		})
	}
}
