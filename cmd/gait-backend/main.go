package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"gait-backend/internal/config"
	"gait-backend/internal/device"
	"gait-backend/internal/httpapi"
	"gait-backend/internal/kit"
	"gait-backend/internal/mqtt"
	"gait-backend/internal/processing"
	"gait-backend/internal/realtime"
	"gait-backend/internal/session"
	"gait-backend/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogger(cfg.LogLevel)

	if cfg.JWTSecret == "" {
		slog.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	db, err := store.OpenPostgres(
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.DBName,
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.SSLMode,
	)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}

	repo, err := store.New(db)
	if err != nil {
		slog.Error("db init failed", "error", err)
		os.Exit(1)
	}

	broker, err := mqtt.Connect(cfg.MQTTBrokerURL, "gait-backend", cfg.PublishTimeout)
	if err != nil {
		slog.Error("mqtt connect failed", "broker", cfg.MQTTBrokerURL, "error", err)
		os.Exit(1)
	}
	defer broker.Disconnect()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	resolver := device.NewCachedResolver(device.NewResolver(repo), rdb, cfg.ResolverCacheTTL)

	hub := realtime.NewHub()
	kits := kit.NewService(repo)
	commands := device.NewDispatcher(broker, repo)
	processor := processing.NewClient(cfg.ProcessingURL, cfg.ProcessingTimeout)
	ingestor := processing.NewIngestor(repo, hub)
	sessions := session.NewService(repo, commands, processor, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := device.NewListener(broker, resolver, kits, hub)
	if err := listener.Start(ctx); err != nil {
		slog.Error("mqtt subscribe failed", "error", err)
		os.Exit(1)
	}
	defer listener.Stop()

	if reaper := session.NewReaper(repo, hub, cfg.SessionMaxProcessingAge, cfg.SessionReapInterval); reaper != nil {
		go reaper.Run(ctx)
		slog.Info("stale session reaper enabled", "max_age", cfg.SessionMaxProcessingAge)
	}

	mux := http.NewServeMux()
	srv := httpapi.NewServer(repo, hub, sessions, kits, commands, ingestor, resolver, []byte(cfg.JWTSecret))
	srv.Register(mux)

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: mux}

	go func() {
		slog.Info("gait-backend started", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", "error", err)
	}

	slog.Info("gait-backend stopped")
}

func setupLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
