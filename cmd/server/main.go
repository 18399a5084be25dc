package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Zarpien06/Software-FPC/internal/chat"
	"github.com/Zarpien06/Software-FPC/internal/config"
	"github.com/Zarpien06/Software-FPC/internal/logging"
	"github.com/Zarpien06/Software-FPC/internal/notify"
	"github.com/Zarpien06/Software-FPC/internal/postgres"
	"github.com/Zarpien06/Software-FPC/internal/redis"
	"github.com/Zarpien06/Software-FPC/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("Server terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Starting chat server", "env", cfg.AppEnv, "port", cfg.Port)

	clock := clockwork.NewRealClock()

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	if err := redisClient.Ping(ctx); err != nil {
		return err
	}

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	tokens := redis.NewTokenStore(redisClient)
	store := postgres.NewMessageStore(pool)
	access := postgres.NewRoomAuthorizer(pool)
	notifier := notify.NewLogNotifier()

	var sink chat.EventSink
	var relay *chat.Relay
	if cfg.RelayEnabled {
		pubsub := redis.NewPubSub(redisClient)
		relay = chat.NewRelay(pubsub, pubsub)
		sink = relay
		slog.Info("Cross-instance relay enabled", "origin", relay.Origin())
	}

	registry := chat.NewRegistry(clock, cfg.MaxConnectionsPerRoom, sink)
	router := chat.NewRouter(registry, store, notifier, clock)

	if relay != nil {
		go func() {
			if err := relay.Run(ctx, registry); err != nil && ctx.Err() == nil {
				slog.Error("Relay stopped", "error", err)
			}
		}()
	}

	reaper := chat.NewReaper(registry, clock, cfg.ReaperInterval, cfg.IdleTimeout)
	go reaper.Run(ctx)

	readiness := map[string]server.HealthCheck{
		"redis":    redisClient.Ping,
		"postgres": pool.Ping,
	}
	srv := server.NewServer(cfg, registry, router, tokens, access, clock, readiness)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown did not finish cleanly", "error", err)
	}

	cancel()
	registry.Close()

	slog.Info("Shutdown complete")
	return nil
}
