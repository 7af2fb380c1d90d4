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

	"squadwars/internal/api"
	"squadwars/internal/auth"
	"squadwars/internal/config"
	"squadwars/internal/db"
	"squadwars/internal/notify"
	"squadwars/internal/pvp"
	"squadwars/internal/session"
	"squadwars/internal/store"
	"squadwars/internal/store/memstore"
	"squadwars/internal/store/pgstore"
	"squadwars/internal/telemetry"
	"squadwars/internal/tournament"
	"squadwars/internal/war"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.Setup(ctx, "squadwars-api", cfg.OtelEndpoint)
	if err != nil {
		logger.Error("telemetry setup failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store init failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	var relay notify.Relay
	if cfg.Discord.Enabled() {
		d, err := notify.NewDiscordRelay(cfg.Discord.WebhookID, cfg.Discord.WebhookToken)
		if err != nil {
			logger.Error("discord relay init failed", "err", err)
			os.Exit(1)
		}
		relay = d
	}

	cat := cfg.Catalog()
	sessions := session.NewManager(st, logger)
	bus := notify.NewBus(sessions, relay, logger)
	server := api.New(api.Deps{
		Auth:        auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL),
		Sessions:    sessions,
		Pvp:         pvp.NewMatchmaker(sessions, cat, cfg.Pvp.Options(cfg.Retry), logger),
		War:         war.NewCoordinator(sessions, bus, cfg.War.Options(cfg.Retry), logger),
		Bus:         bus,
		Tournaments: tournament.NewService(sessions, cat, cfg.Tournament.Options(), logger),
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("squadwars api listening", "addr", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}

// openStore connects to Postgres, or keeps everything in memory when
// DATABASE_URL is "memory" (single-process local play).
func openStore(ctx context.Context, cfg config.APIConfig, logger *slog.Logger) (store.Store, func(), error) {
	if strings.EqualFold(cfg.DatabaseURL, "memory") {
		logger.Warn("using in-memory store, state is lost on exit")
		return memstore.New(), func() {}, nil
	}
	pool, err := db.Connect(ctx, cfg.DatabaseURL, db.DefaultPoolOptions())
	if err != nil {
		return nil, nil, err
	}
	if cfg.Migrate {
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	return pgstore.New(pool, logger), pool.Close, nil
}
