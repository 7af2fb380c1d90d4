package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"

	"squadwars/internal/config"
	"squadwars/internal/db"
	"squadwars/internal/notify"
	"squadwars/internal/session"
	"squadwars/internal/store/pgstore"
	"squadwars/internal/telemetry"
	"squadwars/internal/war"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorkerFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.Setup(ctx, "squadwars-worker", cfg.OtelEndpoint)
	if err != nil {
		logger.Error("telemetry setup failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	pool, err := db.Connect(ctx, cfg.DatabaseURL, db.DefaultPoolOptions())
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	var relay notify.Relay
	if cfg.Discord.Enabled() {
		d, err := notify.NewDiscordRelay(cfg.Discord.WebhookID, cfg.Discord.WebhookToken)
		if err != nil {
			logger.Error("discord relay init failed", "err", err)
			os.Exit(1)
		}
		relay = d
	}

	sessions := session.NewManager(pgstore.New(pool, logger), logger)
	coordinator := war.NewCoordinator(sessions, notify.NewBus(sessions, relay, logger), cfg.War.Options(cfg.Retry), logger)

	matchmake := func() {
		paired, err := coordinator.MatchmakeAll(ctx, time.Now().Unix())
		if err != nil {
			logger.Error("war matchmaking failed", "err", err)
			return
		}
		logger.Info("war matchmaking pass complete", "wars_created", paired)
	}
	evict := func() {
		if n := sessions.Evict(cfg.SessionIdle); n > 0 {
			logger.Info("evicted idle sessions", "count", n)
		}
	}

	if cfg.RunOnce {
		matchmake()
		logger.Info("worker run-once completed")
		return
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		logger.Error("scheduler init failed", "err", err)
		os.Exit(1)
	}
	for _, job := range []struct {
		name  string
		every time.Duration
		run   func()
	}{
		{"war-matchmaking", cfg.MatchmakeEvery, matchmake},
		{"session-eviction", cfg.EvictEvery, evict},
	} {
		if _, err := sched.NewJob(
			gocron.DurationJob(job.every),
			gocron.NewTask(job.run),
			gocron.WithName(job.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			logger.Error("schedule job failed", "job", job.name, "err", err)
			os.Exit(1)
		}
	}
	sched.Start()

	logger.Info("worker started", "matchmake_every", cfg.MatchmakeEvery.String(), "evict_every", cfg.EvictEvery.String())
	<-ctx.Done()
	if err := sched.Shutdown(); err != nil {
		logger.Error("scheduler shutdown failed", "err", err)
	}
	logger.Info("worker shutdown")
}
