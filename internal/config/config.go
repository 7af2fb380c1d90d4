package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"squadwars/internal/catalog"
	"squadwars/internal/game"
	"squadwars/internal/pvp"
	"squadwars/internal/retry"
	"squadwars/internal/tournament"
	"squadwars/internal/war"
)

type PvpConfig struct {
	ActivityWindow time.Duration `env:"ACTIVITY_WINDOW" envDefault:"130s"`
	Countdown      time.Duration `env:"COUNTDOWN"       envDefault:"30s"`
	BattleDuration time.Duration `env:"BATTLE_DURATION" envDefault:"4m"`
	LockBuffer     time.Duration `env:"LOCK_BUFFER"     envDefault:"8s"`
	BaseCost       int64         `env:"BASE_COST"       envDefault:"500"`
	CostPerHQ      int64         `env:"COST_PER_HQ"     envDefault:"250"`
}

type WarConfig struct {
	PlayerPrep     time.Duration `env:"PLAYER_PREP"     envDefault:"6h"`
	ServerPrep     time.Duration `env:"SERVER_PREP"     envDefault:"18h"`
	Play           time.Duration `env:"PLAY"            envDefault:"24h"`
	Result         time.Duration `env:"RESULT"          envDefault:"1h"`
	Cooldown       time.Duration `env:"COOLDOWN"        envDefault:"1h"`
	LockGrace      time.Duration `env:"LOCK_GRACE"      envDefault:"10s"`
	AttackDuration time.Duration `env:"ATTACK_DURATION" envDefault:"248s"`
	HistoryLimit   int           `env:"HISTORY_LIMIT"   envDefault:"20"`
}

type RetryConfig struct {
	Attempts int           `env:"ATTEMPTS" envDefault:"2"`
	Delay    time.Duration `env:"DELAY"    envDefault:"50ms"`
}

type TournamentConfig struct {
	TopTierPercentage float64 `env:"TOP_TIER_PERCENTAGE" envDefault:"10"`
	TopSize           int     `env:"TOP_SIZE"            envDefault:"50"`
	SurroundingSize   int     `env:"SURROUNDING_SIZE"    envDefault:"50"`
	AfterPlayer       int     `env:"AFTER_PLAYER"        envDefault:"10"`
}

type DiscordConfig struct {
	WebhookID    string `env:"WEBHOOK_ID"`
	WebhookToken string `env:"WEBHOOK_TOKEN"`
}

func (d DiscordConfig) Enabled() bool {
	return d.WebhookID != "" && d.WebhookToken != ""
}

type APIConfig struct {
	Addr         string        `env:"SQUADWARS_API_ADDR"      envDefault:":8080"`
	DatabaseURL  string        `env:"DATABASE_URL"`
	JWTSecret    string        `env:"SQUADWARS_JWT_SECRET"`
	TokenTTL     time.Duration `env:"SQUADWARS_TOKEN_TTL"     envDefault:"24h"`
	OtelEndpoint string        `env:"SQUADWARS_OTEL_ENDPOINT"`
	Migrate      bool          `env:"SQUADWARS_MIGRATE"       envDefault:"true"`

	Pvp        PvpConfig        `envPrefix:"SQUADWARS_PVP_"`
	War        WarConfig        `envPrefix:"SQUADWARS_WAR_"`
	Retry      RetryConfig      `envPrefix:"SQUADWARS_RETRY_"`
	Tournament TournamentConfig `envPrefix:"SQUADWARS_TOURNAMENT_"`
	Discord    DiscordConfig    `envPrefix:"SQUADWARS_DISCORD_"`
}

type WorkerConfig struct {
	DatabaseURL    string        `env:"DATABASE_URL"`
	OtelEndpoint   string        `env:"SQUADWARS_OTEL_ENDPOINT"`
	MatchmakeEvery time.Duration `env:"SQUADWARS_WORKER_MATCHMAKE_EVERY" envDefault:"1m"`
	EvictEvery     time.Duration `env:"SQUADWARS_WORKER_EVICT_EVERY"     envDefault:"5m"`
	SessionIdle    time.Duration `env:"SQUADWARS_WORKER_SESSION_IDLE"    envDefault:"30m"`
	RunOnce        bool          `env:"SQUADWARS_WORKER_RUN_ONCE"`

	War     WarConfig     `envPrefix:"SQUADWARS_WAR_"`
	Retry   RetryConfig   `envPrefix:"SQUADWARS_RETRY_"`
	Discord DiscordConfig `envPrefix:"SQUADWARS_DISCORD_"`
}

type CLIConfig struct {
	APIBaseURL string `env:"SQUADCTL_API_BASE_URL" envDefault:"http://localhost:8080"`
	// StateDir holds the login and the offline queue. Defaults to ~/.squadctl.
	StateDir string `env:"SQUADCTL_HOME"`
}

func LoadAPIFromEnv() (APIConfig, error) {
	loadDotEnv()
	cfg, err := env.ParseAs[APIConfig]()
	if err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		if !strings.HasPrefix(port, ":") {
			port = ":" + port
		}
		cfg.Addr = port
	}
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return cfg, fmt.Errorf("SQUADWARS_JWT_SECRET is required")
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	loadDotEnv()
	cfg, err := env.ParseAs[WorkerConfig]()
	if err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.MatchmakeEvery <= 0 {
		cfg.MatchmakeEvery = time.Minute
	}
	if cfg.EvictEvery <= 0 {
		cfg.EvictEvery = 5 * time.Minute
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	loadDotEnv()
	var cfg CLIConfig
	_ = env.Parse(&cfg)
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:8080"
	}
	cfg.StateDir = strings.TrimSpace(cfg.StateDir)
	if cfg.StateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.StateDir = filepath.Join(home, ".squadctl")
		} else {
			cfg.StateDir = ".squadctl"
		}
	}
	return cfg
}

// loadDotEnv reads a local .env when there is one. Real environment
// variables win.
func loadDotEnv() {
	_ = godotenv.Load()
}

func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{MaxAttempts: r.Attempts, Delay: r.Delay}
}

func (p PvpConfig) Options(r RetryConfig) pvp.Options {
	window := seconds(p.ActivityWindow)
	if window <= 0 {
		window = game.DefaultActivityWindowSec
	}
	return pvp.Options{
		ActivityWindow: window,
		Countdown:      seconds(p.Countdown),
		BattleDuration: seconds(p.BattleDuration),
		LockBuffer:     seconds(p.LockBuffer),
		Retry:          r.Policy(),
	}
}

func (w WarConfig) Options(r RetryConfig) war.Options {
	return war.Options{
		Durations: game.WarDurations{
			PlayerPrep: seconds(w.PlayerPrep),
			ServerPrep: seconds(w.ServerPrep),
			Play:       seconds(w.Play),
			Result:     seconds(w.Result),
			Cooldown:   seconds(w.Cooldown),
		},
		LockGrace:      seconds(w.LockGrace),
		AttackDuration: seconds(w.AttackDuration),
		HistoryLimit:   w.HistoryLimit,
		Retry:          r.Policy(),
	}
}

func (t TournamentConfig) Options() tournament.Options {
	return tournament.Options{
		TopSize:         t.TopSize,
		SurroundingSize: t.SurroundingSize,
		AfterPlayer:     t.AfterPlayer,
	}
}

// Catalog builds the static content lookups the API needs.
func (c APIConfig) Catalog() *catalog.Static {
	return catalog.NewStatic(c.Pvp.BaseCost, c.Pvp.CostPerHQ, c.Tournament.TopTierPercentage)
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
