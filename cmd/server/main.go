package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/org/datagate/internal/api"
	"github.com/org/datagate/internal/audit"
	"github.com/org/datagate/internal/auth"
	"github.com/org/datagate/internal/storage"
)

type config struct {
	ListenAddr string `yaml:"listen_addr"`

	MongoURI string `yaml:"mongo_uri"`
	MongoDB  string `yaml:"mongo_db"`

	PGStewardURL   string `yaml:"pg_steward_url"`
	PGAuditorURL   string `yaml:"pg_auditor_url"`
	PGMarketingURL string `yaml:"pg_marketing_url"`

	RedisAddr string `yaml:"redis_addr"`

	MigrationsDir string `yaml:"migrations_dir"`

	FlushIntervalMs    int  `yaml:"flush_interval_ms"`
	MaxBufferSize      int  `yaml:"max_buffer_size"`
	EnforceIPAllowlist bool `yaml:"enforce_ip_allowlist"`

	RateLimitRPS   int `yaml:"rate_limit_rps"`
	RateLimitBurst int `yaml:"rate_limit_burst"`

	LogLevel string `yaml:"log_level"`
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("DATAGATE_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg := config{
		ListenAddr:      ":3333",
		MongoDB:         "datagate",
		MigrationsDir:   "migrations",
		FlushIntervalMs: 60_000,
		MaxBufferSize:   5_000,
		LogLevel:        "info",
	}

	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	// Env overrides
	if v := os.Getenv("DATAGATE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.MongoURI = v
	}
	if v := os.Getenv("MONGO_DB"); v != "" {
		cfg.MongoDB = v
	}
	if v := os.Getenv("PG_DATA_STEWARD_USER_URI"); v != "" {
		cfg.PGStewardURL = v
	}
	if v := os.Getenv("PG_AUDITOR_USER_URI"); v != "" {
		cfg.PGAuditorURL = v
	}
	if v := os.Getenv("PG_MARKETING_USER_URI"); v != "" {
		cfg.PGMarketingURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.MongoURI == "" {
		log.Fatal().Msg("mongo_uri must be configured (or MONGO_URI env var)")
	}
	if cfg.PGStewardURL == "" || cfg.PGAuditorURL == "" || cfg.PGMarketingURL == "" {
		log.Fatal().Msg("all three postgres role URLs must be configured")
	}
	if cfg.RedisAddr == "" {
		log.Fatal().Msg("redis_addr must be configured (or REDIS_ADDR env var)")
	}

	ctx := context.Background()

	// Document store: api keys + access logs
	mongoStore, err := storage.NewMongoBackend(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mongo")
	}

	// Relational store: role-scoped report pools
	reports, err := storage.NewPostgresReports(ctx, storage.PostgresURLs{
		Steward:   cfg.PGStewardURL,
		Auditor:   cfg.PGAuditorURL,
		Marketing: cfg.PGMarketingURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}

	// Key-value store: operational events
	events, err := storage.NewRedisEvents(ctx, cfg.RedisAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}

	if err := storage.RunMigrations(cfg.PGStewardURL, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("migrations applied")

	keys := auth.NewKeyService(mongoStore, cfg.EnforceIPAllowlist)
	keys.Start()

	buffer := audit.NewBuffer(mongoStore, cfg.MaxBufferSize, time.Duration(cfg.FlushIntervalMs)*time.Millisecond)
	buffer.Start()

	srv := api.NewServer(keys, buffer, mongoStore, reports, events, api.Config{
		ListenAddr:     cfg.ListenAddr,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("gateway started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	if err := keys.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("usage recorder drain timed out")
	}
	// Final flush of buffered access logs before the stores close.
	buffer.Stop(shutdownCtx)

	if err := mongoStore.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("mongo close error")
	}
	reports.Close()
	if err := events.Close(); err != nil {
		log.Error().Err(err).Msg("redis close error")
	}
	log.Info().Msg("server stopped")
}
