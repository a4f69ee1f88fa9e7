package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/alanyoungcy/tickgrid/internal/blob/s3"
	"github.com/alanyoungcy/tickgrid/internal/cache/redis"
	"github.com/alanyoungcy/tickgrid/internal/config"
	"github.com/alanyoungcy/tickgrid/internal/domain"
	"github.com/alanyoungcy/tickgrid/internal/fanout"
	"github.com/alanyoungcy/tickgrid/internal/metrics"
	"github.com/alanyoungcy/tickgrid/internal/notify"
	"github.com/alanyoungcy/tickgrid/internal/server/handler"
	"github.com/alanyoungcy/tickgrid/internal/store/memory"
	"github.com/alanyoungcy/tickgrid/internal/store/postgres"
)

// Dependencies bundles the infrastructure the modes run on. Optional
// components are nil when disabled in the configuration.
type Dependencies struct {
	Store domain.Store

	// Redis-backed; nil unless redis.enabled.
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Nil unless archiving is enabled or the mode is archive.
	Archiver domain.Archiver

	// Nil unless kafka.enabled.
	EventWriter fanout.MessageWriter

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	// Checks are the dependency probes reported by /api/health.
	Checks []handler.Check
}

// Wire builds every dependency cfg asks for. The returned cleanup releases
// them in reverse order and must be called even when Run fails later.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps := &Dependencies{
		Metrics:  metrics.New(reg),
		Gatherer: reg,
	}

	// --- Durable store ---
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pg.Close)
		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		deps.Store = postgres.NewStore(pg.Pool())
	default:
		logger.Warn("using in-memory store; balances and bets are lost on restart")
		deps.Store = memory.New()
	}
	deps.Checks = append(deps.Checks, handler.Check{Name: "store", Ping: deps.Store.Ping})

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.PriceCache = redis.NewPriceCache(rc, cfg.Redis.PriceTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.LockManager = redis.NewLockManager(rc)
		deps.SignalBus = redis.NewSignalBus(rc, cfg.Redis.StreamMaxLen, 0)
		deps.Checks = append(deps.Checks, handler.Check{Name: "redis", Ping: rc.Ping})
	}

	// --- Object storage ---
	if cfg.Archive.Enabled || strings.EqualFold(cfg.Mode, "archive") {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(sc),
			s3blob.NewReader(sc),
			deps.Store,
			deps.Store,
			logger,
		)
		deps.Checks = append(deps.Checks, handler.Check{Name: "s3", Ping: sc.Health})
	}

	// --- Kafka ---
	if cfg.Kafka.Enabled {
		w := fanout.NewKafkaWriter(strings.Join(cfg.Kafka.Brokers, ","), cfg.Kafka.Topic)
		closers = append(closers, func() {
			if err := w.Close(); err != nil {
				logger.Warn("kafka writer close failed", slog.String("error", err.Error()))
			}
		})
		deps.EventWriter = w
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	return deps, cleanup, nil
}
