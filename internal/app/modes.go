package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tickgrid/internal/config"
	"github.com/alanyoungcy/tickgrid/internal/domain"
	"github.com/alanyoungcy/tickgrid/internal/fanout"
	"github.com/alanyoungcy/tickgrid/internal/feed"
	"github.com/alanyoungcy/tickgrid/internal/ledger"
	"github.com/alanyoungcy/tickgrid/internal/metrics"
	"github.com/alanyoungcy/tickgrid/internal/notify"
	"github.com/alanyoungcy/tickgrid/internal/registry"
	"github.com/alanyoungcy/tickgrid/internal/server"
	"github.com/alanyoungcy/tickgrid/internal/server/handler"
	"github.com/alanyoungcy/tickgrid/internal/server/ws"
	"github.com/alanyoungcy/tickgrid/internal/service"
	"github.com/alanyoungcy/tickgrid/internal/settlement"
)

const (
	shutdownTimeout = 10 * time.Second
	archiveLockKey  = "archive"
)

// FullMode runs the game: feed, settlement loop, event sinks, the optional
// archiver and the HTTP/websocket API. It returns when ctx is cancelled or
// a component fails.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	cfg := a.cfg

	hub := fanout.New(fanout.DefaultBufferSize, deps.Metrics, a.logger)
	defer hub.Close()

	led := ledger.New(cfg.Ledger.Capacity)
	reg := registry.NewWithSettledMemory(cfg.Settlement.SettledMemory)
	grid := gridFromConfig(cfg.Game)

	prices := service.NewPriceService(service.PriceConfig{
		Symbol:       cfg.Feed.Symbol,
		Precision:    int32(cfg.Feed.Precision),
		GapThreshold: cfg.Feed.GapThreshold.Duration,
		StaleAfter:   cfg.Feed.StaleAfter.Duration,
	}, led, deps.PriceCache, hub, deps.Notifier, deps.Metrics, a.logger)

	bets := service.NewBetService(service.BetConfig{
		Grid:           grid,
		BetSizes:       decimals(cfg.Game.BetSizes),
		InitialBalance: decimal.NewFromFloat(cfg.Game.InitialBalance),
		RateLimit:      cfg.Game.RateLimit,
		RateWindow:     cfg.Game.RateWindow.Duration,
	}, deps.Store, reg, prices, deps.RateLimiter, hub, deps.Metrics, a.logger)

	restored, err := bets.Restore(ctx)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	// Tick numbers restart above every surviving bet's placement tick so
	// their windows stay ahead of the new stream.
	prices.Seed(bets.MaxPlacementTick())
	deps.Metrics.ActiveBets.Set(float64(restored))
	a.logger.InfoContext(ctx, "restored active bets", slog.Int("count", restored))

	engine := settlement.New(settlement.Config{
		Grid:          grid,
		Workers:       cfg.Settlement.Workers,
		RetryInterval: cfg.Settlement.RetryInterval.Duration,
	}, led, reg, deps.Store, hub, deps.Notifier, deps.Metrics, a.logger)

	src, err := a.newSource()
	if err != nil {
		return err
	}
	runner := feed.NewRunner(src, func(ctx context.Context, q domain.Quote) {
		if _, err := prices.HandleQuote(ctx, q); err != nil {
			a.logger.WarnContext(ctx, "quote dropped", slog.String("error", err.Error()))
		}
	}, feed.RunnerConfig{
		ReconnectDelay:    cfg.Feed.ReconnectDelay.Duration,
		MaxReconnectDelay: cfg.Feed.MaxReconnectDelay.Duration,
		AlertAfter:        cfg.Feed.AlertAfter,
	}, deps.Notifier, deps.Metrics, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return runner.Run(ctx) })

	if deps.SignalBus != nil {
		sub := hub.Subscribe(fanout.Filter{AllUsers: true})
		sink := fanout.NewBusSink(deps.SignalBus)
		g.Go(func() error { return fanout.Forward(ctx, sub, sink, a.logger) })
	}
	if deps.EventWriter != nil {
		// Price ticks stay off Kafka; consumers only need the bet lifecycle.
		sub := hub.Subscribe(fanout.Filter{AllUsers: true, Types: []domain.EventType{
			domain.EventBetConfirmed, domain.EventBetSettled, domain.EventTickGap,
		}})
		sink := fanout.NewKafkaSink(deps.EventWriter)
		g.Go(func() error { return fanout.Forward(ctx, sub, sink, a.logger) })
	}

	if deps.Archiver != nil && cfg.Archive.Enabled {
		g.Go(func() error { return a.archiveLoop(ctx, deps, led) })
	}

	if cfg.Server.Enabled {
		gateway := ws.NewHub(hub, bets, prices, cfg.Server.CORSOrigins, deps.Metrics, a.logger)
		srv := server.NewServer(server.Config{
			Port:        cfg.Server.Port,
			CORSOrigins: cfg.Server.CORSOrigins,
			APIKey:      cfg.Server.APIKey,
			RateLimit:   cfg.Server.RateLimit,
		}, server.Handlers{
			Health:   handler.NewHealthHandler(prices, deps.Checks, a.logger),
			Price:    handler.NewPriceHandler(prices, a.logger),
			Odds:     handler.NewOddsHandler(bets),
			Accounts: handler.NewAccountHandler(bets, a.logger),
			Bets:     handler.NewBetHandler(bets, a.logger),
			Metrics:  metrics.Handler(deps.Gatherer),
		}, gateway, deps.RateLimiter, a.logger)

		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			err := srv.Shutdown(shutdownCtx)
			hub.Close()
			gateway.Wait()
			return err
		})
	}

	return g.Wait()
}

// ArchiveMode runs one archive pass and returns.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	if deps.Archiver == nil {
		return errors.New("app: archive mode needs s3 configured")
	}
	return a.archiveOnce(ctx, deps, nil)
}

func (a *App) archiveLoop(ctx context.Context, deps *Dependencies, led *ledger.Ledger) error {
	ticker := time.NewTicker(a.cfg.Archive.Interval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.archiveOnce(ctx, deps, led); err != nil && ctx.Err() == nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
				_ = deps.Notifier.Notify(ctx, notify.EventArchiveFailed, "Archive failed", err.Error())
			}
		}
	}
}

// archiveOnce copies settled history older than the retention window to
// object storage, plus a snapshot of led when it is non-nil. With Redis
// enabled only one instance archives at a time.
func (a *App) archiveOnce(ctx context.Context, deps *Dependencies, led *ledger.Ledger) error {
	if deps.LockManager != nil {
		unlock, err := deps.LockManager.Acquire(ctx, archiveLockKey, a.cfg.Archive.LockTTL.Duration)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.InfoContext(ctx, "archive already running elsewhere, skipping")
			return nil
		}
		if err != nil {
			return fmt.Errorf("app: archive lock: %w", err)
		}
		defer unlock()
	}

	start := time.Now()
	cutoff := start.Add(-a.cfg.Archive.Retention.Duration).UTC()

	nBets, err := deps.Archiver.ArchiveBets(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("app: archive bets: %w", err)
	}
	nTxs, err := deps.Archiver.ArchiveTransactions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("app: archive transactions: %w", err)
	}
	var nTicks int64
	if led != nil {
		if nTicks, err = deps.Archiver.ArchiveTicks(ctx, led.Recent(led.Len())); err != nil {
			return fmt.Errorf("app: archive ticks: %w", err)
		}
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("bets", nBets),
		slog.Int64("transactions", nTxs),
		slog.Int64("ticks", nTicks),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (a *App) newSource() (feed.Source, error) {
	f := a.cfg.Feed
	switch strings.ToLower(f.Source) {
	case "exchange":
		return feed.NewBookTickerSource(f.URL), nil
	case "synthetic":
		sc := feed.DefaultSyntheticConfig()
		sc.Base = f.Synthetic.Base
		sc.Volatility = f.Synthetic.Volatility
		sc.Band = f.Synthetic.Band
		sc.JumpChance = f.Synthetic.JumpChance
		return feed.NewSyntheticSource(sc), nil
	default:
		return nil, fmt.Errorf("app: unknown feed source %q", f.Source)
	}
}

func gridFromConfig(g config.GameConfig) domain.Grid {
	return domain.Grid{
		Rows:           g.Rows,
		Cols:           g.Cols,
		TicksPerColumn: g.TicksPerColumn,
		PriceStep:      decimal.NewFromFloat(g.PriceStep),
		Tolerance:      decimal.NewFromFloat(g.Tolerance),
	}
}

func decimals(fs []float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(fs))
	for i, f := range fs {
		out[i] = decimal.NewFromFloat(f).Round(2)
	}
	return out
}
