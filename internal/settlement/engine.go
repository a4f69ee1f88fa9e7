// Package settlement resolves active bets against the tick stream. A single
// loop walks the ledger in tick order; within a tick, each user's bets are
// settled serially while different users proceed in parallel.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tickgrid/internal/domain"
	"github.com/alanyoungcy/tickgrid/internal/ledger"
	"github.com/alanyoungcy/tickgrid/internal/metrics"
	"github.com/alanyoungcy/tickgrid/internal/registry"
)

// Publisher receives settlement notifications. Delivery is best effort.
type Publisher interface {
	Send(userID string, t domain.EventType, payload any)
}

// Alerter forwards operator alerts. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config tunes the engine.
type Config struct {
	Grid domain.Grid
	// Workers bounds how many users are settled concurrently within a tick.
	Workers int
	// RetryInterval is how often pending decisions are retried while no new
	// ticks arrive.
	RetryInterval time.Duration
}

// Engine is the settlement loop. Use New; the zero value is not usable.
type Engine struct {
	cfg     Config
	ledger  *ledger.Ledger
	reg     *registry.Registry
	store   domain.BetStore
	pub     Publisher
	alerter Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	lastProcessed atomic.Int64
	started       atomic.Bool
}

// New creates an Engine. pub and alerter may be nil.
func New(cfg Config, l *ledger.Ledger, reg *registry.Registry, store domain.BetStore, pub Publisher, alerter Alerter, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Engine{
		cfg:     cfg,
		ledger:  l,
		reg:     reg,
		store:   store,
		pub:     pub,
		alerter: alerter,
		metrics: m,
		logger:  logger.With(slog.String("component", "settlement")),
		now:     time.Now,
	}
}

// LastProcessed returns the number of the last tick fully evaluated, or 0.
func (e *Engine) LastProcessed() int64 { return e.lastProcessed.Load() }

// Run evaluates ticks as they land in the ledger until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "settlement engine started",
		slog.Int("workers", e.cfg.Workers),
		slog.Int("active_bets", e.reg.Len()),
	)
	retry := time.NewTicker(e.cfg.RetryInterval)
	defer retry.Stop()

	for {
		e.CatchUp(ctx)
		select {
		case <-ctx.Done():
			e.logger.Info("settlement engine stopped", slog.Int64("last_tick", e.LastProcessed()))
			return ctx.Err()
		case <-e.ledger.Notify():
		case <-retry.C:
			e.RetryPending(ctx)
		}
	}
}

// CatchUp processes every ledger tick newer than the last processed one, in
// order. Ticks evicted before they could be processed are reported as a gap.
func (e *Engine) CatchUp(ctx context.Context) {
	after := e.lastProcessed.Load()
	if !e.started.Load() {
		oldest, err := e.ledger.Oldest()
		if err != nil {
			return
		}
		after = oldest.Tick - 1
		e.started.Store(true)
	}

	ticks := e.ledger.Since(after)
	if len(ticks) == 0 {
		return
	}
	if after > 0 && ticks[0].Tick > after+1 {
		e.logger.WarnContext(ctx, "settlement skipped ticks missing from ledger",
			slog.Int64("after", after),
			slog.Int64("next", ticks[0].Tick),
		)
	}
	for _, t := range ticks {
		if ctx.Err() != nil {
			return
		}
		e.ProcessTick(ctx, t)
	}
	if latest, err := e.ledger.Latest(); err == nil {
		e.metrics.SettlementLag.Set(float64(latest.Tick - e.lastProcessed.Load()))
	}
}

// ProcessTick evaluates every active bet against tick and waits for all
// resulting settlements before returning.
func (e *Engine) ProcessTick(ctx context.Context, tick domain.PriceTick) {
	start := time.Now()
	defer func() { e.metrics.SettlementDuration.Observe(time.Since(start).Seconds()) }()

	byUser := make(map[string][]domain.Bet)
	for _, b := range e.reg.Active() {
		byUser[b.UserID] = append(byUser[b.UserID], b)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, bets := range byUser {
		g.Go(func() error {
			for _, b := range bets {
				s, ok := e.reg.Pending(b.ID)
				if !ok {
					s, ok = e.evaluate(b, tick)
				}
				if ok {
					e.apply(gctx, s)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	e.lastProcessed.Store(tick.Tick)
	e.started.Store(true)
	e.metrics.ActiveBets.Set(float64(e.reg.Len()))
}

// evaluate decides bet against every tick it has not yet seen up to and
// including tick. A bet registered while earlier ticks were being processed
// is replayed from the ledger starting after its evaluation mark.
func (e *Engine) evaluate(b domain.Bet, tick domain.PriceTick) (domain.Settlement, bool) {
	from, ok := e.reg.EvaluatedThrough(b.ID)
	if !ok {
		from = b.TickAtPlacement
	}
	if from < tick.Tick-1 {
		for _, t := range e.ledger.Since(from) {
			if t.Tick >= tick.Tick {
				break
			}
			if s, ok := e.Decide(b, t); ok {
				return s, true
			}
		}
	}
	if tick.Tick > from {
		if s, ok := e.Decide(b, tick); ok {
			return s, true
		}
	}
	e.reg.MarkEvaluated(b.ID, tick.Tick)
	return domain.Settlement{}, false
}

// RetryPending re-applies decisions that previously failed to persist.
func (e *Engine) RetryPending(ctx context.Context) {
	for _, b := range e.reg.Active() {
		if s, ok := e.reg.Pending(b.ID); ok {
			e.apply(ctx, s)
		}
	}
}

// Decide returns the outcome tick implies for bet, if any. A bet can only be
// touched by ticks after the one it was placed on.
func (e *Engine) Decide(b domain.Bet, tick domain.PriceTick) (domain.Settlement, bool) {
	if tick.Tick <= b.TickAtPlacement {
		return domain.Settlement{}, false
	}
	start, end := e.cfg.Grid.Window(b.TargetTick)

	if tick.Tick >= start && tick.Tick <= end {
		if tick.Price.Sub(b.PriceLevel).Abs().LessThanOrEqual(e.cfg.Grid.HitBand()) {
			return e.settlement(b, tick, domain.BetStatusWon, b.Amount.Mul(b.Multiplier).Round(2)), true
		}
		return domain.Settlement{}, false
	}
	if tick.Tick > end {
		return e.settlement(b, tick, domain.BetStatusLost, decimal.Zero), true
	}
	return domain.Settlement{}, false
}

func (e *Engine) settlement(b domain.Bet, tick domain.PriceTick, status domain.BetStatus, payout decimal.Decimal) domain.Settlement {
	return domain.Settlement{
		BetID:     b.ID,
		UserID:    b.UserID,
		Status:    status,
		Payout:    payout,
		Price:     tick.Price,
		Tick:      tick.Tick,
		SettledAt: e.now().UTC().Truncate(time.Microsecond),
	}
}

// apply persists s and, on success, updates the registry and notifies the
// user. A store failure leaves the bet ACTIVE with s kept for retry.
func (e *Engine) apply(ctx context.Context, s domain.Settlement) {
	res, err := e.store.SettleBet(ctx, s)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrAlreadySettled), errors.Is(err, domain.ErrNotFound):
		e.reg.Drop(s.BetID)
		return
	default:
		e.reg.SetPending(s)
		e.metrics.SettlementErrors.Inc()
		e.logger.ErrorContext(ctx, "settle bet failed, will retry",
			slog.String("bet_id", s.BetID),
			slog.String("status", string(s.Status)),
			slog.String("error", err.Error()),
		)
		if e.alerter != nil {
			_ = e.alerter.Notify(ctx, "settlement_error", "Settlement failed",
				"bet "+s.BetID+": "+err.Error())
		}
		return
	}

	if _, err := e.reg.MarkSettled(s.BetID, s.Status, s.Payout, s.Price, s.SettledAt); err != nil {
		e.logger.DebugContext(ctx, "registry already settled", slog.String("bet_id", s.BetID))
	}
	e.metrics.BetsSettled.WithLabelValues(string(s.Status)).Inc()
	e.logger.DebugContext(ctx, "bet settled",
		slog.String("bet_id", s.BetID),
		slog.String("user_id", s.UserID),
		slog.String("status", string(s.Status)),
		slog.String("payout", s.Payout.String()),
		slog.Int64("tick", s.Tick),
	)

	if e.pub == nil {
		return
	}
	e.pub.Send(s.UserID, domain.EventBetSettled, domain.SettlementEvent{
		BetID:      s.BetID,
		UserID:     s.UserID,
		Status:     s.Status,
		Payout:     s.Payout,
		NewBalance: res.NewBalance,
		Tick:       s.Tick,
		Price:      s.Price,
	})
	e.pub.Send(s.UserID, domain.EventBalance, domain.BalanceEvent{UserID: s.UserID, Balance: res.NewBalance})
}
