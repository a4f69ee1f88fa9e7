package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tickgrid/internal/domain"
	"github.com/alanyoungcy/tickgrid/internal/ledger"
	"github.com/alanyoungcy/tickgrid/internal/metrics"
)

// Broadcaster publishes events to every subscriber.
type Broadcaster interface {
	Broadcast(t domain.EventType, payload any)
}

// Alerter forwards operator alerts. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// PriceConfig configures a PriceService.
type PriceConfig struct {
	Symbol string
	// Precision is the number of decimals the mid price is rounded to. A
	// negative value falls back to 2.
	Precision int32
	// GapThreshold is the silence after which the next quote records a gap.
	GapThreshold time.Duration
	// StaleAfter makes CurrentPrice fail with ErrFeedUnavailable when the
	// newest tick is older than this. Zero disables the check.
	StaleAfter time.Duration
}

const maxRecordedGaps = 100

// PriceService turns raw quotes into numbered ticks, appends them to the
// ledger and tells everyone about the new price.
type PriceService struct {
	cfg     PriceConfig
	ledger  *ledger.Ledger
	cache   domain.PriceCache
	pub     Broadcaster
	alerter Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	last   int64
	lastAt time.Time
	gaps   []domain.TickGap
}

// NewPriceService creates a PriceService. cache, pub and alerter may be nil.
func NewPriceService(cfg PriceConfig, l *ledger.Ledger, cache domain.PriceCache, pub Broadcaster, alerter Alerter, m *metrics.Metrics, logger *slog.Logger) *PriceService {
	if cfg.Precision < 0 {
		cfg.Precision = 2
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &PriceService{
		cfg:     cfg,
		ledger:  l,
		cache:   cache,
		pub:     pub,
		alerter: alerter,
		metrics: m,
		logger:  logger.With(slog.String("component", "price_service")),
		now:     time.Now,
	}
}

// Seed continues tick numbering after lastTick, so bets that survived a
// restart keep meaningful target ticks.
func (s *PriceService) Seed(lastTick int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lastTick > s.last {
		s.last = lastTick
	}
}

// MidPrice returns (bid+ask)/2 rounded to precision decimals.
func MidPrice(bid, ask decimal.Decimal, precision int32) decimal.Decimal {
	return bid.Add(ask).Div(decimal.NewFromInt(2)).Round(precision)
}

// HandleQuote numbers q, appends it to the ledger and publishes it.
func (s *PriceService) HandleQuote(ctx context.Context, q domain.Quote) (domain.PriceTick, error) {
	if !q.Bid.IsPositive() || !q.Ask.IsPositive() {
		return domain.PriceTick{}, fmt.Errorf("price_service: quote bid=%s ask=%s: %w", q.Bid, q.Ask, domain.ErrValidation)
	}
	at := q.ReceivedAt
	if at.IsZero() {
		at = s.now()
	}

	s.mu.Lock()
	tick := domain.PriceTick{
		Tick:      s.last + 1,
		Price:     MidPrice(q.Bid, q.Ask, s.cfg.Precision),
		Bid:       q.Bid,
		Ask:       q.Ask,
		Timestamp: at.UTC(),
	}
	missing, err := s.ledger.Append(tick)
	if err != nil {
		s.mu.Unlock()
		s.metrics.TicksRejected.Inc()
		return domain.PriceTick{}, fmt.Errorf("price_service: append tick: %w", err)
	}
	var silence time.Duration
	if !s.lastAt.IsZero() {
		silence = at.Sub(s.lastAt)
	}
	s.last = tick.Tick
	s.lastAt = at
	s.mu.Unlock()

	s.metrics.TicksIngested.Inc()
	s.metrics.LatestTick.Set(float64(tick.Tick))

	if missing > 0 {
		s.RecordGap(ctx, domain.TickGap{AfterTick: tick.Tick - missing - 1, Missing: missing, Reason: "tick numbers skipped", At: at})
	} else if s.cfg.GapThreshold > 0 && silence > s.cfg.GapThreshold {
		s.RecordGap(ctx, domain.TickGap{AfterTick: tick.Tick - 1, Silence: silence, Reason: "feed silent", At: at})
	}

	if s.cache != nil {
		if err := s.cache.SetLatest(ctx, s.cfg.Symbol, tick); err != nil {
			s.logger.WarnContext(ctx, "cache latest tick failed",
				slog.Int64("tick", tick.Tick),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.pub != nil {
		s.pub.Broadcast(domain.EventPriceUpdate, tick)
	}
	return tick, nil
}

// RecordGap logs, counts and broadcasts a discontinuity in the stream.
func (s *PriceService) RecordGap(ctx context.Context, gap domain.TickGap) {
	if gap.At.IsZero() {
		gap.At = s.now()
	}
	s.mu.Lock()
	s.gaps = append(s.gaps, gap)
	if len(s.gaps) > maxRecordedGaps {
		s.gaps = s.gaps[len(s.gaps)-maxRecordedGaps:]
	}
	s.mu.Unlock()

	s.metrics.TickGaps.Inc()
	s.logger.WarnContext(ctx, "tick gap recorded",
		slog.Int64("after_tick", gap.AfterTick),
		slog.Int64("missing", gap.Missing),
		slog.Duration("silence", gap.Silence),
		slog.String("reason", gap.Reason),
	)
	if s.pub != nil {
		s.pub.Broadcast(domain.EventTickGap, gap)
	}
	if s.alerter != nil {
		_ = s.alerter.Notify(ctx, "feed_gap", "Price feed gap",
			fmt.Sprintf("%s after tick %d (silence %s)", gap.Reason, gap.AfterTick, gap.Silence))
	}
}

// Gaps returns the most recent recorded gaps, oldest first.
func (s *PriceService) Gaps() []domain.TickGap {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TickGap, len(s.gaps))
	copy(out, s.gaps)
	return out
}

// CurrentPrice returns the newest tick, or ErrFeedUnavailable when there is
// none or it is stale.
func (s *PriceService) CurrentPrice() (domain.PriceTick, error) {
	t, err := s.ledger.Latest()
	if errors.Is(err, domain.ErrLedgerEmpty) {
		return domain.PriceTick{}, domain.ErrFeedUnavailable
	}
	if err != nil {
		return domain.PriceTick{}, err
	}
	if s.cfg.StaleAfter > 0 && s.now().Sub(t.Timestamp) > s.cfg.StaleAfter {
		return domain.PriceTick{}, domain.ErrFeedUnavailable
	}
	return t, nil
}

// Recent returns up to n of the newest ticks, oldest first.
func (s *PriceService) Recent(n int) []domain.PriceTick { return s.ledger.Recent(n) }

// Tick returns tick number n from the ledger.
func (s *PriceService) Tick(n int64) (domain.PriceTick, error) { return s.ledger.Get(n) }
