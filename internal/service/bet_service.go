package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tickgrid/internal/domain"
	"github.com/alanyoungcy/tickgrid/internal/metrics"
	"github.com/alanyoungcy/tickgrid/internal/odds"
	"github.com/alanyoungcy/tickgrid/internal/registry"
)

// PriceSource supplies the current price for bet placement.
type PriceSource interface {
	CurrentPrice() (domain.PriceTick, error)
}

// UserPublisher sends events to a single user.
type UserPublisher interface {
	Send(userID string, t domain.EventType, payload any)
}

// BetConfig configures a BetService.
type BetConfig struct {
	Grid           domain.Grid
	BetSizes       []decimal.Decimal
	InitialBalance decimal.Decimal
	// RateLimit caps placements per user per RateWindow. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// PlaceResult is returned by a successful PlaceBet.
type PlaceResult struct {
	Bet        domain.Bet      `json:"bet"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// BetService validates and commits bets, and answers account queries.
type BetService struct {
	cfg     BetConfig
	store   domain.Store
	reg     *registry.Registry
	prices  PriceSource
	odds    odds.Calculator
	limiter domain.RateLimiter
	pub     UserPublisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewBetService creates a BetService. limiter and pub may be nil.
func NewBetService(
	cfg BetConfig,
	store domain.Store,
	reg *registry.Registry,
	prices PriceSource,
	limiter domain.RateLimiter,
	pub UserPublisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *BetService {
	if m == nil {
		m = metrics.New(nil)
	}
	return &BetService{
		cfg:     cfg,
		store:   store,
		reg:     reg,
		prices:  prices,
		odds:    odds.New(cfg.Grid.Cols),
		limiter: limiter,
		pub:     pub,
		metrics: m,
		logger:  logger.With(slog.String("component", "bet_service")),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Restore loads every ACTIVE bet from the store into the registry.
func (s *BetService) Restore(ctx context.Context) (int, error) {
	bets, err := s.store.ListActiveBets(ctx)
	if err != nil {
		return 0, fmt.Errorf("bet_service: restore active bets: %w", err)
	}
	return s.reg.Load(bets), nil
}

// MaxPlacementTick returns the highest placement tick among active bets.
func (s *BetService) MaxPlacementTick() int64 {
	var highest int64
	for _, b := range s.reg.Active() {
		if b.TickAtPlacement > highest {
			highest = b.TickAtPlacement
		}
	}
	return highest
}

// PlaceBet validates the request in a fixed order (amount, grid cell, price
// availability, balance) and commits the debit, the bet and its BET_PLACED
// transaction as one unit.
func (s *BetService) PlaceBet(ctx context.Context, userID string, amount decimal.Decimal, row, col int) (PlaceResult, error) {
	res, err := s.placeBet(ctx, userID, amount, row, col)
	if err != nil {
		if rej, ok := domain.AsRejection(err); ok {
			s.metrics.BetsRejected.WithLabelValues(string(rej.Code)).Inc()
			s.logger.DebugContext(ctx, "bet rejected",
				slog.String("user_id", userID),
				slog.String("code", string(rej.Code)),
			)
		}
		return PlaceResult{}, err
	}
	return res, nil
}

func (s *BetService) placeBet(ctx context.Context, userID string, amount decimal.Decimal, row, col int) (PlaceResult, error) {
	if userID == "" {
		return PlaceResult{}, fmt.Errorf("bet_service: empty user id: %w", domain.ErrValidation)
	}
	if s.limiter != nil && s.cfg.RateLimit > 0 {
		ok, err := s.limiter.Allow(ctx, "bets:"+userID, s.cfg.RateLimit, s.cfg.RateWindow)
		if err != nil {
			s.logger.WarnContext(ctx, "rate limiter unavailable, allowing", slog.String("error", err.Error()))
		} else if !ok {
			return PlaceResult{}, domain.Reject(domain.RejectRateLimited, "too many bets")
		}
	}

	if !s.allowedAmount(amount) {
		return PlaceResult{}, domain.Reject(domain.RejectInvalidAmount, fmt.Sprintf("amount %s not in allowed sizes", amount))
	}
	if !s.cfg.Grid.InBounds(row, col) {
		return PlaceResult{}, domain.Reject(domain.RejectGridOutOfBounds, fmt.Sprintf("cell (%d,%d) outside %dx%d grid", row, col, s.cfg.Grid.Rows, s.cfg.Grid.Cols))
	}
	current, err := s.prices.CurrentPrice()
	if err != nil {
		return PlaceResult{}, domain.Reject(domain.RejectFeedUnavailable, "no current price")
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	bet := domain.Bet{
		ID:               s.newID(),
		UserID:           userID,
		Amount:           amount,
		Multiplier:       s.odds.Multiplier(row-s.cfg.Grid.CenterRow(), col),
		PriceLevel:       s.cfg.Grid.PriceLevel(current.Price, row),
		TargetTick:       s.cfg.Grid.TargetTick(current.Tick, col),
		GridRow:          row,
		GridCol:          col,
		Status:           domain.BetStatusActive,
		Payout:           decimal.Zero,
		PriceAtPlacement: current.Price,
		TickAtPlacement:  current.Tick,
		PlacedAt:         now,
	}

	balance, err := s.store.PlaceBet(ctx, bet)
	if errors.Is(err, domain.ErrInsufficientBalance) {
		return PlaceResult{}, domain.Reject(domain.RejectInsufficientBalance, fmt.Sprintf("balance %s below stake %s", balance, amount))
	}
	if err != nil {
		return PlaceResult{}, fmt.Errorf("bet_service: place bet: %w", err)
	}

	s.reg.Insert(bet)
	s.metrics.BetsPlaced.Inc()
	s.metrics.ActiveBets.Set(float64(s.reg.Len()))
	s.logger.InfoContext(ctx, "bet placed",
		slog.String("bet_id", bet.ID),
		slog.String("user_id", userID),
		slog.String("amount", amount.String()),
		slog.String("multiplier", bet.Multiplier.String()),
		slog.Int64("target_tick", bet.TargetTick),
	)
	if s.pub != nil {
		s.pub.Send(userID, domain.EventBetConfirmed, domain.BetPlacedEvent{Bet: bet, NewBalance: balance})
		s.pub.Send(userID, domain.EventBalance, domain.BalanceEvent{UserID: userID, Balance: balance})
	}
	return PlaceResult{Bet: bet, NewBalance: balance}, nil
}

func (s *BetService) allowedAmount(amount decimal.Decimal) bool {
	for _, size := range s.cfg.BetSizes {
		if amount.Equal(size) {
			return true
		}
	}
	return false
}

// ActiveBets returns userID's in-flight bets.
func (s *BetService) ActiveBets(userID string) []domain.Bet {
	return s.reg.ActiveForUser(userID)
}

// BetHistory returns userID's bets, newest first.
func (s *BetService) BetHistory(ctx context.Context, userID string, status domain.BetStatus, opts domain.ListOpts) ([]domain.Bet, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	return s.store.ListBetsByUser(ctx, userID, status, opts)
}

// GetBet looks up one bet.
func (s *BetService) GetBet(ctx context.Context, id string) (domain.Bet, error) {
	return s.store.GetBet(ctx, id)
}

// OpenAccount returns userID's account, creating it with the initial balance.
func (s *BetService) OpenAccount(ctx context.Context, userID string) (domain.Account, error) {
	if userID == "" {
		return domain.Account{}, fmt.Errorf("bet_service: empty user id: %w", domain.ErrValidation)
	}
	return s.store.EnsureAccount(ctx, userID, s.cfg.InitialBalance)
}

// Account returns userID's account.
func (s *BetService) Account(ctx context.Context, userID string) (domain.Account, error) {
	return s.store.GetAccount(ctx, userID)
}

// Transactions returns userID's transaction log, newest first.
func (s *BetService) Transactions(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	return s.store.ListTransactions(ctx, userID, opts)
}

// Summary aggregates userID's transactions.
func (s *BetService) Summary(ctx context.Context, userID string) (domain.TransactionSummary, error) {
	return s.store.Summary(ctx, userID)
}

// OddsTable returns the multiplier for every grid cell.
func (s *BetService) OddsTable() [][]decimal.Decimal {
	return s.odds.Table(s.cfg.Grid.Rows)
}

// Grid returns the board geometry.
func (s *BetService) Grid() domain.Grid { return s.cfg.Grid }

// BetSizes returns the allowed stakes.
func (s *BetService) BetSizes() []decimal.Decimal {
	return append([]decimal.Decimal(nil), s.cfg.BetSizes...)
}
