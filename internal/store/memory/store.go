// Package memory implements domain.Store in process memory. It backs local
// runs without Postgres and the test suites of the packages above it.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tickgrid/internal/domain"
)

// Store keeps accounts, bets and transactions in maps guarded by a single
// mutex, so every PlaceBet and SettleBet call is trivially atomic.
type Store struct {
	mu       sync.Mutex
	accounts map[string]domain.Account
	bets     map[string]domain.Bet
	txs      []domain.Transaction
	now      func() time.Time
}

var _ domain.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		accounts: make(map[string]domain.Account),
		bets:     make(map[string]domain.Bet),
		now:      time.Now,
	}
}

func (s *Store) Ping(context.Context) error { return nil }

// EnsureAccount returns userID's account, creating it with initial if absent.
func (s *Store) EnsureAccount(_ context.Context, userID string, initial decimal.Decimal) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[userID]; ok {
		return a, nil
	}
	now := s.now()
	a := domain.Account{UserID: userID, Balance: initial, CreatedAt: now, UpdatedAt: now}
	s.accounts[userID] = a
	return a, nil
}

func (s *Store) GetAccount(_ context.Context, userID string) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return a, nil
}

// PlaceBet debits the stake, stores the bet and records BET_PLACED in one
// critical section.
func (s *Store) PlaceBet(_ context.Context, bet domain.Bet) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[bet.UserID]
	if !ok {
		return decimal.Zero, fmt.Errorf("memory: place bet for %s: %w", bet.UserID, domain.ErrNotFound)
	}
	if a.Balance.LessThan(bet.Amount) {
		return a.Balance, domain.ErrInsufficientBalance
	}
	if _, dup := s.bets[bet.ID]; dup {
		return a.Balance, fmt.Errorf("memory: bet %s: %w", bet.ID, domain.ErrAlreadyExists)
	}

	before := a.Balance
	a.Balance = a.Balance.Sub(bet.Amount)
	a.UpdatedAt = s.now()
	s.accounts[bet.UserID] = a

	bet.Status = domain.BetStatusActive
	bet.Payout = decimal.Zero
	s.bets[bet.ID] = bet
	s.txs = append(s.txs, domain.Transaction{
		ID:            uuid.NewString(),
		UserID:        bet.UserID,
		Type:          domain.TxBetPlaced,
		Amount:        bet.Amount.Neg(),
		BalanceBefore: before,
		BalanceAfter:  a.Balance,
		BetID:         bet.ID,
		CreatedAt:     bet.PlacedAt,
	})
	return a.Balance, nil
}

// SettleBet applies st if the bet is still ACTIVE.
func (s *Store) SettleBet(_ context.Context, st domain.Settlement) (domain.SettlementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bets[st.BetID]
	if !ok {
		return domain.SettlementResult{}, domain.ErrNotFound
	}
	if b.Status != domain.BetStatusActive {
		return domain.SettlementResult{}, domain.ErrAlreadySettled
	}
	a := s.accounts[b.UserID]

	b.Status = st.Status
	b.Payout = st.Payout
	price, tick, at := st.Price, st.Tick, st.SettledAt
	b.PriceAtSettlement = &price
	b.SettledTick = &tick
	b.SettledAt = &at
	s.bets[b.ID] = b

	if st.Status == domain.BetStatusWon && st.Payout.IsPositive() {
		before := a.Balance
		a.Balance = a.Balance.Add(st.Payout)
		a.UpdatedAt = at
		s.accounts[b.UserID] = a
		s.txs = append(s.txs, domain.Transaction{
			ID:            uuid.NewString(),
			UserID:        b.UserID,
			Type:          domain.TxBetWon,
			Amount:        st.Payout,
			BalanceBefore: before,
			BalanceAfter:  a.Balance,
			BetID:         b.ID,
			CreatedAt:     at,
		})
	}
	return domain.SettlementResult{Bet: b, NewBalance: a.Balance}, nil
}

func (s *Store) GetBet(_ context.Context, id string) (domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bets[id]
	if !ok {
		return domain.Bet{}, domain.ErrNotFound
	}
	return b, nil
}

func (s *Store) ListActiveBets(context.Context) ([]domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Bet
	for _, b := range s.bets {
		if b.Status == domain.BetStatusActive {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.Before(out[j].PlacedAt) })
	return out, nil
}

func (s *Store) ListBetsByUser(_ context.Context, userID string, status domain.BetStatus, opts domain.ListOpts) ([]domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Bet
	for _, b := range s.bets {
		if b.UserID != userID || (status != "" && b.Status != status) {
			continue
		}
		if !inRange(b.PlacedAt, opts) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.After(out[j].PlacedAt) })
	return page(out, opts), nil
}

func (s *Store) ListSettledBefore(_ context.Context, before time.Time) ([]domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Bet
	for _, b := range s.bets {
		if b.Status.Terminal() && b.SettledAt != nil && b.SettledAt.Before(before) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SettledAt.Before(*out[j].SettledAt) })
	return out, nil
}

func (s *Store) ListTransactions(_ context.Context, userID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transaction
	for i := len(s.txs) - 1; i >= 0; i-- {
		tx := s.txs[i]
		if tx.UserID == userID && inRange(tx.CreatedAt, opts) {
			out = append(out, tx)
		}
	}
	return page(out, opts), nil
}

func (s *Store) Summary(_ context.Context, userID string) (domain.TransactionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var mine []domain.Transaction
	for _, tx := range s.txs {
		if tx.UserID == userID {
			mine = append(mine, tx)
		}
	}
	return domain.Summarize(mine), nil
}

func (s *Store) ListTransactionsBefore(_ context.Context, before time.Time) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range s.txs {
		if tx.CreatedAt.Before(before) {
			out = append(out, tx)
		}
	}
	return out, nil
}

func inRange(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && !t.Before(*opts.Until) {
		return false
	}
	return true
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
