package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AccountStore owns player balances.
type AccountStore interface {
	// EnsureAccount returns the account for userID, creating it with the
	// initial balance when it does not exist yet.
	EnsureAccount(ctx context.Context, userID string, initial decimal.Decimal) (Account, error)
	GetAccount(ctx context.Context, userID string) (Account, error)
}

// BetStore persists bets. PlaceBet and SettleBet are each one atomic unit:
// either every write they describe happens or none does.
type BetStore interface {
	// PlaceBet debits bet.Amount from the user's balance, inserts the bet as
	// ACTIVE and appends a BET_PLACED transaction. It fails with
	// ErrInsufficientBalance (before any write) when the balance is short.
	PlaceBet(ctx context.Context, bet Bet) (newBalance decimal.Decimal, err error)
	// SettleBet moves an ACTIVE bet to s.Status. For WON it also credits the
	// payout and appends a BET_WON transaction. A bet that is no longer
	// ACTIVE yields ErrAlreadySettled and no writes.
	SettleBet(ctx context.Context, s Settlement) (SettlementResult, error)
	GetBet(ctx context.Context, id string) (Bet, error)
	ListActiveBets(ctx context.Context) ([]Bet, error)
	// ListBetsByUser returns bets newest first. An empty status matches all.
	ListBetsByUser(ctx context.Context, userID string, status BetStatus, opts ListOpts) ([]Bet, error)
	// ListSettledBefore returns terminal bets settled strictly before the cutoff.
	ListSettledBefore(ctx context.Context, before time.Time) ([]Bet, error)
}

// TransactionStore exposes the append-only transaction log.
type TransactionStore interface {
	ListTransactions(ctx context.Context, userID string, opts ListOpts) ([]Transaction, error)
	Summary(ctx context.Context, userID string) (TransactionSummary, error)
	ListTransactionsBefore(ctx context.Context, before time.Time) ([]Transaction, error)
}

// Store is the durable collaborator the engine depends on.
type Store interface {
	AccountStore
	BetStore
	TransactionStore
	Ping(ctx context.Context) error
}
