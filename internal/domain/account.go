package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a player's balance as owned by the durable store.
type Account struct {
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TransactionType names the balance movements the engine produces.
type TransactionType string

const (
	TxBetPlaced TransactionType = "BET_PLACED"
	TxBetWon    TransactionType = "BET_WON"
)

// Transaction is an append-only record of a single balance change.
// BET_PLACED amounts are negative, BET_WON amounts positive.
type Transaction struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Type          TransactionType `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	BetID         string          `json:"bet_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// TransactionSummary aggregates a user's transaction history.
type TransactionSummary struct {
	TotalWagered     decimal.Decimal `json:"total_wagered"`
	TotalWon         decimal.Decimal `json:"total_won"`
	Profit           decimal.Decimal `json:"profit"`
	TransactionCount int64           `json:"transaction_count"`
}

// Summarize folds txs into a TransactionSummary.
func Summarize(txs []Transaction) TransactionSummary {
	s := TransactionSummary{TotalWagered: decimal.Zero, TotalWon: decimal.Zero}
	for _, tx := range txs {
		switch tx.Type {
		case TxBetPlaced:
			s.TotalWagered = s.TotalWagered.Add(tx.Amount.Abs())
		case TxBetWon:
			s.TotalWon = s.TotalWon.Add(tx.Amount)
		}
		s.TransactionCount++
	}
	s.Profit = s.TotalWon.Sub(s.TotalWagered)
	return s
}
