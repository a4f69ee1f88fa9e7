package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BetStatus tracks the bet lifecycle. ACTIVE is the only non-terminal state.
type BetStatus string

const (
	BetStatusActive BetStatus = "ACTIVE"
	BetStatusWon    BetStatus = "WON"
	BetStatusLost   BetStatus = "LOST"
)

// Terminal reports whether s is a settled state.
func (s BetStatus) Terminal() bool {
	return s == BetStatusWon || s == BetStatusLost
}

// Bet is a wager on a grid cell: the price touching PriceLevel within the
// column window ending at TargetTick.
type Bet struct {
	ID                string           `json:"id"`
	UserID            string           `json:"user_id"`
	Amount            decimal.Decimal  `json:"amount"`
	Multiplier        decimal.Decimal  `json:"multiplier"`
	PriceLevel        decimal.Decimal  `json:"price_level"`
	TargetTick        int64            `json:"target_tick"`
	GridRow           int              `json:"grid_row"`
	GridCol           int              `json:"grid_col"`
	Status            BetStatus        `json:"status"`
	Payout            decimal.Decimal  `json:"payout"`
	PriceAtPlacement  decimal.Decimal  `json:"price_at_placement"`
	TickAtPlacement   int64            `json:"tick_at_placement"`
	PriceAtSettlement *decimal.Decimal `json:"price_at_settlement,omitempty"`
	SettledTick       *int64           `json:"settled_tick,omitempty"`
	PlacedAt          time.Time        `json:"placed_at"`
	SettledAt         *time.Time       `json:"settled_at,omitempty"`
}

// Settlement is the outcome the engine decided for one bet. It is applied to
// the store as a single atomic step.
type Settlement struct {
	BetID     string
	UserID    string
	Status    BetStatus
	Payout    decimal.Decimal
	Price     decimal.Decimal
	Tick      int64
	SettledAt time.Time
}

// SettlementResult is what the store reports after applying a Settlement.
type SettlementResult struct {
	Bet        Bet
	NewBalance decimal.Decimal
}
