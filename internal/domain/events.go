package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType names the notifications fanned out to subscribers.
type EventType string

const (
	EventPriceUpdate  EventType = "price:update"
	EventBetConfirmed EventType = "game:betConfirmed"
	EventBetSettled   EventType = "game:betSettled"
	EventBalance      EventType = "user:balance"
	EventError        EventType = "error:message"
	EventTickGap      EventType = "price:gap"
)

// Event is the envelope delivered to subscribers. An empty UserID means the
// event is a broadcast.
type Event struct {
	Type    EventType `json:"type"`
	UserID  string    `json:"user_id,omitempty"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// SettlementEvent is emitted once per bet reaching a terminal state.
type SettlementEvent struct {
	BetID      string          `json:"bet_id"`
	UserID     string          `json:"user_id"`
	Status     BetStatus       `json:"status"`
	Payout     decimal.Decimal `json:"payout"`
	NewBalance decimal.Decimal `json:"new_balance"`
	Tick       int64           `json:"tick"`
	Price      decimal.Decimal `json:"price"`
}

// BetPlacedEvent is emitted after a bet was committed.
type BetPlacedEvent struct {
	Bet        Bet             `json:"bet"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// BalanceEvent reports a user's current balance.
type BalanceEvent struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}
