package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a raw best bid/ask pair pushed by an upstream price source.
type Quote struct {
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	ReceivedAt time.Time
}

// PriceTick is one numbered observation of the reference price. Ticks are
// immutable once appended to the ledger.
type PriceTick struct {
	Tick      int64           `json:"tick"`
	Price     decimal.Decimal `json:"price"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
}

// TickGap records a discontinuity in the tick stream. Missing ticks are never
// synthesized; the gap is only reported.
type TickGap struct {
	AfterTick int64         `json:"after_tick"`
	Missing   int64         `json:"missing"`
	Silence   time.Duration `json:"silence"`
	Reason    string        `json:"reason"`
	At        time.Time     `json:"at"`
}
