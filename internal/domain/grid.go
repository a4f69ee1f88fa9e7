package domain

import "github.com/shopspring/decimal"

// Grid holds the static geometry of the wager board. Rows map to price
// offsets around the current price, columns to future time windows.
type Grid struct {
	Rows           int             `json:"rows"`
	Cols           int             `json:"cols"`
	TicksPerColumn int64           `json:"ticks_per_column"`
	PriceStep      decimal.Decimal `json:"price_step"`
	// Tolerance is the fraction of PriceStep a tick may deviate from a bet's
	// price level and still count as a touch.
	Tolerance decimal.Decimal `json:"tolerance"`
}

// CenterRow is the row whose price level equals the current price.
func (g Grid) CenterRow() int { return g.Rows / 2 }

// InBounds reports whether (row, col) addresses a cell on the board.
func (g Grid) InBounds(row, col int) bool {
	return row >= 0 && row < g.Rows && col >= 0 && col < g.Cols
}

// HitBand is the maximum absolute distance between a tick price and a bet's
// price level that still counts as a touch.
func (g Grid) HitBand() decimal.Decimal {
	return g.PriceStep.Mul(g.Tolerance)
}

// PriceLevel returns the price a cell in row targets given the current price.
func (g Grid) PriceLevel(current decimal.Decimal, row int) decimal.Decimal {
	offset := int64(row - g.CenterRow())
	return current.Add(g.PriceStep.Mul(decimal.NewFromInt(offset)))
}

// TargetTick returns the tick that closes the window of column col for a bet
// placed at currentTick.
func (g Grid) TargetTick(currentTick int64, col int) int64 {
	return currentTick + int64(col+1)*g.TicksPerColumn
}

// Window returns the inclusive tick window a bet with targetTick can win in.
func (g Grid) Window(targetTick int64) (start, end int64) {
	return targetTick - g.TicksPerColumn, targetTick
}
