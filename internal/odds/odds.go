// Package odds prices grid cells. The multiplier grows with the distance
// between a cell's price level and the current price and shrinks for columns
// further to the right of the board.
package odds

import "github.com/shopspring/decimal"

// DefaultColumns is the board width the curve was tuned for.
const DefaultColumns = 7

var (
	base       = decimal.RequireFromString("1.6")
	colWeight  = decimal.RequireFromString("0.12")
	linWeight  = decimal.RequireFromString("0.65")
	quadWeight = decimal.RequireFromString("0.1")
	slope      = decimal.RequireFromString("1.05")
	ceiling    = decimal.NewFromInt(35)
	one        = decimal.NewFromInt(1)
)

// Calculator computes payout multipliers for a board with a fixed number of
// columns. The zero value is not usable; use New.
type Calculator struct {
	totalColumns int
}

// New returns a Calculator for a board totalColumns wide. Non-positive values
// fall back to DefaultColumns.
func New(totalColumns int) Calculator {
	if totalColumns <= 0 {
		totalColumns = DefaultColumns
	}
	return Calculator{totalColumns: totalColumns}
}

// Multiplier returns the payout multiplier for a cell rowDistance rows away
// from the center row in column columnsAhead. The result is capped at 35 and
// rounded half-up to two decimals.
func (c Calculator) Multiplier(rowDistance, columnsAhead int) decimal.Decimal {
	d := decimal.NewFromInt(int64(abs(rowDistance)))

	tf := one.Add(decimal.NewFromInt(int64(c.totalColumns - 1 - columnsAhead)).Mul(colWeight))
	pf := one.Add(d.Mul(linWeight)).Add(d.Mul(d).Mul(quadWeight))
	raw := base.Add(pf.Mul(tf).Sub(one).Mul(slope))

	return decimal.Min(raw, ceiling).Round(2)
}

// Table returns the multiplier for every cell on a rows x cols board, indexed
// [row][col], with centerRow at rows/2.
func (c Calculator) Table(rows int) [][]decimal.Decimal {
	center := rows / 2
	out := make([][]decimal.Decimal, rows)
	for r := 0; r < rows; r++ {
		out[r] = make([]decimal.Decimal, c.totalColumns)
		for col := 0; col < c.totalColumns; col++ {
			out[r][col] = c.Multiplier(r-center, col)
		}
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
