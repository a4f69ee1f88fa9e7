package handler

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tickgrid/internal/domain"
)

// OddsSource exposes the grid geometry and its multiplier table.
type OddsSource interface {
	Grid() domain.Grid
	OddsTable() [][]decimal.Decimal
	BetSizes() []decimal.Decimal
}

// OddsHandler serves the quote table clients render the grid from.
type OddsHandler struct {
	odds OddsSource
}

// NewOddsHandler creates an OddsHandler.
func NewOddsHandler(odds OddsSource) *OddsHandler {
	return &OddsHandler{odds: odds}
}

type oddsResponse struct {
	Grid        domain.Grid         `json:"grid"`
	CenterRow   int                 `json:"center_row"`
	Multipliers [][]decimal.Decimal `json:"multipliers"`
	BetSizes    []decimal.Decimal   `json:"bet_sizes"`
}

// Table returns the rows x cols multiplier table.
// GET /api/odds
func (h *OddsHandler) Table(w http.ResponseWriter, r *http.Request) {
	g := h.odds.Grid()
	writeJSON(w, http.StatusOK, oddsResponse{
		Grid:        g,
		CenterRow:   g.CenterRow(),
		Multipliers: h.odds.OddsTable(),
		BetSizes:    h.odds.BetSizes(),
	})
}
