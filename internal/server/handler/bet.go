package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tickgrid/internal/domain"
	"github.com/alanyoungcy/tickgrid/internal/service"
)

// BetService is what the bet handler needs from the service layer.
type BetService interface {
	PlaceBet(ctx context.Context, userID string, amount decimal.Decimal, row, col int) (service.PlaceResult, error)
	ActiveBets(userID string) []domain.Bet
	BetHistory(ctx context.Context, userID string, status domain.BetStatus, opts domain.ListOpts) ([]domain.Bet, error)
	GetBet(ctx context.Context, id string) (domain.Bet, error)
}

// BetHandler serves bet placement and lookups.
type BetHandler struct {
	bets   BetService
	logger *slog.Logger
}

// NewBetHandler creates a BetHandler.
func NewBetHandler(bets BetService, logger *slog.Logger) *BetHandler {
	return &BetHandler{bets: bets, logger: logHandler(logger, "bet")}
}

// PlaceBetRequest is the body of POST /api/bets and of the websocket
// place_bet action.
type PlaceBetRequest struct {
	UserID  string          `json:"user_id"`
	Amount  decimal.Decimal `json:"amount"`
	GridRow *int            `json:"grid_row"`
	GridCol *int            `json:"grid_col"`
}

// Validate checks the request is structurally complete. Game rules are
// enforced by the service.
func (req PlaceBetRequest) Validate() string {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return "user_id is required"
	case req.GridRow == nil || req.GridCol == nil:
		return "grid_row and grid_col are required"
	}
	return ""
}

// Place places a bet.
// POST /api/bets
func (h *BetHandler) Place(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.Validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	res, err := h.bets.PlaceBet(r.Context(), req.UserID, req.Amount, *req.GridRow, *req.GridCol)
	if err != nil {
		writeServiceError(w, r, h.logger, "place bet", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Active lists the user's in-flight bets.
// GET /api/users/{id}/bets/active
func (h *BetHandler) Active(w http.ResponseWriter, r *http.Request) {
	bets := h.bets.ActiveBets(r.PathValue("id"))
	if bets == nil {
		bets = []domain.Bet{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bets": bets})
}

// History lists the user's bets, newest first.
// GET /api/users/{id}/bets?status=WON&limit=&offset=
func (h *BetHandler) History(w http.ResponseWriter, r *http.Request) {
	status := domain.BetStatus(strings.ToUpper(r.URL.Query().Get("status")))
	switch status {
	case "", domain.BetStatusActive, domain.BetStatusWon, domain.BetStatusLost:
	default:
		writeError(w, http.StatusBadRequest, "status must be ACTIVE, WON or LOST")
		return
	}
	bets, err := h.bets.BetHistory(r.Context(), r.PathValue("id"), status, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "bet history", err)
		return
	}
	if bets == nil {
		bets = []domain.Bet{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bets": bets})
}

// Get returns one bet.
// GET /api/bets/{id}
func (h *BetHandler) Get(w http.ResponseWriter, r *http.Request) {
	bet, err := h.bets.GetBet(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get bet", err)
		return
	}
	writeJSON(w, http.StatusOK, bet)
}
