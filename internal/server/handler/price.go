package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/tickgrid/internal/domain"
)

// PriceService is what the price handler needs from the service layer.
type PriceService interface {
	CurrentPrice() (domain.PriceTick, error)
	Recent(n int) []domain.PriceTick
	Tick(n int64) (domain.PriceTick, error)
	Gaps() []domain.TickGap
}

// PriceHandler serves the tick ledger.
type PriceHandler struct {
	prices PriceService
	logger *slog.Logger
}

// NewPriceHandler creates a PriceHandler.
func NewPriceHandler(prices PriceService, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{prices: prices, logger: logHandler(logger, "price")}
}

// Current returns the newest tick.
// GET /api/price
func (h *PriceHandler) Current(w http.ResponseWriter, r *http.Request) {
	tick, err := h.prices.CurrentPrice()
	if err != nil {
		writeServiceError(w, r, h.logger, "current price", err)
		return
	}
	writeJSON(w, http.StatusOK, tick)
}

// Recent returns up to count (default 100) of the newest ticks, oldest first.
// GET /api/price/recent?count=100
func (h *PriceHandler) Recent(w http.ResponseWriter, r *http.Request) {
	count := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("count")); err == nil && n > 0 {
		count = n
	}
	ticks := h.prices.Recent(count)
	if ticks == nil {
		ticks = []domain.PriceTick{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticks": ticks})
}

// ByNumber returns one tick.
// GET /api/price/{tick}
func (h *PriceHandler) ByNumber(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseInt(r.PathValue("tick"), 10, 64)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "tick must be a positive integer")
		return
	}
	tick, err := h.prices.Tick(n)
	if err != nil {
		writeServiceError(w, r, h.logger, "get tick", err)
		return
	}
	writeJSON(w, http.StatusOK, tick)
}

// Gaps lists recently recorded feed discontinuities.
// GET /api/price/gaps
func (h *PriceHandler) Gaps(w http.ResponseWriter, r *http.Request) {
	gaps := h.prices.Gaps()
	if gaps == nil {
		gaps = []domain.TickGap{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"gaps": gaps})
}

func logHandler(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String("handler", name))
}
