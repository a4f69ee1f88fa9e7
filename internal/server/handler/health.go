package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/tickgrid/internal/domain"
)

// Check is one named dependency probe.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// FeedStatus exposes the freshness of the price feed.
type FeedStatus interface {
	CurrentPrice() (domain.PriceTick, error)
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	checks []Check
	feed   FeedStatus
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. feed may be nil.
func NewHealthHandler(feed FeedStatus, checks []Check, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, feed: feed, logger: logger}
}

type healthResponse struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	LatestTick int64             `json:"latest_tick,omitempty"`
	Checks     map[string]string `json:"checks"`
}

// HealthCheck reports "ok", or "degraded" with a 503 when a dependency or
// the feed is down.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    make(map[string]string, len(h.checks)+1),
	}
	for _, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks[c.Name] = err.Error()
			continue
		}
		resp.Checks[c.Name] = "ok"
	}
	if h.feed != nil {
		tick, err := h.feed.CurrentPrice()
		if err != nil {
			resp.Status = "degraded"
			resp.Checks["feed"] = err.Error()
		} else {
			resp.Checks["feed"] = "ok"
			resp.LatestTick = tick.Tick
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
