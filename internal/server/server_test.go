package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tickgrid/internal/domain"
	"github.com/alanyoungcy/tickgrid/internal/fanout"
	"github.com/alanyoungcy/tickgrid/internal/ledger"
	"github.com/alanyoungcy/tickgrid/internal/registry"
	"github.com/alanyoungcy/tickgrid/internal/server/handler"
	"github.com/alanyoungcy/tickgrid/internal/service"
	"github.com/alanyoungcy/tickgrid/internal/store/memory"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type stack struct {
	handler http.Handler
	prices  *service.PriceService
}

func newStack(t *testing.T, cfg Config, limiter domain.RateLimiter, ticks int) stack {
	t.Helper()
	logger := discard()
	hub := fanout.New(16, nil, logger)
	t.Cleanup(hub.Close)

	l := ledger.New(100)
	prices := service.NewPriceService(service.PriceConfig{Symbol: "BTCUSD", Precision: 2}, l, nil, hub, nil, nil, logger)
	for i := 0; i < ticks; i++ {
		q := domain.Quote{Bid: dec("2999"), Ask: dec("3001"), ReceivedAt: time.Now()}
		if _, err := prices.HandleQuote(context.Background(), q); err != nil {
			t.Fatal(err)
		}
	}

	bets := service.NewBetService(service.BetConfig{
		Grid:           domain.Grid{Rows: 13, Cols: 7, TicksPerColumn: 15, PriceStep: dec("20"), Tolerance: dec("0.55")},
		BetSizes:       []decimal.Decimal{dec("1"), dec("5"), dec("10"), dec("50")},
		InitialBalance: dec("1000"),
	}, memory.New(), registry.New(), prices, nil, hub, nil, logger)

	h := Handlers{
		Health:   handler.NewHealthHandler(prices, nil, logger),
		Price:    handler.NewPriceHandler(prices, logger),
		Odds:     handler.NewOddsHandler(bets),
		Accounts: handler.NewAccountHandler(bets, logger),
		Bets:     handler.NewBetHandler(bets, logger),
	}
	return stack{handler: NewHandler(cfg, h, nil, limiter, logger), prices: prices}
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestBetLifecycleOverHTTP(t *testing.T) {
	s := newStack(t, Config{}, nil, 3)
	h := s.handler

	rec := do(t, h, http.MethodPost, "/api/accounts", `{"user_id":"alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("open account: %d %s", rec.Code, rec.Body)
	}
	var acct domain.Account
	decode(t, rec, &acct)
	if !acct.Balance.Equal(dec("1000")) {
		t.Fatalf("initial balance = %s", acct.Balance)
	}

	rec = do(t, h, http.MethodPost, "/api/bets", `{"user_id":"alice","amount":"10","grid_row":6,"grid_col":0}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("place bet: %d %s", rec.Code, rec.Body)
	}
	var placed service.PlaceResult
	decode(t, rec, &placed)
	if placed.Bet.TargetTick != 3+15 || !placed.Bet.PriceLevel.Equal(dec("3000")) {
		t.Errorf("bet terms = target %d level %s", placed.Bet.TargetTick, placed.Bet.PriceLevel)
	}
	if !placed.NewBalance.Equal(dec("990")) {
		t.Errorf("new balance = %s", placed.NewBalance)
	}

	rec = do(t, h, http.MethodGet, "/api/users/alice/bets/active", "")
	var active struct{ Bets []domain.Bet }
	decode(t, rec, &active)
	if len(active.Bets) != 1 || active.Bets[0].ID != placed.Bet.ID {
		t.Errorf("active bets = %+v", active.Bets)
	}

	rec = do(t, h, http.MethodGet, "/api/bets/"+placed.Bet.ID, "")
	if rec.Code != http.StatusOK {
		t.Errorf("get bet: %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/users/alice/bets?status=active", "")
	var history struct{ Bets []domain.Bet }
	decode(t, rec, &history)
	if len(history.Bets) != 1 {
		t.Errorf("history = %d bets", len(history.Bets))
	}

	rec = do(t, h, http.MethodGet, "/api/users/alice/balance", "")
	decode(t, rec, &acct)
	if !acct.Balance.Equal(dec("990")) {
		t.Errorf("balance = %s", acct.Balance)
	}

	rec = do(t, h, http.MethodGet, "/api/users/alice/summary", "")
	var sum domain.TransactionSummary
	decode(t, rec, &sum)
	if !sum.TotalWagered.Equal(dec("10")) || sum.TransactionCount != 1 {
		t.Errorf("summary = %+v", sum)
	}

	rec = do(t, h, http.MethodGet, "/api/users/alice/transactions?limit=10", "")
	var txs struct{ Transactions []domain.Transaction }
	decode(t, rec, &txs)
	if len(txs.Transactions) != 1 || txs.Transactions[0].Type != domain.TxBetPlaced {
		t.Errorf("transactions = %+v", txs.Transactions)
	}
}

func TestPlaceBetErrors(t *testing.T) {
	s := newStack(t, Config{}, nil, 1)
	do(t, s.handler, http.MethodPost, "/api/accounts", `{"user_id":"alice"}`)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantTag  string
	}{
		{"amount not offered", `{"user_id":"alice","amount":3,"grid_row":6,"grid_col":0}`, http.StatusBadRequest, "invalid_amount"},
		{"row off grid", `{"user_id":"alice","amount":5,"grid_row":13,"grid_col":0}`, http.StatusBadRequest, "grid_out_of_bounds"},
		{"col off grid", `{"user_id":"alice","amount":5,"grid_row":0,"grid_col":-1}`, http.StatusBadRequest, "grid_out_of_bounds"},
		{"missing cell", `{"user_id":"alice","amount":5}`, http.StatusBadRequest, ""},
		{"missing user", `{"amount":5,"grid_row":0,"grid_col":0}`, http.StatusBadRequest, ""},
		{"unknown field", `{"user_id":"alice","stake":5}`, http.StatusBadRequest, ""},
		{"unknown user", `{"user_id":"bob","amount":5,"grid_row":0,"grid_col":0}`, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s.handler, http.MethodPost, "/api/bets", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body)
			}
			var body struct{ Code string }
			decode(t, rec, &body)
			if body.Code != tt.wantTag {
				t.Errorf("code = %q, want %q", body.Code, tt.wantTag)
			}
		})
	}
}

func TestPlaceBetWithoutFeed(t *testing.T) {
	s := newStack(t, Config{}, nil, 0)
	do(t, s.handler, http.MethodPost, "/api/accounts", `{"user_id":"alice"}`)

	rec := do(t, s.handler, http.MethodPost, "/api/bets", `{"user_id":"alice","amount":5,"grid_row":6,"grid_col":0}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 (%s)", rec.Code, rec.Body)
	}
	if rec := do(t, s.handler, http.MethodGet, "/api/price", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /api/price = %d, want 503", rec.Code)
	}
	if rec := do(t, s.handler, http.MethodGet, "/api/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /api/health = %d, want 503", rec.Code)
	}
}

func TestPriceRoutes(t *testing.T) {
	s := newStack(t, Config{}, nil, 5)

	tests := []struct {
		path string
		want int
	}{
		{"/api/price", http.StatusOK},
		{"/api/price/recent?count=2", http.StatusOK},
		{"/api/price/gaps", http.StatusOK},
		{"/api/price/3", http.StatusOK},
		{"/api/price/99", http.StatusNotFound},
		{"/api/price/abc", http.StatusBadRequest},
		{"/api/health", http.StatusOK},
	}
	for _, tt := range tests {
		if rec := do(t, s.handler, http.MethodGet, tt.path, ""); rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}

	rec := do(t, s.handler, http.MethodGet, "/api/price/recent?count=2", "")
	var recent struct{ Ticks []domain.PriceTick }
	decode(t, rec, &recent)
	if len(recent.Ticks) != 2 || recent.Ticks[0].Tick != 4 || recent.Ticks[1].Tick != 5 {
		t.Errorf("recent = %+v", recent.Ticks)
	}

	rec = do(t, s.handler, http.MethodGet, "/api/price/3", "")
	var tick domain.PriceTick
	decode(t, rec, &tick)
	if tick.Tick != 3 || !tick.Price.Equal(dec("3000")) {
		t.Errorf("tick = %+v", tick)
	}
}

func TestOddsTable(t *testing.T) {
	s := newStack(t, Config{}, nil, 1)
	rec := do(t, s.handler, http.MethodGet, "/api/odds", "")
	var body struct {
		CenterRow   int                 `json:"center_row"`
		Multipliers [][]decimal.Decimal `json:"multipliers"`
		BetSizes    []decimal.Decimal   `json:"bet_sizes"`
	}
	decode(t, rec, &body)
	if body.CenterRow != 6 || len(body.Multipliers) != 13 || len(body.Multipliers[0]) != 7 {
		t.Fatalf("odds = center %d, %d rows", body.CenterRow, len(body.Multipliers))
	}
	if len(body.BetSizes) != 4 {
		t.Errorf("bet sizes = %v", body.BetSizes)
	}
}

func TestAuthGuardsMutatingRoutes(t *testing.T) {
	s := newStack(t, Config{APIKey: "secret"}, nil, 1)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		header []string
		want   int
	}{
		{"read without key", http.MethodGet, "/api/price", "", nil, http.StatusOK},
		{"write without key", http.MethodPost, "/api/accounts", `{"user_id":"a"}`, nil, http.StatusUnauthorized},
		{"write with wrong key", http.MethodPost, "/api/accounts", `{"user_id":"a"}`, []string{"X-API-Key", "nope"}, http.StatusUnauthorized},
		{"write with bearer", http.MethodPost, "/api/accounts", `{"user_id":"a"}`, []string{"Authorization", "Bearer secret"}, http.StatusOK},
		{"write with header key", http.MethodPost, "/api/accounts", `{"user_id":"b"}`, []string{"X-API-Key", "secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, s.handler, tt.method, tt.path, tt.body, tt.header...); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newStack(t, Config{CORSOrigins: []string{"https://play.example"}}, nil, 1)

	rec := do(t, s.handler, http.MethodOptions, "/api/bets", "", "Origin", "https://play.example")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://play.example" {
		t.Errorf("allow origin = %q", got)
	}

	rec = do(t, s.handler, http.MethodGet, "/api/price", "", "Origin", "https://evil.example")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin allowed: %q", got)
	}
}

type countingLimiter struct {
	allow int64
	n     atomic.Int64
}

func (l *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return l.n.Add(1) <= l.allow, nil
}

func TestRateLimit(t *testing.T) {
	s := newStack(t, Config{RateLimit: 2}, &countingLimiter{allow: 2}, 1)

	for i, want := range []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests} {
		if rec := do(t, s.handler, http.MethodGet, "/api/price", ""); rec.Code != want {
			t.Errorf("request %d = %d, want %d", i, rec.Code, want)
		}
	}
}
