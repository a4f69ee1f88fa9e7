package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tickgrid/internal/domain"
)

func TestKey(t *testing.T) {
	c := Wrap(nil, "")
	tests := []struct {
		parts []string
		want  string
	}{
		{[]string{"price", "BTCUSD"}, "tickgrid:price:BTCUSD"},
		{[]string{"lock", "archive"}, "tickgrid:lock:archive"},
		{nil, "tickgrid:"},
	}
	for _, tt := range tests {
		if got := c.Key(tt.parts...); got != tt.want {
			t.Errorf("Key(%v) = %q, want %q", tt.parts, got, tt.want)
		}
	}
}

func TestParsePriceFields(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	in := domain.PriceTick{
		Tick:      42,
		Price:     decimal.RequireFromString("2993.15"),
		Bid:       decimal.RequireFromString("2993.10"),
		Ask:       decimal.RequireFromString("2993.20"),
		Timestamp: ts,
	}
	raw := map[string]string{}
	for k, v := range priceFields(in) {
		raw[k] = v.(string)
	}
	got, err := parsePriceFields(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Tick != 42 || !got.Price.Equal(in.Price) || !got.Timestamp.Equal(ts) {
		t.Errorf("got %+v", got)
	}

	if _, err := parsePriceFields(map[string]string{"tick": "x"}); err == nil {
		t.Error("expected error for malformed tick")
	}
}

// newTestClient connects to TICKGRID_TEST_REDIS_ADDR or skips.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TICKGRID_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TICKGRID_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{Addr: addr, KeyPrefix: "tickgrid-test:" + t.Name() + ":"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestIntegrationPriceCache(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	pc := NewPriceCache(c, time.Minute)

	if _, err := pc.GetLatest(ctx, "NOPE"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	tick := domain.PriceTick{Tick: 7, Price: decimal.NewFromInt(3000), Timestamp: time.Now().UTC()}
	if err := pc.SetLatest(ctx, "BTCUSD", tick); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := pc.GetLatest(ctx, "BTCUSD")
	if err != nil || got.Tick != 7 {
		t.Fatalf("get: %+v %v", got, err)
	}
}

func TestIntegrationLock(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	lm := NewLockManager(c)

	unlock, err := lm.Acquire(ctx, "archive", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := lm.Acquire(ctx, "archive", time.Minute); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	unlock()
	unlock()
	again, err := lm.Acquire(ctx, "archive", time.Minute)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again()
}

func TestIntegrationRateLimiter(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	rl := NewRateLimiter(c)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "user-1", 3, time.Minute)
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := rl.Allow(ctx, "user-1", 3, time.Minute)
	if err != nil || ok {
		t.Fatalf("fourth request should be refused: ok=%v err=%v", ok, err)
	}
}
