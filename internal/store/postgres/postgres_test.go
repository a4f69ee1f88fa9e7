package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tickgrid/internal/domain"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			name: "explicit dsn wins",
			cfg:  ClientConfig{DSN: "postgres://x@y/z", Host: "ignored"},
			want: "postgres://x@y/z",
		},
		{
			name: "defaults",
			cfg:  ClientConfig{Host: "db", Database: "tickgrid", User: "u", Password: "p"},
			want: "postgres://u:p@db:5432/tickgrid?sslmode=disable",
		},
		{
			name: "custom port and ssl",
			cfg:  ClientConfig{Host: "db", Port: 6543, Database: "g", User: "u", Password: "p", SSLMode: "require"},
			want: "postgres://u:p@db:6543/g?sslmode=require",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMigrationFilesOrdered(t *testing.T) {
	names, err := migrationFiles()
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	if len(names) == 0 || names[0] != "001_init.sql" {
		t.Fatalf("unexpected migrations: %v", names)
	}
}

func TestListClause(t *testing.T) {
	since := time.Unix(100, 0)
	q, args := listClause("SELECT * FROM bets WHERE user_id = $1", []any{"u1"}, "placed_at",
		domain.ListOpts{Since: &since, Limit: 10, Offset: 20})
	want := "SELECT * FROM bets WHERE user_id = $1 AND placed_at >= $2 ORDER BY placed_at DESC LIMIT $3 OFFSET $4"
	if q != want {
		t.Errorf("query = %q\nwant   %q", q, want)
	}
	if len(args) != 4 || args[2] != 10 || args[3] != 20 {
		t.Errorf("args = %v", args)
	}
}

// newTestStore connects to TICKGRID_TEST_POSTGRES_DSN or skips.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TICKGRID_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TICKGRID_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Close)
	if err := c.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(c.Pool())
}

func uniqueUser(t *testing.T) string {
	return fmt.Sprintf("%s-%d", strings.ReplaceAll(t.Name(), "/", "-"), time.Now().UnixNano())
}

func testBet(id, user string, amount int64) domain.Bet {
	return domain.Bet{
		ID:               id,
		UserID:           user,
		Amount:           decimal.NewFromInt(amount),
		Multiplier:       decimal.RequireFromString("2.00"),
		PriceLevel:       decimal.NewFromInt(3000),
		TargetTick:       115,
		GridRow:          6,
		GridCol:          0,
		PriceAtPlacement: decimal.NewFromInt(3000),
		TickAtPlacement:  100,
		PlacedAt:         time.Now().UTC(),
	}
}

func TestIntegrationPlaceAndSettle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := uniqueUser(t)

	if _, err := s.EnsureAccount(ctx, user, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	bal, err := s.PlaceBet(ctx, testBet(user+"-b1", user, 40))
	if err != nil || !bal.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("place: bal=%s err=%v", bal, err)
	}
	if _, err := s.PlaceBet(ctx, testBet(user+"-b2", user, 70)); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	st := domain.Settlement{
		BetID: user + "-b1", UserID: user, Status: domain.BetStatusWon,
		Payout: decimal.NewFromInt(80), Price: decimal.NewFromInt(3001), Tick: 110, SettledAt: time.Now().UTC(),
	}
	res, err := s.SettleBet(ctx, st)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.NewBalance.Equal(decimal.NewFromInt(140)) || res.Bet.Status != domain.BetStatusWon {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := s.SettleBet(ctx, st); !errors.Is(err, domain.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}

	sum, err := s.Summary(ctx, user)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !sum.TotalWagered.Equal(decimal.NewFromInt(40)) || !sum.TotalWon.Equal(decimal.NewFromInt(80)) || sum.TransactionCount != 2 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestIntegrationConcurrentSettlePaysOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := uniqueUser(t)

	if _, err := s.EnsureAccount(ctx, user, decimal.NewFromInt(10)); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := s.PlaceBet(ctx, testBet(user+"-b", user, 10)); err != nil {
		t.Fatalf("place: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SettleBet(ctx, domain.Settlement{
				BetID: user + "-b", UserID: user, Status: domain.BetStatusWon,
				Payout: decimal.NewFromInt(20), Price: decimal.NewFromInt(3000), Tick: 105, SettledAt: time.Now().UTC(),
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one settlement, got %d", wins)
	}
	acct, err := s.GetAccount(ctx, user)
	if err != nil || !acct.Balance.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("balance = %s err=%v", acct.Balance, err)
	}
}

func TestIntegrationBetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := uniqueUser(t)

	if _, err := s.EnsureAccount(ctx, user, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	in := domain.Bet{
		ID:               user + "-b",
		UserID:           user,
		Amount:           decimal.RequireFromString("2.5"),
		Multiplier:       decimal.RequireFromString("1.63"),
		PriceLevel:       decimal.RequireFromString("3020.1234"),
		TargetTick:       4_000_000_015,
		GridRow:          7,
		GridCol:          0,
		Status:           domain.BetStatusActive,
		Payout:           decimal.Zero,
		PriceAtPlacement: decimal.RequireFromString("3000.1234"),
		TickAtPlacement:  4_000_000_000,
		PlacedAt:         time.Now().UTC().Truncate(time.Microsecond),
	}
	if _, err := s.PlaceBet(ctx, in); err != nil {
		t.Fatalf("place: %v", err)
	}

	got, err := s.GetBet(ctx, in.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	assertBetEqual(t, "placed", got, in)

	settledAt := time.Now().UTC().Truncate(time.Microsecond)
	st := domain.Settlement{
		BetID: in.ID, UserID: user, Status: domain.BetStatusWon,
		Payout: decimal.RequireFromString("4.08"), Price: decimal.RequireFromString("3020.00005"),
		Tick: 4_000_000_003, SettledAt: settledAt,
	}
	if _, err := s.SettleBet(ctx, st); err != nil {
		t.Fatalf("settle: %v", err)
	}
	want := in
	want.Status = domain.BetStatusWon
	want.Payout = st.Payout
	want.PriceAtSettlement = &st.Price
	want.SettledTick = &st.Tick
	want.SettledAt = &settledAt

	got, err = s.GetBet(ctx, in.ID)
	if err != nil {
		t.Fatalf("get settled: %v", err)
	}
	assertBetEqual(t, "settled", got, want)
}

func assertBetEqual(t *testing.T, stage string, got, want domain.Bet) {
	t.Helper()
	if got.ID != want.ID || got.UserID != want.UserID || got.Status != want.Status {
		t.Errorf("%s: identity = %s/%s/%s, want %s/%s/%s", stage, got.ID, got.UserID, got.Status, want.ID, want.UserID, want.Status)
	}
	decimals := []struct {
		name      string
		got, want decimal.Decimal
	}{
		{"amount", got.Amount, want.Amount},
		{"multiplier", got.Multiplier, want.Multiplier},
		{"price_level", got.PriceLevel, want.PriceLevel},
		{"payout", got.Payout, want.Payout},
		{"price_at_placement", got.PriceAtPlacement, want.PriceAtPlacement},
	}
	for _, d := range decimals {
		if !d.got.Equal(d.want) {
			t.Errorf("%s: %s = %s, want %s", stage, d.name, d.got, d.want)
		}
	}
	if got.TargetTick != want.TargetTick || got.TickAtPlacement != want.TickAtPlacement {
		t.Errorf("%s: ticks = %d/%d, want %d/%d", stage, got.TargetTick, got.TickAtPlacement, want.TargetTick, want.TickAtPlacement)
	}
	if got.GridRow != want.GridRow || got.GridCol != want.GridCol {
		t.Errorf("%s: cell = (%d,%d), want (%d,%d)", stage, got.GridRow, got.GridCol, want.GridRow, want.GridCol)
	}
	if !got.PlacedAt.Equal(want.PlacedAt) {
		t.Errorf("%s: placed_at = %s, want %s", stage, got.PlacedAt, want.PlacedAt)
	}
	if (got.PriceAtSettlement == nil) != (want.PriceAtSettlement == nil) ||
		(got.PriceAtSettlement != nil && !got.PriceAtSettlement.Equal(*want.PriceAtSettlement)) {
		t.Errorf("%s: price_at_settlement = %v, want %v", stage, got.PriceAtSettlement, want.PriceAtSettlement)
	}
	if (got.SettledTick == nil) != (want.SettledTick == nil) ||
		(got.SettledTick != nil && *got.SettledTick != *want.SettledTick) {
		t.Errorf("%s: settled_tick = %v, want %v", stage, got.SettledTick, want.SettledTick)
	}
	if (got.SettledAt == nil) != (want.SettledAt == nil) ||
		(got.SettledAt != nil && !got.SettledAt.Equal(*want.SettledAt)) {
		t.Errorf("%s: settled_at = %v, want %v", stage, got.SettledAt, want.SettledAt)
	}
}
