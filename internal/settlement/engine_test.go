package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tickgrid/internal/domain"
	"github.com/alanyoungcy/tickgrid/internal/ledger"
	"github.com/alanyoungcy/tickgrid/internal/registry"
	"github.com/alanyoungcy/tickgrid/internal/store/memory"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testGrid() domain.Grid {
	return domain.Grid{
		Rows:           13,
		Cols:           7,
		TicksPerColumn: 15,
		PriceStep:      dec("20"),
		Tolerance:      dec("0.55"),
	}
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Send(userID string, t domain.EventType, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, domain.Event{Type: t, UserID: userID, Payload: payload})
}

func (r *recorder) settlements() []domain.SettlementEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SettlementEvent
	for _, ev := range r.events {
		if s, ok := ev.Payload.(domain.SettlementEvent); ok {
			out = append(out, s)
		}
	}
	return out
}

type harness struct {
	store  *memory.Store
	ledger *ledger.Ledger
	reg    *registry.Registry
	pub    *recorder
	engine *Engine
}

func newHarness(t *testing.T, store domain.BetStore) *harness {
	t.Helper()
	mem := memory.New()
	if store == nil {
		store = mem
	}
	h := &harness{
		store:  mem,
		ledger: ledger.New(100),
		reg:    registry.New(),
		pub:    &recorder{},
	}
	h.engine = New(Config{Grid: testGrid(), Workers: 4}, h.ledger, h.reg, store, h.pub, nil, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

// place funds userID and stores a bet on priceLevel closing at targetTick.
func (h *harness) place(t *testing.T, id, userID, balance, amount, multiplier, priceLevel string, placedAt, targetTick int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.store.EnsureAccount(ctx, userID, dec(balance)); err != nil {
		t.Fatal(err)
	}
	b := domain.Bet{
		ID:              id,
		UserID:          userID,
		Amount:          dec(amount),
		Multiplier:      dec(multiplier),
		PriceLevel:      dec(priceLevel),
		TargetTick:      targetTick,
		TickAtPlacement: placedAt,
		PlacedAt:        time.Now(),
	}
	if _, err := h.store.PlaceBet(ctx, b); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}
	h.reg.Insert(b)
}

func (h *harness) feed(n int64, price string) {
	h.engine.ProcessTick(context.Background(), domain.PriceTick{Tick: n, Price: dec(price)})
}

func (h *harness) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	a, err := h.store.GetAccount(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	return a.Balance
}

func TestEngine_WinInsideWindow(t *testing.T) {
	h := newHarness(t, nil)
	h.place(t, "b1", "alice", "100", "50", "2", "3000", 95, 115)
	if got := h.balance(t, "alice"); !got.Equal(dec("50")) {
		t.Fatalf("balance after placement = %s, want 50", got)
	}

	h.feed(100, "2950")
	h.feed(105, "3010")

	b, _ := h.store.GetBet(context.Background(), "b1")
	if b.Status != domain.BetStatusWon || !b.Payout.Equal(dec("100")) {
		t.Fatalf("bet = %s payout %s, want WON 100", b.Status, b.Payout)
	}
	if b.SettledTick == nil || *b.SettledTick != 105 {
		t.Errorf("settled tick = %v, want 105", b.SettledTick)
	}
	if got := h.balance(t, "alice"); !got.Equal(dec("150")) {
		t.Errorf("balance = %s, want 150", got)
	}

	txs, _ := h.store.ListTransactions(context.Background(), "alice", domain.ListOpts{})
	var placed, won int
	for _, tx := range txs {
		switch tx.Type {
		case domain.TxBetPlaced:
			placed++
			if !tx.Amount.Equal(dec("-50")) {
				t.Errorf("BET_PLACED amount = %s, want -50", tx.Amount)
			}
		case domain.TxBetWon:
			won++
			if !tx.Amount.Equal(dec("100")) {
				t.Errorf("BET_WON amount = %s, want 100", tx.Amount)
			}
		}
	}
	if placed != 1 || won != 1 {
		t.Errorf("transactions placed=%d won=%d, want 1 and 1", placed, won)
	}

	ev := h.pub.settlements()
	if len(ev) != 1 || ev[0].Status != domain.BetStatusWon || !ev[0].NewBalance.Equal(dec("150")) {
		t.Errorf("settlement events = %+v", ev)
	}
	if h.reg.Len() != 0 {
		t.Errorf("registry still holds %d active bets", h.reg.Len())
	}
}

func TestEngine_LossAfterWindow(t *testing.T) {
	h := newHarness(t, nil)
	h.place(t, "b1", "alice", "100", "10", "3", "3000", 95, 115)

	for n := int64(96); n <= 115; n++ {
		h.feed(n, "2900")
	}
	b, _ := h.store.GetBet(context.Background(), "b1")
	if b.Status != domain.BetStatusActive {
		t.Fatalf("status at window end = %s, want ACTIVE", b.Status)
	}

	h.feed(116, "2900")
	b, _ = h.store.GetBet(context.Background(), "b1")
	if b.Status != domain.BetStatusLost || !b.Payout.IsZero() {
		t.Errorf("bet = %s payout %s, want LOST 0", b.Status, b.Payout)
	}
	if got := h.balance(t, "alice"); !got.Equal(dec("90")) {
		t.Errorf("balance = %s, want 90", got)
	}
}

func TestEngine_ToleranceBoundary(t *testing.T) {
	tests := []struct {
		price string
		want  domain.BetStatus
	}{
		{"3011", domain.BetStatusWon},
		{"2989", domain.BetStatusWon},
		{"3011.01", domain.BetStatusActive},
		{"2988.99", domain.BetStatusActive},
	}
	for _, tt := range tests {
		t.Run(tt.price, func(t *testing.T) {
			h := newHarness(t, nil)
			h.place(t, "b1", "alice", "100", "10", "2", "3000", 95, 115)
			h.feed(100, tt.price)
			b, _ := h.store.GetBet(context.Background(), "b1")
			if b.Status != tt.want {
				t.Errorf("price %s: status = %s, want %s", tt.price, b.Status, tt.want)
			}
		})
	}
}

func TestEngine_TickBeforeWindowIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.place(t, "b1", "alice", "100", "10", "2", "3000", 80, 115)
	h.feed(99, "3000")
	b, _ := h.store.GetBet(context.Background(), "b1")
	if b.Status != domain.BetStatusActive {
		t.Errorf("status = %s, want ACTIVE before window opens", b.Status)
	}
}

func TestEngine_PlacementTickNeverSettles(t *testing.T) {
	h := newHarness(t, nil)
	h.place(t, "b1", "alice", "100", "10", "1.6", "3000", 100, 115)
	h.feed(100, "3000")
	b, _ := h.store.GetBet(context.Background(), "b1")
	if b.Status != domain.BetStatusActive {
		t.Errorf("status = %s, want ACTIVE on placement tick", b.Status)
	}
	h.feed(101, "3000")
	b, _ = h.store.GetBet(context.Background(), "b1")
	if b.Status != domain.BetStatusWon {
		t.Errorf("status = %s, want WON on next tick", b.Status)
	}
}

func TestEngine_FirstTouchPaysOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.place(t, "b1", "alice", "100", "50", "2", "3000", 95, 115)
	for n := int64(100); n <= 120; n++ {
		h.feed(n, "3000")
	}
	if got := h.balance(t, "alice"); !got.Equal(dec("150")) {
		t.Errorf("balance = %s, want 150", got)
	}
	if n := len(h.pub.settlements()); n != 1 {
		t.Errorf("settlement events = %d, want 1", n)
	}
}

func TestEngine_PayoutRoundedToCents(t *testing.T) {
	h := newHarness(t, nil)
	h.place(t, "b1", "alice", "100", "5", "2.39", "3000", 95, 115)
	h.feed(100, "3000")
	b, _ := h.store.GetBet(context.Background(), "b1")
	if !b.Payout.Equal(dec("11.95")) {
		t.Errorf("payout = %s, want 11.95", b.Payout)
	}
}

// flakyStore fails SettleBet a fixed number of times before delegating.
type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) SettleBet(ctx context.Context, s domain.Settlement) (domain.SettlementResult, error) {
	f.mu.Lock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return domain.SettlementResult{}, fmt.Errorf("connection reset: %w", domain.ErrStoreUnavailable)
	}
	f.mu.Unlock()
	return f.Store.SettleBet(ctx, s)
}

func TestEngine_StoreFailureKeepsBetActiveAndRetriesSameOutcome(t *testing.T) {
	mem := memory.New()
	flaky := &flakyStore{Store: mem, failures: 1}
	h := newHarness(t, flaky)
	h.store = mem
	h.place(t, "b1", "alice", "100", "50", "2", "3000", 95, 115)

	h.feed(105, "3005")
	b, _ := mem.GetBet(context.Background(), "b1")
	if b.Status != domain.BetStatusActive {
		t.Fatalf("status after failed settle = %s, want ACTIVE", b.Status)
	}
	if got := h.balance(t, "alice"); !got.Equal(dec("50")) {
		t.Fatalf("balance after failed settle = %s, want 50", got)
	}
	if _, ok := h.reg.Pending("b1"); !ok {
		t.Fatal("failed decision not kept for retry")
	}

	// The next tick no longer touches, but the recorded touch still wins.
	h.feed(106, "2800")
	b, _ = mem.GetBet(context.Background(), "b1")
	if b.Status != domain.BetStatusWon {
		t.Fatalf("status after retry = %s, want WON", b.Status)
	}
	if b.SettledTick == nil || *b.SettledTick != 105 {
		t.Errorf("settled tick = %v, want 105", b.SettledTick)
	}
	if got := h.balance(t, "alice"); !got.Equal(dec("150")) {
		t.Errorf("balance = %s, want 150", got)
	}
}

func TestEngine_RetryPendingWithoutNewTicks(t *testing.T) {
	mem := memory.New()
	flaky := &flakyStore{Store: mem, failures: 1}
	h := newHarness(t, flaky)
	h.store = mem
	h.place(t, "b1", "alice", "100", "10", "2", "3000", 95, 115)

	h.feed(116, "1")
	h.engine.RetryPending(context.Background())

	b, _ := mem.GetBet(context.Background(), "b1")
	if b.Status != domain.BetStatusLost {
		t.Errorf("status = %s, want LOST", b.Status)
	}
}

func TestEngine_ConcurrentSettlementPaysOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.place(t, "b1", "alice", "100", "50", "2", "3000", 95, 115)

	tick := domain.PriceTick{Tick: 105, Price: dec("3000")}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.engine.ProcessTick(context.Background(), tick)
		}()
	}
	wg.Wait()

	if got := h.balance(t, "alice"); !got.Equal(dec("150")) {
		t.Errorf("balance = %s, want 150", got)
	}
	txs, _ := h.store.ListTransactions(context.Background(), "alice", domain.ListOpts{})
	won := 0
	for _, tx := range txs {
		if tx.Type == domain.TxBetWon {
			won++
		}
	}
	if won != 1 {
		t.Errorf("BET_WON transactions = %d, want 1", won)
	}
}

func TestEngine_ManyUsersSettleIndependently(t *testing.T) {
	h := newHarness(t, nil)
	for u := 0; u < 20; u++ {
		user := fmt.Sprintf("user-%d", u)
		for i := 0; i < 3; i++ {
			h.place(t, fmt.Sprintf("%s-b%d", user, i), user, "1000", "10", "2", "3000", 95, 115)
		}
	}
	h.feed(100, "3000")
	for u := 0; u < 20; u++ {
		user := fmt.Sprintf("user-%d", u)
		if got := h.balance(t, user); !got.Equal(dec("1030")) {
			t.Errorf("%s balance = %s, want 1030", user, got)
		}
	}
	if h.reg.Len() != 0 {
		t.Errorf("active bets = %d, want 0", h.reg.Len())
	}
}

func TestEngine_AlreadySettledElsewhereIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.place(t, "b1", "alice", "100", "10", "2", "3000", 95, 115)
	if _, err := h.store.SettleBet(context.Background(), domain.Settlement{BetID: "b1", Status: domain.BetStatusLost, SettledAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	h.feed(100, "3000")
	if h.reg.Len() != 0 {
		t.Errorf("registry kept a bet settled elsewhere")
	}
	if n := len(h.pub.settlements()); n != 0 {
		t.Errorf("settlement events = %d, want 0", n)
	}
}

func TestEngine_RunFollowsLedger(t *testing.T) {
	h := newHarness(t, nil)
	h.place(t, "b1", "alice", "100", "50", "2", "3000", 0, 15)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	for n := int64(1); n <= 20; n++ {
		if _, err := h.ledger.Append(domain.PriceTick{Tick: n, Price: dec("2000")}); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.engine.LastProcessed() < 20 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	if got := h.engine.LastProcessed(); got != 20 {
		t.Fatalf("LastProcessed = %d, want 20", got)
	}
	b, _ := h.store.GetBet(context.Background(), "b1")
	if b.Status != domain.BetStatusLost {
		t.Errorf("status = %s, want LOST", b.Status)
	}
}

func TestDecide(t *testing.T) {
	e := New(Config{Grid: testGrid()}, ledger.New(1), registry.New(), memory.New(), nil, nil, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	b := domain.Bet{ID: "b", Amount: dec("10"), Multiplier: dec("2"), PriceLevel: dec("100"), TargetTick: 30, TickAtPlacement: 10}

	tests := []struct {
		tick  int64
		price string
		want  domain.BetStatus
		ok    bool
	}{
		{10, "100", "", false},
		{14, "100", "", false},
		{15, "100", domain.BetStatusWon, true},
		{30, "111", domain.BetStatusWon, true},
		{30, "112", "", false},
		{31, "100", domain.BetStatusLost, true},
	}
	for _, tt := range tests {
		s, ok := e.Decide(b, domain.PriceTick{Tick: tt.tick, Price: dec(tt.price)})
		if ok != tt.ok || s.Status != tt.want {
			t.Errorf("Decide(tick %d, %s) = %s/%v, want %s/%v", tt.tick, tt.price, s.Status, ok, tt.want, tt.ok)
		}
	}
}

func TestEngine_LateRegisteredBetReplaysMissedTicks(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for n := int64(96); n <= 100; n++ {
		if _, err := h.ledger.Append(domain.PriceTick{Tick: n, Price: dec("3000")}); err != nil {
			t.Fatal(err)
		}
	}
	h.engine.CatchUp(ctx)

	// Registered only after the loop has already passed its touch tick.
	h.place(t, "b1", "alice", "100", "10", "2", "3000", 95, 115)
	if _, err := h.ledger.Append(domain.PriceTick{Tick: 101, Price: dec("2000")}); err != nil {
		t.Fatal(err)
	}
	h.engine.CatchUp(ctx)

	b, _ := h.store.GetBet(ctx, "b1")
	if b.Status != domain.BetStatusWon {
		t.Fatalf("status = %s, want WON", b.Status)
	}
	if b.SettledTick == nil || *b.SettledTick != 100 {
		t.Errorf("settled tick = %v, want 100", b.SettledTick)
	}
}
