package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tickgrid/internal/domain"
)

func bet(id, user string, target int64) domain.Bet {
	return domain.Bet{
		ID:         id,
		UserID:     user,
		Amount:     decimal.NewFromInt(10),
		Multiplier: decimal.RequireFromString("2.5"),
		TargetTick: target,
		Status:     domain.BetStatusActive,
		PlacedAt:   time.Unix(0, 0),
	}
}

func TestRegistry_InsertAndQuery(t *testing.T) {
	r := New()
	r.Insert(bet("b1", "alice", 30))
	r.Insert(bet("b2", "alice", 15))
	r.Insert(bet("b3", "bob", 45))

	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
	all := r.Active()
	if len(all) != 3 || all[0].ID != "b2" {
		t.Errorf("Active() order = %v", ids(all))
	}
	alice := r.ActiveForUser("alice")
	if len(alice) != 2 {
		t.Errorf("ActiveForUser(alice) = %v", ids(alice))
	}
	if got := r.ActiveForUser("carol"); len(got) != 0 {
		t.Errorf("ActiveForUser(carol) = %v, want empty", ids(got))
	}
}

func TestRegistry_MarkSettled(t *testing.T) {
	r := New()
	r.Insert(bet("b1", "alice", 30))

	got, err := r.MarkSettled("b1", domain.BetStatusWon, decimal.NewFromInt(25), decimal.NewFromInt(100), time.Unix(5, 0))
	if err != nil {
		t.Fatalf("MarkSettled: %v", err)
	}
	if got.Status != domain.BetStatusWon || !got.Payout.Equal(decimal.NewFromInt(25)) {
		t.Errorf("settled bet = %+v", got)
	}
	if r.Len() != 0 || len(r.ActiveForUser("alice")) != 0 {
		t.Error("settled bet still indexed as active")
	}

	_, err = r.MarkSettled("b1", domain.BetStatusLost, decimal.Zero, decimal.Zero, time.Now())
	if !errors.Is(err, domain.ErrAlreadySettled) {
		t.Errorf("second MarkSettled err = %v, want ErrAlreadySettled", err)
	}
	_, err = r.MarkSettled("nope", domain.BetStatusLost, decimal.Zero, decimal.Zero, time.Now())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown MarkSettled err = %v, want ErrNotFound", err)
	}
}

func TestRegistry_ConcurrentMarkSettledOnlyOneWins(t *testing.T) {
	r := New()
	r.Insert(bet("b1", "alice", 30))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.MarkSettled("b1", domain.BetStatusWon, decimal.NewFromInt(25), decimal.Zero, time.Now()); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("successful MarkSettled calls = %d, want 1", wins)
	}
}

func TestRegistry_LoadSkipsTerminal(t *testing.T) {
	r := New()
	won := bet("b2", "bob", 10)
	won.Status = domain.BetStatusWon
	n := r.Load([]domain.Bet{bet("b1", "alice", 10), won})
	if n != 1 || r.Len() != 1 {
		t.Errorf("Load = %d, Len = %d, want 1, 1", n, r.Len())
	}
}

func TestRegistry_PendingClearedOnSettle(t *testing.T) {
	r := New()
	r.Insert(bet("b1", "alice", 30))
	r.SetPending(domain.Settlement{BetID: "b1", Status: domain.BetStatusWon})
	if _, ok := r.Pending("b1"); !ok {
		t.Fatal("pending decision not stored")
	}
	r.MarkSettled("b1", domain.BetStatusWon, decimal.Zero, decimal.Zero, time.Now())
	if _, ok := r.Pending("b1"); ok {
		t.Error("pending decision survived settlement")
	}
	r.SetPending(domain.Settlement{BetID: "b1"})
	if _, ok := r.Pending("b1"); ok {
		t.Error("pending decision stored for settled bet")
	}
}

func TestRegistry_SettledMemoryIsBounded(t *testing.T) {
	r := NewWithSettledMemory(3)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("b%d", i)
		r.Insert(bet(id, "alice", 1))
		r.MarkSettled(id, domain.BetStatusLost, decimal.Zero, decimal.Zero, time.Now())
	}
	if len(r.settled) != 3 {
		t.Errorf("settled memory = %d, want 3", len(r.settled))
	}
	if _, err := r.MarkSettled("b4", domain.BetStatusLost, decimal.Zero, decimal.Zero, time.Now()); !errors.Is(err, domain.ErrAlreadySettled) {
		t.Errorf("recent id err = %v, want ErrAlreadySettled", err)
	}
}

func ids(bets []domain.Bet) []string {
	out := make([]string, len(bets))
	for i, b := range bets {
		out[i] = b.ID
	}
	return out
}

func TestRegistry_Drop(t *testing.T) {
	r := New()
	r.Insert(bet("b1", "alice", 30))
	r.Drop("b1")
	r.Drop("b1")
	if r.Len() != 0 {
		t.Errorf("Len() = %d after Drop, want 0", r.Len())
	}
	if _, err := r.MarkSettled("b1", domain.BetStatusLost, decimal.Zero, decimal.Zero, time.Now()); !errors.Is(err, domain.ErrAlreadySettled) {
		t.Errorf("MarkSettled after Drop err = %v, want ErrAlreadySettled", err)
	}
}

func TestRegistry_EvaluationMark(t *testing.T) {
	r := New()
	b := bet("b1", "alice", 115)
	b.TickAtPlacement = 100
	r.Insert(b)

	if got, ok := r.EvaluatedThrough("b1"); !ok || got != 100 {
		t.Fatalf("EvaluatedThrough = %d, %v; want 100, true", got, ok)
	}
	r.MarkEvaluated("b1", 104)
	r.MarkEvaluated("b1", 102)
	if got, _ := r.EvaluatedThrough("b1"); got != 104 {
		t.Errorf("mark moved backwards: %d", got)
	}

	if _, err := r.MarkSettled("b1", domain.BetStatusLost, decimal.Zero, decimal.Zero, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.EvaluatedThrough("b1"); ok {
		t.Error("mark kept after settlement")
	}
	r.MarkEvaluated("b1", 110)
	if _, ok := r.EvaluatedThrough("b1"); ok {
		t.Error("mark recreated for a settled bet")
	}
}
