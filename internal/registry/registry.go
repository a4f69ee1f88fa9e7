// Package registry indexes in-flight bets in memory so the settlement loop
// can scan them without a store round trip per tick.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tickgrid/internal/domain"
)

// Registry tracks every bet from placement until it reaches a terminal
// state. Terminal bets are kept (bounded) so repeated MarkSettled calls can
// tell "already settled" apart from "unknown".
type Registry struct {
	mu      sync.RWMutex
	active  map[string]domain.Bet
	byUser  map[string]map[string]struct{}
	settled map[string]domain.BetStatus
	order   []string // settled ids, oldest first
	pending map[string]domain.Settlement
	// through holds the last tick each ACTIVE bet was evaluated against.
	through map[string]int64
	keep    int
}

// DefaultSettledMemory bounds how many settled bet ids are remembered.
const DefaultSettledMemory = 10000

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		active:  make(map[string]domain.Bet),
		byUser:  make(map[string]map[string]struct{}),
		settled: make(map[string]domain.BetStatus),
		pending: make(map[string]domain.Settlement),
		through: make(map[string]int64),
		keep:    DefaultSettledMemory,
	}
}

// NewWithSettledMemory creates a Registry that remembers up to keep settled
// bet ids. A non-positive keep uses DefaultSettledMemory.
func NewWithSettledMemory(keep int) *Registry {
	r := New()
	if keep > 0 {
		r.keep = keep
	}
	return r
}

// Insert registers an ACTIVE bet and returns its id.
func (r *Registry) Insert(bet domain.Bet) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(bet)
	return bet.ID
}

// Load inserts every ACTIVE bet in bets, skipping terminal ones. It is used
// to hydrate the registry from the store on start.
func (r *Registry) Load(bets []domain.Bet) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range bets {
		if b.Status != domain.BetStatusActive {
			continue
		}
		r.insertLocked(b)
		n++
	}
	return n
}

func (r *Registry) insertLocked(bet domain.Bet) {
	bet.Status = domain.BetStatusActive
	r.active[bet.ID] = bet
	if _, ok := r.through[bet.ID]; !ok {
		r.through[bet.ID] = bet.TickAtPlacement
	}
	ids, ok := r.byUser[bet.UserID]
	if !ok {
		ids = make(map[string]struct{})
		r.byUser[bet.UserID] = ids
	}
	ids[bet.ID] = struct{}{}
}

// Get returns the ACTIVE bet with id.
func (r *Registry) Get(id string) (domain.Bet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.active[id]
	return b, ok
}

// Active returns a snapshot of all ACTIVE bets ordered by target tick then
// placement time.
func (r *Registry) Active() []domain.Bet {
	r.mu.RLock()
	out := make([]domain.Bet, 0, len(r.active))
	for _, b := range r.active {
		out = append(out, b)
	}
	r.mu.RUnlock()
	sortBets(out)
	return out
}

// ActiveForUser returns a snapshot of userID's ACTIVE bets.
func (r *Registry) ActiveForUser(userID string) []domain.Bet {
	r.mu.RLock()
	ids := r.byUser[userID]
	out := make([]domain.Bet, 0, len(ids))
	for id := range ids {
		out = append(out, r.active[id])
	}
	r.mu.RUnlock()
	sortBets(out)
	return out
}

// MarkSettled moves an ACTIVE bet to a terminal status and drops it from the
// active indexes. It returns ErrAlreadySettled if the bet was already moved
// and ErrNotFound if the id was never seen.
func (r *Registry) MarkSettled(id string, status domain.BetStatus, payout, price decimal.Decimal, at time.Time) (domain.Bet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.active[id]
	if !ok {
		if _, done := r.settled[id]; done {
			return domain.Bet{}, domain.ErrAlreadySettled
		}
		return domain.Bet{}, domain.ErrNotFound
	}

	b.Status = status
	b.Payout = payout
	p := price
	b.PriceAtSettlement = &p
	t := at
	b.SettledAt = &t

	delete(r.active, id)
	delete(r.pending, id)
	delete(r.through, id)
	if ids := r.byUser[b.UserID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byUser, b.UserID)
		}
	}
	r.rememberLocked(id, status)
	return b, nil
}

func (r *Registry) rememberLocked(id string, status domain.BetStatus) {
	r.settled[id] = status
	r.order = append(r.order, id)
	for len(r.order) > r.keep {
		delete(r.settled, r.order[0])
		r.order = r.order[1:]
	}
}

// Drop removes a bet from the active indexes without recording an outcome,
// for bets the store reports as settled elsewhere or unknown.
func (r *Registry) Drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.active[id]
	if !ok {
		return
	}
	delete(r.active, id)
	delete(r.pending, id)
	delete(r.through, id)
	if ids := r.byUser[b.UserID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byUser, b.UserID)
		}
	}
	r.rememberLocked(id, "")
}

// SetPending records an outcome the engine decided but could not persist.
// It is retried verbatim on the next cycle.
func (r *Registry) SetPending(s domain.Settlement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[s.BetID]; !ok {
		return
	}
	r.pending[s.BetID] = s
}

// Pending returns the stored decision for a bet, if any.
func (r *Registry) Pending(id string) (domain.Settlement, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.pending[id]
	return s, ok
}

// EvaluatedThrough returns the last tick the bet was evaluated against. A
// freshly inserted bet starts at its placement tick.
func (r *Registry) EvaluatedThrough(id string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.through[id]
	return n, ok
}

// MarkEvaluated advances the bet's evaluation mark to tick. The mark never
// moves backwards.
func (r *Registry) MarkEvaluated(id string, tick int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; !ok {
		return
	}
	if tick > r.through[id] {
		r.through[id] = tick
	}
}

// Len returns the number of ACTIVE bets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

func sortBets(bets []domain.Bet) {
	sort.Slice(bets, func(i, j int) bool {
		if bets[i].TargetTick != bets[j].TargetTick {
			return bets[i].TargetTick < bets[j].TargetTick
		}
		if !bets[i].PlacedAt.Equal(bets[j].PlacedAt) {
			return bets[i].PlacedAt.Before(bets[j].PlacedAt)
		}
		return bets[i].ID < bets[j].ID
	})
}
