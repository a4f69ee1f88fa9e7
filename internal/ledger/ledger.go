// Package ledger keeps a bounded, ordered history of price ticks addressable
// by tick number. It is the hand-off point between the price feed and the
// settlement loop.
package ledger

import (
	"fmt"
	"sync"

	"github.com/alanyoungcy/tickgrid/internal/domain"
)

// DefaultCapacity is the number of ticks retained when no capacity is given.
const DefaultCapacity = 1000

// Ledger is a fixed-capacity FIFO ring of ticks. Tick numbers are strictly
// increasing; gaps are allowed and reported but never filled in.
type Ledger struct {
	mu   sync.RWMutex
	buf  []domain.PriceTick
	head int // index of the oldest entry
	size int
	gaps int64
	wake chan struct{}
}

// New creates a Ledger that retains the most recent capacity ticks.
func New(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{
		buf:  make([]domain.PriceTick, capacity),
		wake: make(chan struct{}, 1),
	}
}

// Capacity returns the maximum number of retained ticks.
func (l *Ledger) Capacity() int { return len(l.buf) }

// Append adds tick to the ledger, evicting the oldest entry when full. It
// returns ErrOutOfOrderTick if tick.Tick does not exceed the latest tick. When
// tick numbers jump forward, missing reports how many numbers were skipped.
func (l *Ledger) Append(tick domain.PriceTick) (missing int64, err error) {
	l.mu.Lock()
	if l.size > 0 {
		last := l.buf[l.index(l.size-1)]
		if tick.Tick <= last.Tick {
			l.mu.Unlock()
			return 0, fmt.Errorf("ledger: append tick %d after %d: %w", tick.Tick, last.Tick, domain.ErrOutOfOrderTick)
		}
		missing = tick.Tick - last.Tick - 1
		if missing > 0 {
			l.gaps++
		}
	}

	if l.size < len(l.buf) {
		l.buf[l.index(l.size)] = tick
		l.size++
	} else {
		l.buf[l.head] = tick
		l.head = (l.head + 1) % len(l.buf)
	}
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return missing, nil
}

// Get returns the tick numbered n, or ErrNotFound if it was never recorded or
// has been evicted.
func (l *Ledger) Get(n int64) (domain.PriceTick, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.size == 0 {
		return domain.PriceTick{}, domain.ErrNotFound
	}
	oldest := l.buf[l.head].Tick
	newest := l.buf[l.index(l.size-1)].Tick
	if n < oldest || n > newest {
		return domain.PriceTick{}, domain.ErrNotFound
	}

	// Without gaps the position is a direct offset; otherwise binary search
	// the ordered window.
	if off := n - oldest; off < int64(l.size) {
		if t := l.buf[l.index(int(off))]; t.Tick == n {
			return t, nil
		}
	}
	lo, hi := 0, l.size-1
	for lo <= hi {
		mid := (lo + hi) / 2
		t := l.buf[l.index(mid)]
		switch {
		case t.Tick == n:
			return t, nil
		case t.Tick < n:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return domain.PriceTick{}, domain.ErrNotFound
}

// Latest returns the newest tick, or ErrLedgerEmpty.
func (l *Ledger) Latest() (domain.PriceTick, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.size == 0 {
		return domain.PriceTick{}, domain.ErrLedgerEmpty
	}
	return l.buf[l.index(l.size-1)], nil
}

// Oldest returns the oldest retained tick, or ErrLedgerEmpty.
func (l *Ledger) Oldest() (domain.PriceTick, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.size == 0 {
		return domain.PriceTick{}, domain.ErrLedgerEmpty
	}
	return l.buf[l.head], nil
}

// Recent returns up to count of the newest ticks, oldest first. The returned
// slice is a copy.
func (l *Ledger) Recent(count int) []domain.PriceTick {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if count <= 0 || l.size == 0 {
		return nil
	}
	if count > l.size {
		count = l.size
	}
	out := make([]domain.PriceTick, count)
	start := l.size - count
	for i := 0; i < count; i++ {
		out[i] = l.buf[l.index(start+i)]
	}
	return out
}

// Since returns every retained tick with a number greater than after, oldest
// first.
func (l *Ledger) Since(after int64) []domain.PriceTick {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.PriceTick
	for i := 0; i < l.size; i++ {
		t := l.buf[l.index(i)]
		if t.Tick > after {
			out = append(out, t)
		}
	}
	return out
}

// Len returns the number of retained ticks.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Gaps returns how many forward jumps have been observed.
func (l *Ledger) Gaps() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.gaps
}

// Notify returns a channel that receives a value after one or more appends.
// Signals coalesce: a slow reader sees at most one pending wake-up.
func (l *Ledger) Notify() <-chan struct{} { return l.wake }

func (l *Ledger) index(i int) int { return (l.head + i) % len(l.buf) }
