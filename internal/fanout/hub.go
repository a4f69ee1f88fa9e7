// Package fanout delivers engine events to interested subscribers. Delivery
// is at-most-once: a subscriber whose buffer is full misses the event and
// the publisher never blocks.
package fanout

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tickgrid/internal/domain"
	"github.com/alanyoungcy/tickgrid/internal/metrics"
)

// DefaultBufferSize is the per-subscription channel capacity.
const DefaultBufferSize = 256

// Filter selects which events a subscription receives.
type Filter struct {
	// UserID adds events addressed to this user to the broadcast stream.
	UserID string
	// Types restricts delivery to these event types. Empty means all.
	Types []domain.EventType
	// AllUsers receives events addressed to any user, as sinks do.
	AllUsers bool
}

func (f Filter) match(ev domain.Event) bool {
	if ev.UserID != "" && !f.AllUsers && ev.UserID != f.UserID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == ev.Type {
			return true
		}
	}
	return false
}

// Subscription is a live registration with the Hub. Read events from C and
// call Close when done; C is closed afterwards.
type Subscription struct {
	C      <-chan domain.Event
	ch     chan domain.Event
	id     uint64
	filter Filter
	hub    *Hub
	once   sync.Once
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub is the subscription registry. The zero value is not usable; use New.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	bufSize int
	closed  bool

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Hub whose subscriptions buffer bufSize events each.
func New(bufSize int, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Hub{
		subs:    make(map[uint64]*Subscription),
		bufSize: bufSize,
		logger:  logger.With(slog.String("component", "fanout")),
		metrics: m,
		now:     time.Now,
	}
}

// Subscribe registers a new subscription matching f.
func (h *Hub) Subscribe(f Filter) *Subscription {
	ch := make(chan domain.Event, h.bufSize)
	s := &Subscription{C: ch, ch: ch, filter: f, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return s
	}
	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.id]; !ok {
		return
	}
	delete(h.subs, s.id)
	close(s.ch)
}

// Publish offers ev to every matching subscription without blocking.
func (h *Hub) Publish(ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = h.now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !s.filter.match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.metrics.EventsDropped.WithLabelValues(string(ev.Type)).Inc()
			h.logger.Debug("dropping event for slow subscriber",
				slog.String("type", string(ev.Type)),
				slog.Uint64("subscription", s.id),
			)
		}
	}
}

// Broadcast publishes an event addressed to nobody in particular.
func (h *Hub) Broadcast(t domain.EventType, payload any) {
	h.Publish(domain.Event{Type: t, Payload: payload})
}

// Send publishes an event addressed to userID.
func (h *Hub) Send(userID string, t domain.EventType, payload any) {
	h.Publish(domain.Event{Type: t, UserID: userID, Payload: payload})
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription. Later Subscribe calls return closed
// subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
}
