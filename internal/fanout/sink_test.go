package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/tickgrid/internal/domain"
)

type fakeBus struct {
	mu        sync.Mutex
	published map[string]int
	streamed  map[string]int
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: map[string]int{}, streamed: map[string]int{}}
}

func (b *fakeBus) Publish(_ context.Context, ch string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[ch]++
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *fakeBus) StreamAppend(_ context.Context, stream string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed[stream]++
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestBusSink_RoutesByType(t *testing.T) {
	bus := newFakeBus()
	s := NewBusSink(bus)
	ctx := context.Background()

	s.Deliver(ctx, domain.Event{Type: domain.EventPriceUpdate})
	s.Deliver(ctx, domain.Event{Type: domain.EventBetSettled, UserID: "alice"})
	s.Deliver(ctx, domain.Event{Type: domain.EventBetConfirmed, UserID: "alice"})

	if bus.published[ChannelPrices] != 1 || bus.published[ChannelSettlements] != 1 || bus.published[ChannelBets] != 1 {
		t.Errorf("published = %v", bus.published)
	}
	if bus.streamed[StreamSettlements] != 1 {
		t.Errorf("streamed = %v", bus.streamed)
	}
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSink_KeysByUser(t *testing.T) {
	w := &fakeWriter{}
	s := NewKafkaSink(w)
	ev := domain.Event{Type: domain.EventBetSettled, UserID: "alice", Payload: map[string]string{"bet_id": "b1"}, At: time.Unix(10, 0)}
	if err := s.Deliver(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}
	m := w.msgs[0]
	if string(m.Key) != "alice" {
		t.Errorf("key = %q, want alice", m.Key)
	}
	var decoded domain.Event
	if err := json.Unmarshal(m.Value, &decoded); err != nil {
		t.Fatalf("value not JSON: %v", err)
	}
	if decoded.Type != domain.EventBetSettled {
		t.Errorf("decoded type = %q", decoded.Type)
	}
}

func TestForward_StopsOnCloseAndSurvivesErrors(t *testing.T) {
	h := New(8, nil, testLogger())
	w := &fakeWriter{err: errors.New("broker down")}
	sub := h.Subscribe(Filter{AllUsers: true})

	done := make(chan error, 1)
	go func() { done <- Forward(context.Background(), sub, NewKafkaSink(w), testLogger()) }()

	h.Send("alice", domain.EventBetSettled, nil)
	h.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Forward returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Forward did not return after hub close")
	}
}
