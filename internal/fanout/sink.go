package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/tickgrid/internal/domain"
)

// Sink receives events forwarded out of process.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev domain.Event) error
}

// Forward drains sub into sink until ctx ends or the subscription closes.
// Delivery errors are logged and the event is dropped.
func Forward(ctx context.Context, sub *Subscription, sink Sink, logger *slog.Logger) error {
	defer sub.Close()
	log := logger.With(slog.String("component", "fanout"), slog.String("sink", sink.Name()))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := sink.Deliver(ctx, ev); err != nil {
				log.Warn("sink delivery failed",
					slog.String("type", string(ev.Type)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Redis channel and stream names used by BusSink.
const (
	ChannelPrices      = "tickgrid:prices"
	ChannelSettlements = "tickgrid:settlements"
	ChannelBets        = "tickgrid:bets"
	StreamSettlements  = "tickgrid:stream:settlements"
)

// BusSink mirrors events onto a domain.SignalBus: every event is published
// on a pub/sub channel and settlements are also appended to a capped stream.
type BusSink struct {
	bus domain.SignalBus
}

// NewBusSink wraps bus.
func NewBusSink(bus domain.SignalBus) *BusSink {
	return &BusSink{bus: bus}
}

func (s *BusSink) Name() string { return "signal_bus" }

func (s *BusSink) Deliver(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("fanout: marshal %s: %w", ev.Type, err)
	}
	channel := ChannelBets
	switch ev.Type {
	case domain.EventPriceUpdate, domain.EventTickGap:
		channel = ChannelPrices
	case domain.EventBetSettled:
		channel = ChannelSettlements
		if err := s.bus.StreamAppend(ctx, StreamSettlements, payload); err != nil {
			return err
		}
	}
	return s.bus.Publish(ctx, channel, payload)
}
