package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// EventSink publishes workflow events on the signal bus: live on the
// market's Pub/Sub channel and durably on the shared event stream.
type EventSink struct {
	bus domain.SignalBus
}

// NewEventSink creates an EventSink.
func NewEventSink(bus domain.SignalBus) *EventSink {
	return &EventSink{bus: bus}
}

func (s *EventSink) Name() string { return "redis" }

// Handle appends the event to the stream before publishing it, so a
// subscriber that sees the live message can always replay it.
func (s *EventSink) Handle(ctx context.Context, e domain.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis: marshal event %s: %w", e.ID, err)
	}
	if err := s.bus.StreamAppend(ctx, domain.MarketEventsStream, payload); err != nil {
		return err
	}
	return s.bus.Publish(ctx, domain.MarketEventsChannel(e.MarketID), payload)
}

var _ domain.EventSink = (*EventSink)(nil)
