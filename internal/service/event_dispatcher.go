package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/metrics"
)

// EventDispatcher drains the event outbox into the configured sinks. An
// event is marked published only after every sink accepted it; on a sink
// failure the pass stops so later events are not delivered ahead of it.
// Delivery is at least once.
type EventDispatcher struct {
	events   domain.EventStore
	sinks    []domain.EventSink
	interval time.Duration
	batch    int
	metrics  *metrics.Recorder
	logger   *slog.Logger
	nowFn    func() time.Time
}

// NewEventDispatcher creates an EventDispatcher.
func NewEventDispatcher(events domain.EventStore, sinks []domain.EventSink, interval time.Duration, batch int, rec *metrics.Recorder, logger *slog.Logger) *EventDispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 200
	}
	return &EventDispatcher{
		events:   events,
		sinks:    sinks,
		interval: interval,
		batch:    batch,
		metrics:  rec,
		logger:   logger.With(slog.String("component", "event_dispatcher")),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// Run dispatches on every tick until ctx is cancelled.
func (d *EventDispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil {
				d.logger.WarnContext(ctx, "dispatch pass incomplete", slog.String("error", err.Error()))
			}
		}
	}
}

// DispatchOnce delivers one batch and returns how many events were marked
// published.
func (d *EventDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	pending, err := d.events.ListUnpublished(ctx, d.batch)
	if err != nil {
		return 0, fmt.Errorf("event_dispatcher: list unpublished: %w", err)
	}
	var done []string
	var passErr error
	for _, e := range pending {
		if err := d.deliver(ctx, e); err != nil {
			passErr = err
			break
		}
		done = append(done, e.ID)
	}
	if len(done) > 0 {
		if err := d.events.MarkPublished(ctx, done, d.nowFn()); err != nil {
			return 0, fmt.Errorf("event_dispatcher: mark published: %w", err)
		}
	}
	return len(done), passErr
}

func (d *EventDispatcher) deliver(ctx context.Context, e domain.Event) error {
	for _, sink := range d.sinks {
		if err := sink.Handle(ctx, e); err != nil {
			d.metrics.Published(sink.Name(), false)
			return fmt.Errorf("event_dispatcher: sink %s event %s: %w", sink.Name(), e.ID, err)
		}
		d.metrics.Published(sink.Name(), true)
	}
	return nil
}

// ReputationApplier forwards reputation.delta events to the reputation
// collaborator, using the event ID as the idempotency reference.
type ReputationApplier struct {
	reputation domain.ReputationStore
	logger     *slog.Logger
}

// NewReputationApplier creates a ReputationApplier sink.
func NewReputationApplier(reputation domain.ReputationStore, logger *slog.Logger) *ReputationApplier {
	return &ReputationApplier{reputation: reputation, logger: logger.With(slog.String("component", "reputation_applier"))}
}

func (a *ReputationApplier) Name() string { return "reputation" }

// Handle applies the delta carried by a reputation.delta event. Other event
// types are ignored.
func (a *ReputationApplier) Handle(ctx context.Context, e domain.Event) error {
	if e.Type != domain.EventReputationDelta {
		return nil
	}
	account, _ := e.Detail["account"].(string)
	delta, ok := intFrom(e.Detail["delta"])
	if account == "" || !ok {
		a.logger.ErrorContext(ctx, "malformed reputation event", slog.String("event_id", e.ID))
		return nil
	}
	if err := a.reputation.ApplyDelta(ctx, account, delta, e.ID); err != nil {
		return fmt.Errorf("reputation_applier: apply %d to %s: %w", delta, account, err)
	}
	return nil
}

// intFrom reads an integer from a detail value that may have round-tripped
// through JSON.
func intFrom(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
