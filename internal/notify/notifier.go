// Package notify forwards selected workflow events to chat channels
// (Telegram, Discord) so operators see disputes and settlements as they
// happen.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// DefaultEvents are forwarded when no event types are configured.
var DefaultEvents = []domain.EventType{
	domain.EventDisputeSubmitted,
	domain.EventDisputeDecided,
	domain.EventMarketSettled,
	domain.EventMarketFrozen,
}

// Notifier is an EventSink that renders allowed events as chat messages.
// Delivery is best effort: a failing sender is logged and never holds back
// the event outbox.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering the given event types to senders.
// An empty events list selects DefaultEvents.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool)
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	if len(allowed) == 0 {
		for _, e := range DefaultEvents {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

func (n *Notifier) Name() string { return "notify" }

// Handle sends the event to every sender if its type is selected.
func (n *Notifier) Handle(ctx context.Context, e domain.Event) error {
	if len(n.senders) == 0 || !n.events[e.Type] {
		return nil
	}
	title, message := render(e)
	if err := n.dispatch(ctx, title, message); err != nil {
		n.logger.WarnContext(ctx, "notification dropped",
			slog.String("event_id", e.ID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// dispatch sends to every sender; one failure does not stop the others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

func render(e domain.Event) (string, string) {
	var title string
	switch e.Type {
	case domain.EventDisputeSubmitted:
		title = "Dispute submitted"
	case domain.EventDisputeDecided:
		title = "Dispute decided"
	case domain.EventMarketSettled:
		title = "Market settled"
	case domain.EventMarketFrozen:
		title = "Market frozen"
	default:
		title = string(e.Type)
	}

	lines := []string{"market: " + e.MarketID}
	if e.FromStatus != "" || e.ToStatus != "" {
		lines = append(lines, fmt.Sprintf("status: %s -> %s", e.FromStatus, e.ToStatus))
	}
	if e.DisputeID != "" {
		lines = append(lines, "dispute: "+e.DisputeID)
	}
	if e.Actor != "" {
		lines = append(lines, "by: "+e.Actor)
	}
	keys := make([]string, 0, len(e.Detail))
	for k := range e.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, e.Detail[k]))
	}
	return title, strings.Join(lines, "\n")
}

var _ domain.EventSink = (*Notifier)(nil)
