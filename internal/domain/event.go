package domain

import "time"

// EventType names an audit event.
type EventType string

const (
	EventMarketCreated      EventType = "market.created"
	EventResolutionProposed EventType = "resolution.proposed"
	EventMarketTransitioned EventType = "market.transitioned"
	EventMarketSettled      EventType = "market.settled"
	EventMarketFrozen       EventType = "market.frozen"
	EventMarketUnlocked     EventType = "market.unlocked"
	EventDisputeSubmitted   EventType = "dispute.submitted"
	EventDisputeReviewed    EventType = "dispute.reviewed"
	EventDisputeDecided     EventType = "dispute.decided"
	EventStakeSettled       EventType = "stake.settled"
	EventReputationDelta    EventType = "reputation.delta"
)

// Event is an immutable audit record. Events are written in the same
// transaction as the change they describe and published afterwards.
type Event struct {
	ID           string         `json:"id"`
	Seq          int64          `json:"seq"`
	MarketID     string         `json:"market_id"`
	Type         EventType      `json:"type"`
	FromStatus   MarketStatus   `json:"from_status,omitempty"`
	ToStatus     MarketStatus   `json:"to_status,omitempty"`
	Actor        string         `json:"actor"`
	DisputeID    string         `json:"dispute_id,omitempty"`
	ResolutionID string         `json:"resolution_id,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
	PublishedAt  *time.Time     `json:"published_at,omitempty"`
}

// SystemActor is recorded for transitions made by timers and sweeps.
const SystemActor = "system"
