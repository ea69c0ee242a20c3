package domain

import "time"

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive             MarketStatus = "active"
	MarketStatusPendingResolution  MarketStatus = "pending_resolution"
	MarketStatusDisputing          MarketStatus = "disputing"
	MarketStatusResolved           MarketStatus = "resolved"
	MarketStatusDisputedResolution MarketStatus = "disputed_resolution"
	MarketStatusLocked             MarketStatus = "locked"
)

// Valid reports whether s is a known market status.
func (s MarketStatus) Valid() bool {
	switch s {
	case MarketStatusActive, MarketStatusPendingResolution, MarketStatusDisputing,
		MarketStatusResolved, MarketStatusDisputedResolution, MarketStatusLocked:
		return true
	}
	return false
}

// transitions lists the normal-flow edges of the market state machine. Freeze
// and unlock are handled separately because they depend on the prior state.
var transitions = map[MarketStatus]map[MarketStatus]bool{
	MarketStatusActive:             {MarketStatusPendingResolution: true},
	MarketStatusPendingResolution:  {MarketStatusDisputing: true, MarketStatusResolved: true},
	MarketStatusDisputing:          {MarketStatusResolved: true, MarketStatusDisputedResolution: true},
	MarketStatusDisputedResolution: {MarketStatusPendingResolution: true},
}

// CanTransition reports whether the lifecycle allows moving from one status to
// another. Any non-resolved status may be frozen into locked; a locked market
// may only return to the status it was frozen from (see Market.LockedFrom).
func CanTransition(from, to MarketStatus) bool {
	if to == MarketStatusLocked {
		return from != MarketStatusResolved && from != MarketStatusLocked
	}
	return transitions[from][to]
}

// Market is the unit of mutual exclusion for the resolution workflow. Pool
// totals are carried state only; no pricing arithmetic is done on them here.
type Market struct {
	ID                 string       `json:"id"`
	Question           string       `json:"question"`
	Status             MarketStatus `json:"status"`
	LockedFrom         MarketStatus `json:"locked_from,omitempty"`
	ActiveResolutionID string       `json:"active_resolution_id,omitempty"`
	DisputePeriodEnd   *time.Time   `json:"dispute_period_end,omitempty"`
	YesPool            int64        `json:"yes_pool"`
	NoPool             int64        `json:"no_pool"`
	TotalStake         int64        `json:"total_stake"`
	Version            int64        `json:"version"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// MarketView is the read model served to the UI. Window fields are computed
// against the clock at read time.
type MarketView struct {
	Market          Market            `json:"market"`
	Resolution      *ResolutionRecord `json:"resolution,omitempty"`
	Disputes        []Dispute         `json:"disputes"`
	WindowOpen      bool              `json:"window_open"`
	WindowRemaining time.Duration     `json:"window_remaining_ns"`
	SettlementDue   bool              `json:"settlement_due"`
	EvaluatedAt     time.Time         `json:"evaluated_at"`
}
