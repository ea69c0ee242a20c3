package domain

import "time"

// Outcome is the binary proposed answer of a market.
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// ResolutionSource identifies who produced a proposed outcome.
type ResolutionSource string

const (
	SourceAPI      ResolutionSource = "api"
	SourceAdmin    ResolutionSource = "admin"
	SourceContract ResolutionSource = "contract"
)

// Confidence is the resolver's self-reported certainty.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ResolutionProposal is the structured tuple a resolver or oracle submits.
// Evidence is stored as given; its content is not validated here.
type ResolutionProposal struct {
	Outcome    Outcome          `json:"outcome"`
	Source     ResolutionSource `json:"source"`
	Confidence Confidence       `json:"confidence"`
	Evidence   string           `json:"evidence,omitempty"`
}

// Validate checks the proposal's enumerations.
func (p ResolutionProposal) Validate() error {
	switch p.Outcome {
	case OutcomeYes, OutcomeNo:
	default:
		return &ValidationError{Field: "outcome", Code: "invalid_outcome", Reason: "must be yes or no"}
	}
	switch p.Source {
	case SourceAPI, SourceAdmin, SourceContract:
	default:
		return &ValidationError{Field: "source", Code: "invalid_source", Reason: "must be api, admin or contract"}
	}
	switch p.Confidence {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
	default:
		return &ValidationError{Field: "confidence", Code: "invalid_confidence", Reason: "must be high, medium or low"}
	}
	return nil
}

// ResolutionRecord is one resolution attempt for a market. After creation
// only FinalOutcome/SettledAt (set once, at settlement) and SupersededBy change.
type ResolutionRecord struct {
	ID               string           `json:"id"`
	MarketID         string           `json:"market_id"`
	Outcome          Outcome          `json:"outcome"`
	Source           ResolutionSource `json:"source"`
	Confidence       Confidence       `json:"confidence"`
	Evidence         string           `json:"evidence,omitempty"`
	ProposedBy       string           `json:"proposed_by"`
	ProposedAt       time.Time        `json:"proposed_at"`
	DisputeWindowEnd time.Time        `json:"dispute_window_end"`
	FinalOutcome     *Outcome         `json:"final_outcome,omitempty"`
	SettledAt        *time.Time       `json:"settled_at,omitempty"`
	SupersededBy     string           `json:"superseded_by,omitempty"`
}

// Settled reports whether the record carries a final outcome.
func (r ResolutionRecord) Settled() bool { return r.FinalOutcome != nil }

// Superseded reports whether a newer record replaced this one.
func (r ResolutionRecord) Superseded() bool { return r.SupersededBy != "" }

// WindowOpenAt reports whether a dispute submitted at t is inside the window.
// The deadline itself is still inside.
func (r ResolutionRecord) WindowOpenAt(t time.Time) bool {
	return !t.After(r.DisputeWindowEnd)
}

// WindowElapsedAt reports whether the window has run out at t.
func (r ResolutionRecord) WindowElapsedAt(t time.Time) bool {
	return !t.Before(r.DisputeWindowEnd)
}
