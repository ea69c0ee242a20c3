package domain

import (
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// DisputeType classifies the grounds of a challenge. It selects the base bond.
type DisputeType string

const (
	DisputeEvidence       DisputeType = "evidence"
	DisputeInterpretation DisputeType = "interpretation"
	DisputeAPIError       DisputeType = "api_error"
)

// DisputeTypes lists every dispute type in a stable order.
var DisputeTypes = []DisputeType{DisputeEvidence, DisputeInterpretation, DisputeAPIError}

// Valid reports whether t is a known dispute type.
func (t DisputeType) Valid() bool {
	switch t {
	case DisputeEvidence, DisputeInterpretation, DisputeAPIError:
		return true
	}
	return false
}

// DisputeStatus is the review state of a dispute.
type DisputeStatus string

const (
	DisputePending  DisputeStatus = "pending"
	DisputeReviewed DisputeStatus = "reviewed"
	DisputeAccepted DisputeStatus = "accepted"
	DisputeRejected DisputeStatus = "rejected"
	// DisputeContractProcessing is reserved for ledger settlement in flight on
	// an on-chain ledger. No transition in this engine produces it.
	DisputeContractProcessing DisputeStatus = "contract_processing"
)

// Open reports whether the dispute still awaits an admin decision.
func (s DisputeStatus) Open() bool {
	return s == DisputePending || s == DisputeReviewed
}

// Terminal reports whether the dispute has been decided.
func (s DisputeStatus) Terminal() bool {
	return s == DisputeAccepted || s == DisputeRejected || s == DisputeContractProcessing
}

// Decision is the admin verdict on a dispute.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// Status maps a decision to the dispute status it produces.
func (d Decision) Status() (DisputeStatus, bool) {
	switch d {
	case DecisionAccept:
		return DisputeAccepted, true
	case DecisionReject:
		return DisputeRejected, true
	}
	return "", false
}

// DisputeForm is the user-submitted part of a dispute.
type DisputeForm struct {
	Type                DisputeType `json:"dispute_type"`
	Reason              string      `json:"reason"`
	EvidenceURL         string      `json:"evidence_url,omitempty"`
	EvidenceDescription string      `json:"evidence_description,omitempty"`
}

// Validate checks the form. minReason is counted in characters after trimming.
func (f DisputeForm) Validate(minReason int) error {
	if !f.Type.Valid() {
		return &ValidationError{Field: "dispute_type", Code: "invalid_dispute_type", Reason: "must be evidence, interpretation or api_error"}
	}
	if utf8.RuneCountInString(strings.TrimSpace(f.Reason)) < minReason {
		return &ValidationError{Field: "reason", Code: "reason_too_short", Reason: "must be at least " + strconv.Itoa(minReason) + " characters"}
	}
	if f.EvidenceURL != "" {
		u, err := url.Parse(f.EvidenceURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: "evidence_url", Code: "invalid_evidence_url", Reason: "must be an absolute http(s) URL"}
		}
	}
	return nil
}

// Dispute is a bonded challenge against one resolution record. Disputes are
// never deleted.
type Dispute struct {
	ID                  string        `json:"id"`
	MarketID            string        `json:"market_id"`
	ResolutionID        string        `json:"resolution_id"`
	SubmitterID         string        `json:"submitter_id"`
	Type                DisputeType   `json:"dispute_type"`
	Reason              string        `json:"reason"`
	EvidenceURL         string        `json:"evidence_url,omitempty"`
	EvidenceDescription string        `json:"evidence_description,omitempty"`
	BondAmount          int64         `json:"bond_amount"`
	PolicyVersion       string        `json:"policy_version"`
	Status              DisputeStatus `json:"status"`
	AdminNote           string        `json:"admin_note,omitempty"`
	DecidedBy           string        `json:"decided_by,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	ReviewedAt          *time.Time    `json:"reviewed_at,omitempty"`
	DecidedAt           *time.Time    `json:"decided_at,omitempty"`
}
