package domain

import "time"

// Disposition is what happened to a committed bond.
type Disposition string

const (
	DispositionHeld         Disposition = "held"
	DispositionRefundedFull Disposition = "refunded_full"
	DispositionRefundedHalf Disposition = "refunded_half_slashed_half"
	// DispositionForfeited is kept for ledgers that slash the whole bond. The
	// current settlement rules never produce it.
	DispositionForfeited Disposition = "forfeited"
)

// SplitBond divides a bond for a decided dispute. An accepted dispute gets
// the whole bond back. A rejected one forfeits floor(bond/2) and keeps the
// remainder, so refund+forfeited == bond for every amount.
func SplitBond(bond int64, accepted bool) (refund, forfeited int64, d Disposition) {
	if accepted {
		return bond, 0, DispositionRefundedFull
	}
	forfeited = bond / 2
	return bond - forfeited, forfeited, DispositionRefundedHalf
}

// StakeEntry tracks one dispute bond from commit to settlement.
type StakeEntry struct {
	DisputeID       string      `json:"dispute_id"`
	MarketID        string      `json:"market_id"`
	Account         string      `json:"account"`
	AmountCommitted int64       `json:"amount_committed"`
	Disposition     Disposition `json:"disposition"`
	RefundAmount    int64       `json:"refund_amount"`
	ForfeitedAmount int64       `json:"forfeited_amount"`
	CommittedAt     time.Time   `json:"committed_at"`
	SettledAt       *time.Time  `json:"settled_at,omitempty"`
}

// Settled reports whether the entry has left the held state.
func (e StakeEntry) Settled() bool { return e.Disposition != DispositionHeld }

// Settlement is the economic result of settling one dispute bond.
type Settlement struct {
	DisputeID       string      `json:"dispute_id"`
	Account         string      `json:"account"`
	Disposition     Disposition `json:"disposition"`
	BondAmount      int64       `json:"bond_amount"`
	RefundAmount    int64       `json:"refund_amount"`
	ForfeitedAmount int64       `json:"forfeited_amount"`
	ReputationDelta int         `json:"reputation_delta"`
}

// InstructionKind is the ledger operation a settlement instruction performs.
type InstructionKind string

const (
	InstructionRelease  InstructionKind = "release"
	InstructionTransfer InstructionKind = "transfer"
)

// InstructionStatus tracks execution against the external ledger.
type InstructionStatus string

const (
	InstructionPending InstructionStatus = "pending"
	InstructionDone    InstructionStatus = "done"
	InstructionFailed  InstructionStatus = "failed"
)

// LedgerInstruction is a durable, idempotent ledger movement produced by a
// settlement. Its ID doubles as the reference passed to the ledger.
type LedgerInstruction struct {
	ID           string            `json:"id"`
	DisputeID    string            `json:"dispute_id"`
	Kind         InstructionKind   `json:"kind"`
	Account      string            `json:"account"`
	Counterparty string            `json:"counterparty,omitempty"`
	Amount       int64             `json:"amount"`
	Status       InstructionStatus `json:"status"`
	Attempts     int               `json:"attempts"`
	LastError    string            `json:"last_error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ExecutedAt   *time.Time        `json:"executed_at,omitempty"`
}
