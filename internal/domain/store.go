package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists markets. Update is a check-and-set on Version: it
// returns ErrStaleVersion when the stored version no longer matches and
// returns the market with its version incremented on success.
type MarketStore interface {
	Create(ctx context.Context, m Market) error
	Get(ctx context.Context, id string) (Market, error)
	GetForUpdate(ctx context.Context, id string) (Market, error)
	Update(ctx context.Context, m Market) (Market, error)
	List(ctx context.Context, status MarketStatus, opts ListOpts) ([]Market, error)
	// ListDue returns pending_resolution markets whose dispute period ended
	// at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Market, error)
}

// ResolutionStore persists resolution records.
type ResolutionStore interface {
	Create(ctx context.Context, r ResolutionRecord) error
	Get(ctx context.Context, id string) (ResolutionRecord, error)
	ListByMarket(ctx context.Context, marketID string) ([]ResolutionRecord, error)
	MarkSuperseded(ctx context.Context, id, by string) error
	// SetFinalOutcome sets the final outcome once. A second call returns
	// ErrAlreadyResolved.
	SetFinalOutcome(ctx context.Context, id string, outcome Outcome, at time.Time) error
}

// DisputeStore persists disputes. Create returns ErrDuplicateActiveDispute
// when the submitter already holds an open dispute on the market.
type DisputeStore interface {
	Create(ctx context.Context, d Dispute) error
	Get(ctx context.Context, id string) (Dispute, error)
	Update(ctx context.Context, d Dispute) error
	FindOpen(ctx context.Context, marketID, submitterID string) (Dispute, error)
	ListByMarket(ctx context.Context, marketID string) ([]Dispute, error)
	ListByResolution(ctx context.Context, resolutionID string) ([]Dispute, error)
	ListBySubmitter(ctx context.Context, submitterID string, opts ListOpts) ([]Dispute, error)
}

// StakeStore persists stake entries keyed by dispute. Create returns
// ErrDuplicateCommit when an entry already exists.
type StakeStore interface {
	Create(ctx context.Context, e StakeEntry) error
	Get(ctx context.Context, disputeID string) (StakeEntry, error)
	Update(ctx context.Context, e StakeEntry) error
}

// EventStore is the append-only audit log and outbox.
type EventStore interface {
	Append(ctx context.Context, e Event) error
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Event, error)
	List(ctx context.Context, opts ListOpts) ([]Event, error)
	ListUnpublished(ctx context.Context, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, ids []string, at time.Time) error
}

// InstructionStore queues ledger instructions produced by settlement.
type InstructionStore interface {
	Enqueue(ctx context.Context, ins ...LedgerInstruction) error
	ListPending(ctx context.Context, limit int) ([]LedgerInstruction, error)
	ListByDispute(ctx context.Context, disputeID string) ([]LedgerInstruction, error)
	Update(ctx context.Context, ins LedgerInstruction) error
}

// Tx groups the stores that participate in one atomic unit of work.
type Tx interface {
	Markets() MarketStore
	Resolutions() ResolutionStore
	Disputes() DisputeStore
	Stakes() StakeStore
	Events() EventStore
	Instructions() InstructionStore
}

// Store is the workflow's storage collaborator. Methods on the embedded Tx
// run outside any transaction. InTx commits when fn returns nil and rolls
// back otherwise.
type Store interface {
	Tx
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// PolicyStore persists versioned bond policies. Save returns
// ErrAlreadyExists when the version is already stored.
type PolicyStore interface {
	Save(ctx context.Context, p BondPolicy) error
	Current(ctx context.Context) (BondPolicy, error)
	List(ctx context.Context) ([]BondPolicy, error)
}
