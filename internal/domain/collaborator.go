package domain

import "context"

// BalanceLedger is the external ledger holding user funds. Lock places funds
// under a hold reference (the dispute ID); Release and Transfer draw from the
// hold with that reference, and releasing an unknown hold is a no-op.
// Repeating a call of the same kind with the same reference must not move
// funds twice.
type BalanceLedger interface {
	GetBalance(ctx context.Context, account string) (int64, error)
	Lock(ctx context.Context, account string, amount int64, ref string) error
	Release(ctx context.Context, account string, amount int64, ref string) error
	Transfer(ctx context.Context, from, to string, amount int64, ref string) error
}

// ReputationStore is the external reputation collaborator. ApplyDelta is
// idempotent per ref.
type ReputationStore interface {
	GetScore(ctx context.Context, account string) (int, error)
	ApplyDelta(ctx context.Context, account string, delta int, ref string) error
}

// EventSink receives published audit events. Handle may be called more than
// once for the same event.
type EventSink interface {
	Name() string
	Handle(ctx context.Context, e Event) error
}
