package domain

import "context"

// Role is the coarse permission class of a principal.
type Role string

const (
	RoleUser     Role = "user"
	RoleResolver Role = "resolver"
	RoleAdmin    Role = "admin"
)

// Principal is an authenticated caller.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Action names a guarded command.
type Action string

const (
	ActionCreateMarket      Action = "market.create"
	ActionProposeResolution Action = "resolution.propose"
	ActionReplaceResolution Action = "resolution.replace"
	ActionSubmitDispute     Action = "dispute.submit"
	ActionReviewDispute     Action = "dispute.review"
	ActionDecideDispute     Action = "dispute.decide"
	ActionFreezeMarket      Action = "market.freeze"
	ActionSettleMarket      Action = "market.settle"
	ActionManagePolicy      Action = "bond_policy.manage"
	ActionReadAudit         Action = "audit.read"
	ActionRunSweep          Action = "sweep.run"
)

// Authorizer is the access-control collaborator. It returns ErrForbidden
// (possibly wrapped) when the principal may not perform the action.
type Authorizer interface {
	Authorize(ctx context.Context, p Principal, action Action) error
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom extracts the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.ID != ""
}
