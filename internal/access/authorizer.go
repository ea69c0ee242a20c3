// Package access implements domain.Authorizer with a static role table.
package access

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// DefaultGrants is the permission table used when none is configured.
// Admins may do everything; resolvers propose first resolutions; users
// dispute and settle.
var DefaultGrants = map[domain.Role][]domain.Action{
	domain.RoleUser: {
		domain.ActionSubmitDispute,
		domain.ActionSettleMarket,
	},
	domain.RoleResolver: {
		domain.ActionProposeResolution,
		domain.ActionSettleMarket,
	},
	domain.RoleAdmin: {
		domain.ActionCreateMarket,
		domain.ActionProposeResolution,
		domain.ActionReplaceResolution,
		domain.ActionReviewDispute,
		domain.ActionDecideDispute,
		domain.ActionFreezeMarket,
		domain.ActionSettleMarket,
		domain.ActionManagePolicy,
		domain.ActionReadAudit,
		domain.ActionRunSweep,
	},
}

// RoleAuthorizer grants actions by role.
type RoleAuthorizer struct {
	grants map[domain.Role]map[domain.Action]bool
}

// NewRoleAuthorizer builds an authorizer from a role to actions table.
func NewRoleAuthorizer(grants map[domain.Role][]domain.Action) *RoleAuthorizer {
	a := &RoleAuthorizer{grants: make(map[domain.Role]map[domain.Action]bool, len(grants))}
	for role, actions := range grants {
		set := make(map[domain.Action]bool, len(actions))
		for _, act := range actions {
			set[act] = true
		}
		a.grants[role] = set
	}
	return a
}

// Authorize returns ErrUnauthorized for an anonymous principal and
// ErrForbidden when the role lacks the action.
func (a *RoleAuthorizer) Authorize(_ context.Context, p domain.Principal, action domain.Action) error {
	if p.ID == "" {
		return fmt.Errorf("access: %s: %w", action, domain.ErrUnauthorized)
	}
	if !a.grants[p.Role][action] {
		return fmt.Errorf("access: %s may not %s: %w", p.ID, action, domain.ErrForbidden)
	}
	return nil
}

var _ domain.Authorizer = (*RoleAuthorizer)(nil)
