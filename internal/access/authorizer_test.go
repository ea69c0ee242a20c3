package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

func TestRoleAuthorizer(t *testing.T) {
	a := NewRoleAuthorizer(DefaultGrants)
	ctx := context.Background()

	tests := []struct {
		name    string
		p       domain.Principal
		action  domain.Action
		wantErr error
	}{
		{"user submits", domain.Principal{ID: "u", Role: domain.RoleUser}, domain.ActionSubmitDispute, nil},
		{"user decides", domain.Principal{ID: "u", Role: domain.RoleUser}, domain.ActionDecideDispute, domain.ErrForbidden},
		{"resolver proposes", domain.Principal{ID: "r", Role: domain.RoleResolver}, domain.ActionProposeResolution, nil},
		{"resolver replaces", domain.Principal{ID: "r", Role: domain.RoleResolver}, domain.ActionReplaceResolution, domain.ErrForbidden},
		{"admin freezes", domain.Principal{ID: "a", Role: domain.RoleAdmin}, domain.ActionFreezeMarket, nil},
		{"anonymous", domain.Principal{Role: domain.RoleAdmin}, domain.ActionReadAudit, domain.ErrUnauthorized},
		{"unknown role", domain.Principal{ID: "x", Role: "auditor"}, domain.ActionReadAudit, domain.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Authorize(ctx, tt.p, tt.action)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
