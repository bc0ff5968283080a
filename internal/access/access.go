// Package access answers "can this operator do that" from user roles.
package access

import (
	"context"
	"errors"

	"possettle/backend/internal/domain"
	"possettle/backend/internal/store"
)

type Authorizer interface {
	Can(ctx context.Context, operatorID string, capability string) (bool, error)
}

type UserDirectory interface {
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
}

var defaultGrants = map[string][]string{
	domain.RoleAdmin: {
		domain.CapabilityReverseSale,
		domain.CapabilityAdjustStock,
		domain.CapabilityManageCatalog,
		domain.CapabilityReadAudit,
		domain.CapabilityReadAllShifts,
	},
	domain.RoleCashier: {},
}

// RolePolicy grants capabilities by the operator's role. Unknown and
// inactive operators get nothing.
type RolePolicy struct {
	users  UserDirectory
	grants map[string]map[string]bool
}

func NewRolePolicy(users UserDirectory) *RolePolicy {
	grants := make(map[string]map[string]bool, len(defaultGrants))
	for role, caps := range defaultGrants {
		set := make(map[string]bool, len(caps))
		for _, c := range caps {
			set[c] = true
		}
		grants[role] = set
	}
	return &RolePolicy{users: users, grants: grants}
}

// Grant adds a capability to a role.
func (p *RolePolicy) Grant(role string, capability string) {
	if p.grants[role] == nil {
		p.grants[role] = make(map[string]bool)
	}
	p.grants[role][capability] = true
}

func (p *RolePolicy) Can(ctx context.Context, operatorID string, capability string) (bool, error) {
	user, err := p.users.GetUser(ctx, operatorID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !user.Active {
		return false, nil
	}
	return p.grants[user.Role][capability], nil
}

// Static grants every capability to the listed operators. Used where no user
// directory exists, e.g. tests and batch tools.
type Static map[string]bool

func (s Static) Can(_ context.Context, operatorID string, _ string) (bool, error) {
	return s[operatorID], nil
}
