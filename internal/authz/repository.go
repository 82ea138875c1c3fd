package authz

import (
	"context"
	"errors"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("authz: not found")

// Store is the read-only boundary to the role/permission backing store.
// Implementations must treat unreachable storage as an error, never as an
// empty result: the engine fails closed on store errors.
type Store interface {
	// PrincipalByID fetches a principal by identifier.
	PrincipalByID(ctx context.Context, id string) (Principal, error)
	// RolesForPrincipal returns the active roles assigned to a principal
	// within a tenant.
	RolesForPrincipal(ctx context.Context, principalID, tenantID string) ([]Role, error)
	// RoleByID fetches a single role, used for one level of parent
	// inheritance.
	RoleByID(ctx context.Context, id string) (Role, error)
	// PermissionsForRole returns the permissions attached to a role.
	PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error)
	// PermissionByName resolves a permission definition by unique name.
	PermissionByName(ctx context.Context, name string) (Permission, error)
	// HasResourceGrant reports whether an explicit grant row exists for
	// the (principal, resource, permission) triple.
	HasResourceGrant(ctx context.Context, principalID, resourceID, permissionName string) (bool, error)
	// PrincipalIDsForRole lists principals holding a role, used for
	// role-scoped cache invalidation.
	PrincipalIDsForRole(ctx context.Context, roleID string) ([]string, error)
}
