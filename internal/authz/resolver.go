package authz

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// RoleResolver walks role assignments down to an effective grant decision.
// It is the single source of truth consulted when the cache has no
// answer. Concurrent resolves for the same tuple are collapsed so a
// stampede of identical misses produces one store walk.
type RoleResolver struct {
	store Store
	group singleflight.Group
}

// NewRoleResolver constructs a resolver backed by the given store.
func NewRoleResolver(store Store) *RoleResolver {
	return &RoleResolver{store: store}
}

// Resolve reports whether the principal holds the named permission.
// Administrators are granted everything without touching role
// assignments. A role carrying a resource-scoped permission names the
// capability only; binding it to a concrete resource id additionally
// requires an explicit resource grant row.
func (r *RoleResolver) Resolve(ctx context.Context, principal Principal, permission, resourceID, resourceType string) (bool, error) {
	if principal.IsAdministrator() {
		return true, nil
	}

	key := CacheKey(principal.ID, permission, resourceID, resourceType, principal.TenantID)
	result, err, _ := r.group.Do(key, func() (any, error) {
		return r.resolve(ctx, principal, permission, resourceID)
	})
	if err != nil {
		return false, err
	}
	granted, ok := result.(bool)
	if !ok {
		return false, errors.New("authz: unexpected resolver result type")
	}
	return granted, nil
}

func (r *RoleResolver) resolve(ctx context.Context, principal Principal, permission, resourceID string) (bool, error) {
	roles, err := r.effectiveRoles(ctx, principal)
	if err != nil {
		return false, err
	}

	found, scope, err := r.findPermission(ctx, roles, permission)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	if scope == ScopeResource && resourceID != "" {
		granted, err := r.store.HasResourceGrant(ctx, principal.ID, resourceID, permission)
		if err != nil {
			return false, fmt.Errorf("authz: resource grant lookup: %w", err)
		}
		return granted, nil
	}
	return true, nil
}

// effectiveRoles gathers the principal's active roles plus at most one
// level of parent inheritance. Parents of parents are never followed.
func (r *RoleResolver) effectiveRoles(ctx context.Context, principal Principal) ([]Role, error) {
	assigned, err := r.store.RolesForPrincipal(ctx, principal.ID, principal.TenantID)
	if err != nil {
		return nil, fmt.Errorf("authz: roles for principal: %w", err)
	}

	seen := make(map[string]struct{}, len(assigned))
	roles := make([]Role, 0, len(assigned))
	for _, role := range assigned {
		if !role.Active {
			continue
		}
		if _, ok := seen[role.ID]; ok {
			continue
		}
		seen[role.ID] = struct{}{}
		roles = append(roles, role)
	}

	// Parents are walked from the active set only: an inactive role must
	// not grant through its parent. Appended parents are not revisited.
	for _, role := range roles {
		if role.ParentID == "" {
			continue
		}
		if _, ok := seen[role.ParentID]; ok {
			continue
		}
		parent, err := r.store.RoleByID(ctx, role.ParentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("authz: parent role: %w", err)
		}
		if !parent.Active || parent.TenantID != principal.TenantID {
			continue
		}
		seen[parent.ID] = struct{}{}
		roles = append(roles, parent)
	}
	return roles, nil
}

func (r *RoleResolver) findPermission(ctx context.Context, roles []Role, permission string) (bool, PermissionScope, error) {
	for _, role := range roles {
		perms, err := r.store.PermissionsForRole(ctx, role.ID)
		if err != nil {
			return false, "", fmt.Errorf("authz: permissions for role %s: %w", role.ID, err)
		}
		for _, perm := range perms {
			if perm.Name == permission {
				return true, perm.Scope, nil
			}
		}
	}
	return false, "", nil
}
