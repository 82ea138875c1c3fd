package authz

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for the Store boundary.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// PrincipalByID fetches a principal by identifier.
func (r *Repository) PrincipalByID(ctx context.Context, id string) (Principal, error) {
	var p Principal
	err := r.pool.QueryRow(ctx,
		`SELECT id, tenant_id, is_active, role_tag FROM principals WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.TenantID, &p.Active, &p.RoleTag)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, ErrNotFound
		}
		return Principal{}, err
	}
	return p, nil
}

// RolesForPrincipal returns the active roles assigned to a principal in a tenant.
func (r *Repository) RolesForPrincipal(ctx context.Context, principalID, tenantID string) ([]Role, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT r.id, r.tenant_id, r.name, r.is_active, COALESCE(r.parent_id, '')
		   FROM roles r
		   JOIN role_assignments ra ON ra.role_id = r.id
		  WHERE ra.principal_id = $1 AND r.tenant_id = $2 AND r.is_active
		  ORDER BY r.id`,
		principalID, tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.TenantID, &role.Name, &role.Active, &role.ParentID); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

// RoleByID fetches a single role.
func (r *Repository) RoleByID(ctx context.Context, id string) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, is_active, COALESCE(parent_id, '') FROM roles WHERE id = $1`,
		id,
	).Scan(&role.ID, &role.TenantID, &role.Name, &role.Active, &role.ParentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// PermissionsForRole returns the permissions attached to a role.
func (r *Repository) PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.id, p.name, p.scope, COALESCE(p.resource_type, '')
		   FROM permissions p
		   JOIN role_permissions rp ON rp.permission_id = p.id
		  WHERE rp.role_id = $1
		  ORDER BY p.name`,
		roleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var perm Permission
		if err := rows.Scan(&perm.ID, &perm.Name, &perm.Scope, &perm.ResourceType); err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// PermissionByName resolves a permission definition by unique name.
func (r *Repository) PermissionByName(ctx context.Context, name string) (Permission, error) {
	var perm Permission
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, scope, COALESCE(resource_type, '') FROM permissions WHERE name = $1`,
		name,
	).Scan(&perm.ID, &perm.Name, &perm.Scope, &perm.ResourceType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, ErrNotFound
		}
		return Permission{}, err
	}
	return perm, nil
}

// HasResourceGrant reports whether an explicit grant row exists.
func (r *Repository) HasResourceGrant(ctx context.Context, principalID, resourceID, permissionName string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM resource_grants
			 WHERE principal_id = $1 AND resource_id = $2 AND permission_name = $3
		 )`,
		principalID, resourceID, permissionName,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// PrincipalIDsForRole lists principals currently assigned a role.
func (r *Repository) PrincipalIDsForRole(ctx context.Context, roleID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT principal_id FROM role_assignments WHERE role_id = $1 ORDER BY principal_id`,
		roleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
