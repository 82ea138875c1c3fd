package authz

import (
	"context"
	"errors"
	"net"
	"time"
)

// DefaultFreshnessWindow bounds how old a request timestamp may be before
// it is treated as a possible replay.
const DefaultFreshnessWindow = 5 * time.Minute

// ValidationResult carries the outcome of the full check pipeline.
type ValidationResult struct {
	Passed   bool
	Failures []string
}

// PermissionValidator runs eight independent checks in a fixed order.
// Every check runs even when an earlier one failed, so audit always sees
// the complete failure set; the overall result passes only with zero
// failures. Checks do not share fetched state: each one re-reads what it
// needs, so no check depends on another having passed.
type PermissionValidator struct {
	store     Store
	freshness time.Duration
	clock     func() time.Time
}

// NewPermissionValidator constructs a validator. A non-positive freshness
// falls back to DefaultFreshnessWindow.
func NewPermissionValidator(store Store, freshness time.Duration) *PermissionValidator {
	if freshness <= 0 {
		freshness = DefaultFreshnessWindow
	}
	return &PermissionValidator{store: store, freshness: freshness, clock: time.Now}
}

// Validate evaluates all checks for the given request.
func (v *PermissionValidator) Validate(ctx context.Context, check CheckContext, permission, resourceID, resourceType string) ValidationResult {
	var failures []string
	add := func(reason string) {
		if reason != "" {
			failures = append(failures, reason)
		}
	}

	add(v.checkExistence(ctx, check))
	add(v.checkActive(ctx, check))
	add(v.checkTenant(ctx, check))
	add(v.checkRoleIntegrity(ctx, check, permission))
	add(v.checkPermissionScope(ctx, permission, resourceType))
	add(v.checkResourceOwnership(ctx, check, permission, resourceID))
	add(v.checkFreshness(check))
	add(v.checkIP(check))

	return ValidationResult{Passed: len(failures) == 0, Failures: failures}
}

// checkExistence verifies the principal exists in the claimed tenant.
func (v *PermissionValidator) checkExistence(ctx context.Context, check CheckContext) string {
	principal, err := v.store.PrincipalByID(ctx, check.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ReasonPrincipalNotFound
		}
		return ReasonStoreUnavailable
	}
	if principal.TenantID != check.TenantID {
		return ReasonPrincipalNotFound
	}
	return ""
}

func (v *PermissionValidator) checkActive(ctx context.Context, check CheckContext) string {
	principal, err := v.store.PrincipalByID(ctx, check.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ""
		}
		return ReasonStoreUnavailable
	}
	if !principal.Active {
		return ReasonPrincipalInactive
	}
	return ""
}

// checkTenant compares the claimed tenant with the principal's actual
// tenant. A mismatch is never silently corrected: it is reported and
// denies.
func (v *PermissionValidator) checkTenant(ctx context.Context, check CheckContext) string {
	principal, err := v.store.PrincipalByID(ctx, check.PrincipalID)
	if err != nil {
		return ""
	}
	if principal.TenantID != check.TenantID {
		return ReasonTenantMismatch
	}
	return ""
}

// checkRoleIntegrity flags administrative permission names requested
// under a non-administrative role tag, and identity records whose role
// tag is missing entirely.
func (v *PermissionValidator) checkRoleIntegrity(ctx context.Context, check CheckContext, permission string) string {
	principal, err := v.store.PrincipalByID(ctx, check.PrincipalID)
	if err != nil {
		return ""
	}
	if principal.RoleTag == "" {
		return ReasonRoleInconsistency
	}
	if IsAdminPermission(permission) && !principal.IsAdministrator() {
		return ReasonAdminPermission
	}
	return ""
}

// checkPermissionScope verifies the permission name is defined, and that
// a supplied resource type matches the permission's declared type.
func (v *PermissionValidator) checkPermissionScope(ctx context.Context, permission, resourceType string) string {
	perm, err := v.store.PermissionByName(ctx, permission)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ReasonUnknownPermission
		}
		return ReasonStoreUnavailable
	}
	if resourceType != "" && perm.ResourceType != "" && perm.ResourceType != resourceType {
		return ReasonResourceTypeMismatch
	}
	return ""
}

// checkResourceOwnership is a pass-through when no resource id was given.
// With a resource id it requires the explicit grant row for
// resource-scoped permissions.
func (v *PermissionValidator) checkResourceOwnership(ctx context.Context, check CheckContext, permission, resourceID string) string {
	if resourceID == "" {
		return ""
	}
	perm, err := v.store.PermissionByName(ctx, permission)
	if err != nil || perm.Scope != ScopeResource {
		return ""
	}
	granted, err := v.store.HasResourceGrant(ctx, check.PrincipalID, resourceID, permission)
	if err != nil {
		return ReasonStoreUnavailable
	}
	if !granted {
		return ReasonResourceNotOwned
	}
	return ""
}

// checkFreshness rejects request timestamps older than the freshness
// window to blunt replay. A zero timestamp is treated as "now".
func (v *PermissionValidator) checkFreshness(check CheckContext) string {
	if check.RequestedAt.IsZero() {
		return ""
	}
	if v.clock().Sub(check.RequestedAt) > v.freshness {
		return ReasonStaleRequest
	}
	return ""
}

func (v *PermissionValidator) checkIP(check CheckContext) string {
	if check.IP == "" {
		return ""
	}
	if net.ParseIP(check.IP) == nil {
		return ReasonMalformedIP
	}
	return ""
}
