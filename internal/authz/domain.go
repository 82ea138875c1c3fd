package authz

import "time"

// Severity classifies how dangerous a detected bypass attempt is.
type Severity string

// Threat severities, ordered low to critical.
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// AttemptType names the heuristic that flagged a check.
type AttemptType string

// Bypass attempt types produced by the detector.
const (
	AttemptPrivilegeEscalation     AttemptType = "PRIVILEGE_ESCALATION"
	AttemptTenantBoundaryViolation AttemptType = "TENANT_BOUNDARY_VIOLATION"
	AttemptRoleImpersonation       AttemptType = "ROLE_IMPERSONATION"
	AttemptBruteForce              AttemptType = "BRUTE_FORCE"
	AttemptIPFanOut                AttemptType = "IP_FAN_OUT"
)

// PermissionScope bounds where a permission applies.
type PermissionScope string

// Permission scopes.
const (
	ScopeGlobal   PermissionScope = "global"
	ScopeTenant   PermissionScope = "tenant"
	ScopeResource PermissionScope = "resource"
)

// RoleTagAdministrator is the coarse role tag that short-circuits resolution.
const RoleTagAdministrator = "administrator"

// Principal describes the authenticated actor. Owned by the external
// identity store; read-only here.
type Principal struct {
	ID       string
	TenantID string
	Active   bool
	RoleTag  string
}

// IsAdministrator reports whether the principal carries the admin role tag.
func (p Principal) IsAdministrator() bool {
	return p.RoleTag == RoleTagAdministrator
}

// Role represents a named permission grouping within a tenant. ParentID
// points at most one level up; the resolver never walks deeper.
type Role struct {
	ID       string
	TenantID string
	Name     string
	Active   bool
	ParentID string
}

// Permission represents an atomic capability.
type Permission struct {
	ID           string
	Name         string
	Scope        PermissionScope
	ResourceType string
}

// RoleAssignment links a principal to a role.
type RoleAssignment struct {
	PrincipalID string
	RoleID      string
	AssignedBy  string
	AssignedAt  time.Time
}

// ResourceGrant binds a permission to a concrete resource instance for a
// principal, independent of roles.
type ResourceGrant struct {
	PrincipalID    string
	ResourceID     string
	ResourceType   string
	PermissionName string
}

// CheckContext carries the request-scoped facts a permission check is
// evaluated against.
type CheckContext struct {
	PrincipalID string
	TenantID    string
	IP          string
	RequestedAt time.Time
	RequestID   string
}

// Decision is the engine's answer to a single permission check. It is
// always produced; failures are attached as diagnostics, never returned
// as errors across the engine boundary.
type Decision struct {
	Granted     bool
	Blocked     bool
	RateLimited bool
	Cached      bool
	Permission  string
	Reasons     []string
	Attempts    []BypassAttempt
	CheckedAt   time.Time
}

// BypassAttempt records a detected pattern suggesting an attempt to obtain
// a permission outside normal evaluation. Append-only.
type BypassAttempt struct {
	ID          string
	Type        AttemptType
	Severity    Severity
	PrincipalID string
	TenantID    string
	IP          string
	ObservedAt  time.Time
	Details     map[string]any
}

// ActivityRecord is one entry in a bounded per-principal or per-IP
// activity window.
type ActivityRecord struct {
	At               time.Time
	Permission       string
	Granted          bool
	ValidationFailed bool
	PrincipalID      string
	IP               string
}

// Block marks a subject (principal or IP) as denied until expiry. Expiry
// is evaluated lazily on read.
type Block struct {
	Subject   string
	Reason    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Validation failure reasons. The detector matches on these strings, so
// tenant- and role-related reasons must keep those words in the name.
const (
	ReasonPrincipalNotFound    = "principal_not_found"
	ReasonPrincipalInactive    = "principal_inactive"
	ReasonTenantMismatch       = "tenant_mismatch"
	ReasonAdminPermission      = "admin_permission_violation"
	ReasonRoleInconsistency    = "role_inconsistency"
	ReasonUnknownPermission    = "unknown_permission"
	ReasonResourceTypeMismatch = "resource_type_mismatch"
	ReasonResourceNotOwned     = "resource_not_owned"
	ReasonStaleRequest         = "stale_request"
	ReasonMalformedIP          = "malformed_ip"
	ReasonStoreUnavailable     = "store_unavailable"
	ReasonSubjectBlocked       = "subject_blocked"
	ReasonRateLimited          = "rate_limited"
)

// adminPermissions is the fixed set of permission names that only
// administrative principals may hold.
var adminPermissions = map[string]struct{}{
	"manage_users":       {},
	"manage_roles":       {},
	"manage_permissions": {},
	"manage_system":      {},
	"delete_tenant":      {},
	"system_admin":       {},
}

// IsAdminPermission reports whether name belongs to the fixed
// administrative permission set.
func IsAdminPermission(name string) bool {
	_, ok := adminPermissions[name]
	return ok
}
