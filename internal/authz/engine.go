package authz

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-authz/aegis/internal/observability"
)

// Check outcome labels for metrics.
const (
	outcomeGranted     = "granted"
	outcomeDenied      = "denied"
	outcomeBlocked     = "blocked"
	outcomeRateLimited = "rate_limited"
)

// EngineStats aggregates the statistics surface.
type EngineStats struct {
	Cache    CacheStats    `json:"cache"`
	Security SecurityStats `json:"security"`
}

// Engine orchestrates the full permission check pipeline: block check,
// cache lookup, validation, role resolution, bypass detection,
// enforcement, cache write. Its contract is "always returns a decision":
// failures are attached as diagnostics and any uncertainty denies.
type Engine struct {
	store     Store
	cache     *PermissionCache
	validator *PermissionValidator
	resolver  *RoleResolver
	detector  *BypassDetector
	enforcer  *SecurityEnforcer
	metrics   *observability.Metrics
	logger    *slog.Logger
	clock     func() time.Time
}

// EngineParams groups the engine's collaborators. Store, Cache,
// Validator, Resolver, Detector and Enforcer are required; Metrics and
// Logger are optional.
type EngineParams struct {
	Store     Store
	Cache     *PermissionCache
	Validator *PermissionValidator
	Resolver  *RoleResolver
	Detector  *BypassDetector
	Enforcer  *SecurityEnforcer
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// NewEngine constructs the engine from explicit collaborators. There are
// no package-level instances: the hosting service owns the engine value
// and hands it to request handlers.
func NewEngine(params EngineParams) *Engine {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     params.Store,
		cache:     params.Cache,
		validator: params.Validator,
		resolver:  params.Resolver,
		detector:  params.Detector,
		enforcer:  params.Enforcer,
		metrics:   params.Metrics,
		logger:    logger,
		clock:     time.Now,
	}
}

// CheckPermission decides one permission check. It never returns an
// error: internal failures deny with diagnostics attached.
func (e *Engine) CheckPermission(ctx context.Context, check CheckContext, permission, resourceID, resourceType string) (decision Decision) {
	decision = Decision{Permission: permission, CheckedAt: e.clock()}
	if check.RequestID == "" {
		check.RequestID = uuid.NewString()
	}

	// Fail closed on anything unexpected below.
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("permission check panic, denying",
				slog.Any("panic", r),
				slog.String("principal", check.PrincipalID),
				slog.String("permission", permission),
			)
			decision = Decision{
				Permission: permission,
				Granted:    false,
				Reasons:    []string{"internal_error"},
				CheckedAt:  e.clock(),
			}
		}
	}()

	// 1. Active blocks deny before anything else is consulted.
	if e.enforcer.IsBlocked(UserSubject(check.PrincipalID)) || (check.IP != "" && e.enforcer.IsBlocked(IPSubject(check.IP))) {
		decision.Blocked = true
		decision.Reasons = append(decision.Reasons, ReasonSubjectBlocked)
		e.metrics.ObserveCheck(outcomeBlocked)
		return decision
	}

	// Rate limiting applied by a prior MEDIUM enforcement.
	if !e.enforcer.Allow(UserSubject(check.PrincipalID)) {
		decision.RateLimited = true
		decision.Reasons = append(decision.Reasons, ReasonRateLimited)
		e.metrics.ObserveCheck(outcomeRateLimited)
		return decision
	}

	// 2. Cache lookup. A hit is still passed through the detector so
	// repeated probing stays visible to the rate heuristics. The
	// principal record is only fetched when the escalation rule needs
	// the role tag, so plain hits stay store-free.
	if result, ok := e.cache.Get(ctx, check.PrincipalID, permission, resourceID, resourceType, check.TenantID); ok {
		decision.Granted = result
		decision.Cached = true
		var principalRef *Principal
		var principalUnavailable bool
		if IsAdminPermission(permission) {
			principalRef, principalUnavailable = e.fetchPrincipal(ctx, check.PrincipalID)
		}
		attempts := e.detector.Detect(check, principalRef, principalUnavailable, permission, result, nil)
		decision.Attempts = attempts
		if len(attempts) > 0 {
			e.observeAttempts(attempts)
			enforcement := e.enforcer.Enforce(check, attempts)
			if enforcement.Blocked {
				decision.Granted = false
				decision.Blocked = true
			}
			if enforcement.RateLimited {
				decision.RateLimited = true
			}
		}
		e.metrics.ObserveCheck(e.outcome(decision))
		return decision
	}

	// 3. Validate, then resolve through the source of truth.
	validation := e.validator.Validate(ctx, check, permission, resourceID, resourceType)
	decision.Reasons = validation.Failures

	// Store-failure denials are transient: they stay out of the cache
	// and must not feed the escalation rule, which needs a role tag
	// known to be non-administrative.
	storeFailed := slices.Contains(validation.Failures, ReasonStoreUnavailable)

	var principalRef *Principal
	var principalUnavailable bool
	if validation.Passed || IsAdminPermission(permission) {
		principalRef, principalUnavailable = e.fetchPrincipal(ctx, check.PrincipalID)
		if principalUnavailable {
			storeFailed = true
		}
	}

	if validation.Passed {
		switch {
		case principalUnavailable:
			decision.Granted = false
			decision.Reasons = append(decision.Reasons, ReasonStoreUnavailable)
		case principalRef == nil:
			// The record vanished between validation and now.
			decision.Granted = false
			decision.Reasons = append(decision.Reasons, ReasonPrincipalNotFound)
		default:
			granted, err := e.resolver.Resolve(ctx, *principalRef, permission, resourceID, resourceType)
			if err != nil {
				// Role-store failure is fatal to this single check: deny and
				// surface the reason, never guess.
				storeFailed = true
				decision.Granted = false
				decision.Reasons = append(decision.Reasons, ReasonStoreUnavailable)
				e.logger.Error("role resolution failed, denying",
					slog.Any("error", err),
					slog.String("principal", check.PrincipalID),
					slog.String("permission", permission),
				)
			} else {
				decision.Granted = granted
			}
		}
	}

	// 4. Bypass detection runs on the outcome and the validation errors.
	attempts := e.detector.Detect(check, principalRef, principalUnavailable, permission, decision.Granted, validation.Failures)
	decision.Attempts = attempts

	// 5. Enforcement may overwrite the result.
	if len(attempts) > 0 {
		e.observeAttempts(attempts)
		enforcement := e.enforcer.Enforce(check, attempts)
		if enforcement.Blocked {
			decision.Granted = false
			decision.Blocked = true
		}
		if enforcement.RateLimited {
			decision.RateLimited = true
		}
	}

	// 6. Cache the result. Store-failure denials are transient and stay
	// out of the cache.
	if !storeFailed {
		e.cache.Set(ctx, check.PrincipalID, permission, resourceID, resourceType, check.TenantID, decision.Granted)
	}

	e.metrics.ObserveCheck(e.outcome(decision))
	return decision
}

// fetchPrincipal loads the principal record for detection and
// resolution. The second result reports that the store was unreachable,
// which is not the same as the record not existing.
func (e *Engine) fetchPrincipal(ctx context.Context, principalID string) (*Principal, bool) {
	principal, err := e.store.PrincipalByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false
		}
		e.logger.Warn("principal lookup failed",
			slog.Any("error", err),
			slog.String("principal", principalID),
		)
		return nil, true
	}
	return &principal, false
}

// BatchCheckPermissions checks each permission independently, reusing the
// cache where possible.
func (e *Engine) BatchCheckPermissions(ctx context.Context, check CheckContext, permissions []string) map[string]bool {
	results := make(map[string]bool, len(permissions))
	for _, permission := range permissions {
		decision := e.CheckPermission(ctx, check, permission, "", "")
		results[permission] = decision.Granted
	}
	return results
}

// InvalidateUser removes the principal's cached decisions.
func (e *Engine) InvalidateUser(ctx context.Context, principalID, tenantID string) int {
	return e.cache.InvalidateUser(ctx, principalID, tenantID)
}

// InvalidateTenant removes a tenant's cached decisions.
func (e *Engine) InvalidateTenant(ctx context.Context, tenantID string) int {
	return e.cache.InvalidateTenant(ctx, tenantID)
}

// InvalidatePermission removes cached decisions for a permission name.
func (e *Engine) InvalidatePermission(ctx context.Context, permission, tenantID string) int {
	return e.cache.InvalidatePermission(ctx, permission, tenantID)
}

// ClearAll drops the whole cache.
func (e *Engine) ClearAll(ctx context.Context) int {
	return e.cache.ClearAll(ctx)
}

// GetStatistics returns cache and security statistics together.
func (e *Engine) GetStatistics() EngineStats {
	security := e.enforcer.Stats()
	e.metrics.SetActiveBlocks(security.ActiveBlocks)
	return EngineStats{Cache: e.cache.Stats(), Security: security}
}

// GetSecurityStatistics returns the enforcement snapshot.
func (e *Engine) GetSecurityStatistics() SecurityStats {
	return e.enforcer.Stats()
}

// SetEnforcement toggles the enforcer. Test/ops override.
func (e *Engine) SetEnforcement(enabled bool) {
	e.enforcer.SetEnabled(enabled)
}

// ClearBlocks removes all blocks and rate limits. Admin override.
func (e *Engine) ClearBlocks() int {
	return e.enforcer.ClearBlocks()
}

// Sweep trims expired blocks, stale activity windows and expired local
// cache entries. Run periodically from the worker; correctness never
// depends on it.
func (e *Engine) Sweep() (blocks, activity, cacheEntries int) {
	blocks = e.enforcer.SweepExpired()
	activity = e.detector.SweepStale()
	cacheEntries = e.cache.SweepExpired()
	return blocks, activity, cacheEntries
}

func (e *Engine) outcome(decision Decision) string {
	switch {
	case decision.Blocked:
		return outcomeBlocked
	case decision.RateLimited:
		return outcomeRateLimited
	case decision.Granted:
		return outcomeGranted
	default:
		return outcomeDenied
	}
}

func (e *Engine) observeAttempts(attempts []BypassAttempt) {
	for _, attempt := range attempts {
		e.metrics.ObserveBypassAttempt(string(attempt.Type), string(attempt.Severity))
	}
}
