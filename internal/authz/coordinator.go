package authz

import (
	"context"
	"fmt"
	"log/slog"
)

// EventKind names an invalidation event.
type EventKind string

// Invalidation event kinds.
const (
	EventUserRoleChanged        EventKind = "user.role.changed"
	EventRolePermissionsChanged EventKind = "role.permissions.changed"
	EventPermissionChanged      EventKind = "permission.changed"
	EventTenantChanged          EventKind = "tenant.changed"
)

// InvalidationEvent is the payload carried on the event bus. Only the
// fields relevant to the kind are set.
type InvalidationEvent struct {
	Kind           EventKind `json:"kind"`
	UserID         string    `json:"user_id,omitempty"`
	RoleID         string    `json:"role_id,omitempty"`
	PermissionName string    `json:"permission_name,omitempty"`
	TenantID       string    `json:"tenant_id,omitempty"`
}

// InvalidationCoordinator fans named mutation events out to the matching
// cache invalidation. Handling is synchronous: once Handle returns, no
// subsequent check can observe the stale cached value.
type InvalidationCoordinator struct {
	cache  *PermissionCache
	store  Store
	logger *slog.Logger
}

// NewInvalidationCoordinator constructs a coordinator. The store is used
// to expand role-scoped events into the affected principals.
func NewInvalidationCoordinator(cache *PermissionCache, store Store, logger *slog.Logger) *InvalidationCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvalidationCoordinator{cache: cache, store: store, logger: logger}
}

// Handle applies one event. Unknown kinds are an error, not a silent
// no-op: a mutation the coordinator cannot map must not leave stale
// grants behind unnoticed.
func (c *InvalidationCoordinator) Handle(ctx context.Context, event InvalidationEvent) error {
	switch event.Kind {
	case EventUserRoleChanged:
		removed := c.cache.InvalidateUser(ctx, event.UserID, event.TenantID)
		c.log(event, removed)
		return nil

	case EventRolePermissionsChanged:
		principals, err := c.store.PrincipalIDsForRole(ctx, event.RoleID)
		if err != nil {
			// The affected user set is unknown; invalidating the whole
			// tenant keeps the cache consistent with the store.
			removed := c.cache.InvalidateTenant(ctx, event.TenantID)
			c.logger.Warn("role expansion failed, invalidated tenant",
				slog.String("role", event.RoleID),
				slog.String("tenant", event.TenantID),
				slog.Int("removed", removed),
				slog.Any("error", err),
			)
			return nil
		}
		removed := 0
		for _, principalID := range principals {
			removed += c.cache.InvalidateUser(ctx, principalID, event.TenantID)
		}
		c.log(event, removed)
		return nil

	case EventPermissionChanged:
		removed := c.cache.InvalidatePermission(ctx, event.PermissionName, event.TenantID)
		c.log(event, removed)
		return nil

	case EventTenantChanged:
		removed := c.cache.InvalidateTenant(ctx, event.TenantID)
		c.log(event, removed)
		return nil
	}
	return fmt.Errorf("authz: unknown invalidation event kind %q", event.Kind)
}

func (c *InvalidationCoordinator) log(event InvalidationEvent, removed int) {
	c.logger.Info("cache invalidation applied",
		slog.String("kind", string(event.Kind)),
		slog.String("tenant", event.TenantID),
		slog.Int("removed", removed),
	)
}
