package authz

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aegis-authz/aegis/internal/platform/httpx"
)

// Handler exposes the engine over HTTP. The surface is deliberately thin:
// decode, validate shape, call the engine, encode.
type Handler struct {
	engine   *Engine
	logger   *slog.Logger
	validate *validator.Validate
}

// NewHandler constructs the HTTP handler.
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:   engine,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers the authorization routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.check)
	r.Post("/check-batch", h.checkBatch)
	r.Post("/invalidate/user", h.invalidateUser)
	r.Post("/invalidate/tenant", h.invalidateTenant)
	r.Post("/invalidate/permission", h.invalidatePermission)
	r.Post("/invalidate/all", h.invalidateAll)
	r.Get("/stats", h.stats)
	r.Get("/security/stats", h.securityStats)
	r.Post("/security/enforcement", h.setEnforcement)
	r.Delete("/security/blocks", h.clearBlocks)
}

type checkRequest struct {
	PrincipalID  string    `json:"principal_id" validate:"required"`
	TenantID     string    `json:"tenant_id" validate:"required"`
	Permission   string    `json:"permission" validate:"required"`
	ResourceID   string    `json:"resource_id"`
	ResourceType string    `json:"resource_type"`
	IP           string    `json:"ip"`
	RequestedAt  time.Time `json:"requested_at"`
}

type checkResponse struct {
	Granted     bool            `json:"granted"`
	Blocked     bool            `json:"blocked"`
	RateLimited bool            `json:"rate_limited"`
	Cached      bool            `json:"cached"`
	Permission  string          `json:"permission"`
	Reasons     []string        `json:"reasons,omitempty"`
	Attempts    []BypassAttempt `json:"attempts,omitempty"`
	CheckedAt   time.Time       `json:"checked_at"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !h.decode(w, r, &req) {
		return
	}
	decision := h.engine.CheckPermission(r.Context(), CheckContext{
		PrincipalID: req.PrincipalID,
		TenantID:    req.TenantID,
		IP:          req.IP,
		RequestedAt: req.RequestedAt,
	}, req.Permission, req.ResourceID, req.ResourceType)
	httpx.JSON(w, http.StatusOK, checkResponse{
		Granted:     decision.Granted,
		Blocked:     decision.Blocked,
		RateLimited: decision.RateLimited,
		Cached:      decision.Cached,
		Permission:  decision.Permission,
		Reasons:     decision.Reasons,
		Attempts:    decision.Attempts,
		CheckedAt:   decision.CheckedAt,
	})
}

type batchCheckRequest struct {
	PrincipalID string    `json:"principal_id" validate:"required"`
	TenantID    string    `json:"tenant_id" validate:"required"`
	Permissions []string  `json:"permissions" validate:"required,min=1,dive,required"`
	IP          string    `json:"ip"`
	RequestedAt time.Time `json:"requested_at"`
}

func (h *Handler) checkBatch(w http.ResponseWriter, r *http.Request) {
	var req batchCheckRequest
	if !h.decode(w, r, &req) {
		return
	}
	results := h.engine.BatchCheckPermissions(r.Context(), CheckContext{
		PrincipalID: req.PrincipalID,
		TenantID:    req.TenantID,
		IP:          req.IP,
		RequestedAt: req.RequestedAt,
	}, req.Permissions)
	httpx.JSON(w, http.StatusOK, map[string]any{"results": results})
}

type invalidateUserRequest struct {
	UserID   string `json:"user_id" validate:"required"`
	TenantID string `json:"tenant_id"`
}

func (h *Handler) invalidateUser(w http.ResponseWriter, r *http.Request) {
	var req invalidateUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	removed := h.engine.InvalidateUser(r.Context(), req.UserID, req.TenantID)
	httpx.JSON(w, http.StatusOK, map[string]int{"removed": removed})
}

type invalidateTenantRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
}

func (h *Handler) invalidateTenant(w http.ResponseWriter, r *http.Request) {
	var req invalidateTenantRequest
	if !h.decode(w, r, &req) {
		return
	}
	removed := h.engine.InvalidateTenant(r.Context(), req.TenantID)
	httpx.JSON(w, http.StatusOK, map[string]int{"removed": removed})
}

type invalidatePermissionRequest struct {
	Permission string `json:"permission" validate:"required"`
	TenantID   string `json:"tenant_id"`
}

func (h *Handler) invalidatePermission(w http.ResponseWriter, r *http.Request) {
	var req invalidatePermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	removed := h.engine.InvalidatePermission(r.Context(), req.Permission, req.TenantID)
	httpx.JSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (h *Handler) invalidateAll(w http.ResponseWriter, r *http.Request) {
	removed := h.engine.ClearAll(r.Context())
	httpx.JSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.engine.GetStatistics())
}

func (h *Handler) securityStats(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.engine.GetSecurityStatistics())
}

type enforcementRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (h *Handler) setEnforcement(w http.ResponseWriter, r *http.Request) {
	var req enforcementRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.engine.SetEnforcement(*req.Enabled)
	httpx.JSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}

func (h *Handler) clearBlocks(w http.ResponseWriter, r *http.Request) {
	cleared := h.engine.ClearBlocks()
	httpx.JSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

// decode reads and validates the request body, answering a problem
// response on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}
