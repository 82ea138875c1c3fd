package authz

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aegis-authz/aegis/internal/audit"
)

// Block subjects are namespaced so a principal id can never collide with
// an IP address.
const (
	subjectUserPrefix = "user:"
	subjectIPPrefix   = "ip:"
)

// UserSubject returns the block-map subject for a principal.
func UserSubject(principalID string) string { return subjectUserPrefix + principalID }

// IPSubject returns the block-map subject for an IP address.
func IPSubject(ip string) string { return subjectIPPrefix + ip }

// EnforcerConfig tunes block durations and the MEDIUM-severity limiter.
type EnforcerConfig struct {
	CriticalUserBlock time.Duration
	CriticalIPBlock   time.Duration
	HighUserBlock     time.Duration
	RateLimitWindow   time.Duration
	RateLimitBudget   int
}

// DefaultEnforcerConfig returns the policy-table defaults.
func DefaultEnforcerConfig() EnforcerConfig {
	return EnforcerConfig{
		CriticalUserBlock: 24 * time.Hour,
		CriticalIPBlock:   time.Hour,
		HighUserBlock:     time.Hour,
		RateLimitWindow:   10 * time.Minute,
		RateLimitBudget:   3,
	}
}

// EnforcementResult reports what the enforcer did for one check.
type EnforcementResult struct {
	Blocked     bool
	RateLimited bool
	MaxSeverity Severity
}

// SecurityStats is a snapshot of enforcement state.
type SecurityStats struct {
	EnforcementEnabled bool                   `json:"enforcement_enabled"`
	TotalAttempts      uint64                 `json:"total_attempts"`
	AttemptsByType     map[AttemptType]uint64 `json:"attempts_by_type"`
	ActiveBlocks       int                    `json:"active_blocks"`
	ActiveRateLimits   int                    `json:"active_rate_limits"`
	BlocksIssued       uint64                 `json:"blocks_issued"`
}

type rateLimitState struct {
	until     time.Time
	remaining int
}

// SecurityEnforcer maps detected threat severity to an enforcement
// action. A subject moves unblocked -> temporarily blocked -> unblocked;
// no expired state is stored, expiry is computed on read and the record
// removed then. Every attempt is appended to the audit sink regardless of
// the action taken.
type SecurityEnforcer struct {
	mu       sync.Mutex
	blocks   map[string]Block
	limits   map[string]*rateLimitState
	byType   map[AttemptType]uint64
	attempts uint64
	issued   uint64

	cfg     EnforcerConfig
	enabled bool
	sink    audit.Sink
	logger  *slog.Logger
	clock   func() time.Time
}

// NewSecurityEnforcer constructs an enforcer with enforcement enabled.
func NewSecurityEnforcer(cfg EnforcerConfig, sink audit.Sink, logger *slog.Logger) *SecurityEnforcer {
	if cfg.CriticalUserBlock <= 0 {
		cfg = DefaultEnforcerConfig()
	}
	if sink == nil {
		sink = audit.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SecurityEnforcer{
		blocks:  make(map[string]Block),
		limits:  make(map[string]*rateLimitState),
		byType:  make(map[AttemptType]uint64),
		cfg:     cfg,
		enabled: true,
		sink:    sink,
		logger:  logger,
		clock:   time.Now,
	}
}

// Enforce applies the policy table to the maximum severity among the
// attempts produced for one check.
//
//	CRITICAL  block principal 24h, block IP 1h, log, alert
//	HIGH      block principal 1h, log, alert
//	MEDIUM    rate limit, log
func (e *SecurityEnforcer) Enforce(check CheckContext, attempts []BypassAttempt) EnforcementResult {
	if len(attempts) == 0 {
		return EnforcementResult{}
	}
	now := e.clock()

	var max Severity
	for _, attempt := range attempts {
		if attempt.Severity.rank() > max.rank() {
			max = attempt.Severity
		}
	}

	e.mu.Lock()
	e.attempts += uint64(len(attempts))
	for _, attempt := range attempts {
		e.byType[attempt.Type]++
	}
	enabled := e.enabled

	result := EnforcementResult{MaxSeverity: max}
	if enabled {
		switch max {
		case SeverityCritical:
			e.blockLocked(UserSubject(check.PrincipalID), string(max), now, e.cfg.CriticalUserBlock)
			if check.IP != "" {
				e.blockLocked(IPSubject(check.IP), string(max), now, e.cfg.CriticalIPBlock)
			}
			result.Blocked = true
		case SeverityHigh:
			e.blockLocked(UserSubject(check.PrincipalID), string(max), now, e.cfg.HighUserBlock)
			result.Blocked = true
		case SeverityMedium:
			// An already-active limit is extended, never refilled:
			// continued probing must not replenish its own budget.
			subject := UserSubject(check.PrincipalID)
			if state, ok := e.limits[subject]; ok && now.Before(state.until) {
				state.until = now.Add(e.cfg.RateLimitWindow)
			} else {
				e.limits[subject] = &rateLimitState{
					until:     now.Add(e.cfg.RateLimitWindow),
					remaining: e.cfg.RateLimitBudget,
				}
			}
			result.RateLimited = true
		}
	}
	e.mu.Unlock()

	// Audit and log outside the lock: the sink is non-blocking but still I/O
	// adjacent.
	for _, attempt := range attempts {
		e.sink.Append(audit.Entry{
			Subject:  attempt.PrincipalID,
			TenantID: attempt.TenantID,
			Action:   "bypass_attempt:" + string(attempt.Type),
			At:       attempt.ObservedAt,
			Detail:   attempt.Details,
		})
	}
	e.logAttempts(check, attempts, max, result, enabled)
	return result
}

// IsBlocked reports whether the subject is currently blocked. Expired
// blocks are removed on read.
func (e *SecurityEnforcer) IsBlocked(subject string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return false
	}
	block, ok := e.blocks[subject]
	if !ok {
		return false
	}
	if !e.clock().Before(block.ExpiresAt) {
		delete(e.blocks, subject)
		return false
	}
	return true
}

// Allow consumes one unit of the subject's rate-limit budget. Subjects
// without an active limit are always allowed.
func (e *SecurityEnforcer) Allow(subject string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return true
	}
	state, ok := e.limits[subject]
	if !ok {
		return true
	}
	if !e.clock().Before(state.until) {
		delete(e.limits, subject)
		return true
	}
	if state.remaining <= 0 {
		return false
	}
	state.remaining--
	return true
}

// SetEnabled toggles enforcement. While disabled, attempts are still
// counted and audited but no blocks or limits are applied or honored.
func (e *SecurityEnforcer) SetEnabled(enabled bool) {
	e.mu.Lock()
	e.enabled = enabled
	e.mu.Unlock()
}

// Enabled reports whether enforcement is active.
func (e *SecurityEnforcer) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// ClearBlocks removes every block and rate limit. Admin override.
func (e *SecurityEnforcer) ClearBlocks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	count := len(e.blocks) + len(e.limits)
	e.blocks = make(map[string]Block)
	e.limits = make(map[string]*rateLimitState)
	return count
}

// SweepExpired removes expired blocks and limits. Lazy expiry already
// keeps reads correct; the sweep bounds the maps.
func (e *SecurityEnforcer) SweepExpired() int {
	now := e.clock()
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for subject, block := range e.blocks {
		if !now.Before(block.ExpiresAt) {
			delete(e.blocks, subject)
			removed++
		}
	}
	for subject, state := range e.limits {
		if !now.Before(state.until) {
			delete(e.limits, subject)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of enforcement counters.
func (e *SecurityEnforcer) Stats() SecurityStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	byType := make(map[AttemptType]uint64, len(e.byType))
	for kind, count := range e.byType {
		byType[kind] = count
	}
	return SecurityStats{
		EnforcementEnabled: e.enabled,
		TotalAttempts:      e.attempts,
		AttemptsByType:     byType,
		ActiveBlocks:       len(e.blocks),
		ActiveRateLimits:   len(e.limits),
		BlocksIssued:       e.issued,
	}
}

// blockLocked records a block. A longer existing block is never shortened.
// Caller holds e.mu.
func (e *SecurityEnforcer) blockLocked(subject, reason string, now time.Time, duration time.Duration) {
	expiry := now.Add(duration)
	if existing, ok := e.blocks[subject]; ok && existing.ExpiresAt.After(expiry) {
		return
	}
	e.blocks[subject] = Block{
		Subject:   subject,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: expiry,
	}
	e.issued++
}

func (e *SecurityEnforcer) logAttempts(check CheckContext, attempts []BypassAttempt, max Severity, result EnforcementResult, enabled bool) {
	fields := []any{
		slog.String("principal", check.PrincipalID),
		slog.String("tenant", check.TenantID),
		slog.String("ip", check.IP),
		slog.String("max_severity", string(max)),
		slog.Int("attempts", len(attempts)),
		slog.Bool("blocked", result.Blocked),
		slog.Bool("rate_limited", result.RateLimited),
		slog.Bool("enforcement_enabled", enabled),
	}
	switch max {
	case SeverityCritical, SeverityHigh:
		e.logger.Error("security alert: bypass attempts detected", fields...)
	default:
		e.logger.Warn("bypass attempts detected", fields...)
	}
}
