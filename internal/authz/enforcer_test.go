package authz

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegis-authz/aegis/internal/audit"
)

type captureSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *captureSink) Append(entry audit.Entry) {
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
}

func (s *captureSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func newTestEnforcer(sink audit.Sink) (*SecurityEnforcer, *time.Time) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	enforcer := NewSecurityEnforcer(DefaultEnforcerConfig(), sink, testLogger())
	enforcer.clock = func() time.Time { return now }
	return enforcer, &now
}

func attempt(kind AttemptType, severity Severity) BypassAttempt {
	return BypassAttempt{
		ID:          "a1",
		Type:        kind,
		Severity:    severity,
		PrincipalID: "u1",
		TenantID:    "t1",
		IP:          "203.0.113.7",
	}
}

func TestEnforceCriticalBlocksUserAndIP(t *testing.T) {
	enforcer, now := newTestEnforcer(nil)
	check := CheckContext{PrincipalID: "u1", TenantID: "t1", IP: "203.0.113.7"}

	result := enforcer.Enforce(check, []BypassAttempt{attempt(AttemptTenantBoundaryViolation, SeverityCritical)})
	require.True(t, result.Blocked)
	require.Equal(t, SeverityCritical, result.MaxSeverity)
	require.True(t, enforcer.IsBlocked(UserSubject("u1")))
	require.True(t, enforcer.IsBlocked(IPSubject("203.0.113.7")))

	// The IP block runs one hour, the principal block twenty-four.
	*now = now.Add(time.Hour + time.Minute)
	require.True(t, enforcer.IsBlocked(UserSubject("u1")))
	require.False(t, enforcer.IsBlocked(IPSubject("203.0.113.7")))

	*now = now.Add(24 * time.Hour)
	require.False(t, enforcer.IsBlocked(UserSubject("u1")))
}

func TestEnforceHighBlocksUserOnly(t *testing.T) {
	enforcer, now := newTestEnforcer(nil)
	check := CheckContext{PrincipalID: "u1", TenantID: "t1", IP: "203.0.113.7"}

	result := enforcer.Enforce(check, []BypassAttempt{attempt(AttemptPrivilegeEscalation, SeverityHigh)})
	require.True(t, result.Blocked)
	require.True(t, enforcer.IsBlocked(UserSubject("u1")))
	require.False(t, enforcer.IsBlocked(IPSubject("203.0.113.7")))

	*now = now.Add(time.Hour)
	require.False(t, enforcer.IsBlocked(UserSubject("u1")))
}

func TestEnforceMediumRateLimits(t *testing.T) {
	enforcer, now := newTestEnforcer(nil)
	check := CheckContext{PrincipalID: "u1", TenantID: "t1"}

	result := enforcer.Enforce(check, []BypassAttempt{attempt(AttemptBruteForce, SeverityMedium)})
	require.True(t, result.RateLimited)
	require.False(t, result.Blocked)
	require.False(t, enforcer.IsBlocked(UserSubject("u1")))

	// The budget admits three more checks inside the window, then denies.
	subject := UserSubject("u1")
	require.True(t, enforcer.Allow(subject))
	require.True(t, enforcer.Allow(subject))
	require.True(t, enforcer.Allow(subject))
	require.False(t, enforcer.Allow(subject))

	*now = now.Add(11 * time.Minute)
	require.True(t, enforcer.Allow(subject), "window expired")
}

func TestEnforceActiveLimitKeepsRemainingBudget(t *testing.T) {
	enforcer, now := newTestEnforcer(nil)
	check := CheckContext{PrincipalID: "u1", TenantID: "t1"}
	medium := []BypassAttempt{attempt(AttemptBruteForce, SeverityMedium)}
	subject := UserSubject("u1")

	enforcer.Enforce(check, medium)
	require.True(t, enforcer.Allow(subject))
	require.True(t, enforcer.Allow(subject))

	// Re-enforcing while the limit is active extends the window but must
	// not hand the prober a fresh budget.
	*now = now.Add(time.Minute)
	result := enforcer.Enforce(check, medium)
	require.True(t, result.RateLimited)
	require.True(t, enforcer.Allow(subject), "one admission left from the original budget")
	require.False(t, enforcer.Allow(subject))

	// The window was extended by the second enforcement.
	*now = now.Add(9*time.Minute + 30*time.Second)
	require.False(t, enforcer.Allow(subject))

	// A fresh enforcement after expiry starts a new budget.
	*now = now.Add(time.Hour)
	enforcer.Enforce(check, medium)
	require.True(t, enforcer.Allow(subject))
}

func TestEnforceMaxSeverityWins(t *testing.T) {
	enforcer, _ := newTestEnforcer(nil)
	check := CheckContext{PrincipalID: "u1", TenantID: "t1", IP: "203.0.113.7"}

	result := enforcer.Enforce(check, []BypassAttempt{
		attempt(AttemptBruteForce, SeverityMedium),
		attempt(AttemptTenantBoundaryViolation, SeverityCritical),
		attempt(AttemptPrivilegeEscalation, SeverityHigh),
	})

	require.Equal(t, SeverityCritical, result.MaxSeverity)
	require.True(t, result.Blocked)
	require.False(t, result.RateLimited)
	require.True(t, enforcer.IsBlocked(IPSubject("203.0.113.7")))
}

func TestEnforceNeverShortensExistingBlock(t *testing.T) {
	enforcer, now := newTestEnforcer(nil)
	check := CheckContext{PrincipalID: "u1", TenantID: "t1"}

	enforcer.Enforce(check, []BypassAttempt{attempt(AttemptTenantBoundaryViolation, SeverityCritical)})
	enforcer.Enforce(check, []BypassAttempt{attempt(AttemptPrivilegeEscalation, SeverityHigh)})

	// The later one-hour block must not clip the standing twenty-four
	// hour block.
	*now = now.Add(2 * time.Hour)
	require.True(t, enforcer.IsBlocked(UserSubject("u1")))
}

func TestEnforceDisabledStillCounts(t *testing.T) {
	sink := &captureSink{}
	enforcer, _ := newTestEnforcer(sink)
	enforcer.SetEnabled(false)
	check := CheckContext{PrincipalID: "u1", TenantID: "t1", IP: "203.0.113.7"}

	result := enforcer.Enforce(check, []BypassAttempt{attempt(AttemptTenantBoundaryViolation, SeverityCritical)})
	require.False(t, result.Blocked)
	require.False(t, enforcer.IsBlocked(UserSubject("u1")))

	stats := enforcer.Stats()
	require.False(t, stats.EnforcementEnabled)
	require.Equal(t, uint64(1), stats.TotalAttempts)
	require.Equal(t, uint64(1), stats.AttemptsByType[AttemptTenantBoundaryViolation])
	require.Equal(t, 1, sink.len(), "attempts are audited even when enforcement is off")
}

func TestEnforceAuditsEveryAttempt(t *testing.T) {
	sink := &captureSink{}
	enforcer, _ := newTestEnforcer(sink)
	check := CheckContext{PrincipalID: "u1", TenantID: "t1"}

	enforcer.Enforce(check, []BypassAttempt{
		attempt(AttemptBruteForce, SeverityMedium),
		attempt(AttemptPrivilegeEscalation, SeverityHigh),
	})

	require.Equal(t, 2, sink.len())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, "bypass_attempt:"+string(AttemptBruteForce), sink.entries[0].Action)
	require.Equal(t, "u1", sink.entries[0].Subject)
}

func TestEnforcerClearBlocks(t *testing.T) {
	enforcer, _ := newTestEnforcer(nil)
	check := CheckContext{PrincipalID: "u1", TenantID: "t1", IP: "203.0.113.7"}

	enforcer.Enforce(check, []BypassAttempt{attempt(AttemptTenantBoundaryViolation, SeverityCritical)})
	enforcer.Enforce(CheckContext{PrincipalID: "u2", TenantID: "t1"}, []BypassAttempt{attempt(AttemptBruteForce, SeverityMedium)})

	cleared := enforcer.ClearBlocks()
	require.Equal(t, 3, cleared, "two blocks plus one rate limit")
	require.False(t, enforcer.IsBlocked(UserSubject("u1")))
	require.True(t, enforcer.Allow(UserSubject("u2")))
	require.Equal(t, 0, enforcer.Stats().ActiveBlocks)
}

func TestEnforcerSweepExpired(t *testing.T) {
	enforcer, now := newTestEnforcer(nil)

	enforcer.Enforce(CheckContext{PrincipalID: "u1", TenantID: "t1", IP: "203.0.113.7"},
		[]BypassAttempt{attempt(AttemptTenantBoundaryViolation, SeverityCritical)})
	enforcer.Enforce(CheckContext{PrincipalID: "u2", TenantID: "t1"},
		[]BypassAttempt{attempt(AttemptBruteForce, SeverityMedium)})

	*now = now.Add(2 * time.Hour)
	removed := enforcer.SweepExpired()
	require.Equal(t, 2, removed, "IP block and rate limit expired, user block stands")
	require.Equal(t, 1, enforcer.Stats().ActiveBlocks)
}

func TestEnforceNoAttemptsNoop(t *testing.T) {
	sink := &captureSink{}
	enforcer, _ := newTestEnforcer(sink)

	result := enforcer.Enforce(CheckContext{PrincipalID: "u1", TenantID: "t1"}, nil)
	require.Zero(t, result)
	require.Equal(t, 0, sink.len())
	require.Equal(t, uint64(0), enforcer.Stats().TotalAttempts)
}
