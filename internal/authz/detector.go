package authz

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Detector window sizes.
const (
	activityWindowCapacity = 100

	bruteForceWindow    = 10 * time.Minute
	bruteForceThreshold = 5

	bruteForceErrorWindow    = 5 * time.Minute
	bruteForceErrorThreshold = 3

	ipFanOutThreshold = 5
)

// BypassDetector keeps bounded sliding activity windows per principal and
// per IP and evaluates heuristic rules over them. It flags suspicious
// sequences even when each individual check passed on its own.
type BypassDetector struct {
	mu          sync.Mutex
	byPrincipal map[string][]ActivityRecord
	byIP        map[string][]ActivityRecord
	capacity    int
	clock       func() time.Time
}

// NewBypassDetector constructs a detector with the default window capacity.
func NewBypassDetector() *BypassDetector {
	return &BypassDetector{
		byPrincipal: make(map[string][]ActivityRecord),
		byIP:        make(map[string][]ActivityRecord),
		capacity:    activityWindowCapacity,
		clock:       time.Now,
	}
}

// Detect records the activity and evaluates every rule. principal may be
// nil when the claimed identity does not exist; rules that need the role
// tag then treat the actor as non-administrative. principalUnavailable
// reports that the identity store could not answer, which is not the
// same thing: the escalation rule needs a role tag known to be
// non-administrative and stays quiet when the tag is merely unknown.
func (d *BypassDetector) Detect(check CheckContext, principal *Principal, principalUnavailable bool, permission string, granted bool, validationErrors []string) []BypassAttempt {
	now := d.clock()
	record := ActivityRecord{
		At:               now,
		Permission:       permission,
		Granted:          granted,
		ValidationFailed: len(validationErrors) > 0,
		PrincipalID:      check.PrincipalID,
		IP:               check.IP,
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.byPrincipal[check.PrincipalID] = d.appendBounded(d.byPrincipal[check.PrincipalID], record)
	if check.IP != "" {
		d.byIP[check.IP] = d.appendBounded(d.byIP[check.IP], record)
	}

	var attempts []BypassAttempt
	emit := func(kind AttemptType, severity Severity, details map[string]any) {
		attempts = append(attempts, BypassAttempt{
			ID:          uuid.NewString(),
			Type:        kind,
			Severity:    severity,
			PrincipalID: check.PrincipalID,
			TenantID:    check.TenantID,
			IP:          check.IP,
			ObservedAt:  now,
			Details:     details,
		})
	}

	if IsAdminPermission(permission) && !principalUnavailable && (principal == nil || !principal.IsAdministrator()) {
		emit(AttemptPrivilegeEscalation, SeverityHigh, map[string]any{
			"permission": permission,
		})
	}

	if reason := firstMatching(validationErrors, "tenant"); reason != "" {
		emit(AttemptTenantBoundaryViolation, SeverityCritical, map[string]any{
			"validation_error": reason,
			"claimed_tenant":   check.TenantID,
		})
	}

	if reason := firstMatching(validationErrors, "role"); reason != "" {
		emit(AttemptRoleImpersonation, SeverityHigh, map[string]any{
			"validation_error": reason,
		})
	}

	if denied, erred := d.deniedCounts(check.PrincipalID, now); denied > bruteForceThreshold || erred > bruteForceErrorThreshold {
		emit(AttemptBruteForce, SeverityMedium, map[string]any{
			"denied_10m":       denied,
			"denied_errors_5m": erred,
		})
	}

	if check.IP != "" {
		if distinct := d.distinctPrincipals(check.IP); distinct > ipFanOutThreshold {
			emit(AttemptIPFanOut, SeverityMedium, map[string]any{
				"distinct_principals": distinct,
			})
		}
	}

	return attempts
}

// SweepStale drops records older than the widest rule window from every
// buffer, and empty buffers with them. Correctness does not depend on
// this; it only bounds memory across many one-off subjects.
func (d *BypassDetector) SweepStale() int {
	cutoff := d.clock().Add(-bruteForceWindow)
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	removed += sweepWindows(d.byPrincipal, cutoff)
	removed += sweepWindows(d.byIP, cutoff)
	return removed
}

// ActivityCounts reports the number of tracked principal and IP windows.
func (d *BypassDetector) ActivityCounts() (principals, ips int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byPrincipal), len(d.byIP)
}

// appendBounded appends to a window, evicting the oldest record when the
// window is full.
func (d *BypassDetector) appendBounded(window []ActivityRecord, record ActivityRecord) []ActivityRecord {
	window = append(window, record)
	if len(window) > d.capacity {
		window = window[len(window)-d.capacity:]
	}
	return window
}

// deniedCounts returns denials within the brute-force window and denials
// accompanied by validation errors within the shorter error window.
// Caller holds d.mu.
func (d *BypassDetector) deniedCounts(principalID string, now time.Time) (denied, deniedWithErrors int) {
	for _, record := range d.byPrincipal[principalID] {
		if record.Granted {
			continue
		}
		age := now.Sub(record.At)
		if age <= bruteForceWindow {
			denied++
		}
		if record.ValidationFailed && age <= bruteForceErrorWindow {
			deniedWithErrors++
		}
	}
	return denied, deniedWithErrors
}

// distinctPrincipals counts unique principal ids seen from one IP.
// Caller holds d.mu.
func (d *BypassDetector) distinctPrincipals(ip string) int {
	seen := make(map[string]struct{})
	for _, record := range d.byIP[ip] {
		seen[record.PrincipalID] = struct{}{}
	}
	return len(seen)
}

func firstMatching(errs []string, fragment string) string {
	for _, e := range errs {
		if strings.Contains(e, fragment) {
			return e
		}
	}
	return ""
}

func sweepWindows(windows map[string][]ActivityRecord, cutoff time.Time) int {
	removed := 0
	for key, window := range windows {
		kept := window[:0]
		for _, record := range window {
			if record.At.After(cutoff) {
				kept = append(kept, record)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(windows, key)
		} else {
			windows[key] = kept
		}
	}
	return removed
}
