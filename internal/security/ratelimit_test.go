package security

import (
	"testing"
	"time"

	"github.com/lingocast/lingocast/internal/fault"
)

func newTestLimiter(audit *AuditLog) (*Limiter, *time.Time) {
	ceilings := map[Class]Ceilings{
		ClassAuth:      {PerMinute: 3, PerHour: 10},
		ClassGeneral:   {PerMinute: 5, PerHour: 20},
		ClassSynthesis: {PerMinute: 2, PerHour: 4},
	}
	l := NewLimiter(ceilings, 4, 15*time.Minute, audit)
	now := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })
	return l, &now
}

func TestWindowCeilingRejectsWithRetryAfter(t *testing.T) {
	l, _ := newTestLimiter(nil)

	for i := 0; i < 3; i++ {
		if err := l.Allow(ClassAuth, "conn-1"); err != nil {
			t.Fatalf("attempt %d rejected: %v", i+1, err)
		}
	}
	err := l.Allow(ClassAuth, "conn-1")
	if err == nil {
		t.Fatalf("4th attempt in window should be rejected")
	}
	f := fault.From(err)
	if f.Category != fault.RateLimited {
		t.Fatalf("category = %v, want RateLimited", f.Category)
	}
	if f.RetryAfter <= 0 || f.RetryAfter > time.Minute {
		t.Fatalf("RetryAfter = %v, want (0, 1m]", f.RetryAfter)
	}
}

func TestWindowResetAllowsAgain(t *testing.T) {
	l, now := newTestLimiter(nil)

	for i := 0; i < 3; i++ {
		if err := l.Allow(ClassAuth, "conn-1"); err != nil {
			t.Fatalf("attempt %d rejected: %v", i+1, err)
		}
	}
	if err := l.Allow(ClassAuth, "conn-1"); err == nil {
		t.Fatalf("over-ceiling attempt accepted")
	}

	*now = now.Add(61 * time.Second)
	if err := l.Allow(ClassAuth, "conn-1"); err != nil {
		t.Fatalf("attempt after window reset rejected: %v", err)
	}
}

func TestClassesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(nil)

	for i := 0; i < 2; i++ {
		if err := l.Allow(ClassSynthesis, "conn-1"); err != nil {
			t.Fatalf("synthesis attempt rejected: %v", err)
		}
	}
	if err := l.Allow(ClassSynthesis, "conn-1"); err == nil {
		t.Fatalf("synthesis over ceiling accepted")
	}
	if err := l.Allow(ClassGeneral, "conn-1"); err != nil {
		t.Fatalf("general class affected by synthesis ceiling: %v", err)
	}
}

func TestLockoutOverridesWindowReset(t *testing.T) {
	audit := NewAuditLog(64)
	l, now := newTestLimiter(audit)

	// Exactly the threshold of consecutive failures arms the lockout.
	for i := 0; i < 4; i++ {
		l.RecordFailure("user-1")
	}

	if err := l.Allow(ClassAuth, "user-1"); err == nil {
		t.Fatalf("locked identifier admitted")
	}

	// A fresh minute window opens, lockout still holds.
	*now = now.Add(2 * time.Minute)
	err := l.Allow(ClassAuth, "user-1")
	if err == nil {
		t.Fatalf("locked identifier admitted after window reset")
	}
	if f := fault.From(err); f.Code != "locked_out" {
		t.Fatalf("code = %q, want locked_out", f.Code)
	}

	// Lockout elapses after its configured duration.
	*now = now.Add(14 * time.Minute)
	if err := l.Allow(ClassAuth, "user-1"); err != nil {
		t.Fatalf("attempt after lockout expiry rejected: %v", err)
	}

	if got := audit.Query("user-1", "lockout"); len(got) != 1 {
		t.Fatalf("lockout audit records = %d, want 1", len(got))
	}
}

func TestFailuresBelowThresholdDoNotLock(t *testing.T) {
	l, _ := newTestLimiter(nil)

	for i := 0; i < 3; i++ {
		l.RecordFailure("user-1")
	}
	l.RecordSuccess("user-1")
	l.RecordFailure("user-1")

	if err := l.Allow(ClassAuth, "user-1"); err != nil {
		t.Fatalf("unlocked identifier rejected: %v", err)
	}
}

func TestSweepDropsExpiredState(t *testing.T) {
	l, now := newTestLimiter(nil)

	if err := l.Allow(ClassGeneral, "conn-1"); err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	*now = now.Add(2 * time.Hour)
	l.Sweep()

	l.mu.Lock()
	minLen, hourLen := len(l.minute), len(l.hour)
	l.mu.Unlock()
	if minLen != 0 || hourLen != 0 {
		t.Fatalf("windows after sweep = %d/%d, want 0/0", minLen, hourLen)
	}
}
