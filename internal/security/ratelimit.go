// Package security holds the admission layer: per-class rate limiting with
// lockout, keyed session-id signatures and the audit log every decision
// lands in.
package security

import (
	"sync"
	"time"

	"github.com/lingocast/lingocast/internal/fault"
)

// Class partitions rate-limit accounting by operation kind.
type Class string

const (
	ClassAuth      Class = "auth"
	ClassGeneral   Class = "general"
	ClassSynthesis Class = "synthesis"
)

// Ceilings are the per-window request budgets for one class.
type Ceilings struct {
	PerMinute int
	PerHour   int
}

type window struct {
	count   int
	resetAt time.Time
}

type failureState struct {
	consecutive int
	lockedUntil time.Time
}

// Limiter enforces independent minute and hour windows per (class,
// identifier), plus a consecutive-failure lockout that is independent of
// window state and outlives window resets.
type Limiter struct {
	mu               sync.Mutex
	ceilings         map[Class]Ceilings
	minute           map[string]*window
	hour             map[string]*window
	failures         map[string]*failureState
	lockoutThreshold int
	lockoutDuration  time.Duration
	audit            *AuditLog
	now              func() time.Time
}

func NewLimiter(ceilings map[Class]Ceilings, lockoutThreshold int, lockoutDuration time.Duration, audit *AuditLog) *Limiter {
	if lockoutThreshold <= 0 {
		lockoutThreshold = 10
	}
	if lockoutDuration <= 0 {
		lockoutDuration = 15 * time.Minute
	}
	return &Limiter{
		ceilings:         ceilings,
		minute:           make(map[string]*window),
		hour:             make(map[string]*window),
		failures:         make(map[string]*failureState),
		lockoutThreshold: lockoutThreshold,
		lockoutDuration:  lockoutDuration,
		audit:            audit,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// SetClock injects a clock for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Allow admits or rejects one request. Rejections return a RateLimited
// fault carrying the retry-after hint; a rejected request does not keep
// incrementing its windows.
func (l *Limiter) Allow(class Class, identifier string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if fs, ok := l.failures[identifier]; ok && now.Before(fs.lockedUntil) {
		retry := fs.lockedUntil.Sub(now)
		l.record(identifier, class, "reject_lockout", "")
		return fault.Limited("locked_out", retry)
	}

	ceil, ok := l.ceilings[class]
	if !ok {
		l.record(identifier, class, "accept", "no ceiling configured")
		return nil
	}

	key := string(class) + "|" + identifier
	if err := l.check(l.minute, key, ceil.PerMinute, time.Minute, now, class, identifier); err != nil {
		return err
	}
	if err := l.check(l.hour, key, ceil.PerHour, time.Hour, now, class, identifier); err != nil {
		// Undo the minute increment so a hard hour ceiling does not
		// burn minute budget on rejected requests.
		l.minute[key].count--
		return err
	}

	l.record(identifier, class, "accept", "")
	return nil
}

func (l *Limiter) check(windows map[string]*window, key string, ceiling int, span time.Duration, now time.Time, class Class, identifier string) error {
	w, ok := windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(span)}
		windows[key] = w
	}
	if ceiling > 0 && w.count >= ceiling {
		retry := w.resetAt.Sub(now)
		l.record(identifier, class, "reject_window", span.String())
		return fault.Limited("window_exceeded", retry)
	}
	w.count++
	return nil
}

// RecordFailure notes one failed authentication for identifier. Crossing
// the threshold arms a timed lockout that overrides window state.
func (l *Limiter) RecordFailure(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fs, ok := l.failures[identifier]
	if !ok {
		fs = &failureState{}
		l.failures[identifier] = fs
	}
	fs.consecutive++
	if fs.consecutive >= l.lockoutThreshold && l.now().After(fs.lockedUntil) {
		fs.lockedUntil = l.now().Add(l.lockoutDuration)
		l.record(identifier, ClassAuth, "lockout", "")
	}
}

// RecordSuccess clears the consecutive-failure counter. An armed lockout
// stays armed until it expires.
func (l *Limiter) RecordSuccess(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fs, ok := l.failures[identifier]; ok {
		fs.consecutive = 0
	}
}

// Forget drops all accounting for identifier, used on disconnect cleanup.
func (l *Limiter) Forget(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, class := range []Class{ClassAuth, ClassGeneral, ClassSynthesis} {
		delete(l.minute, string(class)+"|"+identifier)
		delete(l.hour, string(class)+"|"+identifier)
	}
	// Lockout state intentionally survives disconnects.
	if fs, ok := l.failures[identifier]; ok && fs.consecutive == 0 && !l.now().Before(fs.lockedUntil) {
		delete(l.failures, identifier)
	}
}

// Sweep removes expired windows and elapsed lockouts.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, w := range l.minute {
		if !now.Before(w.resetAt) {
			delete(l.minute, key)
		}
	}
	for key, w := range l.hour {
		if !now.Before(w.resetAt) {
			delete(l.hour, key)
		}
	}
	for id, fs := range l.failures {
		if fs.consecutive == 0 && !now.Before(fs.lockedUntil) {
			delete(l.failures, id)
		}
	}
}

func (l *Limiter) record(identifier string, class Class, decision, detail string) {
	if l.audit != nil {
		l.audit.Append(Record{
			Time:       l.now(),
			Identifier: identifier,
			Class:      class,
			Decision:   decision,
			Detail:     detail,
		})
	}
}
