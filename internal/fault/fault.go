// Package fault defines the closed error taxonomy shared by every component.
// Each category carries a total mapping to user-facing message, retryability
// and retry-after so callers resolve presentation once instead of matching
// error strings at every call site.
package fault

import (
	"errors"
	"fmt"
	"time"
)

type Category int

const (
	// Authentication covers missing or bad credentials. Retryable with
	// fresh credentials.
	Authentication Category = iota
	// Authorization covers a valid identity acting on state it does not
	// own. Never retryable without a change of actor.
	Authorization
	// Validation covers malformed or out-of-range client input.
	Validation
	// RateLimited covers window ceilings and lockouts.
	RateLimited
	// NotFound covers lookups of absent sessions, identities or blobs.
	NotFound
	// SynthesisProvider covers upstream synthesis failures. Always
	// absorbed by the fallback chain, surfaced only as degradation.
	SynthesisProvider
	// System covers persistence and unexpected internal errors.
	System
)

func (c Category) String() string {
	switch c {
	case Authentication:
		return "authentication"
	case Authorization:
		return "authorization"
	case Validation:
		return "validation"
	case RateLimited:
		return "rate_limited"
	case NotFound:
		return "not_found"
	case SynthesisProvider:
		return "synthesis_provider"
	default:
		return "system"
	}
}

// Fault is the single error type crossing component boundaries.
type Fault struct {
	Category   Category
	Code       string
	Detail     string
	Field      string        // offending field for Validation
	RetryAfter time.Duration // populated for RateLimited
	cause      error
}

func (f *Fault) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", f.Category, f.Code, f.Detail)
	}
	return fmt.Sprintf("%s: %s", f.Category, f.Code)
}

func (f *Fault) Unwrap() error { return f.cause }

// Retryable reports whether a client may retry the same request as the
// same actor after correcting what the category implies.
func (f *Fault) Retryable() bool {
	switch f.Category {
	case Authentication, Validation, RateLimited:
		return true
	case SynthesisProvider:
		// The chain absorbs these; a client never sees one as a hard
		// failure, but the upstream call itself may be retried.
		return true
	default:
		return false
	}
}

// UserMessage returns the stable client-facing message for the category.
func (f *Fault) UserMessage() string {
	switch f.Category {
	case Authentication:
		return "authentication failed"
	case Authorization:
		return "not the session owner"
	case Validation:
		if f.Field != "" {
			return "invalid field: " + f.Field
		}
		return "invalid request"
	case RateLimited:
		return "rate limit exceeded"
	case NotFound:
		return "resource not found"
	case SynthesisProvider:
		return "speech synthesis degraded"
	default:
		return "internal error"
	}
}

func Auth(code string, cause error) *Fault {
	return &Fault{Category: Authentication, Code: code, cause: cause}
}

func NotOwner(adminID, sessionID string) *Fault {
	return &Fault{
		Category: Authorization,
		Code:     "not_owner",
		Detail:   fmt.Sprintf("admin %s does not own session %s", adminID, sessionID),
	}
}

func Invalid(field, detail string) *Fault {
	return &Fault{Category: Validation, Code: "invalid_" + field, Field: field, Detail: detail}
}

func Limited(code string, retryAfter time.Duration) *Fault {
	return &Fault{Category: RateLimited, Code: code, RetryAfter: retryAfter}
}

// Exists marks a create that collided with a live record. Distinct from
// Invalid so clients can tell an id clash from malformed input.
func Exists(kind, id string) *Fault {
	return &Fault{Category: Validation, Code: kind + "_exists", Field: kind + "_id", Detail: id}
}

func Missing(kind, id string) *Fault {
	return &Fault{Category: NotFound, Code: kind + "_not_found", Detail: id}
}

func Provider(code string, cause error) *Fault {
	return &Fault{Category: SynthesisProvider, Code: code, cause: cause}
}

func Internal(code string, cause error) *Fault {
	return &Fault{Category: System, Code: code, cause: cause}
}

// From extracts the Fault from err, or wraps err as a System fault so the
// taxonomy stays total at dispatch boundaries.
func From(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return Internal("unexpected", err)
}

// Is lets callers test categories with errors.Is-style ergonomics.
func Is(err error, c Category) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Category == c
	}
	return false
}
