// Package session is the registry of live broadcast sessions: who owns
// them, what languages they carry, and which listeners are attached.
package session

import (
	"time"

	"github.com/lingocast/lingocast/internal/protocol"
)

type State string

const (
	StateActive State = "active"
	StateEnded  State = "ended"
)

// LegacyOwner is assigned to persisted records from before ownership was
// keyed by stable admin identity. Operators claim these explicitly.
const LegacyOwner = "legacy-operator"

// Listener is one attached audience connection, bound to exactly one
// language at a time.
type Listener struct {
	ConnectionID string
	Language     string
	JoinedAt     time.Time
	LastSeenAt   time.Time
	Capabilities protocol.SynthesisCapabilities
}

// Session is one live broadcast. OwnerAdminID never changes after
// creation except through explicit reassignment when the owning identity
// is deleted. OperatorConnectionID is informational only; ownership never
// derives from it.
type Session struct {
	SessionID            string
	OwnerAdminID         string
	OperatorConnectionID string
	Config               protocol.SessionConfig
	Listeners            map[string]*Listener
	CreatedAt            time.Time
	LastActivityAt       time.Time
	State                State
}

func (s *Session) clone() *Session {
	c := *s
	c.Config.EnabledLanguages = append([]string(nil), s.Config.EnabledLanguages...)
	c.Listeners = make(map[string]*Listener, len(s.Listeners))
	for id, l := range s.Listeners {
		lc := *l
		c.Listeners[id] = &lc
	}
	return &c
}

func (s *Session) languageEnabled(lang string) bool {
	for _, l := range s.Config.EnabledLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

// Record is the persisted shape of a session. Listeners and operator
// connections are volatile and never stored. OwnerConnectionID only
// appears in records written by older deployments and is migrated away
// on load.
type Record struct {
	SessionID         string                 `json:"session_id"`
	OwnerAdminID      string                 `json:"owner_admin_id"`
	OwnerConnectionID string                 `json:"owner_connection_id,omitempty"`
	Config            protocol.SessionConfig `json:"config"`
	CreatedAt         time.Time              `json:"created_at"`
	LastActivityAt    time.Time              `json:"last_activity_at"`
}
