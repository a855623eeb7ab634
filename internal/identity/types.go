// Package identity resolves operator credentials to stable admin
// identities, separate from the transient connections that carry them.
package identity

import "time"

// AdminIdentity is the durable record for one operator. AdminID is opaque
// and stable; DisplayName is the unique human-facing handle credentials
// resolve through. LiveConnections is volatile and never persisted.
type AdminIdentity struct {
	AdminID           string    `json:"admin_id"`
	DisplayName       string    `json:"display_name"`
	CreatedAt         time.Time `json:"created_at"`
	LastSeenAt        time.Time `json:"last_seen_at"`
	CredentialVersion int64     `json:"credential_version"`
	OwnedSessionIDs   []string  `json:"owned_session_ids"`

	LiveConnections map[string]struct{} `json:"-"`
}

func (a *AdminIdentity) clone() *AdminIdentity {
	c := *a
	c.OwnedSessionIDs = append([]string(nil), a.OwnedSessionIDs...)
	c.LiveConnections = make(map[string]struct{}, len(a.LiveConnections))
	for k := range a.LiveConnections {
		c.LiveConnections[k] = struct{}{}
	}
	return &c
}

func (a *AdminIdentity) ownsSession(sessionID string) bool {
	for _, id := range a.OwnedSessionIDs {
		if id == sessionID {
			return true
		}
	}
	return false
}

// AuthResult is returned to a successfully authenticated connection.
type AuthResult struct {
	AdminID         string
	DisplayName     string
	Token           string
	RefreshToken    string
	ExpiresAt       time.Time
	OwnedSessionIDs []string
}

// FallbackOwner receives sessions orphaned by identity deletion so no
// session is ever silently ownerless.
const FallbackOwner = "unassigned"
