package identity

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// proof is one short-lived credential bound to a connection. It dies with
// the connection, with its expiry, or when the identity's credential
// version moves past the one it was minted under.
type proof struct {
	AdminID           string
	Token             string
	ExpiresAt         time.Time
	CredentialVersion int64
}

// TokenStore is the volatile, connection-scoped credential cache. Nothing
// in here survives a restart.
type TokenStore struct {
	mu     sync.Mutex
	byConn map[string]*proof
	now    func() time.Time
}

func NewTokenStore() *TokenStore {
	return &TokenStore{
		byConn: make(map[string]*proof),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock injects a clock for tests.
func (t *TokenStore) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

func (t *TokenStore) Put(connectionID, adminID, token string, expiresAt time.Time, credentialVersion int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byConn[connectionID] = &proof{
		AdminID:           adminID,
		Token:             token,
		ExpiresAt:         expiresAt,
		CredentialVersion: credentialVersion,
	}
}

// Lookup returns the admin id and credential version bound to the
// connection, if the stored proof is still live.
func (t *TokenStore) Lookup(connectionID string) (adminID string, credentialVersion int64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, found := t.byConn[connectionID]
	if !found || !t.now().Before(p.ExpiresAt) {
		return "", 0, false
	}
	return p.AdminID, p.CredentialVersion, true
}

func (t *TokenStore) DropConnection(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byConn, connectionID)
}

// DropAdmin removes every proof minted for adminID, across all of its
// connections.
func (t *TokenStore) DropAdmin(adminID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := 0
	for conn, p := range t.byConn {
		if p.AdminID == adminID {
			delete(t.byConn, conn)
			dropped++
		}
	}
	return dropped
}

// Sweep drops expired proofs.
func (t *TokenStore) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	dropped := 0
	for conn, p := range t.byConn {
		if !now.Before(p.ExpiresAt) {
			delete(t.byConn, conn)
			dropped++
		}
	}
	return dropped
}

// newOpaqueToken returns a cryptographically random token string.
func newOpaqueToken() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		// rand.Read on supported platforms does not fail; if it ever
		// does, an unusable token is safer than a predictable one.
		return ""
	}
	return hex.EncodeToString(b[:])
}
