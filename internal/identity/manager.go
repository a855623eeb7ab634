package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lingocast/lingocast/internal/fault"
)

type refreshProof struct {
	Token     string
	AdminID   string
	ExpiresAt time.Time
}

// Manager wraps the durable registry, the external provider and the
// volatile token store. Credentials go in, stable identities come out.
type Manager struct {
	mu       sync.Mutex
	store    Store
	provider Provider
	tokens   *TokenStore
	refresh  map[string]refreshProof // username -> proof
	log      zerolog.Logger

	tokenTTL   time.Duration
	refreshTTL time.Duration
	now        func() time.Time

	// reassign hands orphaned sessions to a new owner when an identity
	// is deleted. Wired to the session manager at startup.
	reassign func(sessionIDs []string, newOwner string)
}

func NewManager(store Store, provider Provider, tokens *TokenStore, log zerolog.Logger, tokenTTL, refreshTTL time.Duration) *Manager {
	if tokenTTL <= 0 {
		tokenTTL = 15 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 12 * time.Hour
	}
	return &Manager{
		store:      store,
		provider:   provider,
		tokens:     tokens,
		refresh:    make(map[string]refreshProof),
		log:        log,
		tokenTTL:   tokenTTL,
		refreshTTL: refreshTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock injects a clock for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Manager) SetReassignHook(hook func(sessionIDs []string, newOwner string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reassign = hook
}

// AuthenticateWithSecret resolves (or lazily creates) the identity behind
// username and binds a short-lived proof to connectionID.
func (m *Manager) AuthenticateWithSecret(ctx context.Context, username, secret, connectionID string) (*AuthResult, error) {
	verified, err := m.provider.VerifySecret(ctx, username, secret)
	if err != nil {
		return nil, err
	}
	return m.admit(verified.Username, connectionID, true)
}

// AuthenticateWithToken checks the token with the external provider first;
// an expired token never reaches identity resolution.
func (m *Manager) AuthenticateWithToken(ctx context.Context, token, connectionID string) (*AuthResult, error) {
	verified, err := m.provider.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return m.admit(verified.Username, connectionID, false)
}

// Refresh exchanges a refresh proof for a new short-lived proof. The
// refresh proof itself is not rotated.
func (m *Manager) Refresh(username, refreshToken, connectionID string) (*AuthResult, error) {
	m.mu.Lock()
	rp, ok := m.refresh[username]
	valid := ok && rp.Token == refreshToken && m.now().Before(rp.ExpiresAt)
	m.mu.Unlock()
	if !valid {
		return nil, fault.Auth("bad_refresh_token", nil)
	}
	return m.admit(username, connectionID, false)
}

func (m *Manager) admit(username, connectionID string, issueRefresh bool) (*AuthResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	id, err := m.store.GetByDisplayName(username)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		id = &AdminIdentity{
			AdminID:         "adm_" + uuid.NewString(),
			DisplayName:     username,
			CreatedAt:       now,
			LiveConnections: make(map[string]struct{}),
		}
		m.log.Info().Str("admin_id", id.AdminID).Str("display_name", username).Msg("new admin identity")
	default:
		return nil, fault.Internal("identity_lookup", err)
	}

	id.LastSeenAt = now
	id.LiveConnections[connectionID] = struct{}{}
	if err := m.store.Save(id); err != nil {
		return nil, fault.Internal("identity_persist", err)
	}

	token := newOpaqueToken()
	expiresAt := now.Add(m.tokenTTL)
	m.tokens.Put(connectionID, id.AdminID, token, expiresAt, id.CredentialVersion)

	res := &AuthResult{
		AdminID:         id.AdminID,
		DisplayName:     id.DisplayName,
		Token:           token,
		ExpiresAt:       expiresAt,
		OwnedSessionIDs: append([]string(nil), id.OwnedSessionIDs...),
	}
	if issueRefresh {
		rp, ok := m.refresh[username]
		if !ok || !m.now().Before(rp.ExpiresAt) || rp.AdminID != id.AdminID {
			rp = refreshProof{Token: newOpaqueToken(), AdminID: id.AdminID, ExpiresAt: now.Add(m.refreshTTL)}
			m.refresh[username] = rp
		}
		res.RefreshToken = rp.Token
	}
	return res, nil
}

// VerifyConnection resolves connectionID to its authenticated admin. A
// proof minted under an older credential version is dead.
func (m *Manager) VerifyConnection(connectionID string) (string, error) {
	adminID, version, ok := m.tokens.Lookup(connectionID)
	if !ok {
		return "", fault.Auth("not_authenticated", nil)
	}
	id, err := m.store.Get(adminID)
	if err != nil {
		return "", fault.Auth("identity_gone", err)
	}
	if id.CredentialVersion != version {
		m.tokens.DropConnection(connectionID)
		return "", fault.Auth("credentials_invalidated", nil)
	}
	return adminID, nil
}

// VerifyOwnership reports whether adminID's stored identity lists
// sessionID among its owned sessions. The session record's owner field
// is the authoritative check; this is the identity-side bookkeeping
// view, kept consistent through AddOwnedSession and RemoveOwnedSession.
func (m *Manager) VerifyOwnership(adminID, sessionID string) bool {
	id, err := m.store.Get(adminID)
	if err != nil {
		return false
	}
	return id.ownsSession(sessionID)
}

func (m *Manager) AddOwnedSession(adminID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.store.Get(adminID)
	if err != nil {
		return fault.Missing("identity", adminID)
	}
	if id.ownsSession(sessionID) {
		return nil
	}
	id.OwnedSessionIDs = append(id.OwnedSessionIDs, sessionID)
	if err := m.store.Save(id); err != nil {
		return fault.Internal("identity_persist", err)
	}
	return nil
}

func (m *Manager) RemoveOwnedSession(adminID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.store.Get(adminID)
	if err != nil {
		return nil
	}
	kept := id.OwnedSessionIDs[:0]
	for _, sid := range id.OwnedSessionIDs {
		if sid != sessionID {
			kept = append(kept, sid)
		}
	}
	if len(kept) == len(id.OwnedSessionIDs) {
		return nil
	}
	id.OwnedSessionIDs = kept
	if err := m.store.Save(id); err != nil {
		return fault.Internal("identity_persist", err)
	}
	return nil
}

// ReleaseSession removes sessionID from whichever identity owns it.
// Used when a session ends through reaping, where only the session id is
// known.
func (m *Manager) ReleaseSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids, err := m.store.List()
	if err != nil {
		m.log.Error().Err(err).Msg("identity list failed during session release")
		return
	}
	for _, id := range ids {
		if !id.ownsSession(sessionID) {
			continue
		}
		kept := id.OwnedSessionIDs[:0]
		for _, sid := range id.OwnedSessionIDs {
			if sid != sessionID {
				kept = append(kept, sid)
			}
		}
		id.OwnedSessionIDs = kept
		if err := m.store.Save(id); err != nil {
			m.log.Error().Err(err).Str("admin_id", id.AdminID).Msg("session release persist failed")
		}
		return
	}
}

// InvalidateAll bumps the credential version and drops every stored
// short-lived proof, forcing re-authentication on all connections.
func (m *Manager) InvalidateAll(adminID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.store.Get(adminID)
	if err != nil {
		return fault.Missing("identity", adminID)
	}
	id.CredentialVersion++
	if err := m.store.Save(id); err != nil {
		return fault.Internal("identity_persist", err)
	}
	dropped := m.tokens.DropAdmin(adminID)
	for username, rp := range m.refresh {
		if rp.AdminID == adminID {
			delete(m.refresh, username)
		}
	}
	m.log.Warn().Str("admin_id", adminID).Int("proofs_dropped", dropped).Msg("credentials invalidated")
	return nil
}

// DropConnection releases the volatile state bound to connectionID.
// Losing one connection never revokes ownership or touches other
// connections of the same identity.
func (m *Manager) DropConnection(connectionID, adminID string) {
	m.tokens.DropConnection(connectionID)
	if adminID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, err := m.store.Get(adminID); err == nil {
		delete(id.LiveConnections, connectionID)
		// Volatile only; no need to persist for a connection change.
		_ = m.store.Save(id)
	}
}

// DeleteIdentity removes an identity explicitly. Owned sessions are handed
// to the fallback owner, never silently orphaned.
func (m *Manager) DeleteIdentity(adminID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.store.Get(adminID)
	if err != nil {
		return fault.Missing("identity", adminID)
	}
	if len(id.OwnedSessionIDs) > 0 && m.reassign != nil {
		m.reassign(append([]string(nil), id.OwnedSessionIDs...), FallbackOwner)
	}
	if err := m.store.Delete(adminID, reason); err != nil {
		return fault.Internal("identity_delete", err)
	}
	m.tokens.DropAdmin(adminID)
	return nil
}

// ReclaimInactive deletes identities with no owned sessions and no
// activity inside the retention window. Identities still owning sessions
// are refused. Each batch is logged for audit.
func (m *Manager) ReclaimInactive(retention time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, err := m.store.List()
	if err != nil {
		return nil, fault.Internal("identity_list", err)
	}
	cutoff := m.now().Add(-retention)

	var reclaimed []string
	for _, id := range ids {
		if len(id.OwnedSessionIDs) > 0 {
			continue
		}
		if id.LastSeenAt.After(cutoff) {
			continue
		}
		if err := m.store.Delete(id.AdminID, "inactivity_reclaim"); err != nil {
			m.log.Error().Err(err).Str("admin_id", id.AdminID).Msg("reclaim delete failed")
			continue
		}
		m.tokens.DropAdmin(id.AdminID)
		delete(m.refresh, id.DisplayName)
		reclaimed = append(reclaimed, id.AdminID)
	}
	if len(reclaimed) > 0 {
		m.log.Info().Strs("admin_ids", reclaimed).Msg("reclaimed inactive identities")
	}
	return reclaimed, nil
}
