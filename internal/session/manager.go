package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lingocast/lingocast/internal/fault"
	"github.com/lingocast/lingocast/internal/protocol"
)

// Manager holds every live session. All mutation funnels through its lock;
// ownership checks happen here so no caller can bypass them.
type Manager struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	store         Store
	log           zerolog.Logger
	maxInactivity time.Duration
	now           func() time.Time

	// onEnded fires after a session is durably removed, with reason
	// "ended" or "reaped". Wired to the router for session_ended fanout.
	onEnded func(sessionID, reason string, listeners []Listener)
}

func NewManager(ctx context.Context, store Store, log zerolog.Logger, maxInactivity time.Duration) (*Manager, error) {
	if maxInactivity <= 0 {
		maxInactivity = 2 * time.Hour
	}
	m := &Manager{
		sessions:      make(map[string]*Session),
		store:         store,
		log:           log,
		maxInactivity: maxInactivity,
		now:           func() time.Time { return time.Now().UTC() },
	}

	recs, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		m.sessions[rec.SessionID] = &Session{
			SessionID:      rec.SessionID,
			OwnerAdminID:   rec.OwnerAdminID,
			Config:         rec.Config,
			Listeners:      make(map[string]*Listener),
			CreatedAt:      rec.CreatedAt,
			LastActivityAt: rec.LastActivityAt,
			State:          StateActive,
		}
	}
	if len(recs) > 0 {
		log.Info().Int("count", len(recs)).Msg("restored persisted sessions")
	}
	return m, nil
}

// SetClock injects a clock for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Manager) SetEndedHook(hook func(sessionID, reason string, listeners []Listener)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnded = hook
}

// Create registers a new session under ownerAdminID. The id is
// caller-chosen; collisions are rejected, never overwritten.
func (m *Manager) Create(ctx context.Context, sessionID, ownerAdminID, operatorConnID string, cfg protocol.SessionConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sessionID]; exists {
		return nil, fault.Exists("session", sessionID)
	}

	now := m.now()
	s := &Session{
		SessionID:            sessionID,
		OwnerAdminID:         ownerAdminID,
		OperatorConnectionID: operatorConnID,
		Config:               cfg,
		Listeners:            make(map[string]*Listener),
		CreatedAt:            now,
		LastActivityAt:       now,
		State:                StateActive,
	}
	if err := m.store.Save(ctx, m.record(s)); err != nil {
		return nil, fault.Internal("session_persist", err)
	}
	m.sessions[sessionID] = s
	m.log.Info().Str("session_id", sessionID).Str("owner", ownerAdminID).Msg("session started")
	return s.clone(), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fault.Missing("session", sessionID)
	}
	return s.clone(), nil
}

func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) Summaries() []protocol.SessionSummary {
	sessions := m.List()
	out := make([]protocol.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, protocol.SessionSummary{
			SessionID:     s.SessionID,
			OwnerAdminID:  s.OwnerAdminID,
			Languages:     s.Config.EnabledLanguages,
			ListenerCount: len(s.Listeners),
			CreatedAtMs:   s.CreatedAt.UnixMilli(),
		})
	}
	return out
}

// UpdateConfig replaces the session configuration. Only the owner may
// call it; a rejected call leaves the session untouched. Listeners bound
// to a language the new configuration drops are detached and returned,
// keyed by language, so callers can notify exactly them.
func (m *Manager) UpdateConfig(ctx context.Context, sessionID, adminID string, cfg protocol.SessionConfig) (*Session, map[string][]Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil, fault.Missing("session", sessionID)
	}
	if s.OwnerAdminID != adminID {
		return nil, nil, fault.NotOwner(adminID, sessionID)
	}

	prev := s.Config
	s.Config = cfg
	s.LastActivityAt = m.now()
	if err := m.store.Save(ctx, m.record(s)); err != nil {
		s.Config = prev
		return nil, nil, fault.Internal("session_persist", err)
	}

	detached := make(map[string][]Listener)
	for connID, l := range s.Listeners {
		if s.languageEnabled(l.Language) {
			continue
		}
		detached[l.Language] = append(detached[l.Language], *l)
		delete(s.Listeners, connID)
	}
	return s.clone(), detached, nil
}

// SetSpeechMode changes only the speech mode, keeping the rest of the
// configuration as is.
func (m *Manager) SetSpeechMode(ctx context.Context, sessionID, adminID, mode string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	var cfg protocol.SessionConfig
	if ok {
		cfg = s.clone().Config
	}
	m.mu.RUnlock()
	if !ok {
		return nil, fault.Missing("session", sessionID)
	}
	cfg.SpeechMode = mode
	updated, _, err := m.UpdateConfig(ctx, sessionID, adminID, cfg)
	return updated, err
}

// SetLanguages changes only the enabled language set.
func (m *Manager) SetLanguages(ctx context.Context, sessionID, adminID string, languages []string) (*Session, map[string][]Listener, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	var cfg protocol.SessionConfig
	if ok {
		cfg = s.clone().Config
	}
	m.mu.RUnlock()
	if !ok {
		return nil, nil, fault.Missing("session", sessionID)
	}
	cfg.EnabledLanguages = languages
	return m.UpdateConfig(ctx, sessionID, adminID, cfg)
}

// AddListener attaches a connection to a session in one language. Joining
// a language the session does not carry is rejected. A connection already
// attached simply has its binding replaced.
func (m *Manager) AddListener(sessionID, connID, language string, caps protocol.SynthesisCapabilities) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fault.Missing("session", sessionID)
	}
	if !s.languageEnabled(language) {
		return nil, fault.Invalid("language", "language not enabled for this session")
	}

	now := m.now()
	s.Listeners[connID] = &Listener{
		ConnectionID: connID,
		Language:     language,
		JoinedAt:     now,
		LastSeenAt:   now,
		Capabilities: caps,
	}
	s.LastActivityAt = now
	return s.clone(), nil
}

func (m *Manager) RemoveListener(sessionID, connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	if _, attached := s.Listeners[connID]; !attached {
		return false
	}
	delete(s.Listeners, connID)
	s.LastActivityAt = m.now()
	return true
}

// ChangeLanguage rebinds an attached listener to another enabled language.
func (m *Manager) ChangeLanguage(sessionID, connID, language string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return fault.Missing("session", sessionID)
	}
	l, attached := s.Listeners[connID]
	if !attached {
		return fault.Invalid("session_id", "not attached to this session")
	}
	if !s.languageEnabled(language) {
		return fault.Invalid("language", "language not enabled for this session")
	}
	l.Language = language
	l.LastSeenAt = m.now()
	s.LastActivityAt = l.LastSeenAt
	return nil
}

// DropConnection detaches connID from every session it is listening to
// and returns the affected session ids.
func (m *Manager) DropConnection(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var affected []string
	for id, s := range m.sessions {
		if _, attached := s.Listeners[connID]; attached {
			delete(s.Listeners, connID)
			affected = append(affected, id)
		}
		if s.OperatorConnectionID == connID {
			s.OperatorConnectionID = ""
		}
	}
	return affected
}

// ListenersByLanguage groups the session's current listeners by the
// language they are bound to.
func (m *Manager) ListenersByLanguage(sessionID string) (map[string][]Listener, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fault.Missing("session", sessionID)
	}
	out := make(map[string][]Listener)
	for _, l := range s.Listeners {
		out[l.Language] = append(out[l.Language], *l)
	}
	return out, nil
}

// DistinctLanguages returns the sorted set of languages that currently
// have at least one listener.
func (m *Manager) DistinctLanguages(sessionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fault.Missing("session", sessionID)
	}
	seen := make(map[string]struct{})
	for _, l := range s.Listeners {
		seen[l.Language] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for lang := range seen {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.LastActivityAt = m.now()
	}
}

// End removes a session durably before reporting success. Ending a
// session that no longer exists is a no-op, so retries are safe. When
// adminID is empty the call is system-initiated and skips the ownership
// check.
func (m *Manager) End(ctx context.Context, sessionID, adminID string) (bool, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	if adminID != "" && s.OwnerAdminID != adminID {
		m.mu.Unlock()
		return false, fault.NotOwner(adminID, sessionID)
	}
	if err := m.store.Delete(ctx, sessionID); err != nil {
		m.mu.Unlock()
		return false, fault.Internal("session_delete", err)
	}
	listeners := listenerSlice(s)
	delete(m.sessions, sessionID)
	hook := m.onEnded
	m.mu.Unlock()

	m.log.Info().Str("session_id", sessionID).Msg("session ended")
	if hook != nil {
		hook(sessionID, "ended", listeners)
	}
	return true, nil
}

// ReapInactive ends every session idle past the inactivity ceiling and
// returns the ids removed.
func (m *Manager) ReapInactive(ctx context.Context) []string {
	cutoff := m.now().Add(-m.maxInactivity)

	m.mu.Lock()
	type reaped struct {
		id        string
		listeners []Listener
	}
	var victims []reaped
	for id, s := range m.sessions {
		if s.LastActivityAt.After(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, id); err != nil {
			m.log.Error().Err(err).Str("session_id", id).Msg("reap delete failed")
			continue
		}
		victims = append(victims, reaped{id: id, listeners: listenerSlice(s)})
		delete(m.sessions, id)
	}
	hook := m.onEnded
	m.mu.Unlock()

	ids := make([]string, 0, len(victims))
	for _, v := range victims {
		ids = append(ids, v.id)
		m.log.Info().Str("session_id", v.id).Msg("session reaped for inactivity")
		if hook != nil {
			hook(v.id, "reaped", v.listeners)
		}
	}
	return ids
}

// ReassignOwner moves sessions to a new owner. Only identity deletion
// calls this; ownership is otherwise immutable.
func (m *Manager) ReassignOwner(ctx context.Context, sessionIDs []string, newOwner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range sessionIDs {
		s, ok := m.sessions[id]
		if !ok {
			continue
		}
		s.OwnerAdminID = newOwner
		if err := m.store.Save(ctx, m.record(s)); err != nil {
			m.log.Error().Err(err).Str("session_id", id).Msg("reassign persist failed")
		}
	}
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) ListenerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, s := range m.sessions {
		total += len(s.Listeners)
	}
	return total
}

func (m *Manager) record(s *Session) Record {
	return Record{
		SessionID:      s.SessionID,
		OwnerAdminID:   s.OwnerAdminID,
		Config:         s.Config,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
	}
}

func listenerSlice(s *Session) []Listener {
	out := make([]Listener, 0, len(s.Listeners))
	for _, l := range s.Listeners {
		out = append(out, *l)
	}
	return out
}
