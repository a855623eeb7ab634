package router

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/lingocast/lingocast/internal/audiocache"
	"github.com/lingocast/lingocast/internal/fault"
	"github.com/lingocast/lingocast/internal/identity"
	"github.com/lingocast/lingocast/internal/observability"
	"github.com/lingocast/lingocast/internal/protocol"
	"github.com/lingocast/lingocast/internal/security"
	"github.com/lingocast/lingocast/internal/session"
	"github.com/lingocast/lingocast/internal/synth"
)

// Router is the single dispatch point for inbound protocol messages.
// Listener-scoped operations need only a live connection; owner-scoped
// operations are gated on verified ownership, and a violation is never
// reported as "not found".
type Router struct {
	hub      *Hub
	sessions *session.Manager
	ids      *identity.Manager
	limits   *security.Limiter
	signer   *security.SessionIDSigner
	chain    *synth.Chain
	cache    *audiocache.Cache
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func New(hub *Hub, sessions *session.Manager, ids *identity.Manager, limits *security.Limiter,
	signer *security.SessionIDSigner, chain *synth.Chain, cache *audiocache.Cache,
	metrics *observability.Metrics, log zerolog.Logger) *Router {

	r := &Router{
		hub:      hub,
		sessions: sessions,
		ids:      ids,
		limits:   limits,
		signer:   signer,
		chain:    chain,
		cache:    cache,
		metrics:  metrics,
		log:      log,
	}

	sessions.SetEndedHook(r.onSessionEnded)
	ids.SetReassignHook(func(sessionIDs []string, newOwner string) {
		sessions.ReassignOwner(context.Background(), sessionIDs, newOwner)
	})
	return r
}

func (r *Router) Hub() *Hub { return r.hub }

// Dispatch handles one raw inbound frame from conn.
func (r *Router) Dispatch(ctx context.Context, conn *Conn, raw []byte) {
	if !conn.AllowMessage() {
		conn.TrySend(protocol.RateLimited{Type: protocol.TypeRateLimited, Class: "connection"})
		return
	}

	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		r.sendFault(conn, err, "")
		return
	}
	if r.metrics != nil {
		if t, ok := inboundType(msg); ok {
			r.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
	}

	switch m := msg.(type) {
	case protocol.Authenticate:
		r.handleAuthenticate(ctx, conn, m)
	case protocol.Refresh:
		r.handleRefresh(conn, m)
	case protocol.StartSession:
		r.handleStartSession(ctx, conn, m)
	case protocol.EndSession:
		r.handleEndSession(ctx, conn, m)
	case protocol.ListSessions:
		r.handleListSessions(conn)
	case protocol.UpdateSessionConfig:
		r.handleUpdateConfig(ctx, conn, m)
	case protocol.UpdateSpeechMode:
		r.handleUpdateSpeechMode(ctx, conn, m)
	case protocol.UpdateEnabledLanguages:
		r.handleUpdateLanguages(ctx, conn, m)
	case protocol.BroadcastTranslation:
		r.handleBroadcast(ctx, conn, m)
	case protocol.RequestDirectSynthesis:
		r.handleDirectSynthesis(ctx, conn, m)
	case protocol.JoinSession:
		r.handleJoin(conn, m)
	case protocol.LeaveSession:
		r.handleLeave(conn, m)
	case protocol.ChangeLanguage:
		r.handleChangeLanguage(conn, m)
	default:
		r.sendFault(conn, fault.Invalid("type", "unhandled message"), "")
	}
}

// HandleDisconnect releases everything bound to a closing connection.
// Session ownership survives; only membership and volatile credential
// state go.
func (r *Router) HandleDisconnect(conn *Conn) {
	adminID, err := r.ids.VerifyConnection(conn.ID)
	if err != nil {
		adminID = ""
	}
	r.ids.DropConnection(conn.ID, adminID)

	for _, sessionID := range r.sessions.DropConnection(conn.ID) {
		r.log.Debug().Str("conn_id", conn.ID).Str("session_id", sessionID).Msg("listener detached on disconnect")
	}
	r.limits.Forget(conn.ID)
	r.hub.Unregister(conn.ID)
}

func (r *Router) handleAuthenticate(ctx context.Context, conn *Conn, m protocol.Authenticate) {
	if !r.allow(conn, security.ClassAuth, conn.RemoteAddr) {
		return
	}

	var res *identity.AuthResult
	var err error
	switch m.Method {
	case "secret":
		res, err = r.ids.AuthenticateWithSecret(ctx, m.Username, m.Secret, conn.ID)
	case "token":
		res, err = r.ids.AuthenticateWithToken(ctx, m.Token, conn.ID)
	}
	if err != nil {
		r.limits.RecordFailure(conn.RemoteAddr)
		r.securityEvent("auth_failure", conn, "")
		f := fault.From(err)
		conn.TrySend(protocol.AuthError{
			Type:      protocol.TypeAuthError,
			Code:      f.Code,
			Retryable: f.Retryable(),
			Detail:    f.UserMessage(),
		})
		return
	}
	r.limits.RecordSuccess(conn.RemoteAddr)
	conn.TrySend(authOK(res))
}

func (r *Router) handleRefresh(conn *Conn, m protocol.Refresh) {
	if !r.allow(conn, security.ClassAuth, conn.RemoteAddr) {
		return
	}
	res, err := r.ids.Refresh(m.Username, m.RefreshToken, conn.ID)
	if err != nil {
		r.limits.RecordFailure(conn.RemoteAddr)
		r.securityEvent("refresh_failure", conn, "")
		r.sendFault(conn, err, "")
		return
	}
	r.limits.RecordSuccess(conn.RemoteAddr)
	conn.TrySend(authOK(res))
}

func authOK(res *identity.AuthResult) protocol.AuthOK {
	return protocol.AuthOK{
		Type:            protocol.TypeAuthOK,
		AdminID:         res.AdminID,
		DisplayName:     res.DisplayName,
		Token:           res.Token,
		RefreshToken:    res.RefreshToken,
		ExpiresAtMs:     res.ExpiresAt.UnixMilli(),
		OwnedSessionIDs: res.OwnedSessionIDs,
	}
}

func (r *Router) handleStartSession(ctx context.Context, conn *Conn, m protocol.StartSession) {
	adminID, ok := r.requireAdmin(conn)
	if !ok || !r.allow(conn, security.ClassGeneral, adminID) {
		return
	}

	s, err := r.sessions.Create(ctx, m.SessionID, adminID, conn.ID, m.Config)
	if err != nil {
		r.sendFault(conn, err, m.SessionID)
		return
	}
	if err := r.ids.AddOwnedSession(adminID, s.SessionID); err != nil {
		r.log.Error().Err(err).Str("session_id", s.SessionID).Msg("owned session bookkeeping failed")
	}
	r.sessionGauges("started")

	conn.TrySend(protocol.SessionStarted{
		Type:      protocol.TypeSessionStarted,
		SessionID: s.SessionID,
		Config:    s.Config,
		Signature: r.signer.Sign(s.SessionID, adminID, "", s.CreatedAt),
	})
}

func (r *Router) handleEndSession(ctx context.Context, conn *Conn, m protocol.EndSession) {
	adminID, ok := r.requireAdmin(conn)
	if !ok || !r.allow(conn, security.ClassGeneral, adminID) {
		return
	}

	ended, err := r.sessions.End(ctx, m.SessionID, adminID)
	if err != nil {
		r.sendFault(conn, err, m.SessionID)
		return
	}
	if ended {
		if err := r.ids.RemoveOwnedSession(adminID, m.SessionID); err != nil {
			r.log.Error().Err(err).Str("session_id", m.SessionID).Msg("owned session bookkeeping failed")
		}
		r.sessionGauges("ended")
	}
	// Ending an already-gone session acks the same way, so retries are safe.
	conn.TrySend(protocol.SessionEnded{Type: protocol.TypeSessionEnded, SessionID: m.SessionID, Reason: "ended"})
}

func (r *Router) handleListSessions(conn *Conn) {
	adminID, ok := r.requireAdmin(conn)
	if !ok || !r.allow(conn, security.ClassGeneral, adminID) {
		return
	}
	conn.TrySend(protocol.SessionList{Type: protocol.TypeSessionList, Sessions: r.sessions.Summaries()})
}

func (r *Router) handleUpdateConfig(ctx context.Context, conn *Conn, m protocol.UpdateSessionConfig) {
	adminID, ok := r.requireAdmin(conn)
	if !ok || !r.allow(conn, security.ClassGeneral, adminID) {
		return
	}
	updated, detached, err := r.sessions.UpdateConfig(ctx, m.SessionID, adminID, m.Config)
	if err != nil {
		r.sendFault(conn, err, m.SessionID)
		return
	}
	r.afterConfigChange(conn, updated, detached)
}

func (r *Router) handleUpdateSpeechMode(ctx context.Context, conn *Conn, m protocol.UpdateSpeechMode) {
	adminID, ok := r.requireAdmin(conn)
	if !ok || !r.allow(conn, security.ClassGeneral, adminID) {
		return
	}
	updated, err := r.sessions.SetSpeechMode(ctx, m.SessionID, adminID, m.SpeechMode)
	if err != nil {
		r.sendFault(conn, err, m.SessionID)
		return
	}
	r.afterConfigChange(conn, updated, nil)
}

func (r *Router) handleUpdateLanguages(ctx context.Context, conn *Conn, m protocol.UpdateEnabledLanguages) {
	adminID, ok := r.requireAdmin(conn)
	if !ok || !r.allow(conn, security.ClassGeneral, adminID) {
		return
	}
	updated, detached, err := r.sessions.SetLanguages(ctx, m.SessionID, adminID, m.Languages)
	if err != nil {
		r.sendFault(conn, err, m.SessionID)
		return
	}
	r.afterConfigChange(conn, updated, detached)
}

// afterConfigChange fans the new metadata to the operator and every
// remaining listener, and tells exactly the listeners whose language was
// dropped why they were detached.
func (r *Router) afterConfigChange(conn *Conn, s *session.Session, detached map[string][]session.Listener) {
	changed := protocol.SessionMetadataChanged{
		Type:      protocol.TypeSessionMetadataChanged,
		SessionID: s.SessionID,
		Config:    s.Config,
	}
	conn.TrySend(changed)
	for _, l := range s.Listeners {
		r.hub.SendTo(l.ConnectionID, changed)
	}

	for language, listeners := range detached {
		notice := protocol.LanguageRemovedNotice{
			Type:               protocol.TypeLanguageRemovedNotice,
			SessionID:          s.SessionID,
			Language:           language,
			RemainingLanguages: s.Config.EnabledLanguages,
		}
		for _, l := range listeners {
			r.hub.SendTo(l.ConnectionID, notice)
		}
	}
}

func (r *Router) handleBroadcast(ctx context.Context, conn *Conn, m protocol.BroadcastTranslation) {
	adminID, ok := r.requireAdmin(conn)
	if !ok || !r.allow(conn, security.ClassSynthesis, adminID) {
		return
	}

	s, err := r.sessions.Get(m.SessionID)
	if err != nil {
		r.sendFault(conn, err, m.SessionID)
		return
	}
	if s.OwnerAdminID != adminID {
		r.sendFault(conn, fault.NotOwner(adminID, m.SessionID), m.SessionID)
		return
	}
	r.sessions.Touch(m.SessionID)

	byLang, err := r.sessions.ListenersByLanguage(m.SessionID)
	if err != nil {
		r.sendFault(conn, err, m.SessionID)
		return
	}

	// One resolution per distinct language with listeners, not one per
	// listener.
	for language, text := range m.Translations {
		listeners := byLang[language]
		if len(listeners) == 0 {
			continue
		}
		r.deliver(ctx, conn, s, language, text, listeners)
	}

	if active, err := r.sessions.DistinctLanguages(m.SessionID); err == nil {
		for _, lang := range active {
			if _, ok := m.Translations[lang]; !ok {
				r.log.Debug().Str("session_id", m.SessionID).Str("language", lang).
					Msg("broadcast omitted a language with listeners")
			}
		}
	}
}

func (r *Router) deliver(ctx context.Context, opConn *Conn, s *session.Session, language, text string, listeners []session.Listener) {
	switch s.Config.SpeechMode {
	case protocol.SpeechModeText:
		for _, l := range listeners {
			r.hub.SendTo(l.ConnectionID, textTranslation(s.SessionID, language, text))
		}
	case protocol.SpeechModeDevice:
		for _, l := range listeners {
			msg := textTranslation(s.SessionID, language, text)
			if deviceCan(l, language) {
				msg.Tier = synth.TierDevice
				msg.LocalFallback = true
			}
			r.hub.SendTo(l.ConnectionID, msg)
		}
	default:
		r.deliverCloud(ctx, opConn, s, language, text, listeners)
	}
}

func (r *Router) deliverCloud(ctx context.Context, opConn *Conn, s *session.Session, language, text string, listeners []session.Listener) {
	// The key carries the quality tier: sessions on different tiers must
	// never share a cached payload.
	key := audiocache.Key(text, language, s.Config.QualityTier())
	if e, ok := r.cache.Get(key); ok {
		r.cacheOp("hit")
		for _, l := range listeners {
			r.hub.SendTo(l.ConnectionID, cloudTranslation(s.SessionID, language, text, key, e.Encoding, l))
		}
		return
	}
	r.cacheOp("miss")

	deviceCapable := false
	for _, l := range listeners {
		if deviceCan(l, language) {
			deviceCapable = true
			break
		}
	}

	res := r.chain.Speak(ctx, synth.Request{Text: text, Language: language, Quality: s.Config.QualityTier()}, deviceCapable)
	if res.Degraded != nil {
		opConn.TrySend(protocol.SynthesisDegradedNotice{
			Type:      protocol.TypeSynthesisDegraded,
			SessionID: s.SessionID,
			Language:  language,
			FromTier:  res.Degraded.FromTier,
			ToTier:    res.Degraded.ToTier,
			Reason:    res.Degraded.Reason,
		})
	}

	switch res.Tier {
	case synth.TierCloud:
		r.cache.Put(key, res.Audio, res.Encoding, res.DurationMs)
		r.cacheOp("put")
		r.cacheGauges()
		for _, l := range listeners {
			r.hub.SendTo(l.ConnectionID, cloudTranslation(s.SessionID, language, text, key, res.Encoding, l))
		}
	case synth.TierDevice:
		for _, l := range listeners {
			msg := textTranslation(s.SessionID, language, text)
			if deviceCan(l, language) {
				msg.Tier = synth.TierDevice
				msg.LocalFallback = true
			}
			r.hub.SendTo(l.ConnectionID, msg)
		}
	default:
		for _, l := range listeners {
			r.hub.SendTo(l.ConnectionID, textTranslation(s.SessionID, language, text))
		}
	}
}

func (r *Router) handleDirectSynthesis(ctx context.Context, conn *Conn, m protocol.RequestDirectSynthesis) {
	adminID, ok := r.requireAdmin(conn)
	if !ok || !r.allow(conn, security.ClassSynthesis, adminID) {
		return
	}
	s, err := r.sessions.Get(m.SessionID)
	if err != nil {
		r.sendFault(conn, err, m.SessionID)
		return
	}
	if s.OwnerAdminID != adminID {
		r.sendFault(conn, fault.NotOwner(adminID, m.SessionID), m.SessionID)
		return
	}
	r.sessions.Touch(m.SessionID)

	key := audiocache.Key(m.Text, m.Language, s.Config.QualityTier())
	if e, ok := r.cache.Get(key); ok {
		r.cacheOp("hit")
		conn.TrySend(protocol.DirectSynthesisResult{
			Type:          protocol.TypeDirectSynthesisResult,
			SessionID:     m.SessionID,
			Language:      m.Language,
			AudioID:       key,
			AudioEncoding: e.Encoding,
			Tier:          synth.TierCloud,
		})
		return
	}
	r.cacheOp("miss")

	res := r.chain.Speak(ctx, synth.Request{Text: m.Text, Language: m.Language, Quality: s.Config.QualityTier()}, false)
	out := protocol.DirectSynthesisResult{
		Type:      protocol.TypeDirectSynthesisResult,
		SessionID: m.SessionID,
		Language:  m.Language,
		Tier:      res.Tier,
	}
	if res.Tier == synth.TierCloud {
		r.cache.Put(key, res.Audio, res.Encoding, res.DurationMs)
		r.cacheOp("put")
		r.cacheGauges()
		out.AudioID = key
		out.AudioEncoding = res.Encoding
	}
	if res.Degraded != nil {
		conn.TrySend(protocol.SynthesisDegradedNotice{
			Type:      protocol.TypeSynthesisDegraded,
			SessionID: m.SessionID,
			Language:  m.Language,
			FromTier:  res.Degraded.FromTier,
			ToTier:    res.Degraded.ToTier,
			Reason:    res.Degraded.Reason,
		})
	}
	conn.TrySend(out)
}

func (r *Router) handleJoin(conn *Conn, m protocol.JoinSession) {
	if !r.allow(conn, security.ClassGeneral, conn.ID) {
		return
	}

	if m.Signature != "" {
		s, err := r.sessions.Get(m.SessionID)
		if err != nil {
			r.sendFault(conn, err, m.SessionID)
			return
		}
		if err := r.signer.Validate(m.SessionID, s.OwnerAdminID, "", m.Signature); err != nil {
			r.securityEvent("bad_session_signature", conn, m.SessionID)
			r.sendFault(conn, err, m.SessionID)
			return
		}
	}

	if _, err := r.sessions.AddListener(m.SessionID, conn.ID, m.Language, m.Capabilities); err != nil {
		r.sendFault(conn, err, m.SessionID)
		return
	}
	conn.TrySend(protocol.Joined{Type: protocol.TypeJoined, SessionID: m.SessionID, Language: m.Language})
}

func (r *Router) handleLeave(conn *Conn, m protocol.LeaveSession) {
	if !r.allow(conn, security.ClassGeneral, conn.ID) {
		return
	}
	r.sessions.RemoveListener(m.SessionID, conn.ID)
	conn.TrySend(protocol.Left{Type: protocol.TypeLeft, SessionID: m.SessionID})
}

func (r *Router) handleChangeLanguage(conn *Conn, m protocol.ChangeLanguage) {
	if !r.allow(conn, security.ClassGeneral, conn.ID) {
		return
	}
	if err := r.sessions.ChangeLanguage(m.SessionID, conn.ID, m.Language); err != nil {
		r.sendFault(conn, err, m.SessionID)
		return
	}
	conn.TrySend(protocol.LanguageChanged{Type: protocol.TypeLanguageChanged, SessionID: m.SessionID, Language: m.Language})
}

func (r *Router) onSessionEnded(sessionID, reason string, listeners []session.Listener) {
	msg := protocol.SessionEnded{Type: protocol.TypeSessionEnded, SessionID: sessionID, Reason: reason}
	for _, l := range listeners {
		r.hub.SendTo(l.ConnectionID, msg)
	}
	r.sessionGauges(reason)
}

func (r *Router) requireAdmin(conn *Conn) (string, bool) {
	adminID, err := r.ids.VerifyConnection(conn.ID)
	if err != nil {
		r.sendFault(conn, err, "")
		return "", false
	}
	return adminID, true
}

func (r *Router) allow(conn *Conn, class security.Class, identifier string) bool {
	err := r.limits.Allow(class, identifier)
	if err == nil {
		return true
	}
	f := fault.From(err)
	if r.metrics != nil {
		r.metrics.RateLimitDenied.WithLabelValues(string(class)).Inc()
	}
	conn.TrySend(protocol.RateLimited{
		Type:         protocol.TypeRateLimited,
		Class:        string(class),
		RetryAfterMs: f.RetryAfter.Milliseconds(),
	})
	return false
}

func (r *Router) sendFault(conn *Conn, err error, sessionID string) {
	f := fault.From(err)
	if r.metrics != nil {
		r.metrics.Faults.WithLabelValues(f.Category.String()).Inc()
	}

	switch f.Category {
	case fault.Authentication:
		conn.TrySend(protocol.AuthError{
			Type:      protocol.TypeAuthError,
			Code:      f.Code,
			Retryable: f.Retryable(),
			Detail:    f.UserMessage(),
		})
	case fault.Authorization:
		r.securityEvent("not_owner", conn, sessionID)
		conn.TrySend(protocol.NotOwnerError{Type: protocol.TypeNotOwnerError, SessionID: sessionID})
	case fault.Validation:
		conn.TrySend(protocol.ValidationError{Type: protocol.TypeValidationError, Code: f.Code, Field: f.Field, Detail: f.Detail})
	case fault.RateLimited:
		conn.TrySend(protocol.RateLimited{Type: protocol.TypeRateLimited, RetryAfterMs: f.RetryAfter.Milliseconds()})
	default:
		if f.Category == fault.System {
			r.log.Error().Err(f).Str("conn_id", conn.ID).Msg("dispatch failed")
		}
		conn.TrySend(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			Code:      f.Code,
			Retryable: f.Retryable(),
			Detail:    f.UserMessage(),
		})
	}
}

func (r *Router) securityEvent(kind string, conn *Conn, sessionID string) {
	if r.metrics != nil {
		r.metrics.SecurityEvents.WithLabelValues(kind).Inc()
	}
	r.log.Warn().Str("kind", kind).Str("conn_id", conn.ID).Str("remote", conn.RemoteAddr).Str("session_id", sessionID).Msg("security event")
}

func (r *Router) sessionGauges(event string) {
	if r.metrics == nil {
		return
	}
	r.metrics.ActiveSessions.Set(float64(r.sessions.ActiveCount()))
	r.metrics.SessionEvents.WithLabelValues(event).Inc()
}

func (r *Router) cacheOp(op string) {
	if r.metrics != nil {
		r.metrics.CacheOps.WithLabelValues(op).Inc()
	}
}

func (r *Router) cacheGauges() {
	if r.metrics == nil {
		return
	}
	stats := r.cache.Stats()
	r.metrics.CacheBytes.Set(float64(stats.Bytes))
	r.metrics.CacheEntries.Set(float64(stats.Entries))
}

func textTranslation(sessionID, language, text string) protocol.Translation {
	return protocol.Translation{
		Type:      protocol.TypeTranslation,
		SessionID: sessionID,
		Language:  language,
		Text:      text,
		Tier:      synth.TierText,
	}
}

func cloudTranslation(sessionID, language, text, audioID, encoding string, l session.Listener) protocol.Translation {
	msg := textTranslation(sessionID, language, text)
	if l.Capabilities.AcceptsCloudAudio {
		msg.Tier = synth.TierCloud
		msg.AudioID = audioID
		msg.AudioEncoding = encoding
	} else if deviceCan(l, language) {
		msg.Tier = synth.TierDevice
		msg.LocalFallback = true
	}
	return msg
}

func inboundType(msg any) (protocol.MessageType, bool) {
	switch m := msg.(type) {
	case protocol.Authenticate:
		return m.Type, true
	case protocol.Refresh:
		return m.Type, true
	case protocol.StartSession:
		return m.Type, true
	case protocol.EndSession:
		return m.Type, true
	case protocol.ListSessions:
		return m.Type, true
	case protocol.UpdateSessionConfig:
		return m.Type, true
	case protocol.UpdateSpeechMode:
		return m.Type, true
	case protocol.UpdateEnabledLanguages:
		return m.Type, true
	case protocol.BroadcastTranslation:
		return m.Type, true
	case protocol.RequestDirectSynthesis:
		return m.Type, true
	case protocol.JoinSession:
		return m.Type, true
	case protocol.LeaveSession:
		return m.Type, true
	case protocol.ChangeLanguage:
		return m.Type, true
	default:
		return "", false
	}
}

func deviceCan(l session.Listener, language string) bool {
	for _, lang := range l.Capabilities.LocalLanguages {
		if lang == language {
			return true
		}
	}
	return false
}
