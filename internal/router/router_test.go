package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lingocast/lingocast/internal/audiocache"
	"github.com/lingocast/lingocast/internal/identity"
	"github.com/lingocast/lingocast/internal/observability"
	"github.com/lingocast/lingocast/internal/protocol"
	"github.com/lingocast/lingocast/internal/security"
	"github.com/lingocast/lingocast/internal/session"
	"github.com/lingocast/lingocast/internal/synth"
)

type fixture struct {
	router   *Router
	hub      *Hub
	sessions *session.Manager
	synth    *synth.MockProvider
	limits   *security.Limiter
	cache    *audiocache.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	log := zerolog.Nop()

	idStore, err := identity.NewFileStore(dir)
	if err != nil {
		t.Fatalf("identity store: %v", err)
	}
	ids := identity.NewManager(idStore, identity.MockProvider{}, identity.NewTokenStore(), log, 15*time.Minute, 12*time.Hour)

	sessStore, err := session.NewFileStore(dir)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	sessions, err := session.NewManager(context.Background(), sessStore, log, 2*time.Hour)
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}

	limits := security.NewLimiter(map[security.Class]security.Ceilings{
		security.ClassAuth:      {PerMinute: 100, PerHour: 1000},
		security.ClassGeneral:   {PerMinute: 1000, PerHour: 10000},
		security.ClassSynthesis: {PerMinute: 1000, PerHour: 10000},
	}, 10, 15*time.Minute, security.NewAuditLog(128))

	provider := synth.NewMockProvider()
	chain := synth.NewChain(provider, synth.Options{
		Timeout:             time.Second,
		Retries:             0,
		RetryDelay:          time.Millisecond,
		BreakerInterval:     time.Minute,
		BreakerMinSamples:   1000,
		BreakerFailureRatio: 0.99,
		DeviceFallback:      true,
	}, observability.NewSynthWindow(64), nil, log)

	cache := audiocache.New(1<<20, 64, time.Hour)
	signer := security.NewSessionIDSigner("router-test-key", 24*time.Hour)
	hub := NewHub(64, 1000, 2000, nil, log)

	r := New(hub, sessions, ids, limits, signer, chain, cache, nil, log)
	return &fixture{router: r, hub: hub, sessions: sessions, synth: provider, limits: limits, cache: cache}
}

func (f *fixture) dispatch(t *testing.T, conn *Conn, msg any) {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal %T: %v", msg, err)
	}
	f.router.Dispatch(context.Background(), conn, raw)
}

func drain(conn *Conn) []any {
	var out []any
	for {
		select {
		case msg := <-conn.Outbound():
			out = append(out, msg)
		default:
			return out
		}
	}
}

func (f *fixture) operator(t *testing.T, name string) *Conn {
	t.Helper()
	conn := f.hub.Register("10.0.0.1:1000")
	f.dispatch(t, conn, protocol.Authenticate{Type: protocol.TypeAuthenticate, Method: "secret", Username: name, Secret: "pw"})
	msgs := drain(conn)
	if len(msgs) != 1 {
		t.Fatalf("authenticate produced %d messages, want 1", len(msgs))
	}
	if _, ok := msgs[0].(protocol.AuthOK); !ok {
		t.Fatalf("authenticate reply %T, want AuthOK", msgs[0])
	}
	return conn
}

func (f *fixture) startSession(t *testing.T, conn *Conn, id string, langs ...string) protocol.SessionStarted {
	t.Helper()
	f.dispatch(t, conn, protocol.StartSession{
		Type:      protocol.TypeStartSession,
		SessionID: id,
		Config:    protocol.SessionConfig{EnabledLanguages: langs, SpeechMode: protocol.SpeechModeCloud},
	})
	msgs := drain(conn)
	if len(msgs) != 1 {
		t.Fatalf("start_session produced %d messages, want 1: %+v", len(msgs), msgs)
	}
	started, ok := msgs[0].(protocol.SessionStarted)
	if !ok {
		t.Fatalf("start_session reply %T, want SessionStarted", msgs[0])
	}
	return started
}

func (f *fixture) join(t *testing.T, conn *Conn, sessionID, language string) {
	t.Helper()
	f.dispatch(t, conn, protocol.JoinSession{
		Type:         protocol.TypeJoinSession,
		SessionID:    sessionID,
		Language:     language,
		Capabilities: protocol.SynthesisCapabilities{AcceptsCloudAudio: true},
	})
	msgs := drain(conn)
	if len(msgs) != 1 {
		t.Fatalf("join produced %d messages, want 1: %+v", len(msgs), msgs)
	}
	if _, ok := msgs[0].(protocol.Joined); !ok {
		t.Fatalf("join reply %T, want Joined", msgs[0])
	}
}

func TestBroadcastReachesOnlyMatchingLanguage(t *testing.T) {
	f := newFixture(t)

	op := f.operator(t, "alice")
	f.startSession(t, op, "s1", "en", "fr")

	l1 := f.hub.Register("10.0.0.2:2000")
	f.join(t, l1, "s1", "fr")

	f.dispatch(t, op, protocol.BroadcastTranslation{
		Type:         protocol.TypeBroadcastTranslation,
		SessionID:    "s1",
		Translations: map[string]string{"en": "Hello", "fr": "Bonjour"},
	})

	msgs := drain(l1)
	if len(msgs) != 1 {
		t.Fatalf("listener got %d messages, want exactly 1: %+v", len(msgs), msgs)
	}
	tr, ok := msgs[0].(protocol.Translation)
	if !ok {
		t.Fatalf("listener got %T, want Translation", msgs[0])
	}
	if tr.Text != "Bonjour" || tr.Language != "fr" {
		t.Fatalf("listener got %+v, want fr/Bonjour", tr)
	}
	if tr.Tier != synth.TierCloud || tr.AudioID == "" {
		t.Fatalf("cloud audio missing: %+v", tr)
	}
	// English had no listeners, so no synthesis happened for it.
	if f.synth.Calls() != 1 {
		t.Fatalf("provider called %d times, want 1", f.synth.Calls())
	}
}

func TestBroadcastSynthesizesOncePerLanguage(t *testing.T) {
	f := newFixture(t)

	op := f.operator(t, "alice")
	f.startSession(t, op, "s1", "fr")

	l1 := f.hub.Register("10.0.0.2:2000")
	l2 := f.hub.Register("10.0.0.3:3000")
	f.join(t, l1, "s1", "fr")
	f.join(t, l2, "s1", "fr")

	f.dispatch(t, op, protocol.BroadcastTranslation{
		Type:         protocol.TypeBroadcastTranslation,
		SessionID:    "s1",
		Translations: map[string]string{"fr": "Bonjour"},
	})
	if f.synth.Calls() != 1 {
		t.Fatalf("provider called %d times for 2 listeners, want 1", f.synth.Calls())
	}
	if len(drain(l1)) != 1 || len(drain(l2)) != 1 {
		t.Fatalf("both listeners should receive the translation")
	}

	// A repeated broadcast of the same phrase is served from cache.
	f.dispatch(t, op, protocol.BroadcastTranslation{
		Type:         protocol.TypeBroadcastTranslation,
		SessionID:    "s1",
		Translations: map[string]string{"fr": "Bonjour"},
	})
	if f.synth.Calls() != 1 {
		t.Fatalf("cache miss on identical phrase: %d calls", f.synth.Calls())
	}
}

func TestNonOwnerMutationRejected(t *testing.T) {
	f := newFixture(t)

	op := f.operator(t, "alice")
	f.startSession(t, op, "s1", "en")

	other := f.operator(t, "mallory")
	f.dispatch(t, other, protocol.UpdateSessionConfig{
		Type:      protocol.TypeUpdateSessionConfig,
		SessionID: "s1",
		Config:    protocol.SessionConfig{EnabledLanguages: []string{"de"}, SpeechMode: protocol.SpeechModeText},
	})

	msgs := drain(other)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1: %+v", len(msgs), msgs)
	}
	if _, ok := msgs[0].(protocol.NotOwnerError); !ok {
		t.Fatalf("got %T, want NotOwnerError", msgs[0])
	}

	got, err := f.sessions.Get("s1")
	if err != nil || got.Config.EnabledLanguages[0] != "en" {
		t.Fatalf("rejected update changed state: %+v err=%v", got, err)
	}
}

func TestMissingSessionIsNotReportedAsNotOwner(t *testing.T) {
	f := newFixture(t)
	op := f.operator(t, "alice")

	f.dispatch(t, op, protocol.BroadcastTranslation{
		Type:         protocol.TypeBroadcastTranslation,
		SessionID:    "ghost",
		Translations: map[string]string{"en": "Hello"},
	})
	msgs := drain(op)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	ev, ok := msgs[0].(protocol.ErrorEvent)
	if !ok {
		t.Fatalf("got %T, want ErrorEvent", msgs[0])
	}
	if ev.Code != "session_not_found" {
		t.Fatalf("code %q, want session_not_found", ev.Code)
	}
}

func TestLanguageRemovalNotifiesExactlyBoundListeners(t *testing.T) {
	f := newFixture(t)

	op := f.operator(t, "alice")
	f.startSession(t, op, "s1", "en", "fr")

	frConn := f.hub.Register("10.0.0.2:2000")
	enConn := f.hub.Register("10.0.0.3:3000")
	f.join(t, frConn, "s1", "fr")
	f.join(t, enConn, "s1", "en")

	f.dispatch(t, op, protocol.UpdateEnabledLanguages{
		Type:      protocol.TypeUpdateEnabledLanguages,
		SessionID: "s1",
		Languages: []string{"en"},
	})

	frMsgs := drain(frConn)
	var notices int
	for _, m := range frMsgs {
		if n, ok := m.(protocol.LanguageRemovedNotice); ok {
			notices++
			if n.Language != "fr" || len(n.RemainingLanguages) != 1 {
				t.Fatalf("bad notice: %+v", n)
			}
		}
	}
	if notices != 1 {
		t.Fatalf("fr listener got %d removal notices, want 1", notices)
	}

	for _, m := range drain(enConn) {
		if _, ok := m.(protocol.LanguageRemovedNotice); ok {
			t.Fatalf("unaffected listener received a removal notice")
		}
	}
}

func TestJoinWithDisabledLanguageRejected(t *testing.T) {
	f := newFixture(t)

	op := f.operator(t, "alice")
	f.startSession(t, op, "s1", "en")

	l1 := f.hub.Register("10.0.0.2:2000")
	f.dispatch(t, l1, protocol.JoinSession{
		Type:      protocol.TypeJoinSession,
		SessionID: "s1",
		Language:  "de",
	})
	msgs := drain(l1)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if _, ok := msgs[0].(protocol.ValidationError); !ok {
		t.Fatalf("got %T, want ValidationError", msgs[0])
	}
	byLang, _ := f.sessions.ListenersByLanguage("s1")
	if len(byLang) != 0 {
		t.Fatalf("rejected join added a listener: %+v", byLang)
	}
}

func TestJoinWithForgedSignatureRejected(t *testing.T) {
	f := newFixture(t)

	op := f.operator(t, "alice")
	started := f.startSession(t, op, "s1", "en")
	if started.Signature == "" {
		t.Fatalf("session start carried no signature")
	}

	good := f.hub.Register("10.0.0.2:2000")
	f.dispatch(t, good, protocol.JoinSession{
		Type: protocol.TypeJoinSession, SessionID: "s1", Language: "en", Signature: started.Signature,
	})
	if msgs := drain(good); len(msgs) != 1 {
		t.Fatalf("signed join: %+v", msgs)
	} else if _, ok := msgs[0].(protocol.Joined); !ok {
		t.Fatalf("signed join reply %T, want Joined", msgs[0])
	}

	bad := f.hub.Register("10.0.0.3:3000")
	f.dispatch(t, bad, protocol.JoinSession{
		Type: protocol.TypeJoinSession, SessionID: "s1", Language: "en", Signature: "1700000000.deadbeef",
	})
	msgs := drain(bad)
	if len(msgs) != 1 {
		t.Fatalf("forged join: %+v", msgs)
	}
	if _, ok := msgs[0].(protocol.AuthError); !ok {
		t.Fatalf("forged join reply %T, want AuthError", msgs[0])
	}
}

func TestBroadcastDegradationNoticeGoesToOperator(t *testing.T) {
	f := newFixture(t)

	op := f.operator(t, "alice")
	f.startSession(t, op, "s1", "fr")

	l1 := f.hub.Register("10.0.0.2:2000")
	f.dispatch(t, l1, protocol.JoinSession{
		Type:      protocol.TypeJoinSession,
		SessionID: "s1",
		Language:  "fr",
		Capabilities: protocol.SynthesisCapabilities{
			AcceptsCloudAudio: true,
			LocalLanguages:    []string{"fr"},
		},
	})
	drain(l1)

	f.synth.FailAll(context.DeadlineExceeded)
	f.dispatch(t, op, protocol.BroadcastTranslation{
		Type:         protocol.TypeBroadcastTranslation,
		SessionID:    "s1",
		Translations: map[string]string{"fr": "Bonjour"},
	})

	var degraded int
	for _, m := range drain(op) {
		if n, ok := m.(protocol.SynthesisDegradedNotice); ok {
			degraded++
			if n.FromTier != synth.TierCloud || n.ToTier != synth.TierDevice {
				t.Fatalf("bad degradation: %+v", n)
			}
		}
	}
	if degraded != 1 {
		t.Fatalf("operator got %d degradation notices, want exactly 1", degraded)
	}

	msgs := drain(l1)
	if len(msgs) != 1 {
		t.Fatalf("listener got %d messages, want 1", len(msgs))
	}
	tr := msgs[0].(protocol.Translation)
	if tr.Tier != synth.TierDevice || !tr.LocalFallback {
		t.Fatalf("listener not asked to synthesize locally: %+v", tr)
	}
}

func TestUnauthenticatedOperatorOpsRejected(t *testing.T) {
	f := newFixture(t)
	conn := f.hub.Register("10.0.0.9:9000")

	f.dispatch(t, conn, protocol.StartSession{
		Type:      protocol.TypeStartSession,
		SessionID: "s1",
		Config:    protocol.SessionConfig{EnabledLanguages: []string{"en"}, SpeechMode: protocol.SpeechModeCloud},
	})
	msgs := drain(conn)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if _, ok := msgs[0].(protocol.AuthError); !ok {
		t.Fatalf("got %T, want AuthError", msgs[0])
	}
}

func TestDisconnectCleansMembershipNotOwnership(t *testing.T) {
	f := newFixture(t)

	op := f.operator(t, "alice")
	f.startSession(t, op, "s1", "en")

	l1 := f.hub.Register("10.0.0.2:2000")
	f.join(t, l1, "s1", "en")

	f.router.HandleDisconnect(l1)
	byLang, _ := f.sessions.ListenersByLanguage("s1")
	if len(byLang) != 0 {
		t.Fatalf("membership survived disconnect: %+v", byLang)
	}

	f.router.HandleDisconnect(op)
	got, err := f.sessions.Get("s1")
	if err != nil {
		t.Fatalf("session gone after operator disconnect: %v", err)
	}
	if got.OwnerAdminID == "" {
		t.Fatalf("ownership lost on disconnect")
	}
}

func TestMalformedMessageNamesOffendingField(t *testing.T) {
	f := newFixture(t)
	conn := f.hub.Register("10.0.0.2:2000")

	f.router.Dispatch(context.Background(), conn, []byte(`{"type":"join_session","session_id":"s1"}`))
	msgs := drain(conn)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	ve, ok := msgs[0].(protocol.ValidationError)
	if !ok {
		t.Fatalf("got %T, want ValidationError", msgs[0])
	}
	if ve.Field != "language" {
		t.Fatalf("field %q, want language", ve.Field)
	}
}

func TestEndSessionNotifiesListeners(t *testing.T) {
	f := newFixture(t)

	op := f.operator(t, "alice")
	f.startSession(t, op, "s1", "en")

	l1 := f.hub.Register("10.0.0.2:2000")
	f.join(t, l1, "s1", "en")

	f.dispatch(t, op, protocol.EndSession{Type: protocol.TypeEndSession, SessionID: "s1"})

	var opEnded bool
	for _, m := range drain(op) {
		if _, ok := m.(protocol.SessionEnded); ok {
			opEnded = true
		}
	}
	if !opEnded {
		t.Fatalf("operator missing session_ended ack")
	}

	msgs := drain(l1)
	if len(msgs) != 1 {
		t.Fatalf("listener got %d messages, want 1", len(msgs))
	}
	ended, ok := msgs[0].(protocol.SessionEnded)
	if !ok || ended.Reason != "ended" {
		t.Fatalf("listener got %+v, want SessionEnded/ended", msgs[0])
	}
}

func TestQualityTiersDoNotShareCachedAudio(t *testing.T) {
	f := newFixture(t)
	op := f.operator(t, "alice")

	for _, tc := range []struct{ id, quality string }{
		{"svc-std", protocol.QualityStandard},
		{"svc-prem", protocol.QualityPremium},
	} {
		f.dispatch(t, op, protocol.StartSession{
			Type:      protocol.TypeStartSession,
			SessionID: tc.id,
			Config: protocol.SessionConfig{
				EnabledLanguages: []string{"fr"},
				SpeechMode:       protocol.SpeechModeCloud,
				AudioQuality:     tc.quality,
			},
		})
		if msgs := drain(op); len(msgs) != 1 {
			t.Fatalf("start %s produced %d messages: %+v", tc.id, len(msgs), msgs)
		}
	}

	std := f.hub.Register("10.0.0.2:2000")
	f.join(t, std, "svc-std", "fr")
	prem := f.hub.Register("10.0.0.3:3000")
	f.join(t, prem, "svc-prem", "fr")

	for _, id := range []string{"svc-std", "svc-prem"} {
		f.dispatch(t, op, protocol.BroadcastTranslation{
			Type:         protocol.TypeBroadcastTranslation,
			SessionID:    id,
			Translations: map[string]string{"fr": "Bonjour"},
		})
	}

	// Same phrase, different quality tiers: the premium broadcast must
	// reach the provider instead of riding the standard-tier entry.
	if f.synth.Calls() != 2 {
		t.Fatalf("provider called %d times, want one per quality tier", f.synth.Calls())
	}
	if got := f.synth.LastRequest().Quality; got != protocol.QualityPremium {
		t.Fatalf("last synthesis quality %q, want premium", got)
	}

	stdMsgs, premMsgs := drain(std), drain(prem)
	if len(stdMsgs) != 1 || len(premMsgs) != 1 {
		t.Fatalf("listener deliveries std=%d prem=%d, want 1 each", len(stdMsgs), len(premMsgs))
	}
	stdTr, ok := stdMsgs[0].(protocol.Translation)
	if !ok {
		t.Fatalf("standard listener got %T, want Translation", stdMsgs[0])
	}
	premTr, ok := premMsgs[0].(protocol.Translation)
	if !ok {
		t.Fatalf("premium listener got %T, want Translation", premMsgs[0])
	}
	if stdTr.AudioID == premTr.AudioID {
		t.Fatalf("quality tiers share audio id %q", stdTr.AudioID)
	}

	entry, ok := f.cache.Get(premTr.AudioID)
	if !ok {
		t.Fatalf("premium audio %q not cached", premTr.AudioID)
	}
	if want := int64(len("Bonjour")) * 60; entry.DurationMs != want {
		t.Fatalf("cached duration %d, want %d", entry.DurationMs, want)
	}
}
