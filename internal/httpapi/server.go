// Package httpapi is the transport edge: the websocket endpoint every
// operator and listener speaks through, plus the blob, probe and metrics
// endpoints.
package httpapi

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lingocast/lingocast/internal/audiocache"
	"github.com/lingocast/lingocast/internal/config"
	"github.com/lingocast/lingocast/internal/observability"
	"github.com/lingocast/lingocast/internal/protocol"
	"github.com/lingocast/lingocast/internal/router"
	"github.com/lingocast/lingocast/internal/session"
	"github.com/lingocast/lingocast/internal/synth"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 120 * time.Second
	maxFrameSize = 1 << 20
)

type Server struct {
	cfg       config.Config
	dispatch  *router.Router
	sessions  *session.Manager
	cache     *audiocache.Cache
	window    *observability.SynthWindow
	metrics   *observability.Metrics
	log       zerolog.Logger
	startedAt time.Time
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, dispatch *router.Router, sessions *session.Manager, cache *audiocache.Cache,
	window *observability.SynthWindow, metrics *observability.Metrics, log zerolog.Logger) *Server {

	return &Server{
		cfg:       cfg,
		dispatch:  dispatch,
		sessions:  sessions,
		cache:     cache,
		window:    window,
		metrics:   metrics,
		log:       log,
		startedAt: time.Now().UTC(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browser connections must come from the same origin
				// unless explicitly opened up; non-browser clients omit
				// Origin and are allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/audio/{id}", s.handleAudioBlob)
	r.Get("/v1/synthesis/languages/{lang}", s.handleLanguageProbe)

	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer wsConn.Close()

	conn := s.dispatch.Hub().Register(remoteHost(r))
	defer s.dispatch.HandleDisconnect(conn)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-conn.Closed():
				return
			case msg := <-conn.Outbound():
				_ = wsConn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := wsConn.WriteJSON(msg); err != nil {
					conn.Close()
					return
				}
				if s.metrics != nil {
					if t, ok := outboundType(msg); ok {
						s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
					}
				}
			}
		}
	}()

	wsConn.SetReadLimit(maxFrameSize)
	_ = wsConn.SetReadDeadline(time.Now().Add(readTimeout))
	wsConn.SetPongHandler(func(string) error {
		_ = wsConn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		msgType, data, err := wsConn.ReadMessage()
		if err != nil {
			break
		}
		_ = wsConn.SetReadDeadline(time.Now().Add(readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		s.dispatch.Dispatch(r.Context(), conn, data)
	}

	conn.Close()
	<-writerDone
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
		"connections":     s.dispatch.Hub().Count(),
		"active_sessions": s.sessions.ActiveCount(),
		"listeners":       s.sessions.ListenerCount(),
		"cache":           s.cache.Stats(),
		"synthesis":       s.window.Snapshot(),
	})
}

// handleAudioBlob serves one cached synthesis payload by its content
// address. Entries are immutable, so the key doubles as a strong ETag and
// ServeContent gets byte-range support for free.
func (s *Server) handleAudioBlob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, ok := s.cache.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "audio_not_found", "no cached audio for id")
		return
	}

	w.Header().Set("Content-Type", entry.Encoding)
	w.Header().Set("ETag", `"`+entry.Key+`"`)
	w.Header().Set("Cache-Control", "public, max-age=3600, immutable")
	http.ServeContent(w, r, "", entry.CreatedAt, bytes.NewReader(entry.Payload))
}

// handleLanguageProbe reports which synthesis tiers a language can expect
// right now, based on the rolling cloud-tier outcome window.
func (s *Server) handleLanguageProbe(w http.ResponseWriter, r *http.Request) {
	lang := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "lang")))
	if lang == "" {
		respondError(w, http.StatusBadRequest, "invalid_language", "language tag required")
		return
	}

	cloudHealthy := true
	for _, tier := range s.window.Snapshot().Tiers {
		if tier.Tier == synth.TierCloud && tier.Samples > 0 {
			cloudHealthy = tier.SuccessRate >= 0.5
		}
	}

	tiers := []string{synth.TierText}
	if s.cfg.DeviceFallback {
		tiers = append([]string{synth.TierDevice}, tiers...)
	}
	if cloudHealthy {
		tiers = append([]string{synth.TierCloud}, tiers...)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"language":        lang,
		"cloud_available": cloudHealthy,
		"tiers":           tiers,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func outboundType(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.AuthOK:
		return m.Type, true
	case protocol.AuthError:
		return m.Type, true
	case protocol.SessionStarted:
		return m.Type, true
	case protocol.SessionEnded:
		return m.Type, true
	case protocol.SessionMetadataChanged:
		return m.Type, true
	case protocol.SessionList:
		return m.Type, true
	case protocol.LanguageRemovedNotice:
		return m.Type, true
	case protocol.Translation:
		return m.Type, true
	case protocol.SynthesisDegradedNotice:
		return m.Type, true
	case protocol.DirectSynthesisResult:
		return m.Type, true
	case protocol.RateLimited:
		return m.Type, true
	case protocol.NotOwnerError:
		return m.Type, true
	case protocol.ValidationError:
		return m.Type, true
	case protocol.Joined:
		return m.Type, true
	case protocol.Left:
		return m.Type, true
	case protocol.LanguageChanged:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
