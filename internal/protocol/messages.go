// Package protocol defines every message crossing the websocket boundary.
// Inbound payloads are schema-validated here, before dispatch; a malformed
// message yields a Validation fault naming the offending field.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lingocast/lingocast/internal/fault"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Inbound message types.
const (
	TypeAuthenticate           MessageType = "authenticate"
	TypeRefresh                MessageType = "refresh"
	TypeStartSession           MessageType = "start_session"
	TypeEndSession             MessageType = "end_session"
	TypeListSessions           MessageType = "list_sessions"
	TypeUpdateSessionConfig    MessageType = "update_session_config"
	TypeUpdateSpeechMode       MessageType = "update_speech_mode"
	TypeUpdateEnabledLanguages MessageType = "update_enabled_languages"
	TypeBroadcastTranslation   MessageType = "broadcast_translation"
	TypeRequestDirectSynthesis MessageType = "request_direct_synthesis"
	TypeJoinSession            MessageType = "join_session"
	TypeLeaveSession           MessageType = "leave_session"
	TypeChangeLanguage         MessageType = "change_language"
)

// Outbound message types.
const (
	TypeAuthOK                 MessageType = "auth_ok"
	TypeAuthError              MessageType = "auth_error"
	TypeSessionStarted         MessageType = "session_started"
	TypeSessionEnded           MessageType = "session_ended"
	TypeSessionMetadataChanged MessageType = "session_metadata_changed"
	TypeSessionList            MessageType = "session_list"
	TypeLanguageRemovedNotice  MessageType = "language_removed_notice"
	TypeTranslation            MessageType = "translation"
	TypeSynthesisDegraded      MessageType = "synthesis_degraded_notice"
	TypeDirectSynthesisResult  MessageType = "direct_synthesis_result"
	TypeRateLimited            MessageType = "rate_limited"
	TypeNotOwnerError          MessageType = "not_owner_error"
	TypeValidationError        MessageType = "validation_error"
	TypeJoined                 MessageType = "joined"
	TypeLeft                   MessageType = "left"
	TypeLanguageChanged        MessageType = "language_changed"
	TypeErrorEvent             MessageType = "error_event"
)

// Speech modes a session may run in.
const (
	SpeechModeCloud  = "cloud"
	SpeechModeDevice = "device"
	SpeechModeText   = "text"
)

// Cloud synthesis quality tiers.
const (
	QualityStandard = "standard"
	QualityPremium  = "premium"
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// SessionConfig is the operator-controlled session configuration.
type SessionConfig struct {
	EnabledLanguages []string `json:"enabled_languages"`
	SpeechMode       string   `json:"speech_mode"`
	AudioQuality     string   `json:"audio_quality"`
}

func (c SessionConfig) Validate() error {
	if len(c.EnabledLanguages) == 0 {
		return fault.Invalid("enabled_languages", "at least one language required")
	}
	for _, lang := range c.EnabledLanguages {
		if strings.TrimSpace(lang) == "" {
			return fault.Invalid("enabled_languages", "empty language tag")
		}
	}
	switch c.SpeechMode {
	case SpeechModeCloud, SpeechModeDevice, SpeechModeText:
	default:
		return fault.Invalid("speech_mode", fmt.Sprintf("unknown mode %q", c.SpeechMode))
	}
	switch c.AudioQuality {
	case "", QualityStandard, QualityPremium:
	default:
		return fault.Invalid("audio_quality", fmt.Sprintf("unknown quality %q", c.AudioQuality))
	}
	return nil
}

// QualityTier returns the effective quality tier, defaulting to standard.
// Synthesis requests and cache keys both use this value, so an entry is
// only ever served to a session configured for the same tier.
func (c SessionConfig) QualityTier() string {
	if c.AudioQuality == "" {
		return QualityStandard
	}
	return c.AudioQuality
}

// SynthesisCapabilities describes what a listener device can play or
// synthesize on its own.
type SynthesisCapabilities struct {
	AcceptsCloudAudio bool     `json:"accepts_cloud_audio"`
	LocalLanguages    []string `json:"local_languages,omitempty"`
	Encodings         []string `json:"encodings,omitempty"`
}

type Authenticate struct {
	Type     MessageType `json:"type"`
	Method   string      `json:"method"` // secret | token
	Username string      `json:"username,omitempty"`
	Secret   string      `json:"secret,omitempty"`
	Token    string      `json:"token,omitempty"`
}

type Refresh struct {
	Type         MessageType `json:"type"`
	Username     string      `json:"username"`
	RefreshToken string      `json:"refresh_token"`
}

type StartSession struct {
	Type      MessageType   `json:"type"`
	SessionID string        `json:"session_id"`
	Config    SessionConfig `json:"config"`
}

type EndSession struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type ListSessions struct {
	Type MessageType `json:"type"`
}

type UpdateSessionConfig struct {
	Type      MessageType   `json:"type"`
	SessionID string        `json:"session_id"`
	Config    SessionConfig `json:"config"`
}

type UpdateSpeechMode struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	SpeechMode string      `json:"speech_mode"`
}

type UpdateEnabledLanguages struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Languages []string    `json:"languages"`
}

type BroadcastTranslation struct {
	Type         MessageType       `json:"type"`
	SessionID    string            `json:"session_id"`
	Translations map[string]string `json:"translations"` // language tag -> text
	SourceText   string            `json:"source_text,omitempty"`
}

type RequestDirectSynthesis struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	Language  string      `json:"language"`
}

type JoinSession struct {
	Type         MessageType           `json:"type"`
	SessionID    string                `json:"session_id"`
	Language     string                `json:"language"`
	Capabilities SynthesisCapabilities `json:"capabilities"`
	// Signature, when present, is checked against the session's signed
	// identity tuple before the join is admitted.
	Signature string `json:"signature,omitempty"`
}

type LeaveSession struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type ChangeLanguage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Language  string      `json:"language"`
}

// Outbound payloads.

type AuthOK struct {
	Type            MessageType `json:"type"`
	AdminID         string      `json:"admin_id"`
	DisplayName     string      `json:"display_name"`
	Token           string      `json:"token"`
	RefreshToken    string      `json:"refresh_token,omitempty"`
	ExpiresAtMs     int64       `json:"expires_at_ms"`
	OwnedSessionIDs []string    `json:"owned_session_ids"`
}

type AuthError struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail,omitempty"`
}

type SessionStarted struct {
	Type      MessageType   `json:"type"`
	SessionID string        `json:"session_id"`
	Config    SessionConfig `json:"config"`
	// Signature is the keyed, time-bound token for this session id.
	// Shared with listeners out of band, it lets them prove the id came
	// from the owner rather than being guessed.
	Signature string `json:"signature,omitempty"`
}

type SessionEnded struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason"` // ended | reaped
}

type SessionMetadataChanged struct {
	Type      MessageType   `json:"type"`
	SessionID string        `json:"session_id"`
	Config    SessionConfig `json:"config"`
}

type SessionSummary struct {
	SessionID     string   `json:"session_id"`
	OwnerAdminID  string   `json:"owner_admin_id"`
	Languages     []string `json:"languages"`
	ListenerCount int      `json:"listener_count"`
	CreatedAtMs   int64    `json:"created_at_ms"`
}

type SessionList struct {
	Type     MessageType      `json:"type"`
	Sessions []SessionSummary `json:"sessions"`
}

type LanguageRemovedNotice struct {
	Type               MessageType `json:"type"`
	SessionID          string      `json:"session_id"`
	Language           string      `json:"language"`
	RemainingLanguages []string    `json:"remaining_languages"`
}

// Translation is the per-listener broadcast payload. AudioID, when set, is
// the opaque locator for GET /v1/audio/{id}; LocalFallback asks the device
// to synthesize the text itself.
type Translation struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	Language      string      `json:"language"`
	Text          string      `json:"text"`
	AudioID       string      `json:"audio_id,omitempty"`
	AudioEncoding string      `json:"audio_encoding,omitempty"`
	LocalFallback bool        `json:"local_fallback,omitempty"`
	Tier          string      `json:"tier"`
}

type SynthesisDegradedNotice struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Language  string      `json:"language"`
	FromTier  string      `json:"from_tier"`
	ToTier    string      `json:"to_tier"`
	Reason    string      `json:"reason"`
}

type DirectSynthesisResult struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	Language      string      `json:"language"`
	AudioID       string      `json:"audio_id,omitempty"`
	AudioEncoding string      `json:"audio_encoding,omitempty"`
	Tier          string      `json:"tier"`
	LocalFallback bool        `json:"local_fallback,omitempty"`
}

type RateLimited struct {
	Type         MessageType `json:"type"`
	Class        string      `json:"class"`
	RetryAfterMs int64       `json:"retry_after_ms"`
}

type NotOwnerError struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type ValidationError struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code,omitempty"`
	Field  string      `json:"field"`
	Detail string      `json:"detail,omitempty"`
}

type Joined struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Language  string      `json:"language"`
}

type Left struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type LanguageChanged struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Language  string      `json:"language"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail,omitempty"`
}

// ParseClientMessage decodes and validates one inbound frame. All returned
// errors are Validation faults carrying the offending field.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fault.Invalid("type", "invalid message envelope")
	}

	switch env.Type {
	case TypeAuthenticate:
		var msg Authenticate
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Method {
		case "secret":
			if msg.Username == "" {
				return nil, fault.Invalid("username", "required for secret authentication")
			}
			if msg.Secret == "" {
				return nil, fault.Invalid("secret", "required for secret authentication")
			}
		case "token":
			if msg.Token == "" {
				return nil, fault.Invalid("token", "required for token authentication")
			}
		default:
			return nil, fault.Invalid("method", fmt.Sprintf("unknown method %q", msg.Method))
		}
		return msg, nil

	case TypeRefresh:
		var msg Refresh
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Username == "" {
			return nil, fault.Invalid("username", "required")
		}
		if msg.RefreshToken == "" {
			return nil, fault.Invalid("refresh_token", "required")
		}
		return msg, nil

	case TypeStartSession:
		var msg StartSession
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if err := validSessionID(msg.SessionID); err != nil {
			return nil, err
		}
		if err := msg.Config.Validate(); err != nil {
			return nil, err
		}
		return msg, nil

	case TypeEndSession:
		var msg EndSession
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if err := validSessionID(msg.SessionID); err != nil {
			return nil, err
		}
		return msg, nil

	case TypeListSessions:
		var msg ListSessions
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil

	case TypeUpdateSessionConfig:
		var msg UpdateSessionConfig
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if err := validSessionID(msg.SessionID); err != nil {
			return nil, err
		}
		if err := msg.Config.Validate(); err != nil {
			return nil, err
		}
		return msg, nil

	case TypeUpdateSpeechMode:
		var msg UpdateSpeechMode
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if err := validSessionID(msg.SessionID); err != nil {
			return nil, err
		}
		switch msg.SpeechMode {
		case SpeechModeCloud, SpeechModeDevice, SpeechModeText:
		default:
			return nil, fault.Invalid("speech_mode", fmt.Sprintf("unknown mode %q", msg.SpeechMode))
		}
		return msg, nil

	case TypeUpdateEnabledLanguages:
		var msg UpdateEnabledLanguages
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if err := validSessionID(msg.SessionID); err != nil {
			return nil, err
		}
		if len(msg.Languages) == 0 {
			return nil, fault.Invalid("languages", "at least one language required")
		}
		return msg, nil

	case TypeBroadcastTranslation:
		var msg BroadcastTranslation
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if err := validSessionID(msg.SessionID); err != nil {
			return nil, err
		}
		if len(msg.Translations) == 0 {
			return nil, fault.Invalid("translations", "at least one language required")
		}
		for lang, text := range msg.Translations {
			if strings.TrimSpace(lang) == "" {
				return nil, fault.Invalid("translations", "empty language tag")
			}
			if strings.TrimSpace(text) == "" {
				return nil, fault.Invalid("translations", "empty text for language "+lang)
			}
		}
		return msg, nil

	case TypeRequestDirectSynthesis:
		var msg RequestDirectSynthesis
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if err := validSessionID(msg.SessionID); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, fault.Invalid("text", "required")
		}
		if strings.TrimSpace(msg.Language) == "" {
			return nil, fault.Invalid("language", "required")
		}
		return msg, nil

	case TypeJoinSession:
		var msg JoinSession
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if err := validSessionID(msg.SessionID); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Language) == "" {
			return nil, fault.Invalid("language", "required")
		}
		return msg, nil

	case TypeLeaveSession:
		var msg LeaveSession
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if err := validSessionID(msg.SessionID); err != nil {
			return nil, err
		}
		return msg, nil

	case TypeChangeLanguage:
		var msg ChangeLanguage
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if err := validSessionID(msg.SessionID); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Language) == "" {
			return nil, fault.Invalid("language", "required")
		}
		return msg, nil

	default:
		return nil, fault.Invalid("type", fmt.Sprintf("unsupported message type %q", env.Type))
	}
}

func decode(raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fault.Invalid("payload", err.Error())
	}
	return nil
}

func validSessionID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fault.Invalid("session_id", "required")
	}
	if len(id) > 128 {
		return fault.Invalid("session_id", "too long")
	}
	return nil
}
