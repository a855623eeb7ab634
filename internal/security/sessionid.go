package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lingocast/lingocast/internal/fault"
)

// SessionIDSigner issues and checks keyed signatures binding a session id
// to its creation time, requesting identity and remote address, so a
// forged or replayed id from another origin is rejected.
type SessionIDSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewSessionIDSigner(key string, ttl time.Duration) *SessionIDSigner {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionIDSigner{
		key: []byte(key),
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock injects a clock for tests.
func (s *SessionIDSigner) SetClock(now func() time.Time) { s.now = now }

// Sign returns the signature token for the tuple. The token embeds the
// creation timestamp so validation is self-contained.
func (s *SessionIDSigner) Sign(sessionID, requester, remoteAddr string, createdAt time.Time) string {
	ts := strconv.FormatInt(createdAt.Unix(), 10)
	return ts + "." + s.mac(sessionID, requester, remoteAddr, ts)
}

// Validate recomputes the signature and checks expiry. Expired and forged
// tokens both fail with an Authentication fault.
func (s *SessionIDSigner) Validate(sessionID, requester, remoteAddr, token string) error {
	ts, sig, ok := strings.Cut(token, ".")
	if !ok {
		return fault.Auth("malformed_session_signature", nil)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fault.Auth("malformed_session_signature", err)
	}
	createdAt := time.Unix(unix, 0).UTC()
	if s.now().Sub(createdAt) > s.ttl {
		return fault.Auth("expired_session_signature", fmt.Errorf("signed at %s", createdAt))
	}
	expected := s.mac(sessionID, requester, remoteAddr, ts)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fault.Auth("forged_session_signature", nil)
	}
	return nil
}

func (s *SessionIDSigner) mac(sessionID, requester, remoteAddr, ts string) string {
	h := hmac.New(sha256.New, s.key)
	for _, part := range []string{sessionID, ts, requester, remoteAddr} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
