package identity

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lingocast/lingocast/internal/fault"
)

// Verified is what the external identity provider vouches for.
type Verified struct {
	Username string
}

// Provider is the external identity provider contract. It is consumed,
// never reimplemented: password checks and token signatures are its
// business, identity resolution is ours.
type Provider interface {
	VerifySecret(ctx context.Context, username, secret string) (Verified, error)
	VerifyToken(ctx context.Context, token string) (Verified, error)
}

// JWTProvider verifies HMAC-signed bearer tokens minted by the upstream
// provider. Expired tokens are rejected before anything else is consulted.
type JWTProvider struct {
	secret []byte
	// staticSecret, when set, also enables password authentication for
	// deployments where the provider exposes a shared operator secret.
	staticSecret string
}

func NewJWTProvider(tokenSecret, staticSecret string) *JWTProvider {
	return &JWTProvider{secret: []byte(tokenSecret), staticSecret: staticSecret}
}

func (p *JWTProvider) VerifySecret(_ context.Context, username, secret string) (Verified, error) {
	if p.staticSecret == "" {
		return Verified{}, fault.Auth("secret_auth_unavailable", nil)
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(p.staticSecret)) != 1 {
		return Verified{}, fault.Auth("bad_secret", nil)
	}
	return Verified{Username: username}, nil
}

func (p *JWTProvider) VerifyToken(_ context.Context, token string) (Verified, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return p.secret, nil
	}, jwt.WithExpirationRequired(), jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Verified{}, fault.Auth("token_expired", err)
		}
		return Verified{}, fault.Auth("token_invalid", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Verified{}, fault.Auth("token_invalid", nil)
	}
	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return Verified{}, fault.Auth("token_missing_subject", nil)
	}
	return Verified{Username: sub}, nil
}

// StaticProvider authenticates every username against one shared secret.
// Development and test deployments only.
type StaticProvider struct {
	secret string
}

func NewStaticProvider(secret string) *StaticProvider {
	return &StaticProvider{secret: secret}
}

func (p *StaticProvider) VerifySecret(_ context.Context, username, secret string) (Verified, error) {
	if subtle.ConstantTimeCompare([]byte(secret), []byte(p.secret)) != 1 {
		return Verified{}, fault.Auth("bad_secret", nil)
	}
	return Verified{Username: username}, nil
}

func (p *StaticProvider) VerifyToken(_ context.Context, _ string) (Verified, error) {
	return Verified{}, fault.Auth("token_auth_unavailable", nil)
}

// MockProvider accepts everything. Tests only.
type MockProvider struct{}

func (MockProvider) VerifySecret(_ context.Context, username, _ string) (Verified, error) {
	return Verified{Username: username}, nil
}

func (MockProvider) VerifyToken(_ context.Context, token string) (Verified, error) {
	return Verified{Username: token}, nil
}
