package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("SESSION_ID_SIGNING_KEY", "k1")
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.SynthProvider != "mock" {
		t.Fatalf("SynthProvider = %q, want mock default", cfg.SynthProvider)
	}
	if cfg.LockoutThreshold != 10 {
		t.Fatalf("LockoutThreshold = %d, want 10", cfg.LockoutThreshold)
	}
	if cfg.LockoutDuration != 15*time.Minute {
		t.Fatalf("LockoutDuration = %v, want 15m", cfg.LockoutDuration)
	}
	if cfg.IdentityRetention != 90*24*time.Hour {
		t.Fatalf("IdentityRetention = %v, want 90 days", cfg.IdentityRetention)
	}
}

func TestLoadRequiresSigningKey(t *testing.T) {
	setCoreEnvEmpty(t)

	if _, err := Load(); err == nil {
		t.Fatalf("Load() should fail without SESSION_ID_SIGNING_KEY")
	}
}

func TestLoadCloudSynthRequiresAPIKey(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("SESSION_ID_SIGNING_KEY", "k1")
	t.Setenv("SYNTH_PROVIDER", "cloud")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() should fail for SYNTH_PROVIDER=cloud without SYNTH_API_KEY")
	}

	t.Setenv("SYNTH_API_KEY", "sk-test")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SynthProvider != "cloud" {
		t.Fatalf("SynthProvider = %q, want cloud", cfg.SynthProvider)
	}
}

func TestLoadJWTProviderRequiresSecret(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("SESSION_ID_SIGNING_KEY", "k1")
	t.Setenv("AUTH_PROVIDER", "jwt")
	t.Setenv("AUTH_TOKEN_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() should fail for AUTH_PROVIDER=jwt without AUTH_TOKEN_SECRET")
	}
}

func TestLoadRejectsBadRatio(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("SESSION_ID_SIGNING_KEY", "k1")
	t.Setenv("SYNTH_BREAKER_FAILURE_RATIO", "1.5")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject failure ratio > 1")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_MAX_INACTIVITY",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_LOG_LEVEL",
		"APP_LOG_CONSOLE",
		"APP_DATA_DIR",
		"DATABASE_URL",
		"AUTH_PROVIDER",
		"AUTH_TOKEN_SECRET",
		"AUTH_STATIC_SECRET",
		"AUTH_TOKEN_TTL",
		"AUTH_REFRESH_TTL",
		"IDENTITY_RETENTION",
		"SESSION_ID_SIGNING_KEY",
		"SESSION_ID_TTL",
		"SECURITY_LOCKOUT_THRESHOLD",
		"SECURITY_LOCKOUT_DURATION",
		"SYNTH_PROVIDER",
		"SYNTH_BASE_URL",
		"SYNTH_API_KEY",
		"SYNTH_BREAKER_FAILURE_RATIO",
		"SYNTH_DEVICE_FALLBACK",
		"AUDIO_CACHE_DIR",
		"AUDIO_CACHE_MAX_BYTES",
		"AUDIO_CACHE_MAX_ENTRIES",
		"AUDIO_CACHE_MAX_AGE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
	// AUTH_PROVIDER default is jwt, which requires a secret.
	t.Setenv("AUTH_TOKEN_SECRET", "test-secret")
}
