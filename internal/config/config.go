package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the broadcast server.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogLevel         string
	LogConsole       bool

	DataDir     string
	DatabaseURL string

	SessionMaxInactivity time.Duration
	SessionReapSpec      string
	JanitorSpec          string

	AuthProvider      string // jwt | static | mock
	AuthTokenSecret   string
	AuthStaticSecret  string
	TokenTTL          time.Duration
	RefreshTTL        time.Duration
	IdentityRetention time.Duration

	SessionIDSigningKey string
	SessionIDTTL        time.Duration

	AuthPerMinute      int
	AuthPerHour        int
	GeneralPerMinute   int
	GeneralPerHour     int
	SynthesisPerMinute int
	SynthesisPerHour   int
	LockoutThreshold   int
	LockoutDuration    time.Duration
	AuditLogCapacity   int

	SynthProvider       string // cloud | mock
	SynthBaseURL        string
	SynthAPIKey         string
	SynthTimeout        time.Duration
	SynthRetries        int
	SynthRetryDelay     time.Duration
	BreakerInterval     time.Duration
	BreakerMinSamples   int
	BreakerFailureRatio float64
	DeviceFallback      bool

	CacheDir        string
	CacheMaxBytes   int64
	CacheMaxEntries int
	CacheMaxAge     time.Duration

	ConnSendBuffer int
	ConnMsgPerSec  float64
	ConnMsgBurst   int
}

// Load reads environment variables and applies safe defaults. Missing
// required provider settings fail here, before the server accepts
// connections.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "lingocast"),
		LogLevel:            envOrDefault("APP_LOG_LEVEL", "info"),
		DataDir:             envOrDefault("APP_DATA_DIR", "data"),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		SessionReapSpec:     envOrDefault("APP_SESSION_REAP_SPEC", "@hourly"),
		JanitorSpec:         envOrDefault("APP_JANITOR_SPEC", "@every 1m"),
		AuthProvider:        envOrDefault("AUTH_PROVIDER", "jwt"),
		AuthTokenSecret:     stringsTrimSpace("AUTH_TOKEN_SECRET"),
		AuthStaticSecret:    stringsTrimSpace("AUTH_STATIC_SECRET"),
		SessionIDSigningKey: stringsTrimSpace("SESSION_ID_SIGNING_KEY"),
		SynthProvider:       envOrDefault("SYNTH_PROVIDER", "mock"),
		SynthBaseURL:        envOrDefault("SYNTH_BASE_URL", "https://api.synth.example.com"),
		SynthAPIKey:         stringsTrimSpace("SYNTH_API_KEY"),
		CacheDir:            stringsTrimSpace("AUDIO_CACHE_DIR"),

		ShutdownTimeout:      15 * time.Second,
		SessionMaxInactivity: 2 * time.Hour,
		TokenTTL:             15 * time.Minute,
		RefreshTTL:           12 * time.Hour,
		IdentityRetention:    90 * 24 * time.Hour,
		SessionIDTTL:         24 * time.Hour,
		AuthPerMinute:        10,
		AuthPerHour:          100,
		GeneralPerMinute:     120,
		GeneralPerHour:       2000,
		SynthesisPerMinute:   30,
		SynthesisPerHour:     400,
		LockoutThreshold:     10,
		LockoutDuration:      15 * time.Minute,
		AuditLogCapacity:     4096,
		SynthTimeout:         5 * time.Second,
		SynthRetries:         2,
		SynthRetryDelay:      250 * time.Millisecond,
		BreakerInterval:      30 * time.Second,
		BreakerMinSamples:    10,
		BreakerFailureRatio:  0.5,
		DeviceFallback:       true,
		CacheMaxBytes:        64 << 20,
		CacheMaxEntries:      1024,
		CacheMaxAge:          time.Hour,
		ConnSendBuffer:       256,
		ConnMsgPerSec:        25,
		ConnMsgBurst:         50,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionMaxInactivity, err = durationFromEnv("APP_SESSION_MAX_INACTIVITY", cfg.SessionMaxInactivity); err != nil {
		return Config{}, err
	}
	if cfg.TokenTTL, err = durationFromEnv("AUTH_TOKEN_TTL", cfg.TokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTTL, err = durationFromEnv("AUTH_REFRESH_TTL", cfg.RefreshTTL); err != nil {
		return Config{}, err
	}
	if cfg.IdentityRetention, err = durationFromEnv("IDENTITY_RETENTION", cfg.IdentityRetention); err != nil {
		return Config{}, err
	}
	if cfg.SessionIDTTL, err = durationFromEnv("SESSION_ID_TTL", cfg.SessionIDTTL); err != nil {
		return Config{}, err
	}
	if cfg.LockoutDuration, err = durationFromEnv("SECURITY_LOCKOUT_DURATION", cfg.LockoutDuration); err != nil {
		return Config{}, err
	}
	if cfg.SynthTimeout, err = durationFromEnv("SYNTH_TIMEOUT", cfg.SynthTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SynthRetryDelay, err = durationFromEnv("SYNTH_RETRY_DELAY", cfg.SynthRetryDelay); err != nil {
		return Config{}, err
	}
	if cfg.BreakerInterval, err = durationFromEnv("SYNTH_BREAKER_INTERVAL", cfg.BreakerInterval); err != nil {
		return Config{}, err
	}
	if cfg.CacheMaxAge, err = durationFromEnv("AUDIO_CACHE_MAX_AGE", cfg.CacheMaxAge); err != nil {
		return Config{}, err
	}

	if cfg.AuthPerMinute, err = intFromEnv("SECURITY_AUTH_PER_MINUTE", cfg.AuthPerMinute); err != nil {
		return Config{}, err
	}
	if cfg.AuthPerHour, err = intFromEnv("SECURITY_AUTH_PER_HOUR", cfg.AuthPerHour); err != nil {
		return Config{}, err
	}
	if cfg.GeneralPerMinute, err = intFromEnv("SECURITY_GENERAL_PER_MINUTE", cfg.GeneralPerMinute); err != nil {
		return Config{}, err
	}
	if cfg.GeneralPerHour, err = intFromEnv("SECURITY_GENERAL_PER_HOUR", cfg.GeneralPerHour); err != nil {
		return Config{}, err
	}
	if cfg.SynthesisPerMinute, err = intFromEnv("SECURITY_SYNTHESIS_PER_MINUTE", cfg.SynthesisPerMinute); err != nil {
		return Config{}, err
	}
	if cfg.SynthesisPerHour, err = intFromEnv("SECURITY_SYNTHESIS_PER_HOUR", cfg.SynthesisPerHour); err != nil {
		return Config{}, err
	}
	if cfg.LockoutThreshold, err = intFromEnv("SECURITY_LOCKOUT_THRESHOLD", cfg.LockoutThreshold); err != nil {
		return Config{}, err
	}
	if cfg.AuditLogCapacity, err = intFromEnv("SECURITY_AUDIT_CAPACITY", cfg.AuditLogCapacity); err != nil {
		return Config{}, err
	}
	if cfg.SynthRetries, err = intFromEnv("SYNTH_RETRIES", cfg.SynthRetries); err != nil {
		return Config{}, err
	}
	if cfg.BreakerMinSamples, err = intFromEnv("SYNTH_BREAKER_MIN_SAMPLES", cfg.BreakerMinSamples); err != nil {
		return Config{}, err
	}
	if cfg.CacheMaxEntries, err = intFromEnv("AUDIO_CACHE_MAX_ENTRIES", cfg.CacheMaxEntries); err != nil {
		return Config{}, err
	}
	if cfg.ConnSendBuffer, err = intFromEnv("APP_CONN_SEND_BUFFER", cfg.ConnSendBuffer); err != nil {
		return Config{}, err
	}
	if cfg.ConnMsgBurst, err = intFromEnv("APP_CONN_MSG_BURST", cfg.ConnMsgBurst); err != nil {
		return Config{}, err
	}

	if cfg.CacheMaxBytes, err = int64FromEnv("AUDIO_CACHE_MAX_BYTES", cfg.CacheMaxBytes); err != nil {
		return Config{}, err
	}
	if cfg.ConnMsgPerSec, err = floatFromEnv("APP_CONN_MSG_PER_SEC", cfg.ConnMsgPerSec); err != nil {
		return Config{}, err
	}
	if cfg.BreakerFailureRatio, err = floatFromEnv("SYNTH_BREAKER_FAILURE_RATIO", cfg.BreakerFailureRatio); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.LogConsole, err = boolFromEnv("APP_LOG_CONSOLE", cfg.LogConsole); err != nil {
		return Config{}, err
	}
	if cfg.DeviceFallback, err = boolFromEnv("SYNTH_DEVICE_FALLBACK", cfg.DeviceFallback); err != nil {
		return Config{}, err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.AuthProvider)) {
	case "jwt":
		if cfg.AuthTokenSecret == "" {
			return Config{}, fmt.Errorf("AUTH_PROVIDER=jwt requires AUTH_TOKEN_SECRET")
		}
	case "static":
		if cfg.AuthStaticSecret == "" {
			return Config{}, fmt.Errorf("AUTH_PROVIDER=static requires AUTH_STATIC_SECRET")
		}
	case "mock":
	default:
		return Config{}, fmt.Errorf("invalid AUTH_PROVIDER: %q (expected jwt|static|mock)", cfg.AuthProvider)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.SynthProvider)) {
	case "cloud":
		if cfg.SynthAPIKey == "" {
			return Config{}, fmt.Errorf("SYNTH_PROVIDER=cloud requires SYNTH_API_KEY")
		}
	case "mock":
	default:
		return Config{}, fmt.Errorf("invalid SYNTH_PROVIDER: %q (expected cloud|mock)", cfg.SynthProvider)
	}

	if cfg.SessionIDSigningKey == "" {
		return Config{}, fmt.Errorf("SESSION_ID_SIGNING_KEY is required")
	}
	if cfg.SessionMaxInactivity < time.Minute {
		return Config{}, fmt.Errorf("APP_SESSION_MAX_INACTIVITY must be at least 1m")
	}
	if cfg.LockoutThreshold <= 0 {
		return Config{}, fmt.Errorf("SECURITY_LOCKOUT_THRESHOLD must be positive")
	}
	if cfg.CacheMaxBytes <= 0 || cfg.CacheMaxEntries <= 0 {
		return Config{}, fmt.Errorf("audio cache ceilings must be positive")
	}
	if cfg.BreakerFailureRatio <= 0 || cfg.BreakerFailureRatio > 1 {
		return Config{}, fmt.Errorf("SYNTH_BREAKER_FAILURE_RATIO must be in (0, 1]")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func int64FromEnv(key string, fallback int64) (int64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
