package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/lingocast/lingocast/internal/audiocache"
	"github.com/lingocast/lingocast/internal/config"
	"github.com/lingocast/lingocast/internal/httpapi"
	"github.com/lingocast/lingocast/internal/identity"
	"github.com/lingocast/lingocast/internal/observability"
	"github.com/lingocast/lingocast/internal/router"
	"github.com/lingocast/lingocast/internal/security"
	"github.com/lingocast/lingocast/internal/session"
	"github.com/lingocast/lingocast/internal/synth"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config error")
	}

	log := newLogger(cfg)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()

	idStore, err := identity.NewFileStore(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("identity store init failed")
	}

	var provider identity.Provider
	switch strings.ToLower(strings.TrimSpace(cfg.AuthProvider)) {
	case "jwt":
		provider = identity.NewJWTProvider(cfg.AuthTokenSecret, cfg.AuthStaticSecret)
	case "static":
		provider = identity.NewStaticProvider(cfg.AuthStaticSecret)
	case "mock":
		provider = identity.MockProvider{}
		log.Warn().Msg("auth provider: mock (every credential accepted)")
	}

	tokens := identity.NewTokenStore()
	ids := identity.NewManager(idStore, provider, tokens, log, cfg.TokenTTL, cfg.RefreshTTL)

	sessStore, err := session.NewStore(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("session store init failed")
	}
	defer sessStore.Close()

	sessions, err := session.NewManager(ctx, sessStore, log, cfg.SessionMaxInactivity)
	if err != nil {
		log.Fatal().Err(err).Msg("session manager init failed")
	}

	audit := security.NewAuditLog(cfg.AuditLogCapacity)
	limits := security.NewLimiter(map[security.Class]security.Ceilings{
		security.ClassAuth:      {PerMinute: cfg.AuthPerMinute, PerHour: cfg.AuthPerHour},
		security.ClassGeneral:   {PerMinute: cfg.GeneralPerMinute, PerHour: cfg.GeneralPerHour},
		security.ClassSynthesis: {PerMinute: cfg.SynthesisPerMinute, PerHour: cfg.SynthesisPerHour},
	}, cfg.LockoutThreshold, cfg.LockoutDuration, audit)

	signer := security.NewSessionIDSigner(cfg.SessionIDSigningKey, cfg.SessionIDTTL)

	synthProvider, err := synth.NewProvider(cfg.SynthProvider, cfg.SynthBaseURL, cfg.SynthAPIKey, cfg.SynthTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("synthesis provider init failed")
	}
	log.Info().Str("provider", cfg.SynthProvider).Msg("synthesis provider ready")

	window := observability.NewSynthWindow(256)
	chain := synth.NewChain(synthProvider, synth.Options{
		Timeout:             cfg.SynthTimeout,
		Retries:             uint64(cfg.SynthRetries),
		RetryDelay:          cfg.SynthRetryDelay,
		BreakerInterval:     cfg.BreakerInterval,
		BreakerMinSamples:   uint32(cfg.BreakerMinSamples),
		BreakerFailureRatio: cfg.BreakerFailureRatio,
		DeviceFallback:      cfg.DeviceFallback,
	}, window, metrics, log)

	cache := audiocache.New(cfg.CacheMaxBytes, cfg.CacheMaxEntries, cfg.CacheMaxAge)
	if cfg.CacheDir != "" {
		if err := cache.EnableMirror(cfg.CacheDir); err != nil {
			log.Fatal().Err(err).Str("dir", cfg.CacheDir).Msg("audio cache mirror init failed")
		}
	}

	hub := router.NewHub(cfg.ConnSendBuffer, int(cfg.ConnMsgPerSec), cfg.ConnMsgBurst, metrics, log)
	dispatch := router.New(hub, sessions, ids, limits, signer, chain, cache, metrics, log)

	api := httpapi.New(cfg, dispatch, sessions, cache, window, metrics, log)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	jobs := cron.New()
	if _, err := jobs.AddFunc(cfg.SessionReapSpec, func() {
		for _, sessionID := range sessions.ReapInactive(runCtx) {
			ids.ReleaseSession(sessionID)
		}
		if reclaimed, err := ids.ReclaimInactive(cfg.IdentityRetention); err != nil {
			log.Error().Err(err).Msg("identity reclaim failed")
		} else if len(reclaimed) > 0 {
			log.Info().Int("count", len(reclaimed)).Msg("inactive identities reclaimed")
		}
	}); err != nil {
		log.Fatal().Err(err).Str("spec", cfg.SessionReapSpec).Msg("invalid session reap schedule")
	}
	if _, err := jobs.AddFunc(cfg.JanitorSpec, func() {
		cache.SweepExpired()
		limits.Sweep()
		tokens.Sweep()
	}); err != nil {
		log.Fatal().Err(err).Str("spec", cfg.JanitorSpec).Msg("invalid janitor schedule")
	}
	jobs.Start()
	defer jobs.Stop()

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.LogConsole {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}
