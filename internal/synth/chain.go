package synth

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/lingocast/lingocast/internal/fault"
	"github.com/lingocast/lingocast/internal/observability"
)

// Options tune the cloud tier. Zero values fall back to safe defaults.
type Options struct {
	Timeout             time.Duration
	Retries             uint64
	RetryDelay          time.Duration
	BreakerInterval     time.Duration
	BreakerMinSamples   uint32
	BreakerFailureRatio float64
	DeviceFallback      bool
}

// Chain resolves every synthesis request to exactly one tier. The cloud
// tier sits behind retries and a circuit breaker; once it fails, the
// request degrades to on-device synthesis when the listener can do it,
// text-only captions otherwise. A request never degrades twice.
type Chain struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker
	opts     Options
	window   *observability.SynthWindow
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewChain(provider Provider, opts Options, window *observability.SynthWindow, metrics *observability.Metrics, log zerolog.Logger) *Chain {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 250 * time.Millisecond
	}
	if opts.BreakerInterval <= 0 {
		opts.BreakerInterval = 30 * time.Second
	}
	if opts.BreakerMinSamples == 0 {
		opts.BreakerMinSamples = 10
	}
	if opts.BreakerFailureRatio <= 0 {
		opts.BreakerFailureRatio = 0.5
	}

	settings := gobreaker.Settings{
		Name:     "cloud-synthesis",
		Interval: opts.BreakerInterval,
		Timeout:  opts.BreakerInterval,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < opts.BreakerMinSamples {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= opts.BreakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("breaker state change")
		},
	}

	return &Chain{
		provider: provider,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		opts:     opts,
		window:   window,
		metrics:  metrics,
		log:      log,
	}
}

// Speak resolves one request. deviceCapable says whether the listener
// can synthesize the text locally; the device tier is assumed to succeed
// once chosen, there is no acknowledgment path back from the device.
func (c *Chain) Speak(ctx context.Context, req Request, deviceCapable bool) Result {
	audio, err := c.cloud(ctx, req)
	if err == nil {
		c.observe(TierCloud, true)
		return Result{Tier: TierCloud, Audio: audio.Data, Encoding: audio.Encoding, DurationMs: audio.DurationMs}
	}

	reason := fault.From(err).Code
	breakerSkip := errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
	if breakerSkip {
		reason = "breaker_open"
	} else {
		// Only real attempts feed the failure window.
		c.observe(TierCloud, false)
	}
	c.log.Warn().Str("language", req.Language).Str("reason", reason).Msg("cloud synthesis degraded")

	if c.opts.DeviceFallback && deviceCapable {
		c.observe(TierDevice, true)
		return Result{
			Tier:          TierDevice,
			LocalFallback: true,
			Degraded:      &Degradation{FromTier: TierCloud, ToTier: TierDevice, Reason: reason},
		}
	}

	c.observe(TierText, true)
	return Result{
		Tier:     TierText,
		Degraded: &Degradation{FromTier: TierCloud, ToTier: TierText, Reason: reason},
	}
}

func (c *Chain) cloud(ctx context.Context, req Request) (Audio, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		var audio Audio
		attempt := func() error {
			callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()
			a, err := c.callWithDeadline(callCtx, req)
			if err != nil {
				return err
			}
			audio = a
			return nil
		}
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.RetryDelay), c.opts.Retries), ctx)
		if err := backoff.Retry(attempt, policy); err != nil {
			return nil, err
		}
		return audio, nil
	})
	if err != nil {
		return Audio{}, err
	}
	return out.(Audio), nil
}

// callWithDeadline runs the provider call in its own goroutine so a
// deadline abandons the call instead of blocking on it. A late result
// lands in the buffered channel and is discarded.
func (c *Chain) callWithDeadline(ctx context.Context, req Request) (Audio, error) {
	type outcome struct {
		audio Audio
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		a, err := c.provider.Synthesize(ctx, req)
		done <- outcome{audio: a, err: err}
	}()

	select {
	case <-ctx.Done():
		return Audio{}, fault.Provider("provider_timeout", ctx.Err())
	case o := <-done:
		return o.audio, o.err
	}
}

func (c *Chain) observe(tier string, success bool) {
	if c.window != nil {
		c.window.Observe(tier, success)
	}
	if c.metrics != nil {
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		c.metrics.SynthesisTiers.WithLabelValues(tier, outcome).Inc()
	}
}
