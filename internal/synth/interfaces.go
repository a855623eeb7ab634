// Package synth turns translated text into audio, degrading through
// tiers when the cloud backend misbehaves: cloud audio first, on-device
// synthesis next, text-only captions last.
package synth

import "context"

// Synthesis tiers, in preference order.
const (
	TierCloud  = "cloud"
	TierDevice = "device"
	TierText   = "text"
)

// Request is one synthesis job.
type Request struct {
	Text     string
	Language string
	Quality  string
}

// Audio is a finished cloud synthesis. DurationMs is zero when the
// backend does not report playback length.
type Audio struct {
	Data       []byte
	Encoding   string
	DurationMs int64
}

// Provider is a backend that can synthesize speech.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// Degradation records one tier transition within a request.
type Degradation struct {
	FromTier string
	ToTier   string
	Reason   string
}

// Result is what the chain resolved a request to. Audio is set only on
// the cloud tier. LocalFallback asks the listener device to synthesize
// the text itself.
type Result struct {
	Tier          string
	Audio         []byte
	Encoding      string
	DurationMs    int64
	LocalFallback bool
	Degraded      *Degradation
}
