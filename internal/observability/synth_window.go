package observability

import (
	"sort"
	"sync"
	"time"
)

// TierStats summarizes recent outcomes for one synthesis tier.
type TierStats struct {
	Tier        string  `json:"tier"`
	Samples     int     `json:"samples"`
	Failures    int     `json:"failures"`
	SuccessRate float64 `json:"success_rate"`
}

// SynthSnapshot is the rolling view served by the status probe.
type SynthSnapshot struct {
	GeneratedAt time.Time   `json:"generated_at"`
	WindowSize  int         `json:"window_size"`
	Tiers       []TierStats `json:"tiers"`
}

// SynthWindow keeps a fixed-size ring of recent outcomes per synthesis
// tier. It feeds the status probe and the degradation notices; tripping
// itself is the circuit breaker's job.
type SynthWindow struct {
	mu         sync.RWMutex
	maxSamples int
	tiers      map[string]*outcomeBuffer
}

type outcomeBuffer struct {
	ok     []bool
	next   int
	filled bool
}

func NewSynthWindow(maxSamples int) *SynthWindow {
	if maxSamples <= 0 {
		maxSamples = 128
	}
	return &SynthWindow{
		maxSamples: maxSamples,
		tiers:      make(map[string]*outcomeBuffer),
	}
}

func (w *SynthWindow) Observe(tier string, success bool) {
	if tier == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.tiers[tier]
	if !ok {
		buf = &outcomeBuffer{ok: make([]bool, w.maxSamples)}
		w.tiers[tier] = buf
	}
	buf.ok[buf.next] = success
	buf.next++
	if buf.next >= len(buf.ok) {
		buf.next = 0
		buf.filled = true
	}
}

// FailureCount returns how many of the recent samples for tier failed.
func (w *SynthWindow) FailureCount(tier string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	buf := w.tiers[tier]
	if buf == nil {
		return 0
	}
	_, failures := buf.counts()
	return failures
}

func (w *SynthWindow) Snapshot() SynthSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.tiers))
	for tier := range w.tiers {
		keys = append(keys, tier)
	}
	sort.Strings(keys)

	tiers := make([]TierStats, 0, len(keys))
	for _, tier := range keys {
		buf := w.tiers[tier]
		n, failures := buf.counts()
		if n == 0 {
			continue
		}
		tiers = append(tiers, TierStats{
			Tier:        tier,
			Samples:     n,
			Failures:    failures,
			SuccessRate: float64(n-failures) / float64(n),
		})
	}

	return SynthSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Tiers:       tiers,
	}
}

func (b *outcomeBuffer) counts() (samples, failures int) {
	samples = b.next
	if b.filled {
		samples = len(b.ok)
	}
	for i := 0; i < samples; i++ {
		if !b.ok[i] {
			failures++
		}
	}
	return samples, failures
}
