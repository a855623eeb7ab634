package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	Connections     prometheus.Gauge
	SessionEvents   *prometheus.CounterVec
	WSMessages      *prometheus.CounterVec
	SynthesisTiers  *prometheus.CounterVec
	CacheOps        *prometheus.CounterVec
	CacheBytes      prometheus.Gauge
	CacheEntries    prometheus.Gauge
	RateLimitDenied *prometheus.CounterVec
	SecurityEvents  *prometheus.CounterVec
	Faults          *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live broadcast sessions.",
		}),
		Connections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of open websocket connections.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		SynthesisTiers: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_tier_results_total",
			Help:      "Synthesis attempts by tier and outcome.",
		}, []string{"tier", "outcome"}),
		CacheOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_cache_ops_total",
			Help:      "Audio cache operations by kind.",
		}, []string{"op"}),
		CacheBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audio_cache_bytes",
			Help:      "Resident bytes in the audio cache.",
		}),
		CacheEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audio_cache_entries",
			Help:      "Resident entries in the audio cache.",
		}),
		RateLimitDenied: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denied_total",
			Help:      "Requests denied by rate limiting, by class.",
		}, []string{"class"}),
		SecurityEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Security events by kind.",
		}, []string{"kind"}),
		Faults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Faults surfaced to clients by category.",
		}, []string{"category"}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
