// Package metrics holds the engine's Prometheus collectors. Each Metrics value
// owns its own registry so isolated engine instances never share counters.
package metrics

import (
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics groups every collector the engine updates.
type Metrics struct {
	registry *prometheus.Registry

	// --- Intake ---
	BetsAccepted    prometheus.Counter
	BetsReplaced    prometheus.Counter
	BetsRejected    *prometheus.CounterVec
	DecryptFailures prometheus.Counter

	// --- Settlement ---
	SettlementsComputed    *prometheus.CounterVec
	ProofFailures          prometheus.Counter
	ProofDuration          prometheus.Histogram
	ConservationViolations prometheus.Counter

	// --- Chain ---
	Submissions  *prometheus.CounterVec
	WatcherBlock prometheus.Gauge

	// --- Channel ---
	ChannelState         prometheus.Gauge
	ChannelReconnects    prometheus.Counter
	RPCTimeouts          prometheus.Counter
	UnknownMessages      prometheus.Counter
	NotificationsDropped prometheus.Counter

	// --- Keys ---
	Signatures prometheus.Counter
}

// New creates a registry and registers every collector on it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		BetsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "settler_bets_accepted_total",
			Help: "Bets written to the ledger",
		}),
		BetsReplaced: f.NewCounter(prometheus.CounterOpts{
			Name: "settler_bets_replaced_total",
			Help: "Bets that replaced an earlier bet from the same bettor",
		}),
		BetsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settler_bets_rejected_total",
			Help: "Bets rejected before reaching the ledger",
		}, []string{"reason"}),
		DecryptFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "settler_decrypt_failures_total",
			Help: "Bet frames that failed to decrypt",
		}),

		SettlementsComputed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settler_settlements_computed_total",
			Help: "Settlements computed, by path",
		}, []string{"path"}),
		ProofFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "settler_proof_failures_total",
			Help: "Proof generation or local verification failures",
		}),
		ProofDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "settler_proof_duration_seconds",
			Help:    "Wall time to produce and verify a settlement proof",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		ConservationViolations: f.NewCounter(prometheus.CounterOpts{
			Name: "settler_conservation_violations_total",
			Help: "Settlements aborted by the conservation check",
		}),

		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settler_chain_submissions_total",
			Help: "Settlement transactions by result",
		}, []string{"result"}),
		WatcherBlock: f.NewGauge(prometheus.GaugeOpts{
			Name: "settler_watcher_block",
			Help: "Last block processed by the market watcher",
		}),

		ChannelState: f.NewGauge(prometheus.GaugeOpts{
			Name: "settler_channel_state",
			Help: "0=disconnected 1=connecting 2=authenticating 3=authenticated",
		}),
		ChannelReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "settler_channel_reconnects_total",
			Help: "Channel connection attempts after a disconnect",
		}),
		RPCTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "settler_channel_rpc_timeouts_total",
			Help: "Channel RPC calls that timed out",
		}),
		UnknownMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "settler_channel_unknown_messages_total",
			Help: "Inbound channel messages that matched no known shape",
		}),
		NotificationsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "settler_channel_notifications_dropped_total",
			Help: "Pushed channel messages dropped because the consumer fell behind",
		}),

		Signatures: f.NewCounter(prometheus.CounterOpts{
			Name: "settler_key_signatures_total",
			Help: "Signatures produced with the engine key",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Snapshot flattens counters and gauges into name{labels} -> value.
// Histograms report their sample count.
func (m *Metrics) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	families, err := m.registry.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			key := mf.GetName() + labelSuffix(metric.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out[key] = metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[key] = metric.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				out[key+"_count"] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func labelSuffix(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, l.GetName()+"="+l.GetValue())
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}
