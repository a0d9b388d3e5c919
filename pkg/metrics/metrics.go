// Package metrics defines the Prometheus collectors of a member.
package metrics

import (
	"net/http"

	"coredb/pkg/consensus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coredb"

// Values of the "result" label.
const (
	LabelApplied        = "applied"
	LabelAlreadyApplied = "already_applied"
	LabelRejected       = "rejected"
	LabelNotLeader      = "not_leader"
	LabelSequenceGap    = "sequence_gap"
	LabelDropped        = "dropped"
	LabelTimeout        = "timeout"
	LabelError          = "error"
)

// Collector is implemented by every metrics group.
type Collector interface {
	PrometheusCollectors() []prometheus.Collector
}

// ApplierMetrics counts what the applier does with committed entries.
type ApplierMetrics struct {
	Applied     *prometheus.CounterVec
	Duplicates  prometheus.Counter
	Gaps        prometheus.Counter
	Commits     prometheus.Counter
	Recovered   prometheus.Counter
	LastApplied prometheus.Gauge
}

func NewApplierMetrics() *ApplierMetrics {
	const subsystem = "applier"

	return &ApplierMetrics{
		Applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries_total",
			Help:      "Committed entries applied, by content kind and result",
		}, []string{"kind", "result"}),

		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duplicates_total",
			Help:      "Transactions skipped because their operation was already applied",
		}),

		Gaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sequence_gaps_total",
			Help:      "Transactions skipped because of a gap in their session sequence",
		}),

		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "storage_commits_total",
			Help:      "Transactions handed to the storage engine",
		}),

		Recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "recovered_commits_total",
			Help:      "Transactions found already committed by the storage engine after a restart",
		}),

		LastApplied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "last_applied_index",
			Help:      "Highest log index applied on this member",
		}),
	}
}

func (m *ApplierMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Applied,
		m.Duplicates,
		m.Gaps,
		m.Commits,
		m.Recovered,
		m.LastApplied,
	}
}

// ReplicationMetrics tracks proposals made through this member.
type ReplicationMetrics struct {
	Proposals *prometheus.CounterVec
	Latency   *prometheus.HistogramVec
	InFlight  prometheus.Gauge
}

func NewReplicationMetrics() *ReplicationMetrics {
	const subsystem = "replication"

	return &ReplicationMetrics{
		Proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "proposals_total",
			Help:      "Proposals by result",
		}, []string{"result"}),

		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "proposal_latency_seconds",
			Help:      "Time from proposal to resolution",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 4, 8),
		}, []string{"result"}),

		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "proposals_in_flight",
			Help:      "Proposals waiting for their entry to be applied",
		}),
	}
}

func (m *ReplicationMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Proposals,
		m.Latency,
		m.InFlight,
	}
}

// EngineMetrics samples the consensus status on every scrape.
type EngineMetrics struct {
	status func() consensus.Status
}

func NewEngineMetrics(status func() consensus.Status) *EngineMetrics {
	return &EngineMetrics{status: status}
}

func (m *EngineMetrics) PrometheusCollectors() []prometheus.Collector {
	const subsystem = "consensus"

	gauge := func(name, help string, fn func(consensus.Status) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(m.status()) })
	}

	return []prometheus.Collector{
		gauge("term", "Current term", func(s consensus.Status) float64 { return float64(s.Term) }),
		gauge("commit_index", "Highest committed log index", func(s consensus.Status) float64 { return float64(s.CommitIndex) }),
		gauge("last_index", "Highest log index stored locally", func(s consensus.Status) float64 { return float64(s.LastIndex) }),
		gauge("is_leader", "1 when this member is the leader", func(s consensus.Status) float64 {
			if s.Role == consensus.Leader {
				return 1
			}
			return 0
		}),
	}
}

// NewRegistry registers the runtime collectors and every group given.
func NewRegistry(groups ...Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, g := range groups {
		reg.MustRegister(g.PrometheusCollectors()...)
	}
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
