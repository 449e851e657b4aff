package flow

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/patientflow/internal/acuity"
)

// Metrics holds Prometheus metrics for the patient-flow engine.
type Metrics struct {
	CommandsTotal        *prometheus.CounterVec
	AssessmentsTotal     *prometheus.CounterVec
	QueueDepth           *prometheus.GaugeVec
	QueueUpsertDuration  prometheus.Histogram
	SLABreachesTotal     *prometheus.CounterVec
	AlertsTotal          *prometheus.CounterVec
	ReconciliationsTotal prometheus.Counter
	WaitAtBreach         prometheus.Histogram
}

// NewMetrics registers and returns flow metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patientflow_commands_total",
			Help: "Total engine commands by command name and outcome.",
		}, []string{"command", "outcome"}),
		AssessmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patientflow_assessments_total",
			Help: "Total committed assessment versions by acuity level and source.",
		}, []string{"level", "source"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "patientflow_queue_depth",
			Help: "Active queue entries per acuity band.",
		}, []string{"level"}),
		QueueUpsertDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "patientflow_queue_upsert_duration_seconds",
			Help:    "Duration of queue entry relocations.",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10), // 1µs .. ~260ms
		}),
		SLABreachesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patientflow_sla_breaches_total",
			Help: "Total wait-time SLA breaches by acuity band.",
		}, []string{"level"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patientflow_alerts_total",
			Help: "Total alert dispatch attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ReconciliationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patientflow_queue_reconciliations_total",
			Help: "Total full-queue reconciliation passes after invariant failures.",
		}),
		WaitAtBreach: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "patientflow_wait_at_breach_minutes",
			Help:    "Patient wait time at the moment an SLA breach was flagged.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 8), // 5m .. ~10h
		}),
	}

	reg.MustRegister(
		m.CommandsTotal,
		m.AssessmentsTotal,
		m.QueueDepth,
		m.QueueUpsertDuration,
		m.SLABreachesTotal,
		m.AlertsTotal,
		m.ReconciliationsTotal,
		m.WaitAtBreach,
	)

	return m
}

// SetQueueDepths updates the per-band depth gauges. Bands with no entries
// are reset to zero so discharged bands do not linger.
func (m *Metrics) SetQueueDepths(counts map[acuity.Level]int) {
	for lvl := acuity.Level1; lvl <= acuity.Level5; lvl++ {
		m.QueueDepth.WithLabelValues(strconv.Itoa(int(lvl))).Set(float64(counts[lvl]))
	}
}
