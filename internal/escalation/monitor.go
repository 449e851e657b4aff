// Package escalation watches the triage queue for patients whose wait has
// exceeded the target for their acuity band, flags them at risk and raises
// breach alerts. Time is injected so sweeps are testable without sleeping.
package escalation

import (
	"context"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/patientflow/internal/acuity"
	"github.com/linnemanlabs/patientflow/internal/alert"
	"github.com/linnemanlabs/patientflow/internal/flow"
	"github.com/linnemanlabs/patientflow/internal/flow/queue"
)

// slaByLevel is the maximum acceptable wait per acuity band. Level 1 is
// zero: a resuscitation patient still waiting on any sweep has breached.
var slaByLevel = map[acuity.Level]time.Duration{
	acuity.Level1: 0,
	acuity.Level2: 10 * time.Minute,
	acuity.Level3: 30 * time.Minute,
	acuity.Level4: 60 * time.Minute,
	acuity.Level5: 120 * time.Minute,
}

// SLAFor returns the wait-time target for an acuity band.
func SLAFor(level acuity.Level) time.Duration {
	return slaByLevel[level]
}

// Reconciler rebuilds queue order from committed state after an ordering
// invariant failure. Implemented by flow.Service.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Monitor periodically sweeps the queue for SLA breaches. A breach flags the
// entry at risk (escalating it within its band) and raises one sla-breach
// alert; the flag stays until the next committed assessment clears it, so a
// sweep never alerts twice for the same breach.
type Monitor struct {
	queue      *queue.Queue
	dispatcher flow.Dispatcher // nil disables outbound alerts
	reconciler Reconciler
	logger     log.Logger
	metrics    *flow.Metrics
	clock      clockwork.Clock
	interval   time.Duration
}

// NewMonitor creates a monitor sweeping at the given interval. Pass a fake
// clock in tests; clockwork.NewRealClock() in production.
func NewMonitor(q *queue.Queue, dispatcher flow.Dispatcher, reconciler Reconciler, logger log.Logger, metrics *flow.Metrics, clock clockwork.Clock, interval time.Duration) *Monitor {
	if logger == nil {
		logger = log.Nop()
	}
	return &Monitor{
		queue:      q,
		dispatcher: dispatcher,
		reconciler: reconciler,
		logger:     logger,
		metrics:    metrics,
		clock:      clock,
		interval:   interval,
	}
}

// Run sweeps until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info(ctx, "escalation monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info(ctx, "escalation monitor stopped")
			return
		case <-ticker.Chan():
			m.tick(ctx)
		}
	}
}

// tick is one sweep: verify queue order, then flag and alert every entry
// past its band's wait target.
func (m *Monitor) tick(ctx context.Context) {
	if err := m.queue.CheckOrder(); err != nil {
		m.logger.Error(ctx, err, "queue order check failed, reconciling")
		if m.reconciler != nil {
			if rerr := m.reconciler.Reconcile(ctx); rerr != nil {
				m.logger.Error(ctx, rerr, "queue reconciliation failed")
			}
		}
	}

	now := m.clock.Now()
	var flagged int
	for _, e := range m.queue.Snapshot() {
		if e.AtRisk {
			continue
		}
		wait := now.Sub(e.Arrival)
		if wait <= slaByLevel[e.Level] {
			continue
		}
		if !m.queue.MarkAtRisk(e.PatientID) {
			// Removed or reassessed since the snapshot.
			continue
		}
		flagged++

		if m.metrics != nil {
			m.metrics.SLABreachesTotal.WithLabelValues(strconv.Itoa(int(e.Level))).Inc()
			m.metrics.WaitAtBreach.Observe(wait.Minutes())
		}
		m.logger.Warn(ctx, "wait-time breach",
			"patient_id", e.PatientID,
			"level", int(e.Level),
			"wait", wait.Round(time.Second),
			"target", slaByLevel[e.Level],
		)

		a := alert.New(alert.KindSLABreach, e.PatientID, e.Level, now, m.interval)
		a.WaitMinutes = int(wait.Minutes())
		m.dispatch(ctx, a)
	}

	if m.metrics != nil {
		m.metrics.SetQueueDepths(m.queue.CountByLevel())
	}
	if flagged > 0 {
		m.logger.Info(ctx, "escalation sweep flagged patients", "count", flagged)
	}
}

func (m *Monitor) dispatch(ctx context.Context, a *alert.Alert) {
	outcome := "ok"
	if m.dispatcher == nil {
		outcome = "disabled"
	} else if err := m.dispatcher.Dispatch(ctx, a); err != nil {
		outcome = "error"
		m.logger.Warn(ctx, "breach alert dispatch failed",
			"alert_id", a.ID, "patient_id", a.PatientID, "error", err)
	}
	if m.metrics != nil {
		m.metrics.AlertsTotal.WithLabelValues(string(a.Kind), outcome).Inc()
	}
}
