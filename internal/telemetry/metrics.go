// Package telemetry exposes the engine's Prometheus metrics and its
// OpenTelemetry tracer. Metrics register on the default registry at package
// init and are served by Serve when a metrics address is configured.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// Metrics
// =============================================================================

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freshness_watch_events_total",
		Help: "Raw filesystem events accepted by the batcher, by source",
	}, []string{"source"})

	signalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freshness_batcher_signals_total",
		Help: "Signals emitted by the event batcher, by kind",
	}, []string{"kind"})

	entriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freshness_reconcile_entries_total",
		Help: "ChangeSet entries processed by outcome (applied, skipped, failed, requeued)",
	}, []string{"outcome"})

	subBatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "freshness_reconcile_sub_batch_duration_seconds",
		Help:    "Time spent applying one sub-batch, by result",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"result"})

	lockRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "freshness_reconcile_lock_retries_total",
		Help: "Workspace lock acquisitions retried after a conflict",
	})

	sweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freshness_sweeps_total",
		Help: "Detector runs by mode (git, sweep) and whether the cursor was degraded",
	}, []string{"mode", "degraded"})

	cascadeSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "freshness_cascade_invalidated",
		Help:    "Artifacts invalidated per cascade traversal",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 250, 500},
	})

	cascadeTruncatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "freshness_cascade_truncated_total",
		Help: "Cascade traversals stopped at the hop or artifact bound",
	})

	defeatersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freshness_defeater_events_total",
		Help: "Defeater log records by type and kind (activated, resolved)",
	}, []string{"type", "kind"})

	healthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "freshness_health_status",
		Help: "1 for the current health status, 0 otherwise",
	}, []string{"status"})

	recoveryState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "freshness_recovery_state",
		Help: "1 for the current recovery controller state, 0 otherwise",
	}, []string{"state"})

	backlog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "freshness_backlog_entries",
		Help: "ChangeSet entries queued and not yet reconciled",
	})
)

// RecordEvents counts raw events from one source ("fsnotify", "polling").
func RecordEvents(source string, n int) {
	eventsTotal.WithLabelValues(source).Add(float64(n))
}

// RecordSignal counts one batcher signal.
func RecordSignal(kind string) {
	signalsTotal.WithLabelValues(kind).Inc()
}

// RecordEntries counts reconciled entries with one outcome.
func RecordEntries(outcome string, n int) {
	if n > 0 {
		entriesTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// RecordSubBatch observes one sub-batch.
func RecordSubBatch(d time.Duration, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	subBatchDuration.WithLabelValues(result).Observe(d.Seconds())
}

// RecordLockRetry counts one lock conflict retry.
func RecordLockRetry() {
	lockRetriesTotal.Inc()
}

// RecordSweep counts one detector run.
func RecordSweep(mode string, degraded bool) {
	d := "false"
	if degraded {
		d = "true"
	}
	sweepsTotal.WithLabelValues(mode, d).Inc()
}

// RecordCascade observes one traversal.
func RecordCascade(invalidated int, truncated bool) {
	cascadeSize.Observe(float64(invalidated))
	if truncated {
		cascadeTruncatedTotal.Inc()
	}
}

// RecordDefeater counts one defeater log record.
func RecordDefeater(defeaterType, kind string) {
	defeatersTotal.WithLabelValues(defeaterType, kind).Inc()
}

// SetHealth marks status as the current health status among all.
func SetHealth(status string, all []string) {
	setOneHot(healthStatus, status, all)
}

// SetRecoveryState marks state as the current controller state among all.
func SetRecoveryState(state string, all []string) {
	setOneHot(recoveryState, state, all)
}

// SetBacklog sets the number of queued entries.
func SetBacklog(n int) {
	backlog.Set(float64(n))
}

func setOneHot(g *prometheus.GaugeVec, current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		g.WithLabelValues(s).Set(v)
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
