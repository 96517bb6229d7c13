// Package metrics exports engine measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/mirrorsync/internal/mirror"
)

const namespace = "mirrorsync"

// Recorder implements mirror.Recorder.
type Recorder struct {
	registry *prometheus.Registry

	syncRuns        *prometheus.CounterVec
	syncDuration    *prometheus.HistogramVec
	syncItems       *prometheus.CounterVec
	itemDecisions   *prometheus.CounterVec
	events          *prometheus.CounterVec
	writebacks      *prometheus.CounterVec
	snapshotRows    *prometheus.CounterVec
	lastSyncSuccess *prometheus.GaugeVec
}

var _ mirror.Recorder = (*Recorder)(nil)

// New registers the collectors on a fresh registry that also carries the Go
// and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		syncRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Reconciliation runs by source, final status and force flag.",
		}, []string{"source", "status", "forced"}),
		syncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_run_duration_seconds",
			Help:      "Wall time of reconciliation runs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"source"}),
		syncItems: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_items_total",
			Help:      "Items counted on finished runs by outcome.",
		}, []string{"source", "outcome"}),
		itemDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_decisions_total",
			Help:      "Change-detection guard decisions.",
		}, []string{"source", "decision"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Webhook events by outcome.",
		}, []string{"source", "outcome"}),
		writebacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writebacks_total",
			Help:      "Write-back pushes by result.",
		}, []string{"source", "result"}),
		snapshotRows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_rows_total",
			Help:      "Snapshot rows written, inserted or patched.",
		}, []string{"op"}),
		lastSyncSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_sync_success_timestamp_seconds",
			Help:      "Finish time of the last succeeded run per source.",
		}, []string{"source"}),
	}
}

func (r *Recorder) SyncRunFinished(run mirror.SyncRun, elapsed time.Duration) {
	forced := "false"
	if run.Forced {
		forced = "true"
	}
	r.syncRuns.WithLabelValues(run.Source, string(run.Status), forced).Inc()
	r.syncDuration.WithLabelValues(run.Source).Observe(elapsed.Seconds())
	r.syncItems.WithLabelValues(run.Source, "upserted").Add(float64(run.Upserted))
	r.syncItems.WithLabelValues(run.Source, "unchanged").Add(float64(run.Unchanged))
	r.syncItems.WithLabelValues(run.Source, "tombstoned").Add(float64(run.Tombstoned))
	r.syncItems.WithLabelValues(run.Source, "errored").Add(float64(run.Errored))
	if run.Status == mirror.RunStatusSucceeded && run.FinishedAt != nil {
		r.lastSyncSuccess.WithLabelValues(run.Source).Set(float64(run.FinishedAt.Unix()))
	}
}

func (r *Recorder) ItemDecided(source string, decision mirror.Decision) {
	r.itemDecisions.WithLabelValues(source, string(decision)).Inc()
}

func (r *Recorder) EventApplied(source string, outcome mirror.EventOutcome) {
	r.events.WithLabelValues(source, string(outcome)).Inc()
}

func (r *Recorder) WritebackFinished(source string, success bool) {
	result := "failed"
	if success {
		result = "succeeded"
	}
	r.writebacks.WithLabelValues(source, result).Inc()
}

func (r *Recorder) SnapshotRowWritten(inserted bool) {
	op := "patched"
	if inserted {
		op = "inserted"
	}
	r.snapshotRows.WithLabelValues(op).Inc()
}

// TrackQueueDepth exposes depth() as the write-back queue gauge.
func (r *Recorder) TrackQueueDepth(depth func() int) {
	r.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "writeback_queue_depth",
		Help:      "Write-back items waiting for a worker.",
	}, func() float64 { return float64(depth()) }))
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
