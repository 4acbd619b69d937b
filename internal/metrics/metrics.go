// Package metrics exposes Prometheus instrumentation for the telemetry
// queue: producer, sync and eviction counters plus pending-depth gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by the store producers and the
// sync engine.
type Metrics struct {
	RecordsStored  *prometheus.CounterVec
	RecordsSynced  *prometheus.CounterVec
	RecordsRetried *prometheus.CounterVec
	RecordsDropped *prometheus.CounterVec
	PendingRecords *prometheus.GaugeVec
	SyncCycles     prometheus.Counter
}

// New registers and returns the beacon collectors on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "records_stored_total",
			Help:      "Records accepted into a category store.",
		}, []string{"category"}),
		RecordsSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "records_synced_total",
			Help:      "Records confirmed delivered to the remote acceptor.",
		}, []string{"category"}),
		RecordsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "records_retried_total",
			Help:      "Delivery attempts that failed and were left for a later cycle.",
		}, []string{"category"}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "records_dropped_total",
			Help:      "Records dropped permanently, by reason.",
		}, []string{"category", "reason"}),
		PendingRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "beacon",
			Name:      "pending_records",
			Help:      "Unsynced records currently queued per category.",
		}, []string{"category"}),
		SyncCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "sync_cycles_total",
			Help:      "Drain cycles started.",
		}),
	}
	reg.MustRegister(
		m.RecordsStored,
		m.RecordsSynced,
		m.RecordsRetried,
		m.RecordsDropped,
		m.PendingRecords,
		m.SyncCycles,
	)
	return m
}
