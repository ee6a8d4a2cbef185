package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// Index maintenance
	OrdersMapped      *prometheus.CounterVec
	OrdersRejected    *prometheus.CounterVec
	ReduceErrors      *prometheus.CounterVec
	ChangelogAppended prometheus.Counter
	IndexLag          *prometheus.GaugeVec
	LastIndexedEtag   *prometheus.GaugeVec

	// Queries
	QueryLatencySec *prometheus.HistogramVec

	// Recovery
	Applied            prometheus.Counter
	Skipped            prometheus.Counter
	TTRSec             prometheus.Gauge
	Lag                prometheus.Gauge
	LastManifestAgeSec prometheus.Gauge
	SnapshotsWritten   prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	mapped := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mrindex_orders_mapped_total"}, []string{"index"})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mrindex_orders_rejected_total"}, []string{"index"})
	reduceErrors := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mrindex_reduce_errors_total"}, []string{"index"})
	changelogAppended := prometheus.NewCounter(prometheus.CounterOpts{Name: "mrindex_changelog_appended_total"})
	indexLag := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "mrindex_index_lag_etags"}, []string{"index"})
	lastEtag := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "mrindex_last_indexed_etag"}, []string{"index"})
	queryLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mrindex_query_latency_seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"index"})

	applied := prometheus.NewCounter(prometheus.CounterOpts{Name: "mrindex_replay_applied_total"})
	skipped := prometheus.NewCounter(prometheus.CounterOpts{Name: "mrindex_replay_skipped_total"})
	ttr := prometheus.NewGauge(prometheus.GaugeOpts{Name: "mrindex_recovery_ttr_seconds"})
	lag := prometheus.NewGauge(prometheus.GaugeOpts{Name: "mrindex_changelog_lag"})
	lastAge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "mrindex_last_manifest_age_seconds"})
	snapshots := prometheus.NewCounter(prometheus.CounterOpts{Name: "mrindex_snapshots_written_total"})

	r.MustRegister(mapped, rejected, reduceErrors, changelogAppended, indexLag, lastEtag, queryLatency,
		applied, skipped, ttr, lag, lastAge, snapshots)
	return &Registry{
		reg:                r,
		OrdersMapped:       mapped,
		OrdersRejected:     rejected,
		ReduceErrors:       reduceErrors,
		ChangelogAppended:  changelogAppended,
		IndexLag:           indexLag,
		LastIndexedEtag:    lastEtag,
		QueryLatencySec:    queryLatency,
		Applied:            applied,
		Skipped:            skipped,
		TTRSec:             ttr,
		Lag:                lag,
		LastManifestAgeSec: lastAge,
		SnapshotsWritten:   snapshots,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
