package postgis

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgstore_queries_total",
		Help: "Number of SQL queries issued, by table and operation.",
	}, []string{"table", "op"})

	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgstore_cache_hits_total",
		Help: "Number of entity lookups served from the read cache.",
	}, []string{"table"})

	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgstore_cache_misses_total",
		Help: "Number of entity lookups that fell through to the database.",
	}, []string{"table"})

	commitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pgstore_commit_duration_seconds",
		Help:    "Duration of batch commit flushes.",
		Buckets: prometheus.DefBuckets,
	}, []string{"table"})

	batchRowsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pgstore_batch_rows_pending",
		Help: "Buffered batch rows not yet committed, across all stores.",
	})
)
