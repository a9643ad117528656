package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_source_syncs_total",
		Help: "Source sync passes by outcome",
	}, []string{"kind", "outcome"})

	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feedsync_source_sync_duration_seconds",
		Help:    "Duration of source sync passes",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms up to ~25s
	}, []string{"kind"})

	upsertedEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_entries_upserted_total",
		Help: "Entries written by source syncs",
	}, []string{"op"})

	prunedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedsync_entries_pruned_total",
		Help: "Entries removed by retention pruning",
	})

	batchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedsync_batch_sources_in_flight",
		Help: "Sources currently being synced by a batch",
	})
)
