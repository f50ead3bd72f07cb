// Package metrics holds the prometheus collectors shared across
// components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordsIndexed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oipd_records_indexed_total",
		Help: "Records committed to the search store, by storage.",
	}, []string{"storage"})

	TemplatesIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oipd_templates_indexed_total",
		Help: "Templates committed to the search store.",
	})

	RecordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oipd_records_dropped_total",
		Help: "Records dropped during ingestion, by reason.",
	}, []string{"reason"})

	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oipd_dead_letters_total",
		Help: "Items parked after exhausting search-store write retries.",
	})

	SyncCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oipd_sync_cycles_total",
		Help: "Completed peer synchronization cycles.",
	})

	SyncFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oipd_sync_fetches_total",
		Help: "Envelope fetches during sync, by outcome.",
	}, []string{"outcome"})

	QueriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oipd_queries_total",
		Help: "Record queries served.",
	})

	QueryCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oipd_query_cache_hits_total",
		Help: "Queries answered from the result cache.",
	})

	PublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oipd_publish_total",
		Help: "Publish operations, by storage and outcome.",
	}, []string{"storage", "outcome"})

	MemoryAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oipd_memory_alerts_total",
		Help: "Memory growth alerts raised by the monitor.",
	})
)
