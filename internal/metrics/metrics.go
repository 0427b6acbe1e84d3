package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SourceLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vineyard_source_loads_total",
			Help: "Total source reader calls by outcome",
		},
		[]string{"source", "status"},
	)

	SourceLoadLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vineyard_source_load_latency_seconds",
			Help:    "Source reader call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	AnalyticsComputeSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vineyard_analytics_compute_seconds",
			Help:    "Time spent folding a snapshot into analytics",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
	)

	NDVIQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vineyard_ndvi_queries_total",
			Help: "Total NDVI statistics queries by outcome",
		},
		[]string{"status"},
	)

	NDVIQueryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vineyard_ndvi_query_latency_seconds",
			Help:    "NDVI provider query latency in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	NDVIRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vineyard_ndvi_runs_total",
			Help: "Total NDVI orchestration runs by outcome",
		},
		[]string{"status"},
	)

	NDVIInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vineyard_ndvi_queries_in_flight",
			Help: "NDVI queries currently dispatched",
		},
	)

	SentinelTokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vineyard_sentinelhub_token_refreshes_total",
			Help: "Sentinel Hub OAuth token requests by outcome",
		},
		[]string{"status"},
	)
)
