package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SearchRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bibmatch_search_duration_seconds",
			Help:    "Search backend request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"backend", "status"},
	)

	SearchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bibmatch_search_requests_total",
			Help: "Total number of search backend requests",
		},
		[]string{"backend", "status"},
	)

	SearchRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bibmatch_search_retries_total",
			Help: "Total number of retried search backend requests",
		},
		[]string{"backend"},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bibmatch_cache_hits_total",
			Help: "Total number of search result cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bibmatch_cache_misses_total",
			Help: "Total number of search result cache misses",
		},
	)

	RecordsClassifiedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bibmatch_records_total",
			Help: "Total number of input records by outcome",
		},
		[]string{"classification"},
	)

	RecordMatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bibmatch_record_match_duration_seconds",
			Help:    "Time spent matching a single record",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	FuzzyChainsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bibmatch_fuzzy_chains_total",
			Help: "Total number of fuzzy query chains by outcome",
		},
		[]string{"outcome"},
	)

	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bibmatch_validations_total",
			Help: "Total number of candidate validations by result",
		},
		[]string{"result"},
	)

	CHQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bibmatch_ch_query_duration_seconds",
			Help:    "ClickHouse query duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"query_type", "status"},
	)

	PipelineLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bibmatch_pipeline_lag_seconds",
			Help: "Age of the most recently processed submission batch",
		},
	)

	PipelineEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bibmatch_pipeline_events_total",
			Help: "Total number of pipeline submissions processed",
		},
		[]string{"status"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bibmatch_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	SlowSearchCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bibmatch_slow_search_total",
			Help: "Total number of slow search requests",
		},
		[]string{"severity", "backend"},
	)

	KafkaConsumerLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bibmatch_kafka_consumer_lag",
			Help: "Kafka consumer lag by topic/partition",
		},
		[]string{"topic", "partition"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bibmatch_http_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)
)
