package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// AnalysesTotal counts finished analyses by outcome.
	AnalysesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "physique",
		Subsystem: "analyzer",
		Name:      "analyses_total",
		Help:      "Total number of analysis requests handled by the orchestrator, labeled by result.",
	}, []string{"result"})

	// CacheHitsTotal counts response cache hits.
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "physique",
		Subsystem: "analyzer",
		Name:      "cache_hits_total",
		Help:      "Total number of response cache hits.",
	})

	// CacheMissesTotal counts response cache misses (absent or expired).
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "physique",
		Subsystem: "analyzer",
		Name:      "cache_misses_total",
		Help:      "Total number of response cache misses, including lazy TTL expiries.",
	})

	// CacheEvictionsTotal counts entries removed by capacity eviction.
	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "physique",
		Subsystem: "analyzer",
		Name:      "cache_evictions_total",
		Help:      "Total number of cache entries evicted to stay under the entry limit.",
	})

	// APIAttemptsTotal counts individual vision API attempts by terminal code
	// ("ok" for success).
	APIAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "physique",
		Subsystem: "analyzer",
		Name:      "api_attempts_total",
		Help:      "Total number of vision API attempts, labeled by classified outcome.",
	}, []string{"code"})

	// APIRetriesTotal counts retries scheduled after a retryable failure.
	APIRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "physique",
		Subsystem: "analyzer",
		Name:      "api_retries_total",
		Help:      "Total number of vision API retries scheduled with backoff.",
	})

	// QueueDepth is the current number of pending requests in the queue.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "physique",
		Subsystem: "analyzer",
		Name:      "queue_depth",
		Help:      "Current number of pending analysis requests in the request queue.",
	})

	// ProcessingDurationSeconds is end-to-end time per analysis.
	ProcessingDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "physique",
		Subsystem: "analyzer",
		Name:      "processing_duration_seconds",
		Help:      "End-to-end time to run one analysis request through the pipeline.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60, 120},
	}, []string{"result"})

	// PublishErrorTotal counts failed publishes of completed analyses.
	PublishErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "physique",
		Subsystem: "analyzer",
		Name:      "publish_error_total",
		Help:      "Total number of RabbitMQ publish errors for completed analyses.",
	})
)

// Register registers analyzer metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			AnalysesTotal,
			CacheHitsTotal,
			CacheMissesTotal,
			CacheEvictionsTotal,
			APIAttemptsTotal,
			APIRetriesTotal,
			QueueDepth,
			ProcessingDurationSeconds,
			PublishErrorTotal,
		)
	})
}
