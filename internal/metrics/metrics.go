// Package metrics instruments the pool and DataSource layers with
// Prometheus metrics. Each Collector owns its own *prometheus.Registry
// so multiple instances never collide on the default one.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric selekt-go exposes.
type Collector struct {
	Registry *prometheus.Registry

	poolActive  *prometheus.GaugeVec
	poolIdle    *prometheus.GaugeVec
	poolTotal   *prometheus.GaugeVec
	poolWaiting *prometheus.GaugeVec

	acquireDuration *prometheus.HistogramVec
	poolExhausted   *prometheus.CounterVec
	evictionsTotal  *prometheus.CounterVec

	primaryUniquenessViolations *prometheus.CounterVec

	statementCacheHits   *prometheus.CounterVec
	statementCacheMisses *prometheus.CounterVec
	parameterParses      prometheus.Counter

	keyZeroisationsTotal prometheus.Counter

	dataSourceCacheSize prometheus.Gauge
}

// New creates and registers every metric against a fresh registry. Safe
// to call multiple times (e.g. in tests): each call is independent.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		poolActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "selekt_pool_active",
				Help: "Number of currently borrowed objects per pool",
			},
			[]string{"cache_key"},
		),
		poolIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "selekt_pool_idle",
				Help: "Number of currently idle objects per pool",
			},
			[]string{"cache_key"},
		),
		poolTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "selekt_pool_total",
				Help: "Number of live objects (borrowed + idle) per pool",
			},
			[]string{"cache_key"},
		),
		poolWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "selekt_pool_waiting",
				Help: "Number of goroutines parked waiting for a borrow per pool",
			},
			[]string{"cache_key"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "selekt_acquire_duration_seconds",
				Help:    "Time spent waiting inside Borrow/BorrowPrimary",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"cache_key"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selekt_pool_exhausted_total",
				Help: "Number of times a non-blocking borrow found no object available",
			},
			[]string{"cache_key"},
		),
		evictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selekt_pool_evictions_total",
				Help: "Number of idle objects destroyed by the background reaper",
			},
			[]string{"cache_key"},
		),
		primaryUniquenessViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selekt_primary_uniqueness_violations_total",
				Help: "Number of times a pool observed more than one live primary object (should remain zero)",
			},
			[]string{"cache_key"},
		),
		statementCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selekt_statement_cache_hits_total",
				Help: "executeOrPrepare calls served from the prepared-statement cache",
			},
			[]string{"cache_key"},
		),
		statementCacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selekt_statement_cache_misses_total",
				Help: "executeOrPrepare calls that required a fresh prepare_v2",
			},
			[]string{"cache_key"},
		),
		parameterParses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "selekt_parameter_parser_calls_total",
				Help: "Number of SQL strings run through the named-parameter parser",
			},
		),
		keyZeroisationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "selekt_key_zeroisations_total",
				Help: "Number of times an encryption key's backing buffer was zeroed",
			},
		),
		dataSourceCacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "selekt_datasource_cache_size",
				Help: "Number of distinct configurations currently cached by a DataSource",
			},
		),
	}

	reg.MustRegister(
		c.poolActive,
		c.poolIdle,
		c.poolTotal,
		c.poolWaiting,
		c.acquireDuration,
		c.poolExhausted,
		c.evictionsTotal,
		c.primaryUniquenessViolations,
		c.statementCacheHits,
		c.statementCacheMisses,
		c.parameterParses,
		c.keyZeroisationsTotal,
		c.dataSourceCacheSize,
	)

	return c
}

// UpdatePoolStats sets the point-in-time gauge metrics for one pool.
func (c *Collector) UpdatePoolStats(cacheKey string, active, idle, total, waiting int) {
	c.poolActive.WithLabelValues(cacheKey).Set(float64(active))
	c.poolIdle.WithLabelValues(cacheKey).Set(float64(idle))
	c.poolTotal.WithLabelValues(cacheKey).Set(float64(total))
	c.poolWaiting.WithLabelValues(cacheKey).Set(float64(waiting))
}

// AcquireDuration observes time spent inside a Borrow/BorrowPrimary call.
func (c *Collector) AcquireDuration(cacheKey string, d time.Duration) {
	c.acquireDuration.WithLabelValues(cacheKey).Observe(d.Seconds())
}

// PoolExhausted increments the non-blocking-borrow-found-nothing counter.
func (c *Collector) PoolExhausted(cacheKey string) {
	c.poolExhausted.WithLabelValues(cacheKey).Inc()
}

// EvictionOccurred increments the idle-eviction counter.
func (c *Collector) EvictionOccurred(cacheKey string) {
	c.evictionsTotal.WithLabelValues(cacheKey).Inc()
}

// PrimaryUniquenessViolation increments a counter that should remain
// zero in a healthy process; any non-zero value is a correctness bug.
func (c *Collector) PrimaryUniquenessViolation(cacheKey string) {
	c.primaryUniquenessViolations.WithLabelValues(cacheKey).Inc()
}

// StatementCacheHit records a cache-hit executeOrPrepare call.
func (c *Collector) StatementCacheHit(cacheKey string) {
	c.statementCacheHits.WithLabelValues(cacheKey).Inc()
}

// StatementCacheMiss records a cache-miss executeOrPrepare call.
func (c *Collector) StatementCacheMiss(cacheKey string) {
	c.statementCacheMisses.WithLabelValues(cacheKey).Inc()
}

// ParameterParserCalled increments the SQL-parameter-parser call counter.
func (c *Collector) ParameterParserCalled() {
	c.parameterParses.Inc()
}

// KeyZeroised increments the key-zeroisation counter.
func (c *Collector) KeyZeroised() {
	c.keyZeroisationsTotal.Inc()
}

// SetDataSourceCacheSize sets the number of distinct cached configurations.
func (c *Collector) SetDataSourceCacheSize(n int) {
	c.dataSourceCacheSize.Set(float64(n))
}

// RemoveCacheKey removes every per-pool metric series for cacheKey, e.g.
// once its Database has been closed and evicted from the registry.
func (c *Collector) RemoveCacheKey(cacheKey string) {
	c.poolActive.DeleteLabelValues(cacheKey)
	c.poolIdle.DeleteLabelValues(cacheKey)
	c.poolTotal.DeleteLabelValues(cacheKey)
	c.poolWaiting.DeleteLabelValues(cacheKey)
	c.poolExhausted.DeleteLabelValues(cacheKey)
	c.evictionsTotal.DeleteLabelValues(cacheKey)
	c.primaryUniquenessViolations.DeleteLabelValues(cacheKey)
	c.statementCacheHits.DeleteLabelValues(cacheKey)
	c.statementCacheMisses.DeleteLabelValues(cacheKey)
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"cache_key": cacheKey})
}
