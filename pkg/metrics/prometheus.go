package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector and CacheCollector
type PrometheusCollector struct {
	config   *Config
	registry *prometheus.Registry

	// Request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  *prometheus.GaugeVec
	errorsTotal     *prometheus.CounterVec

	// Cache metrics
	lookupsTotal   *prometheus.CounterVec
	writesTotal    *prometheus.CounterVec
	fallbacksTotal prometheus.Counter
	evictionsTotal prometheus.Counter
	evictedBytes   prometheus.Counter
	storeBytes     prometheus.Gauge
	storeEntries   prometheus.Gauge
}

// NewPrometheusCollector creates a new Prometheus metrics collector
func NewPrometheusCollector(opts ...ConfigOption) (*PrometheusCollector, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	collector := &PrometheusCollector{
		config:   config,
		registry: prometheus.NewRegistry(),
	}

	if err := collector.initMetrics(); err != nil {
		return nil, err
	}

	return collector, nil
}

// initMetrics initializes and registers all Prometheus metrics
func (p *PrometheusCollector) initMetrics() error {
	c := p.config

	labels := []string{"method", "code"}
	gaugeLabels := []string{"method"}
	errorLabels := []string{"method", "error_type"}
	if !c.EnablePerMethodMetrics {
		labels = []string{"code"}
		gaugeLabels = []string{}
		errorLabels = []string{"error_type"}
	}

	p.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   c.Namespace,
		Subsystem:   c.Subsystem,
		Name:        "requests_total",
		Help:        "Total number of HTTP requests issued",
		ConstLabels: c.ConstLabels,
	}, labels)

	if c.EnableHistogram {
		p.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   c.Namespace,
			Subsystem:   c.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Histogram of HTTP request duration in seconds",
			Buckets:     c.HistogramBuckets,
			ConstLabels: c.ConstLabels,
		}, labels)
	}

	p.activeRequests = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   c.Namespace,
		Subsystem:   c.Subsystem,
		Name:        "active_requests",
		Help:        "Number of in-flight HTTP requests",
		ConstLabels: c.ConstLabels,
	}, gaugeLabels)

	p.errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   c.Namespace,
		Subsystem:   c.Subsystem,
		Name:        "errors_total",
		Help:        "Total number of failed HTTP requests",
		ConstLabels: c.ConstLabels,
	}, errorLabels)

	p.lookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   c.Namespace,
		Subsystem:   c.CacheSubsystem,
		Name:        "lookups_total",
		Help:        "Cache lookups by result",
		ConstLabels: c.ConstLabels,
	}, []string{"result"})

	p.writesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   c.Namespace,
		Subsystem:   c.CacheSubsystem,
		Name:        "writes_total",
		Help:        "Cache write-throughs by result",
		ConstLabels: c.ConstLabels,
	}, []string{"result"})

	p.fallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   c.Namespace,
		Subsystem:   c.CacheSubsystem,
		Name:        "fallbacks_total",
		Help:        "Network failures answered from the cache",
		ConstLabels: c.ConstLabels,
	})

	p.evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   c.Namespace,
		Subsystem:   c.CacheSubsystem,
		Name:        "evictions_total",
		Help:        "Entries evicted to stay within capacity",
		ConstLabels: c.ConstLabels,
	})

	p.evictedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   c.Namespace,
		Subsystem:   c.CacheSubsystem,
		Name:        "evicted_bytes_total",
		Help:        "Bytes evicted to stay within capacity",
		ConstLabels: c.ConstLabels,
	})

	p.storeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   c.Namespace,
		Subsystem:   c.CacheSubsystem,
		Name:        "store_bytes",
		Help:        "Bytes currently held by the store",
		ConstLabels: c.ConstLabels,
	})

	p.storeEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   c.Namespace,
		Subsystem:   c.CacheSubsystem,
		Name:        "store_entries",
		Help:        "Entries currently held by the store",
		ConstLabels: c.ConstLabels,
	})

	collectors := []prometheus.Collector{
		p.requestsTotal,
		p.activeRequests,
		p.errorsTotal,
		p.lookupsTotal,
		p.writesTotal,
		p.fallbacksTotal,
		p.evictionsTotal,
		p.evictedBytes,
		p.storeBytes,
		p.storeEntries,
	}
	if c.EnableHistogram {
		collectors = append(collectors, p.requestDuration)
	}

	for _, collector := range collectors {
		if err := p.registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

// RecordRequest records a completed request
func (p *PrometheusCollector) RecordRequest(method string, code string, duration time.Duration) {
	labels := []string{method, code}
	if !p.config.EnablePerMethodMetrics {
		labels = []string{code}
	}

	p.requestsTotal.WithLabelValues(labels...).Inc()
	if p.config.EnableHistogram {
		p.requestDuration.WithLabelValues(labels...).Observe(duration.Seconds())
	}
}

// RecordError records an error occurrence
func (p *PrometheusCollector) RecordError(method string, errorType string) {
	if p.config.EnablePerMethodMetrics {
		p.errorsTotal.WithLabelValues(method, errorType).Inc()
	} else {
		p.errorsTotal.WithLabelValues(errorType).Inc()
	}
}

// RecordActiveRequests updates the active requests gauge
func (p *PrometheusCollector) RecordActiveRequests(method string, delta int) {
	if p.config.EnablePerMethodMetrics {
		p.activeRequests.WithLabelValues(method).Add(float64(delta))
	} else {
		p.activeRequests.WithLabelValues().Add(float64(delta))
	}
}

// RecordLookup records the outcome of a cache lookup
func (p *PrometheusCollector) RecordLookup(result string) {
	p.lookupsTotal.WithLabelValues(result).Inc()
}

// RecordStoreWrite records the outcome of a write-through
func (p *PrometheusCollector) RecordStoreWrite(result string) {
	p.writesTotal.WithLabelValues(result).Inc()
}

// RecordFallback records a network failure answered from the cache
func (p *PrometheusCollector) RecordFallback() {
	p.fallbacksTotal.Inc()
}

// RecordEviction records an LRU eviction
func (p *PrometheusCollector) RecordEviction(size int64) {
	p.evictionsTotal.Inc()
	p.evictedBytes.Add(float64(size))
}

// SetStoreSize updates the store size gauges
func (p *PrometheusCollector) SetStoreSize(bytes int64, entries int) {
	p.storeBytes.Set(float64(bytes))
	p.storeEntries.Set(float64(entries))
}

// GetRegistry returns the Prometheus registry
func (p *PrometheusCollector) GetRegistry() *prometheus.Registry {
	return p.registry
}

// MustRegister registers a custom collector
func (p *PrometheusCollector) MustRegister(collectors ...prometheus.Collector) {
	p.registry.MustRegister(collectors...)
}
