package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer
)

// Config holds metrics configuration.
type Config struct {
	EnableAccountLabel bool
}

// Metrics holds every metric the engine exposes: chunk throughput, dedup
// ratio, cache hit rate, stripe rebuild duration, account health
// transitions, and KDF latency (spec.md §10).
type Metrics struct {
	config Config

	opsRequestsTotal   *prometheus.CounterVec
	opsRequestDuration *prometheus.HistogramVec

	chunkOperationsTotal   *prometheus.CounterVec
	chunkOperationDuration *prometheus.HistogramVec
	chunkOperationErrors   *prometheus.CounterVec
	chunkBytesTotal        *prometheus.CounterVec

	dedupHitsTotal      prometheus.Counter
	dedupBytesSavedTotal prometheus.Counter

	cacheHitsTotal   prometheus.Counter
	cacheMissesTotal prometheus.Counter
	cacheEvictions   prometheus.Counter

	encryptionOperations *prometheus.CounterVec
	encryptionDuration   *prometheus.HistogramVec
	encryptionErrors     *prometheus.CounterVec
	encryptionBytes      *prometheus.CounterVec

	cryptoMigrations prometheus.Counter
	kdfDuration      prometheus.Histogram

	stripeRebuildDuration *prometheus.HistogramVec
	stripeRebuildErrors   *prometheus.CounterVec

	accountHealthTransitions *prometheus.CounterVec

	bufferPoolHits   *prometheus.CounterVec
	bufferPoolMisses *prometheus.CounterVec

	activeHandles    prometheus.Gauge
	goroutines       prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memorySysBytes   prometheus.Gauge

	hardwareAccelerationEnabled *prometheus.GaugeVec
}

// NewMetrics creates a new metrics instance with default configuration.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableAccountLabel: true})
}

// NewMetricsWithConfig creates a new metrics instance with the provided configuration.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry.
// This is useful for testing to avoid metric registration conflicts.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableAccountLabel: true})
}

func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,
		opsRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ops_requests_total",
				Help: "Total number of ops-server HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		opsRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ops_request_duration_seconds",
				Help:    "Ops-server HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		chunkOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_operations_total",
				Help: "Total number of chunk read/write operations",
			},
			[]string{"operation"}, // "read" | "write"
		),
		chunkOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chunk_operation_duration_seconds",
				Help:    "Chunk read/write operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		chunkOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_operation_errors_total",
				Help: "Total number of chunk read/write errors",
			},
			[]string{"operation", "error_type"},
		),
		chunkBytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_bytes_total",
				Help: "Total plaintext bytes chunked for read/write",
			},
			[]string{"operation"},
		),
		dedupHitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dedup_hits_total",
				Help: "Total number of chunks skipped because an identical chunk was already stored",
			},
		),
		dedupBytesSavedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dedup_bytes_saved_total",
				Help: "Total plaintext bytes not re-uploaded due to deduplication",
			},
		),
		cacheHitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of chunk cache hits",
			},
		),
		cacheMissesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of chunk cache misses",
			},
		),
		cacheEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_evictions_total",
				Help: "Total number of chunk cache evictions",
			},
		),
		encryptionOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_operations_total",
				Help: "Total number of chunk encryption/decryption operations",
			},
			[]string{"operation"}, // "encrypt" or "decrypt"
		),
		encryptionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "encryption_duration_seconds",
				Help:    "Chunk encryption/decryption duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		encryptionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_errors_total",
				Help: "Total number of encryption/decryption errors",
			},
			[]string{"operation", "error_type"},
		),
		encryptionBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_bytes_total",
				Help: "Total ciphertext bytes encrypted/decrypted",
			},
			[]string{"operation"},
		),
		cryptoMigrations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crypto_purpose_migrations_total",
				Help: "Total number of opportunistic crypto-purpose-prefix migrations on decrypt",
			},
		),
		kdfDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kdf_duration_seconds",
				Help:    "Argon2id master-key derivation duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		),
		stripeRebuildDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stripe_rebuild_duration_seconds",
				Help:    "Duration of a single erasure-coded stripe rebuild",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"}, // "ok" | "unrecoverable"
		),
		stripeRebuildErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stripe_rebuild_errors_total",
				Help: "Total number of stripe rebuild failures",
			},
			[]string{"error_type"},
		),
		accountHealthTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "account_health_transitions_total",
				Help: "Total number of remote-account health-state transitions",
			},
			[]string{"account_id", "from_state", "to_state"},
		),
		bufferPoolHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buffer_pool_hits_total",
				Help: "Total number of buffer pool hits",
			},
			[]string{"size_class"},
		),
		bufferPoolMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buffer_pool_misses_total",
				Help: "Total number of buffer pool misses",
			},
			[]string{"size_class"},
		),
		activeHandles: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_handles",
				Help: "Number of currently open file handles",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
		hardwareAccelerationEnabled: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hardware_acceleration_enabled",
				Help: "Hardware acceleration status (1=enabled, 0=disabled)",
			},
			[]string{"type"},
		),
	}
}

// SetHardwareAccelerationStatus sets the hardware acceleration status metric.
func (m *Metrics) SetHardwareAccelerationStatus(accelType string, enabled bool) {
	val := 0.0
	if enabled {
		val = 1.0
	}
	m.hardwareAccelerationEnabled.WithLabelValues(accelType).Set(val)
}

// GetHardwareAccelerationEnabledMetric returns the hardware acceleration enabled metric (for testing).
func (m *Metrics) GetHardwareAccelerationEnabledMetric() *prometheus.GaugeVec {
	return m.hardwareAccelerationEnabled
}

// RecordOpsRequest records an ops-server HTTP request.
func (m *Metrics) RecordOpsRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	labels := prometheus.Labels{"method": method, "path": path, "status": http.StatusText(status)}
	withExemplar(ctx, m.opsRequestsTotal.With(labels), m.opsRequestDuration.With(labels), duration)
}

// RecordChunkOperation records a chunk read or write operation.
func (m *Metrics) RecordChunkOperation(ctx context.Context, operation string, duration time.Duration, bytes int64) {
	withExemplar(ctx, m.chunkOperationsTotal.WithLabelValues(operation), m.chunkOperationDuration.WithLabelValues(operation), duration)
	m.chunkBytesTotal.WithLabelValues(operation).Add(float64(bytes))
}

// RecordChunkError records a chunk operation error.
func (m *Metrics) RecordChunkError(operation, errorType string) {
	m.chunkOperationErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordDedupHit records a deduplicated chunk write, saving size plaintext bytes.
func (m *Metrics) RecordDedupHit(size int64) {
	m.dedupHitsTotal.Inc()
	m.dedupBytesSavedTotal.Add(float64(size))
}

// RecordCacheHit records a chunk cache hit.
func (m *Metrics) RecordCacheHit() { m.cacheHitsTotal.Inc() }

// RecordCacheMiss records a chunk cache miss.
func (m *Metrics) RecordCacheMiss() { m.cacheMissesTotal.Inc() }

// RecordCacheEviction records a chunk cache eviction.
func (m *Metrics) RecordCacheEviction() { m.cacheEvictions.Inc() }

// RecordEncryptionOperation records an encryption/decryption operation.
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, duration time.Duration, bytes int64) {
	withExemplar(ctx, m.encryptionOperations.WithLabelValues(operation), m.encryptionDuration.WithLabelValues(operation), duration)
	m.encryptionBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordEncryptionError records an encryption/decryption error.
func (m *Metrics) RecordEncryptionError(operation, errorType string) {
	m.encryptionErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordCryptoMigration records an opportunistic crypto-purpose-prefix migration.
func (m *Metrics) RecordCryptoMigration() {
	m.cryptoMigrations.Inc()
}

// RecordKDFDuration records how long an Argon2id master-key derivation took.
func (m *Metrics) RecordKDFDuration(duration time.Duration) {
	m.kdfDuration.Observe(duration.Seconds())
}

// RecordStripeRebuild records the outcome and duration of a single stripe rebuild.
func (m *Metrics) RecordStripeRebuild(result string, duration time.Duration) {
	m.stripeRebuildDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordStripeRebuildError records a stripe rebuild failure.
func (m *Metrics) RecordStripeRebuildError(errorType string) {
	m.stripeRebuildErrors.WithLabelValues(errorType).Inc()
}

// RecordAccountHealthTransition records a remote-account health-state change.
func (m *Metrics) RecordAccountHealthTransition(accountID int, fromState, toState string) {
	m.accountHealthTransitions.WithLabelValues(strconv.Itoa(accountID), fromState, toState).Inc()
}

// RecordBufferPoolHit records a buffer pool hit.
func (m *Metrics) RecordBufferPoolHit(sizeClass string) {
	m.bufferPoolHits.WithLabelValues(sizeClass).Inc()
}

// RecordBufferPoolMiss records a buffer pool miss.
func (m *Metrics) RecordBufferPoolMiss(sizeClass string) {
	m.bufferPoolMisses.WithLabelValues(sizeClass).Inc()
}

// SetActiveHandles sets the active-handle gauge.
func (m *Metrics) SetActiveHandles(n int) {
	m.activeHandles.Set(float64(n))
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// withExemplar increments counter and observes duration on histogram,
// attaching a trace-id exemplar when the context carries a valid span.
func withExemplar(ctx context.Context, counter prometheus.Counter, histogram prometheus.Observer, duration time.Duration) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := counter.(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			counter.Inc()
		}
		if observer, ok := histogram.(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
			return
		}
		histogram.Observe(duration.Seconds())
		return
	}
	counter.Inc()
	histogram.Observe(duration.Seconds())
}

// getExemplar extracts trace ID from context and returns prometheus Labels for exemplar.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
