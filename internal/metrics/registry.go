// Package metrics maintains the gateway's counters, gauges, latency
// histograms, alert thresholds, and periodic snapshots described in
// spec.md §4.9. Low-level counters are Prometheus vectors (as the
// observability packages across the example pack's services do);
// the summary/alerting surface on top is gateway-specific and has no
// direct Prometheus analogue, so it is plain Go state behind a mutex.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/collabgw/gateway/internal/sharedstate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Thresholds configures when alerts fire, per spec.md §4.9.
type Thresholds struct {
	HighLatencyMS     float64
	HighErrorRatePct  float64
	HighMemoryPct     float64
}

// SharedStoreProbe is implemented by the shared-state client so the
// metrics registry can probe its health without a circular import.
type SharedStoreProbe interface {
	HealthCheck(ctx context.Context) sharedstate.HealthReport
	CacheStats() (hits, misses int64)
}

const maxSnapshotAge = 24 * time.Hour
const maxAlerts = 10

// Registry is the process-wide metrics collector.
type Registry struct {
	logger     *zap.Logger
	thresholds Thresholds
	store      SharedStoreProbe
	persister  Persister

	mu sync.Mutex

	lastMessageTotal int64

	totalConnections  int64
	activeConnections int64
	peakConnections   int64
	messagesByType    map[string]int64
	errorsByType      map[string]int64
	activeWorkspaces  map[string]struct{}
	userAgents        map[string]int64
	countries         map[string]int64

	latencySamples []float64

	cacheHits   int64
	cacheMisses int64
	storeFail   int64
	storeOK     int64

	snapshots []Snapshot
	alerts    []Alert

	promRegistry        *prometheus.Registry
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	messagesTotal       *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	connectionsGauge    prometheus.Gauge
}

// Snapshot is a minute-granularity point-in-time summary.
type Snapshot struct {
	Timestamp         time.Time
	ActiveConnections int64
	MessageRatePerMin float64
	MeanLatencyMS     float64
	ErrorRatePct      float64
}

// Alert records a threshold breach.
type Alert struct {
	Timestamp time.Time
	Kind      string
	Message   string
	Value     float64
}

// Persister is the subset of the shared-state client used to archive
// daily rollups. It is satisfied by *sharedstate.Client.
type Persister interface {
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) sharedstate.OpResult
}

// New constructs a Registry and registers its Prometheus collectors.
// store and persister may be the same *sharedstate.Client, or nil to
// disable store health alerts and daily archiving respectively.
func New(thresholds Thresholds, store SharedStoreProbe, persister Persister, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := &Registry{
		logger:           logger.With(zap.String("component", "metrics")),
		thresholds:       thresholds,
		store:            store,
		persister:        persister,
		messagesByType:   make(map[string]int64),
		errorsByType:     make(map[string]int64),
		activeWorkspaces: make(map[string]struct{}),
		userAgents:       make(map[string]int64),
		countries:        make(map[string]int64),

		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests handled by the gateway.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "messages_processed_total",
			Help:      "Total transport events processed, by event type.",
		}, []string{"event_type"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "errors_total",
			Help:      "Total handler errors, by kind.",
		}, []string{"kind"}),
		connectionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "active_connections",
			Help:      "Currently active transport sessions.",
		}),
	}

	registry.promRegistry = prometheus.NewRegistry()
	registry.promRegistry.MustRegister(
		registry.httpRequestsTotal,
		registry.httpRequestDuration,
		registry.messagesTotal,
		registry.errorsTotal,
		registry.connectionsGauge,
	)

	return registry
}

// Handler returns an http.Handler serving this registry's Prometheus
// collectors, independent from the global default registry so that
// multiple Registry instances (as in tests) never collide.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.promRegistry, promhttp.HandlerOpts{})
}

// ObserveHTTP records an HTTP request's outcome for the gin middleware.
func (r *Registry) ObserveHTTP(method, path, status string, duration time.Duration) {
	r.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	r.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ConnectionOpened records a new transport session, tagged with the
// client's user agent and best-effort resolved country.
func (r *Registry) ConnectionOpened(userAgent, country string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalConnections++
	r.activeConnections++
	if r.activeConnections > r.peakConnections {
		r.peakConnections = r.activeConnections
	}
	if userAgent == "" {
		userAgent = "unknown"
	}
	if country == "" {
		country = "unknown"
	}
	r.userAgents[userAgent]++
	r.countries[country]++
	r.connectionsGauge.Set(float64(r.activeConnections))
}

// ConnectionClosed records a session ending.
func (r *Registry) ConnectionClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeConnections > 0 {
		r.activeConnections--
	}
	r.connectionsGauge.Set(float64(r.activeConnections))
}

// MessageProcessed records a successfully handled transport event and
// its processing latency.
func (r *Registry) MessageProcessed(eventType string, latency time.Duration) {
	r.messagesTotal.WithLabelValues(eventType).Inc()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messagesByType[eventType]++
	r.latencySamples = append(r.latencySamples, float64(latency.Milliseconds()))
	if len(r.latencySamples) > 2000 {
		r.latencySamples = r.latencySamples[len(r.latencySamples)-2000:]
	}
}

// ErrorOccurred records a handler-layer error by kind.
func (r *Registry) ErrorOccurred(kind string, details string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorsByType[kind]++
	r.logger.Warn("handler error", zap.String("kind", kind), zap.String("details", details))
}

// WorkspaceActivated marks a workspace as having at least one member.
func (r *Registry) WorkspaceActivated(workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeWorkspaces[workspaceID] = struct{}{}
}

// WorkspaceDeactivated removes a workspace once its membership empties.
func (r *Registry) WorkspaceDeactivated(workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.activeWorkspaces, workspaceID)
}

// CacheHit implements sharedstate.MetricsSink. GetMetricsSummary
// prefers the live store's own CacheStats() when a store is attached,
// so in production this fallback counter only matters if the registry
// is ever run without one.
func (r *Registry) CacheHit() {
	r.mu.Lock()
	r.cacheHits++
	r.mu.Unlock()
}

// CacheMiss implements sharedstate.MetricsSink.
func (r *Registry) CacheMiss() {
	r.mu.Lock()
	r.cacheMisses++
	r.mu.Unlock()
}

// StoreFailure implements sharedstate.MetricsSink.
func (r *Registry) StoreFailure() {
	r.mu.Lock()
	r.storeFail++
	r.mu.Unlock()
}

// StoreSuccess implements sharedstate.MetricsSink.
func (r *Registry) StoreSuccess() {
	r.mu.Lock()
	r.storeOK++
	r.mu.Unlock()
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64{}, values...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (r *Registry) errorRatePct() float64 {
	var totalErrors, totalMessages int64
	for _, count := range r.errorsByType {
		totalErrors += count
	}
	for _, count := range r.messagesByType {
		totalMessages += count
	}
	if totalMessages == 0 {
		return 0
	}
	return float64(totalErrors) / float64(totalMessages) * 100
}

// Summary is the JSON shape returned by GET /metrics.
type Summary struct {
	TotalConnections  int64            `json:"totalConnections"`
	ActiveConnections int64            `json:"activeConnections"`
	PeakConnections   int64            `json:"peakConnections"`
	ActiveWorkspaces  int              `json:"activeWorkspaces"`
	MessagesByType    map[string]int64 `json:"messagesByType"`
	ErrorsByType      map[string]int64 `json:"errorsByType"`
	MeanLatencyMS     float64          `json:"meanLatencyMs"`
	P95LatencyMS      float64          `json:"p95LatencyMs"`
	ErrorRatePct      float64          `json:"errorRatePct"`
	CacheHits         int64            `json:"cacheHits"`
	CacheMisses       int64            `json:"cacheMisses"`
	MemoryRSSBytes    uint64           `json:"memoryRssBytes"`
	MemoryHeapBytes   uint64           `json:"memoryHeapBytes"`
	NumGoroutines     int              `json:"numGoroutines"`

	UserAgents map[string]int64 `json:"userAgents,omitempty"`
	Countries  map[string]int64 `json:"countries,omitempty"`
	Snapshots  []Snapshot        `json:"snapshots,omitempty"`
	Alerts     []Alert           `json:"alerts,omitempty"`
}

// GetMetricsSummary returns the current summary. detailed adds
// per-user-agent/country breakdowns, the snapshot series, and alerts.
func (r *Registry) GetMetricsSummary(detailed bool) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	cacheHits, cacheMisses := r.cacheHits, r.cacheMisses
	if r.store != nil {
		cacheHits, cacheMisses = r.store.CacheStats()
	}

	summary := Summary{
		TotalConnections:  r.totalConnections,
		ActiveConnections: r.activeConnections,
		PeakConnections:   r.peakConnections,
		ActiveWorkspaces:  len(r.activeWorkspaces),
		MessagesByType:    copyCounts(r.messagesByType),
		ErrorsByType:      copyCounts(r.errorsByType),
		MeanLatencyMS:     meanOf(r.latencySamples),
		P95LatencyMS:      percentile(r.latencySamples, 0.95),
		ErrorRatePct:      r.errorRatePct(),
		CacheHits:         cacheHits,
		CacheMisses:       cacheMisses,
		MemoryRSSBytes:    memStats.Sys,
		MemoryHeapBytes:   memStats.HeapAlloc,
		NumGoroutines:     runtime.NumGoroutine(),
	}

	if detailed {
		summary.UserAgents = copyCounts(r.userAgents)
		summary.Countries = copyCounts(r.countries)
		summary.Snapshots = append([]Snapshot{}, r.snapshots...)
		summary.Alerts = append([]Alert{}, r.alerts...)
	}

	return summary
}

// PerformanceReport is a narrower, operator-facing view used by
// GetPerformanceReport.
type PerformanceReport struct {
	MeanLatencyMS float64 `json:"meanLatencyMs"`
	P95LatencyMS  float64 `json:"p95LatencyMs"`
	ErrorRatePct  float64 `json:"errorRatePct"`
	HeapRatioPct  float64 `json:"heapRatioPct"`
}

// GetPerformanceReport summarizes latency/error/memory health.
func (r *Registry) GetPerformanceReport() PerformanceReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	heapRatio := float64(0)
	if memStats.HeapSys > 0 {
		heapRatio = float64(memStats.HeapAlloc) / float64(memStats.HeapSys) * 100
	}

	return PerformanceReport{
		MeanLatencyMS: meanOf(r.latencySamples),
		P95LatencyMS:  percentile(r.latencySamples, 0.95),
		ErrorRatePct:  r.errorRatePct(),
		HeapRatioPct:  heapRatio,
	}
}

func copyCounts(source map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(source))
	for k, v := range source {
		out[k] = v
	}
	return out
}
