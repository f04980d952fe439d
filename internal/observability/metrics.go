// Package observability exposes Prometheus metrics for the gateway.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsManager manages Prometheus metrics
type MetricsManager struct {
	logger   *zap.SugaredLogger
	registry *prometheus.Registry

	// Core metrics
	uptime         prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	serversTotal   prometheus.Gauge
	serversEnabled prometheus.Gauge
	serversHealthy prometheus.Gauge
	agentsTotal    prometheus.Gauge
	toolsTotal     prometheus.Gauge

	// Proxy metrics
	proxyCalls    *prometheus.CounterVec
	proxyDuration *prometheus.HistogramVec

	// Authorization metrics
	authzDecisions *prometheus.CounterVec

	// Discovery metrics
	searchQueries *prometheus.CounterVec
	indexSize     prometheus.Gauge

	// Health probe metrics
	probes *prometheus.CounterVec
}

// NewMetricsManager creates a new metrics manager
func NewMetricsManager(logger *zap.SugaredLogger) *MetricsManager {
	registry := prometheus.NewRegistry()

	mm := &MetricsManager{
		logger:   logger,
		registry: registry,
	}

	mm.initMetrics()
	mm.registerMetrics()

	return mm
}

// initMetrics initializes all Prometheus metrics
func (mm *MetricsManager) initMetrics() {
	// System metrics
	mm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpgw_uptime_seconds",
		Help: "Time since the application started",
	})

	// HTTP metrics
	mm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgw_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	mm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpgw_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// Registry metrics
	mm.serversTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpgw_servers_total",
		Help: "Total number of registered servers",
	})

	mm.serversEnabled = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpgw_servers_enabled",
		Help: "Number of enabled servers",
	})

	mm.serversHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpgw_servers_healthy",
		Help: "Number of servers whose last probe succeeded",
	})

	mm.agentsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpgw_agents_total",
		Help: "Total number of registered agents",
	})

	mm.toolsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpgw_tools_total",
		Help: "Total number of known tools across all servers",
	})

	// Proxy metrics
	mm.proxyCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgw_proxy_calls_total",
			Help: "Total number of proxied MCP calls",
		},
		[]string{"server", "method", "decision"},
	)

	mm.proxyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpgw_proxy_call_duration_seconds",
			Help:    "Proxied call duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"server", "method"},
	)

	// Authorization metrics
	mm.authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgw_authz_decisions_total",
			Help: "Total number of authorization decisions",
		},
		[]string{"decision", "reason"},
	)

	// Discovery metrics
	mm.searchQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgw_search_queries_total",
			Help: "Total number of discovery searches",
		},
		[]string{"mode"}, // mode: hybrid, degraded
	)

	mm.indexSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcpgw_index_documents_total",
		Help: "Number of documents in the discovery index",
	})

	// Health probe metrics
	mm.probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgw_health_probes_total",
			Help: "Total number of upstream health probes",
		},
		[]string{"status"},
	)
}

// registerMetrics registers all metrics with the registry
func (mm *MetricsManager) registerMetrics() {
	mm.registry.MustRegister(
		mm.uptime,
		mm.httpRequests,
		mm.httpDuration,
		mm.serversTotal,
		mm.serversEnabled,
		mm.serversHealthy,
		mm.agentsTotal,
		mm.toolsTotal,
		mm.proxyCalls,
		mm.proxyDuration,
		mm.authzDecisions,
		mm.searchQueries,
		mm.indexSize,
		mm.probes,
	)

	// Also register Go runtime metrics
	mm.registry.MustRegister(collectors.NewGoCollector())
	mm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for the /metrics endpoint
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// SetUptime sets the uptime metric
func (mm *MetricsManager) SetUptime(startTime time.Time) {
	mm.uptime.Set(time.Since(startTime).Seconds())
}

// RecordHTTPRequest records an HTTP request
func (mm *MetricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	mm.httpRequests.WithLabelValues(method, path, status).Inc()
	mm.httpDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// SetRegistryStats updates registry gauges
func (mm *MetricsManager) SetRegistryStats(serversTotal, serversEnabled, serversHealthy, agentsTotal, toolsTotal int) {
	mm.serversTotal.Set(float64(serversTotal))
	mm.serversEnabled.Set(float64(serversEnabled))
	mm.serversHealthy.Set(float64(serversHealthy))
	mm.agentsTotal.Set(float64(agentsTotal))
	mm.toolsTotal.Set(float64(toolsTotal))
}

// RecordProxyCall records a proxied MCP call
func (mm *MetricsManager) RecordProxyCall(server, method, decision string, duration time.Duration) {
	mm.proxyCalls.WithLabelValues(server, method, decision).Inc()
	if decision == "allow" {
		mm.proxyDuration.WithLabelValues(server, method).Observe(duration.Seconds())
	}
}

// RecordAuthzDecision records an authorization decision
func (mm *MetricsManager) RecordAuthzDecision(decision, reason string) {
	mm.authzDecisions.WithLabelValues(decision, reason).Inc()
}

// RecordSearch records a discovery search
func (mm *MetricsManager) RecordSearch(degraded bool) {
	mode := "hybrid"
	if degraded {
		mode = "degraded"
	}
	mm.searchQueries.WithLabelValues(mode).Inc()
}

// SetIndexSize sets the index document count
func (mm *MetricsManager) SetIndexSize(count uint64) {
	mm.indexSize.Set(float64(count))
}

// RecordProbe records a health probe outcome
func (mm *MetricsManager) RecordProbe(status string) {
	mm.probes.WithLabelValues(status).Inc()
}
