package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the scraped nginx counters as Prometheus gauges.
type Metrics struct {
	registry *prometheus.Registry

	activeConnections prometheus.Gauge
	reading           prometheus.Gauge
	writing           prometheus.Gauge
	waiting           prometheus.Gauge
	requests          prometheus.Gauge
	uptimeSeconds     prometheus.Gauge
	rxBytes           prometheus.Gauge
	txBytes           prometheus.Gauge
	hosts             prometheus.Gauge
	enabledHosts      prometheus.Gauge
	certificates      prometheus.Gauge
}

// NewMetrics builds the gauge set on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "nubi",
			Name:      name,
			Help:      help,
		})
	}

	return &Metrics{
		registry:          reg,
		activeConnections: gauge("nginx_active_connections", "Active client connections, excluding the scraper."),
		reading:           gauge("nginx_reading", "Connections reading request headers."),
		writing:           gauge("nginx_writing", "Connections writing responses."),
		waiting:           gauge("nginx_waiting", "Idle keep-alive connections."),
		requests:          gauge("nginx_requests_total", "Total requests served since nginx start."),
		uptimeSeconds:     gauge("nginx_uptime_seconds", "Nginx master process uptime."),
		rxBytes:           gauge("net_rx_bytes_total", "Cumulative bytes received on the monitored interface."),
		txBytes:           gauge("net_tx_bytes_total", "Cumulative bytes sent on the monitored interface."),
		hosts:             gauge("proxy_hosts", "Managed proxy hosts."),
		enabledHosts:      gauge("proxy_hosts_enabled", "Enabled proxy hosts."),
		certificates:      gauge("certificates", "Managed certificates."),
	}
}

// Observe records one scrape sample.
func (m *Metrics) Observe(d MetricsData) {
	m.activeConnections.Set(float64(d.ActiveConnections))
	m.reading.Set(float64(d.Reading))
	m.writing.Set(float64(d.Writing))
	m.waiting.Set(float64(d.Waiting))
	m.requests.Set(float64(d.Requests))
	m.uptimeSeconds.Set(float64(d.Uptime))
	m.rxBytes.Set(float64(d.RxBytes))
	m.txBytes.Set(float64(d.TxBytes))
	m.hosts.Set(float64(d.Hosts))
	m.enabledHosts.Set(float64(d.EnabledHosts))
	m.certificates.Set(float64(d.Certificates))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
