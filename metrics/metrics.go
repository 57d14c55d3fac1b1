// Package metrics holds the prometheus collectors for printer transports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "printbridge"

// Metrics groups the transport collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	connectAttempts prometheus.Counter
	sessions        prometheus.Gauge
	publishes       *prometheus.CounterVec
	telemetryErrors prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests sent to printers.",
		}, []string{"code", "method"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests sent to printers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_connect_attempts_total",
			Help:      "MQTT connection attempts started.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_sessions",
			Help:      "Cached MQTT sessions.",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_publishes_total",
			Help:      "MQTT command publishes by result.",
		}, []string{"result"}),
		telemetryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_errors_total",
			Help:      "Discarded malformed telemetry messages.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.httpRequests, m.httpDuration, m.connectAttempts,
		m.sessions, m.publishes, m.telemetryErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// InstrumentClient wraps the client's transport with request counting and
// latency observation. The client is modified in place and returned.
func (m *Metrics) InstrumentClient(c *http.Client) *http.Client {
	if m == nil {
		return c
	}
	next := c.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	c.Transport = promhttp.InstrumentRoundTripperCounter(m.httpRequests,
		promhttp.InstrumentRoundTripperDuration(m.httpDuration, next))
	return c
}

// ConnectAttempt counts a started MQTT connection attempt.
func (m *Metrics) ConnectAttempt() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

// SetSessions records the number of cached MQTT sessions.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

// Publish counts an MQTT publish; err selects the result label.
func (m *Metrics) Publish(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.publishes.WithLabelValues(result).Inc()
}

// TelemetryError counts a discarded telemetry message.
func (m *Metrics) TelemetryError() {
	if m == nil {
		return
	}
	m.telemetryErrors.Inc()
}
