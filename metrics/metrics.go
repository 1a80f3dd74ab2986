// Package metrics holds the Prometheus collectors of one server instance and
// the Echo middleware that instruments its status endpoints.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a set of collectors bound to its own registry. All methods are
// safe on a nil receiver so components can run without instrumentation.
type Metrics struct {
	Registry *prometheus.Registry

	Connections   prometheus.Gauge
	Clients       prometheus.Gauge
	Channels      prometheus.Gauge
	Registrations *prometheus.CounterVec
	Drops         *prometheus.CounterVec
	ProxyFailures prometheus.Counter
	Overruns      prometheus.Counter
	PingTimeouts  prometheus.Counter
	LinesIn       prometheus.Counter
	LinesOut      prometheus.Counter

	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
}

// New registers a fresh set of collectors under the given namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Connections currently tracked, registered or not",
		}),
		Clients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Registered clients",
		}),
		Channels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels",
			Help:      "Channels with at least one member",
		}),
		Registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration attempts by outcome",
		}, []string{"outcome"}),
		Drops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drops_total",
			Help:      "Connections removed, by reason",
		}, []string{"reason"}),
		ProxyFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_header_failures_total",
			Help:      "Connections rejected for a malformed PROXY header",
		}),
		Overruns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "line_overruns_total",
			Help:      "Connections dropped for an oversized line",
		}),
		PingTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ping_timeouts_total",
			Help:      "Clients dropped for not answering PING",
		}),
		LinesIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_received_total",
			Help:      "Decoded lines received",
		}),
		LinesOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_sent_total",
			Help:      "Lines queued for sending",
		}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Status endpoint latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method"}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Status endpoint requests by status code",
		}, []string{"path", "method", "code"}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.Connections.Dec()
	if reason == "" {
		reason = "closed"
	}
	m.Drops.WithLabelValues(reason).Inc()
}

func (m *Metrics) Registered(outcome string) {
	if m != nil {
		m.Registrations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ProxyFailure() {
	if m != nil {
		m.ProxyFailures.Inc()
	}
}

func (m *Metrics) Overrun() {
	if m != nil {
		m.Overruns.Inc()
	}
}

func (m *Metrics) PingTimeout() {
	if m != nil {
		m.PingTimeouts.Inc()
	}
}

func (m *Metrics) LineIn() {
	if m != nil {
		m.LinesIn.Inc()
	}
}

func (m *Metrics) LineOut() {
	if m != nil {
		m.LinesOut.Inc()
	}
}

// SetClients records the current client and channel counts.
func (m *Metrics) SetClients(clients, channels int) {
	if m == nil {
		return
	}
	m.Clients.Set(float64(clients))
	m.Channels.Set(float64(channels))
}

// Middleware returns Echo middleware recording latency and status codes.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			path := c.Path()
			method := c.Request().Method
			m.RequestDuration.WithLabelValues(path, method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(path, method, strconv.Itoa(c.Response().Status)).Inc()
			return nil
		}
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
}
