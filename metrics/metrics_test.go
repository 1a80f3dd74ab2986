package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sample returns the value of the named series whose labels include the
// given name/value pairs.
func sample(t *testing.T, m *Metrics, name string, labels ...string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, s := range f.GetMetric() {
			want := map[string]string{}
			for i := 0; i+1 < len(labels); i += 2 {
				want[labels[i]] = labels[i+1]
			}
			for _, lp := range s.GetLabel() {
				if v, ok := want[lp.GetName()]; ok && v != lp.GetValue() {
					continue next
				}
			}
			if s.GetCounter() != nil {
				return s.GetCounter().GetValue()
			}
			return s.GetGauge().GetValue()
		}
	}
	t.Fatalf("series %s %v not found", name, labels)
	return 0
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.ConnectionClosed("overrun")
		m.Registered("ok")
		m.ProxyFailure()
		m.Overrun()
		m.PingTimeout()
		m.LineIn()
		m.LineOut()
		m.SetClients(1, 2)
	})
}

func TestCounters(t *testing.T) {
	m := New("ircd")
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed("")
	m.Registered("ok")
	m.Overrun()
	m.SetClients(3, 1)

	assert.Equal(t, 1.0, sample(t, m, "ircd_connections"))
	assert.Equal(t, 1.0, sample(t, m, "ircd_drops_total", "reason", "closed"))
	assert.Equal(t, 1.0, sample(t, m, "ircd_registrations_total", "outcome", "ok"))
	assert.Equal(t, 1.0, sample(t, m, "ircd_line_overruns_total"))
	assert.Equal(t, 3.0, sample(t, m, "ircd_clients"))
	assert.Equal(t, 1.0, sample(t, m, "ircd_channels"))
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New("ircd")
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, sample(t, m, "ircd_http_requests_total", "path", "/healthz", "code", "200"))

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ircd_http_requests_total"))
}
