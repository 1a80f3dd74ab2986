package server

import (
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/presbrey/ircd/audit"
)

// Status is the body of GET /status.
type Status struct {
	Name        string  `json:"name"`
	Network     string  `json:"network"`
	Uptime      float64 `json:"uptime_seconds"`
	Connections int     `json:"connections"`
	Clients     int     `json:"clients"`
	Channels    int     `json:"channels"`
	Registering int     `json:"registering"`
}

type sessionsQuery struct {
	Limit int `query:"limit" json:"limit" validate:"gte=1,lte=500"`
}

// requestValidator adapts go-playground/validator to echo.Validator,
// naming fields by their json tag in error messages.
type requestValidator struct {
	validator *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &requestValidator{validator: v}
}

func (rv *requestValidator) Validate(i interface{}) error {
	if err := rv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func (s *Server) newStatus() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newRequestValidator()
	e.Use(s.metrics.Middleware())

	e.GET("/healthz", s.handleHealth)
	e.GET("/status", s.handleStatus)
	e.GET("/sessions", s.handleSessions)
	e.GET("/metrics", s.metrics.Handler())
	return e
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// handleStatus reports live counts read on the queue.
func (s *Server) handleStatus(c echo.Context) error {
	st := Status{
		Name:    s.config.Server.Name,
		Network: s.config.Server.Network,
		Uptime:  s.clock.Since(s.startTime).Round(time.Second).Seconds(),
	}
	err := s.queue.Do(func() {
		st.Connections = s.conns.Len()
		st.Clients = s.sessions.Len()
		st.Channels = s.sessions.ChannelCount()
		st.Registering = len(s.negotiators)
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server stopped")
	}
	return c.JSON(http.StatusOK, st)
}

// handleSessions lists the most recent audited sessions.
func (s *Server) handleSessions(c echo.Context) error {
	q := sessionsQuery{Limit: 50}
	if err := c.Bind(&q); err != nil {
		return err
	}
	if err := c.Validate(&q); err != nil {
		return err
	}

	sessions, err := s.audit.Recent(q.Limit)
	if err != nil {
		s.log.WithError(err).Error("failed to read audit sessions")
		return echo.NewHTTPError(http.StatusInternalServerError, "audit unavailable")
	}
	if sessions == nil {
		sessions = []audit.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}
