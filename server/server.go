// Package server assembles the listener, connection registry, registration
// negotiator and session registry into a running IRC server, and serves the
// status endpoint beside it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/labstack/echo/v4"
	"github.com/lrstanley/girc"
	"github.com/sirupsen/logrus"

	"github.com/presbrey/ircd/audit"
	"github.com/presbrey/ircd/config"
	"github.com/presbrey/ircd/conn"
	"github.com/presbrey/ircd/message"
	"github.com/presbrey/ircd/metrics"
	"github.com/presbrey/ircd/netloop"
	"github.com/presbrey/ircd/registration"
	"github.com/presbrey/ircd/sched"
	"github.com/presbrey/ircd/session"
)

// ShutdownReason is sent to every client when the server stops.
const ShutdownReason = "Server shutting down"

// Options holds the collaborators a Server is built with. Zero values select
// the real clock, the system resolver, no audit trail and the standard logger.
type Options struct {
	Clock    clock.Clock
	Resolver conn.Resolver
	Audit    *audit.Recorder
	Log      logrus.FieldLogger
}

// Server represents the IRC server
type Server struct {
	config    *config.Config
	log       logrus.FieldLogger
	clock     clock.Clock
	startTime time.Time

	queue    *sched.Queue
	sched    *sched.Scheduler
	metrics  *metrics.Metrics
	conns    *conn.Registry
	sessions *session.Registry
	loop     *netloop.Loop
	audit    *audit.Recorder
	status   *echo.Echo

	// negotiators holds connections still registering; owned by queue.
	negotiators map[uint64]*registration.Negotiator

	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New creates a server for cfg. Nothing is bound until Start.
func New(cfg *config.Config, opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}

	s := &Server{
		config:      cfg,
		log:         opts.Log.WithField("component", "server"),
		clock:       opts.Clock,
		queue:       sched.NewQueue(1024),
		metrics:     metrics.New("ircd"),
		audit:       opts.Audit,
		negotiators: make(map[uint64]*registration.Negotiator),
	}
	s.sched = sched.NewScheduler(s.queue, opts.Clock)

	s.conns = conn.NewRegistry(conn.Options{
		BufferSize:       cfg.Listener.BufferSize,
		ProxyProtocol:    cfg.Listener.ProxyProtocol,
		ResolveHostnames: cfg.Listener.ResolveHostnames,
		LookupTimeout:    cfg.Listener.LookupTimeout.Std(),
		LookupWorkers:    cfg.Listener.LookupWorkers,
		AcceptTimeout:    cfg.Registration.Timeout.Std(),
	}, s.sched, s, opts.Resolver, s.metrics, opts.Log)

	s.sessions = session.NewRegistry(session.Options{
		ServerName:   cfg.Server.Name,
		Network:      cfg.Server.Network,
		Sigil:        cfg.Channels.Sigil,
		PingInterval: cfg.Keepalive.Interval.Std(),
		PingTimeout:  cfg.Keepalive.Timeout.Std(),
		Capabilities: cfg.Registration.Capabilities,
	}, s.sched, s.conns, s.metrics, opts.Log)
	s.sessions.OnTimeout(s.pingTimeout)

	// Sessions tear down before the audit trail records the end.
	s.conns.OnDropped(s.dropped, 0)

	s.loop = netloop.New(netloop.Options{
		Addr:          cfg.ListenAddress(),
		ReadSize:      cfg.Listener.ReadSize,
		OutboundQueue: cfg.Listener.OutboundQueue,
	}, s.conns, s.post, opts.Log)

	if cfg.Status.Enabled {
		s.status = s.newStatus()
	}
	return s
}

// Start binds the IRC listener and, when enabled, the status endpoint. The
// server runs until Stop is called; canceling ctx calls Stop.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.startTime = s.clock.Now()
	go s.queue.Run(runCtx)

	if err := s.loop.Start(runCtx); err != nil {
		cancel()
		return err
	}
	s.cancel = cancel

	go func() {
		select {
		case <-ctx.Done():
			if err := s.Stop(context.Background()); err != nil {
				s.log.WithError(err).Warn("stop failed")
			}
		case <-runCtx.Done():
		}
	}()

	if s.status != nil {
		ln, err := net.Listen("tcp", s.config.StatusAddress())
		if err != nil {
			s.Stop(context.Background())
			return fmt.Errorf("failed to listen on %s: %w", s.config.StatusAddress(), err)
		}
		s.status.Listener = ln
		go func() {
			if err := s.status.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.WithError(err).Error("status server failed")
			}
		}()
		s.log.WithField("addr", ln.Addr().String()).Info("status endpoint listening")
	}

	s.log.WithFields(logrus.Fields{
		"name":  s.config.Server.Name,
		"addr":  s.loop.Addr().String(),
		"proxy": s.config.Listener.ProxyProtocol,
	}).Info("server started")
	return nil
}

// Addr returns the IRC listener address.
func (s *Server) Addr() net.Addr { return s.loop.Addr() }

// StatusAddr returns the status endpoint address, or nil when disabled.
func (s *Server) StatusAddr() net.Addr {
	if s.status == nil || s.status.Listener == nil {
		return nil
	}
	return s.status.Listener.Addr()
}

// Metrics returns the server's metrics.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Stop tells every client the server is going away, closes all sockets and
// the status endpoint, and flushes the audit trail.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.log.Info("stopping server")
		if s.cancel != nil {
			if derr := s.queue.Do(func() { s.conns.DropAll(ShutdownReason) }); derr != nil {
				s.log.WithError(derr).Debug("queue already stopped")
			}
		}
		err = s.loop.Close()

		if s.status != nil && s.status.Listener != nil {
			if serr := s.status.Shutdown(ctx); serr != nil && err == nil {
				err = serr
			}
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.queue.Stop()
		s.audit.Close()
	})
	return err
}

// post hands a socket event to the queue. It runs on socket goroutines.
func (s *Server) post(ev netloop.Event) {
	s.queue.Post(func() { s.conns.HandleEvent(ev) })
}

// Accepted starts registration for a newly visible connection. The
// registration deadline runs from tracking, so time spent on the PROXY header
// and hostname lookup counts against it.
func (s *Server) Accepted(c *conn.Connection) {
	id := c.ID
	remaining := s.config.Registration.Timeout.Std() - s.sched.Now().Sub(c.Created)
	if remaining < time.Millisecond {
		remaining = time.Millisecond
	}
	s.negotiators[id] = registration.New(id, c.Host, registration.Options{
		ServerName:   s.config.Server.Name,
		Timeout:      remaining,
		Capabilities: s.config.Registration.Capabilities,
	}, s.sessions, s.sched,
		func(ev *girc.Event) { s.conns.Send(id, ev) },
		func(res registration.Result) { s.registered(c, res) },
		s.log)
}

// Route delivers an event to whichever layer owns the connection.
func (s *Server) Route(id uint64, ev *girc.Event) {
	if ev.Command == message.QUIT {
		s.quit(id, ev)
		return
	}
	if n, ok := s.negotiators[id]; ok {
		n.Handle(ev)
		return
	}
	s.sessions.Handle(id, ev)
}

func (s *Server) quit(id uint64, ev *girc.Event) {
	reason := "Client Quit"
	if msg := message.Param(ev, 0); msg != "" {
		reason = "Quit: " + msg
	}
	s.conns.Drop(id, reason)
}

func (s *Server) registered(c *conn.Connection, res registration.Result) {
	delete(s.negotiators, c.ID)

	if res.Err != nil {
		s.metrics.Registered("timeout")
		s.log.WithFields(logrus.Fields{"conn": c.ID, "host": c.Host}).Info("registration timed out")
		s.conns.Drop(c.ID, "Registration timed out")
		return
	}

	client := session.NewClient(c.ID, res.Prefix, res.RealName, res.Caps)
	if err := s.sessions.Track(client); err != nil {
		s.metrics.Registered("rejected")
		s.log.WithField("conn", c.ID).WithError(err).Warn("registration rejected")
		s.conns.Drop(c.ID, message.Text[message.ErrNickInUse])
		return
	}
	s.metrics.Registered("ok")
	s.audit.Started(c.ID, res.Prefix.Name, res.Prefix.Ident, res.Prefix.Host, res.RealName, res.Caps, s.clock.Now())
}

func (s *Server) pingTimeout(c *session.Client) {
	secs := int(s.config.Keepalive.Timeout.Std() / time.Second)
	s.conns.Drop(c.ID, fmt.Sprintf("Ping timeout: %d seconds", secs))
}

func (s *Server) dropped(d conn.Dropped) error {
	if n, ok := s.negotiators[d.ID]; ok {
		n.Stop()
		delete(s.negotiators, d.ID)
		return nil
	}
	if _, ok := s.sessions.Get(d.ID); !ok {
		return nil
	}

	reason := d.Reason
	if reason == "" {
		reason = "Connection closed"
	}
	s.sessions.Drop(d.ID, reason)
	s.audit.Ended(d.ID, reason, s.clock.Now())
	return nil
}
