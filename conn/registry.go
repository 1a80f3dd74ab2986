// Package conn is the single authority mapping connection ids to live
// connections. It gates new connections on PROXY header decoding and reverse
// hostname lookup, frames their input into lines and routes decoded events to
// whichever layer owns the connection's protocol phase.
//
// Every Registry method except NextID must be called from the sched.Queue
// the registry was built with.
package conn

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lrstanley/girc"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/presbrey/ircd/framer"
	"github.com/presbrey/ircd/hooks"
	"github.com/presbrey/ircd/message"
	"github.com/presbrey/ircd/metrics"
	"github.com/presbrey/ircd/netloop"
	"github.com/presbrey/ircd/proxyproto"
	"github.com/presbrey/ircd/sched"
)

var (
	// ErrIDSpaceExhausted is returned by NextID once every id has been
	// handed out. Ids are never reused.
	ErrIDSpaceExhausted = errors.New("conn: id space exhausted")

	// ErrPendingOverflow is the drop reason for a connection that sent too
	// much before it was accepted.
	ErrPendingOverflow = errors.New("conn: too much input before accept")
)

// Resolver performs reverse lookups. *net.Resolver satisfies it.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// Handler receives connections once they are accepted and every event they
// send afterwards.
type Handler interface {
	Accepted(c *Connection)
	Route(id uint64, ev *girc.Event)
}

// Dropped is published once for every connection removed from the registry.
// Label is a short machine-readable cause; Reason is the text sent to the
// peer, empty when none was sent.
type Dropped struct {
	ID     uint64
	Host   string
	Label  string
	Reason string
}

// Connection is a tracked connection.
type Connection struct {
	ID        uint64
	Host      string
	Transport netloop.Transport
	Created   time.Time

	accepted bool
	proxied  bool
	pending  []byte
	cancel   context.CancelFunc
	deadline *sched.Timer
}

// Accepted reports whether the connection is visible to the Handler.
func (c *Connection) Accepted() bool { return c.accepted }

// Options configures a Registry.
type Options struct {
	BufferSize       int
	ProxyProtocol    bool
	ResolveHostnames bool
	LookupTimeout    time.Duration
	LookupWorkers    int64
	// AcceptTimeout bounds the PROXY and lookup phase. A connection not
	// accepted by then is dropped. Zero disables the deadline.
	AcceptTimeout time.Duration
}

// AcceptTimeoutReason is sent to a connection dropped for missing its
// accept deadline.
const AcceptTimeoutReason = "Registration timed out"

// Registry tracks live connections.
type Registry struct {
	opts     Options
	sched    *sched.Scheduler
	handler  Handler
	resolver Resolver
	metrics  *metrics.Metrics
	log      logrus.FieldLogger

	lastID  atomic.Uint64
	conns   map[uint64]*Connection
	framer  *framer.Framer
	lookups *semaphore.Weighted
	dropped *hooks.Registry[Dropped]
}

// NewRegistry creates a registry. A nil resolver means net.DefaultResolver;
// a nil metrics disables instrumentation.
func NewRegistry(opts Options, s *sched.Scheduler, h Handler, resolver Resolver, m *metrics.Metrics, log logrus.FieldLogger) *Registry {
	if opts.BufferSize <= 0 {
		opts.BufferSize = framer.DefaultBufferSize
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 5 * time.Second
	}
	if opts.LookupWorkers <= 0 {
		opts.LookupWorkers = 4
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	log = log.WithField("component", "conn")
	return &Registry{
		opts:     opts,
		sched:    s,
		handler:  h,
		resolver: resolver,
		metrics:  m,
		log:      log,
		conns:    make(map[uint64]*Connection),
		framer:   framer.New(opts.BufferSize),
		lookups:  semaphore.NewWeighted(opts.LookupWorkers),
		dropped:  hooks.NewRegistry[Dropped](log),
	}
}

// NextID allocates a connection id. It is safe for concurrent use.
func (r *Registry) NextID() (uint64, error) {
	for {
		cur := r.lastID.Load()
		if cur == math.MaxUint64 {
			return 0, ErrIDSpaceExhausted
		}
		if r.lastID.CompareAndSwap(cur, cur+1) {
			return cur + 1, nil
		}
	}
}

// OnDropped subscribes fn to drop notifications. Lower priorities run first.
func (r *Registry) OnDropped(fn func(Dropped) error, priority int64) (cancel func()) {
	return r.dropped.RegisterWithPriority(fn, priority)
}

// HandleEvent applies a socket event.
func (r *Registry) HandleEvent(ev netloop.Event) {
	switch ev.Kind {
	case netloop.Accepted:
		r.Track(ev.ID, ev.Transport)
	case netloop.Read:
		r.HandleRead(ev.ID, ev.Data)
	case netloop.Closed:
		r.HandleClosed(ev.ID)
	}
}

// Track starts tracking a connection. It becomes visible to the Handler
// after its PROXY header is decoded, when enabled, and its hostname is
// resolved.
func (r *Registry) Track(id uint64, t netloop.Transport) *Connection {
	c := &Connection{
		ID:        id,
		Host:      t.Host(),
		Transport: t,
		Created:   r.sched.Now(),
	}
	r.conns[id] = c
	r.metrics.ConnectionOpened()
	r.log.WithFields(logrus.Fields{"conn": id, "addr": c.Host}).Info("connection tracked")

	if r.opts.AcceptTimeout > 0 {
		c.deadline = r.sched.After(r.opts.AcceptTimeout, func() {
			if r.conns[id] != c || c.accepted {
				return
			}
			r.log.WithField("conn", id).Info("accept deadline passed")
			r.drop(c, "timeout", AcceptTimeoutReason)
		})
	}

	if !r.opts.ProxyProtocol {
		r.resolve(c)
	}
	return c
}

// Get returns the connection with the given id.
func (r *Registry) Get(id uint64) (*Connection, bool) {
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	return len(r.conns)
}

// HandleRead feeds bytes read from connection id.
func (r *Registry) HandleRead(id uint64, data []byte) {
	c, ok := r.conns[id]
	if !ok {
		r.log.WithField("conn", id).Debug("read for unknown connection")
		return
	}

	if r.opts.ProxyProtocol && !c.proxied {
		c.proxied = true
		h, rest, err := proxyproto.Decode(data)
		if err != nil {
			r.metrics.ProxyFailure()
			r.log.WithField("conn", id).WithError(err).Warn("rejecting connection")
			r.drop(c, "proxy", "")
			return
		}
		c.Host = h.Source.Addr().Unmap().String()
		data = rest
		r.resolve(c)
	}

	if !c.accepted {
		if len(c.pending)+len(data) > 8*r.opts.BufferSize {
			r.log.WithField("conn", id).WithError(ErrPendingOverflow).Warn("dropping connection")
			r.drop(c, "flood", "")
			return
		}
		c.pending = append(c.pending, data...)
		return
	}
	r.feed(c, data)
}

func (r *Registry) feed(c *Connection, data []byte) {
	lines, err := r.framer.Add(c.ID, data)
	for _, line := range lines {
		ev := message.Decode(line)
		if ev == nil {
			continue
		}
		r.metrics.LineIn()
		r.log.WithField("conn", c.ID).Debugf("-> %s", line)
		r.handler.Route(c.ID, ev)
		if r.conns[c.ID] != c {
			return
		}
	}
	if err != nil {
		r.metrics.Overrun()
		r.log.WithField("conn", c.ID).WithError(err).Warn("dropping connection")
		r.drop(c, "overrun", "Input line too long")
	}
}

// HandleClosed removes a connection whose socket has already closed.
func (r *Registry) HandleClosed(id uint64) {
	c, ok := r.conns[id]
	if !ok {
		return
	}
	r.remove(c, "closed", "")
}

// Send encodes ev and writes it to connection id. Encoding failures and
// unknown ids are logged and otherwise ignored.
func (r *Registry) Send(id uint64, ev *girc.Event) {
	c, ok := r.conns[id]
	if !ok {
		r.log.WithFields(logrus.Fields{"conn": id, "command": ev.Command}).Warn("send to unknown connection")
		return
	}
	r.write(c, ev)
}

func (r *Registry) write(c *Connection, ev *girc.Event) {
	line, err := message.Encode(ev)
	if err != nil {
		r.log.WithField("conn", c.ID).WithError(err).Warn("dropping outbound message")
		return
	}
	r.log.WithField("conn", c.ID).Debugf("<- %s", line)
	r.metrics.LineOut()

	err = c.Transport.Write(append(line, '\r', '\n'))
	if errors.Is(err, netloop.ErrSlowConsumer) {
		// The socket closed itself and will not report it; drop it once the
		// current handler returns.
		id := c.ID
		go r.sched.Queue().Post(func() {
			if cur, ok := r.conns[id]; ok && cur == c {
				r.remove(c, "sendq", "")
			}
		})
	}
}

// Drop removes connection id, closing its transport. A non-empty reason is
// sent to the peer as an ERROR line first.
func (r *Registry) Drop(id uint64, reason string) {
	c, ok := r.conns[id]
	if !ok {
		return
	}
	r.drop(c, "dropped", reason)
}

// DropAll drops every tracked connection with reason.
func (r *Registry) DropAll(reason string) {
	all := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		all = append(all, c)
	}
	for _, c := range all {
		r.drop(c, "shutdown", reason)
	}
}

func (r *Registry) drop(c *Connection, label, reason string) {
	if reason != "" {
		r.write(c, message.New(nil, message.ERROR, fmt.Sprintf("Closing Link: %s (%s)", c.Host, reason)))
	}
	r.remove(c, label, reason)
	if err := c.Transport.Close(); err != nil {
		r.log.WithField("conn", c.ID).WithError(err).Debug("close failed")
	}
}

func (r *Registry) remove(c *Connection, label, reason string) {
	delete(r.conns, c.ID)
	r.framer.Remove(c.ID)
	if c.cancel != nil {
		c.cancel()
	}
	c.pending = nil
	c.deadline.Cancel()
	r.metrics.ConnectionClosed(label)
	r.log.WithFields(logrus.Fields{"conn": c.ID, "reason": label}).Info("connection removed")

	if c.accepted {
		r.dropped.RunHooks(Dropped{ID: c.ID, Host: c.Host, Label: label, Reason: reason})
	}
}

func (r *Registry) resolve(c *Connection) {
	if !r.opts.ResolveHostnames {
		r.accept(c)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.LookupTimeout)
	c.cancel = cancel
	addr := c.Host

	go func() {
		host := r.lookup(ctx, c.ID, addr)
		r.sched.Queue().Post(func() {
			cancel()
			if cur, ok := r.conns[c.ID]; !ok || cur != c {
				return
			}
			c.cancel = nil
			c.Host = host
			r.accept(c)
		})
	}()
}

// lookup returns the first usable reverse name for addr, or addr itself.
func (r *Registry) lookup(ctx context.Context, id uint64, addr string) string {
	log := r.log.WithFields(logrus.Fields{"conn": id, "addr": addr})
	if err := r.lookups.Acquire(ctx, 1); err != nil {
		log.WithError(err).Warn("hostname lookup timed out")
		return addr
	}
	defer r.lookups.Release(1)

	names, err := r.resolver.LookupAddr(ctx, addr)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn("hostname lookup timed out")
		} else {
			log.WithError(err).Debug("hostname lookup failed")
		}
		return addr
	}
	for _, name := range names {
		name = strings.TrimSuffix(name, ".")
		if validHostname(name) {
			return name
		}
	}
	return addr
}

func validHostname(name string) bool {
	if name == "" || len(name) > 63*4 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '.':
		default:
			return false
		}
	}
	return true
}

func (r *Registry) accept(c *Connection) {
	c.accepted = true
	c.deadline.Cancel()
	r.log.WithFields(logrus.Fields{"conn": c.ID, "host": c.Host}).Info("connection accepted")
	r.handler.Accepted(c)

	if r.conns[c.ID] != c || len(c.pending) == 0 {
		c.pending = nil
		return
	}
	data := c.pending
	c.pending = nil
	r.feed(c, data)
}
