// Package netloop accepts TCP connections and turns socket activity into
// Accepted, Read and Closed events.
//
// Each connection gets a reader goroutine parked in the runtime netpoller and
// a writer goroutine draining a bounded outbound queue. Events are handed to a
// single emit function; the loop itself never runs protocol logic.
package netloop

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind identifies an event.
type Kind int

const (
	Accepted Kind = iota + 1
	Read
	Closed
)

func (k Kind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Read:
		return "read"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is emitted for every accepted connection, every successful read and
// every connection that reached end-of-stream or an I/O error.
type Event struct {
	Kind      Kind
	ID        uint64
	Transport Transport // set for Accepted
	Data      []byte    // set for Read; owned by the receiver
}

// Transport is the write side of a connection handed to upper layers.
type Transport interface {
	// Write queues p for sending. It never blocks on the network.
	Write(p []byte) error
	// Close flushes queued writes and closes the connection. No Closed
	// event follows a Close call.
	Close() error
	// Host is the literal remote address, without port.
	Host() string
	RemoteAddr() net.Addr
}

// IDProvider allocates connection identities.
type IDProvider interface {
	NextID() (uint64, error)
}

// flushTimeout bounds how long a closing socket spends writing what is
// still queued.
const flushTimeout = time.Second

// ErrSlowConsumer is returned by Transport.Write when the outbound queue is
// full. The connection has been closed by then.
var ErrSlowConsumer = errors.New("netloop: outbound queue full")

// Options configures a Loop.
type Options struct {
	Addr          string
	ReadSize      int
	OutboundQueue int
}

// Loop owns the listener and every live socket.
type Loop struct {
	opts Options
	ids  IDProvider
	emit func(Event)
	log  logrus.FieldLogger

	mu       sync.Mutex
	listener net.Listener
	sockets  map[uint64]*socket
	closed   bool

	wg sync.WaitGroup
}

// New creates a loop. emit is called from loop goroutines and must not block
// for long.
func New(opts Options, ids IDProvider, emit func(Event), log logrus.FieldLogger) *Loop {
	if opts.ReadSize <= 0 {
		opts.ReadSize = 4096
	}
	if opts.OutboundQueue <= 0 {
		opts.OutboundQueue = 128
	}
	return &Loop{
		opts:    opts,
		ids:     ids,
		emit:    emit,
		log:     log.WithField("component", "netloop"),
		sockets: make(map[uint64]*socket),
	}
}

// Start binds the listening socket and accepts connections in the background
// until ctx is canceled or Close is called.
func (l *Loop) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.opts.Addr, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	l.listener = ln
	l.mu.Unlock()

	l.log.WithField("addr", ln.Addr().String()).Info("listening")

	l.wg.Add(1)
	go l.acceptLoop(ln)

	go func() {
		<-ctx.Done()
		l.Close()
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *Loop) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Close releases the listener and every registered socket. Only the first
// call has an effect.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	ln := l.listener
	sockets := make([]*socket, 0, len(l.sockets))
	for _, s := range l.sockets {
		sockets = append(sockets, s)
	}
	l.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, s := range sockets {
		s.Close()
	}
	l.wg.Wait()
	return err
}

// Len returns the number of registered sockets.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sockets)
}

func (l *Loop) acceptLoop(ln net.Listener) {
	defer l.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.WithError(err).Warn("accept failed")
			continue
		}

		id, err := l.ids.NextID()
		if err != nil {
			l.log.WithError(err).Error("refusing connection")
			conn.Close()
			continue
		}

		s := newSocket(l, id, conn)
		if !l.register(s) {
			conn.Close()
			return
		}

		// Accepted must reach the consumer before any Read for this id.
		l.emit(Event{Kind: Accepted, ID: id, Transport: s})

		l.wg.Add(2)
		go s.readLoop()
		go s.writeLoop()
	}
}

func (l *Loop) register(s *socket) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.sockets[s.id] = s
	return true
}

// deregister reports whether s was still registered.
func (l *Loop) deregister(s *socket) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.sockets[s.id]; !ok || cur != s {
		return false
	}
	delete(l.sockets, s.id)
	return true
}

type socket struct {
	loop *Loop
	id   uint64
	conn net.Conn
	host string

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSocket(l *Loop, id uint64, conn net.Conn) *socket {
	host := conn.RemoteAddr().String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return &socket{
		loop: l,
		id:   id,
		conn: conn,
		host: host,
		out:  make(chan []byte, l.opts.OutboundQueue),
		done: make(chan struct{}),
	}
}

func (s *socket) Host() string         { return s.host }
func (s *socket) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *socket) Write(p []byte) error {
	select {
	case <-s.done:
		return net.ErrClosed
	default:
	}
	select {
	case s.out <- append([]byte(nil), p...):
		return nil
	case <-s.done:
		return net.ErrClosed
	default:
		s.loop.log.WithField("conn", s.id).Warn("outbound queue full, closing")
		s.Close()
		return ErrSlowConsumer
	}
}

func (s *socket) Close() error {
	s.loop.deregister(s)
	return s.shutdown()
}

// shutdown stops the socket; the writer flushes and closes the conn.
func (s *socket) shutdown() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *socket) readLoop() {
	defer s.loop.wg.Done()

	buf := make([]byte, s.loop.opts.ReadSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			select {
			case <-s.done:
				return
			default:
			}
			s.loop.emit(Event{Kind: Read, ID: s.id, Data: append([]byte(nil), buf[:n]...)})
		}
		if err != nil {
			// Close and deregister before reporting; a socket already
			// closed through its Transport reports nothing.
			if s.loop.deregister(s) {
				s.shutdown()
				s.loop.emit(Event{Kind: Closed, ID: s.id})
			}
			return
		}
	}
}

func (s *socket) writeLoop() {
	defer s.loop.wg.Done()

	for {
		select {
		case p := <-s.out:
			if _, err := s.conn.Write(p); err != nil {
				s.loop.log.WithField("conn", s.id).WithError(err).Debug("write failed")
				// The read side observes the closed socket and reports it.
				s.conn.Close()
				return
			}
		case <-s.done:
			s.flush()
			s.conn.Close()
			return
		}
	}
}

func (s *socket) flush() {
	s.conn.SetWriteDeadline(time.Now().Add(flushTimeout))
	for {
		select {
		case p := <-s.out:
			if _, err := s.conn.Write(p); err != nil {
				return
			}
		default:
			return
		}
	}
}
