// Package registration drives a connection from its first line to a
// registered identity: NICK and USER, optional CAP negotiation, and a
// deadline for the whole exchange.
package registration

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/lrstanley/girc"
	"github.com/sirupsen/logrus"

	"github.com/presbrey/ircd/message"
	"github.com/presbrey/ircd/sched"
)

// ErrTimeout is the outcome of a registration that did not complete in time.
var ErrTimeout = errors.New("registration: timed out")

const (
	// DefaultTimeout bounds the whole registration exchange.
	DefaultTimeout = 20 * time.Second

	maxNickLength = 30
	maxUserLength = 9
)

// State is the phase of a negotiation.
type State int

const (
	AwaitingCredentials State = iota
	NegotiatingCapabilities
	Registered
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingCredentials:
		return "awaiting-credentials"
	case NegotiatingCapabilities:
		return "negotiating-capabilities"
	case Registered:
		return "registered"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Directory is the view of the live client directory needed to accept a nick.
type Directory interface {
	// Taken reports whether nick is held by a registered client.
	Taken(nick string) bool
	// ValidNick reports whether nick is acceptable to the directory.
	ValidNick(nick string) bool
}

// Result is delivered exactly once per negotiation. Err is nil on success.
type Result struct {
	Prefix   *girc.Source
	RealName string
	Caps     []string
	Err      error
}

// Options configures a negotiation.
type Options struct {
	ServerName   string
	Timeout      time.Duration
	Capabilities map[string]string
}

// Negotiator is the registration state machine of one connection. Its
// methods must be called from the scheduler's queue.
type Negotiator struct {
	id    uint64
	host  string
	opts  Options
	dir   Directory
	reply func(*girc.Event)
	done  func(Result)
	log   logrus.FieldLogger

	state    State
	nick     string
	user     string
	realName string
	capEnded bool
	caps     map[string]struct{}
	timer    *sched.Timer
}

// New starts a negotiation for connection id and arms its deadline. reply
// sends a message to the connection; done receives the single Result.
func New(id uint64, host string, opts Options, dir Directory, s *sched.Scheduler, reply func(*girc.Event), done func(Result), log logrus.FieldLogger) *Negotiator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	n := &Negotiator{
		id:    id,
		host:  host,
		opts:  opts,
		dir:   dir,
		reply: reply,
		done:  done,
		log:   log.WithFields(logrus.Fields{"component": "registration", "conn": id}),
		caps:  make(map[string]struct{}),
	}
	n.timer = s.After(opts.Timeout, n.expire)
	return n
}

// State returns the current phase.
func (n *Negotiator) State() State { return n.state }

// Nick returns the nick accepted so far.
func (n *Negotiator) Nick() string { return n.nick }

// Stop abandons the negotiation without a Result.
func (n *Negotiator) Stop() {
	n.timer.Cancel()
	if n.state != Registered {
		n.state = Failed
	}
}

func (n *Negotiator) finished() bool {
	return n.state == Registered || n.state == Failed
}

// Handle applies one client event.
func (n *Negotiator) Handle(ev *girc.Event) {
	if n.finished() {
		return
	}

	switch ev.Command {
	case message.NICK:
		if nick := message.Param(ev, 0); validName(nick, maxNickLength) {
			n.nick = nick
		}
	case message.USER:
		if user := message.Param(ev, 0); validName(user, maxUserLength) {
			n.user = user
			if len(ev.Params) >= 4 {
				n.realName = message.Last(ev)
			}
		}
	case message.CAP:
		n.handleCap(ev)
	case message.PING:
		n.reply(message.New(message.ServerSource(n.opts.ServerName), message.PONG, n.opts.ServerName, message.Param(ev, 0)))
		return
	case message.JOIN, message.PART, message.PRIVMSG, message.NOTICE:
		n.reply(message.Error(n.opts.ServerName, message.ErrNotRegistered, n.nick, ev.Command))
		return
	default:
		return
	}
	n.complete()
}

func (n *Negotiator) handleCap(ev *girc.Event) {
	sub := strings.ToUpper(message.Param(ev, 0))
	switch sub {
	case message.CapLS:
		n.state = NegotiatingCapabilities
		n.sendCap(message.CapLS, n.advertised())
	case message.CapLIST:
		n.sendCap(message.CapLIST, n.negotiated())
	case message.CapREQ:
		n.state = NegotiatingCapabilities
		var ack, nak []string
		for _, name := range strings.Fields(message.Param(ev, 1)) {
			if _, ok := n.opts.Capabilities[name]; ok {
				ack = append(ack, name)
				n.caps[name] = struct{}{}
			} else {
				nak = append(nak, name)
			}
		}
		if len(ack) > 0 {
			n.sendCap(message.CapACK, ack)
		}
		if len(nak) > 0 {
			n.sendCap(message.CapNAK, nak)
		}
	case message.CapEND:
		n.capEnded = true
	default:
		n.reply(message.Error(n.opts.ServerName, message.ErrInvalidCapCmd, n.nick, sub))
	}
}

func (n *Negotiator) sendCap(sub string, caps []string) {
	target := n.nick
	if target == "" {
		target = "*"
	}
	n.reply(message.New(message.ServerSource(n.opts.ServerName), message.CAP, target, sub, strings.Join(caps, " ")))
}

func (n *Negotiator) advertised() []string {
	return message.Capabilities(n.opts.Capabilities)
}

func (n *Negotiator) negotiated() []string {
	out := make([]string, 0, len(n.caps))
	for name := range n.caps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (n *Negotiator) complete() {
	if n.nick == "" || n.user == "" {
		return
	}
	if n.state == NegotiatingCapabilities && !n.capEnded {
		return
	}

	if !n.dir.ValidNick(n.nick) {
		n.reply(message.Error(n.opts.ServerName, message.ErrErroneusNick, "", n.nick))
		n.nick = ""
		return
	}
	if n.dir.Taken(n.nick) {
		n.reply(message.Error(n.opts.ServerName, message.ErrNickInUse, "", n.nick))
		n.log.WithField("nick", n.nick).Debug("nick in use")
		n.nick = ""
		return
	}

	n.state = Registered
	n.timer.Cancel()
	n.log.WithFields(logrus.Fields{"nick": n.nick, "user": n.user}).Debug("registration complete")
	n.done(Result{
		Prefix:   &girc.Source{Name: n.nick, Ident: n.user, Host: n.host},
		RealName: n.realName,
		Caps:     n.negotiated(),
	})
}

func (n *Negotiator) expire() {
	if n.finished() {
		return
	}
	n.state = Failed
	n.log.Debug("registration timed out")
	n.done(Result{Err: ErrTimeout})
}

// validName reports whether s is non-empty, at most max bytes and
// alphanumeric.
func validName(s string, max int) bool {
	if s == "" || len(s) > max {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
