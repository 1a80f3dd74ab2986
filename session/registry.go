// Package session holds registered clients and the channels they occupy. It
// is the client directory consulted during registration, runs each client's
// keepalive cycle and dispatches post-registration commands.
//
// All methods must be called from the queue of the scheduler the registry
// was built with.
package session

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lrstanley/girc"
	"github.com/sirupsen/logrus"

	"github.com/presbrey/ircd/message"
	"github.com/presbrey/ircd/metrics"
	"github.com/presbrey/ircd/sched"
)

// ErrNickTaken is returned by Track for a nick already in the directory.
var ErrNickTaken = errors.New("session: nick already registered")

const (
	DefaultPingInterval = 30 * time.Second
	DefaultPingTimeout  = 30 * time.Second
	DefaultSigil        = "#"

	maxChannelLength = 50
)

// Sender writes events to connections. *conn.Registry satisfies it.
type Sender interface {
	Send(id uint64, ev *girc.Event)
}

// Options configures a Registry.
type Options struct {
	ServerName   string
	Network      string
	Sigil        string
	PingInterval time.Duration
	PingTimeout  time.Duration
	// Capabilities is the advertised set, as offered during registration.
	Capabilities map[string]string
}

// Client is a registered connection.
type Client struct {
	ID         uint64
	Prefix     *girc.Source
	RealName   string
	Caps       []string
	Registered time.Time

	channels map[string]*Channel
	token    string
	idle     *sched.Timer
	deadline *sched.Timer
}

// NewClient returns an untracked client for connection id.
func NewClient(id uint64, prefix *girc.Source, realName string, caps []string) *Client {
	return &Client{
		ID:       id,
		Prefix:   prefix,
		RealName: realName,
		Caps:     caps,
		channels: make(map[string]*Channel),
	}
}

// Nick returns the client's current nick.
func (c *Client) Nick() string { return c.Prefix.Name }

// Channels returns the names of the channels the client is in, sorted.
func (c *Client) Channels() []string {
	out := make([]string, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch.Name)
	}
	sort.Strings(out)
	return out
}

// Channel is a named group that exists while it has members.
type Channel struct {
	Name    string
	Created time.Time
	members map[uint64]*Client
}

// Len returns the number of members.
func (ch *Channel) Len() int { return len(ch.members) }

// Has reports whether c is a member.
func (ch *Channel) Has(c *Client) bool {
	_, ok := ch.members[c.ID]
	return ok
}

// Nicks returns member nicks, sorted.
func (ch *Channel) Nicks() []string {
	out := make([]string, 0, len(ch.members))
	for _, m := range ch.members {
		out = append(out, m.Nick())
	}
	sort.Strings(out)
	return out
}

type handler func(r *Registry, c *Client, ev *girc.Event)

var handlers = map[string]handler{
	message.PING:    (*Registry).handlePing,
	message.PONG:    (*Registry).handlePong,
	message.JOIN:    (*Registry).handleJoin,
	message.PART:    (*Registry).handlePart,
	message.PRIVMSG: (*Registry).handleMessage,
	message.NOTICE:  (*Registry).handleMessage,
	message.NICK:    (*Registry).handleNick,
	message.USER:    (*Registry).handleUser,
	message.CAP:     (*Registry).handleCap,
}

// Registry is the client directory and channel table.
type Registry struct {
	opts    Options
	sched   *sched.Scheduler
	out     Sender
	metrics *metrics.Metrics
	log     logrus.FieldLogger

	byID      map[uint64]*Client
	byNick    map[string]*Client
	channels  map[string]*Channel
	onTimeout func(*Client)
}

// NewRegistry creates an empty registry. A nil metrics disables
// instrumentation.
func NewRegistry(opts Options, s *sched.Scheduler, out Sender, m *metrics.Metrics, log logrus.FieldLogger) *Registry {
	if opts.Sigil == "" {
		opts.Sigil = DefaultSigil
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultPingTimeout
	}
	return &Registry{
		opts:      opts,
		sched:     s,
		out:       out,
		metrics:   m,
		log:       log.WithField("component", "session"),
		byID:      make(map[uint64]*Client),
		byNick:    make(map[string]*Client),
		channels:  make(map[string]*Channel),
		onTimeout: func(*Client) {},
	}
}

// OnTimeout sets the function called when a client misses its PONG deadline.
// The client is still tracked when fn runs.
func (r *Registry) OnTimeout(fn func(c *Client)) {
	r.onTimeout = fn
}

// Taken reports whether nick belongs to a tracked client.
func (r *Registry) Taken(nick string) bool {
	_, ok := r.byNick[message.Fold(nick)]
	return ok
}

// ValidNick reports whether nick is acceptable as a directory key.
func (r *Registry) ValidNick(nick string) bool {
	return girc.IsValidNick(nick)
}

// Get returns the client on connection id.
func (r *Registry) Get(id uint64) (*Client, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// Lookup returns the client holding nick.
func (r *Registry) Lookup(nick string) (*Client, bool) {
	c, ok := r.byNick[message.Fold(nick)]
	return c, ok
}

// Channel returns the channel called name.
func (r *Registry) Channel(name string) (*Channel, bool) {
	ch, ok := r.channels[message.Fold(name)]
	return ch, ok
}

// Len returns the number of tracked clients.
func (r *Registry) Len() int { return len(r.byID) }

// ChannelCount returns the number of live channels.
func (r *Registry) ChannelCount() int { return len(r.channels) }

// Track enrolls c in the directory, welcomes it and starts its keepalive.
func (r *Registry) Track(c *Client) error {
	key := message.Fold(c.Nick())
	if _, ok := r.byNick[key]; ok {
		return ErrNickTaken
	}
	if c.channels == nil {
		c.channels = make(map[string]*Channel)
	}
	c.Registered = r.sched.Now()
	r.byID[c.ID] = c
	r.byNick[key] = c
	r.updateGauges()

	r.log.WithFields(logrus.Fields{"conn": c.ID, "nick": c.Nick()}).Info("client registered")
	r.reply(c, message.RplWelcome,
		"Welcome to the "+r.opts.Network+" IRC Network "+c.Prefix.String())
	r.startIdle(c)
	return nil
}

// Drop removes the client on connection id, parting it from every channel.
// Former channel-mates see a PART carrying reason.
func (r *Registry) Drop(id uint64, reason string) {
	c, ok := r.byID[id]
	if !ok {
		return
	}
	c.idle.Cancel()
	c.deadline.Cancel()
	delete(r.byID, id)
	delete(r.byNick, message.Fold(c.Nick()))

	for _, ch := range c.channels {
		r.leave(c, ch, reason, false)
	}
	r.updateGauges()
	r.log.WithFields(logrus.Fields{"conn": id, "nick": c.Nick()}).Info("client dropped")
}

// Handle dispatches a command from a registered client.
func (r *Registry) Handle(id uint64, ev *girc.Event) {
	c, ok := r.byID[id]
	if !ok {
		r.log.WithField("conn", id).Debug("event for unknown client")
		return
	}
	h, ok := handlers[ev.Command]
	if !ok {
		r.reply(c, message.ErrUnknownCmd, ev.Command, message.Text[message.ErrUnknownCmd])
		return
	}
	h(r, c, ev)
}

func (r *Registry) send(c *Client, ev *girc.Event) {
	r.out.Send(c.ID, ev)
}

// reply sends a numeric from the server to c.
func (r *Registry) reply(c *Client, code string, params ...string) {
	r.send(c, message.Numeric(r.opts.ServerName, code, c.Nick(), params...))
}

func (r *Registry) fail(c *Client, code string, subjects ...string) {
	r.send(c, message.Error(r.opts.ServerName, code, c.Nick(), subjects...))
}

func (r *Registry) updateGauges() {
	r.metrics.SetClients(len(r.byID), len(r.channels))
}

func (r *Registry) tracked(c *Client) bool {
	cur, ok := r.byID[c.ID]
	return ok && cur == c
}

func (r *Registry) startIdle(c *Client) {
	c.idle = r.sched.After(r.opts.PingInterval, func() { r.ping(c) })
}

func (r *Registry) ping(c *Client) {
	if !r.tracked(c) {
		return
	}
	c.token = uuid.NewString()
	r.send(c, message.New(message.ServerSource(r.opts.ServerName), message.PING, c.token))
	c.deadline = r.sched.After(r.opts.PingTimeout, func() { r.expire(c) })
}

func (r *Registry) expire(c *Client) {
	if !r.tracked(c) {
		return
	}
	r.metrics.PingTimeout()
	r.log.WithFields(logrus.Fields{"conn": c.ID, "nick": c.Nick()}).Info("ping timeout")
	r.onTimeout(c)
}

func (r *Registry) handlePing(c *Client, ev *girc.Event) {
	if len(ev.Params) == 0 {
		r.fail(c, message.ErrNeedMore, message.PING)
		return
	}
	r.send(c, message.New(message.ServerSource(r.opts.ServerName), message.PONG, r.opts.ServerName, message.Last(ev)))
}

func (r *Registry) handlePong(c *Client, ev *girc.Event) {
	if !c.deadline.Pending() || message.Last(ev) != c.token {
		return
	}
	c.deadline.Cancel()
	c.token = ""
	r.startIdle(c)
}

// ValidChannel reports whether name is a well-formed channel name.
func (r *Registry) ValidChannel(name string) bool {
	if !strings.HasPrefix(name, r.opts.Sigil) || len(name) <= len(r.opts.Sigil) || len(name) > maxChannelLength {
		return false
	}
	return !strings.ContainsAny(name, " ,:\x07\x00\r\n")
}

func (r *Registry) handleJoin(c *Client, ev *girc.Event) {
	if len(ev.Params) == 0 || ev.Params[0] == "" {
		r.fail(c, message.ErrNeedMore, message.JOIN)
		return
	}
	for _, name := range strings.Split(ev.Params[0], ",") {
		r.Join(c, name)
	}
}

// Join adds c to the channel called name, creating it if needed.
func (r *Registry) Join(c *Client, name string) {
	if !r.ValidChannel(name) {
		r.fail(c, message.ErrBadChanMask, name)
		return
	}
	key := message.Fold(name)
	ch, ok := r.channels[key]
	if !ok {
		ch = &Channel{Name: name, Created: r.sched.Now(), members: make(map[uint64]*Client)}
		r.channels[key] = ch
		r.log.WithField("channel", name).Debug("channel created")
	}
	if ch.Has(c) {
		return
	}
	ch.members[c.ID] = c
	c.channels[key] = ch
	r.updateGauges()

	join := message.New(c.Prefix, message.JOIN, ch.Name)
	for _, m := range ch.members {
		r.send(m, join)
	}
	r.names(c, ch)
}

// names sends the member listing of ch to c, split to fit the line limit.
func (r *Registry) names(c *Client, ch *Channel) {
	const budget = 400
	var line []string
	size := 0
	for _, nick := range ch.Nicks() {
		if size+len(nick)+1 > budget && len(line) > 0 {
			r.reply(c, message.RplNamReply, "=", ch.Name, strings.Join(line, " "))
			line, size = nil, 0
		}
		line = append(line, nick)
		size += len(nick) + 1
	}
	if len(line) > 0 {
		r.reply(c, message.RplNamReply, "=", ch.Name, strings.Join(line, " "))
	}
	r.reply(c, message.RplEndOfNames, ch.Name, message.Text[message.RplEndOfNames])
}

func (r *Registry) handlePart(c *Client, ev *girc.Event) {
	if len(ev.Params) == 0 || ev.Params[0] == "" {
		r.fail(c, message.ErrNeedMore, message.PART)
		return
	}
	reason := message.Param(ev, 1)
	for _, name := range strings.Split(ev.Params[0], ",") {
		r.Part(c, name, reason)
	}
}

// Part removes c from the channel called name.
func (r *Registry) Part(c *Client, name, reason string) {
	ch, ok := r.channels[message.Fold(name)]
	if !ok {
		r.fail(c, message.ErrNoSuchChannel, name)
		return
	}
	if !ch.Has(c) {
		r.fail(c, message.ErrNotOnChannel, ch.Name)
		return
	}
	r.leave(c, ch, reason, true)
	r.updateGauges()
}

// leave removes c from ch, announcing it to the remaining members and, when
// self is set, to c as well. An emptied channel is destroyed.
func (r *Registry) leave(c *Client, ch *Channel, reason string, self bool) {
	params := []string{ch.Name}
	if reason != "" {
		params = append(params, reason)
	}
	part := message.New(c.Prefix, message.PART, params...)
	for _, m := range ch.members {
		if m == c && !self {
			continue
		}
		r.send(m, part)
	}

	key := message.Fold(ch.Name)
	delete(ch.members, c.ID)
	delete(c.channels, key)
	if len(ch.members) == 0 {
		delete(r.channels, key)
		r.log.WithField("channel", ch.Name).Debug("channel destroyed")
	}
}

func (r *Registry) handleMessage(c *Client, ev *girc.Event) {
	notice := ev.Command == message.NOTICE
	fail := func(code string, subjects ...string) {
		if !notice {
			r.fail(c, code, subjects...)
		}
	}

	target := message.Param(ev, 0)
	if target == "" {
		fail(message.ErrNoRecipient, ev.Command)
		return
	}
	text := message.Param(ev, 1)

	if strings.HasPrefix(target, r.opts.Sigil) {
		if !r.ValidChannel(target) {
			fail(message.ErrBadChanMask, target)
			return
		}
		ch, ok := r.channels[message.Fold(target)]
		if !ok {
			fail(message.ErrNoSuchChannel, target)
			return
		}
		if !ch.Has(c) {
			fail(message.ErrCannotSend, ch.Name)
			return
		}
		if text == "" {
			fail(message.ErrNoTextToSend)
			return
		}
		out := message.New(c.Prefix, ev.Command, ch.Name, text)
		for _, m := range ch.members {
			if m != c {
				r.send(m, out)
			}
		}
		return
	}

	to, ok := r.byNick[message.Fold(target)]
	if !ok {
		fail(message.ErrNoSuchNick, target)
		return
	}
	if text == "" {
		fail(message.ErrNoTextToSend)
		return
	}
	r.send(to, message.New(c.Prefix, ev.Command, to.Nick(), text))
}

func (r *Registry) handleNick(c *Client, ev *girc.Event) {
	nick := message.Param(ev, 0)
	switch {
	case nick == "":
		r.fail(c, message.ErrNoNickGiven)
		return
	case !r.ValidNick(nick):
		r.fail(c, message.ErrErroneusNick, nick)
		return
	case nick == c.Nick():
		return
	}
	if other, ok := r.byNick[message.Fold(nick)]; ok && other != c {
		r.fail(c, message.ErrNickInUse, nick)
		return
	}

	change := message.New(c.Prefix, message.NICK, nick)
	seen := map[uint64]bool{c.ID: true}
	r.send(c, change)
	for _, ch := range c.channels {
		for _, m := range ch.members {
			if !seen[m.ID] {
				seen[m.ID] = true
				r.send(m, change)
			}
		}
	}

	delete(r.byNick, message.Fold(c.Nick()))
	prefix := *c.Prefix
	prefix.Name = nick
	c.Prefix = &prefix
	r.byNick[message.Fold(nick)] = c
}

func (r *Registry) handleUser(c *Client, ev *girc.Event) {
	r.fail(c, message.ErrAlreadyReg)
}

func (r *Registry) handleCap(c *Client, ev *girc.Event) {
	server := message.ServerSource(r.opts.ServerName)
	switch strings.ToUpper(message.Param(ev, 0)) {
	case message.CapLS:
		r.send(c, message.New(server, message.CAP, c.Nick(), message.CapLS, strings.Join(message.Capabilities(r.opts.Capabilities), " ")))
	case message.CapLIST:
		r.send(c, message.New(server, message.CAP, c.Nick(), message.CapLIST, strings.Join(c.Caps, " ")))
	case message.CapREQ:
		r.send(c, message.New(server, message.CAP, c.Nick(), message.CapNAK, message.Param(ev, 1)))
	case message.CapEND:
	default:
		r.fail(c, message.ErrInvalidCapCmd, message.Param(ev, 0))
	}
}
