// Package message is the line codec between raw protocol lines and typed
// events. Events are girc.Event values; this package adds validation on the
// way out and the numeric reply catalog.
package message

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lrstanley/girc"
)

// ErrInvalidMessage is returned by Encode for events that cannot be written
// as a single well-formed line.
var ErrInvalidMessage = errors.New("message: invalid message")

// MaxLineLength is the longest encoded line, excluding CRLF.
const MaxLineLength = 510

// Commands handled by the server.
const (
	CAP     = girc.CAP
	ERROR   = "ERROR"
	JOIN    = girc.JOIN
	NICK    = girc.NICK
	NOTICE  = girc.NOTICE
	PART    = girc.PART
	PING    = girc.PING
	PONG    = girc.PONG
	PRIVMSG = girc.PRIVMSG
	QUIT    = girc.QUIT
	USER    = girc.USER
)

// CAP subcommands.
const (
	CapLS   = "LS"
	CapLIST = "LIST"
	CapREQ  = "REQ"
	CapACK  = "ACK"
	CapNAK  = "NAK"
	CapEND  = "END"
)

// Decode converts a line to an event. It returns nil for blank or
// unparseable lines.
func Decode(line string) *girc.Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	ev := girc.ParseEvent(line)
	if ev == nil || ev.Command == "" {
		return nil
	}
	ev.Command = strings.ToUpper(ev.Command)
	return ev
}

// Encode serializes ev without the trailing CRLF.
func Encode(ev *girc.Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidMessage)
	}
	if !validCommand(ev.Command) {
		return nil, fmt.Errorf("%w: command %q", ErrInvalidMessage, ev.Command)
	}
	for i, p := range ev.Params {
		if strings.ContainsAny(p, "\r\n\x00") {
			return nil, fmt.Errorf("%w: parameter %d contains a line break", ErrInvalidMessage, i)
		}
		if i < len(ev.Params)-1 && (p == "" || strings.Contains(p, " ") || strings.HasPrefix(p, ":")) {
			return nil, fmt.Errorf("%w: middle parameter %d %q", ErrInvalidMessage, i, p)
		}
	}
	if ev.Source != nil && strings.ContainsAny(ev.Source.String(), " \r\n\x00") {
		return nil, fmt.Errorf("%w: source %q", ErrInvalidMessage, ev.Source.String())
	}

	line := ev.Bytes()
	if len(line) > MaxLineLength {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidMessage, len(line), MaxLineLength)
	}
	return line, nil
}

func validCommand(cmd string) bool {
	if cmd == "" {
		return false
	}
	if len(cmd) == 3 && isDigits(cmd) {
		return true
	}
	for _, r := range cmd {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Fold returns the case-folded form of a nick or channel name.
func Fold(name string) string {
	return girc.ToRFC1459(name)
}

// Last returns the final parameter of ev, or "" when it has none.
func Last(ev *girc.Event) string {
	if ev == nil || len(ev.Params) == 0 {
		return ""
	}
	return ev.Params[len(ev.Params)-1]
}

// Param returns parameter i of ev, or "" when it is missing.
func Param(ev *girc.Event, i int) string {
	if ev == nil || i >= len(ev.Params) {
		return ""
	}
	return ev.Params[i]
}

// New builds an event from source with the given command and parameters.
func New(source *girc.Source, command string, params ...string) *girc.Event {
	return &girc.Event{Source: source, Command: command, Params: params}
}

// ServerSource returns the source used for server-originated messages.
func ServerSource(serverName string) *girc.Source {
	return &girc.Source{Name: serverName}
}

// Capabilities renders an advertised capability set as sorted "name" or
// "name=value" tokens.
func Capabilities(caps map[string]string) []string {
	out := make([]string, 0, len(caps))
	for name, value := range caps {
		if value != "" {
			name += "=" + value
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
