package message

import "github.com/lrstanley/girc"

// Numeric replies used by the server.
const (
	RplWelcome       = "001" // RPL_WELCOME
	RplNamReply      = "353" // RPL_NAMREPLY
	RplEndOfNames    = "366" // RPL_ENDOFNAMES
	ErrNoSuchNick    = "401" // ERR_NOSUCHNICK
	ErrNoSuchChannel = "403" // ERR_NOSUCHCHANNEL
	ErrCannotSend    = "404" // ERR_CANNOTSENDTOCHAN
	ErrInvalidCapCmd = "410" // ERR_INVALIDCAPCMD
	ErrNoRecipient   = "411" // ERR_NORECIPIENT
	ErrNoTextToSend  = "412" // ERR_NOTEXTTOSEND
	ErrUnknownCmd    = "421" // ERR_UNKNOWNCOMMAND
	ErrNoNickGiven   = "431" // ERR_NONICKNAMEGIVEN
	ErrErroneusNick  = "432" // ERR_ERRONEUSNICKNAME
	ErrNickInUse     = "433" // ERR_NICKNAMEINUSE
	ErrNotOnChannel  = "442" // ERR_NOTONCHANNEL
	ErrNotRegistered = "451" // ERR_NOTREGISTERED
	ErrNeedMore      = "461" // ERR_NEEDMOREPARAMS
	ErrAlreadyReg    = "462" // ERR_ALREADYREGISTRED
	ErrBadChanMask   = "476" // ERR_BADCHANMASK
)

// Text is the default human-readable text for each numeric.
var Text = map[string]string{
	ErrNoSuchNick:    "No such nick/channel",
	ErrNoSuchChannel: "No such channel",
	ErrCannotSend:    "Cannot send to channel",
	ErrInvalidCapCmd: "Invalid CAP subcommand",
	ErrNoRecipient:   "No recipient given",
	ErrNoTextToSend:  "No text to send",
	ErrUnknownCmd:    "Unknown command",
	ErrNoNickGiven:   "No nickname given",
	ErrErroneusNick:  "Erroneous nickname",
	ErrNickInUse:     "Nickname is already in use",
	ErrNotOnChannel:  "You're not on that channel",
	ErrNotRegistered: "You have not registered",
	ErrNeedMore:      "Not enough parameters",
	ErrAlreadyReg:    "You may not reregister",
	ErrBadChanMask:   "Bad Channel Mask",
	RplEndOfNames:    "End of /NAMES list.",
}

// Numeric builds a numeric reply from server to target ("*" before the
// client has a nick).
func Numeric(server, code, target string, params ...string) *girc.Event {
	if target == "" {
		target = "*"
	}
	args := append([]string{target}, params...)
	return New(ServerSource(server), code, args...)
}

// Error builds a numeric reply whose trailing parameter is the catalog text
// for code, after the optional subject parameters.
func Error(server, code, target string, subjects ...string) *girc.Event {
	params := append(append([]string(nil), subjects...), Text[code])
	return Numeric(server, code, target, params...)
}
