package protocol

import (
	"errors"
	"strings"
)

// Client to server command verbs
const (
	CmdNickname = "NICKNAME"
	CmdJoin     = "JOIN"
	CmdMsg      = "MSG"
	CmdDM       = "DM"
	CmdList     = "LIST"
	CmdQuit     = "QUIT"
)

// VerbUnknown stands in for any verb outside the command set
const VerbUnknown = "unknown"

// KnownVerb returns v when it is a client command verb and VerbUnknown
// otherwise. Use it wherever a verb from the wire becomes a label or key.
func KnownVerb(v string) string {
	switch v {
	case CmdNickname, CmdJoin, CmdMsg, CmdDM, CmdList, CmdQuit:
		return v
	}
	return VerbUnknown
}

// LIST targets
const (
	ListClients  = "CLIENTS"
	ListChannels = "CHANNELS"
)

var ErrInvalidDM = errors.New("invalid DM format")

// Command is one parsed client line.
type Command struct {
	Verb   string
	Target string // nickname, channel, DM recipient or LIST kind
	Text   string // MSG and DM body
}

// ParseCommand splits a client line on its leading token. Unknown verbs
// are returned as-is so the caller can answer them; only a blank line or
// a DM without a body is an error.
func ParseCommand(line string) (*Command, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, ErrEmptyFrame
	}

	verb, rest, _ := strings.Cut(line, ":")
	cmd := &Command{Verb: strings.TrimSpace(verb)}

	switch cmd.Verb {
	case CmdNickname, CmdJoin, CmdList:
		cmd.Target = strings.TrimSpace(rest)
	case CmdMsg:
		cmd.Text = strings.TrimSpace(rest)
	case CmdDM:
		to, text, ok := strings.Cut(rest, ":")
		if !ok {
			return cmd, ErrInvalidDM
		}
		cmd.Target = strings.TrimSpace(to)
		cmd.Text = strings.TrimSpace(text)
		if cmd.Target == "" || cmd.Text == "" {
			return cmd, ErrInvalidDM
		}
	case CmdQuit:
	default:
		cmd.Text = rest
	}
	return cmd, nil
}

// Encode renders the command as the client would send it.
func (c *Command) Encode() string {
	switch c.Verb {
	case CmdQuit:
		return CmdQuit
	case CmdDM:
		return CmdDM + ":" + c.Target + ":" + flatten(c.Text)
	case CmdMsg:
		return CmdMsg + ":" + flatten(c.Text)
	default:
		return c.Verb + ":" + c.Target
	}
}

func Nickname(name string) *Command { return &Command{Verb: CmdNickname, Target: name} }
func Join(channel string) *Command { return &Command{Verb: CmdJoin, Target: channel} }
func Msg(text string) *Command { return &Command{Verb: CmdMsg, Text: text} }
func DM(to, text string) *Command { return &Command{Verb: CmdDM, Target: to, Text: text} }
func List(kind string) *Command { return &Command{Verb: CmdList, Target: kind} }
func Quit() *Command { return &Command{Verb: CmdQuit} }
