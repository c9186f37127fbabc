package protocol

import (
	"errors"
	"strings"
	"time"
)

// Server to client frame types
const (
	TypeInfo        = "INFO"
	TypeMsg         = "MSG"
	TypeMsgSent     = "MSG_SENT"
	TypePrivate     = "PRIVATE"
	TypePrivateSent = "PRIVATE_SENT"
	TypeClients     = "CLIENTS"
	TypeChannels    = "CHANNELS"
	TypeHistory     = "HISTORY"
	TypeError       = "ERROR"
	TypeKicked      = "KICKED"
	TypeQuit        = "QUIT"
)

// TimestampLayout renders local wall-clock time as HH.MM
const TimestampLayout = "15.04"

// History replay markers, sent as INFO frames around HISTORY entries
const (
	HistoryBegin = "--- Begin History ---"
	HistoryEnd   = "--- End History ---"
)

// ListSeparator joins names in CLIENTS and CHANNELS frames
const ListSeparator = ", "

var (
	ErrEmptyFrame       = errors.New("empty frame")
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrMalformedFrame   = errors.New("malformed frame")
)

// Timestamp formats t the way every timestamped frame carries it.
func Timestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// Frame is one server to client line.
//
// Which fields are meaningful depends on Type:
//
//	INFO, MSG, MSG_SENT, ERROR      Timestamp, Text
//	PRIVATE, PRIVATE_SENT, HISTORY  Timestamp, Name, Text
//	CLIENTS, CHANNELS               Names
//	KICKED                          Text (the reason)
//	QUIT                            nothing
type Frame struct {
	Type      string
	Timestamp string
	Name      string // sender for PRIVATE/HISTORY, receiver for PRIVATE_SENT
	Text      string
	Names     []string
}

func NewInfo(ts, text string) *Frame { return &Frame{Type: TypeInfo, Timestamp: ts, Text: text} }
func NewMsg(ts, text string) *Frame { return &Frame{Type: TypeMsg, Timestamp: ts, Text: text} }
func NewMsgSent(ts, text string) *Frame { return &Frame{Type: TypeMsgSent, Timestamp: ts, Text: text} }
func NewError(ts, text string) *Frame { return &Frame{Type: TypeError, Timestamp: ts, Text: text} }
func NewKicked(reason string) *Frame { return &Frame{Type: TypeKicked, Text: reason} }
func NewQuit() *Frame { return &Frame{Type: TypeQuit} }

func NewPrivate(ts, sender, text string) *Frame {
	return &Frame{Type: TypePrivate, Timestamp: ts, Name: sender, Text: text}
}

func NewPrivateSent(ts, receiver, text string) *Frame {
	return &Frame{Type: TypePrivateSent, Timestamp: ts, Name: receiver, Text: text}
}

func NewHistory(ts, sender, text string) *Frame {
	return &Frame{Type: TypeHistory, Timestamp: ts, Name: sender, Text: text}
}

func NewClients(names []string) *Frame { return &Frame{Type: TypeClients, Names: names} }
func NewChannels(names []string) *Frame { return &Frame{Type: TypeChannels, Names: names} }

// Encode renders the frame without a line terminator. Newlines inside
// text fields are flattened to spaces so a frame always stays one line.
func (f *Frame) Encode() string {
	var b strings.Builder
	b.WriteString(f.Type)

	switch f.Type {
	case TypeQuit:
		return b.String()
	case TypeKicked:
		b.WriteByte(':')
		b.WriteString(flatten(f.Text))
	case TypeClients, TypeChannels:
		b.WriteByte(':')
		b.WriteString(strings.Join(f.Names, ListSeparator))
	case TypePrivate, TypePrivateSent, TypeHistory:
		b.WriteByte(':')
		b.WriteString(f.Timestamp)
		b.WriteByte(':')
		b.WriteString(f.Name)
		b.WriteByte(':')
		b.WriteString(flatten(f.Text))
	default:
		b.WriteByte(':')
		b.WriteString(f.Timestamp)
		b.WriteByte(':')
		b.WriteString(flatten(f.Text))
	}
	return b.String()
}

// ParseFrame decodes one server line. Text is taken verbatim after the
// last fixed field, so it may itself contain colons.
func ParseFrame(line string) (*Frame, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, ErrEmptyFrame
	}

	typ, rest, hasRest := strings.Cut(line, ":")
	f := &Frame{Type: typ}

	switch typ {
	case TypeQuit:
		return f, nil
	case TypeKicked:
		f.Text = rest
		return f, nil
	case TypeClients, TypeChannels:
		if !hasRest {
			return nil, ErrMalformedFrame
		}
		f.Names = splitNames(rest)
		return f, nil
	case TypePrivate, TypePrivateSent, TypeHistory:
		parts := strings.SplitN(rest, ":", 3)
		if !hasRest || len(parts) != 3 {
			return nil, ErrMalformedFrame
		}
		f.Timestamp, f.Name, f.Text = parts[0], parts[1], parts[2]
		return f, nil
	case TypeInfo, TypeMsg, TypeMsgSent, TypeError:
		ts, text, ok := strings.Cut(rest, ":")
		if !hasRest || !ok {
			return nil, ErrMalformedFrame
		}
		f.Timestamp, f.Text = ts, text
		return f, nil
	default:
		return nil, ErrUnknownFrameType
	}
}

func splitNames(s string) []string {
	if strings.TrimSpace(s) == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			names = append(names, p)
		}
	}
	return names
}

func flatten(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}
