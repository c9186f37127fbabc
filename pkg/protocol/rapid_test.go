package protocol

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func nameGen() *rapid.Generator[string] {
	return rapid.StringMatching(`[A-Za-z0-9_\-]{2,20}`)
}

// textGen draws printable text that may contain colons but no newlines.
func textGen() *rapid.Generator[string] {
	return rapid.StringMatching(`[ -~]{0,80}`)
}

// TestFrameParseInverse checks that ParseFrame recovers every field that
// Encode writes, for any frame type.
func TestFrameParseInverse(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ts := rapid.StringMatching(`[0-2][0-9]\.[0-5][0-9]`).Draw(t, "ts")
		name := nameGen().Draw(t, "name")
		text := textGen().Draw(t, "text")

		frames := []*Frame{
			NewInfo(ts, text),
			NewMsg(ts, text),
			NewMsgSent(ts, text),
			NewError(ts, text),
			NewPrivate(ts, name, text),
			NewPrivateSent(ts, name, text),
			NewHistory(ts, name, text),
			NewKicked(text),
		}
		f := frames[rapid.IntRange(0, len(frames)-1).Draw(t, "kind")]

		got, err := ParseFrame(f.Encode())
		if err != nil {
			t.Fatalf("parse %q: %v", f.Encode(), err)
		}
		if got.Type != f.Type || got.Timestamp != f.Timestamp || got.Name != f.Name || got.Text != f.Text {
			t.Fatalf("mismatch: sent %+v, got %+v", f, got)
		}
	})
}

// TestRosterParse checks that names survive the ", " join.
func TestRosterParse(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOfN(nameGen(), 0, 30).Draw(t, "names")
		got, err := ParseFrame(NewClients(names).Encode())
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if len(got.Names) != len(names) {
			t.Fatalf("got %d names, want %d", len(got.Names), len(names))
		}
		for i := range names {
			if got.Names[i] != names[i] {
				t.Fatalf("name %d: got %q want %q", i, got.Names[i], names[i])
			}
		}
	})
}

// TestParseCommandNeverPanics feeds arbitrary lines to the command parser.
func TestParseCommandNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		line := rapid.String().Draw(t, "line")
		cmd, err := ParseCommand(line)
		if err == nil && cmd == nil {
			t.Fatalf("nil command without error for %q", line)
		}
	})
}

// TestCommandEncodeParses checks that every encoded command parses back
// to the same verb, target and text.
func TestCommandEncodeParses(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := nameGen().Draw(t, "name")
		text := strings.TrimSpace(textGen().Draw(t, "text"))
		if text == "" {
			text = "x"
		}

		cmds := []*Command{Nickname(name), Join(name), Msg(text), DM(name, text), List(ListClients), Quit()}
		c := cmds[rapid.IntRange(0, len(cmds)-1).Draw(t, "kind")]

		got, err := ParseCommand(c.Encode())
		if err != nil {
			t.Fatalf("parse %q: %v", c.Encode(), err)
		}
		if *got != *c {
			t.Fatalf("sent %+v, got %+v", c, got)
		}
	})
}
