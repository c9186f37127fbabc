package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want Command
	}{
		{"NICKNAME:alice", Command{Verb: CmdNickname, Target: "alice"}},
		{"NICKNAME:  alice \r\n", Command{Verb: CmdNickname, Target: "alice"}},
		{"JOIN:devops", Command{Verb: CmdJoin, Target: "devops"}},
		{"MSG: hello world ", Command{Verb: CmdMsg, Text: "hello world"}},
		{"MSG:time is 12:30", Command{Verb: CmdMsg, Text: "time is 12:30"}},
		{"DM:bob:hi there", Command{Verb: CmdDM, Target: "bob", Text: "hi there"}},
		{"DM:bob:see: this", Command{Verb: CmdDM, Target: "bob", Text: "see: this"}},
		{"LIST:CLIENTS", Command{Verb: CmdList, Target: ListClients}},
		{"LIST:channels", Command{Verb: CmdList, Target: "channels"}},
		{"QUIT", Command{Verb: CmdQuit}},
		{"PING:123", Command{Verb: "PING", Text: "123"}},
		{"garbage", Command{Verb: "garbage"}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := ParseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *cmd)
		})
	}
}

func TestKnownVerb(t *testing.T) {
	for _, v := range []string{CmdNickname, CmdJoin, CmdMsg, CmdDM, CmdList, CmdQuit} {
		assert.Equal(t, v, KnownVerb(v))
	}
	assert.Equal(t, VerbUnknown, KnownVerb("msg"))
	assert.Equal(t, VerbUnknown, KnownVerb("JUNK42"))
	assert.Equal(t, VerbUnknown, KnownVerb(""))
}

func TestParseCommandErrors(t *testing.T) {
	_, err := ParseCommand("")
	assert.ErrorIs(t, err, ErrEmptyFrame)

	_, err = ParseCommand("   \r\n")
	assert.ErrorIs(t, err, ErrEmptyFrame)

	for _, line := range []string{"DM:bob", "DM::hello", "DM:bob:", "DM:bob:   "} {
		cmd, err := ParseCommand(line)
		assert.ErrorIs(t, err, ErrInvalidDM, line)
		require.NotNil(t, cmd, line)
		assert.Equal(t, CmdDM, cmd.Verb)
	}
}

func TestCommandEncode(t *testing.T) {
	assert.Equal(t, "NICKNAME:alice", Nickname("alice").Encode())
	assert.Equal(t, "JOIN:devops", Join("devops").Encode())
	assert.Equal(t, "MSG:hello", Msg("hello").Encode())
	assert.Equal(t, "DM:bob:hello", DM("bob", "hello").Encode())
	assert.Equal(t, "LIST:CHANNELS", List(ListChannels).Encode())
	assert.Equal(t, "QUIT", Quit().Encode())
}
