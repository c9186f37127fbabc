package botlib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/relaychat/pkg/protocol"
)

func TestMessageFromFrame(t *testing.T) {
	msg := messageFromFrame(protocol.NewMsg("10.30", "alice: hi: there"), "general", "helpbot")
	require.NotNil(t, msg)
	assert.Equal(t, "alice", msg.Author)
	assert.Equal(t, "hi: there", msg.Content)
	assert.Equal(t, "general", msg.Channel)
	assert.Equal(t, "10.30", msg.Timestamp)
	assert.False(t, msg.Direct)

	msg = messageFromFrame(protocol.NewPrivate("10.31", "bob", "psst"), "general", "helpbot")
	require.NotNil(t, msg)
	assert.Equal(t, "bob", msg.Author)
	assert.Equal(t, "psst", msg.Content)
	assert.Empty(t, msg.Channel)
	assert.True(t, msg.Direct)

	assert.Nil(t, messageFromFrame(protocol.NewInfo("10.32", "carol has joined the general"), "general", "helpbot"))
	assert.Nil(t, messageFromFrame(protocol.NewMsg("10.32", "no separator"), "general", "helpbot"))
}

func TestMentionsMe(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"@helpbot what time is it", true},
		{"hey @HelpBot", true},
		{"helpbot: status?", true},
		{"helpbot, hi", true},
		{"helpbot hi", true},
		{"helpbotx hi", false},
		{"nothing to see", false},
	}

	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			m := &Message{Content: tt.content, botNickname: "helpbot"}
			assert.Equal(t, tt.want, m.MentionsMe())
		})
	}

	anonymous := &Message{Content: "@helpbot"}
	assert.False(t, anonymous.MentionsMe())
}

func TestMentionedContent(t *testing.T) {
	tests := []struct {
		content string
		want    string
	}{
		{"@helpbot what time is it", "what time is it"},
		{"@HELPBOT hi", "hi"},
		{"helpbot: status?", "status?"},
		{"hey @helpbot and @helpbot", "hey  and"},
		{"plain", "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			m := &Message{Content: tt.content, botNickname: "helpbot"}
			assert.Equal(t, tt.want, m.MentionedContent())
		})
	}
}

func TestCommand(t *testing.T) {
	tests := []struct {
		content  string
		wantName string
		wantArgs string
		wantOK   bool
	}{
		{"!help", "help", "", true},
		{"!ECHO  hello world ", "echo", "hello world", true},
		{"@helpbot !roll 20", "roll", "20", true},
		{"helpbot: !time", "time", "", true},
		{"!", "", "", false},
		{"hello", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			m := &Message{Content: tt.content, botNickname: "helpbot"}
			name, args, ok := m.Command()
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}
