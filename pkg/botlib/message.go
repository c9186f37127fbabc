// Package botlib provides a simple library for building chat bots.
package botlib

import (
	"strings"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// Message represents a chat message received by the bot.
type Message struct {
	Channel   string // Channel the bot was in when the message arrived, empty for DMs
	Author    string
	Content   string
	Timestamp string // HH.MM as sent by the server
	Direct    bool   // Arrived as a DM

	// Internal: the bot's nickname for mention detection
	botNickname string
}

// messageFromFrame converts a MSG or PRIVATE frame. Other frames return nil.
func messageFromFrame(f *protocol.Frame, channel, botNickname string) *Message {
	switch f.Type {
	case protocol.TypeMsg:
		// Channel messages carry "author: text"
		author, content, ok := strings.Cut(f.Text, ": ")
		if !ok {
			return nil
		}
		return &Message{
			Channel:     channel,
			Author:      author,
			Content:     content,
			Timestamp:   f.Timestamp,
			botNickname: botNickname,
		}
	case protocol.TypePrivate:
		return &Message{
			Author:      f.Name,
			Content:     f.Text,
			Timestamp:   f.Timestamp,
			Direct:      true,
			botNickname: botNickname,
		}
	}
	return nil
}

// MentionsMe returns true if the message content mentions the bot.
// Checks for @nickname patterns (case-insensitive).
func (m *Message) MentionsMe() bool {
	if m.botNickname == "" {
		return false
	}

	content := strings.ToLower(m.Content)
	nickname := strings.ToLower(m.botNickname)

	if strings.Contains(content, "@"+nickname) {
		return true
	}

	// Also check for nickname at start of message (common pattern)
	return strings.HasPrefix(content, nickname+":") ||
		strings.HasPrefix(content, nickname+",") ||
		strings.HasPrefix(content, nickname+" ")
}

// MentionedContent returns the message content with the bot mention removed.
// Useful for extracting the actual query/command.
func (m *Message) MentionedContent() string {
	if m.botNickname == "" {
		return m.Content
	}

	content := m.Content
	lowerNick := strings.ToLower(m.botNickname)

	// Remove @nickname mentions in any case
	for {
		i := strings.Index(strings.ToLower(content), "@"+lowerNick)
		if i < 0 {
			break
		}
		content = content[:i] + content[i+1+len(lowerNick):]
	}

	lower := strings.ToLower(content)
	for _, sep := range []string{":", ",", " "} {
		if strings.HasPrefix(lower, lowerNick+sep) {
			content = content[len(lowerNick)+1:]
			break
		}
	}

	return strings.TrimSpace(content)
}

// Command splits "!name args" into its parts. ok is false when the content
// is not a bang command.
func (m *Message) Command() (name, args string, ok bool) {
	content := m.Content
	if m.MentionsMe() {
		content = m.MentionedContent()
	}
	if !strings.HasPrefix(content, "!") || len(content) == 1 {
		return "", "", false
	}
	name, args, _ = strings.Cut(content[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(args), true
}
