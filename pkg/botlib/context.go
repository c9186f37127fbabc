package botlib

import (
	"fmt"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// Context provides methods for responding to messages.
// It is passed to message handlers and provides a convenient API
// for common bot actions.
type Context struct {
	bot     *Bot
	message *Message
}

// Message returns the message that triggered this context.
func (c *Context) Message() *Message {
	return c.message
}

// Reply answers where the message came from: a DM gets a DM back, a
// channel message gets a channel message.
func (c *Context) Reply(content string) error {
	if c.message.Direct {
		return c.ReplyDirect(content)
	}
	return c.Say(content)
}

// ReplyDirect sends a DM to the message author.
func (c *Context) ReplyDirect(content string) error {
	return c.bot.send(protocol.DM(c.message.Author, content))
}

// Say posts to the bot's current channel.
func (c *Context) Say(content string) error {
	return c.bot.send(protocol.Msg(content))
}

// Channel returns the bot's current channel.
func (c *Context) Channel() string {
	return c.bot.Channel()
}

// Author returns the nickname of the message author.
func (c *Context) Author() string {
	return c.message.Author
}

// BotNickname returns the bot's nickname.
func (c *Context) BotNickname() string {
	return c.bot.nickname
}

// Online returns the last client roster the bot saw. The bot refreshes it
// on every keepalive.
func (c *Context) Online() []string {
	return c.bot.Online()
}

// Log logs a message using the bot's logger.
func (c *Context) Log(format string, args ...interface{}) {
	c.bot.logger.Info().
		Str("author", c.message.Author).
		Bool("direct", c.message.Direct).
		Msgf(format, args...)
}

// String returns a debug representation of the context.
func (c *Context) String() string {
	return fmt.Sprintf("Context{channel=%s, author=%s, direct=%t}",
		c.message.Channel, c.message.Author, c.message.Direct)
}
