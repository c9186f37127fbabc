package botlib

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aeolun/relaychat/pkg/client"
	"github.com/aeolun/relaychat/pkg/protocol"
)

// MessageHandler is called when a new message is received.
type MessageHandler func(ctx *Context, msg *Message)

// Config holds the bot configuration.
type Config struct {
	// Server address (host:port or ws:// URL)
	Server string

	// Nickname for the bot
	Nickname string

	// Channel to join. Empty stays in the server's default channel.
	Channel string

	// Logger for bot activity (optional, defaults to a disabled logger)
	Logger *zerolog.Logger

	// ResponseTimeout for request/response operations (default: 10s)
	ResponseTimeout time.Duration

	// KeepaliveInterval must stay below the server idle timeout (default: 60s)
	KeepaliveInterval time.Duration
}

// Bot represents a chat bot instance.
type Bot struct {
	config   Config
	conn     *client.Connection
	logger   zerolog.Logger
	nickname string

	// Channel and roster state
	stateMu sync.RWMutex
	channel string
	online  []string

	// Handlers
	onMessage MessageHandler
	onMention MessageHandler
	onDirect  MessageHandler

	wg sync.WaitGroup
}

// New creates a new Bot with the given configuration.
func New(config Config) *Bot {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = 10 * time.Second
	}
	if config.KeepaliveInterval == 0 {
		config.KeepaliveInterval = 60 * time.Second
	}

	return &Bot{
		config:   config,
		logger:   logger.With().Str("bot", config.Nickname).Logger(),
		nickname: config.Nickname,
	}
}

// OnMessage registers a handler for channel messages that don't mention the bot.
func (b *Bot) OnMessage(handler MessageHandler) {
	b.onMessage = handler
}

// OnMention registers a handler for channel messages that mention the bot.
func (b *Bot) OnMention(handler MessageHandler) {
	b.onMention = handler
}

// OnDirect registers a handler for DMs to the bot.
func (b *Bot) OnDirect(handler MessageHandler) {
	b.onDirect = handler
}

// Channel returns the channel the bot is in
func (b *Bot) Channel() string {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.channel
}

// Online returns the last roster received from LIST:CLIENTS
func (b *Bot) Online() []string {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return append([]string(nil), b.online...)
}

// Run connects to the server and processes messages.
// Blocks until ctx is done or the connection is lost.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info().Str("server", b.config.Server).Msg("connecting")
	conn, err := client.Dial(b.config.Server)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	b.conn = conn

	if err := conn.SetNickname(b.nickname, b.config.ResponseTimeout); err != nil {
		conn.Close()
		return fmt.Errorf("set nickname: %w", err)
	}

	// The server puts every new session in its default channel
	joined, err := b.awaitJoin("", b.config.ResponseTimeout)
	if err != nil {
		conn.Close()
		return fmt.Errorf("waiting for default channel: %w", err)
	}
	b.setChannel(joined)

	if b.config.Channel != "" && b.config.Channel != joined {
		if err := b.send(protocol.Join(b.config.Channel)); err != nil {
			conn.Close()
			return fmt.Errorf("join: %w", err)
		}
		if _, err := b.awaitJoin(b.config.Channel, b.config.ResponseTimeout); err != nil {
			conn.Close()
			return fmt.Errorf("join %s: %w", b.config.Channel, err)
		}
		b.setChannel(b.config.Channel)
	}
	b.logger.Info().Str("channel", b.Channel()).Msg("bot is running")

	readerDone := make(chan struct{})
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(readerDone)
		b.receiveLoop()
	}()

	stopKeepalive := make(chan struct{})
	b.wg.Add(1)
	go b.keepaliveLoop(stopKeepalive)

	var runErr error
	select {
	case <-ctx.Done():
		b.logger.Info().Msg("stop requested")
		b.send(protocol.Quit())
	case <-readerDone:
		runErr = errors.New("connection lost")
	}

	close(stopKeepalive)
	b.conn.Close()
	b.wg.Wait()

	b.logger.Info().Msg("bot stopped")
	return runErr
}

// awaitJoin reads until the server confirms the bot joined a channel. An
// empty want accepts the default channel notice.
func (b *Bot) awaitJoin(want string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := b.conn.Expect(protocol.TypeInfo, time.Until(deadline))
		if err != nil {
			return "", err
		}
		if want == "" {
			if name, ok := strings.CutPrefix(f.Text, b.nickname+" has joined the "); ok {
				return name, nil
			}
			// A restart within the reconnect grace lands back in the old channel
			if name, ok := strings.CutPrefix(f.Text, "Reconnected to previous channel "); ok {
				return name, nil
			}
			continue
		}
		if f.Text == b.nickname+" has joined the channel "+want {
			return want, nil
		}
	}
}

func (b *Bot) setChannel(name string) {
	b.stateMu.Lock()
	b.channel = name
	b.stateMu.Unlock()
}

func (b *Bot) send(cmd *protocol.Command) error {
	return b.conn.Send(cmd)
}

func (b *Bot) keepaliveLoop(stop <-chan struct{}) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.KeepaliveInterval)
	defer ticker.Stop()

	// Fetch the roster once up front
	if err := b.send(protocol.List(protocol.ListClients)); err != nil {
		return
	}

	for {
		select {
		case <-ticker.C:
			// Any frame counts as activity; the roster is useful anyway
			if err := b.send(protocol.List(protocol.ListClients)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (b *Bot) receiveLoop() {
	for {
		f, err := b.conn.Receive(0)
		if err != nil {
			if !errors.Is(err, client.ErrClosed) {
				b.logger.Debug().Err(err).Msg("receive ended")
			}
			return
		}
		if !b.handleFrame(f) {
			return
		}
	}
}

// handleFrame dispatches one frame. Returns false when the server ended
// the session.
func (b *Bot) handleFrame(f *protocol.Frame) bool {
	switch f.Type {
	case protocol.TypeMsg, protocol.TypePrivate:
		b.handleMessage(f)
	case protocol.TypeClients:
		b.stateMu.Lock()
		b.online = f.Names
		b.stateMu.Unlock()
	case protocol.TypeInfo:
		// Deleted channels move their members to the default channel
		if _, rest, ok := strings.Cut(f.Text, "You have been moved to "); ok {
			b.setChannel(strings.TrimSuffix(rest, "."))
		}
	case protocol.TypeError:
		b.logger.Warn().Str("error", f.Text).Msg("server error")
	case protocol.TypeKicked:
		b.logger.Warn().Str("reason", f.Text).Msg("kicked")
		return false
	case protocol.TypeQuit:
		return false
	}
	return true
}

func (b *Bot) handleMessage(f *protocol.Frame) {
	msg := messageFromFrame(f, b.Channel(), b.nickname)
	if msg == nil || strings.EqualFold(msg.Author, b.nickname) {
		return
	}

	ctx := &Context{bot: b, message: msg}

	switch {
	case msg.Direct:
		if b.onDirect != nil {
			b.onDirect(ctx, msg)
		}
	case msg.MentionsMe() && b.onMention != nil:
		b.onMention(ctx, msg)
	case b.onMessage != nil:
		b.onMessage(ctx, msg)
	}
}
