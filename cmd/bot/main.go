// Command bot is a small chat bot that answers bang commands in a channel
// and over DM.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aeolun/relaychat/pkg/botlib"
	"github.com/aeolun/relaychat/pkg/logging"
)

const helpText = "Commands: !help, !time, !who, !echo <text>, !roll [sides]"

// answer returns the reply to a bang command, or "" for commands the bot
// doesn't know.
func answer(ctx *botlib.Context, name, args string) string {
	switch name {
	case "help":
		return helpText
	case "time":
		return "It is " + time.Now().Format("15:04 MST")
	case "who":
		online := ctx.Online()
		if len(online) == 0 {
			return "Nobody seen yet"
		}
		return fmt.Sprintf("Online (%d): %s", len(online), strings.Join(online, ", "))
	case "echo":
		if args == "" {
			return "Usage: !echo <text>"
		}
		return args
	case "roll":
		sides := 6
		if args != "" {
			n, err := strconv.Atoi(args)
			if err != nil || n < 2 || n > 1000 {
				return "Usage: !roll [2-1000]"
			}
			sides = n
		}
		return fmt.Sprintf("%s rolled %d (d%d)", ctx.Author(), rand.Intn(sides)+1, sides)
	}
	return ""
}

func main() {
	// Command-line flags
	server := flag.String("server", "localhost:6465", "Server address (host:port or ws:// URL)")
	nickname := flag.String("nickname", "helpbot", "Bot nickname")
	channel := flag.String("channel", "", "Channel to join (default: the server's default channel)")
	keepalive := flag.Duration("keepalive", 60*time.Second, "Keepalive interval, below the server idle timeout")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger := logging.New(*logLevel, "console", os.Stdout)

	bot := botlib.New(botlib.Config{
		Server:            *server,
		Nickname:          *nickname,
		Channel:           *channel,
		Logger:            &logger,
		KeepaliveInterval: *keepalive,
	})

	respond := func(ctx *botlib.Context, msg *botlib.Message) {
		name, args, ok := msg.Command()
		if !ok {
			return
		}
		reply := answer(ctx, name, args)
		if reply == "" {
			if !msg.Direct && !msg.MentionsMe() {
				return
			}
			reply = "Unknown command. " + helpText
		}
		if err := ctx.Reply(reply); err != nil {
			ctx.Log("failed to reply: %v", err)
		}
	}

	bot.OnMessage(respond)
	bot.OnDirect(respond)

	// Handle mentions - bare mentions get the help text
	bot.OnMention(func(ctx *botlib.Context, msg *botlib.Message) {
		if _, _, ok := msg.Command(); ok {
			respond(ctx, msg)
			return
		}
		ctx.Log("mentioned: %s", msg.Content)
		if err := ctx.Reply("Hi " + msg.Author + "! " + helpText); err != nil {
			ctx.Log("failed to reply: %v", err)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("server", *server).
		Str("nickname", *nickname).
		Str("channel", *channel).
		Msg("starting bot")

	if err := bot.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("bot error")
		os.Exit(1)
	}
}
