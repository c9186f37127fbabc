package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aeolun/relaychat/pkg/client"
	"github.com/aeolun/relaychat/pkg/logging"
	"github.com/aeolun/relaychat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

const replyTimeout = 5 * time.Second

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	// Read /proc/loadavg on Linux
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

// generateNickname returns a short unique nickname
func generateNickname(id int) string {
	return fmt.Sprintf("lt%d%s", id, strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
}

func randomMessage(seq int64) string {
	n := 3 + rand.Intn(10)
	start := rand.Intn(len(loremWords) - n)
	return fmt.Sprintf("%s #%d", strings.Join(loremWords[start:start+n], " "), seq)
}

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	messagesAcked     atomic.Int64
	messagesFailed    atomic.Int64
	messagesReceived  atomic.Int64
	rateLimited       atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64
	disconnections    atomic.Int64
}

func (s *Stats) recordAck(responseTime time.Duration) {
	s.messagesAcked.Add(1)
	s.totalResponseTime.Add(responseTime.Microseconds())
}

func (s *Stats) snapshot() (sent, acked, failed int64, avgResponseUs float64) {
	sent = s.messagesSent.Load()
	acked = s.messagesAcked.Load()
	failed = s.messagesFailed.Load()

	if acked > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(acked)
	}
	return
}

// BotClient is one simulated chat user
type BotClient struct {
	id       int
	nickname string
	conn     *client.Connection
	stats    *Stats
	log      zerolog.Logger

	pendingMu sync.Mutex
	pending   map[string]time.Time // message text -> send time
}

func NewBotClient(id int, stats *Stats, logger zerolog.Logger) *BotClient {
	nick := generateNickname(id)
	return &BotClient{
		id:       id,
		nickname: nick,
		stats:    stats,
		log:      logger.With().Int("bot", id).Str("nickname", nick).Logger(),
		pending:  make(map[string]time.Time),
	}
}

// Connect dials the server, claims a nickname and joins channel
func (b *BotClient) Connect(serverAddr, channel string) error {
	conn, err := client.Dial(serverAddr)
	if err != nil {
		return err
	}
	b.conn = conn

	if err := conn.SetNickname(b.nickname, replyTimeout); err != nil {
		return fmt.Errorf("set nickname: %w", err)
	}
	if err := conn.Send(protocol.Join(channel)); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	return nil
}

// Run sends messages at rate until ctx is done, then quits
func (b *BotClient) Run(ctx context.Context, rate float64) {
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		b.readLoop()
	}()

	interval := time.Duration(float64(time.Second) / rate)
	// Spread the first send so bots don't fire in lockstep
	timer := time.NewTimer(time.Duration(rand.Int63n(int64(interval) + 1)))
	defer timer.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			b.conn.Send(protocol.Quit())
			b.conn.Close()
			<-readerDone
			return
		case <-readerDone:
			b.stats.disconnections.Add(1)
			b.conn.Close()
			return
		case <-timer.C:
			seq++
			text := fmt.Sprintf("bot%d %s", b.id, randomMessage(seq))

			b.pendingMu.Lock()
			b.pending[text] = time.Now()
			b.pendingMu.Unlock()

			if err := b.conn.Send(protocol.Msg(text)); err != nil {
				b.stats.messagesFailed.Add(1)
				b.log.Debug().Err(err).Msg("send failed")
			} else {
				b.stats.messagesSent.Add(1)
			}
			timer.Reset(interval)
		}
	}
}

func (b *BotClient) readLoop() {
	for {
		f, err := b.conn.Receive(0)
		if err != nil {
			if !errors.Is(err, client.ErrClosed) {
				b.log.Debug().Err(err).Msg("read ended")
			}
			return
		}

		switch f.Type {
		case protocol.TypeMsgSent:
			b.pendingMu.Lock()
			sentAt, ok := b.pending[f.Text]
			delete(b.pending, f.Text)
			b.pendingMu.Unlock()
			if ok {
				b.stats.recordAck(time.Since(sentAt))
			}
		case protocol.TypeMsg:
			b.stats.messagesReceived.Add(1)
		case protocol.TypeError:
			if f.Text == "Rate limit exceeded" {
				b.stats.rateLimited.Add(1)
			}
			b.stats.messagesFailed.Add(1)
		case protocol.TypeQuit, protocol.TypeKicked:
			return
		}
	}
}

func main() {
	serverAddr := flag.String("server", "localhost:6465", "Server address (host:port or ws:// URL)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	rate := flag.Float64("rate", 1, "Messages per second per client")
	channel := flag.String("channel", "loadtest", "Channel to join")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger := logging.New(*logLevel, "console", os.Stdout)

	if *numClients < 1 || *rate <= 0 {
		logger.Error().Msg("-clients must be >= 1 and -rate > 0")
		os.Exit(2)
	}

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	logger.Info().
		Str("server", *serverAddr).
		Int("clients", *numClients).
		Dur("duration", *duration).
		Dur("ramp_up", rampUpDuration).
		Float64("rate", *rate).
		Str("channel", *channel).
		Msg("starting load test")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration+rampUpDuration)
	defer cancel()

	stats := &Stats{}
	startTime := time.Now()

	// Periodic stats reporter
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sent, acked, failed, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				logger.Info().
					Int64("sent", sent).
					Int64("acked", acked).
					Float64("ack_rate", float64(acked)/elapsed).
					Int64("failed", failed).
					Int64("conn_errors", stats.connectionErrors.Load()).
					Float64("avg_ms", avgUs/1000.0).
					Float64("load", getCPULoad()).
					Int("goroutines", runtime.NumGoroutine()).
					Msg("stats")
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			bot := NewBotClient(id, stats, logger)
			if err := bot.Connect(*serverAddr, *channel); err != nil {
				stats.connectionErrors.Add(1)
				bot.log.Debug().Err(err).Msg("connect failed")
				if bot.conn != nil {
					bot.conn.Close()
				}
				return
			}
			stats.successfulClients.Add(1)

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				bot.log.Info().Msg("connected")
			}

			bot.Run(ctx, *rate)
		}(i)

		select {
		case <-ctx.Done():
			break spawn
		case <-time.After(staggerDelay):
		}
	}

	wg.Wait()

	sent, acked, failed, avgUs := stats.snapshot()
	elapsed := time.Since(startTime)
	successful := stats.successfulClients.Load()

	logger.Info().
		Int("clients_attempted", *numClients).
		Int64("clients_successful", successful).
		Dur("elapsed", elapsed.Round(time.Second)).
		Int64("sent", sent).
		Int64("acked", acked).
		Float64("ack_rate", float64(acked)/elapsed.Seconds()).
		Int64("received", stats.messagesReceived.Load()).
		Int64("failed", failed).
		Int64("rate_limited", stats.rateLimited.Load()).
		Int64("disconnections", stats.disconnections.Load()).
		Int64("conn_errors", stats.connectionErrors.Load()).
		Float64("avg_ms", avgUs/1000.0).
		Msg("final results")

	if sent > 0 {
		logger.Info().Float64("success_rate", float64(acked)/float64(sent)*100).Msg("acknowledged share of sent messages")
	}
}
