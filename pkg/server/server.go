package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const statsInterval = time.Minute

// Server is the chat server: the two registries, the acceptor, the idle
// reaper and the optional HTTP listeners.
type Server struct {
	config     ServerConfig
	log        zerolog.Logger
	sessions   *SessionRegistry
	channels   *ChannelRegistry
	reconnects *reconnectCache
	metrics    *Metrics
	now        func() time.Time
	startTime  time.Time

	listener     net.Listener
	httpServers  map[string]*http.Server
	httpAddrs    map[string]string
	adminHandler http.Handler

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Tracks every open connection, registered or not, so Stop can close them
	connsMu sync.Mutex
	conns   map[*SafeConn]struct{}

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	BindAddress string
	TCPPort     int
	HTTPPort    int // WebSocket transport (0 = disabled)
	MetricsPort int // /metrics and /health (0 = disabled)
	AdminPort   int // Admin API (0 = disabled, also disabled without AdminToken)
	AdminToken  string
	ServerName  string

	MinNicknameLength    int
	MaxNicknameLength    int
	MaxChannelNameLength int
	MaxLineLength        int
	MessageRateLimit     int // per second, 0 = unlimited
	MessageBurst         int
	WriteTimeout         time.Duration

	IdleTimeout    time.Duration
	ReaperInterval time.Duration
	ReconnectGrace time.Duration // 0 = no reconnect cache
	AcceptTimeout  time.Duration

	DefaultChannel string
	HistorySize    int
	SeedChannels   []string
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:     6465,
		HTTPPort:    8080,
		MetricsPort: 9090,
		AdminPort:   8081,
		ServerName:  "Chat Server",

		MinNicknameLength:    2,
		MaxNicknameLength:    20,
		MaxChannelNameLength: 32,
		MaxLineLength:        4096,
		MessageRateLimit:     10,
		MessageBurst:         20,
		WriteTimeout:         5 * time.Second,

		IdleTimeout:    120 * time.Second,
		ReaperInterval: 30 * time.Second,
		ReconnectGrace: 300 * time.Second,
		AcceptTimeout:  time.Second,

		DefaultChannel: "general",
		HistorySize:    20,
		SeedChannels:   []string{"general"},
	}
}

// NewServer creates a new server instance
func NewServer(config ServerConfig, logger zerolog.Logger) *Server {
	metrics := NewMetrics()

	sessions := NewSessionRegistry(config.MinNicknameLength, config.MaxNicknameLength)
	sessions.SetMetrics(metrics)

	channels := NewChannelRegistry(config.DefaultChannel, config.HistorySize, config.MaxChannelNameLength)
	channels.SetMetrics(metrics)

	s := &Server{
		config:      config,
		log:         logger,
		sessions:    sessions,
		channels:    channels,
		reconnects:  newReconnectCache(config.ReconnectGrace),
		metrics:     metrics,
		now:         time.Now,
		startTime:   time.Now(),
		httpServers: make(map[string]*http.Server),
		httpAddrs:   make(map[string]string),
		shutdown:    make(chan struct{}),
		conns:       make(map[*SafeConn]struct{}),
	}

	for _, name := range config.SeedChannels {
		if err := channels.Create(name); err != nil && !errors.Is(err, ErrChannelExists) {
			logger.Warn().Err(err).Str("channel", name).Msg("skipping seed channel")
		}
	}

	return s
}

// SetAdminHandler installs the handler served on AdminPort. Must be called before Start.
func (s *Server) SetAdminHandler(h http.Handler) {
	s.adminHandler = h
}

// Metrics returns the server's collectors
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start binds the TCP listener and the enabled HTTP listeners, then starts
// the acceptor and the idle reaper. Bind failures are returned.
func (s *Server) Start() error {
	select {
	case <-s.shutdown:
		return ErrServerClosed
	default:
	}

	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.TCPPort))

	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.log.Info().Str("addr", listener.Addr().String()).Msg("TCP listener started")

	// Metrics server (internal only - never expose publicly!)
	if s.config.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
		metricsMux.HandleFunc("/health", s.HealthHandler)
		if err := s.serveHTTP("metrics", s.config.MetricsPort, metricsMux); err != nil {
			s.closeListeners()
			return err
		}
	}

	// Public WebSocket transport
	if s.config.HTTPPort > 0 {
		publicMux := http.NewServeMux()
		publicMux.HandleFunc("/ws", s.HandleWebSocket)
		if err := s.serveHTTP("ws", s.config.HTTPPort, publicMux); err != nil {
			s.closeListeners()
			return err
		}
	}

	if s.config.AdminPort > 0 && s.adminHandler != nil {
		if s.config.AdminToken == "" {
			s.log.Warn().Msg("admin API disabled: no admin token configured")
		} else if err := s.serveHTTP("admin", s.config.AdminPort, s.adminHandler); err != nil {
			s.closeListeners()
			return err
		}
	}

	s.wg.Add(1)
	go s.reaperLoop()

	s.wg.Add(1)
	go s.statsLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// serveHTTP binds synchronously so port conflicts surface from Start
func (s *Server) serveHTTP(name string, port int, handler http.Handler) error {
	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s for %s: %w", addr, name, err)
	}

	hs := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServers[name] = hs
	s.httpAddrs[name] = ln.Addr().String()

	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Str("listener", name).Msg("HTTP listener started")
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Str("listener", name).Msg("HTTP server error")
		}
	}()
	return nil
}

// Addr returns the TCP listener address
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// HTTPAddr returns the bound address of the "ws", "metrics" or "admin" listener
func (s *Server) HTTPAddr(name string) string {
	return s.httpAddrs[name]
}

// Run starts the server and blocks until ctx is cancelled, then stops it.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.log.Info().Msg("Graceful shutdown initiated")

		// Signal shutdown; beginConn refuses new connections from here on
		s.connsMu.Lock()
		close(s.shutdown)
		s.connsMu.Unlock()

		if s.listener != nil {
			s.listener.Close()
		}

		s.notifyClientsOfShutdown()
		s.closeAllConns()
		s.closeListeners()

		s.wg.Wait()
		s.log.Info().Msg("Graceful shutdown complete")
	})
	return nil
}

func (s *Server) closeListeners() {
	for name, hs := range s.httpServers {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := hs.Shutdown(ctx); err != nil {
			s.log.Debug().Err(err).Str("listener", name).Msg("HTTP shutdown")
		}
		cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
}

// notifyClientsOfShutdown tells every session the server is stopping and
// tears the sessions down so their handlers skip the usual leave notices
func (s *Server) notifyClientsOfShutdown() {
	s.lockRegistries()
	defer s.unlockRegistries()

	all := s.sessions.allLocked()
	if len(all) == 0 {
		return
	}

	ts := s.timestamp()
	sent := 0
	for _, sess := range all {
		if !sess.end() {
			continue
		}
		if err := sess.Conn.WriteFrame(protocol.NewError(ts, "Server is shutting down")); err == nil {
			sent++
		}
		_ = sess.Conn.WriteFrame(protocol.NewQuit())
		s.detachLocked(sess)
	}
	s.log.Info().Int("sent", sent).Int("sessions", len(all)).Msg("Shutdown notification sent")
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	conns := make([]*SafeConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.connsMu.Unlock()

	for _, sc := range conns {
		sc.Close()
	}
}

// beginConn registers a live connection. It returns false once shutdown has
// started; the caller must then close the connection itself.
func (s *Server) beginConn(sc *SafeConn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	select {
	case <-s.shutdown:
		return false
	default:
	}
	s.conns[sc] = struct{}{}
	s.wg.Add(1)
	s.connectionsSinceReport.Add(1)
	return true
}

func (s *Server) endConn(sc *SafeConn) {
	sc.Close()
	s.connsMu.Lock()
	delete(s.conns, sc)
	s.connsMu.Unlock()
	s.disconnectionsSinceReport.Add(1)
	s.wg.Done()
}

// acceptLoop accepts incoming connections. The accept deadline lets the
// loop notice shutdown even if closing the listener is delayed.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	tcpListener, _ := s.listener.(*net.TCPListener)

	for {
		if tcpListener != nil && s.config.AcceptTimeout > 0 {
			tcpListener.SetDeadline(time.Now().Add(s.config.AcceptTimeout))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error().Err(err).Msg("Accept error")
			continue
		}

		go s.handleConnection(conn)
	}
}

// handleConnection wraps a raw TCP connection and runs its handler
func (s *Server) handleConnection(conn net.Conn) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sc := NewSafeConn(newTCPTransport(conn, s.config.MaxLineLength), s.config.WriteTimeout)
	s.serveConn(sc, "tcp")
}

// reaperLoop periodically disconnects idle sessions
func (s *Server) reaperLoop() {
	defer s.wg.Done()

	interval := s.config.ReaperInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.reapIdleSessions()
		}
	}
}

// statsLoop periodically logs key counters
func (s *Server) statsLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.log.Debug().
				Int("sessions", s.sessions.Count()).
				Int("channels", s.channels.Count()).
				Int64("connected", s.connectionsSinceReport.Swap(0)).
				Int64("disconnected", s.disconnectionsSinceReport.Swap(0)).
				Int("goroutines", runtime.NumGoroutine()).
				Msg("stats")
		}
	}
}

// ServerStatus is the /health payload
type ServerStatus struct {
	Name          string  `json:"name"`
	Sessions      int     `json:"sessions"`
	Channels      int     `json:"channels"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Status reports counts and uptime
func (s *Server) Status() ServerStatus {
	return ServerStatus{
		Name:          s.config.ServerName,
		Sessions:      s.sessions.Count(),
		Channels:      s.channels.Count(),
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	}
}

// HealthHandler serves the server status as JSON
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.log.Debug().Err(err).Msg("health encode")
	}
}
