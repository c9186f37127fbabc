package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// closeReason is logged when a session ends
type closeReason string

const (
	reasonQuit           closeReason = "quit"
	reasonConnectionLost closeReason = "connection lost"
)

// serveConn runs one connection from nickname negotiation to cleanup.
// It returns once the connection is closed.
func (s *Server) serveConn(sc *SafeConn, transport string) {
	if !s.beginConn(sc) {
		sc.Close()
		return
	}
	defer s.endConn(sc)

	connID := uuid.NewString()
	log := s.log.With().
		Str("conn_id", connID).
		Str("transport", transport).
		Str("remote", sc.RemoteAddr()).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("connection handler panicked")
		}
	}()

	s.metrics.RecordConnection(transport)
	log.Debug().Msg("connection accepted")

	sess, err := s.awaitNickname(sc, connID, transport)
	if err != nil {
		log.Debug().Err(err).Msg("connection closed before nickname was set")
		return
	}

	log = log.With().Str("nickname", sess.Nickname).Logger()
	log.Info().Msg("session started")

	s.messageLoop(sess, log)
}

// awaitNickname reads lines until the client claims a free nickname.
// Idle connections in this state are cut off by the read deadline.
func (s *Server) awaitNickname(sc *SafeConn, connID, transport string) (*Session, error) {
	for {
		// Socket deadlines run on the wall clock, not s.now
		if s.config.IdleTimeout > 0 {
			sc.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}

		line, err := sc.ReadLine()
		if err != nil {
			if errors.Is(err, protocol.ErrLineTooLong) {
				s.sendError(sc, "Line too long")
				continue
			}
			return nil, err
		}

		cmd, err := protocol.ParseCommand(line)
		if errors.Is(err, protocol.ErrEmptyFrame) {
			continue
		}
		s.metrics.RecordFrameReceived(cmd.Verb)

		switch cmd.Verb {
		case protocol.CmdNickname:
			sess, err := s.claimNickname(sc, cmd.Target, connID, transport)
			if err == nil {
				sc.SetReadDeadline(time.Time{})
				return sess, nil
			}
			if errors.Is(err, ErrClientDisconnecting) {
				return nil, err
			}
			s.sendError(sc, s.nicknameErrorText(err))
		case protocol.CmdQuit:
			return nil, ErrClientDisconnecting
		default:
			s.sendError(sc, "Set a nickname first")
		}
	}
}

// nicknameErrorText maps a registration failure to the text sent to the client
func (s *Server) nicknameErrorText(err error) string {
	switch {
	case errors.Is(err, ErrNicknameLength):
		return fmt.Sprintf("Nickname must be between %d-%d characters", s.config.MinNicknameLength, s.config.MaxNicknameLength)
	case errors.Is(err, ErrNicknameTaken):
		return "Nickname already taken"
	case errors.Is(err, ErrNicknameInvalid):
		return "Nickname contains invalid characters"
	default:
		return "Failed to set nickname"
	}
}

// claimNickname registers a session, welcomes it and places it in a channel:
// the channel it held before a recent unexpected disconnect if that channel
// still exists, otherwise the default channel.
func (s *Server) claimNickname(sc *SafeConn, nickname, connID, transport string) (*Session, error) {
	sess := &Session{
		ID:         connID,
		Nickname:   nickname,
		Conn:       sc,
		Transport:  transport,
		RemoteAddr: sc.RemoteAddr(),
	}
	if s.config.MessageRateLimit > 0 {
		burst := s.config.MessageBurst
		if burst < 1 {
			burst = 1
		}
		sess.limiter = rate.NewLimiter(rate.Limit(s.config.MessageRateLimit), burst)
	}

	now := s.now()

	s.lockRegistries()
	defer s.unlockRegistries()

	if err := s.sessions.registerLocked(sess, now); err != nil {
		return nil, err
	}

	if err := s.writeLocked(sess, protocol.NewInfo(s.timestamp(), "Welcome "+sess.Nickname)); err != nil {
		return nil, ErrClientDisconnecting
	}

	if prev, ok := s.reconnects.takeLocked(sess.key, now); ok {
		if ch := s.channels.getLocked(prev); ch != nil {
			s.channels.addMemberLocked(ch, sess)
			if err := s.writeLocked(sess, protocol.NewInfo(s.timestamp(), "Reconnected to previous channel "+ch.Name)); err != nil {
				return nil, ErrClientDisconnecting
			}
			s.noticeLocked(ch, sess.Nickname+" has reconnected to the channel", sess)
			return sess, nil
		}
	}

	def := s.channels.ensureLocked(s.channels.DefaultChannel())
	s.channels.addMemberLocked(def, sess)
	s.noticeLocked(def, fmt.Sprintf("%s has joined the %s", sess.Nickname, def.Name), nil)
	if sess.Ended() {
		return nil, ErrClientDisconnecting
	}
	return sess, nil
}

// messageLoop dispatches commands until the client quits or the connection
// fails, then runs cleanup.
func (s *Server) messageLoop(sess *Session, log zerolog.Logger) {
	reason := reasonConnectionLost
	defer func() {
		s.disconnect(sess, reason, log)
	}()

	for {
		line, err := sess.Conn.ReadLine()
		if err != nil {
			if errors.Is(err, protocol.ErrLineTooLong) {
				s.sessions.touchSession(sess, s.now())
				s.sendError(sess.Conn, "Line too long")
				continue
			}
			if !sess.Ended() {
				log.Debug().Err(err).Msg("read failed")
			}
			return
		}

		s.sessions.touchSession(sess, s.now())

		cmd, parseErr := protocol.ParseCommand(line)
		if errors.Is(parseErr, protocol.ErrEmptyFrame) {
			continue
		}
		s.metrics.RecordFrameReceived(cmd.Verb)

		start := time.Now()
		err = s.handleCommand(sess, cmd, parseErr)
		s.metrics.ObserveCommand(cmd.Verb, time.Since(start))

		if errors.Is(err, ErrClientDisconnecting) {
			reason = reasonQuit
			return
		}
		if sess.Ended() {
			return
		}
	}
}

// handleCommand dispatches one command from an active session
func (s *Server) handleCommand(sess *Session, cmd *protocol.Command, parseErr error) error {
	switch cmd.Verb {
	case protocol.CmdJoin:
		return s.handleJoin(sess, cmd.Target)
	case protocol.CmdMsg:
		return s.handleMsg(sess, cmd.Text)
	case protocol.CmdDM:
		return s.handleDM(sess, cmd, parseErr)
	case protocol.CmdList:
		return s.handleList(sess, cmd.Target)
	case protocol.CmdQuit:
		return ErrClientDisconnecting
	case protocol.CmdNickname:
		return s.sendError(sess.Conn, "Nickname already set")
	default:
		return s.sendError(sess.Conn, "Unknown command")
	}
}

// handleJoin moves the session into a channel, creating it if needed
func (s *Server) handleJoin(sess *Session, name string) error {
	if err := s.channels.ValidateName(name); err != nil {
		return s.sendError(sess.Conn, "Invalid channel name")
	}

	s.lockRegistries()
	defer s.unlockRegistries()

	if !s.sessions.isCurrentLocked(sess) {
		return nil
	}
	s.joinLocked(sess, name)
	return nil
}

// joinLocked switches channels. Rejoining the current channel skips the
// leave notice. History is replayed once it holds more than the join notice.
func (s *Server) joinLocked(sess *Session, name string) {
	target := s.channels.ensureLocked(name)

	if cur := s.channels.currentLocked(sess.key); cur != nil && cur != target {
		s.channels.removeMemberLocked(sess.key)
		s.noticeLocked(cur, sess.Nickname+" has left the channel", nil)
	}

	s.channels.addMemberLocked(target, sess)
	s.noticeLocked(target, fmt.Sprintf("%s has joined the channel %s", sess.Nickname, target.Name), nil)

	if sess.Ended() {
		return
	}
	if target.history.Len() >= 2 {
		s.replayHistoryLocked(sess, target)
	}
}

// handleMsg broadcasts a chat message to the session's channel
func (s *Server) handleMsg(sess *Session, text string) error {
	if text == "" {
		return s.sendError(sess.Conn, "Message cannot be empty")
	}
	if !sess.allow() {
		return s.sendError(sess.Conn, "Rate limit exceeded")
	}

	s.lockRegistries()
	defer s.unlockRegistries()

	if !s.sessions.isCurrentLocked(sess) {
		return nil
	}
	ch := s.channels.currentLocked(sess.key)
	if ch == nil {
		return s.writeLocked(sess, protocol.NewError(s.timestamp(), "You are not in any channel"))
	}
	s.publishLocked(ch, sess, text)
	return nil
}

// handleDM sends a private message
func (s *Server) handleDM(sess *Session, cmd *protocol.Command, parseErr error) error {
	if parseErr != nil {
		return s.sendError(sess.Conn, "Invalid DM format")
	}
	if !sess.allow() {
		return s.sendError(sess.Conn, "Rate limit exceeded")
	}
	s.unicast(sess, cmd.Target, cmd.Text)
	return nil
}

// handleList answers LIST:CLIENTS and LIST:CHANNELS
func (s *Server) handleList(sess *Session, kind string) error {
	var frame *protocol.Frame
	switch strings.ToUpper(kind) {
	case protocol.ListClients:
		frame = protocol.NewClients(s.sessions.Nicknames())
	case protocol.ListChannels:
		frame = protocol.NewChannels(s.channels.Names())
	default:
		return s.sendError(sess.Conn, "Invalid list type. Use LIST:CLIENTS or LIST:CHANNELS")
	}

	if err := sess.Conn.WriteFrame(frame); err != nil {
		return err
	}
	s.metrics.RecordFrameSent(frame.Type)
	return nil
}

// sendError sends an ERROR frame to a connection
func (s *Server) sendError(sc *SafeConn, text string) error {
	if err := sc.WriteFrame(protocol.NewError(s.timestamp(), text)); err != nil {
		return err
	}
	s.metrics.RecordFrameSent(protocol.TypeError)
	return nil
}

// disconnect is the single cleanup path for a session's own handler. It
// does nothing if the reaper, a kick, a failed delivery or shutdown already
// tore the session down.
func (s *Server) disconnect(sess *Session, reason closeReason, log zerolog.Logger) {
	if !sess.end() {
		return
	}

	s.lockRegistries()
	ch := s.detachLocked(sess)
	if ch != nil {
		s.noticeLocked(ch, sess.Nickname+" has left the channel", nil)
		if reason != reasonQuit {
			s.reconnects.rememberLocked(sess.key, ch.Name, s.now())
		}
	}
	s.unlockRegistries()

	sess.Conn.Close()
	log.Info().Str("reason", string(reason)).Msg("session closed")
}
