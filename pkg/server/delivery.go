package server

import (
	"strings"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// lockRegistries takes the session registry lock, then the channel registry
// lock. Every path that needs both goes through here so the order is fixed.
func (s *Server) lockRegistries() {
	s.sessions.mu.Lock()
	s.channels.mu.Lock()
}

func (s *Server) unlockRegistries() {
	s.channels.mu.Unlock()
	s.sessions.mu.Unlock()
}

func (s *Server) timestamp() string {
	return protocol.Timestamp(s.now())
}

// writeLocked sends one frame to sess. A failed write drops the session.
// Both registry locks must be held.
func (s *Server) writeLocked(sess *Session, frame *protocol.Frame) error {
	if err := sess.Conn.WriteFrame(frame); err != nil {
		s.dropLocked(sess, err)
		return err
	}
	s.metrics.RecordFrameSent(frame.Type)
	return nil
}

// detachLocked removes sess from both registries if it still owns its
// nickname. Returns the channel it was in.
func (s *Server) detachLocked(sess *Session) *Channel {
	if !s.sessions.isCurrentLocked(sess) {
		return nil
	}
	ch := s.channels.removeMemberLocked(sess.key)
	s.sessions.removeLocked(sess)
	return ch
}

// dropLocked tears down a peer whose connection failed during delivery.
// Its channel is not told; the peer's own handler sees the closed
// connection and exits without a second cleanup.
func (s *Server) dropLocked(sess *Session, cause error) {
	if !sess.end() {
		return
	}
	ch := s.detachLocked(sess)
	if ch != nil {
		s.reconnects.rememberLocked(sess.key, ch.Name, s.now())
	}
	sess.Conn.Close()
	s.metrics.RecordDeliveryFailure()
	s.log.Warn().Err(cause).Str("nickname", sess.Nickname).Str("conn_id", sess.ID).Msg("dropped client after failed write")
}

// fanoutLocked writes frame to every member of ch except exclude
func (s *Server) fanoutLocked(ch *Channel, frame *protocol.Frame, exclude *Session) {
	line := frame.Encode()
	for key := range ch.members {
		if exclude != nil && key == exclude.key {
			continue
		}
		peer, ok := s.sessions.sessions[key]
		if !ok {
			s.channels.removeMemberLocked(key)
			continue
		}
		if err := peer.Conn.WriteLine(line); err != nil {
			s.dropLocked(peer, err)
			continue
		}
		s.metrics.RecordFrameSent(frame.Type)
	}
}

// noticeLocked broadcasts a server notice to ch and records it in history
func (s *Server) noticeLocked(ch *Channel, text string, exclude *Session) {
	ts := s.timestamp()
	s.fanoutLocked(ch, protocol.NewInfo(ts, text), exclude)
	s.channels.recordLocked(ch, HistoryEntry{Text: text, Timestamp: ts})
}

// publishLocked broadcasts a chat message from sender to the rest of ch,
// records it, and acknowledges it to the sender
func (s *Server) publishLocked(ch *Channel, sender *Session, text string) {
	ts := s.timestamp()
	s.fanoutLocked(ch, protocol.NewMsg(ts, sender.Nickname+": "+text), sender)
	s.channels.recordLocked(ch, HistoryEntry{Sender: sender.Nickname, Text: text, Timestamp: ts})
	s.writeLocked(sender, protocol.NewMsgSent(ts, text))
}

// Broadcast delivers text to a channel. With a nil sender it is a server
// notice to every member; otherwise a chat message from sender.
func (s *Server) Broadcast(channel, text string, sender *Session) error {
	s.lockRegistries()
	defer s.unlockRegistries()

	ch := s.channels.getLocked(channel)
	if ch == nil {
		return ErrChannelNotFound
	}
	if sender == nil {
		s.noticeLocked(ch, text, nil)
		return nil
	}
	s.publishLocked(ch, sender, text)
	return nil
}

// unicast delivers a private message. The recipient's activity is refreshed
// on success; a recipient whose write fails is dropped.
func (s *Server) unicast(from *Session, to, text string) bool {
	ts := s.timestamp()

	s.sessions.mu.Lock()
	defer s.sessions.mu.Unlock()

	peer, ok := s.sessions.lookupLocked(to)
	if !ok {
		s.replyLocked(from, protocol.NewError(ts, "User "+strings.TrimSpace(to)+" not found"))
		return false
	}

	if err := peer.Conn.WriteFrame(protocol.NewPrivate(ts, from.Nickname, text)); err != nil {
		s.channels.mu.Lock()
		s.dropLocked(peer, err)
		s.channels.mu.Unlock()
		s.replyLocked(from, protocol.NewError(ts, "Failed to send message to "+peer.Nickname))
		return false
	}
	s.metrics.RecordFrameSent(protocol.TypePrivate)
	peer.touch(s.now())

	s.replyLocked(from, protocol.NewPrivateSent(ts, peer.Nickname, text))
	return true
}

// replyLocked writes to a session while only the session lock is held.
// Failures are left for the session's own handler to notice on its next read.
func (s *Server) replyLocked(sess *Session, frame *protocol.Frame) {
	if err := sess.Conn.WriteFrame(frame); err != nil {
		return
	}
	s.metrics.RecordFrameSent(frame.Type)
}

// replayHistoryLocked sends a channel's history to a session that just joined
func (s *Server) replayHistoryLocked(sess *Session, ch *Channel) {
	ts := s.timestamp()
	frames := []*protocol.Frame{protocol.NewInfo(ts, protocol.HistoryBegin)}
	for _, e := range ch.history.Entries() {
		frames = append(frames, protocol.NewHistory(e.Timestamp, historySender(e, sess), e.Text))
	}
	frames = append(frames, protocol.NewInfo(ts, protocol.HistoryEnd))

	for _, f := range frames {
		if err := s.writeLocked(sess, f); err != nil {
			return
		}
	}
}

// historySender labels an entry for the viewer
func historySender(e HistoryEntry, viewer *Session) string {
	switch {
	case e.Sender == "":
		return "Server"
	case nicknameKey(e.Sender) == viewer.key:
		return "You"
	default:
		return e.Sender
	}
}
