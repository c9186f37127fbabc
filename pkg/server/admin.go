package server

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// DefaultKickReason is used when Kick is given no reason
const DefaultKickReason = "Kicked by admin"

// ClientInfo describes a connected session for the admin API
type ClientInfo struct {
	Nickname    string  `json:"nickname"`
	Channel     string  `json:"channel,omitempty"`
	Transport   string  `json:"transport"`
	RemoteAddr  string  `json:"remote_addr"`
	IdleSeconds float64 `json:"idle_seconds"`
}

// Clients lists connected sessions sorted by nickname
func (s *Server) Clients() []ClientInfo {
	now := s.now()

	s.lockRegistries()
	defer s.unlockRegistries()

	out := make([]ClientInfo, 0, len(s.sessions.sessions))
	for _, sess := range s.sessions.allLocked() {
		info := ClientInfo{
			Nickname:    sess.Nickname,
			Transport:   sess.Transport,
			RemoteAddr:  sess.RemoteAddr,
			IdleSeconds: now.Sub(sess.LastActivity()).Round(time.Second).Seconds(),
		}
		if ch := s.channels.currentLocked(sess.key); ch != nil {
			info.Channel = ch.Name
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Nickname) < strings.ToLower(out[j].Nickname)
	})
	return out
}

// Channels summarizes every channel
func (s *Server) Channels() []ChannelInfo {
	return s.channels.Infos()
}

// ChannelHistory returns a channel's recorded history, oldest first
func (s *Server) ChannelHistory(name string) ([]HistoryEntry, error) {
	entries, ok := s.channels.History(name)
	if !ok {
		return nil, ErrChannelNotFound
	}
	return entries, nil
}

// CreateChannel adds an empty channel
func (s *Server) CreateChannel(name string) error {
	name = strings.TrimSpace(name)
	if err := s.channels.Create(name); err != nil {
		return err
	}
	s.log.Info().Str("channel", name).Msg("channel created")
	return nil
}

// DeleteChannel removes a channel and moves its members to the default
// channel, telling each of them. Returns the moved nicknames.
func (s *Server) DeleteChannel(name string) ([]string, error) {
	s.lockRegistries()
	defer s.unlockRegistries()

	keys, err := s.channels.deleteLocked(name)
	if err != nil {
		return nil, err
	}

	text := fmt.Sprintf("Channel %s has been deleted. You have been moved to %s.", name, s.channels.DefaultChannel())
	ts := s.timestamp()
	moved := make([]string, 0, len(keys))
	for _, key := range keys {
		sess, ok := s.sessions.sessions[key]
		if !ok {
			continue
		}
		moved = append(moved, sess.Nickname)
		s.writeLocked(sess, protocol.NewInfo(ts, text))
	}

	s.log.Info().Str("channel", name).Int("moved", len(moved)).Msg("channel deleted")
	return moved, nil
}

// Kick disconnects a session, telling it why and telling its channel.
func (s *Server) Kick(nickname, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = DefaultKickReason
	}

	s.lockRegistries()
	defer s.unlockRegistries()

	sess, ok := s.sessions.lookupLocked(nickname)
	if !ok || !sess.end() {
		return ErrUserNotFound
	}

	_ = sess.Conn.WriteFrame(protocol.NewKicked(reason))
	if ch := s.detachLocked(sess); ch != nil {
		s.noticeLocked(ch, fmt.Sprintf("%s has been kicked: %s", sess.Nickname, reason), nil)
	}
	sess.Conn.Close()

	s.log.Info().Str("nickname", sess.Nickname).Str("reason", reason).Msg("kicked client")
	return nil
}

// Announce sends a server notice to one channel, or to every channel when
// channel is empty.
func (s *Server) Announce(channel, message string) error {
	text := "SERVER: " + message

	s.lockRegistries()
	defer s.unlockRegistries()

	if channel == "" {
		for _, name := range s.channels.namesLocked() {
			s.noticeLocked(s.channels.getLocked(name), text, nil)
		}
		return nil
	}

	ch := s.channels.getLocked(channel)
	if ch == nil {
		return ErrChannelNotFound
	}
	s.noticeLocked(ch, text, nil)
	return nil
}

// SendToClient sends a server notice to a single session
func (s *Server) SendToClient(nickname, message string) error {
	s.lockRegistries()
	defer s.unlockRegistries()

	sess, ok := s.sessions.lookupLocked(nickname)
	if !ok {
		return ErrUserNotFound
	}
	return s.writeLocked(sess, protocol.NewInfo(s.timestamp(), "Server: "+message))
}
