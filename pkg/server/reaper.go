package server

import (
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// reapIdleSessions disconnects every session idle longer than IdleTimeout
// and purges expired reconnect entries. Returns the number evicted.
func (s *Server) reapIdleSessions() int {
	if s.config.IdleTimeout <= 0 {
		return 0
	}
	now := s.now()
	cutoff := now.Add(-s.config.IdleTimeout)

	s.lockRegistries()
	defer s.unlockRegistries()

	s.reconnects.purgeLocked(now)

	evicted := 0
	for _, sess := range s.sessions.idleLocked(cutoff) {
		if !sess.end() {
			continue
		}

		ch := s.channels.currentLocked(sess.key)
		if ch != nil {
			s.noticeLocked(ch, sess.Nickname+" has been disconnected due to inactivity", sess)
		}
		_ = sess.Conn.WriteFrame(protocol.NewError(s.timestamp(), "Disconnected due to inactivity"))

		s.detachLocked(sess)
		if ch != nil {
			s.reconnects.rememberLocked(sess.key, ch.Name, now)
		}
		sess.Conn.Close()

		s.metrics.RecordEviction()
		s.log.Info().
			Str("nickname", sess.Nickname).
			Str("conn_id", sess.ID).
			Dur("idle", now.Sub(sess.LastActivity())).
			Msg("disconnected idle session")
		evicted++
	}
	return evicted
}

// reconnectCache remembers which channel a nickname was in when its
// connection dropped without QUIT, so a prompt reconnect can rejoin it.
// It has no lock of its own; the session registry lock guards it.
type reconnectCache struct {
	grace   time.Duration
	entries map[string]reconnectEntry
}

type reconnectEntry struct {
	channel  string
	lastSeen time.Time
}

func newReconnectCache(grace time.Duration) *reconnectCache {
	return &reconnectCache{
		grace:   grace,
		entries: make(map[string]reconnectEntry),
	}
}

func (c *reconnectCache) rememberLocked(key, channel string, now time.Time) {
	if c.grace <= 0 {
		return
	}
	c.entries[key] = reconnectEntry{channel: channel, lastSeen: now}
}

// takeLocked removes and returns the channel for key if still within grace
func (c *reconnectCache) takeLocked(key string, now time.Time) (string, bool) {
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	delete(c.entries, key)
	if now.Sub(e.lastSeen) > c.grace {
		return "", false
	}
	return e.channel, true
}

func (c *reconnectCache) purgeLocked(now time.Time) {
	for key, e := range c.entries {
		if now.Sub(e.lastSeen) > c.grace {
			delete(c.entries, key)
		}
	}
}

func (c *reconnectCache) lenLocked() int {
	return len(c.entries)
}
