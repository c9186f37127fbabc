package server

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

// Session represents a connection that has claimed a nickname
type Session struct {
	ID         string    // Connection ID, used in logs
	Nickname   string    // As claimed, immutable
	key        string    // Case-folded nickname, registry key
	Conn       *SafeConn // Connection with automatic write synchronization
	Transport  string    // "tcp" or "ws"
	RemoteAddr string

	lastActivity atomic.Int64 // Unix nanoseconds
	ended        atomic.Bool  // Set by whichever path tears the session down first
	limiter      *rate.Limiter
}

// nicknameKey case-folds a nickname for registry lookups
func nicknameKey(nickname string) string {
	return strings.ToLower(strings.TrimSpace(nickname))
}

// LastActivity returns when the session last sent a frame
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// end marks the session as torn down. Only the first caller gets true.
func (s *Session) end() bool {
	return s.ended.CompareAndSwap(false, true)
}

// Ended reports whether cleanup already ran for this session
func (s *Session) Ended() bool {
	return s.ended.Load()
}

// allow applies the per-session message rate limit
func (s *Session) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

// SessionRegistry is the authoritative nickname → session table.
//
// Methods without a suffix take the registry lock themselves. Methods ending
// in Locked expect the caller to hold mu, and when the channel registry is
// also involved, to have taken mu first (see Server.lockRegistries).
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	minLen   int
	maxLen   int
	metrics  *Metrics
}

// NewSessionRegistry creates an empty registry accepting nicknames of
// minLen to maxLen characters
func NewSessionRegistry(minLen, maxLen int) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		minLen:   minLen,
		maxLen:   maxLen,
	}
}

// SetMetrics attaches metrics to the registry
func (r *SessionRegistry) SetMetrics(m *Metrics) {
	r.metrics = m
}

// ValidateNickname checks length and characters of a trimmed nickname
func (r *SessionRegistry) ValidateNickname(nickname string) error {
	n := utf8.RuneCountInString(nickname)
	if n < r.minLen || n > r.maxLen {
		return ErrNicknameLength
	}
	for _, c := range nickname {
		if c == ':' || c == ',' || unicode.IsSpace(c) || !unicode.IsPrint(c) {
			return ErrNicknameInvalid
		}
	}
	return nil
}

// Register claims nickname for sess. Comparison is case-insensitive.
func (r *SessionRegistry) Register(sess *Session, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(sess, now)
}

func (r *SessionRegistry) registerLocked(sess *Session, now time.Time) error {
	sess.Nickname = strings.TrimSpace(sess.Nickname)
	if err := r.ValidateNickname(sess.Nickname); err != nil {
		return err
	}
	sess.key = nicknameKey(sess.Nickname)
	if _, taken := r.sessions[sess.key]; taken {
		return ErrNicknameTaken
	}
	sess.touch(now)
	r.sessions[sess.key] = sess
	r.metrics.SetActiveSessions(len(r.sessions))
	return nil
}

// Touch refreshes a session's last activity time
func (r *SessionRegistry) Touch(nickname string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[nicknameKey(nickname)]
	if ok {
		sess.touch(now)
	}
	return ok
}

// touchSession refreshes sess if it still owns its nickname
func (r *SessionRegistry) touchSession(sess *Session, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isCurrentLocked(sess) {
		sess.touch(now)
	}
}

// Lookup finds a session by nickname, case-insensitively
func (r *SessionRegistry) Lookup(nickname string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(nickname)
}

func (r *SessionRegistry) lookupLocked(nickname string) (*Session, bool) {
	sess, ok := r.sessions[nicknameKey(nickname)]
	return sess, ok
}

// Remove deletes the session registered under nickname. No-op if absent.
func (r *SessionRegistry) Remove(nickname string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[nicknameKey(nickname)]; ok {
		r.removeLocked(sess)
	}
}

// removeLocked deletes sess only if it is still the registered holder of
// its nickname, so a stale handler cannot evict a newer session.
func (r *SessionRegistry) removeLocked(sess *Session) bool {
	if cur, ok := r.sessions[sess.key]; !ok || cur != sess {
		return false
	}
	delete(r.sessions, sess.key)
	r.metrics.SetActiveSessions(len(r.sessions))
	return true
}

// isCurrentLocked reports whether sess still owns its nickname
func (r *SessionRegistry) isCurrentLocked(sess *Session) bool {
	cur, ok := r.sessions[sess.key]
	return ok && cur == sess
}

// Nicknames returns all registered nicknames, sorted case-insensitively
func (r *SessionRegistry) Nicknames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nicknamesLocked()
}

func (r *SessionRegistry) nicknamesLocked() []string {
	names := make([]string, 0, len(r.sessions))
	for _, sess := range r.sessions {
		names = append(names, sess.Nickname)
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	return names
}

// All returns a snapshot of every registered session
func (r *SessionRegistry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allLocked()
}

func (r *SessionRegistry) allLocked() []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// idleLocked returns sessions whose last activity is before cutoff
func (r *SessionRegistry) idleLocked(cutoff time.Time) []*Session {
	var idle []*Session
	c := cutoff.UnixNano()
	for _, sess := range r.sessions {
		if sess.lastActivity.Load() < c {
			idle = append(idle, sess)
		}
	}
	return idle
}

// Count returns the number of registered sessions
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
