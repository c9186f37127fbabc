package server

import (
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// Channel is a named group of sessions with a bounded message history
type Channel struct {
	Name    string
	members map[string]string // nickname key -> nickname
	history *History
}

// ChannelInfo summarizes a channel for rosters and the admin API
type ChannelInfo struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
	History int      `json:"history"`
}

// ChannelRegistry is the authoritative channel name → members/history table.
// A nickname is a member of at most one channel; memberOf is the reverse
// index that makes currentChannelOf a map lookup.
//
// Locked methods expect mu held. Paths that also need the session registry
// must take the session lock first.
type ChannelRegistry struct {
	mu             sync.Mutex
	channels       map[string]*Channel
	memberOf       map[string]*Channel
	defaultChannel string
	historySize    int
	maxNameLen     int
	metrics        *Metrics
}

func NewChannelRegistry(defaultChannel string, historySize, maxNameLen int) *ChannelRegistry {
	r := &ChannelRegistry{
		channels:       make(map[string]*Channel),
		memberOf:       make(map[string]*Channel),
		defaultChannel: defaultChannel,
		historySize:    historySize,
		maxNameLen:     maxNameLen,
	}
	r.ensureLocked(defaultChannel)
	return r
}

// SetMetrics attaches metrics to the registry
func (r *ChannelRegistry) SetMetrics(m *Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
	m.SetChannels(len(r.channels))
}

// DefaultChannel is the protected channel new sessions land in
func (r *ChannelRegistry) DefaultChannel() string {
	return r.defaultChannel
}

// ValidateName checks a channel name
func (r *ChannelRegistry) ValidateName(name string) error {
	n := utf8.RuneCountInString(name)
	if n == 0 || n > r.maxNameLen {
		return ErrChannelName
	}
	for _, c := range name {
		if c == ':' || c == ',' || unicode.IsSpace(c) || !unicode.IsPrint(c) {
			return ErrChannelName
		}
	}
	return nil
}

// CurrentChannelOf returns the channel nickname is in, if any
func (r *ChannelRegistry) CurrentChannelOf(nickname string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch := r.currentLocked(nicknameKey(nickname)); ch != nil {
		return ch.Name, true
	}
	return "", false
}

func (r *ChannelRegistry) currentLocked(key string) *Channel {
	return r.memberOf[key]
}

func (r *ChannelRegistry) getLocked(name string) *Channel {
	return r.channels[name]
}

// ensureLocked returns the named channel, creating it if absent
func (r *ChannelRegistry) ensureLocked(name string) *Channel {
	if ch, ok := r.channels[name]; ok {
		return ch
	}
	ch := &Channel{
		Name:    name,
		members: make(map[string]string),
		history: NewHistory(r.historySize),
	}
	r.channels[name] = ch
	r.metrics.SetChannels(len(r.channels))
	return ch
}

// Create adds an empty channel
func (r *ChannelRegistry) Create(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(name)
}

func (r *ChannelRegistry) createLocked(name string) error {
	if err := r.ValidateName(name); err != nil {
		return err
	}
	if _, ok := r.channels[name]; ok {
		return ErrChannelExists
	}
	r.ensureLocked(name)
	return nil
}

// addMemberLocked puts sess into ch, leaving whatever channel it was in.
// Returns the channel it left, or nil.
func (r *ChannelRegistry) addMemberLocked(ch *Channel, sess *Session) *Channel {
	old := r.removeMemberLocked(sess.key)
	ch.members[sess.key] = sess.Nickname
	r.memberOf[sess.key] = ch
	return old
}

// removeMemberLocked drops key from its channel and returns that channel
func (r *ChannelRegistry) removeMemberLocked(key string) *Channel {
	ch, ok := r.memberOf[key]
	if !ok {
		return nil
	}
	delete(ch.members, key)
	delete(r.memberOf, key)
	return ch
}

// deleteLocked removes a channel and moves its members to the default
// channel. Returns the keys of the moved members.
func (r *ChannelRegistry) deleteLocked(name string) ([]string, error) {
	if name == r.defaultChannel {
		return nil, ErrChannelProtected
	}
	ch, ok := r.channels[name]
	if !ok {
		return nil, ErrChannelNotFound
	}

	def := r.ensureLocked(r.defaultChannel)
	moved := make([]string, 0, len(ch.members))
	for key, nick := range ch.members {
		def.members[key] = nick
		r.memberOf[key] = def
		moved = append(moved, key)
	}
	sort.Strings(moved)

	delete(r.channels, name)
	r.metrics.SetChannels(len(r.channels))
	return moved, nil
}

// recordLocked appends an entry to a channel's history
func (r *ChannelRegistry) recordLocked(ch *Channel, e HistoryEntry) {
	ch.history.Push(e)
}

// RecordHistory appends an entry to the named channel's history, creating
// the channel if needed
func (r *ChannelRegistry) RecordHistory(name string, e HistoryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordLocked(r.ensureLocked(name), e)
}

// Names lists channels sorted by name
func (r *ChannelRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.namesLocked()
}

func (r *ChannelRegistry) namesLocked() []string {
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Members returns the nicknames in a channel, sorted
func (r *ChannelRegistry) Members(name string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	if !ok {
		return nil, false
	}
	return ch.memberNames(), true
}

func (ch *Channel) memberNames() []string {
	names := make([]string, 0, len(ch.members))
	for _, nick := range ch.members {
		names = append(names, nick)
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	return names
}

// History returns a copy of a channel's history, oldest first
func (r *ChannelRegistry) History(name string) ([]HistoryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	if !ok {
		return nil, false
	}
	return ch.history.Entries(), true
}

// Infos summarizes every channel, sorted by name
func (r *ChannelRegistry) Infos() []ChannelInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChannelInfo, 0, len(r.channels))
	for _, name := range r.namesLocked() {
		ch := r.channels[name]
		out = append(out, ChannelInfo{
			Name:    name,
			Members: ch.memberNames(),
			History: ch.history.Len(),
		})
	}
	return out
}

// Count returns the number of channels
func (r *ChannelRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
