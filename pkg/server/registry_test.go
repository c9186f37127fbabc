package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSessionRegistryRegister(t *testing.T) {
	r := NewSessionRegistry(2, 20)
	now := time.Now()

	alice := &Session{Nickname: " Alice "}
	require.NoError(t, r.Register(alice, now))
	assert.Equal(t, "Alice", alice.Nickname)
	assert.Equal(t, now.UnixNano(), alice.LastActivity().UnixNano())

	assert.ErrorIs(t, r.Register(&Session{Nickname: "alice"}, now), ErrNicknameTaken)
	assert.ErrorIs(t, r.Register(&Session{Nickname: "ALICE"}, now), ErrNicknameTaken)

	got, ok := r.Lookup("aLiCe")
	require.True(t, ok)
	assert.Same(t, alice, got)
	assert.Equal(t, 1, r.Count())
}

func TestValidateNickname(t *testing.T) {
	r := NewSessionRegistry(2, 20)

	tests := []struct {
		name    string
		nick    string
		wantErr error
	}{
		{"valid", "bob", nil},
		{"minimum", "ab", nil},
		{"maximum", "abcdefghijabcdefghij", nil},
		{"unicode counted by rune", "ééé", nil},
		{"too short", "a", ErrNicknameLength},
		{"too long", "abcdefghijabcdefghijk", ErrNicknameLength},
		{"empty", "", ErrNicknameLength},
		{"colon", "a:b", ErrNicknameInvalid},
		{"comma", "a,b", ErrNicknameInvalid},
		{"space", "a b", ErrNicknameInvalid},
		{"control", "a\x01b", ErrNicknameInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateNickname(tt.nick)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestSessionRegistryRemoveIsIdentityChecked(t *testing.T) {
	r := NewSessionRegistry(2, 20)
	now := time.Now()

	old := &Session{Nickname: "carol"}
	require.NoError(t, r.Register(old, now))

	r.mu.Lock()
	assert.True(t, r.removeLocked(old))
	r.mu.Unlock()

	replacement := &Session{Nickname: "Carol"}
	require.NoError(t, r.Register(replacement, now))

	// A late cleanup of the old session must not evict the new holder
	r.mu.Lock()
	assert.False(t, r.removeLocked(old))
	assert.True(t, r.isCurrentLocked(replacement))
	r.mu.Unlock()

	got, ok := r.Lookup("carol")
	require.True(t, ok)
	assert.Same(t, replacement, got)

	// Remove of an unknown nickname is a no-op
	r.Remove("nobody")
	assert.Equal(t, 1, r.Count())
}

func TestSessionRegistryTouchAndIdle(t *testing.T) {
	r := NewSessionRegistry(2, 20)
	base := time.Now()

	quiet := &Session{Nickname: "quiet"}
	busy := &Session{Nickname: "busy"}
	require.NoError(t, r.Register(quiet, base))
	require.NoError(t, r.Register(busy, base))

	assert.True(t, r.Touch("BUSY", base.Add(100*time.Second)))
	assert.False(t, r.Touch("ghost", base))

	r.mu.Lock()
	idle := r.idleLocked(base.Add(50 * time.Second))
	r.mu.Unlock()

	require.Len(t, idle, 1)
	assert.Same(t, quiet, idle[0])
}

func TestSessionRegistryNicknamesSorted(t *testing.T) {
	r := NewSessionRegistry(2, 20)
	for _, nick := range []string{"zed", "Bob", "alice"} {
		require.NoError(t, r.Register(&Session{Nickname: nick}, time.Now()))
	}
	assert.Equal(t, []string{"alice", "Bob", "zed"}, r.Nicknames())
}

func TestSessionEndOnce(t *testing.T) {
	s := &Session{Nickname: "x"}
	assert.False(t, s.Ended())
	assert.True(t, s.end())
	assert.False(t, s.end())
	assert.True(t, s.Ended())
}

func TestChannelRegistryCreate(t *testing.T) {
	r := NewChannelRegistry("general", 20, 32)

	assert.Equal(t, []string{"general"}, r.Names())
	require.NoError(t, r.Create("random"))
	assert.ErrorIs(t, r.Create("random"), ErrChannelExists)
	assert.ErrorIs(t, r.Create(""), ErrChannelName)
	assert.ErrorIs(t, r.Create("has space"), ErrChannelName)
	assert.ErrorIs(t, r.Create("a:b"), ErrChannelName)
	assert.ErrorIs(t, r.Create("abcdefghijabcdefghijabcdefghijabc"), ErrChannelName)

	assert.Equal(t, []string{"general", "random"}, r.Names())
	assert.Equal(t, 2, r.Count())
}

func TestChannelRegistryMembership(t *testing.T) {
	sessions := NewSessionRegistry(2, 20)
	r := NewChannelRegistry("general", 20, 32)

	alice := &Session{Nickname: "alice"}
	require.NoError(t, sessions.Register(alice, time.Now()))

	r.mu.Lock()
	general := r.getLocked("general")
	ops := r.ensureLocked("ops")

	assert.Nil(t, r.addMemberLocked(general, alice))
	left := r.addMemberLocked(ops, alice)
	r.mu.Unlock()

	assert.Same(t, general, left)

	members, ok := r.Members("general")
	require.True(t, ok)
	assert.Empty(t, members)

	members, ok = r.Members("ops")
	require.True(t, ok)
	assert.Equal(t, []string{"alice"}, members)

	ch, ok := r.CurrentChannelOf("ALICE")
	require.True(t, ok)
	assert.Equal(t, "ops", ch)

	r.mu.Lock()
	assert.Same(t, ops, r.removeMemberLocked(alice.key))
	assert.Nil(t, r.removeMemberLocked(alice.key))
	r.mu.Unlock()

	_, ok = r.CurrentChannelOf("alice")
	assert.False(t, ok)
}

func TestChannelRegistryDelete(t *testing.T) {
	sessions := NewSessionRegistry(2, 20)
	r := NewChannelRegistry("general", 20, 32)

	var members []*Session
	for _, nick := range []string{"bob", "alice"} {
		s := &Session{Nickname: nick}
		require.NoError(t, sessions.Register(s, time.Now()))
		members = append(members, s)
	}

	r.mu.Lock()
	ops := r.ensureLocked("ops")
	for _, s := range members {
		r.addMemberLocked(ops, s)
	}

	_, err := r.deleteLocked("general")
	assert.ErrorIs(t, err, ErrChannelProtected)
	_, err = r.deleteLocked("missing")
	assert.ErrorIs(t, err, ErrChannelNotFound)

	moved, err := r.deleteLocked("ops")
	r.mu.Unlock()

	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, moved)
	assert.Equal(t, []string{"general"}, r.Names())

	got, _ := r.Members("general")
	assert.Equal(t, []string{"alice", "bob"}, got)
}

func TestChannelRegistryInfos(t *testing.T) {
	r := NewChannelRegistry("general", 20, 32)
	require.NoError(t, r.Create("random"))
	r.RecordHistory("random", HistoryEntry{Sender: "bob", Text: "hi", Timestamp: "10.00"})

	infos := r.Infos()
	require.Len(t, infos, 2)
	assert.Equal(t, "general", infos[0].Name)
	assert.Equal(t, 0, infos[0].History)
	assert.Equal(t, "random", infos[1].Name)
	assert.Equal(t, 1, infos[1].History)

	_, ok := r.History("missing")
	assert.False(t, ok)
}

func TestHistoryBounded(t *testing.T) {
	h := NewHistory(20)
	for i := 0; i < 25; i++ {
		h.Push(HistoryEntry{Sender: "bob", Text: fmt.Sprintf("m%d", i)})
	}

	entries := h.Entries()
	require.Len(t, entries, 20)
	assert.Equal(t, "m5", entries[0].Text)
	assert.Equal(t, "m24", entries[19].Text)

	// Entries returns a copy
	entries[0].Text = "changed"
	assert.Equal(t, "m5", h.Entries()[0].Text)
}

func TestHistoryMinimumSize(t *testing.T) {
	h := NewHistory(0)
	h.Push(HistoryEntry{Text: "a"})
	h.Push(HistoryEntry{Text: "b"})
	require.Equal(t, 1, h.Len())
	assert.Equal(t, "b", h.Entries()[0].Text)
}

// Any sequence of joins, leaves and deletes keeps every nickname in at most
// one channel, and the reverse index agrees with channel membership.
func TestChannelMembershipProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sessions := NewSessionRegistry(2, 20)
		r := NewChannelRegistry("general", 5, 32)

		var people []*Session
		for i := 0; i < 4; i++ {
			s := &Session{Nickname: fmt.Sprintf("user%d", i)}
			if err := sessions.Register(s, time.Now()); err != nil {
				t.Fatalf("register: %v", err)
			}
			people = append(people, s)
		}
		channelNames := []string{"general", "a", "b", "c"}

		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			s := people[rapid.IntRange(0, len(people)-1).Draw(t, "who")]
			name := rapid.SampledFrom(channelNames).Draw(t, "channel")

			r.mu.Lock()
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				r.addMemberLocked(r.ensureLocked(name), s)
			case 1:
				r.removeMemberLocked(s.key)
			case 2:
				r.deleteLocked(name)
			}

			seen := make(map[string]string)
			for chName, ch := range r.channels {
				for key := range ch.members {
					if prev, dup := seen[key]; dup {
						t.Fatalf("%s is in both %s and %s", key, prev, chName)
					}
					seen[key] = chName
					if r.memberOf[key] != ch {
						t.Fatalf("reverse index for %s disagrees with %s", key, chName)
					}
				}
			}
			if len(seen) != len(r.memberOf) {
				t.Fatalf("reverse index has %d entries, channels have %d members", len(r.memberOf), len(seen))
			}
			if r.getLocked("general") == nil {
				t.Fatalf("default channel was deleted")
			}
			r.mu.Unlock()
		}
	})
}
