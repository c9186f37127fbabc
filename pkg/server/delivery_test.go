package server

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// fakeTransport records written lines and can be told to fail writes.
type fakeTransport struct {
	mu       sync.Mutex
	lines    []string
	writeErr error
	closed   bool
}

func (f *fakeTransport) ReadLine() (string, error)       { select {} }
func (f *fakeTransport) SetReadDeadline(time.Time) error { return nil }
func (f *fakeTransport) RemoteAddr() string              { return "fake" }

func (f *fakeTransport) WriteLine(line string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.lines = append(f.lines, line)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) frames(t *testing.T) []*protocol.Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Frame, 0, len(f.lines))
	for _, line := range f.lines {
		frame, err := protocol.ParseFrame(line)
		require.NoError(t, err)
		out = append(out, frame)
	}
	return out
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// newUnstartedServer builds a server without listeners and a fixed clock
func newUnstartedServer(t *testing.T, now time.Time) *Server {
	t.Helper()
	srv := NewServer(testConfig(), zerolog.Nop())
	srv.now = func() time.Time { return now }
	return srv
}

// attach registers a session over a fake transport and puts it in channel
func attach(t *testing.T, srv *Server, nickname, channel string) (*Session, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	sess := &Session{
		ID:        nickname + "-conn",
		Nickname:  nickname,
		Conn:      NewSafeConn(ft, time.Second),
		Transport: "tcp",
	}

	srv.lockRegistries()
	defer srv.unlockRegistries()
	require.NoError(t, srv.sessions.registerLocked(sess, srv.now()))
	srv.channels.addMemberLocked(srv.channels.ensureLocked(channel), sess)
	return sess, ft
}

func TestPublishExcludesSender(t *testing.T) {
	srv := newUnstartedServer(t, time.Date(2024, 1, 1, 9, 5, 0, 0, time.Local))

	alice, aliceConn := attach(t, srv, "alice", "general")
	_, bobConn := attach(t, srv, "bob", "general")
	_, carolConn := attach(t, srv, "carol", "random")

	require.NoError(t, srv.Broadcast("general", "hello", alice))

	got := bobConn.frames(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeMsg, got[0].Type)
	assert.Equal(t, "09.05", got[0].Timestamp)
	assert.Equal(t, "alice: hello", got[0].Text)

	got = aliceConn.frames(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeMsgSent, got[0].Type)
	assert.Equal(t, "hello", got[0].Text)

	assert.Empty(t, carolConn.frames(t))

	history, ok := srv.channels.History("general")
	require.True(t, ok)
	require.Len(t, history, 1)
	assert.Equal(t, HistoryEntry{Sender: "alice", Text: "hello", Timestamp: "09.05"}, history[0])
}

func TestBroadcastHistoryKeepsLastEntries(t *testing.T) {
	srv := newUnstartedServer(t, time.Date(2024, 1, 1, 14, 30, 0, 0, time.Local))
	require.NoError(t, srv.CreateChannel("solo"))

	// A notice to a channel nobody is in is still recorded
	require.NoError(t, srv.Broadcast("solo", "topic set", nil))
	history, err := srv.ChannelHistory("solo")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, HistoryEntry{Text: "topic set", Timestamp: "14.30"}, history[0])

	// The only member publishes with nobody else to deliver to
	alice, _ := attach(t, srv, "alice", "solo")
	for i := 0; i < 25; i++ {
		require.NoError(t, srv.Broadcast("solo", fmt.Sprintf("message %d", i), alice))
	}

	history, err = srv.ChannelHistory("solo")
	require.NoError(t, err)
	require.Len(t, history, 20)
	for i, e := range history {
		assert.Equal(t, "alice", e.Sender)
		assert.Equal(t, fmt.Sprintf("message %d", i+5), e.Text)
	}
}

func TestBroadcastNoticeReachesEveryone(t *testing.T) {
	srv := newUnstartedServer(t, time.Now())
	_, aConn := attach(t, srv, "alice", "general")
	_, bConn := attach(t, srv, "bob", "general")

	require.NoError(t, srv.Broadcast("general", "maintenance soon", nil))
	assert.ErrorIs(t, srv.Broadcast("missing", "x", nil), ErrChannelNotFound)

	for _, ft := range []*fakeTransport{aConn, bConn} {
		got := ft.frames(t)
		require.Len(t, got, 1)
		assert.Equal(t, protocol.TypeInfo, got[0].Type)
		assert.Equal(t, "maintenance soon", got[0].Text)
	}

	history, _ := srv.channels.History("general")
	require.Len(t, history, 1)
	assert.Empty(t, history[0].Sender)
}

func TestFailedWriteDropsPeerOnly(t *testing.T) {
	srv := newUnstartedServer(t, time.Now())

	alice, _ := attach(t, srv, "alice", "general")
	bob, bobConn := attach(t, srv, "bob", "general")
	_, carolConn := attach(t, srv, "carol", "general")

	bobConn.mu.Lock()
	bobConn.writeErr = errors.New("broken pipe")
	bobConn.mu.Unlock()

	require.NoError(t, srv.Broadcast("general", "hi", alice))

	// carol still gets the message, bob is gone
	got := carolConn.frames(t)
	require.NotEmpty(t, got)
	assert.Equal(t, "alice: hi", got[0].Text)

	assert.True(t, bob.Ended())
	assert.True(t, bobConn.isClosed())
	_, ok := srv.sessions.Lookup("bob")
	assert.False(t, ok)
	members, _ := srv.channels.Members("general")
	assert.Equal(t, []string{"alice", "carol"}, members)

	// A dropped peer may rejoin its channel within the grace period
	srv.lockRegistries()
	ch, ok := srv.reconnects.takeLocked("bob", srv.now())
	srv.unlockRegistries()
	require.True(t, ok)
	assert.Equal(t, "general", ch)
}

func TestHistoryReplayLabels(t *testing.T) {
	srv := newUnstartedServer(t, time.Now())

	alice, aliceConn := attach(t, srv, "alice", "general")
	srv.channels.RecordHistory("general", HistoryEntry{Sender: "alice", Text: "mine", Timestamp: "10.00"})
	srv.channels.RecordHistory("general", HistoryEntry{Sender: "bob", Text: "theirs", Timestamp: "10.01"})
	srv.channels.RecordHistory("general", HistoryEntry{Text: "notice", Timestamp: "10.02"})

	srv.lockRegistries()
	srv.replayHistoryLocked(alice, srv.channels.getLocked("general"))
	srv.unlockRegistries()

	got := aliceConn.frames(t)
	require.Len(t, got, 5)
	assert.Equal(t, protocol.TypeInfo, got[0].Type)
	assert.Equal(t, protocol.HistoryBegin, got[0].Text)

	assert.Equal(t, protocol.TypeHistory, got[1].Type)
	assert.Equal(t, "You", got[1].Name)
	assert.Equal(t, "bob", got[2].Name)
	assert.Equal(t, "Server", got[3].Name)
	assert.Equal(t, "10.02", got[3].Timestamp)

	assert.Equal(t, protocol.HistoryEnd, got[4].Text)
}

func TestReapIdleSessions(t *testing.T) {
	base := time.Now()
	srv := newUnstartedServer(t, base)

	sleepy, sleepyConn := attach(t, srv, "sleepy", "ops")
	awake, awakeConn := attach(t, srv, "awake", "ops")

	srv.now = func() time.Time { return base.Add(srv.config.IdleTimeout + time.Second) }
	awake.touch(srv.now())

	assert.Equal(t, 1, srv.reapIdleSessions())
	assert.Equal(t, 0, srv.reapIdleSessions())

	got := sleepyConn.frames(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeError, got[0].Type)
	assert.Equal(t, "Disconnected due to inactivity", got[0].Text)
	assert.True(t, sleepyConn.isClosed())
	assert.True(t, sleepy.Ended())

	got = awakeConn.frames(t)
	require.Len(t, got, 1)
	assert.Equal(t, "sleepy has been disconnected due to inactivity", got[0].Text)

	_, ok := srv.sessions.Lookup("sleepy")
	assert.False(t, ok)
	members, _ := srv.channels.Members("ops")
	assert.Equal(t, []string{"awake"}, members)
}

func TestReapSkipsAlreadyEndedSession(t *testing.T) {
	base := time.Now()
	srv := newUnstartedServer(t, base)

	sess, ft := attach(t, srv, "leaving", "general")
	// The connection handler won the race
	require.True(t, sess.end())

	srv.now = func() time.Time { return base.Add(srv.config.IdleTimeout + time.Second) }
	assert.Equal(t, 0, srv.reapIdleSessions())
	assert.Empty(t, ft.frames(t))
	assert.False(t, ft.isClosed())
}

func TestReconnectCache(t *testing.T) {
	base := time.Now()
	c := newReconnectCache(time.Minute)

	c.rememberLocked("alice", "ops", base)
	c.rememberLocked("bob", "dev", base.Add(-2*time.Minute))
	assert.Equal(t, 2, c.lenLocked())

	c.purgeLocked(base)
	assert.Equal(t, 1, c.lenLocked())

	ch, ok := c.takeLocked("alice", base.Add(30*time.Second))
	require.True(t, ok)
	assert.Equal(t, "ops", ch)

	// Taking consumes the entry
	_, ok = c.takeLocked("alice", base)
	assert.False(t, ok)

	c.rememberLocked("carol", "ops", base)
	_, ok = c.takeLocked("carol", base.Add(2*time.Minute))
	assert.False(t, ok)
	assert.Equal(t, 0, c.lenLocked())

	disabled := newReconnectCache(0)
	disabled.rememberLocked("alice", "ops", base)
	assert.Equal(t, 0, disabled.lenLocked())
}
