package main

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/puyokura/roomchat/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ioTimeout = 5 * time.Second

type testServer struct {
	hub    *Hub
	addr   string
	served chan error
}

func newTestServer(t *testing.T, mutate ...func(*Config)) *testServer {
	t.Helper()
	dir := t.TempDir()

	cfg := NewConfig()
	cfg.Host = "127.0.0.1"
	cfg.UsersFile = filepath.Join(dir, "users.db")
	cfg.RoomsDir = filepath.Join(dir, "rooms")
	cfg.PBKDF2Iterations = MinIterations
	cfg.MaxFileBytes = 1 << 20
	cfg.ShutdownGrace = time.Second
	cfg.WelcomeMessage = "Welcome!"
	for _, m := range mutate {
		m(cfg)
	}

	store := NewStore(cfg.UsersFile, cfg.PBKDF2Iterations)
	files, err := NewFileStore(cfg.RoomsDir, cfg.MaxFileBytes)
	require.NoError(t, err)
	hub := NewHub(cfg, store, files, NewServerLog(nil, 100))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ts := &testServer{hub: hub, addr: ln.Addr().String(), served: make(chan error, 1)}
	go func() { ts.served <- hub.Serve(ln) }()
	t.Cleanup(hub.Stop)
	return ts
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (ts *testServer) dial(t *testing.T) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	assert.Equal(t, "INFO Welcome!", c.readLine())
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	c.sendRaw([]byte(line + "\n"))
}

func (c *testClient) sendRaw(b []byte) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	_, err := c.conn.Write(b)
	require.NoError(c.t, err)
}

func (c *testClient) readLine() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(line, "\r\n")
}

// expect skips lines until one starts with prefix and returns it.
func (c *testClient) expect(prefix string) string {
	c.t.Helper()
	for {
		line := c.readLine()
		if strings.HasPrefix(line, prefix) {
			return line
		}
	}
}

func (c *testClient) readN(n int64) []byte {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	buf := make([]byte, n)
	_, err := io.ReadFull(c.r, buf)
	require.NoError(c.t, err)
	return buf
}

// expectClosed reads until the server closes the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	for {
		_, err := c.r.ReadString('\n')
		if err == nil {
			continue
		}
		var ne net.Error
		require.False(c.t, errors.As(err, &ne) && ne.Timeout(), "connection still open")
		return
	}
}

func (c *testClient) register(user, pass string) {
	c.t.Helper()
	c.send(protocol.Register(user, pass))
	require.Equal(c.t, protocol.ResRegisterOK, c.expect("REGISTER_"))
}

func (c *testClient) login(user, pass string) {
	c.t.Helper()
	c.send(protocol.Login(user, pass))
	require.Equal(c.t, protocol.ResLoginOK, c.expect("LOGIN_"))
	c.expect("INFO Joined Lobby")
}

func TestHubScenario(t *testing.T) {
	ts := newTestServer(t)

	alice := ts.dial(t)
	alice.register("alice", "pw1")
	alice.send(protocol.Register("alice", "pw2"))
	assert.Equal(t, "REGISTER_FAILED USERNAME_TAKEN", alice.expect("REGISTER_"))

	alice.send(protocol.Login("alice", "pw1"))
	assert.Equal(t, protocol.ResLoginOK, alice.readLine())
	rooms := alice.expect("ROOM_LIST")
	assert.Contains(t, protocol.SplitList(strings.TrimPrefix(rooms, "ROOM_LIST ")), "Lobby")
	alice.expect("INFO Joined Lobby")

	bob := ts.dial(t)
	bob.register("bob", "pw")
	bob.login("bob", "pw")

	alice.send(protocol.CreateRoom("study"))
	alice.expect("ROOM_LIST Lobby|study")
	alice.expect("INFO Room created: study")
	bob.expect("ROOM_LIST Lobby|study")

	alice.send(protocol.Join("study"))
	alice.expect("INFO Joined study")
	bob.send(protocol.Join("study"))
	assert.Equal(t, "ROOM_USERS study alice|bob", bob.expect("ROOM_USERS study"))
	assert.Equal(t, "ROOM_USERS study alice|bob", alice.expect("ROOM_USERS study alice|"))
	bob.expect("INFO Joined study")

	alice.send(protocol.Msg("hi"))
	assert.Equal(t, "CHAT study alice hi", bob.expect("CHAT"))

	require.NoError(t, ts.hub.Ban("alice", "spam"))
	alice.expect("BANNED spam")
	alice.expectClosed()

	again := ts.dial(t)
	again.send(protocol.Login("alice", "pw1"))
	assert.True(t, strings.HasPrefix(again.readLine(), protocol.ResBanned))
	again.expectClosed()
}

func TestHubLoginRules(t *testing.T) {
	ts := newTestServer(t)

	c := ts.dial(t)
	c.register("carol", "secret")

	c.send(protocol.Login("carol", "wrong"))
	assert.Equal(t, "LOGIN_FAILED INVALID_CREDENTIALS", c.readLine())
	c.send(protocol.Login("nobody", "secret"))
	assert.Equal(t, "LOGIN_FAILED INVALID_CREDENTIALS", c.readLine())

	c.login("carol", "secret")
	c.send(protocol.Login("carol", "secret"))
	assert.Equal(t, "LOGIN_FAILED ALREADY_LOGGED_IN", c.expect("LOGIN_"))

	other := ts.dial(t)
	other.send(protocol.Login("carol", "secret"))
	assert.Equal(t, "LOGIN_FAILED ALREADY_LOGGED_IN", other.readLine())
}

func TestHubRequiresLogin(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)

	for _, line := range []string{protocol.Join("Lobby"), protocol.CreateRoom("x"), protocol.Msg("hi"), protocol.Leave()} {
		c.send(line)
		assert.True(t, strings.HasPrefix(c.readLine(), "ERROR NOT_LOGGED_IN"), line)
	}

	c.send("DANCE now")
	assert.True(t, strings.HasPrefix(c.readLine(), "ERROR UNKNOWN_COMMAND"))

	c.send(protocol.Download("Lobby", "x.txt"))
	assert.Equal(t, "DOWNLOAD_FAILED NOT_LOGGED_IN", c.readLine())

	c.send(protocol.Upload("Lobby", "x.txt", 3))
	c.sendRaw([]byte("abc"))
	assert.Equal(t, "UPLOAD_FAILED NOT_LOGGED_IN", c.readLine())

	// The connection is still usable.
	c.register("dave", "pw")
}

func TestHubRoomCommands(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)
	c.register("erin", "pw")
	c.login("erin", "pw")

	c.send(protocol.Join("nowhere"))
	assert.True(t, strings.HasPrefix(c.expect("ERROR"), "ERROR ROOM_NOT_FOUND"))

	c.send(protocol.CreateRoom("bad|name"))
	assert.True(t, strings.HasPrefix(c.expect("ERROR"), "ERROR INVALID_ROOM_NAME"))

	c.send(protocol.Join("Lobby"))
	assert.Equal(t, "INFO Already in room Lobby.", c.readLine())

	c.send(protocol.CreateRoom("tmp"))
	c.expect("INFO Room created: tmp")
	c.send(protocol.Join("tmp"))
	c.expect("INFO Joined tmp")

	c.send(protocol.Msg("  spaced   out  "))
	assert.Equal(t, "CHAT tmp erin spaced   out", c.expect("CHAT"))

	c.send(protocol.Who())
	assert.Equal(t, "ROOM_USERS tmp erin", c.expect("ROOM_USERS"))

	c.send(protocol.Leave())
	c.expect("INFO Joined Lobby")
	assert.Equal(t, []string{"Lobby"}, ts.hub.Rooms().Names())

	c.send(protocol.CmdMsg)
	assert.True(t, strings.HasPrefix(c.expect("ERROR"), "ERROR USAGE"))

	c.send(protocol.Logout())
	assert.Equal(t, "INFO Bye.", c.expect("INFO"))
	c.expectClosed()
	assert.Eventually(t, func() bool { return len(ts.hub.OnlineUsers()) == 0 }, ioTimeout, 10*time.Millisecond)
}

func TestHubUploadDownloadRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)
	c.register("frank", "pw")
	c.login("frank", "pw")

	payload := bytes.Repeat([]byte("abc\n\x00\xff"), 1000)
	c.send(protocol.Upload("Lobby", "data.bin", int64(len(payload))))
	c.sendRaw(payload)
	assert.Equal(t, "UPLOAD_OK data.bin", c.expect("UPLOAD_"))

	c.send(protocol.Files("Lobby"))
	assert.Equal(t, "FILE_LIST Lobby data.bin", c.expect("FILE_LIST"))

	c.send(protocol.Download("Lobby", "data.bin"))
	h, err := protocol.ParseFileHeader(c.expect("FILE "))
	require.NoError(t, err)
	assert.Equal(t, "data.bin", h.Filename)
	assert.Equal(t, payload, c.readN(h.Size))

	c.send(protocol.Download("Lobby", "missing.bin"))
	assert.Equal(t, "DOWNLOAD_FAILED FILE_NOT_FOUND", c.readLine())

	c.send(protocol.Download("study", "data.bin"))
	assert.Equal(t, "DOWNLOAD_FAILED NOT_IN_ROOM", c.readLine())

	c.send(protocol.Files("study"))
	assert.True(t, strings.HasPrefix(c.readLine(), "ERROR NOT_IN_ROOM"))
}

func TestHubUploadKeepsStreamAligned(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)
	c.register("gina", "pw")
	c.login("gina", "pw")

	c.send(protocol.Upload("study", "x.txt", 5))
	c.sendRaw([]byte("hello"))
	assert.Equal(t, "UPLOAD_FAILED NOT_IN_ROOM", c.expect("UPLOAD_"))

	c.send(protocol.Upload("Lobby", "..secret", 5))
	c.sendRaw([]byte("world"))
	assert.Equal(t, "UPLOAD_FAILED INVALID_FILENAME", c.readLine())

	c.send(protocol.Msg("still here"))
	assert.Equal(t, "CHAT Lobby gina still here", c.readLine())
}

func TestHubUploadBadSizeCloses(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{name: "too large", header: protocol.Upload("Lobby", "big.bin", 2<<20), want: "UPLOAD_FAILED FILE_TOO_LARGE"},
		{name: "negative", header: "UPLOAD Lobby f.bin -4", want: "UPLOAD_FAILED BAD_SIZE"},
		{name: "not a number", header: "UPLOAD Lobby f.bin lots", want: "UPLOAD_FAILED BAD_SIZE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ts.dial(t)
			c.send(tt.header)
			assert.Equal(t, tt.want, c.readLine())
			c.expectClosed()
		})
	}
}

func TestHubModeration(t *testing.T) {
	ts := newTestServer(t)

	h := ts.dial(t)
	h.register("henry", "pw")
	h.login("henry", "pw")
	i := ts.dial(t)
	i.register("iris", "pw")
	i.login("iris", "pw")

	assert.True(t, ts.hub.Warn("henry", "mind your language"))
	assert.Equal(t, "WARN mind your language", h.expect("WARN"))
	assert.False(t, ts.hub.Warn("ghost", "x"))

	assert.Equal(t, 2, ts.hub.Announce("maintenance soon"))
	h.expect("INFO [Server] maintenance soon")
	i.expect("INFO [Server] maintenance soon")

	assert.Equal(t, []string{"henry", "iris"}, ts.hub.OnlineUsers())
	assert.Equal(t, map[string]string{"henry": "Lobby", "iris": "Lobby"}, ts.hub.OnlineUserRooms())

	assert.ErrorIs(t, ts.hub.Ban("ghost", ""), ErrUnknownUser)

	assert.True(t, ts.hub.Kick("iris"))
	i.expect("INFO You have been disconnected by the server.")
	i.expectClosed()
	assert.Eventually(t, func() bool { return len(ts.hub.OnlineUsers()) == 1 }, ioTimeout, 10*time.Millisecond)
	assert.False(t, ts.hub.Kick("iris"))

	require.NoError(t, ts.hub.Ban("iris", ""))
	require.NoError(t, ts.hub.Unban("iris"))
	again := ts.dial(t)
	again.login("iris", "pw")

	users := ts.hub.Users()
	require.Len(t, users, 2)
	assert.False(t, users[1].Banned)
}

func TestHubLoginRechecksBan(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.hub.store.Create("lena", []byte("pw")))

	rec, err := ts.hub.store.Verify("lena", []byte("pw"))
	require.NoError(t, err)
	require.False(t, rec.Banned)

	// The ban lands after the password check but before the login claim.
	require.NoError(t, ts.hub.Ban("lena", ""))

	s := newSession(99, ts.hub, nopConn{}, "pipe")
	assert.ErrorIs(t, ts.hub.login(s, "lena"), ErrBanned)
	assert.Empty(t, s.Username())
	assert.Empty(t, ts.hub.OnlineUsers())
}

func TestHubDownloadNotInterleavedWithBroadcast(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.MaxFileBytes = 8 << 20 })

	a := ts.dial(t)
	a.register("mona", "pw")
	a.login("mona", "pw")
	b := ts.dial(t)
	b.register("nick", "pw")
	b.login("nick", "pw")

	payload := make([]byte, 4<<20)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	a.sendRaw(append([]byte(protocol.Upload("Lobby", "big.bin", int64(len(payload)))+"\n"), payload...))
	a.expect(protocol.ResUploadOK)

	const msgs = 100
	sent := make(chan error, 1)
	go func() {
		var buf bytes.Buffer
		for i := 0; i < msgs; i++ {
			buf.WriteString(protocol.Msg("ping") + "\n")
		}
		b.conn.SetWriteDeadline(time.Now().Add(ioTimeout))
		_, err := b.conn.Write(buf.Bytes())
		sent <- err
	}()
	a.send(protocol.Download("Lobby", "big.bin"))

	chats := 0
	var got []byte
	for got == nil || chats < msgs {
		line := a.readLine()
		switch {
		case line == protocol.Chat("Lobby", "nick", "ping"):
			chats++
		case strings.HasPrefix(line, protocol.ResFile+" "):
			h, err := protocol.ParseFileHeader(line)
			require.NoError(t, err)
			require.Equal(t, "big.bin", h.Filename)
			got = a.readN(h.Size)
		}
	}
	require.NoError(t, <-sent)
	assert.True(t, bytes.Equal(payload, got), "download corrupted")
}

func TestHubDeleteRoomMovesMembers(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)
	c.register("jack", "pw")
	c.login("jack", "pw")

	require.NoError(t, ts.hub.CreateRoom("hall"))
	c.expect("ROOM_LIST hall|Lobby")
	c.send(protocol.Join("hall"))
	c.expect("INFO Joined hall")

	// Persistent rooms survive their last member leaving.
	c.send(protocol.Leave())
	c.expect("INFO Joined Lobby")
	assert.True(t, ts.hub.Rooms().Exists("hall"))

	c.send(protocol.Join("hall"))
	c.expect("INFO Joined hall")
	require.NoError(t, ts.hub.DeleteRoom("hall"))
	c.expect("INFO Room hall was deleted. Moved to Lobby.")

	c.send(protocol.Who())
	assert.Equal(t, "ROOM_USERS Lobby jack", c.expect("ROOM_USERS Lobby"))
	assert.ErrorIs(t, ts.hub.DeleteRoom("Lobby"), ErrDefaultRoom)
}

func TestHubStop(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)
	c.register("kate", "pw")
	c.login("kate", "pw")
	c.send(protocol.CreateRoom("study"))
	c.expect("INFO Room created")
	assert.True(t, ts.hub.Running())

	ts.hub.Stop()
	c.expect("INFO Server shutting down.")
	c.expectClosed()

	select {
	case err := <-ts.served:
		assert.ErrorIs(t, err, ErrHubClosed)
	case <-time.After(ioTimeout):
		t.Fatal("Serve did not return")
	}

	assert.False(t, ts.hub.Running())
	assert.Equal(t, []string{"Lobby"}, ts.hub.Rooms().Names())
	assert.Empty(t, ts.hub.OnlineUsers())
	assert.Equal(t, 0, ts.hub.SessionCount())

	_, err := ts.hub.Attach(nopConn{}, "late")
	assert.ErrorIs(t, err, ErrHubClosed)

	ts.hub.Stop()
}

type nopConn struct{}

func (nopConn) Read([]byte) (int, error)    { return 0, io.EOF }
func (nopConn) Write(p []byte) (int, error) { return len(p), nil }
func (nopConn) Close() error                { return nil }
