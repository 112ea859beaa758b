package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/puyokura/roomchat/protocol"
	"github.com/rs/zerolog/log"
)

// Hub owns the listener, the live sessions and the index of logged-in
// users. Sessions reach the stores and the room registry through it.
type Hub struct {
	cfg   *Config
	store *Store
	files *FileStore
	rooms *Registry
	slog  *ServerLog

	mu       sync.Mutex
	ln       net.Listener
	sessions map[*Session]struct{}
	online   map[string]*Session
	nextID   uint64
	stopping bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewHub(cfg *Config, store *Store, files *FileStore, slog *ServerLog) *Hub {
	h := &Hub{
		cfg:      cfg,
		store:    store,
		files:    files,
		slog:     slog,
		sessions: make(map[*Session]struct{}),
		online:   make(map[string]*Session),
	}
	h.rooms = NewRegistry(cfg.DefaultRoom, cfg.HistorySize, files, slog)
	h.rooms.SetAudience(h.audience)

	for _, name := range cfg.Rooms {
		if err := h.rooms.CreatePersistent(name); err != nil {
			log.Warn().Str("module", "hub").Str("room", name).Err(err).Msg("skipping configured room")
		}
	}
	return h
}

func (h *Hub) Rooms() *Registry { return h.rooms }

// Listen binds the configured TCP address.
func (h *Hub) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", h.cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", h.cfg.Addr(), err)
	}
	return ln, nil
}

// Start binds and serves until Stop.
func (h *Hub) Start() error {
	ln, err := h.Listen()
	if err != nil {
		return err
	}
	return h.Serve(ln)
}

// Serve accepts connections on ln until Stop is called, then returns
// ErrHubClosed.
func (h *Hub) Serve(ln net.Listener) error {
	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		ln.Close()
		return ErrHubClosed
	}
	h.ln = ln
	h.mu.Unlock()

	h.slog.Infof("Server listening on %s", ln.Addr())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if h.isStopping() {
				return ErrHubClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			log.Warn().Str("module", "hub").Err(err).Dur("retry", backoff).Msg("accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
		if _, err := h.Attach(conn, conn.RemoteAddr().String()); err != nil {
			return err
		}
	}
}

// Attach starts a session on an already established byte stream. Both the
// TCP acceptor and the websocket gateway come through here.
func (h *Hub) Attach(conn io.ReadWriteCloser, addr string) (*Session, error) {
	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		conn.Close()
		return nil, ErrHubClosed
	}
	h.nextID++
	s := newSession(h.nextID, h, conn, addr)
	h.sessions[s] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	log.Debug().Str("module", "hub").Uint64("id", s.id).Str("addr", addr).Msg("client connected")
	h.slog.Infof("Client connected: %s from %s", s.DisplayName(), addr)

	go s.writePump()
	go s.run()
	return s, nil
}

// release undoes everything a session registered. Called once, from the
// end of the session loop.
func (h *Hub) release(s *Session) {
	defer h.wg.Done()

	h.rooms.Leave(s)

	h.mu.Lock()
	if u := s.Username(); u != "" && h.online[u] == s {
		delete(h.online, u)
	}
	delete(h.sessions, s)
	h.mu.Unlock()

	s.closeAfter("")
	h.slog.Infof("Client disconnected: %s", s.DisplayName())
}

// login claims username for s and queues LOGIN_OK while the index is
// locked, so a room list broadcast to logged-in users cannot reach s first.
// The ban flag is read again under the lock: Ban sets the flag before it
// looks the user up, so it either sees this session or we see the flag.
func (h *Hub) login(s *Session, username string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopping {
		return ErrHubClosed
	}
	if u, ok := h.store.Lookup(username); ok && u.Banned {
		return ErrBanned
	}
	if other, ok := h.online[username]; ok && other != s {
		return ErrAlreadyLoggedIn
	}
	h.online[username] = s
	s.setUser(username)
	s.Send(protocol.ResLoginOK)
	return nil
}

func (h *Hub) lookup(username string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online[username]
}

func (h *Hub) audience() []Member {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Member, 0, len(h.online))
	for _, s := range h.online {
		out = append(out, s)
	}
	return out
}

func (h *Hub) isStopping() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}

// Running reports whether the hub is accepting connections.
func (h *Hub) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ln != nil && !h.stopping
}

// SessionCount is the number of live connections.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Stop closes the listener, tells every session the server is going away
// and closes them. Sessions get cfg.ShutdownGrace to flush before their
// transports are closed hard. Room state is reset afterwards.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopping = true
		ln := h.ln
		sessions := make([]*Session, 0, len(h.sessions))
		for s := range h.sessions {
			sessions = append(sessions, s)
		}
		h.mu.Unlock()

		if ln != nil {
			ln.Close()
		}
		for _, s := range sessions {
			s.closeAfter(protocol.Info("Server shutting down."))
		}

		flushed := make(chan struct{})
		go func() {
			for _, s := range sessions {
				<-s.Done()
			}
			close(flushed)
		}()
		select {
		case <-flushed:
		case <-time.After(h.cfg.ShutdownGrace):
			log.Warn().Str("module", "hub").Msg("shutdown grace expired, closing remaining sessions")
		}
		for _, s := range sessions {
			s.Close()
		}
		h.wg.Wait()

		h.rooms.Reset()
		h.mu.Lock()
		h.online = make(map[string]*Session)
		h.sessions = make(map[*Session]struct{})
		h.mu.Unlock()

		h.slog.Infof("Server stopped")
	})
}

// OnlineUsers lists logged-in usernames sorted case-insensitively.
func (h *Hub) OnlineUsers() []string {
	h.mu.Lock()
	names := make([]string, 0, len(h.online))
	for name := range h.online {
		names = append(names, name)
	}
	h.mu.Unlock()

	sort.Slice(names, func(i, j int) bool { return lessFold(names[i], names[j]) })
	return names
}

// OnlineUserRooms maps each logged-in user to their current room.
func (h *Hub) OnlineUserRooms() map[string]string {
	h.mu.Lock()
	sessions := make(map[string]*Session, len(h.online))
	for name, s := range h.online {
		sessions[name] = s
	}
	h.mu.Unlock()

	out := make(map[string]string, len(sessions))
	for name, s := range sessions {
		out[name] = h.rooms.Current(s)
	}
	return out
}
