package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puyokura/roomchat/protocol"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 54 * time.Second
)

// wsStream exposes a websocket as a plain byte stream so it can carry the
// line protocol. Incoming text or binary messages are concatenated in order;
// every Write goes out as one binary message.
type wsStream struct {
	conn *websocket.Conn
	r    io.Reader

	wmu  sync.Mutex
	done chan struct{}
	once sync.Once
}

func newWSStream(conn *websocket.Conn) *wsStream {
	st := &wsStream{conn: conn, done: make(chan struct{})}
	go st.keepalive()
	return st
}

func (st *wsStream) Read(p []byte) (int, error) {
	for {
		if st.r == nil {
			_, r, err := st.conn.NextReader()
			if err != nil {
				return 0, err
			}
			st.r = r
		}
		n, err := st.r.Read(p)
		if errors.Is(err, io.EOF) {
			st.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (st *wsStream) Write(p []byte) (int, error) {
	st.wmu.Lock()
	defer st.wmu.Unlock()

	st.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := st.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (st *wsStream) Close() error {
	var err error
	st.once.Do(func() {
		close(st.done)
		st.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = st.conn.Close()
	})
	return err
}

func (st *wsStream) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := st.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-st.done:
			return
		}
	}
}

// Gateway serves the line protocol over websockets, plus a small status
// page and a JSON room snapshot.
type Gateway struct {
	hub      *Hub
	srv      *http.Server
	upgrader websocket.Upgrader
}

func NewGateway(hub *Hub, addr string) *Gateway {
	g := &Gateway{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	g.srv = &http.Server{
		Addr:              addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.serveWs)
	mux.HandleFunc("/api/rooms", g.serveRooms)
	mux.HandleFunc("/", g.serveStatus)
	return mux
}

// ListenAndServe blocks until Shutdown. A clean shutdown returns nil.
func (g *Gateway) ListenAndServe() error {
	log.Info().Str("module", "ws").Str("addr", g.srv.Addr).Msg("websocket gateway listening")
	if err := g.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket gateway: %w", err)
	}
	return nil
}

func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.srv.Shutdown(ctx)
}

func (g *Gateway) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Str("module", "ws").Err(err).Msg("upgrade failed")
		return
	}
	conn.SetReadLimit(g.hub.files.MaxBytes() + protocol.MaxLineBytes)

	if _, err := g.hub.Attach(newWSStream(conn), r.RemoteAddr); err != nil {
		log.Debug().Str("module", "ws").Err(err).Msg("attach rejected")
	}
}

func (g *Gateway) serveRooms(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if err := json.NewEncoder(w).Encode(g.hub.rooms.Snapshot()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (g *Gateway) serveStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>roomchat</title>
    <style>
        body { font-family: sans-serif; text-align: center; padding-top: 50px; }
        code { background: #f4f4f4; padding: 5px; border-radius: 5px; }
    </style>
</head>
<body>
    <h1>roomchat server</h1>
    <p>%d rooms, %d users online.</p>
    <p>Run: <code>./client --host %s --port %d</code></p>
</body>
</html>
`, len(g.hub.rooms.Names()), len(g.hub.OnlineUsers()), g.hub.cfg.Host, g.hub.cfg.Port)
}
