package main

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/puyokura/roomchat/protocol"
	"github.com/rs/zerolog/log"
)

const sendQueueSize = 256

var errLineTooLong = errors.New("line too long")

// frame is one unit of output. A frame with a file writes the header line
// followed by exactly size bytes from the file.
type frame struct {
	line string
	file *os.File
	size int64
	last bool
}

// Session is one client connection. Reads happen on the session's own
// goroutine; every write goes through out and is performed by writePump,
// so a broadcast can never land inside a file download.
type Session struct {
	id   uint64
	hub  *Hub
	conn io.ReadWriteCloser
	addr string
	r    *bufio.Reader

	mu   sync.Mutex
	name string
	user string

	sendMu  sync.Mutex
	closing bool
	dead    bool
	out     chan frame

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(id uint64, hub *Hub, conn io.ReadWriteCloser, addr string) *Session {
	return &Session{
		id:     id,
		hub:    hub,
		conn:   conn,
		addr:   addr,
		r:      bufio.NewReaderSize(conn, 4096),
		name:   "client-" + strconv.FormatUint(id, 10),
		out:    make(chan frame, sendQueueSize),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Username is "" until the session logs in.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Session) setUser(name string) {
	s.mu.Lock()
	s.user = name
	s.name = name
	s.mu.Unlock()
}

// Send queues line without blocking. A full queue means the peer is not
// keeping up; the session is closed and Send reports false.
func (s *Session) Send(line string) bool {
	return s.enqueue(frame{line: line})
}

func (s *Session) sendFile(name string, f *os.File, size int64) bool {
	if !s.enqueue(frame{line: protocol.File(name, size), file: f, size: size}) {
		f.Close()
		return false
	}
	return true
}

// closeAfter queues a final line; the connection closes once it and
// everything before it has been written. Later sends are dropped.
func (s *Session) closeAfter(line string) {
	s.sendMu.Lock()
	if s.closing || s.dead {
		s.sendMu.Unlock()
		return
	}
	s.closing = true
	select {
	case s.out <- frame{line: line, last: true}:
		s.sendMu.Unlock()
	default:
		s.sendMu.Unlock()
		s.Close()
	}
}

func (s *Session) enqueue(f frame) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.closing || s.dead {
		return false
	}
	select {
	case s.out <- f:
		return true
	default:
		s.closing = true
		log.Warn().Str("module", "session").Uint64("id", s.id).Str("addr", s.addr).Msg("send queue full, closing")
		s.Close()
		return false
	}
}

func (s *Session) isClosing() bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.closing || s.dead
}

// Close tears the connection down immediately. Safe to call many times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// Done is closed when the writer has finished and the transport is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) writePump() {
	w := bufio.NewWriter(s.conn)
	defer func() {
		s.Close()

		s.sendMu.Lock()
		s.dead = true
		s.sendMu.Unlock()
		for {
			select {
			case f := <-s.out:
				if f.file != nil {
					f.file.Close()
				}
			default:
				close(s.done)
				return
			}
		}
	}()

	for {
		select {
		case f := <-s.out:
			if err := writeFrame(w, f); err != nil {
				log.Debug().Str("module", "session").Uint64("id", s.id).Err(err).Msg("write failed")
				return
			}
			if f.last || len(s.out) == 0 {
				if err := w.Flush(); err != nil {
					return
				}
			}
			if f.last {
				return
			}
		case <-s.closed:
			return
		}
	}
}

func writeFrame(w *bufio.Writer, f frame) error {
	if f.file != nil {
		defer f.file.Close()
	}
	if f.line != "" {
		if _, err := w.WriteString(f.line + "\n"); err != nil {
			return err
		}
	}
	if f.file != nil {
		if _, err := io.CopyN(w, f.file, f.size); err != nil {
			// The header already promised size bytes.
			return err
		}
	}
	return nil
}

// readLine returns the next line, terminator stripped by the decoder.
// Lines longer than MaxLineBytes fail with errLineTooLong.
func (s *Session) readLine() (string, error) {
	var buf []byte
	for {
		chunk, err := s.r.ReadSlice('\n')
		if len(buf)+len(chunk) > protocol.MaxLineBytes {
			return "", errLineTooLong
		}
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			return string(buf), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(buf) > 0:
			return string(buf), nil
		default:
			return "", err
		}
	}
}

// run is the session loop. It returns when the peer disconnects, logs
// out or the session is closed.
func (s *Session) run() {
	defer s.hub.release(s)

	if msg := s.hub.cfg.WelcomeMessage; msg != "" {
		s.Send(protocol.Info(msg))
	}

	for {
		line, err := s.readLine()
		if errors.Is(err, errLineTooLong) {
			s.closeAfter(protocol.Encode(protocol.ResError, protocol.ReasonLineTooLong))
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isClosing() {
				log.Debug().Str("module", "session").Uint64("id", s.id).Err(err).Msg("read failed")
			}
			return
		}
		if s.isClosing() {
			return
		}

		c, ok := protocol.Decode(line)
		if !ok {
			continue
		}
		if !s.dispatch(c) {
			return
		}
	}
}
