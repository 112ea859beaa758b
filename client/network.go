package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/puyokura/roomchat/protocol"
	"github.com/rs/zerolog/log"
)

const defaultMaxUpload = 50 << 20

var (
	ErrNotRegularFile  = errors.New("not a regular file")
	ErrInvalidFilename = errors.New("invalid filename")
	ErrUploadTooLarge  = errors.New("file too large")
	ErrLineBreak       = errors.New("input contains a line break")
)

// Options tunes a Client.
type Options struct {
	DownloadDir    string
	MaxUploadBytes int64
}

// Client is one connection to a chat server. Commands may be called from any
// goroutine; Listen must run on exactly one.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	l    Listener
	opts Options

	// wmu keeps an upload header and its payload contiguous on the wire.
	wmu sync.Mutex

	mu       sync.Mutex
	pending  string
	username string
	room     string
	rooms    []string
	users    []string

	closeOnce sync.Once
	done      chan struct{}
}

func Dial(ctx context.Context, addr string, l Listener, opts Options) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	log.Info().Str("module", "client").Str("addr", addr).Msg("Connected")
	return NewClient(conn, l, opts), nil
}

func NewClient(conn net.Conn, l Listener, opts Options) *Client {
	if opts.DownloadDir == "" {
		opts.DownloadDir = "downloads"
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUpload
	}
	return &Client{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 4096),
		l:    l,
		opts: opts,
		done: make(chan struct{}),
	}
}

func (c *Client) Register(user, pass string) error { return c.send(protocol.Register(user, pass)) }

func (c *Client) Login(user, pass string) error {
	c.mu.Lock()
	c.pending = user
	c.mu.Unlock()
	return c.send(protocol.Login(user, pass))
}

func (c *Client) CreateRoom(room string) error     { return c.send(protocol.CreateRoom(room)) }
func (c *Client) Join(room string) error           { return c.send(protocol.Join(room)) }
func (c *Client) Leave() error                     { return c.send(protocol.Leave()) }
func (c *Client) SendMessage(text string) error    { return c.send(protocol.Msg(text)) }
func (c *Client) Who() error                       { return c.send(protocol.Who()) }
func (c *Client) Logout() error                    { return c.send(protocol.Logout()) }
func (c *Client) ListFiles(room string) error      { return c.send(protocol.Files(room)) }
func (c *Client) Download(room, name string) error { return c.send(protocol.Download(room, name)) }

// Upload streams the file at path into room. The header and the payload are
// written under one lock so no other command can land between them.
func (c *Client) Upload(room, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%s: %w", path, ErrNotRegularFile)
	}
	name := filepath.Base(path)
	if !protocol.ValidFilename(name) {
		return fmt.Errorf("%s: %w", name, ErrInvalidFilename)
	}
	if fi.Size() > c.opts.MaxUploadBytes {
		return fmt.Errorf("%s (%d bytes): %w", name, fi.Size(), ErrUploadTooLarge)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := io.WriteString(c.conn, protocol.Upload(room, name, fi.Size())+"\n"); err != nil {
		return err
	}
	if _, err := io.CopyN(c.conn, f, fi.Size()); err != nil {
		// The server is waiting for bytes we no longer have.
		c.Close()
		return fmt.Errorf("upload %s: %w", name, err)
	}
	return nil
}

func (c *Client) send(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return ErrLineBreak
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := io.WriteString(c.conn, line+"\n")
	return err
}

// Listen decodes server lines until the connection ends. It returns nil when
// the server hung up or Close was called.
func (c *Client) Listen() error {
	defer c.l.closed()
	defer c.Close()

	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || c.isClosed() {
				return nil
			}
			return err
		}
		if err := c.handle(strings.TrimRight(line, "\r\n")); err != nil {
			if c.isClosed() {
				return nil
			}
			log.Warn().Str("module", "client").Err(err).Msg("Stream failed")
			return err
		}
	}
}

func (c *Client) handle(line string) error {
	cmd, ok := protocol.Decode(line)
	if !ok {
		return nil
	}

	switch cmd.Name {
	case protocol.ResChat:
		c.l.chat(protocol.ParseChat(cmd))
	case protocol.ResFile:
		h, err := protocol.ParseFileHeader(line)
		if err != nil {
			return fmt.Errorf("file header %q: %w", line, err)
		}
		return c.receiveFile(h)
	case protocol.ResRoomList:
		rooms := protocol.SplitList(cmd.Arg)
		c.mu.Lock()
		c.rooms = rooms
		c.mu.Unlock()
		c.l.roomsUpdated(rooms)
	case protocol.ResRoomUsers:
		users := protocol.SplitList(cmd.Rest)
		c.mu.Lock()
		c.room = cmd.Arg
		c.users = users
		c.mu.Unlock()
		c.l.usersUpdated(cmd.Arg, users)
	case protocol.ResInfo:
		text := cmd.Text()
		if room, ok := strings.CutPrefix(text, "Joined "); ok {
			c.mu.Lock()
			c.room = strings.TrimSpace(room)
			c.mu.Unlock()
		}
		c.l.info(text)
	case protocol.ResError:
		c.l.error(cmd.Text())
	case protocol.ResWarn:
		c.l.warn(cmd.Text())
	case protocol.ResBanned:
		c.l.banned(cmd.Text())
	case protocol.ResRegisterOK:
		c.l.info("Registration successful.")
	case protocol.ResRegisterFailed:
		c.l.error("Registration failed: " + cmd.Text())
	case protocol.ResLoginOK:
		c.mu.Lock()
		c.username = c.pending
		name := c.username
		c.mu.Unlock()
		c.l.info("Logged in as " + name + ".")
	case protocol.ResLoginFailed:
		c.l.error("Login failed: " + cmd.Text())
	case protocol.ResFileList:
		c.l.fileList(cmd.Arg, protocol.SplitList(cmd.Rest))
	case protocol.ResUploadOK:
		c.l.info("Upload OK: " + cmd.Arg)
	case protocol.ResUploadFailed:
		c.l.error("Upload failed: " + cmd.Text())
	case protocol.ResDownloadFailed:
		c.l.error("Download failed: " + cmd.Text())
	default:
		c.l.info(line)
	}
	return nil
}

type errReader struct {
	r   io.Reader
	err error
}

func (e *errReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && err != io.EOF {
		e.err = err
	}
	return n, err
}

// receiveFile consumes exactly h.Size bytes from the stream. A local failure
// still drains the payload so the next line starts at a line boundary.
func (c *Client) receiveFile(h protocol.FileHeader) error {
	if !protocol.ValidFilename(h.Filename) {
		if _, err := io.CopyN(io.Discard, c.r, h.Size); err != nil {
			return err
		}
		c.l.error("Download rejected: invalid filename " + h.Filename)
		return nil
	}

	f, path, err := createUnique(c.opts.DownloadDir, h.Filename)
	if err != nil {
		if _, derr := io.CopyN(io.Discard, c.r, h.Size); derr != nil {
			return derr
		}
		c.l.error("Download failed: " + err.Error())
		return nil
	}

	er := &errReader{r: c.r}
	lr := &io.LimitedReader{R: er, N: h.Size}
	_, err = io.Copy(f, lr)
	cerr := f.Close()

	switch {
	case er.err != nil:
		os.Remove(path)
		return er.err
	case err == nil && lr.N > 0:
		os.Remove(path)
		return io.ErrUnexpectedEOF
	case err != nil:
		os.Remove(path)
		if _, derr := io.CopyN(io.Discard, c.r, lr.N); derr != nil {
			return derr
		}
		c.l.error("Download failed: " + err.Error())
		return nil
	case cerr != nil:
		os.Remove(path)
		c.l.error("Download failed: " + cerr.Error())
		return nil
	}

	log.Debug().Str("module", "client").Str("path", path).Int64("size", h.Size).Msg("Download saved")
	c.l.fileReceived(path, h.Size)
	return nil
}

// createUnique opens dir/name for writing, falling back to name_1, name_2 and
// so on rather than overwriting an earlier download.
func createUnique(dir, name string) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", err
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for i := 0; i < 10000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", base, i, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("%s: too many copies", name)
}

func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.rooms...)
}

func (c *Client) Users() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.users...)
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
