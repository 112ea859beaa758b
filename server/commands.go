package main

import (
	"errors"
	"strings"

	"github.com/puyokura/roomchat/protocol"
	"github.com/rs/zerolog/log"
)

// dispatch handles one decoded command. It returns false when the session
// loop must stop.
func (s *Session) dispatch(c protocol.Command) bool {
	switch c.Name {
	case protocol.CmdRegister:
		s.handleRegister(c)
	case protocol.CmdLogin:
		return s.handleLogin(c)
	case protocol.CmdCreateRoom:
		s.handleCreateRoom(c)
	case protocol.CmdJoin:
		s.handleJoin(c)
	case protocol.CmdLeave:
		s.handleLeave()
	case protocol.CmdMsg:
		s.handleMsg(c)
	case protocol.CmdWho:
		s.handleWho()
	case protocol.CmdUpload:
		return s.handleUpload(c)
	case protocol.CmdFiles:
		s.handleFiles(c)
	case protocol.CmdDownload:
		s.handleDownload(c)
	case protocol.CmdLogout:
		s.handleLogout()
		return false
	default:
		s.fail(protocol.ReasonUnknownCommand, "Unknown command: "+c.Name)
	}
	return true
}

func (s *Session) fail(reason, text string) {
	s.Send(protocol.Encode(protocol.ResError, reason, text))
}

func (s *Session) requireLogin() bool {
	if s.Username() == "" {
		s.fail(protocol.ReasonNotLoggedIn, "Please LOGIN first.")
		return false
	}
	return true
}

func (s *Session) handleRegister(c protocol.Command) {
	if c.Arg == "" || c.Rest == "" {
		s.fail(protocol.ReasonUsage, "REGISTER <username> <password>")
		return
	}
	pw := []byte(c.Rest)
	defer clear(pw)

	if err := s.hub.store.Create(c.Arg, pw); err != nil {
		s.Send(protocol.Encode(protocol.ResRegisterFailed, reasonFor(err)))
		if !errors.Is(err, ErrUserExists) && !errors.Is(err, ErrInvalidUsername) {
			log.Error().Str("module", "session").Str("user", c.Arg).Err(err).Msg("register failed")
			s.hub.slog.Errorf("Registration of %s failed: %v", c.Arg, err)
		}
		return
	}
	s.Send(protocol.ResRegisterOK)
	s.hub.slog.Infof("User registered: %s", c.Arg)
}

func (s *Session) handleLogin(c protocol.Command) bool {
	if c.Arg == "" || c.Rest == "" {
		s.fail(protocol.ReasonUsage, "LOGIN <username> <password>")
		return true
	}
	pw := []byte(c.Rest)
	defer clear(pw)

	if s.Username() != "" {
		s.Send(protocol.Encode(protocol.ResLoginFailed, protocol.ReasonAlreadyLoggedIn))
		return true
	}

	rec, err := s.hub.store.Verify(c.Arg, pw)
	if err != nil {
		s.Send(protocol.Encode(protocol.ResLoginFailed, reasonFor(err)))
		s.hub.slog.Infof("Login failed for %s from %s", c.Arg, s.addr)
		return true
	}
	if rec.Banned {
		s.hub.slog.Warnf("Banned user %s tried to log in from %s", rec.Username, s.addr)
		s.closeAfter(protocol.Banned("You are permanently banned."))
		return false
	}

	// login sends LOGIN_OK itself so no room list push can overtake it.
	if err := s.hub.login(s, rec.Username); err != nil {
		if errors.Is(err, ErrBanned) {
			s.hub.slog.Warnf("Banned user %s tried to log in from %s", rec.Username, s.addr)
			s.closeAfter(protocol.Banned("You are permanently banned."))
			return false
		}
		s.Send(protocol.Encode(protocol.ResLoginFailed, reasonFor(err)))
		return true
	}
	s.hub.slog.Infof("User logged in: %s from %s", rec.Username, s.addr)

	s.hub.rooms.SendRoomList(s)
	lobby := s.hub.rooms.DefaultRoom()
	if err := s.hub.rooms.Join(lobby, s); err != nil {
		s.fail(reasonFor(err), "Could not join "+lobby+".")
		return true
	}
	s.Send(protocol.Info("Joined " + lobby))
	return true
}

func (s *Session) handleCreateRoom(c protocol.Command) {
	if !s.requireLogin() {
		return
	}
	if c.Arg == "" {
		s.fail(protocol.ReasonUsage, "CREATE_ROOM <room>")
		return
	}
	if err := s.hub.rooms.Create(c.Arg); err != nil {
		s.fail(reasonFor(err), "Could not create room "+c.Arg+".")
		return
	}
	s.Send(protocol.Info("Room created: " + c.Arg))
}

func (s *Session) handleJoin(c protocol.Command) {
	if !s.requireLogin() {
		return
	}
	if c.Arg == "" {
		s.fail(protocol.ReasonUsage, "JOIN <room>")
		return
	}
	if s.hub.rooms.Current(s) == c.Arg {
		s.Send(protocol.Info("Already in room " + c.Arg + "."))
		return
	}
	if err := s.hub.rooms.Join(c.Arg, s); err != nil {
		s.fail(reasonFor(err), "Room "+c.Arg+" does not exist.")
		return
	}
	s.Send(protocol.Info("Joined " + c.Arg))
}

// handleLeave always lands the session back in the default room.
func (s *Session) handleLeave() {
	if !s.requireLogin() {
		return
	}
	lobby := s.hub.rooms.DefaultRoom()
	if err := s.hub.rooms.Join(lobby, s); err != nil {
		s.fail(reasonFor(err), "Could not join "+lobby+".")
		return
	}
	s.Send(protocol.Info("Joined " + lobby))
}

func (s *Session) handleMsg(c protocol.Command) {
	if !s.requireLogin() {
		return
	}
	room := s.hub.rooms.Current(s)
	if room == "" {
		s.fail(protocol.ReasonNotInRoom, "JOIN a room first.")
		return
	}
	text := c.Text()
	if text == "" {
		s.fail(protocol.ReasonUsage, "MSG <text>")
		return
	}
	if err := s.hub.rooms.BroadcastChat(room, s.DisplayName(), text); err != nil {
		s.fail(reasonFor(err), "Message not delivered.")
	}
}

func (s *Session) handleWho() {
	if !s.requireLogin() {
		return
	}
	room := s.hub.rooms.Current(s)
	if room == "" {
		s.fail(protocol.ReasonNotInRoom, "JOIN a room first.")
		return
	}
	users, err := s.hub.rooms.Members(room)
	if err != nil {
		s.fail(reasonFor(err), "Room "+room+" is gone.")
		return
	}
	s.Send(protocol.RoomUsers(room, users))
}

// handleUpload keeps the stream aligned: whenever the declared size is
// usable, exactly that many bytes are consumed whatever the outcome. An
// unusable size closes the connection.
func (s *Session) handleUpload(c protocol.Command) bool {
	files := s.hub.files
	h, err := protocol.ParseUpload(c, files.MaxBytes())
	if err != nil {
		s.hub.slog.Warnf("Rejected upload header from %s: %v", s.DisplayName(), err)
		s.closeAfter(protocol.Encode(protocol.ResUploadFailed, reasonFor(err)))
		return false
	}

	reject := func(reason string) bool {
		if err := Drain(s.r, h.Size); err != nil {
			return false
		}
		s.Send(protocol.Encode(protocol.ResUploadFailed, reason))
		return true
	}

	switch {
	case s.Username() == "":
		return reject(protocol.ReasonNotLoggedIn)
	case s.hub.rooms.Current(s) != h.Room:
		return reject(protocol.ReasonNotInRoom)
	case !protocol.ValidFilename(h.Filename):
		return reject(protocol.ReasonInvalidFilename)
	}

	staged, err := files.Receive(s.r, h.Size)
	if errors.Is(err, ErrShortTransfer) {
		return false
	}
	if err != nil {
		log.Error().Str("module", "session").Str("room", h.Room).Err(err).Msg("receive upload")
		s.hub.slog.Errorf("Upload %s/%s failed: %v", h.Room, h.Filename, err)
		s.Send(protocol.Encode(protocol.ResUploadFailed, protocol.ReasonStorageError))
		return true
	}

	err = s.hub.rooms.WithRoom(h.Room, func() error {
		return files.Publish(h.Room, h.Filename, staged)
	})
	if err != nil {
		files.Discard(staged)
		s.Send(protocol.Encode(protocol.ResUploadFailed, reasonFor(err)))
		return true
	}

	s.Send(protocol.Encode(protocol.ResUploadOK, h.Filename))
	s.hub.slog.Infof("File uploaded: %s/%s (%d bytes) by %s", h.Room, h.Filename, h.Size, s.DisplayName())
	return true
}

func (s *Session) handleFiles(c protocol.Command) {
	if !s.requireLogin() {
		return
	}
	room := c.Arg
	if room == "" || s.hub.rooms.Current(s) != room {
		s.fail(protocol.ReasonNotInRoom, "FILES needs your current room.")
		return
	}
	names, err := s.hub.files.List(room)
	if err != nil {
		log.Error().Str("module", "session").Str("room", room).Err(err).Msg("list files")
		s.fail(reasonFor(err), "Could not list files.")
		return
	}
	s.Send(protocol.FileList(room, names))
}

func (s *Session) handleDownload(c protocol.Command) {
	failed := func(reason string) {
		s.Send(protocol.Encode(protocol.ResDownloadFailed, reason))
	}

	if s.Username() == "" {
		failed(protocol.ReasonNotLoggedIn)
		return
	}
	name := strings.TrimSpace(c.Rest)
	if c.Arg == "" || name == "" {
		failed(protocol.ReasonUsage)
		return
	}
	if s.hub.rooms.Current(s) != c.Arg {
		failed(protocol.ReasonNotInRoom)
		return
	}

	f, size, err := s.hub.files.Open(c.Arg, name)
	if err != nil {
		failed(reasonFor(err))
		return
	}
	if s.sendFile(name, f, size) {
		s.hub.slog.Infof("File downloaded: %s/%s by %s", c.Arg, name, s.DisplayName())
	}
}

func (s *Session) handleLogout() {
	s.Send(protocol.Info("Bye."))
	if u := s.Username(); u != "" {
		s.hub.slog.Infof("User logged out: %s", u)
	}
}
