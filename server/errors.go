package main

import (
	"errors"

	"github.com/puyokura/roomchat/protocol"
)

var (
	// credential store
	ErrInvalidUsername    = errors.New("invalid username")
	ErrUserExists         = errors.New("user already exists")
	ErrUnknownUser        = errors.New("unknown user")
	ErrInvalidCredentials = errors.New("invalid credentials")

	// rooms
	ErrInvalidRoomName = errors.New("invalid room name")
	ErrRoomExists      = errors.New("room already exists")
	ErrRoomNotFound    = errors.New("room not found")
	ErrDefaultRoom     = errors.New("default room cannot be deleted")

	// files
	ErrInvalidFilename = errors.New("invalid filename")
	ErrFileNotFound    = errors.New("file not found")
	ErrFileTooLarge    = errors.New("file too large")
	ErrShortTransfer   = errors.New("connection ended mid-transfer")

	// sessions
	ErrAlreadyLoggedIn = errors.New("already logged in")
	ErrHubClosed       = errors.New("hub closed")
	ErrBanned          = errors.New("user is banned")
)

// reasonFor maps an error to the wire reason code sent to clients.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrInvalidUsername):
		return protocol.ReasonInvalidUsername
	case errors.Is(err, ErrUserExists):
		return protocol.ReasonUsernameTaken
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrUnknownUser):
		return protocol.ReasonInvalidCredentials
	case errors.Is(err, ErrAlreadyLoggedIn):
		return protocol.ReasonAlreadyLoggedIn
	case errors.Is(err, ErrInvalidRoomName):
		return protocol.ReasonInvalidRoomName
	case errors.Is(err, ErrRoomExists):
		return protocol.ReasonRoomExists
	case errors.Is(err, ErrRoomNotFound):
		return protocol.ReasonRoomNotFound
	case errors.Is(err, ErrInvalidFilename):
		return protocol.ReasonInvalidFilename
	case errors.Is(err, ErrFileNotFound):
		return protocol.ReasonFileNotFound
	case errors.Is(err, ErrFileTooLarge), errors.Is(err, protocol.ErrFileTooLarge):
		return protocol.ReasonFileTooLarge
	case errors.Is(err, protocol.ErrBadSize), errors.Is(err, protocol.ErrMalformedHeader):
		return protocol.ReasonBadSize
	default:
		return protocol.ReasonStorageError
	}
}
