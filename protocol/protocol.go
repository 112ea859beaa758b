// Package protocol holds the line-oriented wire format shared by the chat
// server and its clients. Every function here is pure: callers own the
// connection and hand in lines they have already read.
package protocol

// Client -> server commands.
const (
	CmdRegister   = "REGISTER"
	CmdLogin      = "LOGIN"
	CmdCreateRoom = "CREATE_ROOM"
	CmdJoin       = "JOIN"
	CmdLeave      = "LEAVE"
	CmdMsg        = "MSG"
	CmdLogout     = "LOGOUT"
	CmdWho        = "WHO"
	CmdUpload     = "UPLOAD"
	CmdFiles      = "FILES"
	CmdDownload   = "DOWNLOAD"
)

// Server -> client responses and pushes.
const (
	ResRegisterOK     = "REGISTER_OK"
	ResRegisterFailed = "REGISTER_FAILED"
	ResLoginOK        = "LOGIN_OK"
	ResLoginFailed    = "LOGIN_FAILED"
	ResRoomList       = "ROOM_LIST"
	ResRoomUsers      = "ROOM_USERS"
	ResChat           = "CHAT"
	ResWarn           = "WARN"
	ResBanned         = "BANNED"
	ResInfo           = "INFO"
	ResError          = "ERROR"
	ResUploadOK       = "UPLOAD_OK"
	ResUploadFailed   = "UPLOAD_FAILED"
	ResFileList       = "FILE_LIST"
	ResFile           = "FILE"
	ResDownloadFailed = "DOWNLOAD_FAILED"
)

// Reason codes carried by *_FAILED and ERROR responses.
const (
	ReasonUsernameTaken      = "USERNAME_TAKEN"
	ReasonInvalidUsername    = "INVALID_USERNAME"
	ReasonInvalidCredentials = "INVALID_CREDENTIALS"
	ReasonAlreadyLoggedIn    = "ALREADY_LOGGED_IN"
	ReasonNotLoggedIn        = "NOT_LOGGED_IN"
	ReasonNotInRoom          = "NOT_IN_ROOM"
	ReasonRoomNotFound       = "ROOM_NOT_FOUND"
	ReasonRoomExists         = "ROOM_EXISTS"
	ReasonInvalidRoomName    = "INVALID_ROOM_NAME"
	ReasonInvalidFilename    = "INVALID_FILENAME"
	ReasonFileTooLarge       = "FILE_TOO_LARGE"
	ReasonFileNotFound       = "FILE_NOT_FOUND"
	ReasonBadSize            = "BAD_SIZE"
	ReasonStorageError       = "STORAGE_ERROR"
	ReasonLineTooLong        = "LINE_TOO_LONG"
	ReasonUsage              = "USAGE"
	ReasonUnknownCommand     = "UNKNOWN_COMMAND"
)

// ListDelim joins list-valued fields. It is illegal in usernames, room
// names and filenames.
const ListDelim = "|"

// MaxLineBytes bounds a single protocol line, terminator included.
const MaxLineBytes = 64 * 1024
