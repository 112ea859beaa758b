package protocol

import (
	"errors"
	"strconv"
	"strings"
	"unicode"
)

var (
	ErrMalformedHeader = errors.New("malformed header")
	ErrBadSize         = errors.New("bad size")
	ErrFileTooLarge    = errors.New("file too large")
)

// Command is one decoded client line: the command token, the first argument
// and the untouched remainder.
type Command struct {
	Name string
	Arg  string
	Rest string
	Line string
}

// SplitN splits line into at most n whitespace-delimited fields. The last
// field keeps the remainder of the line, internal whitespace included.
func SplitN(line string, n int) []string {
	s := strings.TrimSpace(line)
	if s == "" || n <= 0 {
		return nil
	}

	var out []string
	for len(out) < n-1 {
		i := strings.IndexFunc(s, unicode.IsSpace)
		if i < 0 {
			break
		}
		out = append(out, s[:i])
		s = strings.TrimLeftFunc(s[i:], unicode.IsSpace)
	}
	return append(out, s)
}

// Decode parses a line into a Command. It reports false for a blank line.
func Decode(line string) (Command, bool) {
	line = strings.TrimRight(line, "\r\n")
	f := SplitN(line, 3)
	if len(f) == 0 {
		return Command{}, false
	}

	c := Command{Name: f[0], Line: line}
	if len(f) > 1 {
		c.Arg = f[1]
	}
	if len(f) > 2 {
		c.Rest = f[2]
	}
	return c, true
}

// Text returns everything after the command token.
func (c Command) Text() string {
	f := SplitN(c.Line, 2)
	if len(f) < 2 {
		return ""
	}
	return f[1]
}

// Encode builds "NAME arg1 arg2 ..." skipping empty arguments.
func Encode(name string, args ...string) string {
	var b strings.Builder
	b.WriteString(name)
	for _, a := range args {
		if a == "" {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(a)
	}
	return b.String()
}

func JoinList(items []string) string {
	return strings.Join(items, ListDelim)
}

func SplitList(payload string) []string {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	return strings.Split(payload, ListDelim)
}

// ParseSize parses a declared byte count. A max of zero or less disables
// the upper bound.
func ParseSize(s string, max int64) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, ErrBadSize
	}
	if max > 0 && n > max {
		return n, ErrFileTooLarge
	}
	return n, nil
}

// UploadHeader is the decoded "UPLOAD <room> <filename> <size>" line.
type UploadHeader struct {
	Room     string
	Filename string
	Size     int64
}

// ParseUpload decodes an UPLOAD command. Any error means the number of
// payload bytes following the header is unknown or unsafe to consume.
func ParseUpload(c Command, max int64) (UploadHeader, error) {
	h := UploadHeader{Room: c.Arg}
	rest := strings.Fields(c.Rest)
	if c.Arg == "" || len(rest) != 2 {
		return h, ErrMalformedHeader
	}
	h.Filename = rest[0]

	size, err := ParseSize(rest[1], max)
	h.Size = size
	return h, err
}

// FileHeader is the decoded "FILE <filename> <size>" line.
type FileHeader struct {
	Filename string
	Size     int64
}

func ParseFileHeader(line string) (FileHeader, error) {
	f := SplitN(line, 3)
	if len(f) != 3 || f[0] != ResFile || strings.ContainsFunc(f[2], unicode.IsSpace) {
		return FileHeader{}, ErrMalformedHeader
	}
	size, err := ParseSize(f[2], 0)
	if err != nil {
		return FileHeader{}, err
	}
	return FileHeader{Filename: f[1], Size: size}, nil
}

// ParseChat splits a decoded CHAT push into room, sender and text.
func ParseChat(c Command) (room, from, text string) {
	room = c.Arg
	f := SplitN(c.Rest, 2)
	if len(f) > 0 {
		from = f[0]
	}
	if len(f) > 1 {
		text = f[1]
	}
	return room, from, text
}

// Client -> server builders.

func Register(user, pass string) string { return Encode(CmdRegister, user, pass) }
func Login(user, pass string) string    { return Encode(CmdLogin, user, pass) }
func CreateRoom(room string) string     { return Encode(CmdCreateRoom, room) }
func Join(room string) string           { return Encode(CmdJoin, room) }
func Leave() string                     { return CmdLeave }
func Msg(text string) string            { return Encode(CmdMsg, text) }
func Logout() string                    { return CmdLogout }
func Who() string                       { return CmdWho }
func Files(room string) string          { return Encode(CmdFiles, room) }

func Download(room, filename string) string {
	return Encode(CmdDownload, room, filename)
}

func Upload(room, filename string, size int64) string {
	return Encode(CmdUpload, room, filename, strconv.FormatInt(size, 10))
}

// Server -> client builders.

func Chat(room, from, text string) string { return Encode(ResChat, room, from, text) }
func RoomList(rooms []string) string      { return Encode(ResRoomList, JoinList(rooms)) }

func RoomUsers(room string, users []string) string {
	return Encode(ResRoomUsers, room, JoinList(users))
}

func FileList(room string, files []string) string {
	return Encode(ResFileList, room, JoinList(files))
}

func File(filename string, size int64) string {
	return Encode(ResFile, filename, strconv.FormatInt(size, 10))
}

func Info(text string) string   { return Encode(ResInfo, text) }
func Error(text string) string  { return Encode(ResError, text) }
func Warn(text string) string   { return Encode(ResWarn, text) }
func Banned(text string) string { return Encode(ResBanned, text) }
