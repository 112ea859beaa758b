package main

import (
	"strings"

	"github.com/puyokura/roomchat/protocol"
)

const helpText = `Commands:
  /register <user> <pass>
  /login <user> <pass>
  /create <room>
  /join <room>
  /leave
  /who
  /files [room]
  /upload <path> [room]
  /download <file> [room]
  /logout
  /quit
Anything else is sent to the current room.`

// execute runs one line of user input against c. note is feedback for the
// user that did not come from the server.
func execute(c *Client, line string) (note string, quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return "", false, c.SendMessage(line)
	}

	f := protocol.SplitN(line, 3)
	arg := func(i int) string {
		if i < len(f) {
			return f[i]
		}
		return ""
	}
	// Optional room arguments default to the room we are in.
	roomArg := func(i int) string {
		if r := arg(i); r != "" {
			return r
		}
		return c.Room()
	}

	switch f[0] {
	case "/help":
		return helpText, false, nil
	case "/register", "/login":
		if len(f) < 3 {
			return "Usage: " + f[0] + " <user> <pass>", false, nil
		}
		if f[0] == "/register" {
			return "", false, c.Register(f[1], f[2])
		}
		return "", false, c.Login(f[1], f[2])
	case "/create":
		if arg(1) == "" {
			return "Usage: /create <room>", false, nil
		}
		return "", false, c.CreateRoom(arg(1))
	case "/join":
		if arg(1) == "" {
			return "Usage: /join <room>", false, nil
		}
		return "", false, c.Join(arg(1))
	case "/leave":
		return "", false, c.Leave()
	case "/who":
		return "", false, c.Who()
	case "/files":
		return "", false, c.ListFiles(roomArg(1))
	case "/upload":
		if arg(1) == "" {
			return "Usage: /upload <path> [room]", false, nil
		}
		if err := c.Upload(roomArg(2), arg(1)); err != nil {
			return "", false, err
		}
		return "Uploading " + arg(1) + "...", false, nil
	case "/download":
		if arg(1) == "" {
			return "Usage: /download <file> [room]", false, nil
		}
		return "", false, c.Download(roomArg(2), arg(1))
	case "/logout":
		return "", false, c.Logout()
	case "/quit":
		c.Logout()
		return "", true, nil
	}
	return "Unknown command " + f[0] + ". Type /help.", false, nil
}
