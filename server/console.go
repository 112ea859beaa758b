package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const consoleHelp = `Available commands:
  help                   show this help
  stop                   shut the server down
  users                  list registered users
  online                 list logged-in users and their rooms
  rooms                  list rooms and members
  warn <user> <text>     send a warning
  ban <user> [reason]    ban and disconnect
  unban <user>           lift a ban
  kick <user>            disconnect without banning
  mkroom <room>          create a persistent room
  rmroom <room>          delete a room, moving members to the default room
  broadcast <text>       INFO to every logged-in user
  log [n]                show the last n server log entries (default 20)`

// Console is the operator command loop.
type Console struct {
	hub  *Hub
	in   io.Reader
	out  io.Writer
	stop func()
}

func NewConsole(hub *Hub, in io.Reader, out io.Writer, stop func()) *Console {
	return &Console{hub: hub, in: in, out: out, stop: stop}
}

// Run reads commands until stop, end of input or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(c.out, "Server console ready. Type 'help' for commands.")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if !c.Exec(line) {
				return nil
			}
		}
	}
}

// Exec runs one console line. It returns false after "stop".
func (c *Console) Exec(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd := parts[0]
	args := parts[1:]

	switch cmd {
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
	case "stop":
		fmt.Fprintln(c.out, "Stopping server...")
		if c.stop != nil {
			c.stop()
		}
		return false
	case "users":
		for _, u := range c.hub.Users() {
			state := ""
			if u.Banned {
				state = " (banned)"
			}
			fmt.Fprintf(c.out, "%s%s\n", u.Username, state)
		}
	case "online":
		rooms := c.hub.OnlineUserRooms()
		users := c.hub.OnlineUsers()
		if len(users) == 0 {
			fmt.Fprintln(c.out, "Nobody online.")
		}
		for _, u := range users {
			fmt.Fprintf(c.out, "%s @ %s\n", u, rooms[u])
		}
	case "rooms":
		for _, r := range c.hub.rooms.Snapshot() {
			flag := ""
			if r.Persistent {
				flag = "*"
			}
			fmt.Fprintf(c.out, "%s%s [%s]\n", r.Name, flag, strings.Join(r.Members, ", "))
		}
	case "warn":
		if len(args) < 2 {
			fmt.Fprintln(c.out, "Usage: warn <user> <text>")
			break
		}
		if c.hub.Warn(args[0], strings.Join(args[1:], " ")) {
			fmt.Fprintln(c.out, "Warning sent.")
		} else {
			fmt.Fprintln(c.out, "User not online.")
		}
	case "ban":
		if len(args) < 1 {
			fmt.Fprintln(c.out, "Usage: ban <user> [reason]")
			break
		}
		err := c.hub.Ban(args[0], strings.Join(args[1:], " "))
		switch {
		case errors.Is(err, ErrUnknownUser):
			fmt.Fprintln(c.out, "Unknown user.")
		case err != nil:
			fmt.Fprintln(c.out, "User banned, but saving failed:", err)
		default:
			fmt.Fprintln(c.out, "User banned.")
		}
	case "unban":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "Usage: unban <user>")
			break
		}
		if err := c.hub.Unban(args[0]); err != nil {
			fmt.Fprintln(c.out, "Error unbanning:", err)
		} else {
			fmt.Fprintln(c.out, "User unbanned.")
		}
	case "kick":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "Usage: kick <user>")
			break
		}
		if c.hub.Kick(args[0]) {
			fmt.Fprintln(c.out, "User kicked.")
		} else {
			fmt.Fprintln(c.out, "User not online.")
		}
	case "mkroom":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "Usage: mkroom <room>")
			break
		}
		if err := c.hub.CreateRoom(args[0]); err != nil {
			fmt.Fprintln(c.out, "Error creating room:", err)
		} else {
			fmt.Fprintln(c.out, "Room created.")
		}
	case "rmroom":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "Usage: rmroom <room>")
			break
		}
		if err := c.hub.DeleteRoom(args[0]); err != nil {
			fmt.Fprintln(c.out, "Error deleting room:", err)
		} else {
			fmt.Fprintln(c.out, "Room deleted.")
		}
	case "broadcast":
		if len(args) < 1 {
			fmt.Fprintln(c.out, "Usage: broadcast <message>")
			break
		}
		n := c.hub.Announce(strings.Join(args, " "))
		fmt.Fprintf(c.out, "Broadcast sent to %d users.\n", n)
	case "log":
		n := 20
		if len(args) == 1 {
			if v, err := strconv.Atoi(args[0]); err == nil && v > 0 {
				n = v
			}
		}
		entries := c.hub.slog.History()
		if len(entries) > n {
			entries = entries[len(entries)-n:]
		}
		for _, e := range entries {
			fmt.Fprintln(c.out, e.String())
		}
	default:
		fmt.Fprintln(c.out, "Unknown command. Type 'help'.")
	}
	return true
}
