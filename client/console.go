package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}

// plainListener prints only chat lines, notices, errors and file lists.
func plainListener(out *lockedWriter) Listener {
	return Listener{
		OnChatMessage: func(room, from, text string) {
			out.printf("[%s][%s] %s\n", room, from, text)
		},
		OnInfo:  func(text string) { out.printf("[INFO] %s\n", text) },
		OnError: func(text string) { out.printf("[ERROR] %s\n", text) },
		OnFileList: func(room string, files []string) {
			out.printf("[FILES] %s: %s\n", room, strings.Join(files, ", "))
		},
	}
}

// runPlain feeds lines from in to c until the user quits, the input ends or
// the connection closes.
func runPlain(ctx context.Context, c *Client, in io.Reader, out *lockedWriter) error {
	out.printf("%s\n", helpText)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case line, ok := <-lines:
			if !ok {
				c.Logout()
				return nil
			}
			note, quit, err := execute(c, line)
			if note != "" {
				out.printf("%s\n", note)
			}
			if err != nil {
				out.printf("[ERROR] %s\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}
