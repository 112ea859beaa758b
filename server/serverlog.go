package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/puyokura/roomchat/model"
	"github.com/rs/zerolog/log"
)

const minLogHistory = 50

// ServerLog is the append-only operator-facing record. Entries are written
// to the log file, kept in a bounded history and fanned out to listeners.
type ServerLog struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	history   []model.LogEntry
	max       int
	listeners []func(model.LogEntry)
}

// OpenServerLog appends to the file at path, creating it and its directory.
func OpenServerLog(path string, maxHistory int) (*ServerLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l := NewServerLog(f, maxHistory)
	l.closer = f
	return l, nil
}

// NewServerLog writes entries to w. A nil w keeps history only.
func NewServerLog(w io.Writer, maxHistory int) *ServerLog {
	if maxHistory < minLogHistory {
		maxHistory = minLogHistory
	}
	return &ServerLog{w: w, max: maxHistory}
}

func (l *ServerLog) Infof(format string, args ...any) {
	l.append(model.LevelInfo, fmt.Sprintf(format, args...))
}

func (l *ServerLog) Warnf(format string, args ...any) {
	l.append(model.LevelWarn, fmt.Sprintf(format, args...))
}

func (l *ServerLog) Errorf(format string, args ...any) {
	l.append(model.LevelError, fmt.Sprintf(format, args...))
}

func (l *ServerLog) append(level model.LogLevel, msg string) {
	e := model.LogEntry{Time: time.Now(), Level: level, Message: msg}

	l.mu.Lock()
	if l.w != nil {
		if _, err := io.WriteString(l.w, e.String()+"\n"); err != nil {
			log.Error().Str("module", "serverlog").Err(err).Msg("write log file")
		}
	}
	l.history = append(l.history, e)
	if over := len(l.history) - l.max; over > 0 {
		l.history = append(l.history[:0], l.history[over:]...)
	}
	listeners := slices.Clone(l.listeners)
	l.mu.Unlock()

	for _, fn := range listeners {
		notify(fn, e)
	}
}

func notify(fn func(model.LogEntry), e model.LogEntry) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "serverlog").Interface("panic", r).Msg("log listener panicked")
		}
	}()
	fn(e)
}

// AddListener registers fn to receive every subsequent entry.
func (l *ServerLog) AddListener(fn func(model.LogEntry)) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// History returns the retained entries, oldest first.
func (l *ServerLog) History() []model.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.LogEntry(nil), l.history...)
}

func (l *ServerLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	l.w = nil
	return err
}
