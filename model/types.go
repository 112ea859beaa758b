package model

import (
	"fmt"
	"time"
)

// User is a persisted credential record.
type User struct {
	Username   string
	Iterations int    // PBKDF2 rounds used to derive Hash
	Salt       []byte // random, fixed length
	Hash       []byte // derived key, fixed length
	Banned     bool
}

// ChatEntry is one line of a room's chat history.
type ChatEntry struct {
	From string
	Text string
	Time time.Time
}

// LogLevel is the severity of a server log entry.
type LogLevel string

const (
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// LogEntry is one record of the server log.
type LogEntry struct {
	Time    time.Time
	Level   LogLevel
	Message string
}

// String renders the entry the way it is appended to the log file.
func (e LogEntry) String() string {
	return fmt.Sprintf("%s [%s] %s", e.Time.Format("2006-01-02 15:04:05"), e.Level, e.Message)
}
