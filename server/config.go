package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/puyokura/roomchat/protocol"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const defaultConfigFile = "serverconfig.json"

// Config holds every resolved server setting. It is built once at startup
// and passed to the components that need it.
type Config struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	UsersFile        string        `mapstructure:"users_file"`
	PBKDF2Iterations int           `mapstructure:"pbkdf2_iterations"`
	LogFile          string        `mapstructure:"log_file"`
	LogHistory       int           `mapstructure:"log_history"`
	LogLevel         string        `mapstructure:"log_level"`
	RoomsDir         string        `mapstructure:"rooms_dir"`
	DefaultRoom      string        `mapstructure:"default_room"`
	Rooms            []string      `mapstructure:"rooms"`
	HistorySize      int           `mapstructure:"history_size"`
	MaxFileBytes     int64         `mapstructure:"max_file_bytes"`
	WSAddr           string        `mapstructure:"ws_addr"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
	WelcomeMessage   string        `mapstructure:"welcome_message"`
	Console          bool          `mapstructure:"console"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Host:             "localhost",
		Port:             5000,
		UsersFile:        "data/users.db",
		PBKDF2Iterations: DefaultIterations,
		LogFile:          "data/server.log",
		LogHistory:       500,
		LogLevel:         "info",
		RoomsDir:         "data/rooms",
		DefaultRoom:      "Lobby",
		Rooms:            []string{},
		HistorySize:      50,
		MaxFileBytes:     50 << 20,
		ShutdownGrace:    2 * time.Second,
		WelcomeMessage:   "Welcome! REGISTER <user> <pass> or LOGIN <user> <pass>.",
	}
}

// Addr is the TCP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("users_file", d.UsersFile)
	v.SetDefault("pbkdf2_iterations", d.PBKDF2Iterations)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("log_history", d.LogHistory)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("rooms_dir", d.RoomsDir)
	v.SetDefault("default_room", d.DefaultRoom)
	v.SetDefault("rooms", d.Rooms)
	v.SetDefault("history_size", d.HistorySize)
	v.SetDefault("max_file_bytes", d.MaxFileBytes)
	v.SetDefault("ws_addr", d.WSAddr)
	v.SetDefault("shutdown_grace", d.ShutdownGrace.String())
	v.SetDefault("welcome_message", d.WelcomeMessage)
	v.SetDefault("console", d.Console)
}

// LoadConfig resolves the configuration from defaults, the config file,
// CHATROOM_* environment variables and command-line flags, in that order of
// increasing precedence. A missing config file is created with defaults.
func LoadConfig(args []string) (*Config, error) {
	d := NewConfig()

	fs := pflag.NewFlagSet("roomchat-server", pflag.ContinueOnError)
	configFile := fs.StringP("config", "c", defaultConfigFile, "path to configuration file (empty to skip)")
	fs.String("host", d.Host, "listen host")
	fs.IntP("port", "p", d.Port, "listen port")
	fs.String("users-file", d.UsersFile, "credential file")
	fs.Int("pbkdf2-iterations", d.PBKDF2Iterations, "PBKDF2 iterations for new accounts")
	fs.String("log-file", d.LogFile, "server log file")
	fs.String("log-level", d.LogLevel, "diagnostic log level")
	fs.String("rooms-dir", d.RoomsDir, "room file storage directory")
	fs.String("default-room", d.DefaultRoom, "always-present default room")
	fs.StringSlice("rooms", d.Rooms, "additional persistent rooms")
	fs.Int("history-size", d.HistorySize, "chat lines kept per room")
	fs.Int64("max-file-bytes", d.MaxFileBytes, "upload size cap in bytes")
	fs.String("ws-addr", d.WSAddr, "websocket gateway address (empty disables)")
	fs.Duration("shutdown-grace", d.ShutdownGrace, "time allowed to flush sessions on stop")
	fs.Bool("console", d.Console, "force the operator console on")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, d)

	v.SetEnvPrefix("CHATROOM")
	v.AutomaticEnv()

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || bindErr != nil {
			return
		}
		if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil {
			bindErr = fmt.Errorf("bind flag --%s: %w", f.Name, err)
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if _, err := os.Stat(*configFile); errors.Is(err, os.ErrNotExist) {
			if err := writeDefaultConfig(*configFile, d); err != nil {
				return nil, fmt.Errorf("write default config: %w", err)
			}
		} else if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", *configFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return sanitizeConfig(cfg), nil
}

func writeDefaultConfig(path string, d *Config) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	v := viper.New()
	setDefaults(v, d)
	return v.WriteConfigAs(path)
}

func sanitizeConfig(cfg *Config) *Config {
	d := NewConfig()

	if cfg.Host == "" {
		cfg.Host = d.Host
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = d.Port
	}
	if cfg.PBKDF2Iterations <= 0 {
		cfg.PBKDF2Iterations = d.PBKDF2Iterations
	}
	if cfg.PBKDF2Iterations < MinIterations {
		cfg.PBKDF2Iterations = MinIterations
	}
	if cfg.UsersFile == "" {
		cfg.UsersFile = d.UsersFile
	}
	if cfg.RoomsDir == "" {
		cfg.RoomsDir = d.RoomsDir
	}
	if cfg.LogHistory < 50 {
		cfg.LogHistory = 50
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = d.HistorySize
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = d.MaxFileBytes
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = d.ShutdownGrace
	}
	if !protocol.ValidRoomName(cfg.DefaultRoom) {
		cfg.DefaultRoom = d.DefaultRoom
	}

	seen := map[string]bool{cfg.DefaultRoom: true}
	rooms := make([]string, 0, len(cfg.Rooms))
	for _, r := range cfg.Rooms {
		r = strings.TrimSpace(r)
		if !protocol.ValidRoomName(r) || seen[r] {
			continue
		}
		seen[r] = true
		rooms = append(rooms, r)
	}
	cfg.Rooms = rooms

	return cfg
}
