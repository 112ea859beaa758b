package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("roomchat", pflag.ContinueOnError)
	host := fs.String("host", "localhost", "server host")
	port := fs.IntP("port", "p", 5000, "server port")
	plain := fs.Bool("plain", false, "line-based console instead of the full-screen UI")
	downloadDir := fs.String("download-dir", "downloads", "directory for downloaded files")
	maxUpload := fs.Int64("max-upload-bytes", defaultMaxUpload, "refuse uploads larger than this")
	logFile := fs.String("log-file", "", "write diagnostic logs to this file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	closeLog, err := setupLogging(*logFile)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort(*host, strconv.Itoa(*port))
	opts := Options{DownloadDir: *downloadDir, MaxUploadBytes: *maxUpload}

	if *plain || !term.IsTerminal(int(os.Stdin.Fd())) {
		return runConsole(ctx, addr, opts)
	}
	return runTUI(ctx, addr, opts)
}

// setupLogging keeps diagnostics off the terminal the UI draws on.
func setupLogging(path string) (func(), error) {
	if path == "" {
		zerolog.SetGlobalLevel(zerolog.Disabled)
		return func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	log.Logger = zerolog.New(f).With().Timestamp().Logger()
	return func() { f.Close() }, nil
}

func runConsole(ctx context.Context, addr string, opts Options) error {
	out := &lockedWriter{w: os.Stdout}
	c, err := Dial(ctx, addr, plainListener(out), opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return c.Listen()
	})
	g.Go(func() error {
		defer c.Close()
		return runPlain(ctx, c, os.Stdin, out)
	})
	return g.Wait()
}

func runTUI(ctx context.Context, addr string, opts Options) error {
	var p *tea.Program
	c, err := Dial(ctx, addr, programListener(func(m tea.Msg) { p.Send(m) }), opts)
	if err != nil {
		return err
	}
	defer c.Close()

	p = tea.NewProgram(initialModel(c, addr), tea.WithAltScreen(), tea.WithContext(ctx))
	go func() {
		if err := c.Listen(); err != nil {
			log.Error().Str("module", "client").Err(err).Msg("Connection lost")
		}
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}
