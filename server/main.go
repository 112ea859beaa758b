package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/puyokura/roomchat/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// mirrorEntry copies a server log entry to the diagnostic log.
func mirrorEntry(e model.LogEntry) {
	var ev *zerolog.Event
	switch e.Level {
	case model.LevelWarn:
		ev = log.Warn()
	case model.LevelError:
		ev = log.Error()
	default:
		ev = log.Info()
	}
	ev.Str("module", "serverlog").Msg(e.Message)
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := LoadConfig(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	slog, err := OpenServerLog(cfg.LogFile, cfg.LogHistory)
	if err != nil {
		return fmt.Errorf("open server log: %w", err)
	}
	defer slog.Close()
	slog.AddListener(mirrorEntry)

	store := NewStore(cfg.UsersFile, cfg.PBKDF2Iterations)
	if err := store.Load(); err != nil {
		return fmt.Errorf("load users: %w", err)
	}

	files, err := NewFileStore(cfg.RoomsDir, cfg.MaxFileBytes)
	if err != nil {
		return err
	}

	hub := NewHub(cfg, store, files, slog)
	if err := files.Sweep(hub.Rooms().PersistentNames()); err != nil {
		log.Warn().Str("module", "files").Err(err).Msg("sweep room storage")
	}

	ln, err := hub.Listen()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := hub.Serve(ln); !errors.Is(err, ErrHubClosed) {
			return err
		}
		return nil
	})

	var gw *Gateway
	if cfg.WSAddr != "" {
		gw = NewGateway(hub, cfg.WSAddr)
		g.Go(gw.ListenAndServe)
	}

	if cfg.Console || term.IsTerminal(int(os.Stdin.Fd())) {
		console := NewConsole(hub, os.Stdin, os.Stdout, stop)
		g.Go(func() error { return console.Run(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Str("module", "hub").Msg("shutting down")
		hub.Stop()
		if gw != nil {
			sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
			defer cancel()
			return gw.Shutdown(sctx)
		}
		return nil
	})

	return g.Wait()
}
