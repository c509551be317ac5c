// Command ninja-history serves the build history that ninja records with
// history.enabled, and expires old builds on a schedule.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
)

var Version = "dev"

// ServeCmd runs the HTTP query service and the expiry schedule.
type ServeCmd struct {
	DB             string        `default:".ninja_history.db" help:"History database written by ninja"`
	Addr           string        `default:"localhost:8080" help:"TCP address to listen to"`
	Retention      time.Duration `default:"720h" help:"Builds older than this are expired"`
	ExpireInterval time.Duration `default:"5m" help:"How often to expire old builds"`
}

func (c *ServeCmd) Run(ctx context.Context, logger *slog.Logger) error {
	history, err := OpenDb(c.DB)
	if err != nil {
		return err
	}
	defer history.Close()

	store, err := OpenStore(c.DB)
	if err != nil {
		return err
	}
	defer store.Close()

	expirer := NewExpirer(history, c.Retention, logger)
	scheduler, err := StartExpireSchedule(expirer, c.ExpireInterval)
	if err != nil {
		return err
	}
	defer StopScheduler(scheduler, logger)

	server := NewRestServer(store, logger)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving build history", "addr", c.Addr, "db", c.DB)
		errCh <- server.ListenAndServe(c.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	color.Yellow("Interrupted. Exiting.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.ShutdownWithContext(shutdownCtx)
}

// ExpireCmd expires old builds once and exits.
type ExpireCmd struct {
	DB        string        `default:".ninja_history.db" help:"History database written by ninja"`
	Retention time.Duration `default:"720h" help:"Builds older than this are expired"`
}

func (c *ExpireCmd) Run(ctx context.Context, logger *slog.Logger) error {
	history, err := OpenDb(c.DB)
	if err != nil {
		return err
	}
	defer history.Close()

	expired, err := NewExpirer(history, c.Retention, logger).Expire()
	if err != nil {
		return err
	}
	fmt.Printf("expired %d builds\n", expired)
	return nil
}

type CLI struct {
	Version kong.VersionFlag `help:"Show version information"`
	Verbose bool             `short:"v" help:"Enable debug logging"`

	Serve  ServeCmd  `cmd:"" help:"Serve build history over HTTP"`
	Expire ExpireCmd `cmd:"" help:"Expire old builds and exit"`
}

func newParser(cli *CLI) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("ninja-history"),
		kong.Description("Query service for ninja build history"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Vars{"version": Version},
	)
}

func main() {
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		panic(err)
	}
	kongCtx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	level := slog.LevelInfo
	if cli.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	kongCtx.BindTo(ctx, (*context.Context)(nil))
	kongCtx.Bind(logger)
	if err := kongCtx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
