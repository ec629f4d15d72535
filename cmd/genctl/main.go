// Command genctl submits generation tasks to a SongForge server and watches
// them to completion from the terminal.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/kiranshivaraju/songforge/internal/poller"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	logger := newLogger(os.Stderr)
	slog.SetDefault(slog.New(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := NewRunner(RunnerOpts{Logger: logger})
	defer runner.Close()

	if err := newApp(runner).Run(ctx, os.Args); err != nil {
		if errors.Is(err, poller.ErrTimeout) {
			logger.Warn("stopped watching; the task may still finish and can be watched again")
			return 2
		}
		logger.Error("genctl failed", "err", err)
		return 1
	}
	return 0
}

func newApp(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "genctl",
		Usage:   "Generate music through a SongForge server",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "SongForge server base URL",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("SONGFORGE_URL"),
			},
			&cli.StringFlag{
				Name:    "api-key",
				Aliases: []string{"k"},
				Usage:   "API key sent as a bearer token",
				Sources: cli.EnvVars("SONGFORGE_API_KEY"),
			},
			&cli.StringFlag{
				Name:    "history-db",
				Usage:   "Path to the local watch history database",
				Value:   defaultHistoryPath(),
				Sources: cli.EnvVars("SONGFORGE_HISTORY_DB"),
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Per-request timeout",
				Value: defaultRequestTimeout,
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Before:   r.setup,
		Commands: r.register(),
	}
}
