package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/kiranshivaraju/songforge/internal/client"
	"github.com/kiranshivaraju/songforge/internal/history"
	"github.com/kiranshivaraju/songforge/internal/poller"
	"github.com/kiranshivaraju/songforge/pkg/models"
)

const defaultRequestTimeout = 30 * time.Second

// API is the part of the SongForge client the commands use.
type API interface {
	poller.StatusSource
	poller.Sink
	Submit(ctx context.Context, kind models.Kind, in models.Inputs) (*client.Submitted, error)
	Task(ctx context.Context, taskID string) (*models.Task, error)
	Lyrics(ctx context.Context, prompt string) (*client.Lyrics, error)
	Credits(ctx context.Context) (*client.Credits, error)
}

// Runner holds the dependencies shared by every command.
type Runner struct {
	api         API
	history     *history.Store
	historyPath string
	logger      *log.Logger
	output      io.Writer
	pollOpts    []poller.Option
}

// RunnerOpts configures a Runner. API and History are built from the global
// flags when left nil.
type RunnerOpts struct {
	API         API
	History     *history.Store
	Logger      *log.Logger
	Output      io.Writer
	PollOptions []poller.Option
}

// NewRunner creates a Runner, filling in defaults.
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Logger == nil {
		opts.Logger = newLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	return &Runner{
		api:      opts.API,
		history:  opts.History,
		logger:   opts.Logger,
		output:   opts.Output,
		pollOpts: opts.PollOptions,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		submitCommand, watchCommand, statusCommand, lyricsCommand, creditsCommand, historyCommand,
	} {
		commands = append(commands, fn(r))
	}
	return commands
}

// setup builds the client from the global flags.
func (r *Runner) setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if cmd.Bool("verbose") {
		r.logger.SetLevel(log.DebugLevel)
	}
	r.historyPath = cmd.String("history-db")
	if r.api == nil {
		r.api = client.New(cmd.String("server"), cmd.String("api-key"), cmd.Duration("timeout"))
	}
	return ctx, nil
}

// store opens the history database on first use.
func (r *Runner) store() (*history.Store, error) {
	if r.history != nil {
		return r.history, nil
	}
	path := r.historyPath
	if path == "" {
		path = defaultHistoryPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	s, err := history.Open(path)
	if err != nil {
		return nil, err
	}
	r.history = s
	return s, nil
}

// Close releases the history database.
func (r *Runner) Close() {
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Warn("closing history", "err", err)
		}
	}
}

func (r *Runner) writeJSON(data any) error {
	output, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if _, err := r.output.Write(append(output, '\n')); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	if _, err := fmt.Fprintf(r.output, format, args...); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func newLogger(w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	return log.NewWithOptions(w, log.Options{ReportTimestamp: true})
}

func defaultHistoryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "genctl-history.db"
	}
	return filepath.Join(dir, "songforge", "history.db")
}
