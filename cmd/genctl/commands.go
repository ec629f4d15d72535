package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/kiranshivaraju/songforge/internal/client"
	"github.com/kiranshivaraju/songforge/internal/history"
	"github.com/kiranshivaraju/songforge/internal/poller"
	"github.com/kiranshivaraju/songforge/pkg/models"
)

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{Name: "json", Usage: "Print JSON instead of text"}
}

func submitCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "submit",
		Usage: "Start a text-to-music or audio-to-music generation",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "title", Usage: "Song title"},
			&cli.StringFlag{Name: "style", Usage: "Style tags, e.g. \"synthwave, female vocals\""},
			&cli.StringFlag{Name: "prompt", Aliases: []string{"p"}, Usage: "Lyrics or description"},
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "Requested model; the plan may adjust it"},
			&cli.BoolFlag{Name: "instrumental", Usage: "Generate without vocals"},
			&cli.StringFlag{Name: "source-audio", Usage: "Source audio URL; switches to audio-to-music"},
			&cli.FloatFlag{Name: "style-weight", Usage: "Cover style weight (0-1)", Value: -1},
			&cli.FloatFlag{Name: "weirdness", Usage: "Cover weirdness constraint (0-1)", Value: -1},
			&cli.FloatFlag{Name: "audio-weight", Usage: "Cover audio weight (0-1)", Value: -1},
			&cli.StringFlag{Name: "vocal-gender", Usage: "Cover vocal gender (m or f)"},
			&cli.BoolFlag{Name: "watch", Aliases: []string{"w"}, Usage: "Watch the task until it finishes"},
			jsonFlag(),
		},
		Action: r.Submit,
	}
}

func watchCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Poll a task until it completes, fails or the poll budget runs out",
		ArgsUsage: "<task-id>",
		Arguments: []cli.Argument{&cli.StringArg{Name: "task-id"}},
		Action:    r.Watch,
	}
}

func statusCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the provider's current view of a task",
		ArgsUsage: "<task-id>",
		Arguments: []cli.Argument{&cli.StringArg{Name: "task-id"}},
		Flags:     []cli.Flag{jsonFlag()},
		Action:    r.Status,
	}
}

func lyricsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:      "lyrics",
		Usage:     "Generate lyrics from a prompt",
		ArgsUsage: "<prompt>",
		Arguments: []cli.Argument{&cli.StringArg{Name: "prompt"}},
		Flags:     []cli.Flag{jsonFlag()},
		Action:    r.Lyrics,
	}
}

func creditsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "credits",
		Usage:  "Show credit balance, plan and monthly quota",
		Flags:  []cli.Flag{jsonFlag()},
		Action: r.Credits,
	}
}

func historyCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List locally watched tasks",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Number of entries", Value: 20},
			jsonFlag(),
		},
		Action: r.History,
	}
}

// Submit starts a generation and optionally watches it.
func (r *Runner) Submit(ctx context.Context, cmd *cli.Command) error {
	kind, in := submitInputs(cmd)

	sub, err := r.api.Submit(ctx, kind, in)
	if err != nil {
		return describeAPIError(err)
	}
	r.logger.Info("task submitted", "task_id", sub.TaskID, "kind", sub.Kind, "cost", sub.Cost)
	if sub.ModelAdjusted {
		r.logger.Warn("model adjusted by plan", "requested", sub.RequestedModel, "effective", sub.EffectiveModel)
	}

	if hs, err := r.store(); err != nil {
		r.logger.Warn("history unavailable", "err", err)
	} else if err := hs.Submitted(ctx, sub.TaskID, kind, in.Title); err != nil {
		r.logger.Warn("recording submission", "err", err)
	}

	if cmd.Bool("json") {
		if err := r.writeJSON(sub); err != nil {
			return err
		}
	} else {
		if err := r.writePlain("%s\t%s\tquota %d/%d\n", sub.TaskID, sub.Status, sub.Quota.Used, sub.Quota.Limit); err != nil {
			return err
		}
	}

	if !cmd.Bool("watch") {
		return nil
	}
	return r.watch(ctx, sub.TaskID, time.Now())
}

func submitInputs(cmd *cli.Command) (models.Kind, models.Inputs) {
	in := models.Inputs{
		Title:          cmd.String("title"),
		Style:          cmd.String("style"),
		Prompt:         cmd.String("prompt"),
		Model:          cmd.String("model"),
		Instrumental:   cmd.Bool("instrumental"),
		SourceAudioURL: cmd.String("source-audio"),
	}
	if in.SourceAudioURL == "" {
		return models.KindTextToMusic, in
	}

	var tuning models.Tuning
	set := false
	for name, dst := range map[string]**float64{
		"style-weight": &tuning.StyleWeight,
		"weirdness":    &tuning.WeirdnessConstraint,
		"audio-weight": &tuning.AudioWeight,
	} {
		if v := cmd.Float(name); v >= 0 {
			*dst = &v
			set = true
		}
	}
	if g := cmd.String("vocal-gender"); g != "" {
		tuning.VocalGender = g
		set = true
	}
	if set {
		in.Tuning = &tuning
	}
	return models.KindAudioToMusic, in
}

// Watch polls an existing task. Elapsed time counts from the task's creation.
func (r *Runner) Watch(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.StringArg("task-id")
	if taskID == "" {
		return errors.New("task id is required")
	}

	task, err := r.api.Task(ctx, taskID)
	if err != nil {
		return describeAPIError(err)
	}
	if hs, err := r.store(); err == nil {
		if _, err := hs.Get(ctx, taskID); errors.Is(err, history.ErrNotFound) {
			if err := hs.Record(ctx, history.Entry{
				TaskID:    taskID,
				Kind:      task.Kind,
				Title:     task.Inputs.Title,
				State:     string(task.Status),
				Tracks:    task.Tracks,
				StartedAt: task.CreatedAt,
			}); err != nil {
				r.logger.Warn("recording watch", "err", err)
			}
		}
	}

	if task.Status.Terminal() {
		r.logger.Info("task already finished", "task_id", taskID, "status", task.Status)
		return r.printTracks(task.Tracks)
	}
	return r.watch(ctx, taskID, task.CreatedAt)
}

// watch runs one poll loop and records every tick in the local history.
func (r *Runner) watch(ctx context.Context, taskID string, startedAt time.Time) error {
	hs, err := r.store()
	if err != nil {
		r.logger.Warn("history unavailable", "err", err)
	}

	lastTick := 0
	onUpdate := func(u poller.Update) {
		if u.Err != nil {
			r.logger.Warn("tick failed", "task_id", u.TaskID, "tick", u.Tick, "err", u.Err)
		} else {
			r.logger.Info("tick", "task_id", u.TaskID, "tick", u.Tick, "state", u.State, "tracks", len(u.Tracks))
		}
		if hs == nil {
			return
		}
		entry := history.Entry{
			TaskID: u.TaskID,
			State:  string(u.State),
			Ticks:  u.Tick - lastTick,
			Tracks: u.Tracks,
		}
		lastTick = u.Tick
		if u.Err != nil {
			entry.LastError = u.Err.Error()
		}
		if err := hs.Record(ctx, entry); err != nil {
			r.logger.Warn("recording tick", "err", err)
		}
	}

	opts := append(append([]poller.Option{}, r.pollOpts...), poller.WithUpdates(onUpdate))
	w := poller.NewWatcher(poller.New(r.api, r.api, opts...))
	defer w.Stop()

	res := <-w.Watch(ctx, taskID, startedAt)
	if res.Err != nil {
		if errors.Is(res.Err, poller.ErrTimeout) && hs != nil {
			_ = hs.Record(context.WithoutCancel(ctx), history.Entry{
				TaskID: taskID, State: string(poller.StateTimeout), Tracks: res.Update.Tracks, LastError: res.Err.Error(),
			})
		}
		return res.Err
	}

	if res.Update.State == poller.StateFailed {
		return fmt.Errorf("task %s failed; its cost has been refunded", taskID)
	}
	return r.printTracks(res.Update.Tracks)
}

// Status prints the provider's view without changing the stored record.
func (r *Runner) Status(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.StringArg("task-id")
	if taskID == "" {
		return errors.New("task id is required")
	}

	st, err := r.api.Status(ctx, taskID)
	if err != nil {
		return describeAPIError(err)
	}
	if cmd.Bool("json") {
		return r.writeJSON(st)
	}
	if err := r.writePlain("%s\t%s\t%s\n", st.TaskID, st.Status, st.ProviderStatus); err != nil {
		return err
	}
	return r.printTracks(st.Tracks)
}

// Lyrics generates lyrics and prints every variant.
func (r *Runner) Lyrics(ctx context.Context, cmd *cli.Command) error {
	prompt := cmd.StringArg("prompt")
	if strings.TrimSpace(prompt) == "" {
		return errors.New("prompt is required")
	}

	res, err := r.api.Lyrics(ctx, prompt)
	if errors.Is(err, client.ErrLyricsPending) {
		r.logger.Warn("lyrics still generating; check later", "task_id", res.TaskID)
		return r.writePlain("%s\t%s\n", res.TaskID, res.Status)
	}
	if err != nil {
		return describeAPIError(err)
	}

	if cmd.Bool("json") {
		return r.writeJSON(res)
	}
	for i, l := range res.Lyrics {
		title := l.Title
		if title == "" {
			title = fmt.Sprintf("Variant %d", i+1)
		}
		if err := r.writePlain("== %s ==\n%s\n\n", title, l.Text); err != nil {
			return err
		}
	}
	return nil
}

// Credits prints balance and quota.
func (r *Runner) Credits(ctx context.Context, cmd *cli.Command) error {
	c, err := r.api.Credits(ctx)
	if err != nil {
		return describeAPIError(err)
	}
	if cmd.Bool("json") {
		return r.writeJSON(c)
	}
	return r.writePlain("plan %s\tbalance %d\tquota %d/%d (%d left)\n",
		c.Plan, c.Balance, c.Quota.Used, c.Quota.Limit, c.Quota.Remaining)
}

// History lists locally recorded tasks.
func (r *Runner) History(ctx context.Context, cmd *cli.Command) error {
	hs, err := r.store()
	if err != nil {
		return err
	}
	entries, err := hs.List(ctx, int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return r.writeJSON(entries)
	}
	for _, e := range entries {
		if err := r.writePlain("%s\t%s\t%s\t%d ticks\t%d tracks\t%s\n",
			e.TaskID, e.Kind, e.State, e.Ticks, len(e.Tracks), e.UpdatedAt.Local().Format(time.DateTime)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) printTracks(tracks []models.Track) error {
	for _, t := range tracks {
		url := t.AudioURL
		if url == "" {
			url = t.StreamURL
		}
		if err := r.writePlain("  %s\t%s\t%s\n", t.ID, t.Title, url); err != nil {
			return err
		}
	}
	return nil
}

// describeAPIError turns well-known server codes into actionable messages.
func describeAPIError(err error) error {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case "INSUFFICIENT_CREDITS":
		return fmt.Errorf("not enough credits: %w", err)
	case "QUOTA_EXCEEDED":
		return fmt.Errorf("monthly quota used up: %w", err)
	case "VALIDATION_FAILED":
		fields := make([]string, 0, len(apiErr.Details))
		for k, v := range apiErr.Details {
			fields = append(fields, fmt.Sprintf("%s: %v", k, v))
		}
		if len(fields) > 0 {
			return fmt.Errorf("%w (%s)", err, strings.Join(fields, ", "))
		}
	}
	return err
}
