// Package poller watches one generation task from the client side. Each tick
// asks the server for the task status, persists playable tracks as soon as they
// appear and stops on a terminal status or after MaxTicks.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/songforge/pkg/models"
)

// ErrTimeout is returned when the tick budget runs out before a terminal status.
// The task itself is left untouched and may still finish later.
var ErrTimeout = errors.New("poll budget exhausted")

// MaxTicks is the hard stop for one watch.
const MaxTicks = 30

// State is the local view of a watched task.
type State string

const (
	StateIdle     State = "idle"
	StatePending  State = "pending"
	StatePartial  State = "partial"
	StateComplete State = "complete"
	StateFailed   State = "failed"
	StateTimeout  State = "timeout"
)

// Done reports whether the watch has ended.
func (s State) Done() bool {
	return s == StateComplete || s == StateFailed || s == StateTimeout
}

// Interval is the delay before the next tick, given the time since the task started.
func Interval(elapsed time.Duration) time.Duration {
	switch {
	case elapsed >= 180*time.Second:
		return 30 * time.Second
	case elapsed >= 120*time.Second:
		return 20 * time.Second
	case elapsed >= 60*time.Second:
		return 15 * time.Second
	default:
		return 12 * time.Second
	}
}

// StatusSource answers the pull-path status of a task.
type StatusSource interface {
	Status(ctx context.Context, taskID string) (*models.TaskStatus, error)
}

// Sink persists what a tick observed and returns the stored view.
type Sink interface {
	Persist(ctx context.Context, taskID, status string, tracks []models.Track) (*models.TaskStatus, error)
}

// Update is reported after every tick.
type Update struct {
	TaskID string
	Tick   int
	State  State
	Tracks []models.Track
	// Err is the transient error that consumed this tick, if any.
	Err error
}

// Poller runs the tick loop. It holds no per-task state and may be shared.
type Poller struct {
	source   StatusSource
	sink     Sink
	maxTicks int
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
	onUpdate func(Update)
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock replaces the wall clock and timer, for tests.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(p *Poller) {
		p.now = now
		p.after = after
	}
}

// WithMaxTicks overrides MaxTicks.
func WithMaxTicks(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.maxTicks = n
		}
	}
}

// WithUpdates registers fn to receive every Update, on the polling goroutine.
func WithUpdates(fn func(Update)) Option {
	return func(p *Poller) { p.onUpdate = fn }
}

// New creates a Poller.
func New(source StatusSource, sink Sink, opts ...Option) *Poller {
	p := &Poller{
		source:   source,
		sink:     sink,
		maxTicks: MaxTicks,
		now:      time.Now,
		after:    time.After,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls taskID until it is complete or failed, the tick budget is spent
// (ErrTimeout) or ctx is cancelled (ctx.Err()). The first tick fires at once;
// each later delay comes from Interval(now - startedAt).
func (p *Poller) Run(ctx context.Context, taskID string, startedAt time.Time) (Update, error) {
	last := Update{TaskID: taskID, State: StateIdle}

	for tick := 1; ; tick++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}

		last = p.tick(ctx, taskID, tick, last)
		if p.onUpdate != nil {
			p.onUpdate(last)
		}
		if last.State.Done() {
			return last, nil
		}

		if tick >= p.maxTicks {
			last.State = StateTimeout
			last.Err = nil
			if p.onUpdate != nil {
				p.onUpdate(last)
			}
			slog.Info("poll budget exhausted", "task_id", taskID, "ticks", tick)
			return last, ErrTimeout
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-p.after(Interval(p.now().Sub(startedAt))):
		}
	}
}

// tick performs one status query and persist. Errors leave the previous state in place.
func (p *Poller) tick(ctx context.Context, taskID string, n int, prev Update) Update {
	next := Update{TaskID: taskID, Tick: n, State: prev.State, Tracks: prev.Tracks}
	if next.State == StateIdle {
		next.State = StatePending
	}

	st, err := p.source.Status(ctx, taskID)
	if err != nil {
		slog.Warn("status query failed", "task_id", taskID, "tick", n, "error", err)
		next.Err = err
		return next
	}

	status := st.Status
	playable := playableTracks(st.Tracks)
	if status == models.StatusPending && len(playable) > 0 {
		status = models.StatusPartial
	}

	if len(playable) == 0 && !status.Terminal() {
		next.State = stateOf(status)
		return next
	}

	stored, err := p.sink.Persist(ctx, taskID, string(status), playable)
	if err != nil {
		slog.Warn("persist failed", "task_id", taskID, "tick", n, "error", err)
		next.Err = err
		return next
	}

	// The stored record wins: a callback may already have settled the task.
	next.State = stateOf(higher(status, stored.Status))
	next.Tracks = stored.Tracks
	return next
}

func playableTracks(tracks []models.Track) []models.Track {
	var out []models.Track
	for _, t := range tracks {
		if t.Playable() {
			out = append(out, t)
		}
	}
	return out
}

func higher(a, b models.Status) models.Status {
	if b.Terminal() || b.Rank() > a.Rank() {
		return b
	}
	return a
}

func stateOf(s models.Status) State {
	switch s {
	case models.StatusPartial:
		return StatePartial
	case models.StatusComplete:
		return StateComplete
	case models.StatusFailed:
		return StateFailed
	default:
		return StatePending
	}
}
