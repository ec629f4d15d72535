package poller

import (
	"context"
	"sync"
	"time"
)

// Result is the final outcome of one watch.
type Result struct {
	Update Update
	Err    error
}

// Watcher keeps at most one poll loop alive. Watching a new task id cancels
// the loop for the previous one; watching the same id again joins the running
// loop. Every caller of Watch gets its own channel and its own copy of the Result.
type Watcher struct {
	poller *Poller

	mu  sync.Mutex
	cur *loop
}

// loop is one running Run call and the channels waiting on it.
type loop struct {
	taskID string
	cancel context.CancelFunc
	done   chan struct{}
	subs   []chan Result
}

// NewWatcher creates a Watcher around p.
func NewWatcher(p *Poller) *Watcher {
	return &Watcher{poller: p}
}

// Watch starts polling taskID and returns a channel that receives the final
// Result once, then closes.
func (w *Watcher) Watch(ctx context.Context, taskID string, startedAt time.Time) <-chan Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch := make(chan Result, 1)
	if l := w.cur; l != nil && l.taskID == taskID && !l.finished() {
		l.subs = append(l.subs, ch)
		return ch
	}
	w.stopLocked()

	runCtx, cancel := context.WithCancel(ctx)
	l := &loop{
		taskID: taskID,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   []chan Result{ch},
	}
	w.cur = l

	go func() {
		u, err := w.poller.Run(runCtx, taskID, startedAt)
		cancel()
		// done closes before subscribers are collected: a later Watch for the
		// same id then starts a fresh loop instead of joining this one.
		close(l.done)

		w.mu.Lock()
		subs := l.subs
		l.subs = nil
		w.mu.Unlock()

		for _, sub := range subs {
			sub <- Result{Update: u, Err: err}
			close(sub)
		}
	}()
	return ch
}

// Current returns the task id being watched, or "" when idle.
func (w *Watcher) Current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur == nil || w.cur.finished() {
		return ""
	}
	return w.cur.taskID
}

// Stop cancels the running loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

func (w *Watcher) stopLocked() {
	if w.cur == nil {
		return
	}
	w.cur.cancel()
	<-w.cur.done
	w.cur = nil
}

func (l *loop) finished() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
