package generation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/songforge/internal/reconcile"
	"github.com/kiranshivaraju/songforge/pkg/models"
)

const sweepBatch = 100

// SweepStale resolves pending tasks created more than maxAge ago. Each task is
// checked with the provider once; tasks the provider still has not finished
// are forced to failed, which refunds any debit through the reconciler.
// It returns the number of tasks forced to failed.
func (s *Service) SweepStale(ctx context.Context, maxAge time.Duration) (int, error) {
	tasks, err := s.store.ListStalePending(ctx, s.now().Add(-maxAge), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale tasks: %w", err)
	}

	swept := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			return swept, ctx.Err()
		}

		if report, err := s.pull(ctx, task); err == nil {
			res, err := s.reconciler.Observe(ctx, reconcile.Observation{
				TaskID:         task.TaskID,
				ProviderStatus: report.ProviderStatus,
				Tracks:         report.Tracks,
				ErrorMessage:   report.ErrorMessage,
				Source:         models.SourceSweep,
			})
			if err == nil && res.Task.Status != models.StatusPending {
				continue
			}
		} else {
			slog.Warn("sweep status check failed", "task_id", task.TaskID, "error", err)
		}

		reason := fmt.Sprintf("no provider result after %s", maxAge)
		res, err := s.reconciler.Observe(ctx, reconcile.Observation{
			TaskID:         task.TaskID,
			ProviderStatus: string(models.StatusFailed),
			ErrorMessage:   reason,
			Source:         models.SourceSweep,
		})
		if err != nil {
			slog.Error("failed to sweep task", "task_id", task.TaskID, "error", err)
			continue
		}
		if !res.Outcome.Transitioned() {
			continue
		}

		swept++
		s.audit(ctx, &models.TaskEvent{
			TaskID:     task.TaskID,
			OwnerID:    task.OwnerID,
			Type:       models.EventSwept,
			Source:     models.SourceSweep,
			FromStatus: string(res.Outcome.From),
			ToStatus:   string(res.Outcome.To),
		}, map[string]any{"max_age": maxAge.String(), "refunded": res.Outcome.Refunded})
	}
	return swept, nil
}

// RunSweeper calls SweepStale every interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, maxAge, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("stale task sweeper started", "max_age", maxAge, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stale task sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx, maxAge)
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context, maxAge time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in stale task sweeper", "error", r)
		}
	}()

	n, err := s.SweepStale(ctx, maxAge)
	if err != nil {
		slog.Error("stale task sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("stale tasks swept", "count", n)
	}
}
