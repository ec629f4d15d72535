package generation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/songforge/internal/entitlement"
	"github.com/kiranshivaraju/songforge/internal/reconcile"
	"github.com/kiranshivaraju/songforge/pkg/models"
)

// LyricsResult is the outcome of a lyrics request. Lyrics is empty when the
// wait window elapsed before the provider finished.
type LyricsResult struct {
	TaskID string            `json:"task_id"`
	Status models.Status     `json:"status"`
	Lyrics []models.Track    `json:"lyrics"`
	Quota  entitlement.Quota `json:"quota"`
}

// Lyrics submits a lyrics task and waits up to LyricsWait for the result,
// checking every LyricsInterval. On expiry it returns the pending result with
// ErrTimeout; a later callback still completes the record.
func (s *Service) Lyrics(ctx context.Context, ownerID, prompt string) (*LyricsResult, error) {
	sub, err := s.Submit(ctx, SubmitRequest{
		OwnerID: ownerID,
		Kind:    models.KindLyrics,
		Inputs:  models.Inputs{Prompt: prompt},
	})
	if err != nil {
		return nil, err
	}

	result := &LyricsResult{
		TaskID: sub.TaskID,
		Status: models.StatusPending,
		Lyrics: []models.Track{},
		Quota:  sub.Quota,
	}
	task := &models.Task{TaskID: sub.TaskID, OwnerID: ownerID, Kind: models.KindLyrics}

	deadline := time.NewTimer(s.opts.LyricsWait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.opts.LyricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-deadline.C:
			slog.Info("lyrics wait window elapsed", "task_id", sub.TaskID, "wait", s.opts.LyricsWait)
			return result, ErrTimeout
		case <-ticker.C:
		}

		report, err := s.pull(ctx, task)
		if err != nil {
			slog.Warn("lyrics status check failed", "task_id", sub.TaskID, "error", err)
			continue
		}
		if _, known := reconcile.MapStatus(report.ProviderStatus); !known {
			continue
		}

		res, err := s.reconciler.Observe(ctx, reconcile.Observation{
			TaskID:         sub.TaskID,
			ProviderStatus: report.ProviderStatus,
			Tracks:         report.Tracks,
			ErrorMessage:   report.ErrorMessage,
			Source:         models.SourceLyrics,
			OwnerID:        ownerID,
		})
		if err != nil {
			return result, err
		}

		result.Status = res.Task.Status
		result.Lyrics = res.Task.Tracks
		switch res.Task.Status {
		case models.StatusComplete:
			return result, nil
		case models.StatusFailed:
			return result, fmt.Errorf("%w: %s", ErrProviderFailed, failureReason(res.Task))
		}
	}
}

func failureReason(task *models.Task) string {
	if task.FailureReason != nil {
		return *task.FailureReason
	}
	return "no reason given"
}
