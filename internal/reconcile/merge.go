package reconcile

import (
	"strings"
	"time"

	"github.com/kiranshivaraju/songforge/pkg/models"
)

// providerStatuses maps provider and local status names onto the task lifecycle.
// Names not listed here (PENDING, TEXT_SUCCESS, ...) carry no status information.
var providerStatuses = map[string]models.Status{
	"first_success": models.StatusPartial,
	"first":         models.StatusPartial,
	"partial":       models.StatusPartial,

	"success":   models.StatusComplete,
	"complete":  models.StatusComplete,
	"completed": models.StatusComplete,

	"create_task_failed":    models.StatusFailed,
	"generate_audio_failed": models.StatusFailed,
	"callback_exception":    models.StatusFailed,
	"sensitive_word_error":  models.StatusFailed,
	"error":                 models.StatusFailed,
	"failed":                models.StatusFailed,
}

// MapStatus translates a provider status. ok is false when the status implies no transition.
func MapStatus(providerStatus string) (status models.Status, ok bool) {
	status, ok = providerStatuses[strings.ToLower(strings.TrimSpace(providerStatus))]
	return status, ok
}

// Merge appends incoming tracks whose IDs are not already present, preserving
// the existing order and the first-seen order of new tracks. Tracks without an
// ID are ignored.
func Merge(existing, incoming []models.Track) ([]models.Track, int) {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, t := range existing {
		seen[t.ID] = struct{}{}
	}

	merged := make([]models.Track, len(existing), len(existing)+len(incoming))
	copy(merged, existing)
	added := 0
	for _, t := range incoming {
		if t.ID == "" {
			continue
		}
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		merged = append(merged, t)
		added++
	}
	return merged, added
}

// Outcome describes what one observation did to a task.
type Outcome struct {
	From        models.Status
	To          models.Status
	TracksAdded int
	Refunded    bool
	Anomaly     bool
}

// Transitioned reports whether the status moved.
func (o Outcome) Transitioned() bool { return o.From != o.To }

// Changed reports whether the observation had any effect beyond the observation timestamp.
func (o Outcome) Changed() bool { return o.Transitioned() || o.TracksAdded > 0 }

// apply folds one observation into task. It only moves status forward, never
// adds tracks to a failed task and marks the refund at most once.
func apply(task *models.Task, obs Observation, now time.Time) Outcome {
	out := Outcome{From: task.Status, To: task.Status}
	task.LastObservedAt = &now

	target, known := MapStatus(obs.ProviderStatus)

	if target != models.StatusFailed && task.Status != models.StatusFailed {
		task.Tracks, out.TracksAdded = Merge(task.Tracks, obs.Tracks)
	}

	if !known || target == task.Status {
		return out
	}

	if task.Status.Terminal() {
		// complete and failed never change; a contradicting terminal report is recorded.
		out.Anomaly = target.Terminal()
		return out
	}
	if target.Rank() <= task.Status.Rank() {
		return out
	}

	task.Status = target
	out.To = target

	switch target {
	case models.StatusComplete:
		task.CompletedAt = &now
	case models.StatusFailed:
		reason := obs.ErrorMessage
		if reason == "" {
			reason = obs.ProviderStatus
		}
		task.FailureReason = &reason
		if task.LedgerDebited && !task.Refunded && task.Cost > 0 {
			task.Refunded = true
			out.Refunded = true
		}
	}
	return out
}
