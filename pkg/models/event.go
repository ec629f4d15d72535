package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventSubmitted  = "submitted"
	EventObserved   = "observed"
	EventTransition = "transition"
	EventRefund     = "refund"
	EventAnomaly    = "anomaly"
	EventSwept      = "swept"
)

const (
	SourceCallback = "callback"
	SourcePoll     = "poll"
	SourceSweep    = "sweep"
	SourceLyrics   = "lyrics"
	SourceSubmit   = "submit"
)

// TaskEvent is an append-only audit row describing something that happened to a task.
// Writes are best-effort and never affect the primary outcome.
type TaskEvent struct {
	ID         uuid.UUID       `db:"id"          json:"id"`
	TaskID     string          `db:"task_id"     json:"task_id"`
	OwnerID    string          `db:"owner_id"    json:"owner_id"`
	Type       string          `db:"type"        json:"type"`
	Source     string          `db:"source"      json:"source"`
	FromStatus string          `db:"from_status" json:"from_status,omitempty"`
	ToStatus   string          `db:"to_status"   json:"to_status,omitempty"`
	Detail     json.RawMessage `db:"detail"      json:"detail,omitempty"`
	CreatedAt  time.Time       `db:"created_at"  json:"created_at"`
}
