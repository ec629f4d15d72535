package models

import (
	"time"
)

// Kind identifies which provider workflow produced a task.
type Kind string

const (
	KindTextToMusic  Kind = "text-to-music"
	KindAudioToMusic Kind = "audio-to-music"
	KindLyrics       Kind = "lyrics"
)

// Valid reports whether k is one of the known task kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTextToMusic, KindAudioToMusic, KindLyrics:
		return true
	}
	return false
}

// CountsTowardQuota reports whether completed tasks of this kind consume monthly quota.
func (k Kind) CountsTowardQuota() bool {
	return k == KindTextToMusic || k == KindAudioToMusic
}

// Status is the stored lifecycle status of a generation task.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPartial  Status = "partial"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Rank orders statuses along the forward lifecycle. Terminal statuses share the top rank.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusPartial:
		return 1
	case StatusComplete, StatusFailed:
		return 2
	}
	return -1
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Task is the persisted record of one provider generation job, keyed by the
// provider-assigned task ID. Only the reconciler mutates it after creation.
type Task struct {
	TaskID         string     `db:"task_id"          json:"task_id"`
	OwnerID        string     `db:"owner_id"         json:"owner_id"`
	Kind           Kind       `db:"kind"             json:"kind"`
	Inputs         Inputs     `db:"inputs"           json:"inputs"`
	Status         Status     `db:"status"           json:"status"`
	Tracks         []Track    `db:"tracks"           json:"tracks"`
	Cost           int64      `db:"cost"             json:"cost"`
	LedgerDebited  bool       `db:"ledger_debited"   json:"ledger_debited"`
	Refunded       bool       `db:"refunded"         json:"refunded"`
	FailureReason  *string    `db:"failure_reason"   json:"failure_reason,omitempty"`
	CreatedAt      time.Time  `db:"created_at"       json:"created_at"`
	LastObservedAt *time.Time `db:"last_observed_at" json:"last_observed_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at"     json:"completed_at,omitempty"`
}

// Inputs is the immutable request snapshot stored with a task.
type Inputs struct {
	Title          string  `json:"title,omitempty"            validate:"max=120"`
	Style          string  `json:"style,omitempty"            validate:"max=1000"`
	Prompt         string  `json:"prompt,omitempty"           validate:"max=5000"`
	Instrumental   bool    `json:"instrumental"`
	Model          string  `json:"model,omitempty"`
	EffectiveModel string  `json:"effective_model,omitempty"`
	SourceAudioURL string  `json:"source_audio_url,omitempty" validate:"omitempty,url"`
	Tuning         *Tuning `json:"tuning,omitempty"           validate:"-"`
}

// Tuning holds the optional knobs of the audio-to-music (cover) workflow.
type Tuning struct {
	StyleWeight         *float64 `json:"style_weight,omitempty"         validate:"omitempty,gte=0,lte=1"`
	WeirdnessConstraint *float64 `json:"weirdness_constraint,omitempty" validate:"omitempty,gte=0,lte=1"`
	AudioWeight         *float64 `json:"audio_weight,omitempty"         validate:"omitempty,gte=0,lte=1"`
	VocalGender         string   `json:"vocal_gender,omitempty"         validate:"omitempty,oneof=m f"`
}

// Track is one result produced by the provider for a task.
type Track struct {
	ID        string  `json:"id"`
	Title     string  `json:"title,omitempty"`
	AudioURL  string  `json:"audio_url,omitempty"`
	StreamURL string  `json:"stream_url,omitempty"`
	ImageURL  string  `json:"image_url,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
	Text      string  `json:"text,omitempty"`
}

// Playable reports whether the track carries a usable audio reference.
func (t Track) Playable() bool {
	return t.StreamURL != "" || t.AudioURL != ""
}

// TaskStatus is the pull-path view of a task: the mapped status plus the tracks
// the provider currently reports.
type TaskStatus struct {
	TaskID         string  `json:"task_id"`
	Status         Status  `json:"status"`
	ProviderStatus string  `json:"provider_status,omitempty"`
	Tracks         []Track `json:"tracks"`
}
