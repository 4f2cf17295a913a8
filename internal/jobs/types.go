// SPDX-License-Identifier: MIT

// Package jobs defines the job model and the redis-backed job store.
package jobs

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// statusRank orders states for the monotonicity check. Failed is reachable
// from every non-terminal state.
var statusRank = map[Status]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusCompleted:  2,
	StatusFailed:     2,
}

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Phased progress contract. Workers advance through these discrete states in
// order and never emit intermediate percentages.
const (
	ProgressQueued     = 10
	ProgressModelLoad  = 20
	ProgressTranscribe = 40
	ProgressAlign      = 80
	ProgressDone       = 100
)

// Messages paired with each phase.
const (
	MessageQueued     = "Task queued…"
	MessageModelLoad  = "Loading AI model…"
	MessageTranscribe = "Transcribing audio…"
	MessageAlign      = "Aligning timestamps…"
	MessageDone       = "Processing complete"
)

// Failure kinds recorded on a failed job.
const (
	FailureTransientExhausted = "transient_exhausted"
	FailurePermanent          = "permanent"
	FailureCancelled          = "cancelled"
	FailureWorkerLost         = "worker_lost"
)

// JobError captures the terminal failure of a job.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Job is the mutable per-upload record, stored at job:{id}:status.
// The transcript lives in a separate keyspace (job:{id}:result).
type Job struct {
	ID              string    `json:"id"`
	Status          Status    `json:"status"`
	Progress        int       `json:"progress"`
	Message         string    `json:"message"`
	Model           string    `json:"model"`
	LanguageHint    string    `json:"language_hint,omitempty"`
	MediaPath       string    `json:"media_path"`
	DurationSeconds float64   `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Error           *JobError `json:"error,omitempty"`
}

// Segment is one element of a transcript.
type Segment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Transcript is the ordered, start-sorted segment list produced by a worker.
type Transcript struct {
	Segments []Segment `json:"segments"`
}

// NewID returns a fresh UUIDv4 job id.
func NewID() string {
	return uuid.New().String()
}

// ValidID reports whether id parses as a UUID. Malformed ids are treated as
// unknown jobs everywhere, never as internal errors.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
