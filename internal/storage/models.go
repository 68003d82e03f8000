package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Execution is one journaled create call and what recovery did for it.
type Execution struct {
	ID                 string
	CreatedAt          time.Time
	Model              string
	ResponseID         string
	PreviousResponseID string
	Mode               string // "sync", "background", "stream"
	RetryCount         int
	Successful         bool
	OriginalError      string
	Classification     string // empty on first-try success
	ResetMessage       string
	Duration           time.Duration
}

// BackgroundJob is a tracked background handle.
type BackgroundJob struct {
	ID                  string
	StatusURL           string
	StreamURL           string
	Status              string // "running", "completed", "failed", "cancelled"
	Progress            *int
	EstimatedCompletion string
	Error               string
	Result              string
	PollFailures        int
	LastPollError       string
	PollAfter           time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
