// Package background tracks responses the service accepted for deferred
// execution.
package background

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTransition is returned when a report would move a finished
// handle to a different state.
var ErrInvalidTransition = errors.New("invalid background status transition")

type Status int

const (
	Running Status = iota
	Completed
	Failed
	Cancelled
)

var statusNames = [...]string{
	Running:   "running",
	Completed: "completed",
	Failed:    "failed",
	Cancelled: "cancelled",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool { return s != Running }

// ParseStatus maps a wire status to a Status. Queued and in-progress
// states are both Running.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued", "pending", "in_progress", "running":
		return Running, nil
	case "completed", "succeeded":
		return Completed, nil
	case "failed", "incomplete", "error":
		return Failed, nil
	case "cancelled", "canceled":
		return Cancelled, nil
	}
	return 0, fmt.Errorf("unknown background status %q", s)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Report is the body returned by a status URL.
type Report struct {
	ID                  string
	Status              string
	Progress            *int
	EstimatedCompletion string
	Error               string
	// Body is the whole report as received. For the responses service this
	// is the response object itself.
	Body json.RawMessage
}

func (r *Report) UnmarshalJSON(data []byte) error {
	var w struct {
		ID                  string          `json:"id"`
		Status              string          `json:"status"`
		Progress            *int            `json:"progress"`
		EstimatedCompletion string          `json:"estimated_completion"`
		Error               json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Report{
		ID:                  w.ID,
		Status:              w.Status,
		Progress:            w.Progress,
		EstimatedCompletion: w.EstimatedCompletion,
		Error:               errorText(w.Error),
		Body:                append(json.RawMessage(nil), data...),
	}
	return nil
}

// errorText accepts a plain string or an {"message": ...} object.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.Message != "" {
			return obj.Message
		}
		return obj.Code
	}
	return string(raw)
}

// Handle identifies one deferred operation. Its status changes only
// through Apply.
type Handle struct {
	ID                  string          `json:"id"`
	StatusURL           string          `json:"status_url"`
	StreamURL           string          `json:"stream_url,omitempty"`
	Status              Status          `json:"status"`
	Progress            *int            `json:"progress,omitempty"`
	EstimatedCompletion string          `json:"estimated_completion,omitempty"`
	Error               string          `json:"error,omitempty"`
	Result              json.RawMessage `json:"result,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func NewHandle(id, statusURL string) *Handle {
	return &Handle{ID: id, StatusURL: statusURL, Status: Running, UpdatedAt: time.Now()}
}

// Apply moves the handle to the state in r. Repeating a terminal state is
// a no-op; leaving one is ErrInvalidTransition.
func (h *Handle) Apply(r Report) error {
	if r.ID != "" && h.ID != "" && r.ID != h.ID {
		return fmt.Errorf("status report for %s applied to handle %s", r.ID, h.ID)
	}
	next, err := ParseStatus(r.Status)
	if err != nil {
		return fmt.Errorf("background %s: %w", h.ID, err)
	}
	if h.Status.Terminal() {
		if next == h.Status {
			return nil
		}
		return fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, h.ID, h.Status, next)
	}

	h.Status = next
	if r.Progress != nil {
		p := *r.Progress
		h.Progress = &p
	}
	if r.EstimatedCompletion != "" {
		h.EstimatedCompletion = r.EstimatedCompletion
	}
	if r.Error != "" {
		h.Error = r.Error
	}
	if next == Completed && len(r.Body) > 0 {
		h.Result = r.Body
	}
	h.UpdatedAt = time.Now()
	return nil
}

func (h *Handle) IsDone() bool      { return h.Status.Terminal() }
func (h *Handle) IsRunning() bool   { return h.Status == Running }
func (h *Handle) IsCompleted() bool { return h.Status == Completed }
func (h *Handle) IsFailed() bool    { return h.Status == Failed }
func (h *Handle) IsCancelled() bool { return h.Status == Cancelled }
