package recovery

import (
	"context"
	"log/slog"

	"github.com/kalambet/respond/internal/failure"
)

// Reset describes a retry the engine is about to make.
type Reset struct {
	Err            error
	Classification failure.Classification
	// RetryCount is the number of retries already made, so the first
	// notification carries 0.
	RetryCount int
	Pruned     bool
	Message    string
}

// Notifier is told about every retry when Policy.NotifyOnReset is set. It
// runs on the goroutine executing the request and must not block for long.
type Notifier interface {
	NotifyReset(ctx context.Context, r Reset)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) NotifyReset(context.Context, Reset) {}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, r Reset)

func (f NotifierFunc) NotifyReset(ctx context.Context, r Reset) { f(ctx, r) }

// LogNotifier writes each notification to a slog.Logger at Warn.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) NotifyReset(ctx context.Context, r Reset) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"classification", r.Classification.String(),
		"retry", r.RetryCount + 1,
		"pruned", r.Pruned,
		"error", r.Err,
	}
	if r.Message != "" {
		attrs = append(attrs, "message", r.Message)
	}
	logger.WarnContext(ctx, "recovering from failed request", attrs...)
}

// Outcome labels for Recorder.
const (
	OutcomeSuccess   = "success"
	OutcomeRecovered = "recovered"
	OutcomeExhausted = "exhausted"
	OutcomeFailed    = "failed"
)

// Recorder receives attempt and outcome counts, typically for metrics.
type Recorder interface {
	RecordFailure(c failure.Classification)
	RecordOutcome(outcome string, retries int)
}

type nopRecorder struct{}

func (nopRecorder) RecordFailure(failure.Classification) {}
func (nopRecorder) RecordOutcome(string, int)            {}
