package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kalambet/respond/internal/failure"
)

// Getter fetches a URL and decodes its JSON body into v. Non-2xx replies
// are returned as *failure.RawFailure.
type Getter interface {
	GetJSON(ctx context.Context, url string, v any) error
}

var errStillRunning = errors.New("background operation still running")

// Poller refreshes handles from their status URL.
type Poller struct {
	getter          Getter
	logger          *slog.Logger
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func NewPoller(g Getter) *Poller {
	return &Poller{
		getter:          g,
		logger:          slog.Default(),
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
	}
}

// Poll fetches the current status once and applies it to h.
func (p *Poller) Poll(ctx context.Context, h *Handle) error {
	if h.StatusURL == "" {
		return fmt.Errorf("background %s has no status url", h.ID)
	}
	var r Report
	if err := p.getter.GetJSON(ctx, h.StatusURL, &r); err != nil {
		return fmt.Errorf("polling background %s: %w", h.ID, err)
	}
	return h.Apply(r)
}

// Wait polls h with exponential backoff until it reaches a terminal state or
// ctx ends. Poll failures that classify as retryable are retried; any other
// failure stops the wait.
func (p *Poller) Wait(ctx context.Context, h *Handle) error {
	if h.IsDone() {
		return nil
	}
	if h.StatusURL == "" {
		return fmt.Errorf("background %s has no status url", h.ID)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0.1

	op := func() error {
		var r Report
		if err := p.getter.GetJSON(ctx, h.StatusURL, &r); err != nil {
			if c := failure.Classify(err); c.CanRetry() {
				p.logger.Debug("background poll failed, retrying", "id", h.ID, "classification", c.String(), "error", err)
				return err
			}
			return backoff.Permanent(fmt.Errorf("polling background %s: %w", h.ID, err))
		}
		if err := h.Apply(r); err != nil {
			return backoff.Permanent(err)
		}
		if !h.IsDone() {
			return errStillRunning
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if errors.Is(err, errStillRunning) {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
	}
	return err
}
