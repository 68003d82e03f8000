// Package watch keeps tracked background handles up to date.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/respond/internal/background"
	"github.com/kalambet/respond/internal/storage"
)

// Store abstracts the tracked handle table.
type Store interface {
	DueBackground(limit int) ([]storage.BackgroundJob, error)
	UpdateBackground(j storage.BackgroundJob, nextPoll time.Time) error
	RecordPollFailure(id, errMsg string) error
}

// Poller refreshes a handle from its status URL once.
type Poller interface {
	Poll(ctx context.Context, h *background.Handle) error
}

// Observer is told about state changes and poll failures.
type Observer interface {
	BackgroundTransition(status string)
	BackgroundPollError()
}

type nopObserver struct{}

func (nopObserver) BackgroundTransition(string) {}
func (nopObserver) BackgroundPollError()        {}

const batchSize = 16

// Worker polls due background handles and persists what it learns.
type Worker struct {
	store    Store
	poller   Poller
	observer Observer
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 5s.
// A nil observer is allowed.
func NewWorker(store Store, poller Poller, observer Observer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Worker{
		store:    store,
		poller:   poller,
		observer: observer,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("watch iteration failed", "error", err)
		}
		if n == batchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce polls every due handle once, at most four at a time, and returns
// how many were polled. A failed poll is recorded on the handle, not
// returned.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.store.DueBackground(batchSize)
	if err != nil {
		return 0, fmt.Errorf("loading due handles: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, job := range jobs {
		g.Go(func() error {
			return w.refresh(gCtx, job)
		})
	}
	return len(jobs), g.Wait()
}

func (w *Worker) refresh(ctx context.Context, job storage.BackgroundJob) error {
	h := HandleFromJob(job)
	if err := w.poller.Poll(ctx, h); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn("background poll failed", "id", job.ID, "error", err)
		w.observer.BackgroundPollError()
		if rerr := w.store.RecordPollFailure(job.ID, err.Error()); rerr != nil {
			return fmt.Errorf("recording poll failure for %s: %w", job.ID, rerr)
		}
		return nil
	}

	if err := w.store.UpdateBackground(JobFromHandle(h), time.Now().Add(w.poll)); err != nil {
		return fmt.Errorf("updating background %s: %w", job.ID, err)
	}
	if h.IsDone() {
		w.logger.Info("background finished", "id", h.ID, "status", h.Status.String())
		w.observer.BackgroundTransition(h.Status.String())
	}
	return nil
}

// HandleFromJob rebuilds a handle from its stored row. Unknown statuses
// load as running.
func HandleFromJob(j storage.BackgroundJob) *background.Handle {
	h := background.NewHandle(j.ID, j.StatusURL)
	h.StreamURL = j.StreamURL
	if s, err := background.ParseStatus(j.Status); err == nil {
		h.Status = s
	}
	h.Progress = j.Progress
	h.EstimatedCompletion = j.EstimatedCompletion
	h.Error = j.Error
	if j.Result != "" {
		h.Result = json.RawMessage(j.Result)
	}
	if !j.UpdatedAt.IsZero() {
		h.UpdatedAt = j.UpdatedAt
	}
	return h
}

// JobFromHandle is the stored form of h.
func JobFromHandle(h *background.Handle) storage.BackgroundJob {
	return storage.BackgroundJob{
		ID:                  h.ID,
		StatusURL:           h.StatusURL,
		StreamURL:           h.StreamURL,
		Status:              h.Status.String(),
		Progress:            h.Progress,
		EstimatedCompletion: h.EstimatedCompletion,
		Error:               h.Error,
		Result:              string(h.Result),
	}
}
