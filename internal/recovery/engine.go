package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/respond/internal/failure"
	"github.com/kalambet/respond/internal/schema"
)

// ErrMaxRetriesExceeded is matched by a *Error whose retries were warranted
// but ran out.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// Transport sends one request and returns the service reply. Non-2xx
// replies are returned as *failure.RawFailure.
type Transport interface {
	Send(ctx context.Context, req schema.Request) (*schema.Response, error)
}

// Info summarizes the attempts made for one execution.
type Info struct {
	RetryCount int
	Successful bool
	// OriginalError is the message of the first failure, empty when the
	// first attempt succeeded.
	OriginalError string
	// FirstFailure classifies the first failure. Zero when the first
	// attempt succeeded.
	FirstFailure failure.Classification
	// ResetMessage is the policy's reset message, set only when at least one
	// retry was made.
	ResetMessage string
	Elapsed      time.Duration
}

// Result is a successful execution.
type Result struct {
	Response *schema.Response
	Info     Info
}

// Error is a terminal execution failure. It unwraps to the error returned
// by the last attempt.
type Error struct {
	Classification failure.Classification
	Info           Info
	// Exhausted is set when the retry bound stopped execution.
	Exhausted bool
	Err       error
}

func (e *Error) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("%s after %d retries (%s): %v", ErrMaxRetriesExceeded, e.Info.RetryCount, e.Classification, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Classification, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == ErrMaxRetriesExceeded && e.Exhausted
}

// attempt is the private state of one execution.
type attempt struct {
	retryCount int
	firstErr   error
	firstClass failure.Classification
	startedAt  time.Time
}

func (a *attempt) info(successful bool, p Policy) Info {
	info := Info{
		RetryCount: a.retryCount,
		Successful: successful,
		Elapsed:    time.Since(a.startedAt),
	}
	if a.firstErr != nil {
		info.OriginalError = a.firstErr.Error()
		info.FirstFailure = a.firstClass
	}
	if a.retryCount > 0 {
		info.ResetMessage = p.ResetMessage
	}
	return info
}

// Engine executes requests with recovery. An Engine is safe for concurrent
// use; each Execute call owns its attempt state.
type Engine struct {
	transport Transport
	notifier  Notifier
	recorder  Recorder
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

type Option func(*Engine)

func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEngine(t Transport, opts ...Option) *Engine {
	e := &Engine{
		transport: t,
		notifier:  NopNotifier{},
		recorder:  nopRecorder{},
		logger:    slog.Default(),
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute sends req, retrying under p. Attempts are sequential. req is never
// modified; pruning works on copies.
func (e *Engine) Execute(ctx context.Context, req schema.Request, p Policy) (Result, error) {
	a := attempt{startedAt: time.Now()}
	cur := req

	for {
		resp, err := e.transport.Send(ctx, cur)
		if err == nil {
			outcome := OutcomeSuccess
			if a.retryCount > 0 {
				outcome = OutcomeRecovered
			}
			e.recorder.RecordOutcome(outcome, a.retryCount)
			return Result{Response: resp, Info: a.info(true, p)}, nil
		}

		c := failure.Classify(err)
		e.recorder.RecordFailure(c)
		if a.firstErr == nil {
			a.firstErr = err
			a.firstClass = c
		}

		if !p.AutoRetry || !p.Scope.Admits(c) {
			e.recorder.RecordOutcome(OutcomeFailed, a.retryCount)
			return Result{}, &Error{Classification: c, Info: a.info(false, p), Err: err}
		}
		if a.retryCount >= p.MaxRetries {
			e.recorder.RecordOutcome(OutcomeExhausted, a.retryCount)
			return Result{}, &Error{Classification: c, Info: a.info(false, p), Exhausted: true, Err: err}
		}

		pruned := false
		if p.AutoPrune && c.Kind == failure.ResourceExpired {
			next := Prune(cur, c.ResourceID)
			pruned = next.PreviousResponseID != cur.PreviousResponseID ||
				boundContainers(next) != boundContainers(cur)
			cur = next
		}

		if p.NotifyOnReset {
			e.notifier.NotifyReset(ctx, Reset{
				Err:            err,
				Classification: c,
				RetryCount:     a.retryCount,
				Pruned:         pruned,
				Message:        p.ResetMessage,
			})
		}

		delay := c.RetryAfter
		if delay <= 0 {
			delay = p.RetryDelay
		}
		level := slog.LevelDebug
		if p.LoggingEnabled {
			level = slog.LevelInfo
		}
		e.logger.Log(ctx, level, "retrying request",
			"retry", a.retryCount+1,
			"max_retries", p.MaxRetries,
			"classification", c.String(),
			"pruned", pruned,
			"delay", delay,
			"error", err,
		)

		if werr := e.sleep(ctx, delay); werr != nil {
			e.recorder.RecordOutcome(OutcomeFailed, a.retryCount)
			return Result{}, &Error{
				Classification: c,
				Info:           a.info(false, p),
				Err:            errors.Join(werr, err),
			}
		}
		a.retryCount++
	}
}

// ExecuteNoRecovery performs exactly one send and returns the transport's
// error untouched.
func (e *Engine) ExecuteNoRecovery(ctx context.Context, req schema.Request) (*schema.Response, error) {
	resp, err := e.transport.Send(ctx, req)
	if err != nil {
		e.recorder.RecordFailure(failure.Classify(err))
		e.recorder.RecordOutcome(OutcomeFailed, 0)
		return nil, err
	}
	e.recorder.RecordOutcome(OutcomeSuccess, 0)
	return resp, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
