// Package responses is the entry point for callers: it sends requests
// through the recovery engine, opens event streams, creates background
// responses and keeps a journal of what happened.
package responses

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/respond/internal/background"
	"github.com/kalambet/respond/internal/failure"
	"github.com/kalambet/respond/internal/recovery"
	"github.com/kalambet/respond/internal/schema"
	"github.com/kalambet/respond/internal/storage"
	"github.com/kalambet/respond/internal/stream"
	"github.com/kalambet/respond/internal/watch"
)

// Transport is the HTTP surface of the responses service.
type Transport interface {
	recovery.Transport
	background.Getter
	OpenStream(ctx context.Context, req schema.Request) (io.ReadCloser, error)
	Retrieve(ctx context.Context, id string) (*schema.Response, error)
	Cancel(ctx context.Context, id string) (*schema.Response, error)
	Delete(ctx context.Context, id string) error
}

// Journal records executions and tracked background handles.
type Journal interface {
	SaveExecution(e storage.Execution) error
	TrackBackground(j storage.BackgroundJob) error
	UpdateBackground(j storage.BackgroundJob, nextPoll time.Time) error
}

// Client wraps a Transport with recovery. A Client is safe for concurrent
// use.
type Client struct {
	transport Transport
	engine    *recovery.Engine
	poller    *background.Poller
	journal   Journal
	policy    recovery.Policy
	logger    *slog.Logger
}

type Option func(*clientOptions)

type clientOptions struct {
	policy     recovery.Policy
	journal    Journal
	engineOpts []recovery.Option
	poller     *background.Poller
}

// WithPolicy sets the policy used by Create and CreateBackground.
func WithPolicy(p recovery.Policy) Option {
	return func(o *clientOptions) { o.policy = p }
}

// WithJournal records every execution and background handle in j.
func WithJournal(j Journal) Option {
	return func(o *clientOptions) { o.journal = j }
}

// WithEngineOptions passes options through to the recovery engine.
func WithEngineOptions(opts ...recovery.Option) Option {
	return func(o *clientOptions) { o.engineOpts = append(o.engineOpts, opts...) }
}

// WithPoller replaces the default background poller.
func WithPoller(p *background.Poller) Option {
	return func(o *clientOptions) { o.poller = p }
}

func New(t Transport, opts ...Option) *Client {
	o := clientOptions{policy: recovery.DefaultPolicy()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.poller == nil {
		o.poller = background.NewPoller(t)
	}
	return &Client{
		transport: t,
		engine:    recovery.NewEngine(t, o.engineOpts...),
		poller:    o.poller,
		journal:   o.journal,
		policy:    o.policy,
		logger:    slog.Default(),
	}
}

// Policy returns the policy in effect.
func (c *Client) Policy() recovery.Policy { return c.policy }

// WithPolicy returns a copy of c that executes under p.
func (c *Client) WithPolicy(p recovery.Policy) *Client {
	cp := *c
	cp.policy = p
	return &cp
}

// Create sends req with recovery. On failure the error is a
// *recovery.Error carrying the classification and retry info.
func (c *Client) Create(ctx context.Context, req schema.Request) (recovery.Result, error) {
	req.Stream = false
	res, err := c.engine.Execute(ctx, req, c.policy)
	c.journalExecution(req, "sync", res, err)
	return res, err
}

// CreateNoRecovery sends req exactly once. Errors are returned as the
// transport produced them.
func (c *Client) CreateNoRecovery(ctx context.Context, req schema.Request) (*schema.Response, error) {
	req.Stream = false
	start := time.Now()
	resp, err := c.engine.ExecuteNoRecovery(ctx, req)
	info := recovery.Info{Successful: err == nil, Elapsed: time.Since(start)}
	if err != nil {
		info.OriginalError = err.Error()
		c.journalExecution(req, "sync", recovery.Result{},
			&recovery.Error{Classification: failure.Classify(err), Info: info, Err: err})
		return nil, err
	}
	c.journalExecution(req, "sync", recovery.Result{Response: resp, Info: info}, nil)
	return resp, nil
}

// Stream is an open event stream. Close releases the connection and
// journals how the stream ended.
type Stream struct {
	*stream.Decoder
	body   io.ReadCloser
	once   sync.Once
	finish func(*stream.Decoder)
}

func (s *Stream) Close() error {
	err := s.body.Close()
	s.once.Do(func() {
		if s.finish != nil {
			s.finish(s.Decoder)
		}
	})
	return err
}

// Stream opens req as an event stream. Opening is not retried; a failure
// to open is returned as the transport produced it so callers can
// classify it. The execution is journaled when the stream is closed.
func (c *Client) Stream(ctx context.Context, req schema.Request, opts ...stream.Option) (*Stream, error) {
	start := time.Now()
	body, err := c.transport.OpenStream(ctx, req)
	if err != nil {
		info := recovery.Info{OriginalError: err.Error(), Elapsed: time.Since(start)}
		c.journalExecution(req, "stream", recovery.Result{},
			&recovery.Error{Classification: failure.Classify(err), Info: info, Err: err})
		return nil, err
	}
	s := &Stream{Decoder: stream.NewDecoder(body, opts...), body: body}
	s.finish = func(d *stream.Decoder) {
		res := recovery.Result{Info: recovery.Info{Elapsed: time.Since(start)}}
		err := d.Err()
		res.Info.Successful = err == nil
		c.journalExecution(req, "stream", res, err)
	}
	return s, nil
}

// CreateBackground submits req for deferred execution under the client
// policy and returns a handle for it. A service that finishes the
// response immediately yields an already completed handle.
func (c *Client) CreateBackground(ctx context.Context, req schema.Request) (*background.Handle, recovery.Info, error) {
	req.Stream = false
	req.Background = true
	res, err := c.engine.Execute(ctx, req, c.policy)
	c.journalExecution(req, "background", res, err)
	if err != nil {
		return nil, recovery.Info{}, err
	}

	h, err := handleFromResponse(res.Response)
	if err != nil {
		return nil, res.Info, err
	}
	if c.journal != nil {
		if err := c.journal.TrackBackground(watch.JobFromHandle(h)); err != nil {
			c.logger.Warn("failed to track background response", "id", h.ID, "error", err)
		}
	}
	return h, res.Info, nil
}

func handleFromResponse(resp *schema.Response) (*background.Handle, error) {
	if resp == nil || resp.ID == "" {
		return nil, errors.New("background response carries no id")
	}
	h := background.NewHandle(resp.ID, resp.StatusURL)
	status := resp.Status
	if status == "" {
		status = "queued"
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encoding background response: %w", err)
	}
	r := background.Report{ID: resp.ID, Status: status, Body: body}
	if resp.Error != nil {
		r.Error = resp.Error.Message
	}
	if err := h.Apply(r); err != nil {
		return nil, err
	}
	return h, nil
}

// Poll refreshes h once.
func (c *Client) Poll(ctx context.Context, h *background.Handle) error {
	if err := c.poller.Poll(ctx, h); err != nil {
		return err
	}
	c.journalHandle(h)
	return nil
}

// Wait polls h until it reaches a terminal state or ctx ends.
func (c *Client) Wait(ctx context.Context, h *background.Handle) error {
	err := c.poller.Wait(ctx, h)
	if h.IsDone() {
		c.journalHandle(h)
	}
	return err
}

func (c *Client) Retrieve(ctx context.Context, id string) (*schema.Response, error) {
	return c.transport.Retrieve(ctx, id)
}

func (c *Client) Cancel(ctx context.Context, id string) (*schema.Response, error) {
	return c.transport.Cancel(ctx, id)
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.transport.Delete(ctx, id)
}

// PruneExpiredContext drops the previous response reference and resets
// every explicitly bound container. It does not wait for a failure.
func (c *Client) PruneExpiredContext(req schema.Request) schema.Request {
	return recovery.Prune(req, "")
}

func (c *Client) journalHandle(h *background.Handle) {
	if c.journal == nil {
		return
	}
	if err := c.journal.UpdateBackground(watch.JobFromHandle(h), time.Time{}); err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn("failed to update background response", "id", h.ID, "error", err)
	}
}

func (c *Client) journalExecution(req schema.Request, mode string, res recovery.Result, err error) {
	if c.journal == nil {
		return
	}
	e := storage.Execution{
		ID:                 uuid.New().String(),
		CreatedAt:          time.Now().UTC(),
		Model:              req.Model,
		PreviousResponseID: req.PreviousResponseID,
		Mode:               mode,
	}
	info := res.Info
	if err != nil {
		var rerr *recovery.Error
		if errors.As(err, &rerr) {
			info = rerr.Info
			e.Classification = rerr.Classification.String()
		} else {
			info.OriginalError = err.Error()
			e.Classification = failure.Classify(err).String()
		}
	} else if info.RetryCount > 0 {
		e.Classification = info.FirstFailure.String()
	}
	if res.Response != nil {
		e.ResponseID = res.Response.ID
	}
	e.RetryCount = info.RetryCount
	e.Successful = err == nil
	e.OriginalError = info.OriginalError
	e.ResetMessage = info.ResetMessage
	e.Duration = info.Elapsed

	if jerr := c.journal.SaveExecution(e); jerr != nil {
		c.logger.Warn("failed to journal execution", "error", jerr)
	}
}
