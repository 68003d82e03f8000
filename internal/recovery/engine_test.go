package recovery

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/respond/internal/failure"
	"github.com/kalambet/respond/internal/schema"
)

type reply struct {
	resp *schema.Response
	err  error
}

// scriptedTransport returns replies in order, repeating the last one.
type scriptedTransport struct {
	mu      sync.Mutex
	replies []reply
	sent    []schema.Request
}

func (s *scriptedTransport) Send(ctx context.Context, req schema.Request) (*schema.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i := len(s.sent) - 1
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	r := s.replies[i]
	return r.resp, r.err
}

func (s *scriptedTransport) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func ok(id string) reply {
	return reply{resp: &schema.Response{ID: id, Status: "completed"}}
}

func fail(status int, body string) reply {
	return reply{err: &failure.RawFailure{StatusCode: status, Header: http.Header{}, Body: body}}
}

func expired(id string) reply {
	return fail(400, `{"error":{"message":"Container `+id+` is expired.","type":"invalid_request_error"}}`)
}

// newTestEngine returns an engine that records delays instead of sleeping.
func newTestEngine(tr Transport, opts ...Option) (*Engine, *[]time.Duration) {
	e := NewEngine(tr, opts...)
	var delays []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return e, &delays
}

func TestExecute_RetriesUpToBound(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		tr := &scriptedTransport{replies: []reply{fail(503, "")}}
		e, _ := newTestEngine(tr)
		p := DefaultPolicy().WithScope(ScopeAll).WithMaxRetries(n)

		_, err := e.Execute(context.Background(), schema.Request{Model: "m"}, p)
		if !errors.Is(err, ErrMaxRetriesExceeded) {
			t.Fatalf("max=%d: err = %v, want ErrMaxRetriesExceeded", n, err)
		}
		if got := tr.calls(); got != n+1 {
			t.Errorf("max=%d: sends = %d, want %d", n, got, n+1)
		}
		var rerr *Error
		if !errors.As(err, &rerr) || rerr.Info.RetryCount != n || rerr.Info.Successful {
			t.Errorf("max=%d: info = %+v", n, rerr)
		}
	}
}

func TestExecute_AutoRetryDisabled(t *testing.T) {
	for _, r := range []reply{expired("res_1"), fail(503, ""), fail(429, ""), fail(500, "overloaded")} {
		tr := &scriptedTransport{replies: []reply{r, ok("resp_1")}}
		e, _ := newTestEngine(tr)
		p := AggressivePolicy().WithAutoRetry(false)

		_, err := e.Execute(context.Background(), schema.Request{}, p)
		if err == nil {
			t.Fatal("expected error")
		}
		if errors.Is(err, ErrMaxRetriesExceeded) {
			t.Errorf("auto retry off reported as exhausted: %v", err)
		}
		if got := tr.calls(); got != 1 {
			t.Errorf("sends = %d, want 1", got)
		}
	}
}

func TestExecute_ExpiredContainerRecovered(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{expired("cntr_42"), ok("resp_2")}}
	e, delays := newTestEngine(tr)
	p := Policy{MaxRetries: 1, AutoRetry: true, AutoPrune: true, Scope: ScopeContainerOnly}

	req := schema.Request{
		Model:              "gpt-4.1",
		PreviousResponseID: "resp_1",
		Tools:              []schema.Tool{schema.CodeInterpreter(schema.ExistingContainer("cntr_42"))},
	}
	res, err := e.Execute(context.Background(), req, p)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Response.ID != "resp_2" {
		t.Errorf("response id = %q", res.Response.ID)
	}
	if res.Info.RetryCount != 1 || !res.Info.Successful {
		t.Errorf("info = %+v, want retry_count 1 successful", res.Info)
	}
	if res.Info.OriginalError == "" {
		t.Error("original error not recorded")
	}

	if len(tr.sent) != 2 {
		t.Fatalf("sends = %d, want 2", len(tr.sent))
	}
	retry := tr.sent[1]
	if retry.PreviousResponseID != "" || retry.Tools[0].Container.BoundTo("cntr_42") {
		t.Errorf("retry still references expired state: %+v", retry)
	}
	if req.PreviousResponseID != "resp_1" || !req.Tools[0].Container.BoundTo("cntr_42") {
		t.Error("caller request was modified")
	}
	if len(*delays) != 1 || (*delays)[0] != 0 {
		t.Errorf("delays = %v, want one zero-length wait", *delays)
	}
}

func TestExecute_ExpiredContainerDropsPreviousResponse(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{expired("cntr_abc"), ok("resp_next")}}
	e, _ := newTestEngine(tr)

	req := schema.Request{
		Model:              "gpt-4.1",
		PreviousResponseID: "resp_prev",
		Tools:              []schema.Tool{schema.CodeInterpreter(schema.AutoContainer())},
	}
	res, err := e.Execute(context.Background(), req, DefaultPolicy())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Response.ID != "resp_next" || res.Info.RetryCount != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(tr.sent) != 2 {
		t.Fatalf("sends = %d, want 2", len(tr.sent))
	}
	if tr.sent[0].PreviousResponseID != "resp_prev" {
		t.Errorf("first send previous_response_id = %q", tr.sent[0].PreviousResponseID)
	}
	if tr.sent[1].PreviousResponseID != "" {
		t.Errorf("retry still sends previous_response_id %q", tr.sent[1].PreviousResponseID)
	}
}

func TestExecute_ClientErrorNotRetried(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{
		fail(400, `{"error":{"message":"Invalid value","param":"input"}}`),
		ok("resp_2"),
	}}
	e, _ := newTestEngine(tr)
	p := Policy{MaxRetries: 1, AutoRetry: true, Scope: ScopeContainerOnly}

	_, err := e.Execute(context.Background(), schema.Request{}, p)

	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if rerr.Classification.Kind != failure.ClientError || rerr.Classification.Field != "input" {
		t.Errorf("classification = %s", rerr.Classification)
	}
	if rerr.Info.RetryCount != 0 || rerr.Exhausted {
		t.Errorf("info = %+v exhausted = %v", rerr.Info, rerr.Exhausted)
	}
	var raw *failure.RawFailure
	if !errors.As(err, &raw) || raw.StatusCode != 400 {
		t.Errorf("error does not unwrap to the raw failure: %v", err)
	}
	if tr.calls() != 1 {
		t.Errorf("sends = %d, want 1", tr.calls())
	}
}

func TestExecute_TransientOnlyNeverPrunes(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{expired("res_1"), ok("resp_2")}}
	e, _ := newTestEngine(tr)
	p := DefaultPolicy().WithScope(ScopeTransientOnly)

	_, err := e.Execute(context.Background(), schema.Request{PreviousResponseID: "res_1"}, p)
	if err == nil {
		t.Fatal("expected expired resource to be terminal under transient_only")
	}
	if tr.calls() != 1 {
		t.Errorf("sends = %d, want 1", tr.calls())
	}
}

func TestExecute_AutoPruneDisabledResendsSameRequest(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{expired("res_1"), ok("resp_2")}}
	e, _ := newTestEngine(tr)
	p := DefaultPolicy().WithAutoPrune(false)

	if _, err := e.Execute(context.Background(), schema.Request{PreviousResponseID: "res_1"}, p); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if tr.sent[1].PreviousResponseID != "res_1" {
		t.Errorf("request pruned with auto_prune off: %+v", tr.sent[1])
	}
}

func TestExecute_DelayFromClassificationOrPolicy(t *testing.T) {
	rateLimited := reply{err: &failure.RawFailure{
		StatusCode: 429,
		Header:     http.Header{"Retry-After": []string{"2"}},
	}}
	networkErr := reply{err: errors.New("connection reset by peer")}
	tr := &scriptedTransport{replies: []reply{rateLimited, networkErr, ok("resp_1")}}
	e, delays := newTestEngine(tr)
	p := AggressivePolicy().WithRetryDelay(150 * time.Millisecond)

	res, err := e.Execute(context.Background(), schema.Request{}, p)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Info.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", res.Info.RetryCount)
	}
	want := []time.Duration{2 * time.Second, 150 * time.Millisecond}
	if len(*delays) != 2 || (*delays)[0] != want[0] || (*delays)[1] != want[1] {
		t.Errorf("delays = %v, want %v", *delays, want)
	}
	if res.Info.ResetMessage != p.ResetMessage {
		t.Errorf("ResetMessage = %q", res.Info.ResetMessage)
	}
}

func TestExecute_NotifiesBeforeEachRetry(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{fail(502, ""), expired("cntr_9"), ok("resp_1")}}
	var got []Reset
	n := NotifierFunc(func(_ context.Context, r Reset) { got = append(got, r) })
	e, _ := newTestEngine(tr, WithNotifier(n))
	p := AggressivePolicy().WithNotifyOnReset(true)

	req := schema.Request{Tools: []schema.Tool{schema.CodeInterpreter(schema.ExistingContainer("cntr_9"))}}
	if _, err := e.Execute(context.Background(), req, p); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("notifications = %d, want 2", len(got))
	}
	if got[0].RetryCount != 0 || got[0].Classification.Kind != failure.Transient || got[0].Pruned {
		t.Errorf("first notification = %+v", got[0])
	}
	if got[1].RetryCount != 1 || got[1].Classification.ResourceID != "cntr_9" || !got[1].Pruned {
		t.Errorf("second notification = %+v", got[1])
	}
	if got[1].Message != p.ResetMessage || got[1].Err == nil {
		t.Errorf("second notification = %+v", got[1])
	}
}

func TestExecute_NoNotificationWhenDisabled(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{expired("res_1"), ok("resp_1")}}
	called := false
	e, _ := newTestEngine(tr, WithNotifier(NotifierFunc(func(context.Context, Reset) { called = true })))

	if _, err := e.Execute(context.Background(), schema.Request{}, DefaultPolicy()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if called {
		t.Error("notifier called with notify_on_reset off")
	}
}

func TestExecute_CallerDeadline(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{{err: &failure.RawFailure{
		StatusCode: 503,
		Header:     http.Header{"Retry-After": []string{"60"}},
	}}}}
	e := NewEngine(tr)
	p := DefaultPolicy().WithScope(ScopeAll).WithMaxRetries(5)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Execute(ctx, schema.Request{}, p)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Execute ignored deadline, took %s", elapsed)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	var raw *failure.RawFailure
	if !errors.As(err, &raw) {
		t.Errorf("err does not keep the last failure: %v", err)
	}
	if tr.calls() != 1 {
		t.Errorf("sends = %d, want 1", tr.calls())
	}
}

func TestExecute_RecordsOutcome(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{expired("res_1"), ok("resp_1")}}
	rec := &countingRecorder{}
	e, _ := newTestEngine(tr, WithRecorder(rec))

	if _, err := e.Execute(context.Background(), schema.Request{}, DefaultPolicy()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rec.failures[failure.ResourceExpired] != 1 {
		t.Errorf("failures = %v", rec.failures)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != OutcomeRecovered {
		t.Errorf("outcomes = %v", rec.outcomes)
	}
}

func TestExecuteNoRecovery(t *testing.T) {
	tr := &scriptedTransport{replies: []reply{expired("res_1"), ok("resp_1")}}
	e, _ := newTestEngine(tr)

	_, err := e.ExecuteNoRecovery(context.Background(), schema.Request{})
	var raw *failure.RawFailure
	if !errors.As(err, &raw) {
		t.Fatalf("err = %v, want raw failure", err)
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		t.Error("ExecuteNoRecovery wrapped the failure")
	}
	if tr.calls() != 1 {
		t.Errorf("sends = %d, want 1", tr.calls())
	}
}

type countingRecorder struct {
	failures map[failure.Kind]int
	outcomes []string
}

func (r *countingRecorder) RecordFailure(c failure.Classification) {
	if r.failures == nil {
		r.failures = map[failure.Kind]int{}
	}
	r.failures[c.Kind]++
}

func (r *countingRecorder) RecordOutcome(outcome string, _ int) {
	r.outcomes = append(r.outcomes, outcome)
}
