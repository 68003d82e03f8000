package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func raw(status int, body string, header ...string) *RawFailure {
	h := http.Header{}
	for i := 0; i+1 < len(header); i += 2 {
		h.Set(header[i], header[i+1])
	}
	return &RawFailure{StatusCode: status, Header: h, Body: body}
}

func TestClassify_RuleTable(t *testing.T) {
	tests := []struct {
		name string
		in   *RawFailure
		want Classification
	}{
		{
			name: "expired container in 400",
			in:   raw(400, `{"error":{"message":"Container res_42 is expired.","type":"invalid_request_error"}}`),
			want: Classification{Kind: ResourceExpired, ResourceID: "res_42"},
		},
		{
			name: "expired session in 500",
			in:   raw(500, `{"error":{"message":"Session expired, start a new one"}}`),
			want: Classification{Kind: ResourceExpired},
		},
		{
			name: "structured code wins without phrase",
			in:   raw(404, `{"error":{"message":"not available: cntr_abc-9","code":"container_expired"}}`),
			want: Classification{Kind: ResourceExpired, ResourceID: "cntr_abc-9"},
		},
		{
			name: "expiration phrase in plain body",
			in:   raw(502, `upstream says: container expired (resp_77)`),
			want: Classification{Kind: ResourceExpired, ResourceID: "resp_77"},
		},
		{
			name: "rate limited with retry-after",
			in:   raw(429, `{"error":{"message":"slow down"}}`, "Retry-After", "7"),
			want: Classification{Kind: RateLimited, RetryAfter: 7 * time.Second},
		},
		{
			name: "rate limited fallback",
			in:   raw(429, ``),
			want: Classification{Kind: RateLimited, RetryAfter: 20 * time.Second},
		},
		{
			name: "bad gateway default",
			in:   raw(502, `<html>bad gateway</html>`),
			want: Classification{Kind: Transient, RetryAfter: 30 * time.Second},
		},
		{
			name: "unavailable default",
			in:   raw(503, ``),
			want: Classification{Kind: Transient, RetryAfter: 60 * time.Second},
		},
		{
			name: "gateway timeout overridden",
			in:   raw(504, ``, "Retry-After", "3"),
			want: Classification{Kind: Transient, RetryAfter: 3 * time.Second},
		},
		{
			name: "server error overloaded",
			in:   raw(500, `{"error":{"message":"The engine is currently overloaded"}}`, "X-Request-Id", "req_1"),
			want: Classification{Kind: ServerError, RequestID: "req_1", Retryable: true},
		},
		{
			name: "server error opaque",
			in:   raw(500, `{"error":{"message":"boom"}}`),
			want: Classification{Kind: ServerError},
		},
		{
			name: "authentication",
			in:   raw(401, `{"error":{"message":"Incorrect API key provided"}}`),
			want: Classification{Kind: Authentication},
		},
		{
			name: "authorization",
			in:   raw(403, ``),
			want: Classification{Kind: Authorization},
		},
		{
			name: "client error with param",
			in:   raw(400, `{"error":{"message":"bad","param":"input"}}`),
			want: Classification{Kind: ClientError, Field: "input"},
		},
		{
			name: "client error field from message",
			in:   raw(422, `{"error":{"message":"Invalid value for parameter 'temperature'."}}`),
			want: Classification{Kind: ClientError, Field: "temperature"},
		},
		{
			name: "not found is unclassified",
			in:   raw(404, `{"error":{"message":"No response found"}}`),
			want: Classification{Kind: Unclassified},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyRaw(tt.in)
			tt.want.StatusCode = tt.in.StatusCode
			tt.want.Message = tt.in.Error()
			if got != tt.want {
				t.Errorf("ClassifyRaw = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestClassify_ExpirationIgnoresStatus(t *testing.T) {
	body := `{"error":{"message":"Container is expired"}}`
	for _, status := range []int{400, 401, 403, 404, 409, 422, 429, 500, 502, 503, 504} {
		if got := ClassifyRaw(raw(status, body)).Kind; got != ResourceExpired {
			t.Errorf("status %d: kind = %s, want resource_expired", status, got)
		}
	}
}

func TestClassify_RetryAfterHTTPDate(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := received.Add(90 * time.Second).Format(http.TimeFormat)

	f := raw(503, ``, "Retry-After", at)
	f.ReceivedAt = received
	if c := ClassifyRaw(f); c.RetryAfter != 90*time.Second {
		t.Errorf("RetryAfter = %s, want 90s", c.RetryAfter)
	}

	f = raw(503, ``, "Retry-After", at, "Date", received.Add(30*time.Second).Format(http.TimeFormat))
	if c := ClassifyRaw(f); c.RetryAfter != 60*time.Second {
		t.Errorf("RetryAfter from Date header = %s, want 60s", c.RetryAfter)
	}

	f = raw(503, ``, "Retry-After", received.Add(-time.Minute).Format(http.TimeFormat))
	f.ReceivedAt = received
	if c := ClassifyRaw(f); c.RetryAfter != 0 {
		t.Errorf("past date RetryAfter = %s, want 0", c.RetryAfter)
	}

	f = raw(503, ``, "Retry-After", at)
	if c := ClassifyRaw(f); c.RetryAfter != 60*time.Second {
		t.Errorf("no reference time: RetryAfter = %s, want gateway default 60s", c.RetryAfter)
	}
}

func TestClassify_RetryAfterClamped(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
	}{
		{"seconds", "Retry-After", "99999999999999"},
		{"seconds beyond int64", "Retry-After", "99999999999999999999"},
		{"millis", "Retry-After-Ms", "1e300"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ClassifyRaw(raw(429, ``, tt.header, tt.value))
			if c.RetryAfter != maxRetryAfter {
				t.Errorf("RetryAfter = %s, want %s", c.RetryAfter, maxRetryAfter)
			}
		})
	}
}

func TestClassify_RetryAfterMillis(t *testing.T) {
	c := ClassifyRaw(raw(429, ``, "Retry-After-Ms", "1500"))
	if c.RetryAfter != 1500*time.Millisecond {
		t.Errorf("RetryAfter = %s, want 1.5s", c.RetryAfter)
	}
}

func TestClassify_NonHTTPErrors(t *testing.T) {
	wrapped := fmt.Errorf("sending: %w", raw(401, ``))
	if got := Classify(wrapped).Kind; got != Authentication {
		t.Errorf("wrapped raw failure: kind = %s", got)
	}
	if got := Classify(errors.New("dial tcp: connection refused")); got.Kind != Transient || got.RetryAfter != 0 {
		t.Errorf("network error = %+v, want transient without delay", got)
	}
	if got := Classify(context.Canceled).Kind; got != Unclassified {
		t.Errorf("canceled: kind = %s", got)
	}
	if got := Classify(fmt.Errorf("decoding: %w", context.DeadlineExceeded)).Kind; got != Unclassified {
		t.Errorf("deadline: kind = %s", got)
	}
	if got := Classify(fmt.Errorf("%w: eof", ErrMalformedBody)).Kind; got != Unclassified {
		t.Errorf("malformed body: kind = %s", got)
	}
}

func TestClassification_CanRetry(t *testing.T) {
	tests := []struct {
		c    Classification
		want bool
	}{
		{Classification{Kind: Transient}, true},
		{Classification{Kind: RateLimited}, true},
		{Classification{Kind: ResourceExpired}, true},
		{Classification{Kind: ServerError, Retryable: true}, true},
		{Classification{Kind: ServerError}, false},
		{Classification{Kind: ClientError}, false},
		{Classification{Kind: Authentication}, false},
		{Classification{Kind: Authorization}, false},
		{Classification{Kind: Unclassified}, false},
	}
	for _, tt := range tests {
		if got := tt.c.CanRetry(); got != tt.want {
			t.Errorf("%s.CanRetry() = %v, want %v", tt.c, got, tt.want)
		}
	}
}

func TestRawFailure_Error(t *testing.T) {
	f := raw(400, `{"error":{"message":"bad input"}}`)
	if got := f.Error(); got != "unexpected status 400: bad input" {
		t.Errorf("Error() = %q", got)
	}
	if got := raw(503, "").Error(); got != "unexpected status 503" {
		t.Errorf("Error() = %q", got)
	}
}
