// Package failure classifies failed calls to the responses service into a
// closed taxonomy that drives retry decisions.
package failure

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/respond/internal/schema"
)

// RawFailure is a non-2xx reply from the service.
type RawFailure struct {
	StatusCode int
	Header     http.Header
	Body       string
	// ReceivedAt is when the reply arrived. Retry-After dates are measured
	// from it.
	ReceivedAt time.Time
}

func (f *RawFailure) Error() string {
	if d, ok := schema.ParseAPIError([]byte(f.Body)); ok && d.Message != "" {
		return fmt.Sprintf("unexpected status %d: %s", f.StatusCode, d.Message)
	}
	body := strings.TrimSpace(f.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("unexpected status %d", f.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", f.StatusCode, body)
}

// Kind is the variant tag of a Classification.
type Kind int

const (
	Unclassified Kind = iota
	Transient
	RateLimited
	ResourceExpired
	Authentication
	Authorization
	ClientError
	ServerError
)

var kindNames = [...]string{
	Unclassified:    "unclassified",
	Transient:       "transient",
	RateLimited:     "rate_limited",
	ResourceExpired: "resource_expired",
	Authentication:  "authentication",
	Authorization:   "authorization",
	ClientError:     "client_error",
	ServerError:     "server_error",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Classification is the result of Classify. Which fields are meaningful
// depends on Kind:
//
//	Transient        RetryAfter (zero when the failure carried no hint)
//	RateLimited      RetryAfter
//	ResourceExpired  ResourceID (empty when the message named no resource)
//	ClientError      Field
//	ServerError      RequestID, Retryable
type Classification struct {
	Kind       Kind
	RetryAfter time.Duration
	ResourceID string
	Field      string
	RequestID  string
	Retryable  bool
	StatusCode int
	Message    string
}

// CanRetry reports whether the failure is worth retrying at all. Policy
// scope narrows this further.
func (c Classification) CanRetry() bool {
	switch c.Kind {
	case Transient, RateLimited, ResourceExpired:
		return true
	case ServerError:
		return c.Retryable
	}
	return false
}

func (c Classification) String() string {
	switch c.Kind {
	case ResourceExpired:
		if c.ResourceID != "" {
			return fmt.Sprintf("%s(%s)", c.Kind, c.ResourceID)
		}
	case Transient, RateLimited:
		if c.RetryAfter > 0 {
			return fmt.Sprintf("%s(retry after %s)", c.Kind, c.RetryAfter)
		}
	case ClientError:
		if c.Field != "" {
			return fmt.Sprintf("%s(%s)", c.Kind, c.Field)
		}
	case ServerError:
		if c.Retryable {
			return fmt.Sprintf("%s(retryable)", c.Kind)
		}
	}
	return c.Kind.String()
}
