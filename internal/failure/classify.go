package failure

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/respond/internal/schema"
)

// ErrMalformedBody marks a 2xx reply whose body could not be decoded.
var ErrMalformedBody = errors.New("malformed response body")

const defaultRateLimitDelay = 20 * time.Second

// Default waits for gateway failures that carry no Retry-After header.
var gatewayDelays = map[int]time.Duration{
	http.StatusBadGateway:         30 * time.Second,
	http.StatusServiceUnavailable: 60 * time.Second,
	http.StatusGatewayTimeout:     45 * time.Second,
}

// Substring matching is a lossy heuristic: upstream wording changes break
// it silently. The structured code/type check runs first for that reason.
var (
	expirationCodes = []string{
		"container_expired",
		"session_expired",
		"resource_expired",
	}
	expirationPhrases = []string{
		"container is expired",
		"container expired",
		"container has expired",
		"session expired",
		"session is expired",
		"session has expired",
		"resource expired",
		"resource is expired",
	}
	transientServerPhrases = []string{
		"overloaded",
		"temporarily",
		"temporary",
		"try again",
		"timed out",
		"timeout",
	}

	// Catches phrasings that name the resource in between, like
	// "Container cntr_1 is expired".
	expirationPattern = regexp.MustCompile(`\b(?:container|session|resource)\s+\S+\s+(?:is|has)\s+(?:been\s+)?expired`)
	resourceIDPattern = regexp.MustCompile(`\b((?:cntr|ctr|res|resp|sess)_[A-Za-z0-9_-]+)`)
	fieldPattern      = regexp.MustCompile(`(?i)(?:parameter|field)\s+['"]([^'"]+)['"]`)
)

// input is the normalized view of a RawFailure the rules match against.
type input struct {
	raw    *RawFailure
	detail schema.APIErrorDetail
	// text is the lowercased error message, or the whole body when the
	// body is not an error envelope.
	text string
}

type rule struct {
	name  string
	match func(in input) bool
	build func(in input) Classification
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{
		name: "expiration",
		match: func(in input) bool {
			for _, c := range expirationCodes {
				if strings.EqualFold(in.detail.Code, c) || strings.EqualFold(in.detail.Type, c) {
					return true
				}
			}
			return containsAny(in.text, expirationPhrases) || expirationPattern.MatchString(in.text)
		},
		build: func(in input) Classification {
			msg := in.detail.Message
			if msg == "" {
				msg = in.raw.Body
			}
			id := ""
			if m := resourceIDPattern.FindStringSubmatch(msg); m != nil {
				id = m[1]
			}
			return Classification{Kind: ResourceExpired, ResourceID: id}
		},
	},
	{
		name:  "rate_limit",
		match: statusIn(http.StatusTooManyRequests),
		build: func(in input) Classification {
			d, ok := retryAfter(in.raw)
			if !ok {
				d = defaultRateLimitDelay
			}
			return Classification{Kind: RateLimited, RetryAfter: d}
		},
	},
	{
		name:  "gateway",
		match: statusIn(http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout),
		build: func(in input) Classification {
			d, ok := retryAfter(in.raw)
			if !ok {
				d = gatewayDelays[in.raw.StatusCode]
			}
			return Classification{Kind: Transient, RetryAfter: d}
		},
	},
	{
		name:  "server",
		match: statusIn(http.StatusInternalServerError),
		build: func(in input) Classification {
			c := Classification{
				Kind:      ServerError,
				RequestID: requestID(in.raw.Header),
				Retryable: containsAny(in.text, transientServerPhrases),
			}
			if d, ok := retryAfter(in.raw); ok {
				c.RetryAfter = d
			}
			return c
		},
	},
	{
		name:  "authentication",
		match: statusIn(http.StatusUnauthorized),
		build: func(input) Classification { return Classification{Kind: Authentication} },
	},
	{
		name:  "authorization",
		match: statusIn(http.StatusForbidden),
		build: func(input) Classification { return Classification{Kind: Authorization} },
	},
	{
		name:  "client",
		match: statusIn(http.StatusBadRequest, http.StatusUnprocessableEntity),
		build: func(in input) Classification {
			field := in.detail.Param
			if field == "" {
				if m := fieldPattern.FindStringSubmatch(in.detail.Message); m != nil {
					field = m[1]
				}
			}
			return Classification{Kind: ClientError, Field: field}
		},
	},
}

// Classify maps any error returned by a transport into a Classification.
// A *RawFailure is matched against the rule table. Context cancellation
// and malformed bodies are Unclassified; every other error is treated as a
// network-level Transient failure.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: Unclassified}
	}
	var rf *RawFailure
	if errors.As(err, &rf) {
		return ClassifyRaw(rf)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrMalformedBody) {
		return Classification{Kind: Unclassified, Message: err.Error()}
	}
	return Classification{Kind: Transient, Message: err.Error()}
}

// ClassifyRaw applies the rule table to a single service reply.
func ClassifyRaw(f *RawFailure) Classification {
	in := input{raw: f}
	if d, ok := schema.ParseAPIError([]byte(f.Body)); ok {
		in.detail = d
		in.text = strings.ToLower(d.Message)
	} else {
		in.text = strings.ToLower(f.Body)
	}

	c := Classification{Kind: Unclassified}
	for _, r := range rules {
		if r.match(in) {
			c = r.build(in)
			break
		}
	}
	c.StatusCode = f.StatusCode
	c.Message = f.Error()
	return c
}

func statusIn(codes ...int) func(input) bool {
	return func(in input) bool {
		for _, c := range codes {
			if in.raw.StatusCode == c {
				return true
			}
		}
		return false
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// maxRetryAfter caps any delay the service asks for.
const maxRetryAfter = 24 * time.Hour

// retryAfter reads Retry-After (integer seconds or an HTTP date) and the
// millisecond variant some gateways send. An HTTP date is measured from
// ReceivedAt, or from the reply's Date header when ReceivedAt is unset; with
// neither the hint is ignored, so the result depends only on f.
func retryAfter(f *RawFailure) (time.Duration, bool) {
	h := f.Header
	if h == nil {
		return 0, false
	}
	if v := strings.TrimSpace(h.Get("Retry-After-Ms")); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms >= 0 {
			if ms >= float64(maxRetryAfter/time.Millisecond) {
				return maxRetryAfter, true
			}
			return time.Duration(ms * float64(time.Millisecond)), true
		}
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil || errors.Is(err, strconv.ErrRange) {
		if secs < 0 {
			return 0, false
		}
		if secs >= int64(maxRetryAfter/time.Second) {
			return maxRetryAfter, true
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		ref := f.ReceivedAt
		if ref.IsZero() {
			date, err := http.ParseTime(h.Get("Date"))
			if err != nil {
				return 0, false
			}
			ref = date
		}
		return min(max(t.Sub(ref), 0), maxRetryAfter), true
	}
	return 0, false
}

func requestID(h http.Header) string {
	if h == nil {
		return ""
	}
	if id := h.Get("X-Request-Id"); id != "" {
		return id
	}
	return h.Get("Request-Id")
}
