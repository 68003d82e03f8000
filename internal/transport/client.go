// Package transport talks HTTP to the responses service. It performs
// exactly one request per call; recovery lives above it.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/respond/internal/failure"
	"github.com/kalambet/respond/internal/schema"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultTimeout   = 120 * time.Second
	streamingTimeout = 600 * time.Second
	maxErrorBodySize = 1 << 20 // 1MB
)

// Client communicates with the responses API.
type Client struct {
	apiKey       string
	baseURL      string
	organization string
	httpClient   *http.Client
	userAgent    string
}

// NewClient creates a client for the public API with the given key.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
		userAgent:  "respond/1",
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL.
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	c := NewClient(apiKey)
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	return c
}

// SetOrganization sends the OpenAI-Organization header on every request.
func (c *Client) SetOrganization(org string) { c.organization = org }

func (c *Client) BaseURL() string { return c.baseURL }

// Send posts req to /responses and decodes the reply. Streaming is always
// disabled on this path. Replies for background requests get a StatusURL
// when the service did not provide one.
func (c *Client) Send(ctx context.Context, req schema.Request) (*schema.Response, error) {
	req.Stream = false
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/responses", body, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := decodeResponse(resp.Body)
	if err != nil {
		return nil, err
	}
	if out.StatusURL == "" && (resp.StatusCode == http.StatusAccepted || req.Background) && out.ID != "" {
		out.StatusURL = c.responseURL(out.ID)
	}
	return out, nil
}

// OpenStream posts req with streaming enabled and returns the event body.
// The caller must close it.
func (c *Client) OpenStream(ctx context.Context, req schema.Request) (io.ReadCloser, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, streamingTimeout)
	resp, err := c.do(reqCtx, http.MethodPost, c.baseURL+"/responses", body, "text/event-stream")
	if err != nil {
		cancel()
		return nil, err
	}

	// Wrap the body so the timeout context cancel is called when the caller closes it.
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// Retrieve fetches a stored response by id.
func (c *Client) Retrieve(ctx context.Context, id string) (*schema.Response, error) {
	var out schema.Response
	if err := c.GetJSON(ctx, c.responseURL(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel stops a background response.
func (c *Client) Cancel(ctx context.Context, id string) (*schema.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPost, c.responseURL(id)+"/cancel", nil, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeResponse(resp.Body)
}

// Delete removes a stored response.
func (c *Client) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodDelete, c.responseURL(id), nil, "application/json")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// GetJSON fetches rawURL and decodes its body into v. A path starting with
// "/" is resolved against the base URL.
func (c *Client) GetJSON(ctx context.Context, rawURL string, v any) error {
	if strings.HasPrefix(rawURL, "/") {
		rawURL = c.baseURL + rawURL
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, rawURL, nil, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", failure.ErrMalformedBody, rawURL, err)
	}
	return nil
}

func (c *Client) responseURL(id string) string {
	return c.baseURL + "/responses/" + url.PathEscape(id)
}

// do executes one request. Non-2xx replies are returned as
// *failure.RawFailure with the body read and closed.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, accept string) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, rawURL, r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq, accept)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		resp.Body.Close()
		return nil, &failure.RawFailure{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       string(respBody),
			ReceivedAt: time.Now(),
		}
	}
	return resp, nil
}

func decodeResponse(r io.Reader) (*schema.Response, error) {
	var out schema.Response
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", failure.ErrMalformedBody, err)
	}
	return &out, nil
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (c *Client) setHeaders(req *http.Request, accept string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Client-Request-Id", uuid.NewString())
	if c.organization != "" {
		req.Header.Set("OpenAI-Organization", c.organization)
	}
}
