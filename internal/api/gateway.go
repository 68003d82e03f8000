package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/respond/internal/failure"
	"github.com/kalambet/respond/internal/recovery"
	"github.com/kalambet/respond/internal/responses"
	"github.com/kalambet/respond/internal/schema"
	"github.com/kalambet/respond/internal/storage"
	"github.com/kalambet/respond/internal/stream"
	"github.com/kalambet/respond/internal/watch"
)

const maxRequestBodySize = 1 << 20 // 1MB

// BackgroundStore looks up tracked background handles.
type BackgroundStore interface {
	GetBackground(id string) (storage.BackgroundJob, error)
}

// GatewayDeps holds dependencies for the HTTP gateway.
type GatewayDeps struct {
	Client       *responses.Client
	Store        BackgroundStore
	DefaultModel string
	Gatherer     prometheus.Gatherer // optional; nil disables /metrics
	Token        string              // optional; non-empty requires bearer auth on /v1
}

// NewGateway returns an http.Handler that serves the responses API through
// the recovering client.
func NewGateway(deps GatewayDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/responses", handleCreate(deps))
		r.Get("/responses/{id}", handleRetrieve(deps))
		r.Get("/background/{id}", handleBackground(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleCreate(deps GatewayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req schema.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Input) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "input is required")
			return
		}
		if req.Model == "" {
			req.Model = deps.DefaultModel
		}

		switch {
		case req.Stream:
			s, err := deps.Client.Stream(r.Context(), req)
			if err != nil {
				upstreamError(w, err)
				return
			}
			defer s.Close()
			streamEvents(w, s.Decoder)

		case req.Background:
			h, info, err := deps.Client.CreateBackground(r.Context(), req)
			if err != nil {
				upstreamError(w, err)
				return
			}
			setRecoveryHeaders(w, info)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Location", "/v1/background/"+h.ID)
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(h)

		default:
			res, err := deps.Client.Create(r.Context(), req)
			if err != nil {
				upstreamError(w, err)
				return
			}
			setRecoveryHeaders(w, res.Info)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(res.Response)
		}
	}
}

func handleRetrieve(deps GatewayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := deps.Client.Retrieve(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			upstreamError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleBackground(deps GatewayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := deps.Store.GetBackground(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "background response %s is not tracked", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading background response: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(watch.HandleFromJob(job))
	}
}

func setRecoveryHeaders(w http.ResponseWriter, info recovery.Info) {
	w.Header().Set("X-Respond-Retry-Count", strconv.Itoa(info.RetryCount))
	if info.ResetMessage != "" {
		w.Header().Set("X-Respond-Reset-Message", info.ResetMessage)
	}
}

// streamEvents re-emits decoded events as server-sent events, ending with
// a [DONE] frame.
func streamEvents(w http.ResponseWriter, d *stream.Decoder) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for ev, err := range d.All() {
		if err != nil {
			slog.Warn("upstream stream ended early", "error", err)
			errPayload, marshalErr := json.Marshal(map[string]any{
				"error": map[string]any{
					"message": err.Error(),
					"type":    "server_error",
				},
			})
			if marshalErr == nil {
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", errPayload)
				flusher.Flush()
			}
			return
		}
		if ev.Kind == stream.Heartbeat && len(ev.Raw) == 0 {
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
			continue
		}
		if ev.IsDone() && string(ev.Raw) == "[DONE]" {
			break
		}
		if ev.Type != "" {
			fmt.Fprintf(w, "event: %s\n", ev.Type)
		}
		for _, line := range strings.Split(string(ev.Raw), "\n") {
			fmt.Fprintf(w, "data: %s\n", line)
		}
		fmt.Fprint(w, "\n")
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// upstreamError maps a failed call to the status and error type the
// service would have used.
func upstreamError(w http.ResponseWriter, err error) {
	c := failure.Classify(err)
	var rerr *recovery.Error
	if errors.As(err, &rerr) {
		c = rerr.Classification
		w.Header().Set("X-Respond-Retry-Count", strconv.Itoa(rerr.Info.RetryCount))
	}

	code, errType := http.StatusBadGateway, "api_error"
	var raw *failure.RawFailure
	if errors.As(err, &raw) {
		code = raw.StatusCode
	}
	switch c.Kind {
	case failure.RateLimited:
		code, errType = http.StatusTooManyRequests, "rate_limit_error"
		if c.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(c.RetryAfter.Seconds())))
		}
	case failure.Authentication:
		code, errType = http.StatusUnauthorized, "authentication_error"
	case failure.Authorization:
		code, errType = http.StatusForbidden, "permission_error"
	case failure.ClientError, failure.ResourceExpired:
		errType = "invalid_request_error"
		if raw == nil {
			code = http.StatusBadRequest
		}
	case failure.ServerError:
		errType = "server_error"
	case failure.Unclassified:
		if raw == nil {
			code = http.StatusInternalServerError
		}
	}
	if errors.Is(err, recovery.ErrMaxRetriesExceeded) {
		errType = "max_retries_exceeded"
	}
	httpError(w, code, errType, "%s", err.Error())
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
