package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/viljo/RemoteLLMconnector/internal/frame"
	"github.com/viljo/RemoteLLMconnector/internal/inflight"
	"github.com/viljo/RemoteLLMconnector/internal/logx"
	"github.com/viljo/RemoteLLMconnector/internal/metrics"
	"github.com/viljo/RemoteLLMconnector/internal/router"
)

var doneLine = []byte("data: [DONE]")

// ChatCompletionsHandler implements POST /v1/chat/completions: parse
// enough of the body to find model/stream, route through the hub,
// and stream the sink into the HTTP response — an SSE passthrough
// when the caller asked for streaming, a verbatim JSON body
// otherwise.
func ChatCompletionsHandler(h *Hub, deadline time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			writeError(w, http.StatusBadRequest, "internal_error", "expected application/json body")
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "internal_error", "failed to read request body")
			return
		}
		var meta struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.Unmarshal(body, &meta); err != nil || meta.Model == "" {
			writeError(w, http.StatusBadRequest, "internal_error", "request body must be JSON with a model field")
			return
		}

		logID := chiMiddleware.GetReqID(r.Context())
		log := logx.Log.With().Str("request_id", logID).Str("model", meta.Model).Bool("stream", meta.Stream).Logger()

		headers := sanitizeHeaders(r.Header)
		payload := frame.RequestPayload{
			Method:  http.MethodPost,
			Path:    "/v1/chat/completions",
			Headers: headers,
			BodyB64: frame.EncodeBody(body),
		}

		ctx := r.Context()
		if deadline > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, deadline)
			defer cancel()
		}

		start := time.Now()
		metrics.RequestStarted()
		defer metrics.RequestFinished()

		rr, res, rerr := h.RouteRequest(ctx, meta.Model, payload)
		if res == router.UnknownModel {
			metrics.RecordRequest(meta.Model, "model_not_found", meta.Stream, time.Since(start))
			writeError(w, http.StatusNotFound, "model_not_found", "model not found")
			return
		}
		if res != router.Found || rerr != nil {
			metrics.RecordRequest(meta.Model, "no_connector", meta.Stream, time.Since(start))
			writeError(w, http.StatusServiceUnavailable, "no_connector", "no connector currently serves this model")
			return
		}

		log.Info().Msg("dispatch")
		serveSink(ctx, w, rr, h, meta.Model, meta.Stream, log, start)
	}
}

func sanitizeHeaders(h http.Header) map[string]string {
	out := map[string]string{"Content-Type": "application/json"}
	if v := h.Get("Accept"); v != "" {
		out["Accept"] = v
	}
	if v := h.Get("Accept-Language"); v != "" {
		out["Accept-Language"] = v
	}
	if v := h.Get("User-Agent"); v != "" {
		out["User-Agent"] = v
	}
	// Authorization is deliberately omitted: the external caller's key
	// is never forwarded; the broker injects the upstream credential
	// separately (see Hub.RouteRequest).
	return out
}

// serveSink drains rr.Sink into the HTTP response. For streaming
// requests, chunks are written verbatim (the connector already
// formatted them as SSE events) and a final "data: [DONE]" line is
// appended on STREAM_END only if the upstream stream did not already
// emit one itself, preserving byte-exact passthrough (spec S2) while
// still guaranteeing OpenAI SSE compatibility for upstreams that don't
// emit their own terminator.
func serveSink(ctx context.Context, w http.ResponseWriter, rr RoutedRequest, h *Hub, model string, stream bool, log zerolog.Logger, start time.Time) {
	defer h.inflightGlobal.Dec()

	flusher, _ := w.(http.Flusher)
	headersSent := false
	sawDone := false

	finish := func(outcome string) {
		metrics.RecordRequest(model, outcome, stream, time.Since(start))
		log.Info().Str("outcome", outcome).Dur("duration", time.Since(start)).Msg("complete")
	}

	for {
		select {
		case <-ctx.Done():
			h.CancelRequest(rr)
			if !headersSent {
				if ctx.Err() == context.DeadlineExceeded {
					writeError(w, http.StatusGatewayTimeout, "timeout", "upstream request timed out")
					finish("timeout")
				} else {
					finish("caller_disconnected")
				}
			} else {
				finish("caller_disconnected")
			}
			return
		case ev, ok := <-rr.Sink.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case inflight.EventResponse:
				headersSent = true
				for k, v := range ev.Headers {
					if strings.EqualFold(k, "Transfer-Encoding") || strings.EqualFold(k, "Connection") {
						continue
					}
					w.Header().Set(k, v)
				}
				if w.Header().Get("Content-Type") == "" {
					w.Header().Set("Content-Type", "application/json")
				}
				status := ev.Status
				if status == 0 {
					status = http.StatusOK
				}
				w.WriteHeader(status)
				_, _ = w.Write(ev.Chunk)
				outcome := "ok"
				if status >= 400 {
					outcome = "llm_error"
				}
				finish(outcome)
				return
			case inflight.EventChunk:
				if !headersSent {
					headersSent = true
					w.Header().Set("Content-Type", "text/event-stream")
					w.Header().Set("Cache-Control", "no-store")
					w.WriteHeader(http.StatusOK)
				}
				if bytes.Contains(ev.Chunk, doneLine) {
					sawDone = true
				}
				_, _ = w.Write(ev.Chunk)
				if flusher != nil {
					flusher.Flush()
				}
			case inflight.EventEnd:
				if !headersSent {
					w.Header().Set("Content-Type", "text/event-stream")
					w.Header().Set("Cache-Control", "no-store")
					w.WriteHeader(http.StatusOK)
				}
				if !sawDone {
					_, _ = w.Write([]byte("data: [DONE]\n\n"))
					if flusher != nil {
						flusher.Flush()
					}
				}
				finish("ok")
				return
			case inflight.EventError:
				if !headersSent {
					status := ev.Status
					if status == 0 {
						status = http.StatusBadGateway
					}
					code := ev.ErrorCode
					if code == "" {
						code = "llm_error"
					}
					writeError(w, status, code, ev.ErrorMessage)
				}
				finish(ev.ErrorCode)
				return
			}
		}
	}
}
