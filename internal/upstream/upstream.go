// Package upstream implements the connector-side half of the request
// multiplexer (C4): on REQUEST, forward to the local OpenAI-compatible
// inference backend, injecting the upstream credential and streaming
// the response back as STREAM_CHUNK/STREAM_END or a single RESPONSE.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/viljo/RemoteLLMconnector/internal/connectorsession"
	"github.com/viljo/RemoteLLMconnector/internal/frame"
	"github.com/viljo/RemoteLLMconnector/internal/logx"
)

// Config parameterizes the local upstream call.
type Config struct {
	BaseURL string
	APIKey  string // fallback credential, used when a REQUEST carries no llm_api_key
	Timeout time.Duration
}

// Forwarder implements connectorsession.Handler by relaying REQUEST
// frames to the local upstream.
type Forwarder struct {
	cfg     Config
	timeout time.Duration
	client  *http.Client
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New returns a Forwarder configured against the local upstream. The
// per-request deadline is enforced with a context.WithTimeout in
// HandleRequest rather than http.Client.Timeout, so a genuine upstream
// timeout leaves reqCtx.Err() == context.DeadlineExceeded and is
// reported as 504 instead of a generic 502.
func New(cfg Config) *Forwarder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Forwarder{
		cfg:     cfg,
		timeout: timeout,
		client:  &http.Client{},
		cancels: make(map[string]context.CancelFunc),
	}
}

// HandleCancel implements connectorsession.Handler: aborts the
// in-flight upstream call for id, if any. The CANCEL frame itself is
// the terminator as far as the broker is concerned; no further frames
// are emitted for this id.
func (f *Forwarder) HandleCancel(id string) {
	f.mu.Lock()
	cancel, ok := f.cancels[id]
	if ok {
		delete(f.cancels, id)
	}
	f.mu.Unlock()
	if ok {
		cancel()
	}
}

// HandleRequest implements connectorsession.Handler.
func (f *Forwarder) HandleRequest(ctx context.Context, id string, req frame.RequestPayload, body []byte, em connectorsession.Emitter) {
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	f.mu.Lock()
	f.cancels[id] = cancel
	f.mu.Unlock()
	defer func() {
		cancel()
		f.mu.Lock()
		delete(f.cancels, id)
		f.mu.Unlock()
	}()

	log := logx.WithCorrelation(id)
	log.Info().Str("path", req.Path).Msg("proxying request to local upstream")

	url := strings.TrimRight(f.cfg.BaseURL, "/") + req.Path
	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, url, bytes.NewReader(body))
	if err != nil {
		_ = em.SendError(id, 502, "llm_error", "failed to build upstream request")
		return
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, "Authorization") {
			continue
		}
		httpReq.Header.Set(k, v)
	}
	// A credential injected by the broker arrives in this REQUEST
	// frame's llm_api_key field and takes precedence; the connector's
	// own configured APIKey is used only when the frame carries none.
	// Either one overwrites any inherited Authorization header.
	key := req.LLMAPIKey
	if key == "" {
		key = f.cfg.APIKey
	}
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if reqCtx.Err() != nil {
			// cancelled or timed out
			if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
				_ = em.SendError(id, 504, "timeout", "upstream request timed out")
			}
			return
		}
		_ = em.SendError(id, 502, "llm_error", err.Error())
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// failRead reports a failed upstream body read. A cancelled request
	// emits nothing further; an expired deadline is reported as 504.
	failRead := func(rerr error) {
		switch {
		case errors.Is(reqCtx.Err(), context.DeadlineExceeded):
			_ = em.SendError(id, 504, "timeout", "upstream request timed out")
		case reqCtx.Err() != nil:
		default:
			_ = em.SendError(id, 502, "llm_error", rerr.Error())
		}
	}

	if !isStreaming(resp.Header.Get("Content-Type")) {
		buf, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			failRead(rerr)
			return
		}
		_ = em.SendResponse(id, resp.StatusCode, flattenHeaders(resp.Header), buf)
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			_ = em.SendChunk(id, chunk)
		}
		if rerr != nil {
			if rerr == io.EOF {
				_ = em.SendEnd(id)
			} else {
				failRead(rerr)
			}
			return
		}
	}
}

func isStreaming(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson")
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
