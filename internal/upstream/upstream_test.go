package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/viljo/RemoteLLMconnector/internal/frame"
)

type fakeEmitter struct {
	mu        sync.Mutex
	chunks    [][]byte
	ended     bool
	response  *frame.ResponsePayload
	errCode   string
	errStatus int
}

func (f *fakeEmitter) SendChunk(id string, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk)
	return nil
}
func (f *fakeEmitter) SendEnd(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = true
	return nil
}
func (f *fakeEmitter) SendResponse(id string, status int, headers map[string]string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.response = &frame.ResponsePayload{Status: status, Headers: headers, BodyB64: frame.EncodeBody(body)}
	return nil
}
func (f *fakeEmitter) SendError(id string, status int, code, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errStatus = status
	f.errCode = code
	return nil
}

func TestHandleRequestInjectsUpstreamCredential(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}]}`))
	}))
	defer srv.Close()

	fwd := New(Config{BaseURL: srv.URL})
	em := &fakeEmitter{}
	req := frame.RequestPayload{
		Method:    "POST",
		Path:      "/v1/chat/completions",
		Headers:   map[string]string{"Authorization": "Bearer sk-user"},
		LLMAPIKey: "sk-upstream",
	}
	fwd.HandleRequest(context.Background(), "corr-1", req, []byte(`{}`), em)

	if gotAuth != "Bearer sk-upstream" {
		t.Fatalf("expected upstream to see injected credential, got %q", gotAuth)
	}
	if em.response == nil || em.response.Status != 200 {
		t.Fatalf("expected a 200 response, got %+v", em.response)
	}
	body, _ := frame.DecodeBody(em.response.BodyB64)
	if !strings.Contains(string(body), "hello") {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestHandleRequestStreamsSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(200)
		flusher, _ := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"delta\":\"he\"}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: {\"delta\":\"llo\"}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	fwd := New(Config{BaseURL: srv.URL})
	em := &fakeEmitter{}
	req := frame.RequestPayload{Method: "POST", Path: "/v1/chat/completions"}
	fwd.HandleRequest(context.Background(), "corr-2", req, []byte(`{}`), em)

	if !em.ended {
		t.Fatalf("expected stream end to be emitted")
	}
	if len(em.chunks) == 0 {
		t.Fatalf("expected at least one chunk")
	}
	var all []byte
	for _, c := range em.chunks {
		all = append(all, c...)
	}
	if !strings.Contains(string(all), "[DONE]") {
		t.Fatalf("expected DONE terminator forwarded, got %s", all)
	}
}

func TestHandleCancelUnknownIDIsNoOp(t *testing.T) {
	fwd := New(Config{BaseURL: "http://127.0.0.1:0"})
	fwd.HandleCancel("nonexistent") // no-op, must not panic
}

func TestHandleRequestReportsTimeoutOn504(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	fwd := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Millisecond})
	em := &fakeEmitter{}
	req := frame.RequestPayload{Method: "POST", Path: "/v1/chat/completions"}
	fwd.HandleRequest(context.Background(), "corr-3", req, []byte(`{}`), em)

	if em.errStatus != 504 || em.errCode != "timeout" {
		t.Fatalf("expected 504 timeout, got status=%d code=%q", em.errStatus, em.errCode)
	}
}
