package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/viljo/RemoteLLMconnector/internal/frame"
)

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// fakeConnector dials the duplex endpoint, completes AUTH, and answers
// exactly one REQUEST the way a real connector would, using the
// scripted frames supplied by the caller.
func fakeConnector(t *testing.T, wsURL, token string, script func(req frame.RequestPayload, body []byte) []frame.Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Errorf("dial: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	authFrame, _ := frame.Encode(frame.TypeAuth, frame.BootstrapID, frame.AuthPayload{
		Token:  token,
		Models: []string{"m"},
	})
	if err := conn.Write(ctx, websocket.MessageText, authFrame); err != nil {
		t.Errorf("write AUTH: %v", err)
		return
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("read AUTH_OK: %v", err)
		return
	}
	f, err := frame.Decode(data)
	if err != nil || f.Type != frame.TypeAuthOK {
		t.Errorf("expected AUTH_OK, got %+v err=%v", f, err)
		return
	}

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Errorf("read REQUEST: %v", err)
		return
	}
	f, err = frame.Decode(data)
	if err != nil || f.Type != frame.TypeRequest {
		t.Errorf("expected REQUEST, got %+v err=%v", f, err)
		return
	}
	req, body, err := frame.DecodeRequest(f, frame.DefaultLimits)
	if err != nil {
		t.Errorf("decode request: %v", err)
		return
	}

	for _, out := range script(req, body) {
		b, _ := frame.Encode(out.Type, f.ID, out.Payload)
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			t.Errorf("write %s: %v", out.Type, err)
			return
		}
	}
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server, *httptest.Server) {
	t.Helper()
	h := NewHub(HubConfig{
		ConnectorTokens:   map[string]string{"tok": "upstream-cred"},
		AuthTimeout:       2 * time.Second,
		HeartbeatInterval: time.Minute,
		HeartbeatTimeout:  time.Minute,
		ChunkBuffer:       8,
		Limits:            frame.DefaultLimits,
	})
	duplex := httptest.NewServer(NewDuplexRouter(h, "/ws"))
	external := httptest.NewServer(NewExternalRouter(h, nil, 5*time.Second))
	t.Cleanup(func() {
		duplex.Close()
		external.Close()
	})
	return h, duplex, external
}

func waitForConnector(t *testing.T, h *Hub) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ConnectorCount() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("connector never registered")
}

func TestChatCompletionsStreaming(t *testing.T) {
	h, duplex, external := newTestHub(t)
	wsURL := "ws" + strings.TrimPrefix(duplex.URL, "http") + "/ws"

	go fakeConnector(t, wsURL, "tok", func(req frame.RequestPayload, body []byte) []frame.Frame {
		if req.LLMAPIKey != "upstream-cred" {
			t.Errorf("expected injected upstream credential, got %q", req.LLMAPIKey)
		}
		return []frame.Frame{
			{Type: frame.TypeStreamChunk, Payload: mustJSON(t, frame.StreamChunkPayload{ChunkB64: frame.EncodeBody([]byte("data: hi\n\n"))})},
			{Type: frame.TypeStreamEnd, Payload: mustJSON(t, frame.StreamEndPayload{Done: true})},
		}
	})
	waitForConnector(t, h)

	resp, err := http.Post(external.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{"model":"m","stream":true}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type %s", ct)
	}
	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	got := string(buf[:n])
	if !strings.Contains(got, "data: hi") || !strings.Contains(got, "data: [DONE]") {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestChatCompletionsOpaqueResponse(t *testing.T) {
	h, duplex, external := newTestHub(t)
	wsURL := "ws" + strings.TrimPrefix(duplex.URL, "http") + "/ws"

	go fakeConnector(t, wsURL, "tok", func(req frame.RequestPayload, body []byte) []frame.Frame {
		return []frame.Frame{
			{Type: frame.TypeResponse, Payload: mustJSON(t, frame.ResponsePayload{
				Status:  200,
				Headers: map[string]string{"Content-Type": "application/json"},
				BodyB64: frame.EncodeBody([]byte(`{"ok":true}`)),
			})},
		}
	})
	waitForConnector(t, h)

	resp, err := http.Post(external.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{"model":"m"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	buf := make([]byte, 256)
	n, _ := resp.Body.Read(buf)
	if got := string(buf[:n]); got != `{"ok":true}` {
		t.Fatalf("body %q", got)
	}
}

func TestChatCompletionsDrainsInFlightCounter(t *testing.T) {
	h, duplex, external := newTestHub(t)
	wsURL := "ws" + strings.TrimPrefix(duplex.URL, "http") + "/ws"

	go fakeConnector(t, wsURL, "tok", func(req frame.RequestPayload, body []byte) []frame.Frame {
		return []frame.Frame{
			{Type: frame.TypeResponse, Payload: mustJSON(t, frame.ResponsePayload{
				Status:  200,
				BodyB64: frame.EncodeBody([]byte(`{"ok":true}`)),
			})},
		}
	})
	waitForConnector(t, h)

	resp, err := http.Post(external.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{"model":"m"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !h.WaitForDrain(ctx) {
		t.Fatalf("expected in-flight counter to reach zero once the request completed")
	}
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	_, _, external := newTestHub(t)
	resp, err := http.Post(external.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{"model":"nope"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
}
