package frame

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := RequestPayload{
		Method:    "POST",
		Path:      "/v1/chat/completions",
		Headers:   map[string]string{"Content-Type": "application/json"},
		BodyB64:   EncodeBody([]byte(`{"model":"llama3.2"}`)),
		LLMAPIKey: "sk-upstream",
	}
	raw, err := Encode(TypeRequest, "corr-1", payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != TypeRequest || f.ID != "corr-1" {
		t.Fatalf("unexpected frame: %+v", f)
	}
	got, body, err := DecodeRequest(f, DefaultLimits)
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if got.Method != "POST" || got.Path != "/v1/chat/completions" || got.LLMAPIKey != "sk-upstream" {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if string(body) != `{"model":"llama3.2"}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"BOGUS","id":"x"}`)); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed json")
	}
}

func TestCheckBodySizeRejectsOversized(t *testing.T) {
	lim := Limits{MaxRequestBytes: 10}
	if err := CheckBodySize(11, lim); err == nil {
		t.Fatalf("expected frame_too_large error")
	}
	de, ok := errAsDecodeError(CheckBodySize(11, lim))
	if !ok || de.Code != "frame_too_large" {
		t.Fatalf("expected frame_too_large code, got %+v", de)
	}
	if err := CheckBodySize(10, lim); err != nil {
		t.Fatalf("exactly-at-limit should succeed: %v", err)
	}
}

func TestCheckChunkSizeRejectsOversized(t *testing.T) {
	lim := Limits{MaxChunkBytes: 4}
	if err := CheckChunkSize(5, lim); err == nil {
		t.Fatalf("expected frame_too_large error")
	}
	if err := CheckChunkSize(4, lim); err != nil {
		t.Fatalf("exactly-at-limit should succeed: %v", err)
	}
}

func errAsDecodeError(err error) (*DecodeError, bool) {
	de, ok := err.(*DecodeError)
	return de, ok
}
