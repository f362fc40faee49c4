package frame

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EncodeBody base64-encodes a raw body for transport in a BodyB64/ChunkB64
// field.
func EncodeBody(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBody decodes a base64 body field back to raw bytes.
func DecodeBody(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Code: "malformed_frame", Err: fmt.Errorf("invalid base64 body: %w", err)}
	}
	return b, nil
}

// Unmarshal decodes a Frame's Payload into the given typed payload
// struct, wrapping any failure as a malformed_frame DecodeError.
func (f Frame) Unmarshal(v interface{}) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return &DecodeError{Code: "malformed_frame", Err: fmt.Errorf("payload for %s: %w", f.Type, err)}
	}
	return nil
}

// DecodeRequest parses and validates a REQUEST frame's body against the
// configured size limits, returning the decoded payload and raw body
// bytes.
func DecodeRequest(f Frame, lim Limits) (RequestPayload, []byte, error) {
	var p RequestPayload
	if err := f.Unmarshal(&p); err != nil {
		return p, nil, err
	}
	body, err := DecodeBody(p.BodyB64)
	if err != nil {
		return p, nil, err
	}
	if err := CheckBodySize(len(body), lim); err != nil {
		return p, nil, err
	}
	return p, body, nil
}

// DecodeStreamChunk parses and validates a STREAM_CHUNK frame.
func DecodeStreamChunk(f Frame, lim Limits) (StreamChunkPayload, []byte, error) {
	var p StreamChunkPayload
	if err := f.Unmarshal(&p); err != nil {
		return p, nil, err
	}
	chunk, err := DecodeBody(p.ChunkB64)
	if err != nil {
		return p, nil, err
	}
	if err := CheckChunkSize(len(chunk), lim); err != nil {
		return p, nil, err
	}
	return p, chunk, nil
}

// DecodeResponse parses and validates a RESPONSE frame.
func DecodeResponse(f Frame, lim Limits) (ResponsePayload, []byte, error) {
	var p ResponsePayload
	if err := f.Unmarshal(&p); err != nil {
		return p, nil, err
	}
	body, err := DecodeBody(p.BodyB64)
	if err != nil {
		return p, nil, err
	}
	if err := CheckBodySize(len(body), lim); err != nil {
		return p, nil, err
	}
	return p, body, nil
}
