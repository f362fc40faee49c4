// Package frame implements the tagged-JSON envelope carried over the
// duplex transport between a connector and the broker. A Frame is the
// only unit ever written to or read from the socket; every other
// component deals in typed payloads, never raw JSON.
package frame

import (
	"encoding/json"
	"fmt"
)

// Type is the tag distinguishing the shape of a Frame's Payload.
type Type string

const (
	TypeAuth     Type = "AUTH"
	TypeAuthOK   Type = "AUTH_OK"
	TypeAuthFail Type = "AUTH_FAIL"

	TypeRequest     Type = "REQUEST"
	TypeResponse    Type = "RESPONSE"
	TypeStreamChunk Type = "STREAM_CHUNK"
	TypeStreamEnd   Type = "STREAM_END"
	TypeError       Type = "ERROR"
	TypeCancel      Type = "CANCEL"

	TypePing Type = "PING"
	TypePong Type = "PONG"

	// Carried for wire compatibility with the operator web portal's
	// connector-approval workflow, which this relay core does not
	// implement; see DESIGN.md.
	TypePending  Type = "PENDING"
	TypeApproved Type = "APPROVED"
	TypeRevoked  Type = "REVOKED"
)

func validType(t Type) bool {
	switch t {
	case TypeAuth, TypeAuthOK, TypeAuthFail,
		TypeRequest, TypeResponse, TypeStreamChunk, TypeStreamEnd, TypeError, TypeCancel,
		TypePing, TypePong,
		TypePending, TypeApproved, TypeRevoked:
		return true
	}
	return false
}

// Frame is the transport unit: a type tag, a correlation id stable for
// the lifetime of one request (or a bootstrap id for AUTH/PING), and a
// type-specific payload.
type Frame struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BootstrapID is the distinguished correlation id used by AUTH/AUTH_OK/
// AUTH_FAIL frames, which precede any per-request correlation id.
const BootstrapID = "auth"

// DecodeError reports a frame that failed to decode; callers translate
// this into a fatal-to-session outcome per the codec's failure semantics.
type DecodeError struct {
	Code string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame decode error (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("frame decode error (%s)", e.Code)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Limits bounds how large a decoded frame's binary payload may be.
// Defaults match spec: 256 KiB per chunk, 8 MiB per request body.
type Limits struct {
	MaxChunkBytes   int
	MaxRequestBytes int
}

// DefaultLimits are the limits applied when none are supplied.
var DefaultLimits = Limits{
	MaxChunkBytes:   256 * 1024,
	MaxRequestBytes: 8 * 1024 * 1024,
}

// Encode marshals a frame to its wire representation: one JSON object
// per transport message.
func Encode(t Type, id string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	f := Frame{Type: t, ID: id, Payload: raw}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return b, nil
}

// Decode parses a raw transport message into a Frame, validating that
// the type tag is known. It does not validate the payload shape; call
// one of the typed helpers (DecodeRequest, DecodeResponse,
// DecodeStreamChunk) or Frame.Unmarshal for that, since the schema is
// per-type.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, &DecodeError{Code: "malformed_frame", Err: err}
	}
	if !validType(f.Type) {
		return Frame{}, &DecodeError{Code: "unknown_type", Err: fmt.Errorf("unknown frame type %q", f.Type)}
	}
	return f, nil
}

// CheckBodySize validates a decoded REQUEST or RESPONSE body length
// against the configured per-request limit, returning a *DecodeError tagged
// frame_too_large on violation. Pass the decoded byte length, not the
// base64 string length.
func CheckBodySize(decodedLen int, lim Limits) error {
	if lim.MaxRequestBytes > 0 && decodedLen > lim.MaxRequestBytes {
		return &DecodeError{Code: "frame_too_large", Err: fmt.Errorf("request body %d bytes exceeds limit %d", decodedLen, lim.MaxRequestBytes)}
	}
	return nil
}

// CheckChunkSize validates a single STREAM_CHUNK's decoded length
// against the configured per-chunk limit.
func CheckChunkSize(decodedLen int, lim Limits) error {
	if lim.MaxChunkBytes > 0 && decodedLen > lim.MaxChunkBytes {
		return &DecodeError{Code: "frame_too_large", Err: fmt.Errorf("chunk %d bytes exceeds limit %d", decodedLen, lim.MaxChunkBytes)}
	}
	return nil
}
