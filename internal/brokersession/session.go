// Package brokersession implements the broker side of the duplex
// session (C3): accept, AUTH validation, registration, demultiplexing
// of inbound frames to the matching in-flight sink, and
// transport-loss cleanup ordering.
package brokersession

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/viljo/RemoteLLMconnector/internal/frame"
	"github.com/viljo/RemoteLLMconnector/internal/inflight"
	"github.com/viljo/RemoteLLMconnector/internal/logx"
)

// TokenValidator looks up the upstream credential bound to a presented
// connector token. ok is false for an unrecognized token.
type TokenValidator func(token string) (credential string, ok bool)

// Config parameterizes session acceptance.
type Config struct {
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	OutboxSize        int
	ValidateToken     TokenValidator
	Limits            frame.Limits
}

func (c Config) limits() frame.Limits {
	if c.Limits.MaxChunkBytes == 0 && c.Limits.MaxRequestBytes == 0 {
		return frame.DefaultLimits
	}
	return c.Limits
}

// Session is one broker-side duplex session with a live connector.
type Session struct {
	ID         string
	Token      string
	Credential string
	Models     []string

	conn   *websocket.Conn
	outbox chan []byte
	sinks  *inflight.Registry[*inflight.Sink]
	lastRX atomic.Int64 // unix nano of last inbound frame of any kind
	cfg    Config
}

// Accept reads the first frame (which must be AUTH within
// cfg.AuthTimeout), validates it, and on success replies AUTH_OK and
// returns a ready Session. On failure it replies AUTH_FAIL (when
// possible) and returns an error; the caller must close the transport.
func Accept(ctx context.Context, conn *websocket.Conn, cfg Config) (*Session, error) {
	authTimeout := cfg.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = 10 * time.Second
	}
	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	_, data, err := conn.Read(authCtx)
	if err != nil {
		return nil, fmt.Errorf("await AUTH: %w", err)
	}
	f, derr := frame.Decode(data)
	if derr != nil {
		return nil, derr
	}
	if f.Type != frame.TypeAuth {
		_ = writeFrame(ctx, conn, frame.TypeAuthFail, f.ID, frame.AuthFailPayload{Error: "expected AUTH as first frame"})
		return nil, errors.New("first frame was not AUTH")
	}
	var auth frame.AuthPayload
	if err := f.Unmarshal(&auth); err != nil {
		return nil, err
	}
	credential, ok := cfg.ValidateToken(auth.Token)
	if !ok {
		_ = writeFrame(ctx, conn, frame.TypeAuthFail, f.ID, frame.AuthFailPayload{Error: "invalid_token"})
		return nil, errors.New("invalid_token")
	}

	sessionID := uuid.NewString()
	outboxSize := cfg.OutboxSize
	if outboxSize <= 0 {
		outboxSize = 64
	}
	s := &Session{
		ID:         sessionID,
		Token:      auth.Token,
		Credential: credential,
		Models:     auth.Models,
		conn:       conn,
		outbox:     make(chan []byte, outboxSize),
		sinks:      inflight.NewRegistry[*inflight.Sink](),
		cfg:        cfg,
	}
	s.lastRX.Store(time.Now().UnixNano())
	if err := writeFrame(ctx, conn, frame.TypeAuthOK, f.ID, frame.AuthOKPayload{SessionID: sessionID}); err != nil {
		return nil, err
	}
	logx.Log.Info().Str("session_id", sessionID).Strs("models", auth.Models).Msg("connector authenticated")
	return s, nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, t frame.Type, id string, payload interface{}) error {
	b, err := frame.Encode(t, id, payload)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// Sinks exposes the session's in-flight response-sink registry.
func (s *Session) Sinks() *inflight.Registry[*inflight.Sink] { return s.sinks }

// SendRequest writes a REQUEST frame for a newly allocated correlation
// id, registering sink so inbound RESPONSE/STREAM_CHUNK/STREAM_END/
// ERROR frames for this id are routed to it.
func (s *Session) SendRequest(id string, payload frame.RequestPayload, sink *inflight.Sink) error {
	if !s.sinks.Add(id, sink) {
		return fmt.Errorf("duplicate correlation id %s", id)
	}
	b, err := frame.Encode(frame.TypeRequest, id, payload)
	if err != nil {
		s.sinks.Remove(id)
		return err
	}
	select {
	case s.outbox <- b:
		return nil
	default:
		s.sinks.Remove(id)
		return errors.New("session outbox full")
	}
}

// SendCancel writes a CANCEL frame for id; the caller is responsible
// for removing and releasing the associated sink.
func (s *Session) SendCancel(id string) {
	b, err := frame.Encode(frame.TypeCancel, id, frame.CancelPayload{})
	if err != nil {
		return
	}
	select {
	case s.outbox <- b:
	default:
	}
}

// Serve runs the session's writer and reader loops until the transport
// closes or ctx ends, demultiplexing inbound frames to their sinks. It
// returns the terminal error, if any. The caller is responsible for
// calling OnLost-style cleanup (router deregistration before failing
// in-flights) after Serve returns.
func (s *Session) Serve(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(connCtx, cancel)
	}()

	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		s.watchdog(connCtx, cancel)
	}()

	err := s.readLoop(connCtx)
	cancel()
	<-writerDone
	<-watchdogDone
	return err
}

func (s *Session) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	idle := time.NewTimer(interval)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.outbox:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				cancel()
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(interval)
		case <-idle.C:
			b, _ := frame.Encode(frame.TypePing, frame.BootstrapID, frame.PingPayload{})
			if err := s.conn.Write(ctx, websocket.MessageText, b); err != nil {
				cancel()
				return
			}
			idle.Reset(interval)
		}
	}
}

// watchdog declares the session dead if no inbound frame (including a
// PONG reply to our own heartbeat PING) has arrived within
// HeartbeatInterval + HeartbeatTimeout. Without this, a half-open
// socket (e.g. the connector host dies without a clean TCP close)
// would leave the session registered and routing REQUESTs into a dead
// transport until the OS-level write eventually times out, minutes
// later rather than within the configured heartbeat window.
func (s *Session) watchdog(ctx context.Context, cancel context.CancelFunc) {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := s.cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := interval + timeout
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastRX.Load())
			if time.Since(last) > limit {
				logx.Log.Warn().Str("session_id", s.ID).Msg("no inbound activity within heartbeat window; declaring session dead")
				cancel()
				return
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		s.lastRX.Store(time.Now().UnixNano())

		f, derr := frame.Decode(data)
		if derr != nil {
			logx.Log.Error().Err(derr).Str("session_id", s.ID).Msg("decode error on authenticated session; tearing down")
			return derr
		}
		switch f.Type {
		case frame.TypePing:
			if b, err := frame.Encode(frame.TypePong, f.ID, frame.PongPayload{}); err == nil {
				select {
				case s.outbox <- b:
				default:
				}
			}
		case frame.TypePong:
			// lastRX already updated above.
		case frame.TypeResponse:
			sink, ok := s.sinks.Remove(f.ID)
			if !ok {
				logx.Log.Warn().Str("id", f.ID).Msg("RESPONSE for unknown correlation id; dropped")
				continue
			}
			resp, body, derr := frame.DecodeResponse(f, s.cfg.limits())
			if derr != nil {
				sink.TrySend(inflight.Event{Kind: inflight.EventError, ErrorCode: "internal_error", ErrorMessage: derr.Error()})
				continue
			}
			sink.TrySend(inflight.Event{Kind: inflight.EventResponse, Status: resp.Status, Headers: resp.Headers, Chunk: body})
		case frame.TypeStreamChunk:
			sink, ok := s.sinks.Get(f.ID)
			if !ok {
				logx.Log.Warn().Str("id", f.ID).Msg("STREAM_CHUNK for unknown correlation id; dropped")
				continue
			}
			_, chunk, derr := frame.DecodeStreamChunk(f, s.cfg.limits())
			if derr != nil {
				s.sinks.Remove(f.ID)
				sink.TrySend(inflight.Event{Kind: inflight.EventError, ErrorCode: "internal_error", ErrorMessage: derr.Error()})
				continue
			}
			if !sink.TrySend(inflight.Event{Kind: inflight.EventChunk, Chunk: chunk}) {
				// Buffer full: the external caller isn't draining fast
				// enough. Fail the request and tell the connector to
				// stop.
				s.sinks.Remove(f.ID)
				s.SendCancel(f.ID)
				sink.TrySend(inflight.Event{Kind: inflight.EventError, ErrorCode: "slow_consumer", ErrorMessage: "consumer too slow"})
			}
		case frame.TypeStreamEnd:
			sink, ok := s.sinks.Remove(f.ID)
			if !ok {
				logx.Log.Warn().Str("id", f.ID).Msg("STREAM_END for unknown correlation id; dropped")
				continue
			}
			sink.TrySend(inflight.Event{Kind: inflight.EventEnd})
		case frame.TypeError:
			sink, ok := s.sinks.Remove(f.ID)
			if !ok {
				logx.Log.Warn().Str("id", f.ID).Msg("ERROR for unknown correlation id; dropped")
				continue
			}
			var ep frame.ErrorPayload
			_ = f.Unmarshal(&ep)
			sink.TrySend(inflight.Event{Kind: inflight.EventError, Status: ep.Status, ErrorCode: ep.Code, ErrorMessage: ep.Error})
		default:
			logx.Log.Warn().Str("type", string(f.Type)).Msg("unexpected frame type on broker session")
		}
	}
}

// FailAllInFlight drains every in-flight sink with session_lost. Call
// this only after the session has already been removed from the
// router, so no new REQUEST can be written to this dead socket.
func (s *Session) FailAllInFlight() {
	s.sinks.RemoveAll(func(id string, sink *inflight.Sink) {
		sink.TrySend(inflight.Event{Kind: inflight.EventError, Status: 503, ErrorCode: "session_lost", ErrorMessage: "connector session lost"})
	})
}
