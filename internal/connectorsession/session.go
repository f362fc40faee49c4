// Package connectorsession implements the connector side of the duplex
// session (C2): dial, AUTH handshake, heartbeat, reconnect with
// backoff, and dispatch of inbound REQUEST/CANCEL frames to a Handler.
package connectorsession

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/viljo/RemoteLLMconnector/internal/drain"
	"github.com/viljo/RemoteLLMconnector/internal/frame"
	"github.com/viljo/RemoteLLMconnector/internal/logx"
	"github.com/viljo/RemoteLLMconnector/internal/reconnect"
)

// State is the connector session's lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Config parameterizes one connector session.
type Config struct {
	BrokerURL        string
	ConnectorToken   string
	Models           []string
	ConnectorVersion string

	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DrainTimeout      time.Duration

	OutboxSize int
	Limits     frame.Limits
}

func (c Config) limits() frame.Limits {
	if c.Limits.MaxChunkBytes == 0 && c.Limits.MaxRequestBytes == 0 {
		return frame.DefaultLimits
	}
	return c.Limits
}

// Handler processes inbound REQUEST/CANCEL frames dispatched to the
// connector. Implemented by the internal/upstream package.
type Handler interface {
	HandleRequest(ctx context.Context, id string, req frame.RequestPayload, body []byte, em Emitter)
	HandleCancel(id string)
}

// Emitter lets a Handler send frames back to the broker for one
// correlation id. All Emitter methods are safe to call from any
// goroutine; the session serializes writes.
type Emitter interface {
	SendChunk(id string, chunk []byte) error
	SendEnd(id string) error
	SendResponse(id string, status int, headers map[string]string, body []byte) error
	SendError(id string, status int, code, message string) error
}

// Session is one connector-side duplex session.
type Session struct {
	cfg    Config
	conn   *websocket.Conn
	outbox chan []byte
	state  atomic.Int32
	lastRX atomic.Int64 // unix nano of last inbound frame of any kind
}

var errDraining = errors.New("connector draining")

// Run dials, authenticates, and serves the session until it ends
// (transport loss, AUTH failure, or ctx cancellation), reconnecting
// with exponential backoff in between attempts until ctx is done or
// drain.Start() has been called. Once draining, new REQUESTs are
// answered with a 503 shutdown ERROR and Run returns when the current
// session ends; it does not wait for in-flight requests, and
// Config.DrainTimeout is not read.
// Each call to a fresh connectAndServe is logically a fresh session;
// correlation ids are never reused across sessions.
func Run(ctx context.Context, cfg Config, handler Handler) error {
	policy := reconnect.DefaultPolicy()
	attempt := 0
	for {
		if drain.IsDraining() {
			return nil
		}
		connected, err := connectAndServe(ctx, cfg, handler)
		if err == nil && drain.IsDraining() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}
		delay := policy.Delay(attempt, nil)
		attempt++
		logx.Log.Warn().Dur("backoff", delay).Err(err).Msg("broker connection lost; retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func connectAndServe(ctx context.Context, cfg Config, handler Handler) (connected bool, err error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &Session{cfg: cfg}
	s.state.Store(int32(StateConnecting))

	conn, _, derr := websocket.Dial(connCtx, cfg.BrokerURL, nil)
	if derr != nil {
		s.state.Store(int32(StateDisconnected))
		return false, fmt.Errorf("dial broker: %w", derr)
	}
	s.conn = conn
	defer func() { _ = conn.Close(websocket.StatusInternalError, "closing") }()

	outboxSize := cfg.OutboxSize
	if outboxSize <= 0 {
		outboxSize = 64
	}
	s.outbox = make(chan []byte, outboxSize)

	s.state.Store(int32(StateAuthenticating))
	authPayload := frame.AuthPayload{
		Token:            cfg.ConnectorToken,
		ConnectorVersion: cfg.ConnectorVersion,
		Models:           cfg.Models,
	}
	authFrame, merr := frame.Encode(frame.TypeAuth, frame.BootstrapID, authPayload)
	if merr != nil {
		return false, merr
	}
	if werr := conn.Write(connCtx, websocket.MessageText, authFrame); werr != nil {
		return false, fmt.Errorf("write AUTH: %w", werr)
	}

	authTimeout := cfg.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = 10 * time.Second
	}
	authCtx, authCancel := context.WithTimeout(connCtx, authTimeout)
	f, rerr := readFrame(authCtx, conn)
	authCancel()
	if rerr != nil {
		return true, fmt.Errorf("await AUTH_OK: %w", rerr)
	}
	switch f.Type {
	case frame.TypeAuthOK:
		var ok frame.AuthOKPayload
		_ = f.Unmarshal(&ok)
		logx.Log.Info().Str("session_id", ok.SessionID).Str("broker", cfg.BrokerURL).Msg("connector authenticated")
	case frame.TypeAuthFail:
		var fail frame.AuthFailPayload
		_ = f.Unmarshal(&fail)
		return true, fmt.Errorf("AUTH_FAIL: %s", fail.Error)
	default:
		return true, fmt.Errorf("unexpected frame %s while awaiting AUTH_OK", f.Type)
	}

	s.state.Store(int32(StateAuthenticated))
	s.lastRX.Store(time.Now().UnixNano())

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

	err = s.readLoop(connCtx, handler)
	cancel()
	<-writerDone
	<-watchdogDone
	s.state.Store(int32(StateDisconnected))
	if drain.IsDraining() {
		return true, nil
	}
	return true, err
}

func readFrame(ctx context.Context, conn *websocket.Conn) (frame.Frame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return frame.Frame{}, err
	}
	return frame.Decode(data)
}

func (s *Session) readLoop(ctx context.Context, handler Handler) error {
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
			logx.Log.Error().Err(derr).Msg("decode error on authenticated session; tearing down")
			return derr
		}
		switch f.Type {
		case frame.TypePing:
			s.enqueue(frame.TypePong, f.ID, frame.PongPayload{})
		case frame.TypePong:
			// lastRX already updated above; nothing further to do.
		case frame.TypeRequest:
			req, body, derr := frame.DecodeRequest(f, s.cfg.limits())
			if derr != nil {
				var de *frame.DecodeError
				if errors.As(derr, &de) && de.Code == "frame_too_large" {
					s.sendErr(f.ID, 413, de.Code, "request body exceeds configured limit")
					continue
				}
				return derr
			}
			if drain.IsDraining() {
				s.sendErr(f.ID, 503, "shutdown", "connector is draining")
				continue
			}
			go handler.HandleRequest(ctx, f.ID, req, body, s)
		case frame.TypeCancel:
			handler.HandleCancel(f.ID)
		default:
			logx.Log.Warn().Str("type", string(f.Type)).Msg("unexpected frame type on connector session")
		}
	}
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
// HeartbeatInterval + HeartbeatTimeout.
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
				logx.Log.Warn().Msg("no inbound activity within heartbeat window; declaring session dead")
				cancel()
				return
			}
		}
	}
}

func (s *Session) enqueue(t frame.Type, id string, payload interface{}) {
	b, err := frame.Encode(t, id, payload)
	if err != nil {
		logx.Log.Error().Err(err).Str("type", string(t)).Msg("encode frame")
		return
	}
	select {
	case s.outbox <- b:
	default:
		logx.Log.Warn().Str("type", string(t)).Msg("outbox full; dropping frame")
	}
}

func (s *Session) sendErr(id string, status int, code, message string) {
	s.enqueue(frame.TypeError, id, frame.ErrorPayload{Status: status, Error: message, Code: code})
}

// SendChunk implements Emitter.
func (s *Session) SendChunk(id string, chunk []byte) error {
	s.enqueue(frame.TypeStreamChunk, id, frame.StreamChunkPayload{ChunkB64: frame.EncodeBody(chunk), Done: false})
	return nil
}

// SendEnd implements Emitter.
func (s *Session) SendEnd(id string) error {
	s.enqueue(frame.TypeStreamEnd, id, frame.StreamEndPayload{Done: true})
	return nil
}

// SendResponse implements Emitter.
func (s *Session) SendResponse(id string, status int, headers map[string]string, body []byte) error {
	s.enqueue(frame.TypeResponse, id, frame.ResponsePayload{Status: status, Headers: headers, BodyB64: frame.EncodeBody(body)})
	return nil
}

// SendError implements Emitter.
func (s *Session) SendError(id string, status int, code, message string) error {
	s.sendErr(id, status, code, message)
	return nil
}

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }
