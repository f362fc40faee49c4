// Package api implements the broker's external HTTP API surface (C6)
// and the internal duplex accept endpoint that feeds it, wiring C3
// (brokersession), C4 (inflight), and C5 (router) together.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/viljo/RemoteLLMconnector/internal/brokersession"
	"github.com/viljo/RemoteLLMconnector/internal/drain"
	"github.com/viljo/RemoteLLMconnector/internal/frame"
	"github.com/viljo/RemoteLLMconnector/internal/inflight"
	"github.com/viljo/RemoteLLMconnector/internal/logx"
	"github.com/viljo/RemoteLLMconnector/internal/metrics"
	"github.com/viljo/RemoteLLMconnector/internal/router"
)

// HubConfig parameterizes the broker hub.
type HubConfig struct {
	ConnectorTokens map[string]string // token -> upstream credential
	UserKeys        []string

	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	UpstreamTimeout time.Duration
	DrainTimeout    time.Duration

	ChunkBuffer int
	Limits      frame.Limits
}

// Hub is the broker-side coordinator: it accepts connector duplex
// sessions, registers/deregisters them with the router in the
// transport-loss-safe order the spec requires, and hands the HTTP
// handlers what they need to route a request.
type Hub struct {
	cfg    HubConfig
	router *router.Router

	mu       sync.RWMutex
	sessions map[string]*brokersession.Session // session_id -> session

	inflightGlobal *drain.Counter
}

// NewHub constructs a Hub ready to accept duplex sessions and serve
// HTTP requests.
func NewHub(cfg HubConfig) *Hub {
	return &Hub{
		cfg:            cfg,
		router:         router.New(),
		sessions:       make(map[string]*brokersession.Session),
		inflightGlobal: &drain.Counter{},
	}
}

// Router exposes the model routing table for read-only use by /v1/models.
func (h *Hub) Router() *router.Router { return h.router }

func (h *Hub) validateToken(token string) (string, bool) {
	cred, ok := h.cfg.ConnectorTokens[token]
	return cred, ok
}

// AcceptDuplex upgrades the HTTP request to a websocket connection,
// performs the AUTH handshake, registers the session with the router,
// and serves it until the transport closes — at which point it
// deregisters from the router first, then fails every in-flight
// request owned by this session with session_lost. This ordering
// guarantees no REQUEST is ever written to a dead socket (spec §4.3).
func (h *Hub) AcceptDuplex(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logx.Log.Warn().Err(err).Msg("duplex upgrade failed")
		return
	}

	sessCfg := brokersession.Config{
		AuthTimeout:       h.cfg.AuthTimeout,
		HeartbeatInterval: h.cfg.HeartbeatInterval,
		HeartbeatTimeout:  h.cfg.HeartbeatTimeout,
		ValidateToken:     h.validateToken,
		Limits:            h.cfg.Limits,
	}
	sess, err := brokersession.Accept(r.Context(), conn, sessCfg)
	if err != nil {
		logx.Log.Warn().Err(err).Msg("connector AUTH failed")
		_ = conn.Close(websocket.StatusPolicyViolation, "auth failed")
		return
	}

	h.mu.Lock()
	h.sessions[sess.ID] = sess
	h.mu.Unlock()
	h.router.OnRegister(sess.ID, sess.Models, sess.Credential)
	metrics.ConnectorConnected()

	err = sess.Serve(r.Context())
	if err != nil {
		logx.Log.Info().Str("session_id", sess.ID).Err(err).Msg("connector session ended")
	}

	// Deregister before failing in-flights so no new REQUEST can be
	// written to this now-dead socket.
	h.router.OnUnregister(sess.ID)
	h.mu.Lock()
	delete(h.sessions, sess.ID)
	h.mu.Unlock()
	sess.FailAllInFlight()
	metrics.ConnectorDisconnected()

	_ = conn.Close(websocket.StatusNormalClosure, "closing")
}

// ConnectorCount reports the number of currently authenticated sessions.
func (h *Hub) ConnectorCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) sessionByID(id string) (*brokersession.Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// NewCorrelationID generates a 128-bit random correlation id, hex
// encoded, per spec §4.4's "negligible collision probability" scheme.
func NewCorrelationID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return "req-" + hex.EncodeToString(b[:])
}

// RoutedRequest is what RouteRequest hands the HTTP handler: the
// correlation id, the sink to drain, and the owning session (needed
// only to send CANCEL on caller disconnect or deadline).
type RoutedRequest struct {
	ID        string
	Sink      *inflight.Sink
	SessionID string
}

// RouteRequest allocates a correlation id on the model's owning
// session, writes the REQUEST frame, and returns the sink the HTTP
// handler should drain. It returns router.UnknownModel or
// router.NoLiveConnector via the returned LookupResult when no route
// exists, and a generic error if the route existed but the write
// failed (observed session death between lookup and write — the
// caller must surface 503 in that case too).
func (h *Hub) RouteRequest(ctx context.Context, model string, payload frame.RequestPayload) (RoutedRequest, router.LookupResult, error) {
	route, res := h.router.GetRoute(model)
	if res != router.Found {
		return RoutedRequest{}, res, nil
	}
	sess, ok := h.sessionByID(route.SessionID)
	if !ok {
		return RoutedRequest{}, router.NoLiveConnector, nil
	}
	payload.LLMAPIKey = route.Credential
	id := NewCorrelationID()
	bufSize := h.cfg.ChunkBuffer
	if bufSize <= 0 {
		bufSize = 8
	}
	sink := inflight.NewSink(bufSize)
	if err := sess.SendRequest(id, payload, sink); err != nil {
		return RoutedRequest{}, router.NoLiveConnector, err
	}
	h.inflightGlobal.Inc()
	return RoutedRequest{ID: id, Sink: sink, SessionID: sess.ID}, router.Found, nil
}

// WaitForDrain blocks until every request dispatched through
// RouteRequest has completed, or ctx ends first — used by the process
// shutdown path to bound graceful drain to DrainTimeout.
func (h *Hub) WaitForDrain(ctx context.Context) bool {
	return h.inflightGlobal.WaitForZero(ctx)
}

// CancelRequest removes the request's sink from the owning session and
// sends CANCEL to it, best effort; used on caller disconnect or
// deadline.
func (h *Hub) CancelRequest(rr RoutedRequest) {
	sess, ok := h.sessionByID(rr.SessionID)
	if !ok {
		return
	}
	sess.Sinks().Remove(rr.ID)
	sess.SendCancel(rr.ID)
}
