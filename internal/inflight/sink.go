package inflight

import (
	"context"
	"sync"
)

// EventKind tags the kind of terminal or non-terminal event flowing
// through a Sink.
type EventKind int

const (
	EventChunk EventKind = iota
	EventResponse
	EventEnd
	EventError
)

// Event is one unit of response data delivered from a session reader
// (producer) to an HTTP handler (consumer) through a Sink. Exactly one
// terminal event (EventResponse, EventEnd, or EventError) may ever be
// delivered per Sink, and it must be the last.
type Event struct {
	Kind EventKind

	// EventResponse uses Status, Headers and Chunk; EventChunk uses
	// Chunk; EventError may also set Status.
	Status  int
	Headers map[string]string
	Chunk   []byte

	// EventError
	ErrorCode    string
	ErrorMessage string
}

func (k EventKind) terminal() bool {
	return k == EventResponse || k == EventEnd || k == EventError
}

// Sink is the per-request response channel shared exclusively between
// one session reader (producer) and one HTTP handler (consumer). It
// bounds buffered chunks to implement backpressure: once full, a
// further non-terminal Send fails and the caller must treat this as a
// slow_consumer overflow (cancel upstream, fail the request).
type Sink struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewSink creates a sink with the given chunk buffer bound (spec
// default 8).
func NewSink(bufferSize int) *Sink {
	if bufferSize <= 0 {
		bufferSize = 8
	}
	return &Sink{
		ch:   make(chan Event, bufferSize),
		done: make(chan struct{}),
	}
}

// Events returns the channel the consumer reads from.
func (s *Sink) Events() <-chan Event { return s.ch }

// Done is closed once a terminal event has been delivered or the sink
// was closed without one (e.g. on session loss before any event).
func (s *Sink) Done() <-chan struct{} { return s.done }

// TrySend attempts to enqueue ev without blocking. It returns false if
// the buffer is full (the overflow/slow_consumer condition) or the
// sink is already closed. Sending a terminal event always closes the
// sink for further sends, win or lose.
func (s *Sink) TrySend(ev Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if ev.Kind.terminal() {
		defer s.closeLocked()
	}
	s.mu.Unlock()

	select {
	case s.ch <- ev:
		return true
	default:
		if ev.Kind.terminal() {
			// Terminal events must not be silently dropped; block
			// briefly since the consumer is expected to be draining
			// toward a terminal state anyway.
			select {
			case s.ch <- ev:
				return true
			case <-s.done:
				return false
			}
		}
		return false
	}
}

func (s *Sink) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// Close marks the sink closed without a terminal event, used when a
// session is lost before any frame arrived; the consumer should treat
// this as session_lost.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// WaitClosed blocks until the sink is closed or ctx ends.
func (s *Sink) WaitClosed(ctx context.Context) {
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}
