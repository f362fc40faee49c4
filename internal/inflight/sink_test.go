package inflight

import "testing"

func TestSinkOverflowSignalsFalse(t *testing.T) {
	s := NewSink(2)
	if !s.TrySend(Event{Kind: EventChunk, Chunk: []byte("a")}) {
		t.Fatalf("expected first send to succeed")
	}
	if !s.TrySend(Event{Kind: EventChunk, Chunk: []byte("b")}) {
		t.Fatalf("expected second send to succeed")
	}
	if s.TrySend(Event{Kind: EventChunk, Chunk: []byte("c")}) {
		t.Fatalf("expected third send to overflow (buffer full, consumer not draining)")
	}
}

func TestSinkTerminalClosesForFurtherSends(t *testing.T) {
	s := NewSink(4)
	if !s.TrySend(Event{Kind: EventEnd}) {
		t.Fatalf("expected terminal send to succeed")
	}
	if s.TrySend(Event{Kind: EventChunk}) {
		t.Fatalf("expected send after terminal to fail")
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("expected Done to be closed after terminal event")
	}
}

func TestSinkCloseWithoutTerminal(t *testing.T) {
	s := NewSink(4)
	s.Close()
	select {
	case <-s.Done():
	default:
		t.Fatalf("expected Done to be closed")
	}
	if s.TrySend(Event{Kind: EventChunk}) {
		t.Fatalf("expected send on closed sink to fail")
	}
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry[*Sink]()
	s := NewSink(4)
	if !r.Add("corr-1", s) {
		t.Fatalf("expected add to succeed")
	}
	if r.Add("corr-1", s) {
		t.Fatalf("expected duplicate add to fail")
	}
	got, ok := r.Get("corr-1")
	if !ok || got != s {
		t.Fatalf("expected to get back the same sink")
	}
	removed, ok := r.Remove("corr-1")
	if !ok || removed != s {
		t.Fatalf("expected remove to return the sink")
	}
	if _, ok := r.Get("corr-1"); ok {
		t.Fatalf("expected no entry after remove")
	}
}

func TestRegistryRemoveAll(t *testing.T) {
	r := NewRegistry[*Sink]()
	a, b := NewSink(4), NewSink(4)
	r.Add("a", a)
	r.Add("b", b)
	var closed []string
	r.RemoveAll(func(id string, s *Sink) {
		closed = append(closed, id)
		s.Close()
	})
	if len(closed) != 2 {
		t.Fatalf("expected both entries drained, got %v", closed)
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry after RemoveAll")
	}
}
