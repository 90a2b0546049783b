package aggregation

import (
	"sync"
	"testing"
	"time"

	"DeltaKV/internal/crdt"
	"DeltaKV/internal/envelope"
)

// sentMessage is one message recorded by fakeTransport.
type sentMessage struct {
	to  string
	msg *Message
}

// fakeTransport records every send.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMessage
	ch   chan sentMessage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ch: make(chan sentMessage, 256)}
}

func (f *fakeTransport) SendTo(to string, msg *Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{to: to, msg: msg})
	f.mu.Unlock()

	f.ch <- sentMessage{to: to, msg: msg}

	return nil
}

// count returns how many messages of kind went to addr.
func (f *fakeTransport) count(addr string, kind Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, s := range f.sent {
		if s.to == addr && s.msg.Kind == kind {
			n++
		}
	}

	return n
}

// next waits for the next recorded send.
func (f *fakeTransport) next(t *testing.T) sentMessage {
	t.Helper()

	select {
	case s := <-f.ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for send")
		return sentMessage{}
	}
}

// fakeStore answers Store with a fixed error.
type fakeStore struct {
	mu    sync.Mutex
	err   error
	calls int
	gate  chan struct{} // gate delays the answer until closed when set
}

func (s *fakeStore) Store(key string, env *envelope.Envelope) <-chan error {
	s.mu.Lock()
	s.calls++
	err, gate := s.err, s.gate
	s.mu.Unlock()

	ch := make(chan error, 1)

	if gate == nil {
		ch <- err
		return ch
	}

	go func() {
		<-gate
		ch <- err
	}()

	return ch
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls
}

// setEnvelope returns an envelope holding a grow-only set of elems.
func setEnvelope(elems ...string) *envelope.Envelope {
	return envelope.New(crdt.NewGSet(elems...))
}

// elements returns the members of a set envelope.
func elements(t *testing.T, env *envelope.Envelope) []string {
	t.Helper()

	if env == nil {
		return nil
	}

	s, ok := env.Data.(*crdt.GSet)
	if !ok {
		t.Fatalf("envelope data is %T, want *crdt.GSet", env.Data)
	}

	return s.Elements()
}

// reply builds a reply of kind from addr for an outgoing message.
func reply(kind Kind, from string, to *Message) *Message {
	return &Message{Kind: kind, OpID: to.OpID, From: from, Key: to.Key, Attempt: to.Attempt}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
