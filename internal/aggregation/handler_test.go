package aggregation

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"DeltaKV/internal/crdt"
	"DeltaKV/internal/envelope"
	"DeltaKV/internal/metrics"
)

// memReplica is an in-memory Replica.
type memReplica struct {
	mu   sync.Mutex
	data map[string]*envelope.Envelope
}

func newMemReplica() *memReplica {
	return &memReplica{data: make(map[string]*envelope.Envelope)}
}

func (r *memReplica) Get(key string) *envelope.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.data[key]
}

func (r *memReplica) Merge(key string, env *envelope.Envelope) (*envelope.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged, err := r.data[key].Merge(env)
	if err != nil {
		return nil, err
	}

	r.data[key] = merged

	return merged, nil
}

func (r *memReplica) ApplyDelta(key string, d *envelope.Delta) (*envelope.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged, err := envelope.ApplyDelta(r.data[key], d)
	if err != nil {
		return nil, err
	}

	r.data[key] = merged

	return merged, nil
}

// setupTestHandler creates a Handler over an in-memory replica.
func setupTestHandler(t *testing.T, store DurableStore) (*Handler, *memReplica) {
	t.Helper()

	r := newMemReplica()

	return NewHandler("replica-1", r, store, metrics.New()), r
}

func request(kind Kind, key string) *Message {
	return &Message{Kind: kind, OpID: uuid.New(), From: "coordinator", Key: key, Attempt: 3}
}

// TestHandleWrite tests that a full write is merged and acknowledged.
func TestHandleWrite(t *testing.T) {
	h, r := setupTestHandler(t, nil)

	r.data["k"] = setEnvelope("a")

	req := request(KindWrite, "k")
	req.Envelope = setEnvelope("b")

	resp := h.Handle(req)

	if resp == nil || resp.Kind != KindWriteAck {
		t.Fatalf("reply: got %v, want write-ack", resp)
	}

	if resp.OpID != req.OpID || resp.Attempt != 3 || resp.From != "replica-1" {
		t.Errorf("reply header: %+v", resp)
	}

	if got := elements(t, r.Get("k")); !equalStrings(got, []string{"a", "b"}) {
		t.Errorf("stored: got %v", got)
	}
}

// TestHandleWriteTypeMismatch tests that an unmergeable write is nacked.
func TestHandleWriteTypeMismatch(t *testing.T) {
	h, r := setupTestHandler(t, nil)

	r.data["k"] = setEnvelope("a")

	req := request(KindWrite, "k")
	req.Envelope = envelope.New(crdt.NewGCounter().Increment("n", 1))

	if resp := h.Handle(req); resp.Kind != KindWriteNack {
		t.Errorf("reply: got %s, want write-nack", resp.Kind)
	}
}

// TestHandleDelta tests delta application in and out of causal order.
func TestHandleDelta(t *testing.T) {
	h, r := setupTestHandler(t, nil)

	first := request(KindDelta, "k")
	first.Delta = &envelope.Delta{Origin: "o", FromSeq: 1, ToSeq: 1, Data: crdt.NewGSet("a")}

	if resp := h.Handle(first); resp.Kind != KindWriteAck {
		t.Fatalf("in-order delta: got %s, want write-ack", resp.Kind)
	}

	gap := request(KindDelta, "k")
	gap.Delta = &envelope.Delta{Origin: "o", FromSeq: 3, ToSeq: 3, Data: crdt.NewGSet("c")}

	if resp := h.Handle(gap); resp.Kind != KindDeltaNack {
		t.Fatalf("gapped delta: got %s, want delta-nack", resp.Kind)
	}

	if got := elements(t, r.Get("k")); !equalStrings(got, []string{"a"}) {
		t.Errorf("gapped delta applied: got %v", got)
	}

	mismatch := request(KindDelta, "k")
	mismatch.Delta = &envelope.Delta{Origin: "o", FromSeq: 2, ToSeq: 2, Data: crdt.NewGCounter()}

	if resp := h.Handle(mismatch); resp.Kind != KindWriteNack {
		t.Errorf("mismatched delta: got %s, want write-nack", resp.Kind)
	}
}

// TestHandleDurable tests persistence before acknowledging durable writes.
func TestHandleDurable(t *testing.T) {
	tests := []struct {
		name  string
		store DurableStore
		want  Kind
	}{
		{name: "stored", store: &fakeStore{}, want: KindWriteAck},
		{name: "store error", store: &fakeStore{err: errors.New("io")}, want: KindWriteNack},
		{name: "no store", want: KindWriteNack},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := setupTestHandler(t, tt.store)

			req := request(KindWrite, "k")
			req.Durable = true
			req.Envelope = setEnvelope("a")

			if resp := h.Handle(req); resp.Kind != tt.want {
				t.Errorf("reply: got %s, want %s", resp.Kind, tt.want)
			}
		})
	}
}

// TestHandleRead tests read replies for present and missing keys.
func TestHandleRead(t *testing.T) {
	h, r := setupTestHandler(t, nil)

	r.data["k"] = setEnvelope("a")

	resp := h.Handle(request(KindRead, "k"))
	if resp.Kind != KindReadResult {
		t.Fatalf("reply: got %s, want read-result", resp.Kind)
	}

	if got := elements(t, resp.Envelope); !equalStrings(got, []string{"a"}) {
		t.Errorf("read: got %v", got)
	}

	missing := h.Handle(request(KindRead, "missing"))
	if missing.Kind != KindReadResult || missing.Envelope != nil {
		t.Errorf("missing key: got %s with %v", missing.Kind, missing.Envelope)
	}
}

// TestHandleReadRepair tests that repairs merge without replying.
func TestHandleReadRepair(t *testing.T) {
	h, r := setupTestHandler(t, nil)

	req := request(KindReadRepair, "k")
	req.Envelope = setEnvelope("a", "b")

	if resp := h.Handle(req); resp != nil {
		t.Errorf("read repair reply: got %s, want none", resp.Kind)
	}

	if got := elements(t, r.Get("k")); !equalStrings(got, []string{"a", "b"}) {
		t.Errorf("repaired: got %v", got)
	}
}

// TestHandleIgnoresReplies tests that replies sent to a replica are dropped.
func TestHandleIgnoresReplies(t *testing.T) {
	h, _ := setupTestHandler(t, nil)

	if resp := h.Handle(request(KindWriteAck, "k")); resp != nil {
		t.Errorf("reply to a reply: got %s", resp.Kind)
	}
}
