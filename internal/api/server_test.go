package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"DeltaKV/internal/aggregation"
	"DeltaKV/internal/crdt"
	"DeltaKV/internal/envelope"
	"DeltaKV/internal/membership"
	"DeltaKV/internal/metrics"
	"DeltaKV/internal/quorum"
	"DeltaKV/internal/replicator"
	"DeltaKV/internal/state"
)

var testDefaults = Defaults{Consistency: "majority", Timeout: time.Second}

// newSingleNode returns a server backed by a one-member replicator.
func newSingleNode(t *testing.T) (*Server, *metrics.Metrics) {
	t.Helper()

	members := membership.New("n0", nil)
	m := metrics.New()
	rep := replicator.New(replicator.Config{}, state.NewReplica("n0"), nil, members, nil, m)

	return New(":0", rep, members, m, testDefaults), m
}

// stubBackend returns canned results and records the last consistency.
type stubBackend struct {
	write    aggregation.WriteResult
	read     aggregation.ReadResult
	err      error
	lastC    quorum.Consistency
	durable  bool
	lastData crdt.DeltaReplicatedData
}

func (b *stubBackend) Self() string { return "stub" }

func (b *stubBackend) Update(_ context.Context, _ string, empty crdt.DeltaReplicatedData, fn state.UpdateFunc, c quorum.Consistency, durable bool) (aggregation.WriteResult, error) {
	b.lastC = c
	b.durable = durable

	next, err := fn(empty)
	if err != nil {
		return aggregation.WriteResult{}, err
	}
	b.lastData = next

	return b.write, b.err
}

func (b *stubBackend) Read(_ context.Context, _ string, c quorum.Consistency) (aggregation.ReadResult, error) {
	b.lastC = c
	return b.read, b.err
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()

	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to parse response %q: %v", w.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newSingleNode(t)

	w := do(t, server.Handler(), "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	decode(t, w, &resp)

	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	members := membership.New("n0", []string{"n1", "n2"})
	members.MarkUnreachable("n2")

	server := New(":0", &stubBackend{}, members, nil, testDefaults)

	w := do(t, server.Handler(), "GET", "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp struct {
		Self        string   `json:"self"`
		Members     []string `json:"members"`
		Reachable   []string `json:"reachable"`
		Unreachable []string `json:"unreachable"`
	}
	decode(t, w, &resp)

	if resp.Self != "n0" || len(resp.Members) != 3 {
		t.Errorf("unexpected status %+v", resp)
	}

	if len(resp.Unreachable) != 1 || resp.Unreachable[0] != "n2" {
		t.Errorf("unreachable = %v, want [n2]", resp.Unreachable)
	}
}

func TestStatusWithoutMembership(t *testing.T) {
	server := New(":0", &stubBackend{}, nil, nil, testDefaults)

	if w := do(t, server.Handler(), "GET", "/status", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := newSingleNode(t)
	h := server.Handler()

	do(t, h, "POST", "/sets/k", `{"elements":["a"]}`)

	w := do(t, h, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	if !strings.Contains(w.Body.String(), "deltakv_") {
		t.Errorf("metrics output lacks deltakv series:\n%s", w.Body.String())
	}
}

func TestSetRoundTrip(t *testing.T) {
	server, _ := newSingleNode(t)
	h := server.Handler()

	w := do(t, h, "POST", "/sets/fruits", `{"elements":["apple","pear"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("add: expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	do(t, h, "POST", "/sets/fruits", `{"elements":["fig"],"consistency":"local"}`)

	w = do(t, h, "GET", "/sets/fruits", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp setResponse
	decode(t, w, &resp)

	want := []string{"apple", "fig", "pear"}
	if fmt.Sprint(resp.Elements) != fmt.Sprint(want) {
		t.Errorf("elements = %v, want %v", resp.Elements, want)
	}

	if resp.Versions["n0"] != 2 {
		t.Errorf("versions = %v, want n0:2", resp.Versions)
	}
}

func TestCounterRoundTrip(t *testing.T) {
	server, _ := newSingleNode(t)
	h := server.Handler()

	for _, amount := range []int{3, 4} {
		w := do(t, h, "POST", "/counters/hits", fmt.Sprintf(`{"amount":%d}`, amount))
		if w.Code != http.StatusOK {
			t.Fatalf("increment: expected status 200, got %d: %s", w.Code, w.Body.String())
		}
	}

	w := do(t, h, "GET", "/counters/hits?consistency=local", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected status 200, got %d", w.Code)
	}

	var resp counterResponse
	decode(t, w, &resp)

	if resp.Value != 7 {
		t.Errorf("value = %d, want 7", resp.Value)
	}
}

func TestReadMissingKey(t *testing.T) {
	server, _ := newSingleNode(t)

	if w := do(t, server.Handler(), "GET", "/sets/nothing", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestTypeConflict(t *testing.T) {
	server, _ := newSingleNode(t)
	h := server.Handler()

	do(t, h, "POST", "/sets/k", `{"elements":["a"]}`)

	if w := do(t, h, "POST", "/counters/k", `{"amount":1}`); w.Code != http.StatusConflict {
		t.Errorf("increment on a set: expected status 409, got %d", w.Code)
	}

	if w := do(t, h, "GET", "/counters/k", ""); w.Code != http.StatusConflict {
		t.Errorf("counter read of a set: expected status 409, got %d", w.Code)
	}
}

func TestBadRequests(t *testing.T) {
	server := New(":0", &stubBackend{}, nil, nil, testDefaults)
	h := server.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"empty body", "POST", "/sets/k", ""},
		{"invalid json", "POST", "/sets/k", "{"},
		{"no elements", "POST", "/sets/k", `{"elements":[]}`},
		{"zero amount", "POST", "/counters/k", `{"amount":0}`},
		{"bad consistency", "POST", "/sets/k", `{"elements":["a"],"consistency":"most"}`},
		{"bad timeout", "POST", "/sets/k", `{"elements":["a"],"timeout":"soon"}`},
		{"zero replicas", "GET", "/sets/k?consistency=0", ""},
		{"negative timeout", "GET", "/counters/k?timeout=-1s", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, h, tt.method, tt.path, tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestRequestOptions(t *testing.T) {
	backend := &stubBackend{}
	server := New(":0", backend, nil, nil, Defaults{Consistency: "all", Timeout: time.Second, Durable: true})
	h := server.Handler()

	do(t, h, "POST", "/sets/k", `{"elements":["a"]}`)

	if backend.lastC.Level != quorum.LevelAll || backend.lastC.Timeout != time.Second || !backend.durable {
		t.Errorf("defaults not applied: %+v durable=%v", backend.lastC, backend.durable)
	}

	do(t, h, "POST", "/counters/k", `{"amount":2,"consistency":"2","timeout":"300ms","durable":false}`)

	if backend.lastC.Level != quorum.LevelAtLeast || backend.lastC.N != 2 || backend.lastC.Timeout != 300*time.Millisecond {
		t.Errorf("request options not applied: %+v", backend.lastC)
	}

	if backend.durable {
		t.Error("durable override not applied")
	}

	counter, ok := backend.lastData.(*crdt.GCounter)
	if !ok || counter.Value() != 2 {
		t.Errorf("increment produced %v", backend.lastData)
	}
}

func TestOutcomeStatusCodes(t *testing.T) {
	insufficient := &quorum.InsufficientReplicasError{Consistency: quorum.All(time.Second), Required: 2}

	tests := []struct {
		name    string
		backend *stubBackend
		want    int
	}{
		{"success", &stubBackend{read: aggregation.ReadResult{Envelope: envelope.New(crdt.NewGSet("a"))}}, http.StatusOK},
		{"timeout", &stubBackend{write: aggregation.WriteResult{Status: aggregation.StatusTimeout}, read: aggregation.ReadResult{Status: aggregation.StatusTimeout}}, http.StatusGatewayTimeout},
		{"store failure", &stubBackend{write: aggregation.WriteResult{Status: aggregation.StatusStoreFailure}, read: aggregation.ReadResult{Status: aggregation.StatusStoreFailure}}, http.StatusInternalServerError},
		{"insufficient replicas", &stubBackend{err: insufficient}, http.StatusServiceUnavailable},
		{"cancelled", &stubBackend{err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(":0", tt.backend, nil, nil, testDefaults).Handler()

			if w := do(t, h, "POST", "/sets/k", `{"elements":["a"]}`); w.Code != tt.want {
				t.Errorf("write: expected status %d, got %d", tt.want, w.Code)
			}

			if w := do(t, h, "GET", "/sets/k", ""); w.Code != tt.want {
				t.Errorf("read: expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}
