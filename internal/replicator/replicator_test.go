package replicator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"DeltaKV/internal/aggregation"
	"DeltaKV/internal/crdt"
	"DeltaKV/internal/envelope"
	"DeltaKV/internal/membership"
	"DeltaKV/internal/metrics"
	"DeltaKV/internal/quorum"
	"DeltaKV/internal/state"
	"DeltaKV/internal/storage"
)

// memNetwork connects replicators in process. Messages to or from a
// partitioned address are dropped.
type memNetwork struct {
	mu          sync.Mutex
	nodes       map[string]*Replicator
	partitioned map[string]bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		nodes:       make(map[string]*Replicator),
		partitioned: make(map[string]bool),
	}
}

func (n *memNetwork) partition(addr string, down bool) {
	n.mu.Lock()
	n.partitioned[addr] = down
	n.mu.Unlock()
}

func (n *memNetwork) lookup(from, to string) (*Replicator, *Replicator, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.partitioned[from] || n.partitioned[to] {
		return nil, nil, false
	}

	src, dst := n.nodes[from], n.nodes[to]

	return src, dst, src != nil && dst != nil
}

// memTransport is one node's view of a memNetwork.
type memTransport struct {
	net  *memNetwork
	self string
}

func (t *memTransport) SendTo(to string, msg *aggregation.Message) error {
	src, dst, ok := t.net.lookup(t.self, to)
	if !ok {
		return nil
	}

	go func() {
		resp := dst.HandleMessage(msg)
		if resp == nil {
			return
		}

		if _, _, ok := t.net.lookup(to, t.self); ok {
			src.HandleMessage(resp)
		}
	}()

	return nil
}

// testCluster is a set of replicators over a memNetwork.
type testCluster struct {
	net   *memNetwork
	nodes []*Replicator
}

// newTestCluster builds n in-memory nodes named n0..n(n-1).
func newTestCluster(t *testing.T, n int, cfg Config) *testCluster {
	t.Helper()

	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("n%d", i)
	}

	c := &testCluster{net: newMemNetwork()}

	for _, addr := range addrs {
		r := New(cfg, state.NewReplica(addr), nil, membership.New(addr, addrs),
			&memTransport{net: c.net, self: addr}, metrics.New())

		c.net.nodes[addr] = r
		c.nodes = append(c.nodes, r)
	}

	return c
}

// restart replaces node i with a fresh replicator that lost its in-memory state.
func (c *testCluster) restart(i int) *Replicator {
	old := c.nodes[i]
	addr := old.Self()

	r := New(old.cfg, state.NewReplica(addr), nil, membership.New(addr, old.Members().Members()),
		&memTransport{net: c.net, self: addr}, metrics.New())

	c.net.mu.Lock()
	c.net.nodes[addr] = r
	c.net.mu.Unlock()

	c.nodes[i] = r

	return r
}

func addTo(elems ...string) state.UpdateFunc {
	return func(cur crdt.DeltaReplicatedData) (crdt.DeltaReplicatedData, error) {
		return cur.(*crdt.GSet).Add(elems...), nil
	}
}

func elementsOf(t *testing.T, env *envelope.Envelope) []string {
	t.Helper()

	if env == nil {
		return nil
	}

	return env.Data.(*crdt.GSet).Elements()
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestUpdateMajority tests a majority update reaching a majority of replicas.
func TestUpdateMajority(t *testing.T) {
	c := newTestCluster(t, 5, Config{})

	res, err := c.nodes[0].Update(context.Background(), "k", crdt.NewGSet(), addTo("a"), quorum.Majority(2*time.Second), false)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if res.Status != aggregation.StatusSuccess {
		t.Fatalf("status: got %s, want success", res.Status)
	}

	if res.Required != 2 || res.Acks < 2 {
		t.Errorf("acks: got %d of %d required, want at least 2 of 2", res.Acks, res.Required)
	}

	// Remaining deltas keep arriving after the write returned
	waitFor(t, 2*time.Second, func() bool {
		for _, n := range c.nodes {
			if n.Replica().Get("k") == nil {
				return false
			}
		}
		return true
	})

	if c.nodes[0].Pending() != 0 {
		t.Errorf("aggregator still registered after completion")
	}
}

// TestUpdateDeltaGapRecovers tests full-state repair after a missed delta.
func TestUpdateDeltaGapRecovers(t *testing.T) {
	c := newTestCluster(t, 2, Config{})
	ctx := context.Background()

	// n1 misses the first update
	c.nodes[0].Replica().Update("k", crdt.NewGSet(), addTo("a"))

	res, err := c.nodes[0].Update(ctx, "k", crdt.NewGSet(), addTo("b"), quorum.All(2*time.Second), false)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if res.Status != aggregation.StatusSuccess {
		t.Fatalf("status: got %s, want success", res.Status)
	}

	got := elementsOf(t, c.nodes[1].Replica().Get("k"))
	if fmt.Sprint(got) != "[a b]" {
		t.Errorf("replica after gap: got %v, want [a b]", got)
	}
}

// TestReadMergesAndRepairs tests a read gathering divergent replicas.
func TestReadMergesAndRepairs(t *testing.T) {
	c := newTestCluster(t, 3, Config{ReadRepair: true})

	c.nodes[1].Replica().Merge("k", envelope.New(crdt.NewGSet("x")))
	c.nodes[2].Replica().Merge("k", envelope.New(crdt.NewGSet("y")))

	res, err := c.nodes[0].Read(context.Background(), "k", quorum.All(2*time.Second))
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if res.Status != aggregation.StatusSuccess {
		t.Fatalf("status: got %s, want success", res.Status)
	}

	if got := elementsOf(t, res.Envelope); fmt.Sprint(got) != "[x y]" {
		t.Fatalf("read: got %v, want [x y]", got)
	}

	// The coordinator keeps what it read
	if got := elementsOf(t, c.nodes[0].Replica().Get("k")); fmt.Sprint(got) != "[x y]" {
		t.Errorf("coordinator after read: got %v", got)
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, n := range c.nodes[1:] {
			if len(elementsOf(t, n.Replica().Get("k"))) != 2 {
				return false
			}
		}
		return true
	})
}

// TestAllTimesOutWithSilentReplica tests that one silent member prevents success.
func TestAllTimesOutWithSilentReplica(t *testing.T) {
	c := newTestCluster(t, 3, Config{RetryRatio: 0.25})
	c.net.partition("n2", true)

	res, err := c.nodes[0].Update(context.Background(), "k", crdt.NewGSet(), addTo("a"), quorum.All(400*time.Millisecond), false)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if res.Status != aggregation.StatusTimeout {
		t.Fatalf("status: got %s, want timeout", res.Status)
	}

	if res.Acks != 1 {
		t.Errorf("acks: got %d, want 1", res.Acks)
	}
}

// TestRetryRecoversLostMessages tests that retries reach a replica that was briefly partitioned.
func TestRetryRecoversLostMessages(t *testing.T) {
	c := newTestCluster(t, 2, Config{RetryRatio: 0.1})
	c.net.partition("n1", true)

	go func() {
		time.Sleep(150 * time.Millisecond)
		c.net.partition("n1", false)
	}()

	res, err := c.nodes[0].Update(context.Background(), "k", crdt.NewGSet(), addTo("a"), quorum.All(2*time.Second), false)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if res.Status != aggregation.StatusSuccess {
		t.Fatalf("status: got %s, want success after retry", res.Status)
	}
}

// TestInsufficientReplicas tests fast failure when every peer is down.
func TestInsufficientReplicas(t *testing.T) {
	c := newTestCluster(t, 3, Config{})

	for _, addr := range []string{"n1", "n2"} {
		c.nodes[0].Members().MarkUnreachable(addr)
	}

	_, err := c.nodes[0].Update(context.Background(), "k", crdt.NewGSet(), addTo("a"), quorum.Majority(time.Second), false)

	var insufficient *quorum.InsufficientReplicasError
	if !errors.As(err, &insufficient) {
		t.Fatalf("error: got %v, want InsufficientReplicasError", err)
	}

	// The local replica still holds the update
	if c.nodes[0].Replica().Get("k") == nil {
		t.Error("local update lost")
	}

	res, err := c.nodes[0].Update(context.Background(), "k", crdt.NewGSet(), addTo("b"), quorum.Local(), false)
	if err != nil || res.Status != aggregation.StatusSuccess {
		t.Errorf("local write: got %v, %v", res.Status, err)
	}
}

// TestDurableWrite tests durable writes on nodes backed by pebble.
func TestDurableWrite(t *testing.T) {
	net := newMemNetwork()
	addrs := []string{"n0", "n1"}

	var nodes []*Replicator
	for _, addr := range addrs {
		db, err := storage.New(filepath.Join(t.TempDir(), addr), storage.Options{})
		if err != nil {
			t.Fatalf("open storage: %v", err)
		}

		d := state.NewDurable(db)
		t.Cleanup(func() {
			d.Close()
			db.Close()
		})

		r := New(Config{}, state.NewReplica(addr), d, membership.New(addr, addrs),
			&memTransport{net: net, self: addr}, nil)

		net.nodes[addr] = r
		nodes = append(nodes, r)

		defer func(d *state.Durable, addr string) {
			entries, err := d.Load()
			if err != nil {
				t.Errorf("load %s: %v", addr, err)
				return
			}
			if entries["k"] == nil {
				t.Errorf("%s did not persist the durable write", addr)
			}
		}(d, addr)
	}

	res, err := nodes[0].Update(context.Background(), "k", crdt.NewGSet(), addTo("a"), quorum.All(2*time.Second), true)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if res.Status != aggregation.StatusSuccess {
		t.Fatalf("status: got %s, want success", res.Status)
	}
}

// TestDurableWriteWithoutStore tests the store failure outcome.
func TestDurableWriteWithoutStore(t *testing.T) {
	c := newTestCluster(t, 2, Config{})

	res, err := c.nodes[0].Update(context.Background(), "k", crdt.NewGSet(), addTo("a"), quorum.All(2*time.Second), true)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if res.Status != aggregation.StatusStoreFailure {
		t.Errorf("status: got %s, want store_failure", res.Status)
	}
}

// TestCancelledWrite tests that cancellation surfaces as an error.
func TestCancelledWrite(t *testing.T) {
	c := newTestCluster(t, 2, Config{})
	c.net.partition("n1", true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.nodes[0].Update(ctx, "k", crdt.NewGSet(), addTo("a"), quorum.All(10*time.Second), false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error: got %v, want context.DeadlineExceeded", err)
	}
}

// TestLateReplyDropped tests replies for unknown operations.
func TestLateReplyDropped(t *testing.T) {
	c := newTestCluster(t, 1, Config{})

	resp := c.nodes[0].HandleMessage(&aggregation.Message{Kind: aggregation.KindWriteAck, From: "ghost"})
	if resp != nil {
		t.Errorf("reply to a reply: got %v", resp.Kind)
	}
}

// TestUpdateAfterRestartWithoutState tests that a node restarted without its
// state still replicates new changes, although its delta sequence starts over.
func TestUpdateAfterRestartWithoutState(t *testing.T) {
	c := newTestCluster(t, 3, Config{})
	ctx := context.Background()

	for _, e := range []string{"x1", "x2", "x3"} {
		res, err := c.nodes[0].Update(ctx, "k", crdt.NewGSet(), addTo(e), quorum.All(2*time.Second), false)
		if err != nil || res.Status != aggregation.StatusSuccess {
			t.Fatalf("update %s: %v %v", e, res.Status, err)
		}
	}

	restarted := c.restart(0)

	res, err := restarted.Update(ctx, "k", crdt.NewGSet(), addTo("new"), quorum.All(2*time.Second), false)
	if err != nil {
		t.Fatalf("update after restart: %v", err)
	}

	if res.Status != aggregation.StatusSuccess {
		t.Fatalf("update after restart: got %s, want success", res.Status)
	}

	want := []string{"new", "x1", "x2", "x3"}

	for _, r := range c.nodes[1:] {
		if got := elementsOf(t, r.Replica().Get("k")); fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("%s: got %v, want %v", r.Self(), got, want)
		}
	}
}
