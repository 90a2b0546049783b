// Package state holds the local replica of every key and its durable copy.
package state

import (
	"fmt"
	"sort"
	"sync"

	"DeltaKV/internal/crdt"
	"DeltaKV/internal/envelope"
)

// UpdateFunc returns the new value for a key given its current value.
// The returned value records the change as its pending delta.
type UpdateFunc func(cur crdt.DeltaReplicatedData) (crdt.DeltaReplicatedData, error)

// Replica is the in-memory copy of every key this node holds.
// Values only grow: every write is a merge.
type Replica struct {
	self    string                        // self is the origin stamped on local deltas
	entries map[string]*envelope.Envelope // entries maps key to its envelope
	mu      sync.RWMutex                  // mu protects entries
}

// NewReplica creates an empty replica for the node at self.
func NewReplica(self string) *Replica {
	return &Replica{
		self:    self,
		entries: make(map[string]*envelope.Envelope),
	}
}

// Get returns the envelope for key, or nil.
func (r *Replica) Get(key string) *envelope.Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.entries[key]
}

// Merge folds env into key and returns the result.
func (r *Replica) Merge(key string, env *envelope.Envelope) (*envelope.Envelope, error) {
	if env == nil {
		return nil, fmt.Errorf("merge %s: nil envelope", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	merged, err := r.entries[key].Merge(env)
	if err != nil {
		return nil, fmt.Errorf("merge %s:\n%w", key, err)
	}

	r.entries[key] = merged

	return merged, nil
}

// ApplyDelta folds d into key in causal order. A gap returns
// envelope.ErrDeltaGap and leaves the key untouched.
func (r *Replica) ApplyDelta(key string, d *envelope.Delta) (*envelope.Envelope, error) {
	if d == nil {
		return nil, fmt.Errorf("apply delta %s: nil delta", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	merged, err := envelope.ApplyDelta(r.entries[key], d)
	if err != nil {
		return nil, fmt.Errorf("apply delta %s:\n%w", key, err)
	}

	r.entries[key] = merged

	return merged, nil
}

// Update applies fn to key, starting from empty when the key is absent.
// It returns the new full envelope and the delta for replication, which
// is nil when fn changed nothing.
func (r *Replica) Update(key string, empty crdt.DeltaReplicatedData, fn UpdateFunc) (*envelope.Envelope, *envelope.Delta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.entries[key]

	base := empty
	versions := envelope.VersionVector{}

	if cur != nil {
		data, ok := cur.Data.(crdt.DeltaReplicatedData)
		if !ok || data.Type() != empty.Type() {
			return nil, nil, fmt.Errorf("update %s: stored %s, requested %s:\n%w",
				key, cur.Data.Type(), empty.Type(), crdt.ErrTypeMismatch)
		}

		base = data
		versions = cur.Versions
	}

	next, err := fn(base)
	if err != nil {
		return nil, nil, fmt.Errorf("update %s:\n%w", key, err)
	}

	change := next.Delta()
	if change == nil {
		if cur == nil {
			cur = &envelope.Envelope{Data: next.ResetDelta(), Versions: versions}
			r.entries[key] = cur
		}
		return cur, nil, nil
	}

	seq := versions[r.self] + 1

	env := &envelope.Envelope{
		Data:     next.ResetDelta(),
		Versions: versions.Merge(envelope.VersionVector{r.self: seq}),
	}

	r.entries[key] = env

	delta := &envelope.Delta{
		Origin:  r.self,
		FromSeq: seq,
		ToSeq:   seq,
		Data:    change,
	}

	return env, delta, nil
}

// Keys returns every key in sorted order.
func (r *Replica) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Strings(keys)

	return keys
}

// Len returns the number of keys.
func (r *Replica) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
