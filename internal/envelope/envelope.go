// Package envelope wraps replicated values with the version metadata that
// travels with them between replicas.
package envelope

import (
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"DeltaKV/internal/crdt"
)

// ErrDeltaGap is returned when a delta does not start right after the
// last sequence number seen from its origin.
var ErrDeltaGap = errors.New("delta out of causal order")

// VersionVector maps an origin replica to the highest delta sequence
// number already folded into an envelope.
type VersionVector map[string]uint64

// Merge returns the per-origin maximum of v and o.
func (v VersionVector) Merge(o VersionVector) VersionVector {
	out := make(VersionVector, max(len(v), len(o)))

	for k, n := range v {
		out[k] = n
	}

	for k, n := range o {
		if n > out[k] {
			out[k] = n
		}
	}

	return out
}

// Envelope is the unit of state exchanged between replicas.
type Envelope struct {
	Data     crdt.ReplicatedData // Data is the replicated value
	Versions VersionVector       // Versions records delta sequences already applied
}

// New wraps data with empty versions.
func New(data crdt.ReplicatedData) *Envelope {
	return &Envelope{Data: data, Versions: VersionVector{}}
}

// Merge combines two envelopes for the same key.
// A nil side yields the other unchanged.
func (e *Envelope) Merge(other *Envelope) (*Envelope, error) {
	if e == nil {
		return other, nil
	}

	if other == nil {
		return e, nil
	}

	data, err := e.Data.Merge(other.Data)
	if err != nil {
		return nil, fmt.Errorf("merge envelope data:\n%w", err)
	}

	return &Envelope{Data: data, Versions: e.Versions.Merge(other.Versions)}, nil
}

// Digest returns the BLAKE3 hash of the envelope's canonical encoding.
func (e *Envelope) Digest() ([32]byte, error) {
	b, err := e.Marshal()
	if err != nil {
		return [32]byte{}, err
	}

	return blake3.Sum256(b), nil
}

// Delta is an incremental change produced by Origin covering the
// sequence range [FromSeq, ToSeq].
type Delta struct {
	Origin  string              // Origin is the replica that produced the change
	FromSeq uint64              // FromSeq is the first sequence number covered
	ToSeq   uint64              // ToSeq is the last sequence number covered
	Data    crdt.ReplicatedData // Data holds the change, same type as the full value
}

// ApplyDelta folds d into e in causal order.
// A nil e starts from an empty value of the delta's type.
// Only a gap is rejected: the data of a delta whose range is already
// covered is still merged, since an origin that restarted without its
// state reuses sequence numbers for new changes.
func ApplyDelta(e *Envelope, d *Delta) (*Envelope, error) {
	var seen uint64
	if e != nil {
		seen = e.Versions[d.Origin]
	}

	if d.FromSeq > seen+1 {
		return nil, fmt.Errorf("delta %s [%d,%d] after seq %d:\n%w",
			d.Origin, d.FromSeq, d.ToSeq, seen, ErrDeltaGap)
	}

	if e == nil {
		return &Envelope{Data: d.Data, Versions: VersionVector{d.Origin: d.ToSeq}}, nil
	}

	data, err := e.Data.Merge(d.Data)
	if err != nil {
		return nil, fmt.Errorf("merge delta data:\n%w", err)
	}

	versions := e.Versions.Merge(VersionVector{d.Origin: d.ToSeq})

	return &Envelope{Data: data, Versions: versions}, nil
}
