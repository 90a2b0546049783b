package crdt

import (
	"fmt"
	"sort"

	"github.com/tinylib/msgp/msgp"
)

// GSet is a grow-only set of strings.
type GSet struct {
	elems map[string]struct{} // elems holds every element ever added
	delta map[string]struct{} // delta holds elements added since the last reset
}

// NewGSet returns a set holding elems, with no pending delta.
func NewGSet(elems ...string) *GSet {
	s := &GSet{elems: make(map[string]struct{}, len(elems))}

	for _, e := range elems {
		s.elems[e] = struct{}{}
	}

	return s
}

// Type implements ReplicatedData.
func (s *GSet) Type() Type {
	return TypeGSet
}

// Add returns a set with elems added and recorded in the pending delta.
func (s *GSet) Add(elems ...string) *GSet {
	out := &GSet{
		elems: make(map[string]struct{}, len(s.elems)+len(elems)),
		delta: make(map[string]struct{}, len(s.delta)+len(elems)),
	}

	for e := range s.elems {
		out.elems[e] = struct{}{}
	}

	for e := range s.delta {
		out.delta[e] = struct{}{}
	}

	for _, e := range elems {
		if _, ok := s.elems[e]; ok {
			continue
		}
		out.elems[e] = struct{}{}
		out.delta[e] = struct{}{}
	}

	return out
}

// Contains reports whether e is in the set.
func (s *GSet) Contains(e string) bool {
	_, ok := s.elems[e]
	return ok
}

// Len returns the number of elements.
func (s *GSet) Len() int {
	return len(s.elems)
}

// Elements returns the elements in sorted order.
func (s *GSet) Elements() []string {
	return sortedKeys(s.elems)
}

// Merge implements ReplicatedData as set union.
func (s *GSet) Merge(other ReplicatedData) (ReplicatedData, error) {
	o, ok := other.(*GSet)
	if !ok {
		return nil, mismatch(TypeGSet, other)
	}

	out := &GSet{elems: make(map[string]struct{}, len(s.elems)+len(o.elems))}

	for e := range s.elems {
		out.elems[e] = struct{}{}
	}

	for e := range o.elems {
		out.elems[e] = struct{}{}
	}

	return out, nil
}

// Delta implements DeltaReplicatedData.
func (s *GSet) Delta() ReplicatedData {
	if len(s.delta) == 0 {
		return nil
	}

	d := &GSet{elems: make(map[string]struct{}, len(s.delta))}
	for e := range s.delta {
		d.elems[e] = struct{}{}
	}

	return d
}

// ResetDelta implements DeltaReplicatedData.
func (s *GSet) ResetDelta() DeltaReplicatedData {
	return &GSet{elems: s.elems}
}

// MarshalMsg encodes the set as a sorted MessagePack array.
func (s *GSet) MarshalMsg(b []byte) ([]byte, error) {
	elems := s.Elements()

	b = msgp.AppendArrayHeader(b, uint32(len(elems)))
	for _, e := range elems {
		b = msgp.AppendString(b, e)
	}

	return b, nil
}

// decodeGSet parses a set written by MarshalMsg.
func decodeGSet(b []byte) (*GSet, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, fmt.Errorf("read gset header:\n%w", err)
	}

	if n > uint32(len(b)) {
		return nil, fmt.Errorf("gset claims %d elements in %d bytes", n, len(b))
	}

	s := &GSet{elems: make(map[string]struct{}, n)}

	for i := uint32(0); i < n; i++ {
		var e string

		e, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return nil, fmt.Errorf("read gset element %d:\n%w", i, err)
		}

		s.elems[e] = struct{}{}
	}

	if len(b) != 0 {
		return nil, fmt.Errorf("gset: %d trailing bytes", len(b))
	}

	return s, nil
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
