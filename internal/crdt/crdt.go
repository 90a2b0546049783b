// Package crdt defines the replicated data contract and the value types
// the store ships with.
package crdt

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is returned when decoding an unregistered type tag.
	ErrUnknownType = errors.New("unknown crdt type")
	// ErrTypeMismatch is returned when merging values of different types.
	ErrTypeMismatch = errors.New("crdt type mismatch")
)

// Type tags a replicated value on the wire and in storage.
type Type uint8

const (
	// TypeGSet is a grow-only set of strings.
	TypeGSet Type = iota + 1
	// TypeGCounter is a grow-only counter.
	TypeGCounter
)

// String returns the type name.
func (t Type) String() string {
	switch t {
	case TypeGSet:
		return "gset"
	case TypeGCounter:
		return "gcounter"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ReplicatedData is a value whose Merge is commutative, associative and
// idempotent. Values are immutable: Merge returns a new value.
type ReplicatedData interface {
	// Type returns the value's type tag.
	Type() Type

	// Merge combines the receiver with another value of the same type.
	Merge(other ReplicatedData) (ReplicatedData, error)

	// MarshalMsg appends the MessagePack encoding of the value to b.
	MarshalMsg(b []byte) ([]byte, error)
}

// DeltaReplicatedData is a value that records its pending local changes
// as a delta of the same type.
type DeltaReplicatedData interface {
	ReplicatedData

	// Delta returns the changes since the last reset, or nil.
	Delta() ReplicatedData

	// ResetDelta returns the value with no pending delta.
	ResetDelta() DeltaReplicatedData
}

// Decode parses a value of type t from its MessagePack encoding.
func Decode(t Type, b []byte) (ReplicatedData, error) {
	switch t {
	case TypeGSet:
		return decodeGSet(b)
	case TypeGCounter:
		return decodeGCounter(b)
	default:
		return nil, fmt.Errorf("decode %s:\n%w", t, ErrUnknownType)
	}
}

// mismatch builds the error for merging a value of type want with other.
func mismatch(want Type, other ReplicatedData) error {
	got := "nil"
	if other != nil {
		got = other.Type().String()
	}

	return fmt.Errorf("merge %s with %s:\n%w", want, got, ErrTypeMismatch)
}
