package crdt

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// GCounter is a grow-only counter with one slot per incrementing node.
type GCounter struct {
	slots map[string]uint64 // slots maps node address to its local total
	delta map[string]uint64 // delta holds slots changed since the last reset
}

// NewGCounter returns a zero counter.
func NewGCounter() *GCounter {
	return &GCounter{slots: make(map[string]uint64)}
}

// Type implements ReplicatedData.
func (c *GCounter) Type() Type {
	return TypeGCounter
}

// Increment returns a counter with node's slot raised by n.
func (c *GCounter) Increment(node string, n uint64) *GCounter {
	out := &GCounter{
		slots: make(map[string]uint64, len(c.slots)+1),
		delta: make(map[string]uint64, len(c.delta)+1),
	}

	for k, v := range c.slots {
		out.slots[k] = v
	}

	for k, v := range c.delta {
		out.delta[k] = v
	}

	out.slots[node] += n
	out.delta[node] = out.slots[node]

	return out
}

// Value returns the sum of all slots.
func (c *GCounter) Value() uint64 {
	var total uint64
	for _, v := range c.slots {
		total += v
	}

	return total
}

// Merge implements ReplicatedData by taking the per-node maximum.
func (c *GCounter) Merge(other ReplicatedData) (ReplicatedData, error) {
	o, ok := other.(*GCounter)
	if !ok {
		return nil, mismatch(TypeGCounter, other)
	}

	out := &GCounter{slots: make(map[string]uint64, len(c.slots)+len(o.slots))}

	for k, v := range c.slots {
		out.slots[k] = v
	}

	for k, v := range o.slots {
		if v > out.slots[k] {
			out.slots[k] = v
		}
	}

	return out, nil
}

// Delta implements DeltaReplicatedData.
func (c *GCounter) Delta() ReplicatedData {
	if len(c.delta) == 0 {
		return nil
	}

	d := &GCounter{slots: make(map[string]uint64, len(c.delta))}
	for k, v := range c.delta {
		d.slots[k] = v
	}

	return d
}

// ResetDelta implements DeltaReplicatedData.
func (c *GCounter) ResetDelta() DeltaReplicatedData {
	return &GCounter{slots: c.slots}
}

// MarshalMsg encodes the slots as a MessagePack map with sorted keys.
func (c *GCounter) MarshalMsg(b []byte) ([]byte, error) {
	keys := sortedKeys(c.slots)

	b = msgp.AppendMapHeader(b, uint32(len(keys)))
	for _, k := range keys {
		b = msgp.AppendString(b, k)
		b = msgp.AppendUint64(b, c.slots[k])
	}

	return b, nil
}

// decodeGCounter parses a counter written by MarshalMsg.
func decodeGCounter(b []byte) (*GCounter, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return nil, fmt.Errorf("read gcounter header:\n%w", err)
	}

	if n > uint32(len(b)/2) {
		return nil, fmt.Errorf("gcounter claims %d slots in %d bytes", n, len(b))
	}

	c := &GCounter{slots: make(map[string]uint64, n)}

	for i := uint32(0); i < n; i++ {
		var (
			node string
			v    uint64
		)

		node, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return nil, fmt.Errorf("read gcounter node %d:\n%w", i, err)
		}

		v, b, err = msgp.ReadUint64Bytes(b)
		if err != nil {
			return nil, fmt.Errorf("read gcounter slot %s:\n%w", node, err)
		}

		c.slots[node] = v
	}

	if len(b) != 0 {
		return nil, fmt.Errorf("gcounter: %d trailing bytes", len(b))
	}

	return c, nil
}
