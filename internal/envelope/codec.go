package envelope

import (
	"fmt"
	"sort"

	"github.com/tinylib/msgp/msgp"

	"DeltaKV/internal/crdt"
)

const (
	envelopeItems = 3
	deltaItems    = 5
)

// Marshal encodes the envelope as [type, data, versions].
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := e.Data.MarshalMsg(nil)
	if err != nil {
		return nil, fmt.Errorf("marshal %s:\n%w", e.Data.Type(), err)
	}

	b := msgp.AppendArrayHeader(nil, envelopeItems)
	b = msgp.AppendUint8(b, uint8(e.Data.Type()))
	b = msgp.AppendBytes(b, data)
	b = appendVersions(b, e.Versions)

	return b, nil
}

// Unmarshal parses an envelope written by Marshal.
func Unmarshal(b []byte) (*Envelope, error) {
	items, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, fmt.Errorf("read envelope header:\n%w", err)
	}
	if items != envelopeItems {
		return nil, fmt.Errorf("envelope has %d items, want %d", items, envelopeItems)
	}

	data, b, err := readData(b)
	if err != nil {
		return nil, err
	}

	versions, b, err := readVersions(b)
	if err != nil {
		return nil, err
	}

	if len(b) != 0 {
		return nil, fmt.Errorf("envelope: %d trailing bytes", len(b))
	}

	return &Envelope{Data: data, Versions: versions}, nil
}

// Marshal encodes the delta as [origin, from, to, type, data].
func (d *Delta) Marshal() ([]byte, error) {
	data, err := d.Data.MarshalMsg(nil)
	if err != nil {
		return nil, fmt.Errorf("marshal delta %s:\n%w", d.Data.Type(), err)
	}

	b := msgp.AppendArrayHeader(nil, deltaItems)
	b = msgp.AppendString(b, d.Origin)
	b = msgp.AppendUint64(b, d.FromSeq)
	b = msgp.AppendUint64(b, d.ToSeq)
	b = msgp.AppendUint8(b, uint8(d.Data.Type()))
	b = msgp.AppendBytes(b, data)

	return b, nil
}

// UnmarshalDelta parses a delta written by Delta.Marshal.
func UnmarshalDelta(b []byte) (*Delta, error) {
	items, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, fmt.Errorf("read delta header:\n%w", err)
	}
	if items != deltaItems {
		return nil, fmt.Errorf("delta has %d items, want %d", items, deltaItems)
	}

	d := &Delta{}

	d.Origin, b, err = msgp.ReadStringBytes(b)
	if err != nil {
		return nil, fmt.Errorf("read delta origin:\n%w", err)
	}

	d.FromSeq, b, err = msgp.ReadUint64Bytes(b)
	if err != nil {
		return nil, fmt.Errorf("read delta from:\n%w", err)
	}

	d.ToSeq, b, err = msgp.ReadUint64Bytes(b)
	if err != nil {
		return nil, fmt.Errorf("read delta to:\n%w", err)
	}

	if d.FromSeq == 0 || d.FromSeq > d.ToSeq {
		return nil, fmt.Errorf("invalid delta range [%d,%d]", d.FromSeq, d.ToSeq)
	}

	d.Data, b, err = readData(b)
	if err != nil {
		return nil, err
	}

	if len(b) != 0 {
		return nil, fmt.Errorf("delta: %d trailing bytes", len(b))
	}

	return d, nil
}

// readData reads a type tag followed by the value's encoding.
func readData(b []byte) (crdt.ReplicatedData, []byte, error) {
	t, b, err := msgp.ReadUint8Bytes(b)
	if err != nil {
		return nil, nil, fmt.Errorf("read data type:\n%w", err)
	}

	raw, b, err := msgp.ReadBytesZC(b)
	if err != nil {
		return nil, nil, fmt.Errorf("read data bytes:\n%w", err)
	}

	data, err := crdt.Decode(crdt.Type(t), raw)
	if err != nil {
		return nil, nil, err
	}

	return data, b, nil
}

// appendVersions writes versions as a map sorted by origin.
func appendVersions(b []byte, v VersionVector) []byte {
	origins := make([]string, 0, len(v))
	for o := range v {
		origins = append(origins, o)
	}

	sort.Strings(origins)

	b = msgp.AppendMapHeader(b, uint32(len(origins)))
	for _, o := range origins {
		b = msgp.AppendString(b, o)
		b = msgp.AppendUint64(b, v[o])
	}

	return b
}

// readVersions reads a map written by appendVersions.
func readVersions(b []byte) (VersionVector, []byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return nil, nil, fmt.Errorf("read versions header:\n%w", err)
	}

	// Each entry takes at least a one-byte string and a one-byte integer.
	if n > uint32(len(b)/2) {
		return nil, nil, fmt.Errorf("versions claim %d entries in %d bytes", n, len(b))
	}

	v := make(VersionVector, n)

	for i := uint32(0); i < n; i++ {
		var (
			origin string
			seq    uint64
		)

		origin, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return nil, nil, fmt.Errorf("read version origin:\n%w", err)
		}

		seq, b, err = msgp.ReadUint64Bytes(b)
		if err != nil {
			return nil, nil, fmt.Errorf("read version %s:\n%w", origin, err)
		}

		v[origin] = seq
	}

	return v, b, nil
}
