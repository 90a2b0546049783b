package aggregation

import (
	"fmt"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"DeltaKV/internal/envelope"
	"DeltaKV/internal/types"
)

// Kind is the closed set of replica protocol messages.
type Kind uint8

const (
	KindWrite      Kind = 0x01 // KindWrite carries a full envelope to merge
	KindDelta      Kind = 0x02 // KindDelta carries a delta to apply in causal order
	KindWriteAck   Kind = 0x03 // KindWriteAck confirms a write or delta was applied
	KindWriteNack  Kind = 0x04 // KindWriteNack reports a write the replica could not apply
	KindDeltaNack  Kind = 0x05 // KindDeltaNack asks for full state after a delta gap
	KindRead       Kind = 0x06 // KindRead asks for the replica's envelope
	KindReadResult Kind = 0x07 // KindReadResult returns the envelope, nil when absent
	KindReadRepair Kind = 0x08 // KindReadRepair pushes a merged envelope, no reply
)

// String returns the message name used in logs.
func (k Kind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindDelta:
		return "delta"
	case KindWriteAck:
		return "write-ack"
	case KindWriteNack:
		return "write-nack"
	case KindDeltaNack:
		return "delta-nack"
	case KindRead:
		return "read"
	case KindReadResult:
		return "read-result"
	case KindReadRepair:
		return "read-repair"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

// IsReply reports whether the kind answers a coordinator request.
func (k Kind) IsReply() bool {
	switch k {
	case KindWriteAck, KindWriteNack, KindDeltaNack, KindReadResult:
		return true
	default:
		return false
	}
}

// Message is one replica protocol message.
type Message struct {
	Kind     Kind               // Kind selects how the message is handled
	OpID     uuid.UUID          // OpID ties replies to the coordinating operation
	From     string             // From is the sender's replica address
	Key      string             // Key is the replicated key
	Attempt  uint32             // Attempt is the round that produced the message
	Durable  bool               // Durable asks the replica to persist before acking
	Envelope *envelope.Envelope // Envelope is set on write, read-result and read-repair
	Delta    *envelope.Delta    // Delta is set on delta messages
}

// DefaultCompressThreshold is the payload size above which payloads are compressed.
const DefaultCompressThreshold = 1024

// maxPayloadSize bounds decompressed payloads.
const maxPayloadSize = 16 * 1024 * 1024

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// codecs returns the shared zstd encoder and decoder.
func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}

		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayloadSize))
	})

	return zstdEncoder, zstdDecoder, zstdErr
}

// Codec encodes messages as flatbuffers tables.
type Codec struct {
	CompressThreshold int // CompressThreshold is the payload size that triggers zstd, 0 uses the default
}

// Encode serializes m. Payloads above the threshold are zstd-compressed.
func (c Codec) Encode(m *Message) ([]byte, error) {
	payload, err := encodePayload(m)
	if err != nil {
		return nil, err
	}

	threshold := c.CompressThreshold
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}

	compressed := false

	if len(payload) > threshold {
		enc, _, err := codecs()
		if err != nil {
			return nil, fmt.Errorf("init zstd:\n%w", err)
		}

		payload = enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		compressed = true
	}

	builder := flatbuffers.NewBuilder(128 + len(payload) + len(m.Key) + len(m.From))

	opID := builder.CreateByteVector(m.OpID[:])
	from := builder.CreateString(m.From)
	key := builder.CreateString(m.Key)

	var payloadOff flatbuffers.UOffsetT
	if len(payload) > 0 {
		payloadOff = builder.CreateByteVector(payload)
	}

	types.MessageStart(builder)
	types.MessageAddKind(builder, byte(m.Kind))
	types.MessageAddOpId(builder, opID)
	types.MessageAddFrom(builder, from)
	types.MessageAddKey(builder, key)
	types.MessageAddAttempt(builder, m.Attempt)
	types.MessageAddDurable(builder, m.Durable)
	types.MessageAddCompressed(builder, compressed)

	if len(payload) > 0 {
		types.MessageAddPayload(builder, payloadOff)
	}

	builder.Finish(types.MessageEnd(builder))

	return builder.FinishedBytes(), nil
}

// Decode parses a message written by Codec.Encode.
func Decode(data []byte) (m *Message, err error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("message too short: %d bytes", len(data))
	}

	// Malformed offsets make the generated accessors index out of range.
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("malformed message: %v", r)
		}
	}()

	fb := types.GetRootAsMessage(data, 0)

	m = &Message{
		Kind:    Kind(fb.Kind()),
		From:    string(fb.From()),
		Key:     string(fb.Key()),
		Attempt: fb.Attempt(),
		Durable: fb.Durable(),
	}

	if m.Kind < KindWrite || m.Kind > KindReadRepair {
		return nil, fmt.Errorf("unknown message kind 0x%02x", uint8(m.Kind))
	}

	id := fb.OpIdBytes()
	if len(id) != len(m.OpID) {
		return nil, fmt.Errorf("operation id has %d bytes", len(id))
	}
	copy(m.OpID[:], id)

	payload := fb.PayloadBytes()

	if fb.Compressed() {
		_, dec, err := codecs()
		if err != nil {
			return nil, fmt.Errorf("init zstd:\n%w", err)
		}

		payload, err = dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress payload:\n%w", err)
		}
	}

	if err := decodePayload(m, payload); err != nil {
		return nil, err
	}

	return m, nil
}

// encodePayload returns the msgp bytes of the envelope or delta m carries.
func encodePayload(m *Message) ([]byte, error) {
	switch m.Kind {
	case KindWrite, KindReadRepair:
		if m.Envelope == nil {
			return nil, fmt.Errorf("%s without envelope", m.Kind)
		}
		return m.Envelope.Marshal()

	case KindReadResult:
		if m.Envelope == nil {
			return nil, nil
		}
		return m.Envelope.Marshal()

	case KindDelta:
		if m.Delta == nil {
			return nil, fmt.Errorf("%s without delta", m.Kind)
		}
		return m.Delta.Marshal()

	default:
		return nil, nil
	}
}

// decodePayload fills the envelope or delta of m from payload.
func decodePayload(m *Message, payload []byte) error {
	var err error

	switch m.Kind {
	case KindWrite, KindReadRepair:
		m.Envelope, err = envelope.Unmarshal(payload)

	case KindReadResult:
		if len(payload) > 0 {
			m.Envelope, err = envelope.Unmarshal(payload)
		}

	case KindDelta:
		m.Delta, err = envelope.UnmarshalDelta(payload)
	}

	if err != nil {
		return fmt.Errorf("decode %s payload:\n%w", m.Kind, err)
	}

	return nil
}
