package wire

import (
	"encoding"
	"fmt"

	"github.com/irctrakz/nicshim/pkg/core"
)

// Message is a control-channel structure.
type Message interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// SetFrameFilter installs a pattern/mask filter. A zero-length pattern
// clears the filter.
//
//	u32 length | pattern[length] | mask[length]
type SetFrameFilter struct {
	Pattern []byte
	Mask    []byte
}

func (m *SetFrameFilter) MarshalBinary() ([]byte, error) {
	if len(m.Pattern) != len(m.Mask) {
		return nil, fmt.Errorf("pattern length %d != mask length %d: %w", len(m.Pattern), len(m.Mask), core.ErrInvalidParameter)
	}
	b := le.AppendUint32(nil, uint32(len(m.Pattern)))
	b = append(b, m.Pattern...)
	return append(b, m.Mask...), nil
}

func (m *SetFrameFilter) UnmarshalBinary(data []byte) error {
	r := reader{b: data}
	n := int(r.u32())
	m.Pattern = append([]byte{}, r.take(n)...)
	m.Mask = append([]byte{}, r.take(n)...)
	return r.done()
}

// GetFrame retrieves a serialized captured frame. Capacity 0 is a probe.
//
//	u32 index | u32 subIndex | u32 capacity
type GetFrame struct {
	Index    uint32
	SubIndex uint32
	Capacity uint32
}

func (m *GetFrame) MarshalBinary() ([]byte, error) {
	b := le.AppendUint32(nil, m.Index)
	b = le.AppendUint32(b, m.SubIndex)
	return le.AppendUint32(b, m.Capacity), nil
}

func (m *GetFrame) UnmarshalBinary(data []byte) error {
	r := reader{b: data}
	m.Index, m.SubIndex, m.Capacity = r.u32(), r.u32(), r.u32()
	return r.done()
}

// SetFrameMetadata patches a captured frame's metadata.
//
//	u32 index | u32 subIndex | u32 fields | u32 checksumFlags |
//	u16 coalescedSegments | u16 dupAcks | u64 timestamp |
//	u32 hashValue | u32 hashType | u32 payloadLength | payload
type SetFrameMetadata struct {
	Index    uint32
	SubIndex uint32
	Patch    core.MetadataPatch
}

func (m *SetFrameMetadata) MarshalBinary() ([]byte, error) {
	md := m.Patch.Metadata
	b := le.AppendUint32(nil, m.Index)
	b = le.AppendUint32(b, m.SubIndex)
	b = le.AppendUint32(b, m.Patch.Fields)
	b = le.AppendUint32(b, md.ChecksumFlags)
	b = le.AppendUint16(b, md.CoalescedSegments)
	b = le.AppendUint16(b, md.DupAcks)
	b = le.AppendUint64(b, md.Timestamp)
	b = le.AppendUint32(b, md.HashValue)
	b = le.AppendUint32(b, md.HashType)
	return appendBytes(b, m.Patch.Payload), nil
}

func (m *SetFrameMetadata) UnmarshalBinary(data []byte) error {
	r := reader{b: data}
	m.Index = r.u32()
	m.SubIndex = r.u32()
	m.Patch.Fields = r.u32()
	md := &m.Patch.Metadata
	md.ChecksumFlags = r.u32()
	md.CoalescedSegments = r.u16()
	md.DupAcks = r.u16()
	md.Timestamp = r.u64()
	md.HashValue = r.u32()
	md.HashType = r.u32()
	m.Patch.Payload = r.bytes()
	if len(m.Patch.Payload) == 0 {
		m.Patch.Payload = nil
	}
	return r.done()
}

// DequeueFrame moves a captured frame to the pending-return queue.
//
//	u32 index
type DequeueFrame struct {
	Index uint32
}

func (m *DequeueFrame) MarshalBinary() ([]byte, error) {
	return le.AppendUint32(nil, m.Index), nil
}

func (m *DequeueFrame) UnmarshalBinary(data []byte) error {
	r := reader{b: data}
	m.Index = r.u32()
	return r.done()
}

// Empty is the body of operations without parameters.
type Empty struct{}

func (Empty) MarshalBinary() ([]byte, error) { return nil, nil }

func (*Empty) UnmarshalBinary(data []byte) error {
	r := reader{b: data}
	return r.done()
}

// SetRequestFilter installs a request key list. An empty list clears it.
//
//	u32 count | count * {u32 code | u32 direction | u32 interface | u32 subPort}
type SetRequestFilter struct {
	Keys []core.RequestKey
}

func (m *SetRequestFilter) MarshalBinary() ([]byte, error) {
	b := le.AppendUint32(nil, uint32(len(m.Keys)))
	for _, k := range m.Keys {
		b = appendKey(b, k)
	}
	return b, nil
}

func (m *SetRequestFilter) UnmarshalBinary(data []byte) error {
	r := reader{b: data}
	n := r.u32()
	if r.err == nil && int(n) > len(r.b)/16 {
		return fmt.Errorf("wire: %d keys in %d bytes: %w", n, len(r.b), core.ErrInvalidParameter)
	}
	m.Keys = make([]core.RequestKey, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		m.Keys = append(m.Keys, r.key())
	}
	return r.done()
}

// GetPendingRequest reads the information buffer of a pended request.
// Capacity 0 is a probe.
//
//	key | u32 capacity
type GetPendingRequest struct {
	Key      core.RequestKey
	Capacity uint32
}

func (m *GetPendingRequest) MarshalBinary() ([]byte, error) {
	return le.AppendUint32(appendKey(nil, m.Key), m.Capacity), nil
}

func (m *GetPendingRequest) UnmarshalBinary(data []byte) error {
	r := reader{b: data}
	m.Key = r.key()
	m.Capacity = r.u32()
	return r.done()
}

// CompleteRequest completes a pended request.
//
//	key | u32 status | u32 length | info[length]
type CompleteRequest struct {
	Key    core.RequestKey
	Status core.Status
	Info   []byte
}

func (m *CompleteRequest) MarshalBinary() ([]byte, error) {
	b := le.AppendUint32(appendKey(nil, m.Key), uint32(m.Status))
	return appendBytes(b, m.Info), nil
}

func (m *CompleteRequest) UnmarshalBinary(data []byte) error {
	r := reader{b: data}
	m.Key = r.key()
	m.Status = core.Status(r.u32())
	m.Info = r.bytes()
	return r.done()
}

// InjectFrame indicates a synthetic inbound frame.
//
//	u32 queue | u32 length | data[length]
type InjectFrame struct {
	Queue uint32
	Data  []byte
}

func (m *InjectFrame) MarshalBinary() ([]byte, error) {
	return appendBytes(le.AppendUint32(nil, m.Queue), m.Data), nil
}

func (m *InjectFrame) UnmarshalBinary(data []byte) error {
	r := reader{b: data}
	m.Queue = r.u32()
	m.Data = r.bytes()
	return r.done()
}

// NewRequest returns an empty request structure for op.
func NewRequest(op Op) (Message, error) {
	switch op {
	case OpSetFrameFilter:
		return &SetFrameFilter{}, nil
	case OpGetFrame:
		return &GetFrame{}, nil
	case OpSetFrameMetadata:
		return &SetFrameMetadata{}, nil
	case OpDequeueFrame:
		return &DequeueFrame{}, nil
	case OpFlushDequeuedFrames, OpFlushAllFrames:
		return &Empty{}, nil
	case OpSetRequestFilter:
		return &SetRequestFilter{}, nil
	case OpGetPendingRequest:
		return &GetPendingRequest{}, nil
	case OpCompleteRequest:
		return &CompleteRequest{}, nil
	case OpInjectFrame:
		return &InjectFrame{}, nil
	}
	return nil, fmt.Errorf("wire: %s: %w", op, core.ErrNotSupported)
}
