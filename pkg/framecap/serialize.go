package framecap

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/irctrakz/nicshim/pkg/core"
)

// Serialized frame layout (all integers little-endian):
//
//	header      HeaderSize bytes
//	descriptors BufferCount * DescriptorSize bytes
//	segments    raw bytes of every segment, back to back
//
// Descriptor addresses are byte offsets from the start of the block, so the
// block stays valid after it is copied into another address space.
const (
	Magic          uint32 = 0x5246534E // "NSFR"
	Version        uint16 = 1
	HeaderSize            = 56
	DescriptorSize        = 24

	// MaxSegments is the largest segment count the 8-bit BufferCount field
	// can describe.
	MaxSegments = math.MaxUint8
)

// Header is the fixed prefix of a serialized frame.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderSize  uint16
	TotalSize   uint32
	BufferCount uint8
	Queue       uint32
	DataOffset  uint32
	DataLength  uint32
	Meta        core.FrameMetadata
}

// Descriptor describes one serialized segment.
type Descriptor struct {
	// Address is the block-relative offset of the segment bytes.
	Address  uint64
	Offset   uint32
	Length   uint32
	Capacity uint32
}

// SerializedSize returns the number of bytes needed to serialize b.
func SerializedSize(b *core.Buffer) (int, error) {
	if len(b.Segments) > MaxSegments {
		return 0, fmt.Errorf("%d segments: %w", len(b.Segments), core.ErrIntegerOverflow)
	}
	return HeaderSize + len(b.Segments)*DescriptorSize + b.Capacity(), nil
}

// Serialize writes b and the frame's metadata into out, which must be at
// least SerializedSize(b) bytes long, and returns the bytes written.
func Serialize(out []byte, frame *core.Frame, b *core.Buffer) (int, error) {
	size, err := SerializedSize(b)
	if err != nil {
		return 0, err
	}
	if len(out) < size {
		return size, &core.SizeError{Required: size, Err: core.ErrBufferTooSmall}
	}
	if uint64(size) > math.MaxUint32 {
		return 0, fmt.Errorf("serialized size %d: %w", size, core.ErrIntegerOverflow)
	}

	le := binary.LittleEndian
	h := out[:HeaderSize]
	clear(h)
	le.PutUint32(h[0:], Magic)
	le.PutUint16(h[4:], Version)
	le.PutUint16(h[6:], HeaderSize)
	le.PutUint32(h[8:], uint32(size))
	h[12] = uint8(len(b.Segments))
	le.PutUint32(h[16:], frame.Queue)
	le.PutUint32(h[20:], uint32(b.DataOffset))
	le.PutUint32(h[24:], uint32(b.DataLength))
	le.PutUint32(h[28:], frame.Meta.ChecksumFlags)
	le.PutUint16(h[32:], frame.Meta.CoalescedSegments)
	le.PutUint16(h[34:], frame.Meta.DupAcks)
	le.PutUint32(h[36:], frame.Meta.HashValue)
	le.PutUint64(h[40:], frame.Meta.Timestamp)
	le.PutUint32(h[48:], frame.Meta.HashType)

	views := b.Views()
	addr := HeaderSize + len(b.Segments)*DescriptorSize
	for i, seg := range b.Segments {
		d := out[HeaderSize+i*DescriptorSize : HeaderSize+(i+1)*DescriptorSize]
		clear(d)
		le.PutUint64(d[0:], uint64(addr))
		le.PutUint32(d[8:], uint32(views[i].Offset))
		le.PutUint32(d[12:], uint32(views[i].Length))
		le.PutUint32(d[16:], uint32(views[i].Capacity))
		addr += copy(out[addr:], seg)
	}
	return size, nil
}

// DecodedSegment is a segment re-based onto the received block.
type DecodedSegment struct {
	Descriptor
	// Bytes is the whole segment; Bytes[Offset:Offset+Length] is the
	// logical window.
	Bytes []byte
}

// Data returns the logical bytes of the segment.
func (s DecodedSegment) Data() []byte {
	return s.Bytes[s.Offset : s.Offset+s.Length]
}

// Decoded is a serialized frame whose descriptor addresses have been
// turned back into slices of the block.
type Decoded struct {
	Header   Header
	Segments []DecodedSegment
}

// Data returns the logical bytes of the buffer across all segments.
func (d *Decoded) Data() []byte {
	out := make([]byte, 0, d.Header.DataLength)
	for _, s := range d.Segments {
		out = append(out, s.Data()...)
	}
	return out
}

// Buffer rebuilds a core.Buffer over the decoded segments.
func (d *Decoded) Buffer() *core.Buffer {
	segs := make([][]byte, len(d.Segments))
	for i, s := range d.Segments {
		segs[i] = s.Bytes
	}
	return &core.Buffer{
		Segments:   segs,
		DataOffset: int(d.Header.DataOffset),
		DataLength: int(d.Header.DataLength),
	}
}

// Decode parses a serialized frame and re-bases its descriptor addresses.
func Decode(block []byte) (*Decoded, error) {
	le := binary.LittleEndian
	if len(block) < HeaderSize {
		return nil, fmt.Errorf("serialized frame truncated (%d bytes): %w", len(block), core.ErrInvalidParameter)
	}
	h := Header{
		Magic:       le.Uint32(block[0:]),
		Version:     le.Uint16(block[4:]),
		HeaderSize:  le.Uint16(block[6:]),
		TotalSize:   le.Uint32(block[8:]),
		BufferCount: block[12],
		Queue:       le.Uint32(block[16:]),
		DataOffset:  le.Uint32(block[20:]),
		DataLength:  le.Uint32(block[24:]),
		Meta: core.FrameMetadata{
			ChecksumFlags:     le.Uint32(block[28:]),
			CoalescedSegments: le.Uint16(block[32:]),
			DupAcks:           le.Uint16(block[34:]),
			HashValue:         le.Uint32(block[36:]),
			Timestamp:         le.Uint64(block[40:]),
			HashType:          le.Uint32(block[48:]),
		},
	}
	if h.Magic != Magic {
		return nil, fmt.Errorf("bad magic 0x%08x: %w", h.Magic, core.ErrInvalidParameter)
	}
	if int(h.HeaderSize) < HeaderSize || int(h.TotalSize) > len(block) {
		return nil, fmt.Errorf("bad sizes header=%d total=%d block=%d: %w", h.HeaderSize, h.TotalSize, len(block), core.ErrInvalidParameter)
	}
	block = block[:h.TotalSize]
	descEnd := int(h.HeaderSize) + int(h.BufferCount)*DescriptorSize
	if descEnd > len(block) {
		return nil, fmt.Errorf("descriptor table overruns block: %w", core.ErrInvalidParameter)
	}

	d := &Decoded{Header: h, Segments: make([]DecodedSegment, h.BufferCount)}
	for i := range d.Segments {
		raw := block[int(h.HeaderSize)+i*DescriptorSize:]
		desc := Descriptor{
			Address:  le.Uint64(raw[0:]),
			Offset:   le.Uint32(raw[8:]),
			Length:   le.Uint32(raw[12:]),
			Capacity: le.Uint32(raw[16:]),
		}
		end := desc.Address + uint64(desc.Capacity)
		if desc.Address < uint64(descEnd) || end > uint64(len(block)) ||
			uint64(desc.Offset)+uint64(desc.Length) > uint64(desc.Capacity) {
			return nil, fmt.Errorf("segment %d out of bounds: %w", i, core.ErrInvalidParameter)
		}
		d.Segments[i] = DecodedSegment{Descriptor: desc, Bytes: block[desc.Address:end]}
	}
	return d, nil
}
