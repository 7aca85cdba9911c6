package core

import (
	"sync/atomic"
	"time"
)

// Buffer is one sub-buffer of a frame: a chain of raw segments with a
// logical data window that starts DataOffset bytes into the chain and
// spans DataLength bytes.
type Buffer struct {
	Segments   [][]byte
	DataOffset int
	DataLength int
}

// NewBuffer wraps data as a single-segment buffer whose logical window
// covers the whole slice.
func NewBuffer(data []byte) *Buffer {
	if data == nil {
		data = make([]byte, 0)
	}
	return &Buffer{Segments: [][]byte{data}, DataLength: len(data)}
}

// NewChainedBuffer builds a buffer from several segments. The logical
// window starts at offset and runs to the end of the chain.
func NewChainedBuffer(offset int, segments ...[]byte) *Buffer {
	b := &Buffer{Segments: segments, DataOffset: offset}
	b.DataLength = b.Capacity() - offset
	if b.DataLength < 0 {
		b.DataLength = 0
	}
	return b
}

// Capacity is the total number of bytes held by the segment chain.
func (b *Buffer) Capacity() int {
	n := 0
	for _, s := range b.Segments {
		n += len(s)
	}
	return n
}

// CopyData copies logical bytes, starting at the data offset, into dst and
// returns the number of bytes copied.
func (b *Buffer) CopyData(dst []byte) int {
	want := len(dst)
	if want > b.DataLength {
		want = b.DataLength
	}
	skip := b.DataOffset
	n := 0
	for _, s := range b.Segments {
		if n == want {
			break
		}
		if skip >= len(s) {
			skip -= len(s)
			continue
		}
		n += copy(dst[n:want], s[skip:])
		skip = 0
	}
	return n
}

// Data returns a contiguous copy of the logical data.
func (b *Buffer) Data() []byte {
	out := make([]byte, b.DataLength)
	n := b.CopyData(out)
	return out[:n]
}

// SegmentView is the logical window that one segment contributes.
type SegmentView struct {
	// Offset is where logical data starts inside the segment.
	Offset int
	// Length is the number of logical bytes in the segment.
	Length int
	// Capacity is the full size of the segment.
	Capacity int
}

// Views describes every segment of the chain in order. Segments entirely
// outside the logical window report a zero Length.
func (b *Buffer) Views() []SegmentView {
	views := make([]SegmentView, len(b.Segments))
	start := b.DataOffset
	end := b.DataOffset + b.DataLength
	pos := 0
	for i, s := range b.Segments {
		segStart, segEnd := pos, pos+len(s)
		v := SegmentView{Capacity: len(s)}
		lo, hi := max(start, segStart), min(end, segEnd)
		if hi > lo {
			v.Offset = lo - segStart
			v.Length = hi - lo
		} else if start >= segEnd {
			v.Offset = len(s)
		}
		views[i] = v
		pos = segEnd
	}
	return views
}

// Checksum offload result flags carried in FrameMetadata.ChecksumFlags.
const (
	ChecksumIPv4Succeeded uint32 = 1 << iota
	ChecksumIPv4Failed
	ChecksumTCPSucceeded
	ChecksumTCPFailed
	ChecksumUDPSucceeded
	ChecksumUDPFailed
)

// FrameMetadata is the out-of-band information attached to a frame.
type FrameMetadata struct {
	ChecksumFlags uint32
	// CoalescedSegments and DupAcks describe receive segment coalescing.
	CoalescedSegments uint16
	DupAcks           uint16
	// Timestamp is an opaque hardware timestamp.
	Timestamp uint64
	HashValue uint32
	HashType  uint32
}

// Patch fields for MetadataPatch.Fields.
const (
	PatchChecksum uint32 = 1 << iota
	PatchCoalescing
	PatchTimestamp
	PatchHash
	PatchPayload
)

// MetadataPatch is a partial update of FrameMetadata. Only the groups named
// in Fields are applied.
type MetadataPatch struct {
	Fields   uint32
	Metadata FrameMetadata
	// Payload replaces frame bytes when PatchPayload is set.
	Payload []byte
}

// Frame is a driver-owned network frame made of one or more sub-buffers.
type Frame struct {
	Buffers []*Buffer
	Meta    FrameMetadata
	// Queue identifies the processor/queue the frame was sent on.
	Queue uint32
}

// NewFrame builds a single-buffer frame over data.
func NewFrame(data []byte) *Frame {
	return &Frame{Buffers: []*Buffer{NewBuffer(data)}}
}

// Length is the sum of logical data lengths of all sub-buffers.
func (f *Frame) Length() int {
	n := 0
	for _, b := range f.Buffers {
		n += b.DataLength
	}
	return n
}

// Data returns the logical data of the first sub-buffer.
func (f *Frame) Data() []byte {
	if len(f.Buffers) == 0 {
		return []byte{}
	}
	return f.Buffers[0].Data()
}

// Borrowed is a non-owning reference to a driver-owned item. The engine
// holds it while the item is captured and gives the item back with Return
// exactly once. A second Return is a capture protocol violation and panics.
type Borrowed[T any] struct {
	item     T
	returned atomic.Bool
}

// Borrow wraps item in a Borrowed reference.
func Borrow[T any](item T) *Borrowed[T] {
	return &Borrowed[T]{item: item}
}

// Peek gives read access to the borrowed item without releasing it.
func (b *Borrowed[T]) Peek() T {
	if b.returned.Load() {
		panic("core: borrowed item used after return")
	}
	return b.item
}

// Return hands the item back to its owner.
func (b *Borrowed[T]) Return() T {
	if !b.returned.CompareAndSwap(false, true) {
		panic("core: borrowed item returned twice")
	}
	item := b.item
	var zero T
	b.item = zero
	return item
}

// Returned reports whether the item has already been given back.
func (b *Borrowed[T]) Returned() bool { return b.returned.Load() }

// Clock supplies monotonic timestamps to the capture engine.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock uses time.Now, whose readings carry a monotonic component.
var SystemClock Clock = systemClock{}
