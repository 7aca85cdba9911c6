// Package wire defines the fixed-layout request and response structures of
// the control channel. Every structure is little-endian and implements
// encoding.BinaryMarshaler and encoding.BinaryUnmarshaler.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/irctrakz/nicshim/pkg/core"
)

// Op identifies a control-channel operation.
type Op uint32

// Operations. Values are part of the wire format.
const (
	OpSetFrameFilter Op = iota + 1
	OpGetFrame
	OpSetFrameMetadata
	OpDequeueFrame
	OpFlushDequeuedFrames
	OpFlushAllFrames
	OpSetRequestFilter
	OpGetPendingRequest
	OpCompleteRequest
	OpInjectFrame
)

var opNames = map[Op]string{
	OpSetFrameFilter:      "set-frame-filter",
	OpGetFrame:            "get-frame",
	OpSetFrameMetadata:    "set-frame-metadata",
	OpDequeueFrame:        "dequeue-frame",
	OpFlushDequeuedFrames: "flush-dequeued-frames",
	OpFlushAllFrames:      "flush-all-frames",
	OpSetRequestFilter:    "set-request-filter",
	OpGetPendingRequest:   "get-pending-request",
	OpCompleteRequest:     "complete-request",
	OpInjectFrame:         "inject-frame",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint32(o))
}

// ParseOp returns the operation with the given path name.
func ParseOp(name string) (Op, error) {
	for op, s := range opNames {
		if s == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q: %w", name, core.ErrInvalidParameter)
}

// Ops lists every operation in numeric order.
func Ops() []Op {
	out := make([]Op, 0, len(opNames))
	for op := OpSetFrameFilter; op <= OpInjectFrame; op++ {
		out = append(out, op)
	}
	return out
}

var le = binary.LittleEndian

// reader decodes fixed-layout fields. The first short read sticks.
type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b) < n {
		r.err = fmt.Errorf("wire: need %d bytes, have %d: %w", n, len(r.b), core.ErrInvalidParameter)
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return le.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return le.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return le.Uint64(b)
	}
	return 0
}

// bytes reads a u32 length prefix and that many bytes, copied.
func (r *reader) bytes() []byte {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

func (r *reader) key() core.RequestKey {
	return core.RequestKey{
		Code:      r.u32(),
		Direction: core.Direction(r.u32()),
		Interface: core.InterfaceClass(r.u32()),
		SubPort:   r.u32(),
	}
}

// done reports the sticky error, or trailing bytes.
func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if len(r.b) != 0 {
		return fmt.Errorf("wire: %d trailing bytes: %w", len(r.b), core.ErrInvalidParameter)
	}
	return nil
}

func appendBytes(b, v []byte) []byte {
	b = le.AppendUint32(b, uint32(len(v)))
	return append(b, v...)
}

func appendKey(b []byte, k core.RequestKey) []byte {
	b = le.AppendUint32(b, k.Code)
	b = le.AppendUint32(b, uint32(k.Direction))
	b = le.AppendUint32(b, uint32(k.Interface))
	return le.AppendUint32(b, k.SubPort)
}
