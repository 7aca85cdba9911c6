package wire

import (
	"errors"

	"github.com/irctrakz/nicshim/pkg/core"
)

// Response is the reply to every operation.
//
//	u32 status [| u32 required | payload]
//
// Required and Payload are present only for operations that return data:
// GetFrame, GetPendingRequest and CompleteRequest. For CompleteRequest,
// Required carries the final completion status and Payload the request's
// information bytes.
type Response struct {
	Op       Op
	Status   core.Status
	Required uint32
	Payload  []byte
}

// HasData reports whether responses to op carry Required and Payload.
func HasData(op Op) bool {
	switch op {
	case OpGetFrame, OpGetPendingRequest, OpCompleteRequest:
		return true
	}
	return false
}

func (m *Response) MarshalBinary() ([]byte, error) {
	b := le.AppendUint32(nil, uint32(m.Status))
	if !HasData(m.Op) {
		return b, nil
	}
	b = le.AppendUint32(b, m.Required)
	return append(b, m.Payload...), nil
}

// UnmarshalBinary decodes a response to m.Op, which must be set first.
func (m *Response) UnmarshalBinary(data []byte) error {
	r := reader{b: data}
	m.Status = core.Status(r.u32())
	if !HasData(m.Op) {
		return r.done()
	}
	m.Required = r.u32()
	if r.err != nil {
		return r.err
	}
	m.Payload = append([]byte{}, r.b...)
	return nil
}

// Err converts the response status back into an error. Size statuses are
// returned as *core.SizeError carrying Required.
func (m *Response) Err() error {
	switch m.Status {
	case core.StatusSuccess:
		return nil
	case core.StatusMoreData, core.StatusBufferTooSmall:
		if HasData(m.Op) {
			return &core.SizeError{Required: int(m.Required), Err: m.Status}
		}
	}
	return core.ErrorOf(m.Status)
}

// NewResponse builds the response to op from a result and an error. n is
// the size reported by data-returning operations.
func NewResponse(op Op, n int, payload []byte, err error) *Response {
	resp := &Response{Op: op, Status: core.StatusOf(err), Payload: payload}
	if HasData(op) {
		if need, ok := core.RequiredSize(err); ok {
			resp.Required = uint32(need)
		} else if err == nil {
			resp.Required = uint32(n)
		}
	}
	var se *core.SizeError
	if errors.As(err, &se) {
		resp.Payload = nil
	}
	return resp
}
