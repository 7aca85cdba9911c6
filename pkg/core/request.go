package core

import (
	"fmt"
	"sync"
)

// Direction is the kind of configuration request.
type Direction uint32

// Request directions. Values are part of the wire format.
const (
	DirectionQuery  Direction = 0
	DirectionSet    Direction = 1
	DirectionMethod Direction = 2
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool { return d <= DirectionMethod }

func (d Direction) String() string {
	switch d {
	case DirectionQuery:
		return "query"
	case DirectionSet:
		return "set"
	case DirectionMethod:
		return "method"
	default:
		return fmt.Sprintf("direction(%d)", uint32(d))
	}
}

// InterfaceClass is the delivery path a configuration request arrived on.
type InterfaceClass uint32

// Interface classes. Values are part of the wire format.
const (
	InterfaceRegular     InterfaceClass = 0
	InterfaceDirect      InterfaceClass = 1
	InterfaceSynchronous InterfaceClass = 2

	// NumInterfaceClasses is the number of defined interface classes.
	NumInterfaceClasses = 3
)

// Valid reports whether c is a known interface class.
func (c InterfaceClass) Valid() bool { return c < NumInterfaceClasses }

func (c InterfaceClass) String() string {
	switch c {
	case InterfaceRegular:
		return "regular"
	case InterfaceDirect:
		return "direct"
	case InterfaceSynchronous:
		return "synchronous"
	default:
		return fmt.Sprintf("interface(%d)", uint32(c))
	}
}

// RequestKey identifies a configuration request for filtering and lookup.
type RequestKey struct {
	Code      uint32
	Direction Direction
	Interface InterfaceClass
	SubPort   uint32
}

// Validate rejects keys with unknown enum values.
func (k RequestKey) Validate() error {
	if !k.Direction.Valid() {
		return fmt.Errorf("request key direction %d: %w", uint32(k.Direction), ErrInvalidParameter)
	}
	if !k.Interface.Valid() {
		return fmt.Errorf("request key interface %d: %w", uint32(k.Interface), ErrInvalidParameter)
	}
	return nil
}

func (k RequestKey) String() string {
	return fmt.Sprintf("code=0x%08x dir=%s if=%s port=%d", k.Code, k.Direction, k.Interface, k.SubPort)
}

// Request is a driver-owned configuration request. Info is the
// information buffer; its length is the declared capacity.
type Request struct {
	Code      uint32
	Direction Direction
	SubPort   uint32
	Info      []byte

	// BytesWritten is the number of Info bytes produced by completion.
	BytesWritten int
	// BytesNeeded is set when a completion did not fit into Info.
	BytesNeeded int

	mu        sync.Mutex
	done      bool
	status    Status
	onDone    func(*Request, Status)
	completed chan struct{}
}

// NewRequest creates a request with an information buffer of infoLen bytes
// initialised from info. onDone, if non-nil, runs once on completion.
func NewRequest(code uint32, dir Direction, subPort uint32, info []byte, infoLen int, onDone func(*Request, Status)) *Request {
	if infoLen < len(info) {
		infoLen = len(info)
	}
	buf := make([]byte, infoLen)
	copy(buf, info)
	return &Request{
		Code:      code,
		Direction: dir,
		SubPort:   subPort,
		Info:      buf,
		onDone:    onDone,
	}
}

// Key returns the request's lookup key for the given interface class.
func (r *Request) Key(class InterfaceClass) RequestKey {
	return RequestKey{Code: r.Code, Direction: r.Direction, Interface: class, SubPort: r.SubPort}
}

// Output returns the bytes produced by completion.
func (r *Request) Output() []byte {
	n := r.BytesWritten
	if n > len(r.Info) {
		n = len(r.Info)
	}
	return r.Info[:n]
}

// Complete finishes the request with status. A request completes exactly
// once; completing it again is a protocol violation and panics.
func (r *Request) Complete(status Status) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		panic(fmt.Sprintf("core: request 0x%08x completed twice", r.Code))
	}
	r.done = true
	r.status = status
	if r.completed != nil {
		close(r.completed)
	}
	onDone := r.onDone
	r.mu.Unlock()

	if onDone != nil {
		onDone(r, status)
	}
}

// Completed reports whether the request has been completed and with which
// status.
func (r *Request) Completed() (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.done
}

// Done is closed when the request completes.
func (r *Request) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed == nil {
		r.completed = make(chan struct{})
		if r.done {
			close(r.completed)
		}
	}
	return r.completed
}
