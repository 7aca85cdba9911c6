package core

// Verdict is the decision an evaluation hook returns to the driver.
type Verdict int

const (
	// VerdictPass means the item did not match and the driver continues
	// normal processing.
	VerdictPass Verdict = iota
	// VerdictPending means the item was captured. The driver must not
	// complete or release it; the capture engine hands it back later.
	VerdictPending
)

func (v Verdict) String() string {
	if v == VerdictPending {
		return "pending"
	}
	return "pass"
}

// FrameProcessor consumes frames indicated by an adapter.
type FrameProcessor interface {
	// ProcessFrame processes a frame from the adapter.
	ProcessFrame(frame *Frame) error
}

// RequestHandler performs a driver's default processing of a configuration
// request and returns the status it would complete the request with.
type RequestHandler interface {
	HandleRequest(req *Request, class InterfaceClass) Status
}

// Driver is the part of a network driver the capture engine talks to.
type Driver interface {
	RequestHandler

	// Name identifies the adapter instance.
	Name() string

	// ReturnFrames hands previously captured frames back to the driver,
	// which resumes their normal send processing.
	ReturnFrames(frames []*Frame)

	// IndicateReceive delivers a synthetic inbound frame.
	IndicateReceive(frame *Frame) error
}

// Medium carries frames the adapter transmits.
type Medium interface {
	Transmit(frame *Frame) error
}

// AdapterMetrics contains counters for an adapter.
type AdapterMetrics struct {
	// FramesSent is the number of frames handed to the medium.
	FramesSent uint64

	// FramesReceived is the number of frames indicated up the stack.
	FramesReceived uint64

	// FramesCaptured is the number of sends diverted by a capture hook.
	FramesCaptured uint64

	// FramesReturned is the number of captured frames given back.
	FramesReturned uint64

	// RequestsHandled is the number of requests completed by default processing.
	RequestsHandled uint64

	// RequestsPended is the number of requests diverted by a capture hook.
	RequestsPended uint64

	// Errors is the number of errors encountered.
	Errors uint64
}
